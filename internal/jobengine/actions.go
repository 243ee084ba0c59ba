package jobengine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Action kinds.
const (
	KindUp        = "up"
	KindDown      = "down"
	KindNodeStart = "node_start"
	KindNodeStop  = "node_stop"
	KindSyncNode  = "sync_node"
	KindSyncLab   = "sync_lab"
)

// Action is a parsed job action. The wire form is a small language:
// "up", "down", "node:start:<name>", "node:stop:<name>",
// "sync:node:<node_id>", "sync:lab".
type Action struct {
	Kind     string
	NodeName string    // set for node_start / node_stop
	NodeID   uuid.UUID // set for sync_node
}

// ParseAction parses the wire form of a job action.
func ParseAction(s string) (Action, error) {
	switch {
	case s == "up":
		return Action{Kind: KindUp}, nil
	case s == "down":
		return Action{Kind: KindDown}, nil
	case s == "sync:lab":
		return Action{Kind: KindSyncLab}, nil
	case strings.HasPrefix(s, "node:start:"):
		name := s[len("node:start:"):]
		if name == "" {
			return Action{}, fmt.Errorf("jobengine: action %q missing node name", s)
		}
		return Action{Kind: KindNodeStart, NodeName: name}, nil
	case strings.HasPrefix(s, "node:stop:"):
		name := s[len("node:stop:"):]
		if name == "" {
			return Action{}, fmt.Errorf("jobengine: action %q missing node name", s)
		}
		return Action{Kind: KindNodeStop, NodeName: name}, nil
	case strings.HasPrefix(s, "sync:node:"):
		id, err := uuid.Parse(s[len("sync:node:"):])
		if err != nil {
			return Action{}, fmt.Errorf("jobengine: action %q has invalid node id: %w", s, err)
		}
		return Action{Kind: KindSyncNode, NodeID: id}, nil
	default:
		return Action{}, fmt.Errorf("jobengine: unknown action %q", s)
	}
}

// NodeStartAction formats the wire form of a node start.
func NodeStartAction(nodeName string) string { return "node:start:" + nodeName }

// NodeStopAction formats the wire form of a node stop.
func NodeStopAction(nodeName string) string { return "node:stop:" + nodeName }

// SyncNodeAction formats the wire form of a single-node image sync.
func SyncNodeAction(nodeID uuid.UUID) string { return "sync:node:" + nodeID.String() }
