// Package ws implements the live event hub that pushes controller state to
// connected UI clients over WebSocket. It wraps gorilla/websocket with a
// topic-based broadcast API fed by the job engine, the reconciler and the
// agent registry through the events.Publisher interface.
//
// Topic naming convention:
//
//	job:<uuid>    — lifecycle updates for a specific job
//	lab:<uuid>    — state transitions and node readiness for a lab
//	agent:<uuid>  — online/offline transitions for an agent
package ws

// MessageType identifies the kind of event carried by a Message. Clients
// dispatch on this field to route the payload to the right view.
type MessageType string

const (
	// MsgJobStatus is sent when a job transitions between states
	// (queued → running → completed | failed | cancelled).
	MsgJobStatus MessageType = "job.status"

	// MsgLabState is sent when a lab's aggregate state changes, including
	// deploy/destroy completion and error transitions.
	MsgLabState MessageType = "lab.state"

	// MsgNodeReady is sent when a node passes its readiness probe.
	MsgNodeReady MessageType = "node.ready"

	// MsgAgentStatus is sent when an agent registers, is swept offline, or
	// comes back after a missed heartbeat.
	MsgAgentStatus MessageType = "agent.status"
)

// Message is the envelope for every frame sent to clients.
//
// JSON example:
//
//	{"type":"job.status","topic":"job:018f...","payload":{"event":"job.completed"}}
type Message struct {
	// Type identifies the kind of event so the client can route it.
	Type MessageType `json:"type"`

	// Topic is the channel this message was published on. Clients use it to
	// associate the update with the correct UI element.
	Topic string `json:"topic"`

	// Payload carries the event-specific data; for lifecycle events it is
	// the same JSON body webhooks receive.
	Payload any `json:"payload"`
}
