// Package events defines the lifecycle event model shared by the webhook
// dispatcher and the live WebSocket hub. Producers build one Event and hand
// it to a Publisher; fan-out to multiple sinks goes through Fanout.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event names. A dotted pair of subject and verb.
const (
	LabDeployStarted   = "lab.deploy_started"
	LabDeployComplete  = "lab.deploy_complete"
	LabDeployFailed    = "lab.deploy_failed"
	LabDestroyComplete = "lab.destroy_complete"
	NodeReady          = "node.ready"
	JobCompleted       = "job.completed"
	JobFailed          = "job.failed"
	Test               = "test"
)

// Event is one lifecycle occurrence. OwnerID scopes webhook matching;
// LabID and JobID are set when the event concerns a lab or job.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	OwnerID   uuid.UUID      `json:"-"`
	LabID     *uuid.UUID     `json:"lab_id,omitempty"`
	JobID     *uuid.UUID     `json:"job_id,omitempty"`
	Lab       map[string]any `json:"lab,omitempty"`
	Job       map[string]any `json:"job,omitempty"`
	Nodes     []string       `json:"nodes,omitempty"`
	Detail    string         `json:"detail,omitempty"`
}

// New builds an event with a fresh id and timestamp.
func New(name string, ownerID uuid.UUID) Event {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return Event{
		ID:        id,
		Event:     name,
		Timestamp: time.Now().UTC(),
		OwnerID:   ownerID,
	}
}

// Publisher consumes events. Implementations must not block the caller on
// slow sinks; delivery is asynchronous and best-effort.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Fanout republishes every event to all sinks.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) {
	for _, p := range f {
		p.Publish(ctx, event)
	}
}

// Discard drops all events. Used where no sinks are configured.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
