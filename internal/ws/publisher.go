package ws

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/labmesh-io/labmesh/internal/events"
)

// Publisher adapts the hub to the events.Publisher interface so it can sit
// next to the webhook dispatcher in an events.Fanout. Each event fans out to
// the job and lab topics it concerns; clients see the same JSON body webhook
// receivers get.
type Publisher struct {
	hub *Hub
}

// NewPublisher wraps hub as an event sink.
func NewPublisher(hub *Hub) *Publisher {
	return &Publisher{hub: hub}
}

// Publish broadcasts the event on its job and lab topics. Hub sends never
// block, so this is safe to call from the job engine's hot path.
func (p *Publisher) Publish(_ context.Context, event events.Event) {
	typ, ok := typeFor(event.Event)
	if !ok {
		return
	}
	if event.JobID != nil {
		topic := "job:" + event.JobID.String()
		p.hub.Publish(topic, Message{Type: typ, Topic: topic, Payload: event})
	}
	if event.LabID != nil {
		topic := "lab:" + event.LabID.String()
		p.hub.Publish(topic, Message{Type: typ, Topic: topic, Payload: event})
	}
}

// AgentStatus broadcasts an agent status transition on the agent's topic.
// Called from registration and the staleness sweep.
func (p *Publisher) AgentStatus(agentID uuid.UUID, status string) {
	topic := "agent:" + agentID.String()
	p.hub.Publish(topic, Message{
		Type:  MsgAgentStatus,
		Topic: topic,
		Payload: map[string]string{
			"agent_id": agentID.String(),
			"status":   status,
		},
	})
}

func typeFor(name string) (MessageType, bool) {
	switch {
	case name == events.NodeReady:
		return MsgNodeReady, true
	case strings.HasPrefix(name, "job."):
		return MsgJobStatus, true
	case strings.HasPrefix(name, "lab."):
		return MsgLabState, true
	default:
		// Test and future event names have no live-view mapping.
		return "", false
	}
}
