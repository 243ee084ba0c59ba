package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

// EventHandler ingests agent-pushed state deltas: single node events and
// batches. Events update the observed actual state directly; the periodic
// reconciler remains the authority that settles any divergence.
type EventHandler struct {
	states repositories.StateRepository
	logger *zap.Logger
}

// NewEventHandler creates a new EventHandler.
func NewEventHandler(states repositories.StateRepository, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		states: states,
		logger: logger.Named("event_handler"),
	}
}

// nodeEvent is one agent-observed node transition. NodeName is the runtime
// container name, matching what the agent sees.
type nodeEvent struct {
	LabID        uuid.UUID `json:"lab_id"`
	NodeName     string    `json:"node_name"`
	State        string    `json:"state"`
	ErrorMessage string    `json:"error_message"`
}

func validNodeState(s string) bool {
	switch s {
	case db.NodeUndeployed, db.NodePending, db.NodeRunning, db.NodeStopped, db.NodeError:
		return true
	}
	return false
}

// apply writes one node event. Unknown states are an invalid_state error;
// events for nodes the controller does not know are not_found.
func (h *EventHandler) apply(r *http.Request, ev nodeEvent) error {
	if !validNodeState(ev.State) {
		return fmt.Errorf("unknown node state %q", ev.State)
	}
	state, err := h.states.GetNodeStateByName(r.Context(), ev.LabID, ev.NodeName)
	if err != nil {
		return err
	}
	return h.states.SetActualState(r.Context(), state.ID, ev.State, ev.ErrorMessage)
}

// NodeEvent handles POST /events/node.
func (h *EventHandler) NodeEvent(w http.ResponseWriter, r *http.Request) {
	var ev nodeEvent
	if !decodeJSON(w, r, &ev) {
		return
	}

	if err := h.apply(r, ev); err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		case !validNodeState(ev.State):
			ErrInvalidState(w, err.Error())
		default:
			h.logger.Error("node event failed",
				zap.String("lab_id", ev.LabID.String()),
				zap.String("node", ev.NodeName),
				zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	JSON(w, http.StatusOK, ackResponse{Acknowledged: true})
}

// batchRequest is the body of POST /events/batch.
type batchRequest struct {
	Events []nodeEvent `json:"events"`
}

// batchResponse reports per-item outcomes; a batch never fails wholesale.
type batchResponse struct {
	Accepted int      `json:"accepted"`
	Errors   []string `json:"errors,omitempty"`
}

// Batch handles POST /events/batch. Items are applied independently; one bad
// event does not discard the rest.
func (h *EventHandler) Batch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp := batchResponse{}
	for i, ev := range req.Events {
		if err := h.apply(r, ev); err != nil {
			resp.Errors = append(resp.Errors, fmt.Sprintf("event %d (%s): %v", i, ev.NodeName, err))
			continue
		}
		resp.Accepted++
	}
	JSON(w, http.StatusOK, resp)
}
