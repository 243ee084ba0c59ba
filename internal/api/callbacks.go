package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/jobengine"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

// CallbackHandler serves the agent-initiated completion paths: job
// callbacks, dead letters, in-flight heartbeats and software-update results.
// All of them are idempotent — agents retry delivery, so a duplicate must
// answer success without changing state.
type CallbackHandler struct {
	engine  *jobengine.Engine
	updates repositories.AgentUpdateRepository
	logger  *zap.Logger
}

// NewCallbackHandler creates a new CallbackHandler.
func NewCallbackHandler(engine *jobengine.Engine, updates repositories.AgentUpdateRepository, logger *zap.Logger) *CallbackHandler {
	return &CallbackHandler{
		engine:  engine,
		updates: updates,
		logger:  logger.Named("callback_handler"),
	}
}

type ackResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// JobCallback handles POST /callbacks/job/{id}.
func (h *CallbackHandler) JobCallback(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var cb jobengine.JobCallback
	if !decodeJSON(w, r, &cb) {
		return
	}
	if cb.Status == "" {
		ErrBadRequest(w, "status is required")
		return
	}

	if err := h.engine.HandleJobCallback(r.Context(), id, cb); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("job callback failed", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, ackResponse{Acknowledged: true})
}

// deadLetterRequest is the body of POST /callbacks/dead-letter/{id}.
type deadLetterRequest struct {
	Reason string `json:"reason"`
}

// DeadLetter handles POST /callbacks/dead-letter/{id}: the agent's last
// resort after normal callback delivery failed repeatedly.
func (h *CallbackHandler) DeadLetter(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req deadLetterRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.engine.HandleDeadLetter(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("dead-letter callback failed", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, ackResponse{Acknowledged: true})
}

// jobHeartbeatRequest is the body of POST /callbacks/job/{id}/heartbeat.
// LogChunk carries streamed output captured since the last heartbeat.
type jobHeartbeatRequest struct {
	LogChunk string `json:"log_chunk"`
}

// JobHeartbeat handles POST /callbacks/job/{id}/heartbeat. A heartbeat is
// proof of life: the health monitor never marks a recently heartbeating job
// as stuck, however long it runs.
func (h *CallbackHandler) JobHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req jobHeartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.engine.HandleJobHeartbeat(r.Context(), id, req.LogChunk); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("job heartbeat failed", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, ackResponse{Acknowledged: true})
}

// updateCallbackRequest is the body of POST /callbacks/update/{id}, posted
// by an agent when a software-update job finishes.
type updateCallbackRequest struct {
	Status       string `json:"status"` // completed | failed
	ErrorMessage string `json:"error_message"`
}

// UpdateCallback handles POST /callbacks/update/{id}.
func (h *CallbackHandler) UpdateCallback(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req updateCallbackRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Status != "completed" && req.Status != "failed" {
		ErrInvalidState(w, "unknown update status "+req.Status)
		return
	}

	now := time.Now().UTC()
	if err := h.updates.SetStatus(r.Context(), id, req.Status, req.ErrorMessage, &now); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("update callback failed", zap.String("update_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	JSON(w, http.StatusOK, ackResponse{Acknowledged: true})
}
