package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/imagesync"
	"github.com/labmesh-io/labmesh/internal/registry"
	"github.com/labmesh-io/labmesh/internal/repositories"
	"github.com/labmesh-io/labmesh/internal/ws"
)

// AgentHandler serves the agent protocol (register, heartbeat) and the
// client-facing agent listing.
type AgentHandler struct {
	registry *registry.Registry
	repo     repositories.AgentRepository
	images   *imagesync.Manager // nil disables pull-on-registration
	live     *ws.Publisher      // nil disables live status broadcasts
	token    string
	logger   *zap.Logger
}

// NewAgentHandler creates a new AgentHandler. token is the shared agent
// registration token; empty disables the check.
func NewAgentHandler(reg *registry.Registry, repo repositories.AgentRepository, images *imagesync.Manager, live *ws.Publisher, token string, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{
		registry: reg,
		repo:     repo,
		images:   images,
		live:     live,
		token:    token,
		logger:   logger.Named("agent_handler"),
	}
}

// registerRequest is the body of POST /agents/register. The inner agent
// object carries the agent's self-description; Token authenticates the call
// for agents that do not send the X-Agent-Token header.
type registerRequest struct {
	Agent struct {
		ID           *uuid.UUID      `json:"id"`
		Name         string          `json:"name"`
		Address      string          `json:"address"`
		Version      string          `json:"version"`
		Capabilities json.RawMessage `json:"capabilities"`
	} `json:"agent"`
	Token string `json:"token"`
}

// registerResponse is the agent-protocol response: AssignedID is the
// controller-canonical id the agent must adopt.
type registerResponse struct {
	Success    bool   `json:"success"`
	AssignedID string `json:"assigned_id"`
	Message    string `json:"message"`
}

// Register handles POST /agents/register.
func (h *AgentHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if h.token != "" {
		bodyOK := subtle.ConstantTimeCompare([]byte(req.Token), []byte(h.token)) == 1
		headerOK := subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Agent-Token")), []byte(h.token)) == 1
		if !bodyOK && !headerOK {
			ErrUnauthorized(w)
			return
		}
	}
	if req.Agent.Name == "" || req.Agent.Address == "" {
		ErrBadRequest(w, "agent name and address are required")
		return
	}

	agent, err := h.registry.Register(r.Context(), registry.RegisterInfo{
		ID:           req.Agent.ID,
		Name:         req.Agent.Name,
		Address:      req.Agent.Address,
		Version:      req.Agent.Version,
		Capabilities: string(req.Agent.Capabilities),
	})
	if err != nil {
		h.logger.Error("registration failed", zap.String("name", req.Agent.Name), zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.live != nil {
		h.live.AgentStatus(agent.ID, db.AgentOnline)
	}
	if h.images != nil {
		// Pull-strategy agents fetch the manifest in the background; the
		// registration response must not wait on image transfers.
		go h.images.PullOnRegistration(context.Background(), agent)
	}

	JSON(w, http.StatusOK, registerResponse{
		Success:    true,
		AssignedID: agent.ID.String(),
		Message:    "registered",
	})
}

// heartbeatRequest is the body of POST /agents/{id}/heartbeat.
type heartbeatRequest struct {
	Status        string          `json:"status"`
	ActiveJobs    int             `json:"active_jobs"`
	ResourceUsage json.RawMessage `json:"resource_usage"`
}

// heartbeatResponse acknowledges the heartbeat. PendingJobs is reserved for
// pull-model dispatch and always empty.
type heartbeatResponse struct {
	Acknowledged bool        `json:"acknowledged"`
	PendingJobs  []uuid.UUID `json:"pending_jobs"`
}

// Heartbeat handles POST /agents/{id}/heartbeat.
func (h *AgentHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	var req heartbeatRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := h.registry.Heartbeat(r.Context(), id, string(req.ResourceUsage))
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("heartbeat failed", zap.String("agent_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusOK, heartbeatResponse{
		Acknowledged: true,
		PendingJobs:  resp.PendingJobs,
	})
}

// agentResponse is the JSON representation of an agent for API clients.
type agentResponse struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Address       string          `json:"address"`
	Status        string          `json:"status"`
	Version       string          `json:"version"`
	Capabilities  json.RawMessage `json:"capabilities"`
	ResourceUsage json.RawMessage `json:"resource_usage"`
	LastHeartbeat *time.Time      `json:"last_heartbeat"`
	CreatedAt     time.Time       `json:"created_at"`
}

func agentToResponse(a *db.Agent) agentResponse {
	return agentResponse{
		ID:            a.ID.String(),
		Name:          a.Name,
		Address:       a.Address,
		Status:        a.Status,
		Version:       a.Version,
		Capabilities:  json.RawMessage(a.Capabilities),
		ResourceUsage: json.RawMessage(a.ResourceUsage),
		LastHeartbeat: a.LastHeartbeat,
		CreatedAt:     a.CreatedAt,
	}
}

type listAgentsResponse struct {
	Items []agentResponse `json:"items"`
	Total int64           `json:"total"`
}

// List handles GET /agents.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	agents, total, err := h.repo.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("agent listing failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]agentResponse, len(agents))
	for i := range agents {
		items[i] = agentToResponse(&agents[i])
	}
	Ok(w, listAgentsResponse{Items: items, Total: total})
}

// GetByID handles GET /agents/{id}.
func (h *AgentHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	agent, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("agent lookup failed", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, agentToResponse(agent))
}
