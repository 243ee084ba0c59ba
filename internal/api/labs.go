package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/jobengine"
	"github.com/labmesh-io/labmesh/internal/repositories"
	"github.com/labmesh-io/labmesh/internal/topology"
)

// LabHandler serves lab import, inspection and the lifecycle actions that
// enqueue jobs (up, down, restart, node start/stop, cancel).
type LabHandler struct {
	labs   repositories.LabRepository
	topo   repositories.TopologyRepository
	states repositories.StateRepository
	agents repositories.AgentRepository
	engine *jobengine.Engine
	logger *zap.Logger
}

// NewLabHandler creates a new LabHandler.
func NewLabHandler(
	labs repositories.LabRepository,
	topo repositories.TopologyRepository,
	states repositories.StateRepository,
	agents repositories.AgentRepository,
	engine *jobengine.Engine,
	logger *zap.Logger,
) *LabHandler {
	return &LabHandler{
		labs:   labs,
		topo:   topo,
		states: states,
		agents: agents,
		engine: engine,
		logger: logger.Named("lab_handler"),
	}
}

// createLabRequest is the body of POST /labs. Name defaults to the name in
// the topology document.
type createLabRequest struct {
	Name         string    `json:"name"`
	OwnerID      uuid.UUID `json:"owner_id"`
	Provider     string    `json:"provider"`
	TopologyYAML string    `json:"topology_yaml"`
}

// Create handles POST /labs: imports the topology into definition rows
// (nodes, links) plus their runtime state rows, all starting undeployed.
func (h *LabHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createLabRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OwnerID == uuid.Nil {
		ErrBadRequest(w, "owner_id is required")
		return
	}

	graph, err := topology.Parse(req.TopologyYAML)
	if err != nil {
		ErrBadRequest(w, err.Error())
		return
	}

	name := req.Name
	if name == "" {
		name = graph.Name
	}
	provider := req.Provider
	if provider == "" {
		provider = "containerlab"
	}

	ctx := r.Context()
	lab := &db.Lab{
		Name:         name,
		OwnerID:      req.OwnerID,
		Provider:     provider,
		State:        db.LabStopped,
		TopologyYAML: req.TopologyYAML,
	}
	if err := h.labs.Create(ctx, lab); err != nil {
		h.logger.Error("lab create failed", zap.String("name", name), zap.Error(err))
		ErrInternal(w)
		return
	}

	// Nodes in sorted order so import is deterministic.
	nodeNames := make([]string, 0, len(graph.Nodes))
	for n := range graph.Nodes {
		nodeNames = append(nodeNames, n)
	}
	sort.Strings(nodeNames)

	nodeIDs := make(map[string]uuid.UUID, len(nodeNames))
	for _, nodeName := range nodeNames {
		def := graph.Nodes[nodeName]
		nodeType := def.Type
		if nodeType == "" {
			nodeType = topology.NodeTypeContainer
		}
		node := &db.Node{
			LabID:         lab.ID,
			DisplayName:   nodeName,
			ContainerName: topology.ContainerName(lab.Name, nodeName),
			NodeType:      nodeType,
			Device:        def.Kind,
			Image:         def.Image,
		}
		if def.Host != "" {
			// Explicit placement pins the node to a named agent when one
			// exists; an unknown host name is resolved at deploy time.
			if agent, err := h.agents.GetByNameOrAddress(ctx, def.Host, def.Host); err == nil {
				node.HostID = &agent.ID
			}
		}
		if err := h.topo.CreateNode(ctx, node); err != nil {
			h.logger.Error("node import failed", zap.String("node", nodeName), zap.Error(err))
			ErrInternal(w)
			return
		}
		nodeIDs[nodeName] = node.ID

		if err := h.states.SaveNodeState(ctx, &db.NodeState{
			LabID:        lab.ID,
			NodeID:       node.ID,
			NodeName:     node.ContainerName,
			DesiredState: db.DesiredStopped,
			ActualState:  db.NodeUndeployed,
		}); err != nil {
			h.logger.Error("node state import failed", zap.String("node", nodeName), zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	for _, link := range graph.Links {
		a, b := link.EndpointPair()
		srcContainer := topology.ContainerName(lab.Name, a.Node)
		dstContainer := topology.ContainerName(lab.Name, b.Node)
		linkName := topology.CanonicalLinkName(srcContainer, a.Iface, dstContainer, b.Iface)

		if err := h.topo.CreateLink(ctx, &db.Link{
			LabID:           lab.ID,
			LinkName:        linkName,
			SourceNodeID:    nodeIDs[a.Node],
			SourceInterface: a.Iface,
			TargetNodeID:    nodeIDs[b.Node],
			TargetInterface: b.Iface,
			MTU:             link.MTU,
		}); err != nil {
			h.logger.Error("link import failed", zap.String("link", linkName), zap.Error(err))
			ErrInternal(w)
			return
		}
		if err := h.states.SaveLinkState(ctx, &db.LinkState{
			LabID:           lab.ID,
			LinkName:        linkName,
			SourceNode:      srcContainer,
			SourceInterface: a.Iface,
			TargetNode:      dstContainer,
			TargetInterface: b.Iface,
			DesiredState:    db.LinkUp,
			ActualState:     db.LinkUnknown,
		}); err != nil {
			h.logger.Error("link state import failed", zap.String("link", linkName), zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	Created(w, labToResponse(lab))
}

// labResponse is the JSON representation of a lab.
type labResponse struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OwnerID        string    `json:"owner_id"`
	Provider       string    `json:"provider"`
	State          string    `json:"state"`
	StateError     string    `json:"state_error,omitempty"`
	StateUpdatedAt time.Time `json:"state_updated_at"`
	AgentID        *string   `json:"agent_id"`
	CreatedAt      time.Time `json:"created_at"`
}

func labToResponse(l *db.Lab) labResponse {
	resp := labResponse{
		ID:             l.ID.String(),
		Name:           l.Name,
		OwnerID:        l.OwnerID.String(),
		Provider:       l.Provider,
		State:          l.State,
		StateError:     l.StateError,
		StateUpdatedAt: l.StateUpdatedAt,
		CreatedAt:      l.CreatedAt,
	}
	if l.AgentID != nil {
		s := l.AgentID.String()
		resp.AgentID = &s
	}
	return resp
}

type listLabsResponse struct {
	Items []labResponse `json:"items"`
	Total int64         `json:"total"`
}

// List handles GET /labs.
func (h *LabHandler) List(w http.ResponseWriter, r *http.Request) {
	labs, total, err := h.labs.List(r.Context(), paginationOpts(r))
	if err != nil {
		h.logger.Error("lab listing failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	items := make([]labResponse, len(labs))
	for i := range labs {
		items[i] = labToResponse(&labs[i])
	}
	Ok(w, listLabsResponse{Items: items, Total: total})
}

// nodeStateResponse is the runtime view of one node.
type nodeStateResponse struct {
	NodeName     string `json:"node_name"`
	DesiredState string `json:"desired_state"`
	ActualState  string `json:"actual_state"`
	IsReady      bool   `json:"is_ready"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// linkStateResponse is the runtime view of one link.
type linkStateResponse struct {
	LinkName     string `json:"link_name"`
	DesiredState string `json:"desired_state"`
	ActualState  string `json:"actual_state"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// labDetailResponse extends labResponse with runtime node and link state.
type labDetailResponse struct {
	labResponse
	Nodes []nodeStateResponse `json:"nodes"`
	Links []linkStateResponse `json:"links"`
}

// GetByID handles GET /labs/{id}.
func (h *LabHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()

	lab, err := h.labs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("lab lookup failed", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	detail := labDetailResponse{labResponse: labToResponse(lab)}
	nodeStates, err := h.states.ListNodeStatesByLab(ctx, id)
	if err != nil {
		h.logger.Error("node state listing failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	for _, s := range nodeStates {
		detail.Nodes = append(detail.Nodes, nodeStateResponse{
			NodeName:     s.NodeName,
			DesiredState: s.DesiredState,
			ActualState:  s.ActualState,
			IsReady:      s.IsReady,
			ErrorMessage: s.ErrorMessage,
		})
	}
	linkStates, err := h.states.ListLinkStatesByLab(ctx, id)
	if err != nil {
		h.logger.Error("link state listing failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	for _, s := range linkStates {
		detail.Links = append(detail.Links, linkStateResponse{
			LinkName:     s.LinkName,
			DesiredState: s.DesiredState,
			ActualState:  s.ActualState,
			ErrorMessage: s.ErrorMessage,
		})
	}
	Ok(w, detail)
}

// enqueue runs the shared lifecycle-action path: resolve the lab, enqueue
// the action attributed to the lab owner, map engine errors to API errors.
func (h *LabHandler) enqueue(w http.ResponseWriter, r *http.Request, action string) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	lab, err := h.labs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("lab lookup failed", zap.String("id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	job, err := h.engine.Enqueue(r.Context(), lab.ID, action, &lab.OwnerID)
	if err != nil {
		switch {
		case errors.Is(err, jobengine.ErrConcurrencyLimit):
			ErrConflict(w, err.Error())
		default:
			ErrInvalidState(w, err.Error())
		}
		return
	}
	Accepted(w, jobToResponse(job))
}

// Up handles POST /labs/{id}/up.
func (h *LabHandler) Up(w http.ResponseWriter, r *http.Request) { h.enqueue(w, r, "up") }

// Down handles POST /labs/{id}/down.
func (h *LabHandler) Down(w http.ResponseWriter, r *http.Request) { h.enqueue(w, r, "down") }

// Restart handles POST /labs/{id}/restart: a serialized down followed by up.
func (h *LabHandler) Restart(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	lab, err := h.labs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	job, err := h.engine.Restart(r.Context(), lab.ID, &lab.OwnerID)
	if err != nil {
		if errors.Is(err, jobengine.ErrConcurrencyLimit) {
			ErrConflict(w, err.Error())
			return
		}
		ErrInvalidState(w, err.Error())
		return
	}
	Accepted(w, jobToResponse(job))
}

// NodeAction handles POST /labs/{id}/nodes/{name}/{start|stop}. The node
// name is the topology display name, validated against the definitions.
func (h *LabHandler) NodeAction(w http.ResponseWriter, r *http.Request, verb string) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	nodeName := chi.URLParam(r, "name")
	if nodeName == "" {
		ErrBadRequest(w, "node name is required")
		return
	}

	lab, err := h.labs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	container := topology.ContainerName(lab.Name, nodeName)
	if _, err := h.topo.GetNodeByName(r.Context(), lab.ID, container); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}

	action := jobengine.NodeStartAction(nodeName)
	if verb == "stop" {
		action = jobengine.NodeStopAction(nodeName)
	}
	job, err := h.engine.Enqueue(r.Context(), lab.ID, action, &lab.OwnerID)
	if err != nil {
		if errors.Is(err, jobengine.ErrConcurrencyLimit) {
			ErrConflict(w, err.Error())
			return
		}
		ErrInvalidState(w, err.Error())
		return
	}
	Accepted(w, jobToResponse(job))
}

// NodeStart handles POST /labs/{id}/nodes/{name}/start.
func (h *LabHandler) NodeStart(w http.ResponseWriter, r *http.Request) { h.NodeAction(w, r, "start") }

// NodeStop handles POST /labs/{id}/nodes/{name}/stop.
func (h *LabHandler) NodeStop(w http.ResponseWriter, r *http.Request) { h.NodeAction(w, r, "stop") }

// CancelJob handles POST /labs/{id}/jobs/{jobID}/cancel.
func (h *LabHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseUUID(w, r, "jobID")
	if !ok {
		return
	}
	if err := h.engine.Cancel(r.Context(), jobID); err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			ErrNotFound(w)
		case errors.Is(err, repositories.ErrInvalidTransition):
			ErrConflict(w, "job already finished")
		default:
			h.logger.Error("job cancel failed", zap.String("job_id", jobID.String()), zap.Error(err))
			ErrInternal(w)
		}
		return
	}
	Ok(w, ackResponse{Acknowledged: true})
}

// Delete handles DELETE /labs/{id}. A lab with active jobs cannot be
// deleted; destroy it first.
func (h *LabHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUID(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()

	lab, err := h.labs.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		ErrInternal(w)
		return
	}
	if lab.State == db.LabStarting || lab.State == db.LabStopping {
		ErrConflict(w, "lab is transitioning; wait for the active job")
		return
	}

	if err := h.topo.DeleteByLab(ctx, id); err != nil {
		h.logger.Error("topology delete failed", zap.String("lab_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.states.DeleteByLab(ctx, id); err != nil {
		h.logger.Error("state delete failed", zap.String("lab_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.labs.Delete(ctx, id); err != nil {
		h.logger.Error("lab delete failed", zap.String("lab_id", id.String()), zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}
