// Package reconciler implements the periodic read-only reconciliation loop:
// it makes the database match what the agents actually host, without taking
// corrective action. Corrective work belongs to the enforcer and the health
// monitor.
package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/agentclient"
	"github.com/labmesh-io/labmesh/internal/config"
	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/events"
	"github.com/labmesh-io/labmesh/internal/metrics"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

type Reconciler struct {
	labs   repositories.LabRepository
	topo   repositories.TopologyRepository
	states repositories.StateRepository
	jobs   repositories.JobRepository
	agents repositories.AgentRepository
	client agentclient.Caller
	pub    events.Publisher
	cfg    config.ReconcileConfig
	jobCfg config.JobConfig
	log    *zap.Logger

	now func() time.Time
}

func New(
	labs repositories.LabRepository,
	topo repositories.TopologyRepository,
	states repositories.StateRepository,
	jobs repositories.JobRepository,
	agents repositories.AgentRepository,
	client agentclient.Caller,
	pub events.Publisher,
	cfg config.ReconcileConfig,
	jobCfg config.JobConfig,
	log *zap.Logger,
) *Reconciler {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Reconciler{
		labs: labs, topo: topo, states: states, jobs: jobs, agents: agents,
		client: client, pub: pub, cfg: cfg, jobCfg: jobCfg,
		log: log.Named("reconciler"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one reconciliation cycle: the readiness pass, full
// reconciliation of every targeted lab, and orphan cleanup. Errors are
// isolated per lab.
func (r *Reconciler) Run(ctx context.Context) {
	timer := prometheus.NewTimer(metrics.ReconcileDuration)
	defer timer.ObserveDuration()

	r.pollReadiness(ctx)

	targets, err := r.selectTargets(ctx)
	if err != nil {
		r.log.Error("target selection failed", zap.Error(err))
		return
	}
	for i := range targets {
		if err := r.ReconcileLab(ctx, &targets[i]); err != nil {
			r.log.Error("lab reconciliation failed",
				zap.String("lab_id", targets[i].ID.String()),
				zap.Error(err))
		}
	}

	r.cleanupOrphans(ctx)
}

// selectTargets returns the labs worth a full reconciliation pass: labs in a
// transitional or unknown state, labs with nodes stuck pending, unready or
// erroring, labs whose desired and actual node states diverge, and labs with
// running nodes that have no recorded placement.
func (r *Reconciler) selectTargets(ctx context.Context) ([]db.Lab, error) {
	labs, err := r.labs.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciler: list labs: %w", err)
	}
	states, err := r.states.ListAllNodeStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconciler: list node states: %w", err)
	}

	byLab := map[uuid.UUID][]db.NodeState{}
	for _, s := range states {
		byLab[s.LabID] = append(byLab[s.LabID], s)
	}

	now := r.now()
	var out []db.Lab
	for _, lab := range labs {
		if r.needsReconcile(ctx, &lab, byLab[lab.ID], now) {
			out = append(out, lab)
		}
	}
	return out, nil
}

func (r *Reconciler) needsReconcile(ctx context.Context, lab *db.Lab, states []db.NodeState, now time.Time) bool {
	switch lab.State {
	case db.LabStarting, db.LabStopping, db.LabUnknown:
		return true
	}
	for _, s := range states {
		switch {
		case s.ActualState == db.NodePending && now.Sub(s.UpdatedAt) > r.cfg.StalePendingThreshold:
			return true
		case s.ActualState == db.NodeError:
			return true
		case s.ActualState == db.NodeRunning && !s.IsReady:
			return true
		case s.DesiredState == db.DesiredRunning &&
			(s.ActualState == db.NodeStopped || s.ActualState == db.NodeUndeployed):
			return true
		case s.ActualState == db.NodeRunning:
			if _, err := r.states.GetPlacement(ctx, lab.ID, s.NodeName); err != nil {
				return true
			}
		}
	}
	return false
}

// pollReadiness checks boot readiness of running-but-not-ready nodes. It runs
// even while a job is active: it only ever sets a boolean, so it cannot fight
// an in-flight operation.
func (r *Reconciler) pollReadiness(ctx context.Context) {
	states, err := r.states.ListAllNodeStates(ctx)
	if err != nil {
		r.log.Error("readiness pass failed", zap.Error(err))
		return
	}
	agentCache := map[uuid.UUID]*db.Agent{}
	for i := range states {
		s := &states[i]
		if s.ActualState != db.NodeRunning || s.IsReady {
			continue
		}
		if s.BootStartedAt == nil {
			if err := r.states.SetBootStarted(ctx, s.ID, r.now()); err != nil {
				r.log.Warn("boot timestamp update failed", zap.Error(err))
			}
		}
		agent := r.agentForNode(ctx, s, agentCache)
		if agent == nil {
			continue
		}
		ready, err := r.client.CheckNodeReadiness(ctx, agent, s.LabID, s.NodeName)
		if err != nil {
			r.log.Debug("readiness probe failed",
				zap.String("node", s.NodeName), zap.Error(err))
			continue
		}
		if !ready {
			continue
		}
		if err := r.states.SetReady(ctx, s.ID, true); err != nil {
			r.log.Warn("readiness update failed", zap.Error(err))
			continue
		}
		if lab, err := r.labs.GetByID(ctx, s.LabID); err == nil {
			ev := events.New(events.NodeReady, lab.OwnerID)
			ev.LabID = &lab.ID
			ev.Nodes = []string{s.NodeName}
			r.pub.Publish(ctx, ev)
		}
	}
}

func (r *Reconciler) agentForNode(ctx context.Context, s *db.NodeState, cache map[uuid.UUID]*db.Agent) *db.Agent {
	var id uuid.UUID
	if p, err := r.states.GetPlacement(ctx, s.LabID, s.NodeName); err == nil {
		id = p.HostID
	} else if lab, err := r.labs.GetByID(ctx, s.LabID); err == nil && lab.AgentID != nil {
		id = *lab.AgentID
	} else {
		return nil
	}
	if a, ok := cache[id]; ok {
		return a
	}
	agent, err := r.agents.GetByID(ctx, id)
	if err != nil || agent.Status != db.AgentOnline {
		cache[id] = nil
		return nil
	}
	cache[id] = agent
	return agent
}

// observation is a container sighting from one agent.
type observation struct {
	state   string
	agentID uuid.UUID
}

// ReconcileLab performs one full reconciliation of a single lab.
func (r *Reconciler) ReconcileLab(ctx context.Context, lab *db.Lab) error {
	if blocked, err := r.activeJobBlocks(ctx, lab.ID); err != nil {
		return err
	} else if blocked {
		r.log.Debug("skipping lab with active job",
			zap.String("lab_id", lab.ID.String()))
		return nil
	}

	placements, err := r.states.ListPlacementsByLab(ctx, lab.ID)
	if err != nil {
		return fmt.Errorf("reconciler: list placements: %w", err)
	}
	observed := r.queryAgents(ctx, lab, placements)

	states, err := r.states.ListNodeStatesByLab(ctx, lab.ID)
	if err != nil {
		return fmt.Errorf("reconciler: list node states: %w", err)
	}

	placementByNode := map[string]uuid.UUID{}
	for _, p := range placements {
		placementByNode[p.NodeName] = p.HostID
	}

	actualByNode := map[string]string{}
	for i := range states {
		s := &states[i]
		obs, seen := observed[s.NodeName]

		actual := db.NodeUndeployed
		errMsg := ""
		if seen {
			actual = mapContainerState(obs.state)
			if actual == db.NodeError {
				errMsg = "container reported " + obs.state
			}
		}
		actualByNode[s.NodeName] = actual

		if s.ActualState != actual || s.ErrorMessage != errMsg {
			metrics.ReconcileDrift.WithLabelValues("node_state").Inc()
			if err := r.states.SetActualState(ctx, s.ID, actual, errMsg); err != nil {
				r.log.Warn("node state update failed",
					zap.String("node", s.NodeName), zap.Error(err))
			}
		}

		if seen && placementByNode[s.NodeName] != obs.agentID {
			if err := r.states.UpsertPlacement(ctx, lab.ID, s.NodeName, obs.agentID, actual); err != nil {
				r.log.Warn("placement update failed",
					zap.String("node", s.NodeName), zap.Error(err))
			}
		}
	}

	r.applyAggregateState(ctx, lab, states, actualByNode)
	r.deriveLinkStates(ctx, lab.ID, actualByNode)
	return nil
}

// activeJobBlocks reports whether an active job should postpone
// reconciliation: the job must still be inside its action timeout plus the
// stuck grace period. Past that window the job is the health monitor's
// problem and reconciliation proceeds.
func (r *Reconciler) activeJobBlocks(ctx context.Context, labID uuid.UUID) (bool, error) {
	active, err := r.jobs.ListActiveByLab(ctx, labID)
	if err != nil {
		return false, fmt.Errorf("reconciler: list active jobs: %w", err)
	}
	now := r.now()
	for _, job := range active {
		since := job.CreatedAt
		if job.StartedAt != nil {
			since = *job.StartedAt
		}
		if now.Sub(since) <= r.jobCfg.JobTimeout(job.Action)+r.jobCfg.StuckGracePeriod {
			return true, nil
		}
	}
	return false, nil
}

// queryAgents unions get_lab_status across every agent that could hold this
// lab's nodes: recorded placements, the lab's primary agent, and any other
// online agent as fallback.
func (r *Reconciler) queryAgents(ctx context.Context, lab *db.Lab, placements []db.NodePlacement) map[string]observation {
	candidates := map[uuid.UUID]bool{}
	for _, p := range placements {
		candidates[p.HostID] = true
	}
	if lab.AgentID != nil {
		candidates[*lab.AgentID] = true
	}
	if online, err := r.agents.ListOnline(ctx); err == nil {
		for _, a := range online {
			candidates[a.ID] = true
		}
	}

	observed := map[string]observation{}
	for id := range candidates {
		agent, err := r.agents.GetByID(ctx, id)
		if err != nil || agent.Status != db.AgentOnline {
			continue
		}
		status, err := r.client.GetLabStatus(ctx, agent, lab.ID)
		if err != nil {
			r.log.Debug("lab status unavailable",
				zap.String("agent", agent.Name), zap.Error(err))
			continue
		}
		for _, c := range status.Containers {
			observed[c.Name] = observation{state: c.State, agentID: agent.ID}
		}
	}
	return observed
}

// applyAggregateState rolls node actuals up into the lab state: any error
// wins, then any running, else stopped. The write is skipped when nothing
// changed, so reconciliation is a fixed point.
func (r *Reconciler) applyAggregateState(ctx context.Context, lab *db.Lab, states []db.NodeState, actualByNode map[string]string) {
	var errNodes []string
	anyRunning := false
	for _, s := range states {
		switch actualByNode[s.NodeName] {
		case db.NodeError:
			errNodes = append(errNodes, s.NodeName)
		case db.NodeRunning:
			anyRunning = true
		}
	}

	agg := db.LabStopped
	stateErr := ""
	switch {
	case len(errNodes) > 0:
		agg = db.LabError
		sort.Strings(errNodes)
		stateErr = "nodes in error: " + strings.Join(errNodes, ", ")
	case anyRunning:
		agg = db.LabRunning
	}

	if lab.State == agg && lab.StateError == stateErr {
		return
	}
	if err := r.labs.SetState(ctx, lab.ID, agg, stateErr); err != nil {
		r.log.Warn("lab state update failed",
			zap.String("lab_id", lab.ID.String()), zap.Error(err))
		return
	}
	metrics.ReconcileDrift.WithLabelValues("lab_state").Inc()
	r.log.Info("lab state reconciled",
		zap.String("lab_id", lab.ID.String()),
		zap.String("from", lab.State),
		zap.String("to", agg))
}

// deriveLinkStates computes each link's actual state from its endpoint nodes
// and backfills missing LinkState rows from the definitions. The link's
// desired state belongs to the user and is never written here.
func (r *Reconciler) deriveLinkStates(ctx context.Context, labID uuid.UUID, actualByNode map[string]string) {
	links, err := r.topo.ListLinksByLab(ctx, labID)
	if err != nil {
		r.log.Warn("link definitions unavailable", zap.Error(err))
		return
	}
	if len(links) == 0 {
		return
	}

	nodes, err := r.topo.ListNodesByLab(ctx, labID)
	if err != nil {
		r.log.Warn("node definitions unavailable", zap.Error(err))
		return
	}
	containerByID := map[uuid.UUID]string{}
	for _, n := range nodes {
		containerByID[n.ID] = n.ContainerName
	}

	for _, link := range links {
		src := containerByID[link.SourceNodeID]
		dst := containerByID[link.TargetNodeID]
		actual, errMsg := linkActual(actualByNode[src], actualByNode[dst], src, dst)

		existing, err := r.states.GetLinkState(ctx, labID, link.LinkName)
		if err != nil {
			ls := &db.LinkState{
				LabID:           labID,
				LinkName:        link.LinkName,
				SourceNode:      src,
				SourceInterface: link.SourceInterface,
				TargetNode:      dst,
				TargetInterface: link.TargetInterface,
				DesiredState:    db.LinkUp,
				ActualState:     actual,
				ErrorMessage:    errMsg,
			}
			if err := r.states.SaveLinkState(ctx, ls); err != nil {
				r.log.Warn("link state create failed",
					zap.String("link", link.LinkName), zap.Error(err))
			}
			continue
		}
		if existing.ActualState == actual && existing.ErrorMessage == errMsg {
			continue
		}
		existing.ActualState = actual
		existing.ErrorMessage = errMsg
		if err := r.states.SaveLinkState(ctx, existing); err != nil {
			r.log.Warn("link state update failed",
				zap.String("link", link.LinkName), zap.Error(err))
		}
	}
}

// linkActual derives a link's actual state from its endpoints.
func linkActual(srcState, dstState, src, dst string) (string, string) {
	switch {
	case srcState == db.NodeRunning && dstState == db.NodeRunning:
		return db.LinkUp, ""
	case srcState == db.NodeError:
		return db.LinkError, "endpoint " + src + " in error"
	case dstState == db.NodeError:
		return db.LinkError, "endpoint " + dst + " in error"
	case srcState == db.NodeStopped || srcState == db.NodeUndeployed ||
		dstState == db.NodeStopped || dstState == db.NodeUndeployed:
		return db.LinkDown, ""
	default:
		return db.LinkUnknown, ""
	}
}

// mapContainerState maps a container-runtime state to a node actual state.
func mapContainerState(state string) string {
	switch state {
	case "running":
		return db.NodeRunning
	case "stopped", "exited":
		return db.NodeStopped
	default:
		return db.NodeError
	}
}
