// Package enforcer implements the desired-state enforcement loop: for nodes
// whose actual state diverges from the desired one in an otherwise settled
// lab, it enqueues corrective node jobs, rate-limited by per-node cooldown
// keys so a persistently failing action cannot storm the agents.
package enforcer

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/config"
	"github.com/labmesh-io/labmesh/internal/cooldown"
	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/jobengine"
	"github.com/labmesh-io/labmesh/internal/metrics"
	"github.com/labmesh-io/labmesh/internal/repositories"
	"github.com/labmesh-io/labmesh/internal/topology"
)

// JobEnqueuer is the slice of the job engine the enforcer drives.
// Implemented by *jobengine.Engine.
type JobEnqueuer interface {
	EnqueueSystem(ctx context.Context, labID uuid.UUID, action string) (*db.Job, error)
}

type Enforcer struct {
	labs      repositories.LabRepository
	topo      repositories.TopologyRepository
	states    repositories.StateRepository
	jobs      repositories.JobRepository
	agents    repositories.AgentRepository
	engine    JobEnqueuer
	cooldowns cooldown.Store
	cfg       config.EnforcementConfig
	log       *zap.Logger
}

func New(
	labs repositories.LabRepository,
	topo repositories.TopologyRepository,
	states repositories.StateRepository,
	jobs repositories.JobRepository,
	agents repositories.AgentRepository,
	engine JobEnqueuer,
	cooldowns cooldown.Store,
	cfg config.EnforcementConfig,
	log *zap.Logger,
) *Enforcer {
	return &Enforcer{
		labs: labs, topo: topo, states: states, jobs: jobs, agents: agents,
		engine: engine, cooldowns: cooldowns, cfg: cfg,
		log: log.Named("enforcer"),
	}
}

// Run executes one enforcement pass. Errors enforcing one node never block
// the others.
func (e *Enforcer) Run(ctx context.Context) {
	if !e.cfg.Enabled {
		return
	}
	states, err := e.states.ListAllNodeStates(ctx)
	if err != nil {
		e.log.Error("enforcement pass failed", zap.Error(err))
		return
	}

	labCache := map[uuid.UUID]*db.Lab{}
	for i := range states {
		s := &states[i]
		verb := correctiveVerb(s)
		if verb == "" {
			continue
		}
		lab, ok := labCache[s.LabID]
		if !ok {
			lab, err = e.labs.GetByID(ctx, s.LabID)
			if err != nil {
				e.log.Warn("lab lookup failed",
					zap.String("lab_id", s.LabID.String()), zap.Error(err))
				continue
			}
			labCache[s.LabID] = lab
		}
		if !stableLab(lab.State) {
			continue
		}
		if err := e.enforceNode(ctx, lab, s, verb); err != nil {
			e.log.Warn("node enforcement failed",
				zap.String("lab_id", lab.ID.String()),
				zap.String("node", s.NodeName),
				zap.Error(err))
		}
	}
}

// correctiveVerb returns "start", "stop" or "" when no correction applies.
func correctiveVerb(s *db.NodeState) string {
	switch {
	case s.DesiredState == db.DesiredRunning &&
		(s.ActualState == db.NodeStopped || s.ActualState == db.NodeUndeployed):
		return "start"
	case s.DesiredState == db.DesiredStopped && s.ActualState == db.NodeRunning:
		return "stop"
	default:
		return ""
	}
}

// stableLab reports whether enforcement may act on the lab. Transitional and
// unknown labs belong to the job engine and the reconciler respectively.
func stableLab(state string) bool {
	return state == db.LabRunning || state == db.LabStopped || state == db.LabError
}

func (e *Enforcer) enforceNode(ctx context.Context, lab *db.Lab, s *db.NodeState, verb string) error {
	nodeName, ok := topology.NodeNameFromContainer(lab.Name, s.NodeName)
	if !ok {
		return fmt.Errorf("enforcer: container %s does not belong to lab %s", s.NodeName, lab.Name)
	}

	blocked, err := e.activeJobBlocks(ctx, lab.ID, nodeName)
	if err != nil {
		return err
	}
	if blocked {
		return nil
	}

	agent, err := e.agentFor(ctx, lab, s)
	if err != nil {
		return err
	}
	if agent == nil {
		e.log.Debug("no online agent for node",
			zap.String("node", s.NodeName))
		return nil
	}

	key := fmt.Sprintf("enforce:%s:%s", lab.ID, s.NodeName)
	acquired, err := e.cooldowns.Acquire(ctx, key, e.cfg.Cooldown)
	if err != nil {
		return fmt.Errorf("enforcer: cooldown: %w", err)
	}
	if !acquired {
		return nil
	}

	if err := e.states.UpsertPlacement(ctx, lab.ID, s.NodeName, agent.ID, s.ActualState); err != nil {
		e.log.Warn("placement update failed", zap.Error(err))
	}

	action := jobengine.NodeStartAction(nodeName)
	if verb == "stop" {
		action = jobengine.NodeStopAction(nodeName)
	}
	job, err := e.engine.EnqueueSystem(ctx, lab.ID, action)
	if err != nil {
		return fmt.Errorf("enforcer: enqueue %s: %w", action, err)
	}
	metrics.EnforcementActions.WithLabelValues(verb).Inc()
	e.log.Info("corrective job enqueued",
		zap.String("lab_id", lab.ID.String()),
		zap.String("node", nodeName),
		zap.String("action", action),
		zap.String("job_id", job.ID.String()))
	return nil
}

// activeJobBlocks reports whether an active job already covers this node:
// either a node job naming it, or any lab-wide up/down job.
func (e *Enforcer) activeJobBlocks(ctx context.Context, labID uuid.UUID, nodeName string) (bool, error) {
	active, err := e.jobs.ListActiveByLab(ctx, labID)
	if err != nil {
		return false, fmt.Errorf("enforcer: list active jobs: %w", err)
	}
	for _, job := range active {
		act, err := jobengine.ParseAction(job.Action)
		if err != nil {
			continue
		}
		switch act.Kind {
		case jobengine.KindUp, jobengine.KindDown:
			return true, nil
		case jobengine.KindNodeStart, jobengine.KindNodeStop:
			if act.NodeName == nodeName {
				return true, nil
			}
		}
	}
	return false, nil
}

// agentFor locates the agent to run the corrective action on: the node's
// explicit host pin, then its recorded placement, then the lab default. Only
// an online agent qualifies.
func (e *Enforcer) agentFor(ctx context.Context, lab *db.Lab, s *db.NodeState) (*db.Agent, error) {
	var candidates []uuid.UUID
	if node, err := e.topo.GetNodeByName(ctx, lab.ID, s.NodeName); err == nil && node.HostID != nil {
		candidates = append(candidates, *node.HostID)
	}
	if p, err := e.states.GetPlacement(ctx, lab.ID, s.NodeName); err == nil {
		candidates = append(candidates, p.HostID)
	}
	if lab.AgentID != nil {
		candidates = append(candidates, *lab.AgentID)
	}
	for _, id := range candidates {
		agent, err := e.agents.GetByID(ctx, id)
		if err != nil {
			continue
		}
		if agent.Status == db.AgentOnline {
			return agent, nil
		}
	}
	return nil, nil
}
