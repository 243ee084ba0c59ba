// Package selector picks the agent that should run a job.
//
// Selection is capability- and load-aware, with two forms of stickiness:
// an explicit prefer_agent affinity that wins whenever the preferred agent
// is still eligible, and placement-majority affinity for labs that already
// have containers on some agent.
package selector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/agentclient"
	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

// ErrNoAgent is returned when no online agent satisfies the criteria.
var ErrNoAgent = errors.New("no eligible agent available")

// Criteria narrows the candidate set for one selection.
type Criteria struct {
	RequiredProvider string
	PreferAgentID    *uuid.UUID
	ExcludeAgentIDs  []uuid.UUID
}

// Selector chooses agents for jobs.
type Selector struct {
	agents repositories.AgentRepository
	jobs   repositories.JobRepository
	states repositories.StateRepository
	log    *zap.Logger
}

// New creates a Selector.
func New(
	agents repositories.AgentRepository,
	jobs repositories.JobRepository,
	states repositories.StateRepository,
	log *zap.Logger,
) *Selector {
	return &Selector{agents: agents, jobs: jobs, states: states, log: log.Named("selector")}
}

// Select returns the best agent for the criteria, or ErrNoAgent.
//
// Affinity wins over load: if the preferred agent survives capability and
// capacity filtering it is chosen even when another agent is less loaded.
// Otherwise the least-loaded agent wins, ties broken by id so repeated
// selections are stable.
func (s *Selector) Select(ctx context.Context, crit Criteria) (*db.Agent, error) {
	online, err := s.agents.ListOnline(ctx)
	if err != nil {
		return nil, fmt.Errorf("selector: %w", err)
	}

	excluded := make(map[uuid.UUID]bool, len(crit.ExcludeAgentIDs))
	for _, id := range crit.ExcludeAgentIDs {
		excluded[id] = true
	}

	type candidate struct {
		agent  db.Agent
		active int64
	}
	var candidates []candidate

	for _, agent := range online {
		if excluded[agent.ID] {
			continue
		}
		caps := agentclient.ParseCapabilities(agent.Capabilities)
		if crit.RequiredProvider != "" && !caps.SupportsProvider(crit.RequiredProvider) {
			continue
		}
		active, err := s.jobs.CountActiveByAgent(ctx, agent.ID)
		if err != nil {
			return nil, fmt.Errorf("selector: %w", err)
		}
		if active >= int64(caps.MaxConcurrentJobs) {
			continue
		}
		candidates = append(candidates, candidate{agent: agent, active: active})
	}

	if len(candidates) == 0 {
		return nil, ErrNoAgent
	}

	if crit.PreferAgentID != nil {
		for _, c := range candidates {
			if c.agent.ID == *crit.PreferAgentID {
				return &c.agent, nil
			}
		}
	}

	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.active < best.active ||
			(c.active == best.active && strings.Compare(c.agent.ID.String(), best.agent.ID.String()) < 0) {
			best = c
		}
	}
	return &best.agent, nil
}

// SelectForLab extends Select with placement-majority affinity: the agent
// already holding the most of the lab's containers is preferred, keeping
// placement sticky across redeploys without a hard binding. When the lab
// has no placements yet, the lab's primary agent (if any) is preferred.
func (s *Selector) SelectForLab(ctx context.Context, lab *db.Lab, crit Criteria) (*db.Agent, error) {
	if crit.PreferAgentID == nil {
		if majority := s.placementMajority(ctx, lab.ID, crit.ExcludeAgentIDs); majority != nil {
			crit.PreferAgentID = majority
		} else if lab.AgentID != nil {
			crit.PreferAgentID = lab.AgentID
		}
	}
	if crit.RequiredProvider == "" {
		crit.RequiredProvider = lab.Provider
	}
	return s.Select(ctx, crit)
}

// placementMajority returns the agent holding the most placements for the
// lab, or nil when there are none. Excluded agents never win the majority.
func (s *Selector) placementMajority(ctx context.Context, labID uuid.UUID, exclude []uuid.UUID) *uuid.UUID {
	placements, err := s.states.ListPlacementsByLab(ctx, labID)
	if err != nil {
		s.log.Warn("placement lookup failed, falling back to general selection",
			zap.String("lab_id", labID.String()), zap.Error(err))
		return nil
	}
	if len(placements) == 0 {
		return nil
	}

	excluded := make(map[uuid.UUID]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	counts := make(map[uuid.UUID]int)
	for _, p := range placements {
		if !excluded[p.HostID] {
			counts[p.HostID]++
		}
	}

	var best *uuid.UUID
	bestCount := 0
	for id, n := range counts {
		id := id
		if n > bestCount || (n == bestCount && best != nil && id.String() < best.String()) {
			best = &id
			bestCount = n
		}
	}
	return best
}
