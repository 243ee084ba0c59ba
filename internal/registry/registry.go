// Package registry handles agent registration, heartbeats and staleness.
//
// Agent identity is controller-canonical: an agent that restarts with a new
// self-assigned id but a known name or address is mapped back onto its
// existing row, and the response carries the canonical id for the agent to
// adopt. This keeps labs, jobs and placements pointing at the same row
// across agent restarts.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/metrics"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

// RegisterInfo is the payload an agent presents at registration.
type RegisterInfo struct {
	ID           *uuid.UUID
	Name         string
	Address      string
	Version      string
	Capabilities string // raw JSON capability payload, stored verbatim
}

// HeartbeatResponse is returned to the agent after each heartbeat.
// PendingJobs is reserved for pull-model dispatch and currently always empty.
type HeartbeatResponse struct {
	PendingJobs []uuid.UUID `json:"pending_jobs"`
}

// Registry maintains the agent fleet.
type Registry struct {
	agents       repositories.AgentRepository
	staleTimeout time.Duration
	log          *zap.Logger
}

// New creates a Registry. staleTimeout is how long an agent may go without
// a heartbeat before the sweep marks it offline.
func New(agents repositories.AgentRepository, staleTimeout time.Duration, log *zap.Logger) *Registry {
	return &Registry{
		agents:       agents,
		staleTimeout: staleTimeout,
		log:          log.Named("registry"),
	}
}

// Register records an agent coming online and returns the canonical row.
// Resolution order: by id, then by name or address, then insert.
func (r *Registry) Register(ctx context.Context, info RegisterInfo) (*db.Agent, error) {
	now := time.Now().UTC()

	if info.ID != nil {
		agent, err := r.agents.GetByID(ctx, *info.ID)
		switch {
		case err == nil:
			r.apply(agent, info, now)
			if err := r.agents.Update(ctx, agent); err != nil {
				return nil, fmt.Errorf("registry: register: %w", err)
			}
			r.log.Info("agent re-registered",
				zap.String("agent_id", agent.ID.String()),
				zap.String("name", agent.Name))
			return agent, nil
		case !errors.Is(err, repositories.ErrNotFound):
			return nil, fmt.Errorf("registry: register: %w", err)
		}
	}

	agent, err := r.agents.GetByNameOrAddress(ctx, info.Name, info.Address)
	switch {
	case err == nil:
		// Existing row wins: the agent adopts the controller's id.
		r.apply(agent, info, now)
		if err := r.agents.Update(ctx, agent); err != nil {
			return nil, fmt.Errorf("registry: register: %w", err)
		}
		r.log.Info("agent identity reconciled",
			zap.String("agent_id", agent.ID.String()),
			zap.String("name", agent.Name),
			zap.String("address", agent.Address))
		return agent, nil
	case !errors.Is(err, repositories.ErrNotFound):
		return nil, fmt.Errorf("registry: register: %w", err)
	}

	agent = &db.Agent{
		Name:          info.Name,
		Address:       info.Address,
		Version:       info.Version,
		Capabilities:  info.Capabilities,
		Status:        db.AgentOnline,
		LastHeartbeat: &now,
	}
	if err := r.agents.Create(ctx, agent); err != nil {
		return nil, fmt.Errorf("registry: register: %w", err)
	}
	r.log.Info("agent registered",
		zap.String("agent_id", agent.ID.String()),
		zap.String("name", agent.Name),
		zap.String("address", agent.Address))
	r.refreshOnlineGauge(ctx)
	return agent, nil
}

func (r *Registry) apply(agent *db.Agent, info RegisterInfo, now time.Time) {
	agent.Name = info.Name
	agent.Address = info.Address
	agent.Version = info.Version
	if info.Capabilities != "" {
		agent.Capabilities = info.Capabilities
	}
	agent.Status = db.AgentOnline
	agent.LastHeartbeat = &now
}

// Heartbeat records proof of life and the latest resource snapshot.
func (r *Registry) Heartbeat(ctx context.Context, agentID uuid.UUID, resourceUsage string) (*HeartbeatResponse, error) {
	now := time.Now().UTC()
	err := r.agents.RecordHeartbeat(ctx, agentID, db.AgentOnline, resourceUsage, now)
	if err != nil {
		return nil, fmt.Errorf("registry: heartbeat: %w", err)
	}
	return &HeartbeatResponse{PendingJobs: []uuid.UUID{}}, nil
}

// Sweep marks every agent silent for longer than the stale timeout as
// offline and returns the newly offline agents. The job engine fails over
// their active jobs.
func (r *Registry) Sweep(ctx context.Context) ([]db.Agent, error) {
	cutoff := time.Now().UTC().Add(-r.staleTimeout)
	stale, err := r.agents.MarkStale(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("registry: sweep: %w", err)
	}
	for _, agent := range stale {
		r.log.Warn("agent went stale",
			zap.String("agent_id", agent.ID.String()),
			zap.String("name", agent.Name),
			zap.Timep("last_heartbeat", agent.LastHeartbeat))
	}
	metrics.AgentsSweptOffline.Add(float64(len(stale)))
	r.refreshOnlineGauge(ctx)
	return stale, nil
}

// refreshOnlineGauge resyncs the online-agents gauge from the database.
func (r *Registry) refreshOnlineGauge(ctx context.Context) {
	online, err := r.agents.ListOnline(ctx)
	if err != nil {
		return
	}
	metrics.AgentsOnline.Set(float64(len(online)))
}
