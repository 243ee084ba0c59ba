// Package health implements the periodic health monitor: it finds jobs,
// image syncs and agent locks that have silently stopped making progress and
// pushes each back to a recoverable state. Checks are isolated from one
// another so one failing query never starves the rest.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/agentclient"
	"github.com/labmesh-io/labmesh/internal/config"
	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

// JobFailover is the slice of the job engine the monitor drives: judging a
// job stuck and retrying it with failover. Implemented by *jobengine.Engine.
type JobFailover interface {
	IsStuck(job *db.Job, now time.Time) bool
	RetryOrFail(ctx context.Context, job *db.Job, reason string) error
}

// Monitor runs the recurring health checks. One Check pass per
// JobConfig.HealthCheckInterval tick, scheduled from cmd/controller.
type Monitor struct {
	jobs   repositories.JobRepository
	agents repositories.AgentRepository
	images repositories.ImageRepository
	engine JobFailover
	client agentclient.Caller
	cfg    config.JobConfig
	sync   config.ImageSyncConfig
	log    *zap.Logger

	now func() time.Time
}

func New(
	jobs repositories.JobRepository,
	agents repositories.AgentRepository,
	images repositories.ImageRepository,
	engine JobFailover,
	client agentclient.Caller,
	cfg config.JobConfig,
	syncCfg config.ImageSyncConfig,
	log *zap.Logger,
) *Monitor {
	return &Monitor{
		jobs:   jobs,
		agents: agents,
		images: images,
		engine: engine,
		client: client,
		cfg:    cfg,
		sync:   syncCfg,
		log:    log.Named("health"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Check runs one full monitor pass.
func (m *Monitor) Check(ctx context.Context) {
	if err := m.checkJobs(ctx); err != nil {
		m.log.Error("job check failed", zap.Error(err))
	}
	if err := m.checkSyncJobs(ctx); err != nil {
		m.log.Error("image sync check failed", zap.Error(err))
	}
	if err := m.checkAgentLocks(ctx); err != nil {
		m.log.Error("agent lock check failed", zap.Error(err))
	}
}

// checkJobs fails over active jobs that are stuck (running past their action
// timeout with no heartbeat, or queued with no agent for too long) and jobs
// whose agent has gone offline underneath them.
func (m *Monitor) checkJobs(ctx context.Context) error {
	active, err := m.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("health: list active jobs: %w", err)
	}
	now := m.now()

	offline := map[uuid.UUID]bool{}
	for i := range active {
		job := &active[i]

		var reason string
		switch {
		case m.engine.IsStuck(job, now):
			if job.Status == db.JobQueued {
				reason = "queued without an agent past the queue timeout"
			} else {
				reason = fmt.Sprintf("no progress for %s, past the %s timeout",
					now.Sub(valueOr(job.StartedAt, job.CreatedAt)).Round(time.Second),
					job.Action)
			}
		case job.Status == db.JobRunning && job.AgentID != nil:
			down, err := m.agentOffline(ctx, *job.AgentID, offline)
			if err != nil {
				m.log.Warn("agent lookup failed",
					zap.String("job_id", job.ID.String()), zap.Error(err))
				continue
			}
			if !down {
				continue
			}
			reason = "agent went offline while the job was running"
		default:
			continue
		}

		if err := m.engine.RetryOrFail(ctx, job, reason); err != nil {
			m.log.Error("job failover failed",
				zap.String("job_id", job.ID.String()),
				zap.String("reason", reason),
				zap.Error(err))
		}
	}
	return nil
}

// FailAgentJobs fails over every active job assigned to an agent that was
// just marked offline. Called from the registry sweep so jobs do not wait a
// full monitor tick after their agent disappears.
func (m *Monitor) FailAgentJobs(ctx context.Context, agent *db.Agent) {
	jobs, err := m.jobs.ListActiveByAgent(ctx, agent.ID)
	if err != nil {
		m.log.Error("list jobs for offline agent failed",
			zap.String("agent", agent.Name), zap.Error(err))
		return
	}
	for i := range jobs {
		reason := "agent " + agent.Name + " went offline"
		if err := m.engine.RetryOrFail(ctx, &jobs[i], reason); err != nil {
			m.log.Error("job failover failed",
				zap.String("job_id", jobs[i].ID.String()), zap.Error(err))
		}
	}
}

// checkSyncJobs fails image syncs that sat pending too long, ran past the
// transfer timeout, or whose target host went offline.
func (m *Monitor) checkSyncJobs(ctx context.Context) error {
	active, err := m.images.ListActiveSyncJobs(ctx)
	if err != nil {
		return fmt.Errorf("health: list active sync jobs: %w", err)
	}
	now := m.now()

	offline := map[uuid.UUID]bool{}
	for i := range active {
		sj := &active[i]

		var reason string
		switch {
		case sj.Status == db.SyncPending && now.Sub(sj.CreatedAt) > m.sync.PendingTimeout:
			reason = "sync never started within the pending timeout"
		case sj.Status != db.SyncPending && now.Sub(valueOr(sj.StartedAt, sj.CreatedAt)) > m.sync.Timeout:
			reason = "sync exceeded the transfer timeout"
		default:
			down, err := m.agentOffline(ctx, sj.HostID, offline)
			if err != nil {
				m.log.Warn("host lookup failed",
					zap.String("sync_id", sj.ID.String()), zap.Error(err))
				continue
			}
			if !down {
				continue
			}
			reason = "target host went offline mid-sync"
		}

		m.failSync(ctx, sj, reason, now)
	}
	return nil
}

func (m *Monitor) failSync(ctx context.Context, sj *db.ImageSyncJob, reason string, now time.Time) {
	sj.Status = db.SyncFailed
	sj.ErrorMessage = reason
	sj.CompletedAt = &now
	if err := m.images.UpdateSyncJob(ctx, sj); err != nil {
		m.log.Error("sync job update failed",
			zap.String("sync_id", sj.ID.String()), zap.Error(err))
		return
	}
	if err := m.images.SetImageHostStatus(ctx, sj.ImageID, sj.HostID, db.ImageHostFailed, reason); err != nil {
		m.log.Warn("image host status update failed", zap.Error(err))
	}
	m.log.Warn("image sync failed by health monitor",
		zap.String("sync_id", sj.ID.String()),
		zap.String("reason", reason))
}

// checkAgentLocks releases provider locks the agents themselves flag as
// stuck. A stuck lock is left over from a crashed operation and would wedge
// its lab forever. Locks still covered by an active job are never touched,
// whatever the agent says.
func (m *Monitor) checkAgentLocks(ctx context.Context) error {
	agents, err := m.agents.ListOnline(ctx)
	if err != nil {
		return fmt.Errorf("health: list online agents: %w", err)
	}
	for i := range agents {
		agent := &agents[i]
		status, err := m.client.GetLockStatus(ctx, agent)
		if err != nil {
			m.log.Debug("lock status unavailable",
				zap.String("agent", agent.Name), zap.Error(err))
			continue
		}
		for _, lock := range status.Locks {
			if !lock.IsStuck {
				continue
			}
			active, err := m.jobs.ListActiveByLab(ctx, lock.LabID)
			if err != nil {
				m.log.Warn("active job lookup failed",
					zap.String("lab_id", lock.LabID.String()), zap.Error(err))
				continue
			}
			if len(active) > 0 {
				continue
			}
			if err := m.client.ReleaseLock(ctx, agent, lock.LabID); err != nil {
				m.log.Warn("stale lock release failed",
					zap.String("agent", agent.Name),
					zap.String("lab_id", lock.LabID.String()),
					zap.Error(err))
				continue
			}
			m.log.Info("released stale agent lock",
				zap.String("agent", agent.Name),
				zap.String("lab_id", lock.LabID.String()),
				zap.String("held_for", lock.HeldFor))
		}
	}
	return nil
}

// agentOffline reports whether the given agent is offline, memoizing lookups
// within one pass.
func (m *Monitor) agentOffline(ctx context.Context, id uuid.UUID, cache map[uuid.UUID]bool) (bool, error) {
	if down, ok := cache[id]; ok {
		return down, nil
	}
	agent, err := m.agents.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	down := agent.Status != db.AgentOnline
	cache[id] = down
	return down, nil
}

func valueOr(t *time.Time, fallback time.Time) time.Time {
	if t != nil {
		return *t
	}
	return fallback
}
