package jobengine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/events"
	"github.com/labmesh-io/labmesh/internal/metrics"
)

// RetryOrFail handles a job the health monitor judged stuck or stranded.
// The old job is always marked failed with an explanatory log. When the
// retry budget allows, any stale agent lock is released best-effort and a
// replacement job is dispatched with the failed agent excluded.
func (e *Engine) RetryOrFail(ctx context.Context, job *db.Job, reason string) error {
	if err := e.jobs.Complete(ctx, job.ID, db.JobFailed, time.Now().UTC()); err != nil {
		// Terminal already; nothing to retry.
		return nil
	}
	_ = e.jobs.AppendLog(ctx, job.ID, "ERROR: "+reason+"\n")

	var lab *db.Lab
	if job.LabID != nil {
		lab, _ = e.labs.GetByID(ctx, *job.LabID)
	}

	if job.RetryCount >= e.cfg.MaxRetries {
		e.log.Warn("job retry budget exhausted",
			zap.String("job_id", job.ID.String()),
			zap.Int("retry_count", job.RetryCount))
		return e.failPermanently(ctx, job, lab, "retry limit reached: "+reason)
	}

	// A deploy retry needs the topology to still be reconstructible.
	if job.Action == "up" && (lab == nil || lab.TopologyYAML == "") {
		return e.failPermanently(ctx, job, lab, "topology no longer reconstructible")
	}

	var exclude []uuid.UUID
	if job.AgentID != nil {
		exclude = append(exclude, *job.AgentID)
		e.releaseLockBestEffort(ctx, *job.AgentID, job.LabID)
	}

	replacement := &db.Job{
		LabID:      job.LabID,
		UserID:     job.UserID,
		Action:     job.Action,
		Status:     db.JobQueued,
		RetryCount: job.RetryCount + 1,
	}
	if err := e.jobs.Create(ctx, replacement); err != nil {
		return err
	}
	metrics.JobRetries.Inc()
	_ = e.jobs.AppendLog(ctx, job.ID,
		"Retrying as job "+replacement.ID.String()+"\n")

	e.log.Info("job retried with failover",
		zap.String("old_job_id", job.ID.String()),
		zap.String("new_job_id", replacement.ID.String()),
		zap.Int("retry_count", replacement.RetryCount))

	e.start(replacement.ID, exclude)
	return nil
}

func (e *Engine) failPermanently(ctx context.Context, job *db.Job, lab *db.Lab, reason string) error {
	if lab != nil {
		if err := e.labs.SetState(ctx, lab.ID, db.LabError, reason); err != nil {
			e.log.Warn("lab state update failed", zap.Error(err))
		}
		e.publishJob(ctx, events.JobFailed, lab, job)
	}
	return nil
}

// releaseLockBestEffort clears any stale deploy-lock the failed agent might
// still hold, so the lab is not wedged when work moves elsewhere.
func (e *Engine) releaseLockBestEffort(ctx context.Context, agentID uuid.UUID, labID *uuid.UUID) {
	if labID == nil {
		return
	}
	agent, err := e.agents.GetByID(ctx, agentID)
	if err != nil {
		return
	}
	if err := e.client.ReleaseLock(ctx, agent, *labID); err != nil {
		e.log.Debug("stale lock release failed",
			zap.String("agent", agent.Name),
			zap.Error(err))
	}
}

// IsStuck implements the stuck-job predicate: running past its action
// timeout with no recent agent heartbeat — a recent heartbeat overrides the
// stopwatch — or queued with no agent for longer than the queued timeout.
func (e *Engine) IsStuck(job *db.Job, now time.Time) bool {
	switch job.Status {
	case db.JobRunning:
		if job.StartedAt == nil {
			return false
		}
		if now.Sub(*job.StartedAt) <= e.cfg.JobTimeout(job.Action) {
			return false
		}
		// Proof of life defeats the stopwatch.
		if job.LastHeartbeat != nil && now.Sub(*job.LastHeartbeat) <= e.cfg.HeartbeatGrace {
			return false
		}
		return true
	case db.JobQueued:
		return job.AgentID == nil && now.Sub(job.CreatedAt) > e.cfg.QueuedTimeout
	default:
		return false
	}
}
