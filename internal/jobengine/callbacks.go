package jobengine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/events"
	"github.com/labmesh-io/labmesh/internal/metrics"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

// JobCallback is the payload an agent posts when an asynchronous job
// finishes on its side.
type JobCallback struct {
	Status       string            `json:"status"` // completed | failed
	Stdout       string            `json:"stdout"`
	Stderr       string            `json:"stderr"`
	ErrorMessage string            `json:"error_message"`
	NodeStates   map[string]string `json:"node_states,omitempty"` // container name -> actual state
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// HandleJobCallback applies a completion callback. Idempotent: a callback
// for an already-terminal job is a no-op returning success, which makes
// agent-side delivery retries harmless.
func (e *Engine) HandleJobCallback(ctx context.Context, jobID uuid.UUID, cb JobCallback) error {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if isTerminal(job.Status) {
		e.log.Debug("callback for terminal job ignored",
			zap.String("job_id", jobID.String()),
			zap.String("status", job.Status))
		return nil
	}

	status := db.JobFailed
	if cb.Status == db.JobCompleted || cb.Status == "success" {
		status = db.JobCompleted
	}

	completedAt := time.Now().UTC()
	if cb.CompletedAt != nil {
		completedAt = *cb.CompletedAt
	}
	if err := e.jobs.Complete(ctx, jobID, status, completedAt); err != nil {
		if errors.Is(err, repositories.ErrInvalidTransition) {
			return nil // lost the race to another completion path
		}
		return err
	}
	metrics.JobsTotal.WithLabelValues(job.Action, status).Inc()

	if logText := callbackLog(cb); logText != "" {
		_ = e.jobs.AppendLog(ctx, jobID, logText)
	}

	act, actErr := ParseAction(job.Action)
	var lab *db.Lab
	if job.LabID != nil {
		lab, _ = e.labs.GetByID(ctx, *job.LabID)
	}

	if lab != nil && actErr == nil {
		if status == db.JobCompleted {
			e.applyCallbackSuccess(ctx, lab, job, act)
		} else {
			if err := e.labs.SetState(ctx, lab.ID, db.LabError, cb.ErrorMessage); err != nil {
				e.log.Warn("lab state update failed", zap.Error(err))
			}
			if act.Kind == KindUp {
				e.publishLab(ctx, events.LabDeployFailed, lab, job)
			}
			e.publishJob(ctx, events.JobFailed, lab, job)
		}
	}

	if lab != nil {
		e.applyNodeStates(ctx, lab.ID, cb.NodeStates)
	}
	return nil
}

func (e *Engine) applyCallbackSuccess(ctx context.Context, lab *db.Lab, job *db.Job, act Action) {
	switch act.Kind {
	case KindUp:
		if err := e.labs.SetState(ctx, lab.ID, db.LabRunning, ""); err != nil {
			e.log.Warn("lab state update failed", zap.Error(err))
		}
		e.setAllDesired(ctx, lab.ID, db.DesiredRunning)
		e.publishLab(ctx, events.LabDeployComplete, lab, job)
	case KindDown:
		if err := e.labs.SetState(ctx, lab.ID, db.LabStopped, ""); err != nil {
			e.log.Warn("lab state update failed", zap.Error(err))
		}
		e.setAllDesired(ctx, lab.ID, db.DesiredStopped)
		e.setAllActual(ctx, lab.ID, db.NodeUndeployed)
		e.publishLab(ctx, events.LabDestroyComplete, lab, job)
	case KindNodeStart:
		e.setNodeStates(ctx, lab, act.NodeName, db.DesiredRunning, db.NodeRunning)
	case KindNodeStop:
		e.setNodeStates(ctx, lab, act.NodeName, db.DesiredStopped, db.NodeStopped)
	}
	e.publishJob(ctx, events.JobCompleted, lab, job)
}

// applyNodeStates applies per-node actual states carried by a callback.
func (e *Engine) applyNodeStates(ctx context.Context, labID uuid.UUID, nodeStates map[string]string) {
	for container, actual := range nodeStates {
		state, err := e.states.GetNodeStateByName(ctx, labID, container)
		if err != nil {
			e.log.Debug("callback references unknown node",
				zap.String("node", container))
			continue
		}
		if err := e.states.SetActualState(ctx, state.ID, actual, ""); err != nil {
			e.log.Warn("node state update failed", zap.Error(err))
		}
	}
}

// HandleDeadLetter records a callback the agent could not deliver after its
// retries: the job is forced to failed with a diagnostic and the lab to
// unknown, since the real outcome is unknowable.
func (e *Engine) HandleDeadLetter(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if isTerminal(job.Status) {
		return nil
	}

	if err := e.jobs.Complete(ctx, jobID, db.JobFailed, time.Now().UTC()); err != nil {
		if errors.Is(err, repositories.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	metrics.JobsTotal.WithLabelValues(job.Action, db.JobFailed).Inc()
	_ = e.jobs.AppendLog(ctx, jobID,
		"ERROR: completion callback lost after agent retries\nDetails: "+reason+"\n")

	if job.LabID != nil {
		if err := e.labs.SetState(ctx, *job.LabID, db.LabUnknown, ""); err != nil {
			e.log.Warn("lab state update failed", zap.Error(err))
		}
	}
	e.log.Error("dead-letter callback recorded",
		zap.String("job_id", jobID.String()),
		zap.String("reason", reason))
	return nil
}

// HandleJobHeartbeat records proof of life for a running job and optionally
// appends streamed log output.
func (e *Engine) HandleJobHeartbeat(ctx context.Context, jobID uuid.UUID, logChunk string) error {
	if err := e.jobs.RecordHeartbeat(ctx, jobID, time.Now().UTC()); err != nil {
		return err
	}
	if logChunk != "" {
		_ = e.jobs.AppendLog(ctx, jobID, logChunk)
	}
	return nil
}

func callbackLog(cb JobCallback) string {
	var s string
	if cb.ErrorMessage != "" {
		s += "ERROR: " + cb.ErrorMessage + "\n"
	}
	if cb.Stdout != "" {
		s += cb.Stdout
		if cb.Stdout[len(cb.Stdout)-1] != '\n' {
			s += "\n"
		}
	}
	if cb.Stderr != "" {
		s += cb.Stderr
		if cb.Stderr[len(cb.Stderr)-1] != '\n' {
			s += "\n"
		}
	}
	return s
}

func isTerminal(status string) bool {
	return status == db.JobCompleted || status == db.JobFailed || status == db.JobCancelled
}
