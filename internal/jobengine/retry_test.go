package jobengine

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

// A stuck deploy is failed, its agent's lock released, and a replacement
// dispatched on a different agent.
func TestRetryWithFailover(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Second agent for the failover to land on.
	backup := &db.Agent{
		Name: "agent-2", Address: "10.0.0.2:8090", Status: db.AgentOnline,
		Capabilities: `{"providers":["containerlab"],"max_concurrent_jobs":4}`,
	}
	require.NoError(t, f.agents.Create(ctx, backup))

	started := time.Now().UTC().Add(-time.Hour)
	stuck := &db.Job{
		LabID: &f.lab.ID, Action: "up", Status: db.JobRunning,
		AgentID: &f.agent.ID, StartedAt: &started,
	}
	require.NoError(t, f.jobs.Create(ctx, stuck))

	require.NoError(t, f.engine.RetryOrFail(ctx, stuck, "job timed out"))
	f.engine.Wait()

	old, err := f.jobs.GetByID(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, old.Status)
	assert.Contains(t, old.LogContent, "job timed out")
	assert.Contains(t, old.LogContent, "Retrying as job")

	// Stale lock on the failed agent was released.
	assert.Equal(t, []uuid.UUID{f.lab.ID}, f.caller.lockReleases)

	// The replacement ran on the backup agent and completed.
	jobs, _, err := f.jobs.List(ctx, repositories.ListOptions{})
	require.NoError(t, err)
	var replacement *db.Job
	for i := range jobs {
		if jobs[i].ID != stuck.ID {
			replacement = &jobs[i]
		}
	}
	require.NotNil(t, replacement)
	assert.Equal(t, 1, replacement.RetryCount)
	assert.Equal(t, db.JobCompleted, replacement.Status)
	require.NotNil(t, replacement.AgentID)
	assert.Equal(t, backup.ID, *replacement.AgentID, "retry excludes the failed agent")
}

func TestRetryBudgetExhausted(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	started := time.Now().UTC().Add(-time.Hour)
	job := &db.Job{
		LabID: &f.lab.ID, Action: "up", Status: db.JobRunning,
		AgentID: &f.agent.ID, StartedAt: &started,
		RetryCount: 2, // at the default budget
	}
	require.NoError(t, f.jobs.Create(ctx, job))

	require.NoError(t, f.engine.RetryOrFail(ctx, job, "still stuck"))
	f.engine.Wait()

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, got.Status)

	lab, err := f.labs.GetByID(ctx, f.lab.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LabError, lab.State)
	assert.Contains(t, lab.StateError, "retry limit reached")

	_, total, err := f.jobs.List(ctx, repositories.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total, "no replacement job")
}

func TestRetryTerminalJobIsNoop(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	job := &db.Job{LabID: &f.lab.ID, Action: "up", Status: db.JobCompleted}
	require.NoError(t, f.jobs.Create(ctx, job))

	require.NoError(t, f.engine.RetryOrFail(ctx, job, "spurious"))

	_, total, err := f.jobs.List(ctx, repositories.ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}

func TestIsStuckPredicate(t *testing.T) {
	f := newEngineFixture(t)
	now := time.Now().UTC()
	agentID := uuid.New()

	old := now.Add(-30 * time.Minute)       // past the 20 min deploy timeout
	recent := now.Add(-5 * time.Minute)     // within the deploy timeout
	freshBeat := now.Add(-30 * time.Second) // within heartbeat grace
	staleBeat := now.Add(-5 * time.Minute)

	tests := []struct {
		name string
		job  db.Job
		want bool
	}{
		{
			name: "running past timeout without heartbeat",
			job:  db.Job{Action: "up", Status: db.JobRunning, StartedAt: &old},
			want: true,
		},
		{
			name: "running within timeout",
			job:  db.Job{Action: "up", Status: db.JobRunning, StartedAt: &recent},
			want: false,
		},
		{
			name: "recent heartbeat defeats the stopwatch",
			job:  db.Job{Action: "up", Status: db.JobRunning, StartedAt: &old, LastHeartbeat: &freshBeat},
			want: false,
		},
		{
			name: "stale heartbeat does not",
			job:  db.Job{Action: "up", Status: db.JobRunning, StartedAt: &old, LastHeartbeat: &staleBeat},
			want: true,
		},
		{
			name: "queued without agent past queued timeout",
			job:  db.Job{Action: "up", Status: db.JobQueued},
			want: true,
		},
		{
			name: "queued with agent assigned",
			job:  db.Job{Action: "up", Status: db.JobQueued, AgentID: &agentID},
			want: false,
		},
		{
			name: "terminal never stuck",
			job:  db.Job{Action: "up", Status: db.JobFailed, StartedAt: &old},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.job.Status == db.JobQueued && tt.job.AgentID == nil {
				tt.job.CreatedAt = now.Add(-10 * time.Minute)
			} else {
				tt.job.CreatedAt = now
			}
			assert.Equal(t, tt.want, f.engine.IsStuck(&tt.job, now))
		})
	}
}
