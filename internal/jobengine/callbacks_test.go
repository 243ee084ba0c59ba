package jobengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labmesh-io/labmesh/internal/db"
)

func TestCallbackCompletesAsyncJob(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	started := time.Now().UTC()

	job := &db.Job{
		LabID: &f.lab.ID, Action: "up", Status: db.JobRunning,
		AgentID: &f.agent.ID, StartedAt: &started,
	}
	require.NoError(t, f.jobs.Create(ctx, job))

	err := f.engine.HandleJobCallback(ctx, job.ID, JobCallback{
		Status: "completed",
		Stdout: "deployed 2 nodes",
		NodeStates: map[string]string{
			"clab-core-r1": db.NodeRunning,
			"clab-core-r2": db.NodeRunning,
		},
	})
	require.NoError(t, err)

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobCompleted, got.Status)
	assert.Contains(t, got.LogContent, "deployed 2 nodes")

	lab, err := f.labs.GetByID(ctx, f.lab.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LabRunning, lab.State)

	state, err := f.states.GetNodeStateByName(ctx, f.lab.ID, "clab-core-r1")
	require.NoError(t, err)
	assert.Equal(t, db.NodeRunning, state.ActualState)
}

// Duplicate and late callbacks are no-ops: the first terminal status wins.
func TestCallbackIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	job := &db.Job{LabID: &f.lab.ID, Action: "up", Status: db.JobRunning, AgentID: &f.agent.ID}
	require.NoError(t, f.jobs.Create(ctx, job))

	require.NoError(t, f.engine.HandleJobCallback(ctx, job.ID, JobCallback{Status: "completed"}))
	require.NoError(t, f.engine.HandleJobCallback(ctx, job.ID, JobCallback{Status: "failed", ErrorMessage: "late duplicate"}))

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobCompleted, got.Status)
	assert.NotContains(t, got.LogContent, "late duplicate")

	lab, err := f.labs.GetByID(ctx, f.lab.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LabRunning, lab.State)
}

func TestCallbackAfterCancelIgnored(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	job := &db.Job{LabID: &f.lab.ID, Action: "up", Status: db.JobRunning, AgentID: &f.agent.ID}
	require.NoError(t, f.jobs.Create(ctx, job))
	require.NoError(t, f.engine.Cancel(ctx, job.ID))
	f.engine.Wait()

	require.NoError(t, f.engine.HandleJobCallback(ctx, job.ID, JobCallback{Status: "completed"}))

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobCancelled, got.Status, "cancellation wins over late completion")
}

func TestCallbackFailureSetsLabError(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	job := &db.Job{LabID: &f.lab.ID, Action: "up", Status: db.JobRunning, AgentID: &f.agent.ID}
	require.NoError(t, f.jobs.Create(ctx, job))

	require.NoError(t, f.engine.HandleJobCallback(ctx, job.ID, JobCallback{
		Status:       "failed",
		ErrorMessage: "containerlab exited 1",
	}))

	lab, err := f.labs.GetByID(ctx, f.lab.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LabError, lab.State)
	assert.Equal(t, "containerlab exited 1", lab.StateError)
}

func TestDeadLetterForcesFailureAndUnknownLab(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	job := &db.Job{LabID: &f.lab.ID, Action: "up", Status: db.JobRunning, AgentID: &f.agent.ID}
	require.NoError(t, f.jobs.Create(ctx, job))

	require.NoError(t, f.engine.HandleDeadLetter(ctx, job.ID, "delivery retries exhausted"))

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, got.Status)
	assert.Contains(t, got.LogContent, "delivery retries exhausted")

	lab, err := f.labs.GetByID(ctx, f.lab.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LabUnknown, lab.State)

	// Repeat delivery is a no-op.
	require.NoError(t, f.engine.HandleDeadLetter(ctx, job.ID, "again"))
}

func TestJobHeartbeatRecordsProofOfLife(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	job := &db.Job{LabID: &f.lab.ID, Action: "up", Status: db.JobRunning, AgentID: &f.agent.ID}
	require.NoError(t, f.jobs.Create(ctx, job))

	require.NoError(t, f.engine.HandleJobHeartbeat(ctx, job.ID, "pulling image...\n"))

	got, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastHeartbeat)
	assert.Contains(t, got.LogContent, "pulling image")
}
