package enforcer

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/config"
	"github.com/labmesh-io/labmesh/internal/cooldown"
	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/repositories"
	"github.com/labmesh-io/labmesh/internal/topology"
)

type fakeEnqueuer struct {
	actions []string
}

func (f *fakeEnqueuer) EnqueueSystem(_ context.Context, _ uuid.UUID, action string) (*db.Job, error) {
	f.actions = append(f.actions, action)
	return &db.Job{Action: action, Status: db.JobQueued}, nil
}

type fixture struct {
	enf     *Enforcer
	engine  *fakeEnqueuer
	labs    repositories.LabRepository
	topo    repositories.TopologyRepository
	states  repositories.StateRepository
	jobs    repositories.JobRepository
	agents  repositories.AgentRepository
	lab     *db.Lab
	agent   *db.Agent
	stateID uuid.UUID
}

func newFixture(t *testing.T, desired, actual string) *fixture {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	labs := repositories.NewLabRepository(database)
	topo := repositories.NewTopologyRepository(database)
	states := repositories.NewStateRepository(database)
	jobs := repositories.NewJobRepository(database)
	agents := repositories.NewAgentRepository(database)
	engine := &fakeEnqueuer{}

	cfg := config.Default().Enforcement
	enf := New(labs, topo, states, jobs, agents, engine, cooldown.NewMemory(), cfg, zap.NewNop())

	ctx := context.Background()
	agent := &db.Agent{Name: "agent-1", Address: "10.0.0.1:8090", Status: db.AgentOnline}
	require.NoError(t, agents.Create(ctx, agent))

	lab := &db.Lab{Name: "core", OwnerID: uuid.New(), State: db.LabRunning}
	require.NoError(t, labs.Create(ctx, lab))
	require.NoError(t, labs.SetAgent(ctx, lab.ID, agent.ID))
	lab.AgentID = &agent.ID

	node := &db.Node{
		LabID: lab.ID, DisplayName: "r1",
		ContainerName: topology.ContainerName("core", "r1"),
	}
	require.NoError(t, topo.CreateNode(ctx, node))
	state := &db.NodeState{
		LabID: lab.ID, NodeID: node.ID, NodeName: node.ContainerName,
		DesiredState: desired, ActualState: actual,
	}
	require.NoError(t, states.SaveNodeState(ctx, state))

	return &fixture{
		enf: enf, engine: engine,
		labs: labs, topo: topo, states: states, jobs: jobs, agents: agents,
		lab: lab, agent: agent, stateID: state.ID,
	}
}

func TestStartEnqueuedForStoppedNode(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeStopped)
	ctx := context.Background()

	f.enf.Run(ctx)

	assert.Equal(t, []string{"node:start:r1"}, f.engine.actions)

	p, err := f.states.GetPlacement(ctx, f.lab.ID, "clab-core-r1")
	require.NoError(t, err)
	assert.Equal(t, f.agent.ID, p.HostID)
}

func TestStopEnqueuedForRunningNode(t *testing.T) {
	f := newFixture(t, db.DesiredStopped, db.NodeRunning)

	f.enf.Run(context.Background())

	assert.Equal(t, []string{"node:stop:r1"}, f.engine.actions)
}

func TestSettledNodeLeftAlone(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeRunning)

	f.enf.Run(context.Background())

	assert.Empty(t, f.engine.actions)
}

// A second pass inside the cooldown window must not enqueue again.
func TestCooldownPreventsRetryStorm(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeStopped)
	ctx := context.Background()

	f.enf.Run(ctx)
	f.enf.Run(ctx)

	assert.Len(t, f.engine.actions, 1)
}

func TestTransitionalLabSkipped(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeStopped)
	ctx := context.Background()
	require.NoError(t, f.labs.SetState(ctx, f.lab.ID, db.LabStarting, ""))

	f.enf.Run(ctx)

	assert.Empty(t, f.engine.actions)
}

// An active lab-wide job blocks enforcement without burning the cooldown:
// once the job finishes, the very next pass may act.
func TestActiveJobBlocksWithoutBurningCooldown(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeStopped)
	ctx := context.Background()

	job := &db.Job{LabID: &f.lab.ID, Action: "up", Status: db.JobRunning}
	require.NoError(t, f.jobs.Create(ctx, job))

	f.enf.Run(ctx)
	assert.Empty(t, f.engine.actions)

	require.NoError(t, f.jobs.Complete(ctx, job.ID, db.JobCompleted, time.Now().UTC()))

	f.enf.Run(ctx)
	assert.Equal(t, []string{"node:start:r1"}, f.engine.actions)
}

func TestActiveNodeJobBlocks(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeStopped)
	ctx := context.Background()

	require.NoError(t, f.jobs.Create(ctx, &db.Job{
		LabID: &f.lab.ID, Action: "node:start:r1", Status: db.JobRunning,
	}))

	f.enf.Run(ctx)

	assert.Empty(t, f.engine.actions)
}

func TestOfflineAgentSkipsNode(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeStopped)
	ctx := context.Background()
	require.NoError(t, f.agents.UpdateStatus(ctx, f.agent.ID, db.AgentOffline))

	f.enf.Run(ctx)

	assert.Empty(t, f.engine.actions)
}

func TestDisabledEnforcerDoesNothing(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeStopped)
	f.enf.cfg.Enabled = false

	f.enf.Run(context.Background())

	assert.Empty(t, f.engine.actions)
}
