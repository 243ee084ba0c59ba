package reconciler

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/agentclient"
	"github.com/labmesh-io/labmesh/internal/config"
	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/events"
	"github.com/labmesh-io/labmesh/internal/repositories"
	"github.com/labmesh-io/labmesh/internal/topology"
)

// stubCaller is a do-nothing agentclient.Caller base for embedding.
type stubCaller struct{}

func (stubCaller) CheckHealth(context.Context, *db.Agent) error { return nil }
func (stubCaller) Deploy(context.Context, *db.Agent, agentclient.DeployRequest) (*agentclient.JobResult, error) {
	return &agentclient.JobResult{}, nil
}
func (stubCaller) Destroy(context.Context, *db.Agent, uuid.UUID, uuid.UUID) (*agentclient.JobResult, error) {
	return &agentclient.JobResult{}, nil
}
func (stubCaller) NodeAction(context.Context, *db.Agent, uuid.UUID, uuid.UUID, string, string) (*agentclient.JobResult, error) {
	return &agentclient.JobResult{}, nil
}
func (stubCaller) GetLabStatus(context.Context, *db.Agent, uuid.UUID) (*agentclient.LabStatus, error) {
	return &agentclient.LabStatus{}, nil
}
func (stubCaller) DiscoverLabs(context.Context, *db.Agent) ([]agentclient.DiscoveredLab, error) {
	return nil, nil
}
func (stubCaller) CleanupOrphans(context.Context, *db.Agent, []uuid.UUID) error { return nil }
func (stubCaller) CheckNodeReadiness(context.Context, *db.Agent, uuid.UUID, string) (bool, error) {
	return false, nil
}
func (stubCaller) SetupCrossHostLink(context.Context, *db.Agent, agentclient.OverlayLinkRequest) error {
	return nil
}
func (stubCaller) CleanupOverlay(context.Context, *db.Agent, uuid.UUID) error { return nil }
func (stubCaller) GetLockStatus(context.Context, *db.Agent) (*agentclient.LockStatus, error) {
	return &agentclient.LockStatus{}, nil
}
func (stubCaller) ReleaseLock(context.Context, *db.Agent, uuid.UUID) error { return nil }
func (stubCaller) GetImageInventory(context.Context, *db.Agent) ([]agentclient.ImageInfo, error) {
	return nil, nil
}
func (stubCaller) CheckImage(context.Context, *db.Agent, string) (bool, error) { return true, nil }
func (stubCaller) PullImage(context.Context, *db.Agent, string) error          { return nil }
func (stubCaller) PushImage(context.Context, *db.Agent, string, io.Reader, int64) error {
	return nil
}
func (stubCaller) CancelJob(context.Context, *db.Agent, uuid.UUID) error { return nil }

// statusCaller serves programmed per-agent lab status, readiness and
// discovery responses.
type statusCaller struct {
	stubCaller
	containers map[string][]agentclient.ContainerStatus // agent name -> containers
	ready      map[string]bool                          // container name -> readiness
	discovered map[string][]agentclient.DiscoveredLab   // agent name -> labs
	cleanups   []string                                 // agents asked to clean up
}

func newStatusCaller() *statusCaller {
	return &statusCaller{
		containers: map[string][]agentclient.ContainerStatus{},
		ready:      map[string]bool{},
		discovered: map[string][]agentclient.DiscoveredLab{},
	}
}

func (c *statusCaller) GetLabStatus(_ context.Context, agent *db.Agent, labID uuid.UUID) (*agentclient.LabStatus, error) {
	return &agentclient.LabStatus{LabID: labID, Containers: c.containers[agent.Name]}, nil
}

func (c *statusCaller) CheckNodeReadiness(_ context.Context, _ *db.Agent, _ uuid.UUID, node string) (bool, error) {
	return c.ready[node], nil
}

func (c *statusCaller) DiscoverLabs(_ context.Context, agent *db.Agent) ([]agentclient.DiscoveredLab, error) {
	return c.discovered[agent.Name], nil
}

func (c *statusCaller) CleanupOrphans(_ context.Context, agent *db.Agent, _ []uuid.UUID) error {
	c.cleanups = append(c.cleanups, agent.Name)
	return nil
}

type capturePub struct{ events []events.Event }

func (c *capturePub) Publish(_ context.Context, e events.Event) { c.events = append(c.events, e) }

type fixture struct {
	rec    *Reconciler
	caller *statusCaller
	pub    *capturePub
	labs   repositories.LabRepository
	topo   repositories.TopologyRepository
	states repositories.StateRepository
	jobs   repositories.JobRepository
	agents repositories.AgentRepository
	lab    *db.Lab
	agent  *db.Agent
}

// newFixture builds a lab "core" with nodes r1 and r2 linked back to back,
// both recorded with the given desired/actual states, served by one online
// agent.
func newFixture(t *testing.T, desired, actual string) *fixture {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	labs := repositories.NewLabRepository(database)
	topo := repositories.NewTopologyRepository(database)
	states := repositories.NewStateRepository(database)
	jobs := repositories.NewJobRepository(database)
	agents := repositories.NewAgentRepository(database)
	caller := newStatusCaller()
	pub := &capturePub{}

	cfg := config.Default()
	rec := New(labs, topo, states, jobs, agents, caller, pub, cfg.Reconcile, cfg.Jobs, zap.NewNop())

	ctx := context.Background()
	agent := &db.Agent{Name: "agent-1", Address: "10.0.0.1:8090", Status: db.AgentOnline}
	require.NoError(t, agents.Create(ctx, agent))

	lab := &db.Lab{Name: "core", OwnerID: uuid.New(), State: db.LabRunning}
	require.NoError(t, labs.Create(ctx, lab))
	require.NoError(t, labs.SetAgent(ctx, lab.ID, agent.ID))
	lab.AgentID = &agent.ID

	var nodes []*db.Node
	for _, name := range []string{"r1", "r2"} {
		node := &db.Node{
			LabID: lab.ID, DisplayName: name,
			ContainerName: topology.ContainerName("core", name),
		}
		require.NoError(t, topo.CreateNode(ctx, node))
		require.NoError(t, states.SaveNodeState(ctx, &db.NodeState{
			LabID: lab.ID, NodeID: node.ID, NodeName: node.ContainerName,
			DesiredState: desired, ActualState: actual,
		}))
		nodes = append(nodes, node)
	}
	require.NoError(t, topo.CreateLink(ctx, &db.Link{
		LabID:    lab.ID,
		LinkName: topology.CanonicalLinkName("clab-core-r1", "eth1", "clab-core-r2", "eth1"),
		SourceNodeID: nodes[0].ID, SourceInterface: "eth1",
		TargetNodeID: nodes[1].ID, TargetInterface: "eth1",
	}))

	return &fixture{
		rec: rec, caller: caller, pub: pub,
		labs: labs, topo: topo, states: states, jobs: jobs, agents: agents,
		lab: lab, agent: agent,
	}
}

func (f *fixture) report(states ...string) {
	var cs []agentclient.ContainerStatus
	for i, s := range states {
		name := []string{"clab-core-r1", "clab-core-r2"}[i]
		cs = append(cs, agentclient.ContainerStatus{Name: name, State: s})
	}
	f.caller.containers["agent-1"] = cs
}

// The agent reports nothing: every node goes undeployed and the lab is
// downgraded to stopped with its error cleared.
func TestReconcileDowngradesVanishedLab(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeRunning)
	ctx := context.Background()

	require.NoError(t, f.rec.ReconcileLab(ctx, f.lab))

	states, err := f.states.ListNodeStatesByLab(ctx, f.lab.ID)
	require.NoError(t, err)
	for _, s := range states {
		assert.Equal(t, db.NodeUndeployed, s.ActualState)
	}
	lab, err := f.labs.GetByID(ctx, f.lab.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LabStopped, lab.State)
	assert.Empty(t, lab.StateError)
}

func TestReconcileDiscoversRunningLab(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeUndeployed)
	f.lab.State = db.LabUnknown
	ctx := context.Background()
	require.NoError(t, f.labs.SetState(ctx, f.lab.ID, db.LabUnknown, ""))
	f.report("running", "running")

	require.NoError(t, f.rec.ReconcileLab(ctx, f.lab))

	states, err := f.states.ListNodeStatesByLab(ctx, f.lab.ID)
	require.NoError(t, err)
	for _, s := range states {
		assert.Equal(t, db.NodeRunning, s.ActualState)
	}
	lab, err := f.labs.GetByID(ctx, f.lab.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LabRunning, lab.State)

	p, err := f.states.GetPlacement(ctx, f.lab.ID, "clab-core-r1")
	require.NoError(t, err)
	assert.Equal(t, f.agent.ID, p.HostID)
}

func TestReconcileFlagsErrorNode(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeRunning)
	ctx := context.Background()
	f.report("running", "dead")

	require.NoError(t, f.rec.ReconcileLab(ctx, f.lab))

	s, err := f.states.GetNodeStateByName(ctx, f.lab.ID, "clab-core-r2")
	require.NoError(t, err)
	assert.Equal(t, db.NodeError, s.ActualState)
	assert.Contains(t, s.ErrorMessage, "dead")

	lab, err := f.labs.GetByID(ctx, f.lab.ID)
	require.NoError(t, err)
	assert.Equal(t, db.LabError, lab.State)
	assert.Contains(t, lab.StateError, "clab-core-r2")
}

func TestReconcileSkipsLabWithActiveJob(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeRunning)
	ctx := context.Background()
	started := time.Now().UTC()
	require.NoError(t, f.jobs.Create(ctx, &db.Job{
		LabID: &f.lab.ID, Action: "up", Status: db.JobRunning, StartedAt: &started,
	}))

	require.NoError(t, f.rec.ReconcileLab(ctx, f.lab))

	// Nothing touched: the agent reported no containers, but the running
	// nodes were not downgraded.
	s, err := f.states.GetNodeStateByName(ctx, f.lab.ID, "clab-core-r1")
	require.NoError(t, err)
	assert.Equal(t, db.NodeRunning, s.ActualState)
}

// A job past its timeout plus grace no longer blocks reconciliation.
func TestReconcileProceedsPastStuckJob(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeRunning)
	ctx := context.Background()
	started := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, f.jobs.Create(ctx, &db.Job{
		LabID: &f.lab.ID, Action: "up", Status: db.JobRunning, StartedAt: &started,
	}))

	require.NoError(t, f.rec.ReconcileLab(ctx, f.lab))

	s, err := f.states.GetNodeStateByName(ctx, f.lab.ID, "clab-core-r1")
	require.NoError(t, err)
	assert.Equal(t, db.NodeUndeployed, s.ActualState)
}

func TestLinkStateDerivation(t *testing.T) {
	tests := []struct {
		name       string
		states     []string
		wantActual string
	}{
		{"both running", []string{"running", "running"}, db.LinkUp},
		{"one stopped", []string{"running", "stopped"}, db.LinkDown},
		{"one dead", []string{"running", "dead"}, db.LinkError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, db.DesiredRunning, db.NodeRunning)
			ctx := context.Background()
			f.report(tt.states...)

			require.NoError(t, f.rec.ReconcileLab(ctx, f.lab))

			linkName := "clab-core-r1:eth1-clab-core-r2:eth1"
			ls, err := f.states.GetLinkState(ctx, f.lab.ID, linkName)
			require.NoError(t, err)
			assert.Equal(t, tt.wantActual, ls.ActualState)
			assert.Equal(t, db.LinkUp, ls.DesiredState, "desired is never touched")
		})
	}
}

// Running reconciliation twice with no agent change writes nothing the
// second time.
func TestReconcileIsFixedPoint(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeUndeployed)
	ctx := context.Background()
	f.report("running", "running")

	require.NoError(t, f.rec.ReconcileLab(ctx, f.lab))

	before, err := f.states.ListNodeStatesByLab(ctx, f.lab.ID)
	require.NoError(t, err)
	labBefore, err := f.labs.GetByID(ctx, f.lab.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	lab, err := f.labs.GetByID(ctx, f.lab.ID)
	require.NoError(t, err)
	require.NoError(t, f.rec.ReconcileLab(ctx, lab))

	after, err := f.states.ListNodeStatesByLab(ctx, f.lab.ID)
	require.NoError(t, err)
	for i := range before {
		assert.Equal(t, before[i].UpdatedAt, after[i].UpdatedAt)
	}
	labAfter, err := f.labs.GetByID(ctx, f.lab.ID)
	require.NoError(t, err)
	assert.Equal(t, labBefore.StateUpdatedAt, labAfter.StateUpdatedAt)
}

func TestTargetSelection(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeRunning)
	ctx := context.Background()

	// Running lab with running+ready+placed nodes is not a target.
	states, err := f.states.ListNodeStatesByLab(ctx, f.lab.ID)
	require.NoError(t, err)
	for _, s := range states {
		require.NoError(t, f.states.SetReady(ctx, s.ID, true))
		require.NoError(t, f.states.UpsertPlacement(ctx, f.lab.ID, s.NodeName, f.agent.ID, db.NodeRunning))
	}

	unknown := &db.Lab{Name: "adrift", OwnerID: uuid.New(), State: db.LabUnknown}
	require.NoError(t, f.labs.Create(ctx, unknown))

	diverged := &db.Lab{Name: "diverged", OwnerID: uuid.New(), State: db.LabStopped}
	require.NoError(t, f.labs.Create(ctx, diverged))
	require.NoError(t, f.states.SaveNodeState(ctx, &db.NodeState{
		LabID: diverged.ID, NodeID: uuid.New(), NodeName: "clab-diverged-r1",
		DesiredState: db.DesiredRunning, ActualState: db.NodeStopped,
	}))

	targets, err := f.rec.selectTargets(ctx)
	require.NoError(t, err)

	ids := map[uuid.UUID]bool{}
	for _, lab := range targets {
		ids[lab.ID] = true
	}
	assert.True(t, ids[unknown.ID], "unknown lab is a target")
	assert.True(t, ids[diverged.ID], "desired/actual divergence is a target")
	assert.False(t, ids[f.lab.ID], "settled lab is not a target")
}

func TestReadinessPass(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeRunning)
	ctx := context.Background()
	f.caller.ready["clab-core-r1"] = true

	f.rec.pollReadiness(ctx)

	s1, err := f.states.GetNodeStateByName(ctx, f.lab.ID, "clab-core-r1")
	require.NoError(t, err)
	assert.True(t, s1.IsReady)
	assert.NotNil(t, s1.BootStartedAt)

	s2, err := f.states.GetNodeStateByName(ctx, f.lab.ID, "clab-core-r2")
	require.NoError(t, err)
	assert.False(t, s2.IsReady)
	assert.NotNil(t, s2.BootStartedAt, "boot clock starts even before ready")

	require.Len(t, f.pub.events, 1)
	assert.Equal(t, events.NodeReady, f.pub.events[0].Event)
	assert.Equal(t, []string{"clab-core-r1"}, f.pub.events[0].Nodes)
}

func TestOrphanCleanup(t *testing.T) {
	f := newFixture(t, db.DesiredRunning, db.NodeRunning)
	ctx := context.Background()

	f.caller.discovered["agent-1"] = []agentclient.DiscoveredLab{
		{LabID: f.lab.ID.String(), Name: "core"},     // known, exact
		{LabID: uuid.New().String()[:12], Name: "?"}, // orphan
	}

	f.rec.cleanupOrphans(ctx)

	assert.Equal(t, []string{"agent-1"}, f.caller.cleanups)
}

func TestMatchLabID(t *testing.T) {
	a := uuid.MustParse("0190b7a0-0000-7000-8000-000000000001")
	b := uuid.MustParse("0190b7a0-1111-7000-8000-000000000002")
	known := []uuid.UUID{a, b}

	tests := []struct {
		name     string
		observed string
		want     uuid.UUID
		ok       bool
	}{
		{"exact", a.String(), a, true},
		{"unique prefix", "0190b7a0-1111", b, true},
		{"ambiguous prefix takes first", "0190b7a0", a, true},
		{"no match", "ffffffff", uuid.UUID{}, false},
		{"empty", "", uuid.UUID{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := MatchLabID(tt.observed, known)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
