package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/agentclient"
	"github.com/labmesh-io/labmesh/internal/config"
	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/jobengine"
	"github.com/labmesh-io/labmesh/internal/registry"
	"github.com/labmesh-io/labmesh/internal/repositories"
	"github.com/labmesh-io/labmesh/internal/selector"
	"github.com/labmesh-io/labmesh/internal/webhook"
	"github.com/labmesh-io/labmesh/internal/ws"
)

// stubCaller is a no-op agentclient.Caller: every operation succeeds.
type stubCaller struct{}

func (stubCaller) CheckHealth(context.Context, *db.Agent) error { return nil }
func (stubCaller) Deploy(context.Context, *db.Agent, agentclient.DeployRequest) (*agentclient.JobResult, error) {
	return &agentclient.JobResult{Stdout: "deployed"}, nil
}
func (stubCaller) Destroy(context.Context, *db.Agent, uuid.UUID, uuid.UUID) (*agentclient.JobResult, error) {
	return &agentclient.JobResult{Stdout: "destroyed"}, nil
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
	return true, nil
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

type stubReconciler struct{}

func (stubReconciler) Run(context.Context) {}

type fixture struct {
	srv    *httptest.Server
	engine *jobengine.Engine
	agents repositories.AgentRepository
	labs   repositories.LabRepository
	jobs   repositories.JobRepository
	states repositories.StateRepository
	hooks  repositories.WebhookRepository
	update repositories.AgentUpdateRepository
	agent  *db.Agent
}

func newFixture(t *testing.T, agentToken string) *fixture {
	t.Helper()
	database, err := db.New(db.Config{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)

	agents := repositories.NewAgentRepository(database)
	labs := repositories.NewLabRepository(database)
	topo := repositories.NewTopologyRepository(database)
	states := repositories.NewStateRepository(database)
	jobs := repositories.NewJobRepository(database)
	images := repositories.NewImageRepository(database)
	hooks := repositories.NewWebhookRepository(database)
	updates := repositories.NewAgentUpdateRepository(database)

	sel := selector.New(agents, jobs, states, zap.NewNop())
	engine := jobengine.New(jobengine.Deps{
		Labs: labs, Jobs: jobs, Agents: agents, Topology: topo, States: states,
		Selector: sel, Client: stubCaller{},
	}, config.Default().Jobs, zap.NewNop())
	reg := registry.New(agents, config.Default().Agent.StaleTimeout, zap.NewNop())
	dispatcher := webhook.NewDispatcher(hooks, zap.NewNop())

	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := NewRouter(RouterConfig{
		Engine:     engine,
		Registry:   reg,
		Reconciler: stubReconciler{},
		Dispatcher: dispatcher,
		Hub:        hub,
		Live:       ws.NewPublisher(hub),
		Logger:     zap.NewNop(),
		Agents:     agents,
		Labs:       labs,
		Topology:   topo,
		States:     states,
		Jobs:       jobs,
		Images:     images,
		Webhooks:   hooks,
		Updates:    updates,
		AgentToken: agentToken,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	agent := &db.Agent{
		Name: "agent-1", Address: "10.0.0.1:8090", Status: db.AgentOnline,
		Capabilities: `{"providers":["containerlab"],"max_concurrent_jobs":4}`,
	}
	require.NoError(t, agents.Create(context.Background(), agent))

	return &fixture{
		srv: srv, engine: engine,
		agents: agents, labs: labs, jobs: jobs, states: states,
		hooks: hooks, update: updates, agent: agent,
	}
}

// do issues a JSON request and decodes the JSON response body into a generic map.
func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+"/api/v1"+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	decoded := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}
	return resp.StatusCode, decoded
}

const labYAML = `
name: core
topology:
  nodes:
    r1:
      kind: linux
      image: alpine:3
    r2:
      kind: linux
      image: alpine:3
  links:
    - endpoints: ["r1:eth1", "r2:eth1"]
`

func (f *fixture) createLab(t *testing.T) string {
	t.Helper()
	status, body := f.do(t, http.MethodPost, "/labs", map[string]any{
		"owner_id":      uuid.NewString(),
		"topology_yaml": labYAML,
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	return body["data"].(map[string]any)["id"].(string)
}

func TestRegisterDuplicateAgentKeepsCanonicalRow(t *testing.T) {
	f := newFixture(t, "")

	otherID := uuid.New()
	status, body := f.do(t, http.MethodPost, "/agents/register", map[string]any{
		"agent": map[string]any{
			"id":      otherID,
			"name":    "agent-1",
			"address": "10.0.0.1:8090",
			"version": "1.1.0",
		},
	}, nil)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, f.agent.ID.String(), body["assigned_id"], "existing row wins")

	_, total, err := f.agents.List(context.Background(), repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestRegisterRequiresToken(t *testing.T) {
	f := newFixture(t, "s3cret")
	payload := map[string]any{
		"agent": map[string]any{"name": "agent-2", "address": "10.0.0.2:8090"},
	}

	status, _ := f.do(t, http.MethodPost, "/agents/register", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	payload["token"] = "s3cret"
	status, body := f.do(t, http.MethodPost, "/agents/register", payload, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
}

func TestHeartbeatAcknowledged(t *testing.T) {
	f := newFixture(t, "")

	status, body := f.do(t, http.MethodPost, "/agents/"+f.agent.ID.String()+"/heartbeat", map[string]any{
		"status":         "online",
		"active_jobs":    1,
		"resource_usage": map[string]any{"cpu_percent": 12.5},
	}, nil)

	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["acknowledged"])
	assert.Empty(t, body["pending_jobs"], "pull dispatch is reserved")

	agent, err := f.agents.GetByID(context.Background(), f.agent.ID)
	require.NoError(t, err)
	assert.NotNil(t, agent.LastHeartbeat)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	f := newFixture(t, "")
	status, _ := f.do(t, http.MethodPost, "/agents/"+uuid.NewString()+"/heartbeat",
		map[string]any{"status": "online"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAgentEndpointsRejectBadToken(t *testing.T) {
	f := newFixture(t, "s3cret")
	status, _ := f.do(t, http.MethodPost, "/agents/"+f.agent.ID.String()+"/heartbeat",
		map[string]any{"status": "online"}, map[string]string{"X-Agent-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestLabImportCreatesTopologyAndState(t *testing.T) {
	f := newFixture(t, "")
	labID := f.createLab(t)

	status, body := f.do(t, http.MethodGet, "/labs/"+labID, nil, nil)
	require.Equal(t, http.StatusOK, status)

	data := body["data"].(map[string]any)
	assert.Equal(t, "core", data["name"])
	assert.Equal(t, db.LabStopped, data["state"])

	nodes := data["nodes"].([]any)
	require.Len(t, nodes, 2)
	for _, n := range nodes {
		node := n.(map[string]any)
		assert.Equal(t, db.NodeUndeployed, node["actual_state"])
		assert.Equal(t, db.DesiredStopped, node["desired_state"])
	}

	links := data["links"].([]any)
	require.Len(t, links, 1)
	link := links[0].(map[string]any)
	assert.Equal(t, "clab-core-r1:eth1-clab-core-r2:eth1", link["link_name"])
	assert.Equal(t, db.LinkUnknown, link["actual_state"])
}

func TestLabImportRejectsBadTopology(t *testing.T) {
	f := newFixture(t, "")
	status, _ := f.do(t, http.MethodPost, "/labs", map[string]any{
		"owner_id":      uuid.NewString(),
		"topology_yaml": "name: broken\ntopology: {nodes: {}}",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestLabUpRunsDeploy(t *testing.T) {
	f := newFixture(t, "")
	labID := f.createLab(t)

	status, body := f.do(t, http.MethodPost, "/labs/"+labID+"/up", nil, nil)
	require.Equal(t, http.StatusAccepted, status)
	jobID := body["data"].(map[string]any)["id"].(string)

	f.engine.Wait()

	status, body = f.do(t, http.MethodGet, "/jobs/"+jobID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	job := body["data"].(map[string]any)
	assert.Equal(t, db.JobCompleted, job["status"])
	assert.Contains(t, job["log"], "deployed")

	status, body = f.do(t, http.MethodGet, "/labs/"+labID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, db.LabRunning, body["data"].(map[string]any)["state"])
}

func TestNodeActionValidatesNode(t *testing.T) {
	f := newFixture(t, "")
	labID := f.createLab(t)

	status, _ := f.do(t, http.MethodPost, "/labs/"+labID+"/nodes/r9/start", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = f.do(t, http.MethodPost, "/labs/"+labID+"/nodes/r1/start", nil, nil)
	assert.Equal(t, http.StatusAccepted, status)
	f.engine.Wait()
}

func TestCancelFinishedJobConflicts(t *testing.T) {
	f := newFixture(t, "")
	labID := f.createLab(t)

	status, body := f.do(t, http.MethodPost, "/labs/"+labID+"/up", nil, nil)
	require.Equal(t, http.StatusAccepted, status)
	jobID := body["data"].(map[string]any)["id"].(string)
	f.engine.Wait()

	status, _ = f.do(t, http.MethodPost, "/labs/"+labID+"/jobs/"+jobID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestNodeEventUpdatesActualState(t *testing.T) {
	f := newFixture(t, "")
	labID := f.createLab(t)
	ctx := context.Background()

	status, _ := f.do(t, http.MethodPost, "/events/node", map[string]any{
		"lab_id":    labID,
		"node_name": "clab-core-r1",
		"state":     db.NodeRunning,
	}, nil)
	require.Equal(t, http.StatusOK, status)

	id := uuid.MustParse(labID)
	state, err := f.states.GetNodeStateByName(ctx, id, "clab-core-r1")
	require.NoError(t, err)
	assert.Equal(t, db.NodeRunning, state.ActualState)

	// Unknown state values are an invalid_state error.
	status, _ = f.do(t, http.MethodPost, "/events/node", map[string]any{
		"lab_id":    labID,
		"node_name": "clab-core-r1",
		"state":     "levitating",
	}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	// Unknown nodes are not found.
	status, _ = f.do(t, http.MethodPost, "/events/node", map[string]any{
		"lab_id":    labID,
		"node_name": "clab-core-r9",
		"state":     db.NodeRunning,
	}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestBatchEventsApplyIndependently(t *testing.T) {
	f := newFixture(t, "")
	labID := f.createLab(t)

	status, body := f.do(t, http.MethodPost, "/events/batch", map[string]any{
		"events": []map[string]any{
			{"lab_id": labID, "node_name": "clab-core-r1", "state": db.NodeRunning},
			{"lab_id": labID, "node_name": "clab-core-r9", "state": db.NodeRunning},
		},
	}, nil)

	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["accepted"])
	require.Len(t, body["errors"], 1)
}

func TestJobCallbackUnknownJob(t *testing.T) {
	f := newFixture(t, "")
	status, _ := f.do(t, http.MethodPost, "/callbacks/job/"+uuid.NewString(),
		map[string]any{"status": "completed"}, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestUpdateCallback(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	job := &db.AgentUpdateJob{AgentID: f.agent.ID, TargetVersion: "1.2.0", Status: "running"}
	require.NoError(t, f.update.Create(ctx, job))

	status, _ := f.do(t, http.MethodPost, "/callbacks/update/"+job.ID.String(),
		map[string]any{"status": "completed"}, nil)
	require.Equal(t, http.StatusOK, status)

	got, err := f.update.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.NotNil(t, got.CompletedAt)

	status, _ = f.do(t, http.MethodPost, "/callbacks/update/"+job.ID.String(),
		map[string]any{"status": "sideways"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

func TestWebhookCRUD(t *testing.T) {
	f := newFixture(t, "")
	ownerID := uuid.NewString()

	status, body := f.do(t, http.MethodPost, "/webhooks", map[string]any{
		"owner_id": ownerID,
		"url":      "https://example.com/hook",
		"secret":   "s3cret",
		"events":   []string{"job.failed"},
	}, nil)
	require.Equal(t, http.StatusCreated, status)
	hook := body["data"].(map[string]any)
	hookID := hook["id"].(string)
	assert.Equal(t, true, hook["has_secret"])

	status, body = f.do(t, http.MethodGet, "/webhooks?owner_id="+ownerID, nil, nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["data"].(map[string]any)["total"])

	status, body = f.do(t, http.MethodPatch, "/webhooks/"+hookID, map[string]any{
		"enabled": false,
	}, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["data"].(map[string]any)["enabled"])

	status, _ = f.do(t, http.MethodDelete, "/webhooks/"+hookID, nil, nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = f.do(t, http.MethodGet, "/webhooks/"+hookID, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestImageManifest(t *testing.T) {
	f := newFixture(t, "")

	status, _ := f.do(t, http.MethodPost, "/images", map[string]any{
		"reference": "alpine:3", "size_bytes": 1024,
	}, nil)
	require.Equal(t, http.StatusCreated, status)

	status, body := f.do(t, http.MethodGet, "/images", nil, nil)
	require.Equal(t, http.StatusOK, status)
	items := body["data"].(map[string]any)["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "alpine:3", items[0].(map[string]any)["reference"])
}

func TestReconcileTrigger(t *testing.T) {
	f := newFixture(t, "")
	status, body := f.do(t, http.MethodPost, "/reconcile", nil, nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, true, body["data"].(map[string]any)["triggered"])
}

func TestErrorSummaryExtraction(t *testing.T) {
	job := &db.Job{Status: db.JobFailed, LogContent: "ERROR: agent unreachable\nDetails: dial tcp refused\n"}
	assert.Equal(t, "agent unreachable", ErrorSummary(job))

	job = &db.Job{Status: db.JobFailed, LogContent: "containerlab exited 1\n"}
	assert.Equal(t, "containerlab exited 1", ErrorSummary(job))

	job = &db.Job{Status: db.JobCompleted, LogContent: "ERROR: stale\n"}
	assert.Empty(t, ErrorSummary(job), "only failed jobs carry a summary")
}
