package agentclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/config"
	"github.com/labmesh-io/labmesh/internal/db"
)

func testClient() *Client {
	return New(config.AgentConfig{
		DeployTimeout:      5 * time.Second,
		DestroyTimeout:     5 * time.Second,
		NodeActionTimeout:  5 * time.Second,
		StatusTimeout:      5 * time.Second,
		HealthCheckTimeout: 5 * time.Second,
		MaxRetries:         3,
		BackoffBase:        time.Millisecond,
		BackoffMax:         5 * time.Millisecond,
	}, zap.NewNop())
}

func testAgent(addr string) *db.Agent {
	return &db.Agent{Name: "agent-1", Address: strings.TrimPrefix(addr, "http://")}
}

func TestDeploySuccess(t *testing.T) {
	labID := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/deploy", r.URL.Path)
		w.Write([]byte(`{"stdout":"deployed 3 nodes","stderr":""}`))
	}))
	defer srv.Close()

	result, err := testClient().Deploy(context.Background(), testAgent(srv.URL), DeployRequest{
		JobID: uuid.New(), LabID: labID, TopologyYAML: "name: core", Provider: "containerlab",
	})
	require.NoError(t, err)
	assert.Equal(t, "deployed 3 nodes", result.Stdout)
}

func TestHTTPErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"deploy failed","stderr":"image not found"}`))
	}))
	defer srv.Close()

	_, err := testClient().Deploy(context.Background(), testAgent(srv.URL), DeployRequest{
		JobID: uuid.New(), LabID: uuid.New(),
	})
	require.Error(t, err)

	je := AsJobError(err)
	require.NotNil(t, je)
	assert.Equal(t, KindJobFailed, je.Kind)
	assert.Equal(t, "deploy failed", je.Message)
	assert.Contains(t, je.Detail(), "image not found")
	assert.Equal(t, int32(1), calls.Load(), "status errors must not be retried")
}

func TestNotFoundClassifiedAsRestart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"unknown lab"}`))
	}))
	defer srv.Close()

	_, err := testClient().GetLabStatus(context.Background(), testAgent(srv.URL), uuid.New())
	je := AsJobError(err)
	require.NotNil(t, je)
	assert.Equal(t, KindAgentRestart, je.Kind)
}

func TestTransientErrorRetriedThenUnavailable(t *testing.T) {
	// Closed server: every attempt gets connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := srv.URL
	srv.Close()

	err := testClient().CheckHealth(context.Background(), testAgent(addr))
	require.Error(t, err)
	assert.True(t, IsUnavailable(err))
}

func TestTransientErrorRecovers(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Drop the connection without a response.
			hj, ok := w.(http.Hijacker)
			require.True(t, ok)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	err := testClient().CheckHealth(context.Background(), testAgent(srv.URL))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestConsoleURL(t *testing.T) {
	labID := uuid.MustParse("0198b2f0-0000-7000-8000-000000000001")
	agent := &db.Agent{Address: "10.0.0.5:8090"}
	got := ConsoleURL(agent, labID, "clab-core-r1")
	assert.Equal(t, "ws://10.0.0.5:8090/console/0198b2f0-0000-7000-8000-000000000001/clab-core-r1", got)
}

func TestParseCapabilities(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Capabilities
	}{
		{
			name: "full payload",
			raw:  `{"providers":["containerlab","netlab"],"max_concurrent_jobs":8,"features":["overlay"]}`,
			want: Capabilities{Providers: []string{"containerlab", "netlab"}, MaxConcurrentJobs: 8, Features: []string{"overlay"}},
		},
		{
			name: "missing max defaults to 4",
			raw:  `{"providers":["containerlab"]}`,
			want: Capabilities{Providers: []string{"containerlab"}, MaxConcurrentJobs: 4},
		},
		{
			name: "malformed degrades to empty",
			raw:  `{providers`,
			want: Capabilities{MaxConcurrentJobs: 4},
		},
		{
			name: "empty string",
			raw:  "",
			want: Capabilities{MaxConcurrentJobs: 4},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseCapabilities(tt.raw))
		})
	}

	caps := ParseCapabilities(`{"providers":["containerlab"],"features":["overlay"]}`)
	assert.True(t, caps.SupportsProvider("containerlab"))
	assert.False(t, caps.SupportsProvider("netlab"))
	assert.True(t, caps.HasFeature("overlay"))
}
