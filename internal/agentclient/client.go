// Package agentclient owns all outbound HTTP to agents. Every remote
// operation funnels through a retry wrapper: transient transport errors
// (connection refused, timeout, DNS failure) are retried with exponential
// backoff; HTTP status errors and semantic failures are not. Exhaustion
// surfaces as AgentUnavailableError, HTTP errors as AgentJobError.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/config"
	"github.com/labmesh-io/labmesh/internal/db"
)

// Caller is the interface the job engine, reconciler and sync manager
// program against. *Client is the production implementation.
type Caller interface {
	CheckHealth(ctx context.Context, agent *db.Agent) error
	Deploy(ctx context.Context, agent *db.Agent, req DeployRequest) (*JobResult, error)
	Destroy(ctx context.Context, agent *db.Agent, jobID, labID uuid.UUID) (*JobResult, error)
	NodeAction(ctx context.Context, agent *db.Agent, jobID, labID uuid.UUID, node, action string) (*JobResult, error)
	GetLabStatus(ctx context.Context, agent *db.Agent, labID uuid.UUID) (*LabStatus, error)
	DiscoverLabs(ctx context.Context, agent *db.Agent) ([]DiscoveredLab, error)
	CleanupOrphans(ctx context.Context, agent *db.Agent, knownLabIDs []uuid.UUID) error
	CheckNodeReadiness(ctx context.Context, agent *db.Agent, labID uuid.UUID, node string) (bool, error)
	SetupCrossHostLink(ctx context.Context, agent *db.Agent, req OverlayLinkRequest) error
	CleanupOverlay(ctx context.Context, agent *db.Agent, labID uuid.UUID) error
	GetLockStatus(ctx context.Context, agent *db.Agent) (*LockStatus, error)
	ReleaseLock(ctx context.Context, agent *db.Agent, labID uuid.UUID) error
	GetImageInventory(ctx context.Context, agent *db.Agent) ([]ImageInfo, error)
	CheckImage(ctx context.Context, agent *db.Agent, reference string) (bool, error)
	PullImage(ctx context.Context, agent *db.Agent, reference string) error
	PushImage(ctx context.Context, agent *db.Agent, reference string, payload io.Reader, size int64) error
	CancelJob(ctx context.Context, agent *db.Agent, jobID uuid.UUID) error
}

// DeployRequest is the payload for a lab deploy on one agent. TopologyYAML
// may be the full lab topology or a per-host slice of it.
type DeployRequest struct {
	JobID        uuid.UUID `json:"job_id"`
	LabID        uuid.UUID `json:"lab_id"`
	TopologyYAML string    `json:"topology_yaml"`
	Provider     string    `json:"provider"`
}

// JobResult carries the process output returned by a successful operation.
// Accepted is true when the agent answered 202: the operation continues on
// the agent side and the outcome arrives later through the job callback.
type JobResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Accepted bool   `json:"-"`
}

// ContainerStatus is one container as reported by an agent status query.
type ContainerStatus struct {
	Name  string `json:"name"`  // full container name, e.g. clab-core-r1
	State string `json:"state"` // running | stopped | error ...
	Image string `json:"image"`
	Error string `json:"error"`
}

// LabStatus is an agent's view of one lab.
type LabStatus struct {
	LabID      uuid.UUID         `json:"lab_id"`
	Containers []ContainerStatus `json:"containers"`
}

// DiscoveredLab is one lab an agent reports as present on its host. LabID is
// the raw identifier recovered from container labels and may be truncated by
// the container runtime; the reconciler resolves it against known labs.
type DiscoveredLab struct {
	LabID      string            `json:"lab_id"`
	Name       string            `json:"name"`
	Containers []ContainerStatus `json:"containers"`
}

// OverlayLinkRequest describes one end of a cross-host link (VXLAN tunnel).
type OverlayLinkRequest struct {
	LabID         uuid.UUID `json:"lab_id"`
	LinkName      string    `json:"link_name"`
	LocalNode     string    `json:"local_node"`
	LocalIface    string    `json:"local_interface"`
	RemoteAddress string    `json:"remote_address"`
	VNI           int       `json:"vni"`
}

// LockInfo describes one provider lock held on an agent.
type LockInfo struct {
	LabID     uuid.UUID `json:"lab_id"`
	HeldFor   string    `json:"held_for"`
	Operation string    `json:"operation"`
	IsStuck   bool      `json:"is_stuck"`
}

// LockStatus reports the provider locks an agent currently holds.
type LockStatus struct {
	Locks []LockInfo `json:"locks"`
}

// ImageInfo is one image in an agent's local inventory.
type ImageInfo struct {
	Reference string `json:"reference"`
	SizeBytes int64  `json:"size_bytes"`
}

// Client is the production agent HTTP client. Timeouts are per operation
// class; the underlying http.Client carries no global timeout so that long
// deploys are bounded by their context deadline alone.
type Client struct {
	http *http.Client
	cfg  config.AgentConfig
	log  *zap.Logger
}

// New creates an agent client with the given per-operation timeouts.
func New(cfg config.AgentConfig, log *zap.Logger) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		cfg: cfg,
		log: log.Named("agentclient"),
	}
}

func (c *Client) CheckHealth(ctx context.Context, agent *db.Agent) error {
	return c.call(ctx, agent, "check_health", c.cfg.HealthCheckTimeout,
		http.MethodGet, "/health", nil, nil)
}

func (c *Client) Deploy(ctx context.Context, agent *db.Agent, req DeployRequest) (*JobResult, error) {
	var result JobResult
	err := c.call(ctx, agent, "deploy", c.cfg.DeployTimeout,
		http.MethodPost, "/deploy", req, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Destroy(ctx context.Context, agent *db.Agent, jobID, labID uuid.UUID) (*JobResult, error) {
	var result JobResult
	body := map[string]any{"job_id": jobID, "lab_id": labID}
	err := c.call(ctx, agent, "destroy", c.cfg.DestroyTimeout,
		http.MethodPost, "/destroy", body, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) NodeAction(ctx context.Context, agent *db.Agent, jobID, labID uuid.UUID, node, action string) (*JobResult, error) {
	var result JobResult
	body := map[string]any{"job_id": jobID, "lab_id": labID, "node": node, "action": action}
	err := c.call(ctx, agent, "node_action", c.cfg.NodeActionTimeout,
		http.MethodPost, "/node_action", body, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) GetLabStatus(ctx context.Context, agent *db.Agent, labID uuid.UUID) (*LabStatus, error) {
	var status LabStatus
	err := c.call(ctx, agent, "get_lab_status", c.cfg.StatusTimeout,
		http.MethodGet, "/status/"+labID.String(), nil, &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) DiscoverLabs(ctx context.Context, agent *db.Agent) ([]DiscoveredLab, error) {
	var resp struct {
		Labs []DiscoveredLab `json:"labs"`
	}
	err := c.call(ctx, agent, "discover_labs", c.cfg.StatusTimeout,
		http.MethodGet, "/discover", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Labs, nil
}

func (c *Client) CleanupOrphans(ctx context.Context, agent *db.Agent, knownLabIDs []uuid.UUID) error {
	body := map[string]any{"known_lab_ids": knownLabIDs}
	return c.call(ctx, agent, "cleanup_orphans", c.cfg.DestroyTimeout,
		http.MethodPost, "/cleanup_orphans", body, nil)
}

func (c *Client) CheckNodeReadiness(ctx context.Context, agent *db.Agent, labID uuid.UUID, node string) (bool, error) {
	var resp struct {
		Ready bool `json:"ready"`
	}
	path := fmt.Sprintf("/nodes/%s/%s/readiness", labID, url.PathEscape(node))
	err := c.call(ctx, agent, "check_node_readiness", c.cfg.StatusTimeout,
		http.MethodGet, path, nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Ready, nil
}

func (c *Client) SetupCrossHostLink(ctx context.Context, agent *db.Agent, req OverlayLinkRequest) error {
	return c.call(ctx, agent, "setup_cross_host_link", c.cfg.NodeActionTimeout,
		http.MethodPost, "/overlay/cross_host", req, nil)
}

func (c *Client) CleanupOverlay(ctx context.Context, agent *db.Agent, labID uuid.UUID) error {
	return c.call(ctx, agent, "cleanup_overlay", c.cfg.NodeActionTimeout,
		http.MethodDelete, "/overlay/"+labID.String(), nil, nil)
}

func (c *Client) GetLockStatus(ctx context.Context, agent *db.Agent) (*LockStatus, error) {
	var status LockStatus
	err := c.call(ctx, agent, "get_lock_status", c.cfg.StatusTimeout,
		http.MethodGet, "/locks/status", nil, &status)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) ReleaseLock(ctx context.Context, agent *db.Agent, labID uuid.UUID) error {
	return c.call(ctx, agent, "release_lock", c.cfg.StatusTimeout,
		http.MethodPost, "/locks/"+labID.String()+"/release", nil, nil)
}

func (c *Client) GetImageInventory(ctx context.Context, agent *db.Agent) ([]ImageInfo, error) {
	var resp struct {
		Images []ImageInfo `json:"images"`
	}
	err := c.call(ctx, agent, "get_image_inventory", c.cfg.StatusTimeout,
		http.MethodGet, "/images", nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Images, nil
}

func (c *Client) CheckImage(ctx context.Context, agent *db.Agent, reference string) (bool, error) {
	var resp struct {
		Present bool `json:"present"`
	}
	path := "/images/" + url.PathEscape(reference)
	err := c.call(ctx, agent, "check_image", c.cfg.StatusTimeout,
		http.MethodGet, path, nil, &resp)
	if err != nil {
		return false, err
	}
	return resp.Present, nil
}

func (c *Client) PullImage(ctx context.Context, agent *db.Agent, reference string) error {
	body := map[string]any{"reference": reference}
	return c.call(ctx, agent, "pull_image", c.cfg.DeployTimeout,
		http.MethodPost, "/images/pull", body, nil)
}

// PushImage streams an image tarball to the agent. It bypasses the retry
// wrapper: the payload reader cannot be rewound, so a failed push is
// reported to the caller and retried at the sync-job level.
func (c *Client) PushImage(ctx context.Context, agent *db.Agent, reference string, payload io.Reader, size int64) error {
	u := baseURL(agent) + "/images/push?reference=" + url.QueryEscape(reference)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, payload)
	if err != nil {
		return fmt.Errorf("agentclient: push_image: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.ContentLength = size

	resp, err := c.http.Do(req)
	if err != nil {
		return &AgentUnavailableError{Agent: agent.Name, Op: "push_image", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return newJobError(resp)
	}
	return nil
}

func (c *Client) CancelJob(ctx context.Context, agent *db.Agent, jobID uuid.UUID) error {
	return c.call(ctx, agent, "cancel_job", c.cfg.StatusTimeout,
		http.MethodPost, "/jobs/"+jobID.String()+"/cancel", nil, nil)
}

// ConsoleURL derives the WebSocket console endpoint for a node from the
// agent's HTTP address by swapping the scheme to ws.
func ConsoleURL(agent *db.Agent, labID uuid.UUID, node string) string {
	return fmt.Sprintf("ws://%s/console/%s/%s",
		agent.Address, labID, url.PathEscape(node))
}

// -----------------------------------------------------------------------------
// Transport plumbing
// -----------------------------------------------------------------------------

func baseURL(agent *db.Agent) string {
	if strings.Contains(agent.Address, "://") {
		return strings.TrimSuffix(agent.Address, "/")
	}
	return "http://" + agent.Address
}

// call performs one logical operation with retries. Request bodies are
// marshalled once and replayed on each attempt.
func (c *Client) call(ctx context.Context, agent *db.Agent, op string, timeout time.Duration, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("agentclient: %s: marshal request: %w", op, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	backoff := c.cfg.BackoffBase

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying agent call",
				zap.String("agent", agent.Name),
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
				return &AgentUnavailableError{Agent: agent.Name, Op: op, Err: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.cfg.BackoffMax {
				backoff = c.cfg.BackoffMax
			}
		}

		err := c.do(ctx, agent, method, path, payload, out)
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return err
		}
		lastErr = err
	}

	return &AgentUnavailableError{Agent: agent.Name, Op: op, Err: lastErr}
}

func (c *Client) do(ctx context.Context, agent *db.Agent, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL(agent)+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return newJobError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	if jr, ok := out.(*JobResult); ok && resp.StatusCode == http.StatusAccepted {
		jr.Accepted = true
	}
	return nil
}

// newJobError builds an AgentJobError from an HTTP error response. A 404
// during an operation means the agent restarted and lost job state.
func newJobError(resp *http.Response) *AgentJobError {
	var body struct {
		Error  string `json:"error"`
		Stdout string `json:"stdout"`
		Stderr string `json:"stderr"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(raw))
		if body.Error == "" {
			body.Error = resp.Status
		}
	}

	kind := KindJobFailed
	if resp.StatusCode == http.StatusNotFound {
		kind = KindAgentRestart
	}
	return &AgentJobError{
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    body.Error,
		Stdout:     body.Stdout,
		Stderr:     body.Stderr,
	}
}

// isTransient reports whether err is a transport-level failure worth
// retrying. HTTP status errors are definite answers and are not.
func isTransient(err error) bool {
	var je *AgentJobError
	if errors.As(err, &je) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	// url.Error wraps dial failures that don't match the above.
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return urlErr.Timeout() || urlErr.Temporary() || isTransient(urlErr.Err)
	}
	return false
}
