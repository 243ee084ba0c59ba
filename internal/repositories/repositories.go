// Package repositories defines the data-access interfaces for the controller
// and their GORM implementations. Every component depends on these interfaces
// rather than on *gorm.DB directly, which keeps orchestration logic testable
// with in-memory SQLite fixtures.
//
// Transactions are short-lived by design: each repository call opens and
// closes its own database work and never spans an outbound HTTP call, so a
// slow agent can never hold a row lock.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/labmesh-io/labmesh/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// -----------------------------------------------------------------------------
// AgentRepository
// -----------------------------------------------------------------------------

type AgentRepository interface {
	Create(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)

	// GetByNameOrAddress finds the existing row a (re)registration should
	// update in place. Matching by name or address preserves foreign-key
	// references when an agent restarts with a fresh self-assigned id.
	GetByNameOrAddress(ctx context.Context, name, address string) (*db.Agent, error)

	Update(ctx context.Context, agent *db.Agent) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error

	// RecordHeartbeat updates status, resource snapshot and last_heartbeat
	// in a single statement — it is the hottest write in the system.
	RecordHeartbeat(ctx context.Context, id uuid.UUID, status, resourceUsage string, at time.Time) error

	List(ctx context.Context, opts ListOptions) ([]db.Agent, int64, error)
	ListOnline(ctx context.Context) ([]db.Agent, error)

	// MarkStale transitions every online agent whose last heartbeat is
	// older than cutoff to offline, in one transaction, and returns the
	// agents affected so the job engine can fail over their jobs.
	MarkStale(ctx context.Context, cutoff time.Time) ([]db.Agent, error)
}

// -----------------------------------------------------------------------------
// LabRepository
// -----------------------------------------------------------------------------

type LabRepository interface {
	Create(ctx context.Context, lab *db.Lab) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Lab, error)
	Update(ctx context.Context, lab *db.Lab) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Lab, int64, error)
	ListAll(ctx context.Context) ([]db.Lab, error)
	ListByStates(ctx context.Context, states []string) ([]db.Lab, error)

	// SetState applies the lab state transition rules: state_updated_at is
	// always bumped, and state_error is cleared on entry to any non-error
	// state except "unknown", which preserves the previous error.
	SetState(ctx context.Context, id uuid.UUID, state, stateError string) error

	SetAgent(ctx context.Context, id uuid.UUID, agentID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// TopologyRepository — immutable node/link definitions
// -----------------------------------------------------------------------------

type TopologyRepository interface {
	CreateNode(ctx context.Context, node *db.Node) error
	CreateLink(ctx context.Context, link *db.Link) error
	GetNodeByName(ctx context.Context, labID uuid.UUID, containerName string) (*db.Node, error)
	ListNodesByLab(ctx context.Context, labID uuid.UUID) ([]db.Node, error)
	ListLinksByLab(ctx context.Context, labID uuid.UUID) ([]db.Link, error)

	// DeleteByLab removes all node and link definitions for a lab.
	// Called only on lab deletion — definitions are immutable per import.
	DeleteByLab(ctx context.Context, labID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// StateRepository — runtime node/link state and placements
// -----------------------------------------------------------------------------

type StateRepository interface {
	SaveNodeState(ctx context.Context, state *db.NodeState) error
	GetNodeState(ctx context.Context, labID, nodeID uuid.UUID) (*db.NodeState, error)
	GetNodeStateByName(ctx context.Context, labID uuid.UUID, nodeName string) (*db.NodeState, error)
	ListNodeStatesByLab(ctx context.Context, labID uuid.UUID) ([]db.NodeState, error)
	ListAllNodeStates(ctx context.Context) ([]db.NodeState, error)

	// SetActualState updates actual_state and error_message and maintains
	// the readiness bookkeeping: is_ready and boot_started_at are cleared
	// whenever the node leaves "running".
	SetActualState(ctx context.Context, id uuid.UUID, actual, errorMessage string) error

	SetDesiredState(ctx context.Context, id uuid.UUID, desired string) error
	SetReady(ctx context.Context, id uuid.UUID, ready bool) error
	SetBootStarted(ctx context.Context, id uuid.UUID, at time.Time) error

	SaveLinkState(ctx context.Context, state *db.LinkState) error
	GetLinkState(ctx context.Context, labID uuid.UUID, linkName string) (*db.LinkState, error)
	ListLinkStatesByLab(ctx context.Context, labID uuid.UUID) ([]db.LinkState, error)

	// UpsertPlacement records which agent holds a container, creating the
	// row on first observation and moving host_id if the container migrated.
	// DeleteByLab removes all runtime state rows for a lab: node states,
	// link states and placements.
	DeleteByLab(ctx context.Context, labID uuid.UUID) error

	UpsertPlacement(ctx context.Context, labID uuid.UUID, nodeName string, hostID uuid.UUID, status string) error
	GetPlacement(ctx context.Context, labID uuid.UUID, nodeName string) (*db.NodePlacement, error)
	ListPlacementsByLab(ctx context.Context, labID uuid.UUID) ([]db.NodePlacement, error)
	DeletePlacementsByLab(ctx context.Context, labID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	Update(ctx context.Context, job *db.Job) error
	List(ctx context.Context, opts ListOptions) ([]db.Job, int64, error)

	// CountActiveByUser counts a user's jobs in non-terminal states
	// (queued, running) for the per-user concurrency limit.
	CountActiveByUser(ctx context.Context, userID uuid.UUID) (int64, error)

	ListActive(ctx context.Context) ([]db.Job, error)
	ListActiveByAgent(ctx context.Context, agentID uuid.UUID) ([]db.Job, error)
	ListActiveByLab(ctx context.Context, labID uuid.UUID) ([]db.Job, error)
	CountActiveByAgent(ctx context.Context, agentID uuid.UUID) (int64, error)

	// MarkRunning transitions a queued job to running, recording the agent
	// and start time. Returns ErrInvalidTransition if the job is no longer
	// queued (e.g. it was cancelled while waiting for an agent).
	MarkRunning(ctx context.Context, id uuid.UUID, agentID uuid.UUID, at time.Time) error

	// Complete transitions a job to a terminal status. It is a no-op
	// returning ErrInvalidTransition when the job is already terminal,
	// which is what makes callback handling idempotent.
	Complete(ctx context.Context, id uuid.UUID, status string, at time.Time) error

	AppendLog(ctx context.Context, id uuid.UUID, text string) error
	RecordHeartbeat(ctx context.Context, id uuid.UUID, at time.Time) error
}

// -----------------------------------------------------------------------------
// ImageRepository
// -----------------------------------------------------------------------------

type ImageRepository interface {
	CreateImage(ctx context.Context, image *db.Image) error
	GetImageByReference(ctx context.Context, reference string) (*db.Image, error)
	ListImages(ctx context.Context) ([]db.Image, error)

	UpsertImageHost(ctx context.Context, ih *db.ImageHost) error
	GetImageHost(ctx context.Context, imageID, hostID uuid.UUID) (*db.ImageHost, error)
	ListImageHostsByHost(ctx context.Context, hostID uuid.UUID) ([]db.ImageHost, error)
	SetImageHostStatus(ctx context.Context, imageID, hostID uuid.UUID, status, errorMessage string) error

	CreateSyncJob(ctx context.Context, job *db.ImageSyncJob) error
	GetSyncJob(ctx context.Context, id uuid.UUID) (*db.ImageSyncJob, error)
	UpdateSyncJob(ctx context.Context, job *db.ImageSyncJob) error
	ListActiveSyncJobs(ctx context.Context) ([]db.ImageSyncJob, error)
	CountActiveSyncsByHost(ctx context.Context, hostID uuid.UUID) (int64, error)
}

// -----------------------------------------------------------------------------
// WebhookRepository
// -----------------------------------------------------------------------------

type WebhookRepository interface {
	Create(ctx context.Context, webhook *db.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Webhook, error)
	Update(ctx context.Context, webhook *db.Webhook) error
	Delete(ctx context.Context, id uuid.UUID) error
	ListByOwner(ctx context.Context, ownerID uuid.UUID, opts ListOptions) ([]db.Webhook, int64, error)

	// ListEnabledByOwner returns all enabled webhooks for an owner. Event
	// and lab matching happens in the dispatcher — the events column is a
	// JSON array and not portably queryable across sqlite and postgres.
	ListEnabledByOwner(ctx context.Context, ownerID uuid.UUID) ([]db.Webhook, error)

	CreateDelivery(ctx context.Context, delivery *db.WebhookDelivery) error
	ListDeliveries(ctx context.Context, webhookID uuid.UUID, opts ListOptions) ([]db.WebhookDelivery, int64, error)

	// RecordDeliverySummary updates the webhook's last-delivery fields
	// after each attempt.
	RecordDeliverySummary(ctx context.Context, webhookID uuid.UUID, at time.Time, statusCode int, success bool) error
}

// -----------------------------------------------------------------------------
// AgentUpdateRepository
// -----------------------------------------------------------------------------

type AgentUpdateRepository interface {
	Create(ctx context.Context, job *db.AgentUpdateJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.AgentUpdateJob, error)
	SetStatus(ctx context.Context, id uuid.UUID, status, errorMessage string, completedAt *time.Time) error
}
