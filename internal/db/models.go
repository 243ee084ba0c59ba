package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Agents
// -----------------------------------------------------------------------------

// Agent represents a remote worker process that manages containers on one
// host and exposes an HTTP API the controller calls for deploys, destroys
// and node actions.
//
// Identity is reconciled at registration time: a new registration whose name
// or address matches an existing row updates that row in place instead of
// inserting a duplicate, preserving foreign-key references from labs, jobs
// and placements (see registry.Register).
type Agent struct {
	Base
	Name    string `gorm:"uniqueIndex;not null"`
	Address string `gorm:"not null"` // host:port the controller dials
	Status  string `gorm:"not null;default:'offline'"` // "online" or "offline"
	Version string `gorm:"not null;default:''"`

	// Capabilities is the raw capability payload reported at registration,
	// serialized as JSON: {"providers":[...],"max_concurrent_jobs":4,"features":[...]}.
	// Parsed on demand by agentclient.ParseCapabilities — malformed payloads
	// degrade to an empty capability set rather than failing selection.
	Capabilities string `gorm:"type:text;default:'{}'"`

	// ResourceUsage is the last resource snapshot reported with a heartbeat
	// (JSON: cpu/memory/disk percentages). Display only.
	ResourceUsage string `gorm:"type:text;default:'{}'"`

	LastHeartbeat *time.Time
}

// AgentStatus values.
const (
	AgentOnline  = "online"
	AgentOffline = "offline"
)

// -----------------------------------------------------------------------------
// Labs
// -----------------------------------------------------------------------------

// Lab is a named topology instance owned by a user; the unit of deploy and
// destroy. AgentID records the primary agent for placement affinity — actual
// node placement may span multiple agents and is tracked per container in
// NodePlacement.
type Lab struct {
	Base
	Name     string    `gorm:"not null;index"`
	OwnerID  uuid.UUID `gorm:"type:text;not null;index"`
	Provider string    `gorm:"not null;default:'containerlab'"`

	// State is the aggregated lifecycle state:
	// stopped | starting | running | stopping | error | unknown.
	State          string    `gorm:"not null;default:'stopped'"`
	StateUpdatedAt time.Time `gorm:"not null"`

	// StateError carries the failure detail while State is "error". It is
	// cleared on transition to any non-error state except "unknown", which
	// preserves it so the cause survives until reconciliation settles.
	StateError string `gorm:"type:text;default:''"`

	// AgentID is the primary agent for this lab, nullable until first deploy.
	AgentID *uuid.UUID `gorm:"type:text;index"`

	// TopologyYAML is the imported topology source, kept verbatim so deploys
	// (and deploy retries) can always reconstruct the agent payload.
	TopologyYAML string `gorm:"type:text;default:''"`
}

// Lab state values.
const (
	LabStopped  = "stopped"
	LabStarting = "starting"
	LabRunning  = "running"
	LabStopping = "stopping"
	LabError    = "error"
	LabUnknown  = "unknown"
)

// -----------------------------------------------------------------------------
// Topology definitions
// -----------------------------------------------------------------------------

// Node is the immutable per-import definition of a topology node. Definition
// rows are created by topology import and destroyed only on lab deletion;
// the runtime condition of the corresponding container lives in NodeState.
type Node struct {
	Base
	LabID         uuid.UUID `gorm:"type:text;not null;index:idx_nodes_lab_container,unique"`
	GUIID         string    `gorm:"column:gui_id;not null;default:''"` // stable id used by the topology editor
	DisplayName   string    `gorm:"not null"`
	ContainerName string    `gorm:"not null;index:idx_nodes_lab_container,unique"`
	NodeType      string    `gorm:"not null;default:'node'"` // node | bridge | macvlan | host
	Device        string    `gorm:"not null;default:''"`
	Image         string    `gorm:"not null;default:''"`

	// HostID pins this node to a specific agent when the topology requests
	// explicit placement. Nullable — unpinned nodes follow the lab default.
	HostID *uuid.UUID `gorm:"type:text;index"`

	NetworkMode string `gorm:"not null;default:''"`

	// External-network attachment fields, used when NodeType is bridge,
	// macvlan or host.
	ExternalBridge    string `gorm:"not null;default:''"`
	ExternalInterface string `gorm:"not null;default:''"`

	ConfigJSON string `gorm:"type:text;default:'{}'"`
}

// Link is the immutable per-import definition of a topology edge. LinkName
// is canonical: the two "node:iface" endpoint strings sorted lexicographically
// and joined with "-" (see topology.CanonicalLinkName), which makes link
// identity stable regardless of endpoint order in the source YAML.
type Link struct {
	Base
	LabID           uuid.UUID `gorm:"type:text;not null;index:idx_links_lab_name,unique"`
	LinkName        string    `gorm:"not null;index:idx_links_lab_name,unique"`
	SourceNodeID    uuid.UUID `gorm:"type:text;not null"`
	SourceInterface string    `gorm:"not null"`
	TargetNodeID    uuid.UUID `gorm:"type:text;not null"`
	TargetInterface string    `gorm:"not null"`
	MTU             int       `gorm:"default:0"`
	Bandwidth       int       `gorm:"default:0"`
}

// -----------------------------------------------------------------------------
// Runtime state
// -----------------------------------------------------------------------------

// NodeState is the runtime counterpart of a Node definition. Exactly one
// NodeState exists per (lab, node); it survives redeployments.
type NodeState struct {
	Base
	LabID  uuid.UUID `gorm:"type:text;not null;index:idx_node_states_lab_node,unique"`
	NodeID uuid.UUID `gorm:"type:text;not null;index:idx_node_states_lab_node,unique"`

	// NodeName is the container name, denormalized here so reconciliation can
	// match agent-reported containers without joining the definitions table.
	NodeName string `gorm:"not null;index"`

	DesiredState string `gorm:"not null;default:'stopped'"` // stopped | running
	ActualState  string `gorm:"not null;default:'undeployed'"` // undeployed | pending | running | stopped | error

	// IsReady reports whether the node has completed booting. Set by the
	// readiness polling pass, cleared whenever the node leaves "running".
	IsReady       bool `gorm:"not null;default:false"`
	BootStartedAt *time.Time

	ErrorMessage string `gorm:"type:text;default:''"`
}

// Node actual-state values.
const (
	NodeUndeployed = "undeployed"
	NodePending    = "pending"
	NodeRunning    = "running"
	NodeStopped    = "stopped"
	NodeError      = "error"
)

// Node desired-state values.
const (
	DesiredRunning = "running"
	DesiredStopped = "stopped"
)

// LinkState is the runtime counterpart of a Link definition, derived from the
// NodeStates of its two endpoints by the reconciler. DesiredState is owned by
// the user and never overwritten by reconciliation.
type LinkState struct {
	Base
	LabID    uuid.UUID `gorm:"type:text;not null;index:idx_link_states_lab_name,unique"`
	LinkName string    `gorm:"not null;index:idx_link_states_lab_name,unique"`

	SourceNode      string `gorm:"not null"`
	SourceInterface string `gorm:"not null"`
	TargetNode      string `gorm:"not null"`
	TargetInterface string `gorm:"not null"`

	DesiredState string `gorm:"not null;default:'up'"`      // up | down
	ActualState  string `gorm:"not null;default:'unknown'"` // unknown | up | down | error
	ErrorMessage string `gorm:"type:text;default:''"`
}

// Link actual-state values.
const (
	LinkUnknown = "unknown"
	LinkUp      = "up"
	LinkDown    = "down"
	LinkError   = "error"
)

// NodePlacement records which agent currently hosts a given container.
// Updated by the reconciler whenever a container is observed on an agent
// different from the recorded one, and consulted by the selector to keep
// placement sticky across redeploys.
type NodePlacement struct {
	Base
	LabID    uuid.UUID `gorm:"type:text;not null;index:idx_placements_lab_node,unique"`
	NodeName string    `gorm:"not null;index:idx_placements_lab_node,unique"`
	HostID   uuid.UUID `gorm:"type:text;not null;index"`
	Status   string    `gorm:"not null;default:''"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job represents one unit of orchestration work tied to a lab and an action.
// Jobs are append-only: nothing mutates a job after it reaches a terminal
// status (completed, failed, cancelled). Retries create a new row with
// RetryCount incremented rather than reusing the failed one.
//
// Action is a small language: "up", "down", "node:start:<name>",
// "node:stop:<name>", "sync:node:<id>", "sync:lab".
type Job struct {
	Base
	LabID  *uuid.UUID `gorm:"type:text;index"`
	UserID *uuid.UUID `gorm:"type:text;index"`
	Action string     `gorm:"not null"`
	Status string     `gorm:"not null;default:'queued';index"` // queued | running | completed | failed | cancelled

	AgentID     *uuid.UUID `gorm:"type:text;index"`
	StartedAt   *time.Time
	CompletedAt *time.Time

	// LastHeartbeat is the most recent proof of life from the executing
	// agent. A recent heartbeat overrides the per-action timeout when
	// deciding whether the job is stuck.
	LastHeartbeat *time.Time

	RetryCount int `gorm:"not null;default:0"`

	// LogContent is the human-readable job log: a structured prefix
	// ("ERROR: ...", "Details: ...") followed by captured stdout/stderr.
	LogContent string `gorm:"type:text;default:''"`
}

// Job status values.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// -----------------------------------------------------------------------------
// Images
// -----------------------------------------------------------------------------

// Image is a manifest entry for a container image the platform can sync to
// agents. Reference is the full pullable reference (registry/name:tag).
type Image struct {
	Base
	Reference string `gorm:"uniqueIndex;not null"`
	SizeBytes int64  `gorm:"default:0"`
}

// ImageHost tracks the presence of one image on one agent.
// Uniqueness: (image_id, host_id).
type ImageHost struct {
	Base
	ImageID   uuid.UUID `gorm:"type:text;not null;index:idx_image_hosts,unique"`
	HostID    uuid.UUID `gorm:"type:text;not null;index:idx_image_hosts,unique"`
	Reference string    `gorm:"not null"`
	Status    string    `gorm:"not null;default:'unknown'"` // unknown | syncing | synced | missing | failed
	SyncedAt  *time.Time
	ErrorMessage string `gorm:"type:text;default:''"`
}

// ImageHost status values.
const (
	ImageHostUnknown = "unknown"
	ImageHostSyncing = "syncing"
	ImageHostSynced  = "synced"
	ImageHostMissing = "missing"
	ImageHostFailed  = "failed"
)

// ImageSyncJob tracks one in-flight transfer of an image to an agent.
// Lifecycle: pending -> transferring -> loading -> completed | failed.
type ImageSyncJob struct {
	Base
	ImageID          uuid.UUID `gorm:"type:text;not null;index"`
	HostID           uuid.UUID `gorm:"type:text;not null;index"`
	Status           string    `gorm:"not null;default:'pending'"`
	BytesTransferred int64     `gorm:"default:0"`
	TotalBytes       int64     `gorm:"default:0"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ErrorMessage     string `gorm:"type:text;default:''"`
}

// ImageSyncJob status values.
const (
	SyncPending      = "pending"
	SyncTransferring = "transferring"
	SyncLoading      = "loading"
	SyncCompleted    = "completed"
	SyncFailed       = "failed"
)

// -----------------------------------------------------------------------------
// Webhooks
// -----------------------------------------------------------------------------

// Webhook is a user-registered subscription to lifecycle events. Events is a
// JSON array of event names ("lab.deploy_complete", "job.failed", ...).
// A nil LabID subscribes to events from all labs owned by the owner.
type Webhook struct {
	Base
	OwnerID uuid.UUID  `gorm:"type:text;not null;index"`
	LabID   *uuid.UUID `gorm:"type:text;index"`
	URL     string     `gorm:"not null"`
	Secret  string     `gorm:"not null;default:''"`
	Events  string     `gorm:"type:text;not null;default:'[]'"`

	// CustomHeaders is a JSON object merged on top of the standard delivery
	// headers, letting subscribers add auth tokens for their receiver.
	CustomHeaders string `gorm:"type:text;default:'{}'"`
	Enabled       bool   `gorm:"not null;default:true"`

	// Last-delivery summary, updated after every attempt.
	LastDeliveryAt     *time.Time
	LastDeliveryStatus int  `gorm:"default:0"`
	LastDeliveryOK     bool `gorm:"default:false"`
}

// WebhookDelivery is the per-attempt audit row for a webhook delivery.
type WebhookDelivery struct {
	Base
	WebhookID  uuid.UUID `gorm:"type:text;not null;index"`
	EventID    uuid.UUID `gorm:"type:text;not null;index"`
	Event      string    `gorm:"not null"`
	StatusCode int       `gorm:"default:0"`
	Error      string    `gorm:"type:text;default:''"`
	DurationMS int64     `gorm:"default:0"`
	Success    bool      `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// Agent updates
// -----------------------------------------------------------------------------

// AgentUpdateJob tracks a controller-driven software update of one agent.
// The agent reports progress through the update callback endpoint.
type AgentUpdateJob struct {
	Base
	AgentID       uuid.UUID `gorm:"type:text;not null;index"`
	TargetVersion string    `gorm:"not null"`
	Status        string    `gorm:"not null;default:'pending'"` // pending | running | completed | failed
	ErrorMessage  string    `gorm:"type:text;default:''"`
	CompletedAt   *time.Time
}
