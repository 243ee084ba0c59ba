// Package config defines every tunable of the labmesh controller in one
// place. Each recognized option has an explicit effect; defaults match the
// values the orchestration loops are designed around, so a zero-config
// controller behaves sensibly on a single box.
package config

import "time"

// Config carries all controller settings. Populated in cmd/controller from
// flags and environment variables; components receive either the whole
// struct or the sub-struct they care about.
type Config struct {
	// HTTPAddr is the controller API listen address.
	HTTPAddr string

	// DBDriver is "sqlite" or "postgres"; DBDSN is the matching DSN.
	DBDriver string
	DBDSN    string

	// RedisAddr is the address of the key-value store holding enforcement
	// cooldown keys. Empty means an in-process TTL map is used instead —
	// acceptable for development, but cooldowns then do not survive
	// controller restarts.
	RedisAddr string

	// AgentToken, when non-empty, must be presented by agents at
	// registration. Authentication of users is handled outside this core.
	AgentToken string

	LogLevel string

	Agent       AgentConfig
	Jobs        JobConfig
	Reconcile   ReconcileConfig
	Enforcement EnforcementConfig
	ImageSync   ImageSyncConfig
}

// AgentConfig controls outbound HTTP to agents and registry staleness.
type AgentConfig struct {
	// Per-call deadlines for each remote operation class.
	DeployTimeout      time.Duration
	DestroyTimeout     time.Duration
	NodeActionTimeout  time.Duration
	StatusTimeout      time.Duration
	HealthCheckTimeout time.Duration

	// Transient-error retry wrapper: exponential backoff from BackoffBase,
	// capped at BackoffMax, at most MaxRetries attempts.
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// HealthCheckInterval is the registry staleness sweep cadence;
	// StaleTimeout is how long an agent may go without a heartbeat before
	// being marked offline.
	HealthCheckInterval time.Duration
	StaleTimeout        time.Duration
}

// JobConfig controls the job engine and health monitor.
type JobConfig struct {
	MaxConcurrentPerUser int

	// HealthCheckInterval is the monitor tick; MaxRetries bounds
	// retry-with-failover per logical job.
	HealthCheckInterval time.Duration
	MaxRetries          int

	// Per-action execution timeouts used by the stuck-job predicate.
	DeployTimeout  time.Duration
	DestroyTimeout time.Duration
	SyncTimeout    time.Duration
	NodeTimeout    time.Duration

	// StuckGracePeriod is added to the action timeout before the reconciler
	// treats an active job as no longer blocking reconciliation.
	StuckGracePeriod time.Duration

	// QueuedTimeout is how long a job may sit queued without an agent
	// before it is considered orphaned.
	QueuedTimeout time.Duration

	// HeartbeatGrace is the proof-of-life window: a job whose agent
	// heartbeated within this window is never considered stuck.
	HeartbeatGrace time.Duration
}

// ReconcileConfig controls the periodic reconciliation loop.
type ReconcileConfig struct {
	Interval time.Duration

	// StalePendingThreshold flags labs with nodes sitting in "pending";
	// StaleStartingThreshold flags labs stuck in "starting"/"stopping".
	StalePendingThreshold  time.Duration
	StaleStartingThreshold time.Duration
}

// EnforcementConfig controls the desired-state enforcement loop.
type EnforcementConfig struct {
	Enabled  bool
	Interval time.Duration

	// Cooldown is the TTL of the per-(lab, node) key set before each
	// corrective job, preventing retry storms when an action keeps failing.
	Cooldown time.Duration
}

// ImageSyncConfig controls pre-deploy image checks and sync jobs.
type ImageSyncConfig struct {
	Enabled          bool
	FallbackStrategy string // "push", "pull", "on_demand" or "disabled"
	PreDeployCheck   bool
	Timeout          time.Duration
	MaxConcurrent    int
	ChunkSize        int64
	PendingTimeout   time.Duration
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		DBDriver: "sqlite",
		DBDSN:    "./labmesh.db",
		LogLevel: "info",
		Agent: AgentConfig{
			DeployTimeout:       900 * time.Second,
			DestroyTimeout:      300 * time.Second,
			NodeActionTimeout:   60 * time.Second,
			StatusTimeout:       30 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
			MaxRetries:          3,
			BackoffBase:         1 * time.Second,
			BackoffMax:          10 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			StaleTimeout:        90 * time.Second,
		},
		Jobs: JobConfig{
			MaxConcurrentPerUser: 5,
			HealthCheckInterval:  30 * time.Second,
			MaxRetries:           2,
			DeployTimeout:        20 * time.Minute,
			DestroyTimeout:       10 * time.Minute,
			SyncTimeout:          10 * time.Minute,
			NodeTimeout:          5 * time.Minute,
			StuckGracePeriod:     2 * time.Minute,
			QueuedTimeout:        2 * time.Minute,
			HeartbeatGrace:       60 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:               30 * time.Second,
			StalePendingThreshold:  10 * time.Minute,
			StaleStartingThreshold: 10 * time.Minute,
		},
		Enforcement: EnforcementConfig{
			Enabled:  true,
			Interval: 60 * time.Second,
			Cooldown: 5 * time.Minute,
		},
		ImageSync: ImageSyncConfig{
			Enabled:          true,
			FallbackStrategy: "on_demand",
			PreDeployCheck:   true,
			Timeout:          10 * time.Minute,
			MaxConcurrent:    2,
			ChunkSize:        32 << 20,
			PendingTimeout:   5 * time.Minute,
		},
	}
}

// JobTimeout returns the execution timeout for a job action class.
// Action classes follow the job action language: "up" is a deploy, "down"
// a destroy, "sync:*" an image sync and "node:*" a node action.
func (c JobConfig) JobTimeout(action string) time.Duration {
	switch {
	case action == "up":
		return c.DeployTimeout
	case action == "down":
		return c.DestroyTimeout
	case len(action) >= 4 && action[:4] == "sync":
		return c.SyncTimeout
	default:
		return c.NodeTimeout
	}
}
