// Package imagesync keeps container images present on the agents that need
// them: pre-deploy presence checks, push-on-upload, pull-on-registration and
// periodic inventory reconciliation. Every transfer is tracked as an
// ImageSyncJob row with a pending → transferring → loading → completed|failed
// lifecycle.
package imagesync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/agentclient"
	"github.com/labmesh-io/labmesh/internal/config"
	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/metrics"
	"github.com/labmesh-io/labmesh/internal/repositories"
)

// Sync strategies. An agent advertises its strategy as a capability feature
// ("image_sync:push" etc.); agents advertising none use the configured
// fallback.
const (
	StrategyPush     = "push"
	StrategyPull     = "pull"
	StrategyOnDemand = "on_demand"
	StrategyDisabled = "disabled"
)

// ErrSyncBusy is returned when a host is already at its concurrent-sync cap.
var ErrSyncBusy = errors.New("imagesync: host at concurrent sync limit")

// ImageSource provides image content for push-strategy transfers, typically
// backed by the controller's image store.
type ImageSource interface {
	Open(ctx context.Context, reference string) (io.ReadCloser, int64, error)
}

type Manager struct {
	images repositories.ImageRepository
	agents repositories.AgentRepository
	client agentclient.Caller
	source ImageSource // nil disables the push strategy
	cfg    config.ImageSyncConfig
	log    *zap.Logger

	now func() time.Time
}

func New(
	images repositories.ImageRepository,
	agents repositories.AgentRepository,
	client agentclient.Caller,
	source ImageSource,
	cfg config.ImageSyncConfig,
	log *zap.Logger,
) *Manager {
	return &Manager{
		images: images, agents: agents, client: client, source: source,
		cfg: cfg, log: log.Named("imagesync"),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// strategyFor returns the agent's sync strategy: an advertised
// "image_sync:<strategy>" feature wins, else the configured fallback.
func (m *Manager) strategyFor(agent *db.Agent) string {
	caps := agentclient.ParseCapabilities(agent.Capabilities)
	for _, s := range []string{StrategyPush, StrategyPull, StrategyOnDemand, StrategyDisabled} {
		if caps.HasFeature("image_sync:" + s) {
			return s
		}
	}
	return m.cfg.FallbackStrategy
}

// PreDeployCheck verifies every referenced image is present on the agent
// before a deploy, syncing the missing ones when the agent's strategy allows.
// Returns an error naming the images that could not be made available.
func (m *Manager) PreDeployCheck(ctx context.Context, agent *db.Agent, references []string) error {
	if !m.cfg.Enabled || !m.cfg.PreDeployCheck {
		return nil
	}

	missing, err := m.missingImages(ctx, agent, references)
	if err != nil {
		return err
	}
	if len(missing) == 0 {
		return nil
	}

	if m.strategyFor(agent) == StrategyDisabled {
		return fmt.Errorf("imagesync: images missing on %s: %s",
			agent.Name, strings.Join(missing, ", "))
	}

	syncCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	if _, err := m.SyncImages(syncCtx, agent, missing); err != nil {
		m.log.Warn("pre-deploy sync incomplete",
			zap.String("agent", agent.Name), zap.Error(err))
	}

	still, err := m.missingImages(ctx, agent, missing)
	if err != nil {
		return err
	}
	if len(still) > 0 {
		return fmt.Errorf("imagesync: images missing on %s after sync: %s",
			agent.Name, strings.Join(still, ", "))
	}
	return nil
}

func (m *Manager) missingImages(ctx context.Context, agent *db.Agent, references []string) ([]string, error) {
	var missing []string
	for _, ref := range references {
		present, err := m.client.CheckImage(ctx, agent, ref)
		if err != nil {
			return nil, fmt.Errorf("imagesync: check %s on %s: %w", ref, agent.Name, err)
		}
		if !present {
			missing = append(missing, ref)
		}
	}
	sort.Strings(missing)
	return missing, nil
}

// SyncImages transfers the given images to the agent, one tracked sync job
// each. The returned output summarizes per-image outcomes; the error is
// non-nil when any image failed.
func (m *Manager) SyncImages(ctx context.Context, agent *db.Agent, references []string) (string, error) {
	var (
		out    strings.Builder
		failed []string
	)
	for _, ref := range references {
		if err := m.syncOne(ctx, agent, ref); err != nil {
			failed = append(failed, ref)
			fmt.Fprintf(&out, "sync %s to %s: FAILED: %v\n", ref, agent.Name, err)
			continue
		}
		fmt.Fprintf(&out, "sync %s to %s: ok\n", ref, agent.Name)
	}
	if len(failed) > 0 {
		return out.String(), fmt.Errorf("imagesync: %d of %d images failed: %s",
			len(failed), len(references), strings.Join(failed, ", "))
	}
	return out.String(), nil
}

// syncOne runs one image transfer end to end, maintaining the sync-job row
// and the ImageHost status.
func (m *Manager) syncOne(ctx context.Context, agent *db.Agent, reference string) error {
	image, err := m.images.GetImageByReference(ctx, reference)
	if err != nil {
		// Not in the manifest: the agent may still be able to pull it
		// directly from its registry.
		return m.client.PullImage(ctx, agent, reference)
	}

	active, err := m.images.CountActiveSyncsByHost(ctx, agent.ID)
	if err != nil {
		return fmt.Errorf("imagesync: count active syncs: %w", err)
	}
	if active >= int64(m.cfg.MaxConcurrent) {
		return ErrSyncBusy
	}

	job := &db.ImageSyncJob{
		ImageID: image.ID, HostID: agent.ID,
		Status: db.SyncPending, TotalBytes: image.SizeBytes,
	}
	if err := m.images.CreateSyncJob(ctx, job); err != nil {
		return fmt.Errorf("imagesync: create sync job: %w", err)
	}
	_ = m.images.UpsertImageHost(ctx, &db.ImageHost{
		ImageID: image.ID, HostID: agent.ID,
		Reference: reference, Status: db.ImageHostSyncing,
	})

	if err := m.transfer(ctx, agent, image, job); err != nil {
		now := m.now()
		job.Status = db.SyncFailed
		job.ErrorMessage = err.Error()
		job.CompletedAt = &now
		_ = m.images.UpdateSyncJob(ctx, job)
		_ = m.images.SetImageHostStatus(ctx, image.ID, agent.ID, db.ImageHostFailed, err.Error())
		metrics.ImageSyncs.WithLabelValues(m.strategyFor(agent), "failure").Inc()
		return err
	}

	now := m.now()
	job.Status = db.SyncCompleted
	job.BytesTransferred = job.TotalBytes
	job.CompletedAt = &now
	_ = m.images.UpdateSyncJob(ctx, job)
	_ = m.images.SetImageHostStatus(ctx, image.ID, agent.ID, db.ImageHostSynced, "")
	metrics.ImageSyncs.WithLabelValues(m.strategyFor(agent), "success").Inc()
	m.log.Info("image synced",
		zap.String("image", reference),
		zap.String("agent", agent.Name))
	return nil
}

func (m *Manager) transfer(ctx context.Context, agent *db.Agent, image *db.Image, job *db.ImageSyncJob) error {
	started := m.now()
	job.Status = db.SyncTransferring
	job.StartedAt = &started
	if err := m.images.UpdateSyncJob(ctx, job); err != nil {
		return fmt.Errorf("imagesync: update sync job: %w", err)
	}

	if m.strategyFor(agent) == StrategyPush && m.source != nil {
		rc, size, err := m.source.Open(ctx, image.Reference)
		if err != nil {
			return fmt.Errorf("imagesync: open %s: %w", image.Reference, err)
		}
		defer rc.Close()
		if err := m.client.PushImage(ctx, agent, image.Reference, rc, size); err != nil {
			return err
		}
		// The agent loads the pushed archive into its runtime.
		job.Status = db.SyncLoading
		return m.images.UpdateSyncJob(ctx, job)
	}

	return m.client.PullImage(ctx, agent, image.Reference)
}

// PushOnUpload distributes a newly uploaded manifest image to every online
// agent with the push strategy.
func (m *Manager) PushOnUpload(ctx context.Context, image *db.Image) {
	if !m.cfg.Enabled {
		return
	}
	agents, err := m.agents.ListOnline(ctx)
	if err != nil {
		m.log.Error("push on upload: list agents failed", zap.Error(err))
		return
	}
	for i := range agents {
		agent := &agents[i]
		if m.strategyFor(agent) != StrategyPush {
			continue
		}
		if err := m.syncOne(ctx, agent, image.Reference); err != nil {
			m.log.Warn("push on upload failed",
				zap.String("image", image.Reference),
				zap.String("agent", agent.Name),
				zap.Error(err))
		}
	}
}

// PullOnRegistration brings a freshly registered pull-strategy agent up to
// date with the manifest: reconcile its inventory, then sync whatever is
// missing.
func (m *Manager) PullOnRegistration(ctx context.Context, agent *db.Agent) {
	if !m.cfg.Enabled || m.strategyFor(agent) != StrategyPull {
		return
	}
	if err := m.ReconcileInventory(ctx, agent); err != nil {
		m.log.Warn("registration inventory reconcile failed",
			zap.String("agent", agent.Name), zap.Error(err))
		return
	}
	hosts, err := m.images.ListImageHostsByHost(ctx, agent.ID)
	if err != nil {
		m.log.Warn("image host listing failed", zap.Error(err))
		return
	}
	for _, ih := range hosts {
		if ih.Status == db.ImageHostSynced {
			continue
		}
		if err := m.syncOne(ctx, agent, ih.Reference); err != nil {
			m.log.Warn("registration sync failed",
				zap.String("image", ih.Reference),
				zap.String("agent", agent.Name),
				zap.Error(err))
		}
	}
}

// ReconcileInventory polls the agent's local image inventory and updates the
// ImageHost rows for every manifest entry to synced or missing.
func (m *Manager) ReconcileInventory(ctx context.Context, agent *db.Agent) error {
	inventory, err := m.client.GetImageInventory(ctx, agent)
	if err != nil {
		return fmt.Errorf("imagesync: inventory of %s: %w", agent.Name, err)
	}
	present := map[string]bool{}
	for _, info := range inventory {
		present[info.Reference] = true
	}

	manifest, err := m.images.ListImages(ctx)
	if err != nil {
		return fmt.Errorf("imagesync: list manifest: %w", err)
	}
	now := m.now()
	for _, image := range manifest {
		status := db.ImageHostMissing
		var syncedAt *time.Time
		if present[image.Reference] {
			status = db.ImageHostSynced
			syncedAt = &now
		}
		ih := &db.ImageHost{
			ImageID: image.ID, HostID: agent.ID,
			Reference: image.Reference, Status: status, SyncedAt: syncedAt,
		}
		if err := m.images.UpsertImageHost(ctx, ih); err != nil {
			m.log.Warn("image host upsert failed",
				zap.String("image", image.Reference), zap.Error(err))
		}
	}
	return nil
}

// ReconcileAll reconciles inventories across every online agent. Scheduled
// periodically from cmd/controller.
func (m *Manager) ReconcileAll(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}
	agents, err := m.agents.ListOnline(ctx)
	if err != nil {
		m.log.Error("inventory reconcile: list agents failed", zap.Error(err))
		return
	}
	for i := range agents {
		if err := m.ReconcileInventory(ctx, &agents[i]); err != nil {
			m.log.Debug("inventory reconcile failed",
				zap.String("agent", agents[i].Name), zap.Error(err))
		}
	}
}
