// Package jobengine runs the job lifecycle: enqueue with per-user limits,
// agent selection, dispatch through the agent client, state transitions on
// labs and nodes, idempotent completion callbacks, and retry with failover.
//
// Jobs are append-only. A job that reaches a terminal status is never
// mutated again; retries create a new row with retry_count incremented.
package jobengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labmesh-io/labmesh/internal/agentclient"
	"github.com/labmesh-io/labmesh/internal/config"
	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/events"
	"github.com/labmesh-io/labmesh/internal/metrics"
	"github.com/labmesh-io/labmesh/internal/repositories"
	"github.com/labmesh-io/labmesh/internal/selector"
	"github.com/labmesh-io/labmesh/internal/topology"
)

// ErrConcurrencyLimit is returned by Enqueue when the user already has the
// maximum number of non-terminal jobs.
var ErrConcurrencyLimit = errors.New("per-user concurrent job limit reached")

// MultiHostDeployer dispatches deploys and destroys that span agents.
// Implemented by multihost.Deployer.
type MultiHostDeployer interface {
	Deploy(ctx context.Context, job *db.Job, lab *db.Lab, graph *topology.Graph, analysis *topology.Analysis) (string, error)
	Destroy(ctx context.Context, job *db.Job, lab *db.Lab) (string, error)
}

// ImageSyncer performs image presence checks and sync runs for jobs.
// Implemented by imagesync.Manager; nil disables both.
type ImageSyncer interface {
	PreDeployCheck(ctx context.Context, agent *db.Agent, references []string) error
	SyncImages(ctx context.Context, agent *db.Agent, references []string) (string, error)
}

// Engine is the job lifecycle engine.
type Engine struct {
	labs   repositories.LabRepository
	jobs   repositories.JobRepository
	agents repositories.AgentRepository
	topo   repositories.TopologyRepository
	states repositories.StateRepository

	sel       *selector.Selector
	client    agentclient.Caller
	multihost MultiHostDeployer
	images    ImageSyncer
	pub       events.Publisher

	cfg config.JobConfig
	log *zap.Logger

	wg sync.WaitGroup
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Labs      repositories.LabRepository
	Jobs      repositories.JobRepository
	Agents    repositories.AgentRepository
	Topology  repositories.TopologyRepository
	States    repositories.StateRepository
	Selector  *selector.Selector
	Client    agentclient.Caller
	MultiHost MultiHostDeployer
	Images    ImageSyncer
	Publisher events.Publisher
}

// New creates an Engine.
func New(deps Deps, cfg config.JobConfig, log *zap.Logger) *Engine {
	pub := deps.Publisher
	if pub == nil {
		pub = events.Discard{}
	}
	return &Engine{
		labs:      deps.Labs,
		jobs:      deps.Jobs,
		agents:    deps.Agents,
		topo:      deps.Topology,
		states:    deps.States,
		sel:       deps.Selector,
		client:    deps.Client,
		multihost: deps.MultiHost,
		images:    deps.Images,
		pub:       pub,
		cfg:       cfg,
		log:       log.Named("jobengine"),
	}
}

// Enqueue creates a job and starts its background execution. Returns
// ErrConcurrencyLimit when the user is at their active-job cap.
func (e *Engine) Enqueue(ctx context.Context, labID uuid.UUID, action string, userID *uuid.UUID) (*db.Job, error) {
	if _, err := ParseAction(action); err != nil {
		return nil, err
	}

	if userID != nil {
		active, err := e.jobs.CountActiveByUser(ctx, *userID)
		if err != nil {
			return nil, fmt.Errorf("jobengine: enqueue: %w", err)
		}
		if active >= int64(e.cfg.MaxConcurrentPerUser) {
			return nil, ErrConcurrencyLimit
		}
	}

	job := &db.Job{LabID: &labID, UserID: userID, Action: action, Status: db.JobQueued}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("jobengine: enqueue: %w", err)
	}

	e.start(job.ID, nil)
	return job, nil
}

// EnqueueSystem creates a job on behalf of a controller loop (no user, no
// concurrency limit).
func (e *Engine) EnqueueSystem(ctx context.Context, labID uuid.UUID, action string) (*db.Job, error) {
	if _, err := ParseAction(action); err != nil {
		return nil, err
	}
	job := &db.Job{LabID: &labID, Action: action, Status: db.JobQueued}
	if err := e.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("jobengine: enqueue system: %w", err)
	}
	e.start(job.ID, nil)
	return job, nil
}

// Restart enqueues a down job and, once it terminates, an up job. The up
// only proceeds when the down completed — serial ordering within one lab.
func (e *Engine) Restart(ctx context.Context, labID uuid.UUID, userID *uuid.UUID) (*db.Job, error) {
	if userID != nil {
		active, err := e.jobs.CountActiveByUser(ctx, *userID)
		if err != nil {
			return nil, fmt.Errorf("jobengine: restart: %w", err)
		}
		// The restart occupies two job slots back to back.
		if active+2 > int64(e.cfg.MaxConcurrentPerUser) {
			return nil, ErrConcurrencyLimit
		}
	}

	down := &db.Job{LabID: &labID, UserID: userID, Action: "down", Status: db.JobQueued}
	if err := e.jobs.Create(ctx, down); err != nil {
		return nil, fmt.Errorf("jobengine: restart: %w", err)
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runJob(down.ID, nil)

		final, err := e.jobs.GetByID(context.Background(), down.ID)
		if err != nil || final.Status != db.JobCompleted {
			e.log.Warn("restart aborted, down phase did not complete",
				zap.String("lab_id", labID.String()),
				zap.String("down_job_id", down.ID.String()))
			return
		}

		up := &db.Job{LabID: &labID, UserID: userID, Action: "up", Status: db.JobQueued}
		if err := e.jobs.Create(context.Background(), up); err != nil {
			e.log.Error("restart up phase enqueue failed", zap.Error(err))
			return
		}
		e.runJob(up.ID, nil)
	}()
	return down, nil
}

// Cancel marks an active job cancelled and notifies the agent best-effort.
// The lab goes to unknown; reconciliation rediscovers the truth.
func (e *Engine) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := e.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	if err := e.jobs.Complete(ctx, jobID, db.JobCancelled, time.Now().UTC()); err != nil {
		return err
	}
	_ = e.jobs.AppendLog(ctx, jobID, "Cancelled by user request\n")

	if job.LabID != nil {
		if err := e.labs.SetState(ctx, *job.LabID, db.LabUnknown, ""); err != nil {
			e.log.Warn("cancel: lab state update failed", zap.Error(err))
		}
	}

	// Fire-and-forget: the in-flight agent operation continues until it
	// returns; a late completion callback is ignored idempotently.
	if job.AgentID != nil {
		agentID := *job.AgentID
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			agent, err := e.agents.GetByID(ctx, agentID)
			if err != nil {
				return
			}
			if err := e.client.CancelJob(ctx, agent, jobID); err != nil {
				e.log.Debug("cancel notification failed", zap.Error(err))
			}
		}()
	}
	return nil
}

// Wait blocks until all background job tasks have finished.
func (e *Engine) Wait() { e.wg.Wait() }

// start launches the background execution task for a job.
func (e *Engine) start(jobID uuid.UUID, exclude []uuid.UUID) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runJob(jobID, exclude)
	}()
}

// runJob drives one job from queued to a terminal status. exclude carries
// agent ids a retry must avoid.
func (e *Engine) runJob(jobID uuid.UUID, exclude []uuid.UUID) {
	bg := context.Background()

	job, err := e.jobs.GetByID(bg, jobID)
	if err != nil {
		e.log.Error("job vanished before execution", zap.String("job_id", jobID.String()), zap.Error(err))
		return
	}
	act, err := ParseAction(job.Action)
	if err != nil {
		e.failJob(bg, job, nil, "invalid action: "+err.Error())
		return
	}
	if job.LabID == nil {
		e.failJob(bg, job, nil, "job has no lab")
		return
	}
	lab, err := e.labs.GetByID(bg, *job.LabID)
	if err != nil {
		e.failJob(bg, job, nil, "lab not found: "+err.Error())
		return
	}

	agent, err := e.sel.SelectForLab(bg, lab, selector.Criteria{ExcludeAgentIDs: exclude})
	if err != nil {
		if errors.Is(err, selector.ErrNoAgent) {
			e.failJob(bg, job, lab, "no eligible agent available")
		} else {
			e.failJob(bg, job, lab, "agent selection failed: "+err.Error())
		}
		return
	}

	if err := e.jobs.MarkRunning(bg, job.ID, agent.ID, time.Now().UTC()); err != nil {
		// Cancelled while queued. Nothing to undo.
		e.log.Info("job no longer queued, skipping execution",
			zap.String("job_id", job.ID.String()))
		return
	}
	job.AgentID = &agent.ID

	switch act.Kind {
	case KindUp:
		if err := e.labs.SetState(bg, lab.ID, db.LabStarting, ""); err != nil {
			e.log.Warn("lab state update failed", zap.Error(err))
		}
		e.publishLab(bg, events.LabDeployStarted, lab, job)
	case KindDown:
		if err := e.labs.SetState(bg, lab.ID, db.LabStopping, ""); err != nil {
			e.log.Warn("lab state update failed", zap.Error(err))
		}
	}

	ctx, cancel := context.WithTimeout(bg, e.cfg.JobTimeout(job.Action))
	defer cancel()

	var (
		logText  string
		accepted bool
		runErr   error
	)
	switch act.Kind {
	case KindUp:
		logText, accepted, runErr = e.runDeploy(ctx, job, lab, agent)
	case KindDown:
		logText, accepted, runErr = e.runDestroy(ctx, job, lab, agent)
	case KindNodeStart, KindNodeStop:
		logText, accepted, runErr = e.runNodeAction(ctx, job, lab, agent, act)
	case KindSyncNode, KindSyncLab:
		logText, runErr = e.runSync(ctx, job, lab, agent, act)
	}

	if logText != "" {
		_ = e.jobs.AppendLog(bg, job.ID, logText)
	}
	if runErr != nil {
		e.handleRunError(bg, job, lab, act, agent, runErr)
		return
	}
	if accepted {
		// Agent took the work asynchronously; the outcome arrives through
		// the job callback. The job stays running until then.
		_ = e.jobs.AppendLog(bg, job.ID, "Accepted by agent, awaiting completion callback\n")
		return
	}

	e.completeJob(bg, job, lab, act)
}

// runDeploy dispatches an up job: single-host directly, multi-host through
// the deployer.
func (e *Engine) runDeploy(ctx context.Context, job *db.Job, lab *db.Lab, agent *db.Agent) (string, bool, error) {
	if lab.TopologyYAML == "" {
		return "", false, errors.New("lab has no topology")
	}
	graph, err := topology.Parse(lab.TopologyYAML)
	if err != nil {
		return "", false, err
	}

	analysis := topology.Analyze(graph, agent.Name)
	if !analysis.SingleHost {
		if e.multihost == nil {
			return "", false, errors.New("multi-host topology but multi-host deploys are not configured")
		}
		logText, err := e.multihost.Deploy(ctx, job, lab, graph, analysis)
		return logText, false, err
	}

	if e.images != nil {
		if err := e.images.PreDeployCheck(ctx, agent, graph.ImageReferences()); err != nil {
			return "", false, err
		}
	}

	if err := e.labs.SetAgent(ctx, lab.ID, agent.ID); err != nil {
		e.log.Warn("lab agent binding failed", zap.Error(err))
	}

	result, err := e.client.Deploy(ctx, agent, agentclient.DeployRequest{
		JobID:        job.ID,
		LabID:        lab.ID,
		TopologyYAML: lab.TopologyYAML,
		Provider:     lab.Provider,
	})
	if err != nil {
		return "", false, err
	}
	return joinOutput(result), result.Accepted, nil
}

func (e *Engine) runDestroy(ctx context.Context, job *db.Job, lab *db.Lab, agent *db.Agent) (string, bool, error) {
	placements, err := e.states.ListPlacementsByLab(ctx, lab.ID)
	if err == nil && spansMultipleHosts(placements) && e.multihost != nil {
		logText, err := e.multihost.Destroy(ctx, job, lab)
		return logText, false, err
	}

	result, err := e.client.Destroy(ctx, agent, job.ID, lab.ID)
	if err != nil {
		return "", false, err
	}
	return joinOutput(result), result.Accepted, nil
}

func (e *Engine) runNodeAction(ctx context.Context, job *db.Job, lab *db.Lab, agent *db.Agent, act Action) (string, bool, error) {
	verb := "start"
	if act.Kind == KindNodeStop {
		verb = "stop"
	}
	result, err := e.client.NodeAction(ctx, agent, job.ID, lab.ID, act.NodeName, verb)
	if err != nil {
		return "", false, err
	}
	return joinOutput(result), result.Accepted, nil
}

func (e *Engine) runSync(ctx context.Context, job *db.Job, lab *db.Lab, agent *db.Agent, act Action) (string, error) {
	if e.images == nil {
		return "", errors.New("image sync is disabled")
	}

	var refs []string
	switch act.Kind {
	case KindSyncLab:
		if lab.TopologyYAML == "" {
			return "", errors.New("lab has no topology")
		}
		graph, err := topology.Parse(lab.TopologyYAML)
		if err != nil {
			return "", err
		}
		refs = graph.ImageReferences()
	case KindSyncNode:
		nodes, err := e.topo.ListNodesByLab(ctx, lab.ID)
		if err != nil {
			return "", err
		}
		for _, n := range nodes {
			if n.ID == act.NodeID && n.Image != "" {
				refs = []string{n.Image}
			}
		}
		if refs == nil {
			return "", fmt.Errorf("node %s not found or has no image", act.NodeID)
		}
	}
	return e.images.SyncImages(ctx, agent, refs)
}

// completeJob applies the success transitions for a finished job.
func (e *Engine) completeJob(ctx context.Context, job *db.Job, lab *db.Lab, act Action) {
	if err := e.jobs.Complete(ctx, job.ID, db.JobCompleted, time.Now().UTC()); err != nil {
		// Lost the race against a cancellation or callback; their result wins.
		e.log.Info("job already terminal", zap.String("job_id", job.ID.String()))
		return
	}
	metrics.JobsTotal.WithLabelValues(job.Action, db.JobCompleted).Inc()
	if job.StartedAt != nil {
		metrics.JobDuration.WithLabelValues(job.Action).Observe(time.Since(*job.StartedAt).Seconds())
	}

	switch act.Kind {
	case KindUp:
		if err := e.labs.SetState(ctx, lab.ID, db.LabRunning, ""); err != nil {
			e.log.Warn("lab state update failed", zap.Error(err))
		}
		e.setAllDesired(ctx, lab.ID, db.DesiredRunning)
		e.publishLab(ctx, events.LabDeployComplete, lab, job)
	case KindDown:
		if err := e.labs.SetState(ctx, lab.ID, db.LabStopped, ""); err != nil {
			e.log.Warn("lab state update failed", zap.Error(err))
		}
		e.setAllDesired(ctx, lab.ID, db.DesiredStopped)
		e.setAllActual(ctx, lab.ID, db.NodeUndeployed)
		e.publishLab(ctx, events.LabDestroyComplete, lab, job)
	case KindNodeStart:
		e.setNodeStates(ctx, lab, act.NodeName, db.DesiredRunning, db.NodeRunning)
	case KindNodeStop:
		e.setNodeStates(ctx, lab, act.NodeName, db.DesiredStopped, db.NodeStopped)
	}

	e.publishJob(ctx, events.JobCompleted, lab, job)
	e.log.Info("job completed",
		zap.String("job_id", job.ID.String()),
		zap.String("action", job.Action),
		zap.String("lab_id", lab.ID.String()))
}

// handleRunError applies the failure transitions per error class.
func (e *Engine) handleRunError(ctx context.Context, job *db.Job, lab *db.Lab, act Action, agent *db.Agent, runErr error) {
	logText := "ERROR: " + runErr.Error() + "\n"
	var labState, stateError string

	switch {
	case agentclient.IsUnavailable(runErr):
		// Cannot distinguish "deployed anyway" from "never started".
		labState = db.LabUnknown
		if err := e.agents.UpdateStatus(ctx, agent.ID, db.AgentOffline); err != nil {
			e.log.Warn("agent offline mark failed", zap.Error(err))
		}
		e.log.Warn("agent unavailable during job",
			zap.String("job_id", job.ID.String()),
			zap.String("agent", agent.Name))

	case errors.Is(runErr, context.DeadlineExceeded):
		labState = db.LabUnknown
		logText = "ERROR: operation timed out\n"

	default:
		labState = db.LabError
		stateError = runErr.Error()
		if je := agentclient.AsJobError(runErr); je != nil {
			stateError = je.Message
			logText = "ERROR: " + je.Message + "\nDetails:\n" + je.Detail() + "\n"
		}
	}

	if err := e.jobs.Complete(ctx, job.ID, db.JobFailed, time.Now().UTC()); err != nil {
		e.log.Info("job already terminal", zap.String("job_id", job.ID.String()))
		return
	}
	metrics.JobsTotal.WithLabelValues(job.Action, db.JobFailed).Inc()
	_ = e.jobs.AppendLog(ctx, job.ID, logText)

	if err := e.labs.SetState(ctx, lab.ID, labState, stateError); err != nil {
		e.log.Warn("lab state update failed", zap.Error(err))
	}

	if act.Kind == KindUp {
		e.publishLab(ctx, events.LabDeployFailed, lab, job)
	}
	e.publishJob(ctx, events.JobFailed, lab, job)
}

// failJob is the short-circuit path for jobs that never reached an agent.
func (e *Engine) failJob(ctx context.Context, job *db.Job, lab *db.Lab, reason string) {
	if err := e.jobs.Complete(ctx, job.ID, db.JobFailed, time.Now().UTC()); err != nil {
		return
	}
	metrics.JobsTotal.WithLabelValues(job.Action, db.JobFailed).Inc()
	_ = e.jobs.AppendLog(ctx, job.ID, "ERROR: "+reason+"\n")
	if lab != nil {
		if err := e.labs.SetState(ctx, lab.ID, db.LabError, reason); err != nil {
			e.log.Warn("lab state update failed", zap.Error(err))
		}
		e.publishJob(ctx, events.JobFailed, lab, job)
	}
	e.log.Warn("job failed before dispatch",
		zap.String("job_id", job.ID.String()),
		zap.String("reason", reason))
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (e *Engine) setAllDesired(ctx context.Context, labID uuid.UUID, desired string) {
	states, err := e.states.ListNodeStatesByLab(ctx, labID)
	if err != nil {
		e.log.Warn("node state listing failed", zap.Error(err))
		return
	}
	for _, s := range states {
		if err := e.states.SetDesiredState(ctx, s.ID, desired); err != nil {
			e.log.Warn("desired state update failed", zap.Error(err))
		}
	}
}

func (e *Engine) setAllActual(ctx context.Context, labID uuid.UUID, actual string) {
	states, err := e.states.ListNodeStatesByLab(ctx, labID)
	if err != nil {
		e.log.Warn("node state listing failed", zap.Error(err))
		return
	}
	for _, s := range states {
		if err := e.states.SetActualState(ctx, s.ID, actual, ""); err != nil {
			e.log.Warn("actual state update failed", zap.Error(err))
		}
	}
}

func (e *Engine) setNodeStates(ctx context.Context, lab *db.Lab, nodeName, desired, actual string) {
	container := topology.ContainerName(lab.Name, nodeName)
	state, err := e.states.GetNodeStateByName(ctx, lab.ID, container)
	if err != nil {
		e.log.Warn("node state lookup failed",
			zap.String("node", container), zap.Error(err))
		return
	}
	if err := e.states.SetDesiredState(ctx, state.ID, desired); err != nil {
		e.log.Warn("desired state update failed", zap.Error(err))
	}
	if err := e.states.SetActualState(ctx, state.ID, actual, ""); err != nil {
		e.log.Warn("actual state update failed", zap.Error(err))
	}
}

func (e *Engine) publishLab(ctx context.Context, name string, lab *db.Lab, job *db.Job) {
	ev := events.New(name, lab.OwnerID)
	ev.LabID = &lab.ID
	ev.JobID = &job.ID
	ev.Lab = map[string]any{"id": lab.ID, "name": lab.Name, "state": lab.State}
	e.pub.Publish(ctx, ev)
}

func (e *Engine) publishJob(ctx context.Context, name string, lab *db.Lab, job *db.Job) {
	ev := events.New(name, lab.OwnerID)
	ev.LabID = &lab.ID
	ev.JobID = &job.ID
	ev.Job = map[string]any{"id": job.ID, "action": job.Action, "status": job.Status}
	e.pub.Publish(ctx, ev)
}

func joinOutput(result *agentclient.JobResult) string {
	var b strings.Builder
	if result.Stdout != "" {
		b.WriteString(result.Stdout)
		if !strings.HasSuffix(result.Stdout, "\n") {
			b.WriteString("\n")
		}
	}
	if result.Stderr != "" {
		b.WriteString(result.Stderr)
		if !strings.HasSuffix(result.Stderr, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func spansMultipleHosts(placements []db.NodePlacement) bool {
	hosts := make(map[uuid.UUID]bool)
	for _, p := range placements {
		hosts[p.HostID] = true
	}
	return len(hosts) > 1
}
