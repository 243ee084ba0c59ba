// Package multihost deploys and destroys labs whose topology spans several
// agents: it splits the graph per host, dispatches the per-host operations in
// parallel, and re-establishes cross-host links over the overlay network.
package multihost

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/labmesh-io/labmesh/internal/agentclient"
	"github.com/labmesh-io/labmesh/internal/db"
	"github.com/labmesh-io/labmesh/internal/repositories"
	"github.com/labmesh-io/labmesh/internal/topology"
)

type Deployer struct {
	agents repositories.AgentRepository
	states repositories.StateRepository
	client agentclient.Caller
	log    *zap.Logger
}

func New(
	agents repositories.AgentRepository,
	states repositories.StateRepository,
	client agentclient.Caller,
	log *zap.Logger,
) *Deployer {
	return &Deployer{
		agents: agents, states: states, client: client,
		log: log.Named("multihost"),
	}
}

// Deploy runs a multi-host deployment: validates that every referenced host
// maps to an online capable agent, dispatches one deploy per host in
// parallel, then sets up the overlay for cross-host links. Overlay failures
// are logged in the returned output but do not fail the deployment — the
// containers are running, connectivity is degraded but recoverable.
func (d *Deployer) Deploy(ctx context.Context, job *db.Job, lab *db.Lab, graph *topology.Graph, analysis *topology.Analysis) (string, error) {
	hosts, err := d.resolveHosts(ctx, lab.Provider, analysis)
	if err != nil {
		return "", err
	}

	subs := topology.Split(graph, analysis)

	var (
		mu      sync.Mutex
		outputs = map[string]string{}
	)
	g, gctx := errgroup.WithContext(ctx)
	for host, agent := range hosts {
		sub, ok := subs[host]
		if !ok || len(sub.Nodes) == 0 {
			continue
		}
		yaml, err := sub.Marshal()
		if err != nil {
			return "", fmt.Errorf("multihost: marshal sub-topology for %s: %w", host, err)
		}
		host, agent := host, agent
		g.Go(func() error {
			result, err := d.client.Deploy(gctx, agent, agentclient.DeployRequest{
				JobID:        job.ID,
				LabID:        lab.ID,
				TopologyYAML: yaml,
				Provider:     lab.Provider,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outputs[host] = "FAILED: " + err.Error()
				return fmt.Errorf("multihost: deploy on %s: %w", host, err)
			}
			outputs[host] = strings.TrimSpace(result.Stdout)
			return nil
		})
	}
	deployErr := g.Wait()

	var log strings.Builder
	for _, host := range sortedHosts(outputs) {
		fmt.Fprintf(&log, "[%s] %s\n", host, outputs[host])
	}
	if deployErr != nil {
		return log.String(), deployErr
	}

	d.recordPlacements(ctx, lab, graph, analysis, hosts)
	d.setupOverlay(ctx, lab, graph, analysis, hosts, &log)
	return log.String(), nil
}

// resolveHosts maps every host the analysis references to an online agent of
// matching name that supports the lab's provider.
func (d *Deployer) resolveHosts(ctx context.Context, provider string, analysis *topology.Analysis) (map[string]*db.Agent, error) {
	online, err := d.agents.ListOnline(ctx)
	if err != nil {
		return nil, fmt.Errorf("multihost: list agents: %w", err)
	}
	byName := map[string]*db.Agent{}
	for i := range online {
		byName[online[i].Name] = &online[i]
	}

	hosts := map[string]*db.Agent{}
	var missing []string
	for host := range analysis.Placements {
		agent, ok := byName[host]
		if !ok || !agentclient.ParseCapabilities(agent.Capabilities).SupportsProvider(provider) {
			missing = append(missing, host)
			continue
		}
		hosts[host] = agent
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("multihost: missing hosts: %s", strings.Join(missing, ", "))
	}
	return hosts, nil
}

func (d *Deployer) recordPlacements(ctx context.Context, lab *db.Lab, graph *topology.Graph, analysis *topology.Analysis, hosts map[string]*db.Agent) {
	for node, host := range analysis.NodeHost {
		agent, ok := hosts[host]
		if !ok {
			continue
		}
		container := topology.ContainerName(graph.Name, node)
		if err := d.states.UpsertPlacement(ctx, lab.ID, container, agent.ID, db.NodeRunning); err != nil {
			d.log.Warn("placement record failed",
				zap.String("node", container), zap.Error(err))
		}
	}
}

// setupOverlay establishes one VXLAN tunnel per cross-host link, configuring
// both ends. Failures degrade connectivity but never the deployment.
func (d *Deployer) setupOverlay(ctx context.Context, lab *db.Lab, graph *topology.Graph, analysis *topology.Analysis, hosts map[string]*db.Agent, log *strings.Builder) {
	for _, link := range analysis.CrossHostLinks {
		ep1, ep2 := link.EndpointPair()
		linkName := topology.CanonicalLinkName(ep1.Node, ep1.Iface, ep2.Node, ep2.Iface)
		vni := linkVNI(lab.ID, linkName)

		agent1 := hosts[analysis.NodeHost[ep1.Node]]
		agent2 := hosts[analysis.NodeHost[ep2.Node]]
		if agent1 == nil || agent2 == nil {
			continue
		}

		ends := []struct {
			agent  *db.Agent
			local  topology.Endpoint
			remote *db.Agent
		}{
			{agent1, ep1, agent2},
			{agent2, ep2, agent1},
		}
		failed := false
		for _, end := range ends {
			req := agentclient.OverlayLinkRequest{
				LabID:         lab.ID,
				LinkName:      linkName,
				LocalNode:     topology.ContainerName(graph.Name, end.local.Node),
				LocalIface:    end.local.Iface,
				RemoteAddress: hostAddr(end.remote.Address),
				VNI:           vni,
			}
			if err := d.client.SetupCrossHostLink(ctx, end.agent, req); err != nil {
				failed = true
				d.log.Warn("overlay link setup failed",
					zap.String("link", linkName),
					zap.String("agent", end.agent.Name),
					zap.Error(err))
			}
		}
		if failed {
			fmt.Fprintf(log, "WARNING: overlay setup incomplete for link %s\n", linkName)
		} else {
			fmt.Fprintf(log, "overlay link %s established (vni %d)\n", linkName, vni)
		}
	}
}

// Destroy tears a multi-host lab down: overlay cleanup first on every agent
// holding a placement, then the per-host destroys in parallel. Destroy is
// best-effort — partial failures are reported in the output but the job
// completes.
func (d *Deployer) Destroy(ctx context.Context, job *db.Job, lab *db.Lab) (string, error) {
	placements, err := d.states.ListPlacementsByLab(ctx, lab.ID)
	if err != nil {
		return "", fmt.Errorf("multihost: list placements: %w", err)
	}

	agentIDs := map[uuid.UUID]bool{}
	for _, p := range placements {
		agentIDs[p.HostID] = true
	}
	if lab.AgentID != nil {
		agentIDs[*lab.AgentID] = true
	}

	var agents []*db.Agent
	for id := range agentIDs {
		agent, err := d.agents.GetByID(ctx, id)
		if err != nil || agent.Status != db.AgentOnline {
			continue
		}
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })

	for _, agent := range agents {
		if err := d.client.CleanupOverlay(ctx, agent, lab.ID); err != nil {
			d.log.Warn("overlay cleanup failed",
				zap.String("agent", agent.Name), zap.Error(err))
		}
	}

	var (
		mu      sync.Mutex
		outputs = map[string]string{}
		wg      sync.WaitGroup
	)
	for _, agent := range agents {
		wg.Add(1)
		go func(agent *db.Agent) {
			defer wg.Done()
			result, err := d.client.Destroy(ctx, agent, job.ID, lab.ID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outputs[agent.Name] = "FAILED: " + err.Error()
				return
			}
			outputs[agent.Name] = strings.TrimSpace(result.Stdout)
		}(agent)
	}
	wg.Wait()

	var log strings.Builder
	for _, host := range sortedHosts(outputs) {
		fmt.Fprintf(&log, "[%s] %s\n", host, outputs[host])
	}
	return log.String(), nil
}

func sortedHosts(m map[string]string) []string {
	hosts := make([]string, 0, len(m))
	for h := range m {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}

// hostAddr strips the agent API port: the overlay peers over the host
// address itself.
func hostAddr(address string) string {
	if i := strings.LastIndex(address, ":"); i > 0 {
		return address[:i]
	}
	return address
}

// linkVNI derives a stable VXLAN network identifier for a link from the lab
// id and canonical link name, folded into the 24-bit VNI space (avoiding 0).
func linkVNI(labID uuid.UUID, linkName string) int {
	h := fnv.New32a()
	h.Write(labID[:])
	h.Write([]byte(linkName))
	return int(h.Sum32()%((1<<24)-1)) + 1
}
