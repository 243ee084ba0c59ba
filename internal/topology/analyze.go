package topology

import "sort"

// Analysis is the host assignment for one topology.
type Analysis struct {
	SingleHost bool

	// NodeHost maps every node to its assigned host name.
	NodeHost map[string]string

	// Placements groups node names per host, each list sorted.
	Placements map[string][]string

	// CrossHostLinks are the links whose two endpoints live on different
	// hosts. They are omitted from sub-graphs and re-established via the
	// overlay protocol.
	CrossHostLinks []LinkDef
}

// Analyze assigns every node to a host: the node's explicit host field if
// set, otherwise defaultHost. A link is cross-host iff its two endpoints
// live on different hosts; endpoints of non-container type (bridge, macvlan,
// host) are attachment points local to their peer's host and never make a
// link cross-host.
func Analyze(g *Graph, defaultHost string) *Analysis {
	a := &Analysis{
		NodeHost:   make(map[string]string, len(g.Nodes)),
		Placements: make(map[string][]string),
	}

	for name, node := range g.Nodes {
		host := node.Host
		if host == "" {
			host = defaultHost
		}
		a.NodeHost[name] = host
		a.Placements[host] = append(a.Placements[host], name)
	}
	for host := range a.Placements {
		sort.Strings(a.Placements[host])
	}

	for _, link := range g.Links {
		ep1, ep2 := link.EndpointPair()
		if !g.isContainer(ep1.Node) || !g.isContainer(ep2.Node) {
			continue
		}
		if a.NodeHost[ep1.Node] != a.NodeHost[ep2.Node] {
			a.CrossHostLinks = append(a.CrossHostLinks, link)
		}
	}

	a.SingleHost = len(a.Placements) <= 1
	return a
}

func (g *Graph) isContainer(name string) bool {
	node, ok := g.Nodes[name]
	if !ok {
		return false
	}
	return node.Type == "" || node.Type == NodeTypeContainer
}

// Split partitions a graph per host: each sub-graph contains only that
// host's nodes plus only links with both endpoints on that host. Cross-host
// links appear in no sub-graph.
func Split(g *Graph, a *Analysis) map[string]*Graph {
	subs := make(map[string]*Graph, len(a.Placements))
	for host, names := range a.Placements {
		sub := &Graph{
			Name:  g.Name,
			Nodes: make(map[string]NodeDef, len(names)),
		}
		for _, name := range names {
			sub.Nodes[name] = g.Nodes[name]
		}
		subs[host] = sub
	}

	for _, link := range g.Links {
		ep1, ep2 := link.EndpointPair()
		h1, h2 := a.NodeHost[ep1.Node], a.NodeHost[ep2.Node]
		// Attachment-point endpoints follow their container peer.
		if !g.isContainer(ep1.Node) {
			h1 = h2
		}
		if !g.isContainer(ep2.Node) {
			h2 = h1
		}
		if h1 != h2 {
			continue
		}
		sub, ok := subs[h1]
		if !ok {
			continue
		}
		sub.Links = append(sub.Links, link)
		// Attachment nodes must exist in the sub-graph they are used in.
		if _, ok := sub.Nodes[ep1.Node]; !ok {
			sub.Nodes[ep1.Node] = g.Nodes[ep1.Node]
		}
		if _, ok := sub.Nodes[ep2.Node]; !ok {
			sub.Nodes[ep2.Node] = g.Nodes[ep2.Node]
		}
	}
	return subs
}
