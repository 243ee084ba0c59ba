// Package topology models lab topologies: parsing and emitting the YAML
// format agents consume, canonical link naming, container naming, and the
// host analysis and graph splitting that drive multi-host deploys.
package topology

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node types. Anything other than NodeTypeContainer is an external-network
// attachment point living on the same host as its peer.
const (
	NodeTypeContainer = "node"
	NodeTypeBridge    = "bridge"
	NodeTypeMACVLAN   = "macvlan"
	NodeTypeHost      = "host"
)

// NodeDef is one node in a topology document. Extra preserves provider
// fields this controller does not interpret, so the document survives a
// parse/emit round trip.
type NodeDef struct {
	Kind  string         `yaml:"kind,omitempty"`
	Image string         `yaml:"image,omitempty"`
	Host  string         `yaml:"host,omitempty"` // explicit agent placement
	Type  string         `yaml:"type,omitempty"` // defaults to "node"
	Extra map[string]any `yaml:",inline"`
}

// LinkDef is one edge in a topology document. Endpoints are "node:iface"
// strings, exactly two per link.
type LinkDef struct {
	Endpoints []string `yaml:"endpoints"`
	MTU       int      `yaml:"mtu,omitempty"`
}

// Endpoint is a parsed "node:iface" pair.
type Endpoint struct {
	Node  string
	Iface string
}

// Graph is a parsed topology.
type Graph struct {
	Name  string
	Nodes map[string]NodeDef
	Links []LinkDef
}

type document struct {
	Name     string `yaml:"name"`
	Topology struct {
		Nodes map[string]NodeDef `yaml:"nodes"`
		Links []LinkDef          `yaml:"links"`
	} `yaml:"topology"`
}

// Parse decodes a topology YAML document.
func Parse(source string) (*Graph, error) {
	var doc document
	if err := yaml.Unmarshal([]byte(source), &doc); err != nil {
		return nil, fmt.Errorf("topology: parse: %w", err)
	}
	if doc.Name == "" {
		return nil, fmt.Errorf("topology: parse: missing lab name")
	}
	if len(doc.Topology.Nodes) == 0 {
		return nil, fmt.Errorf("topology: parse: no nodes defined")
	}
	for i, link := range doc.Topology.Links {
		if len(link.Endpoints) != 2 {
			return nil, fmt.Errorf("topology: parse: link %d has %d endpoints, want 2", i, len(link.Endpoints))
		}
		for _, ep := range link.Endpoints {
			parsed, err := ParseEndpoint(ep)
			if err != nil {
				return nil, fmt.Errorf("topology: parse: link %d: %w", i, err)
			}
			if _, ok := doc.Topology.Nodes[parsed.Node]; !ok {
				return nil, fmt.Errorf("topology: parse: link %d references unknown node %q", i, parsed.Node)
			}
		}
	}
	return &Graph{
		Name:  doc.Name,
		Nodes: doc.Topology.Nodes,
		Links: doc.Topology.Links,
	}, nil
}

// Marshal encodes a graph back into the agent-consumable YAML format.
func (g *Graph) Marshal() (string, error) {
	var doc document
	doc.Name = g.Name
	doc.Topology.Nodes = g.Nodes
	doc.Topology.Links = g.Links
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return "", fmt.Errorf("topology: marshal: %w", err)
	}
	return string(out), nil
}

// ParseEndpoint splits a "node:iface" endpoint string.
func ParseEndpoint(s string) (Endpoint, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q, want node:iface", s)
	}
	return Endpoint{Node: s[:idx], Iface: s[idx+1:]}, nil
}

// Endpoints returns the parsed endpoints of a link. Callers must have
// validated the link via Parse.
func (l LinkDef) EndpointPair() (Endpoint, Endpoint) {
	a, _ := ParseEndpoint(l.Endpoints[0])
	b, _ := ParseEndpoint(l.Endpoints[1])
	return a, b
}

// CanonicalLinkName builds the canonical identity of a link: both
// "node:iface" endpoint strings sorted lexicographically and joined with
// "-". Identity is therefore stable regardless of endpoint order in the
// source document.
func CanonicalLinkName(aNode, aIface, bNode, bIface string) string {
	parts := []string{aNode + ":" + aIface, bNode + ":" + bIface}
	sort.Strings(parts)
	return parts[0] + "-" + parts[1]
}

// ContainerName returns the runtime container name for a node:
// clab-<labname>-<node>.
func ContainerName(labName, nodeName string) string {
	return "clab-" + labName + "-" + nodeName
}

// NodeNameFromContainer strips the clab-<labname>- prefix from a container
// name, returning the bare node name and whether the prefix matched.
func NodeNameFromContainer(labName, containerName string) (string, bool) {
	prefix := "clab-" + labName + "-"
	if !strings.HasPrefix(containerName, prefix) {
		return "", false
	}
	return containerName[len(prefix):], true
}

// ImageReferences returns the distinct image references used by container
// nodes, sorted for deterministic pre-deploy checks.
func (g *Graph) ImageReferences() []string {
	seen := make(map[string]bool)
	var refs []string
	for _, node := range g.Nodes {
		if node.Image != "" && !seen[node.Image] {
			seen[node.Image] = true
			refs = append(refs, node.Image)
		}
	}
	sort.Strings(refs)
	return refs
}
