package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const multiHostYAML = `
name: core
topology:
  nodes:
    r1:
      kind: nokia_srlinux
      image: ghcr.io/nokia/srlinux:latest
      host: agent-1
    r2:
      kind: nokia_srlinux
      image: ghcr.io/nokia/srlinux:latest
      host: agent-2
    r3:
      kind: arista_ceos
      image: ceos:4.30
    br0:
      type: bridge
      host: agent-1
  links:
    - endpoints: ["r1:eth1", "r2:eth1"]
    - endpoints: ["r1:eth2", "r3:eth1"]
    - endpoints: ["r1:eth3", "br0:port1"]
`

func TestParse(t *testing.T) {
	g, err := Parse(multiHostYAML)
	require.NoError(t, err)
	assert.Equal(t, "core", g.Name)
	assert.Len(t, g.Nodes, 4)
	assert.Len(t, g.Links, 3)
	assert.Equal(t, "agent-1", g.Nodes["r1"].Host)
	assert.Equal(t, NodeTypeBridge, g.Nodes["br0"].Type)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"missing name", "topology:\n  nodes:\n    r1: {}\n"},
		{"no nodes", "name: x\ntopology:\n  nodes: {}\n"},
		{"bad endpoint", "name: x\ntopology:\n  nodes:\n    r1: {}\n  links:\n    - endpoints: [\"r1\"]\n"},
		{"unknown node", "name: x\ntopology:\n  nodes:\n    r1: {}\n  links:\n    - endpoints: [\"r1:eth1\", \"ghost:eth1\"]\n"},
		{"not yaml", "{{{{"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.source)
			assert.Error(t, err)
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	g, err := Parse(multiHostYAML)
	require.NoError(t, err)

	out, err := g.Marshal()
	require.NoError(t, err)

	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, g.Name, again.Name)
	assert.Equal(t, g.Nodes, again.Nodes)
	assert.Equal(t, g.Links, again.Links)
}

func TestCanonicalLinkName(t *testing.T) {
	// Identity is independent of endpoint order.
	a := CanonicalLinkName("r1", "eth1", "r2", "eth1")
	b := CanonicalLinkName("r2", "eth1", "r1", "eth1")
	assert.Equal(t, a, b)
	assert.Equal(t, "r1:eth1-r2:eth1", a)

	assert.Equal(t, "a:eth10-a:eth2", CanonicalLinkName("a", "eth2", "a", "eth10"))
}

func TestContainerNames(t *testing.T) {
	assert.Equal(t, "clab-core-r1", ContainerName("core", "r1"))

	name, ok := NodeNameFromContainer("core", "clab-core-r1")
	require.True(t, ok)
	assert.Equal(t, "r1", name)

	_, ok = NodeNameFromContainer("core", "clab-other-r1")
	assert.False(t, ok)
}

func TestImageReferences(t *testing.T) {
	g, err := Parse(multiHostYAML)
	require.NoError(t, err)
	assert.Equal(t, []string{"ceos:4.30", "ghcr.io/nokia/srlinux:latest"}, g.ImageReferences())
}

func TestAnalyzeMultiHost(t *testing.T) {
	g, err := Parse(multiHostYAML)
	require.NoError(t, err)

	a := Analyze(g, "agent-1")
	assert.False(t, a.SingleHost)
	assert.Equal(t, "agent-1", a.NodeHost["r1"])
	assert.Equal(t, "agent-2", a.NodeHost["r2"])
	assert.Equal(t, "agent-1", a.NodeHost["r3"], "unpinned node follows default host")

	// Only r1-r2 crosses hosts; the bridge link is local by definition.
	require.Len(t, a.CrossHostLinks, 1)
	assert.Equal(t, []string{"r1:eth1", "r2:eth1"}, a.CrossHostLinks[0].Endpoints)

	assert.Equal(t, []string{"br0", "r1", "r3"}, a.Placements["agent-1"])
	assert.Equal(t, []string{"r2"}, a.Placements["agent-2"])
}

func TestAnalyzeSingleHost(t *testing.T) {
	g, err := Parse(`
name: small
topology:
  nodes:
    r1: {kind: linux}
    r2: {kind: linux}
  links:
    - endpoints: ["r1:eth1", "r2:eth1"]
`)
	require.NoError(t, err)

	a := Analyze(g, "agent-1")
	assert.True(t, a.SingleHost)
	assert.Empty(t, a.CrossHostLinks)
}

func TestSplitOmitsCrossHostLinks(t *testing.T) {
	g, err := Parse(multiHostYAML)
	require.NoError(t, err)
	a := Analyze(g, "agent-1")

	subs := Split(g, a)
	require.Len(t, subs, 2)

	sub1 := subs["agent-1"]
	require.NotNil(t, sub1)
	assert.Contains(t, sub1.Nodes, "r1")
	assert.Contains(t, sub1.Nodes, "r3")
	assert.Contains(t, sub1.Nodes, "br0")
	assert.NotContains(t, sub1.Nodes, "r2")
	// r1-r3 and r1-br0 are local; r1-r2 is omitted everywhere.
	assert.Len(t, sub1.Links, 2)

	sub2 := subs["agent-2"]
	require.NotNil(t, sub2)
	assert.Contains(t, sub2.Nodes, "r2")
	assert.Empty(t, sub2.Links)

	for _, sub := range subs {
		for _, link := range sub.Links {
			ep1, ep2 := link.EndpointPair()
			assert.NotEqual(t, [2]string{"r1", "r2"}, [2]string{ep1.Node, ep2.Node})
		}
	}

	// Sub-graphs serialize independently for per-agent dispatch.
	out, err := sub1.Marshal()
	require.NoError(t, err)
	parsed, err := Parse(out)
	require.NoError(t, err)
	assert.Len(t, parsed.Nodes, 3)
}
