package core

import (
	"bytes"
	"errors"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

func threeNodeGraph() *model.Graph {
	return &model.Graph{
		Nodes: []model.Node{{ID: "A"}, {ID: "B"}, {ID: "C", Role: "peer"}},
		Links: []model.Link{
			{Source: "A", Target: "B", Bandwidth: "100Mbps", Latency: "1ms"},
			{Source: "A", Target: "C", Bandwidth: "10Mbps", Latency: "5ms"},
			{Source: "B", Target: "C", Bandwidth: "50Mbps", Latency: "2ms"},
		},
	}
}

func TestCompileThreeNodeScenario(t *testing.T) {
	sim, router, err := Compile(threeNodeGraph())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	if got := sim.IncidenceCount(); got != 6 {
		t.Fatalf("IncidenceCount() = %d, want 6", got)
	}
	if sim.StopTime != DefaultStopTime {
		t.Fatalf("StopTime = %v, want %v", sim.StopTime, DefaultStopTime)
	}

	wantLinks := []model.SimLink{
		{Index: 0, ID: "e0", A: "A", B: "B", Bandwidth: "100Mbps", BandwidthBps: 100_000_000, Latency: time.Millisecond, Subnet: "10.0.1.0/24"},
		{Index: 1, ID: "e1", A: "A", B: "C", Bandwidth: "10Mbps", BandwidthBps: 10_000_000, Latency: 5 * time.Millisecond, Subnet: "10.0.2.0/24"},
		{Index: 2, ID: "e2", A: "B", B: "C", Bandwidth: "50Mbps", BandwidthBps: 50_000_000, Latency: 2 * time.Millisecond, Subnet: "10.0.3.0/24"},
	}
	if diff := cmp.Diff(wantLinks, sim.Links); diff != "" {
		t.Fatalf("links mismatch (-want +got):\n%s", diff)
	}

	wantB := []model.Incidence{
		{Index: 0, LinkIndex: 0, LinkID: "e0", Side: model.SideB, Peer: "A"},
		{Index: 1, LinkIndex: 2, LinkID: "e2", Side: model.SideA, Peer: "C"},
	}
	if diff := cmp.Diff(wantB, sim.Nodes[1].Incidences); diff != "" {
		t.Fatalf("node B incidences mismatch (-want +got):\n%s", diff)
	}

	a := router.Node("A")
	if a == nil {
		t.Fatalf("router description has no node A")
	}
	if a.Role != DefaultRole {
		t.Fatalf("A role = %q, want %q", a.Role, DefaultRole)
	}
	if got := router.Node("C").Role; got != "peer" {
		t.Fatalf("C role = %q, want peer", got)
	}
	wantConnect := []string{"tcp/10.0.1.2:7447", "tcp/10.0.2.2:7447"}
	if diff := cmp.Diff(wantConnect, a.Connect); diff != "" {
		t.Fatalf("A connect mismatch (-want +got):\n%s", diff)
	}
	if len(router.Node("C").Connect) != 0 {
		t.Fatalf("C should not dial anyone, got %v", router.Node("C").Connect)
	}
	if a.ZID != zenohID("A") || len(a.ZID) != 32 {
		t.Fatalf("A zid = %q", a.ZID)
	}

	seen := make(map[string]string)
	for _, n := range router.Nodes {
		if len(n.Endpoints) != len(sim.Nodes[n.Index].Incidences) {
			t.Fatalf("node %s has %d endpoints for %d incidences", n.ID, len(n.Endpoints), len(sim.Nodes[n.Index].Incidences))
		}
		for _, ep := range n.Endpoints {
			if owner, dup := seen[ep.Address]; dup {
				t.Fatalf("address %s assigned to %s and %s", ep.Address, owner, n.ID)
			}
			seen[ep.Address] = n.ID
			if !strings.HasPrefix(ep.Locator, "tcp/") || !strings.HasSuffix(ep.Locator, ":7447") {
				t.Fatalf("unexpected locator %q", ep.Locator)
			}
		}
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	encode := func() ([]byte, []byte) {
		sim, router, err := Compile(threeNodeGraph())
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		s, err := MarshalDescription(sim)
		if err != nil {
			t.Fatalf("MarshalDescription: %v", err)
		}
		r, err := MarshalDescription(router)
		if err != nil {
			t.Fatalf("MarshalDescription: %v", err)
		}
		return s, r
	}
	s1, r1 := encode()
	for i := 0; i < 5; i++ {
		s2, r2 := encode()
		if !bytes.Equal(s1, s2) {
			t.Fatalf("simulation description differs between runs")
		}
		if !bytes.Equal(r1, r2) {
			t.Fatalf("router description differs between runs")
		}
	}
}

func TestCompileParallelLinksAreDistinct(t *testing.T) {
	g := &model.Graph{
		Nodes: []model.Node{{ID: "x"}, {ID: "y"}},
		Links: []model.Link{
			{ID: "fast", Source: "x", Target: "y", Bandwidth: "1Gbps", Latency: "100us"},
			{ID: "slow", Source: "y", Target: "x", Bandwidth: "1Mbps", Latency: "50ms"},
		},
	}
	sim, router, err := Compile(g)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := sim.IncidenceCount(); got != 4 {
		t.Fatalf("IncidenceCount() = %d, want 4", got)
	}
	x := sim.Nodes[0].Incidences
	if x[0].LinkID != "fast" || x[1].LinkID != "slow" || x[1].Side != model.SideB {
		t.Fatalf("unexpected incidences for x: %+v", x)
	}
	if router.Nodes[0].Endpoints[0].Address == router.Nodes[0].Endpoints[1].Address {
		t.Fatalf("parallel links share address %s", router.Nodes[0].Endpoints[0].Address)
	}
}

func TestCompileOptions(t *testing.T) {
	sim, router, err := Compile(threeNodeGraph(),
		WithBasePrefix(netip.MustParsePrefix("172.16.0.0/16")),
		WithRouterPort(7000),
		WithStopTime(30*time.Second),
	)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if sim.StopTime != 30*time.Second {
		t.Fatalf("StopTime = %v", sim.StopTime)
	}
	if got := sim.Links[2].Subnet; got != "172.16.3.0/24" {
		t.Fatalf("link 2 subnet = %s, want 172.16.3.0/24", got)
	}
	if got := router.Nodes[2].Endpoints[0].Locator; got != "tcp/172.16.2.2:7000" {
		t.Fatalf("C first locator = %s", got)
	}

	for _, opt := range []CompileOption{
		WithBasePrefix(netip.MustParsePrefix("10.0.0.0/24")),
		WithBasePrefix(netip.MustParsePrefix("fd00::/8")),
		WithRouterPort(0),
		WithStopTime(0),
	} {
		if _, _, err := Compile(threeNodeGraph(), opt); err == nil {
			t.Fatalf("expected option validation error")
		}
	}
}

func TestCompileRejectsInvalidTopologies(t *testing.T) {
	link := func(s, d string) model.Link {
		return model.Link{Source: s, Target: d, Bandwidth: "1Mbps", Latency: "1ms"}
	}
	tests := []struct {
		name    string
		graph   *model.Graph
		node    string
		contain string
	}{
		{name: "nil", graph: nil, contain: "no nodes"},
		{name: "empty", graph: &model.Graph{}, contain: "no nodes"},
		{
			name:    "duplicate node",
			graph:   &model.Graph{Nodes: []model.Node{{ID: "a"}, {ID: "a"}}},
			node:    "a",
			contain: "duplicate node id",
		},
		{
			name:    "unknown endpoint",
			graph:   &model.Graph{Nodes: []model.Node{{ID: "a"}, {ID: "b"}}, Links: []model.Link{link("a", "z")}},
			node:    "z",
			contain: "unknown node",
		},
		{
			name:    "node id escapes artifact dir",
			graph:   &model.Graph{Nodes: []model.Node{{ID: "../../escaped"}, {ID: "b"}}, Links: []model.Link{link("../../escaped", "b")}},
			node:    "../../escaped",
			contain: "invalid id",
		},
		{
			name:    "node id with slash",
			graph:   &model.Graph{Nodes: []model.Node{{ID: "rack/1"}, {ID: "b"}}, Links: []model.Link{link("rack/1", "b")}},
			node:    "rack/1",
			contain: "invalid id",
		},
		{
			name: "link id with newline",
			graph: &model.Graph{
				Nodes: []model.Node{{ID: "a"}, {ID: "b"}},
				Links: []model.Link{{ID: "ab\nsystem(\"id\");", Source: "a", Target: "b", Bandwidth: "1Mbps", Latency: "1ms"}},
			},
			contain: "invalid id",
		},
		{
			name:    "self loop",
			graph:   &model.Graph{Nodes: []model.Node{{ID: "a"}, {ID: "b"}}, Links: []model.Link{link("a", "a")}},
			node:    "a",
			contain: "self loop",
		},
		{
			name:    "isolated node",
			graph:   &model.Graph{Nodes: []model.Node{{ID: "a"}, {ID: "b"}, {ID: "c"}}, Links: []model.Link{link("a", "b")}},
			node:    "c",
			contain: "isolated",
		},
		{
			name: "missing bandwidth",
			graph: &model.Graph{
				Nodes: []model.Node{{ID: "a"}, {ID: "b"}},
				Links: []model.Link{{Source: "a", Target: "b", Latency: "1ms"}},
			},
			contain: "bandwidth is required",
		},
		{
			name: "negative latency",
			graph: &model.Graph{
				Nodes: []model.Node{{ID: "a"}, {ID: "b"}},
				Links: []model.Link{{Source: "a", Target: "b", Bandwidth: "1Mbps", Latency: "-3ms"}},
			},
			contain: "must be positive",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Compile(tt.graph)
			if !errors.Is(err, model.ErrTopologyInvalid) {
				t.Fatalf("Compile error = %v, want ErrTopologyInvalid", err)
			}
			var te *model.TopologyError
			if !errors.As(err, &te) {
				t.Fatalf("error %T is not a *TopologyError", err)
			}
			if tt.node != "" && te.Node != tt.node {
				t.Fatalf("TopologyError.Node = %q, want %q", te.Node, tt.node)
			}
			if !strings.Contains(err.Error(), tt.contain) {
				t.Fatalf("error %q does not mention %q", err, tt.contain)
			}
		})
	}
}

func TestCompileNamesUnreachableComponent(t *testing.T) {
	g := &model.Graph{
		Nodes: []model.Node{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		Links: []model.Link{
			{Source: "a", Target: "b", Bandwidth: "1Mbps", Latency: "1ms"},
			{Source: "d", Target: "c", Bandwidth: "1Mbps", Latency: "1ms"},
		},
	}
	_, _, err := Compile(g)
	var te *model.TopologyError
	if !errors.As(err, &te) {
		t.Fatalf("Compile error = %v, want *TopologyError", err)
	}
	if diff := cmp.Diff([]string{"c", "d"}, te.Component); diff != "" {
		t.Fatalf("component mismatch (-want +got):\n%s", diff)
	}
}

func TestAttachInterfaces(t *testing.T) {
	sim, router, err := Compile(threeNodeGraph())
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	pairs := testPairs(sim)

	if err := AttachInterfaces(sim, router, pairs[:5]); err == nil {
		t.Fatalf("expected error when a pair is missing")
	}
	if err := AttachInterfaces(sim, router, pairs); err != nil {
		t.Fatalf("AttachInterfaces: %v", err)
	}
	if got := sim.Nodes[2].Incidences[1].TapName; got != "tap-2-1" {
		t.Fatalf("C incidence 1 tap = %q", got)
	}
	c := router.Node("C")
	if c.Namespace != "ns-2" || c.Endpoints[0].Interface != "peer-2-0" {
		t.Fatalf("C router node not attached: %+v", c)
	}
}

func testPairs(sim *model.SimulationDescription) []model.BridgedInterfacePair {
	var pairs []model.BridgedInterfacePair
	for _, n := range sim.Nodes {
		for _, inc := range n.Incidences {
			suffix := "-" + itoa(n.Index) + "-" + itoa(inc.Index)
			pairs = append(pairs, model.BridgedInterfacePair{
				NodeID:    n.ID,
				NodeIndex: n.Index,
				Incidence: inc.Index,
				Tap:       "tap" + suffix,
				Bridge:    "br" + suffix,
				VethHost:  "host" + suffix,
				VethPeer:  "peer" + suffix,
				Namespace: "ns-" + itoa(n.Index),
			})
		}
	}
	return pairs
}

func itoa(i int) string {
	return string(rune('0' + i))
}
