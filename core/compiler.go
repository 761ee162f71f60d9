package core

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

const (
	// DefaultRouterPort is the zenoh router default listen port.
	DefaultRouterPort = 7447
	// DefaultStopTime bounds a simulation run when nothing else does.
	DefaultStopTime = 600 * time.Second
	// DefaultRole is applied to nodes without an explicit role.
	DefaultRole = "router"
)

// DefaultBasePrefix is carved into one /24 per link.
var DefaultBasePrefix = netip.MustParsePrefix("10.0.0.0/8")

type compileOptions struct {
	base     netip.Prefix
	port     int
	stopTime time.Duration
}

// CompileOption customises Compile.
type CompileOption func(*compileOptions)

// WithBasePrefix sets the IPv4 prefix per-link subnets are carved from.
func WithBasePrefix(p netip.Prefix) CompileOption {
	return func(o *compileOptions) { o.base = p }
}

// WithRouterPort sets the port every router endpoint listens on.
func WithRouterPort(port int) CompileOption {
	return func(o *compileOptions) { o.port = port }
}

// WithStopTime sets the simulated stop time written into the description.
func WithStopTime(d time.Duration) CompileOption {
	return func(o *compileOptions) { o.stopTime = d }
}

// Compile validates g and emits the simulation and router descriptions.
// It has no side effects and is deterministic: the same graph and options
// always produce identical descriptions.
func Compile(g *model.Graph, opts ...CompileOption) (*model.SimulationDescription, *model.RouterDescription, error) {
	o := compileOptions{base: DefaultBasePrefix, port: DefaultRouterPort, stopTime: DefaultStopTime}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, nil, err
	}
	if g == nil || len(g.Nodes) == 0 {
		return nil, nil, &model.TopologyError{Reason: "graph has no nodes"}
	}

	nodeIndex := make(map[string]int, len(g.Nodes))
	for i, n := range g.Nodes {
		if n.ID == "" {
			return nil, nil, &model.TopologyError{Reason: fmt.Sprintf("node #%d has an empty id", i)}
		}
		if err := model.ValidateIdentifier(n.ID); err != nil {
			return nil, nil, &model.TopologyError{Reason: err.Error(), Node: n.ID}
		}
		if _, dup := nodeIndex[n.ID]; dup {
			return nil, nil, &model.TopologyError{Reason: "duplicate node id", Node: n.ID}
		}
		nodeIndex[n.ID] = i
	}

	sim := &model.SimulationDescription{
		Nodes:    make([]model.SimNode, len(g.Nodes)),
		Links:    make([]model.SimLink, 0, len(g.Links)),
		StopTime: o.stopTime,
	}
	router := &model.RouterDescription{Nodes: make([]model.RouterNode, len(g.Nodes))}
	for i, n := range g.Nodes {
		role := n.Role
		if role == "" {
			role = DefaultRole
		}
		sim.Nodes[i] = model.SimNode{ID: n.ID, Index: i, Name: n.Name, Role: role, Incidences: []model.Incidence{}}
		router.Nodes[i] = model.RouterNode{ID: n.ID, Index: i, ZID: zenohID(n.ID), Role: role, Endpoints: []model.Endpoint{}}
	}

	connectivity := simple.NewUndirectedGraph()
	for i := range g.Nodes {
		connectivity.AddNode(simple.Node(int64(i)))
	}

	linkIDs := make(map[string]struct{}, len(g.Links))
	for i, l := range g.Links {
		id := l.ID
		if id == "" {
			id = fmt.Sprintf("e%d", i)
		}
		desc := fmt.Sprintf("%s (%s-%s)", id, l.Source, l.Target)
		if err := model.ValidateIdentifier(id); err != nil {
			return nil, nil, &model.TopologyError{Reason: err.Error(), Link: fmt.Sprintf("#%d", i)}
		}
		if _, dup := linkIDs[id]; dup {
			return nil, nil, &model.TopologyError{Reason: "duplicate link id", Link: desc}
		}
		linkIDs[id] = struct{}{}

		a, okA := nodeIndex[l.Source]
		b, okB := nodeIndex[l.Target]
		switch {
		case l.Source == "" || l.Target == "":
			return nil, nil, &model.TopologyError{Reason: "link endpoint missing", Link: desc}
		case !okA:
			return nil, nil, &model.TopologyError{Reason: "link references unknown node", Node: l.Source, Link: desc}
		case !okB:
			return nil, nil, &model.TopologyError{Reason: "link references unknown node", Node: l.Target, Link: desc}
		case a == b:
			return nil, nil, &model.TopologyError{Reason: "self loop", Node: l.Source, Link: desc}
		}

		bps, err := ParseBandwidth(l.Bandwidth)
		if err != nil {
			return nil, nil, &model.TopologyError{Reason: err.Error(), Link: desc}
		}
		latency, err := ParseLatency(l.Latency)
		if err != nil {
			return nil, nil, &model.TopologyError{Reason: err.Error(), Link: desc}
		}

		subnet, addrA, addrB, err := o.subnet(i)
		if err != nil {
			return nil, nil, &model.TopologyError{Reason: err.Error(), Link: desc}
		}

		sim.Links = append(sim.Links, model.SimLink{
			Index:        i,
			ID:           id,
			A:            l.Source,
			B:            l.Target,
			Bandwidth:    l.Bandwidth,
			BandwidthBps: bps,
			Latency:      latency,
			Subnet:       subnet.String(),
		})

		incA := len(sim.Nodes[a].Incidences)
		sim.Nodes[a].Incidences = append(sim.Nodes[a].Incidences, model.Incidence{
			Index: incA, LinkIndex: i, LinkID: id, Side: model.SideA, Peer: l.Target,
		})
		incB := len(sim.Nodes[b].Incidences)
		sim.Nodes[b].Incidences = append(sim.Nodes[b].Incidences, model.Incidence{
			Index: incB, LinkIndex: i, LinkID: id, Side: model.SideB, Peer: l.Source,
		})

		epA := o.endpoint(incA, addrA, subnet)
		epB := o.endpoint(incB, addrB, subnet)
		router.Nodes[a].Endpoints = append(router.Nodes[a].Endpoints, epA)
		router.Nodes[b].Endpoints = append(router.Nodes[b].Endpoints, epB)
		router.Nodes[a].Connect = append(router.Nodes[a].Connect, epB.Locator)

		connectivity.SetEdge(connectivity.NewEdge(simple.Node(int64(a)), simple.Node(int64(b))))
	}

	for _, n := range sim.Nodes {
		if len(n.Incidences) == 0 {
			return nil, nil, &model.TopologyError{Reason: "isolated node has no links", Node: n.ID}
		}
	}

	if components := topo.ConnectedComponents(connectivity); len(components) > 1 {
		return nil, nil, &model.TopologyError{
			Reason:    "graph is not connected",
			Component: unreachableComponent(components, g),
		}
	}

	return sim, router, nil
}

// AttachInterfaces fills the provisioned device names into both
// descriptions. Every incidence must have exactly one pair.
func AttachInterfaces(sim *model.SimulationDescription, router *model.RouterDescription, pairs []model.BridgedInterfacePair) error {
	type key struct{ node, inc int }
	byKey := make(map[key]model.BridgedInterfacePair, len(pairs))
	for _, p := range pairs {
		byKey[key{p.NodeIndex, p.Incidence}] = p
	}

	for i := range sim.Nodes {
		node := &sim.Nodes[i]
		rn := router.Node(node.ID)
		if rn == nil {
			return fmt.Errorf("router description has no node %q", node.ID)
		}
		for j := range node.Incidences {
			p, ok := byKey[key{node.Index, node.Incidences[j].Index}]
			if !ok {
				return fmt.Errorf("no bridged interface for node %q incidence %d", node.ID, node.Incidences[j].Index)
			}
			node.Incidences[j].TapName = p.Tap
			if j < len(rn.Endpoints) {
				rn.Endpoints[j].Interface = p.VethPeer
			}
			rn.Namespace = p.Namespace
		}
	}
	return nil
}

func (o compileOptions) validate() error {
	if !o.base.IsValid() || !o.base.Addr().Is4() {
		return fmt.Errorf("base prefix %s must be a valid IPv4 prefix", o.base)
	}
	if o.base.Bits() > 22 {
		return fmt.Errorf("base prefix %s is too small to carve /24 link subnets", o.base)
	}
	if o.port <= 0 || o.port > 65535 {
		return fmt.Errorf("router port %d out of range", o.port)
	}
	if o.stopTime <= 0 {
		return fmt.Errorf("stop time must be positive")
	}
	return nil
}

// subnet returns the /24 for link i and the two host addresses in it. The
// first link gets the second /24 of the base prefix so that, with the
// default base, link i lives in 10.0.<i+1>.0/24.
func (o compileOptions) subnet(i int) (netip.Prefix, netip.Addr, netip.Addr, error) {
	slots := uint32(1) << (24 - o.base.Bits())
	slot := uint32(i + 1)
	if slot >= slots {
		return netip.Prefix{}, netip.Addr{}, netip.Addr{}, fmt.Errorf("base prefix %s has room for %d links", o.base, slots-1)
	}
	b := o.base.Masked().Addr().As4()
	base := binary.BigEndian.Uint32(b[:]) + slot<<8
	return netip.PrefixFrom(u32Addr(base), 24), u32Addr(base + 1), u32Addr(base + 2), nil
}

func (o compileOptions) endpoint(inc int, addr netip.Addr, subnet netip.Prefix) model.Endpoint {
	return model.Endpoint{
		Incidence: inc,
		Address:   addr.String(),
		Prefix:    netip.PrefixFrom(addr, subnet.Bits()).String(),
		Port:      o.port,
		Locator:   fmt.Sprintf("tcp/%s:%d", addr, o.port),
	}
}

func u32Addr(v uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return netip.AddrFrom4(b)
}

// zenohID derives a stable router id from the node id.
func zenohID(nodeID string) string {
	sum := md5.Sum([]byte("zenoh_node_" + nodeID))
	return hex.EncodeToString(sum[:])
}

// unreachableComponent picks the first component that does not contain the
// first node and returns its node ids in input order.
func unreachableComponent(components [][]graph.Node, g *model.Graph) []string {
	var pick []graph.Node
	for _, c := range components {
		hasFirst := false
		for _, n := range c {
			if n.ID() == 0 {
				hasFirst = true
				break
			}
		}
		if hasFirst {
			continue
		}
		if pick == nil || minID(c) < minID(pick) {
			pick = c
		}
	}
	idx := make([]int, 0, len(pick))
	for _, n := range pick {
		idx = append(idx, int(n.ID()))
	}
	sort.Ints(idx)
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.Nodes[i].ID)
	}
	return out
}

func minID(c []graph.Node) int64 {
	m := c[0].ID()
	for _, n := range c[1:] {
		if n.ID() < m {
			m = n.ID()
		}
	}
	return m
}
