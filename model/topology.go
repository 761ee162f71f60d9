package model

import "time"

// Node is a logical endpoint in a topology. Each node maps to one simulated
// ns-3 node and one real router process.
type Node struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
	// Role is a free-form label, e.g. "router", "peer", "client".
	Role string `json:"role,omitempty" yaml:"role,omitempty"`
}

// Link is an undirected simulated connection between two nodes.
// Parallel links between the same pair are allowed; each one is addressed
// by its position in Graph.Links.
type Link struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`

	// Bandwidth is the channel data rate, e.g. "100Mbps".
	Bandwidth string `json:"bandwidth" yaml:"bandwidth"`
	// Latency is the one-way channel delay, e.g. "1ms".
	Latency string `json:"latency" yaml:"latency"`
}

// Graph is the abstract topology handed to the compiler. Order matters:
// node order fixes node indices and link order fixes incidence order.
type Graph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Links []Link `json:"links" yaml:"links"`
}

// LinkSide tells which end of a link an incidence sits on.
type LinkSide string

const (
	SideA LinkSide = "a"
	SideB LinkSide = "b"
)

// Incidence is one (node, link) attachment. Index is the position of the
// incidence in the node's ordered incidence list and feeds interface naming.
type Incidence struct {
	Index     int      `json:"index"`
	LinkIndex int      `json:"link_index"`
	LinkID    string   `json:"link_id"`
	Side      LinkSide `json:"side"`
	Peer      string   `json:"peer"`

	// TapName is the simulation-side device the ns-3 TapBridge opens.
	// Empty until interfaces are attached after provisioning.
	TapName string `json:"tap_name,omitempty"`
}

// SimNode is a node as seen by the simulator.
type SimNode struct {
	ID         string      `json:"id"`
	Index      int         `json:"index"`
	Name       string      `json:"name,omitempty"`
	Role       string      `json:"role,omitempty"`
	Incidences []Incidence `json:"incidences"`
}

// SimLink is a link with parsed channel parameters.
type SimLink struct {
	Index        int           `json:"index"`
	ID           string        `json:"id"`
	A            string        `json:"a"`
	B            string        `json:"b"`
	Bandwidth    string        `json:"bandwidth"`
	BandwidthBps uint64        `json:"bandwidth_bps"`
	Latency      time.Duration `json:"latency_ns"`
	Subnet       string        `json:"subnet"`
}

// SimulationDescription is the declarative artifact consumed by the
// simulator: nodes with ordered incidences and per-link channel parameters.
type SimulationDescription struct {
	Nodes    []SimNode     `json:"nodes"`
	Links    []SimLink     `json:"links"`
	StopTime time.Duration `json:"stop_time_ns"`
}

// IncidenceCount returns the total number of (node, link) incidences,
// which is also the number of bridged interface pairs to provision.
func (d *SimulationDescription) IncidenceCount() int {
	if d == nil {
		return 0
	}
	n := 0
	for _, node := range d.Nodes {
		n += len(node.Incidences)
	}
	return n
}

// Endpoint is one router listen address bound to one incidence.
type Endpoint struct {
	Incidence int    `json:"incidence"`
	Address   string `json:"address"`
	Prefix    string `json:"prefix"`
	Port      int    `json:"port"`
	Locator   string `json:"locator"`

	// Interface is the real-side device the router binds to.
	// Empty until interfaces are attached after provisioning.
	Interface string `json:"interface,omitempty"`
}

// RouterNode is the per-node router deployment entry.
type RouterNode struct {
	ID        string     `json:"id"`
	Index     int        `json:"index"`
	ZID       string     `json:"zid"`
	Role      string     `json:"role"`
	Endpoints []Endpoint `json:"endpoints"`
	Connect   []string   `json:"connect,omitempty"`

	// Namespace is the network namespace holding this node's real-side
	// interfaces. Empty until interfaces are attached.
	Namespace string `json:"namespace,omitempty"`
}

// RouterDescription is the declarative artifact consumed by the router
// deployment tooling.
type RouterDescription struct {
	Nodes []RouterNode `json:"nodes"`
}

// Node returns the router entry for id, or nil.
func (d *RouterDescription) Node(id string) *RouterNode {
	if d == nil {
		return nil
	}
	for i := range d.Nodes {
		if d.Nodes[i].ID == id {
			return &d.Nodes[i]
		}
	}
	return nil
}

// BridgedInterfacePair ties one (node, incidence) to the devices created
// for it: the tap the simulator opens, the bridge joining it to the host end
// of a veth pair, and the veth peer the real router binds to inside the node
// namespace.
type BridgedInterfacePair struct {
	NodeID    string `json:"node_id"`
	NodeIndex int    `json:"node_index"`
	Incidence int    `json:"incidence"`

	Tap       string `json:"tap"`
	Bridge    string `json:"bridge"`
	VethHost  string `json:"veth_host"`
	VethPeer  string `json:"veth_peer"`
	Namespace string `json:"namespace"`
	Address   string `json:"address"`
}
