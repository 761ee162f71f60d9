package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/core"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/firewall"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/naming"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/netdev"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/registry"
)

const experiment = "three-node"

func compileThreeNode(t *testing.T) (*model.SimulationDescription, *model.RouterDescription) {
	t.Helper()
	g := &model.Graph{
		Nodes: []model.Node{{ID: "A"}, {ID: "B"}, {ID: "C"}},
		Links: []model.Link{
			{Source: "A", Target: "B", Bandwidth: "100Mbps", Latency: "1ms"},
			{Source: "A", Target: "C", Bandwidth: "10Mbps", Latency: "5ms"},
			{Source: "B", Target: "C", Bandwidth: "50Mbps", Latency: "2ms"},
		},
	}
	sim, router, err := core.Compile(g)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return sim, router
}

func pairNames(t *testing.T, node, inc int) naming.Pair {
	t.Helper()
	p, err := naming.New(experiment).Pair(node, inc)
	if err != nil {
		t.Fatalf("Pair: %v", err)
	}
	return p
}

func TestProvisionThreeNodeScenario(t *testing.T) {
	sim, router := compileThreeNode(t)
	driver := netdev.NewFakeDriver()
	table := firewall.NewFakeTable()
	m := NewManager(driver, WithFirewall(firewall.NewManager(table)))
	reg := registry.New(experiment)

	pairs, err := m.Provision(context.Background(), reg, sim, router)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if len(pairs) != 6 {
		t.Fatalf("got %d pairs, want 6", len(pairs))
	}
	if n := len(driver.AllLinks()); n != 24 {
		t.Fatalf("driver holds %d links, want 24", n)
	}
	if n := table.Len(firewall.TableFilter, firewall.ChainForward); n != 6 {
		t.Fatalf("%d firewall rules, want 6", n)
	}
	if n := len(reg.Live()); n != 3+6*3+6 {
		t.Fatalf("registry holds %d live records, want %d", n, 3+6*3+6)
	}

	want := pairNames(t, 1, 1)
	got := pairs[3]
	if got.NodeID != "B" || got.Incidence != 1 || got.Tap != want.Tap || got.VethPeer != want.VethPeer {
		t.Fatalf("pair 3 = %+v, want B/1 with %+v", got, want)
	}
	if got.Address != "10.0.3.1/24" {
		t.Fatalf("B/1 address = %s, want 10.0.3.1/24", got.Address)
	}

	tap, _ := driver.Link(want.Tap)
	if tap.Master != want.Bridge || !tap.Up {
		t.Fatalf("tap not enslaved and up: %+v", tap)
	}
	peer, _ := driver.Link(want.VethPeer)
	if peer.Netns != got.Namespace || peer.Addr != got.Address || !peer.Up {
		t.Fatalf("veth peer not configured in namespace: %+v", peer)
	}

	if err := core.AttachInterfaces(sim, router, pairs); err != nil {
		t.Fatalf("AttachInterfaces: %v", err)
	}
}

func TestProvisionFailedPairLeavesNothing(t *testing.T) {
	sim, router := compileThreeNode(t)
	driver := netdev.NewFakeDriver()
	table := firewall.NewFakeTable()
	m := NewManager(driver, WithFirewall(firewall.NewManager(table)))
	reg := registry.New(experiment)

	first := pairNames(t, 0, 0)
	driver.FailOn("MoveLink", first.VethPeer, errors.New("injected"))

	pairs, err := m.Provision(context.Background(), reg, sim, router)
	if !errors.Is(err, model.ErrInterfaceCreateFailed) {
		t.Fatalf("Provision error = %v, want ErrInterfaceCreateFailed", err)
	}
	if errors.Is(err, model.ErrNameCollision) {
		t.Fatalf("an injected OS failure must not read as a name collision")
	}
	if len(pairs) != 0 {
		t.Fatalf("got %d pairs, want 0", len(pairs))
	}
	if links := driver.AllLinks(); len(links) != 0 {
		t.Fatalf("links left behind: %v", links)
	}
	if ns, _ := driver.ListNamespaces(); len(ns) != 0 {
		t.Fatalf("namespaces left behind: %v", ns)
	}
	if live := reg.Live(); len(live) != 0 {
		t.Fatalf("live records left behind: %v", live)
	}
}

func TestProvisionFailureKeepsCompletedPairs(t *testing.T) {
	sim, router := compileThreeNode(t)
	driver := netdev.NewFakeDriver()
	m := NewManager(driver)
	reg := registry.New(experiment)

	driver.FailOn("ConfigureAddress", pairNames(t, 1, 1).VethPeer, errors.New("injected"))

	pairs, err := m.Provision(context.Background(), reg, sim, router)
	if !errors.Is(err, model.ErrInterfaceCreateFailed) {
		t.Fatalf("Provision error = %v, want ErrInterfaceCreateFailed", err)
	}
	if len(pairs) != 3 {
		t.Fatalf("got %d completed pairs, want 3", len(pairs))
	}
	// A's namespace and two pairs, B's namespace and first pair
	if n := len(driver.AllLinks()); n != 12 {
		t.Fatalf("driver holds %d links, want 12", n)
	}
	if n := len(reg.Live()); n != 2+3*3 {
		t.Fatalf("registry holds %d live records, want %d", n, 2+3*3)
	}
	for _, name := range pairNames(t, 1, 1).Names() {
		if _, ok := driver.Link(name); ok {
			t.Fatalf("failed pair left %s behind", name)
		}
	}
}

func TestProvisionDetectsLeftoverInterface(t *testing.T) {
	sim, router := compileThreeNode(t)
	driver := netdev.NewFakeDriver()
	leftover := pairNames(t, 2, 1).Bridge
	driver.AddLink(leftover, "bridge")
	m := NewManager(driver)
	reg := registry.New(experiment)

	_, err := m.Provision(context.Background(), reg, sim, router)
	var nc *model.NameCollisionError
	if !errors.As(err, &nc) {
		t.Fatalf("Provision error = %v, want *NameCollisionError", err)
	}
	if nc.Name != leftover {
		t.Fatalf("collision names %q, want %q", nc.Name, leftover)
	}
	if n := len(driver.AllLinks()); n != 1 {
		t.Fatalf("Provision created devices despite the collision: %v", driver.AllLinks())
	}
}

func TestProvisionRejectsLiveExperiment(t *testing.T) {
	sim, router := compileThreeNode(t)
	m := NewManager(netdev.NewFakeDriver())
	reg := registry.New(experiment)

	if _, err := m.Provision(context.Background(), reg, sim, router); err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	if _, err := m.Provision(context.Background(), reg, sim, router); !errors.Is(err, model.ErrNameCollision) {
		t.Fatalf("second Provision error = %v, want ErrNameCollision", err)
	}
}

func TestProvisionAlreadyExistsDuringCreate(t *testing.T) {
	sim, router := compileThreeNode(t)
	driver := netdev.NewFakeDriver()
	m := NewManager(driver)
	reg := registry.New(experiment)

	br := pairNames(t, 0, 1).Bridge
	driver.FailOn("CreateBridge", br, netdev.ErrExists)

	_, err := m.Provision(context.Background(), reg, sim, router)
	var ce *model.InterfaceCreateError
	if !errors.As(err, &ce) {
		t.Fatalf("Provision error = %v, want *InterfaceCreateError", err)
	}
	if !ce.AlreadyExists || ce.Name != br {
		t.Fatalf("InterfaceCreateError = %+v, want already-exists on %s", ce, br)
	}
	if !errors.Is(err, model.ErrNameCollision) {
		t.Fatalf("already-exists should match ErrNameCollision")
	}
}

func TestProvisionDetectsTagOwnedByAnotherExperiment(t *testing.T) {
	sim, router := compileThreeNode(t)
	dir := t.TempDir()
	store, err := registry.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	other := registry.Journal{
		Experiment: "other",
		Tag:        naming.Tag(experiment),
		UpdatedAt:  time.Now().UTC(),
		Records: []model.ResourceRecord{
			{Kind: model.KindBridge, Name: "znbxxxxxx000000", Experiment: "other", CreatedAt: time.Now().UTC()},
		},
	}
	data, err := json.Marshal(other)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "other.json"), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	reg, err := store.Open(experiment)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reg.Close()

	m := NewManager(netdev.NewFakeDriver(), WithStore(store))
	if _, err := m.Provision(context.Background(), reg, sim, router); !errors.Is(err, model.ErrNameCollision) {
		t.Fatalf("Provision error = %v, want ErrNameCollision", err)
	}
}

func TestProvisionHonoursCancellation(t *testing.T) {
	sim, router := compileThreeNode(t)
	m := NewManager(netdev.NewFakeDriver())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Provision(ctx, registry.New(experiment), sim, router); !errors.Is(err, context.Canceled) {
		t.Fatalf("Provision error = %v, want context.Canceled", err)
	}
}

// provisioned returns a manager and registry holding a finished provision of
// the three-node scenario, in the phase the orchestrator leaves it.
func provisioned(t *testing.T) (*Manager, *netdev.FakeDriver, *registry.Registry, []model.BridgedInterfacePair) {
	t.Helper()
	sim, router := compileThreeNode(t)
	driver := netdev.NewFakeDriver()
	m := NewManager(driver, WithFirewall(firewall.NewManager(firewall.NewFakeTable())))
	reg := registry.New(experiment)
	if err := reg.SetPhase(model.PhaseCompile); err != nil {
		t.Fatalf("SetPhase: %v", err)
	}
	pairs, err := m.Provision(context.Background(), reg, sim, router)
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	return m, driver, reg, pairs
}

func TestAdoptReturnsProvisionedPairs(t *testing.T) {
	m, driver, reg, want := provisioned(t)
	calls := len(driver.Calls())

	sim, router := compileThreeNode(t)
	got, err := m.Adopt(context.Background(), reg, sim, router)
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("adopted %d pairs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pair %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	for _, c := range driver.Calls()[calls:] {
		if strings.HasPrefix(c, "Create") {
			t.Fatalf("Adopt created a device: %s", c)
		}
	}
}

func TestAdoptRejectsMismatchedJournal(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, driver *netdev.FakeDriver, reg *registry.Registry)
		graph  *model.Graph
	}{
		{
			name: "journal past compile",
			mutate: func(t *testing.T, _ *netdev.FakeDriver, reg *registry.Registry) {
				if err := reg.SetPhase(model.PhaseBuild); err != nil {
					t.Fatalf("SetPhase: %v", err)
				}
			},
		},
		{
			name: "device gone",
			mutate: func(t *testing.T, driver *netdev.FakeDriver, _ *registry.Registry) {
				if err := driver.DeleteLink(pairNames(t, 0, 0).Tap); err != nil {
					t.Fatalf("DeleteLink: %v", err)
				}
			},
		},
		{
			name: "unplanned live record",
			mutate: func(t *testing.T, _ *netdev.FakeDriver, reg *registry.Registry) {
				if err := reg.Record(model.ResourceRecord{Kind: model.KindProcess, Name: "router-A", PID: 4242}); err != nil {
					t.Fatalf("Record: %v", err)
				}
			},
		},
		{
			name: "other topology",
			graph: &model.Graph{
				Nodes: []model.Node{{ID: "A"}, {ID: "B"}},
				Links: []model.Link{{Source: "A", Target: "B", Bandwidth: "100Mbps", Latency: "1ms"}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, driver, reg, _ := provisioned(t)
			if tt.mutate != nil {
				tt.mutate(t, driver, reg)
			}
			sim, router := compileThreeNode(t)
			if tt.graph != nil {
				var err error
				if sim, router, err = core.Compile(tt.graph); err != nil {
					t.Fatalf("Compile: %v", err)
				}
			}
			_, err := m.Adopt(context.Background(), reg, sim, router)
			if !errors.Is(err, model.ErrNameCollision) {
				t.Fatalf("Adopt error = %v, want name collision", err)
			}
		})
	}
}
