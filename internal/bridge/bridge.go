// Package bridge provisions the kernel devices that join each simulated
// node to a real router: per node a network namespace, and per incidence a
// tap for the simulator, a bridge, and a veth pair whose peer end lives in
// the node namespace with the router's address.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/firewall"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/logging"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/naming"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/netdev"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/registry"
)

// Manager creates bridged interface pairs.
type Manager struct {
	driver   netdev.Driver
	firewall *firewall.Manager
	store    *registry.Store
	log      logging.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithFirewall installs a forward accept rule per bridge.
func WithFirewall(fw *firewall.Manager) Option {
	return func(m *Manager) { m.firewall = fw }
}

// WithStore lets the manager detect a naming tag already used by another
// experiment's journal.
func WithStore(s *registry.Store) Option {
	return func(m *Manager) { m.store = s }
}

// WithLogger sets the manager's logger.
func WithLogger(log logging.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// NewManager returns a manager creating devices through driver.
func NewManager(driver netdev.Driver, opts ...Option) *Manager {
	m := &Manager{driver: driver}
	for _, opt := range opts {
		opt(m)
	}
	if m.log == nil {
		m.log = logging.Noop()
	}
	return m
}

type planned struct {
	pair model.BridgedInterfacePair
	// first is set on a node's first incidence, which also creates the
	// node namespace.
	first bool
}

// Provision creates one bridged pair per incidence of sim, recording each
// resource in reg before creating it. Each pair is atomic: on failure the
// resources already created for it are removed and marked removed, while
// pairs completed earlier stay recorded for teardown.
func (m *Manager) Provision(ctx context.Context, reg *registry.Registry, sim *model.SimulationDescription, router *model.RouterDescription) ([]model.BridgedInterfacePair, error) {
	exp := reg.Experiment()
	log := m.log.With(logging.String("experiment", exp))
	start := time.Now()

	plan, err := m.plan(reg, sim, router)
	if err != nil {
		return nil, err
	}
	if err := m.checkCollisions(reg, plan); err != nil {
		return nil, err
	}
	if err := reg.Reset(); err != nil {
		return nil, err
	}

	pairs := make([]model.BridgedInterfacePair, 0, len(plan))
	for _, p := range plan {
		if err := ctx.Err(); err != nil {
			return pairs, fmt.Errorf("provision %s: %w", exp, err)
		}
		if p.first {
			if err := m.createNamespace(reg, p.pair.Namespace); err != nil {
				log.Error(ctx, "namespace creation failed",
					logging.String("namespace", p.pair.Namespace), logging.Err(err))
				return pairs, err
			}
		}
		if err := m.createPair(reg, p.pair); err != nil {
			if p.first {
				m.dropNamespace(reg, p.pair.Namespace)
			}
			log.Error(ctx, "interface pair creation failed",
				logging.String("node", p.pair.NodeID),
				logging.Int("incidence", p.pair.Incidence),
				logging.Err(err))
			return pairs, err
		}
		log.Debug(ctx, "interface pair ready",
			logging.String("node", p.pair.NodeID),
			logging.Int("incidence", p.pair.Incidence),
			logging.String("tap", p.pair.Tap),
			logging.String("veth", p.pair.VethPeer),
			logging.String("address", p.pair.Address))
		pairs = append(pairs, p.pair)
	}

	log.Info(ctx, "interfaces provisioned",
		logging.Int("pairs", len(pairs)),
		logging.Duration("elapsed", time.Since(start)))
	return pairs, nil
}

// Adopt returns the pairs a completed Provision of the same descriptions
// left in reg, so a later run can use them without creating anything. The
// journal must be in COMPILE, its live records must be exactly the planned
// resources, and every planned device must still exist. Anything else is a
// name collision.
func (m *Manager) Adopt(ctx context.Context, reg *registry.Registry, sim *model.SimulationDescription, router *model.RouterDescription) ([]model.BridgedInterfacePair, error) {
	exp := reg.Experiment()
	if phase := reg.Phase(); phase != model.PhaseCompile {
		return nil, &model.NameCollisionError{Experiment: exp, Name: exp,
			Reason: fmt.Sprintf("journal is in phase %s, not left by a provision", phase)}
	}
	plan, err := m.plan(reg, sim, router)
	if err != nil {
		return nil, err
	}

	want := make(map[string]bool)
	for _, p := range plan {
		for _, rec := range m.records(p) {
			want[rec.Key()] = true
		}
	}
	live := reg.Live()
	for _, rec := range live {
		if !want[rec.Key()] {
			return nil, &model.NameCollisionError{Experiment: exp, Name: rec.Name,
				Reason: "live resource does not belong to this topology"}
		}
	}
	if len(live) != len(want) {
		return nil, &model.NameCollisionError{Experiment: exp, Name: exp,
			Reason: fmt.Sprintf("journal lists %d of %d provisioned resources", len(live), len(want))}
	}

	pairs := make([]model.BridgedInterfacePair, 0, len(plan))
	for _, p := range plan {
		if p.first {
			ok, err := m.driver.NamespaceExists(p.pair.Namespace)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &model.NameCollisionError{Experiment: exp, Name: p.pair.Namespace, Reason: "recorded namespace is gone"}
			}
		}
		for _, name := range []string{p.pair.Tap, p.pair.Bridge, p.pair.VethHost} {
			ok, err := m.driver.LinkExists(name)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, &model.NameCollisionError{Experiment: exp, Name: name, Reason: "recorded interface is gone"}
			}
		}
		pairs = append(pairs, p.pair)
	}
	m.log.Info(ctx, "reusing provisioned interfaces",
		logging.String("experiment", exp), logging.Int("pairs", len(pairs)))
	return pairs, nil
}

// records lists the registry records Provision writes for p.
func (m *Manager) records(p planned) []model.ResourceRecord {
	var recs []model.ResourceRecord
	if p.first {
		recs = append(recs, model.ResourceRecord{Kind: model.KindNamespace, Name: p.pair.Namespace})
	}
	recs = append(recs,
		model.ResourceRecord{Kind: model.KindInterface, Name: p.pair.Tap},
		model.ResourceRecord{Kind: model.KindBridge, Name: p.pair.Bridge},
		model.ResourceRecord{Kind: model.KindInterface, Name: p.pair.VethHost})
	if m.firewall != nil {
		recs = append(recs, model.ResourceRecord{Kind: model.KindFirewallRule, Name: p.pair.Bridge})
	}
	return recs
}

// plan derives every name up front so collisions are found before anything
// is created.
func (m *Manager) plan(reg *registry.Registry, sim *model.SimulationDescription, router *model.RouterDescription) ([]planned, error) {
	exp := reg.Experiment()
	scheme := naming.New(exp)
	seen := make(map[string]string)
	claim := func(name, owner string) error {
		if prev, dup := seen[name]; dup {
			return &model.NameCollisionError{Experiment: exp, Name: name,
				Reason: fmt.Sprintf("derived for both %s and %s", prev, owner)}
		}
		seen[name] = owner
		return nil
	}

	var plan []planned
	for _, node := range sim.Nodes {
		rn := router.Node(node.ID)
		if rn == nil {
			return nil, fmt.Errorf("router description has no node %q", node.ID)
		}
		ns := scheme.Namespace(node.Index)
		if err := claim(ns, "namespace of "+node.ID); err != nil {
			return nil, err
		}
		for i, inc := range node.Incidences {
			names, err := scheme.Pair(node.Index, inc.Index)
			if err != nil {
				return nil, fmt.Errorf("derive names for node %q incidence %d: %w", node.ID, inc.Index, err)
			}
			owner := fmt.Sprintf("%s/%d", node.ID, inc.Index)
			for _, n := range names.Names() {
				if err := claim(n, owner); err != nil {
					return nil, err
				}
			}
			if i >= len(rn.Endpoints) {
				return nil, fmt.Errorf("node %q has no endpoint for incidence %d", node.ID, inc.Index)
			}
			plan = append(plan, planned{
				first: i == 0,
				pair: model.BridgedInterfacePair{
					NodeID:    node.ID,
					NodeIndex: node.Index,
					Incidence: inc.Index,
					Tap:       names.Tap,
					Bridge:    names.Bridge,
					VethHost:  names.VethHost,
					VethPeer:  names.VethPeer,
					Namespace: ns,
					Address:   rn.Endpoints[i].Prefix,
				},
			})
		}
	}
	return plan, nil
}

func (m *Manager) checkCollisions(reg *registry.Registry, plan []planned) error {
	exp := reg.Experiment()
	if live := reg.Live(); len(live) > 0 {
		return &model.NameCollisionError{Experiment: exp, Name: live[0].Name,
			Reason: fmt.Sprintf("experiment still has %d live resource(s) from an earlier run", len(live))}
	}
	if m.store != nil {
		owner, found, err := m.store.TagOwner(reg.Tag(), exp)
		if err != nil {
			return err
		}
		if found {
			return &model.NameCollisionError{Experiment: exp, Name: reg.Tag(),
				Reason: fmt.Sprintf("naming tag is already used by live experiment %q", owner)}
		}
	}
	for _, p := range plan {
		if p.first {
			ok, err := m.driver.NamespaceExists(p.pair.Namespace)
			if err != nil {
				return err
			}
			if ok {
				return &model.NameCollisionError{Experiment: exp, Name: p.pair.Namespace, Reason: "namespace already exists"}
			}
		}
		for _, name := range []string{p.pair.Tap, p.pair.Bridge, p.pair.VethHost, p.pair.VethPeer} {
			ok, err := m.driver.LinkExists(name)
			if err != nil {
				return err
			}
			if ok {
				return &model.NameCollisionError{Experiment: exp, Name: name, Reason: "interface already exists"}
			}
		}
	}
	return nil
}

func (m *Manager) createNamespace(reg *registry.Registry, ns string) error {
	if err := reg.Record(model.ResourceRecord{Kind: model.KindNamespace, Name: ns}); err != nil {
		return err
	}
	if err := m.driver.CreateNamespace(ns); err != nil {
		_ = reg.MarkRemoved(model.KindNamespace, ns)
		return createError(reg.Experiment(), ns, err)
	}
	return nil
}

// dropNamespace removes a namespace whose first pair failed, so a failed
// pair never leaves anything of its node behind.
func (m *Manager) dropNamespace(reg *registry.Registry, ns string) {
	if err := m.driver.DeleteNamespace(ns); err != nil && !errors.Is(err, netdev.ErrNotFound) {
		return
	}
	_ = reg.MarkRemoved(model.KindNamespace, ns)
}

// createPair runs the pair's steps in order, undoing completed ones in
// reverse if a later step fails.
func (m *Manager) createPair(reg *registry.Registry, p model.BridgedInterfacePair) error {
	exp := reg.Experiment()
	var undo []func() error

	rollback := func(cause error) error {
		var errs *multierror.Error
		for i := len(undo) - 1; i >= 0; i-- {
			if err := undo[i](); err != nil {
				errs = multierror.Append(errs, err)
			}
		}
		if errs.ErrorOrNil() != nil {
			return fmt.Errorf("%w (rollback incomplete: %v)", cause, errs)
		}
		return cause
	}

	create := func(kind model.ResourceKind, name, peer string, do func() error, remove func() error, notFound error) error {
		if err := reg.Record(model.ResourceRecord{Kind: kind, Name: name, Peer: peer}); err != nil {
			return err
		}
		if err := do(); err != nil {
			_ = reg.MarkRemoved(kind, name)
			return createError(exp, name, err)
		}
		undo = append(undo, func() error {
			if err := remove(); err != nil && !errors.Is(err, notFound) {
				return err
			}
			return reg.MarkRemoved(kind, name)
		})
		return nil
	}
	deleteLink := func(name string) func() error {
		return func() error { return m.driver.DeleteLink(name) }
	}

	if err := create(model.KindInterface, p.Tap, "",
		func() error { return m.driver.CreateTap(p.Tap) }, deleteLink(p.Tap), netdev.ErrNotFound); err != nil {
		return rollback(err)
	}
	if err := create(model.KindBridge, p.Bridge, "",
		func() error { return m.driver.CreateBridge(p.Bridge) }, deleteLink(p.Bridge), netdev.ErrNotFound); err != nil {
		return rollback(err)
	}
	if err := create(model.KindInterface, p.VethHost, p.VethPeer,
		func() error { return m.driver.CreateVethPair(p.VethHost, p.VethPeer) }, deleteLink(p.VethHost), netdev.ErrNotFound); err != nil {
		return rollback(err)
	}

	steps := []struct {
		name string
		do   func() error
	}{
		{p.Tap, func() error { return m.driver.SetMaster(p.Tap, p.Bridge) }},
		{p.VethHost, func() error { return m.driver.SetMaster(p.VethHost, p.Bridge) }},
		{p.Tap, func() error { return m.driver.SetUp(p.Tap) }},
		{p.VethHost, func() error { return m.driver.SetUp(p.VethHost) }},
		{p.Bridge, func() error { return m.driver.SetUp(p.Bridge) }},
		{p.VethPeer, func() error { return m.driver.MoveLink(p.VethPeer, netdev.Namespace{}, netdev.Named(p.Namespace)) }},
		{p.VethPeer, func() error { return m.driver.ConfigureAddress(netdev.Named(p.Namespace), p.VethPeer, p.Address) }},
	}
	for _, s := range steps {
		if err := s.do(); err != nil {
			return rollback(createError(exp, s.name, err))
		}
	}

	if m.firewall != nil {
		rule := firewall.Rule{Bridge: p.Bridge, Tag: reg.Tag()}
		if err := create(model.KindFirewallRule, p.Bridge, "",
			func() error { return m.firewall.Allow(rule) },
			func() error { return m.firewall.Remove(rule) }, firewall.ErrNotFound); err != nil {
			return rollback(err)
		}
	}
	return nil
}

func createError(exp, name string, err error) error {
	var ce *model.InterfaceCreateError
	if errors.As(err, &ce) {
		return err
	}
	return &model.InterfaceCreateError{
		Experiment:    exp,
		Name:          name,
		AlreadyExists: errors.Is(err, netdev.ErrExists),
		Cause:         err,
	}
}
