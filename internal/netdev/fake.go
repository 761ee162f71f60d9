package netdev

import (
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// FakeDriver is an in-memory Driver for tests. It models the kernel
// behaviour the harness depends on: names are unique per namespace, deleting
// one end of a veth pair deletes both, and deleting a namespace destroys the
// links inside it. Failures can be injected per (op, name).
type FakeDriver struct {
	mu         sync.Mutex
	links      map[string]*FakeLink
	namespaces map[string]bool
	failures   map[string]error
	calls      []string
}

// FakeLink is the state of one fake device.
type FakeLink struct {
	Kind   string
	Peer   string
	Master string
	Up     bool
	// Netns is "" for the host namespace, a namespace name, or "pid:<n>".
	Netns string
	Addr  string
}

// NewFakeDriver returns an empty fake.
func NewFakeDriver() *FakeDriver {
	return &FakeDriver{
		links:      make(map[string]*FakeLink),
		namespaces: make(map[string]bool),
		failures:   make(map[string]error),
	}
}

// FailOn makes the next call of op on name return err. Ops are the method
// names, e.g. "CreateVethPair" or "DeleteLink".
func (f *FakeDriver) FailOn(op, name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+" "+name] = err
}

// AddLink creates a host-namespace link directly, as if left by another run.
func (f *FakeDriver) AddLink(name, kind string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[name] = &FakeLink{Kind: kind}
}

// AddNamespace creates a namespace directly.
func (f *FakeDriver) AddNamespace(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.namespaces[name] = true
}

// Link returns a copy of a link's state.
func (f *FakeDriver) Link(name string) (FakeLink, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.links[name]
	if !ok {
		return FakeLink{}, false
	}
	return *l, true
}

// AllLinks lists every link in every namespace, sorted.
func (f *FakeDriver) AllLinks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.links))
	for n := range f.links {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Calls returns the operations performed so far as "Op name" strings.
func (f *FakeDriver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeDriver) begin(op, name string) error {
	f.calls = append(f.calls, op+" "+name)
	key := op + " " + name
	if err, ok := f.failures[key]; ok {
		delete(f.failures, key)
		return &OpError{Op: op, Name: name, Err: err}
	}
	return nil
}

func (f *FakeDriver) create(op, name, kind string) error {
	if err := f.begin(op, name); err != nil {
		return err
	}
	if _, ok := f.links[name]; ok {
		return &OpError{Op: op, Name: name, Err: ErrExists}
	}
	f.links[name] = &FakeLink{Kind: kind}
	return nil
}

func (f *FakeDriver) CreateTap(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.create("CreateTap", name, "tuntap")
}

func (f *FakeDriver) CreateBridge(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.create("CreateBridge", name, "bridge")
}

func (f *FakeDriver) CreateVethPair(name, peer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateVethPair", name); err != nil {
		return err
	}
	for _, n := range []string{name, peer} {
		if _, ok := f.links[n]; ok {
			return &OpError{Op: "CreateVethPair", Name: n, Err: ErrExists}
		}
	}
	f.links[name] = &FakeLink{Kind: "veth", Peer: peer}
	f.links[peer] = &FakeLink{Kind: "veth", Peer: name}
	return nil
}

func (f *FakeDriver) hostLink(op, name string) (*FakeLink, error) {
	l, ok := f.links[name]
	if !ok || l.Netns != "" {
		return nil, &OpError{Op: op, Name: name, Err: ErrNotFound}
	}
	return l, nil
}

func (f *FakeDriver) SetMaster(name, master string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SetMaster", name); err != nil {
		return err
	}
	l, err := f.hostLink("SetMaster", name)
	if err != nil {
		return err
	}
	m, err := f.hostLink("SetMaster", master)
	if err != nil {
		return err
	}
	if m.Kind != "bridge" {
		return &OpError{Op: "SetMaster", Name: master, Err: fmt.Errorf("not a bridge")}
	}
	l.Master = master
	return nil
}

func (f *FakeDriver) SetUp(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("SetUp", name); err != nil {
		return err
	}
	l, err := f.hostLink("SetUp", name)
	if err != nil {
		return err
	}
	l.Up = true
	return nil
}

func (f *FakeDriver) DeleteLink(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteLink", name); err != nil {
		return err
	}
	l, err := f.hostLink("DeleteLink", name)
	if err != nil {
		return err
	}
	f.deleteLocked(name, l)
	return nil
}

func (f *FakeDriver) deleteLocked(name string, l *FakeLink) {
	delete(f.links, name)
	if l.Peer != "" {
		delete(f.links, l.Peer)
	}
	if l.Kind == "bridge" {
		for _, other := range f.links {
			if other.Master == name {
				other.Master = ""
			}
		}
	}
}

func (f *FakeDriver) LinkExists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("LinkExists", name); err != nil {
		return false, err
	}
	l, ok := f.links[name]
	return ok && l.Netns == "", nil
}

func (f *FakeDriver) ListLinks() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListLinks", ""); err != nil {
		return nil, err
	}
	var names []string
	for n, l := range f.links {
		if l.Netns == "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *FakeDriver) CreateNamespace(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("CreateNamespace", name); err != nil {
		return err
	}
	if f.namespaces[name] {
		return &OpError{Op: "CreateNamespace", Name: name, Err: ErrExists}
	}
	f.namespaces[name] = true
	return nil
}

func (f *FakeDriver) DeleteNamespace(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("DeleteNamespace", name); err != nil {
		return err
	}
	if !f.namespaces[name] {
		return &OpError{Op: "DeleteNamespace", Name: name, Err: ErrNotFound}
	}
	delete(f.namespaces, name)
	for n, l := range f.links {
		if l.Netns == name {
			f.deleteLocked(n, l)
		}
	}
	return nil
}

func (f *FakeDriver) NamespaceExists(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("NamespaceExists", name); err != nil {
		return false, err
	}
	return f.namespaces[name], nil
}

func (f *FakeDriver) ListNamespaces() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ListNamespaces", ""); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(f.namespaces))
	for n := range f.namespaces {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func fakeNetns(ns Namespace) string {
	if ns.PID != 0 {
		return "pid:" + strconv.Itoa(ns.PID)
	}
	return ns.Name
}

func (f *FakeDriver) MoveLink(link string, from, to Namespace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("MoveLink", link); err != nil {
		return err
	}
	l, ok := f.links[link]
	if !ok || l.Netns != fakeNetns(from) {
		return &OpError{Op: "MoveLink", Name: link, Err: ErrNotFound}
	}
	if to.Name != "" && !f.namespaces[to.Name] {
		return &OpError{Op: "MoveLink", Name: to.Name, Err: ErrNotFound}
	}
	l.Netns = fakeNetns(to)
	l.Master = ""
	l.Up = false
	return nil
}

func (f *FakeDriver) ConfigureAddress(ns Namespace, link, cidr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.begin("ConfigureAddress", link); err != nil {
		return err
	}
	l, ok := f.links[link]
	if !ok || l.Netns != fakeNetns(ns) {
		return &OpError{Op: "ConfigureAddress", Name: link, Err: ErrNotFound}
	}
	l.Addr = cidr
	l.Up = true
	return nil
}
