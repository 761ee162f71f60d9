//go:build linux

package netdev

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

// NetnsDir is where named namespaces are bind-mounted.
const NetnsDir = "/run/netns"

// Netlink drives devices through rtnetlink and named namespaces through
// bind mounts, the same way ip(8) does.
type Netlink struct{}

// New returns the netlink-backed driver.
func New() (Driver, error) {
	return &Netlink{}, nil
}

func (d *Netlink) CreateTap(name string) error {
	tap := &netlink.Tuntap{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		Mode:      netlink.TUNTAP_MODE_TAP,
		Flags:     netlink.TUNTAP_DEFAULTS | netlink.TUNTAP_NO_PI,
	}
	return wrap("create tap", name, netlink.LinkAdd(tap))
}

func (d *Netlink) CreateBridge(name string) error {
	br := &netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}}
	return wrap("create bridge", name, netlink.LinkAdd(br))
}

func (d *Netlink) CreateVethPair(name, peer string) error {
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: name},
		PeerName:  peer,
	}
	return wrap("create veth", name, netlink.LinkAdd(veth))
}

func (d *Netlink) SetMaster(name, master string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return wrap("set master", name, err)
	}
	m, err := netlink.LinkByName(master)
	if err != nil {
		return wrap("set master", master, err)
	}
	return wrap("set master", name, netlink.LinkSetMaster(l, m))
}

func (d *Netlink) SetUp(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return wrap("set up", name, err)
	}
	return wrap("set up", name, netlink.LinkSetUp(l))
}

func (d *Netlink) DeleteLink(name string) error {
	l, err := netlink.LinkByName(name)
	if err != nil {
		return wrap("delete link", name, err)
	}
	return wrap("delete link", name, netlink.LinkDel(l))
}

func (d *Netlink) LinkExists(name string) (bool, error) {
	_, err := netlink.LinkByName(name)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, wrap("lookup link", name, err)
}

func (d *Netlink) ListLinks() ([]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, wrap("list links", "", err)
	}
	names := make([]string, 0, len(links))
	for _, l := range links {
		names = append(names, l.Attrs().Name)
	}
	sort.Strings(names)
	return names, nil
}

// CreateNamespace creates a named namespace with loopback up. netns.NewNamed
// switches the calling thread into the new namespace, so the thread is locked
// and switched back before returning.
func (d *Netlink) CreateNamespace(name string) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	if err != nil {
		return wrap("create netns", name, err)
	}
	defer origin.Close()

	// NewNamed may leave the thread in a fresh namespace even when it fails.
	ns, createErr := netns.NewNamed(name)
	var setupErr error
	if createErr == nil {
		defer ns.Close()
		if lo, err := netlink.LinkByName("lo"); err == nil {
			setupErr = netlink.LinkSetUp(lo)
		}
	} else {
		setupErr = createErr
	}
	if err := netns.Set(origin); err != nil {
		// The thread is stuck in the wrong namespace; let it die with the goroutine.
		runtime.LockOSThread()
		return wrap("create netns", name, fmt.Errorf("restore namespace: %w", err))
	}
	return wrap("create netns", name, setupErr)
}

func (d *Netlink) DeleteNamespace(name string) error {
	ok, err := d.NamespaceExists(name)
	if err != nil {
		return err
	}
	if !ok {
		return &OpError{Op: "delete netns", Name: name, Err: ErrNotFound}
	}
	return wrap("delete netns", name, netns.DeleteNamed(name))
}

func (d *Netlink) NamespaceExists(name string) (bool, error) {
	_, err := os.Stat(NetnsDir + "/" + name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, wrap("lookup netns", name, err)
}

func (d *Netlink) ListNamespaces() ([]string, error) {
	entries, err := os.ReadDir(NetnsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("list netns", NetnsDir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (d *Netlink) MoveLink(link string, from, to Namespace) error {
	h, closeFrom, err := handleFor(from)
	if err != nil {
		return wrap("move link", link, err)
	}
	defer closeFrom()

	l, err := h.LinkByName(link)
	if err != nil {
		return wrap("move link", link, err)
	}
	if to.PID != 0 {
		return wrap("move link", link, h.LinkSetNsPid(l, to.PID))
	}
	target, err := nsHandle(to)
	if err != nil {
		return wrap("move link", link, err)
	}
	defer target.Close()
	return wrap("move link", link, h.LinkSetNsFd(l, int(target)))
}

func (d *Netlink) ConfigureAddress(ns Namespace, link, cidr string) error {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return wrap("configure address", link, err)
	}
	h, closeHandle, err := handleFor(ns)
	if err != nil {
		return wrap("configure address", link, err)
	}
	defer closeHandle()

	l, err := h.LinkByName(link)
	if err != nil {
		return wrap("configure address", link, err)
	}
	if err := h.AddrReplace(l, addr); err != nil {
		return wrap("configure address", link, err)
	}
	if err := h.LinkSetUp(l); err != nil {
		return wrap("configure address", link, err)
	}
	if lo, err := h.LinkByName("lo"); err == nil {
		if err := h.LinkSetUp(lo); err != nil {
			return wrap("configure address", "lo", err)
		}
	}
	return nil
}

func nsHandle(ns Namespace) (netns.NsHandle, error) {
	switch {
	case ns.Name != "":
		return netns.GetFromName(ns.Name)
	case ns.PID != 0:
		return netns.GetFromPid(ns.PID)
	default:
		return netns.Get()
	}
}

func handleFor(ns Namespace) (*netlink.Handle, func(), error) {
	if ns.IsRoot() {
		h, err := netlink.NewHandle()
		if err != nil {
			return nil, nil, err
		}
		return h, h.Close, nil
	}
	nsh, err := nsHandle(ns)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", ns, err)
	}
	h, err := netlink.NewHandleAt(nsh)
	if err != nil {
		nsh.Close()
		return nil, nil, err
	}
	return h, func() {
		h.Close()
		nsh.Close()
	}, nil
}

func isNotFound(err error) bool {
	var nf netlink.LinkNotFoundError
	return errors.As(err, &nf) || errors.Is(err, unix.ENODEV) || errors.Is(err, os.ErrNotExist)
}

// wrap classifies kernel errors into ErrExists and ErrNotFound so callers can
// tell a leftover device from a genuine failure.
func wrap(op, name string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EEXIST):
		return &OpError{Op: op, Name: name, Err: fmt.Errorf("%w: %v", ErrExists, err)}
	case isNotFound(err):
		return &OpError{Op: op, Name: name, Err: fmt.Errorf("%w: %v", ErrNotFound, err)}
	default:
		return &OpError{Op: op, Name: name, Err: err}
	}
}
