// Package netdev creates and removes the kernel network devices and
// namespaces that join simulated nodes to real processes.
package netdev

import (
	"errors"
	"fmt"
)

var (
	// ErrExists is returned when a device or namespace name is already taken.
	ErrExists = errors.New("already exists")
	// ErrNotFound is returned when a device or namespace does not exist.
	ErrNotFound = errors.New("not found")
)

// Namespace identifies a network namespace either by its bind-mounted name
// or by the pid of a process living in it. The zero value is the namespace
// of the harness itself.
type Namespace struct {
	Name string
	PID  int
}

// Named returns the namespace bind-mounted under /run/netns/name.
func Named(name string) Namespace { return Namespace{Name: name} }

// OfProcess returns the namespace of process pid.
func OfProcess(pid int) Namespace { return Namespace{PID: pid} }

// IsRoot reports whether ns is the harness namespace.
func (ns Namespace) IsRoot() bool { return ns.Name == "" && ns.PID == 0 }

func (ns Namespace) String() string {
	switch {
	case ns.Name != "":
		return "netns " + ns.Name
	case ns.PID != 0:
		return fmt.Sprintf("netns of pid %d", ns.PID)
	default:
		return "host netns"
	}
}

// Driver is the set of device operations the harness needs. Link names are
// resolved in the host namespace unless a Namespace is given.
type Driver interface {
	CreateTap(name string) error
	CreateBridge(name string) error
	CreateVethPair(name, peer string) error
	SetMaster(name, master string) error
	SetUp(name string) error
	DeleteLink(name string) error
	LinkExists(name string) (bool, error)
	ListLinks() ([]string, error)

	CreateNamespace(name string) error
	DeleteNamespace(name string) error
	NamespaceExists(name string) (bool, error)
	ListNamespaces() ([]string, error)

	// MoveLink moves a link between namespaces, keeping its name.
	MoveLink(link string, from, to Namespace) error
	// ConfigureAddress assigns cidr to link inside ns and brings both the
	// link and loopback up.
	ConfigureAddress(ns Namespace, link, cidr string) error
}

// OpError records a failed device operation.
type OpError struct {
	Op   string
	Name string
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }
