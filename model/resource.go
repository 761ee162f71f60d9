package model

import (
	"fmt"
	"time"
)

// ResourceKind classifies kernel-visible or host-visible resources created
// during an experiment.
type ResourceKind string

const (
	KindProcess      ResourceKind = "process"
	KindContainer    ResourceKind = "container"
	KindSession      ResourceKind = "session"
	KindInterface    ResourceKind = "interface"
	KindBridge       ResourceKind = "bridge"
	KindNamespace    ResourceKind = "namespace"
	KindFirewallRule ResourceKind = "firewall-rule"
)

// TeardownStage returns the position of kind in teardown order. Resources
// with a lower stage are removed first: processes before the interfaces they
// use, interfaces before the bridges and namespaces holding them, and
// firewall rules last.
func (k ResourceKind) TeardownStage() int {
	switch k {
	case KindProcess, KindContainer, KindSession:
		return 0
	case KindInterface:
		return 1
	case KindBridge, KindNamespace:
		return 2
	case KindFirewallRule:
		return 3
	default:
		return 4
	}
}

// Valid reports whether k is a known kind.
func (k ResourceKind) Valid() bool {
	return k.TeardownStage() < 4
}

// ResourceRecord describes one resource owned by an experiment. Records are
// never mutated after creation except for the single RemovedAt mark.
type ResourceRecord struct {
	Kind       ResourceKind `json:"kind"`
	Name       string       `json:"name"`
	Experiment string       `json:"experiment"`

	// PID is set for process and session records. For sessions it is also
	// the process group id.
	PID int `json:"pid,omitempty"`
	// Command is the executable name of a process, used to guard against
	// pid reuse when a stale record is swept.
	Command string `json:"command,omitempty"`
	// Peer is the other end of a veth pair.
	Peer string `json:"peer,omitempty"`
	// Tag is the experiment tag embedded in resource names.
	Tag string `json:"tag,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// Key identifies a record within one experiment.
func (r *ResourceRecord) Key() string {
	return string(r.Kind) + "/" + r.Name
}

// Live reports whether the record has not yet been marked removed.
func (r *ResourceRecord) Live() bool {
	return r != nil && r.RemovedAt == nil
}

func (r *ResourceRecord) String() string {
	if r.PID > 0 {
		return fmt.Sprintf("%s %s (pid %d)", r.Kind, r.Name, r.PID)
	}
	return fmt.Sprintf("%s %s", r.Kind, r.Name)
}
