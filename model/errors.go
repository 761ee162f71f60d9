package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrTopologyInvalid marks malformed or disconnected graphs.
	ErrTopologyInvalid = errors.New("topology invalid")
	// ErrNameCollision marks a derived resource name that is already taken.
	ErrNameCollision = errors.New("name collision")
	// ErrInterfaceCreateFailed marks an OS-level provisioning failure.
	ErrInterfaceCreateFailed = errors.New("interface create failed")
	// ErrReadinessTimeout marks a child that did not become ready in time.
	ErrReadinessTimeout = errors.New("readiness timeout")
	// ErrTeardownPartial marks a sweep that could not remove every resource.
	ErrTeardownPartial = errors.New("teardown partial")
	// ErrBuildFailed marks a failed simulation build.
	ErrBuildFailed = errors.New("simulation build failed")
	// ErrSimulationFailed marks a simulator or router that exited abnormally.
	ErrSimulationFailed = errors.New("simulation failed")
	// ErrInterrupted marks a run stopped by an external signal.
	ErrInterrupted = errors.New("interrupted")
)

// TopologyError names the node, link or component that made a graph invalid.
type TopologyError struct {
	Reason string
	Node   string
	Link   string
	// Component lists the nodes unreachable from the rest of the graph.
	Component []string
}

func (e *TopologyError) Error() string {
	var b strings.Builder
	b.WriteString("topology invalid: ")
	b.WriteString(e.Reason)
	if e.Node != "" {
		fmt.Fprintf(&b, " (node %q)", e.Node)
	}
	if e.Link != "" {
		fmt.Fprintf(&b, " (link %s)", e.Link)
	}
	if len(e.Component) > 0 {
		fmt.Fprintf(&b, " (unreachable component [%s])", strings.Join(e.Component, ", "))
	}
	b.WriteString("; fix the topology file and recompile")
	return b.String()
}

func (e *TopologyError) Unwrap() error { return ErrTopologyInvalid }

// NameCollisionError reports a resource name that is already in use.
type NameCollisionError struct {
	Experiment string
	Name       string
	Reason     string
}

func (e *NameCollisionError) Error() string {
	return fmt.Sprintf("name collision on %q for experiment %q: %s; run teardown for experiment %s before retrying",
		e.Name, e.Experiment, e.Reason, e.Experiment)
}

func (e *NameCollisionError) Unwrap() error { return ErrNameCollision }

// InterfaceCreateError reports a failed device creation. AlreadyExists is
// set when the kernel refused because the name is taken, which usually means
// a crashed earlier run left it behind.
type InterfaceCreateError struct {
	Experiment    string
	Name          string
	AlreadyExists bool
	Cause         error
}

func (e *InterfaceCreateError) Error() string {
	if e.AlreadyExists {
		return fmt.Sprintf("create %s: already exists (likely left over from a crashed run); run teardown for experiment %s first",
			e.Name, e.Experiment)
	}
	return fmt.Sprintf("create %s: %v", e.Name, e.Cause)
}

// Is matches both ErrInterfaceCreateFailed and, for already-exists
// failures, ErrNameCollision.
func (e *InterfaceCreateError) Is(target error) bool {
	if target == ErrInterfaceCreateFailed {
		return true
	}
	return e.AlreadyExists && target == ErrNameCollision
}

func (e *InterfaceCreateError) Unwrap() error { return e.Cause }

// ReadinessTimeoutError reports a child that did not signal ready in time.
type ReadinessTimeoutError struct {
	Component string
	Timeout   time.Duration
	Cause     error
}

func (e *ReadinessTimeoutError) Error() string {
	msg := fmt.Sprintf("%s not ready within %s", e.Component, e.Timeout)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ReadinessTimeoutError) Is(target error) bool { return target == ErrReadinessTimeout }

func (e *ReadinessTimeoutError) Unwrap() error { return e.Cause }

// TeardownPartialError lists resources a sweep could not remove.
type TeardownPartialError struct {
	Experiment string
	Failed     []string
	Cause      error
}

func (e *TeardownPartialError) Error() string {
	return fmt.Sprintf("teardown of %s left %d resource(s) behind: %s; remove them manually or rerun teardown",
		e.Experiment, len(e.Failed), strings.Join(e.Failed, ", "))
}

func (e *TeardownPartialError) Is(target error) bool { return target == ErrTeardownPartial }

func (e *TeardownPartialError) Unwrap() error { return e.Cause }
