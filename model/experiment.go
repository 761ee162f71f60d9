package model

import (
	"fmt"
	"regexp"
)

// Phase is the lifecycle phase an experiment currently occupies.
type Phase string

const (
	PhaseCompile       Phase = "COMPILE"
	PhaseBuild         Phase = "BUILD"
	PhaseLaunchRouters Phase = "LAUNCH_ROUTERS"
	PhaseRunSimulation Phase = "RUN_SIMULATION"
	PhaseTeardown      Phase = "TEARDOWN"
	PhaseFailed        Phase = "FAILED"
)

// Phases lists every phase in lifecycle order. FAILED sits after the
// running phases and before TEARDOWN.
var Phases = []Phase{
	PhaseCompile,
	PhaseBuild,
	PhaseLaunchRouters,
	PhaseRunSimulation,
	PhaseFailed,
	PhaseTeardown,
}

func (p Phase) rank() int {
	for i, q := range Phases {
		if q == p {
			return i
		}
	}
	return -1
}

// CanTransition reports whether an experiment may move from p to next.
// Forward moves follow lifecycle order one step at a time, any phase may
// jump to TEARDOWN, and any running phase may fall into FAILED.
func (p Phase) CanTransition(next Phase) bool {
	if p == next || p == PhaseTeardown {
		return false
	}
	switch next {
	case PhaseTeardown:
		return true
	case PhaseFailed:
		return p != PhaseFailed
	}
	if p == PhaseFailed {
		return false
	}
	from, to := p.rank(), next.rank()
	return from >= 0 && to == from+1
}

var experimentNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidateExperimentName checks that name can be embedded in file names,
// container names and labels.
func ValidateExperimentName(name string) error {
	if !experimentNamePattern.MatchString(name) {
		return fmt.Errorf("invalid experiment name %q: want 1-64 chars of [A-Za-z0-9_.-] starting with a letter or digit", name)
	}
	return nil
}

// ValidateIdentifier checks a node or link id. Ids name router config files
// and appear in the generated scenario, so they follow the experiment name
// rules.
func ValidateIdentifier(id string) error {
	if !experimentNamePattern.MatchString(id) {
		return fmt.Errorf("invalid id %q: want 1-64 chars of [A-Za-z0-9_.-] starting with a letter or digit", id)
	}
	return nil
}
