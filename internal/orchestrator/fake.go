package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/core"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/supervisor"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

// FakeProcess is a supervisor.Process that runs nothing. Its behaviour is
// set through the exported fields before Start.
type FakeProcess struct {
	name string

	// StartErr fails Start.
	StartErr error
	// NeverReady makes Ready block until its context ends.
	NeverReady bool
	// ExitAfter makes the process exit on its own with ExitErr.
	ExitAfter time.Duration
	ExitErr   error

	mu      sync.Mutex
	starts  int
	stops   int
	done    chan struct{}
	err     error
	exitOne sync.Once
}

// NewFakeProcess returns an unstarted fake.
func NewFakeProcess(name string) *FakeProcess {
	return &FakeProcess{name: name, done: make(chan struct{})}
}

func (p *FakeProcess) Name() string { return p.name }

func (p *FakeProcess) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartErr != nil {
		return p.StartErr
	}
	if p.starts > 0 {
		return supervisor.ErrAlreadyStarted
	}
	p.starts++
	if p.ExitAfter > 0 {
		go func() {
			t := time.NewTimer(p.ExitAfter)
			defer t.Stop()
			select {
			case <-t.C:
				p.exit(p.ExitErr)
			case <-p.done:
			}
		}()
	}
	return nil
}

func (p *FakeProcess) Ready(ctx context.Context) error {
	if p.NeverReady {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
		}
	}
	select {
	case <-p.done:
		return fmt.Errorf("%w: %s exited before becoming ready", model.ErrSimulationFailed, p.name)
	default:
		return nil
	}
}

func (p *FakeProcess) Stop(context.Context) error {
	p.mu.Lock()
	p.stops++
	p.mu.Unlock()
	p.exit(nil)
	return nil
}

func (p *FakeProcess) exit(err error) {
	p.exitOne.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *FakeProcess) Done() <-chan struct{} { return p.done }

func (p *FakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *FakeProcess) Record() model.ResourceRecord {
	return model.ResourceRecord{Kind: model.KindProcess, Name: p.name, Command: "fake"}
}

// Starts returns how often Start succeeded.
func (p *FakeProcess) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

// Stops returns how often Stop was called.
func (p *FakeProcess) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

// FakeLauncher hands out FakeProcesses.
type FakeLauncher struct {
	// BuildErr fails Build.
	BuildErr error
	// Configure adjusts each process before it is returned.
	Configure func(p *FakeProcess)

	mu     sync.Mutex
	builds int
	procs  map[string]*FakeProcess
}

// NewFakeLauncher returns a launcher whose processes start, become ready
// and run until stopped.
func NewFakeLauncher() *FakeLauncher {
	return &FakeLauncher{procs: make(map[string]*FakeProcess)}
}

func (l *FakeLauncher) Build(context.Context, string, *core.Artifacts) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.builds++
	return l.BuildErr
}

func (l *FakeLauncher) Router(_ string, node model.RouterNode, _ []model.BridgedInterfacePair, _ *core.Artifacts) (supervisor.Process, error) {
	return l.make("router-" + node.ID), nil
}

func (l *FakeLauncher) Simulator(string, *core.Artifacts) (supervisor.Process, error) {
	return l.make(simulatorName), nil
}

func (l *FakeLauncher) make(name string) *FakeProcess {
	p := NewFakeProcess(name)
	if l.Configure != nil {
		l.Configure(p)
	}
	l.mu.Lock()
	l.procs[name] = p
	l.mu.Unlock()
	return p
}

// Process returns the process handed out under name, or nil.
func (l *FakeLauncher) Process(name string) *FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[name]
}

// Processes returns every process handed out.
func (l *FakeLauncher) Processes() []*FakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*FakeProcess, 0, len(l.procs))
	for _, p := range l.procs {
		out = append(out, p)
	}
	return out
}

// Builds returns how often Build ran.
func (l *FakeLauncher) Builds() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.builds
}
