// Package orchestrator drives one experiment through its lifecycle:
//
//	COMPILE -> BUILD -> LAUNCH_ROUTERS -> RUN_SIMULATION -> TEARDOWN
//
// Any running phase may fall into FAILED, and every path ends in TEARDOWN,
// which runs exactly once on a context detached from cancellation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/core"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/bridge"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/logging"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/observability"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/supervisor"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/sweeper"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/registry"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/timectrl"
)

// Defaults for the bounds a run enforces.
const (
	DefaultReadyTimeout    = 30 * time.Second
	DefaultTeardownTimeout = 60 * time.Second
)

// Launcher creates the children of a run. It lets the orchestrator stay
// agnostic of local processes, containers and test fakes.
type Launcher interface {
	// Build prepares the simulator from the written artifacts.
	Build(ctx context.Context, experiment string, art *core.Artifacts) error
	// Router returns the unstarted router for node. pairs are the node's
	// bridged interfaces.
	Router(experiment string, node model.RouterNode, pairs []model.BridgedInterfacePair, art *core.Artifacts) (supervisor.Process, error)
	// Simulator returns the unstarted simulator.
	Simulator(experiment string, art *core.Artifacts) (supervisor.Process, error)
}

// Result describes a finished run.
type Result struct {
	Experiment string
	// Phases lists every phase entered, in order.
	Phases    []model.Phase
	Pairs     []model.BridgedInterfacePair
	Artifacts *core.Artifacts
	Teardown  *sweeper.Report
	// Expired is set when the run ended because its duration ran out.
	Expired bool
}

// RunError carries the error that ended a run and, separately, any error
// from the teardown that followed. The teardown error never replaces the
// cause.
type RunError struct {
	Phase    model.Phase
	Cause    error
	Teardown error
}

func (e *RunError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Phase, e.Cause)
	if e.Teardown != nil {
		msg += fmt.Sprintf(" (teardown also failed: %v)", e.Teardown)
	}
	return msg
}

func (e *RunError) Unwrap() []error {
	if e.Teardown == nil {
		return []error{e.Cause}
	}
	return []error{e.Cause, e.Teardown}
}

// Orchestrator runs experiments.
type Orchestrator struct {
	store    *registry.Store
	bridges  *bridge.Manager
	sweeper  *sweeper.Sweeper
	launcher Launcher

	compileOpts     []core.CompileOption
	workDir         string
	readyTimeout    time.Duration
	teardownTimeout time.Duration
	duration        time.Duration
	tick            time.Duration

	metrics *observability.HarnessCollector
	log     logging.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithCompileOptions passes options to the topology compiler.
func WithCompileOptions(opts ...core.CompileOption) Option {
	return func(o *Orchestrator) { o.compileOpts = append(o.compileOpts, opts...) }
}

// WithWorkDir sets the directory experiment artifacts are written under.
func WithWorkDir(dir string) Option {
	return func(o *Orchestrator) { o.workDir = dir }
}

// WithReadyTimeout bounds how long routers may take to become ready.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.readyTimeout = d }
}

// WithTeardownTimeout bounds teardown.
func WithTeardownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.teardownTimeout = d }
}

// WithDuration bounds the simulation phase. Zero waits for the simulator.
func WithDuration(d time.Duration) Option {
	return func(o *Orchestrator) { o.duration = d }
}

// WithProgressTick sets how often simulation progress is logged.
func WithProgressTick(d time.Duration) Option {
	return func(o *Orchestrator) { o.tick = d }
}

// WithMetrics records phases and timings on c.
func WithMetrics(c *observability.HarnessCollector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(o *Orchestrator) { o.log = log }
}

// New returns an orchestrator.
func New(store *registry.Store, bridges *bridge.Manager, sw *sweeper.Sweeper, launcher Launcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:           store,
		bridges:         bridges,
		sweeper:         sw,
		launcher:        launcher,
		workDir:         ".",
		readyTimeout:    DefaultReadyTimeout,
		teardownTimeout: DefaultTeardownTimeout,
		tick:            timectrl.DefaultTick,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logging.Noop()
	}
	return o
}

// ArtifactDir is where artifacts of experiment are written.
func (o *Orchestrator) ArtifactDir(experiment string) string {
	return filepath.Join(o.workDir, experiment)
}

// open acquires the experiment journal. A journal held by another harness
// is a name collision.
func (o *Orchestrator) open(experiment string) (*registry.Registry, error) {
	reg, err := o.store.Open(experiment)
	if errors.Is(err, registry.ErrLocked) {
		return nil, &model.NameCollisionError{Experiment: experiment, Name: experiment, Reason: "another harness is running this experiment"}
	}
	return reg, err
}

// Run executes the full lifecycle of experiment over g. Interfaces left by
// an earlier Provision of the same topology are reused; any other live
// resource of experiment is a name collision. On success the returned error
// may still be a *model.TeardownPartialError; on failure it is a *RunError.
func (o *Orchestrator) Run(ctx context.Context, experiment string, g *model.Graph) (*Result, error) {
	ctx, log := logging.WithRunLogger(ctx, o.log, experiment)
	res := &Result{Experiment: experiment}

	reg, err := o.open(experiment)
	if err != nil {
		o.metrics.ObserveRun("failed")
		return res, &RunError{Phase: model.PhaseCompile, Cause: err}
	}

	r := newRun(o, reg, res, log)
	defer func() {
		// teardown must happen even if a phase panics
		if p := recover(); p != nil {
			r.teardown(ctx)
			panic(p)
		}
	}()

	cause := r.execute(ctx, g)
	if cause != nil {
		failedIn := r.phase
		r.enter(ctx, model.PhaseFailed)
		log.Error(ctx, "experiment failed", logging.String("phase", string(failedIn)), logging.Err(cause))
		tdErr := r.teardown(ctx)
		o.metrics.ObserveRun("failed")
		return res, &RunError{Phase: failedIn, Cause: cause, Teardown: tdErr}
	}

	tdErr := r.teardown(ctx)
	if tdErr != nil {
		o.metrics.ObserveRun("teardown-partial")
		return res, tdErr
	}
	o.metrics.ObserveRun("succeeded")
	log.Info(ctx, "experiment finished", logging.Any("expired", res.Expired))
	return res, nil
}

// Provision runs the COMPILE phase only and leaves the resources in place
// for a later run or teardown. A failure sweeps what was created.
func (o *Orchestrator) Provision(ctx context.Context, experiment string, g *model.Graph) (*Result, error) {
	ctx, log := logging.WithRunLogger(ctx, o.log, experiment)
	res := &Result{Experiment: experiment}

	reg, err := o.open(experiment)
	if err != nil {
		return res, err
	}
	r := newRun(o, reg, res, log)
	if err := r.compile(ctx, g, false); err != nil {
		r.enter(ctx, model.PhaseFailed)
		tdErr := r.teardown(ctx)
		return res, &RunError{Phase: model.PhaseCompile, Cause: err, Teardown: tdErr}
	}
	r.endSpan(nil)
	r.unsubscribe()
	if err := reg.Close(); err != nil {
		return res, err
	}
	log.Info(ctx, "experiment provisioned", logging.Int("pairs", len(res.Pairs)))
	return res, nil
}

// Teardown sweeps experiment.
func (o *Orchestrator) Teardown(ctx context.Context, experiment string) (*sweeper.Report, error) {
	ctx, _ = logging.WithRunLogger(ctx, o.log, experiment)
	return o.sweeper.Sweep(ctx, experiment)
}

// run is the state of one Run call.
type run struct {
	o   *Orchestrator
	reg *registry.Registry
	res *Result
	log logging.Logger

	phase model.Phase
	span  trace.Span

	// created is set once this run recorded a resource; teardown sweeps
	// only then, so a run that collided never removes another run's
	// resources.
	mu       sync.Mutex
	created  bool
	// foreign is set while the journal holds live records this run has not
	// adopted; phases are then not persisted over the owner's.
	foreign  bool
	procs    []supervisor.Process
	stopping chan struct{}
	crashed  chan error

	sim         *model.SimulationDescription
	router      *model.RouterDescription
	tearOnce    sync.Once
	tearErr     error
	unsubscribe func()
	watchers    sync.WaitGroup
}

func newRun(o *Orchestrator, reg *registry.Registry, res *Result, log logging.Logger) *run {
	r := &run{
		o:        o,
		reg:      reg,
		res:      res,
		log:      log,
		stopping: make(chan struct{}),
		crashed:  make(chan error, 1),
		foreign:  len(reg.Live()) > 0,
	}
	r.unsubscribe = reg.Subscribe(func(e registry.Event) {
		if e.Type == registry.EventRecorded {
			r.mu.Lock()
			r.created = true
			r.mu.Unlock()
		}
		if e.Type == registry.EventRecorded || e.Type == registry.EventRemoved {
			o.metrics.SetLiveResources(countLive(reg))
		}
	})
	return r
}

func countLive(reg *registry.Registry) map[model.ResourceKind]int {
	counts := make(map[model.ResourceKind]int)
	for _, rec := range reg.Live() {
		counts[rec.Kind]++
	}
	return counts
}

// enter moves the run into next if the lifecycle allows it.
func (r *run) enter(ctx context.Context, next model.Phase) bool {
	if r.phase != "" && !r.phase.CanTransition(next) {
		return false
	}
	if r.phase == "" && next != model.PhaseCompile {
		return false
	}
	prev := r.phase
	r.endSpan(nil)
	r.phase = next
	r.res.Phases = append(r.res.Phases, next)
	_, r.span = observability.StartPhase(ctx, r.reg.Experiment(), next)
	r.mu.Lock()
	foreign := r.foreign
	r.mu.Unlock()
	if !foreign {
		if err := r.reg.SetPhase(next); err != nil {
			r.log.Warn(ctx, "failed to persist phase", logging.String("phase", string(next)), logging.Err(err))
		}
	}
	r.o.metrics.ObservePhase(prev, next)
	r.log.Info(ctx, "phase", logging.String("phase", string(next)))
	return true
}

func (r *run) endSpan(err error) {
	if r.span != nil {
		observability.EndSpan(r.span, err)
		r.span = nil
	}
}

// execute runs every phase up to the end of the simulation.
func (r *run) execute(ctx context.Context, g *model.Graph) (err error) {
	defer func() {
		err = interrupted(ctx, err)
		r.endSpan(err)
	}()

	if err := r.compile(ctx, g, true); err != nil {
		return err
	}

	r.enter(ctx, model.PhaseBuild)
	if err := r.o.launcher.Build(ctx, r.reg.Experiment(), r.res.Artifacts); err != nil {
		return err
	}

	r.enter(ctx, model.PhaseLaunchRouters)
	if err := r.launchRouters(ctx); err != nil {
		return err
	}

	r.enter(ctx, model.PhaseRunSimulation)
	return r.simulate(ctx)
}

// compile runs the COMPILE phase: compile, provision, attach and write
// artifacts. With reuse set, a journal left in COMPILE by Provision has its
// interfaces adopted instead of provisioned again.
func (r *run) compile(ctx context.Context, g *model.Graph, reuse bool) error {
	adopt := reuse && r.foreign && r.reg.Phase() == model.PhaseCompile
	r.enter(ctx, model.PhaseCompile)
	exp := r.reg.Experiment()

	sim, router, err := core.Compile(g, r.o.compileOpts...)
	if err != nil {
		return err
	}
	var pairs []model.BridgedInterfacePair
	if adopt {
		pairs, err = r.o.bridges.Adopt(ctx, r.reg, sim, router)
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.foreign, r.created = false, true
		r.mu.Unlock()
		r.res.Pairs = pairs
	} else {
		start := time.Now()
		pairs, err = r.o.bridges.Provision(ctx, r.reg, sim, router)
		r.res.Pairs = pairs
		if err != nil {
			return err
		}
		r.o.metrics.ObserveProvision(time.Since(start))
	}
	if err := core.AttachInterfaces(sim, router, pairs); err != nil {
		return err
	}
	art, err := core.WriteArtifacts(r.o.ArtifactDir(exp), exp, sim, router)
	if err != nil {
		return err
	}
	r.sim, r.router, r.res.Artifacts = sim, router, art
	r.log.Info(ctx, "artifacts written", logging.String("dir", art.Dir), logging.Int("pairs", len(pairs)))
	return nil
}

// launchRouters starts every router concurrently and waits until all are
// ready. Started routers are tracked for teardown whatever the outcome.
func (r *run) launchRouters(ctx context.Context) error {
	byNode := make(map[string][]model.BridgedInterfacePair)
	for _, p := range r.res.Pairs {
		byNode[p.NodeID] = append(byNode[p.NodeID], p)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, node := range r.router.Nodes {
		node := node
		g.Go(func() error {
			proc, err := r.o.launcher.Router(r.reg.Experiment(), node, byNode[node.ID], r.res.Artifacts)
			if err != nil {
				return fmt.Errorf("router %s: %w", node.ID, err)
			}
			if err := r.start(gctx, proc); err != nil {
				return fmt.Errorf("router %s: %w", node.ID, err)
			}
			start := time.Now()
			if err := r.ready(gctx, node.ID, proc); err != nil {
				return err
			}
			r.o.metrics.ObserveReadiness(time.Since(start))
			r.log.Debug(gctx, "router ready", logging.String("node", node.ID), logging.Duration("elapsed", time.Since(start)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	r.mu.Lock()
	procs := append([]supervisor.Process(nil), r.procs...)
	r.mu.Unlock()
	for _, p := range procs {
		r.watch(p)
	}
	r.log.Info(ctx, "routers ready", logging.Int("routers", len(procs)))
	return nil
}

func (r *run) ready(ctx context.Context, node string, proc supervisor.Process) error {
	rctx, cancel := context.WithTimeout(ctx, r.o.readyTimeout)
	defer cancel()
	err := proc.Ready(rctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return &model.ReadinessTimeoutError{Component: "router " + node, Timeout: r.o.readyTimeout}
	}
	if err != nil {
		return fmt.Errorf("router %s: %w", node, err)
	}
	return nil
}

// start launches proc, tracks it for teardown and records it.
func (r *run) start(ctx context.Context, proc supervisor.Process) error {
	if err := proc.Start(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	r.procs = append(r.procs, proc)
	r.mu.Unlock()
	return r.reg.Record(proc.Record())
}

// watch reports proc exiting before teardown as a crash.
func (r *run) watch(proc supervisor.Process) {
	r.watchers.Add(1)
	go func() {
		defer r.watchers.Done()
		select {
		case <-proc.Done():
			err := fmt.Errorf("%w: %s exited during the run: %v", model.ErrSimulationFailed, proc.Name(), proc.Err())
			select {
			case r.crashed <- err:
			default:
			}
		case <-r.stopping:
		}
	}()
}

// simulate runs the simulator until it exits, the run duration elapses, a
// router crashes or ctx ends.
func (r *run) simulate(ctx context.Context) error {
	proc, err := r.o.launcher.Simulator(r.reg.Experiment(), r.res.Artifacts)
	if err != nil {
		return err
	}
	if err := r.start(ctx, proc); err != nil {
		return fmt.Errorf("simulator: %w", err)
	}

	clock := timectrl.NewTimeController(r.o.tick)
	clock.AddListener(func(p timectrl.Progress) {
		fields := []logging.Field{logging.Duration("elapsed", p.Elapsed.Round(time.Second))}
		if p.Remaining > 0 {
			fields = append(fields, logging.Duration("remaining", p.Remaining.Round(time.Second)))
		}
		r.log.Info(ctx, "simulation running", fields...)
	})
	done := clock.Start(ctx, r.o.duration)
	defer func() {
		clock.Stop()
		<-done
	}()

	select {
	case <-proc.Done():
		if err := proc.Err(); err != nil {
			return fmt.Errorf("%w: simulator: %v", model.ErrSimulationFailed, err)
		}
		r.log.Info(ctx, "simulation completed")
		return nil
	case err := <-r.crashed:
		return err
	case <-done:
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.res.Expired = clock.Expired()
		r.log.Info(ctx, "run duration reached", logging.Duration("duration", r.o.duration))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// teardown stops every child and sweeps the experiment exactly once. It
// runs on a context that ignores cancellation of ctx.
func (r *run) teardown(ctx context.Context) error {
	r.tearOnce.Do(func() {
		r.enter(ctx, model.PhaseTeardown)
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.teardownTimeout)
		defer cancel()

		close(r.stopping)
		r.mu.Lock()
		procs := append([]supervisor.Process(nil), r.procs...)
		created := r.created
		r.mu.Unlock()

		// simulator first, then routers
		for i := len(procs) - 1; i >= 0; i-- {
			p := procs[i]
			if err := p.Stop(tctx); err != nil {
				r.log.Warn(tctx, "stop failed; leaving it to the sweep", logging.String("name", p.Name()), logging.Err(err))
				continue
			}
			rec := p.Record()
			_ = r.reg.MarkRemoved(rec.Kind, rec.Name)
		}
		r.watchers.Wait()

		if created {
			report, err := r.o.sweeper.SweepRegistry(tctx, r.reg)
			r.res.Teardown = report
			r.tearErr = err
		}
		r.endSpan(r.tearErr)
		r.unsubscribe()
		if err := r.reg.Close(); err != nil && r.tearErr == nil {
			r.tearErr = err
		}
	})
	return r.tearErr
}

// interrupted maps errors caused by ctx ending to model.ErrInterrupted.
func interrupted(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	if errors.Is(err, model.ErrInterrupted) {
		return err
	}
	return fmt.Errorf("%w: %v", model.ErrInterrupted, err)
}
