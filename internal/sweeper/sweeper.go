// Package sweeper removes the resources an experiment left behind.
//
// A targeted sweep walks one experiment's journal in teardown order and then
// looks for devices, namespaces, firewall rules and containers that carry the
// experiment's tag but never made it into the journal. A global sweep does
// the same for every journal and for every resource that follows the naming
// convention. Resources that are already gone are reported, never treated
// as failures, so sweeping twice is safe.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/firewall"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/logging"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/naming"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/netdev"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/observability"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/supervisor"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/registry"
)

// Outcome is what happened to one resource.
type Outcome string

const (
	Removed       Outcome = "removed"
	AlreadyAbsent Outcome = "already-absent"
	RemovalFailed Outcome = "removal-failed"
)

// errAbsent marks a resource that no longer exists.
var errAbsent = errors.New("already absent")

// Result is the outcome for one resource.
type Result struct {
	Record  model.ResourceRecord
	Outcome Outcome
	Err     error
}

// Report collects the results of sweeping one experiment.
type Report struct {
	Experiment string
	Results    []Result
}

// Count returns how many results had outcome o.
func (r *Report) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Err returns a *model.TeardownPartialError listing every failed resource,
// or nil if nothing failed.
func (r *Report) Err() error {
	var failed []string
	var errs *multierror.Error
	for _, res := range r.Results {
		if res.Outcome != RemovalFailed {
			continue
		}
		failed = append(failed, res.Record.String())
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", res.Record.String(), res.Err))
	}
	if len(failed) == 0 {
		return nil
	}
	return &model.TeardownPartialError{Experiment: r.Experiment, Failed: failed, Cause: errs.ErrorOrNil()}
}

func (r *Report) add(rec model.ResourceRecord, err error) Result {
	res := Result{Record: rec, Outcome: Removed}
	switch {
	case errors.Is(err, errAbsent):
		res.Outcome = AlreadyAbsent
	case err != nil:
		res.Outcome = RemovalFailed
		res.Err = err
	}
	r.Results = append(r.Results, res)
	return res
}

// Sweeper removes experiment resources.
type Sweeper struct {
	driver     netdev.Driver
	firewall   *firewall.Manager
	store      *registry.Store
	execer     supervisor.Execer
	containers bool
	stopGrace  time.Duration
	metrics    *observability.HarnessCollector
	log        logging.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithFirewall enables removal and discovery of firewall rules.
func WithFirewall(fw *firewall.Manager) Option {
	return func(s *Sweeper) { s.firewall = fw }
}

// WithStore sets the journal store; Sweep and SweepAll need one.
func WithStore(st *registry.Store) Option {
	return func(s *Sweeper) { s.store = st }
}

// WithExecer replaces the command builder used for docker.
func WithExecer(ex supervisor.Execer) Option {
	return func(s *Sweeper) { s.execer = ex }
}

// WithContainerDiscovery makes discovery list labelled docker containers.
func WithContainerDiscovery(enabled bool) Option {
	return func(s *Sweeper) { s.containers = enabled }
}

// WithStopGrace sets how long processes get between SIGTERM and SIGKILL.
func WithStopGrace(d time.Duration) Option {
	return func(s *Sweeper) { s.stopGrace = d }
}

// WithMetrics counts outcomes on collector.
func WithMetrics(c *observability.HarnessCollector) Option {
	return func(s *Sweeper) { s.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Sweeper) { s.log = log }
}

// New returns a sweeper removing devices through driver.
func New(driver netdev.Driver, opts ...Option) *Sweeper {
	s := &Sweeper{driver: driver, execer: supervisor.DefaultExecer, stopGrace: supervisor.DefaultStopGrace}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logging.Noop()
	}
	return s
}

// Sweep removes every resource of experiment: all journal records, live or
// not, followed by tagged resources the journal does not know about. The
// journal is kept with every record marked removed.
func (s *Sweeper) Sweep(ctx context.Context, experiment string) (*Report, error) {
	if s.store == nil {
		return nil, errors.New("sweeper has no journal store")
	}
	reg, err := s.store.Open(experiment)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer reg.Close()
	return s.SweepRegistry(ctx, reg)
}

// SweepRegistry sweeps an already open registry. The orchestrator uses it
// to tear down while it still holds the journal lock. It logs through the
// run logger on ctx when there is one.
func (s *Sweeper) SweepRegistry(ctx context.Context, reg *registry.Registry) (*Report, error) {
	log := logging.FromContext(ctx, s.log)
	report := &Report{Experiment: reg.Experiment()}
	records := reg.TeardownOrder()

	discovered, derr := s.discover(ctx, map[string]bool{reg.Tag(): true})
	known := make(map[string]bool, len(records))
	for _, rec := range records {
		known[rec.Key()] = true
	}
	for _, rec := range discovered[reg.Tag()] {
		if !known[rec.Key()] {
			rec.Experiment = reg.Experiment()
			records = append(records, rec)
		}
	}
	sortForTeardown(records)

	start := time.Now()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res := report.add(rec, s.remove(ctx, rec))
		s.metrics.ObserveSweep(rec.Kind, string(res.Outcome))
		if res.Outcome == RemovalFailed {
			log.Warn(ctx, "resource removal failed",
				logging.String("experiment", reg.Experiment()),
				logging.String("kind", string(rec.Kind)),
				logging.String("name", rec.Name),
				logging.Err(res.Err))
			continue
		}
		if err := reg.MarkRemoved(rec.Kind, rec.Name); err != nil {
			log.Warn(ctx, "failed to mark resource removed", logging.String("name", rec.Name), logging.Err(err))
		}
	}

	log.Info(ctx, "teardown sweep finished",
		logging.String("experiment", reg.Experiment()),
		logging.Int("removed", report.Count(Removed)),
		logging.Int("already_absent", report.Count(AlreadyAbsent)),
		logging.Int("failed", report.Count(RemovalFailed)),
		logging.Duration("elapsed", time.Since(start)))

	if derr != nil {
		// discovery is best effort; journal records were still handled
		log.Warn(ctx, "resource discovery incomplete", logging.Err(derr))
	}
	return report, report.Err()
}

// SweepAll sweeps every journal in the store and then every resource on
// the host that follows the naming convention, whether or not a journal
// names it. Journals locked by a running harness are skipped. A journal
// that cannot be read is swept by its tag instead. Discovery is racy
// against harnesses starting concurrently.
func (s *Sweeper) SweepAll(ctx context.Context) ([]*Report, error) {
	var reports []*Report
	var errs *multierror.Error
	tags := make(map[string]string)
	handled := make(map[string]bool)

	if s.store != nil {
		names, err := s.store.List()
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			tag := naming.Tag(name)
			tags[tag] = name
			reg, err := s.store.Open(name)
			if errors.Is(err, registry.ErrLocked) {
				handled[tag] = true
				s.log.Warn(ctx, "skipping experiment held by a running harness", logging.String("experiment", name))
				continue
			}
			if err != nil {
				// an unreadable journal falls back to discovery by tag
				s.log.Warn(ctx, "journal unreadable; sweeping by naming convention",
					logging.String("experiment", name), logging.Err(err))
				continue
			}
			handled[tag] = true
			report, err := s.SweepRegistry(ctx, reg)
			reg.Close()
			if report != nil {
				reports = append(reports, report)
			}
			if err != nil {
				errs = multierror.Append(errs, err)
			}
			if ctx.Err() != nil {
				return reports, ctx.Err()
			}
		}
	}

	// journal sweeps already covered their own tags
	discovered, err := s.discover(ctx, nil)
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	orphanTags := make([]string, 0, len(discovered))
	for tag := range discovered {
		if !handled[tag] {
			orphanTags = append(orphanTags, tag)
		}
	}
	sort.Strings(orphanTags)
	for _, tag := range orphanTags {
		name := tags[tag]
		if name == "" {
			name = naming.Prefix + ":" + tag
		}
		report := &Report{Experiment: name}
		records := discovered[tag]
		sortForTeardown(records)
		for _, rec := range records {
			res := report.add(rec, s.remove(ctx, rec))
			s.metrics.ObserveSweep(rec.Kind, string(res.Outcome))
		}
		reports = append(reports, report)
		if err := report.Err(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return reports, errs.ErrorOrNil()
}

// remove deletes the resource rec describes. It returns errAbsent when the
// resource does not exist.
func (s *Sweeper) remove(ctx context.Context, rec model.ResourceRecord) error {
	switch rec.Kind {
	case model.KindProcess, model.KindSession:
		if rec.PID <= 0 {
			return errAbsent
		}
		err := supervisor.Terminate(ctx, rec.PID, true, rec.Command, s.stopGrace)
		return absentIf(err, supervisor.ErrNoProcess)
	case model.KindContainer:
		err := supervisor.RemoveContainer(ctx, s.execer, rec.Name, s.stopGrace)
		return absentIf(err, supervisor.ErrNoProcess)
	case model.KindInterface, model.KindBridge:
		return absentIf(s.driver.DeleteLink(rec.Name), netdev.ErrNotFound)
	case model.KindNamespace:
		return absentIf(s.driver.DeleteNamespace(rec.Name), netdev.ErrNotFound)
	case model.KindFirewallRule:
		if s.firewall == nil {
			return errors.New("no firewall configured")
		}
		err := s.firewall.Remove(firewall.Rule{Bridge: rec.Name, Tag: rec.Tag})
		return absentIf(err, firewall.ErrNotFound)
	default:
		return fmt.Errorf("unknown resource kind %q", rec.Kind)
	}
}

func absentIf(err, notFound error) error {
	if errors.Is(err, notFound) {
		return errAbsent
	}
	return err
}

// sortForTeardown orders records by teardown stage, keeping the relative
// order within a stage.
func sortForTeardown(records []model.ResourceRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Kind.TeardownStage() < records[j].Kind.TeardownStage()
	})
}
