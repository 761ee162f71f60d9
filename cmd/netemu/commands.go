package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/core"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/bridge"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/config"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/firewall"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/logging"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/netdev"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/observability"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/orchestrator"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/sweeper"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/registry"
)

func newFlagSet(a *app, name, args string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() {
		fmt.Fprintf(a.stderr, "usage: netemu %s %s\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}

func compileOptions(cfg *config.Config) ([]core.CompileOption, error) {
	base, err := netip.ParsePrefix(cfg.Network.BasePrefix)
	if err != nil {
		return nil, fmt.Errorf("base prefix: %w", err)
	}
	return []core.CompileOption{
		core.WithBasePrefix(base),
		core.WithRouterPort(cfg.Network.RouterPort),
		core.WithStopTime(cfg.Simulator.StopTime),
	}, nil
}

func compileCmd(_ context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "compile", "<topology> [-o dir] [-e name]")
	out := fs.StringP("output", "o", "", "artifact directory (default <work-dir>/<experiment>)")
	name := fs.StringP("experiment", "e", "", "experiment name (default derived from the topology path)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("expected exactly one topology file")
	}
	topology := fs.Arg(0)

	experiment := *name
	if experiment == "" {
		experiment = core.DefaultExperimentName(topology)
	}
	if err := model.ValidateExperimentName(experiment); err != nil {
		return err
	}
	g, err := core.LoadGraphFile(topology)
	if err != nil {
		return err
	}
	opts, err := compileOptions(a.cfg)
	if err != nil {
		return err
	}
	sim, router, err := core.Compile(g, opts...)
	if err != nil {
		return err
	}
	dir := *out
	if dir == "" {
		dir = filepath.Join(a.cfg.WorkDir, experiment)
	}
	art, err := core.WriteArtifacts(dir, experiment, sim, router)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "compiled %s: %d nodes, %d links\n", experiment, len(sim.Nodes), len(sim.Links))
	fmt.Fprintf(a.stdout, "  %s\n  %s\n  %s\n", art.Simulation, art.Scenario, art.Routers)
	return nil
}

// harness is the set of collaborators provision, run and teardown share.
type harness struct {
	store   *registry.Store
	driver  netdev.Driver
	fw      *firewall.Manager
	sweeper *sweeper.Sweeper
	metrics *observability.HarnessCollector
}

func (a *app) harness(metrics *observability.HarnessCollector) (*harness, error) {
	store, err := registry.NewStore(a.cfg.StateDir)
	if err != nil {
		return nil, err
	}
	driver, err := a.newDriver()
	if err != nil {
		return nil, err
	}
	h := &harness{store: store, driver: driver, metrics: metrics}

	swOpts := []sweeper.Option{
		sweeper.WithStore(store),
		sweeper.WithContainerDiscovery(a.cfg.Router.Mode == config.RouterContainer),
		sweeper.WithStopGrace(a.cfg.Teardown.StopGrace),
		sweeper.WithMetrics(metrics),
		sweeper.WithLogger(a.log),
	}
	if a.cfg.Network.Firewall {
		table, err := a.newTable()
		if err != nil {
			return nil, err
		}
		h.fw = firewall.NewManager(table)
		swOpts = append(swOpts, sweeper.WithFirewall(h.fw))
	}
	h.sweeper = sweeper.New(driver, swOpts...)
	return h, nil
}

func (a *app) orchestrator(h *harness, duration time.Duration) (*orchestrator.Orchestrator, error) {
	compileOpts, err := compileOptions(a.cfg)
	if err != nil {
		return nil, err
	}
	bridges := bridge.NewManager(h.driver,
		bridge.WithFirewall(h.fw),
		bridge.WithStore(h.store),
		bridge.WithLogger(a.log))
	return orchestrator.New(h.store, bridges, h.sweeper, a.newLauncher(a.cfg, h.driver, a.log),
		orchestrator.WithCompileOptions(compileOpts...),
		orchestrator.WithWorkDir(a.cfg.WorkDir),
		orchestrator.WithReadyTimeout(a.cfg.Router.ReadyTimeout),
		orchestrator.WithTeardownTimeout(a.cfg.Teardown.Timeout),
		orchestrator.WithDuration(duration),
		orchestrator.WithProgressTick(a.cfg.Simulator.Tick),
		orchestrator.WithMetrics(h.metrics),
		orchestrator.WithLogger(a.log),
	), nil
}

// experimentArgs parses `<experiment> -t <topology>`.
func experimentArgs(fs *pflag.FlagSet, args []string) (string, *model.Graph, error) {
	topology := fs.StringP("topology", "t", "", "topology file")
	if err := fs.Parse(args); err != nil {
		return "", nil, err
	}
	if fs.NArg() != 1 || *topology == "" {
		fs.Usage()
		return "", nil, errors.New("expected an experiment name and -t <topology>")
	}
	experiment := fs.Arg(0)
	if err := model.ValidateExperimentName(experiment); err != nil {
		return "", nil, err
	}
	g, err := core.LoadGraphFile(*topology)
	if err != nil {
		return "", nil, err
	}
	return experiment, g, nil
}

func provisionCmd(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "provision", "<experiment> -t <topology>")
	experiment, g, err := experimentArgs(fs, args)
	if err != nil {
		return err
	}
	h, err := a.harness(nil)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(h, 0)
	if err != nil {
		return err
	}
	res, err := orch.Provision(ctx, experiment, g)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "provisioned %s: %d interface pairs, artifacts in %s\n",
		experiment, len(res.Pairs), res.Artifacts.Dir)
	for _, p := range res.Pairs {
		fmt.Fprintf(a.stdout, "  %s/%d  %s <-> %s  %s in %s\n", p.NodeID, p.Incidence, p.Tap, p.VethPeer, p.Address, p.Namespace)
	}
	return nil
}

func runCmd(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "run", "<experiment> -t <topology> [--duration d]")
	duration := fs.Duration("duration", a.cfg.Simulator.Duration, "stop the simulation after this long (0 waits for it to exit)")
	experiment, g, err := experimentArgs(fs, args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := observability.InitTracing(ctx, a.cfg.Tracing, a.log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(ctx, shutdown, a.log)

	var metrics *observability.HarnessCollector
	if a.cfg.MetricsAddr != "" {
		metrics, err = observability.NewHarnessCollector(nil)
		if err != nil {
			return err
		}
		srv := serveMetrics(a.cfg.MetricsAddr, metrics, a.log)
		defer func() {
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	h, err := a.harness(metrics)
	if err != nil {
		return err
	}
	orch, err := a.orchestrator(h, *duration)
	if err != nil {
		return err
	}
	res, err := orch.Run(ctx, experiment, g)
	printRun(a, res)
	return err
}

func printRun(a *app, res *orchestrator.Result) {
	if res == nil {
		return
	}
	phases := make([]string, len(res.Phases))
	for i, p := range res.Phases {
		phases[i] = string(p)
	}
	fmt.Fprintf(a.stdout, "%s: %s\n", res.Experiment, strings.Join(phases, " -> "))
	if res.Expired {
		fmt.Fprintln(a.stdout, "  stopped after the configured duration")
	}
	if res.Teardown != nil {
		printReport(a, res.Teardown)
	}
}

func teardownCmd(ctx context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "teardown", "<experiment|all>")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return errors.New("expected an experiment name or \"all\"")
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Teardown.Timeout)
	defer cancel()

	h, err := a.harness(nil)
	if err != nil {
		return err
	}
	if fs.Arg(0) == "all" {
		reports, err := h.sweeper.SweepAll(ctx)
		for _, r := range reports {
			printReport(a, r)
		}
		if len(reports) == 0 && err == nil {
			fmt.Fprintln(a.stdout, "nothing to tear down")
		}
		return err
	}
	report, err := h.sweeper.Sweep(ctx, fs.Arg(0))
	if report != nil {
		printReport(a, report)
	}
	return err
}

func printReport(a *app, r *sweeper.Report) {
	fmt.Fprintf(a.stdout, "teardown %s: %d removed, %d already absent, %d failed\n", r.Experiment,
		r.Count(sweeper.Removed), r.Count(sweeper.AlreadyAbsent), r.Count(sweeper.RemovalFailed))
	for _, res := range r.Results {
		if res.Outcome == sweeper.RemovalFailed {
			fmt.Fprintf(a.stdout, "  %s: %v\n", res.Record.String(), res.Err)
		}
	}
}

func statusCmd(_ context.Context, a *app, args []string) error {
	fs := newFlagSet(a, "status", "[experiment]")
	if err := fs.Parse(args); err != nil {
		return err
	}
	store, err := registry.NewStore(a.cfg.StateDir)
	if err != nil {
		return err
	}
	switch fs.NArg() {
	case 0:
		return listJournals(a, store)
	case 1:
		return showJournal(a, store, fs.Arg(0))
	default:
		fs.Usage()
		return errors.New("expected at most one experiment")
	}
}

func listJournals(a *app, store *registry.Store) error {
	names, err := store.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Fprintln(a.stdout, "no experiments")
		return nil
	}
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXPERIMENT\tPHASE\tLIVE\tRUNNING\tUPDATED")
	for _, name := range names {
		j, err := store.Load(name)
		if err != nil {
			a.log.Warn(context.Background(), "unreadable journal", logging.String("experiment", name), logging.Err(err))
			continue
		}
		locked, _ := store.Locked(name)
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n", name, phaseOrDash(j.Phase), j.Live(), locked, humanize.Time(j.UpdatedAt))
	}
	return w.Flush()
}

func showJournal(a *app, store *registry.Store, experiment string) error {
	j, err := store.Load(experiment)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "experiment %s (tag %s), phase %s, %d live of %d records\n",
		j.Experiment, j.Tag, phaseOrDash(j.Phase), j.Live(), len(j.Records))
	w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tNAME\tSTATE\tCREATED")
	for _, rec := range j.Records {
		state := "live"
		if !rec.Live() {
			state = "removed"
		}
		name := rec.Name
		if rec.PID > 0 {
			name = fmt.Sprintf("%s (pid %d)", rec.Name, rec.PID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.Kind, name, state, humanize.Time(rec.CreatedAt))
	}
	return w.Flush()
}

func phaseOrDash(p model.Phase) string {
	if p == "" {
		return "-"
	}
	return string(p)
}

func serveMetrics(addr string, collector *observability.HarnessCollector, log logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()
	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
