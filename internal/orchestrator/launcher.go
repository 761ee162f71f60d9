package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"slices"

	"github.com/natefinch/atomic"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/core"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/config"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/logging"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/naming"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/netdev"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/supervisor"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

const (
	// LogDir holds child output under the artifact directory.
	LogDir = "logs"
	// containerConfDir is where router configs are mounted in containers.
	containerConfDir = "/etc/netemu/routers"
	simulatorName    = "simulator"
)

// ProcessLauncher starts real routers and the ns-3 simulator.
type ProcessLauncher struct {
	sim    config.SimulatorConfig
	router config.RouterConfig
	grace  config.TeardownConfig

	driver netdev.Driver
	execer supervisor.Execer
	prober supervisor.Prober
	log    logging.Logger
}

// LauncherOption configures a ProcessLauncher.
type LauncherOption func(*ProcessLauncher)

// WithExecer replaces the command builder.
func WithExecer(ex supervisor.Execer) LauncherOption {
	return func(l *ProcessLauncher) { l.execer = ex }
}

// WithProber replaces the router readiness prober.
func WithProber(p supervisor.Prober) LauncherOption {
	return func(l *ProcessLauncher) { l.prober = p }
}

// WithLauncherLogger sets the logger.
func WithLauncherLogger(log logging.Logger) LauncherOption {
	return func(l *ProcessLauncher) { l.log = log }
}

// NewProcessLauncher returns a launcher configured from cfg. driver moves
// router interfaces into containers and may be nil in local mode.
func NewProcessLauncher(cfg *config.Config, driver netdev.Driver, opts ...LauncherOption) *ProcessLauncher {
	l := &ProcessLauncher{
		sim:    cfg.Simulator,
		router: cfg.Router,
		grace:  cfg.Teardown,
		driver: driver,
		execer: supervisor.DefaultExecer,
		prober: supervisor.ProcfsProber{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = logging.Noop()
	}
	return l
}

func (l *ProcessLauncher) options() []supervisor.Option {
	return []supervisor.Option{
		supervisor.WithExecer(l.execer),
		supervisor.WithProber(l.prober),
		supervisor.WithReadyTimeout(l.router.ReadyTimeout),
		supervisor.WithStopGrace(l.grace.StopGrace),
		supervisor.WithLogger(l.log),
	}
}

// ScenarioPath is where the scenario of experiment is installed in the ns-3
// tree.
func (l *ProcessLauncher) ScenarioPath(experiment string) string {
	return filepath.Join(l.sim.Ns3Dir, "scratch", experiment+".cc")
}

// Build installs the generated scenario into the ns-3 scratch directory
// and runs the build command there. Without an ns-3 tree it does nothing.
func (l *ProcessLauncher) Build(ctx context.Context, experiment string, art *core.Artifacts) error {
	if l.sim.Ns3Dir == "" {
		return nil
	}
	scenario, err := os.ReadFile(art.Scenario)
	if err != nil {
		return fmt.Errorf("%w: read scenario: %v", model.ErrBuildFailed, err)
	}
	dst := l.ScenarioPath(experiment)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("%w: %v", model.ErrBuildFailed, err)
	}
	if err := atomic.WriteFile(dst, bytes.NewReader(scenario)); err != nil {
		return fmt.Errorf("%w: install scenario: %v", model.ErrBuildFailed, err)
	}

	out, closeOut, err := openLog(art, "build")
	if err != nil {
		return err
	}
	defer closeOut()
	argv := config.Expand(l.sim.BuildCommand, experiment, art.Dir, l.sim.Ns3Dir)
	return supervisor.Build(ctx, l.execer, l.sim.Ns3Dir, argv, out)
}

// Router returns a local process in the node namespace or a container,
// depending on the configured mode.
func (l *ProcessLauncher) Router(experiment string, node model.RouterNode, pairs []model.BridgedInterfacePair, art *core.Artifacts) (supervisor.Process, error) {
	conf, ok := art.RouterConfigs[node.ID]
	if !ok {
		return nil, fmt.Errorf("no router config for node %q", node.ID)
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("node %q has no interfaces", node.ID)
	}
	listen, err := routerEndpoints(node)
	if err != nil {
		return nil, err
	}

	switch l.router.Mode {
	case config.RouterContainer:
		return l.container(experiment, node, pairs, art, conf, listen), nil
	default:
		out, closeOut, err := openLog(art, "router-"+node.ID)
		if err != nil {
			return nil, err
		}
		args := append(append([]string{}, l.router.Args...), "--config", conf)
		p := supervisor.NewLocal(supervisor.LocalSpec{
			Name:      "router-" + node.ID,
			Path:      l.router.Binary,
			Args:      args,
			Dir:       art.Dir,
			Namespace: pairs[0].Namespace,
			Listen:    listen,
			Output:    out,
		}, l.options()...)
		closeWhenDone(p, closeOut)
		return p, nil
	}
}

func (l *ProcessLauncher) container(experiment string, node model.RouterNode, pairs []model.BridgedInterfacePair, art *core.Artifacts, conf string, listen []netip.AddrPort) supervisor.Process {
	scheme := naming.New(experiment)
	volumes := append([]string{}, l.router.Volumes...)
	volumes = append(volumes, filepath.Dir(conf)+":"+containerConfDir+":ro")
	args := append(append([]string{}, l.router.Args...), "--config", containerConfDir+"/"+filepath.Base(conf))

	return supervisor.NewContainer(supervisor.ContainerSpec{
		Name:    scheme.Container(node.Index),
		Image:   l.router.Image,
		Args:    args,
		Labels:  map[string]string{naming.LabelExperiment: experiment, naming.LabelTag: scheme.Tag},
		Volumes: volumes,
		Listen:  listen,
		AfterStart: func(ctx context.Context, pid int) error {
			return l.adoptInterfaces(pid, pairs)
		},
	}, l.options()...)
}

// adoptInterfaces moves a node's router-side interfaces from its namespace
// into the container and addresses them there.
func (l *ProcessLauncher) adoptInterfaces(pid int, pairs []model.BridgedInterfacePair) error {
	if l.driver == nil {
		return errors.New("container mode needs a network device driver")
	}
	target := netdev.OfProcess(pid)
	for _, p := range pairs {
		if err := l.driver.MoveLink(p.VethPeer, netdev.Named(p.Namespace), target); err != nil {
			return err
		}
		if err := l.driver.ConfigureAddress(target, p.VethPeer, p.Address); err != nil {
			return err
		}
	}
	return nil
}

// Simulator returns the ns-3 run command as a session leader, so teardown
// can signal its whole tree.
func (l *ProcessLauncher) Simulator(experiment string, art *core.Artifacts) (supervisor.Process, error) {
	argv := config.Expand(l.sim.RunCommand, experiment, art.Dir, l.sim.Ns3Dir)
	if len(argv) == 0 {
		return nil, errors.New("no simulator run command configured")
	}
	dir := l.sim.Ns3Dir
	if dir == "" {
		dir = art.Dir
	}
	out, closeOut, err := openLog(art, simulatorName)
	if err != nil {
		return nil, err
	}
	p := supervisor.NewLocal(supervisor.LocalSpec{
		Name:    simulatorName,
		Path:    argv[0],
		Args:    argv[1:],
		Dir:     dir,
		Session: true,
		Output:  out,
	}, l.options()...)
	closeWhenDone(p, closeOut)
	return p, nil
}

// routerEndpoints lists the distinct addresses node listens on.
func routerEndpoints(node model.RouterNode) ([]netip.AddrPort, error) {
	seen := make(map[netip.AddrPort]bool)
	var out []netip.AddrPort
	for _, ep := range node.Endpoints {
		addr, err := netip.ParseAddr(ep.Address)
		if err != nil {
			return nil, fmt.Errorf("node %q endpoint %d: %w", node.ID, ep.Incidence, err)
		}
		ap := netip.AddrPortFrom(addr, uint16(ep.Port))
		if !seen[ap] {
			seen[ap] = true
			out = append(out, ap)
		}
	}
	slices.SortFunc(out, func(a, b netip.AddrPort) int { return a.Compare(b) })
	return out, nil
}

func openLog(art *core.Artifacts, name string) (io.Writer, func(), error) {
	dir := filepath.Join(art.Dir, LogDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, name+".log"))
	if err != nil {
		return nil, nil, fmt.Errorf("create log: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// closeWhenDone closes a child's log once it exits or fails to start.
func closeWhenDone(p supervisor.Process, closeFn func()) {
	go func() {
		<-p.Done()
		closeFn()
	}()
}
