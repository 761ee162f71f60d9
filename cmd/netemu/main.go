// Command netemu compiles a topology into an ns-3 scenario and zenoh router
// configs, provisions the host interfaces that bridge them, runs the
// experiment and tears everything down again.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/config"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/firewall"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/logging"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/netdev"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/orchestrator"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitPartial = 3
)

const usage = `usage: netemu [global flags] <command> [flags] [args]

commands:
  compile <topology> [-o dir] [-e name]   write simulation and router descriptions
  provision <experiment> -t <topology>    compile and create host interfaces only
  run <experiment> -t <topology>          run the full lifecycle, reusing a provision
  teardown <experiment|all>               remove everything an experiment created
  status [experiment]                     list journals or one journal's records

global flags:
`

func main() {
	os.Exit(newApp(os.Stdout, os.Stderr).run(context.Background(), os.Args[1:]))
}

// app holds what every command shares. The constructors of kernel-facing
// collaborators are fields so tests can swap in fakes.
type app struct {
	stdout io.Writer
	stderr io.Writer

	cfg *config.Config
	log logging.Logger

	newDriver   func() (netdev.Driver, error)
	newTable    func() (firewall.Table, error)
	newLauncher func(cfg *config.Config, driver netdev.Driver, log logging.Logger) orchestrator.Launcher
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:    stdout,
		stderr:    stderr,
		newDriver: netdev.New,
		newTable:  firewall.NewIPTables,
		newLauncher: func(cfg *config.Config, driver netdev.Driver, log logging.Logger) orchestrator.Launcher {
			return orchestrator.NewProcessLauncher(cfg, driver, orchestrator.WithLauncherLogger(log))
		},
	}
}

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"compile":   compileCmd,
	"provision": provisionCmd,
	"run":       runCmd,
	"teardown":  teardownCmd,
	"status":    statusCmd,
}

func (a *app) run(ctx context.Context, args []string) int {
	fs := pflag.NewFlagSet("netemu", pflag.ContinueOnError)
	fs.SetInterspersed(false)
	fs.SetOutput(a.stderr)
	fs.Usage = func() {
		fmt.Fprint(a.stderr, usage)
		fs.PrintDefaults()
	}
	configPath := fs.String("config", os.Getenv("NETEMU_CONFIG"), "YAML configuration file")
	stateDir := fs.String("state-dir", "", "directory holding experiment journals")
	workDir := fs.String("work-dir", "", "directory experiment artifacts are written under")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics on this address during run")
	logLevel := fs.String("log-level", "", "debug, info, warn or error")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return exitOK
		}
		return exitFailure
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return exitFailure
	}
	cmd, ok := commands[fs.Arg(0)]
	if !ok {
		fmt.Fprintf(a.stderr, "netemu: unknown command %q\n", fs.Arg(0))
		fs.Usage()
		return exitFailure
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(a.stderr, "netemu: %v\n", err)
		return exitFailure
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if *workDir != "" {
		cfg.WorkDir = *workDir
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	a.cfg = cfg
	a.log = logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: a.stderr})

	err = cmd(ctx, a, fs.Args()[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(a.stderr, "netemu %s: %v\n", fs.Arg(0), err)
	}
	return exitCode(err)
}

// exitCode maps a command error to the process exit status. A run that
// failed is a failure even if its teardown was also partial.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var re *orchestrator.RunError
	if errors.As(err, &re) {
		return exitFailure
	}
	if errors.Is(err, model.ErrTeardownPartial) {
		return exitPartial
	}
	return exitFailure
}
