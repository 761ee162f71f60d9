// Package supervisor starts, probes and stops the child processes of an
// experiment: router daemons, run as local processes or docker containers,
// and the simulator.
package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/logging"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

var (
	// ErrNotStarted is returned by operations that need a running child.
	ErrNotStarted = errors.New("process not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("process already started")
	// ErrNoProcess is returned when a pid or container no longer exists.
	ErrNoProcess = errors.New("no such process")
)

// DefaultStopGrace is how long Stop waits after SIGTERM before SIGKILL.
const DefaultStopGrace = 5 * time.Second

// Process is the capability the orchestrator needs from any child,
// whatever runs it.
type Process interface {
	Name() string
	// Start launches the child and returns once it exists.
	Start(ctx context.Context) error
	// Ready blocks until the child accepts work or ctx ends.
	Ready(ctx context.Context) error
	// Stop terminates the child and waits for it to exit. Stopping a child
	// that already exited is not an error.
	Stop(ctx context.Context) error
	// Done is closed when the child exits.
	Done() <-chan struct{}
	// Err reports why the child exited; valid after Done is closed.
	Err() error
	// Record describes the child for the resource registry.
	Record() model.ResourceRecord
}

// Execer builds commands. It lets tests substitute the binaries the
// supervisor shells out to.
type Execer interface {
	CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd
}

type execer struct{}

func (execer) CommandContext(ctx context.Context, name string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, name, args...)
}

// DefaultExecer runs real binaries.
var DefaultExecer Execer = execer{}

// run executes cmd to completion and returns trimmed stdout and stderr.
func run(ctx context.Context, ex Execer, cmd string, args ...string) (stdout, stderr string, err error) {
	var stdoutBuf, stderrBuf strings.Builder
	c := ex.CommandContext(ctx, cmd, args...)
	c.Stdout = &stdoutBuf
	c.Stderr = &stderrBuf
	err = c.Run()
	return strings.TrimSpace(stdoutBuf.String()), strings.TrimSpace(stderrBuf.String()), err
}

type options struct {
	execer       Execer
	prober       Prober
	readyTimeout time.Duration
	stopGrace    time.Duration
	log          logging.Logger
}

// Option configures a process.
type Option func(*options)

// WithExecer replaces the command builder.
func WithExecer(ex Execer) Option {
	return func(o *options) { o.execer = ex }
}

// WithProber replaces the readiness prober.
func WithProber(p Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithReadyTimeout bounds Ready. Zero leaves the bound to the caller's
// context.
func WithReadyTimeout(d time.Duration) Option {
	return func(o *options) { o.readyTimeout = d }
}

// WithStopGrace sets the SIGTERM to SIGKILL delay.
func WithStopGrace(d time.Duration) Option {
	return func(o *options) { o.stopGrace = d }
}

// WithLogger sets the logger.
func WithLogger(log logging.Logger) Option {
	return func(o *options) { o.log = log }
}

func buildOptions(opts []Option) options {
	o := options{
		execer:    DefaultExecer,
		prober:    ProcfsProber{},
		stopGrace: DefaultStopGrace,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Noop()
	}
	return o
}

// commandName is what /proc/<pid>/comm shows for a binary.
func commandName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		path = path[i+1:]
	}
	if len(path) > 15 {
		path = path[:15]
	}
	return path
}
