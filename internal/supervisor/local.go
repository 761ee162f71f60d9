package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/logging"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

// LocalSpec describes a child run directly on the host.
type LocalSpec struct {
	Name string
	Path string
	Args []string
	Dir  string
	Env  []string
	// Namespace runs the child through `ip netns exec`.
	Namespace string
	// Session puts the child in its own session instead of only its own
	// process group. The simulator uses this so its whole tree can be
	// signalled at once.
	Session bool
	// Listen are the endpoints that must all be listening before Ready
	// returns.
	Listen []netip.AddrPort
	Output io.Writer
}

// LocalProcess is a Process backed by os/exec.
type LocalProcess struct {
	spec LocalSpec
	opts options

	mu      sync.Mutex
	cmd     *exec.Cmd
	started bool
	done    chan struct{}
	err     error
}

// NewLocal returns an unstarted local process.
func NewLocal(spec LocalSpec, opts ...Option) *LocalProcess {
	return &LocalProcess{spec: spec, opts: buildOptions(opts), done: make(chan struct{})}
}

func (p *LocalProcess) Name() string { return p.spec.Name }

func (p *LocalProcess) argv() (string, []string) {
	if p.spec.Namespace == "" {
		return p.spec.Path, p.spec.Args
	}
	args := append([]string{"netns", "exec", p.spec.Namespace, p.spec.Path}, p.spec.Args...)
	return "ip", args
}

func (p *LocalProcess) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}

	name, args := p.argv()
	// The child must outlive ctx; Stop owns its termination.
	cmd := p.opts.execer.CommandContext(context.WithoutCancel(ctx), name, args...)
	cmd.Dir = p.spec.Dir
	if len(p.spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), p.spec.Env...)
	}
	if p.spec.Output != nil {
		cmd.Stdout = p.spec.Output
		cmd.Stderr = p.spec.Output
	}
	if p.spec.Session {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	} else {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}
	p.started = true
	if err := cmd.Start(); err != nil {
		p.err = fmt.Errorf("start %s: %w", p.spec.Name, err)
		close(p.done)
		return p.err
	}
	p.cmd = cmd

	p.opts.log.Debug(ctx, "child started",
		logging.String("name", p.spec.Name),
		logging.Int("pid", cmd.Process.Pid),
		logging.String("namespace", p.spec.Namespace))

	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return nil
}

// PID returns the child pid, or 0 before Start.
func (p *LocalProcess) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *LocalProcess) Ready(ctx context.Context) error {
	pid := p.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	return waitListening(ctx, p.spec.Name, pid, p.spec.Listen, p.done, p.Err, p.opts.prober, p.opts.readyTimeout)
}

func (p *LocalProcess) Stop(ctx context.Context) error {
	pid := p.PID()
	if pid == 0 {
		return nil
	}
	select {
	case <-p.done:
		return nil
	default:
	}

	// pid is also the process group id: Start made the child a group leader.
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %s: %w", p.spec.Name, err)
	}
	grace := time.NewTimer(p.opts.stopGrace)
	defer grace.Stop()
	select {
	case <-p.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	p.opts.log.Warn(ctx, "child ignored SIGTERM; killing", logging.String("name", p.spec.Name), logging.Int("pid", pid))
	if err := unix.Kill(-pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill %s: %w", p.spec.Name, err)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", p.spec.Name, ctx.Err())
	}
}

func (p *LocalProcess) Done() <-chan struct{} { return p.done }

func (p *LocalProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *LocalProcess) Record() model.ResourceRecord {
	kind := model.KindProcess
	if p.spec.Session {
		kind = model.KindSession
	}
	return model.ResourceRecord{
		Kind:    kind,
		Name:    p.spec.Name,
		PID:     p.PID(),
		Command: commandName(p.spec.Path),
	}
}
