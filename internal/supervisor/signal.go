package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// Alive reports whether pid exists and is not a zombie.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := procfs.NewProc(pid)
	if err != nil {
		return false
	}
	stat, err := p.Stat()
	if err != nil {
		return false
	}
	return stat.State != "Z"
}

// Command returns the comm name of pid.
func Command(pid int) (string, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return "", fmt.Errorf("%w: pid %d", ErrNoProcess, pid)
	}
	return p.Comm()
}

// Terminate sends SIGTERM to pid, or to its process group when group is
// set, and escalates to SIGKILL after grace. When command is not empty the
// pid must still run that command, which guards against pid reuse. A pid that
// is gone yields ErrNoProcess.
func Terminate(ctx context.Context, pid int, group bool, command string, grace time.Duration) error {
	if !Alive(pid) {
		return fmt.Errorf("%w: pid %d", ErrNoProcess, pid)
	}
	if command != "" {
		comm, err := Command(pid)
		if err != nil {
			return err
		}
		if comm != command {
			return fmt.Errorf("%w: pid %d now runs %q, not %q", ErrNoProcess, pid, comm, command)
		}
	}

	target := pid
	if group {
		target = -pid
	}
	if err := unix.Kill(target, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("%w: pid %d", ErrNoProcess, pid)
		}
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	if waitExit(ctx, pid, grace) {
		return nil
	}
	if err := unix.Kill(target, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	if waitExit(ctx, pid, grace) {
		return nil
	}
	return fmt.Errorf("pid %d survived SIGKILL", pid)
}

var errStillAlive = errors.New("still alive")

func waitExit(ctx context.Context, pid int, limit time.Duration) bool {
	if limit <= 0 {
		limit = DefaultStopGrace
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = limit
	err := backoff.Retry(func() error {
		if Alive(pid) {
			return errStillAlive
		}
		return nil
	}, backoff.WithContext(b, ctx))
	return err == nil
}
