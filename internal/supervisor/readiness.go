package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/procfs"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

// tcpListen is the kernel's TCP_LISTEN socket state.
const tcpListen = 0x0A

// Prober reports whether pid's network namespace has a listening socket
// bound to every address.
type Prober interface {
	Listening(pid int, addrs []netip.AddrPort) (bool, error)
}

// ProcfsProber reads /proc/<pid>/net/tcp and tcp6. Those tables cover the
// whole namespace, which is exact here because each router owns one. A
// socket only counts for the address it is bound to; a wildcard bind does
// not satisfy a specific address.
type ProcfsProber struct {
	// Root defaults to /proc.
	Root string
}

func (p ProcfsProber) Listening(pid int, addrs []netip.AddrPort) (bool, error) {
	root := p.Root
	if root == "" {
		root = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(filepath.Join(root, strconv.Itoa(pid)))
	if err != nil {
		return false, fmt.Errorf("open proc for pid %d: %w", pid, err)
	}

	listening := make(map[netip.AddrPort]bool)
	collect := func(table procfs.NetTCP) {
		for _, l := range table {
			if l.St != tcpListen {
				continue
			}
			ip, ok := netip.AddrFromSlice(l.LocalAddr)
			if !ok {
				continue
			}
			listening[netip.AddrPortFrom(ip.Unmap(), uint16(l.LocalPort))] = true
		}
	}
	tcp4, err4 := fs.NetTCP()
	collect(tcp4)
	tcp6, err6 := fs.NetTCP6()
	collect(tcp6)
	if err4 != nil && err6 != nil {
		return false, fmt.Errorf("read sockets of pid %d: %w", pid, err4)
	}

	for _, a := range addrs {
		if !listening[netip.AddrPortFrom(a.Addr().Unmap(), a.Port())] {
			return false, nil
		}
	}
	return true, nil
}

var errNotListening = errors.New("endpoints not listening yet")

// waitListening polls prober with exponential backoff until pid listens on
// every address, the child exits, or timeout elapses.
func waitListening(ctx context.Context, name string, pid int, addrs []netip.AddrPort, done <-chan struct{}, exitErr func() error, prober Prober, timeout time.Duration) error {
	pollCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0

	var last error
	op := func() error {
		select {
		case <-done:
			return backoff.Permanent(fmt.Errorf("%w: %s exited before becoming ready: %v", model.ErrSimulationFailed, name, exitErr()))
		default:
		}
		if len(addrs) == 0 {
			return nil
		}
		ok, err := prober.Listening(pid, addrs)
		switch {
		case err != nil:
			last = err
			return err
		case !ok:
			last = errNotListening
			return errNotListening
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(b, pollCtx))
	if err == nil {
		return nil
	}
	if errors.Is(err, model.ErrSimulationFailed) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &model.ReadinessTimeoutError{Component: name, Timeout: timeout, Cause: last}
}
