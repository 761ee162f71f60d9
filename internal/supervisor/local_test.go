package supervisor

import (
	"context"
	"errors"
	"net/netip"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

func requireLinux(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("process control relies on /proc")
	}
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
}

type stubProber struct{ listening bool }

func (s stubProber) Listening(int, []netip.AddrPort) (bool, error) { return s.listening, nil }

func TestLocalProcessStartStop(t *testing.T) {
	requireLinux(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := NewLocal(LocalSpec{Name: "sleeper", Path: "/bin/sleep", Args: []string{"30"}}, WithStopGrace(time.Second))
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.Start(ctx); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start error = %v, want ErrAlreadyStarted", err)
	}
	if err := p.Ready(ctx); err != nil {
		t.Fatalf("Ready with no ports: %v", err)
	}
	if !Alive(p.PID()) {
		t.Fatalf("pid %d not alive after Start", p.PID())
	}

	rec := p.Record()
	if rec.Kind != model.KindProcess || rec.Command != "sleep" || rec.PID != p.PID() {
		t.Fatalf("unexpected record %+v", rec)
	}

	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("Stop after exit: %v", err)
	}
}

func TestLocalProcessSessionRecord(t *testing.T) {
	p := NewLocal(LocalSpec{Name: "sim", Path: "/opt/ns-3/build/scratch/ns3-dev-scenario-optimized", Session: true})
	rec := p.Record()
	if rec.Kind != model.KindSession {
		t.Fatalf("kind = %s, want %s", rec.Kind, model.KindSession)
	}
	if rec.Command != "ns3-dev-scenari" {
		t.Fatalf("command = %q, want the 15-byte comm name", rec.Command)
	}
}

func TestLocalProcessReadyBeforeStart(t *testing.T) {
	p := NewLocal(LocalSpec{Name: "idle", Path: "sleep"})
	if err := p.Ready(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Ready error = %v, want ErrNotStarted", err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
}

func TestLocalProcessExitBeforeReady(t *testing.T) {
	requireLinux(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := NewLocal(LocalSpec{Name: "crasher", Path: "sh", Args: []string{"-c", "exit 3"}, Listen: []netip.AddrPort{netip.MustParseAddrPort("10.0.1.1:7447")}},
		WithProber(stubProber{}))
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := p.Ready(ctx)
	if !errors.Is(err, model.ErrSimulationFailed) {
		t.Fatalf("Ready error = %v, want ErrSimulationFailed", err)
	}
	<-p.Done()
	if p.Err() == nil {
		t.Fatalf("expected a non-zero exit to be reported")
	}
}

func TestLocalProcessReadinessTimeout(t *testing.T) {
	requireLinux(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	p := NewLocal(LocalSpec{Name: "deaf", Path: "sleep", Args: []string{"30"}, Listen: []netip.AddrPort{netip.MustParseAddrPort("10.0.1.1:7447")}},
		WithProber(stubProber{}), WithReadyTimeout(150*time.Millisecond), WithStopGrace(time.Second))
	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(ctx)

	err := p.Ready(ctx)
	var timeout *model.ReadinessTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("Ready error = %v, want ReadinessTimeoutError", err)
	}
	if timeout.Component != "deaf" || !errors.Is(err, model.ErrReadinessTimeout) {
		t.Fatalf("unexpected timeout error %+v", timeout)
	}
}

func TestLocalProcessReadyHonoursContext(t *testing.T) {
	requireLinux(t)
	p := NewLocal(LocalSpec{Name: "deaf", Path: "sleep", Args: []string{"30"}, Listen: []netip.AddrPort{netip.MustParseAddrPort("10.0.1.1:7447")}},
		WithProber(stubProber{}), WithStopGrace(time.Second))
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Stop(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := p.Ready(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ready error = %v, want context deadline", err)
	}
}

func TestCommandName(t *testing.T) {
	cases := map[string]string{
		"zenohd":                         "zenohd",
		"/usr/local/bin/zenohd":          "zenohd",
		"/opt/scratch/a-very-long-name!": "a-very-long-nam",
	}
	for in, want := range cases {
		if got := commandName(in); got != want {
			t.Fatalf("commandName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLocalProcessStartFailureClosesDone(t *testing.T) {
	p := NewLocal(LocalSpec{Name: "missing", Path: "/nonexistent/zenohd"})
	if err := p.Start(context.Background()); err == nil {
		t.Fatalf("expected Start to fail for a missing binary")
	}
	select {
	case <-p.Done():
	default:
		t.Fatalf("Done not closed after failed Start")
	}
	if p.Err() == nil {
		t.Fatalf("Err not set after failed Start")
	}
}
