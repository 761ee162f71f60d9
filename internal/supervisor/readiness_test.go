package supervisor

import (
	"net"
	"net/netip"
	"os"
	"testing"
)

func requireProcNet(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/proc/self/net/tcp"); err != nil {
		t.Skip("no /proc/self/net/tcp")
	}
}

func listen(t *testing.T, addr string) (net.Listener, int) {
	t.Helper()
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	return ln, ln.Addr().(*net.TCPAddr).Port
}

func TestProcfsProberSeesListeningSocket(t *testing.T) {
	requireProcNet(t)
	ln, port := listen(t, "127.0.0.1:0")
	defer ln.Close()
	bound := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))

	ok, err := ProcfsProber{}.Listening(os.Getpid(), []netip.AddrPort{bound})
	if err != nil {
		t.Fatalf("Listening: %v", err)
	}
	if !ok {
		t.Fatalf("%s not reported as listening", bound)
	}

	ln.Close()
	ok, err = ProcfsProber{}.Listening(os.Getpid(), []netip.AddrPort{bound})
	if err != nil {
		t.Fatalf("Listening after close: %v", err)
	}
	if ok {
		t.Fatalf("%s still reported after close", bound)
	}
}

func TestProcfsProberMatchesAddressNotJustPort(t *testing.T) {
	requireProcNet(t)
	ln, port := listen(t, "127.0.0.1:0")
	defer ln.Close()

	bound := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
	other := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.2"), uint16(port))
	ok, err := ProcfsProber{}.Listening(os.Getpid(), []netip.AddrPort{bound, other})
	if err != nil {
		t.Fatalf("Listening: %v", err)
	}
	if ok {
		t.Fatalf("one bound endpoint satisfied both %s and %s", bound, other)
	}
}

func TestProcfsProberIgnoresWildcardBind(t *testing.T) {
	requireProcNet(t)
	ln, port := listen(t, "0.0.0.0:0")
	defer ln.Close()

	want := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(port))
	ok, err := ProcfsProber{}.Listening(os.Getpid(), []netip.AddrPort{want})
	if err != nil {
		t.Fatalf("Listening: %v", err)
	}
	if ok {
		t.Fatalf("wildcard bind counted as listening on %s", want)
	}
}

func TestProcfsProberMissingPid(t *testing.T) {
	addr := []netip.AddrPort{netip.MustParseAddrPort("10.0.1.1:7447")}
	if _, err := (ProcfsProber{Root: t.TempDir()}).Listening(1, addr); err == nil {
		t.Fatalf("expected error for a pid with no proc entry")
	}
}
