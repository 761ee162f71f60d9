package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "netemu.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Fatalf("defaults changed (-want +got):\n%s", diff)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := writeFile(t, `
state_dir: /tmp/netemu-state
network:
  router_port: 7500
  firewall: false
simulator:
  ns3_dir: /opt/ns-3
  duration: 2m
router:
  mode: container
  volumes: ["/opt/zenoh:/opt/zenoh:ro"]
log:
  level: debug
`)
	t.Setenv("NETEMU_ROUTER_READY_TIMEOUT", "45s")
	t.Setenv("NETEMU_LOG_LEVEL", "WARN")
	t.Setenv("NETEMU_SIM_RUN_COMMAND", "./ns3,run,scratch/{experiment},--no-build")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StateDir != "/tmp/netemu-state" || cfg.Network.RouterPort != 7500 || cfg.Network.Firewall {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Simulator.Ns3Dir != "/opt/ns-3" || cfg.Simulator.Duration != 2*time.Minute {
		t.Fatalf("simulator values not applied: %+v", cfg.Simulator)
	}
	if cfg.Router.Mode != RouterContainer || len(cfg.Router.Volumes) != 1 {
		t.Fatalf("router values not applied: %+v", cfg.Router)
	}
	if cfg.Router.ReadyTimeout != 45*time.Second {
		t.Fatalf("ReadyTimeout = %v, want env override 45s", cfg.Router.ReadyTimeout)
	}
	if cfg.Log.Level != "warn" {
		t.Fatalf("Log.Level = %q, want env override warn", cfg.Log.Level)
	}
	want := []string{"./ns3", "run", "scratch/{experiment}", "--no-build"}
	if diff := cmp.Diff(want, cfg.Simulator.RunCommand); diff != "" {
		t.Fatalf("RunCommand (-want +got):\n%s", diff)
	}
	// untouched values keep their defaults
	if cfg.Network.BasePrefix != "10.0.0.0/8" || cfg.Teardown.Timeout != time.Minute {
		t.Fatalf("defaults lost: %+v %+v", cfg.Network, cfg.Teardown)
	}
}

func TestLoadTracingFromEnv(t *testing.T) {
	t.Setenv("NETEMU_TRACING_ENABLED", "true")
	t.Setenv("NETEMU_TRACING_EXPORTER", "OTLP")
	t.Setenv("NETEMU_TRACING_ENDPOINT", "collector:4317")
	t.Setenv("NETEMU_TRACING_SAMPLE_RATIO", "0.25")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tc := cfg.Tracing
	if !tc.Enabled || tc.Exporter != "otlp" || tc.Endpoint != "collector:4317" || tc.SampleRatio != 0.25 {
		t.Fatalf("unexpected tracing config %+v", tc)
	}
	if tc.ServiceName != "netemu" {
		t.Fatalf("ServiceName = %q, want default netemu", tc.ServiceName)
	}

	t.Setenv("NETEMU_TRACING_SAMPLE_RATIO", "lots")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected an error for a non-numeric ratio")
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "routers:\n  mode: local\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected an error for an unknown key")
	}
}

func TestLoadEmptyFile(t *testing.T) {
	if _, err := Load(writeFile(t, "")); err != nil {
		t.Fatalf("Load of empty file: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad prefix", func(c *Config) { c.Network.BasePrefix = "10.0.0.0" }, "Network.BasePrefix"},
		{"port out of range", func(c *Config) { c.Network.RouterPort = 70000 }, "Network.RouterPort"},
		{"unknown router mode", func(c *Config) { c.Router.Mode = "vm" }, "Router.Mode"},
		{"container without image", func(c *Config) { c.Router.Mode = RouterContainer; c.Router.Image = "" }, "Router.Image"},
		{"local without binary", func(c *Config) { c.Router.Binary = "" }, "Router.Binary"},
		{"no run command", func(c *Config) { c.Simulator.RunCommand = nil }, "Simulator.RunCommand"},
		{"zero readiness timeout", func(c *Config) { c.Router.ReadyTimeout = 0 }, "Router.ReadyTimeout"},
		{"negative duration", func(c *Config) { c.Simulator.Duration = -time.Second }, "Simulator.Duration"},
		{"bad metrics addr", func(c *Config) { c.MetricsAddr = "metrics" }, "MetricsAddr"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "Log.Format"},
		{"bad sample ratio", func(c *Config) { c.Tracing.SampleRatio = 2 }, "Tracing.SampleRatio"},
		{"no state dir", func(c *Config) { c.StateDir = "" }, "StateDir"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("error %q does not name %s", err, tc.field)
			}
		})
	}

	cfg := Default()
	cfg.MetricsAddr = ":9090"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestExpand(t *testing.T) {
	got := Expand([]string{"./ns3", "run", "scratch/{experiment}", "--cwd={workdir}", "{ns3dir}"}, "demo", "/work/demo", "/opt/ns-3")
	want := []string{"./ns3", "run", "scratch/demo", "--cwd=/work/demo", "/opt/ns-3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Expand (-want +got):\n%s", diff)
	}
}
