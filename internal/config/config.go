// Package config loads harness configuration. Values start from Default,
// are overlaid by an optional YAML file and then by NETEMU_* environment
// variables, and are validated last.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/observability"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NETEMU"

// Router modes.
const (
	RouterLocal     = "local"
	RouterContainer = "container"
)

// Config holds all harness configuration.
type Config struct {
	StateDir    string                      `envconfig:"STATE_DIR" yaml:"state_dir" validate:"required"`
	WorkDir     string                      `envconfig:"WORK_DIR" yaml:"work_dir" validate:"required"`
	MetricsAddr string                      `envconfig:"METRICS_ADDR" yaml:"metrics_addr" validate:"omitempty,hostname_port"`
	Network     NetworkConfig               `envconfig:"NETWORK" yaml:"network"`
	Simulator   SimulatorConfig             `envconfig:"SIM" yaml:"simulator"`
	Router      RouterConfig                `envconfig:"ROUTER" yaml:"router"`
	Teardown    TeardownConfig              `envconfig:"TEARDOWN" yaml:"teardown"`
	Log         LogConfig                   `envconfig:"LOG" yaml:"log"`
	Tracing     observability.TracingConfig `envconfig:"TRACING" yaml:"tracing"`
}

// NetworkConfig holds addressing and host network settings.
type NetworkConfig struct {
	BasePrefix string `envconfig:"BASE_PREFIX" yaml:"base_prefix" validate:"required,cidrv4"`
	RouterPort int    `envconfig:"ROUTER_PORT" yaml:"router_port" validate:"gte=1,lte=65535"`
	// Firewall installs FORWARD accept rules on every bridge.
	Firewall bool `envconfig:"FIREWALL" yaml:"firewall"`
}

// SimulatorConfig holds ns-3 settings. Commands may use the placeholders
// {experiment}, {workdir} and {ns3dir}.
type SimulatorConfig struct {
	// Ns3Dir is the ns-3 source tree; the generated scenario is installed
	// into its scratch directory. Empty skips install and build.
	Ns3Dir       string        `envconfig:"NS3_DIR" yaml:"ns3_dir"`
	BuildCommand []string      `envconfig:"BUILD_COMMAND" yaml:"build_command"`
	RunCommand   []string      `envconfig:"RUN_COMMAND" yaml:"run_command" validate:"required,min=1"`
	StopTime     time.Duration `envconfig:"STOP_TIME" yaml:"stop_time" validate:"gt=0"`
	// Duration bounds the run in wall-clock time; zero waits for the
	// simulator to exit on its own.
	Duration time.Duration `envconfig:"DURATION" yaml:"duration" validate:"gte=0"`
	Tick     time.Duration `envconfig:"TICK" yaml:"tick" validate:"gt=0"`
}

// RouterConfig holds zenoh router settings.
type RouterConfig struct {
	Mode         string        `envconfig:"MODE" yaml:"mode" validate:"oneof=local container"`
	Binary       string        `envconfig:"BINARY" yaml:"binary" validate:"required_if=Mode local"`
	Image        string        `envconfig:"IMAGE" yaml:"image" validate:"required_if=Mode container"`
	Args         []string      `envconfig:"ARGS" yaml:"args"`
	Volumes      []string      `envconfig:"VOLUMES" yaml:"volumes"`
	ReadyTimeout time.Duration `envconfig:"READY_TIMEOUT" yaml:"ready_timeout" validate:"gt=0"`
}

// TeardownConfig bounds teardown.
type TeardownConfig struct {
	Timeout   time.Duration `envconfig:"TIMEOUT" yaml:"timeout" validate:"gt=0"`
	StopGrace time.Duration `envconfig:"STOP_GRACE" yaml:"stop_grace" validate:"gt=0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `envconfig:"LEVEL" yaml:"level" validate:"oneof=debug info warn warning error"`
	Format string `envconfig:"FORMAT" yaml:"format" validate:"oneof=text json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		StateDir: "/var/lib/netemu",
		WorkDir:  "/var/tmp/netemu",
		Network: NetworkConfig{
			BasePrefix: "10.0.0.0/8",
			RouterPort: 7447,
			Firewall:   true,
		},
		Simulator: SimulatorConfig{
			BuildCommand: []string{"./ns3", "build"},
			RunCommand:   []string{"./ns3", "run", "scratch/{experiment}"},
			StopTime:     600 * time.Second,
			Tick:         10 * time.Second,
		},
		Router: RouterConfig{
			Mode:         RouterLocal,
			Binary:       "zenohd",
			Image:        "eclipse/zenoh:1.4.0",
			ReadyTimeout: 30 * time.Second,
		},
		Teardown: TeardownConfig{
			Timeout:   60 * time.Second,
			StopGrace: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: observability.DefaultTracingConfig(),
	}
}

// Load builds the configuration from defaults, the YAML file at path (if
// path is not empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)
	cfg.Router.Mode = strings.ToLower(cfg.Router.Mode)
	cfg.Tracing.Exporter = strings.ToLower(cfg.Tracing.Exporter)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

var validate = validator.New()

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s: failed %s (got %v)", field, fe.Tag(), fe.Value()))
		}
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// Expand replaces command placeholders.
func Expand(argv []string, experiment, workDir, ns3Dir string) []string {
	r := strings.NewReplacer("{experiment}", experiment, "{workdir}", workDir, "{ns3dir}", ns3Dir)
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = r.Replace(a)
	}
	return out
}
