package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/internal/logging"
	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

// ContainerSpec describes a router run as a docker container with no
// network of its own; its interfaces are moved in by AfterStart.
type ContainerSpec struct {
	Name    string
	Image   string
	Args    []string
	Labels  map[string]string
	Volumes []string
	Listen  []netip.AddrPort
	// AfterStart runs once the container's pid is known and before Ready.
	// A failure removes the container.
	AfterStart func(ctx context.Context, pid int) error
}

// ContainerProcess is a Process backed by the docker CLI.
type ContainerProcess struct {
	spec ContainerSpec
	opts options

	mu       sync.Mutex
	id       string
	pid      int
	started  bool
	done     chan struct{}
	err      error
	stopWait context.CancelFunc
}

// NewContainer returns an unstarted container process.
func NewContainer(spec ContainerSpec, opts ...Option) *ContainerProcess {
	return &ContainerProcess{spec: spec, opts: buildOptions(opts), done: make(chan struct{})}
}

func (c *ContainerProcess) Name() string { return c.spec.Name }

func (c *ContainerProcess) runArgs() []string {
	args := []string{"run", "--detach", "--name", c.spec.Name, "--network", "none"}
	keys := make([]string, 0, len(c.spec.Labels))
	for k := range c.spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--label", k+"="+c.spec.Labels[k])
	}
	for _, v := range c.spec.Volumes {
		args = append(args, "--volume", v)
	}
	args = append(args, c.spec.Image)
	return append(args, c.spec.Args...)
}

func (c *ContainerProcess) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()

	ex := c.opts.execer
	id, stderr, err := run(ctx, ex, "docker", c.runArgs()...)
	if err != nil {
		return fmt.Errorf("docker run %s: %w: %s", c.spec.Name, err, stderr)
	}
	out, stderr, err := run(ctx, ex, "docker", "inspect", "--format", "{{.State.Pid}}", id)
	if err != nil {
		c.discard(ctx, id)
		return fmt.Errorf("docker inspect %s: %w: %s", c.spec.Name, err, stderr)
	}
	pid, err := strconv.Atoi(out)
	if err != nil || pid <= 0 {
		c.discard(ctx, id)
		return fmt.Errorf("docker inspect %s: container is not running (pid %q)", c.spec.Name, out)
	}

	c.mu.Lock()
	c.id, c.pid = id, pid
	c.mu.Unlock()

	if c.spec.AfterStart != nil {
		if err := c.spec.AfterStart(ctx, pid); err != nil {
			c.discard(ctx, id)
			return fmt.Errorf("prepare container %s: %w", c.spec.Name, err)
		}
	}

	c.opts.log.Debug(ctx, "container started",
		logging.String("name", c.spec.Name),
		logging.String("id", shortID(id)),
		logging.Int("pid", pid))

	waitCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.stopWait = cancel
	c.mu.Unlock()
	go c.wait(waitCtx, id)
	return nil
}

func (c *ContainerProcess) wait(ctx context.Context, id string) {
	out, stderr, err := run(ctx, c.opts.execer, "docker", "wait", id)
	var exitErr error
	switch {
	case err != nil && ctx.Err() == nil:
		exitErr = fmt.Errorf("docker wait %s: %w: %s", c.spec.Name, err, stderr)
	case err == nil && out != "0":
		exitErr = fmt.Errorf("container %s exited with status %s", c.spec.Name, out)
	}
	c.mu.Lock()
	c.err = exitErr
	c.mu.Unlock()
	close(c.done)
}

func (c *ContainerProcess) discard(ctx context.Context, id string) {
	if _, _, err := run(context.WithoutCancel(ctx), c.opts.execer, "docker", "rm", "--force", id); err != nil {
		c.opts.log.Warn(ctx, "failed to remove container after start failure",
			logging.String("name", c.spec.Name), logging.Err(err))
	}
	c.mu.Lock()
	c.pid = 0
	c.mu.Unlock()
	close(c.done)
}

// PID returns the container's init pid, or 0 before Start.
func (c *ContainerProcess) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pid
}

func (c *ContainerProcess) Ready(ctx context.Context) error {
	pid := c.PID()
	if pid == 0 {
		return ErrNotStarted
	}
	return waitListening(ctx, c.spec.Name, pid, c.spec.Listen, c.done, c.Err, c.opts.prober, c.opts.readyTimeout)
}

func (c *ContainerProcess) Stop(ctx context.Context) error {
	c.mu.Lock()
	id, cancel := c.id, c.stopWait
	c.mu.Unlock()
	if id == "" {
		return nil
	}
	err := RemoveContainer(ctx, c.opts.execer, id, c.opts.stopGrace)
	if cancel != nil {
		cancel()
	}
	if err != nil && !errors.Is(err, ErrNoProcess) {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %s: %w", c.spec.Name, ctx.Err())
	}
}

func (c *ContainerProcess) Done() <-chan struct{} { return c.done }

func (c *ContainerProcess) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *ContainerProcess) Record() model.ResourceRecord {
	return model.ResourceRecord{Kind: model.KindContainer, Name: c.spec.Name, PID: c.PID()}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func isNoSuchContainer(stderr string) bool {
	return strings.Contains(stderr, "No such container")
}
