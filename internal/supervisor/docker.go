package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Container is a container found by label.
type Container struct {
	Name  string
	Label string
}

// RemoveContainer stops a container with the given grace period and removes
// it. A container that does not exist yields ErrNoProcess.
func RemoveContainer(ctx context.Context, ex Execer, name string, grace time.Duration) error {
	if ex == nil {
		ex = DefaultExecer
	}
	secs := int(grace.Round(time.Second) / time.Second)
	_, stderr, err := run(ctx, ex, "docker", "stop", "--time", strconv.Itoa(secs), name)
	if err != nil {
		if isNoSuchContainer(stderr) {
			return fmt.Errorf("%w: container %s", ErrNoProcess, name)
		}
		return fmt.Errorf("docker stop %s: %w: %s", name, err, stderr)
	}
	_, stderr, err = run(ctx, ex, "docker", "rm", "--force", name)
	if err != nil && !isNoSuchContainer(stderr) {
		return fmt.Errorf("docker rm %s: %w: %s", name, err, stderr)
	}
	return nil
}

// ListContainers returns every container, running or not, that carries
// label, along with the label's value.
func ListContainers(ctx context.Context, ex Execer, label string) ([]Container, error) {
	if ex == nil {
		ex = DefaultExecer
	}
	format := fmt.Sprintf(`{{.Names}}\t{{.Label %q}}`, label)
	out, stderr, err := run(ctx, ex, "docker", "ps", "--all", "--filter", "label="+label, "--format", format)
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w: %s", err, stderr)
	}
	var containers []Container
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		name, value, _ := strings.Cut(line, "\t")
		containers = append(containers, Container{Name: name, Label: value})
	}
	return containers, nil
}
