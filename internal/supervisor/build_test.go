package supervisor

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

func TestBuild(t *testing.T) {
	requireLinux(t)
	ctx := context.Background()

	if err := Build(ctx, nil, t.TempDir(), nil, nil); err != nil {
		t.Fatalf("empty build: %v", err)
	}

	var out bytes.Buffer
	if err := Build(ctx, nil, t.TempDir(), []string{"sh", "-c", "echo compiled"}, &out); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !strings.Contains(out.String(), "compiled") {
		t.Fatalf("build output not forwarded: %q", out.String())
	}

	err := Build(ctx, nil, t.TempDir(), []string{"sh", "-c", "exit 2"}, nil)
	if !errors.Is(err, model.ErrBuildFailed) {
		t.Fatalf("Build error = %v, want ErrBuildFailed", err)
	}
}
