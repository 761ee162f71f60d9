package supervisor

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/NEWSLabNTU/ns3-zenoh-simulation/model"
)

// Build runs a simulator build command in dir and waits for it. An empty
// command is a no-op.
func Build(ctx context.Context, ex Execer, dir string, argv []string, out io.Writer) error {
	if len(argv) == 0 {
		return nil
	}
	if ex == nil {
		ex = DefaultExecer
	}
	cmd := ex.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	if out != nil {
		cmd.Stdout = out
		cmd.Stderr = out
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("build interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("%w: %s: %v", model.ErrBuildFailed, strings.Join(argv, " "), err)
	}
	return nil
}
