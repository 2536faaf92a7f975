package isolation

import (
	"context"
	"os/exec"
	"time"
)

// DefaultWaitDelay bounds how long Wait drains pipes after the process was
// killed.
const DefaultWaitDelay = 5 * time.Second

// Isolator prepares a command so that cancelling ctx ends it.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd) (*exec.Cmd, error)
}

// ProcessGroupIsolator runs each command in its own process group and kills
// the whole group on cancellation, so children of `sh -c` die with it. On
// platforms without process groups only the direct child is killed.
type ProcessGroupIsolator struct {
	WaitDelay time.Duration
}

var _ Isolator = (*ProcessGroupIsolator)(nil)

// NewProcessGroupIsolator creates an isolator with DefaultWaitDelay.
func NewProcessGroupIsolator() *ProcessGroupIsolator {
	return &ProcessGroupIsolator{WaitDelay: DefaultWaitDelay}
}

// Wrap clones cmd onto a context-bound command. The caller must run the
// returned command, not the original.
func (g *ProcessGroupIsolator) Wrap(ctx context.Context, cmd *exec.Cmd) (*exec.Cmd, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cmd.Err != nil {
		return nil, cmd.Err
	}
	// exec.Cmd.Cancel is only honored for commands built by CommandContext.
	wrapped := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr

	setProcessGroup(wrapped)
	wrapped.Cancel = func() error {
		if wrapped.Process == nil {
			return nil
		}
		return killProcessGroup(wrapped.Process)
	}
	wrapped.WaitDelay = g.WaitDelay
	if wrapped.WaitDelay <= 0 {
		wrapped.WaitDelay = DefaultWaitDelay
	}
	return wrapped, nil
}
