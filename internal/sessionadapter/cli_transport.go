package sessionadapter

import (
	"context"

	"github.com/ralph-build/ralphd/internal/external/subprocess"
)

// cliTransport spawns the agent binary as a subprocess, one process per
// invocation, in its own process group so Stop can SIGTERM/SIGKILL the
// whole tree rather than a single orphaned child.
type cliTransport struct{}

func (cliTransport) Name() string { return "cli" }

func (cliTransport) Start(ctx context.Context, req SpawnRequest) (Process, error) {
	proc := subprocess.New(subprocess.Config{
		Command:    req.Command,
		Args:       req.Args,
		Env:        req.Env,
		WorkingDir: req.WorktreeDir,
		Timeout:    req.Timeout,
	})
	if err := proc.Start(ctx); err != nil {
		return nil, err
	}
	return cliProcess{proc}, nil
}

// cliProcess adapts *subprocess.Subprocess to the Process interface; every
// method is already promoted with a matching signature.
type cliProcess struct {
	*subprocess.Subprocess
}
