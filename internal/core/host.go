package core

import "context"

// Host is the external collaborator that owns machines and processes. The
// runner only asks it for environments and hands it commands to run.
type Host interface {
	// Provision prepares an isolated environment for one job, including
	// the requested toolchain. Errors are reported as provisioning
	// failures of that job only.
	Provision(ctx context.Context, env Environment) (Workspace, error)
}

// Workspace is one provisioned environment. No two jobs share one.
type Workspace interface {
	// Run executes cmd to completion. A non-nil error means the command
	// could not be run at all or was interrupted; a non-zero ExitCode
	// means it ran and failed.
	Run(ctx context.Context, cmd Command, env map[string]string) (CommandResult, error)

	// Close releases the environment.
	Close() error
}

// CommandResult is what a host reports back for one command.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// LogSink stores the output of a finished step and returns where it went.
type LogSink interface {
	SaveStepLog(runID, jobID string, index int, step, output string) (string, error)
}
