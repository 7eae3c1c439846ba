package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Executor runs a job's steps in declaration order on one workspace and
// stops at the first failure.
type Executor struct {
	// StepTimeout applies to steps that declare no timeout of their own.
	// Zero means no limit beyond the job's.
	StepTimeout time.Duration
	Logs        LogSink
	Logger      *slog.Logger
}

func NewExecutor(stepTimeout time.Duration, logs LogSink, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{StepTimeout: stepTimeout, Logs: logs, Logger: logger}
}

// RunSteps executes job.Steps on ws. It returns nil when every step
// succeeded; otherwise an error wrapping ErrStepFailed, ErrTimeout or
// ErrCancelled. Steps after the failing one never start. Cancellation of
// ctx is checked before each step and once more after the last one.
func (e *Executor) RunSteps(ctx context.Context, job *Job, ws Workspace) error {
	logger := e.Logger.With("run", job.RunID, "job", job.ID, "entry", job.Entry.Key())

	for i, step := range job.Steps {
		if ctx.Err() != nil {
			return interruption(ctx)
		}
		if err := job.beginStep(i); err != nil {
			return err
		}
		logger.Info("step started", "step", step.Name, "command", step.Command.String())

		result, stepTimedOut, runErr := e.runStep(ctx, step, ws)
		logPath := e.saveLog(job, i, step.Name, result.Output, logger)

		var stepErr error
		status := StepSucceeded
		switch {
		case runErr == nil && result.ExitCode == 0:
		case ctx.Err() != nil:
			stepErr = interruption(ctx)
			status = StepCancelled
			if errors.Is(stepErr, ErrTimeout) {
				status = StepFailed
			}
		case stepTimedOut:
			stepErr = fmt.Errorf("step %q: %w after %s", step.Name, ErrTimeout, e.timeoutFor(step))
			status = StepFailed
		case runErr != nil:
			stepErr = fmt.Errorf("step %q: %w: %w", step.Name, ErrStepFailed, runErr)
			status = StepFailed
		default:
			stepErr = fmt.Errorf("step %q: %w: exit code %d", step.Name, ErrStepFailed, result.ExitCode)
			status = StepFailed
		}
		job.recordStep(i, status, result.ExitCode, result.Output, logPath, stepErr)

		if stepErr != nil {
			logger.Warn("step did not succeed", "step", step.Name, "status", status, "error", stepErr)
			return stepErr
		}
		logger.Info("step succeeded", "step", step.Name)
	}
	// A host may finish the last command after the job was cancelled.
	if ctx.Err() != nil {
		return interruption(ctx)
	}
	return nil
}

func (e *Executor) timeoutFor(step Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	return e.StepTimeout
}

// runStep runs one command under the step's own deadline and reports
// whether that deadline, not the job's, was what stopped it.
func (e *Executor) runStep(ctx context.Context, step Step, ws Workspace) (CommandResult, bool, error) {
	stepCtx := ctx
	if timeout := e.timeoutFor(step); timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	result, err := ws.Run(stepCtx, step.Command, step.Env)
	timedOut := ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded)
	return result, timedOut, err
}

func (e *Executor) saveLog(job *Job, index int, step, output string, logger *slog.Logger) string {
	if e.Logs == nil {
		return ""
	}
	path, err := e.Logs.SaveStepLog(job.RunID, job.ID, index, step, output)
	if err != nil {
		logger.Warn("cannot save step log", "step", step, "error", err)
		return ""
	}
	return path
}

// interruption converts a finished context into the job-level error it
// stands for: a job deadline is a timeout failure, anything else is a
// cancellation carrying its cause.
func interruption(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("job %w", ErrTimeout)
	}
	cause := context.Cause(ctx)
	if cause == nil || errors.Is(cause, context.Canceled) {
		return ErrCancelled
	}
	if errors.Is(cause, ErrCancelled) {
		return cause
	}
	return fmt.Errorf("%w: %w", ErrCancelled, cause)
}
