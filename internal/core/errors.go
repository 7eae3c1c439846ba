package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProvisioning means the host could not prepare the job's
	// environment or toolchain.
	ErrProvisioning = errors.New("provisioning failed")

	// ErrStepFailed means a step's command exited non-zero or could not
	// be started.
	ErrStepFailed = errors.New("step failed")

	// ErrTimeout means a step or job ran past its time limit.
	ErrTimeout = errors.New("timed out")

	// ErrCancelled means the job was stopped from outside before it
	// reached a terminal state.
	ErrCancelled = errors.New("cancelled")

	// ErrSuperseded is the cancellation cause used when a newer run for
	// the same branch replaces an in-flight one.
	ErrSuperseded = errors.New("superseded by a newer run")
)

// ConfigError collects every problem found while loading a pipeline
// definition. A pipeline with a ConfigError never starts a run.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid pipeline: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) addf(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ConfigError) orNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// IsConfigError reports whether err is, or wraps, a *ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}
