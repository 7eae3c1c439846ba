package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const matrixPipeline = `
name: crate
triggers:
  - push:
      branches: [master]
  - pull_request: {}
matrix:
  axes:
    os: [A, B, C]
    toolchain: [w, x, y, z]
job:
  steps:
    - name: build
      command: [cargo, build]
    - name: test
      command: [cargo, test]
`

func newTestRunner(t *testing.T, yaml string, h Host, opts Options) *Runner {
	t.Helper()
	p, err := ParsePipeline([]byte(yaml))
	require.NoError(t, err)
	r, err := NewRunner(p, h, opts)
	require.NoError(t, err)
	return r
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func failAt(os, toolchain, step string) func(Environment, Command) bool {
	return func(env Environment, cmd Command) bool {
		return env.OS == os && env.Toolchain == toolchain && len(cmd.Args) > 0 && cmd.Args[0] == step
	}
}

func TestRunnerFailingEntryDoesNotAffectOthers(t *testing.T) {
	h := newFakeHost()
	h.fail = failAt("B", "y", "test")
	r := newTestRunner(t, matrixPipeline, h, Options{})

	result, ok, err := r.Run(waitCtx(t), PushEvent("master"))
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, result.Jobs, 12)
	assert.Equal(t, RunFailed, result.Status)
	assert.Equal(t, 11, result.Count(JobSucceeded))
	assert.Equal(t, 1, result.Count(JobFailed))

	for _, j := range result.Jobs {
		if j.Entry == "os=B,toolchain=y" {
			assert.Equal(t, JobFailed, j.Status)
			assert.Equal(t, "test", j.FailedStep)
			assert.Contains(t, j.Error, "exit code 1")
			continue
		}
		assert.Equal(t, JobSucceeded, j.Status, j.Entry)
		assert.Equal(t, []string{"cargo build", "cargo test"}, h.commands(j.Entry), j.Entry)
	}
	assert.Equal(t, 12, h.provisioned)
	assert.Equal(t, 12, h.released, "every workspace is released")
}

func TestRunnerEveryEntryGetsItsOwnEnvironment(t *testing.T) {
	h := newFakeHost()
	r := newTestRunner(t, matrixPipeline, h, Options{})

	run, ok := r.Dispatch(waitCtx(t), PushEvent("master"))
	require.True(t, ok)
	_, err := run.Wait(waitCtx(t))
	require.NoError(t, err)

	seen := make(map[string]bool)
	for _, job := range run.Jobs {
		env := job.Environment.OS + "/" + job.Environment.Toolchain
		assert.False(t, seen[env], "environment %s reused", env)
		seen[env] = true
	}
	assert.Len(t, seen, 12)

	job, ok := run.JobFor("os=C,toolchain=w")
	require.True(t, ok)
	assert.Equal(t, "C", job.Environment.OS)
	assert.Equal(t, "w", job.Environment.Toolchain)
}

func TestRunnerNonMatchingEventCreatesNoRun(t *testing.T) {
	h := newFakeHost()
	r := newTestRunner(t, matrixPipeline, h, Options{})

	_, ok, err := r.Run(waitCtx(t), PushEvent("feature/login"))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, r.List())
	assert.Zero(t, h.provisioned)
}

func TestRunnerAllowFailureIsNonBlocking(t *testing.T) {
	h := newFakeHost()
	h.fail = failAt("B", "y", "test")
	p, err := ParsePipeline([]byte(matrixPipeline))
	require.NoError(t, err)
	p.Matrix.AllowFailure = []map[string]string{{"toolchain": "y"}}
	r, err := NewRunner(p, h, Options{})
	require.NoError(t, err)

	result, ok, err := r.Run(waitCtx(t), PullRequestEvent(3, "master"))
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, RunSucceeded, result.Status)
	assert.Equal(t, 1, result.Count(JobFailed), "the failure stays visible")
	for _, j := range result.Jobs {
		assert.Equal(t, j.Entry != "os=A,toolchain=y" && j.Entry != "os=B,toolchain=y" && j.Entry != "os=C,toolchain=y", j.Blocking, j.Entry)
	}
}

func TestRunnerProvisioningFailure(t *testing.T) {
	h := newFakeHost()
	h.provisionErr = func(env Environment) error {
		if env.OS == "C" {
			return errors.New("no runner for C")
		}
		return nil
	}
	r := newTestRunner(t, matrixPipeline, h, Options{})

	run, ok := r.Dispatch(waitCtx(t), PushEvent("master"))
	require.True(t, ok)
	result, err := run.Wait(waitCtx(t))
	require.NoError(t, err)

	assert.Equal(t, RunFailed, result.Status)
	assert.Equal(t, 4, result.Count(JobFailed))
	assert.Equal(t, 8, result.Count(JobSucceeded))

	job, ok := run.JobFor("os=C,toolchain=x")
	require.True(t, ok)
	assert.ErrorIs(t, job.Err(), ErrProvisioning)
	for _, step := range job.Results() {
		assert.Equal(t, StepSkipped, step.Status)
	}
}

func TestRunnerNewPushSupersedesRunningRun(t *testing.T) {
	h := newFakeHost()
	h.gate = make(chan struct{})
	r := newTestRunner(t, matrixPipeline, h, Options{CancelSuperseded: true})
	ctx := waitCtx(t)

	first, ok := r.Dispatch(ctx, PushEvent("master"))
	require.True(t, ok)
	require.Eventually(t, func() bool { return h.active() == 12 }, 2*time.Second, 5*time.Millisecond)

	second, ok := r.Dispatch(ctx, PushEvent("master"))
	require.True(t, ok)

	result, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, result.Status)
	assert.Equal(t, 12, result.Count(JobCancelled))
	for _, job := range first.Jobs {
		assert.ErrorIs(t, job.Err(), ErrCancelled)
		assert.ErrorIs(t, job.Err(), ErrSuperseded)
		assert.Equal(t, StepCancelled, job.Results()[0].Status)
		assert.Equal(t, StepSkipped, job.Results()[1].Status)
	}

	close(h.gate)
	result, err = second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, result.Status)

	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, h.provisioned, h.released)
}

func TestRunnerSupersededJobDoesNotSucceedOnLastStep(t *testing.T) {
	h := newFakeHost()
	h.gate = make(chan struct{})
	h.ignoreCtx = true

	yaml := `
triggers:
  - push:
      branches: [master]
matrix:
  axes:
    os: [linux]
job:
  steps:
    - name: deploy
      command: [make, deploy]
`
	r := newTestRunner(t, yaml, h, Options{CancelSuperseded: true})
	ctx := waitCtx(t)

	first, ok := r.Dispatch(ctx, PushEvent("master"))
	require.True(t, ok)
	require.Eventually(t, func() bool { return first.Jobs[0].Status() == JobRunning && h.active() == 1 }, 2*time.Second, 5*time.Millisecond)

	second, ok := r.Dispatch(ctx, PushEvent("master"))
	require.True(t, ok)
	close(h.gate)

	result, err := first.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, result.Status)
	assert.Equal(t, JobCancelled, first.Jobs[0].Status())
	assert.ErrorIs(t, first.Jobs[0].Err(), ErrSuperseded)

	result, err = second.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, result.Status)
}

func TestRunnerWithoutSupersedeKeepsBothRuns(t *testing.T) {
	h := newFakeHost()
	h.gate = make(chan struct{})
	r := newTestRunner(t, matrixPipeline, h, Options{})
	ctx := waitCtx(t)

	first, _ := r.Dispatch(ctx, PushEvent("master"))
	second, _ := r.Dispatch(ctx, PushEvent("master"))
	close(h.gate)

	for _, run := range []*Run{first, second} {
		result, err := run.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, RunSucceeded, result.Status)
	}
}

func TestRunnerPullRequestsSupersedeByNumber(t *testing.T) {
	h := newFakeHost()
	h.gate = make(chan struct{})
	r := newTestRunner(t, matrixPipeline, h, Options{CancelSuperseded: true})
	ctx := waitCtx(t)

	pr1, _ := r.Dispatch(ctx, PullRequestEvent(1, "master"))
	pr2, _ := r.Dispatch(ctx, PullRequestEvent(2, "master"))
	pr1again, _ := r.Dispatch(ctx, PullRequestEvent(1, "master"))

	result, err := pr1.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, result.Status)

	close(h.gate)
	for _, run := range []*Run{pr2, pr1again} {
		result, err := run.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, RunSucceeded, result.Status)
	}
}

func TestRunnerJobTimeout(t *testing.T) {
	h := newFakeHost()
	h.gate = make(chan struct{})
	defer close(h.gate)

	yaml := `
triggers: [pull_request]
matrix:
  axes:
    os: [linux]
job:
  timeout: 50ms
  steps:
    - name: hang
      command: sleep
`
	r := newTestRunner(t, yaml, h, Options{})
	run, ok := r.Dispatch(waitCtx(t), PullRequestEvent(9, "master"))
	require.True(t, ok)

	result, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, RunFailed, result.Status, "a timed out job fails the run")
	assert.ErrorIs(t, run.Jobs[0].Err(), ErrTimeout)
	assert.Equal(t, StepFailed, run.Jobs[0].Results()[0].Status)
}

func TestRunnerMaxParallel(t *testing.T) {
	h := newFakeHost()
	r := newTestRunner(t, matrixPipeline, h, Options{MaxParallel: 2})

	result, _, err := r.Run(waitCtx(t), PushEvent("master"))
	require.NoError(t, err)
	assert.Equal(t, RunSucceeded, result.Status)
	assert.LessOrEqual(t, h.maxRunning, 2)
}

func TestRunnerCancelRun(t *testing.T) {
	h := newFakeHost()
	h.gate = make(chan struct{})
	defer close(h.gate)
	r := newTestRunner(t, matrixPipeline, h, Options{})

	run, _ := r.Dispatch(waitCtx(t), PushEvent("master"))
	require.Eventually(t, func() bool { return h.active() == 12 }, 2*time.Second, 5*time.Millisecond)

	run.Cancel(nil)
	result, err := run.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, result.Status)

	snap := run.Snapshot()
	assert.Equal(t, RunCancelled, snap.Status)
	assert.False(t, snap.Finished.IsZero())
}

type recordingReporter struct {
	mu   sync.Mutex
	runs []string
}

func (rr *recordingReporter) Report(_ context.Context, run *Run) error {
	if _, ok := run.Result(); !ok {
		return errors.New("reported before completion")
	}
	rr.mu.Lock()
	defer rr.mu.Unlock()
	rr.runs = append(rr.runs, run.ID)
	return nil
}

func TestRunnerReportsFinishedRuns(t *testing.T) {
	rep := &recordingReporter{}
	r := newTestRunner(t, matrixPipeline, newFakeHost(), Options{Reporter: rep})

	ctx := waitCtx(t)
	run, _ := r.Dispatch(ctx, PushEvent("master"))
	require.NoError(t, r.Wait(ctx))

	rep.mu.Lock()
	defer rep.mu.Unlock()
	assert.Equal(t, []string{run.ID}, rep.runs)
}

func TestRunnerForgetsOldRuns(t *testing.T) {
	r := newTestRunner(t, matrixPipeline, newFakeHost(), Options{MaxRuns: 2})
	ctx := waitCtx(t)

	var ids []string
	for i := 0; i < 3; i++ {
		result, ok, err := r.Run(ctx, PushEvent("master"))
		require.NoError(t, err)
		require.True(t, ok)
		ids = append(ids, result.RunID)
	}

	runs := r.List()
	require.Len(t, runs, 2)
	assert.Equal(t, ids[1], runs[0].ID)
	_, ok := r.Get(ids[0])
	assert.False(t, ok)
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		jobs []JobResult
		want RunStatus
	}{
		{"all succeeded", []JobResult{{Status: JobSucceeded, Blocking: true}, {Status: JobSucceeded, Blocking: true}}, RunSucceeded},
		{"one failed", []JobResult{{Status: JobSucceeded, Blocking: true}, {Status: JobFailed, Blocking: true}}, RunFailed},
		{"failed beats cancelled", []JobResult{{Status: JobCancelled, Blocking: true}, {Status: JobFailed, Blocking: true}}, RunFailed},
		{"cancelled", []JobResult{{Status: JobSucceeded, Blocking: true}, {Status: JobCancelled, Blocking: true}}, RunCancelled},
		{"non-blocking failure", []JobResult{{Status: JobSucceeded, Blocking: true}, {Status: JobFailed}}, RunSucceeded},
		{"no jobs", nil, RunSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate("r", tt.jobs).Status)
		})
	}
}
