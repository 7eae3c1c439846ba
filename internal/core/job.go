package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// JobStatus is a job's position in its lifecycle:
//
//	Pending -> Provisioning -> Running(step) -> Succeeded | Failed
//
// Cancelled is reachable from every non-terminal status. No transition
// returns to an earlier status.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobProvisioning JobStatus = "provisioning"
	JobRunning      JobStatus = "running"
	JobSucceeded    JobStatus = "succeeded"
	JobFailed       JobStatus = "failed"
	JobCancelled    JobStatus = "cancelled"
)

// Terminal reports whether s is a final status.
func (s JobStatus) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:      {JobProvisioning, JobCancelled},
	JobProvisioning: {JobRunning, JobFailed, JobCancelled},
	JobRunning:      {JobSucceeded, JobFailed, JobCancelled},
}

// StepStatus is the outcome of one step within a job.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepSkipped   StepStatus = "skipped"
)

// Environment describes what the host must provision for one job.
type Environment struct {
	OS        string      `json:"os,omitempty"`
	Toolchain string      `json:"toolchain,omitempty"`
	Entry     MatrixEntry `json:"entry"`
}

// StepResult records what happened to one step.
type StepResult struct {
	Name     string     `json:"name"`
	Command  string     `json:"command"`
	Status   StepStatus `json:"status"`
	ExitCode int        `json:"exit_code"`
	// Output is the step's output, cut to its last retainedOutput bytes
	// when the full text was saved to LogPath.
	Output   string     `json:"-"`
	LogPath  string     `json:"log_path,omitempty"`
	Error    string     `json:"error,omitempty"`
	Started  time.Time  `json:"started"`
	Finished time.Time  `json:"finished"`
}

// Job executes one matrix entry's steps. It is created when a run expands
// its matrix and is never reused.
type Job struct {
	ID          string
	RunID       string
	Entry       MatrixEntry
	Environment Environment
	Steps       []Step
	Blocking    bool

	mu        sync.Mutex
	status    JobStatus
	stepIndex int
	results   []StepResult
	err       error
	started   time.Time
	finished  time.Time
	done      chan struct{}
}

func newJob(id, runID string, entry MatrixEntry, spec JobSpec, blocking bool) *Job {
	job := &Job{
		ID:       id,
		RunID:    runID,
		Entry:    entry,
		Blocking: blocking,
		status:   JobPending,
		done:     make(chan struct{}),
	}
	job.Environment = Environment{Entry: entry}
	if spec.OSAxis != "" {
		job.Environment.OS, _ = entry.Get(spec.OSAxis)
	}
	if spec.ToolchainAxis != "" {
		job.Environment.Toolchain, _ = entry.Get(spec.ToolchainAxis)
	}
	job.Steps = make([]Step, len(spec.Steps))
	job.results = make([]StepResult, len(spec.Steps))
	for i, step := range spec.Steps {
		job.Steps[i] = step.resolve(entry)
		job.results[i] = StepResult{
			Name:    step.Name,
			Command: job.Steps[i].Command.String(),
			Status:  StepPending,
		}
	}
	return job
}

// Status returns the current status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Err returns why the job failed or was cancelled, or nil.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Done is closed once the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// Results returns a copy of the per-step results, including output.
func (j *Job) Results() []StepResult {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]StepResult, len(j.results))
	copy(out, j.results)
	return out
}

// StepResult returns the result of the named step.
func (j *Job) StepResult(name string) (StepResult, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, r := range j.results {
		if r.Name == name {
			return r, true
		}
	}
	return StepResult{}, false
}

func (j *Job) transitionLocked(to JobStatus) error {
	for _, allowed := range jobTransitions[j.status] {
		if allowed == to {
			j.status = to
			if to.Terminal() {
				j.finished = time.Now()
				close(j.done)
			}
			return nil
		}
	}
	return fmt.Errorf("job %s: illegal transition %s -> %s", j.ID, j.status, to)
}

func (j *Job) transition(to JobStatus) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if to == JobProvisioning {
		j.started = time.Now()
	}
	return j.transitionLocked(to)
}

// beginStep moves the job into Running(index).
func (j *Job) beginStep(index int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != JobRunning {
		if err := j.transitionLocked(JobRunning); err != nil {
			return err
		}
	}
	j.stepIndex = index
	j.results[index].Status = StepRunning
	j.results[index].Started = time.Now()
	return nil
}

func (j *Job) recordStep(index int, status StepStatus, exitCode int, output, logPath string, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r := &j.results[index]
	r.Status = status
	r.ExitCode = exitCode
	if logPath != "" && len(output) > retainedOutput {
		output = output[len(output)-retainedOutput:]
	}
	r.Output = output
	r.LogPath = logPath
	r.Finished = time.Now()
	if err != nil {
		r.Error = err.Error()
	}
}

// retainedOutput bounds the step output a job keeps in memory once the
// full text is in the log store.
const retainedOutput = 64 << 10

// finish moves the job to the terminal status implied by err and marks the
// steps that never ran as skipped.
func (j *Job) finish(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	to := JobSucceeded
	switch {
	case errors.Is(err, ErrCancelled):
		to = JobCancelled
	case err != nil:
		to = JobFailed
	}
	if to == JobSucceeded && j.status != JobRunning {
		// A job without a single executed step cannot succeed.
		to = JobFailed
		err = fmt.Errorf("%w: job finished before running any step", ErrStepFailed)
	}
	for i := range j.results {
		if j.results[i].Status == StepPending {
			j.results[i].Status = StepSkipped
		}
	}
	if to == JobFailed && j.status == JobPending {
		// Work that never started can only be cancelled.
		to = JobCancelled
	}
	j.err = err
	_ = j.transitionLocked(to)
}

// JobSnapshot is a point-in-time, serializable view of a job.
type JobSnapshot struct {
	ID          string       `json:"id"`
	Entry       string       `json:"entry"`
	Environment Environment  `json:"environment"`
	Status      JobStatus    `json:"status"`
	StepIndex   int          `json:"step_index"`
	Blocking    bool         `json:"blocking"`
	Error       string       `json:"error,omitempty"`
	Steps       []StepResult `json:"steps"`
	Started     time.Time    `json:"started"`
	Finished    time.Time    `json:"finished"`
}

// Snapshot returns the job's current state.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := JobSnapshot{
		ID:          j.ID,
		Entry:       j.Entry.Key(),
		Environment: j.Environment,
		Status:      j.status,
		StepIndex:   j.stepIndex,
		Blocking:    j.Blocking,
		Steps:       make([]StepResult, len(j.results)),
		Started:     j.started,
		Finished:    j.finished,
	}
	copy(s.Steps, j.results)
	if j.err != nil {
		s.Error = j.err.Error()
	}
	return s
}
