package core

// RunStatus is the aggregate outcome of one triggered run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// JobResult is the terminal state of one job as seen in a RunResult.
type JobResult struct {
	JobID      string    `json:"job_id"`
	Entry      string    `json:"entry"`
	Status     JobStatus `json:"status"`
	Blocking   bool      `json:"blocking"`
	FailedStep string    `json:"failed_step,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// RunResult aggregates every job of a run. Partial success stays visible
// per job; only Status collapses it.
type RunResult struct {
	RunID  string      `json:"run_id"`
	Status RunStatus   `json:"status"`
	Jobs   []JobResult `json:"jobs"`
}

// Succeeded reports whether the run passed.
func (r RunResult) Succeeded() bool { return r.Status == RunSucceeded }

// Count returns how many jobs ended in status.
func (r RunResult) Count(status JobStatus) int {
	n := 0
	for _, j := range r.Jobs {
		if j.Status == status {
			n++
		}
	}
	return n
}

// Aggregate folds job results into a run result. The run succeeds only if
// every blocking job succeeded. Any failed blocking job makes the run
// failed regardless of the others; otherwise a cancelled blocking job makes
// it cancelled. Non-blocking jobs never change the outcome.
func Aggregate(runID string, jobs []JobResult) RunResult {
	result := RunResult{RunID: runID, Status: RunSucceeded, Jobs: jobs}
	cancelled := false
	for _, j := range jobs {
		if !j.Blocking {
			continue
		}
		switch j.Status {
		case JobSucceeded:
		case JobCancelled:
			cancelled = true
		default:
			result.Status = RunFailed
			return result
		}
	}
	if cancelled {
		result.Status = RunCancelled
	}
	return result
}

func jobResult(job *Job) JobResult {
	snap := job.Snapshot()
	r := JobResult{
		JobID:    snap.ID,
		Entry:    snap.Entry,
		Status:   snap.Status,
		Blocking: snap.Blocking,
		Error:    snap.Error,
	}
	for _, step := range snap.Steps {
		if step.Status == StepFailed || step.Status == StepCancelled {
			r.FailedStep = step.Name
			break
		}
	}
	return r
}
