package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reporter receives every run once it has finished.
type Reporter interface {
	Report(ctx context.Context, run *Run) error
}

// Options tune a Runner. The zero value runs jobs without timeouts, without
// a parallelism bound and without cancelling superseded runs.
type Options struct {
	// JobTimeout applies when the pipeline declares no job.timeout.
	JobTimeout time.Duration
	// StepTimeout applies to steps without their own timeout.
	StepTimeout time.Duration
	// MaxParallel applies when the pipeline declares no max_parallel.
	MaxParallel int
	// CancelSuperseded cancels an in-flight run when a newer one for the
	// same branch or pull request is dispatched.
	CancelSuperseded bool
	// MaxRuns bounds how many finished runs are remembered. Zero keeps 100.
	MaxRuns int

	Logs     LogSink
	Reporter Reporter
	Logger   *slog.Logger
}

// Runner ties trigger evaluation, matrix expansion, job execution and
// reporting together for one pipeline.
type Runner struct {
	pipeline *Pipeline
	entries  []MatrixEntry
	host     Host
	executor *Executor
	opts     Options
	logger   *slog.Logger

	mu     sync.Mutex
	runs   map[string]*Run
	order  []string
	active map[string]*Run
	wg     sync.WaitGroup
}

// NewRunner validates that p's matrix expands and returns a Runner that
// dispatches jobs to host.
func NewRunner(p *Pipeline, host Host, opts Options) (*Runner, error) {
	if p == nil {
		return nil, errors.New("runner: nil pipeline")
	}
	if host == nil {
		return nil, errors.New("runner: nil host")
	}
	entries, err := Expand(p.Matrix.Axes)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxRuns <= 0 {
		opts.MaxRuns = 100
	}
	return &Runner{
		pipeline: p,
		entries:  entries,
		host:     host,
		executor: NewExecutor(opts.StepTimeout, opts.Logs, opts.Logger),
		opts:     opts,
		logger:   opts.Logger.With("pipeline", p.Name),
		runs:     make(map[string]*Run),
		active:   make(map[string]*Run),
	}, nil
}

// Pipeline returns the definition the runner executes.
func (r *Runner) Pipeline() *Pipeline { return r.pipeline }

// Entries returns the expanded matrix.
func (r *Runner) Entries() []MatrixEntry {
	out := make([]MatrixEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Dispatch creates and starts a run when ev matches a trigger. It returns
// false, without error, when nothing matched. The run lives until it
// finishes or ctx is cancelled; it does not wait for completion.
func (r *Runner) Dispatch(ctx context.Context, ev Event) (*Run, bool) {
	if !r.pipeline.Triggers.Matches(ev) {
		r.logger.Debug("event matched no trigger", "kind", ev.Kind, "branch", ev.Branch)
		return nil, false
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	run := &Run{
		ID:       uuid.NewString(),
		Pipeline: r.pipeline.Name,
		Event:    ev,
		Created:  time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, entry := range r.entries {
		run.Jobs = append(run.Jobs, newJob(uuid.NewString(), run.ID, entry, r.pipeline.Job, r.pipeline.Matrix.Blocking(entry)))
	}

	r.mu.Lock()
	if key := ev.supersedeKey(); key != "" && r.opts.CancelSuperseded {
		if prev, ok := r.active[key]; ok {
			r.logger.Info("cancelling superseded run", "run", prev.ID, "superseded_by", run.ID, "key", key)
			prev.Cancel(ErrSuperseded)
		}
		r.active[key] = run
	}
	r.runs[run.ID] = run
	r.order = append(r.order, run.ID)
	r.evictLocked()
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("run started", "run", run.ID, "kind", ev.Kind, "branch", ev.Branch, "jobs", len(run.Jobs))
	go r.execute(runCtx, run)
	return run, true
}

// Run dispatches ev and waits for the run to finish.
func (r *Runner) Run(ctx context.Context, ev Event) (RunResult, bool, error) {
	run, ok := r.Dispatch(ctx, ev)
	if !ok {
		return RunResult{}, false, nil
	}
	result, err := run.Wait(context.WithoutCancel(ctx))
	return result, true, err
}

// Get returns a run by ID.
func (r *Runner) Get(id string) (*Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	return run, ok
}

// List returns the remembered runs, oldest first.
func (r *Runner) List() []*Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Run, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.runs[id])
	}
	return out
}

// CancelAll cancels every unfinished run with cause.
func (r *Runner) CancelAll(cause error) {
	for _, run := range r.List() {
		select {
		case <-run.Done():
		default:
			run.Cancel(cause)
		}
	}
}

// Wait blocks until every dispatched run has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// evictLocked forgets the oldest finished runs beyond MaxRuns.
func (r *Runner) evictLocked() {
	for len(r.order) > r.opts.MaxRuns {
		evicted := false
		for i, id := range r.order {
			run := r.runs[id]
			select {
			case <-run.Done():
				delete(r.runs, id)
				r.order = append(r.order[:i], r.order[i+1:]...)
				evicted = true
			default:
			}
			if evicted {
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func (r *Runner) execute(ctx context.Context, run *Run) {
	defer r.wg.Done()

	limit := r.pipeline.Matrix.MaxParallel
	if limit == 0 {
		limit = r.opts.MaxParallel
	}
	var sem chan struct{}
	if limit > 0 {
		sem = make(chan struct{}, limit)
	}

	var wg sync.WaitGroup
	for _, job := range run.Jobs {
		wg.Add(1)
		go func(job *Job) {
			defer wg.Done()
			r.runJob(ctx, job, sem)
		}(job)
	}
	wg.Wait()

	results := make([]JobResult, len(run.Jobs))
	for i, job := range run.Jobs {
		results[i] = jobResult(job)
	}
	result := Aggregate(run.ID, results)

	r.mu.Lock()
	if key := run.Event.supersedeKey(); key != "" && r.active[key] == run {
		delete(r.active, key)
	}
	r.mu.Unlock()

	run.complete(result)
	run.cancel(nil)
	r.logger.Info("run finished", "run", run.ID, "status", result.Status,
		"succeeded", result.Count(JobSucceeded), "failed", result.Count(JobFailed), "cancelled", result.Count(JobCancelled))

	if r.opts.Reporter != nil {
		if err := r.opts.Reporter.Report(context.WithoutCancel(ctx), run); err != nil {
			r.logger.Warn("cannot report run", "run", run.ID, "error", err)
		}
	}
}

func (r *Runner) runJob(ctx context.Context, job *Job, sem chan struct{}) {
	logger := r.logger.With("run", job.RunID, "job", job.ID, "entry", job.Entry.Key())

	if sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			job.finish(interruption(ctx))
			return
		}
	}
	if ctx.Err() != nil {
		job.finish(interruption(ctx))
		return
	}

	jobCtx := ctx
	timeout := r.pipeline.Job.Timeout
	if timeout == 0 {
		timeout = r.opts.JobTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := job.transition(JobProvisioning); err != nil {
		job.finish(err)
		return
	}
	logger.Info("provisioning", "os", job.Environment.OS, "toolchain", job.Environment.Toolchain)
	ws, err := r.host.Provision(jobCtx, job.Environment)
	if err != nil {
		if jobCtx.Err() != nil {
			err = interruption(jobCtx)
		} else {
			err = fmt.Errorf("%w: %w", ErrProvisioning, err)
		}
		logger.Warn("provisioning failed", "error", err)
		job.finish(err)
		return
	}
	defer func() {
		if err := ws.Close(); err != nil {
			logger.Warn("cannot release workspace", "error", err)
		}
	}()

	err = r.executor.RunSteps(jobCtx, job, ws)
	job.finish(err)
	logger.Info("job finished", "status", job.Status())
}

// Run is one triggered execution of the pipeline's whole matrix.
type Run struct {
	ID       string
	Pipeline string
	Event    Event
	Created  time.Time
	Jobs     []*Job

	cancel context.CancelCauseFunc
	done   chan struct{}

	mu       sync.Mutex
	result   RunResult
	finished time.Time
}

// Cancel stops the run's unfinished jobs. Jobs notice between steps; the
// host may also abort the running command. A nil cause means ErrCancelled.
func (r *Run) Cancel(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}
	r.cancel(cause)
}

// Done is closed when every job has reached a terminal status.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) (RunResult, error) {
	select {
	case <-r.done:
		res, _ := r.Result()
		return res, nil
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

// Result returns the final result once the run has finished.
func (r *Run) Result() (RunResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	select {
	case <-r.done:
		return r.result, true
	default:
		return RunResult{}, false
	}
}

// Job returns the job with the given ID.
func (r *Run) Job(id string) (*Job, bool) {
	for _, j := range r.Jobs {
		if j.ID == id {
			return j, true
		}
	}
	return nil, false
}

// JobFor returns the job bound to the entry with the given key.
func (r *Run) JobFor(entryKey string) (*Job, bool) {
	for _, j := range r.Jobs {
		if j.Entry.Key() == entryKey {
			return j, true
		}
	}
	return nil, false
}

func (r *Run) complete(result RunResult) {
	r.mu.Lock()
	r.result = result
	r.finished = time.Now()
	r.mu.Unlock()
	close(r.done)
}

// RunSnapshot is a serializable view of a run.
type RunSnapshot struct {
	ID       string        `json:"id"`
	Pipeline string        `json:"pipeline"`
	Event    Event         `json:"event"`
	Status   RunStatus     `json:"status"`
	Created  time.Time     `json:"created"`
	Finished time.Time     `json:"finished"`
	Jobs     []JobSnapshot `json:"jobs"`
}

// Snapshot returns the run's current state.
func (r *Run) Snapshot() RunSnapshot {
	s := RunSnapshot{
		ID:       r.ID,
		Pipeline: r.Pipeline,
		Event:    r.Event,
		Status:   RunRunning,
		Created:  r.Created,
	}
	if res, ok := r.Result(); ok {
		s.Status = res.Status
		r.mu.Lock()
		s.Finished = r.finished
		r.mu.Unlock()
	}
	for _, j := range r.Jobs {
		s.Jobs = append(s.Jobs, j.Snapshot())
	}
	return s
}
