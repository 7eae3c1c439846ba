package attest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"matrixci/internal/core"
	"matrixci/internal/security"
)

// Reporter writes one signed report per finished run to Dir/<run>.jsonl.
type Reporter struct {
	Dir    string
	Keys   security.KeyPair
	Logger *slog.Logger
}

// Report implements core.Reporter.
func (rp *Reporter) Report(_ context.Context, run *core.Run) error {
	result, ok := run.Result()
	if !ok {
		return fmt.Errorf("run %s has not finished", run.ID)
	}
	if err := os.MkdirAll(rp.Dir, 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	path := filepath.Join(rp.Dir, run.ID+".jsonl")
	report, err := OpenReport(path)
	if err != nil {
		return err
	}

	for _, job := range run.Jobs {
		snap := job.Snapshot()
		for i, step := range job.Results() {
			rec := &Record{
				Kind:       KindStep,
				RunID:      run.ID,
				JobID:      job.ID,
				Entry:      snap.Entry,
				Step:       step.Name,
				Status:     string(step.Status),
				ExitCode:   step.ExitCode,
				OutputHash: HashOutput(step.Output),
			}
			if err := report.Append(rec, rp.Keys); err != nil {
				return fmt.Errorf("job %s step %d: %w", job.ID, i, err)
			}
		}
	}
	summary := &Record{Kind: KindRun, RunID: run.ID, Status: string(result.Status)}
	if err := report.Append(summary, rp.Keys); err != nil {
		return fmt.Errorf("run summary: %w", err)
	}

	if rp.Logger != nil {
		rp.Logger.Info("run report written", "run", run.ID, "path", path, "records", len(report.Records()), "key", rp.Keys.KeyID())
	}
	return nil
}
