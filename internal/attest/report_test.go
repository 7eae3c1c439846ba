package attest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"matrixci/internal/core"
	"matrixci/internal/host"
	"matrixci/internal/security"
)

func testKeys(t *testing.T) security.KeyPair {
	t.Helper()
	keys, err := security.GenerateKeyPair()
	require.NoError(t, err)
	return keys
}

func stepRecord(job, step, output string) *Record {
	return &Record{
		Kind:       KindStep,
		RunID:      "run-1",
		JobID:      job,
		Entry:      "os=linux",
		Step:       step,
		Status:     "succeeded",
		OutputHash: HashOutput(output),
	}
}

func TestRecordHashIsStable(t *testing.T) {
	rec := stepRecord("job-1", "build", "compiled")
	require.NoError(t, rec.seal(0, "", time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)))

	h, err := rec.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, h)

	rec.Signature = "anything"
	rec.PubKey = "anything"
	h2, err := rec.ComputeHash()
	require.NoError(t, err)
	assert.Equal(t, h, h2, "signature fields are not hashed")
}

func TestReportAppendAndVerify(t *testing.T) {
	report, err := OpenReport(filepath.Join(t.TempDir(), "report.jsonl"))
	require.NoError(t, err)
	keys := testKeys(t)

	require.NoError(t, report.Append(stepRecord("job-1", "build", "step1 output"), keys))
	require.NoError(t, report.Append(stepRecord("job-1", "test", "step2 output"), keys))

	records := report.Records()
	require.Len(t, records, 2)
	assert.Equal(t, 0, records[0].Index)
	assert.Empty(t, records[0].PrevHash)
	assert.Equal(t, records[0].Hash, records[1].PrevHash)

	require.NoError(t, report.Verify(""))
	require.NoError(t, report.Verify(fmt.Sprintf("%x", []byte(keys.Public))))
}

func TestReportTamperingDetection(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(records []*Record)
		want   string
	}{
		{"output hash", func(r []*Record) { r[0].OutputHash = "fakehash" }, "hash mismatch at index 0"},
		{"status", func(r []*Record) { r[1].Status = "succeeded-ish" }, "hash mismatch at index 1"},
		{"broken link", func(r []*Record) {
			r[1].PrevHash = "x"
			r[1].Hash, _ = r[1].ComputeHash()
		}, "prev hash mismatch at index 1"},
		{"re-hashed without key", func(r []*Record) {
			r[0].Status = "failed"
			r[0].Hash, _ = r[0].ComputeHash()
			r[1].PrevHash = r[0].Hash
			r[1].Hash, _ = r[1].ComputeHash()
		}, "bad signature at index 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := OpenReport(filepath.Join(t.TempDir(), "report.jsonl"))
			require.NoError(t, err)
			keys := testKeys(t)
			require.NoError(t, report.Append(stepRecord("job-1", "build", "a"), keys))
			require.NoError(t, report.Append(stepRecord("job-1", "test", "b"), keys))

			tt.tamper(report.Records())
			err = report.Verify("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReportRejectsUntrustedKey(t *testing.T) {
	report, err := OpenReport(filepath.Join(t.TempDir(), "report.jsonl"))
	require.NoError(t, err)
	require.NoError(t, report.Append(stepRecord("job-1", "build", "a"), testKeys(t)))

	other := testKeys(t)
	err = report.Verify(fmt.Sprintf("%x", []byte(other.Public)))
	assert.ErrorContains(t, err, "untrusted key")
}

func TestReportPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.jsonl")
	report, err := OpenReport(path)
	require.NoError(t, err)
	keys := testKeys(t)
	require.NoError(t, report.Append(stepRecord("job-1", "build", "persisted"), keys))

	reopened, err := OpenReport(path)
	require.NoError(t, err)
	require.Len(t, reopened.Records(), 1)
	require.NoError(t, reopened.Verify(""))

	require.NoError(t, reopened.Append(stepRecord("job-1", "test", "more"), keys))
	assert.Equal(t, 1, reopened.Records()[1].Index)
	require.NoError(t, reopened.Verify(""))
}

func TestOpenReportRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := OpenReport(path)
	assert.Error(t, err)
}

func TestAppendNeedsPrivateKey(t *testing.T) {
	report, err := OpenReport(filepath.Join(t.TempDir(), "report.jsonl"))
	require.NoError(t, err)
	assert.Error(t, report.Append(stepRecord("job-1", "build", "a"), security.KeyPair{}))
}

func TestReporterWritesSignedRunReport(t *testing.T) {
	p, err := core.ParsePipeline([]byte(`
triggers:
  - push: {branches: [master]}
matrix:
  axes:
    os: [linux]
    toolchain: [stable, beta]
job:
  steps:
    - {name: build, command: "true"}
    - {name: test, command: "false"}
`))
	require.NoError(t, err)

	dir := t.TempDir()
	keys := testKeys(t)
	reporter := &Reporter{Dir: filepath.Join(dir, "reports"), Keys: keys}
	r, err := core.NewRunner(p, &host.Local{Root: dir}, core.Options{Reporter: reporter})
	require.NoError(t, err)

	ctx := context.Background()
	result, ok, err := r.Run(ctx, core.PushEvent("master"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.Wait(ctx))
	assert.Equal(t, core.RunFailed, result.Status)

	report, err := OpenReport(filepath.Join(reporter.Dir, result.RunID+".jsonl"))
	require.NoError(t, err)
	records := report.Records()
	require.Len(t, records, 5, "two steps for each of two jobs plus the run summary")
	require.NoError(t, report.Verify(fmt.Sprintf("%x", []byte(keys.Public))))

	last := records[len(records)-1]
	assert.Equal(t, KindRun, last.Kind)
	assert.Equal(t, string(core.RunFailed), last.Status)
	for _, rec := range records[:4] {
		assert.Equal(t, KindStep, rec.Kind)
		assert.Equal(t, result.RunID, rec.RunID)
		if rec.Step == "test" {
			assert.Equal(t, "failed", rec.Status)
			assert.Equal(t, 1, rec.ExitCode)
		}
	}
}
