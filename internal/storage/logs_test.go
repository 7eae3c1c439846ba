package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndReadStepLog(t *testing.T) {
	ls := NewLogStorage(t.TempDir())

	path, err := ls.SaveStepLog("run-1", "job-1", 1, "unit tests", "ok\n")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ls.BaseDir, "run-1", "job-1", "02-unittests.log"), path)

	got, err := ls.ReadStepLog(path)
	require.NoError(t, err)
	assert.Equal(t, "ok\n", got)
}

func TestReadStepLogRefusesOutsidePaths(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(dir, "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))

	ls := NewLogStorage(filepath.Join(dir, "logs"))
	_, err := ls.ReadStepLog(outside)
	assert.Error(t, err)

	_, err = ls.ReadStepLog(filepath.Join(ls.BaseDir, "..", "secret.txt"))
	assert.Error(t, err)
}

func TestSanitize(t *testing.T) {
	tests := map[string]string{
		"build":        "build",
		"cargo test":   "cargotest",
		"../../etc":    "etc",
		"os=linux,x_1": "oslinuxx_1",
		"///":          "step",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, sanitize(in))
		})
	}
}
