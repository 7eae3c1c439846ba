package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogStorage writes step output to files under BaseDir, one directory per
// run and job: <BaseDir>/<run>/<job>/<NN>-<step>.log
type LogStorage struct {
	BaseDir string
}

// NewLogStorage creates a new log storage handler
func NewLogStorage(baseDir string) *LogStorage {
	return &LogStorage{BaseDir: baseDir}
}

// SaveStepLog saves the output of the index-th step of a job and returns the
// file path.
func (ls *LogStorage) SaveStepLog(runID, jobID string, index int, step, output string) (string, error) {
	dir := filepath.Join(ls.BaseDir, sanitize(runID), sanitize(jobID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}

	filePath := filepath.Join(dir, fmt.Sprintf("%02d-%s.log", index+1, sanitize(step)))
	if err := os.WriteFile(filePath, []byte(output), 0o644); err != nil {
		return "", fmt.Errorf("write step log: %w", err)
	}
	return filePath, nil
}

// ReadStepLog returns a log previously written by SaveStepLog. Paths outside
// BaseDir are refused.
func (ls *LogStorage) ReadStepLog(path string) (string, error) {
	base, err := filepath.Abs(ls.BaseDir)
	if err != nil {
		return "", err
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if rel, err := filepath.Rel(base, target); err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("log %s is outside %s", path, ls.BaseDir)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// sanitize removes special characters from step names for filenames
func sanitize(name string) string {
	var clean strings.Builder
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_' {
			clean.WriteRune(r)
		}
	}
	if clean.Len() == 0 {
		return "step"
	}
	return clean.String()
}
