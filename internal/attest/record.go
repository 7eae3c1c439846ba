// Package attest writes a tamper-evident report of a finished run: one
// record per step (and one for the run), each hash-chained to the previous
// record and signed with the runner's ed25519 key.
package attest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Record kinds.
const (
	KindStep = "step"
	KindRun  = "run"
)

// Record is one entry of a run report.
type Record struct {
	Index      int    `json:"index"`
	Timestamp  string `json:"timestamp"`
	Kind       string `json:"kind"`
	RunID      string `json:"runId"`
	JobID      string `json:"jobId,omitempty"`
	Entry      string `json:"entry,omitempty"`
	Step       string `json:"step,omitempty"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exitCode"`
	OutputHash string `json:"outputHash,omitempty"`
	PrevHash   string `json:"prevHash"`
	Hash       string `json:"hash"`
	Signature  string `json:"signature"`
	PubKey     string `json:"pubKey"`
}

// canonicalData returns the JSON bytes used to compute the record hash.
// It excludes Hash, Signature and PubKey.
func (r *Record) canonicalData() ([]byte, error) {
	view := struct {
		Index      int    `json:"index"`
		Timestamp  string `json:"timestamp"`
		Kind       string `json:"kind"`
		RunID      string `json:"runId"`
		JobID      string `json:"jobId"`
		Entry      string `json:"entry"`
		Step       string `json:"step"`
		Status     string `json:"status"`
		ExitCode   int    `json:"exitCode"`
		OutputHash string `json:"outputHash"`
		PrevHash   string `json:"prevHash"`
	}{
		Index:      r.Index,
		Timestamp:  r.Timestamp,
		Kind:       r.Kind,
		RunID:      r.RunID,
		JobID:      r.JobID,
		Entry:      r.Entry,
		Step:       r.Step,
		Status:     r.Status,
		ExitCode:   r.ExitCode,
		OutputHash: r.OutputHash,
		PrevHash:   r.PrevHash,
	}
	return json.Marshal(view)
}

// ComputeHash calculates SHA256 over canonicalData.
func (r *Record) ComputeHash() (string, error) {
	data, err := r.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// seal stamps the record's position in the chain and computes its hash.
func (r *Record) seal(index int, prevHash string, at time.Time) error {
	r.Index = index
	r.PrevHash = prevHash
	r.Timestamp = at.UTC().Format(time.RFC3339)
	h, err := r.ComputeHash()
	if err != nil {
		return fmt.Errorf("compute record hash: %w", err)
	}
	r.Hash = h
	return nil
}

// HashOutput returns the hex sha256 of step output.
func HashOutput(output string) string {
	sum := sha256.Sum256([]byte(output))
	return hex.EncodeToString(sum[:])
}
