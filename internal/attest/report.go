package attest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"matrixci/internal/security"
)

// Report is an append-only list of records backed by a JSON-lines file.
type Report struct {
	mu      sync.Mutex
	records []*Record
	path    string
}

// OpenReport loads an existing report file or starts an empty one at path.
func OpenReport(path string) (*Report, error) {
	r := &Report{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode report entry %d: %w", len(r.records), err)
		}
		r.records = append(r.records, &rec)
	}
	return r, nil
}

// Append chains rec after the last record, signs it with keys and persists
// it.
func (r *Report) Append(rec *Record, keys security.KeyPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(keys.Private) == 0 {
		return errors.New("private key is empty, cannot sign record")
	}
	prev := ""
	if n := len(r.records); n > 0 {
		prev = r.records[n-1].Hash
	}
	if err := rec.seal(len(r.records), prev, time.Now()); err != nil {
		return err
	}
	rec.Signature = security.SignData(keys.Private, []byte(rec.Hash))
	rec.PubKey = fmt.Sprintf("%x", []byte(keys.Public))

	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open report file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(rec); err != nil {
		return fmt.Errorf("write report file: %w", err)
	}

	r.records = append(r.records, rec)
	return nil
}

// Records returns the records in chain order.
func (r *Report) Records() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, len(r.records))
	copy(out, r.records)
	return out
}

// Path is the backing file.
func (r *Report) Path() string { return r.path }
