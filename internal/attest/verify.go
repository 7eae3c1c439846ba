package attest

import (
	"fmt"

	"matrixci/internal/security"
)

// Verify re-computes each record hash, checks the chain links and indexes,
// and verifies every signature. When trusted is non-empty, records must be
// signed by that hex public key.
func (r *Report) Verify(trusted string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, rec := range r.records {
		h, err := rec.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", rec.Index, err)
		}
		if h != rec.Hash {
			return fmt.Errorf("hash mismatch at index %d", rec.Index)
		}
		if rec.Index != i {
			return fmt.Errorf("index mismatch: expected %d, got %d", i, rec.Index)
		}
		if i > 0 && rec.PrevHash != r.records[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at index %d", rec.Index)
		}
		if i == 0 && rec.PrevHash != "" {
			return fmt.Errorf("first record links to %q", rec.PrevHash)
		}
		if trusted != "" && rec.PubKey != trusted {
			return fmt.Errorf("record %d signed by untrusted key", rec.Index)
		}
		ok, err := security.VerifySignatureFromHex(rec.PubKey, []byte(rec.Hash), rec.Signature)
		if err != nil {
			return fmt.Errorf("signature at index %d: %w", rec.Index, err)
		}
		if !ok {
			return fmt.Errorf("bad signature at index %d", rec.Index)
		}
	}
	return nil
}
