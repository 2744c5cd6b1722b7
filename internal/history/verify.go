package history

import (
	"crypto/ed25519"
	"fmt"
)

// VerifyChain re-computes each record hash and link to detect tampering.
func (l *Ledger) VerifyChain() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var signer ed25519.PublicKey
	if l.key != nil {
		signer = l.key.Public().(ed25519.PublicKey)
	}
	for i, r := range l.records {
		if r.Index != i {
			return fmt.Errorf("index mismatch: expected %d got %d", i, r.Index)
		}
		h, err := r.ComputeHash()
		if err != nil {
			return fmt.Errorf("compute hash for index %d: %w", i, err)
		}
		if h != r.Hash {
			return fmt.Errorf("hash mismatch at index %d (build #%d)", i, r.Build.Number)
		}
		if err := r.verifySignature(signer); err != nil {
			return fmt.Errorf("record %d (build #%d): %w", i, r.Build.Number, err)
		}
		if i > 0 && r.PrevHash != l.records[i-1].Hash {
			return fmt.Errorf("prev hash mismatch at index %d", i)
		}
		if i == 0 && r.PrevHash != "" {
			return fmt.Errorf("first record has a prev hash")
		}
	}
	return nil
}
