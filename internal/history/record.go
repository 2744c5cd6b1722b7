package history

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"ecaci/internal/core"
)

// Record is one finished build in the ledger. Hash covers the index,
// timestamp, build and PrevHash; PrevHash links to the previous record.
// Signature, when present, is the agent's ed25519 signature of Hash.
type Record struct {
	Index     int        `json:"index"`
	Timestamp string     `json:"timestamp"`
	Build     core.Build `json:"build"`
	PrevHash  string     `json:"prevHash"`
	Hash      string     `json:"hash"`
	Signature string     `json:"signature,omitempty"`
	PubKey    string     `json:"pubKey,omitempty"`
}

// canonicalData returns the JSON bytes used to compute the record hash.
func (r *Record) canonicalData() ([]byte, error) {
	view := struct {
		Index     int        `json:"index"`
		Timestamp string     `json:"timestamp"`
		Build     core.Build `json:"build"`
		PrevHash  string     `json:"prevHash"`
	}{r.Index, r.Timestamp, r.Build, r.PrevHash}
	return json.Marshal(view)
}

// ComputeHash calculates SHA-256 over canonicalData.
func (r *Record) ComputeHash() (string, error) {
	data, err := r.canonicalData()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func newRecord(index int, b *core.Build, prevHash string) (*Record, error) {
	r := &Record{
		Index:     index,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Build:     *b,
		PrevHash:  prevHash,
	}
	h, err := r.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("compute record hash: %w", err)
	}
	r.Hash = h
	return r, nil
}
