// Package secrets resolves credential references ("credentialsJSON:<uuid>")
// against an age encrypted JSONC file. Credential values never touch disk
// in plaintext.
package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/tidwall/jsonc"
)

// RefPrefix marks a credential reference in a definition.
const RefPrefix = "credentialsJSON:"

// Store holds decrypted credential values keyed by uuid.
type Store struct {
	values map[string]string
}

// ParseRef validates a reference and returns its canonical uuid.
func ParseRef(ref string) (string, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(ref), RefPrefix)
	if !ok {
		return "", fmt.Errorf("secrets: %q is not a %s reference", ref, RefPrefix)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("secrets: bad credential id %q: %w", raw, err)
	}
	return id.String(), nil
}

// NewStore builds a store from plain values, keyed by uuid.
func NewStore(values map[string]string) (*Store, error) {
	s := &Store{values: make(map[string]string, len(values))}
	for k, v := range values {
		id, err := uuid.Parse(k)
		if err != nil {
			return nil, fmt.Errorf("secrets: bad credential id %q: %w", k, err)
		}
		s.values[id.String()] = v
	}
	return s, nil
}

// Open decrypts the credentials file at path with the identities in
// identityPath.
func Open(path, identityPath string) (*Store, error) {
	idFile, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("secrets: open identity: %w", err)
	}
	defer idFile.Close()
	identities, err := age.ParseIdentities(idFile)
	if err != nil {
		return nil, fmt.Errorf("secrets: parse identity: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("secrets: open credentials: %w", err)
	}
	defer f.Close()
	return Decrypt(f, identities...)
}

// Decrypt reads an age encrypted JSONC object of uuid -> value.
func Decrypt(r io.Reader, identities ...age.Identity) (*Store, error) {
	plain, err := age.Decrypt(r, identities...)
	if err != nil {
		return nil, fmt.Errorf("secrets: decrypt: %w", err)
	}
	data, err := io.ReadAll(plain)
	if err != nil {
		return nil, fmt.Errorf("secrets: read: %w", err)
	}
	var values map[string]string
	if err := json.Unmarshal(jsonc.ToJSON(data), &values); err != nil {
		return nil, fmt.Errorf("secrets: credentials must be a JSON object of strings: %w", err)
	}
	return NewStore(values)
}

// Resolve returns the value behind a credential reference.
func (s *Store) Resolve(ref string) (string, error) {
	id, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", fmt.Errorf("secrets: no credential store configured for %s", ref)
	}
	v, ok := s.values[id]
	if !ok {
		return "", fmt.Errorf("secrets: unknown credential %s", id)
	}
	return v, nil
}

// GenerateIdentity creates a new X25519 identity and returns the secret key
// line and the public recipient.
func GenerateIdentity() (identity, recipient string, err error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("secrets: generate identity: %w", err)
	}
	return id.String(), id.Recipient().String(), nil
}

// Seal validates a plaintext JSONC credentials document and encrypts it to
// the given recipients.
func Seal(plaintext []byte, recipients ...string) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, fmt.Errorf("secrets: at least one recipient is required")
	}
	var values map[string]string
	if err := json.Unmarshal(jsonc.ToJSON(plaintext), &values); err != nil {
		return nil, fmt.Errorf("secrets: credentials must be a JSON object of strings: %w", err)
	}
	if _, err := NewStore(values); err != nil {
		return nil, err
	}

	rs := make([]age.Recipient, 0, len(recipients))
	for _, r := range recipients {
		rec, err := age.ParseX25519Recipient(strings.TrimSpace(r))
		if err != nil {
			return nil, fmt.Errorf("secrets: recipient %q: %w", r, err)
		}
		rs = append(rs, rec)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, rs...)
	if err != nil {
		return nil, fmt.Errorf("secrets: encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("secrets: encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("secrets: encrypt: %w", err)
	}
	return buf.Bytes(), nil
}
