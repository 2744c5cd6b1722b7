package history

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadOrCreateKey loads the agent's ed25519 signing key from a hex encoded
// file, generating it on first use. The public half is written next to it
// with a .pub suffix.
func LoadOrCreateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("%s: invalid private key size", path)
		}
		return ed25519.PrivateKey(raw), nil
	case !errors.Is(err, os.ErrNotExist):
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(priv)), 0o600); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path+".pub", []byte(hex.EncodeToString(pub)), 0o644); err != nil {
		return nil, err
	}
	return priv, nil
}

// sign sets the record signature over its hash.
func (r *Record) sign(key ed25519.PrivateKey) {
	r.PubKey = hex.EncodeToString(key.Public().(ed25519.PublicKey))
	r.Signature = hex.EncodeToString(ed25519.Sign(key, []byte(r.Hash)))
}

// verifySignature checks the record signature. want, when set, is the only
// acceptable signer.
func (r *Record) verifySignature(want ed25519.PublicKey) error {
	if r.Signature == "" {
		if want != nil {
			return errors.New("record is not signed")
		}
		return nil
	}
	pub, err := hex.DecodeString(r.PubKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return errors.New("invalid signer public key")
	}
	if want != nil && !want.Equal(ed25519.PublicKey(pub)) {
		return errors.New("signed by an unknown key")
	}
	sig, err := hex.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if !ed25519.Verify(pub, []byte(r.Hash), sig) {
		return errors.New("signature mismatch")
	}
	return nil
}
