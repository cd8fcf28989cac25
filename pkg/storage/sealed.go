package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"
	"filippo.io/age/armor"
)

// Sealed encrypts values with an age X25519 identity before handing them to the wrapped Storage.
type Sealed struct {
	inner     Storage
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSealed wraps inner so values are stored as ASCII-armored age ciphertext.
// identity is an AGE-SECRET-KEY-1... string.
func NewSealed(inner Storage, identity string) (*Sealed, error) {
	if inner == nil {
		return nil, errors.New("storage: inner storage is required")
	}
	id, err := age.ParseX25519Identity(strings.TrimSpace(identity))
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	return &Sealed{inner: inner, identity: id, recipient: id.Recipient()}, nil
}

func (s *Sealed) Get(key string) (string, bool, error) {
	raw, ok, err := s.inner.Get(key)
	if err != nil || !ok {
		return "", ok, err
	}

	r, err := age.Decrypt(armor.NewReader(strings.NewReader(raw)), s.identity)
	if err != nil {
		return "", false, fmt.Errorf("decrypt %s: %w", key, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", false, fmt.Errorf("read %s: %w", key, err)
	}
	return string(plain), true, nil
}

func (s *Sealed) Set(key, value string) error {
	var buf bytes.Buffer
	aw := armor.NewWriter(&buf)
	w, err := age.Encrypt(aw, s.recipient)
	if err != nil {
		return fmt.Errorf("encrypt %s: %w", key, err)
	}
	if _, err := io.WriteString(w, value); err != nil {
		return fmt.Errorf("encrypt %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("encrypt %s: %w", key, err)
	}
	if err := aw.Close(); err != nil {
		return fmt.Errorf("armor %s: %w", key, err)
	}
	return s.inner.Set(key, buf.String())
}

func (s *Sealed) Remove(key string) error {
	return s.inner.Remove(key)
}
