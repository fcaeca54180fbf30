// Package envelope seals face embeddings with authenticated encryption so
// the session store never holds a user's descriptor in the clear.
package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
)

// Sealer encrypts and decrypts embeddings with XChaCha20-Poly1305.
type Sealer struct {
	key       [chacha20poly1305.KeySize]byte
	ephemeral bool
}

// New derives a 256-bit key from the given secret. An empty secret produces
// a random process-ephemeral key; Ephemeral reports that case so callers can
// warn about it.
func New(secret []byte) (*Sealer, error) {
	s := &Sealer{}
	if len(secret) == 0 {
		if _, err := rand.Read(s.key[:]); err != nil {
			return nil, fmt.Errorf("generating ephemeral key: %w", err)
		}
		s.ephemeral = true
		return s, nil
	}
	if len(secret) < 16 {
		return nil, errors.New("encryption key must be at least 16 bytes")
	}
	s.key = sha256.Sum256(secret)
	return s, nil
}

// Ephemeral reports whether the key was generated at startup.
func (s *Sealer) Ephemeral() bool {
	return s.ephemeral
}

// Seal encrypts an embedding. The associated data binds the ciphertext to
// one context (the session id), so sealed blobs cannot be swapped between
// sessions.
func (s *Sealer) Seal(embedding []float32, associated string) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	plain := make([]byte, 4*len(embedding))
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(plain[i*4:], math.Float32bits(v))
	}
	defer Wipe(plain)

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, []byte(associated)), nil
}

// Open decrypts a blob produced by Seal with the same associated data.
func (s *Sealer) Open(sealed []byte, associated string) ([]float32, error) {
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.New("sealed embedding is truncated")
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(associated))
	if err != nil {
		return nil, fmt.Errorf("opening sealed embedding: %w", err)
	}
	defer Wipe(plain)

	if len(plain)%4 != 0 {
		return nil, errors.New("sealed embedding has invalid length")
	}
	out := make([]float32, len(plain)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(plain[i*4:]))
	}
	return out, nil
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	clear(b)
}

// WipeFloats overwrites an embedding with zeros.
func WipeFloats(v []float32) {
	clear(v)
}
