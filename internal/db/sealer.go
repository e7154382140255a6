package db

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Sealer encrypts user supplied credentials before they are written to a
// shared database.  The format is [nonce (24 bytes)][secretbox].
type Sealer struct {
	key [32]byte
}

// NewSealer derives the key from secret.  An empty secret yields a random
// key, so credentials sealed by this process cannot be read after a restart.
func NewSealer(secret string) (*Sealer, error) {
	s := &Sealer{}
	if secret == "" {
		if _, err := io.ReadFull(rand.Reader, s.key[:]); err != nil {
			return nil, err
		}
		return s, nil
	}
	s.key = sha256.Sum256([]byte(secret))
	return s, nil
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &s.key), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, errors.New("sealed credential too short")
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	out, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, errors.New("credential could not be decrypted")
	}
	return out, nil
}
