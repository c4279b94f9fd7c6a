// Package keysource produces raw key material for pool generation. The
// default source draws from crypto/rand; a deterministic HKDF-expanded
// source exists for reproducible development pairs.
package keysource

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// Source yields fixed-length blobs of key material.
type Source interface {
	// Material returns size bytes of fresh material. The returned slice is
	// never shared or reused.
	Material(size int) ([]byte, error)
}

// CSPRNG reads material from crypto/rand. The zero value is ready to use.
type CSPRNG struct{}

// NewCSPRNG returns the default cryptographically secure source.
func NewCSPRNG() *CSPRNG { return &CSPRNG{} }

func (s *CSPRNG) Material(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.New("material size must be positive")
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Deterministic expands a seed into an unbounded material stream via
// HKDF-SHA256. Two sources built from the same seed yield the same stream,
// which makes paired development nodes reproducible. Not for production use.
type Deterministic struct {
	mu     sync.Mutex
	stream io.Reader
}

// NewDeterministic creates a seeded source. The seed must be at least 32
// bytes long.
func NewDeterministic(seed []byte) (*Deterministic, error) {
	if len(seed) < 32 {
		return nil, errors.New("seed must be at least 32 bytes")
	}
	return &Deterministic{
		stream: hkdf.New(sha256.New, seed, nil, []byte("qumail-kme-material")),
	}, nil
}

func (s *Deterministic) Material(size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.New("material size must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, size)
	if _, err := io.ReadFull(s.stream, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
