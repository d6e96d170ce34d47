package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const (
	AlgorithmSHA256  = "sha256"
	AlgorithmBlake2b = "blake2b"
)

// Hasher computes content fingerprints. The result depends only on the bytes.
type Hasher struct {
	algorithm string
}

func New(algorithm string) (*Hasher, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	if algorithm == "" {
		algorithm = AlgorithmSHA256
	}
	switch algorithm {
	case AlgorithmSHA256, AlgorithmBlake2b:
	default:
		return nil, fmt.Errorf("unknown fingerprint algorithm %q", algorithm)
	}
	return &Hasher{algorithm: algorithm}, nil
}

func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// Sum returns the lowercase hex digest of data.
func (h *Hasher) Sum(data []byte) string {
	var d hash.Hash
	switch h.algorithm {
	case AlgorithmBlake2b:
		// only errors for keys longer than 64 bytes
		d, _ = blake2b.New256(nil)
	default:
		d = sha256.New()
	}
	d.Write(data)
	return hex.EncodeToString(d.Sum(nil))
}

// Sum is a shorthand for the default sha256 hasher.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
