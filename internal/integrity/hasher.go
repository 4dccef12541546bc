package integrity

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding"
	"encoding/hex"
	"fmt"
	"hash"
	"sync"

	"github.com/Augani/stormdl/internal/errors"
)

// Supported hash algorithm names.
const (
	AlgoSHA256 = "sha256"
	AlgoSHA1   = "sha1"
	AlgoMD5    = "md5"
)

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case AlgoSHA256, "":
		return sha256.New(), nil
	case AlgoSHA1:
		return sha1.New(), nil
	case AlgoMD5:
		return md5.New(), nil
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// Hasher accumulates a digest incrementally and can checkpoint its internal
// state, so a paused transfer resumes hashing mid-stream instead of
// re-reading everything from offset zero. Only durably flushed bytes may be
// fed in: the accumulator must always describe what resume would find on
// disk, not what arrived over the network.
//
// Safe for concurrent use: flush callbacks feed the accumulator while the
// manifest checkpointer serializes it.
type Hasher struct {
	algorithm string

	mu          sync.Mutex
	hash        hash.Hash
	bytesHashed int64
}

// NewHasher creates an accumulator for the named algorithm.
func NewHasher(algorithm string) (*Hasher, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return nil, err
	}
	if algorithm == "" {
		algorithm = AlgoSHA256
	}
	return &Hasher{algorithm: algorithm, hash: h}, nil
}

// Update feeds flushed bytes into the accumulator.
func (h *Hasher) Update(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hash.Write(data)
	h.bytesHashed += int64(len(data))
}

// Sum returns the hex digest of everything hashed so far without disturbing
// the accumulator.
func (h *Hasher) Sum() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return hex.EncodeToString(h.hash.Sum(nil))
}

// BytesHashed returns how many bytes the accumulator covers.
func (h *Hasher) BytesHashed() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bytesHashed
}

// Algorithm returns the algorithm name.
func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// Checkpoint serializes the mid-stream hash state for persistence. The state
// and the byte count are captured under one lock, so a persisted pair is
// always internally consistent even while flushes keep feeding the
// accumulator.
func (h *Hasher) Checkpoint() ([]byte, int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	m, ok := h.hash.(encoding.BinaryMarshaler)
	if !ok {
		return nil, 0, fmt.Errorf("%s state is not serializable", h.algorithm)
	}
	state, err := m.MarshalBinary()
	if err != nil {
		return nil, 0, err
	}
	return state, h.bytesHashed, nil
}

// RestoreHasher rebuilds an accumulator from a persisted checkpoint.
func RestoreHasher(algorithm string, state []byte, bytesHashed int64) (*Hasher, error) {
	h, err := NewHasher(algorithm)
	if err != nil {
		return nil, err
	}
	u, ok := h.hash.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, fmt.Errorf("%s state is not serializable", h.algorithm)
	}
	if err := u.UnmarshalBinary(state); err != nil {
		return nil, fmt.Errorf("restore hash state: %w", err)
	}
	h.bytesHashed = bytesHashed
	return h, nil
}

// Reset clears the accumulator back to its initial state.
func (h *Hasher) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hash.Reset()
	h.bytesHashed = 0
}

// HashBytes returns the hex digest of data under the named algorithm.
func HashBytes(algorithm string, data []byte) (string, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return "", err
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Compare checks an actual digest against an expected one, returning a
// classified mismatch error on inequality.
func Compare(resource, expected, actual string) error {
	if expected == actual {
		return nil
	}
	return errors.NewHashMismatch(resource, expected, actual)
}
