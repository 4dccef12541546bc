package integrity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/Augani/stormdl/internal/errors"
)

func TestHasherMatchesWholeDigest(t *testing.T) {
	data := make([]byte, 100*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	h, err := NewHasher(AlgoSHA256)
	if err != nil {
		t.Fatal(err)
	}
	h.Update(data[:30*1024])
	h.Update(data[30*1024:])

	want := sha256.Sum256(data)
	if h.Sum() != hex.EncodeToString(want[:]) {
		t.Error("incremental digest differs from one-shot digest")
	}
	if h.BytesHashed() != int64(len(data)) {
		t.Errorf("bytes hashed = %d, want %d", h.BytesHashed(), len(data))
	}
}

func TestCheckpointRestoreContinues(t *testing.T) {
	data := make([]byte, 64*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	h, err := NewHasher(AlgoSHA256)
	if err != nil {
		t.Fatal(err)
	}
	h.Update(data[:20*1024])

	state, hashed, err := h.Checkpoint()
	if err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if hashed != 20*1024 {
		t.Fatalf("checkpoint covers %d bytes, want %d", hashed, 20*1024)
	}

	restored, err := RestoreHasher(AlgoSHA256, state, hashed)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	restored.Update(data[20*1024:])

	want := sha256.Sum256(data)
	if restored.Sum() != hex.EncodeToString(want[:]) {
		t.Error("restored accumulator diverged from one-shot digest")
	}
}

func TestCheckpointRoundTripEveryAlgorithm(t *testing.T) {
	for _, algo := range []string{AlgoSHA256, AlgoSHA1, AlgoMD5} {
		t.Run(algo, func(t *testing.T) {
			h, err := NewHasher(algo)
			if err != nil {
				t.Fatal(err)
			}
			h.Update([]byte("partial"))
			state, hashed, err := h.Checkpoint()
			if err != nil {
				t.Fatalf("checkpoint: %v", err)
			}
			if _, err := RestoreHasher(algo, state, hashed); err != nil {
				t.Fatalf("restore: %v", err)
			}
		})
	}
}

func TestCheckpointDuringUpdates(t *testing.T) {
	chunk := make([]byte, 4096)
	if _, err := rand.Read(chunk); err != nil {
		t.Fatal(err)
	}

	h, err := NewHasher(AlgoSHA256)
	if err != nil {
		t.Fatal(err)
	}

	const rounds = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < rounds; i++ {
			h.Update(chunk)
		}
	}()

	// Checkpoints taken while updates are in flight must each be a
	// consistent state/offset pair: restoring one and feeding it the rest of
	// the stream lands on the same digest as hashing everything in order.
	var state []byte
	var hashed int64
	for i := 0; i < 50; i++ {
		s, n, err := h.Checkpoint()
		if err != nil {
			t.Fatalf("checkpoint under load: %v", err)
		}
		if n%int64(len(chunk)) != 0 {
			t.Fatalf("checkpoint offset %d is not a whole number of updates", n)
		}
		state, hashed = s, n
	}
	<-done

	restored, err := RestoreHasher(AlgoSHA256, state, hashed)
	if err != nil {
		t.Fatal(err)
	}
	for i := hashed / int64(len(chunk)); i < rounds; i++ {
		restored.Update(chunk)
	}
	if restored.Sum() != h.Sum() {
		t.Error("restored mid-load checkpoint diverged from the live digest")
	}
	if h.BytesHashed() != rounds*int64(len(chunk)) {
		t.Errorf("bytes hashed = %d, want %d", h.BytesHashed(), rounds*len(chunk))
	}
}

func TestUnsupportedAlgorithm(t *testing.T) {
	if _, err := NewHasher("crc32"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}

func TestCompareMismatchIsClassified(t *testing.T) {
	err := Compare("file.bin", "aaaa", "bbbb")
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if !errors.IsKind(err, errors.KindHashMismatch) {
		t.Errorf("kind = %v, want hash mismatch", err)
	}
	if errors.IsRetryable(err) {
		t.Error("hash mismatch must not be retryable")
	}
}

func TestHashFileRange(t *testing.T) {
	data := make([]byte, 10*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := HashFileRange(path, AlgoSHA256, 1024, 4096)
	if err != nil {
		t.Fatal(err)
	}
	want := sha256.Sum256(data[1024 : 1024+4096])
	if got != hex.EncodeToString(want[:]) {
		t.Error("range digest mismatch")
	}
}

func TestRehashToCheckpointMatchesLiveHasher(t *testing.T) {
	data := make([]byte, 8*1024)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	live, err := NewHasher(AlgoSHA256)
	if err != nil {
		t.Fatal(err)
	}
	live.Update(data[:6*1024])

	rehashed, err := RehashToCheckpoint(path, AlgoSHA256, 0, 6*1024)
	if err != nil {
		t.Fatal(err)
	}
	if rehashed.Sum() != live.Sum() {
		t.Error("rehashed accumulator differs from live accumulator")
	}
	if rehashed.BytesHashed() != 6*1024 {
		t.Errorf("bytes hashed = %d, want %d", rehashed.BytesHashed(), 6*1024)
	}
}

func TestVerifyFile(t *testing.T) {
	data := []byte("the quick brown fox")
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256(data)
	if err := VerifyFile(path, AlgoSHA256, hex.EncodeToString(sum[:])); err != nil {
		t.Errorf("verify of correct digest failed: %v", err)
	}
	if err := VerifyFile(path, AlgoSHA256, "deadbeef"); err == nil {
		t.Error("verify of wrong digest passed")
	}
}
