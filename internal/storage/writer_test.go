package storage

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestWriter(t *testing.T, size int64) (*Writer, string) {
	t.Helper()
	target := filepath.Join(t.TempDir(), "out.bin")
	w, err := NewWriter(target, size, 64, time.Hour) // interval flush effectively off
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	return w, target
}

func TestWriterPreallocates(t *testing.T) {
	w, target := newTestWriter(t, 4096)
	defer w.Close()

	fi, err := os.Stat(target + PartSuffix)
	if err != nil {
		t.Fatalf("part file missing: %v", err)
	}
	if fi.Size() != 4096 {
		t.Errorf("part file size = %d, want 4096", fi.Size())
	}
}

func TestSegmentWritesLandAtOffsets(t *testing.T) {
	data := make([]byte, 1000)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	w, target := newTestWriter(t, 1000)

	lo := w.Segment(0, 0, 0, nil, nil)
	hi := w.Segment(1, 500, 0, nil, nil)

	// Interleave writes from both halves.
	if _, err := hi.Write(data[500:800]); err != nil {
		t.Fatal(err)
	}
	if _, err := lo.Write(data[:500]); err != nil {
		t.Fatal(err)
	}
	if _, err := hi.Write(data[800:]); err != nil {
		t.Fatal(err)
	}

	if err := w.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("reassembled file does not match source")
	}
	if _, err := os.Stat(target + PartSuffix); !os.IsNotExist(err) {
		t.Error("part file should be renamed away")
	}
}

func TestFlushCallbackSeesOnlyDurableBytes(t *testing.T) {
	w, _ := newTestWriter(t, 1024)
	defer w.Close()

	var flushedTotal int64
	sw := w.Segment(0, 0, 0, nil, func(data []byte, flushed int64) error {
		flushedTotal += int64(len(data))
		if flushed != flushedTotal {
			t.Errorf("flushed = %d, callback total = %d", flushed, flushedTotal)
		}
		return nil
	})

	// Below buffer capacity: nothing may reach the callback yet.
	if _, err := sw.Write(make([]byte, 10)); err != nil {
		t.Fatal(err)
	}
	if flushedTotal != 0 {
		t.Fatalf("callback fired before flush: %d", flushedTotal)
	}
	if sw.Buffered() != 10 {
		t.Errorf("buffered = %d, want 10", sw.Buffered())
	}

	if err := sw.Flush(); err != nil {
		t.Fatal(err)
	}
	if flushedTotal != 10 {
		t.Errorf("callback total = %d, want 10", flushedTotal)
	}
	if sw.Flushed() != 10 {
		t.Errorf("durable = %d, want 10", sw.Flushed())
	}
}

func TestWriteOverflowTriggersFlush(t *testing.T) {
	w, _ := newTestWriter(t, 1024) // 64-byte buffers
	defer w.Close()

	flushes := 0
	sw := w.Segment(0, 0, 0, nil, func(data []byte, _ int64) error {
		flushes++
		return nil
	})

	// 200 bytes through a 64-byte buffer must flush along the way.
	if _, err := sw.Write(make([]byte, 200)); err != nil {
		t.Fatal(err)
	}
	if flushes == 0 {
		t.Error("no flush despite overflowing the buffer")
	}
}

func TestFlushClampsToClaimedBytes(t *testing.T) {
	data := make([]byte, 800)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	target := filepath.Join(t.TempDir(), "out.bin")
	w, err := NewWriter(target, 1000, 1024, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	// The range owner grants only 500 of the 800 buffered bytes, the way a
	// segment manager does after a split moved the segment's end down.
	var hashed int64
	sw := w.Segment(0, 0, 0,
		func(n int64) int64 {
			if n > 500 {
				return 500
			}
			return n
		},
		func(flushed []byte, _ int64) error {
			hashed += int64(len(flushed))
			return nil
		})

	if _, err := sw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := sw.Flush(); err != nil {
		t.Fatalf("flush past a shrunk range must not fail: %v", err)
	}

	if got := sw.Flushed(); got != 500 {
		t.Errorf("flushed = %d, want 500", got)
	}
	if hashed != 500 {
		t.Errorf("callback saw %d bytes, want 500", hashed)
	}
	if got := sw.Buffered(); got != 0 {
		t.Errorf("unclaimed bytes still buffered: %d", got)
	}

	got, err := os.ReadFile(target + PartSuffix)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:500], data[:500]) {
		t.Error("claimed prefix not written at its offset")
	}
}

func TestOpenWriterKeepsExistingBytes(t *testing.T) {
	target := filepath.Join(t.TempDir(), "out.bin")
	w, err := NewWriter(target, 100, 64, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	sw := w.Segment(0, 0, 0, nil, nil)
	if _, err := sw.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	w2, err := OpenWriter(target, 100, 64, time.Hour)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	got, err := os.ReadFile(w2.PartPath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:5], []byte("hello")) {
		t.Error("reopen truncated existing bytes")
	}
	if int64(len(got)) != 100 {
		t.Errorf("part size = %d, want 100", len(got))
	}
}

func TestDiscardRemovesPartFile(t *testing.T) {
	w, target := newTestWriter(t, 100)
	if err := w.Discard(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(target + PartSuffix); !os.IsNotExist(err) {
		t.Error("part file survived discard")
	}
}
