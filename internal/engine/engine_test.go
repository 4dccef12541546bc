package engine

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/config"
	"github.com/Augani/stormdl/internal/errors"
	"github.com/Augani/stormdl/internal/manifest"
	"github.com/Augani/stormdl/internal/storage"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DownloadDir = t.TempDir()
	cfg.DataDir = t.TempDir()
	cfg.FlushInterval = 50 * time.Millisecond
	cfg.RetryDelay = 50 * time.Millisecond
	return &cfg
}

func startEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Init(); err != nil {
		t.Fatalf("init engine: %v", err)
	}
	return eng
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	return data
}

// slowRangeServer serves data with range support, trickling the body out in
// chunks so a test can pause or cancel mid-transfer.
func slowRangeServer(t *testing.T, data []byte, chunk int, delay time.Duration) *httptest.Server {
	t.Helper()
	return slowRangeServerETag(t, data, chunk, delay, func() string { return `"slow-v1"` })
}

// slowRangeServerETag is slowRangeServer with a caller-controlled validator,
// so a test can change the resource identity between requests.
func slowRangeServerETag(t *testing.T, data []byte, chunk int, delay time.Duration, etag func() string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", etag())

		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			return
		}

		start, end := int64(0), int64(len(data))-1
		if rh := r.Header.Get("Range"); rh != "" {
			if _, err := fmt.Sscanf(rh, "bytes=%d-%d", &start, &end); err != nil {
				http.Error(w, "bad range", http.StatusRequestedRangeNotSatisfiable)
				return
			}
			if end >= int64(len(data)) {
				end = int64(len(data)) - 1
			}
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
			w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
			w.WriteHeader(http.StatusPartialContent)
		} else {
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		}

		flusher, _ := w.(http.Flusher)
		for pos := start; pos <= end; pos += int64(chunk) {
			stop := pos + int64(chunk)
			if stop > end+1 {
				stop = end + 1
			}
			if _, err := w.Write(data[pos:stop]); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(delay):
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func waitEvent(t *testing.T, eng *Engine, id uuid.UUID, typ EventType, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-eng.Events():
			if ev.DownloadID != id {
				continue
			}
			if ev.Type == typ {
				return ev
			}
			if ev.Type == EventError && typ != EventError {
				t.Fatalf("download failed while waiting for %s: %v", typ, ev.Err)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", typ)
		}
	}
}

func waitStatus(t *testing.T, eng *Engine, id uuid.UUID, status common.Status, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-eng.Events():
			if ev.DownloadID == id && ev.Type == EventStateChange && ev.Status == status {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s", status)
		}
	}
}

// waitProgress blocks until the download has confirmed bytes on disk.
func waitProgress(t *testing.T, eng *Engine, id uuid.UUID, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-eng.Events():
			if ev.DownloadID != id {
				continue
			}
			if ev.Type == EventError {
				t.Fatalf("download failed while waiting for progress: %v", ev.Err)
			}
			if ev.Type == EventProgress && ev.Progress != nil && ev.Progress.Downloaded > 0 {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for progress")
		}
	}
}

func TestEngineDownloadsFile(t *testing.T) {
	data := randomBytes(t, 2<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data.bin", time.Unix(1700000000, 0), bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	eng := startEngine(t, cfg)
	defer eng.Shutdown()

	id, err := eng.AddDownload(srv.URL+"/data.bin", nil)
	if err != nil {
		t.Fatalf("add download: %v", err)
	}

	waitEvent(t, eng, id, EventComplete, 30*time.Second)

	final := filepath.Join(cfg.DownloadDir, "data.bin")
	got, err := os.ReadFile(final)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("downloaded bytes differ from the served bytes")
	}
	if _, err := os.Stat(final + storage.PartSuffix); !os.IsNotExist(err) {
		t.Error("part file left behind after completion")
	}

	d, err := eng.GetDownload(id)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status() != common.StatusComplete {
		t.Errorf("status = %s, want complete", d.Status())
	}
}

func TestEnginePauseResume(t *testing.T) {
	data := randomBytes(t, 1<<20)
	srv := slowRangeServer(t, data, 32*1024, 20*time.Millisecond)

	cfg := testConfig(t)
	eng := startEngine(t, cfg)
	defer eng.Shutdown()

	id, err := eng.AddDownload(srv.URL+"/big.bin", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitProgress(t, eng, id, 10*time.Second)
	if err := eng.Pause(id); err != nil {
		t.Fatalf("pause: %v", err)
	}
	waitStatus(t, eng, id, common.StatusPaused, 10*time.Second)

	final := filepath.Join(cfg.DownloadDir, "big.bin")
	if _, err := os.Stat(final + storage.PartSuffix); err != nil {
		t.Fatalf("part file should survive a pause: %v", err)
	}
	if _, err := os.Stat(final); !os.IsNotExist(err) {
		t.Fatal("final file must not exist while paused")
	}

	if err := eng.Resume(id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitEvent(t, eng, id, EventComplete, 60*time.Second)

	got, err := os.ReadFile(final)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("resumed download produced wrong bytes")
	}
}

func TestEngineRestartResumesFromManifest(t *testing.T) {
	data := randomBytes(t, 1<<20)
	srv := slowRangeServer(t, data, 32*1024, 20*time.Millisecond)

	cfg := testConfig(t)

	eng1 := startEngine(t, cfg)
	id, err := eng1.AddDownload(srv.URL+"/big.bin", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitProgress(t, eng1, id, 10*time.Second)
	if err := eng1.Pause(id); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, eng1, id, common.StatusPaused, 10*time.Second)
	if err := eng1.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// A fresh process over the same data directory sees the download again.
	eng2 := startEngine(t, cfg)
	defer eng2.Shutdown()

	d, err := eng2.GetDownload(id)
	if err != nil {
		t.Fatalf("download lost across restart: %v", err)
	}
	if d.Status() != common.StatusPaused {
		t.Fatalf("restored status = %s, want paused", d.Status())
	}

	if err := eng2.Resume(id); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, eng2, id, EventComplete, 60*time.Second)

	got, err := os.ReadFile(filepath.Join(cfg.DownloadDir, "big.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("download resumed across restart produced wrong bytes")
	}
}

func TestEngineCancelRemovesPartialData(t *testing.T) {
	data := randomBytes(t, 1<<20)
	srv := slowRangeServer(t, data, 32*1024, 20*time.Millisecond)

	cfg := testConfig(t)
	eng := startEngine(t, cfg)
	defer eng.Shutdown()

	id, err := eng.AddDownload(srv.URL+"/doomed.bin", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitProgress(t, eng, id, 10*time.Second)
	if err := eng.Cancel(id, true); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, eng, id, common.StatusCancelled, 10*time.Second)

	if _, err := eng.GetDownload(id); err != ErrDownloadNotFound {
		t.Errorf("GetDownload after cancel = %v, want not found", err)
	}

	final := filepath.Join(cfg.DownloadDir, "doomed.bin")
	if _, err := os.Stat(final + storage.PartSuffix); !os.IsNotExist(err) {
		t.Error("part file left behind after cancel")
	}
	if _, err := os.Stat(final); !os.IsNotExist(err) {
		t.Error("final file must not exist after cancel")
	}
}

func TestEngineCancelWithoutDiscardKeepsData(t *testing.T) {
	data := randomBytes(t, 1<<20)
	srv := slowRangeServer(t, data, 32*1024, 20*time.Millisecond)

	cfg := testConfig(t)
	eng := startEngine(t, cfg)
	defer eng.Shutdown()

	id, err := eng.AddDownload(srv.URL+"/keep.bin", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitProgress(t, eng, id, 10*time.Second)
	if err := eng.Cancel(id, false); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	waitStatus(t, eng, id, common.StatusPaused, 10*time.Second)

	// Without discard the transfer is merely stopped: the partial file and
	// the manifest survive, and the download can still be resumed.
	final := filepath.Join(cfg.DownloadDir, "keep.bin")
	if _, err := os.Stat(final + storage.PartSuffix); err != nil {
		t.Fatalf("part file should survive cancel without discard: %v", err)
	}
	if _, err := eng.GetDownload(id); err != nil {
		t.Fatalf("download record lost after cancel without discard: %v", err)
	}

	if err := eng.Resume(id); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitEvent(t, eng, id, EventComplete, 60*time.Second)

	got, err := os.ReadFile(final)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("resumed download produced wrong bytes")
	}
}

func TestEngineResumeDiscardsOnValidatorChange(t *testing.T) {
	data := randomBytes(t, 1<<20)
	var etag atomic.Value
	etag.Store(`"gen-1"`)
	srv := slowRangeServerETag(t, data, 32*1024, 20*time.Millisecond, func() string {
		return etag.Load().(string)
	})

	cfg := testConfig(t)
	eng := startEngine(t, cfg)
	defer eng.Shutdown()

	id, err := eng.AddDownload(srv.URL+"/volatile.bin", nil)
	if err != nil {
		t.Fatal(err)
	}

	waitProgress(t, eng, id, 10*time.Second)
	if err := eng.Pause(id); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, eng, id, common.StatusPaused, 10*time.Second)

	// The resource changes identity while paused. Resume must notice, drop
	// every persisted byte, and refetch from scratch.
	etag.Store(`"gen-2"`)
	if err := eng.Resume(id); err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, eng, id, EventError, 30*time.Second)
	if !errors.IsKind(ev.Err, errors.KindResourceChanged) {
		t.Errorf("error kind = %v, want resource changed", ev.Err)
	}
	waitEvent(t, eng, id, EventComplete, 60*time.Second)

	got, err := os.ReadFile(filepath.Join(cfg.DownloadDir, "volatile.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("download after validator change produced wrong bytes")
	}
}

func TestEngineUncleanResumeRepairsCorruptedPrefix(t *testing.T) {
	data := randomBytes(t, 1<<20)
	srv := slowRangeServer(t, data, 32*1024, 20*time.Millisecond)

	cfg := testConfig(t)

	eng1 := startEngine(t, cfg)
	id, err := eng1.AddDownload(srv.URL+"/dirty.bin", nil)
	if err != nil {
		t.Fatal(err)
	}
	waitProgress(t, eng1, id, 10*time.Second)
	if err := eng1.Pause(id); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, eng1, id, common.StatusPaused, 10*time.Second)
	if err := eng1.Shutdown(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash: mark the manifest untrusted and flip one flushed byte
	// on disk. The next resume must rehash, catch the disagreement with the
	// checkpoint, and refetch that segment instead of trusting it.
	store, err := manifest.NewStore(filepath.Join(cfg.DataDir, manifestDBName))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := store.Find(id)
	if err != nil {
		t.Fatal(err)
	}
	var corruptAt int64 = -1
	for _, sr := range rec.Segments {
		if sr.DownloadedOffset > 0 && len(sr.HashState) > 0 {
			corruptAt = sr.Start
			break
		}
	}
	if corruptAt < 0 {
		t.Fatal("no segment with persisted progress to corrupt")
	}
	rec.CleanlyPaused = false
	if err := store.Save(rec); err != nil {
		t.Fatal(err)
	}
	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	partPath := filepath.Join(cfg.DownloadDir, "dirty.bin") + storage.PartSuffix
	f, err := os.OpenFile(partPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, corruptAt); err != nil {
		t.Fatal(err)
	}
	buf[0] ^= 0xff
	if _, err := f.WriteAt(buf, corruptAt); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	eng2 := startEngine(t, cfg)
	defer eng2.Shutdown()

	if err := eng2.Resume(id); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, eng2, id, EventComplete, 60*time.Second)

	got, err := os.ReadFile(filepath.Join(cfg.DownloadDir, "dirty.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("corrupted prefix survived an unclean resume")
	}
}

func TestEngineChecksumMismatchFailsDownload(t *testing.T) {
	data := randomBytes(t, 256*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "data.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(t)
	eng := startEngine(t, cfg)
	defer eng.Shutdown()

	opts := config.OptionsFrom(cfg)
	opts.VerifyIntegrity = true
	opts.Checksum = strings.Repeat("0", 64)

	id, err := eng.AddDownload(srv.URL+"/data.bin", &opts)
	if err != nil {
		t.Fatal(err)
	}

	ev := waitEvent(t, eng, id, EventError, 30*time.Second)
	if !errors.IsKind(ev.Err, errors.KindHashMismatch) {
		t.Errorf("error kind = %v, want hash mismatch", ev.Err)
	}

	// The corrupt output must not survive.
	if _, err := os.Stat(filepath.Join(cfg.DownloadDir, "data.bin")); !os.IsNotExist(err) {
		t.Error("output file kept despite failed verification")
	}

	d, err := eng.GetDownload(id)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status() != common.StatusFailed {
		t.Errorf("status = %s, want failed", d.Status())
	}
}

func TestEngineRejectsInvalidURL(t *testing.T) {
	cfg := testConfig(t)
	eng := startEngine(t, cfg)
	defer eng.Shutdown()

	if _, err := eng.AddDownload("not-a-url", nil); err == nil {
		t.Error("expected rejection of a URL without scheme or host")
	}
}

func TestEngineRequiresInit(t *testing.T) {
	eng, err := New(testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := eng.AddDownload("https://example.com/f", nil); err != ErrEngineNotRunning {
		t.Errorf("err = %v, want ErrEngineNotRunning", err)
	}
}
