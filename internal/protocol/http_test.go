package protocol

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/errors"
)

func testAdapter() *HTTPAdapter {
	return NewHTTP1Adapter(tls.NewLRUClientSessionCache(4), 2*time.Second)
}

func serveBytes(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		http.ServeContent(w, r, "file.bin", time.Unix(1700000000, 0), strings.NewReader(string(data)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestProbeHEAD(t *testing.T) {
	data := make([]byte, 4096)
	srv := serveBytes(t, data)
	a := testAdapter()
	defer a.Close()

	info, err := a.Probe(context.Background(), srv.URL+"/file.bin", nil)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if info.Size != 4096 {
		t.Errorf("size = %d, want 4096", info.Size)
	}
	if !info.SupportsRange {
		t.Error("ServeContent supports ranges, probe disagrees")
	}
	if info.ETag != `"abc123"` {
		t.Errorf("etag = %q", info.ETag)
	}
	if info.Filename != "file.bin" {
		t.Errorf("filename = %q, want file.bin", info.Filename)
	}
	if info.Generation != common.GenHTTP1 {
		t.Errorf("generation = %v", info.Generation)
	}
	if info.RTT <= 0 {
		t.Error("probe should measure RTT")
	}
}

func TestProbeFallsBackToRangeGET(t *testing.T) {
	data := make([]byte, 2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		http.ServeContent(w, r, "file.bin", time.Time{}, strings.NewReader(string(data)))
	}))
	defer srv.Close()

	a := testAdapter()
	defer a.Close()

	info, err := a.Probe(context.Background(), srv.URL+"/file.bin", nil)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if info.Size != 2048 {
		t.Errorf("size = %d, want 2048", info.Size)
	}
	if !info.SupportsRange {
		t.Error("206 answer should mark range support")
	}
}

func TestProbeDetectsAltSvcH3(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Alt-Svc", `h3=":443"; ma=86400`)
		w.Header().Set("Content-Length", "10")
	}))
	defer srv.Close()

	a := testAdapter()
	defer a.Close()

	info, err := a.Probe(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !info.AltSvcH3 {
		t.Error("Alt-Svc h3 advertisement missed")
	}
}

func TestFetchRangeReturnsExactWindow(t *testing.T) {
	data := make([]byte, 8192)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	srv := serveBytes(t, data)
	a := testAdapter()
	defer a.Close()

	body, err := a.FetchRange(context.Background(), srv.URL+"/file.bin", nil, 1000, 3000)
	if err != nil {
		t.Fatalf("fetch range: %v", err)
	}
	defer body.Close()

	got, err := io.ReadAll(body)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2000 {
		t.Fatalf("read %d bytes, want 2000", len(got))
	}
	if string(got) != string(data[1000:3000]) {
		t.Error("range body does not match the requested window")
	}
}

func TestFetchRangeLieIsClassified(t *testing.T) {
	// Server ignores Range and answers 200 with the full body.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "full body")
	}))
	defer srv.Close()

	a := testAdapter()
	defer a.Close()

	_, err := a.FetchRange(context.Background(), srv.URL, nil, 0, 4)
	if err == nil {
		t.Fatal("expected range-unsupported error")
	}
	if !errors.IsKind(err, errors.KindRangeUnsupported) {
		t.Errorf("kind = %v, want range unsupported", err)
	}
}

func TestRateLimitResponseIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a := testAdapter()
	defer a.Close()

	_, err := a.FetchRange(context.Background(), srv.URL, nil, 0, 100)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if !errors.IsKind(err, errors.KindRateLimited) {
		t.Errorf("kind = %v, want rate limited", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("429 must be retryable")
	}
}

func TestNotFoundIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	a := testAdapter()
	defer a.Close()

	_, err := a.FetchFull(context.Background(), srv.URL+"/missing", nil)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if errors.IsRetryable(err) {
		t.Error("404 must not be retryable")
	}
	if code, ok := errors.StatusCode(err); !ok || code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestParseContentRangeTotal(t *testing.T) {
	tests := []struct {
		header string
		want   int64
	}{
		{"bytes 0-0/12345", 12345},
		{"bytes 0-0/*", -1},
		{"garbage", -1},
		{"", -1},
	}
	for _, tt := range tests {
		if got := parseContentRangeTotal(tt.header); got != tt.want {
			t.Errorf("parseContentRangeTotal(%q) = %d, want %d", tt.header, got, tt.want)
		}
	}
}

func TestFilenameFromContentDisposition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		w.Header().Set("Content-Length", "1")
	}))
	defer srv.Close()

	a := testAdapter()
	defer a.Close()

	info, err := a.Probe(context.Background(), srv.URL+"/ignored-path", nil)
	if err != nil {
		t.Fatal(err)
	}
	if info.Filename != "report.pdf" {
		t.Errorf("filename = %q, want report.pdf", info.Filename)
	}
}
