package protocol

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/errors"
	"github.com/Augani/stormdl/internal/logger"
)

const (
	defaultUserAgent    = "stormdl/1.0"
	defaultDownloadName = "download"
)

// HTTPAdapter serves HTTP/1.1 and HTTP/2. The two generations differ only in
// transport construction: HTTP/1.1 disables ALPN upgrade so every segment
// gets its own connection, HTTP/2 multiplexes streams over few connections.
type HTTPAdapter struct {
	generation common.Generation
	client     *http.Client
	closeIdle  func()
}

// NewHTTP1Adapter builds an adapter pinned to HTTP/1.1.
func NewHTTP1Adapter(cache tls.ClientSessionCache, connectTimeout time.Duration) *HTTPAdapter {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			ClientSessionCache: cache,
		},
		// Empty map suppresses the ALPN h2 upgrade.
		TLSNextProto:          make(map[string]func(string, *tls.Conn) http.RoundTripper),
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	return &HTTPAdapter{
		generation: common.GenHTTP1,
		client:     &http.Client{Transport: transport},
		closeIdle:  transport.CloseIdleConnections,
	}
}

// NewHTTP2Adapter builds an adapter speaking h2 over TLS.
func NewHTTP2Adapter(cache tls.ClientSessionCache, connectTimeout time.Duration) *HTTPAdapter {
	transport := &http2.Transport{
		TLSClientConfig: &tls.Config{
			ClientSessionCache: cache,
		},
		DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
			d := &tls.Dialer{
				NetDialer: &net.Dialer{Timeout: connectTimeout},
				Config:    cfg,
			}
			return d.DialContext(ctx, network, addr)
		},
		DisableCompression: true,
	}

	return &HTTPAdapter{
		generation: common.GenHTTP2,
		client:     &http.Client{Transport: transport},
		closeIdle:  transport.CloseIdleConnections,
	}
}

func (a *HTTPAdapter) Generation() common.Generation {
	return a.generation
}

func (a *HTTPAdapter) Close() error {
	if a.closeIdle != nil {
		a.closeIdle()
	}
	return nil
}

func (a *HTTPAdapter) newRequest(ctx context.Context, method, rawURL string, headers map[string]string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, errors.NewNetworkError(fmt.Errorf("%w: %s", errors.ErrInvalidURL, rawURL), rawURL, false)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req, nil
}

// Probe discovers the resource with a HEAD request, falling back to a
// one-byte range GET when the server rejects HEAD. The fallback doubles as a
// truthful range-support check: servers that advertise Accept-Ranges but
// answer 200 to a range request are caught here.
func (a *HTTPAdapter) Probe(ctx context.Context, rawURL string, headers map[string]string) (*common.ResourceInfo, error) {
	log := logger.GetLogger("protocol")

	info, err := a.probeHEAD(ctx, rawURL, headers)
	if err == nil {
		return info, nil
	}
	if !probeShouldFallBack(err) {
		return nil, err
	}

	log.Debug().Str("url", rawURL).Err(err).Msg("HEAD probe rejected, trying range GET")
	return a.probeRangeGET(ctx, rawURL, headers)
}

func (a *HTTPAdapter) probeHEAD(ctx context.Context, rawURL string, headers map[string]string) (*common.ResourceInfo, error) {
	req, err := a.newRequest(ctx, http.MethodHead, rawURL, headers)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, rawURL)
	}
	defer resp.Body.Close()
	rtt := time.Since(started)

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewServerRejected(fmt.Errorf("HEAD returned %s", resp.Status), rawURL, resp.StatusCode)
	}

	info := a.parseProbe(resp, rawURL, rtt)
	info.SupportsRange = strings.Contains(resp.Header.Get("Accept-Ranges"), "bytes")
	if resp.ContentLength >= 0 {
		info.Size = resp.ContentLength
	}
	return info, nil
}

func (a *HTTPAdapter) probeRangeGET(ctx context.Context, rawURL string, headers map[string]string) (*common.ResourceInfo, error) {
	req, err := a.newRequest(ctx, http.MethodGet, rawURL, headers)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", "bytes=0-0")

	started := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, rawURL)
	}
	defer resp.Body.Close()
	rtt := time.Since(started)

	// Drain the single probe byte so the connection can be reused.
	io.CopyN(io.Discard, resp.Body, 2)

	switch resp.StatusCode {
	case http.StatusPartialContent:
		info := a.parseProbe(resp, rawURL, rtt)
		info.SupportsRange = true
		info.Size = parseContentRangeTotal(resp.Header.Get("Content-Range"))
		return info, nil
	case http.StatusOK:
		info := a.parseProbe(resp, rawURL, rtt)
		info.SupportsRange = false
		if resp.ContentLength >= 0 {
			info.Size = resp.ContentLength
		}
		return info, nil
	default:
		return nil, errors.NewServerRejected(fmt.Errorf("range probe returned %s", resp.Status), rawURL, resp.StatusCode)
	}
}

func (a *HTTPAdapter) parseProbe(resp *http.Response, rawURL string, rtt time.Duration) *common.ResourceInfo {
	info := &common.ResourceInfo{
		URL:          rawURL,
		Filename:     filenameFromResponse(resp, rawURL),
		ContentType:  resp.Header.Get("Content-Type"),
		Size:         -1,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Digest:       resp.Header.Get("Repr-Digest"),
		Generation:   generationFromProto(resp.Proto, a.generation),
		AltSvcH3:     strings.Contains(resp.Header.Get("Alt-Svc"), "h3"),
		RTT:          rtt,
	}
	if info.Digest == "" {
		info.Digest = resp.Header.Get("Digest")
	}
	return info
}

// FetchRange streams [start, end). A 200 answer to a range request means the
// whole body is coming; that is useless for segmented transfer, so it is
// surfaced as a range-support failure.
func (a *HTTPAdapter) FetchRange(ctx context.Context, rawURL string, headers map[string]string, start, end int64) (io.ReadCloser, error) {
	req, err := a.newRequest(ctx, http.MethodGet, rawURL, headers)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, rawURL)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		return resp.Body, nil
	case http.StatusOK:
		resp.Body.Close()
		return nil, errors.NewRangeUnsupported(rawURL)
	default:
		resp.Body.Close()
		return nil, errors.NewServerRejected(fmt.Errorf("range request returned %s", resp.Status), rawURL, resp.StatusCode)
	}
}

// FetchFull streams the entire body.
func (a *HTTPAdapter) FetchFull(ctx context.Context, rawURL string, headers map[string]string) (io.ReadCloser, error) {
	req, err := a.newRequest(ctx, http.MethodGet, rawURL, headers)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, rawURL)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.NewServerRejected(fmt.Errorf("GET returned %s", resp.Status), rawURL, resp.StatusCode)
	}
	return resp.Body, nil
}

// probeShouldFallBack reports whether a HEAD failure justifies retrying the
// probe as a range GET.
func probeShouldFallBack(err error) bool {
	if code, ok := errors.StatusCode(err); ok {
		return code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented ||
			code == http.StatusForbidden
	}
	return false
}

// parseContentRangeTotal extracts the total from "bytes 0-0/12345",
// returning -1 for "*" or malformed values.
func parseContentRangeTotal(header string) int64 {
	idx := strings.LastIndex(header, "/")
	if idx < 0 {
		return -1
	}
	total := header[idx+1:]
	if total == "*" {
		return -1
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func generationFromProto(proto string, fallback common.Generation) common.Generation {
	switch proto {
	case "HTTP/1.0", "HTTP/1.1":
		return common.GenHTTP1
	case "HTTP/2.0":
		return common.GenHTTP2
	case "HTTP/3.0":
		return common.GenHTTP3
	default:
		return fallback
	}
}

func filenameFromResponse(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := params["filename"]; name != "" {
				return path.Base(name)
			}
		}
	}

	if u, err := url.Parse(rawURL); err == nil {
		if name := path.Base(u.Path); name != "" && name != "/" && name != "." {
			return name
		}
	}
	return defaultDownloadName
}
