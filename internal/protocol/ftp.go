package protocol

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/errors"
)

const (
	ftpDefaultPort = "21"
	anonymousUser  = "anonymous"
	anonymousPass  = "anonymous@"
)

// FTPAdapter transfers over FTP. Every fetch opens its own control and data
// connection: FTP multiplexes nothing, so parallel segments need parallel
// logins. Resume maps onto the REST command via RetrFrom.
type FTPAdapter struct {
	connectTimeout time.Duration
}

// NewFTPAdapter builds the FTP adapter.
func NewFTPAdapter(connectTimeout time.Duration) *FTPAdapter {
	return &FTPAdapter{connectTimeout: connectTimeout}
}

func (a *FTPAdapter) Generation() common.Generation {
	return common.GenFTP
}

func (a *FTPAdapter) Close() error {
	return nil
}

type ftpTarget struct {
	addr string
	user string
	pass string
	path string
}

func parseFTPURL(rawURL string) (*ftpTarget, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, errors.NewNetworkError(fmt.Errorf("%w: %s", errors.ErrInvalidURL, rawURL), rawURL, false)
	}

	port := u.Port()
	if port == "" {
		port = ftpDefaultPort
	}

	t := &ftpTarget{
		addr: u.Hostname() + ":" + port,
		user: anonymousUser,
		pass: anonymousPass,
		path: u.Path,
	}
	if u.User != nil {
		t.user = u.User.Username()
		if pass, ok := u.User.Password(); ok {
			t.pass = pass
		}
	}
	return t, nil
}

func (a *FTPAdapter) dial(ctx context.Context, target *ftpTarget, rawURL string) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(target.addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(a.connectTimeout),
	)
	if err != nil {
		return nil, classifyTransportError(err, rawURL)
	}

	if err := conn.Login(target.user, target.pass); err != nil {
		conn.Quit()
		return nil, errors.NewNegotiationFailed(fmt.Errorf("ftp login failed: %w", err), rawURL)
	}
	return conn, nil
}

// Probe discovers file size and modification time over one control
// connection. FTP has no validators beyond the modification timestamp.
func (a *FTPAdapter) Probe(ctx context.Context, rawURL string, headers map[string]string) (*common.ResourceInfo, error) {
	target, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	conn, err := a.dial(ctx, target, rawURL)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()
	rtt := time.Since(started)

	size, err := conn.FileSize(target.path)
	if err != nil {
		return nil, errors.NewNetworkError(fmt.Errorf("%w: %s", errors.ErrResourceNotFound, target.path), rawURL, false)
	}

	info := &common.ResourceInfo{
		URL:           rawURL,
		Filename:      path.Base(target.path),
		Size:          size,
		SupportsRange: true, // REST is universal on servers that answer SIZE
		Generation:    common.GenFTP,
		RTT:           rtt,
	}
	if info.Filename == "/" || info.Filename == "." || info.Filename == "" {
		info.Filename = defaultDownloadName
	}
	if mtime, err := conn.GetTime(target.path); err == nil {
		info.LastModified = mtime.UTC().Format(time.RFC1123)
	}
	return info, nil
}

// ftpBody limits a RetrFrom stream to the requested range and tears down
// both the data and control connections on close.
type ftpBody struct {
	io.Reader
	resp *ftp.Response
	conn *ftp.ServerConn
}

func (b *ftpBody) Close() error {
	err := b.resp.Close()
	b.conn.Quit()
	return err
}

// FetchRange resumes at start via REST and cuts the stream off at end.
func (a *FTPAdapter) FetchRange(ctx context.Context, rawURL string, headers map[string]string, start, end int64) (io.ReadCloser, error) {
	target, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, err := a.dial(ctx, target, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := conn.RetrFrom(target.path, uint64(start))
	if err != nil {
		conn.Quit()
		return nil, classifyTransportError(err, rawURL)
	}

	return &ftpBody{
		Reader: io.LimitReader(resp, end-start),
		resp:   resp,
		conn:   conn,
	}, nil
}

// FetchFull streams the whole file from offset zero.
func (a *FTPAdapter) FetchFull(ctx context.Context, rawURL string, headers map[string]string) (io.ReadCloser, error) {
	target, err := parseFTPURL(rawURL)
	if err != nil {
		return nil, err
	}

	conn, err := a.dial(ctx, target, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := conn.Retr(target.path)
	if err != nil {
		conn.Quit()
		return nil, classifyTransportError(err, rawURL)
	}

	return &ftpBody{Reader: resp, resp: resp, conn: conn}, nil
}
