package protocol

import (
	"context"
	"io"

	"github.com/Augani/stormdl/internal/common"
)

// Adapter is the transfer surface one protocol generation exposes to the
// engine. Segment workers never see protocol details: they probe, fetch a
// byte range, or fall back to a full-body stream.
type Adapter interface {
	// Generation identifies the negotiated protocol.
	Generation() common.Generation

	// Probe discovers the resource's size, range support, validators, and
	// suggested filename without transferring the body.
	Probe(ctx context.Context, rawURL string, headers map[string]string) (*common.ResourceInfo, error)

	// FetchRange streams the half-open byte range [start, end). The server
	// answering 200 to a range request is a range-support lie and returns a
	// classified error.
	FetchRange(ctx context.Context, rawURL string, headers map[string]string, start, end int64) (io.ReadCloser, error)

	// FetchFull streams the whole body, for servers without range support
	// or resources of unknown length.
	FetchFull(ctx context.Context, rawURL string, headers map[string]string) (io.ReadCloser, error)

	// Close releases any transports the adapter holds.
	Close() error
}
