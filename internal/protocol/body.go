package protocol

import (
	"io"
	"sync/atomic"
	"time"

	"github.com/Augani/stormdl/internal/errors"
)

// WithReadTimeout bounds the gap between successive reads of a response
// body. When a read stalls past d, the underlying body is closed and the
// pending read surfaces a classified timeout instead of hanging the segment
// until the whole download is torn down.
func WithReadTimeout(rc io.ReadCloser, d time.Duration, resource string) io.ReadCloser {
	if d <= 0 {
		return rc
	}
	b := &timeoutBody{rc: rc, d: d, resource: resource}
	b.timer = time.AfterFunc(d, b.expire)
	return b
}

type timeoutBody struct {
	rc       io.ReadCloser
	d        time.Duration
	resource string
	timer    *time.Timer
	stalled  atomic.Bool
}

func (b *timeoutBody) expire() {
	b.stalled.Store(true)
	b.rc.Close()
}

func (b *timeoutBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if err != nil && b.stalled.Load() {
		return n, errors.NewTimeout(err, b.resource)
	}
	b.timer.Reset(b.d)
	return n, err
}

func (b *timeoutBody) Close() error {
	b.timer.Stop()
	return b.rc.Close()
}
