package bandwidth

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Augani/stormdl/internal/common"
)

func limiterNow() time.Time { return time.Now() }

// baseQuantum is the smallest token draw. Draw quanta scale with priority
// weight so that under contention higher-priority downloads wait less often.
const baseQuantum = 16 * 1024

// Limiter is a token-bucket admission gate over transfer bytes. A zero or
// unset limit disables accounting entirely: every call is a no-op with no
// per-byte overhead.
type Limiter struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	limit   int64
}

// NewLimiter creates a limiter admitting bytesPerSecond on average, with a
// one-second burst. bytesPerSecond <= 0 yields an unlimited limiter.
func NewLimiter(bytesPerSecond int64) *Limiter {
	l := &Limiter{}
	l.SetLimit(bytesPerSecond)
	return l
}

// SetLimit replaces the admission rate. Zero disables accounting.
func (l *Limiter) SetLimit(bytesPerSecond int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limit = bytesPerSecond
	if bytesPerSecond <= 0 {
		l.limiter = nil
		return
	}
	burst := int(bytesPerSecond)
	if burst < baseQuantum {
		burst = baseQuantum
	}
	l.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// Limit returns the configured rate, 0 when unlimited.
func (l *Limiter) Limit() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limit
}

// Limited reports whether accounting is active.
func (l *Limiter) Limited() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiter != nil
}

// Wait blocks until n bytes are admitted or ctx is done. The draw is split
// into priority-weighted quanta; the underlying limiter schedules each wait
// with a timer, so a starved caller sleeps instead of polling.
func (l *Limiter) Wait(ctx context.Context, n int, priority common.Priority) error {
	l.mu.RLock()
	limiter := l.limiter
	l.mu.RUnlock()

	if limiter == nil || n <= 0 {
		return nil
	}

	quantum := baseQuantum * priority.Weight()
	if quantum > limiter.Burst() {
		quantum = limiter.Burst()
	}

	for n > 0 {
		draw := quantum
		if n < draw {
			draw = n
		}
		if err := limiter.WaitN(ctx, draw); err != nil {
			return err
		}
		n -= draw
	}
	return nil
}

// Allow reports whether n bytes can be admitted immediately.
func (l *Limiter) Allow(n int) bool {
	l.mu.RLock()
	limiter := l.limiter
	l.mu.RUnlock()

	if limiter == nil {
		return true
	}
	if n > limiter.Burst() {
		n = limiter.Burst()
	}
	return limiter.AllowN(limiterNow(), n)
}
