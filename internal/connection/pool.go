package connection

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/logger"
)

const (
	// hardCeiling caps concurrent leases across every host.
	hardCeiling = 32

	// retireMinAttempts is the sample size before error-rate retirement can
	// trigger; retireErrorRate is the failure fraction that triggers it.
	retireMinAttempts = 8
	retireErrorRate   = 0.5
)

// Pool grants per-host connection leases. Multiplexed generations (h2, h3)
// carry many streams on few connections, so they get a lower per-host limit
// than HTTP/1.1 and FTP which need one connection per in-flight range.
//
// The pool does not own sockets; transports do. It owns the admission
// arithmetic and per-host health, and shares one TLS session cache so
// reconnects resume sessions instead of full handshakes.
type Pool struct {
	legacyPerHost int64
	muxPerHost    int64

	global *semaphore.Weighted

	mu     sync.Mutex
	hosts  map[string]*hostEntry
	nextID int64

	sessionCache tls.ClientSessionCache

	stats PoolStats
}

type hostEntry struct {
	sem        *semaphore.Weighted
	generation common.Generation
	attempts   int64
	failures   int64
	retired    bool
}

// PoolStats contains counters for the pool's lifetime.
type PoolStats struct {
	LeasesGranted  int64
	LeasesReleased int64
	Failures       int64
	HostsRetired   int64
}

// NewPool creates a pool with the given per-host limits. Zero values fall
// back to 6 legacy / 2 multiplexed.
func NewPool(legacyPerHost, muxPerHost int) *Pool {
	if legacyPerHost <= 0 {
		legacyPerHost = 6
	}
	if muxPerHost <= 0 {
		muxPerHost = 2
	}

	return &Pool{
		legacyPerHost: int64(legacyPerHost),
		muxPerHost:    int64(muxPerHost),
		global:        semaphore.NewWeighted(hardCeiling),
		hosts:         make(map[string]*hostEntry),
		sessionCache:  tls.NewLRUClientSessionCache(64),
	}
}

// SessionCache returns the shared TLS session cache for transports.
func (p *Pool) SessionCache() tls.ClientSessionCache {
	return p.sessionCache
}

func (p *Pool) limitFor(generation common.Generation) int64 {
	if generation.Multiplexed() {
		return p.muxPerHost
	}
	return p.legacyPerHost
}

func (p *Pool) entry(host string, generation common.Generation) *hostEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.hosts[host]
	if ok && e.generation == generation && !e.retired {
		return e
	}

	// New host, generation change, or a retired entry: start fresh so the
	// limit matches the generation and health counters reset.
	e = &hostEntry{
		sem:        semaphore.NewWeighted(p.limitFor(generation)),
		generation: generation,
	}
	p.hosts[host] = e
	return e
}

// Acquire blocks until both a global slot and a per-host slot are free, or
// the context is cancelled.
func (p *Pool) Acquire(ctx context.Context, host string, generation common.Generation) (*Lease, error) {
	if err := p.global.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	e := p.entry(host, generation)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		p.global.Release(1)
		return nil, err
	}

	id := atomic.AddInt64(&p.nextID, 1)
	atomic.AddInt64(&p.stats.LeasesGranted, 1)

	return &Lease{ID: id, Host: host, Generation: generation}, nil
}

// Release returns a lease and records its outcome. A host whose recent error
// rate crosses the retirement threshold gets its entry torn down, so the
// next acquire renegotiates from scratch; in-flight segments on that host
// fail fast and are reassigned by their retry loop.
func (p *Pool) Release(lease *Lease, failed bool) {
	if lease == nil {
		return
	}

	p.mu.Lock()
	e, ok := p.hosts[lease.Host]
	if ok {
		e.attempts++
		if failed {
			e.failures++
			atomic.AddInt64(&p.stats.Failures, 1)
		}
		if !e.retired && e.attempts >= retireMinAttempts &&
			float64(e.failures)/float64(e.attempts) > retireErrorRate {
			e.retired = true
			atomic.AddInt64(&p.stats.HostsRetired, 1)
			log := logger.GetLogger("connection")
			log.Warn().
				Str("host", lease.Host).
				Int64("attempts", e.attempts).
				Int64("failures", e.failures).
				Msg("retiring host entry after sustained failures")
		}
		e.sem.Release(1)
	}
	p.mu.Unlock()

	p.global.Release(1)
	atomic.AddInt64(&p.stats.LeasesReleased, 1)
}

// Retired reports whether a host's entry has been torn down since it was
// last acquired against. Adapters use this to drop cached transports.
func (p *Pool) Retired(host string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.hosts[host]
	return ok && e.retired
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		LeasesGranted:  atomic.LoadInt64(&p.stats.LeasesGranted),
		LeasesReleased: atomic.LoadInt64(&p.stats.LeasesReleased),
		Failures:       atomic.LoadInt64(&p.stats.Failures),
		HostsRetired:   atomic.LoadInt64(&p.stats.HostsRetired),
	}
}
