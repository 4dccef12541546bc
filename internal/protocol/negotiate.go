package protocol

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/connection"
	"github.com/Augani/stormdl/internal/errors"
	"github.com/Augani/stormdl/internal/logger"
)

// Negotiator picks the newest protocol generation a host actually serves and
// remembers the answer, so later downloads against the same host skip the
// ladder. HTTPS starts at h2; an Alt-Svc advertisement promotes to h3; ALPN
// failure demotes to HTTP/1.1. Plain http and ftp URLs are fixed.
type Negotiator struct {
	pool           *connection.Pool
	connectTimeout time.Duration

	mu       sync.Mutex
	known    map[string]common.Generation
	adapters map[common.Generation]Adapter
}

// NewNegotiator creates a negotiator sharing the pool's TLS session cache
// across every adapter it builds.
func NewNegotiator(pool *connection.Pool, connectTimeout time.Duration) *Negotiator {
	return &Negotiator{
		pool:           pool,
		connectTimeout: connectTimeout,
		known:          make(map[string]common.Generation),
		adapters:       make(map[common.Generation]Adapter),
	}
}

// Adapter returns the shared adapter for a generation, building it on first
// use.
func (n *Negotiator) Adapter(generation common.Generation) Adapter {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.adapterLocked(generation)
}

func (n *Negotiator) adapterLocked(generation common.Generation) Adapter {
	if a, ok := n.adapters[generation]; ok {
		return a
	}

	var a Adapter
	switch generation {
	case common.GenHTTP3:
		a = NewHTTP3Adapter(n.pool.SessionCache(), n.connectTimeout)
	case common.GenHTTP2:
		a = NewHTTP2Adapter(n.pool.SessionCache(), n.connectTimeout)
	case common.GenFTP:
		a = NewFTPAdapter(n.connectTimeout)
	default:
		a = NewHTTP1Adapter(n.pool.SessionCache(), n.connectTimeout)
	}
	n.adapters[generation] = a
	return a
}

// Forget drops the cached generation for a host, forcing the next download
// to renegotiate from the top of the ladder.
func (n *Negotiator) Forget(host string) {
	n.mu.Lock()
	delete(n.known, host)
	n.mu.Unlock()
}

func (n *Negotiator) remember(host string, generation common.Generation) {
	n.mu.Lock()
	n.known[host] = generation
	n.mu.Unlock()
}

func (n *Negotiator) cached(host string) (common.Generation, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	g, ok := n.known[host]
	return g, ok
}

// Negotiate probes the resource with the best available generation and
// returns the adapter to use for the transfer, alongside the probe result.
func (n *Negotiator) Negotiate(ctx context.Context, rawURL string, headers map[string]string) (Adapter, *common.ResourceInfo, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return nil, nil, errors.NewNetworkError(fmt.Errorf("%w: %s", errors.ErrInvalidURL, rawURL), rawURL, false)
	}
	log := logger.GetLogger("protocol")

	switch u.Scheme {
	case "ftp":
		a := n.Adapter(common.GenFTP)
		info, err := a.Probe(ctx, rawURL, headers)
		return a, info, err
	case "http":
		a := n.Adapter(common.GenHTTP1)
		info, err := a.Probe(ctx, rawURL, headers)
		return a, info, err
	case "https":
		// handled below
	default:
		return nil, nil, errors.NewNetworkError(fmt.Errorf("%w: unsupported scheme %q", errors.ErrInvalidURL, u.Scheme), rawURL, false)
	}

	host := u.Host

	// A host retired by the pool gets a clean slate: cached generation gone,
	// so the full ladder runs again.
	if n.pool.Retired(host) {
		n.Forget(host)
	}

	if gen, ok := n.cached(host); ok {
		a := n.Adapter(gen)
		info, err := a.Probe(ctx, rawURL, headers)
		if err == nil {
			return a, info, nil
		}
		log.Debug().Str("host", host).Str("generation", gen.String()).Err(err).
			Msg("cached generation failed, renegotiating")
		n.Forget(host)
	}

	// Ladder: h2 first. Demote to HTTP/1.1 when ALPN or the h2 handshake
	// fails; otherwise check for an h3 advertisement and try to promote.
	a := n.Adapter(common.GenHTTP2)
	info, err := a.Probe(ctx, rawURL, headers)
	if err != nil {
		if errors.IsCategory(err, errors.CategoryServer) || errors.IsCategory(err, errors.CategoryContext) {
			return nil, nil, err
		}
		log.Debug().Str("host", host).Err(err).Msg("h2 probe failed, demoting to http/1.1")
		a = n.Adapter(common.GenHTTP1)
		info, err = a.Probe(ctx, rawURL, headers)
		if err != nil {
			return nil, nil, err
		}
		n.remember(host, common.GenHTTP1)
		return a, info, nil
	}

	if info.AltSvcH3 {
		h3 := n.Adapter(common.GenHTTP3)
		if h3Info, h3Err := h3.Probe(ctx, rawURL, headers); h3Err == nil {
			log.Debug().Str("host", host).Msg("promoted to h3 via Alt-Svc")
			n.remember(host, common.GenHTTP3)
			return h3, h3Info, nil
		}
		log.Debug().Str("host", host).Msg("h3 advertised but unreachable, staying on h2")
	}

	n.remember(host, info.Generation)
	return n.Adapter(info.Generation), info, nil
}

// Close shuts down every adapter the negotiator built.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, a := range n.adapters {
		a.Close()
	}
	return nil
}
