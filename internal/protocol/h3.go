package protocol

import (
	"crypto/tls"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/Augani/stormdl/internal/common"
)

// NewHTTP3Adapter builds an adapter speaking h3 over QUIC. Request and
// response handling is identical to the other HTTP generations, so it reuses
// HTTPAdapter wholesale with a QUIC transport underneath.
func NewHTTP3Adapter(cache tls.ClientSessionCache, connectTimeout time.Duration) *HTTPAdapter {
	transport := &http3.RoundTripper{
		TLSClientConfig: &tls.Config{
			ClientSessionCache: cache,
		},
		QuicConfig: &quic.Config{
			HandshakeIdleTimeout: connectTimeout,
			MaxIdleTimeout:       90 * time.Second,
		},
	}

	return &HTTPAdapter{
		generation: common.GenHTTP3,
		client:     &http.Client{Transport: transport},
		closeIdle: func() {
			transport.Close()
		},
	}
}
