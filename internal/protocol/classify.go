package protocol

import (
	"context"
	"net"
	"strings"
	"syscall"

	"github.com/Augani/stormdl/internal/errors"
)

// classifyTransportError maps a raw transport failure onto the error
// taxonomy so retry policy never inspects message text upstream.
func classifyTransportError(err error, resource string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if errors.Is(err, context.DeadlineExceeded) {
			return errors.NewTimeout(err, resource)
		}
		return errors.NewContextError(err, resource)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.NewTimeout(err, resource)
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return errors.NewConnectionReset(err, resource)
	}

	// Transports wrap resets inconsistently; the string check catches the
	// ones that never surface the syscall error.
	msg := err.Error()
	if strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") {
		return errors.NewConnectionReset(err, resource)
	}

	return errors.NewNetworkError(err, resource, true)
}
