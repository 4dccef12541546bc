package errors

import (
	"errors"
	"fmt"
	"time"
)

var (
	Is     = errors.Is
	As     = errors.As
	New    = errors.New
	Unwrap = errors.Unwrap
)

// Category groups errors by the recovery policy they demand.
type Category string

const (
	CategoryNetwork   Category = "NETWORK"   // timeouts, resets, resolution failures
	CategoryProtocol  Category = "PROTOCOL"  // range/negotiation failures, triggers fallback
	CategoryServer    Category = "SERVER"    // 4xx/5xx responses
	CategoryIntegrity Category = "INTEGRITY" // hash mismatches
	CategoryStorage   Category = "STORAGE"   // disk full, permission denied; always fatal
	CategoryContext   Category = "CONTEXT"   // cancellation
	CategoryUnknown   Category = "UNKNOWN"
)

// Kind names the precise failure so callers never have to parse messages.
type Kind string

const (
	KindTimeout           Kind = "TIMEOUT"
	KindConnectionReset   Kind = "CONNECTION_RESET"
	KindServerRejected    Kind = "SERVER_REJECTED"
	KindRangeUnsupported  Kind = "RANGE_UNSUPPORTED"
	KindNegotiationFailed Kind = "NEGOTIATION_FAILED"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindHashMismatch      Kind = "HASH_MISMATCH"
	KindResourceChanged   Kind = "RESOURCE_CHANGED"
	KindStorage           Kind = "STORAGE"
	KindCancelled         Kind = "CANCELLED"
	KindUnknown           Kind = "UNKNOWN"
)

// DownloadError is the classified error type every component returns across
// package boundaries. Callers branch on Category/Kind, never on message text.
type DownloadError struct {
	Err        error
	Category   Category
	Kind       Kind
	Retryable  bool
	Resource   string
	StatusCode int // HTTP status or protocol equivalent, 0 when not applicable
	Timestamp  time.Time
}

func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[%s:%s] %s (status: %d): %v", e.Category, e.Kind, e.Resource, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s: %v", e.Category, e.Kind, e.Resource, e.Err)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

// Common sentinel errors.
var (
	ErrTimeout           = New("operation timed out")
	ErrConnectionReset   = New("connection reset")
	ErrRangeUnsupported  = New("byte ranges not supported by server")
	ErrNegotiationFailed = New("protocol negotiation failed")
	ErrRateLimited       = New("rate limited by server")
	ErrResourceChanged   = New("resource changed on server")
	ErrResourceNotFound  = New("resource not found")
	ErrInvalidURL        = New("invalid URL")
)

func newError(err error, cat Category, kind Kind, resource string, retryable bool) *DownloadError {
	return &DownloadError{
		Err:       err,
		Category:  cat,
		Kind:      kind,
		Retryable: retryable,
		Resource:  resource,
		Timestamp: time.Now(),
	}
}

// NewTimeout creates a retryable network timeout error.
func NewTimeout(err error, resource string) *DownloadError {
	if err == nil {
		err = ErrTimeout
	}
	return newError(err, CategoryNetwork, KindTimeout, resource, true)
}

// NewConnectionReset creates a retryable connection-reset error.
func NewConnectionReset(err error, resource string) *DownloadError {
	if err == nil {
		err = ErrConnectionReset
	}
	return newError(err, CategoryNetwork, KindConnectionReset, resource, true)
}

// NewNetworkError creates a generic network error.
func NewNetworkError(err error, resource string, retryable bool) *DownloadError {
	return newError(err, CategoryNetwork, KindUnknown, resource, retryable)
}

// NewServerRejected classifies a status-code rejection. Rate-limit responses
// and 5xx are retryable; other 4xx are not.
func NewServerRejected(err error, resource string, statusCode int) *DownloadError {
	kind := KindServerRejected
	retryable := false
	switch {
	case statusCode == 429 || statusCode == 503:
		kind = KindRateLimited
		retryable = true
	case statusCode >= 500 && statusCode != 501:
		retryable = true
	}
	e := newError(err, CategoryServer, kind, resource, retryable)
	e.StatusCode = statusCode
	return e
}

// NewRangeUnsupported signals that the server cannot serve byte ranges. Not
// fatal: it routes the download to the single-stream path.
func NewRangeUnsupported(resource string) *DownloadError {
	return newError(ErrRangeUnsupported, CategoryProtocol, KindRangeUnsupported, resource, false)
}

// NewNegotiationFailed signals that a transport generation could not be
// established; the caller falls back to the next generation down.
func NewNegotiationFailed(err error, resource string) *DownloadError {
	if err == nil {
		err = ErrNegotiationFailed
	}
	return newError(err, CategoryProtocol, KindNegotiationFailed, resource, false)
}

// NewHashMismatch reports an integrity failure for a segment or file.
func NewHashMismatch(resource, expected, actual string) *DownloadError {
	err := fmt.Errorf("hash mismatch: expected %s, got %s", expected, actual)
	return newError(err, CategoryIntegrity, KindHashMismatch, resource, false)
}

// NewResourceChanged reports a validator mismatch between probe and resume.
func NewResourceChanged(resource string) *DownloadError {
	return newError(ErrResourceChanged, CategoryProtocol, KindResourceChanged, resource, false)
}

// NewStorageError wraps a filesystem failure. Storage errors are fatal to the
// whole download and never retried.
func NewStorageError(err error, resource string) *DownloadError {
	return newError(err, CategoryStorage, KindStorage, resource, false)
}

// NewContextError wraps a cancellation.
func NewContextError(err error, resource string) *DownloadError {
	return newError(err, CategoryContext, KindCancelled, resource, false)
}

// IsRetryable reports whether the error policy permits another attempt.
func IsRetryable(err error) bool {
	var de *DownloadError
	if As(err, &de) {
		return de.Retryable
	}
	return false
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var de *DownloadError
	return As(err, &de) && de.Kind == kind
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, cat Category) bool {
	var de *DownloadError
	return As(err, &de) && de.Category == cat
}

// IsFatal reports whether the error ends the whole download: storage
// failures, integrity failures, and non-retryable server rejections.
func IsFatal(err error) bool {
	var de *DownloadError
	if !As(err, &de) {
		return false
	}
	switch de.Category {
	case CategoryStorage, CategoryIntegrity:
		return true
	case CategoryServer:
		return !de.Retryable
	default:
		return false
	}
}

// StatusCode extracts the status code from a classified error.
func StatusCode(err error) (int, bool) {
	var de *DownloadError
	if As(err, &de) && de.StatusCode != 0 {
		return de.StatusCode, true
	}
	return 0, false
}
