package common

import "time"

// ResourceInfo describes a remote resource as discovered by a probe. It is
// immutable once the probe completes; a resume re-probes and compares
// validators to detect server-side change.
type ResourceInfo struct {
	URL           string
	Filename      string
	ContentType   string
	Size          int64 // -1 when the server did not declare a length
	SupportsRange bool
	ETag          string
	LastModified  string
	Digest        string // server-declared content digest, if any
	Generation    Generation
	AltSvcH3      bool          // server advertised h3 via Alt-Svc
	RTT           time.Duration // measured around the probe exchange
}

// Resumable reports whether an interrupted transfer of this resource can be
// continued without refetching from offset zero.
func (r *ResourceInfo) Resumable() bool {
	return r.SupportsRange && r.Size > 0
}

// Validator is the change-detection token persisted with a manifest. Either
// component may be empty; two validators match only when both components do.
func (r *ResourceInfo) Validator() string {
	return r.ETag + "|" + r.LastModified
}

// GlobalStats aggregates counters across all downloads.
type GlobalStats struct {
	ActiveDownloads    int
	QueuedDownloads    int
	CompletedDownloads int
	FailedDownloads    int
	PausedDownloads    int
	TotalDownloaded    int64
	CurrentSpeed       int64
	MaxConcurrent      int
}
