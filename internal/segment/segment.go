package segment

import (
	"fmt"
)

// State represents the lifecycle state of a segment.
type State int32

const (
	StatePending State = iota
	StateActive
	StateSlow
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	case StateSlow:
		return "slow"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ByteRange is a half-open interval [Start, End) of the resource.
type ByteRange struct {
	Start int64
	End   int64
}

// Length returns the size of the range in bytes.
func (r ByteRange) Length() int64 {
	return r.End - r.Start
}

func (r ByteRange) String() string {
	return fmt.Sprintf("[%d, %d)", r.Start, r.End)
}

// Segment is one independently fetched slice of the resource. Downloaded
// counts only durably flushed bytes, so Start+Downloaded is always a safe
// position to resume from.
type Segment struct {
	ID         int
	Range      ByteRange
	Downloaded int64
	State      State
	Retries    int

	// ConnID is the pool lease currently carrying this segment's fetch, 0
	// when idle. A retired connection's replacement inherits this binding;
	// the segment continues from Downloaded, it never restarts.
	ConnID int64

	// lastDownloaded and accumulated speed samples live here so the manager
	// can judge relative segment health between rebalance passes.
	lastDownloaded int64
	speed          float64
}

// Remaining returns how many bytes this segment still has to fetch.
func (s *Segment) Remaining() int64 {
	return s.Range.Length() - s.Downloaded
}

// Position returns the absolute offset of the next byte to fetch.
func (s *Segment) Position() int64 {
	return s.Range.Start + s.Downloaded
}

// Done reports whether every byte of the range is durable.
func (s *Segment) Done() bool {
	return s.Downloaded >= s.Range.Length()
}
