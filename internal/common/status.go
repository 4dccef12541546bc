package common

import "fmt"

// Status is the lifecycle state of a download.
type Status int32

const (
	StatusQueued Status = iota
	StatusProbing
	StatusActive
	StatusPaused
	StatusComplete
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "Queued"
	case StatusProbing:
		return "Probing"
	case StatusActive:
		return "Active"
	case StatusPaused:
		return "Paused"
	case StatusComplete:
		return "Complete"
	case StatusFailed:
		return "Failed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", s)
	}
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}
