package common

import (
	"time"

	"github.com/google/uuid"
)

// Progress is a point-in-time snapshot of a download's advancement.
type Progress struct {
	DownloadID uuid.UUID
	Downloaded int64
	Total      int64
	Speed      int64 // bytes/sec over the last sample window
	Status     Status
	Timestamp  time.Time
}
