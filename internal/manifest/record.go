package manifest

import (
	"time"

	"github.com/google/uuid"

	"github.com/Augani/stormdl/internal/common"
)

// Record is the persisted state of one download: enough to resume after a
// pause or a crash without re-downloading verified bytes.
type Record struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Filename  string    `json:"filename"`
	Directory string    `json:"directory"`

	TotalSize     int64  `json:"total_size"`
	Downloaded    int64  `json:"downloaded"`
	Status        string `json:"status"`
	Priority      int    `json:"priority"`
	HashAlgorithm string `json:"hash_algorithm"`
	Checksum      string `json:"checksum,omitempty"`

	// Validator captures the server's identity for the resource (ETag and
	// Last-Modified). A changed validator on resume means every persisted
	// byte is suspect.
	Validator string `json:"validator"`

	// CleanlyPaused is true only when every buffer was flushed and every
	// checkpoint persisted before shutdown. It is cleared the moment a
	// download goes active again, so a crash leaves it false.
	CleanlyPaused bool `json:"cleanly_paused"`

	Generation string          `json:"generation"`
	Segments   []SegmentRecord `json:"segments"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SegmentRecord is the persisted state of one segment.
type SegmentRecord struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	End   int64 `json:"end"` // exclusive

	// DownloadedOffset counts durably flushed bytes from Start. It never
	// reflects buffered data.
	DownloadedOffset int64 `json:"downloaded_offset"`
	Completed        bool  `json:"completed"`

	// HashState is the serialized mid-stream accumulator covering exactly
	// [Start, Start+DownloadedOffset). Trusted only under CleanlyPaused.
	HashState   []byte `json:"hash_state,omitempty"`
	BytesHashed int64  `json:"bytes_hashed"`
}

// Remaining returns the byte count this segment still has to fetch.
func (s SegmentRecord) Remaining() int64 {
	return (s.End - s.Start) - s.DownloadedOffset
}

// NewRecord builds a fresh manifest record for a download that has not yet
// been probed.
func NewRecord(id uuid.UUID, url, filename, directory string, priority common.Priority, hashAlgorithm string) *Record {
	now := time.Now()
	return &Record{
		ID:            id,
		URL:           url,
		Filename:      filename,
		Directory:     directory,
		TotalSize:     -1,
		Status:        common.StatusQueued.String(),
		Priority:      int(priority),
		HashAlgorithm: hashAlgorithm,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}
