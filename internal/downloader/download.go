package downloader

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Augani/stormdl/internal/bandwidth"
	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/config"
	"github.com/Augani/stormdl/internal/integrity"
	"github.com/Augani/stormdl/internal/manifest"
	"github.com/Augani/stormdl/internal/segment"
	"github.com/Augani/stormdl/internal/storage"
)

// Download is the aggregate for one transfer: the probed resource, the
// segment set, the output file, per-segment hash accumulators, and the
// throughput monitor. The engine owns all mutation; the aggregate only keeps
// the pieces consistent with each other.
type Download struct {
	ID       uuid.UUID
	URL      string
	Options  *config.Options
	Resource *common.ResourceInfo

	Segments *segment.Manager
	Writer   *storage.Writer
	Monitor  *bandwidth.Monitor
	Limiter  *bandwidth.Limiter

	// Restored carries the persisted manifest between startup and the first
	// resume attempt; it is dropped once progress has been verified.
	Restored *manifest.Record

	mu        sync.Mutex
	status    common.Status
	err       error
	hashers   map[int]*integrity.Hasher
	startTime time.Time
	endTime   time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a download that has not yet been probed.
func New(id uuid.UUID, url string, opts *config.Options) *Download {
	return &Download{
		ID:      id,
		URL:     url,
		Options: opts,
		Monitor: bandwidth.NewMonitor(),
		Limiter: bandwidth.NewLimiter(opts.BandwidthLimit),
		status:  common.StatusQueued,
		hashers: make(map[int]*integrity.Hasher),
	}
}

// SetContext installs the per-download context used to pause or cancel every
// worker at once.
func (d *Download) SetContext(ctx context.Context, cancel context.CancelFunc) {
	d.mu.Lock()
	d.ctx = ctx
	d.cancel = cancel
	d.mu.Unlock()
}

// Context returns the per-download context.
func (d *Download) Context() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}

// Cancel stops every worker of this download.
func (d *Download) Cancel() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Status returns the current lifecycle status.
func (d *Download) Status() common.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

// SetStatus transitions the lifecycle status, stamping start and end times
// on the interesting edges.
func (d *Download) SetStatus(status common.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if status == common.StatusActive && d.startTime.IsZero() {
		d.startTime = time.Now()
	}
	if status.Terminal() {
		d.endTime = time.Now()
	}
	d.status = status
}

// SetError records the failure that ended the download.
func (d *Download) SetError(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Err returns the recorded failure, if any.
func (d *Download) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// TargetPath is the final output location.
func (d *Download) TargetPath() string {
	name := d.Options.Filename
	if name == "" && d.Resource != nil {
		name = d.Resource.Filename
	}
	return filepath.Join(d.Options.Directory, name)
}

// Hasher returns the per-segment hash accumulator, creating it on first use.
func (d *Download) Hasher(segmentID int) (*integrity.Hasher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if h, ok := d.hashers[segmentID]; ok {
		return h, nil
	}
	h, err := integrity.NewHasher(d.Options.HashAlgorithm)
	if err != nil {
		return nil, err
	}
	d.hashers[segmentID] = h
	return h, nil
}

// SetHasher installs a restored accumulator for a segment, used on resume.
func (d *Download) SetHasher(segmentID int, h *integrity.Hasher) {
	d.mu.Lock()
	d.hashers[segmentID] = h
	d.mu.Unlock()
}

// DropHasher discards a segment's accumulator when its progress is reset.
func (d *Download) DropHasher(segmentID int) {
	d.mu.Lock()
	delete(d.hashers, segmentID)
	d.mu.Unlock()
}

// ClearHashers discards every accumulator, used when the live transfer
// state is parked into a manifest record.
func (d *Download) ClearHashers() {
	d.mu.Lock()
	d.hashers = make(map[int]*integrity.Hasher)
	d.mu.Unlock()
}

// Progress builds a progress snapshot for event emission.
func (d *Download) Progress() common.Progress {
	var downloaded, total int64 = 0, -1
	if d.Segments != nil {
		downloaded = d.Segments.Downloaded()
	}
	if d.Resource != nil {
		total = d.Resource.Size
	}
	return common.Progress{
		DownloadID: d.ID,
		Downloaded: downloaded,
		Total:      total,
		Speed:      int64(d.Monitor.CurrentSpeed()),
		Status:     d.Status(),
		Timestamp:  time.Now(),
	}
}

// ToRecord serializes the download for the manifest store. cleanlyPaused is
// true only when every buffer has been flushed and every accumulator state
// below is therefore exact.
func (d *Download) ToRecord(cleanlyPaused bool) *manifest.Record {
	d.mu.Lock()
	defer d.mu.Unlock()

	rec := &manifest.Record{
		ID:            d.ID,
		URL:           d.URL,
		Filename:      d.Options.Filename,
		Directory:     d.Options.Directory,
		TotalSize:     -1,
		Status:        d.status.String(),
		Priority:      int(d.Options.Priority),
		HashAlgorithm: d.Options.HashAlgorithm,
		Checksum:      d.Options.Checksum,
		CleanlyPaused: cleanlyPaused,
	}
	if d.Resource != nil {
		rec.TotalSize = d.Resource.Size
		rec.Validator = d.Resource.Validator()
		rec.Generation = d.Resource.Generation.String()
		if rec.Filename == "" {
			rec.Filename = d.Resource.Filename
		}
	}

	if d.Segments != nil {
		for _, s := range d.Segments.Snapshot() {
			sr := manifest.SegmentRecord{
				Index:            s.ID,
				Start:            s.Range.Start,
				End:              s.Range.End,
				DownloadedOffset: s.Downloaded,
				Completed:        s.Done(),
			}
			if h, ok := d.hashers[s.ID]; ok {
				if state, hashed, err := h.Checkpoint(); err == nil {
					sr.HashState = state
					sr.BytesHashed = hashed
				}
			}
			rec.Segments = append(rec.Segments, sr)
			rec.Downloaded += s.Downloaded
		}
	}
	return rec
}
