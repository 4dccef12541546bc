package segment

import (
	"fmt"
	"sync"
	"time"

	"github.com/Augani/stormdl/internal/logger"
)

const (
	// defaultSlowThreshold marks a segment slow when its speed drops below
	// this fraction of the mean active speed.
	defaultSlowThreshold = 0.2

	// rateLimitStrikes within one rebalance interval counts as sustained
	// server pushback.
	rateLimitStrikes = 2

	// backoffIntervals is how many rebalance intervals splitting stays
	// frozen after sustained pushback.
	backoffIntervals = 10
)

func orDefaultThreshold(pct float64) float64 {
	if pct <= 0 || pct >= 1 {
		return defaultSlowThreshold
	}
	return pct
}

// Split describes one rebalance decision: the donor segment surrendered the
// upper half of its remaining range to a brand-new segment.
type Split struct {
	DonorID int
	Created *Segment
}

// Manager owns the segment set for one download and keeps the partition
// invariant: at all times the ranges cover [0, size) exactly, with no gaps
// and no overlap.
type Manager struct {
	mu       sync.Mutex
	segments []*Segment
	nextID   int

	totalSize      int64
	minSegmentSize int64
	maxSegments    int
	interval       time.Duration
	slowThreshold  float64

	lastRebalance time.Time
	rateLimitHits []time.Time
	backoffUntil  time.Time
	segmentCap    int

	// splitCredit is set when a segment completes and consumed by the next
	// split, so the segment count only grows when a slot has actually freed
	// up. At most one deferred split is kept.
	splitCredit bool
}

// NewManager partitions [0, size) into the optimal initial segment set.
// slowPct is the slow-marking threshold as a fraction of the mean active
// speed; 0 falls back to the default. bdpHint is a bandwidth-delay product
// estimate in bytes, 0 when no network sample exists yet.
func NewManager(size, minSegmentSize int64, maxSegments int, supportsRange bool, interval time.Duration, slowPct float64, bdpHint int64) *Manager {
	count := OptimalSegments(size, minSegmentSize, maxSegments, supportsRange, bdpHint)
	ranges := SplitRange(size, count)

	m := &Manager{
		totalSize:      size,
		minSegmentSize: minSegmentSize,
		maxSegments:    maxSegments,
		interval:       interval,
		slowThreshold:  orDefaultThreshold(slowPct),
		segmentCap:     maxSegments,
		lastRebalance:  time.Now(),
	}
	for _, r := range ranges {
		m.segments = append(m.segments, &Segment{ID: m.nextID, Range: r})
		m.nextID++
	}
	return m
}

// Restore rebuilds a manager from persisted segment state. The caller has
// already decided how much of each segment's progress to trust.
func Restore(size, minSegmentSize int64, maxSegments int, interval time.Duration, slowPct float64, restored []*Segment) (*Manager, error) {
	m := &Manager{
		totalSize:      size,
		minSegmentSize: minSegmentSize,
		maxSegments:    maxSegments,
		interval:       interval,
		slowThreshold:  orDefaultThreshold(slowPct),
		segmentCap:     maxSegments,
		lastRebalance:  time.Now(),
	}
	for _, s := range restored {
		s.lastDownloaded = s.Downloaded
		m.segments = append(m.segments, s)
		if s.ID >= m.nextID {
			m.nextID = s.ID + 1
		}
	}
	if err := m.checkPartition(); err != nil {
		return nil, err
	}
	return m, nil
}

// checkPartition validates coverage of [0, totalSize). Segments are kept in
// range order, so adjacency is enough.
func (m *Manager) checkPartition() error {
	if m.totalSize < 0 {
		return nil
	}
	var cursor int64
	for _, s := range m.segments {
		if s.Range.Start != cursor {
			return fmt.Errorf("segment %d starts at %d, expected %d", s.ID, s.Range.Start, cursor)
		}
		if s.Range.End < s.Range.Start {
			return fmt.Errorf("segment %d has inverted range %s", s.ID, s.Range)
		}
		cursor = s.Range.End
	}
	if cursor != m.totalSize {
		return fmt.Errorf("segments cover [0, %d), resource is %d bytes", cursor, m.totalSize)
	}
	return nil
}

// Segments returns the live segment pointers. Callers mutate them only
// through manager methods.
func (m *Manager) Segments() []*Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Segment, len(m.segments))
	copy(out, m.segments)
	return out
}

// Snapshot returns value copies of every segment, safe to read while
// workers are advancing the originals.
func (m *Manager) Snapshot() []Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Segment, 0, len(m.segments))
	for _, s := range m.segments {
		out = append(out, *s)
	}
	return out
}

// Window returns a segment's start, durable progress, and current exclusive
// end. The end can shrink between calls when a split donates the upper half
// of the remaining range elsewhere.
func (m *Manager) Window(id int) (start, downloaded, end int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.findLocked(id)
	if s == nil {
		return 0, 0, 0, false
	}
	return s.Range.Start, s.Downloaded, s.Range.End, true
}

// SetEnd pins a segment's end, used when a stream of unknown length hits EOF
// and the true size becomes known.
func (m *Manager) SetEnd(id int, end int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findLocked(id); s != nil {
		s.Range.End = end
		m.totalSize = end
		if s.Done() {
			s.State = StateComplete
			m.splitCredit = true
		}
	}
}

// ResetProgress zeroes a segment's durable progress, used when resume
// decides the persisted bytes cannot be trusted.
func (m *Manager) ResetProgress(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findLocked(id); s != nil {
		s.Downloaded = 0
		s.lastDownloaded = 0
		s.State = StatePending
	}
}

// Get returns the segment with the given ID, or nil.
func (m *Manager) Get(id int) *Segment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(id)
}

func (m *Manager) findLocked(id int) *Segment {
	for _, s := range m.segments {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// Advance records n newly durable bytes for a segment. Progress only moves
// on flush, never on receipt.
func (m *Manager) Advance(id int, n int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.findLocked(id)
	if s == nil {
		return fmt.Errorf("unknown segment %d", id)
	}
	s.Downloaded += n
	if s.Downloaded > s.Range.Length() {
		return fmt.Errorf("segment %d overran its range: %d of %d bytes", id, s.Downloaded, s.Range.Length())
	}
	if s.Done() {
		s.State = StateComplete
		m.splitCredit = true
	}
	return nil
}

// AdvanceWindow claims up to n bytes at the segment's current position and
// records them as durable, clamped to the segment's end. The clamp is what
// keeps a flush that raced with a split from writing past the donated
// boundary: bytes the owner does not grant stay with whichever segment now
// owns that range.
func (m *Manager) AdvanceWindow(id int, n int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.findLocked(id)
	if s == nil {
		return 0
	}
	if room := s.Range.Length() - s.Downloaded; n > room {
		n = room
	}
	if n <= 0 {
		return 0
	}
	s.Downloaded += n
	if s.Done() {
		s.State = StateComplete
		m.splitCredit = true
	}
	return n
}

// SetState transitions a segment's lifecycle state.
func (m *Manager) SetState(id int, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findLocked(id); s != nil {
		if state == StateComplete && s.State != StateComplete {
			m.splitCredit = true
		}
		s.State = state
	}
}

// SetConn records which connection lease is carrying a segment's fetch; 0
// clears the binding when the lease is returned.
func (m *Manager) SetConn(id int, conn int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.findLocked(id); s != nil {
		s.ConnID = conn
	}
}

// Downloaded returns total durable bytes across all segments.
func (m *Manager) Downloaded() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, s := range m.segments {
		total += s.Downloaded
	}
	return total
}

// Complete reports whether every segment has fetched its full range.
func (m *Manager) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.segments {
		if !s.Done() {
			return false
		}
	}
	return true
}

// NoteRateLimited records one server pushback signal. Two within a single
// rebalance interval halves the segment ceiling and freezes splitting for
// ten intervals.
func (m *Manager) NoteRateLimited() {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-m.interval)
	kept := m.rateLimitHits[:0]
	for _, t := range m.rateLimitHits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	m.rateLimitHits = append(kept, now)

	if len(m.rateLimitHits) >= rateLimitStrikes {
		active := 0
		for _, s := range m.segments {
			if s.State == StateActive || s.State == StateSlow {
				active++
			}
		}
		ceiling := active / 2
		if ceiling < 1 {
			ceiling = 1
		}
		m.segmentCap = ceiling
		m.backoffUntil = now.Add(time.Duration(backoffIntervals) * m.interval)
		m.rateLimitHits = m.rateLimitHits[:0]

		log := logger.GetLogger("segment")
		log.Warn().
			Int("segment_cap", ceiling).
			Time("backoff_until", m.backoffUntil).
			Msg("sustained rate limiting, halving parallelism")
	}
}

// SegmentCap returns the current ceiling on concurrent segments.
func (m *Manager) SegmentCap() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.segmentCap
}

// Rebalance samples per-segment speed since the last pass and marks laggards
// slow against the mean of the healthy segments. A split only fires when a
// sibling has completed since the previous pass (its slot is free) and a slow
// segment has enough remaining that both halves clear the minimum size: that
// slow segment donates the upper half of its unfetched range to a new
// segment, ties going to the most remaining bytes.
//
// The donor keeps its identity, progress, and hash accumulator; only its end
// moves down. The created segment starts at zero progress. Returns nil when
// no split happened.
func (m *Manager) Rebalance() *Split {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	elapsed := now.Sub(m.lastRebalance).Seconds()
	m.lastRebalance = now
	if elapsed <= 0 {
		return nil
	}

	// Every in-flight segment gets a speed sample; the mean that slowness is
	// judged against covers Active only, so one stalled segment cannot drag
	// the baseline down with it.
	var (
		inFlight    int
		activeCount int
		speedSum    float64
	)
	for _, s := range m.segments {
		if s.State != StateActive && s.State != StateSlow {
			continue
		}
		s.speed = float64(s.Downloaded-s.lastDownloaded) / elapsed
		s.lastDownloaded = s.Downloaded
		inFlight++
		if s.State == StateActive {
			speedSum += s.speed
			activeCount++
		}
	}
	if inFlight == 0 {
		return nil
	}
	var mean float64
	if activeCount > 0 {
		mean = speedSum / float64(activeCount)
	}

	for _, s := range m.segments {
		switch s.State {
		case StateActive:
			if mean > 0 && s.speed < mean*m.slowThreshold {
				s.State = StateSlow
			}
		case StateSlow:
			if mean == 0 || s.speed >= mean*m.slowThreshold {
				s.State = StateActive
			}
		}
	}

	if !m.splitCredit {
		return nil
	}
	if now.Before(m.backoffUntil) {
		return nil
	}
	if inFlight >= m.segmentCap || len(m.segments) >= m.maxSegments {
		return nil
	}

	// Donor: the slow segment with the most bytes left. It must have enough
	// remaining that both halves clear the minimum segment size.
	var donor *Segment
	for _, s := range m.segments {
		if s.State != StateSlow {
			continue
		}
		if s.Remaining() < m.minSegmentSize*2 {
			continue
		}
		if donor == nil || s.Remaining() > donor.Remaining() {
			donor = s
		}
	}
	if donor == nil {
		return nil
	}
	m.splitCredit = false

	mid := donor.Position() + donor.Remaining()/2
	created := &Segment{
		ID:    m.nextID,
		Range: ByteRange{Start: mid, End: donor.Range.End},
	}
	m.nextID++
	donor.Range.End = mid

	// Insert directly after the donor to keep segments in range order.
	for i, s := range m.segments {
		if s == donor {
			m.segments = append(m.segments[:i+1], append([]*Segment{created}, m.segments[i+1:]...)...)
			break
		}
	}

	log := logger.GetLogger("segment")
	log.Debug().
		Int("donor", donor.ID).
		Int("created", created.ID).
		Str("range", created.Range.String()).
		Msg("split segment")

	return &Split{DonorID: donor.ID, Created: created}
}
