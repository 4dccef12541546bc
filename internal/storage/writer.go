package storage

import (
	"os"
	"sync"
	"time"

	"github.com/Augani/stormdl/internal/errors"
	"github.com/Augani/stormdl/internal/logger"
)

// PartSuffix marks an in-progress output file.
const PartSuffix = ".part"

// FlushFunc observes a successful flush: data is now durable at the
// segment's absolute offset and flushed is the new count of durable bytes
// relative to the segment start. Hash accumulation hangs off this callback,
// so it can never run ahead of the disk.
type FlushFunc func(data []byte, flushed int64) error

// AdvanceFunc lets the range owner claim buffered bytes before they hit the
// disk. It returns how many of the n offered bytes still belong to this
// segment; the rest are dropped because a split moved the segment's end below
// them and another segment now fetches that range.
type AdvanceFunc func(n int64) int64

// Writer owns the output file for one download. The file is created as
// <final>.part and pre-allocated to the full resource size before any
// segment writes, then renamed into place on completion. Each segment gets a
// bounded coalescing buffer; buffers flush on overflow or when the flush
// interval elapses, whichever comes first.
type Writer struct {
	finalPath string
	partPath  string
	file      *os.File
	size      int64

	bufSize       int
	flushInterval time.Duration

	mu       sync.Mutex
	segments map[int]*SegmentWriter
	closed   bool

	stopTimer chan struct{}
	timerDone chan struct{}
}

// SegmentWriter is the per-segment view of the output file. Writes append to
// the buffer; Flush moves the buffer to disk at start+flushed.
type SegmentWriter struct {
	w       *Writer
	mu      sync.Mutex
	start   int64
	flushed int64
	buf     *writeBuffer
	advance AdvanceFunc
	onFlush FlushFunc
	closed  bool
}

// NewWriter creates the part file and pre-allocates it. size < 0 means the
// total length is unknown (single-stream download); pre-allocation is
// skipped and bytes are written sequentially.
func NewWriter(finalPath string, size, bufSize int64, flushInterval time.Duration) (*Writer, error) {
	partPath := finalPath + PartSuffix

	file, err := os.OpenFile(partPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.NewStorageError(err, partPath)
	}

	if size > 0 {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, errors.NewStorageError(err, partPath)
		}
	}

	w := &Writer{
		finalPath:     finalPath,
		partPath:      partPath,
		file:          file,
		size:          size,
		bufSize:       int(bufSize),
		flushInterval: flushInterval,
		segments:      make(map[int]*SegmentWriter),
		stopTimer:     make(chan struct{}),
		timerDone:     make(chan struct{}),
	}

	go w.flushLoop()
	return w, nil
}

// OpenWriter reopens an existing part file for resume without truncating it.
func OpenWriter(finalPath string, size, bufSize int64, flushInterval time.Duration) (*Writer, error) {
	partPath := finalPath + PartSuffix

	file, err := os.OpenFile(partPath, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.NewStorageError(err, partPath)
	}

	w := &Writer{
		finalPath:     finalPath,
		partPath:      partPath,
		file:          file,
		size:          size,
		bufSize:       int(bufSize),
		flushInterval: flushInterval,
		segments:      make(map[int]*SegmentWriter),
		stopTimer:     make(chan struct{}),
		timerDone:     make(chan struct{}),
	}

	go w.flushLoop()
	return w, nil
}

// PartPath returns the in-progress file path, readable for rehashing.
func (w *Writer) PartPath() string {
	return w.partPath
}

// Segment opens the per-segment view starting at absolute offset start, with
// flushed bytes already durable from a previous run. advance and onFlush may
// be nil.
func (w *Writer) Segment(id int, start, flushed int64, advance AdvanceFunc, onFlush FlushFunc) *SegmentWriter {
	sw := &SegmentWriter{
		w:       w,
		start:   start,
		flushed: flushed,
		buf:     newWriteBuffer(w.bufSize),
		advance: advance,
		onFlush: onFlush,
	}

	w.mu.Lock()
	w.segments[id] = sw
	w.mu.Unlock()

	return sw
}

// CloseSegment flushes and detaches one segment view, used when a segment
// completes or is destroyed by a split.
func (w *Writer) CloseSegment(id int) error {
	w.mu.Lock()
	sw, ok := w.segments[id]
	if ok {
		delete(w.segments, id)
	}
	w.mu.Unlock()

	if !ok {
		return nil
	}
	return sw.Flush()
}

func (w *Writer) flushLoop() {
	defer close(w.timerDone)

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	log := logger.GetLogger("storage")
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			views := make([]*SegmentWriter, 0, len(w.segments))
			for _, sw := range w.segments {
				views = append(views, sw)
			}
			w.mu.Unlock()

			for _, sw := range views {
				if err := sw.Flush(); err != nil {
					log.Error().Err(err).Msg("interval flush failed")
				}
			}
		case <-w.stopTimer:
			return
		}
	}
}

// Close flushes every buffer and releases the file, leaving the part file in
// place for later resume.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	views := make([]*SegmentWriter, 0, len(w.segments))
	for _, sw := range w.segments {
		views = append(views, sw)
	}
	w.mu.Unlock()

	close(w.stopTimer)
	<-w.timerDone

	var firstErr error
	for _, sw := range views {
		if err := sw.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := w.file.Sync(); err != nil && firstErr == nil {
		firstErr = errors.NewStorageError(err, w.partPath)
	}
	if err := w.file.Close(); err != nil && firstErr == nil {
		firstErr = errors.NewStorageError(err, w.partPath)
	}
	return firstErr
}

// Finalize flushes, syncs, and renames the part file to its final name.
// Only called once every segment is complete and verification has passed.
func (w *Writer) Finalize() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Rename(w.partPath, w.finalPath); err != nil {
		return errors.NewStorageError(err, w.finalPath)
	}
	return nil
}

// Discard closes the writer and removes the part file.
func (w *Writer) Discard() error {
	if err := w.Close(); err != nil {
		return err
	}
	if err := os.Remove(w.partPath); err != nil && !os.IsNotExist(err) {
		return errors.NewStorageError(err, w.partPath)
	}
	return nil
}

// Write appends to the segment buffer, flushing first when the incoming
// bytes would overflow it.
func (s *SegmentWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.NewStorageError(os.ErrClosed, s.w.partPath)
	}

	written := 0
	for len(p) > 0 {
		if s.buf.wouldOverflow(len(p)) && !s.buf.empty() {
			if err := s.flushLocked(); err != nil {
				return written, err
			}
		}
		n := len(p)
		if n > s.buf.capacity {
			n = s.buf.capacity
		}
		s.buf.append(p[:n])
		written += n
		p = p[n:]

		if s.buf.full() {
			if err := s.flushLocked(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Flush forces the buffer to disk at the segment's absolute offset.
func (s *SegmentWriter) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *SegmentWriter) flushLocked() error {
	if s.buf.empty() {
		return nil
	}

	data := s.buf.data
	n := int64(len(data))
	if s.advance != nil {
		// Claim the bytes with the range owner before writing: a concurrent
		// split may have moved this segment's end below what sits in the
		// buffer, and the trailing bytes now belong to the created segment.
		// A WriteAt failure after the claim leaves the owner ahead of the
		// disk, which is safe because storage errors fail the download and
		// its manifest is persisted untrusted.
		n = s.advance(n)
	}
	if n <= 0 {
		s.buf.reset()
		return nil
	}

	offset := s.start + s.flushed
	if _, err := s.w.file.WriteAt(data[:n], offset); err != nil {
		return errors.NewStorageError(err, s.w.partPath)
	}
	s.flushed += n

	var err error
	if s.onFlush != nil {
		flushed := make([]byte, n)
		copy(flushed, data[:n])
		err = s.onFlush(flushed, s.flushed)
	}
	s.buf.reset()
	return err
}

// Flushed returns the count of durable bytes relative to the segment start.
func (s *SegmentWriter) Flushed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

// Buffered returns the count of bytes received but not yet durable.
func (s *SegmentWriter) Buffered() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.buf.len())
}
