package engine

import (
	"context"
	"io"
	"math"
	"net/url"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/downloader"
	"github.com/Augani/stormdl/internal/errors"
	"github.com/Augani/stormdl/internal/integrity"
	"github.com/Augani/stormdl/internal/logger"
	"github.com/Augani/stormdl/internal/manifest"
	"github.com/Augani/stormdl/internal/protocol"
	"github.com/Augani/stormdl/internal/segment"
	"github.com/Augani/stormdl/internal/storage"
)

const (
	copyBufferSize    = 32 * 1024
	manifestSaveEvery = 1 * time.Second
	progressEmitEvery = 200 * time.Millisecond
)

// runDownload is the queue's start callback: it drives one download from
// probing through completion, pause, or failure, then frees the queue slot.
func (e *Engine) runDownload(ctx context.Context, d *downloader.Download) {
	defer e.queue.notifyCompletion(d.ID)
	log := logger.GetLogger("engine")

	dctx, cancel := context.WithCancel(ctx)
	d.SetContext(dctx, cancel)
	defer cancel()

	d.SetStatus(common.StatusProbing)
	e.bus.publish(Event{Type: EventStateChange, DownloadID: d.ID, Status: common.StatusProbing})

	adapter, info, err := e.negotiate(dctx, d)
	if err != nil {
		e.handleOutcome(d, err)
		return
	}
	if info.RTT > 0 {
		d.Monitor.RecordRTT(info.RTT)
	}

	if d.Restored != nil {
		err = e.prepareResume(d, info)
	} else if d.Segments == nil {
		err = e.prepareFresh(d, info)
	} else {
		d.Resource = info
	}
	if err != nil {
		e.handleOutcome(d, err)
		return
	}

	d.SetStatus(common.StatusActive)
	e.bus.publish(Event{Type: EventStateChange, DownloadID: d.ID, Status: common.StatusActive})
	log.Info().
		Str("id", d.ID.String()).
		Str("generation", info.Generation.String()).
		Int64("size", info.Size).
		Int("segments", len(d.Segments.Snapshot())).
		Msg("transfer starting")

	err = e.transfer(dctx, d, adapter)
	e.handleOutcome(d, err)
}

// negotiate probes the resource, retrying transient failures with bounded
// exponential backoff.
func (e *Engine) negotiate(ctx context.Context, d *downloader.Download) (protocol.Adapter, *common.ResourceInfo, error) {
	log := logger.GetLogger("engine")

	for attempt := 0; ; attempt++ {
		adapter, info, err := e.negotiator.Negotiate(ctx, d.URL, d.Options.Headers)
		if err == nil {
			return adapter, info, nil
		}
		if !errors.IsRetryable(err) || attempt >= d.Options.MaxRetries {
			return nil, nil, err
		}

		backoff := d.Options.RetryDelay * time.Duration(1<<uint(attempt))
		log.Debug().Str("id", d.ID.String()).Int("attempt", attempt+1).
			Dur("backoff", backoff).Err(err).Msg("probe retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, nil, errors.NewContextError(ctx.Err(), d.URL)
		}
	}
}

// prepareFresh sets up the segment set and output file for a first attempt.
func (e *Engine) prepareFresh(d *downloader.Download, info *common.ResourceInfo) error {
	d.Resource = info

	size := info.Size
	var mgr *segment.Manager
	if size < 0 {
		// Unknown length: a single open-ended segment, pinned at EOF.
		open := []*segment.Segment{{Range: segment.ByteRange{Start: 0, End: math.MaxInt64}}}
		var err error
		mgr, err = segment.Restore(-1, d.Options.MinSegmentSize, d.Options.MaxSegments,
			d.Options.RebalanceInterval, d.Options.SlowThresholdPct, open)
		if err != nil {
			return err
		}
	} else {
		mgr = segment.NewManager(size, d.Options.MinSegmentSize, d.Options.MaxSegments,
			info.Resumable(), d.Options.RebalanceInterval, d.Options.SlowThresholdPct,
			d.Monitor.BandwidthDelayProduct())
	}

	w, err := storage.NewWriter(d.TargetPath(), size, d.Options.WriteBufferSize, d.Options.FlushInterval)
	if err != nil {
		return err
	}

	d.Segments = mgr
	d.Writer = w
	return nil
}

// transfer runs the segment workers plus the rebalance loop and waits for
// all of them.
func (e *Engine) transfer(ctx context.Context, d *downloader.Download, adapter protocol.Adapter) error {
	// Zero-byte resources and fully restored downloads have no work left.
	if d.Segments.Complete() {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	spawn := func(id int) {
		g.Go(func() error {
			return e.runSegment(gctx, d, adapter, id)
		})
	}

	for _, s := range d.Segments.Snapshot() {
		if !s.Done() {
			spawn(s.ID)
		}
	}

	g.Go(func() error {
		return e.superviseTransfer(gctx, d, spawn)
	})

	return g.Wait()
}

// superviseTransfer is the periodic loop alongside the workers: it drives
// rebalancing, emits progress, and checkpoints the manifest. Exits when the
// download is complete or the group context dies.
func (e *Engine) superviseTransfer(ctx context.Context, d *downloader.Download, spawn func(int)) error {
	rebalance := time.NewTicker(d.Options.RebalanceInterval)
	defer rebalance.Stop()
	save := time.NewTicker(manifestSaveEvery)
	defer save.Stop()
	progress := time.NewTicker(progressEmitEvery)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-rebalance.C:
			if d.Segments.Complete() {
				return nil
			}
			if split := d.Segments.Rebalance(); split != nil {
				e.bus.publish(Event{
					Type:       EventSegmentRebalanced,
					DownloadID: d.ID,
					Donor:      split.DonorID,
					Created:    split.Created.ID,
				})
				spawn(split.Created.ID)
			}
		case <-save.C:
			if err := e.store.Save(d.ToRecord(false)); err != nil {
				log := logger.GetLogger("engine")
				log.Error().Err(err).Msg("manifest checkpoint failed")
			}
		case <-progress.C:
			p := d.Progress()
			e.bus.publish(Event{Type: EventProgress, DownloadID: d.ID, Progress: &p})
		}
	}
}

// runSegment fetches one segment to completion with retries. Range support
// disappearing mid-transfer and fatal classifications end the download.
func (e *Engine) runSegment(ctx context.Context, d *downloader.Download, adapter protocol.Adapter, id int) error {
	log := logger.GetLogger("engine")
	retries := 0

	for {
		err := e.fetchSegment(ctx, d, adapter, id)
		if err == nil {
			d.Segments.SetState(id, segment.StateComplete)
			return nil
		}

		if ctx.Err() != nil || errors.IsCategory(err, errors.CategoryContext) {
			return context.Cause(ctx)
		}

		if errors.IsKind(err, errors.KindRateLimited) {
			d.Segments.NoteRateLimited()
		}

		if !errors.IsRetryable(err) || retries >= d.Options.MaxRetries {
			d.Segments.SetState(id, segment.StateFailed)
			log.Error().Int("segment", id).Int("retries", retries).Err(err).Msg("segment failed")
			return err
		}

		retries++
		backoff := d.Options.RetryDelay * time.Duration(1<<uint(retries-1))
		log.Debug().Int("segment", id).Int("attempt", retries).Dur("backoff", backoff).
			Err(err).Msg("segment retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fetchSegment performs fetch attempts until the segment's window is empty.
// The window is re-read after every flush because a split may have moved the
// end down while the stream was in flight.
func (e *Engine) fetchSegment(ctx context.Context, d *downloader.Download, adapter protocol.Adapter, id int) error {
	start, downloaded, end, ok := d.Segments.Window(id)
	if !ok || start+downloaded >= end {
		return nil
	}

	// No usable byte ranges: the whole body comes as one stream. Partial
	// progress cannot be continued on this path, so it starts over.
	if !d.Resource.Resumable() {
		if downloaded > 0 {
			d.Segments.ResetProgress(id)
			d.DropHasher(id)
			downloaded = 0
		}
		return e.fetchSingleStream(ctx, d, adapter, id)
	}

	h, err := d.Hasher(id)
	if err != nil {
		return err
	}

	// The claim callback decides, atomically with any concurrent split, how
	// many buffered bytes still belong to this segment before they reach the
	// disk or the hash.
	sw := d.Writer.Segment(id, start, downloaded,
		func(n int64) int64 { return d.Segments.AdvanceWindow(id, n) },
		func(data []byte, _ int64) error {
			h.Update(data)
			d.Monitor.Record(d.Segments.Downloaded())
			return nil
		})
	defer d.Writer.CloseSegment(id)

	d.Segments.SetState(id, segment.StateActive)
	host := hostOf(d.URL)

	buf := make([]byte, copyBufferSize)
	for {
		if err := sw.Flush(); err != nil {
			return err
		}

		start, downloaded, end, ok = d.Segments.Window(id)
		if !ok {
			return nil
		}
		pos := start + downloaded
		if pos >= end {
			return nil
		}

		lease, err := e.pool.Acquire(ctx, host, adapter.Generation())
		if err != nil {
			return errors.NewContextError(err, d.URL)
		}
		d.Segments.SetConn(id, lease.ID)

		err = e.streamRange(ctx, d, adapter, sw, id, pos, end, buf)
		d.Segments.SetConn(id, 0)
		e.pool.Release(lease, err != nil && !errors.IsCategory(err, errors.CategoryContext))
		if err != nil {
			return err
		}
	}
}

// streamRange copies one range response into the segment writer, stopping
// early if a split shrinks the segment under the stream.
func (e *Engine) streamRange(ctx context.Context, d *downloader.Download, adapter protocol.Adapter, sw *storage.SegmentWriter, id int, pos, end int64, buf []byte) error {
	started := time.Now()
	body, err := adapter.FetchRange(ctx, d.URL, d.Options.Headers, pos, end)
	if err != nil {
		return err
	}
	body = protocol.WithReadTimeout(body, d.Options.ReadTimeout, d.URL)
	defer body.Close()
	d.Monitor.RecordRTT(time.Since(started))

	written := pos
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := e.limiter.Wait(ctx, n, d.Options.Priority); err != nil {
				return errors.NewContextError(err, d.URL)
			}
			if err := d.Limiter.Wait(ctx, n, d.Options.Priority); err != nil {
				return errors.NewContextError(err, d.URL)
			}

			// Clamp to the segment's current end; a rebalance split may
			// have handed the tail of this range to another segment.
			_, _, curEnd, ok := d.Segments.Window(id)
			if !ok {
				return nil
			}
			allowed := int64(n)
			if written+allowed > curEnd {
				allowed = curEnd - written
			}
			if allowed > 0 {
				if _, err := sw.Write(buf[:allowed]); err != nil {
					return err
				}
				written += allowed
			}
			if allowed < int64(n) {
				return nil // rest of the stream belongs elsewhere now
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if errors.IsKind(rerr, errors.KindTimeout) {
				return rerr
			}
			return errors.NewConnectionReset(rerr, d.URL)
		}
	}
}

// fetchSingleStream downloads the whole body over one connection, used when
// the server cannot serve ranges or never declared a length. EOF pins the
// segment's end at the byte count actually received.
func (e *Engine) fetchSingleStream(ctx context.Context, d *downloader.Download, adapter protocol.Adapter, id int) error {
	h, err := d.Hasher(id)
	if err != nil {
		return err
	}

	sw := d.Writer.Segment(id, 0, 0,
		func(n int64) int64 { return d.Segments.AdvanceWindow(id, n) },
		func(data []byte, _ int64) error {
			h.Update(data)
			d.Monitor.Record(d.Segments.Downloaded())
			return nil
		})
	defer d.Writer.CloseSegment(id)

	d.Segments.SetState(id, segment.StateActive)
	host := hostOf(d.URL)

	lease, err := e.pool.Acquire(ctx, host, adapter.Generation())
	if err != nil {
		return errors.NewContextError(err, d.URL)
	}
	d.Segments.SetConn(id, lease.ID)
	defer d.Segments.SetConn(id, 0)

	started := time.Now()
	body, err := adapter.FetchFull(ctx, d.URL, d.Options.Headers)
	if err != nil {
		e.pool.Release(lease, true)
		return err
	}
	body = protocol.WithReadTimeout(body, d.Options.ReadTimeout, d.URL)
	d.Monitor.RecordRTT(time.Since(started))

	var written int64
	buf := make([]byte, copyBufferSize)
	for {
		n, rerr := body.Read(buf)
		if n > 0 {
			if err := e.limiter.Wait(ctx, n, d.Options.Priority); err != nil {
				body.Close()
				e.pool.Release(lease, false)
				return errors.NewContextError(err, d.URL)
			}
			if err := d.Limiter.Wait(ctx, n, d.Options.Priority); err != nil {
				body.Close()
				e.pool.Release(lease, false)
				return errors.NewContextError(err, d.URL)
			}
			if _, err := sw.Write(buf[:n]); err != nil {
				body.Close()
				e.pool.Release(lease, false)
				return err
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			body.Close()
			e.pool.Release(lease, true)
			if errors.IsKind(rerr, errors.KindTimeout) {
				return rerr
			}
			return errors.NewConnectionReset(rerr, d.URL)
		}
	}
	body.Close()
	e.pool.Release(lease, false)

	if err := sw.Flush(); err != nil {
		return err
	}
	d.Segments.SetEnd(id, written)
	return nil
}

// handleOutcome routes a finished run to completion, pause, or failure
// handling.
func (e *Engine) handleOutcome(d *downloader.Download, err error) {
	switch {
	case err == nil:
		if d.Segments != nil && d.Segments.Complete() {
			e.finishDownload(d)
			return
		}
		// Workers drained without error but work remains: treat as pause.
		e.persistPause(d)
	case errors.Is(err, context.Canceled) || errors.IsCategory(err, errors.CategoryContext):
		if d.Status() == common.StatusCancelled {
			e.cleanupCancelled(d)
			return
		}
		e.persistPause(d)
	default:
		d.SetError(err)
		e.park(d, common.StatusFailed, false)
		e.bus.publish(Event{Type: EventError, DownloadID: d.ID, Err: err})
	}
}

// persistPause flushes everything and writes a trusted manifest snapshot.
// Only after a successful flush does the record carry the clean-pause flag;
// a failed flush leaves progress untrusted and resume will rehash.
func (e *Engine) persistPause(d *downloader.Download) {
	e.park(d, common.StatusPaused, true)
}

// park closes the output file and folds the live transfer state back into a
// manifest record. The next run goes through prepareResume, which reopens
// the part file and re-verifies whatever this snapshot claims.
func (e *Engine) park(d *downloader.Download, status common.Status, clean bool) {
	log := logger.GetLogger("engine")
	if d.Writer != nil {
		if err := d.Writer.Close(); err != nil {
			log.Warn().Err(err).Msg("flush on park failed")
			clean = false
		}
	}

	d.SetStatus(status)
	rec := d.ToRecord(clean)
	if err := e.store.Save(rec); err != nil {
		log.Error().Err(err).Str("id", d.ID.String()).Msg("manifest save failed")
	}

	d.Restored = rec
	d.Writer = nil
	d.Segments = nil
	d.ClearHashers()

	e.bus.publish(Event{Type: EventStateChange, DownloadID: d.ID, Status: status})
}

// finishDownload verifies and finalizes a complete transfer.
func (e *Engine) finishDownload(d *downloader.Download) {
	log := logger.GetLogger("engine")

	if err := d.Writer.Finalize(); err != nil {
		d.SetError(err)
		e.park(d, common.StatusFailed, false)
		e.bus.publish(Event{Type: EventError, DownloadID: d.ID, Err: err})
		return
	}

	if d.Options.VerifyIntegrity && d.Options.Checksum != "" {
		if err := integrity.VerifyFile(d.TargetPath(), d.Options.HashAlgorithm, d.Options.Checksum); err != nil {
			log.Error().Str("id", d.ID.String()).Err(err).Msg("final integrity check failed")
			os.Remove(d.TargetPath())
			d.SetError(err)
			e.park(d, common.StatusFailed, false)
			e.bus.publish(Event{Type: EventError, DownloadID: d.ID, Err: err})
			return
		}
	}

	e.setStatusAndPersist(d, common.StatusComplete, true)
	p := d.Progress()
	e.bus.publish(Event{Type: EventComplete, DownloadID: d.ID, Progress: &p})
	log.Info().Str("id", d.ID.String()).Str("path", d.TargetPath()).Msg("download complete")
}

// cleanupCancelled removes the partial file and manifest of a cancelled
// download whose workers have now exited.
func (e *Engine) cleanupCancelled(d *downloader.Download) {
	log := logger.GetLogger("engine")
	if d.Writer != nil {
		if err := d.Writer.Discard(); err != nil {
			log.Warn().Err(err).Msg("failed to discard partial file")
		}
	} else {
		os.Remove(d.TargetPath() + storage.PartSuffix)
	}

	if err := e.store.Delete(d.ID); err != nil && !errors.Is(err, manifest.ErrNotFound) {
		log.Warn().Err(err).Msg("failed to delete manifest")
	}

	e.mu.Lock()
	delete(e.downloads, d.ID)
	e.mu.Unlock()
	e.bus.forget(d.ID)

	e.bus.publish(Event{Type: EventStateChange, DownloadID: d.ID, Status: common.StatusCancelled})
}

func hostOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Host
	}
	return rawURL
}
