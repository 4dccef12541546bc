package engine

import (
	"os"

	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/config"
	"github.com/Augani/stormdl/internal/downloader"
	"github.com/Augani/stormdl/internal/errors"
	"github.com/Augani/stormdl/internal/integrity"
	"github.com/Augani/stormdl/internal/logger"
	"github.com/Augani/stormdl/internal/manifest"
	"github.com/Augani/stormdl/internal/segment"
	"github.com/Augani/stormdl/internal/storage"
)

// restoreDownload rebuilds a download aggregate from a persisted manifest.
// Segment state stays on the record until the first resume verifies it.
func (e *Engine) restoreDownload(rec *manifest.Record) (*downloader.Download, error) {
	opts := config.OptionsFrom(e.config)
	opts.Directory = rec.Directory
	opts.Filename = rec.Filename
	opts.Priority = common.Priority(rec.Priority)
	opts.Checksum = rec.Checksum
	if rec.HashAlgorithm != "" {
		opts.HashAlgorithm = rec.HashAlgorithm
	}

	d := downloader.New(rec.ID, rec.URL, &opts)
	d.Restored = rec

	switch rec.Status {
	case common.StatusComplete.String():
		d.SetStatus(common.StatusComplete)
	case common.StatusFailed.String():
		d.SetStatus(common.StatusFailed)
	default:
		// Queued, probing, or active at shutdown: it comes back paused and
		// resume decides how much persisted progress survives.
		d.SetStatus(common.StatusPaused)
	}
	return d, nil
}

// prepareResume rebuilds segments, writer, and hash accumulators from the
// persisted manifest, after checking that the server still serves the same
// bytes. The order is fixed: compare validators against the fresh probe,
// then either trust checkpoints (clean pause) or rehash the part file, then
// dispatch.
func (e *Engine) prepareResume(d *downloader.Download, info *common.ResourceInfo) error {
	rec := d.Restored
	d.Restored = nil
	log := logger.GetLogger("engine")

	if len(rec.Segments) == 0 {
		return e.prepareFresh(d, info)
	}

	// A changed validator or size means every persisted byte describes a
	// resource that no longer exists. Discard and start over.
	if info.Validator() != rec.Validator || (rec.TotalSize >= 0 && info.Size != rec.TotalSize) {
		log.Warn().Str("id", d.ID.String()).Msg("resource changed on server, discarding partial data")
		e.bus.publish(Event{Type: EventError, DownloadID: d.ID, Err: errors.NewResourceChanged(d.URL)})
		os.Remove(d.TargetPath() + storage.PartSuffix)
		return e.prepareFresh(d, info)
	}

	partPath := d.TargetPath() + storage.PartSuffix
	if _, err := os.Stat(partPath); err != nil {
		log.Warn().Str("id", d.ID.String()).Msg("partial file missing, starting over")
		return e.prepareFresh(d, info)
	}

	w, err := storage.OpenWriter(d.TargetPath(), info.Size, d.Options.WriteBufferSize, d.Options.FlushInterval)
	if err != nil {
		return err
	}

	restored := make([]*segment.Segment, 0, len(rec.Segments))
	for _, sr := range rec.Segments {
		s := &segment.Segment{
			ID:         sr.Index,
			Range:      segment.ByteRange{Start: sr.Start, End: sr.End},
			Downloaded: sr.DownloadedOffset,
		}
		if sr.Completed {
			s.State = segment.StateComplete
		}
		restored = append(restored, s)
	}

	mgr, err := segment.Restore(info.Size, d.Options.MinSegmentSize, d.Options.MaxSegments,
		d.Options.RebalanceInterval, d.Options.SlowThresholdPct, restored)
	if err != nil {
		w.Close()
		return err
	}
	d.Segments = mgr
	d.Writer = w
	d.Resource = info

	// Completed segments are re-verified too: an unclean shutdown can leave
	// any flushed range short of what the manifest claims.
	for _, sr := range rec.Segments {
		if sr.DownloadedOffset == 0 {
			continue
		}
		if err := e.restoreSegmentHash(d, rec, sr, partPath); err != nil {
			w.Close()
			return err
		}
	}
	return nil
}

// restoreSegmentHash rebuilds one segment's hash accumulator. A trusted
// checkpoint restores directly; anything else rehashes the flushed prefix
// from disk and, when a checkpoint exists to compare against, resets the
// segment entirely on mismatch.
func (e *Engine) restoreSegmentHash(d *downloader.Download, rec *manifest.Record, sr manifest.SegmentRecord, partPath string) error {
	log := logger.GetLogger("engine")
	algo := d.Options.HashAlgorithm

	trusted := rec.CleanlyPaused || !d.Options.VerifyOnResume
	if trusted && len(sr.HashState) > 0 && sr.BytesHashed == sr.DownloadedOffset {
		h, err := integrity.RestoreHasher(algo, sr.HashState, sr.BytesHashed)
		if err == nil {
			d.SetHasher(sr.Index, h)
			return nil
		}
		log.Warn().Int("segment", sr.Index).Err(err).Msg("checkpoint restore failed, rehashing")
	}

	// Untrusted shutdown: rebuild the accumulator from what is actually on
	// disk.
	h, err := integrity.RehashToCheckpoint(partPath, algo, sr.Start, sr.DownloadedOffset)
	if err != nil {
		// Unreadable prefix: give the range up rather than poison the file.
		log.Warn().Int("segment", sr.Index).Err(err).Msg("rehash failed, resetting segment")
		d.Segments.ResetProgress(sr.Index)
		d.DropHasher(sr.Index)
		return nil
	}

	if d.Options.VerifyOnResume && len(sr.HashState) > 0 && sr.BytesHashed == sr.DownloadedOffset {
		if persisted, err := integrity.RestoreHasher(algo, sr.HashState, sr.BytesHashed); err == nil {
			if persisted.Sum() != h.Sum() {
				log.Warn().Int("segment", sr.Index).Msg("disk bytes disagree with checkpoint, resetting segment")
				d.Segments.ResetProgress(sr.Index)
				d.DropHasher(sr.Index)
				return nil
			}
		}
	}

	d.SetHasher(sr.Index, h)
	return nil
}
