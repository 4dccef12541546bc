package engine

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/Augani/stormdl/internal/bandwidth"
	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/config"
	"github.com/Augani/stormdl/internal/connection"
	"github.com/Augani/stormdl/internal/downloader"
	"github.com/Augani/stormdl/internal/errors"
	"github.com/Augani/stormdl/internal/logger"
	"github.com/Augani/stormdl/internal/manifest"
	"github.com/Augani/stormdl/internal/protocol"
)

var (
	// ErrDownloadNotFound is returned when a download cannot be found.
	ErrDownloadNotFound = errors.New("download not found")

	// ErrEngineNotRunning is returned when an operation requires the engine
	// to be running.
	ErrEngineNotRunning = errors.New("engine is not running")

	// ErrNotPaused is returned when resuming a download that is not paused.
	ErrNotPaused = errors.New("download is not paused")
)

const manifestDBName = "stormdl.db"

// Engine orchestrates downloads: it owns the manifest store, the connection
// pool, the protocol negotiator, the global rate limiter, and the lifecycle
// of every download aggregate. Callers drive it through commands
// (AddDownload, Pause, Resume, Cancel, SetBandwidthLimit) and observe it
// through the event channel.
type Engine struct {
	mu sync.RWMutex

	downloads  map[uuid.UUID]*downloader.Download
	config     *config.Config
	store      *manifest.Store
	pool       *connection.Pool
	negotiator *protocol.Negotiator
	limiter    *bandwidth.Limiter
	queue      *queueProcessor
	bus        *eventBus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running bool
}

// New creates an engine from the given configuration. Nil falls back to the
// built-in defaults.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		defaults := config.DefaultConfig()
		cfg = &defaults
	}

	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	pool := connection.NewPool(cfg.LegacyConnsPerHost, cfg.MuxConnsPerHost)

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		downloads:  make(map[uuid.UUID]*downloader.Download),
		config:     cfg,
		pool:       pool,
		negotiator: protocol.NewNegotiator(pool, cfg.ConnectTimeout),
		limiter:    bandwidth.NewLimiter(cfg.GlobalBandwidthLimit),
		bus:        newEventBus(256),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// runTask runs a function in a goroutine tracked by the engine WaitGroup.
func (e *Engine) runTask(task func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		task()
	}()
}

// Init opens the manifest store, loads persisted downloads, and starts the
// queue. Safe to call once.
func (e *Engine) Init() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}

	store, err := manifest.NewStore(filepath.Join(e.config.DataDir, manifestDBName))
	if err != nil {
		return fmt.Errorf("failed to open manifest store: %w", err)
	}
	e.store = store

	if err := e.loadManifests(); err != nil {
		return fmt.Errorf("failed to load manifests: %w", err)
	}

	e.queue = newQueueProcessor(e.config.MaxConcurrentDownloads, e.runDownload)
	e.queue.start(e.ctx)

	e.running = true
	return nil
}

// loadManifests rebuilds download aggregates for every persisted record.
// Previously active downloads come back paused: the process died under them,
// so their progress will be re-verified on resume.
func (e *Engine) loadManifests() error {
	records, err := e.store.FindAll()
	if err != nil {
		return err
	}
	log := logger.GetLogger("engine")

	for _, rec := range records {
		d, err := e.restoreDownload(rec)
		if err != nil {
			log.Warn().Str("id", rec.ID.String()).Err(err).Msg("could not restore download")
			continue
		}
		e.downloads[d.ID] = d
	}

	log.Info().Int("count", len(e.downloads)).Msg("loaded downloads from manifest store")
	return nil
}

// Events returns the engine notification channel.
func (e *Engine) Events() <-chan Event {
	return e.bus.events()
}

// AddDownload registers a new download and queues it. Options may be nil.
func (e *Engine) AddDownload(rawURL string, opts *config.Options) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return uuid.Nil, ErrEngineNotRunning
	}

	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || u.Scheme == "" {
		return uuid.Nil, fmt.Errorf("%w: %s", errors.ErrInvalidURL, rawURL)
	}

	if opts == nil {
		o := config.OptionsFrom(e.config)
		opts = &o
	}

	d := downloader.New(uuid.New(), rawURL, opts)
	e.downloads[d.ID] = d

	if err := e.store.Save(d.ToRecord(false)); err != nil {
		delete(e.downloads, d.ID)
		return uuid.Nil, err
	}

	e.bus.publish(Event{Type: EventAdded, DownloadID: d.ID, Status: common.StatusQueued})
	e.queue.enqueue(d, opts.Priority)

	return d.ID, nil
}

// GetDownload returns a download by ID.
func (e *Engine) GetDownload(id uuid.UUID) (*downloader.Download, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	d, ok := e.downloads[id]
	if !ok {
		return nil, ErrDownloadNotFound
	}
	return d, nil
}

// ListDownloads returns every known download.
func (e *Engine) ListDownloads() []*downloader.Download {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*downloader.Download, 0, len(e.downloads))
	for _, d := range e.downloads {
		out = append(out, d)
	}
	return out
}

// GlobalStats aggregates counters across every known download.
func (e *Engine) GlobalStats() common.GlobalStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	stats := common.GlobalStats{MaxConcurrent: e.config.MaxConcurrentDownloads}
	for _, d := range e.downloads {
		switch d.Status() {
		case common.StatusActive, common.StatusProbing:
			stats.ActiveDownloads++
		case common.StatusQueued:
			stats.QueuedDownloads++
		case common.StatusComplete:
			stats.CompletedDownloads++
		case common.StatusFailed:
			stats.FailedDownloads++
		case common.StatusPaused:
			stats.PausedDownloads++
		}
		if d.Segments != nil {
			stats.TotalDownloaded += d.Segments.Downloaded()
		}
		stats.CurrentSpeed += int64(d.Monitor.CurrentSpeed())
	}
	return stats
}

// Pause stops a download's workers, flushes buffers, and persists a
// trusted manifest snapshot.
func (e *Engine) Pause(id uuid.UUID) error {
	d, err := e.GetDownload(id)
	if err != nil {
		return err
	}

	switch d.Status() {
	case common.StatusActive, common.StatusProbing:
		d.Cancel() // workers notice, flush, and persist via the run loop
		return nil
	case common.StatusQueued:
		e.queue.remove(id)
		e.setStatusAndPersist(d, common.StatusPaused, true)
		return nil
	default:
		return nil
	}
}

// Resume requeues a paused download. Verification of persisted progress
// happens when the transfer restarts.
func (e *Engine) Resume(id uuid.UUID) error {
	d, err := e.GetDownload(id)
	if err != nil {
		return err
	}

	if d.Status() != common.StatusPaused && d.Status() != common.StatusFailed {
		return ErrNotPaused
	}

	d.SetStatus(common.StatusQueued)
	e.bus.publish(Event{Type: EventStateChange, DownloadID: id, Status: common.StatusQueued})
	e.queue.enqueue(d, d.Options.Priority)
	return nil
}

// Cancel stops a download. Without discard it behaves like Pause: the
// partial file and manifest stay on disk and the download can be resumed
// later. With discard the partial data and manifest are removed; for an
// active download the workers flush and exit first, then the run loop does
// the cleanup.
func (e *Engine) Cancel(id uuid.UUID, discard bool) error {
	if !discard {
		return e.Pause(id)
	}

	d, err := e.GetDownload(id)
	if err != nil {
		return err
	}

	status := d.Status()
	d.SetStatus(common.StatusCancelled)

	if status == common.StatusActive || status == common.StatusProbing {
		d.Cancel()
		return nil
	}

	e.queue.remove(id)
	e.cleanupCancelled(d)
	return nil
}

// SetBandwidthLimit adjusts the global rate cap in bytes/sec. Zero disables
// limiting entirely.
func (e *Engine) SetBandwidthLimit(bytesPerSec int64) {
	e.limiter.SetLimit(bytesPerSec)
	log := logger.GetLogger("engine")
	log.Info().Int64("limit", bytesPerSec).Msg("global bandwidth limit changed")
}

// Shutdown pauses every active download, waits for workers to flush, and
// closes the store. Manifests written here carry the trusted pause flag, so
// the next start resumes without rehashing.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	downloads := make([]*downloader.Download, 0, len(e.downloads))
	for _, d := range e.downloads {
		downloads = append(downloads, d)
	}
	e.mu.Unlock()

	for _, d := range downloads {
		if d.Status() == common.StatusActive || d.Status() == common.StatusProbing {
			d.Cancel()
		}
	}

	// Cancel the root context, then wait for every run loop to park its
	// download before the store goes away.
	e.cancel()
	e.queue.stop()
	e.wg.Wait()
	e.negotiator.Close()

	return e.store.Close()
}

// setStatusAndPersist transitions status, saves the manifest, and emits the
// state change.
func (e *Engine) setStatusAndPersist(d *downloader.Download, status common.Status, cleanlyPaused bool) {
	d.SetStatus(status)
	if err := e.store.Save(d.ToRecord(cleanlyPaused)); err != nil {
		log := logger.GetLogger("engine")
		log.Error().Err(err).Str("id", d.ID.String()).Msg("manifest save failed")
	}
	e.bus.publish(Event{Type: EventStateChange, DownloadID: d.ID, Status: status})
}
