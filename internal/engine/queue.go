package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/downloader"
)

// prioritizedDownload pairs a queued download with its scheduling priority.
type prioritizedDownload struct {
	download *downloader.Download
	priority common.Priority
	sequence int64
}

// queueProcessor admits queued downloads into the bounded set of active
// slots, highest priority first, FIFO within a priority.
type queueProcessor struct {
	maxConcurrent int

	queued  []*prioritizedDownload
	active  map[uuid.UUID]struct{}
	nextSeq int64

	startFn func(context.Context, *downloader.Download)

	completionCh chan uuid.UUID

	ctx  context.Context
	done chan struct{}
	wg   sync.WaitGroup
	mu   sync.Mutex
}

func newQueueProcessor(maxConcurrent int, startFn func(context.Context, *downloader.Download)) *queueProcessor {
	return &queueProcessor{
		maxConcurrent: maxConcurrent,
		active:        make(map[uuid.UUID]struct{}),
		startFn:       startFn,
		completionCh:  make(chan uuid.UUID, 10),
		done:          make(chan struct{}),
	}
}

// start begins queue processing.
func (q *queueProcessor) start(ctx context.Context) {
	q.ctx = ctx
	go q.loop()
}

// stop ends queue processing and waits for every started download's run
// loop to return, so callers can tear down shared state afterwards.
func (q *queueProcessor) stop() {
	close(q.done)
	q.wg.Wait()
}

func (q *queueProcessor) loop() {
	for {
		select {
		case id := <-q.completionCh:
			q.mu.Lock()
			delete(q.active, id)
			q.fillSlots()
			q.mu.Unlock()
		case <-q.ctx.Done():
			return
		case <-q.done:
			return
		}
	}
}

// enqueue adds a download and starts it immediately if a slot is free.
func (q *queueProcessor) enqueue(d *downloader.Download, priority common.Priority) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.queued = append(q.queued, &prioritizedDownload{
		download: d,
		priority: priority,
		sequence: q.nextSeq,
	})
	q.nextSeq++

	sort.SliceStable(q.queued, func(i, j int) bool {
		if q.queued[i].priority != q.queued[j].priority {
			return q.queued[i].priority < q.queued[j].priority // Critical is lowest value
		}
		return q.queued[i].sequence < q.queued[j].sequence
	})

	q.fillSlots()
}

// remove drops a download from the queue without starting it.
func (q *queueProcessor) remove(id uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, pd := range q.queued {
		if pd.download.ID == id {
			q.queued = append(q.queued[:i], q.queued[i+1:]...)
			break
		}
	}
}

// notifyCompletion frees the download's slot so the next queued one starts.
func (q *queueProcessor) notifyCompletion(id uuid.UUID) {
	select {
	case q.completionCh <- id:
	case <-q.done:
	}
}

func (q *queueProcessor) fillSlots() {
	for len(q.active) < q.maxConcurrent && len(q.queued) > 0 {
		pd := q.queued[0]
		q.queued = q.queued[1:]
		q.active[pd.download.ID] = struct{}{}

		d := pd.download
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.startFn(q.ctx, d)
		}()
	}
}
