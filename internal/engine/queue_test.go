package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Augani/stormdl/internal/common"
	"github.com/Augani/stormdl/internal/config"
	"github.com/Augani/stormdl/internal/downloader"
)

func testDownload() *downloader.Download {
	opts := config.OptionsFrom(&config.Config{DownloadDir: "/tmp"})
	return downloader.New(uuid.New(), "https://example.com/f", &opts)
}

func TestQueueProcessorPriorityAndBlocking(t *testing.T) {
	startCh := make(chan uuid.UUID, 10)

	var mu sync.Mutex
	release := make(map[uuid.UUID]chan struct{})

	startFn := func(_ context.Context, d *downloader.Download) {
		mu.Lock()
		done := make(chan struct{})
		release[d.ID] = done
		mu.Unlock()
		startCh <- d.ID
		<-done
	}

	qp := newQueueProcessor(1, startFn)
	qp.start(context.Background())
	defer qp.stop()

	low := testDownload()
	qp.enqueue(low, common.PriorityLow)

	var first uuid.UUID
	select {
	case first = <-startCh:
		if first != low.ID {
			t.Fatalf("first started = %v, want %v", first, low.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("first download did not start")
	}

	high := testDownload()
	qp.enqueue(high, common.PriorityCritical)

	select {
	case id := <-startCh:
		t.Fatalf("download %v started beyond the concurrency limit", id)
	case <-time.After(50 * time.Millisecond):
	}

	mu.Lock()
	close(release[first])
	mu.Unlock()
	qp.notifyCompletion(first)

	select {
	case second := <-startCh:
		if second != high.ID {
			t.Fatalf("second started = %v, want high priority %v", second, high.ID)
		}
		mu.Lock()
		close(release[second])
		mu.Unlock()
	case <-time.After(time.Second):
		t.Fatal("second download did not start after slot freed")
	}
}

func TestQueueProcessorOrdersByPriority(t *testing.T) {
	startCh := make(chan uuid.UUID, 10)
	block := make(chan struct{})

	startFn := func(_ context.Context, d *downloader.Download) {
		startCh <- d.ID
		<-block
	}

	qp := newQueueProcessor(1, startFn)
	qp.start(context.Background())
	defer qp.stop()
	defer close(block)

	hold := testDownload()
	qp.enqueue(hold, common.PriorityNormal)
	<-startCh // occupy the only slot

	background := testDownload()
	normal := testDownload()
	critical := testDownload()
	qp.enqueue(background, common.PriorityBackground)
	qp.enqueue(normal, common.PriorityNormal)
	qp.enqueue(critical, common.PriorityCritical)

	qp.notifyCompletion(hold.ID)
	select {
	case id := <-startCh:
		if id != critical.ID {
			t.Fatalf("started %v, want critical %v", id, critical.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("no download started")
	}
}

func TestQueueProcessorRemove(t *testing.T) {
	startCh := make(chan uuid.UUID, 10)
	block := make(chan struct{})

	startFn := func(_ context.Context, d *downloader.Download) {
		startCh <- d.ID
		<-block
	}

	qp := newQueueProcessor(1, startFn)
	qp.start(context.Background())
	defer qp.stop()
	defer close(block) // unblock workers before stop waits on them

	hold := testDownload()
	qp.enqueue(hold, common.PriorityNormal)
	<-startCh

	removed := testDownload()
	qp.enqueue(removed, common.PriorityNormal)
	qp.remove(removed.ID)

	qp.notifyCompletion(hold.ID)
	select {
	case id := <-startCh:
		t.Fatalf("removed download %v started", id)
	case <-time.After(100 * time.Millisecond):
	}
}
