package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"example.com/landingtrack/internal/domain"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]domain.EventRecord
	err     error
}

func (f *fakeWriter) InsertBatch(_ context.Context, recs []domain.EventRecord) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]domain.EventRecord(nil), recs...))
	return int64(len(recs)), f.err
}

func (f *fakeWriter) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.batches {
		n += len(b)
	}
	return n
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestFlushOnBatchSize(t *testing.T) {
	w := &fakeWriter{}
	ig := NewIngestor(w, 10, 2, time.Hour, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ig.Start(ctx)

	ig.Enqueue(domain.EventRecord{EventID: "a"})
	ig.Enqueue(domain.EventRecord{EventID: "b"})
	deadline := time.Now().Add(2 * time.Second)
	for w.total() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("batch not flushed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFlushOnShutdown(t *testing.T) {
	w := &fakeWriter{}
	ig := NewIngestor(w, 10, 100, time.Hour, quiet)
	ctx, cancel := context.WithCancel(context.Background())
	for _, id := range []string{"a", "b", "c"} {
		ig.Enqueue(domain.EventRecord{EventID: id})
	}
	ig.Start(ctx)
	cancel()
	select {
	case <-ig.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("ingestor did not stop")
	}
	if w.total() != 3 {
		t.Fatalf("flushed %d records", w.total())
	}
}

func TestEnqueueFullQueue(t *testing.T) {
	ig := NewIngestor(&fakeWriter{err: errors.New("down")}, 1, 1, time.Hour, quiet)
	if !ig.Enqueue(domain.EventRecord{EventID: "a"}) {
		t.Fatal("first enqueue must succeed")
	}
	if ig.Enqueue(domain.EventRecord{EventID: "b"}) {
		t.Fatal("full queue must reject")
	}
}
