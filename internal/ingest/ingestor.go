// Package ingest writes finished channel records to the audit log in batches
// without blocking the request path.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"example.com/landingtrack/internal/domain"
)

// BatchWriter persists a batch of records, e.g. *postgres.Writer.
type BatchWriter interface {
	InsertBatch(ctx context.Context, recs []domain.EventRecord) (int64, error)
}

type Ingestor struct {
	queue        chan domain.EventRecord
	writer       BatchWriter
	batchMaxSize int
	batchMaxWait time.Duration
	logger       *slog.Logger
	done         chan struct{}
}

func NewIngestor(writer BatchWriter, queueMaxSize, batchMaxSize int, batchMaxWait time.Duration, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	if batchMaxSize <= 0 {
		batchMaxSize = 1
	}
	if batchMaxWait <= 0 {
		batchMaxWait = 50 * time.Millisecond
	}
	return &Ingestor{
		queue:        make(chan domain.EventRecord, queueMaxSize),
		writer:       writer,
		batchMaxSize: batchMaxSize,
		batchMaxWait: batchMaxWait,
		logger:       logger,
		done:         make(chan struct{}),
	}
}

// Start runs the flush loop until ctx is done; the last batch is flushed on
// the way out. Done is closed afterwards.
func (ig *Ingestor) Start(ctx context.Context) {
	go func() {
		defer close(ig.done)
		batch := make([]domain.EventRecord, 0, ig.batchMaxSize)
		t := time.NewTimer(ig.batchMaxWait)
		defer t.Stop()

		resetTimer := func() {
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
			t.Reset(ig.batchMaxWait)
		}

		flush := func(ctx context.Context) {
			if len(batch) == 0 {
				resetTimer()
				return
			}
			affected, err := ig.writer.InsertBatch(ctx, batch)
			if err != nil {
				ig.logger.Error("audit batch insert failed", "error", err, "dropped", len(batch))
			} else {
				ig.logger.Debug("audit batch inserted", "inserted", affected, "size", len(batch))
			}
			batch = batch[:0]
			resetTimer()
		}

		for {
			select {
			case <-ctx.Done():
				// drain what is already queued, then write it with a fresh deadline
				for {
					select {
					case rec := <-ig.queue:
						batch = append(batch, rec)
						continue
					default:
					}
					break
				}
				fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				flush(fctx)
				cancel()
				return
			case rec := <-ig.queue:
				batch = append(batch, rec)
				if len(batch) >= ig.batchMaxSize {
					flush(ctx)
				}
			case <-t.C:
				flush(ctx)
			}
		}
	}()
}

// Enqueue never blocks; it reports false when the queue is full.
func (ig *Ingestor) Enqueue(rec domain.EventRecord) bool {
	select {
	case ig.queue <- rec:
		return true
	default:
		return false
	}
}

// Done is closed when the flush loop has exited.
func (ig *Ingestor) Done() <-chan struct{} { return ig.done }
