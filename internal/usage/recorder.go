// Package usage records one billing/analytics fact per completed request.
// Recording is strictly fire-and-forget relative to the caller: a full queue
// or a failing usage store never alters the response the caller already
// earned. Writes are serialized through a single worker with its own
// retry/backoff, independent of the gate's concurrency discipline.
package usage

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"apigate/internal/models"
)

// Store is the append-only usage sink. The core requires no read contract.
type Store interface {
	AppendUsage(ctx context.Context, rec *models.UsageRecord) error
}

// Recorder buffers usage records on a bounded queue and appends them to the
// store from one writer goroutine. Enqueueing never blocks the request path;
// when the queue is full the record is dropped and counted.
type Recorder struct {
	store        Store
	log          *slog.Logger
	storeTimeout time.Duration
	maxElapsed   time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan *models.UsageRecord

	dropped atomic.Int64
	written atomic.Int64
	failed  atomic.Int64

	wg sync.WaitGroup
}

// NewRecorder creates a Recorder and starts its writer goroutine.
// storeTimeout bounds each append attempt; maxElapsed bounds the total
// retry budget per record.
func NewRecorder(store Store, queueSize int, storeTimeout, maxElapsed time.Duration, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{
		store:        store,
		log:          log,
		storeTimeout: storeTimeout,
		maxElapsed:   maxElapsed,
		queue:        make(chan *models.UsageRecord, queueSize),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// Record enqueues a usage fact. It never blocks and never returns an error:
// failure to record must not turn an admitted request into a failed one.
func (r *Recorder) Record(rec *models.UsageRecord) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.dropped.Add(1)
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.dropped.Add(1)
		r.log.Warn("usage queue full, dropping record",
			"credential_id", rec.CredentialID,
			"dropped_total", r.dropped.Load(),
		)
	}
}

// Close stops accepting records and drains the queue, waiting at most
// drainTimeout for the writer to finish.
func (r *Recorder) Close(drainTimeout time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		r.log.Warn("usage recorder drain timed out", "pending", len(r.queue))
	}
}

// QueueDepth reports the records currently awaiting the writer.
func (r *Recorder) QueueDepth() int { return len(r.queue) }

// Stats returns cumulative written, failed and dropped counts.
func (r *Recorder) Stats() (written, failed, dropped int64) {
	return r.written.Load(), r.failed.Load(), r.dropped.Load()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for rec := range r.queue {
		r.write(rec)
	}
}

// write appends one record with exponential backoff. Giving up is logged
// and counted, nothing more; the caller's response already went out.
func (r *Recorder) write(rec *models.UsageRecord) {
	_, err := backoff.Retry(context.Background(), func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.storeTimeout)
		defer cancel()
		return struct{}{}, r.store.AppendUsage(ctx, rec)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(r.maxElapsed),
	)
	if err != nil {
		r.failed.Add(1)
		r.log.Error("failed to append usage record",
			"credential_id", rec.CredentialID,
			"endpoint", rec.Endpoint,
			"error", err,
		)
		return
	}
	r.written.Add(1)
}
