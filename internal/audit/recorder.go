// Package audit appends best-effort trail records. A failed write is
// logged and dropped; it never blocks or fails the operation being
// audited.
package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"brickline/api/internal/store"
)

type Sink interface {
	InsertAudit(ctx context.Context, entry store.AuditEntry) error
}

type Recorder struct {
	sink    Sink
	queue   chan store.AuditEntry
	wg      sync.WaitGroup
	timeout time.Duration

	closeOnce sync.Once
}

// NewRecorder starts a single background writer draining a bounded
// queue. When the queue is full the entry is dropped with a log line;
// audit pressure must not slow request handling.
func NewRecorder(sink Sink) *Recorder {
	r := &Recorder{
		sink:    sink,
		queue:   make(chan store.AuditEntry, 256),
		timeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go r.drain()
	return r
}

func (r *Recorder) drain() {
	defer r.wg.Done()
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.sink.InsertAudit(ctx, entry); err != nil {
			log.Printf("audit: write failed (action=%s table=%s): %v", entry.ActionType, entry.TableName, err)
		}
		cancel()
	}
}

// Record enqueues one entry. The passed context is not used for the
// write itself; the entry outlives the request that produced it.
func (r *Recorder) Record(_ context.Context, entry store.AuditEntry) {
	select {
	case r.queue <- entry:
	default:
		log.Printf("audit: queue full, dropping entry (action=%s table=%s)", entry.ActionType, entry.TableName)
	}
}

// Close flushes the queue. Used at shutdown and in tests.
func (r *Recorder) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
	})
	r.wg.Wait()
}
