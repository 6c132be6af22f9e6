package audit

import (
	"context"
	"errors"
	"sync"
	"testing"

	"brickline/api/internal/store"
)

type fakeSink struct {
	mu      sync.Mutex
	entries []store.AuditEntry
	err     error
}

func (f *fakeSink) InsertAudit(_ context.Context, entry store.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func TestRecorderWritesEntries(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink)

	r.Record(context.Background(), store.AuditEntry{ActionType: "CREATE", TableName: "properties"})
	r.Record(context.Background(), store.AuditEntry{ActionType: "UPDATE", TableName: "leases"})
	r.Close()

	if sink.count() != 2 {
		t.Fatalf("expected 2 entries written, got %d", sink.count())
	}
}

func TestRecorderSwallowsSinkErrors(t *testing.T) {
	sink := &fakeSink{err: errors.New("db down")}
	r := NewRecorder(sink)

	// Must not panic or block.
	r.Record(context.Background(), store.AuditEntry{ActionType: "DELETE", TableName: "properties"})
	r.Close()

	if sink.count() != 0 {
		t.Fatalf("expected no entries, got %d", sink.count())
	}
}
