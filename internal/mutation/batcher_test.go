package mutation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mopra/exit1.dev-sub001/internal/model"
)

// fakeStore records applied updates; onApply runs inside ApplyUpdates so
// tests can interleave staging with an in-flight flush.
type fakeStore struct {
	mu      sync.Mutex
	applied [][]model.MutationUpdate
	err     error
	onApply func()
}

func (s *fakeStore) ApplyUpdates(_ context.Context, updates []model.MutationUpdate) error {
	s.mu.Lock()
	s.applied = append(s.applied, updates)
	err := s.err
	cb := s.onApply
	s.mu.Unlock()
	if cb != nil {
		cb()
	}
	return err
}

func (s *fakeStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.applied)
}

func TestBatcher_StageCoalesces(t *testing.T) {
	store := &fakeStore{}
	b := NewBatcher(store, time.Hour)

	b.Stage("t1", map[string]any{model.FieldStatus: model.StatusOffline, model.FieldLastStatusCode: 503})
	b.Stage("t1", map[string]any{model.FieldStatus: model.StatusOnline})
	b.Stage("t2", map[string]any{model.FieldLastCheckedAtMs: int64(123)})

	if b.Len() != 2 {
		t.Fatalf("len = %d, want 2 targets", b.Len())
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.calls() != 1 {
		t.Fatalf("calls = %d", store.calls())
	}

	updates := store.applied[0]
	if len(updates) != 2 {
		t.Fatalf("updates = %d", len(updates))
	}
	for _, u := range updates {
		if u.TargetID == "t1" {
			// Later write wins per field; the untouched field survives.
			if u.Fields[model.FieldStatus] != model.StatusOnline {
				t.Errorf("status = %v", u.Fields[model.FieldStatus])
			}
			if u.Fields[model.FieldLastStatusCode] != 503 {
				t.Errorf("last status code = %v", u.Fields[model.FieldLastStatusCode])
			}
		}
	}
	if b.Len() != 0 {
		t.Fatalf("len = %d after flush", b.Len())
	}
}

func TestBatcher_FlushEmptyIsNoop(t *testing.T) {
	store := &fakeStore{}
	b := NewBatcher(store, time.Hour)
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if store.calls() != 0 {
		t.Fatal("empty flush should not hit the store")
	}
}

func TestBatcher_FailedFlushRemergesWithoutClobber(t *testing.T) {
	store := &fakeStore{err: errors.New("db locked")}
	b := NewBatcher(store, time.Hour)

	b.Stage("t1", map[string]any{
		model.FieldStatus:         model.StatusOffline,
		model.FieldLastStatusCode: 503,
	})

	// While the flush is in flight a newer status is staged; the failed
	// snapshot must not overwrite it on re-merge.
	store.onApply = func() {
		b.Stage("t1", map[string]any{model.FieldStatus: model.StatusOnline})
	}

	if err := b.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}

	status, ok := b.PendingStatus("t1")
	if !ok || status != model.StatusOnline {
		t.Fatalf("pending status = %v (%v), newer value lost", status, ok)
	}

	// The rest of the failed snapshot is restored for the next flush.
	store.err = nil
	store.onApply = nil
	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	fields := store.applied[1][0].Fields
	if fields[model.FieldLastStatusCode] != 503 {
		t.Fatalf("last status code lost on re-merge: %v", fields)
	}
	if fields[model.FieldStatus] != model.StatusOnline {
		t.Fatalf("status = %v", fields[model.FieldStatus])
	}
}

func TestBatcher_PendingStatus(t *testing.T) {
	b := NewBatcher(&fakeStore{}, time.Hour)

	if _, ok := b.PendingStatus("t1"); ok {
		t.Fatal("no staged update, no pending status")
	}

	b.Stage("t1", map[string]any{model.FieldLastCheckedAtMs: int64(1)})
	if _, ok := b.PendingStatus("t1"); ok {
		t.Fatal("staged update without status field")
	}

	b.Stage("t1", map[string]any{model.FieldStatus: model.StatusOffline})
	status, ok := b.PendingStatus("t1")
	if !ok || status != model.StatusOffline {
		t.Fatalf("got (%v, %v)", status, ok)
	}

	// Plain string values (e.g. re-merged from JSON) are accepted too.
	b.Stage("t2", map[string]any{model.FieldStatus: "online"})
	status, ok = b.PendingStatus("t2")
	if !ok || status != model.StatusOnline {
		t.Fatalf("got (%v, %v)", status, ok)
	}
}

func TestBatcher_StopFlushes(t *testing.T) {
	store := &fakeStore{}
	b := NewBatcher(store, time.Hour)
	b.Start()

	b.Stage("t1", map[string]any{model.FieldStatus: model.StatusOnline})
	b.Stop(context.Background())

	if store.calls() != 1 {
		t.Fatalf("calls = %d, final flush missing", store.calls())
	}
	if b.Len() != 0 {
		t.Fatalf("len = %d", b.Len())
	}
}
