package audit

import (
	"context"
	"sync"
	"testing"

	"github.com/quillgate/quillgate/model"
)

func TestMemStore_Append_assignsSequence(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		evt, err := store.Append(ctx, model.AuditEvent{
			EntityID: "req-1",
			Action:   model.AuditStateChanged,
			ActorID:  "user-1",
		})
		if err != nil {
			t.Fatalf("Append error: %v", err)
		}
		if evt.Sequence != int64(i) {
			t.Errorf("Sequence = %d, want %d", evt.Sequence, i)
		}
		if evt.ID == "" {
			t.Error("expected assigned ID")
		}
		if evt.Timestamp.IsZero() {
			t.Error("expected assigned timestamp")
		}
	}
}

func TestMemStore_sequencesPerEntity(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	_, _ = store.Append(ctx, model.AuditEvent{EntityID: "req-1", Action: "a"})
	evt, _ := store.Append(ctx, model.AuditEvent{EntityID: "req-2", Action: "a"})
	if evt.Sequence != 1 {
		t.Errorf("req-2 first sequence = %d, want 1", evt.Sequence)
	}
}

func TestMemStore_History_ordered(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	actions := []string{"request_created", "state_changed", "instance_completed"}
	for _, a := range actions {
		_, _ = store.Append(ctx, model.AuditEvent{EntityID: "req-1", Action: a})
	}

	events, err := store.History(ctx, "req-1")
	if err != nil {
		t.Fatalf("History error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("len = %d, want 3", len(events))
	}
	for i, evt := range events {
		if evt.Sequence != int64(i+1) {
			t.Errorf("events[%d].Sequence = %d, want %d", i, evt.Sequence, i+1)
		}
		if evt.Action != actions[i] {
			t.Errorf("events[%d].Action = %q, want %q", i, evt.Action, actions[i])
		}
	}
}

// Sequence numbers must stay gapless and strictly increasing under
// concurrent writers to the same entity.
func TestMemStore_concurrentAppends_gapless(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	const writers = 50
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func() {
			defer wg.Done()
			_, _ = store.Append(ctx, model.AuditEvent{EntityID: "req-1", Action: "state_changed"})
		}()
	}
	wg.Wait()

	events, _ := store.History(ctx, "req-1")
	if len(events) != writers {
		t.Fatalf("len = %d, want %d", len(events), writers)
	}
	seen := make(map[int64]bool, writers)
	for _, evt := range events {
		if evt.Sequence < 1 || evt.Sequence > writers {
			t.Errorf("sequence %d out of range", evt.Sequence)
		}
		if seen[evt.Sequence] {
			t.Errorf("duplicate sequence %d", evt.Sequence)
		}
		seen[evt.Sequence] = true
	}
}
