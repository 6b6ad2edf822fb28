package feed

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"v3ktor/internal/domain"
)

type fakeSub struct {
	unsubscribes int32
}

func (f *fakeSub) Unsubscribe() {
	atomic.AddInt32(&f.unsubscribes, 1)
}

type fakeBackend struct {
	mu         sync.Mutex
	tasks      []domain.Task
	notes      []domain.Note
	status     *domain.Status
	provisions int
	subs       []*fakeSub
	handlers   map[domain.Collection]func(Event)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{handlers: make(map[domain.Collection]func(Event))}
}

func (b *fakeBackend) ListTasks(ctx context.Context) ([]domain.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Task(nil), b.tasks...), nil
}

func (b *fakeBackend) ListActivity(ctx context.Context) ([]domain.ActivityLogEntry, error) {
	return nil, nil
}

func (b *fakeBackend) ListNotes(ctx context.Context) ([]domain.Note, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Note(nil), b.notes...), nil
}

func (b *fakeBackend) ListDeliverables(ctx context.Context) ([]domain.Deliverable, error) {
	return nil, nil
}

func (b *fakeBackend) ListTokenUsage(ctx context.Context) ([]domain.TokenUsage, error) {
	return nil, nil
}

func (b *fakeBackend) GetStatus(ctx context.Context) (domain.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status == nil {
		return domain.Status{}, ErrStatusMissing
	}
	return *b.status, nil
}

func (b *fakeBackend) ProvisionStatus(ctx context.Context) (domain.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.provisions++
	created := domain.Status{ID: "s1", OperationalState: "idle", ActiveSubAgents: []domain.SubAgent{}}
	b.status = &created
	return created, nil
}

func (b *fakeBackend) Subscribe(ctx context.Context, collection domain.Collection, handler func(Event)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &fakeSub{}
	b.subs = append(b.subs, sub)
	b.handlers[collection] = handler
	return sub, nil
}

func TestStartLoadsSnapshotsAndProvisionsStatus(t *testing.T) {
	backend := newFakeBackend()
	backend.tasks = []domain.Task{{ID: "a", Title: "snapshot task"}}
	store := NewStore()
	r := NewReconciler(backend, store)
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	if tasks := store.Tasks(); len(tasks) != 1 || tasks[0].ID != "a" {
		t.Fatalf("snapshot not adopted: %+v", tasks)
	}
	if backend.provisions != 1 {
		t.Fatalf("provisions = %d, want 1", backend.provisions)
	}
	status := store.Status()
	if status == nil || status.OperationalState != "idle" {
		t.Fatalf("provisioned status not adopted: %+v", status)
	}
	for _, col := range domain.Collections {
		if r.State(col) != StateLive {
			t.Fatalf("collection %s not live after start", col)
		}
	}
}

func TestExistingStatusIsNotReprovisioned(t *testing.T) {
	backend := newFakeBackend()
	backend.status = &domain.Status{ID: "s0", OperationalState: "working"}
	r := NewReconciler(backend, NewStore())
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if backend.provisions != 0 {
		t.Fatalf("provisions = %d, want 0", backend.provisions)
	}
}

func TestStreamEventsReachTheStore(t *testing.T) {
	backend := newFakeBackend()
	store := NewStore()
	r := NewReconciler(backend, store)
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	backend.handlers[domain.CollectionTasks](Event{
		Collection: domain.CollectionTasks,
		Kind:       domain.ChangeInsert,
		RowID:      "b",
		Payload:    []byte(`{"id":"b","title":"streamed"}`),
	})

	if tasks := store.Tasks(); len(tasks) != 1 || tasks[0].ID != "b" {
		t.Fatalf("stream event not applied: %+v", tasks)
	}
}

func TestCloseUnsubscribesExactlyOnce(t *testing.T) {
	backend := newFakeBackend()
	r := NewReconciler(backend, NewStore())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	r.Close()
	r.Close()

	if len(backend.subs) != len(domain.Collections) {
		t.Fatalf("subs = %d, want %d", len(backend.subs), len(domain.Collections))
	}
	for i, sub := range backend.subs {
		if n := atomic.LoadInt32(&sub.unsubscribes); n != 1 {
			t.Fatalf("sub %d unsubscribed %d times, want 1", i, n)
		}
	}
}

func TestStoreIsFrozenAfterClose(t *testing.T) {
	backend := newFakeBackend()
	store := NewStore()
	r := NewReconciler(backend, store)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	handler := backend.handlers[domain.CollectionTasks]
	r.Close()

	handler(Event{
		Collection: domain.CollectionTasks,
		Kind:       domain.ChangeInsert,
		RowID:      "late",
		Payload:    []byte(`{"id":"late"}`),
	})
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if tasks := store.Tasks(); len(tasks) != 0 {
		t.Fatalf("closed store must not change, got %+v", tasks)
	}
}

func TestRefreshReplacesWholesale(t *testing.T) {
	backend := newFakeBackend()
	store := NewStore()
	r := NewReconciler(backend, store)
	defer r.Close()

	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Drift the mirror, then refresh against the backend truth.
	store.Apply(Event{
		Collection: domain.CollectionTasks,
		Kind:       domain.ChangeInsert,
		RowID:      "drift",
		Payload:    []byte(`{"id":"drift"}`),
	})
	backend.mu.Lock()
	backend.tasks = []domain.Task{{ID: "truth"}}
	backend.mu.Unlock()

	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	tasks := store.Tasks()
	if len(tasks) != 1 || tasks[0].ID != "truth" {
		t.Fatalf("refresh should replace wholesale, got %+v", tasks)
	}
}
