package feed

import (
	"context"
	"errors"
	"log"
	"sync"

	"v3ktor/internal/domain"
)

// ErrStatusMissing is returned by a Backend when no status row exists.
var ErrStatusMissing = errors.New("status missing")

// Subscription is one live collection stream.
type Subscription interface {
	Unsubscribe()
}

// Backend is what the reconciler needs from the API client.
type Backend interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	ListActivity(ctx context.Context) ([]domain.ActivityLogEntry, error)
	ListNotes(ctx context.Context) ([]domain.Note, error)
	ListDeliverables(ctx context.Context) ([]domain.Deliverable, error)
	ListTokenUsage(ctx context.Context) ([]domain.TokenUsage, error)
	GetStatus(ctx context.Context) (domain.Status, error)
	ProvisionStatus(ctx context.Context) (domain.Status, error)
	Subscribe(ctx context.Context, collection domain.Collection, handler func(Event)) (Subscription, error)
}

// State is the lifecycle of one mirrored collection.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateLive
)

// Reconciler owns the store lifecycle: it opens one subscription per
// collection, loads the initial snapshots, and folds stream events in.
type Reconciler struct {
	Backend Backend
	Store   *Store
	Logger  *log.Logger

	mu     sync.Mutex
	closed bool
	subs   []Subscription
	states map[domain.Collection]State

	closeOnce sync.Once
}

func NewReconciler(backend Backend, store *Store) *Reconciler {
	states := make(map[domain.Collection]State, len(domain.Collections))
	for _, col := range domain.Collections {
		states[col] = StateUninitialized
	}
	return &Reconciler{
		Backend: backend,
		Store:   store,
		Logger:  log.Default(),
		states:  states,
	}
}

// Start opens the subscriptions and loads the initial snapshots. It
// returns once every collection has been fetched; stream events keep
// flowing until Close.
func (r *Reconciler) Start(ctx context.Context) error {
	for _, col := range domain.Collections {
		col := col
		r.setState(col, StateLoading)
		sub, err := r.Backend.Subscribe(ctx, col, func(ev Event) {
			r.mu.Lock()
			closed := r.closed
			r.mu.Unlock()
			if closed {
				return
			}
			r.Store.Apply(ev)
		})
		if err != nil {
			r.Close()
			return err
		}
		r.mu.Lock()
		r.subs = append(r.subs, sub)
		r.mu.Unlock()
	}

	var wg sync.WaitGroup
	for _, col := range domain.Collections {
		col := col
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.fetch(ctx, col); err != nil {
				r.Logger.Printf("feed: snapshot %s: %v", col, err)
				return
			}
			r.setState(col, StateLive)
		}()
	}
	wg.Wait()
	return nil
}

// Refresh replaces every collection from fresh snapshots.
func (r *Reconciler) Refresh(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make([]error, len(domain.Collections))
	for i, col := range domain.Collections {
		i, col := i, col
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.fetch(ctx, col)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// fetch loads one collection snapshot into the store. Late results
// after Close are discarded.
func (r *Reconciler) fetch(ctx context.Context, col domain.Collection) error {
	switch col {
	case domain.CollectionTasks:
		tasks, err := r.Backend.ListTasks(ctx)
		if err != nil {
			return err
		}
		return r.replace(func() { r.Store.ReplaceTasks(tasks) })
	case domain.CollectionActivityLog:
		entries, err := r.Backend.ListActivity(ctx)
		if err != nil {
			return err
		}
		return r.replace(func() { r.Store.ReplaceActivity(entries) })
	case domain.CollectionNotes:
		notes, err := r.Backend.ListNotes(ctx)
		if err != nil {
			return err
		}
		return r.replace(func() { r.Store.ReplaceNotes(notes) })
	case domain.CollectionDeliverables:
		items, err := r.Backend.ListDeliverables(ctx)
		if err != nil {
			return err
		}
		return r.replace(func() { r.Store.ReplaceDeliverables(items) })
	case domain.CollectionTokenUsage:
		usage, err := r.Backend.ListTokenUsage(ctx)
		if err != nil {
			return err
		}
		return r.replace(func() { r.Store.ReplaceTokenUsage(usage) })
	case domain.CollectionStatus:
		return r.fetchStatus(ctx)
	}
	return nil
}

// fetchStatus adopts the singleton row, provisioning an idle one the
// first time no row exists yet. A failed provision leaves the mirror
// empty rather than failing the whole feed.
func (r *Reconciler) fetchStatus(ctx context.Context) error {
	status, err := r.Backend.GetStatus(ctx)
	if errors.Is(err, ErrStatusMissing) {
		status, err = r.Backend.ProvisionStatus(ctx)
		if err != nil {
			r.Logger.Printf("feed: provision status: %v", err)
			return r.replace(func() { r.Store.SetStatus(nil) })
		}
	} else if err != nil {
		return err
	}
	return r.replace(func() { r.Store.SetStatus(&status) })
}

// replace runs a store mutation unless the reconciler is closed.
func (r *Reconciler) replace(fn func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	fn()
	return nil
}

func (r *Reconciler) setState(col domain.Collection, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.states[col] = state
}

// State reports the lifecycle of one collection.
func (r *Reconciler) State(col domain.Collection) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[col]
}

// Close tears the feed down. Each subscription is unsubscribed exactly
// once and later snapshot results no longer touch the store.
func (r *Reconciler) Close() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		subs := r.subs
		r.subs = nil
		r.mu.Unlock()
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	})
}
