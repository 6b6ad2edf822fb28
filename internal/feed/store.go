// Package feed keeps a live in-memory mirror of the backend
// collections, reconciled from snapshot fetches and the change stream.
package feed

import (
	"encoding/json"
	"sync"

	"v3ktor/internal/domain"
)

// Event is one change applied to the store. Payload is the full row
// after the mutation.
type Event struct {
	Collection domain.Collection
	Kind       domain.ChangeKind
	RowID      string
	Payload    json.RawMessage
}

// Store holds the mirrored collections behind one lock. Apply and the
// Replace methods mutate it; accessors hand out copies.
type Store struct {
	mu           sync.RWMutex
	tasks        []domain.Task
	activity     []domain.ActivityLogEntry
	notes        []domain.Note
	deliverables []domain.Deliverable
	tokenUsage   []domain.TokenUsage
	status       *domain.Status
}

func NewStore() *Store {
	return &Store{}
}

// Apply folds one change event into the store. Unknown collections and
// undecodable payloads are dropped silently; the next snapshot refresh
// repairs any drift.
func (s *Store) Apply(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch ev.Collection {
	case domain.CollectionTasks:
		// Deletes are not mirrored; a manual refresh picks them up.
		if ev.Kind == domain.ChangeDelete {
			return
		}
		var task domain.Task
		if json.Unmarshal(ev.Payload, &task) != nil {
			return
		}
		// Last write wins and the row moves to the end.
		kept := s.tasks[:0]
		for _, t := range s.tasks {
			if t.ID != task.ID {
				kept = append(kept, t)
			}
		}
		s.tasks = append(kept, task)

	case domain.CollectionActivityLog:
		if ev.Kind != domain.ChangeInsert {
			return
		}
		var entry domain.ActivityLogEntry
		if json.Unmarshal(ev.Payload, &entry) != nil {
			return
		}
		s.activity = append([]domain.ActivityLogEntry{entry}, s.activity...)

	case domain.CollectionNotes:
		var note domain.Note
		if json.Unmarshal(ev.Payload, &note) != nil {
			return
		}
		switch ev.Kind {
		case domain.ChangeInsert:
			s.notes = append([]domain.Note{note}, s.notes...)
		case domain.ChangeUpdate:
			// Replace in place; position is preserved.
			for i := range s.notes {
				if s.notes[i].ID == note.ID {
					s.notes[i] = note
					break
				}
			}
		}

	case domain.CollectionDeliverables:
		if ev.Kind != domain.ChangeInsert {
			return
		}
		var d domain.Deliverable
		if json.Unmarshal(ev.Payload, &d) != nil {
			return
		}
		s.deliverables = append([]domain.Deliverable{d}, s.deliverables...)

	case domain.CollectionStatus:
		if ev.Kind == domain.ChangeDelete {
			return
		}
		var status domain.Status
		if json.Unmarshal(ev.Payload, &status) != nil {
			return
		}
		s.status = &status

	case domain.CollectionTokenUsage:
		if ev.Kind != domain.ChangeInsert {
			return
		}
		var usage domain.TokenUsage
		if json.Unmarshal(ev.Payload, &usage) != nil {
			return
		}
		s.tokenUsage = append([]domain.TokenUsage{usage}, s.tokenUsage...)
	}
}

// --- snapshot replacement ---

func (s *Store) ReplaceTasks(tasks []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append([]domain.Task(nil), tasks...)
}

func (s *Store) ReplaceActivity(entries []domain.ActivityLogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append([]domain.ActivityLogEntry(nil), entries...)
}

func (s *Store) ReplaceNotes(notes []domain.Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes = append([]domain.Note(nil), notes...)
}

func (s *Store) ReplaceDeliverables(items []domain.Deliverable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverables = append([]domain.Deliverable(nil), items...)
}

func (s *Store) ReplaceTokenUsage(usage []domain.TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenUsage = append([]domain.TokenUsage(nil), usage...)
}

func (s *Store) SetStatus(status *domain.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == nil {
		s.status = nil
		return
	}
	copied := *status
	s.status = &copied
}

// --- accessors ---

func (s *Store) Tasks() []domain.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Task(nil), s.tasks...)
}

func (s *Store) Activity() []domain.ActivityLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.ActivityLogEntry(nil), s.activity...)
}

func (s *Store) Notes() []domain.Note {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Note(nil), s.notes...)
}

func (s *Store) Deliverables() []domain.Deliverable {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Deliverable(nil), s.deliverables...)
}

func (s *Store) TokenUsage() []domain.TokenUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.TokenUsage(nil), s.tokenUsage...)
}

func (s *Store) Status() *domain.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == nil {
		return nil
	}
	copied := *s.status
	return &copied
}
