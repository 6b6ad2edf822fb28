package feed

import (
	"encoding/json"
	"testing"

	"v3ktor/internal/domain"
)

func taskEvent(t *testing.T, kind domain.ChangeKind, task domain.Task) Event {
	t.Helper()
	payload, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return Event{Collection: domain.CollectionTasks, Kind: kind, RowID: task.ID, Payload: payload}
}

func noteEvent(t *testing.T, kind domain.ChangeKind, note domain.Note) Event {
	t.Helper()
	payload, err := json.Marshal(note)
	if err != nil {
		t.Fatalf("marshal note: %v", err)
	}
	return Event{Collection: domain.CollectionNotes, Kind: kind, RowID: note.ID, Payload: payload}
}

func TestTaskUpdateMovesRowToEnd(t *testing.T) {
	s := NewStore()
	s.ReplaceTasks([]domain.Task{
		{ID: "a", Title: "first"},
		{ID: "b", Title: "second"},
		{ID: "c", Title: "third"},
	})

	s.Apply(taskEvent(t, domain.ChangeUpdate, domain.Task{ID: "a", Title: "first, renamed"}))

	tasks := s.Tasks()
	if len(tasks) != 3 {
		t.Fatalf("len = %d, want 3", len(tasks))
	}
	if tasks[2].ID != "a" || tasks[2].Title != "first, renamed" {
		t.Fatalf("updated row should sit at the end, got %+v", tasks)
	}
}

func TestTaskInsertAppends(t *testing.T) {
	s := NewStore()
	s.ReplaceTasks([]domain.Task{{ID: "a"}})

	s.Apply(taskEvent(t, domain.ChangeInsert, domain.Task{ID: "b"}))

	tasks := s.Tasks()
	if len(tasks) != 2 || tasks[1].ID != "b" {
		t.Fatalf("insert should append, got %+v", tasks)
	}
}

func TestTaskDeleteIsIgnored(t *testing.T) {
	s := NewStore()
	s.ReplaceTasks([]domain.Task{{ID: "a"}})

	s.Apply(Event{Collection: domain.CollectionTasks, Kind: domain.ChangeDelete, RowID: "a", Payload: []byte(`{"id":"a"}`)})

	if tasks := s.Tasks(); len(tasks) != 1 {
		t.Fatalf("delete must not touch the mirror, got %+v", tasks)
	}
}

func TestNoteInsertPrependsAndUpdateKeepsPosition(t *testing.T) {
	s := NewStore()
	s.ReplaceNotes([]domain.Note{
		{ID: "n2", Content: "newer", Status: "unseen"},
		{ID: "n1", Content: "older", Status: "seen"},
	})

	s.Apply(noteEvent(t, domain.ChangeInsert, domain.Note{ID: "n3", Content: "newest", Status: "unseen"}))
	notes := s.Notes()
	if notes[0].ID != "n3" {
		t.Fatalf("insert should prepend, got %+v", notes)
	}

	s.Apply(noteEvent(t, domain.ChangeUpdate, domain.Note{ID: "n1", Content: "older", Status: "processed"}))
	notes = s.Notes()
	if notes[2].ID != "n1" || notes[2].Status != "processed" {
		t.Fatalf("update should replace in place, got %+v", notes)
	}
}

func TestNoteUpdateForUnknownRowIsDropped(t *testing.T) {
	s := NewStore()
	s.Apply(noteEvent(t, domain.ChangeUpdate, domain.Note{ID: "ghost", Status: "seen"}))
	if notes := s.Notes(); len(notes) != 0 {
		t.Fatalf("unknown update must not add rows, got %+v", notes)
	}
}

func TestAppendOnlyCollectionsPrependOnInsertOnly(t *testing.T) {
	s := NewStore()
	s.ReplaceActivity([]domain.ActivityLogEntry{{ID: "e1"}})

	payload, _ := json.Marshal(domain.ActivityLogEntry{ID: "e2", ActionType: "deploy"})
	s.Apply(Event{Collection: domain.CollectionActivityLog, Kind: domain.ChangeInsert, RowID: "e2", Payload: payload})
	if entries := s.Activity(); entries[0].ID != "e2" {
		t.Fatalf("insert should prepend, got %+v", entries)
	}

	s.Apply(Event{Collection: domain.CollectionActivityLog, Kind: domain.ChangeUpdate, RowID: "e2", Payload: payload})
	if entries := s.Activity(); len(entries) != 2 {
		t.Fatalf("updates must be ignored for activity, got %+v", entries)
	}
}

func TestStatusReplacesWholesale(t *testing.T) {
	s := NewStore()
	s.SetStatus(&domain.Status{ID: "s1", OperationalState: "idle"})

	payload, _ := json.Marshal(domain.Status{ID: "s1", OperationalState: "working"})
	s.Apply(Event{Collection: domain.CollectionStatus, Kind: domain.ChangeUpdate, RowID: "s1", Payload: payload})

	status := s.Status()
	if status == nil || status.OperationalState != "working" {
		t.Fatalf("status should be replaced, got %+v", status)
	}
}

func TestMalformedPayloadIsDropped(t *testing.T) {
	s := NewStore()
	s.Apply(Event{Collection: domain.CollectionTasks, Kind: domain.ChangeInsert, Payload: []byte(`{"id":`)})
	if tasks := s.Tasks(); len(tasks) != 0 {
		t.Fatalf("malformed payload must be dropped, got %+v", tasks)
	}
}
