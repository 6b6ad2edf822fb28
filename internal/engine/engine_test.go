package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"v3ktor/internal/config"
	"v3ktor/internal/db"
	"v3ktor/internal/domain"
	"v3ktor/internal/migrate"
	"v3ktor/internal/repo"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Up(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	e.Events.Now = e.Now
	return e
}

func strp(s string) *string { return &s }

func intp(n int64) *int64 { return &n }

func TestCreateTaskDefaults(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, CreateTaskInput{Title: "write report"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Priority != "medium" || task.Status != "todo" || task.Origin != "v3ktor" {
		t.Fatalf("unexpected defaults: %+v", task)
	}
	if task.TaskID == "" {
		t.Fatal("expected generated task_id")
	}

	tasks, err := e.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != task.ID {
		t.Fatalf("expected created task in list, got %+v", tasks)
	}
}

func TestUpdateTaskByTaskID(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, CreateTaskInput{TaskID: "task-report", Title: "write report"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	updated, err := e.UpdateTask(ctx, "task-report", TaskPatch{Status: strp("in_progress")})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if updated.ID != task.ID || updated.Status != "in_progress" {
		t.Fatalf("unexpected update result: %+v", updated)
	}

	if _, err := e.UpdateTask(ctx, "task-missing", TaskPatch{Status: strp("done")}); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteTaskEmitsChange(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	task, err := e.CreateTask(ctx, CreateTaskInput{Title: "throwaway"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if err := e.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}

	changes, err := e.Repo.ChangesAfter(ctx, 0, 100, []domain.Collection{domain.CollectionTasks})
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected insert+delete changes, got %d", len(changes))
	}
	if changes[1].Kind != domain.ChangeDelete || changes[1].RowID != task.ID {
		t.Fatalf("unexpected delete change: %+v", changes[1])
	}
}

func TestUpdateStatusUpserts(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.GetStatus(ctx); err != repo.ErrNotFound {
		t.Fatalf("expected ErrNotFound before first update, got %v", err)
	}

	first, err := e.UpdateStatus(ctx, StatusPatch{OperationalState: strp("working"), CurrentTask: strp("indexing")})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if first.OperationalState != "working" {
		t.Fatalf("unexpected state: %+v", first)
	}

	second, err := e.UpdateStatus(ctx, StatusPatch{OperationalState: strp("idle")})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if second.ID != first.ID {
		t.Fatal("expected the singleton row to be reused")
	}
	if second.CurrentTask == nil || *second.CurrentTask != "indexing" {
		t.Fatalf("expected untouched fields to persist, got %+v", second)
	}

	changes, err := e.Repo.ChangesAfter(ctx, 0, 100, []domain.Collection{domain.CollectionStatus})
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(changes) != 2 || changes[0].Kind != domain.ChangeInsert || changes[1].Kind != domain.ChangeUpdate {
		t.Fatalf("unexpected status changes: %+v", changes)
	}
}

func TestNoteLifecycle(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	note, err := e.AddNote(ctx, "check the logs", nil)
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	if note.Status != "unseen" {
		t.Fatalf("new note status = %q, want unseen", note.Status)
	}

	seen, err := e.UpdateNote(ctx, note.ID, NotePatch{Status: strp("seen")})
	if err != nil {
		t.Fatalf("mark seen: %v", err)
	}
	if seen.ProcessedAt != nil {
		t.Fatal("seen note should not carry processed_at")
	}

	processed, err := e.UpdateNote(ctx, note.ID, NotePatch{Status: strp("processed"), RelatedTaskID: strp("task-report")})
	if err != nil {
		t.Fatalf("mark processed: %v", err)
	}
	if processed.ProcessedAt == nil {
		t.Fatal("processed note should carry processed_at")
	}
	if processed.RelatedTaskID == nil || *processed.RelatedTaskID != "task-report" {
		t.Fatalf("unexpected related task: %+v", processed)
	}
}

func TestLogTokenUsageEstimatesCost(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	usage, err := e.LogTokenUsage(ctx, LogTokenUsageInput{
		SessionID:    "sess-1",
		InputTokens:  intp(1000),
		OutputTokens: intp(2000),
		Model:        strp("zai/glm-4.7"),
	})
	if err != nil {
		t.Fatalf("log token usage: %v", err)
	}
	if usage.TokensUsed != 3000 {
		t.Fatalf("tokens_used = %d, want 3000", usage.TokensUsed)
	}
	if usage.EstimatedCost == nil || math.Abs(*usage.EstimatedCost-0.0035) > 1e-9 {
		t.Fatalf("estimated_cost = %v, want 0.0035", usage.EstimatedCost)
	}
}

func TestLogTokenUsageDefaultsModel(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	usage, err := e.LogTokenUsage(ctx, LogTokenUsageInput{SessionID: "sess-2", TokensUsed: 500})
	if err != nil {
		t.Fatalf("log token usage: %v", err)
	}
	if usage.Model == nil || *usage.Model != e.Config.Agent.DefaultModel {
		t.Fatalf("model = %v, want config default", usage.Model)
	}
	if usage.EstimatedCost != nil {
		t.Fatal("cost should not be estimated without input/output split")
	}
}

func TestSummaryWindows(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateTask(ctx, CreateTaskInput{Title: "a"}); err != nil {
		t.Fatalf("create task: %v", err)
	}
	if _, err := e.LogActivity(ctx, LogActivityInput{ActionType: "deploy"}); err != nil {
		t.Fatalf("log activity: %v", err)
	}
	if _, err := e.LogTokenUsage(ctx, LogTokenUsageInput{SessionID: "s", TokensUsed: 42}); err != nil {
		t.Fatalf("log tokens: %v", err)
	}

	sum, err := e.Summary(ctx, "day")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if sum.TasksCreated != 1 || sum.ActivityCount != 1 || sum.TokensUsed != 42 {
		t.Fatalf("unexpected summary: %+v", sum)
	}

	if _, err := e.Summary(ctx, "fortnight"); err == nil {
		t.Fatal("expected error for unknown window")
	}
}

func TestGoals(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	goal, err := e.CreateGoal(ctx, CreateGoalInput{Title: "ship dashboard"})
	if err != nil {
		t.Fatalf("create goal: %v", err)
	}
	if goal.Status != "active" {
		t.Fatalf("new goal status = %q, want active", goal.Status)
	}

	updated, err := e.UpdateGoal(ctx, goal.ID, GoalPatch{Status: strp("completed")})
	if err != nil {
		t.Fatalf("update goal: %v", err)
	}
	if updated.Status != "completed" {
		t.Fatalf("goal status = %q, want completed", updated.Status)
	}

	goals, err := e.ListGoals(ctx)
	if err != nil {
		t.Fatalf("list goals: %v", err)
	}
	if len(goals) != 1 {
		t.Fatalf("expected one goal, got %d", len(goals))
	}
}

func TestChangeCursorAdvances(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.AddNote(ctx, "one", nil); err != nil {
		t.Fatalf("add note: %v", err)
	}
	latest, err := e.Repo.LatestChangeID(ctx)
	if err != nil {
		t.Fatalf("latest change id: %v", err)
	}
	if latest == 0 {
		t.Fatal("expected nonzero cursor after a mutation")
	}

	if _, err := e.AddNote(ctx, "two", nil); err != nil {
		t.Fatalf("add note: %v", err)
	}
	changes, err := e.Repo.ChangesAfter(ctx, latest, 100, nil)
	if err != nil {
		t.Fatalf("changes after: %v", err)
	}
	if len(changes) != 1 || changes[0].Collection != domain.CollectionNotes {
		t.Fatalf("unexpected tail changes: %+v", changes)
	}
}
