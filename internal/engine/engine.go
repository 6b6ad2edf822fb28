package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"v3ktor/internal/config"
	"v3ktor/internal/domain"
	"v3ktor/internal/events"
	"v3ktor/internal/pricing"
	"v3ktor/internal/repo"
)

const defaultListLimit = 200

// Engine implements the agent-facing operations on top of the repo,
// emitting a change row for every mutation of a live collection.
type Engine struct {
	DB     *sql.DB
	Repo   *repo.Repo
	Events *events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) *Engine {
	return &Engine{
		DB:     db,
		Repo:   repo.New(db),
		Events: events.NewWriter(),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

func (e *Engine) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- reads ---

func (e *Engine) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx, defaultListLimit)
}

func (e *Engine) ListActivity(ctx context.Context) ([]domain.ActivityLogEntry, error) {
	return e.Repo.ListActivity(ctx, defaultListLimit)
}

func (e *Engine) ListNotes(ctx context.Context) ([]domain.Note, error) {
	return e.Repo.ListNotes(ctx, defaultListLimit)
}

func (e *Engine) ListDeliverables(ctx context.Context) ([]domain.Deliverable, error) {
	return e.Repo.ListDeliverables(ctx, defaultListLimit)
}

func (e *Engine) ListTokenUsage(ctx context.Context) ([]domain.TokenUsage, error) {
	return e.Repo.ListTokenUsage(ctx, defaultListLimit)
}

func (e *Engine) GetStatus(ctx context.Context) (domain.Status, error) {
	return e.Repo.GetStatus(ctx)
}

// --- activity ---

type LogActivityInput struct {
	ActionType string
	Actor      string
	Target     *string
	Outcome    *string
	Metadata   map[string]any
}

func (e *Engine) LogActivity(ctx context.Context, in LogActivityInput) (domain.ActivityLogEntry, error) {
	if in.ActionType == "" {
		return domain.ActivityLogEntry{}, fmt.Errorf("action_type is required")
	}
	actor := in.Actor
	if actor == "" {
		actor = e.Config.Agent.Name
	}
	entry := domain.ActivityLogEntry{
		ID:         uuid.NewString(),
		Timestamp:  e.now(),
		ActionType: in.ActionType,
		Actor:      actor,
		Target:     in.Target,
		Outcome:    in.Outcome,
		Metadata:   in.Metadata,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertActivity(ctx, tx, entry); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, domain.CollectionActivityLog, domain.ChangeInsert, entry.ID, entry)
	})
	if err != nil {
		return domain.ActivityLogEntry{}, err
	}
	return entry, nil
}

// --- status ---

// StatusPatch carries the fields to change; nil pointers leave the
// current value in place.
type StatusPatch struct {
	OperationalState *string
	CurrentTask      *string
	CurrentTaskID    *string
	ActiveSubAgents  []domain.SubAgent
	ActiveModel      *string
}

// UpdateStatus upserts the singleton status row. When no row exists yet
// one is created from the patch over idle defaults.
func (e *Engine) UpdateStatus(ctx context.Context, patch StatusPatch) (domain.Status, error) {
	current, err := e.Repo.GetStatus(ctx)
	switch {
	case err == nil:
		if patch.OperationalState != nil {
			current.OperationalState = *patch.OperationalState
		}
		if patch.CurrentTask != nil {
			current.CurrentTask = patch.CurrentTask
		}
		if patch.CurrentTaskID != nil {
			current.CurrentTaskID = patch.CurrentTaskID
		}
		if patch.ActiveSubAgents != nil {
			current.ActiveSubAgents = patch.ActiveSubAgents
		}
		if patch.ActiveModel != nil {
			current.ActiveModel = patch.ActiveModel
		}
		current.UpdatedAt = e.now()
		err = e.withTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.UpdateStatus(ctx, tx, current); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, domain.CollectionStatus, domain.ChangeUpdate, current.ID, current)
		})
		if err != nil {
			return domain.Status{}, err
		}
		return current, nil
	case err == repo.ErrNotFound:
		created := domain.Status{
			ID:               uuid.NewString(),
			OperationalState: "idle",
			ActiveSubAgents:  []domain.SubAgent{},
			UpdatedAt:        e.now(),
		}
		if patch.OperationalState != nil {
			created.OperationalState = *patch.OperationalState
		}
		created.CurrentTask = patch.CurrentTask
		created.CurrentTaskID = patch.CurrentTaskID
		if patch.ActiveSubAgents != nil {
			created.ActiveSubAgents = patch.ActiveSubAgents
		}
		created.ActiveModel = patch.ActiveModel
		err = e.withTx(ctx, func(tx *sql.Tx) error {
			if err := e.Repo.InsertStatus(ctx, tx, created); err != nil {
				return err
			}
			return e.Events.Append(ctx, tx, domain.CollectionStatus, domain.ChangeInsert, created.ID, created)
		})
		if err != nil {
			return domain.Status{}, err
		}
		return created, nil
	default:
		return domain.Status{}, err
	}
}

// --- tasks ---

type CreateTaskInput struct {
	TaskID      string
	Title       string
	Description string
	Priority    string
	Status      string
	Origin      string
}

func (e *Engine) CreateTask(ctx context.Context, in CreateTaskInput) (domain.Task, error) {
	if in.Title == "" {
		return domain.Task{}, fmt.Errorf("title is required")
	}
	taskID := in.TaskID
	if taskID == "" {
		taskID = "task-" + uuid.NewString()[:8]
	}
	now := e.now()
	task := domain.Task{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		Title:       in.Title,
		Description: in.Description,
		Priority:    in.Priority,
		Status:      in.Status,
		Origin:      in.Origin,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if task.Priority == "" {
		task.Priority = "medium"
	}
	if task.Status == "" {
		task.Status = "todo"
	}
	if task.Origin == "" {
		task.Origin = "v3ktor"
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, domain.CollectionTasks, domain.ChangeInsert, task.ID, task)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

type TaskPatch struct {
	Title       *string
	Description *string
	Priority    *string
	Status      *string
}

// UpdateTask patches a task addressed by its task_id, not its row id.
func (e *Engine) UpdateTask(ctx context.Context, taskID string, patch TaskPatch) (domain.Task, error) {
	task, err := e.Repo.GetTaskByTaskID(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if patch.Title != nil {
		task.Title = *patch.Title
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Priority != nil {
		task.Priority = *patch.Priority
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	task.UpdatedAt = e.now()
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, domain.CollectionTasks, domain.ChangeUpdate, task.ID, task)
	})
	if err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func (e *Engine) DeleteTask(ctx context.Context, id string) error {
	return e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.DeleteTask(ctx, tx, id); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, domain.CollectionTasks, domain.ChangeDelete, id, map[string]string{"id": id})
	})
}

// --- notes ---

func (e *Engine) AddNote(ctx context.Context, content string, relatedTaskID *string) (domain.Note, error) {
	if content == "" {
		return domain.Note{}, fmt.Errorf("content is required")
	}
	note := domain.Note{
		ID:            uuid.NewString(),
		Content:       content,
		Status:        "unseen",
		CreatedAt:     e.now(),
		RelatedTaskID: relatedTaskID,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertNote(ctx, tx, note); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, domain.CollectionNotes, domain.ChangeInsert, note.ID, note)
	})
	if err != nil {
		return domain.Note{}, err
	}
	return note, nil
}

type NotePatch struct {
	Status        *string
	RelatedTaskID *string
}

// UpdateNote patches a note. Moving to processed stamps processed_at;
// progression order is the caller's concern.
func (e *Engine) UpdateNote(ctx context.Context, id string, patch NotePatch) (domain.Note, error) {
	note, err := e.Repo.GetNote(ctx, id)
	if err != nil {
		return domain.Note{}, err
	}
	if patch.Status != nil {
		note.Status = *patch.Status
		if note.Status == "processed" && note.ProcessedAt == nil {
			ts := e.now()
			note.ProcessedAt = &ts
		}
	}
	if patch.RelatedTaskID != nil {
		note.RelatedTaskID = patch.RelatedTaskID
	}
	err = e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateNote(ctx, tx, note); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, domain.CollectionNotes, domain.ChangeUpdate, note.ID, note)
	})
	if err != nil {
		return domain.Note{}, err
	}
	return note, nil
}

// --- deliverables ---

type CreateDeliverableInput struct {
	Title         string
	Type          string
	FilePath      *string
	ExternalURL   *string
	RelatedTaskID *string
}

func (e *Engine) CreateDeliverable(ctx context.Context, in CreateDeliverableInput) (domain.Deliverable, error) {
	if in.Title == "" {
		return domain.Deliverable{}, fmt.Errorf("title is required")
	}
	if in.Type == "" {
		in.Type = "file"
	}
	d := domain.Deliverable{
		ID:            uuid.NewString(),
		Title:         in.Title,
		Type:          in.Type,
		FilePath:      in.FilePath,
		ExternalURL:   in.ExternalURL,
		CreatedAt:     e.now(),
		RelatedTaskID: in.RelatedTaskID,
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertDeliverable(ctx, tx, d); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, domain.CollectionDeliverables, domain.ChangeInsert, d.ID, d)
	})
	if err != nil {
		return domain.Deliverable{}, err
	}
	return d, nil
}

// --- token usage ---

type LogTokenUsageInput struct {
	SessionID    string
	TokensUsed   int64
	InputTokens  *int64
	OutputTokens *int64
	Model        *string
	ContextUsed  *int64
	ContextMax   *int64
}

// LogTokenUsage records one usage sample. When input and output counts
// are both present the USD cost is estimated from the configured model
// pricing, falling back to the built-in table for unlisted models.
func (e *Engine) LogTokenUsage(ctx context.Context, in LogTokenUsageInput) (domain.TokenUsage, error) {
	if in.SessionID == "" {
		return domain.TokenUsage{}, fmt.Errorf("session_id is required")
	}
	model := in.Model
	if model == nil && e.Config.Agent.DefaultModel != "" {
		m := e.Config.Agent.DefaultModel
		model = &m
	}
	usage := domain.TokenUsage{
		ID:           uuid.NewString(),
		SessionID:    in.SessionID,
		TokensUsed:   in.TokensUsed,
		InputTokens:  in.InputTokens,
		OutputTokens: in.OutputTokens,
		Model:        model,
		ContextUsed:  in.ContextUsed,
		ContextMax:   in.ContextMax,
		Timestamp:    e.now(),
	}
	if usage.TokensUsed == 0 && in.InputTokens != nil && in.OutputTokens != nil {
		usage.TokensUsed = *in.InputTokens + *in.OutputTokens
	}
	if in.InputTokens != nil && in.OutputTokens != nil && model != nil {
		cost := e.cost(*model, *in.InputTokens, *in.OutputTokens)
		usage.EstimatedCost = &cost
	}
	err := e.withTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertTokenUsage(ctx, tx, usage); err != nil {
			return err
		}
		return e.Events.Append(ctx, tx, domain.CollectionTokenUsage, domain.ChangeInsert, usage.ID, usage)
	})
	if err != nil {
		return domain.TokenUsage{}, err
	}
	return usage, nil
}

func (e *Engine) cost(model string, input, output int64) float64 {
	if p, ok := e.Config.Models[model]; ok {
		return pricing.Rate{InputPerMillion: p.InputPerMillion, OutputPerMillion: p.OutputPerMillion}.Price(input, output)
	}
	return pricing.Cost(model, input, output)
}

// --- goals ---

type CreateGoalInput struct {
	Title       string
	Description string
	TargetDate  *string
}

func (e *Engine) CreateGoal(ctx context.Context, in CreateGoalInput) (domain.Goal, error) {
	if in.Title == "" {
		return domain.Goal{}, fmt.Errorf("title is required")
	}
	now := e.now()
	g := domain.Goal{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		Status:      "active",
		TargetDate:  in.TargetDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertGoal(ctx, g); err != nil {
		return domain.Goal{}, err
	}
	return g, nil
}

type GoalPatch struct {
	Title       *string
	Description *string
	Status      *string
	TargetDate  *string
}

func (e *Engine) UpdateGoal(ctx context.Context, id string, patch GoalPatch) (domain.Goal, error) {
	g, err := e.Repo.GetGoal(ctx, id)
	if err != nil {
		return domain.Goal{}, err
	}
	if patch.Title != nil {
		g.Title = *patch.Title
	}
	if patch.Description != nil {
		g.Description = *patch.Description
	}
	if patch.Status != nil {
		g.Status = *patch.Status
	}
	if patch.TargetDate != nil {
		g.TargetDate = patch.TargetDate
	}
	g.UpdatedAt = e.now()
	if err := e.Repo.UpdateGoal(ctx, g); err != nil {
		return domain.Goal{}, err
	}
	return g, nil
}

func (e *Engine) ListGoals(ctx context.Context) ([]domain.Goal, error) {
	return e.Repo.ListGoals(ctx, defaultListLimit)
}

// --- summary ---

// Summary aggregates the trailing day, week or month of activity.
func (e *Engine) Summary(ctx context.Context, window string) (domain.Summary, error) {
	var span time.Duration
	switch window {
	case "day":
		span = 24 * time.Hour
	case "week":
		span = 7 * 24 * time.Hour
	case "month":
		span = 30 * 24 * time.Hour
	default:
		return domain.Summary{}, fmt.Errorf("unknown window %q", window)
	}
	until := e.Now().UTC()
	since := until.Add(-span)
	s, err := e.Repo.Summarize(ctx, since.Format(time.RFC3339), until.Format(time.RFC3339))
	if err != nil {
		return domain.Summary{}, err
	}
	s.Window = window
	return s, nil
}
