package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"v3ktor/internal/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Repo wraps all SQL access. Mutations that must emit a change row take
// an explicit *sql.Tx so the caller can commit row and change together.
type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

// nullable maps an optional string to its SQL value.
func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func intPtr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func floatPtr(nf sql.NullFloat64) *float64 {
	if !nf.Valid {
		return nil
	}
	v := nf.Float64
	return &v
}

// --- tasks ---

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.TaskID, &t.Title, &t.Description, &t.Priority, &t.Status, &t.Origin, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

const taskColumns = "id, task_id, title, description, priority, status, origin, created_at, updated_at"

func (r *Repo) ListTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

// GetTaskByTaskID looks a task up by its human-facing task_id.
func (r *Repo) GetTaskByTaskID(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := scanTask(r.DB.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, taskID))
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TaskID, t.Title, t.Description, t.Priority, t.Status, t.Origin, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET title = ?, description = ?, priority = ?, status = ?, origin = ?, updated_at = ? WHERE id = ?`,
		t.Title, t.Description, t.Priority, t.Status, t.Origin, t.UpdatedAt, t.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) DeleteTask(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- activity_log ---

func (r *Repo) ListActivity(ctx context.Context, limit int) ([]domain.ActivityLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, timestamp, action_type, actor, target, outcome, metadata_json
		 FROM activity_log ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()
	entries := []domain.ActivityLogEntry{}
	for rows.Next() {
		var e domain.ActivityLogEntry
		var target, outcome, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.ActionType, &e.Actor, &target, &outcome, &metadata); err != nil {
			return nil, err
		}
		e.Target = stringPtr(target)
		e.Outcome = stringPtr(outcome)
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode activity metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (r *Repo) InsertActivity(ctx context.Context, tx *sql.Tx, e domain.ActivityLogEntry) error {
	var metadata any
	if e.Metadata != nil {
		body, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode activity metadata: %w", err)
		}
		metadata = string(body)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO activity_log (id, timestamp, action_type, actor, target, outcome, metadata_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.ActionType, e.Actor, nullable(e.Target), nullable(e.Outcome), metadata)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// --- notes ---

func scanNote(row interface{ Scan(...any) error }) (domain.Note, error) {
	var n domain.Note
	var processedAt, relatedTaskID sql.NullString
	err := row.Scan(&n.ID, &n.Content, &n.Status, &n.CreatedAt, &processedAt, &relatedTaskID)
	n.ProcessedAt = stringPtr(processedAt)
	n.RelatedTaskID = stringPtr(relatedTaskID)
	return n, err
}

func (r *Repo) ListNotes(ctx context.Context, limit int) ([]domain.Note, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, content, status, created_at, processed_at, related_task_id
		 FROM notes ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()
	notes := []domain.Note{}
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

func (r *Repo) GetNote(ctx context.Context, id string) (domain.Note, error) {
	n, err := scanNote(r.DB.QueryRowContext(ctx,
		`SELECT id, content, status, created_at, processed_at, related_task_id FROM notes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return domain.Note{}, ErrNotFound
	}
	return n, err
}

func (r *Repo) InsertNote(ctx context.Context, tx *sql.Tx, n domain.Note) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO notes (id, content, status, created_at, processed_at, related_task_id)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		n.ID, n.Content, n.Status, n.CreatedAt, nullable(n.ProcessedAt), nullable(n.RelatedTaskID))
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

func (r *Repo) UpdateNote(ctx context.Context, tx *sql.Tx, n domain.Note) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE notes SET content = ?, status = ?, processed_at = ?, related_task_id = ? WHERE id = ?`,
		n.Content, n.Status, nullable(n.ProcessedAt), nullable(n.RelatedTaskID), n.ID)
	if err != nil {
		return fmt.Errorf("update note: %w", err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return ErrNotFound
	}
	return nil
}

// --- deliverables ---

func (r *Repo) ListDeliverables(ctx context.Context, limit int) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, title, type, file_path, external_url, created_at, related_task_id
		 FROM deliverables ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	defer rows.Close()
	items := []domain.Deliverable{}
	for rows.Next() {
		var d domain.Deliverable
		var filePath, externalURL, relatedTaskID sql.NullString
		if err := rows.Scan(&d.ID, &d.Title, &d.Type, &filePath, &externalURL, &d.CreatedAt, &relatedTaskID); err != nil {
			return nil, err
		}
		d.FilePath = stringPtr(filePath)
		d.ExternalURL = stringPtr(externalURL)
		d.RelatedTaskID = stringPtr(relatedTaskID)
		items = append(items, d)
	}
	return items, rows.Err()
}

func (r *Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO deliverables (id, title, type, file_path, external_url, created_at, related_task_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Title, d.Type, nullable(d.FilePath), nullable(d.ExternalURL), d.CreatedAt, nullable(d.RelatedTaskID))
	if err != nil {
		return fmt.Errorf("insert deliverable: %w", err)
	}
	return nil
}

// --- status ---

func scanStatus(row interface{ Scan(...any) error }) (domain.Status, error) {
	var s domain.Status
	var currentTask, currentTaskID, activeModel sql.NullString
	var subAgents string
	err := row.Scan(&s.ID, &s.OperationalState, &currentTask, &currentTaskID, &subAgents, &s.UpdatedAt, &activeModel)
	if err != nil {
		return s, err
	}
	s.CurrentTask = stringPtr(currentTask)
	s.CurrentTaskID = stringPtr(currentTaskID)
	s.ActiveModel = stringPtr(activeModel)
	s.ActiveSubAgents = []domain.SubAgent{}
	if subAgents != "" {
		if err := json.Unmarshal([]byte(subAgents), &s.ActiveSubAgents); err != nil {
			return s, fmt.Errorf("decode sub agents: %w", err)
		}
	}
	return s, nil
}

const statusColumns = "id, operational_state, current_task, current_task_id, active_sub_agents_json, updated_at, active_model"

// GetStatus returns the singleton status row, ErrNotFound when none exists.
func (r *Repo) GetStatus(ctx context.Context) (domain.Status, error) {
	s, err := scanStatus(r.DB.QueryRowContext(ctx,
		`SELECT `+statusColumns+` FROM status LIMIT 1`))
	if err == sql.ErrNoRows {
		return domain.Status{}, ErrNotFound
	}
	return s, err
}

func encodeSubAgents(agents []domain.SubAgent) (string, error) {
	if agents == nil {
		agents = []domain.SubAgent{}
	}
	body, err := json.Marshal(agents)
	if err != nil {
		return "", fmt.Errorf("encode sub agents: %w", err)
	}
	return string(body), nil
}

func (r *Repo) InsertStatus(ctx context.Context, tx *sql.Tx, s domain.Status) error {
	subAgents, err := encodeSubAgents(s.ActiveSubAgents)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO status (`+statusColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OperationalState, nullable(s.CurrentTask), nullable(s.CurrentTaskID), subAgents, s.UpdatedAt, nullable(s.ActiveModel))
	if err != nil {
		return fmt.Errorf("insert status: %w", err)
	}
	return nil
}

func (r *Repo) UpdateStatus(ctx context.Context, tx *sql.Tx, s domain.Status) error {
	subAgents, err := encodeSubAgents(s.ActiveSubAgents)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE status SET operational_state = ?, current_task = ?, current_task_id = ?, active_sub_agents_json = ?, updated_at = ?, active_model = ? WHERE id = ?`,
		s.OperationalState, nullable(s.CurrentTask), nullable(s.CurrentTaskID), subAgents, s.UpdatedAt, nullable(s.ActiveModel), s.ID)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return ErrNotFound
	}
	return nil
}

// --- token_usage ---

func (r *Repo) ListTokenUsage(ctx context.Context, limit int) ([]domain.TokenUsage, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, session_id, tokens_used, input_tokens, output_tokens, model, estimated_cost, context_used, context_max, timestamp
		 FROM token_usage ORDER BY timestamp DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list token usage: %w", err)
	}
	defer rows.Close()
	items := []domain.TokenUsage{}
	for rows.Next() {
		var u domain.TokenUsage
		var input, output, ctxUsed, ctxMax sql.NullInt64
		var model sql.NullString
		var cost sql.NullFloat64
		if err := rows.Scan(&u.ID, &u.SessionID, &u.TokensUsed, &input, &output, &model, &cost, &ctxUsed, &ctxMax, &u.Timestamp); err != nil {
			return nil, err
		}
		u.InputTokens = intPtr(input)
		u.OutputTokens = intPtr(output)
		u.Model = stringPtr(model)
		u.EstimatedCost = floatPtr(cost)
		u.ContextUsed = intPtr(ctxUsed)
		u.ContextMax = intPtr(ctxMax)
		items = append(items, u)
	}
	return items, rows.Err()
}

func (r *Repo) InsertTokenUsage(ctx context.Context, tx *sql.Tx, u domain.TokenUsage) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO token_usage (id, session_id, tokens_used, input_tokens, output_tokens, model, estimated_cost, context_used, context_max, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.SessionID, u.TokensUsed, nullableInt(u.InputTokens), nullableInt(u.OutputTokens),
		nullable(u.Model), nullableFloat(u.EstimatedCost), nullableInt(u.ContextUsed), nullableInt(u.ContextMax), u.Timestamp)
	if err != nil {
		return fmt.Errorf("insert token usage: %w", err)
	}
	return nil
}

// --- goals ---

func scanGoal(row interface{ Scan(...any) error }) (domain.Goal, error) {
	var g domain.Goal
	var targetDate sql.NullString
	err := row.Scan(&g.ID, &g.Title, &g.Description, &g.Status, &targetDate, &g.CreatedAt, &g.UpdatedAt)
	g.TargetDate = stringPtr(targetDate)
	return g, err
}

func (r *Repo) ListGoals(ctx context.Context, limit int) ([]domain.Goal, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id, title, description, status, target_date, created_at, updated_at
		 FROM goals ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list goals: %w", err)
	}
	defer rows.Close()
	goals := []domain.Goal{}
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

func (r *Repo) GetGoal(ctx context.Context, id string) (domain.Goal, error) {
	g, err := scanGoal(r.DB.QueryRowContext(ctx,
		`SELECT id, title, description, status, target_date, created_at, updated_at FROM goals WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return domain.Goal{}, ErrNotFound
	}
	return g, err
}

func (r *Repo) InsertGoal(ctx context.Context, g domain.Goal) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO goals (id, title, description, status, target_date, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.Title, g.Description, g.Status, nullable(g.TargetDate), g.CreatedAt, g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

func (r *Repo) UpdateGoal(ctx context.Context, g domain.Goal) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE goals SET title = ?, description = ?, status = ?, target_date = ?, updated_at = ? WHERE id = ?`,
		g.Title, g.Description, g.Status, nullable(g.TargetDate), g.UpdatedAt, g.ID)
	if err != nil {
		return fmt.Errorf("update goal: %w", err)
	}
	if count, _ := res.RowsAffected(); count == 0 {
		return ErrNotFound
	}
	return nil
}

// --- changes ---

// ChangesAfter returns change rows with id greater than cursor, in id
// order, optionally filtered to a set of collections.
func (r *Repo) ChangesAfter(ctx context.Context, cursor int64, limit int, collections []domain.Collection) ([]domain.Change, error) {
	query := `SELECT id, ts, collection, kind, row_id, payload_json FROM changes WHERE id > ?`
	args := []any{cursor}
	if len(collections) > 0 {
		placeholders := make([]string, len(collections))
		for i, c := range collections {
			placeholders[i] = "?"
			args = append(args, string(c))
		}
		query += ` AND collection IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()
	changes := []domain.Change{}
	for rows.Next() {
		var c domain.Change
		if err := rows.Scan(&c.ID, &c.TS, &c.Collection, &c.Kind, &c.RowID, &c.Payload); err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

// LatestChangeID returns the current end of the change feed, 0 when empty.
func (r *Repo) LatestChangeID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM changes`).Scan(&id); err != nil {
		return 0, fmt.Errorf("latest change id: %w", err)
	}
	return id.Int64, nil
}

// --- summary ---

// Summarize aggregates activity between since and until (RFC3339, half-open).
func (r *Repo) Summarize(ctx context.Context, since, until string) (domain.Summary, error) {
	s := domain.Summary{Since: since, Until: until}
	queries := []struct {
		dest  *int64
		query string
	}{
		{&s.ActivityCount, `SELECT COUNT(*) FROM activity_log WHERE timestamp >= ? AND timestamp < ?`},
		{&s.TasksCreated, `SELECT COUNT(*) FROM tasks WHERE created_at >= ? AND created_at < ?`},
		{&s.TasksCompleted, `SELECT COUNT(*) FROM tasks WHERE status = 'done' AND updated_at >= ? AND updated_at < ?`},
		{&s.NotesProcessed, `SELECT COUNT(*) FROM notes WHERE status = 'processed' AND processed_at >= ? AND processed_at < ?`},
		{&s.Deliverables, `SELECT COUNT(*) FROM deliverables WHERE created_at >= ? AND created_at < ?`},
	}
	for _, q := range queries {
		if err := r.DB.QueryRowContext(ctx, q.query, since, until).Scan(q.dest); err != nil {
			return domain.Summary{}, fmt.Errorf("summarize: %w", err)
		}
	}
	var tokens, input, output sql.NullInt64
	var cost sql.NullFloat64
	err := r.DB.QueryRowContext(ctx,
		`SELECT SUM(tokens_used), SUM(input_tokens), SUM(output_tokens), SUM(estimated_cost)
		 FROM token_usage WHERE timestamp >= ? AND timestamp < ?`, since, until).
		Scan(&tokens, &input, &output, &cost)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("summarize tokens: %w", err)
	}
	s.TokensUsed = tokens.Int64
	s.InputTokens = input.Int64
	s.OutputTokens = output.Int64
	s.EstimatedCost = cost.Float64
	return s, nil
}
