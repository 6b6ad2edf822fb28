package domain

// Collection names the backend-held entity sets.
type Collection string

const (
	CollectionTasks        Collection = "tasks"
	CollectionActivityLog  Collection = "activity_log"
	CollectionNotes        Collection = "notes"
	CollectionDeliverables Collection = "deliverables"
	CollectionStatus       Collection = "status"
	CollectionTokenUsage   Collection = "token_usage"
	CollectionGoals        Collection = "goals"
)

// Collections lists the six realtime collections in snapshot-fetch order.
// Goals are agent-CLI only and carry no change feed.
var Collections = []Collection{
	CollectionTasks,
	CollectionActivityLog,
	CollectionNotes,
	CollectionDeliverables,
	CollectionStatus,
	CollectionTokenUsage,
}

// ChangeKind classifies a change-feed row.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "INSERT"
	ChangeUpdate ChangeKind = "UPDATE"
	ChangeDelete ChangeKind = "DELETE"
)

type Task struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority" enum:"low,medium,high,critical"`
	Status      string `json:"status" enum:"todo,in_progress,done"`
	Origin      string `json:"origin" enum:"user,v3ktor,sub_agent"`
	CreatedAt   string `json:"created_at" format:"date-time"`
	UpdatedAt   string `json:"updated_at" format:"date-time"`
}

type ActivityLogEntry struct {
	ID         string         `json:"id"`
	Timestamp  string         `json:"timestamp" format:"date-time"`
	ActionType string         `json:"action_type"`
	Actor      string         `json:"actor"`
	Target     *string        `json:"target,omitempty"`
	Outcome    *string        `json:"outcome,omitempty" enum:"success,partial,failed"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type Note struct {
	ID            string  `json:"id"`
	Content       string  `json:"content"`
	Status        string  `json:"status" enum:"unseen,seen,processed"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	ProcessedAt   *string `json:"processed_at,omitempty" format:"date-time"`
	RelatedTaskID *string `json:"related_task_id,omitempty"`
}

type Deliverable struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Type          string  `json:"type"`
	FilePath      *string `json:"file_path,omitempty"`
	ExternalURL   *string `json:"external_url,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	RelatedTaskID *string `json:"related_task_id,omitempty"`
}

// SubAgent is one entry of Status.ActiveSubAgents.
type SubAgent struct {
	Role         string `json:"role"`
	AssignedTask string `json:"assigned_task"`
	Status       string `json:"status"`
}

// Status is a singleton: at most one row exists at a time.
type Status struct {
	ID               string     `json:"id"`
	OperationalState string     `json:"operational_state" enum:"working,idle,waiting,offline"`
	CurrentTask      *string    `json:"current_task,omitempty"`
	CurrentTaskID    *string    `json:"current_task_id,omitempty"`
	ActiveSubAgents  []SubAgent `json:"active_sub_agents"`
	UpdatedAt        string     `json:"updated_at" format:"date-time"`
	ActiveModel      *string    `json:"active_model,omitempty"`
}

type TokenUsage struct {
	ID            string   `json:"id"`
	SessionID     string   `json:"session_id"`
	TokensUsed    int64    `json:"tokens_used"`
	InputTokens   *int64   `json:"input_tokens,omitempty"`
	OutputTokens  *int64   `json:"output_tokens,omitempty"`
	Model         *string  `json:"model,omitempty"`
	EstimatedCost *float64 `json:"estimated_cost,omitempty"`
	ContextUsed   *int64   `json:"context_used,omitempty"`
	ContextMax    *int64   `json:"context_max,omitempty"`
	Timestamp     string   `json:"timestamp" format:"date-time"`
}

type Goal struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"active,completed,dropped"`
	TargetDate  *string `json:"target_date,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// Summary aggregates agent activity over a time window.
type Summary struct {
	Window         string  `json:"window" enum:"day,week,month"`
	Since          string  `json:"since" format:"date-time"`
	Until          string  `json:"until" format:"date-time"`
	ActivityCount  int64   `json:"activity_count"`
	TasksCreated   int64   `json:"tasks_created"`
	TasksCompleted int64   `json:"tasks_completed"`
	NotesProcessed int64   `json:"notes_processed"`
	Deliverables   int64   `json:"deliverables"`
	TokensUsed     int64   `json:"tokens_used"`
	InputTokens    int64   `json:"input_tokens"`
	OutputTokens   int64   `json:"output_tokens"`
	EstimatedCost  float64 `json:"estimated_cost"`
}

// Change is one change-feed row. ID is monotonic within the backend and
// serves as the stream cursor; Payload is the full post-image of the row
// as JSON (empty for deletes).
type Change struct {
	ID         int64      `json:"id"`
	TS         string     `json:"ts" format:"date-time"`
	Collection Collection `json:"collection"`
	Kind       ChangeKind `json:"kind"`
	RowID      string     `json:"row_id"`
	Payload    string     `json:"payload,omitempty"`
}
