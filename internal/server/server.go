package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"v3ktor/internal/db"
	"v3ktor/internal/domain"
	"v3ktor/internal/engine"
	"v3ktor/internal/repo"
)

// Options configures the API server.
type Options struct {
	Addr      string
	Workspace string
	JWTSecret string
	AccessKey string
}

type Server struct {
	Engine *engine.Engine
	Router chi.Router
	API    huma.API

	opts Options
	http *http.Server
}

// errorDetail is the envelope body for every error response.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type apiError struct {
	status int
	Err    errorDetail `json:"error"`
}

func (e *apiError) Error() string  { return e.Err.Message }
func (e *apiError) GetStatus() int { return e.status }

func init() {
	huma.NewError = func(status int, message string, errs ...error) huma.StatusError {
		var details []string
		for _, err := range errs {
			if err != nil {
				details = append(details, err.Error())
			}
		}
		e := &apiError{status: status}
		e.Err.Code = codeForStatus(status)
		e.Err.Message = message
		if len(details) > 0 {
			e.Err.Details = details
		}
		return e
	}
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusUnprocessableEntity:
		return "invalid_input"
	default:
		return "internal"
	}
}

// handleError maps engine and repo errors onto API errors.
func handleError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repo.ErrNotFound):
		return huma.Error404NotFound("not found")
	default:
		return huma.Error500InternalServerError("internal error", err)
	}
}

func New(e *engine.Engine, opts Options) *Server {
	router := chi.NewRouter()
	router.Use(newAuthMiddleware(opts))

	cfg := huma.DefaultConfig("V3ktor API", "0.1.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	s := &Server{Engine: e, Router: router, API: api, opts: opts}
	s.registerHealth()
	s.registerTasks()
	s.registerActivity()
	s.registerNotes()
	s.registerDeliverables()
	s.registerStatus()
	s.registerTokenUsage()
	s.registerGoals()
	s.registerSummary()
	s.registerChanges()
	s.registerFiles()
	router.Get("/v0/changes/stream", s.handleChangesStream)
	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.http = &http.Server{Addr: s.opts.Addr, Handler: s.Router}
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve blocks serving HTTP on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	s.http = &http.Server{Handler: s.Router}
	err := s.http.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) registerHealth() {
	type healthOutput struct {
		Body struct {
			Status string `json:"status"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*healthOutput, error) {
		out := &healthOutput{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func (s *Server) registerTasks() {
	type taskListOutput struct {
		Body struct {
			Tasks []domain.Task `json:"tasks"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/v0/tasks",
		Summary:     "List tasks, newest first",
	}, func(ctx context.Context, _ *struct{}) (*taskListOutput, error) {
		tasks, err := s.Engine.ListTasks(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &taskListOutput{}
		out.Body.Tasks = tasks
		return out, nil
	})

	type createTaskInput struct {
		Body struct {
			TaskID      string `json:"task_id,omitempty"`
			Title       string `json:"title" minLength:"1"`
			Description string `json:"description,omitempty"`
			Priority    string `json:"priority,omitempty" enum:"low,medium,high,critical"`
			Status      string `json:"status,omitempty" enum:"todo,in_progress,done"`
			Origin      string `json:"origin,omitempty" enum:"user,v3ktor,sub_agent"`
		}
	}
	type taskOutput struct {
		Body domain.Task
	}
	huma.Register(s.API, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/v0/tasks",
		Summary:       "Create a task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *createTaskInput) (*taskOutput, error) {
		task, err := s.Engine.CreateTask(ctx, engine.CreateTaskInput{
			TaskID:      in.Body.TaskID,
			Title:       in.Body.Title,
			Description: in.Body.Description,
			Priority:    in.Body.Priority,
			Status:      in.Body.Status,
			Origin:      in.Body.Origin,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: task}, nil
	})

	type patchTaskInput struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Title       *string `json:"title,omitempty"`
			Description *string `json:"description,omitempty"`
			Priority    *string `json:"priority,omitempty" enum:"low,medium,high,critical"`
			Status      *string `json:"status,omitempty" enum:"todo,in_progress,done"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/v0/tasks/{task_id}",
		Summary:     "Patch a task addressed by task_id",
	}, func(ctx context.Context, in *patchTaskInput) (*taskOutput, error) {
		task, err := s.Engine.UpdateTask(ctx, in.TaskID, engine.TaskPatch{
			Title:       in.Body.Title,
			Description: in.Body.Description,
			Priority:    in.Body.Priority,
			Status:      in.Body.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: task}, nil
	})

	type deleteInput struct {
		ID string `path:"id"`
	}
	huma.Register(s.API, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/v0/tasks/{id}",
		Summary:       "Delete a task by row id",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, in *deleteInput) (*struct{}, error) {
		if err := s.Engine.DeleteTask(ctx, in.ID); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})
}

func (s *Server) registerActivity() {
	type activityListOutput struct {
		Body struct {
			Entries []domain.ActivityLogEntry `json:"entries"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/v0/activity",
		Summary:     "List activity log entries, newest first",
	}, func(ctx context.Context, _ *struct{}) (*activityListOutput, error) {
		entries, err := s.Engine.ListActivity(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &activityListOutput{}
		out.Body.Entries = entries
		return out, nil
	})

	type logActivityInput struct {
		Body struct {
			ActionType string         `json:"action_type" minLength:"1"`
			Actor      string         `json:"actor,omitempty"`
			Target     *string        `json:"target,omitempty"`
			Outcome    *string        `json:"outcome,omitempty" enum:"success,partial,failed"`
			Metadata   map[string]any `json:"metadata,omitempty"`
		}
	}
	type entryOutput struct {
		Body domain.ActivityLogEntry
	}
	huma.Register(s.API, huma.Operation{
		OperationID:   "log-activity",
		Method:        http.MethodPost,
		Path:          "/v0/activity",
		Summary:       "Append an activity log entry",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *logActivityInput) (*entryOutput, error) {
		entry, err := s.Engine.LogActivity(ctx, engine.LogActivityInput{
			ActionType: in.Body.ActionType,
			Actor:      in.Body.Actor,
			Target:     in.Body.Target,
			Outcome:    in.Body.Outcome,
			Metadata:   in.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &entryOutput{Body: entry}, nil
	})
}

func (s *Server) registerNotes() {
	type noteListOutput struct {
		Body struct {
			Notes []domain.Note `json:"notes"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "list-notes",
		Method:      http.MethodGet,
		Path:        "/v0/notes",
		Summary:     "List notes, newest first",
	}, func(ctx context.Context, _ *struct{}) (*noteListOutput, error) {
		notes, err := s.Engine.ListNotes(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &noteListOutput{}
		out.Body.Notes = notes
		return out, nil
	})

	type createNoteInput struct {
		Body struct {
			Content       string  `json:"content" minLength:"1"`
			RelatedTaskID *string `json:"related_task_id,omitempty"`
		}
	}
	type noteOutput struct {
		Body domain.Note
	}
	huma.Register(s.API, huma.Operation{
		OperationID:   "create-note",
		Method:        http.MethodPost,
		Path:          "/v0/notes",
		Summary:       "Create a note in unseen state",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *createNoteInput) (*noteOutput, error) {
		note, err := s.Engine.AddNote(ctx, in.Body.Content, in.Body.RelatedTaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &noteOutput{Body: note}, nil
	})

	type patchNoteInput struct {
		ID   string `path:"id"`
		Body struct {
			Status        *string `json:"status,omitempty" enum:"unseen,seen,processed"`
			RelatedTaskID *string `json:"related_task_id,omitempty"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "update-note",
		Method:      http.MethodPatch,
		Path:        "/v0/notes/{id}",
		Summary:     "Patch a note",
	}, func(ctx context.Context, in *patchNoteInput) (*noteOutput, error) {
		note, err := s.Engine.UpdateNote(ctx, in.ID, engine.NotePatch{
			Status:        in.Body.Status,
			RelatedTaskID: in.Body.RelatedTaskID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &noteOutput{Body: note}, nil
	})
}

func (s *Server) registerDeliverables() {
	type deliverableListOutput struct {
		Body struct {
			Deliverables []domain.Deliverable `json:"deliverables"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/v0/deliverables",
		Summary:     "List deliverables, newest first",
	}, func(ctx context.Context, _ *struct{}) (*deliverableListOutput, error) {
		items, err := s.Engine.ListDeliverables(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &deliverableListOutput{}
		out.Body.Deliverables = items
		return out, nil
	})

	type createDeliverableInput struct {
		Body struct {
			Title         string  `json:"title" minLength:"1"`
			Type          string  `json:"type,omitempty"`
			FilePath      *string `json:"file_path,omitempty"`
			ExternalURL   *string `json:"external_url,omitempty"`
			RelatedTaskID *string `json:"related_task_id,omitempty"`
		}
	}
	type deliverableOutput struct {
		Body domain.Deliverable
	}
	huma.Register(s.API, huma.Operation{
		OperationID:   "create-deliverable",
		Method:        http.MethodPost,
		Path:          "/v0/deliverables",
		Summary:       "Register a deliverable",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *createDeliverableInput) (*deliverableOutput, error) {
		d, err := s.Engine.CreateDeliverable(ctx, engine.CreateDeliverableInput{
			Title:         in.Body.Title,
			Type:          in.Body.Type,
			FilePath:      in.Body.FilePath,
			ExternalURL:   in.Body.ExternalURL,
			RelatedTaskID: in.Body.RelatedTaskID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableOutput{Body: d}, nil
	})
}

func (s *Server) registerStatus() {
	type statusOutput struct {
		Body domain.Status
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/v0/status",
		Summary:     "Get the singleton agent status",
	}, func(ctx context.Context, _ *struct{}) (*statusOutput, error) {
		status, err := s.Engine.GetStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: status}, nil
	})

	type patchStatusInput struct {
		Body struct {
			OperationalState *string           `json:"operational_state,omitempty" enum:"working,idle,waiting,offline"`
			CurrentTask      *string           `json:"current_task,omitempty"`
			CurrentTaskID    *string           `json:"current_task_id,omitempty"`
			ActiveSubAgents  []domain.SubAgent `json:"active_sub_agents,omitempty"`
			ActiveModel      *string           `json:"active_model,omitempty"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "update-status",
		Method:      http.MethodPatch,
		Path:        "/v0/status",
		Summary:     "Upsert the singleton agent status",
	}, func(ctx context.Context, in *patchStatusInput) (*statusOutput, error) {
		status, err := s.Engine.UpdateStatus(ctx, engine.StatusPatch{
			OperationalState: in.Body.OperationalState,
			CurrentTask:      in.Body.CurrentTask,
			CurrentTaskID:    in.Body.CurrentTaskID,
			ActiveSubAgents:  in.Body.ActiveSubAgents,
			ActiveModel:      in.Body.ActiveModel,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &statusOutput{Body: status}, nil
	})
}

func (s *Server) registerTokenUsage() {
	type tokenUsageListOutput struct {
		Body struct {
			Usage []domain.TokenUsage `json:"usage"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "list-token-usage",
		Method:      http.MethodGet,
		Path:        "/v0/tokens",
		Summary:     "List token usage samples, newest first",
	}, func(ctx context.Context, _ *struct{}) (*tokenUsageListOutput, error) {
		usage, err := s.Engine.ListTokenUsage(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &tokenUsageListOutput{}
		out.Body.Usage = usage
		return out, nil
	})

	type logTokenUsageInput struct {
		Body struct {
			SessionID    string  `json:"session_id" minLength:"1"`
			TokensUsed   int64   `json:"tokens_used,omitempty"`
			InputTokens  *int64  `json:"input_tokens,omitempty"`
			OutputTokens *int64  `json:"output_tokens,omitempty"`
			Model        *string `json:"model,omitempty"`
			ContextUsed  *int64  `json:"context_used,omitempty"`
			ContextMax   *int64  `json:"context_max,omitempty"`
		}
	}
	type usageOutput struct {
		Body domain.TokenUsage
	}
	huma.Register(s.API, huma.Operation{
		OperationID:   "log-token-usage",
		Method:        http.MethodPost,
		Path:          "/v0/tokens",
		Summary:       "Record a token usage sample",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *logTokenUsageInput) (*usageOutput, error) {
		usage, err := s.Engine.LogTokenUsage(ctx, engine.LogTokenUsageInput{
			SessionID:    in.Body.SessionID,
			TokensUsed:   in.Body.TokensUsed,
			InputTokens:  in.Body.InputTokens,
			OutputTokens: in.Body.OutputTokens,
			Model:        in.Body.Model,
			ContextUsed:  in.Body.ContextUsed,
			ContextMax:   in.Body.ContextMax,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &usageOutput{Body: usage}, nil
	})
}

func (s *Server) registerGoals() {
	type goalListOutput struct {
		Body struct {
			Goals []domain.Goal `json:"goals"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/v0/goals",
		Summary:     "List goals, newest first",
	}, func(ctx context.Context, _ *struct{}) (*goalListOutput, error) {
		goals, err := s.Engine.ListGoals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := &goalListOutput{}
		out.Body.Goals = goals
		return out, nil
	})

	type createGoalInput struct {
		Body struct {
			Title       string  `json:"title" minLength:"1"`
			Description string  `json:"description,omitempty"`
			TargetDate  *string `json:"target_date,omitempty"`
		}
	}
	type goalOutput struct {
		Body domain.Goal
	}
	huma.Register(s.API, huma.Operation{
		OperationID:   "create-goal",
		Method:        http.MethodPost,
		Path:          "/v0/goals",
		Summary:       "Create a goal",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *createGoalInput) (*goalOutput, error) {
		goal, err := s.Engine.CreateGoal(ctx, engine.CreateGoalInput{
			Title:       in.Body.Title,
			Description: in.Body.Description,
			TargetDate:  in.Body.TargetDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &goalOutput{Body: goal}, nil
	})

	type patchGoalInput struct {
		ID   string `path:"id"`
		Body struct {
			Title       *string `json:"title,omitempty"`
			Description *string `json:"description,omitempty"`
			Status      *string `json:"status,omitempty" enum:"active,completed,dropped"`
			TargetDate  *string `json:"target_date,omitempty"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "update-goal",
		Method:      http.MethodPatch,
		Path:        "/v0/goals/{id}",
		Summary:     "Patch a goal",
	}, func(ctx context.Context, in *patchGoalInput) (*goalOutput, error) {
		goal, err := s.Engine.UpdateGoal(ctx, in.ID, engine.GoalPatch{
			Title:       in.Body.Title,
			Description: in.Body.Description,
			Status:      in.Body.Status,
			TargetDate:  in.Body.TargetDate,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &goalOutput{Body: goal}, nil
	})
}

func (s *Server) registerSummary() {
	type summaryInput struct {
		Window string `query:"window" enum:"day,week,month" default:"day"`
	}
	type summaryOutput struct {
		Body domain.Summary
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "summary",
		Method:      http.MethodGet,
		Path:        "/v0/summary",
		Summary:     "Aggregate activity over a trailing window",
	}, func(ctx context.Context, in *summaryInput) (*summaryOutput, error) {
		sum, err := s.Engine.Summary(ctx, in.Window)
		if err != nil {
			return nil, handleError(err)
		}
		return &summaryOutput{Body: sum}, nil
	})
}

func (s *Server) registerChanges() {
	type changesInput struct {
		After       int64  `query:"after" default:"0"`
		Limit       int    `query:"limit" default:"256" maximum:"1024"`
		Collections string `query:"collections" doc:"Comma-separated collection filter"`
	}
	type changesOutput struct {
		Body struct {
			Changes []domain.Change `json:"changes"`
			Cursor  int64           `json:"cursor"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID: "list-changes",
		Method:      http.MethodGet,
		Path:        "/v0/changes",
		Summary:     "Poll the change feed after a cursor",
	}, func(ctx context.Context, in *changesInput) (*changesOutput, error) {
		changes, err := s.Engine.Repo.ChangesAfter(ctx, in.After, in.Limit, parseCollections(in.Collections))
		if err != nil {
			return nil, handleError(err)
		}
		out := &changesOutput{}
		out.Body.Changes = changes
		out.Body.Cursor = in.After
		if n := len(changes); n > 0 {
			out.Body.Cursor = changes[n-1].ID
		}
		return out, nil
	})
}

func (s *Server) registerFiles() {
	type uploadInput struct {
		Name    string `path:"name"`
		RawBody []byte
	}
	type uploadOutput struct {
		Body struct {
			Path string `json:"path"`
			Size int64  `json:"size"`
		}
	}
	huma.Register(s.API, huma.Operation{
		OperationID:   "upload-file",
		Method:        http.MethodPost,
		Path:          "/v0/files/{name}",
		Summary:       "Store a deliverable blob under the workspace files dir",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, in *uploadInput) (*uploadOutput, error) {
		name := filepath.Base(in.Name)
		if name == "." || name == ".." || name == "/" {
			return nil, huma.Error400BadRequest("invalid file name")
		}
		dir, err := db.FilesDir(s.opts.Workspace)
		if err != nil {
			return nil, handleError(err)
		}
		path := filepath.Join(dir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), name))
		if err := os.WriteFile(path, in.RawBody, 0o644); err != nil {
			return nil, handleError(err)
		}
		out := &uploadOutput{}
		out.Body.Path = path
		out.Body.Size = int64(len(in.RawBody))
		return out, nil
	})
}

func parseCollections(csv string) []domain.Collection {
	if csv == "" {
		return nil
	}
	var cols []domain.Collection
	for _, part := range splitCSV(csv) {
		cols = append(cols, domain.Collection(part))
	}
	return cols
}
