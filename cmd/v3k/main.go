package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"v3ktor/internal/config"
	"v3ktor/internal/db"
	"v3ktor/internal/domain"
	"v3ktor/internal/engine"
	"v3ktor/internal/migrate"
	"v3ktor/internal/server"
	"v3ktor/internal/tui"
	v3ktorsdk "v3ktor/sdk/go"
)

var pretty bool

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		printError(err)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "v3k",
		Short:         "v3ktor agent operations CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printUsage()
		},
	}
	root.PersistentFlags().String("url", "", "backend base URL")
	root.PersistentFlags().String("key", "", "backend access key")
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "render list output as a table")

	viper.SetEnvPrefix("V3KTOR")
	viper.AutomaticEnv()
	viper.BindPFlag("url", root.PersistentFlags().Lookup("url"))
	viper.BindPFlag("key", root.PersistentFlags().Lookup("key"))

	root.AddCommand(
		newLogCmd(),
		newStatusCmd(),
		newTaskCmd(),
		newNotesCmd(),
		newDeliverableCmd(),
		newTokensCmd(),
		newGoalCmd(),
		newSummaryCmd(),
		newServeCmd(),
		newBoardCmd(),
	)
	return root
}

// --- output shim ---

func printSuccess(data any) {
	out, err := json.Marshal(map[string]any{"success": true, "data": data})
	if err != nil {
		printError(err)
	}
	fmt.Println(string(out))
}

func printError(err error) {
	out, _ := json.Marshal(map[string]any{"success": false, "error": err.Error()})
	fmt.Println(string(out))
	os.Exit(1)
}

func printUsage() {
	usage := map[string]string{
		"log":         "log <action> [target] [outcome] [metadata_json]",
		"status":      "status [get | <state> [current_task] [current_task_id]]",
		"task":        "task create <title> [description] [priority] | task update <task_id> <status> | task list",
		"notes":       "notes add <content> | notes unseen | notes seen <id> | notes processed <id> [related_task_id]",
		"deliverable": "deliverable <title> <type> [file_path] [external_url] [related_task_id] [--upload <local_file>]",
		"tokens":      "tokens <session_id> <input_tokens> <output_tokens> [model]",
		"goal":        "goal create <title> [description] [target_date] | goal update <id> <status> | goal list",
		"summary":     "summary day|week|month",
		"serve":       "serve [--addr :8787] [--workspace .]",
		"board":       "board",
	}
	out, _ := json.Marshal(map[string]any{"success": false, "usage": usage})
	fmt.Println(string(out))
}

func client() *v3ktorsdk.Client {
	return v3ktorsdk.New(viper.GetString("url"), viper.GetString("key"))
}

func cliContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// run wraps an agent command: call the backend, emit one JSON line.
func run(fn func(ctx context.Context, c *v3ktorsdk.Client) (any, error)) {
	ctx, cancel := cliContext()
	defer cancel()
	c := client()
	if !c.Configured() {
		printError(fmt.Errorf("V3KTOR_URL is not set"))
	}
	data, err := fn(ctx, c)
	if err != nil {
		printError(err)
	}
	printSuccess(data)
}

func optArg(args []string, i int) *string {
	if i < len(args) && args[i] != "" {
		return &args[i]
	}
	return nil
}

// --- log ---

func newLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log <action> [target] [outcome] [metadata_json]",
		Short: "Append an activity log entry",
		Args:  cobra.RangeArgs(1, 4),
		Run: func(cmd *cobra.Command, args []string) {
			run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
				req := v3ktorsdk.LogActivityRequest{
					ActionType: args[0],
					Target:     optArg(args, 1),
					Outcome:    optArg(args, 2),
				}
				if len(args) > 3 {
					if err := json.Unmarshal([]byte(args[3]), &req.Metadata); err != nil {
						return nil, fmt.Errorf("metadata must be a JSON object: %w", err)
					}
				}
				return c.LogActivity(ctx, req)
			})
		},
	}
}

// --- status ---

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [get | <state> [current_task] [current_task_id]]",
		Short: "Read or upsert the agent status",
		Args:  cobra.MaximumNArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
				if len(args) == 0 || args[0] == "get" {
					return c.GetStatus(ctx)
				}
				patch := v3ktorsdk.StatusPatch{
					OperationalState: &args[0],
					CurrentTask:      optArg(args, 1),
					CurrentTaskID:    optArg(args, 2),
				}
				return c.UpdateStatus(ctx, patch)
			})
		},
	}
}

// --- task ---

func newTaskCmd() *cobra.Command {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
	}
	taskCmd.AddCommand(
		&cobra.Command{
			Use:   "create <title> [description] [priority]",
			Short: "Create a task",
			Args:  cobra.RangeArgs(1, 3),
			Run: func(cmd *cobra.Command, args []string) {
				run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
					req := v3ktorsdk.CreateTaskRequest{Title: args[0]}
					if len(args) > 1 {
						req.Description = args[1]
					}
					if len(args) > 2 {
						req.Priority = args[2]
					}
					return c.CreateTask(ctx, req)
				})
			},
		},
		&cobra.Command{
			Use:   "update <task_id> <status>",
			Short: "Move a task to a new status",
			Args:  cobra.ExactArgs(2),
			Run: func(cmd *cobra.Command, args []string) {
				run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
					return c.UpdateTask(ctx, args[0], v3ktorsdk.TaskPatch{Status: &args[1]})
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List tasks, newest first",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				if pretty {
					runTaskTable()
					return
				}
				run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
					return c.ListTasks(ctx)
				})
			},
		},
	)
	return taskCmd
}

func runTaskTable() {
	ctx, cancel := cliContext()
	defer cancel()
	tasks, err := client().ListTasks(ctx)
	if err != nil {
		printError(err)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"TASK ID", "TITLE", "PRIORITY", "STATUS", "ORIGIN", "UPDATED"})
	for _, task := range tasks {
		t.AppendRow(table.Row{task.TaskID, task.Title, task.Priority, task.Status, task.Origin, task.UpdatedAt})
	}
	t.Render()
}

// --- notes ---

func newNotesCmd() *cobra.Command {
	notesCmd := &cobra.Command{
		Use:   "notes",
		Short: "Read and progress user notes",
	}
	notesCmd.AddCommand(
		&cobra.Command{
			Use:   "add <content>",
			Short: "Leave a note",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
					return c.AddNote(ctx, args[0], nil)
				})
			},
		},
		&cobra.Command{
			Use:   "unseen",
			Short: "List notes still waiting to be seen",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				if pretty {
					runNotesTable()
					return
				}
				run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
					notes, err := c.ListNotes(ctx)
					if err != nil {
						return nil, err
					}
					unseen := []domain.Note{}
					for _, n := range notes {
						if n.Status == "unseen" {
							unseen = append(unseen, n)
						}
					}
					return unseen, nil
				})
			},
		},
		&cobra.Command{
			Use:   "seen <id>",
			Short: "Mark a note seen",
			Args:  cobra.ExactArgs(1),
			Run: func(cmd *cobra.Command, args []string) {
				run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
					seen := "seen"
					return c.UpdateNote(ctx, args[0], v3ktorsdk.NotePatch{Status: &seen})
				})
			},
		},
		&cobra.Command{
			Use:   "processed <id> [related_task_id]",
			Short: "Mark a note processed",
			Args:  cobra.RangeArgs(1, 2),
			Run: func(cmd *cobra.Command, args []string) {
				run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
					processed := "processed"
					return c.UpdateNote(ctx, args[0], v3ktorsdk.NotePatch{
						Status:        &processed,
						RelatedTaskID: optArg(args, 1),
					})
				})
			},
		},
	)
	return notesCmd
}

func runNotesTable() {
	ctx, cancel := cliContext()
	defer cancel()
	notes, err := client().ListNotes(ctx)
	if err != nil {
		printError(err)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "STATUS", "CONTENT", "CREATED"})
	for _, n := range notes {
		t.AppendRow(table.Row{n.ID, n.Status, n.Content, n.CreatedAt})
	}
	t.Render()
}

// --- deliverable ---

func newDeliverableCmd() *cobra.Command {
	var upload string
	deliverableCmd := &cobra.Command{
		Use:   "deliverable <title> <type> [file_path] [external_url] [related_task_id]",
		Short: "Register a deliverable, optionally uploading a local file first",
		Args:  cobra.RangeArgs(2, 5),
		Run: func(cmd *cobra.Command, args []string) {
			run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
				req := v3ktorsdk.CreateDeliverableRequest{
					Title:         args[0],
					Type:          args[1],
					FilePath:      optArg(args, 2),
					ExternalURL:   optArg(args, 3),
					RelatedTaskID: optArg(args, 4),
				}
				if upload != "" {
					f, err := os.Open(upload)
					if err != nil {
						return nil, err
					}
					defer f.Close()
					stored, err := c.Upload(ctx, filepath.Base(upload), f)
					if err != nil {
						return nil, fmt.Errorf("upload %s: %w", upload, err)
					}
					req.FilePath = &stored.Path
				}
				return c.CreateDeliverable(ctx, req)
			})
		},
	}
	deliverableCmd.Flags().StringVar(&upload, "upload", "", "local file to upload; its stored path becomes file_path")
	return deliverableCmd
}

// --- tokens ---

func newTokensCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tokens <session_id> <input_tokens> <output_tokens> [model]",
		Short: "Record token usage; the reply includes cost_usd",
		Args:  cobra.RangeArgs(3, 4),
		Run: func(cmd *cobra.Command, args []string) {
			run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
				input, err := strconv.ParseInt(args[1], 10, 64)
				if err != nil {
					return nil, fmt.Errorf("input_tokens must be an integer")
				}
				output, err := strconv.ParseInt(args[2], 10, 64)
				if err != nil {
					return nil, fmt.Errorf("output_tokens must be an integer")
				}
				usage, err := c.LogTokenUsage(ctx, v3ktorsdk.LogTokenUsageRequest{
					SessionID:    args[0],
					InputTokens:  &input,
					OutputTokens: &output,
					Model:        optArg(args, 3),
				})
				if err != nil {
					return nil, err
				}
				data := map[string]any{
					"id":          usage.ID,
					"session_id":  usage.SessionID,
					"tokens_used": usage.TokensUsed,
					"model":       usage.Model,
				}
				if usage.EstimatedCost != nil {
					data["cost_usd"] = *usage.EstimatedCost
				}
				return data, nil
			})
		},
	}
}

// --- goal ---

func newGoalCmd() *cobra.Command {
	goalCmd := &cobra.Command{
		Use:   "goal",
		Short: "Manage long-running goals",
	}
	goalCmd.AddCommand(
		&cobra.Command{
			Use:   "create <title> [description] [target_date]",
			Short: "Create a goal",
			Args:  cobra.RangeArgs(1, 3),
			Run: func(cmd *cobra.Command, args []string) {
				run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
					req := v3ktorsdk.CreateGoalRequest{Title: args[0]}
					if len(args) > 1 {
						req.Description = args[1]
					}
					req.TargetDate = optArg(args, 2)
					return c.CreateGoal(ctx, req)
				})
			},
		},
		&cobra.Command{
			Use:   "update <id> <status>",
			Short: "Move a goal to a new status",
			Args:  cobra.ExactArgs(2),
			Run: func(cmd *cobra.Command, args []string) {
				run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
					return c.UpdateGoal(ctx, args[0], v3ktorsdk.GoalPatch{Status: &args[1]})
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List goals, newest first",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				if pretty {
					runGoalTable()
					return
				}
				run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
					return c.ListGoals(ctx)
				})
			},
		},
	)
	return goalCmd
}

func runGoalTable() {
	ctx, cancel := cliContext()
	defer cancel()
	goals, err := client().ListGoals(ctx)
	if err != nil {
		printError(err)
	}
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "TITLE", "STATUS", "TARGET", "UPDATED"})
	for _, g := range goals {
		target := ""
		if g.TargetDate != nil {
			target = *g.TargetDate
		}
		t.AppendRow(table.Row{g.ID, g.Title, g.Status, target, g.UpdatedAt})
	}
	t.Render()
}

// --- summary ---

func newSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary day|week|month",
		Short: "Aggregate recent activity",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			run(func(ctx context.Context, c *v3ktorsdk.Client) (any, error) {
				return c.Summary(ctx, args[0])
			})
		},
	}
}

// --- serve ---

func newServeCmd() *cobra.Command {
	var addr, workspace string
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the backend API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Up(cmd.Context(), conn); err != nil {
				return err
			}

			srv := server.New(engine.New(conn, cfg), server.Options{
				Addr:      addr,
				Workspace: workspace,
				JWTSecret: viper.GetString("jwt_secret"),
				AccessKey: viper.GetString("key"),
			})

			errCh := make(chan error, 1)
			go func() { errCh <- srv.Start() }()
			log.Printf("v3ktor api listening on %s (db %s)", addr, db.Path(workspace))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				log.Printf("received %s, shutting down", sig)
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(ctx)
			}
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", ":8787", "listen address")
	serveCmd.Flags().StringVar(&workspace, "workspace", ".", "workspace directory")
	return serveCmd
}

// --- board ---

func newBoardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "board",
		Short: "Open the live dashboard",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			program := tea.NewProgram(tui.New(client()), tea.WithAltScreen())
			_, err := program.Run()
			return err
		},
	}
}
