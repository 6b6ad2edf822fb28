// Package tui renders the live operational board for one agent.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"v3ktor/internal/domain"
	"v3ktor/internal/feed"
	v3ktorsdk "v3ktor/sdk/go"
)

const (
	paneTasks = iota
	paneNotes
	paneActivity
	paneDeliverables
	paneTokens
	paneCount
)

var paneNames = [paneCount]string{"Tasks", "Notes", "Activity", "Deliverables", "Tokens"}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	headerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	activeTab     = lipgloss.NewStyle().Bold(true).Underline(true)
	inactiveTab   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type sourceEventMsg struct{}

type feedStartedMsg struct{ err error }

type refreshDoneMsg struct{ err error }

type mutationResultMsg struct{ err error }

type clearErrMsg struct{}

// notifyingBackend pings the UI after every stream event so the view
// redraws without polling.
type notifyingBackend struct {
	feed.Backend
	ch chan struct{}
}

func (b notifyingBackend) Subscribe(ctx context.Context, col domain.Collection, handler func(feed.Event)) (feed.Subscription, error) {
	return b.Backend.Subscribe(ctx, col, func(ev feed.Event) {
		handler(ev)
		select {
		case b.ch <- struct{}{}:
		default:
		}
	})
}

// Model is the root bubbletea model for the dashboard.
type Model struct {
	client *v3ktorsdk.Client
	store  *feed.Store
	rec    *feed.Reconciler
	events chan struct{}

	pane     int
	selected [paneCount]int

	noteInput textinput.Model
	entering  bool

	errMsg  string
	loading bool
	width   int
	height  int
}

func New(client *v3ktorsdk.Client) *Model {
	store := feed.NewStore()
	events := make(chan struct{}, 16)
	backend := notifyingBackend{Backend: feed.NewClientBackend(client), ch: events}

	input := textinput.New()
	input.Placeholder = "note for the agent"
	input.CharLimit = 500

	return &Model{
		client:    client,
		store:     store,
		rec:       feed.NewReconciler(backend, store),
		events:    events,
		noteInput: input,
		loading:   true,
	}
}

func (m *Model) Init() tea.Cmd {
	if !m.client.Configured() {
		return nil
	}
	return tea.Batch(m.startFeed(), m.listenForSourceEvent())
}

func (m *Model) startFeed() tea.Cmd {
	return func() tea.Msg {
		return feedStartedMsg{err: m.rec.Start(context.Background())}
	}
}

func (m *Model) listenForSourceEvent() tea.Cmd {
	return func() tea.Msg {
		<-m.events
		return sourceEventMsg{}
	}
}

func (m *Model) refresh() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return refreshDoneMsg{err: m.rec.Refresh(ctx)}
	}
}

func clearErrAfter(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return clearErrMsg{} })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case feedStartedMsg:
		m.loading = false
		if msg.err != nil {
			return m, m.reportErr(msg.err)
		}
		return m, nil

	case sourceEventMsg:
		return m, m.listenForSourceEvent()

	case refreshDoneMsg:
		if msg.err != nil {
			return m, m.reportErr(msg.err)
		}
		return m, nil

	case mutationResultMsg:
		if msg.err != nil {
			return m, m.reportErr(msg.err)
		}
		return m, nil

	case clearErrMsg:
		m.errMsg = ""
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) reportErr(err error) tea.Cmd {
	m.errMsg = err.Error()
	return clearErrAfter(4 * time.Second)
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.entering {
		switch msg.Type {
		case tea.KeyEnter:
			content := strings.TrimSpace(m.noteInput.Value())
			m.entering = false
			m.noteInput.Reset()
			if content == "" {
				return m, nil
			}
			return m, m.addNote(content)
		case tea.KeyEsc:
			m.entering = false
			m.noteInput.Reset()
			return m, nil
		}
		var cmd tea.Cmd
		m.noteInput, cmd = m.noteInput.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q", "ctrl+c":
		m.rec.Close()
		return m, tea.Quit
	case "tab":
		m.pane = (m.pane + 1) % paneCount
		return m, nil
	case "shift+tab":
		m.pane = (m.pane + paneCount - 1) % paneCount
		return m, nil
	case "up", "k":
		if m.selected[m.pane] > 0 {
			m.selected[m.pane]--
		}
		return m, nil
	case "down", "j":
		if m.selected[m.pane] < m.paneLen(m.pane)-1 {
			m.selected[m.pane]++
		}
		return m, nil
	case "r":
		return m, m.refresh()
	case "n":
		m.entering = true
		m.noteInput.Focus()
		return m, textinput.Blink
	case "s":
		if m.pane == paneNotes {
			return m, m.setNoteStatus("seen")
		}
	case "p":
		if m.pane == paneNotes {
			return m, m.setNoteStatus("processed")
		}
	case "m":
		if m.pane == paneTasks {
			return m, m.advanceTask()
		}
	}
	return m, nil
}

func (m *Model) paneLen(pane int) int {
	switch pane {
	case paneTasks:
		return len(m.store.Tasks())
	case paneNotes:
		return len(m.store.Notes())
	case paneActivity:
		return len(m.store.Activity())
	case paneDeliverables:
		return len(m.store.Deliverables())
	case paneTokens:
		return len(m.store.TokenUsage())
	}
	return 0
}

// Mutations go to the backend only; the mirror catches up through the
// change stream.

func (m *Model) addNote(content string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := m.client.AddNote(ctx, content, nil)
		return mutationResultMsg{err: err}
	}
}

func (m *Model) setNoteStatus(status string) tea.Cmd {
	notes := m.store.Notes()
	idx := m.selected[paneNotes]
	if idx < 0 || idx >= len(notes) {
		return nil
	}
	id := notes[idx].ID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := m.client.UpdateNote(ctx, id, v3ktorsdk.NotePatch{Status: &status})
		return mutationResultMsg{err: err}
	}
}

func (m *Model) advanceTask() tea.Cmd {
	tasks := m.store.Tasks()
	idx := m.selected[paneTasks]
	if idx < 0 || idx >= len(tasks) {
		return nil
	}
	task := tasks[idx]
	var next string
	switch task.Status {
	case "todo":
		next = "in_progress"
	case "in_progress":
		next = "done"
	default:
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := m.client.UpdateTask(ctx, task.TaskID, v3ktorsdk.TaskPatch{Status: &next})
		return mutationResultMsg{err: err}
	}
}

func (m *Model) View() string {
	if !m.client.Configured() {
		return dimStyle.Render("\n  V3KTOR_URL is not set; nothing to watch.\n  Export V3KTOR_URL (and V3KTOR_KEY if the backend requires it) and restart.\n")
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("v3ktor board"))
	b.WriteString("  ")
	b.WriteString(m.statusLine())
	b.WriteString("\n\n")

	for i, name := range paneNames {
		style := inactiveTab
		if i == m.pane {
			style = activeTab
		}
		b.WriteString(style.Render(name))
		if i < paneCount-1 {
			b.WriteString("  ")
		}
	}
	b.WriteString("\n\n")

	if m.loading {
		b.WriteString(dimStyle.Render("loading..."))
	} else {
		b.WriteString(m.paneView())
	}
	b.WriteString("\n")

	if m.entering {
		b.WriteString("\nnew note: " + m.noteInput.View() + "\n")
	}
	if m.errMsg != "" {
		b.WriteString("\n" + errStyle.Render(m.errMsg) + "\n")
	}
	b.WriteString("\n" + headerStyle.Render("tab: pane  n: note  s/p: note seen/processed  m: move task  r: refresh  q: quit"))
	return b.String()
}

func (m *Model) statusLine() string {
	status := m.store.Status()
	if status == nil {
		return dimStyle.Render("status: unknown")
	}
	line := "status: " + status.OperationalState
	if status.CurrentTask != nil && *status.CurrentTask != "" {
		line += " | " + *status.CurrentTask
	}
	if status.ActiveModel != nil && *status.ActiveModel != "" {
		line += " | " + *status.ActiveModel
	}
	if n := len(status.ActiveSubAgents); n > 0 {
		line += fmt.Sprintf(" | %d sub-agents", n)
	}
	return headerStyle.Render(line)
}

func (m *Model) paneView() string {
	const maxRows = 15
	var lines []string
	switch m.pane {
	case paneTasks:
		for _, t := range m.store.Tasks() {
			lines = append(lines, fmt.Sprintf("[%s] %-11s %s", t.Priority, t.Status, t.Title))
		}
	case paneNotes:
		for _, n := range m.store.Notes() {
			lines = append(lines, fmt.Sprintf("%-9s %s", n.Status, n.Content))
		}
	case paneActivity:
		for _, e := range m.store.Activity() {
			line := e.Timestamp + "  " + e.ActionType
			if e.Target != nil {
				line += " " + *e.Target
			}
			if e.Outcome != nil {
				line += " (" + *e.Outcome + ")"
			}
			lines = append(lines, line)
		}
	case paneDeliverables:
		for _, d := range m.store.Deliverables() {
			line := d.Title + " (" + d.Type + ")"
			if d.FilePath != nil {
				line += " " + *d.FilePath
			}
			lines = append(lines, line)
		}
	case paneTokens:
		var total int64
		var cost float64
		usage := m.store.TokenUsage()
		for _, u := range usage {
			total += u.TokensUsed
			if u.EstimatedCost != nil {
				cost += *u.EstimatedCost
			}
		}
		lines = append(lines, headerStyle.Render(fmt.Sprintf("total %d tokens, est. $%.4f", total, cost)))
		for _, u := range usage {
			line := fmt.Sprintf("%s  %d tokens", u.Timestamp, u.TokensUsed)
			if u.Model != nil {
				line += "  " + *u.Model
			}
			if u.EstimatedCost != nil {
				line += fmt.Sprintf("  $%.4f", *u.EstimatedCost)
			}
			lines = append(lines, line)
		}
	}

	if len(lines) == 0 {
		return dimStyle.Render("(empty)")
	}
	if len(lines) > maxRows {
		lines = lines[:maxRows]
	}
	sel := m.selected[m.pane]
	var b strings.Builder
	for i, line := range lines {
		prefix := "  "
		if i == sel {
			prefix = "> "
			line = selectedStyle.Render(line)
		}
		b.WriteString(prefix + line + "\n")
	}
	return b.String()
}
