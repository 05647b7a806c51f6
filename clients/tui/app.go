// Package tui is the live dashboard: a task table fed by the gateway REST
// API and an event feed streamed over its WebSocket.
package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/dohr-michael/quorum/clients/ws"
	"github.com/dohr-michael/quorum/internal/store"
)

const (
	maxFeedLines = 200
	refreshEvery = 5 * time.Second
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1)
	feedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Padding(0, 1)
	borderStyle = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240"))
)

// Run starts the dashboard and blocks until the user quits.
func Run(ctx context.Context, baseURL, wsURL string) error {
	m := newModel(ctx, baseURL, wsURL)
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

type mode int

const (
	modeTable mode = iota
	modeDetail
)

type model struct {
	ctx     context.Context
	baseURL string
	wsURL   string

	table    table.Model
	viewport viewport.Model
	mode     mode

	tasks  []store.Task
	feed   []string
	events chan string
	err    string

	width  int
	height int
	ready  bool
}

func newModel(ctx context.Context, baseURL, wsURL string) *model {
	t := table.New(
		table.WithColumns(taskColumns(80)),
		table.WithFocused(true),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return &model{
		ctx:     ctx,
		baseURL: strings.TrimRight(baseURL, "/"),
		wsURL:   wsURL,
		table:   t,
		events:  make(chan string, 64),
	}
}

func taskColumns(width int) []table.Column {
	prompt := width - 46
	if prompt < 20 {
		prompt = 20
	}
	return []table.Column{
		{Title: "ID", Width: 14},
		{Title: "STATUS", Width: 10},
		{Title: "BUDGET", Width: 8},
		{Title: "PROMPT", Width: prompt},
	}
}

// Messages.

type tasksMsg []store.Task
type feedMsg string
type tickMsg struct{}
type errMsg struct{ err error }
type streamClosedMsg struct{}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.fetchTasks, m.connectStream, m.waitForEvent, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(time.Time) tea.Msg { return tickMsg{} })
}

// fetchTasks loads the task table from the REST API.
func (m *model) fetchTasks() tea.Msg {
	var list []store.Task
	if err := m.getJSON("/api/tasks", &list); err != nil {
		return errMsg{err}
	}
	return tasksMsg(list)
}

func (m *model) getJSON(path string, out any) error {
	ctx, cancel := context.WithTimeout(m.ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// connectStream dials the event WebSocket and pumps frames into the feed
// channel until the connection drops.
func (m *model) connectStream() tea.Msg {
	client, err := ws.Dial(m.ctx, m.wsURL)
	if err != nil {
		return errMsg{err}
	}
	if err := client.Subscribe(">"); err != nil {
		client.Close()
		return errMsg{err}
	}

	go func() {
		defer client.Close()
		for {
			frame, err := client.ReadFrame()
			if err != nil {
				close(m.events)
				return
			}
			if frame.Topic == "" {
				continue
			}
			select {
			case m.events <- renderEvent(frame.Topic, frame.Payload):
			case <-m.ctx.Done():
				return
			}
		}
	}()
	return feedMsg("connected to " + m.wsURL)
}

// waitForEvent hands the next streamed event to Update.
func (m *model) waitForEvent() tea.Msg {
	line, ok := <-m.events
	if !ok {
		return streamClosedMsg{}
	}
	return feedMsg(line)
}

// renderEvent flattens one bus event into a single feed line.
func renderEvent(topic string, payload json.RawMessage) string {
	var fields map[string]any
	summary := ""
	if json.Unmarshal(payload, &fields) == nil {
		parts := make([]string, 0, 4)
		for _, k := range []string{"agent_id", "task_id", "status", "reason", "amount", "message", "content"} {
			if v, ok := fields[k]; ok && v != "" {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
		}
		summary = strings.Join(parts, " ")
	}
	return fmt.Sprintf("%s  %s %s", time.Now().Format("15:04:05"), topic, summary)
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetColumns(taskColumns(msg.Width))
		m.table.SetHeight(m.tableHeight())
		m.viewport = viewport.New(msg.Width-2, msg.Height-4)
		m.ready = true

	case tickMsg:
		return m, tea.Batch(m.fetchTasks, tick())

	case tasksMsg:
		m.tasks = msg
		m.err = ""
		rows := make([]table.Row, len(msg))
		for i, t := range msg {
			budget := "-"
			if t.BudgetLimit != nil {
				budget = fmt.Sprintf("$%.2f", *t.BudgetLimit)
			}
			rows[i] = table.Row{t.ID, string(t.Status), budget, oneLine(t.Prompt)}
		}
		m.table.SetRows(rows)

	case feedMsg:
		m.feed = append(m.feed, string(msg))
		if len(m.feed) > maxFeedLines {
			m.feed = m.feed[len(m.feed)-maxFeedLines:]
		}
		return m, m.waitForEvent

	case streamClosedMsg:
		m.feed = append(m.feed, errorStyle.Render("event stream closed"))

	case errMsg:
		m.err = msg.err.Error()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	if m.mode == modeDetail {
		m.viewport, cmd = m.viewport.Update(msg)
	} else {
		m.table, cmd = m.table.Update(msg)
	}
	return m, cmd
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "esc":
		if m.mode == modeDetail {
			m.mode = modeTable
			return m, nil
		}
		return m, tea.Quit
	case "r":
		return m, m.fetchTasks
	case "enter":
		if m.mode == modeTable {
			if t := m.selected(); t != nil {
				m.showDetail(*t)
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	if m.mode == modeDetail {
		m.viewport, cmd = m.viewport.Update(msg)
	} else {
		m.table, cmd = m.table.Update(msg)
	}
	return m, cmd
}

func (m *model) selected() *store.Task {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.tasks) {
		return nil
	}
	return &m.tasks[i]
}

// showDetail renders one task into the viewport, the result as markdown.
func (m *model) showDetail(t store.Task) {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n**Status:** %s\n\n%s\n", t.ID, t.Status, t.Prompt)
	if t.Result != "" {
		fmt.Fprintf(&b, "\n---\n\n%s\n", t.Result)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(&b, "\n**Error:** %s\n", t.ErrorMessage)
	}

	content := b.String()
	if rendered, err := glamour.Render(content, "dark"); err == nil {
		content = rendered
	}
	m.viewport.SetContent(content)
	m.viewport.GotoTop()
	m.mode = modeDetail
}

func (m *model) tableHeight() int {
	h := m.height/2 - 3
	if h < 5 {
		h = 5
	}
	return h
}

func (m *model) View() string {
	if !m.ready {
		return "loading..."
	}

	if m.mode == modeDetail {
		help := helpStyle.Render("esc back · q quit")
		return titleStyle.Render("quorum · task") + "\n" + m.viewport.View() + "\n" + help
	}

	header := titleStyle.Render("quorum · tasks")
	if m.err != "" {
		header += "  " + errorStyle.Render(m.err)
	} else {
		header += "  " + statusStyle.Render(fmt.Sprintf("%d task(s)", len(m.tasks)))
	}

	feedHeight := m.height - m.tableHeight() - 5
	if feedHeight < 3 {
		feedHeight = 3
	}
	start := len(m.feed) - feedHeight
	if start < 0 {
		start = 0
	}
	feed := feedStyle.Render(strings.Join(m.feed[start:], "\n"))

	help := helpStyle.Render("enter details · r refresh · q quit")
	return header + "\n" +
		borderStyle.Width(m.width - 2).Render(m.table.View()) + "\n" +
		feed + "\n" + help
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
