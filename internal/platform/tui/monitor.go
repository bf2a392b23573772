package tui

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/vovakirdan/xblsync/internal/config"
	"github.com/vovakirdan/xblsync/internal/multiplayer"
	"github.com/vovakirdan/xblsync/internal/scenario"
	"github.com/vovakirdan/xblsync/internal/storage"
)

// Monitor layout constants
const (
	minWidthForSidebar = 80 // Minimum width to show the scenario sidebar
	sidebarWidth       = 28
	maxSteps           = 200
	maxEventRows       = 200
	refreshInterval    = time.Second
	scenarioTimeout    = time.Minute
)

// MonitorConfig configures a MonitorModel.
type MonitorConfig struct {
	Config config.Config

	// Store journals events and offline stats documents. Optional.
	Store *storage.Store

	// Logger receives scenario logs. Anything written to the terminal would
	// corrupt the screen, so the default discards.
	Logger *log.Logger

	// Status returns an extra status line, refreshed every second. Optional.
	Status func() string

	// Autostart names a scenario to run as soon as the monitor starts.
	Autostart string

	Width  int
	Height int
}

type stepMsg scenario.Step

type eventMsg multiplayer.Event

type runDoneMsg struct {
	ID  string
	Err error
}

type countsMsg map[string]int

// MonitorModel runs scenarios and shows their progress, the events they
// produce and the journal counters.
type MonitorModel struct {
	cfg       MonitorConfig
	scenarios []scenario.Info
	cursor    int
	results   map[string]error
	running   string
	queue     []string

	stepCh chan scenario.Step
	sink   *multiplayer.ChannelSink
	steps  []scenario.Step
	rows   []table.Row
	counts map[string]int
	status string

	table       table.Model
	help        help.Model
	keys        KeyMap
	width       int
	height      int
	showSidebar bool
	quitting    bool
}

// NewMonitorModel creates a monitor over every registered scenario.
func NewMonitorModel(cfg MonitorConfig) MonitorModel {
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard)
	}
	bufferSize := cfg.Config.Multiplayer.EventBuffer

	h := help.New()
	h.ShowAll = false

	m := MonitorModel{
		cfg:         cfg,
		scenarios:   scenario.List(),
		results:     make(map[string]error),
		stepCh:      make(chan scenario.Step, maxSteps),
		sink:        multiplayer.NewChannelSink(bufferSize),
		help:        h,
		keys:        DefaultKeyMap(),
		width:       cfg.Width,
		height:      cfg.Height,
		showSidebar: cfg.Width >= minWidthForSidebar,
	}
	for i, s := range m.scenarios {
		if s.ID == cfg.Autostart {
			m.cursor = i
		}
	}
	m.table = m.createTable()
	return m
}

// createTable creates the event table sized to the current window.
func (m *MonitorModel) createTable() table.Model {
	tableWidth := m.width - 6
	if m.showSidebar {
		tableWidth -= sidebarWidth + 4
	}
	detailWidth := max(tableWidth-8-6-34-10, 12)

	columns := []table.Column{
		{Title: "Time", Width: 8},
		{Title: "Type", Width: 6},
		{Title: "Event", Width: 34},
		{Title: "Detail", Width: detailWidth},
		{Title: "Result", Width: 10},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(false),
		table.WithHeight(max(m.height/2-4, 3)),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = lipgloss.NewStyle()
	t.SetStyles(s)
	t.SetRows(m.rows)
	t.GotoBottom()
	return t
}

// Init starts listening for steps and events.
func (m MonitorModel) Init() tea.Cmd {
	cmds := []tea.Cmd{m.waitForStep(), m.waitForEvent(), m.refreshCounts(), tickCmd(refreshInterval)}
	if m.cfg.Autostart != "" {
		cmds = append(cmds, m.runCmd(m.cfg.Autostart))
	}
	return tea.Batch(cmds...)
}

// waitForStep returns a command that waits for the next scenario step.
func (m MonitorModel) waitForStep() tea.Cmd {
	return func() tea.Msg {
		select {
		case s := <-m.stepCh:
			return stepMsg(s)
		case <-m.sink.Done():
			return nil
		}
	}
}

// waitForEvent returns a command that waits for the next multiplayer event.
func (m MonitorModel) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case evt := <-m.sink.Events():
			return eventMsg(evt)
		case <-m.sink.Done():
			return nil
		}
	}
}

func (m MonitorModel) refreshCounts() tea.Cmd {
	store := m.cfg.Store
	if store == nil {
		return nil
	}
	return func() tea.Msg {
		counts, err := store.EventCounts()
		if err != nil {
			m.cfg.Logger.Warn("could not read journal counts", "err", err)
			return nil
		}
		return countsMsg(counts)
	}
}

// runCmd runs a scenario in its own environment.
func (m MonitorModel) runCmd(id string) tea.Cmd {
	cfg := m.cfg
	steps := m.stepCh
	sink := m.sink
	return func() tea.Msg {
		env := scenario.NewEnv(cfg.Config, cfg.Logger)
		env.Sink = sink
		env.OnStep = func(s scenario.Step) {
			select {
			case steps <- s:
			case <-sink.Done():
			}
		}
		if cfg.Store != nil {
			env.Recorder = cfg.Store
			env.Offline = cfg.Store
		}

		ctx, cancel := context.WithTimeout(context.Background(), scenarioTimeout)
		defer cancel()
		return runDoneMsg{ID: id, Err: scenario.Run(ctx, id, env)}
	}
}

// start runs id unless a scenario is already running.
func (m MonitorModel) start(id string) (MonitorModel, tea.Cmd) {
	if m.running != "" {
		return m, nil
	}
	m.running = id
	return m, m.runCmd(id)
}

// Update handles messages for the monitor.
func (m MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.showSidebar = m.width >= minWidthForSidebar
		m.table = m.createTable()
		m.help.Width = msg.Width
		return m, nil

	case stepMsg:
		m.steps = append(m.steps, scenario.Step(msg))
		if len(m.steps) > maxSteps {
			m.steps = m.steps[len(m.steps)-maxSteps:]
		}
		return m, m.waitForStep()

	case eventMsg:
		evt := multiplayer.Event(msg)
		m.rows = append(m.rows, table.Row{
			evt.Time.Format("15:04:05"),
			evt.SessionType.String(),
			evt.Type.String(),
			eventDetail(evt),
			eventResult(evt),
		})
		if len(m.rows) > maxEventRows {
			m.rows = m.rows[len(m.rows)-maxEventRows:]
		}
		m.table.SetRows(m.rows)
		m.table.GotoBottom()
		return m, m.waitForEvent()

	case runDoneMsg:
		m.results[msg.ID] = msg.Err
		m.running = ""
		next := m.refreshCounts()
		if len(m.queue) > 0 {
			id := m.queue[0]
			m.queue = m.queue[1:]
			var run tea.Cmd
			m, run = m.start(id)
			next = tea.Batch(next, run)
		}
		return m, next

	case countsMsg:
		m.counts = msg
		return m, nil

	case TickMsg:
		if m.cfg.Status != nil {
			m.status = m.cfg.Status()
		}
		return m, tea.Batch(m.refreshCounts(), tickCmd(refreshInterval))
	}

	return m, nil
}

// handleKey processes keyboard input.
func (m MonitorModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		m.sink.Close()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.scenarios)-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Run):
		if len(m.scenarios) > 0 {
			return m.start(m.scenarios[m.cursor].ID)
		}

	case key.Matches(msg, m.keys.RunAll):
		if m.running != "" || len(m.scenarios) == 0 {
			return m, nil
		}
		m.queue = m.queue[:0]
		for _, s := range m.scenarios[1:] {
			m.queue = append(m.queue, s.ID)
		}
		return m.start(m.scenarios[0].ID)

	case key.Matches(msg, m.keys.Clear):
		m.steps = nil
		m.rows = nil
		m.table.SetRows(nil)

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	}

	return m, nil
}

// View renders the monitor.
func (m MonitorModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	title := "XBLSYNC MONITOR"
	if m.running != "" {
		title = fmt.Sprintf("XBLSYNC MONITOR - running %s", m.running)
	}
	b.WriteString(titleStyle.Render(centerText(title, m.width)))
	b.WriteString("\n")
	if m.status != "" {
		b.WriteString(dimStyle.Render(centerText(m.status, m.width)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	body := lipgloss.JoinVertical(lipgloss.Left,
		panelStyle.Render(m.renderSteps()),
		panelStyle.Render(m.renderEvents()),
	)
	if m.showSidebar {
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(), "  ", body))
	} else {
		b.WriteString(m.renderTabs())
		b.WriteString("\n")
		b.WriteString(body)
	}

	b.WriteString("\n")
	if m.cfg.Store != nil {
		b.WriteString(dimStyle.Render(formatCounts(m.counts)))
		b.WriteString("\n")
	}
	b.WriteString(dimStyle.Render(m.help.View(m.keys)))
	return b.String()
}

// renderSidebar renders the scenario list with the last result of each.
func (m MonitorModel) renderSidebar() string {
	style := panelStyle.Width(sidebarWidth)

	var sb strings.Builder
	sb.WriteString("Scenarios\n")
	sb.WriteString(strings.Repeat("-", sidebarWidth-4))
	sb.WriteString("\n")
	for i, s := range m.scenarios {
		cursor := "  "
		line := lipgloss.NewStyle()
		if i == m.cursor {
			cursor = "> "
			line = line.Bold(true).Foreground(lipgloss.Color("229"))
		}
		sb.WriteString(line.Render(cursor + truncate(s.ID, sidebarWidth-12)))
		sb.WriteString(" ")
		sb.WriteString(m.resultMark(s.ID))
		sb.WriteString("\n")
	}
	if len(m.scenarios) > 0 {
		sb.WriteString("\n")
		sb.WriteString(dimStyle.Render(lipgloss.NewStyle().Width(sidebarWidth - 4).Render(m.scenarios[m.cursor].Description)))
	}
	return style.Render(sb.String())
}

// renderTabs renders the selected scenario for narrow terminals.
func (m MonitorModel) renderTabs() string {
	if len(m.scenarios) == 0 {
		return centerText("no scenarios registered", m.width)
	}
	s := m.scenarios[m.cursor]
	return centerText(fmt.Sprintf("< %s > %s", s.ID, m.resultMark(s.ID)), m.width)
}

func (m MonitorModel) resultMark(id string) string {
	if id == m.running {
		return dimStyle.Render("...")
	}
	err, ok := m.results[id]
	switch {
	case !ok:
		return ""
	case err != nil:
		return failStyle.Render("FAIL")
	default:
		return okStyle.Render("ok")
	}
}

// renderSteps renders the tail of the step log and the last failure.
func (m MonitorModel) renderSteps() string {
	lines := max(m.height/2-8, 3)
	if len(m.steps) == 0 {
		return dimStyle.Italic(true).Render("No steps yet.\nSelect a scenario and press enter.")
	}

	start := max(len(m.steps)-lines, 0)
	var sb strings.Builder
	for i, s := range m.steps[start:] {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s %s %s", s.Time.Format("15:04:05"), dimStyle.Render(s.Scenario), s.Message)
	}
	if len(m.scenarios) > 0 {
		if err := m.results[m.scenarios[m.cursor].ID]; err != nil {
			sb.WriteString("\n")
			sb.WriteString(failStyle.Render(err.Error()))
		}
	}
	return sb.String()
}

// renderEvents renders the event table or an empty message.
func (m MonitorModel) renderEvents() string {
	if len(m.rows) == 0 {
		return dimStyle.Italic(true).Render("No multiplayer events yet.")
	}
	return m.table.View()
}

// Results returns the outcome of every scenario run so far.
func (m MonitorModel) Results() map[string]error {
	return m.results
}

// RunMonitor runs the monitor in the current terminal until the user quits.
// It returns the results of the scenarios that ran.
func RunMonitor(cfg MonitorConfig) (map[string]error, error) {
	p := tea.NewProgram(NewMonitorModel(cfg), tea.WithAltScreen())

	finalModel, err := p.Run()
	if err != nil {
		return nil, err
	}
	m, ok := finalModel.(MonitorModel)
	if !ok {
		return nil, nil
	}
	return m.Results(), nil
}
