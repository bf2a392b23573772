package tui

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vovakirdan/xblsync/internal/config"
	"github.com/vovakirdan/xblsync/internal/multiplayer"
	_ "github.com/vovakirdan/xblsync/internal/scenario/builtin"
	"github.com/vovakirdan/xblsync/internal/storage"
)

func newTestMonitor(t *testing.T, width int) MonitorModel {
	t.Helper()
	return NewMonitorModel(MonitorConfig{Config: config.Default(), Width: width, Height: 40})
}

func keyMsg(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func update(t *testing.T, m MonitorModel, msg tea.Msg) (MonitorModel, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	mm, ok := next.(MonitorModel)
	if !ok {
		t.Fatalf("Update() returned %T", next)
	}
	return mm, cmd
}

func TestMonitorCursor(t *testing.T) {
	m := newTestMonitor(t, 120)
	if len(m.scenarios) < 2 {
		t.Fatalf("expected builtin scenarios, got %d", len(m.scenarios))
	}

	m, _ = update(t, m, keyMsg("up"))
	if m.cursor != 0 {
		t.Errorf("cursor = %d, want 0", m.cursor)
	}
	m, _ = update(t, m, keyMsg("down"))
	m, _ = update(t, m, keyMsg("j"))
	if m.cursor != 2 {
		t.Errorf("cursor = %d, want 2", m.cursor)
	}
	for range len(m.scenarios) + 3 {
		m, _ = update(t, m, keyMsg("down"))
	}
	if m.cursor != len(m.scenarios)-1 {
		t.Errorf("cursor = %d, want last", m.cursor)
	}
}

func TestMonitorAutostartSelectsScenario(t *testing.T) {
	m := NewMonitorModel(MonitorConfig{Config: config.Default(), Autostart: "stats-flush", Width: 120, Height: 40})
	if got := m.scenarios[m.cursor].ID; got != "stats-flush" {
		t.Errorf("selected %q, want stats-flush", got)
	}
}

func TestMonitorRunsScenario(t *testing.T) {
	store, err := storage.Open(filepath.Join(t.TempDir(), "monitor.db"))
	if err != nil {
		t.Fatalf("storage.Open() error = %v", err)
	}
	defer store.Close()

	m := NewMonitorModel(MonitorConfig{Config: config.Default(), Store: store, Width: 120, Height: 40})
	for i, s := range m.scenarios {
		if s.ID == "pending-fanout" {
			m.cursor = i
		}
	}

	m, cmd := update(t, m, keyMsg("enter"))
	if m.running != "pending-fanout" || cmd == nil {
		t.Fatalf("running = %q, cmd = %v", m.running, cmd)
	}
	// A second run request is ignored while one is running.
	if _, again := update(t, m, keyMsg("enter")); again != nil {
		t.Error("Expected no command while a scenario is running")
	}

	done, ok := cmd().(runDoneMsg)
	if !ok {
		t.Fatal("run command did not return runDoneMsg")
	}
	if done.Err != nil {
		t.Fatalf("scenario failed: %v", done.Err)
	}

	for len(m.stepCh) > 0 {
		m, _ = update(t, m, stepMsg(<-m.stepCh))
	}
	for len(m.sink.Events()) > 0 {
		m, _ = update(t, m, eventMsg(<-m.sink.Events()))
	}
	m, _ = update(t, m, done)

	if m.running != "" {
		t.Errorf("running = %q after completion", m.running)
	}
	if len(m.steps) == 0 {
		t.Error("no steps recorded")
	}
	if len(m.rows) != 5 {
		t.Errorf("event rows = %d, want 5", len(m.rows))
	}
	if err, ok := m.results["pending-fanout"]; !ok || err != nil {
		t.Errorf("result = %v, %v", err, ok)
	}

	counts, err := store.EventCounts()
	if err != nil {
		t.Fatalf("EventCounts() error = %v", err)
	}
	m, _ = update(t, m, countsMsg(counts))
	view := m.View()
	for _, want := range []string{"XBLSYNC MONITOR", "pending-fanout", "ok", "session_property_write_completed"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestMonitorRunAllQueuesScenarios(t *testing.T) {
	m := newTestMonitor(t, 120)
	m, cmd := update(t, m, keyMsg("a"))
	if cmd == nil || m.running != m.scenarios[0].ID {
		t.Fatalf("running = %q", m.running)
	}
	if len(m.queue) != len(m.scenarios)-1 {
		t.Errorf("queue = %v", m.queue)
	}

	m, cmd = update(t, m, runDoneMsg{ID: m.scenarios[0].ID, Err: errors.New("boom")})
	if cmd == nil || m.running != m.scenarios[1].ID {
		t.Errorf("running = %q after the first completion", m.running)
	}
	if !strings.Contains(m.View(), "FAIL") {
		t.Error("View() should mark the failed scenario")
	}
}

func TestMonitorNarrowLayoutAndClear(t *testing.T) {
	m := newTestMonitor(t, 60)
	if m.showSidebar {
		t.Fatal("sidebar shown on a narrow terminal")
	}
	m, _ = update(t, m, stepMsg{Time: time.Now(), Scenario: "x", Message: "hello"})
	m, _ = update(t, m, eventMsg(multiplayer.Event{Type: multiplayer.EventJoinabilityStateChanged, Time: time.Now()}))
	if !strings.Contains(m.View(), "hello") {
		t.Error("View() missing step")
	}

	m, _ = update(t, m, keyMsg("c"))
	if len(m.steps) != 0 || len(m.rows) != 0 {
		t.Errorf("clear left %d steps, %d rows", len(m.steps), len(m.rows))
	}

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 140, Height: 50})
	if !m.showSidebar {
		t.Error("sidebar hidden after widening")
	}
}

func TestMonitorQuit(t *testing.T) {
	m := newTestMonitor(t, 120)
	m, cmd := update(t, m, keyMsg("q"))
	if !m.quitting || cmd == nil {
		t.Fatal("q should quit")
	}
	if m.View() != "" {
		t.Error("View() should be empty after quitting")
	}
	select {
	case <-m.sink.Done():
	default:
		t.Error("sink should be closed after quitting")
	}
}

func TestFormatting(t *testing.T) {
	if got := formatCounts(map[string]int{"b": 2, "a": 1}); got != "a=1  b=2" {
		t.Errorf("formatCounts() = %q", got)
	}
	if got := formatCounts(nil); got != "journal empty" {
		t.Errorf("formatCounts(nil) = %q", got)
	}
	evt := multiplayer.Event{Args: multiplayer.SynchronizedHostArgs{DeviceToken: "dev"}, Err: errors.New("x"), ErrorMessage: "stale"}
	if eventDetail(evt) != "dev" || eventResult(evt) != "error: stale" {
		t.Errorf("detail = %q, result = %q", eventDetail(evt), eventResult(evt))
	}
	if got := truncate("abcdefgh", 5); got != "abcd." {
		t.Errorf("truncate() = %q", got)
	}
}
