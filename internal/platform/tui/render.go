package tui

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vovakirdan/xblsync/internal/multiplayer"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func centerText(text string, width int) string {
	w := lipgloss.Width(text)
	if w >= width {
		return text
	}
	return strings.Repeat(" ", (width-w)/2) + text
}

func truncate(s string, width int) string {
	if width <= 1 || len(s) <= width {
		return s
	}
	return s[:width-1] + "."
}

// eventDetail renders the arguments of an event.
func eventDetail(evt multiplayer.Event) string {
	switch a := evt.Args.(type) {
	case multiplayer.JoinabilityArgs:
		return a.Joinability.String()
	case multiplayer.PropertyWriteArgs:
		return a.Name
	case multiplayer.SynchronizedHostArgs:
		return a.DeviceToken
	default:
		return ""
	}
}

func eventResult(evt multiplayer.Event) string {
	if evt.Failed() {
		return "error: " + evt.ErrorMessage
	}
	return "ok"
}

// formatCounts renders journal counts as "type=n" pairs sorted by type.
func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "journal empty"
	}
	parts := make([]string, 0, len(counts))
	for _, typ := range slices.Sorted(maps.Keys(counts)) {
		parts = append(parts, fmt.Sprintf("%s=%d", typ, counts[typ]))
	}
	return strings.Join(parts, "  ")
}
