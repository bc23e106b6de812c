package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/hochfrequenz/conveyor/internal/domain"
	"github.com/hochfrequenz/conveyor/internal/health"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	queuedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	statusBarStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	// Header
	header := fmt.Sprintf(" Conveyor │ Runs: %d (%d running) │ Leases: %d/%d ",
		len(m.runs), m.runningCount(), len(m.leases), m.capacity)
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	// Tab bar
	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	// Content based on active tab
	switch m.activeTab {
	case 0: // Dashboard
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderActive()))
		b.WriteString("\n")

		if attention := m.attention(); len(attention) > 0 {
			b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderAttention(attention)))
			b.WriteString("\n")
		}

		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderLeases()))
		b.WriteString("\n")

	case 1: // Runs
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderRuns()))
		b.WriteString("\n")

	case 2: // Health
		b.WriteString(sectionStyle.Width(m.width - 2).Render(m.renderHealth()))
		b.WriteString("\n")
	}

	if m.loadErr != nil {
		b.WriteString(warningStyle.Width(m.width).Render(fmt.Sprintf(" %s ", m.loadErr)))
		b.WriteString("\n")
	}

	// Status bar
	var statusBar string
	switch m.activeTab {
	case 1:
		statusBar = " [tab]switch [j/k]scroll [r]efresh [q]uit "
	case 2:
		statusBar = " [tab]switch [r]escan [q]uit "
	default:
		statusBar = " [tab]switch [d]ashboard [l]runs [h]ealth [r]efresh [q]uit "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(statusBar))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"Dashboard", "Runs", "Health"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderActive() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("ACTIVE"))
	b.WriteString("\n")

	hasActive := false
	for _, run := range m.runs {
		if run.Status != domain.RunRunning && run.Status != domain.RunPending {
			continue
		}
		hasActive = true
		phase := run.CurrentPhase
		if phase == "" {
			phase = "(queued)"
		}
		age := ""
		if run.PhaseStartedAt != nil {
			age = formatDuration(time.Since(*run.PhaseStartedAt))
		}
		line := fmt.Sprintf("  ● %-13s #%-5s %-10s %5s",
			run.ID, run.TicketRef, phase, age)
		if run.Status == domain.RunRunning {
			b.WriteString(runningStyle.Render(line))
		} else {
			b.WriteString(queuedStyle.Render(line))
		}
		b.WriteString("\n")
	}

	if !hasActive {
		b.WriteString(queuedStyle.Render("  No active runs"))
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderAttention(runs []*domain.Run) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("NEEDS ATTENTION"))
	b.WriteString("\n")

	for _, run := range runs {
		detail := run.FailureKind
		if len(run.NextSteps) > 0 {
			detail = fmt.Sprintf("%s: %s", run.FailureKind, truncate(run.NextSteps[0], 50))
		}
		glyph := "✗"
		style := failedStyle
		if run.Status == domain.RunBlocked {
			glyph = "⚠"
			style = warningStyle
		}
		line := fmt.Sprintf("  %s %-13s #%-5s %s", glyph, run.ID, run.TicketRef, detail)
		b.WriteString(style.Render(line))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderLeases() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("LEASES (%d/%d)", len(m.leases), m.capacity)))
	b.WriteString("\n")

	if len(m.leases) == 0 {
		b.WriteString(queuedStyle.Render("  No slots in use"))
		return b.String()
	}

	for _, l := range m.leases {
		line := fmt.Sprintf("  slot %-3d %-13s %d/%d  heartbeat %s",
			l.SlotIndex, l.OwnerRunID, l.PortA, l.PortB, humanize.Time(l.HeartbeatAt))
		if time.Since(l.HeartbeatAt) > 10*time.Minute {
			b.WriteString(warningStyle.Render(line))
		} else {
			b.WriteString(queuedStyle.Render(line))
		}
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderRuns() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNS"))
	b.WriteString("\n")

	if len(m.runs) == 0 {
		b.WriteString(queuedStyle.Render("  No runs. Use 'conveyor start' or 'conveyor intake'."))
		return b.String()
	}

	header := fmt.Sprintf("  %-13s %-7s %-9s %-10s %-10s %s",
		"RUN", "TICKET", "STATUS", "PHASE", "CHAIN", "UPDATED")
	b.WriteString(dimmedStyle.Render(header))
	b.WriteString("\n")

	maxVisible := m.height - 10
	if maxVisible < 5 {
		maxVisible = 5
	}
	start := m.runScroll
	if start > len(m.runs)-1 {
		start = len(m.runs) - 1
	}
	end := start + maxVisible
	if end > len(m.runs) {
		end = len(m.runs)
	}

	for _, run := range m.runs[start:end] {
		phase := run.CurrentPhase
		if phase == "" {
			phase = "-"
		}
		glyph, style := statusGlyph(run.Status)
		line := fmt.Sprintf("%s %-13s #%-6s %-9s %-10s %-10s %s",
			glyph, run.ID, run.TicketRef, run.Status, phase, run.ChainName,
			humanize.Time(run.UpdatedAt))
		b.WriteString(style.Render("  " + line))
		b.WriteString("\n")
	}

	if end < len(m.runs) {
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  … %d more", len(m.runs)-end)))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderHealth() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("HEALTH"))
	b.WriteString("\n")

	if m.scanning {
		b.WriteString(queuedStyle.Render("  Scanning..."))
		return b.String()
	}
	if m.reports == nil {
		b.WriteString(queuedStyle.Render("  No scan yet. Press r to scan."))
		return b.String()
	}
	if len(m.reports) == 0 {
		b.WriteString(queuedStyle.Render("  No live runs"))
		return b.String()
	}

	for _, r := range m.reports {
		line := fmt.Sprintf("  %-13s #%-6s %-16s %s",
			r.RunID, r.TicketRef, r.Label, truncate(r.Detail, 60))
		b.WriteString(labelStyle(r.Label).Render(line))
		b.WriteString("\n")
	}

	return strings.TrimSuffix(b.String(), "\n")
}

func statusGlyph(status domain.RunStatus) (string, lipgloss.Style) {
	switch status {
	case domain.RunRunning:
		return "●", runningStyle
	case domain.RunSucceeded:
		return "✓", runningStyle
	case domain.RunFailed:
		return "✗", failedStyle
	case domain.RunBlocked:
		return "⚠", warningStyle
	default:
		return "○", queuedStyle
	}
}

func labelStyle(label health.Label) lipgloss.Style {
	switch label {
	case health.LabelHealthy:
		return runningStyle
	case health.LabelStuck, health.LabelBlockedCIPass:
		return warningStyle
	case health.LabelFailed:
		return failedStyle
	default:
		return queuedStyle
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dm", int(d.Minutes()))
}
