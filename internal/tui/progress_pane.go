package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpack/internal/events"
)

// ProgressPaneModel shows run-level progress: stage counts, a progress bar
// and the terminal outcome.
type ProgressPaneModel struct {
	runID      string
	workItemID string
	total      int
	completed  int
	running    int
	failed     int
	started    time.Time
	finished   bool
	outcome    string
	duration   time.Duration
	width      int
	height     int
	focused    bool
}

// NewProgressPaneModel creates a progress pane.
func NewProgressPaneModel() ProgressPaneModel {
	return ProgressPaneModel{}
}

// Update handles messages for the progress pane.
func (m ProgressPaneModel) Update(msg tea.Msg) (ProgressPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case events.RunStartedEvent:
		m.runID = msg.Run
		m.workItemID = msg.WorkItemID
		m.total = len(msg.Stages)
		m.started = msg.Timestamp

	case events.StageStartedEvent:
		m.running = 1

	case events.StageCompletedEvent:
		m.running = 0
		m.completed++

	case events.StageFailedEvent:
		m.running = 0
		m.failed++

	case events.RunSucceededEvent:
		m.finished = true
		m.duration = msg.Duration
		m.outcome = StyleStatusComplete.Render(fmt.Sprintf("Succeeded: %d tasks", msg.Tasks))

	case events.RunFailedEvent:
		m.finished = true
		m.running = 0
		m.duration = msg.Duration
		m.outcome = StyleStatusFailed.Render(fmt.Sprintf("Failed (%s): %v", msg.Kind, msg.Err))
	}

	return m, nil
}

// Pending returns the number of stages not yet started.
func (m ProgressPaneModel) Pending() int {
	return max(m.total-m.completed-m.failed-m.running, 0)
}

// View renders the progress pane.
func (m ProgressPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Run Progress")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("%s %s\n", StyleLabel.Render("Work item:"), m.workItemID))
	b.WriteString(fmt.Sprintf("%s %s\n\n", StyleLabel.Render("Run:      "), m.runID))

	b.WriteString(fmt.Sprintf("Completed: %s\n", StyleStatusComplete.Render(fmt.Sprintf("%d", m.completed))))
	b.WriteString(fmt.Sprintf("Running:   %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", m.running))))
	b.WriteString(fmt.Sprintf("Failed:    %s\n", StyleStatusFailed.Render(fmt.Sprintf("%d", m.failed))))
	b.WriteString(fmt.Sprintf("Pending:   %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", m.Pending()))))
	b.WriteString("\n")

	if m.total > 0 {
		barWidth := min(m.width-16, 40)
		completedWidth := (m.completed * barWidth) / m.total
		failedWidth := (m.failed * barWidth) / m.total
		runningWidth := (m.running * barWidth) / m.total
		pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

		bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
		bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
		bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
		bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

		b.WriteString(fmt.Sprintf("[%s]  %d/%d\n\n", bar, m.completed, m.total))
	}

	if m.finished {
		b.WriteString(m.outcome)
		b.WriteString(fmt.Sprintf("\nin %v\n", m.duration.Round(time.Millisecond)))
	}

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *ProgressPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *ProgressPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
