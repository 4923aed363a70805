package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpack/internal/events"
)

// Stage statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// StageState is the display state of one pipeline stage.
type StageState struct {
	Name     string
	Role     string
	Status   string
	Output   string
	Err      error
	Started  time.Time
	Duration time.Duration
}

// StagePaneModel lists the stages of a run and shows the selected stage's
// output in a scrollable viewport.
type StagePaneModel struct {
	stages      []*StageState
	index       map[string]int
	selectedIdx int
	followRun   bool // select the running stage automatically until the user moves
	spinner     spinner.Model
	viewport    viewport.Model
	width       int
	height      int
	focused     bool
}

const stageListWidth = 28

// NewStagePaneModel creates a stage pane.
func NewStagePaneModel() StagePaneModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = StyleStatusRunning
	return StagePaneModel{
		index:     make(map[string]int),
		followRun: true,
		spinner:   sp,
		viewport:  viewport.New(0, 0),
	}
}

// Init starts the spinner.
func (m StagePaneModel) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles messages for the stage pane.
func (m StagePaneModel) Update(msg tea.Msg) (StagePaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)

	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.stages)-1 {
				m.selectedIdx++
				m.followRun = false
				m.updateViewportContent()
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
				m.followRun = false
				m.updateViewportContent()
			}
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.RunStartedEvent:
		for _, name := range msg.Stages {
			m.stage(name)
		}
		m.updateViewportContent()

	case events.StageStartedEvent:
		st := m.stage(msg.Stage)
		st.Role = msg.Role
		st.Status = StatusRunning
		st.Started = msg.Timestamp
		if m.followRun {
			m.selectedIdx = m.index[msg.Stage]
		}
		m.updateViewportContent()

	case events.StageCompletedEvent:
		st := m.stage(msg.Stage)
		st.Status = StatusCompleted
		st.Output = msg.Output
		st.Duration = msg.Duration
		m.updateViewportContent()

	case events.StageFailedEvent:
		st := m.stage(msg.Stage)
		st.Status = StatusFailed
		st.Err = msg.Err
		st.Duration = msg.Duration
		if m.followRun {
			m.selectedIdx = m.index[msg.Stage]
		}
		m.updateViewportContent()
	}

	return m, cmd
}

// stage returns the state for name, appending it if it is new.
func (m *StagePaneModel) stage(name string) *StageState {
	if i, ok := m.index[name]; ok {
		return m.stages[i]
	}
	st := &StageState{Name: name, Status: StatusPending}
	m.index[name] = len(m.stages)
	m.stages = append(m.stages, st)
	return st
}

// View renders the stage pane.
func (m StagePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderStageList(stageListWidth),
		lipgloss.NewStyle().
			Width(m.width-stageListWidth-4).
			Height(m.height-2).
			Render(m.viewport.View()),
	)

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

func (m StagePaneModel) renderStageList(width int) string {
	var b strings.Builder

	title := StyleTitle.Render("Stages")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", min(width, lipgloss.Width(title))))
	b.WriteString("\n\n")

	if len(m.stages) == 0 {
		b.WriteString(StyleStatusPending.Render("Waiting..."))
	}
	for i, st := range m.stages {
		line := fmt.Sprintf("%s %s", m.StatusIcon(st.Status), truncate(st.Name, width-4))
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Width(width).
		Height(m.height - 2).
		Render(b.String())
}

// StatusIcon returns a styled status indicator. The running stage shows the
// spinner.
func (m StagePaneModel) StatusIcon(status string) string {
	switch status {
	case StatusRunning:
		return m.spinner.View()
	case StatusCompleted:
		return StyleStatusComplete.Render("✓")
	case StatusFailed:
		return StyleStatusFailed.Render("✗")
	default:
		return StyleStatusPending.Render("○")
	}
}

// Selected returns the selected stage, if any.
func (m StagePaneModel) Selected() (*StageState, bool) {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.stages) {
		return m.stages[m.selectedIdx], true
	}
	return nil, false
}

func (m *StagePaneModel) updateViewportContent() {
	st, ok := m.Selected()
	if !ok {
		m.viewport.SetContent("Waiting for stages...")
		return
	}

	var b strings.Builder
	header := st.Name
	if st.Role != "" {
		header += " · " + st.Role
	}
	b.WriteString(StyleTitle.Render(header))
	b.WriteString("\n\n")

	switch st.Status {
	case StatusPending:
		b.WriteString(StyleStatusPending.Render("Not started."))
	case StatusRunning:
		b.WriteString(StyleStatusRunning.Render("Waiting for the model..."))
	case StatusCompleted:
		b.WriteString(st.Output)
		b.WriteString(fmt.Sprintf("\n\n[Completed in %v]", st.Duration.Round(time.Millisecond)))
	case StatusFailed:
		b.WriteString(StyleStatusFailed.Render(fmt.Sprintf("[Failed: %v]", st.Err)))
	}

	m.viewport.SetContent(b.String())
	m.viewport.GotoTop()
}

func (m *StagePaneModel) resizeViewport() {
	m.viewport.Width = max(m.width-stageListWidth-4, 10)
	m.viewport.Height = max(m.height-4, 5)
}

// SetSize updates the pane dimensions.
func (m *StagePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.resizeViewport()
}

// SetFocused updates the focus state.
func (m *StagePaneModel) SetFocused(focused bool) {
	m.focused = focused
}

func truncate(s string, width int) string {
	if width <= 3 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) > width-3 {
		r = r[:width-3]
	}
	return string(r) + "..."
}
