package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpack/internal/events"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneStages PaneID = iota
	PaneProgress
	paneCount
)

// Model is the root Bubble Tea model for live run progress. It follows the
// first run it sees on the bus and quits once that run finishes.
type Model struct {
	stagePane    StagePaneModel
	progressPane ProgressPaneModel
	focusedPane  PaneID
	bus          *events.EventBus
	eventSub     <-chan events.Event
	runID        string
	done         bool
	failed       *events.RunFailedEvent
	width        int
	height       int
	quitting     bool
}

// New creates a TUI model subscribed to every event on bus.
func New(bus *events.EventBus) Model {
	return Model{
		stagePane:    NewStagePaneModel(),
		progressPane: NewProgressPaneModel(),
		focusedPane:  PaneStages,
		bus:          bus,
		eventSub:     bus.SubscribeAll(256),
	}
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), m.stagePane.Init())
}

// busClosedMsg is delivered when the subscription channel closes.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next event from the bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, m.quit()

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneStages
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneProgress
			m.updateFocusStates()

		default:
			if m.focusedPane == PaneStages {
				var cmd tea.Cmd
				m.stagePane, cmd = m.stagePane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case busClosedMsg:
		m.done = true
		return m, tea.Quit

	case events.Event:
		if m.runID == "" {
			m.runID = msg.RunID()
		}
		if msg.RunID() != m.runID {
			return m, waitForEvent(m.eventSub)
		}

		var cmd tea.Cmd
		m.stagePane, cmd = m.stagePane.Update(msg)
		cmds = append(cmds, cmd)
		m.progressPane, cmd = m.progressPane.Update(msg)
		cmds = append(cmds, cmd)

		switch ev := msg.(type) {
		case events.RunSucceededEvent:
			m.done = true
			return m, tea.Batch(append(cmds, m.quit())...)
		case events.RunFailedEvent:
			m.done = true
			m.failed = &ev
			return m, tea.Batch(append(cmds, m.quit())...)
		}
		cmds = append(cmds, waitForEvent(m.eventSub))

	default:
		var cmd tea.Cmd
		m.stagePane, cmd = m.stagePane.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// quit drops the bus subscription so the pending waitForEvent returns.
func (m Model) quit() tea.Cmd {
	if m.bus != nil {
		m.bus.Unsubscribe(m.eventSub)
	}
	return tea.Quit
}

// Done reports whether the followed run reached a terminal event.
func (m Model) Done() bool {
	return m.done
}

// Failure returns the terminal failure of the followed run, if it failed.
func (m Model) Failure() (*events.RunFailedEvent, bool) {
	return m.failed, m.failed != nil
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	main := lipgloss.JoinHorizontal(lipgloss.Top, m.stagePane.View(), m.progressPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, main, HelpView())
}

// computeLayout splits the window 65/35 between the stage and progress panes.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 65) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 1 // help bar

	m.stagePane.SetSize(leftWidth, availableHeight)
	m.progressPane.SetSize(rightWidth, availableHeight)

	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.stagePane.SetFocused(m.focusedPane == PaneStages)
	m.progressPane.SetFocused(m.focusedPane == PaneProgress)
}
