package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpack/internal/taskpack"
)

var categoryOrder = map[string]int{
	taskpack.CategoryUnit:        0,
	taskpack.CategoryIntegration: 1,
	taskpack.CategoryE2E:         2,
	taskpack.CategoryManual:      3,
}

var styleTaskBox = lipgloss.NewStyle().
	Border(lipgloss.NormalBorder(), false, false, false, true).
	BorderForeground(lipgloss.Color("240")).
	PaddingLeft(1).
	MarginBottom(1)

// RenderSummary renders a Task Pack for a terminal: the epic, then each task
// with its status, acceptance criteria and test counts per category.
func RenderSummary(pack *taskpack.TaskPack) string {
	if pack == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString(StyleEpic.Render(fmt.Sprintf("%s  %s", pack.WorkItemID, pack.EpicTitle)))
	b.WriteString("\n")
	b.WriteString(pack.EpicDescription)
	b.WriteString("\n\n")

	for _, t := range pack.Tasks {
		b.WriteString(styleTaskBox.Render(renderTask(t)))
		b.WriteString("\n")
	}

	b.WriteString(StyleHelp.Render(fmt.Sprintf("%d tasks", len(pack.Tasks))))
	if pack.ArtifactsURL != "" {
		b.WriteString(StyleHelp.Render(" · " + pack.ArtifactsURL))
	}
	b.WriteString("\n")
	return b.String()
}

func renderTask(t taskpack.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", StyleTitle.UnsetPadding().Render(t.ID), t.Title, statusBadge(t.Status))
	if t.Description != "" {
		b.WriteString(t.Description)
		b.WriteString("\n")
	}
	for _, c := range t.AcceptanceCriteria {
		fmt.Fprintf(&b, "  • %s\n", c)
	}

	cats := make([]string, 0, len(t.Tests))
	for c := range t.Tests {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		oi, iok := categoryOrder[cats[i]]
		oj, jok := categoryOrder[cats[j]]
		switch {
		case iok && jok:
			return oi < oj
		case iok != jok:
			return iok
		}
		return cats[i] < cats[j]
	})
	counts := make([]string, 0, len(cats))
	for _, c := range cats {
		counts = append(counts, fmt.Sprintf("%s %d", c, len(t.Tests[c])))
	}
	b.WriteString(StyleLabel.Render("tests: " + strings.Join(counts, ", ")))
	return b.String()
}

func statusBadge(s taskpack.Status) string {
	switch s {
	case taskpack.StatusDone:
		return StyleStatusComplete.Render("[" + string(s) + "]")
	case taskpack.StatusInProgress:
		return StyleStatusRunning.Render("[" + string(s) + "]")
	default:
		return StyleStatusPending.Render("[" + string(s) + "]")
	}
}
