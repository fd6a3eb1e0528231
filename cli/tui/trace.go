package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/kilnbox/cli/reader"
)

// traceModel browses persisted invoke chains: a cursor list for
// trace_list and a span tree for trace.
type traceModel struct {
	view     string
	data     any
	cursor   int
	width    int
	height   int
	quitting bool
}

func newTraceModel(view string, data any) traceModel {
	return traceModel{view: view, data: data}
}

// Init implements tea.Model.
func (m traceModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m traceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Down):
			if m.cursor < m.listLen()-1 {
				m.cursor++
			}
		}
	}

	return m, nil
}

func (m traceModel) listLen() int {
	if items, ok := m.data.([]reader.TraceItem); ok {
		return len(items)
	}
	return 0
}

// View implements tea.Model.
func (m traceModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.view {
	case "trace_list":
		content = m.renderList()
	case "trace":
		content = m.renderChain()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.view)
	}

	help := HelpStyle.Render("↑/↓ move  q quit")
	return content + "\n" + help
}

func (m traceModel) renderList() string {
	items, ok := m.data.([]reader.TraceItem)
	if !ok {
		return "Invalid data type for trace_list"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Invoke Chains"))
	b.WriteString("\n\n")

	if len(items) == 0 {
		b.WriteString(ValueStyle.Render("(no traces)"))
		return b.String()
	}

	for i, it := range items {
		status := SuccessStyle.Render("ok")
		if it.Failed > 0 {
			status = ErrorStyle.Render(fmt.Sprintf("%d failed", it.Failed))
		}
		row := fmt.Sprintf("%s  %-28s %2d spans  %6dms  %s",
			it.StartedAt.Format("2006-01-02 15:04:05"),
			it.Root, it.Spans, it.DurationMs, status)
		if i == m.cursor {
			row = SelectedStyle.Render("> " + row)
		} else {
			row = "  " + row
		}
		b.WriteString(row)
		b.WriteString("\n")
	}

	return b.String()
}

func (m traceModel) renderChain() string {
	data, ok := m.data.(*reader.TraceDetail)
	if !ok {
		return "Invalid data type for trace"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Invoke Chain"))
	b.WriteString("\n\n")

	b.WriteString(fmt.Sprintf("%s %s\n\n",
		LabelStyle.Render("Trace ID:"),
		ValueStyle.Render(data.TraceID)))

	for _, span := range data.Spans {
		indent := strings.Repeat("  ", span.Depth)
		marker := SuccessStyle.Render("✓")
		if !span.OK {
			marker = ErrorStyle.Render("✗")
		}
		b.WriteString(fmt.Sprintf("%s%s %s %s  %s\n",
			indent, marker,
			ValueStyle.Render(span.PluginID+"."+span.Handler),
			HelpStyle.Render(fmt.Sprintf("(%dms)", span.DurationMs)),
			CodeStyle(span.ErrorCode).Render(span.ErrorCode)))
	}

	failed := 0
	var total int64
	for _, span := range data.Spans {
		if !span.OK {
			failed++
		}
		if span.Depth == 0 {
			total = span.DurationMs
		}
	}

	b.WriteString("\n")
	boxes := []string{
		renderStatBox("Spans", int64(len(data.Spans)), highlightColor),
		renderStatBox("Failed", int64(failed), errorColor),
		renderStatBox("Total ms", total, successColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))

	return b.String()
}

// RenderTraceStatic renders trace data without a live program, for
// non-interactive fallback and tests.
func RenderTraceStatic(view string, data any) string {
	model := newTraceModel(view, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
