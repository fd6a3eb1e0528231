package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/kilnbox/cli/reader"
)

// snapshotModel browses failure snapshots: a cursor list for
// snapshot_list and a detail box for snapshot.
type snapshotModel struct {
	view     string
	data     any
	cursor   int
	width    int
	height   int
	quitting bool
}

func newSnapshotModel(view string, data any) snapshotModel {
	return snapshotModel{view: view, data: data}
}

// Init implements tea.Model.
func (m snapshotModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m snapshotModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
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

func (m snapshotModel) listLen() int {
	if items, ok := m.data.([]reader.SnapshotItem); ok {
		return len(items)
	}
	return 0
}

// View implements tea.Model.
func (m snapshotModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.view {
	case "snapshot_list":
		content = m.renderList()
	case "snapshot":
		content = m.renderDetail()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.view)
	}

	help := HelpStyle.Render("↑/↓ move  q quit")
	return content + "\n" + help
}

func (m snapshotModel) renderList() string {
	items, ok := m.data.([]reader.SnapshotItem)
	if !ok {
		return "Invalid data type for snapshot_list"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Failure Snapshots"))
	b.WriteString("\n\n")

	if len(items) == 0 {
		b.WriteString(ValueStyle.Render("(no snapshots)"))
		return b.String()
	}

	for i, it := range items {
		row := fmt.Sprintf("%s  %-20s %-16s %s",
			it.CapturedAt.Format("2006-01-02 15:04:05"),
			it.PluginID, CodeStyle(it.Code).Render(it.Code), it.File)
		if i == m.cursor {
			row = SelectedStyle.Render("> " + row)
		} else {
			row = "  " + row
		}
		b.WriteString(row)
		b.WriteString("\n")
	}

	// Selected snapshot's message in the footer.
	b.WriteString("\n")
	b.WriteString(LabelStyle.Render("Message:"))
	b.WriteString(" ")
	b.WriteString(ValueStyle.Render(items[m.cursor].Message))

	return b.String()
}

func (m snapshotModel) renderDetail() string {
	data, ok := m.data.(*reader.SnapshotDetail)
	if !ok {
		return "Invalid data type for snapshot"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Snapshot"))
	b.WriteString("\n\n")

	rows := [][]string{
		{"Plugin", data.PluginID},
		{"Handler", data.Handler},
		{"Request", data.RequestID},
		{"Captured", data.CapturedAt.Format("2006-01-02 15:04:05")},
	}
	if data.Host != "" {
		rows = append(rows, []string{"Host", data.Host})
	}
	if data.ExecutionID != "" {
		rows = append(rows, []string{"Execution", data.ExecutionID})
	}

	for _, row := range rows {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render(row[0]+":"),
			ValueStyle.Render(row[1])))
	}

	if data.Error != nil {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Code:"),
			CodeStyle(string(data.Error.Code)).Render(string(data.Error.Code))))
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Error:"),
			ErrorStyle.Render(data.Error.Message)))
	}

	if data.Input != "" {
		b.WriteString("\n")
		b.WriteString(LabelStyle.Render("Input:"))
		b.WriteString("\n")
		b.WriteString(ValueStyle.Render(data.Input))
		b.WriteString("\n")
	}

	if len(data.Logs) > 0 {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("Recent Logs"))
		b.WriteString("\n")
		for _, line := range data.Logs {
			b.WriteString(fmt.Sprintf("  %s\n", ValueStyle.Render(line)))
		}
	}

	return BoxStyle.Render(b.String())
}

// RenderSnapshotStatic renders snapshot data without a live program,
// for non-interactive fallback and tests.
func RenderSnapshotStatic(view string, data any) string {
	model := newSnapshotModel(view, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}

// keyMap defines the shared key bindings.
type keyMap struct {
	Quit key.Binding
	Up   key.Binding
	Down key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
	Up: key.NewBinding(
		key.WithKeys("up", "k"),
		key.WithHelp("↑", "up"),
	),
	Down: key.NewBinding(
		key.WithKeys("down", "j"),
		key.WithHelp("↓", "down"),
	),
}
