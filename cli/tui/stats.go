package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/kilnbox/cli/reader"
)

// statsModel shows an analytics dataset summary.
type statsModel struct {
	data     any
	width    int
	height   int
	quitting bool
}

func newStatsModel(data any) statsModel {
	return statsModel{data: data}
}

// Init implements tea.Model.
func (m statsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m statsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m statsModel) View() string {
	if m.quitting {
		return ""
	}

	data, ok := m.data.(*reader.StatsSummary)
	if !ok {
		return "Invalid data type for stats"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Analytics"))
	b.WriteString("\n\n")

	boxes := []string{
		renderStatBox("Records", data.Records, highlightColor),
		renderStatBox("Plugins", int64(len(data.ByPlugin)), primaryColor),
		renderStatBox("Events", int64(len(data.ByEvent)), successColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	b.WriteString("\n\n")

	if !data.First.IsZero() {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("First:"),
			ValueStyle.Render(data.First.Format("2006-01-02 15:04:05"))))
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Last:"),
			ValueStyle.Render(data.Last.Format("2006-01-02 15:04:05"))))
	}

	if len(data.ByEvent) > 0 {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("By Event"))
		b.WriteString("\n")
		b.WriteString(renderCounts(data.ByEvent))
	}

	if len(data.ByPlugin) > 0 {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("By Plugin"))
		b.WriteString("\n")
		b.WriteString(renderCounts(data.ByPlugin))
	}

	help := HelpStyle.Render("q quit")
	return b.String() + "\n" + help
}

func renderCounts(counts map[string]int64) string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})

	var b strings.Builder
	for _, name := range names {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render(name+":"),
			ValueStyle.Render(fmt.Sprintf("%d", counts[name]))))
	}
	return b.String()
}

func renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

// RenderStatsStatic renders a stats summary without a live program,
// for non-interactive fallback and tests.
func RenderStatsStatic(data any) string {
	model := newStatsModel(data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
