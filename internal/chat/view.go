package chat

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			PaddingLeft(1)

	transcriptStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			PaddingLeft(1)

	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			Italic(true).
			PaddingLeft(1)
)

// chrome is the number of rows used by the header, borders, status and input.
const chrome = 5

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height

	w := width - transcriptStyle.GetHorizontalFrameSize()
	h := height - chrome
	if w < 10 {
		w = 10
	}
	if h < 3 {
		h = 3
	}
	m.viewport.Width = w
	m.viewport.Height = h
	m.input.Width = width - len(m.input.Prompt) - 1
	m.refresh()
}

// View implements tea.Model.
func (m *Model) View() string {
	title := "firstchat"
	if m.opts.Peer != "" {
		title += " · direct chat with " + m.opts.Peer
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		headerStyle.Render(title),
		transcriptStyle.Render(m.viewport.View()),
		statusStyle.Render(m.status),
		m.input.View(),
	)
}
