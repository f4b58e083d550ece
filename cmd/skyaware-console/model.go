package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/abcd567a/dump1090/internal/view"
	"github.com/abcd567a/dump1090/pkg/feed"
)

// Messages posted into the program by the fetcher callbacks
type (
	snapshotMsg     feed.Snapshot
	errMsg          string
	unauthorizedMsg struct{}
)

type model struct {
	backend    string
	snapshot   feed.Snapshot
	received   time.Time
	rows       []view.Row
	sortKey    view.SortKey
	descending bool
	selected   int
	offset     int
	height     int
	lastError  string
	denied     bool
}

func newModel(backend string) model {
	return model{
		backend: backend,
		sortKey: view.SortHex,
		height:  24,
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.height = msg.Height

	case snapshotMsg:
		m.snapshot = feed.Snapshot(msg)
		m.received = time.Now()
		m.lastError = ""
		m.resort()

	case errMsg:
		m.lastError = string(msg)

	case unauthorizedMsg:
		m.denied = true
		m.lastError = "No longer authorized to view this feed."
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			m.sortKey = m.sortKey.Next()
			m.resort()
		case "r":
			m.descending = !m.descending
			m.resort()
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.rows)-1 {
				m.selected++
			}
		}
		m.scroll()
	}
	return m, nil
}

func (m *model) resort() {
	m.rows = view.Rows(m.snapshot, m.sortKey, m.descending)
	if m.selected >= len(m.rows) {
		m.selected = len(m.rows) - 1
	}
	if m.selected < 0 {
		m.selected = 0
	}
	m.scroll()
}

// visibleRows is the table height left after header and footer
func (m model) visibleRows() int {
	if n := m.height - 8; n > 1 {
		return n
	}
	return 1
}

func (m *model) scroll() {
	visible := m.visibleRows()
	if m.selected < m.offset {
		m.offset = m.selected
	}
	if m.selected >= m.offset+visible {
		m.offset = m.selected - visible + 1
	}
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("51"))
	freshStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	agingStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	staleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("237"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	controlsStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

const rowFormat = "%-7s %-9s %9s %7s %5s %8s %-5s %4s %6s %5s"

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render(fmt.Sprintf("SkyAware Console (%s)", m.backend)))
	s.WriteString("\n")

	status := fmt.Sprintf("Aircraft: %d  Messages: %d", len(m.snapshot.Aircraft), m.snapshot.Messages)
	if !m.received.IsZero() {
		status += fmt.Sprintf("  Updated: %s", m.received.Format("15:04:05"))
	}
	dir := "asc"
	if m.descending {
		dir = "desc"
	}
	status += fmt.Sprintf("  Sort: %s %s", m.sortKey, dir)
	s.WriteString(status + "\n\n")

	s.WriteString(headerStyle.Render(fmt.Sprintf(rowFormat,
		"HEX", "FLIGHT", "ALT", "SPD", "TRK", "V/S", "SQWK", "CAT", "MSGS", "SEEN")))
	s.WriteString("\n")

	if len(m.rows) == 0 {
		s.WriteString(controlsStyle.Render("  Waiting for aircraft..."))
		s.WriteString("\n")
	}

	end := m.offset + m.visibleRows()
	if end > len(m.rows) {
		end = len(m.rows)
	}
	for i := m.offset; i < end; i++ {
		r := m.rows[i]
		hex := r.Hex
		if r.Mlat {
			hex += "*"
		}
		line := fmt.Sprintf(rowFormat,
			hex, r.FormatFlight(), r.FormatAltitude(), r.FormatSpeed(), r.FormatTrack(),
			r.FormatVerticalRate(), r.Squawk, r.Category, fmt.Sprint(r.Messages), r.FormatSeen())

		style := freshStyle
		switch r.AgeClass() {
		case view.AgeAging:
			style = agingStyle
		case view.AgeStale:
			style = staleStyle
		}
		if i == m.selected {
			style = style.Inherit(selectedStyle)
		}
		s.WriteString(style.Render(line))
		s.WriteString("\n")
	}

	if m.lastError != "" {
		s.WriteString("\n")
		s.WriteString(errorStyle.Render(m.lastError))
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(controlsStyle.Render("↑/↓: select  s: sort column  r: reverse  q: quit"))
	return s.String()
}
