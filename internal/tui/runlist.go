package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/fentz26/skatepark/internal/models"
)

var (
	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusQueued    = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("8")) // Grey
)

// RunItem implements list.Item for the run list
type RunItem struct {
	ID          string
	StructureID string
	Status      models.RunStatus
	ExitCode    *int
	CreatedAt   time.Time
}

func (i RunItem) FilterValue() string { return i.ID + " " + i.StructureID + " " + string(i.Status) }
func (i RunItem) Title() string {
	return fmt.Sprintf("%s  %s", shortID(i.ID), mutedStyle.Render("structure "+shortID(i.StructureID)))
}
func (i RunItem) Description() string {
	desc := formatStatus(i.Status)
	if i.ExitCode != nil {
		desc += fmt.Sprintf(" (exit %d)", *i.ExitCode)
	}
	if !i.CreatedAt.IsZero() {
		desc += " • " + humanize.Time(i.CreatedAt)
	}
	return desc
}

func formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusQueued:
		return statusQueued.Render("● queued")
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusSucceeded:
		return statusSucceeded.Render("● succeeded")
	case models.RunStatusFailed:
		return statusFailed.Render("● failed")
	case models.RunStatusCancelled:
		return statusCancelled.Render("● cancelled")
	default:
		return string(status)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RunListModel manages the run list screen
type RunListModel struct {
	client *Client
	list   list.Model
	runs   []RunItem
	loaded bool
	width  int
	height int
}

// NewRunListModel creates a new run list model
func NewRunListModel(client *Client) *RunListModel {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Runs"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = listTitleStyle

	return &RunListModel{
		client: client,
		list:   l,
	}
}

// SetSize sets the list dimensions
func (m *RunListModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.list.SetSize(w, h)
}

// Selected returns the currently selected run
func (m *RunListModel) Selected() *RunItem {
	if item := m.list.SelectedItem(); item != nil {
		run := item.(RunItem)
		return &run
	}
	return nil
}

// Filtering reports whether the filter input has focus.
func (m *RunListModel) Filtering() bool {
	return m.list.FilterState() == list.Filtering
}

// Refresh fetches runs from the API
func (m *RunListModel) Refresh() tea.Cmd {
	return func() tea.Msg {
		runs, err := m.client.ListRuns()
		if err != nil {
			return errMsg{err}
		}
		return runsLoadedMsg{runs}
	}
}

// Update handles messages
func (m *RunListModel) Update(msg tea.Msg) (*RunListModel, tea.Cmd) {
	switch msg := msg.(type) {
	case runsLoadedMsg:
		m.loaded = true
		// Newest first.
		m.runs = make([]RunItem, len(msg.runs))
		for i, r := range msg.runs {
			m.runs[len(msg.runs)-1-i] = r
		}
		items := make([]list.Item, len(m.runs))
		for i, r := range m.runs {
			items[i] = r
		}
		return m, m.list.SetItems(items)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// Counts tallies runs by status.
func (m *RunListModel) Counts() map[models.RunStatus]int {
	counts := make(map[models.RunStatus]int)
	for _, r := range m.runs {
		counts[r.Status]++
	}
	return counts
}

// View renders the run list
func (m *RunListModel) View() string {
	if !m.loaded {
		return "Loading runs..."
	}
	if len(m.runs) == 0 {
		return "\n  No runs yet. Start one with: skatepark run <structure-id>\n"
	}
	return m.list.View()
}

type runsLoadedMsg struct {
	runs []RunItem
}
