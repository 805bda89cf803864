package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/fentz26/skatepark/internal/models"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(lipgloss.Color("240"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("255"))

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			MarginTop(1)

	stderrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
)

// RunDetail is a run plus everything the daemon has captured for it
type RunDetail struct {
	Run    models.Run
	Logs   []models.Log
	Events []models.Event
}

// RunDetailModel manages the run detail screen
type RunDetailModel struct {
	client   *Client
	runID    string
	detail   *RunDetail
	viewport viewport.Model
}

// NewRunDetailModel creates a new run detail model
func NewRunDetailModel(client *Client) *RunDetailModel {
	return &RunDetailModel{
		client:   client,
		viewport: viewport.New(80, 20),
	}
}

// SetRun sets the run ID to display
func (m *RunDetailModel) SetRun(id string) {
	m.runID = id
	m.detail = nil
	m.viewport.SetContent("")
	m.viewport.GotoTop()
}

// RunID returns the run being displayed.
func (m *RunDetailModel) RunID() string {
	return m.runID
}

// SetSize sets the dimensions
func (m *RunDetailModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
}

// Refresh fetches run details
func (m *RunDetailModel) Refresh() tea.Cmd {
	id := m.runID
	return func() tea.Msg {
		detail, err := m.client.GetRun(id)
		if err != nil {
			return errMsg{err}
		}
		return runDetailLoadedMsg{detail}
	}
}

// Update handles messages
func (m *RunDetailModel) Update(msg tea.Msg) (*RunDetailModel, tea.Cmd) {
	switch msg := msg.(type) {
	case runDetailLoadedMsg:
		if msg.detail.Run.ID != m.runID {
			return m, nil
		}
		first := m.detail == nil
		m.detail = msg.detail
		// SetContent keeps the scroll offset across refreshes.
		m.viewport.SetContent(renderDetail(m.detail, m.viewport.Width))
		if first {
			m.viewport.GotoTop()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View renders the run detail
func (m *RunDetailModel) View() string {
	if m.detail == nil {
		return "Loading run details..."
	}
	return m.viewport.View()
}

func renderDetail(d *RunDetail, width int) string {
	var b strings.Builder
	r := d.Run

	b.WriteString(headerStyle.Render("Run " + r.ID))
	b.WriteString("\n\n")

	b.WriteString(renderField("Structure", r.StructureID))
	b.WriteString(renderField("Status", formatStatus(r.Status)))
	if r.PID != 0 {
		b.WriteString(renderField("PID", fmt.Sprintf("%d", r.PID)))
	}
	if r.ExitCode != nil {
		b.WriteString(renderField("Exit code", fmt.Sprintf("%d", *r.ExitCode)))
	}
	if len(r.Args) > 0 {
		b.WriteString(renderField("Args", strings.Join(r.Args, " ")))
	}
	b.WriteString(renderField("Created", humanize.Time(r.CreatedAt)))
	if r.StartedAt != nil {
		b.WriteString(renderField("Started", humanize.Time(*r.StartedAt)))
	}
	if r.CompletedAt != nil {
		took := r.CompletedAt.Sub(r.CreatedAt).Round(time.Millisecond)
		b.WriteString(renderField("Completed", fmt.Sprintf("%s (took %s)", humanize.Time(*r.CompletedAt), took)))
	}
	if r.Error != "" {
		b.WriteString(renderField("Error", stderrStyle.Render(r.Error)))
	}
	if r.Output != nil {
		b.WriteString(renderField("Output", truncate(fmt.Sprintf("%v", r.Output), max(20, width-12))))
	}

	b.WriteString(sectionStyle.Render(fmt.Sprintf("Events (%d)", len(d.Events))))
	b.WriteString("\n")
	for _, e := range d.Events {
		typ := e.Type()
		if typ == "" {
			typ = "event"
		}
		b.WriteString(fmt.Sprintf("  • %s %s\n", typ, labelStyle.Render(shortID(e.ID))))
	}

	b.WriteString(sectionStyle.Render("Logs"))
	b.WriteString("\n")
	if len(d.Logs) == 0 {
		b.WriteString(labelStyle.Render("  (no output captured)") + "\n")
	}
	for _, l := range d.Logs {
		header := fmt.Sprintf("  %s, %s", l.Stream, humanize.Bytes(uint64(len(l.Message))))
		b.WriteString(labelStyle.Render(header) + "\n")
		msg := strings.TrimRight(l.Message, "\n")
		if l.Stream == models.LogStreamStderr {
			msg = stderrStyle.Render(msg)
		}
		b.WriteString(msg + "\n")
	}

	return b.String()
}

func renderField(label, value string) string {
	return fmt.Sprintf("%s %s\n", labelStyle.Render(label+":"), valueStyle.Render(value))
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

type runDetailLoadedMsg struct {
	detail *RunDetail
}
