// Package tui provides the terminal watch view for skatepark runs.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/skatepark/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	mutedStyle = lipgloss.NewStyle().Foreground(mutedColor)

	daemonOnlineStyle = lipgloss.NewStyle().
				Foreground(successColor).
				Bold(true)

	daemonOfflineStyle = lipgloss.NewStyle().
				Foreground(errorColor)
)

// DefaultRefreshInterval is how often the watch view polls the daemon.
const DefaultRefreshInterval = 2 * time.Second

const (
	modeList   = "list"
	modeDetail = "detail"
)

// App is the main TUI application model.
type App struct {
	client       *Client
	runs         *RunListModel
	detail       *RunDetailModel
	mode         string
	width        int
	height       int
	message      string
	daemonOnline bool
	interval     time.Duration
}

// New creates a new TUI application.
func New(apiAddr string, interval time.Duration) *App {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	client := NewClient(apiAddr)
	return &App{
		client:   client,
		runs:     NewRunListModel(client),
		detail:   NewRunDetailModel(client),
		mode:     modeList,
		interval: interval,
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		a.runs.Refresh(),
		a.checkDaemon(),
		a.tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if a.mode == modeList && a.runs.Filtering() {
			// Keys belong to the filter input.
			a.runs, cmd = a.runs.Update(msg)
			return a, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit

		case "esc":
			if a.mode == modeDetail {
				a.mode = modeList
				return a, a.runs.Refresh()
			}

		case "enter":
			if a.mode == modeList {
				if run := a.runs.Selected(); run != nil {
					a.mode = modeDetail
					a.detail.SetRun(run.ID)
					return a, a.detail.Refresh()
				}
			}

		case "r":
			return a, a.refresh()

		case "c":
			if id := a.targetRun(); id != "" {
				return a, a.cancelRun(id)
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		contentHeight := max(5, msg.Height-4)
		a.runs.SetSize(msg.Width, contentHeight)
		a.detail.SetSize(msg.Width, contentHeight)
		return a, nil

	case runsLoadedMsg:
		a.runs, cmd = a.runs.Update(msg)
		return a, cmd

	case runDetailLoadedMsg:
		a.detail, cmd = a.detail.Update(msg)
		return a, cmd

	case daemonStatusMsg:
		a.daemonOnline = msg.online
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.checkDaemon(), a.tickCmd())

	case cancelResultMsg:
		a.message = fmt.Sprintf("Cancelled %s", shortID(msg.id))
		return a, a.refresh()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		return a, nil
	}

	if a.mode == modeDetail {
		a.detail, cmd = a.detail.Update(msg)
	} else {
		a.runs, cmd = a.runs.Update(msg)
	}
	return a, cmd
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	daemonStatus := daemonOnlineStyle.Render("● DAEMON")
	if !a.daemonOnline {
		daemonStatus = daemonOfflineStyle.Render("○ DAEMON")
	}
	b.WriteString(titleStyle.Render("skatepark") + "  " + daemonStatus + "\n")

	if a.mode == modeDetail {
		b.WriteString(a.detail.View())
	} else {
		b.WriteString(a.runs.View())
	}
	b.WriteString("\n")

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(msgStyle.Render(a.message))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeDetail:
		status = " ↑↓:scroll | c:cancel | r:refresh | Esc:back | q:quit"
	default:
		counts := a.runs.Counts()
		status = fmt.Sprintf(" queued %d | running %d | succeeded %d | failed %d | cancelled %d | Enter:open | c:cancel | /:filter | q:quit",
			counts[models.RunStatusQueued], counts[models.RunStatusRunning], counts[models.RunStatusSucceeded],
			counts[models.RunStatusFailed], counts[models.RunStatusCancelled])
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) targetRun() string {
	if a.mode == modeDetail {
		return a.detail.RunID()
	}
	if run := a.runs.Selected(); run != nil {
		return run.ID
	}
	return ""
}

func (a *App) refresh() tea.Cmd {
	if a.mode == modeDetail {
		return a.detail.Refresh()
	}
	return a.runs.Refresh()
}

func (a *App) checkDaemon() tea.Cmd {
	return func() tea.Msg {
		ok, _ := a.client.CheckHealth()
		return daemonStatusMsg{online: ok}
	}
}

func (a *App) cancelRun(id string) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.CancelRun(id); err != nil {
			return errMsg{err}
		}
		return cancelResultMsg{id: id}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type (
	tickMsg         time.Time
	errMsg          struct{ err error }
	daemonStatusMsg struct{ online bool }
	cancelResultMsg struct{ id string }
)
