// Package tui provides the interactive terminal UI for coderelay.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/coderelay/internal/models"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	agentOnlineStyle = lipgloss.NewStyle().
				Foreground(successColor).
				Bold(true)

	agentOfflineStyle = lipgloss.NewStyle().
				Foreground(errorColor)
)

// RefreshInterval is how often the TUI polls the server.
const RefreshInterval = 5 * time.Second

type viewMode int

const (
	modeList viewMode = iota
	modeDetail
)

// App is the main TUI application model.
type App struct {
	client  *Client
	list    *RunListModel
	detail  *RunDetailModel
	cmdBar  *CmdBarModel
	mode    viewMode
	width   int
	height  int
	health  *HealthInfo
	online  bool
	message string
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	client := NewClient(apiAddr)
	return &App{
		client: client,
		list:   NewRunListModel(client),
		detail: NewRunDetailModel(client),
		cmdBar: NewCmdBarModel(),
		mode:   modeList,
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
		a.list.Init(),
		a.checkHealth(),
		tickCmd(),
	)
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		h := a.contentHeight()
		a.list.SetSize(msg.Width, h)
		a.detail.SetSize(msg.Width, h)
		return a, nil

	case healthMsg:
		a.online = msg.err == nil
		a.health = msg.info
		return a, nil

	case tickMsg:
		cmds := []tea.Cmd{a.checkHealth(), a.list.Refresh(), tickCmd()}
		if a.mode == modeDetail {
			if run := a.detail.Run(); run != nil && run.Status == models.RunStatusRunning {
				cmds = append(cmds, a.detail.Refresh(run.ID))
			}
		}
		return a, tea.Batch(cmds...)

	case runsLoadedMsg:
		var cmd tea.Cmd
		a.list, cmd = a.list.Update(msg)
		return a, cmd

	case runLoadedMsg:
		if msg.open {
			a.mode = modeDetail
		}
		var cmd tea.Cmd
		a.detail, cmd = a.detail.Update(msg)
		return a, cmd

	case promptDoneMsg:
		a.cmdBar.SetMessage(msg.message)
		return a, a.list.Refresh()

	case cmdResultMsg:
		a.cmdBar.SetMessage(msg.message)
		return a, nil

	case errMsg:
		a.message = "Error: " + msg.err.Error()
		a.list, _ = a.list.Update(msg)
		a.detail, _ = a.detail.Update(msg)
		return a, nil
	}

	return a.forward(msg)
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}

	if a.cmdBar.Focused() {
		if msg.String() == "enter" {
			input := strings.TrimSpace(a.cmdBar.Submit())
			return a, a.cmdBar.Execute(a.client, input)
		}
		var cmd tea.Cmd
		a.cmdBar, cmd = a.cmdBar.Update(msg)
		return a, cmd
	}

	// the list filter owns the keyboard while it is open
	if a.mode == modeList && a.list.Filtering() {
		return a.forward(msg)
	}

	switch msg.String() {
	case "q":
		return a, tea.Quit

	case ":":
		return a, a.cmdBar.Focus()

	case "esc":
		if a.mode == modeDetail {
			a.mode = modeList
			return a, a.list.Refresh()
		}

	case "enter":
		if a.mode == modeList {
			if run := a.list.SelectedRun(); run != nil {
				a.mode = modeDetail
				a.detail.SetRun(run)
				return a, a.detail.Refresh(run.ID)
			}
			return a, nil
		}

	case "tab":
		if a.mode == modeList {
			a.list.CycleFilter()
			return a, a.list.Refresh()
		}

	case "r":
		a.message = ""
		if a.mode == modeDetail && a.detail.Run() != nil {
			return a, a.detail.Refresh(a.detail.Run().ID)
		}
		return a, tea.Batch(a.list.Refresh(), a.checkHealth())
	}

	return a.forward(msg)
}

func (a *App) forward(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch a.mode {
	case modeDetail:
		a.detail, cmd = a.detail.Update(msg)
	default:
		a.list, cmd = a.list.Update(msg)
	}
	return a, cmd
}

func (a *App) contentHeight() int {
	// header, rule, message line, command bar, status bar
	h := a.height - 5
	if h < 5 {
		h = 5
	}
	return h
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.renderHeader() + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 1)) + "\n")

	switch a.mode {
	case modeDetail:
		b.WriteString(a.detail.View())
	default:
		b.WriteString(a.list.View())
	}
	b.WriteString("\n")

	if a.message != "" {
		b.WriteString(lipgloss.NewStyle().Foreground(errorColor).Render(a.message))
	}
	b.WriteString("\n")

	b.WriteString(a.cmdBar.View() + "\n")

	var status string
	switch a.mode {
	case modeDetail:
		status = " ↑↓:scroll | r:refresh | Esc:back | ::command | q:quit"
	default:
		status = fmt.Sprintf(" Runs: %d | ↑↓:nav | Enter:open | Tab:filter | /:search | r:refresh | ::command | q:quit", len(a.list.runs))
	}
	b.WriteString(statusBarStyle.Width(a.width).Render(status))

	return b.String()
}

func (a *App) renderHeader() string {
	header := titleStyle.Render("coderelay")

	server := agentOnlineStyle.Render("● SERVER")
	switch {
	case !a.online:
		server = agentOfflineStyle.Render("○ SERVER")
	case a.health != nil && !a.health.OK:
		server = lipgloss.NewStyle().Foreground(warningColor).Render("● SERVER (db " + a.health.DB + ")")
	}
	header += "  " + server

	if a.health != nil {
		if ag := a.health.Agent; ag != nil {
			label := ag.Name
			if ag.Version != "" {
				label += " " + ag.Version
			}
			if ag.Status == "online" {
				header += "  " + agentOnlineStyle.Render("● "+label)
			} else {
				header += "  " + agentOfflineStyle.Render("○ "+label)
			}
		}
		header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render("v"+a.health.Version)
	}

	if dir := a.cmdBar.Directory(); dir != "" {
		header += "  " + lipgloss.NewStyle().Foreground(mutedColor).Render(dir)
	}
	return header
}

func (a *App) checkHealth() tea.Cmd {
	return func() tea.Msg {
		info, err := a.client.Health()
		return healthMsg{info: info, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Messages
type errMsg struct{ err error }
type tickMsg time.Time
type healthMsg struct {
	info *HealthInfo
	err  error
}
