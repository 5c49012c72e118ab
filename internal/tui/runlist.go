package tui

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/coderelay/internal/models"
)

var (
	listTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusSucceeded = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
)

// RunItem implements list.Item for the run list
type RunItem struct {
	Run models.Run
}

func (i RunItem) FilterValue() string { return i.Run.Instruction + " " + i.Run.Directory }
func (i RunItem) Title() string       { return firstLine(i.Run.Instruction, 72) }
func (i RunItem) Description() string {
	parts := []string{formatStatus(string(i.Run.Status)), i.Run.Endpoint}
	if i.Run.Archived {
		parts = append(parts, filepath.Base(i.Run.ArchivePath))
	}
	if i.Run.UploadStatus != "" && i.Run.UploadStatus != models.UploadNone {
		parts = append(parts, "upload "+string(i.Run.UploadStatus))
	}
	return strings.Join(parts, " • ")
}

func formatStatus(status string) string {
	switch models.RunStatus(status) {
	case models.RunStatusRunning:
		return statusRunning.Render("● running")
	case models.RunStatusSucceeded:
		return statusSucceeded.Render("● succeeded")
	case models.RunStatusFailed:
		return statusFailed.Render("● failed")
	default:
		return status
	}
}

func firstLine(s string, n int) string {
	s = strings.TrimSpace(s)
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return truncate(s, n)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// RunListModel manages the run list screen
type RunListModel struct {
	client      *Client
	list        list.Model
	runs        []models.Run
	filter      string
	filterIndex int
	loading     bool
}

var filters = []string{"", "running", "succeeded", "failed"}
var filterLabels = []string{"all", "running", "succeeded", "failed"}

// NewRunListModel creates a new run list model
func NewRunListModel(client *Client) *RunListModel {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Runs [all]"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = listTitleStyle

	return &RunListModel{
		client: client,
		list:   l,
	}
}

// Init initializes the run list
func (m *RunListModel) Init() tea.Cmd {
	return m.Refresh()
}

// SetSize sets the list dimensions
func (m *RunListModel) SetSize(w, h int) {
	m.list.SetSize(w, h)
}

// SelectedRun returns the currently selected run
func (m *RunListModel) SelectedRun() *models.Run {
	if item, ok := m.list.SelectedItem().(RunItem); ok {
		run := item.Run
		return &run
	}
	return nil
}

// Filtering reports whether the list is capturing keys for its filter input.
func (m *RunListModel) Filtering() bool {
	return m.list.FilterState() == list.Filtering
}

// CycleFilter cycles through status filters
func (m *RunListModel) CycleFilter() {
	m.filterIndex = (m.filterIndex + 1) % len(filters)
	m.filter = filters[m.filterIndex]
	m.list.Title = fmt.Sprintf("Runs [%s]", filterLabels[m.filterIndex])
}

// Refresh fetches runs from the API
func (m *RunListModel) Refresh() tea.Cmd {
	m.loading = true
	filter := m.filter
	return func() tea.Msg {
		runs, err := m.client.ListRuns(filter)
		if err != nil {
			return errMsg{err}
		}
		return runsLoadedMsg{filter: filter, runs: runs}
	}
}

// HasRunning reports whether any listed run is still running.
func (m *RunListModel) HasRunning() bool {
	for _, r := range m.runs {
		if r.Status == models.RunStatusRunning {
			return true
		}
	}
	return false
}

// Update handles messages
func (m *RunListModel) Update(msg tea.Msg) (*RunListModel, tea.Cmd) {
	switch msg := msg.(type) {
	case runsLoadedMsg:
		// a reply for a filter the user already left
		if msg.filter != m.filter {
			return m, nil
		}
		m.loading = false
		m.runs = msg.runs
		items := make([]list.Item, len(m.runs))
		for i, r := range m.runs {
			items[i] = RunItem{Run: r}
		}
		return m, m.list.SetItems(items)

	case errMsg:
		m.loading = false
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

// View renders the run list
func (m *RunListModel) View() string {
	if m.loading && len(m.runs) == 0 {
		return "Loading runs..."
	}
	return m.list.View()
}

type runsLoadedMsg struct {
	filter string
	runs   []models.Run
}
