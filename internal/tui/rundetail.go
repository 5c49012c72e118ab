package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/coderelay/internal/models"
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
)

// RunDetailModel shows one run in a scrollable viewport.
type RunDetailModel struct {
	client   *Client
	run      *models.Run
	viewport viewport.Model
	loading  bool
}

// NewRunDetailModel creates a new run detail model
func NewRunDetailModel(client *Client) *RunDetailModel {
	return &RunDetailModel{
		client:   client,
		viewport: viewport.New(80, 20),
	}
}

// SetSize sets the dimensions
func (m *RunDetailModel) SetSize(w, h int) {
	m.viewport.Width = w
	m.viewport.Height = h
	m.render()
}

// Run returns the run being shown, nil before one loads.
func (m *RunDetailModel) Run() *models.Run {
	return m.run
}

// SetRun shows run immediately.
func (m *RunDetailModel) SetRun(run *models.Run) {
	m.run = run
	m.loading = false
	m.viewport.GotoTop()
	m.render()
}

// Refresh fetches the run again by ID.
func (m *RunDetailModel) Refresh(id string) tea.Cmd {
	m.loading = true
	return func() tea.Msg {
		run, err := m.client.GetRun(id)
		if err != nil {
			return errMsg{err}
		}
		return runLoadedMsg{run: run}
	}
}

// Update handles messages
func (m *RunDetailModel) Update(msg tea.Msg) (*RunDetailModel, tea.Cmd) {
	switch msg := msg.(type) {
	case runLoadedMsg:
		offset := m.viewport.YOffset
		same := m.run != nil && m.run.ID == msg.run.ID
		m.run = msg.run
		m.loading = false
		m.render()
		if same {
			m.viewport.SetYOffset(offset)
		} else {
			m.viewport.GotoTop()
		}
		return m, nil
	case errMsg:
		m.loading = false
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *RunDetailModel) render() {
	if m.run == nil {
		m.viewport.SetContent("")
		return
	}
	m.viewport.SetContent(renderRun(m.run, m.viewport.Width))
}

// View renders the run detail
func (m *RunDetailModel) View() string {
	if m.run == nil {
		if m.loading {
			return "Loading run..."
		}
		return "No run selected"
	}
	return m.viewport.View()
}

func renderRun(r *models.Run, width int) string {
	var b strings.Builder

	b.WriteString(headerStyle.Render(fmt.Sprintf("Run %s", r.ID)))
	b.WriteString("\n\n")

	field := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf("%-10s", label+":")))
		b.WriteString(" ")
		b.WriteString(valueStyle.Render(value))
		b.WriteString("\n")
	}

	field("Status", formatStatus(string(r.Status)))
	field("Endpoint", r.Endpoint)
	field("Model", r.Model)
	field("Directory", r.Directory)
	field("Output", r.OutputDirectory)
	if r.Archived {
		field("Archive", r.ArchivePath)
	}
	if r.UploadStatus != "" && r.UploadStatus != models.UploadNone {
		field("Upload", string(r.UploadStatus))
	}
	field("Created", r.CreatedAt.Local().Format(time.DateTime))
	if r.FinishedAt != nil {
		field("Finished", fmt.Sprintf("%s (%s)",
			r.FinishedAt.Local().Format(time.DateTime),
			r.FinishedAt.Sub(r.CreatedAt).Round(time.Second)))
	}

	b.WriteString(sectionStyle.Render("Instruction"))
	b.WriteString("\n")
	b.WriteString(wrap(r.Instruction, width))
	b.WriteString("\n")

	if r.Error != "" {
		b.WriteString(sectionStyle.Render("Error"))
		b.WriteString("\n")
		b.WriteString(statusFailed.Render(wrap(r.Error, width)))
		b.WriteString("\n")
	}

	if r.Response != "" {
		b.WriteString(sectionStyle.Render("Agent output"))
		b.WriteString("\n")
		b.WriteString(wrap(r.Response, width))
		b.WriteString("\n")
	}

	return b.String()
}

func wrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	return lipgloss.NewStyle().Width(width).Render(s)
}

type runLoadedMsg struct {
	run  *models.Run
	open bool
}
