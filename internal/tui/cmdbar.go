package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	cmdBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)
)

const cmdBarHint = "Press : to enter command (prompt <instruction>, dir <path>, show <run-id>)"

// CmdBarModel manages the command input bar
type CmdBarModel struct {
	input     textinput.Model
	focused   bool
	message   string
	directory string
}

// NewCmdBarModel creates a new command bar
func NewCmdBarModel() *CmdBarModel {
	ti := textinput.New()
	ti.Placeholder = "Enter command..."
	ti.CharLimit = 1024
	return &CmdBarModel{
		input: ti,
	}
}

// Focused reports whether the bar is taking input.
func (m *CmdBarModel) Focused() bool {
	return m.focused
}

// Directory is the target directory used by the prompt command.
func (m *CmdBarModel) Directory() string {
	return m.directory
}

// Focus focuses the command bar
func (m *CmdBarModel) Focus() tea.Cmd {
	m.focused = true
	m.message = ""
	return m.input.Focus()
}

// Blur unfocuses the command bar
func (m *CmdBarModel) Blur() {
	m.focused = false
	m.input.Blur()
	m.input.SetValue("")
}

// Submit returns the current input and blurs
func (m *CmdBarModel) Submit() string {
	val := m.input.Value()
	m.Blur()
	return val
}

// SetMessage replaces the hint with a one-shot message.
func (m *CmdBarModel) SetMessage(msg string) {
	m.message = msg
}

// Update handles messages
func (m *CmdBarModel) Update(msg tea.Msg) (*CmdBarModel, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok && key.String() == "esc" {
		m.Blur()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// View renders the command bar
func (m *CmdBarModel) View() string {
	if m.focused {
		prompt := promptStyle.Render(": ")
		return cmdBarStyle.Render(prompt + m.input.View())
	}
	if m.message != "" {
		return cmdBarStyle.Render(m.message)
	}
	return cmdBarStyle.Render(cmdBarHint)
}

// Execute processes a command. Local commands apply immediately; prompt
// and show return a command that talks to the server.
func (m *CmdBarModel) Execute(client *Client, input string) tea.Cmd {
	parts := strings.Fields(input)
	if len(parts) == 0 {
		return nil
	}

	cmd := parts[0]
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(input), cmd))

	switch cmd {
	case "dir":
		m.directory = rest
		if rest == "" {
			m.message = "Directory reset to server workspace"
		} else {
			m.message = "Directory: " + rest
		}
		return nil

	case "prompt":
		if rest == "" {
			m.message = "Usage: prompt <instruction>"
			return nil
		}
		m.message = "Running: " + truncate(rest, 60)
		dir := m.directory
		return func() tea.Msg {
			res, err := client.Prompt(rest, dir)
			if err != nil {
				if res != nil && res.RunID != "" {
					return promptDoneMsg{runID: res.RunID, message: fmt.Sprintf("Error: run %s: %v", shortID(res.RunID), err)}
				}
				return cmdResultMsg{fmt.Sprintf("Error: %v", err)}
			}
			msg := fmt.Sprintf("Run %s succeeded", shortID(res.RunID))
			if res.Archived {
				msg += ", archived " + res.ArchivePath
			} else {
				msg += ", no output produced"
			}
			return promptDoneMsg{runID: res.RunID, message: msg}
		}

	case "show":
		if rest == "" {
			m.message = "Usage: show <run-id>"
			return nil
		}
		id := rest
		return func() tea.Msg {
			run, err := client.GetRun(id)
			if err != nil {
				return cmdResultMsg{fmt.Sprintf("Error: %v", err)}
			}
			return runLoadedMsg{run: run, open: true}
		}

	default:
		m.message = fmt.Sprintf("Unknown command: %s", cmd)
		return nil
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

type cmdResultMsg struct {
	message string
}

type promptDoneMsg struct {
	runID   string
	message string
}
