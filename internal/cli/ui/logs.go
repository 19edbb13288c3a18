package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"hostvisor/pkg/sdk"
)

// maxConsoleLines bounds the scrollback kept by the console view.
const maxConsoleLines = 2000

type logModel struct {
	console   *sdk.Console
	viewport  viewport.Model
	textInput textinput.Model
	err       error
	ready     bool
	serverID  string
	server    *sdk.Server
	lines     []string
	quitting  bool
	back      bool
	client    *sdk.Client
	width     int
	height    int
}

func initialLogModel(id string, console *sdk.Console, client *sdk.Client) logModel {
	ti := textinput.New()
	ti.Placeholder = "Type a command..."
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 40

	return logModel{
		console:   console,
		textInput: ti,
		serverID:  id,
		client:    client,
	}
}

func (m logModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		waitForLog(m.console.Lines()),
		getServerDetails(m.client, m.serverID),
		tickCmd(),
	)
}

type logMsg string
type consoleClosedMsg struct{}
type serverDetailsMsg *sdk.Server

func waitForLog(sub <-chan string) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-sub
		if !ok {
			return consoleClosedMsg{}
		}
		return logMsg(msg)
	}
}

func getServerDetails(client *sdk.Client, id string) tea.Cmd {
	return func() tea.Msg {
		srv, err := client.GetServer(id)
		if err != nil {
			return errMsg(err)
		}
		return serverDetailsMsg(srv)
	}
}

// appendLine adds line to the scrollback, dropping the oldest lines past
// maxConsoleLines.
func appendLine(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > maxConsoleLines {
		lines = append(lines[:0:0], lines[len(lines)-maxConsoleLines:]...)
	}
	return lines
}

func (m logModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEsc:
			m.back = true
			return m, tea.Quit
		case tea.KeyEnter:
			if cmd := strings.TrimSpace(m.textInput.Value()); cmd != "" {
				m.textInput.SetValue("")
				if err := m.console.Send(cmd); err != nil {
					m.err = err
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 12
		contentWidth := msg.Width - 6

		if !m.ready {
			m.viewport = viewport.New(contentWidth, msg.Height-headerHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = contentWidth
			m.viewport.Height = msg.Height - headerHeight
		}
		m.viewport.SetContent(strings.Join(m.lines, "\n"))

	case logMsg:
		m.lines = appendLine(m.lines, string(msg))
		m.viewport.SetContent(strings.Join(m.lines, "\n"))
		m.viewport.GotoBottom()
		return m, waitForLog(m.console.Lines())

	case consoleClosedMsg:
		m.err = fmt.Errorf("console connection closed")

	case serverDetailsMsg:
		m.server = msg

	case errMsg:
		m.err = msg
	case tickMsg:
		return m, tea.Batch(getServerDetails(m.client, m.serverID), tickCmd())
	}

	m.textInput, tiCmd = m.textInput.Update(msg)
	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd)
}

func (m logModel) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}

	title := headerStyle.Width(m.width).Render("SERVER CONSOLE")

	serverInfo := "Loading server details..."
	if m.server != nil {
		icon, color := statusBadge(m.server.Status)
		serverInfo = fmt.Sprintf(
			"Server: %s %s  •  ID: %s  •  Ports: %s\nTemplate: %s  •  Status: %s  •  PID: %d",
			icon,
			lipgloss.NewStyle().Foreground(color).Render(m.server.Name),
			shortID(m.server.ID),
			formatPorts(m.server.Ports),
			m.server.TemplateID,
			m.server.Status,
			m.server.PID,
		)
	}
	if m.err != nil {
		serverInfo += "\n" + lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render(m.err.Error())
	}

	headerBox := baseStyle.
		Width(m.width-4).
		Align(lipgloss.Center).
		Padding(0, 1).
		Render(serverInfo)

	console := baseStyle.
		Width(m.width - 4).
		Render(m.viewport.View())

	footerContent := lipgloss.JoinVertical(lipgloss.Left,
		fmt.Sprintf("→ %s", m.textInput.View()),
		lipgloss.NewStyle().Width(m.width-6).Align(lipgloss.Center).Render(helpLine("enter", "send", "esc", "back", "ctrl+c", "quit")),
	)

	footerBox := footerStyle.
		Width(m.width - 4).
		Align(lipgloss.Left).
		Render(footerContent)

	return lipgloss.JoinVertical(lipgloss.Center,
		title,
		headerBox,
		console,
		footerBox,
	)
}

// RunLogs attaches to the console of instance id. It reports whether the
// user asked to go back to the dashboard.
func RunLogs(client *sdk.Client, id string) (bool, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	console, err := client.DialConsole(ctx, id)
	if err != nil {
		return false, fmt.Errorf("error connecting to console: %w", err)
	}
	defer console.Close()

	p := tea.NewProgram(
		initialLogModel(id, console, client),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	m, err := p.Run()
	if err != nil {
		return false, fmt.Errorf("error running console UI: %w", err)
	}
	if lm, ok := m.(logModel); ok {
		return lm.back, nil
	}
	return false, nil
}
