package ui

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"hostvisor/pkg/sdk"
)

type serverListItem struct {
	id          string
	name        string
	title       string
	description string
	status      string
}

func (i serverListItem) FilterValue() string { return i.title + " " + i.description }
func (i serverListItem) Title() string       { return i.title }
func (i serverListItem) Description() string { return i.description }

type dashboardMode int

const (
	viewList dashboardMode = iota
	viewDeleteConfirm
)

type model struct {
	list     list.Model
	servers  []sdk.Server
	err      error
	width    int
	height   int
	message  string
	client   *sdk.Client
	mode     dashboardMode
	deleting serverListItem
	openLogs string
	quitting bool
}

type serverDataMsg []sdk.Server
type errMsg error
type actionMsg string
type clearMessageMsg struct{}

// RunDashboard shows the live instance list. It returns the id of the
// instance whose console the user opened, or "" when the user quit.
func RunDashboard(client *sdk.Client) (string, error) {
	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0)
	l.Title = "Servers"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.Styles.Title = titleStyle
	l.Styles.PaginationStyle = list.DefaultStyles().PaginationStyle.PaddingLeft(4)
	l.Styles.HelpStyle = list.DefaultStyles().HelpStyle.PaddingLeft(4).PaddingBottom(1)

	m := model{list: l, client: client}

	program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithInput(os.Stdin), tea.WithOutput(os.Stdout))
	finalModel, err := program.Run()
	if err != nil {
		return "", fmt.Errorf("error running dashboard: %w", err)
	}

	fm, ok := finalModel.(model)
	if !ok || fm.quitting {
		return "", nil
	}
	return fm.openLogs, nil
}

func (m model) Init() tea.Cmd {
	return tea.Batch(fetchDataCmd(m.client), tickCmd())
}

func (m model) selected() (serverListItem, bool) {
	i := m.list.SelectedItem()
	if i == nil {
		return serverListItem{}, false
	}
	return i.(serverListItem), true
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.mode == viewDeleteConfirm {
			return m.updateDeleteConfirm(msg)
		}
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "s":
			if it, ok := m.selected(); ok {
				if it.status == "RUNNING" || it.status == "STARTING" {
					return m.flash(fmt.Sprintf("%s is already %s", it.name, it.status))
				}
				m.message = fmt.Sprintf("Starting %s...", it.name)
				return m, runAction(fmt.Sprintf("%s started", it.name), func() error { return m.client.StartServer(it.id) })
			}
		case "x":
			if it, ok := m.selected(); ok {
				if it.status != "RUNNING" && it.status != "STARTING" {
					return m.flash(fmt.Sprintf("%s is not running (%s)", it.name, it.status))
				}
				m.message = fmt.Sprintf("Stopping %s...", it.name)
				return m, runAction(fmt.Sprintf("%s stopped", it.name), func() error { return m.client.StopServer(it.id, false) })
			}
		case "r":
			if it, ok := m.selected(); ok {
				m.message = fmt.Sprintf("Restarting %s...", it.name)
				return m, runAction(fmt.Sprintf("%s restarted", it.name), func() error { return m.client.RestartServer(it.id) })
			}
		case "d":
			if it, ok := m.selected(); ok {
				m.deleting = it
				m.mode = viewDeleteConfirm
				return m, nil
			}
		case "enter":
			if it, ok := m.selected(); ok {
				m.openLogs = it.id
				return m, tea.Quit
			}
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.list.SetWidth(msg.Width - 4)
		m.list.SetHeight(msg.Height - 12)
	case serverDataMsg:
		m.err = nil
		m.servers = msg
		m.list.SetItems(serverItems(msg))
		return m, nil
	case actionMsg:
		return m.flash(string(msg))
	case clearMessageMsg:
		m.message = ""
		return m, nil
	case tickMsg:
		return m, tea.Batch(fetchDataCmd(m.client), tickCmd())
	case errMsg:
		m.err = msg
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m model) updateDeleteConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "enter":
		it := m.deleting
		m.mode = viewList
		m.message = fmt.Sprintf("Deleting %s...", it.name)
		return m, runAction(fmt.Sprintf("%s deleted", it.name), func() error { return m.client.DeleteServer(it.id) })
	case "n", "esc":
		m.mode = viewList
		return m.flash("Deletion cancelled.")
	}
	return m, nil
}

func (m model) flash(message string) (tea.Model, tea.Cmd) {
	m.message = message
	return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg { return clearMessageMsg{} })
}

func runAction(done string, fn func() error) tea.Cmd {
	return func() tea.Msg {
		if err := fn(); err != nil {
			return actionMsg(err.Error())
		}
		return actionMsg(done)
	}
}

// serverItems renders instances as list rows, ordered by name.
func serverItems(servers []sdk.Server) []list.Item {
	sorted := append([]sdk.Server(nil), servers...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return strings.ToLower(sorted[i].Name) < strings.ToLower(sorted[j].Name)
	})

	items := make([]list.Item, 0, len(sorted))
	for _, s := range sorted {
		icon, _ := statusBadge(s.Status)

		cpu, ram := "-", "-"
		if s.Status == "RUNNING" && !s.Resources.SampledAt.IsZero() {
			cpu = fmt.Sprintf("%.1f%%", s.Resources.CPUPercent)
			ram = formatBytesShort(int64(s.Resources.MemoryBytes))
		}

		items = append(items, serverListItem{
			id:     s.ID,
			name:   s.Name,
			status: s.Status,
			title:  fmt.Sprintf("%s %s", icon, s.Name),
			description: fmt.Sprintf("ID: %s • %s • Template: %s • Ports: %s • CPU: %s • RAM: %s",
				shortID(s.ID), s.Status, s.TemplateID, formatPorts(s.Ports), cpu, ram),
		})
	}
	return items
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	title := headerStyle.Width(m.width).Render("HOSTVISOR DASHBOARD")

	if m.mode == viewDeleteConfirm {
		header := headerStyle.Render("DELETE CONFIRMATION")
		content := fmt.Sprintf("\nDelete server and its files?\n\n%s\n\nBackups are kept. (y/n)",
			lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true).Render(m.deleting.name))
		confirmBox := baseStyle.
			Width(m.width-4).
			Height(m.height-4).
			Align(lipgloss.Center, lipgloss.Center).
			Render(content)
		return lipgloss.JoinVertical(lipgloss.Center, title, header, confirmBox)
	}

	var running int
	var totalCPU float64
	var totalRAM uint64
	for _, s := range m.servers {
		if s.Status == "RUNNING" {
			running++
			totalCPU += s.Resources.CPUPercent
			totalRAM += s.Resources.MemoryBytes
		}
	}
	statsContent := fmt.Sprintf("Daemon: %s\nServers: %d (%d running) • CPU: %.1f%% • RAM: %s",
		m.client.BaseURL(), len(m.servers), running, totalCPU, formatBytesShort(int64(totalRAM)))
	if m.err != nil {
		statsContent += "\n" + lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render(m.err.Error())
	}

	headerBox := baseStyle.Width(m.width - 4).Align(lipgloss.Center).Render(statsContent)
	listContainer := baseStyle.Width(m.width - 4).Height(m.height - 12).Render(m.list.View())
	footerBox := footerStyle.Width(m.width - 4).Render(helpLine(
		"s", "start", "x", "stop", "r", "restart", "d", "delete", "enter", "console", "q/esc", "quit",
	))
	if m.message != "" {
		footerBox = messageStyle.Render(m.message) + "\n" + footerBox
	}

	return lipgloss.JoinVertical(lipgloss.Center, title, headerBox, listContainer, footerBox)
}

type tickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchDataCmd(client *sdk.Client) tea.Cmd {
	return func() tea.Msg {
		servers, err := client.ListServers()
		if err != nil {
			return errMsg(err)
		}
		return serverDataMsg(servers)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatPorts(ports map[string]int) string {
	if len(ports) == 0 {
		return "-"
	}
	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, ports[name]))
	}
	return strings.Join(parts, ",")
}

func formatBytesShort(bytes int64) string {
	if bytes == 0 {
		return "0B"
	}
	const k = 1024
	sizes := []string{"B", "K", "M", "G", "T"}
	i := 0
	fBytes := float64(bytes)
	for fBytes >= k && i < len(sizes)-1 {
		fBytes /= k
		i++
	}
	return fmt.Sprintf("%.1f%s", fBytes, sizes[i])
}
