package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/adamgarcia4/gmcast/logger"
	"github.com/adamgarcia4/gmcast/node"
)

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Start interactive mesh manager",
	Long: `Start an interactive terminal UI for running a local mesh.

The first node created acts as seed; every later node joins through it and
converges on the full mesh via topology gossip.

Keyboard shortcuts:
  C - Create a new node
  D - Delete a node (shows selection menu)
  Q - Quit

Examples:
  gmcast interactive --group=demo`,
	Run: runInteractive,
}

var interactiveGroup string

func init() {
	rootCmd.AddCommand(interactiveCmd)
	interactiveCmd.Flags().StringVar(&interactiveGroup, "group", node.DefaultGroup, "Group name for the local mesh")
}

const logPaneLines = 15

type model struct {
	manager      *node.Manager
	nodes        []*node.Node
	peerCounts   map[string]int
	deleteMode   bool
	selected     int
	err          error
	logBuffer    *logger.LogBuffer
	logScroll    int
	width        int
	height       int
	numericInput string
}

func initialModel(group string) model {
	// Interactive mode captures logs into the buffer instead of stdout.
	logBuffer := logger.GetGlobalLogBuffer()
	logger.Init("", false)
	logger.AddOutput(logger.NewBufferWriter(logBuffer))

	return model{
		manager:    node.NewManager(group),
		nodes:      []*node.Node{},
		peerCounts: map[string]int{},
		logBuffer:  logBuffer,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(), refreshNodes(m.manager))
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

type tickMsg struct{}

func refreshNodes(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		nodes := manager.GetNodes()
		counts := make(map[string]int, len(nodes))
		for _, n := range nodes {
			counts[n.GetConfig().NodeID] = n.NumPeers()
		}
		return nodesUpdatedMsg{nodes: nodes, peerCounts: counts}
	}
}

type nodesUpdatedMsg struct {
	nodes      []*node.Node
	peerCounts map[string]int
}

type shutdownCompleteMsg struct {
	err error
}

func shutdownNodes(manager *node.Manager) tea.Cmd {
	return func() tea.Msg {
		return shutdownCompleteMsg{err: manager.StopAll()}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, shutdownNodes(m.manager)
		}

		if m.deleteMode {
			return m.handleDeleteMode(msg)
		}

		switch msg.String() {
		case "c", "C":
			_, err := m.manager.CreateNode()
			m.err = err
			m.nodes = m.manager.GetNodes()
			return m, nil

		case "d", "D":
			if len(m.nodes) == 0 {
				m.err = fmt.Errorf("no nodes to delete")
				return m, nil
			}
			m.deleteMode = true
			m.selected = 0
			m.numericInput = ""
			return m, nil

		case "up", "k":
			maxScroll := m.logBuffer.Len() - logPaneLines
			if maxScroll < 0 {
				maxScroll = 0
			}
			if m.logScroll < maxScroll {
				m.logScroll++
			}
			return m, nil

		case "down", "j":
			if m.logScroll > 0 {
				m.logScroll--
			}
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		return m, tea.Batch(tick(), refreshNodes(m.manager))

	case nodesUpdatedMsg:
		m.nodes = msg.nodes
		m.peerCounts = msg.peerCounts
		return m, nil

	case shutdownCompleteMsg:
		if msg.err != nil {
			logger.Printf("Error stopping nodes during shutdown: %v", msg.err)
		}
		return m, tea.Quit
	}

	return m, nil
}

func (m model) handleDeleteMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key := msg.String(); key {
	case "esc":
		m.deleteMode = false
		m.selected = 0
		m.err = nil
		m.numericInput = ""
		return m, nil

	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
		return m, nil

	case "down", "j":
		if m.selected < len(m.nodes)-1 {
			m.selected++
		}
		return m, nil

	case "enter", " ":
		index := m.selected
		if m.numericInput != "" {
			input := m.numericInput
			m.numericInput = ""
			num, err := strconv.Atoi(input)
			if err != nil || num < 1 || num > len(m.nodes) {
				m.err = fmt.Errorf("node %q does not exist (max: %d)", input, len(m.nodes))
				return m, nil
			}
			index = num - 1
		}
		if err := m.manager.DeleteNode(index); err != nil {
			m.err = err
		} else {
			m.nodes = m.manager.GetNodes()
			m.deleteMode = false
			m.selected = 0
			m.err = nil
		}
		return m, nil

	default:
		// Digits accumulate so multi-digit node numbers work.
		if len(key) == 1 && key >= "0" && key <= "9" {
			m.numericInput += key
			return m, nil
		}
		m.numericInput = ""
		return m, nil
	}
}

func (m model) View() string {
	var s strings.Builder

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("62")).
		Padding(1, 2)
	s.WriteString(titleStyle.Render("GMCast Mesh Manager"))
	s.WriteString("\n\n")

	if m.err != nil {
		errorStyle := lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
		s.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		s.WriteString("\n\n")
	}

	if len(m.nodes) == 0 {
		s.WriteString("No nodes running.\n\n")
	} else {
		s.WriteString("Running Nodes:\n\n")
		for i, n := range m.nodes {
			config := n.GetConfig()
			line := fmt.Sprintf("[%d] %s %s peers=%d",
				i+1, config.NodeID, config.ListenAddr(),
				m.peerCounts[config.NodeID])
			if m.deleteMode && i == m.selected {
				nodeStyle := lipgloss.NewStyle().
					PaddingLeft(2).
					Foreground(lipgloss.Color("196")).
					Bold(true)
				s.WriteString(nodeStyle.Render("> " + line))
			} else {
				s.WriteString("    " + line)
			}
			s.WriteString("\n")
		}
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(m.renderLogs())
	s.WriteString("\n\n")

	instructionsStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true).
		PaddingTop(1)

	if m.deleteMode {
		help := fmt.Sprintf("DELETE MODE: ↑/↓/j/k or type node number (1-%d), Enter to confirm, Esc to cancel", len(m.nodes))
		if m.numericInput != "" {
			help = fmt.Sprintf("DELETE MODE: node number (current: %s), Enter to confirm, Esc to cancel", m.numericInput)
		}
		s.WriteString(instructionsStyle.Render(help))
	} else {
		s.WriteString(instructionsStyle.Render(
			"Press C to create a node | D to delete a node | ↑/↓/j/k to scroll logs | Q to quit"))
	}

	return s.String()
}

func (m model) renderLogs() string {
	// Delete mode narrows the pane to the highlighted node's own lines.
	entries := m.logBuffer.Tail(0)
	title := "Logs:"
	if m.deleteMode && m.selected < len(m.nodes) {
		id := m.nodes[m.selected].GetConfig().NodeID
		entries = m.logBuffer.TailFor(id, 0)
		title = "Logs (" + id + "):"
	}
	total := len(entries)

	errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	debugStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	var logLines []string
	if total == 0 {
		logLines = []string{"     | (no logs yet)"}
	} else {
		end := total - m.logScroll
		if end < 0 {
			end = 0
		}
		start := end - logPaneLines
		if start < 0 {
			start = 0
		}
		// Newest first, numbered back from the tail of the buffer.
		for i := end - 1; i >= start; i-- {
			line := fmt.Sprintf("%4d | %s", total-1-i, logger.FormatLogEntry(entries[i]))
			switch entries[i].Level {
			case logger.LevelError:
				line = errorStyle.Render(line)
			case logger.LevelDebug:
				line = debugStyle.Render(line)
			}
			logLines = append(logLines, line)
		}
	}

	boxWidth := 100
	if m.width > 0 {
		boxWidth = m.width - 4
	}

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Height(logPaneLines - 2).
		Width(boxWidth)

	return logStyle.Render(title + "\n" + strings.Join(logLines, "\n"))
}

func runInteractive(cmd *cobra.Command, args []string) {
	p := tea.NewProgram(initialModel(interactiveGroup))
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running interactive mode: %v\n", err)
	}
}
