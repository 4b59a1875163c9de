package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/mingda/feedercabinet/internal/diag"
)

var statusSocketPath string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Attach a live dashboard to a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tea.NewProgram(initialStatusModel(statusSocketPath), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusSocketPath, "socket", "/run/feedercabinet/diag.sock", "path to the daemon's diagnostics socket")
	rootCmd.AddCommand(statusCmd)
}

type statusTickMsg time.Time

type snapshotMsg struct {
	snap diag.Snapshot
	err  error
}

type statusModel struct {
	socketPath string
	snap       diag.Snapshot
	lastErr    error
	width      int
	bar        progress.Model
}

func initialStatusModel(socketPath string) statusModel {
	return statusModel{socketPath: socketPath, width: 80, bar: progress.New(progress.WithDefaultGradient())}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(statusTickCmd(), fetchSnapshotCmd(m.socketPath))
}

func statusTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return statusTickMsg(t) })
}

func fetchSnapshotCmd(socketPath string) tea.Cmd {
	return func() tea.Msg {
		snap, err := diag.FetchSnapshot(socketPath)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = msg.Width - 20
	case statusTickMsg:
		return m, tea.Batch(statusTickCmd(), fetchSnapshotCmd(m.socketPath))
	case snapshotMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			m.snap = msg.snap
		}
	}
	return m, nil
}

func (m statusModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Background(lipgloss.Color("235")).Padding(0, 1)
	labelStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	valueStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	boxStyle := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)

	var s strings.Builder
	s.WriteString(titleStyle.Render("FEEDERCABINET - STATUS"))
	s.WriteString("\n")
	s.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(fmt.Sprintf("Socket: %s | Press 'q' to quit", m.socketPath)))
	s.WriteString("\n\n")

	if m.lastErr != nil {
		s.WriteString(errStyle.Render(fmt.Sprintf("✗ %v", m.lastErr)))
		s.WriteString("\n")
		return s.String()
	}

	body := strings.Builder{}
	body.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Link state:"), valueStyle.Render(m.snap.LinkState)))
	body.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("System state:"), valueStyle.Render(m.snap.SystemState)))
	body.WriteString(fmt.Sprintf("%s %d\n", labelStyle.Render("Active RFID sessions:"), m.snap.ActiveSessions))
	for _, p := range m.snap.SessionProgress {
		body.WriteString(fmt.Sprintf("  extruder %d %s\n", p.ExtruderID, m.bar.ViewAs(p.Fraction)))
	}
	body.WriteString(fmt.Sprintf("%s %d\n", labelStyle.Render("Outbound queue depth:"), m.snap.OutboundQueued))
	reachable := "yes"
	if !m.snap.PrinterReachable {
		reachable = "no"
	}
	body.WriteString(fmt.Sprintf("%s %s\n", labelStyle.Render("Printer reachable:"), valueStyle.Render(reachable)))
	body.WriteString(fmt.Sprintf("%s %s", labelStyle.Render("Last update:"), valueStyle.Render(m.snap.LastUpdate.Format("15:04:05.000"))))

	s.WriteString(boxStyle.Render(body.String()))
	s.WriteString("\n")
	return s.String()
}
