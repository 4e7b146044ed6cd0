// Chainwatch-tui: terminal view of the most recent observations served by a chainwatch daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/arkiv/chainwatch/internal/chain"
	"github.com/arkiv/chainwatch/internal/client"
)

const (
	pollRate     = 5 * time.Second
	fetchTimeout = 3 * time.Second
	defaultRows  = 20
	tableWidth   = 100
)

var (
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true)
	tableStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63"))
)

var columns = []table.Column{
	{Title: "Height", Width: 9},
	{Title: "Hash", Width: 20},
	{Title: "Block time (UTC)", Width: 19},
	{Title: "Txs", Width: 6},
	{Title: "Size", Width: 10},
	{Title: "Difficulty", Width: 12},
	{Title: "Peers", Width: 5},
}

// source is the part of client.Client the view needs.
type source interface {
	Recent(ctx context.Context, limit int) ([]chain.BlockObservation, error)
}

type tickMsg time.Time

type dataMsg struct {
	observations []chain.BlockObservation
	err          error
}

type model struct {
	src          source
	limit        int
	spinner      spinner.Model
	table        table.Model
	observations []chain.BlockObservation
	err          error
	ready        bool
	updated      time.Time
}

func initialModel(src source, limit int) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(limit),
		table.WithWidth(tableWidth),
	)
	return model{src: src, limit: limit, spinner: s, table: t}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchData(m.src, m.limit), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tea.Batch(fetchData(m.src, m.limit), tick())

	case dataMsg:
		m.ready = true
		m.err = msg.err
		if msg.err == nil {
			m.observations = msg.observations
			m.updated = time.Now()
			rows := make([]table.Row, 0, len(msg.observations))
			for _, o := range msg.observations {
				rows = append(rows, formatRow(o))
			}
			m.table.SetRows(rows)
		}
	}
	return m, nil
}

func (m model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Connecting...", m.spinner.View())
	}
	header := headerStyle.Render(fmt.Sprintf("%s chainwatch: recent observations", m.spinner.View()))

	var status string
	if m.err != nil {
		status = errorStyle.Render(fmt.Sprintf("Offline: %v", m.err))
	} else {
		status = okStyle.Render(fmt.Sprintf("Online • %d observations • updated %s",
			len(m.observations), m.updated.Format("15:04:05")))
	}
	footer := subtleStyle.Render(fmt.Sprintf("\n%s\nPress q to quit", status))
	return lipgloss.JoinVertical(lipgloss.Left, header, tableStyle.Render(m.table.View()), footer)
}

func formatRow(o chain.BlockObservation) table.Row {
	peers := "n/a"
	if o.HasConnectionCount() {
		peers = strconv.FormatUint(o.ConnectionCount, 10)
	}
	return table.Row{
		strconv.FormatInt(o.Height, 10),
		shortHash(o.Hash),
		time.Unix(o.Timestamp, 0).UTC().Format("2006-01-02 15:04:05"),
		strconv.FormatUint(o.TxCount, 10),
		formatBytes(o.SizeBytes),
		formatDifficulty(o.Difficulty),
		peers,
	}
}

// shortHash keeps the significant tail of a hash whose head is mostly zeros.
func shortHash(h string) string {
	if len(h) <= 20 {
		return h
	}
	return "…" + h[len(h)-19:]
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

func formatDifficulty(d float64) string {
	switch {
	case d >= 1e12:
		return fmt.Sprintf("%.2f T", d/1e12)
	case d >= 1e9:
		return fmt.Sprintf("%.2f G", d/1e9)
	default:
		return strconv.FormatFloat(d, 'f', 2, 64)
	}
}

func fetchData(src source, limit int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		obs, err := src.Recent(ctx, limit)
		return dataMsg{observations: obs, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(pollRate, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func main() {
	url := os.Getenv("CHAINWATCH_URL")
	if url == "" {
		url = client.DefaultBaseURL
	}
	flagURL := flag.String("url", url, "chainwatch query service URL")
	flagRows := flag.Int("rows", defaultRows, "observations to show")
	flag.Parse()

	c, err := client.New(*flagURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "chainwatch-tui: %v\n", err)
		os.Exit(1)
	}
	p := tea.NewProgram(initialModel(c, *flagRows), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "chainwatch-tui: %v\n", err)
		os.Exit(1)
	}
}
