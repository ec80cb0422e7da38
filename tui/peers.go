// Package tui is the live peer table behind `zipline peers --watch`.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/Dyastin-0/zipline/core"
	"github.com/Dyastin-0/zipline/styles"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

const refreshInterval = time.Second

type tickMsg time.Time

// PeerSource returns the current peer snapshot.
type PeerSource func() []core.Peer

type Model struct {
	source PeerSource
	title  string
	peers  []core.Peer
	width  int
	now    func() time.Time
}

func NewPeers(title string, source PeerSource) Model {
	return Model{
		source: source,
		title:  title,
		width:  100,
		now:    time.Now,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), m.refresh)
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type peersMsg []core.Peer

func (m Model) refresh() tea.Msg {
	return peersMsg(m.source())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.refresh
		}
		return m, nil

	case tickMsg:
		return m, tea.Batch(tick(), m.refresh)

	case peersMsg:
		m.peers = msg
		return m, nil
	}

	return m, nil
}

func (m Model) View() string {
	var sb strings.Builder

	sb.WriteString(styles.TITLE.Render(m.title))
	sb.WriteString("\n\n")
	sb.WriteString(RenderPeers(m.peers, m.width, m.now()))
	sb.WriteString("\n\n")
	sb.WriteString(styles.INFO.Render(fmt.Sprintf("%d peer(s)  q: quit  r: refresh", len(m.peers))))
	sb.WriteString("\n")

	return sb.String()
}

// RenderPeers draws the peer table. It is shared with the one-shot
// `peers` listing.
func RenderPeers(peers []core.Peer, width int, now time.Time) string {
	if len(peers) == 0 {
		return styles.INFO.Render("  No peers found.")
	}

	colName := colWidth(width, 0.30)
	colAddr := colWidth(width, 0.22)
	colPlatform := colWidth(width, 0.12)
	colConn := colWidth(width, 0.16)
	colSeen := colWidth(width, 0.14)

	rows := []string{strings.Join([]string{
		styles.HEADER.Width(colName).Render("NAME"),
		styles.HEADER.Width(colAddr).Render("ADDRESS"),
		styles.HEADER.Width(colPlatform).Render("PLATFORM"),
		styles.HEADER.Width(colConn).Render("VIA"),
		styles.HEADER.Width(colSeen).Render("SEEN"),
	}, "")}

	for i, p := range peers {
		style := styles.ROW
		if i%2 == 1 {
			style = styles.ALTROW
		}

		via := string(p.ConnectionType)
		if p.AdapterName != "" {
			via = fmt.Sprintf("%s (%s)", p.ConnectionType, p.AdapterName)
		}

		rows = append(rows, strings.Join([]string{
			style.Width(colName).Render(truncate(p.Name, colName-1)),
			style.Width(colAddr).Render(truncate(fmt.Sprintf("%s:%d", p.Address, p.Port), colAddr-1)),
			style.Width(colPlatform).Render(truncate(p.Platform, colPlatform-1)),
			style.Width(colConn).Render(truncate(via, colConn-1)),
			style.Width(colSeen).Render(truncate(humanize.RelTime(p.LastSeen, now, "ago", "from now"), colSeen-1)),
		}, ""))
	}

	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func colWidth(total int, fraction float64) int {
	w := int(float64(total) * fraction)
	if w < 8 {
		w = 8
	}
	return w
}

func truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}

	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	if max == 1 {
		return string(runes[:1])
	}
	return string(runes[:max-1]) + "…"
}
