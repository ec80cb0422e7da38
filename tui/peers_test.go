package tui

import (
	"testing"
	"time"

	"github.com/Dyastin-0/zipline/core"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samplePeers(now time.Time) []core.Peer {
	return []core.Peer{
		{
			Name:           "bob",
			Address:        "192.168.1.20",
			Port:           6442,
			Platform:       "Windows",
			ConnectionType: core.TypeWiFi,
			AdapterName:    "wlan0",
			LastSeen:       now.Add(-5 * time.Second),
		},
		{
			Name:           "carol",
			Address:        "10.0.0.7",
			Port:           7000,
			Platform:       "Android",
			ConnectionType: core.TypeEthernet,
			LastSeen:       now,
		},
	}
}

func TestRenderPeersEmpty(t *testing.T) {
	assert.Contains(t, RenderPeers(nil, 100, time.Now()), "No peers found.")
}

func TestRenderPeers(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	out := RenderPeers(samplePeers(now), 120, now)

	for _, want := range []string{"NAME", "ADDRESS", "bob", "192.168.1.20:6442", "WiFi (wlan0)", "carol", "10.0.0.7:7000", "5 seconds ago"} {
		assert.Contains(t, out, want)
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{name: "fits", in: "bob", max: 5, want: "bob"},
		{name: "cut", in: "abcdefgh", max: 5, want: "abcd…"},
		{name: "runes", in: "héllo wörld", max: 4, want: "hél…"},
		{name: "one", in: "abc", max: 1, want: "a"},
		{name: "zero", in: "abc", max: 0, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, truncate(tt.in, tt.max))
		})
	}
}

func TestModelUpdate(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	m := NewPeers("peers", func() []core.Peer {
		calls++
		return samplePeers(now)
	})
	m.now = func() time.Time { return now }

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("r")})
	require.NotNil(t, cmd)
	msg := cmd()
	assert.Equal(t, 1, calls)

	next, _ = next.Update(msg)
	model := next.(Model)
	assert.Len(t, model.peers, 2)

	next, _ = model.Update(tea.WindowSizeMsg{Width: 80, Height: 24})
	model = next.(Model)
	assert.Equal(t, 80, model.width)

	view := model.View()
	assert.Contains(t, view, "peers")
	assert.Contains(t, view, "2 peer(s)")

	_, cmd = model.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
