// ABOUTME: Bubbletea model for the player TUI
// ABOUTME: Shows sync state and routes keyboard commands to the app
package ui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Model is the TUI state
type Model struct {
	// Connection
	connected  bool
	serverName string

	// Playback
	state       string
	syncErrorMs float64
	lead        time.Duration
	volume      int
	muted       bool
	staticDelay time.Duration
	reanchors   int

	// Metadata
	title  string
	artist string
	album  string

	// Stats
	chunks    int64
	gaps      int64
	dropped   int64
	inserted  int64
	showDebug bool

	commands *Commands

	width  int
	height int
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StatusMsg:
		m.applyStatus(msg)
	}

	return m, nil
}

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	s := ""
	s += m.renderHeader()
	s += m.renderStreamInfo()
	s += m.renderControls()
	s += m.renderStats()

	if m.showDebug {
		s += m.renderDebug()
	}

	s += m.renderHelp()

	return s
}

// renderHeader renders connection and sync status
func (m Model) renderHeader() string {
	connStatus := "Disconnected"
	if m.connected {
		connStatus = fmt.Sprintf("Connected to %s", m.serverName)
	}

	syncText := m.state
	if m.state == "playing" {
		syncText = fmt.Sprintf("playing (error: %+.1fms)", m.syncErrorMs)
	}

	return fmt.Sprintf(`┌─ Chorus Player ──────────────────────────────────────┐
│ Status: %-45s │
│ Sync:   %-45s │
├──────────────────────────────────────────────────────┤
`, connStatus, syncText)
}

// renderStreamInfo renders track metadata
func (m Model) renderStreamInfo() string {
	if !m.connected {
		return "│ No stream                                            │\n"
	}

	s := "│ Now Playing:                                         │\n"
	if m.title != "" {
		s += fmt.Sprintf("│   Track:  %-42s │\n", truncate(m.title, 42))
		s += fmt.Sprintf("│   Artist: %-42s │\n", truncate(m.artist, 42))
		s += fmt.Sprintf("│   Album:  %-42s │\n", truncate(m.album, 42))
	} else {
		s += "│   (No metadata)                                      │\n"
	}

	return s
}

// renderControls renders volume, delay, and buffer status
func (m Model) renderControls() string {
	muteIcon := ""
	if m.muted {
		muteIcon = " 🔇"
	}

	volumeBar := renderBar(m.volume, 100, 10)

	return fmt.Sprintf("│                                                      │\n"+
		"│ Volume: [%s] %d%%%s%-17s │\n"+
		"│ Delay:  %dms   Lead: %dms%-24s │\n",
		volumeBar, m.volume, muteIcon, "",
		m.staticDelay.Milliseconds(), m.lead.Milliseconds(), "")
}

// renderStats renders playback statistics
func (m Model) renderStats() string {
	return fmt.Sprintf(`├──────────────────────────────────────────────────────┤
│ Stats:  RX: %d  Gaps: %d  Reanchors: %d%-10s │
│                                                      │
`, m.chunks, m.gaps, m.reanchors, "")
}

// renderHelp renders keyboard shortcuts
func (m Model) renderHelp() string {
	return `│ ↑/↓:Volume  m:Mute  +/-:Delay  r:Resync  q:Quit     │
└──────────────────────────────────────────────────────┘
`
}

// renderDebug renders drift correction counters
func (m Model) renderDebug() string {
	return fmt.Sprintf(`│ DEBUG:                                               │
│   Frames dropped: %d  inserted: %d                   │
`, m.dropped, m.inserted)
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.commands.send(Command{Kind: CmdQuit})
		return m, tea.Quit
	case "up":
		m.volume += 5
		if m.volume > 100 {
			m.volume = 100
		}
		m.commands.send(Command{Kind: CmdVolume, Value: m.volume})
	case "down":
		m.volume -= 5
		if m.volume < 0 {
			m.volume = 0
		}
		m.commands.send(Command{Kind: CmdVolume, Value: m.volume})
	case "m":
		m.muted = !m.muted
		m.commands.send(Command{Kind: CmdMute, On: m.muted})
	case "+", "=":
		m.staticDelay += 5 * time.Millisecond
		m.commands.send(Command{Kind: CmdDelay, Value: int(m.staticDelay.Milliseconds())})
	case "-":
		m.staticDelay -= 5 * time.Millisecond
		m.commands.send(Command{Kind: CmdDelay, Value: int(m.staticDelay.Milliseconds())})
	case "r":
		m.commands.send(Command{Kind: CmdResync})
	case "d":
		m.showDebug = !m.showDebug
	}

	return m, nil
}

// applyStatus updates model from a status message
func (m *Model) applyStatus(msg StatusMsg) {
	if msg.Connected != nil {
		m.connected = *msg.Connected
	}
	if msg.ServerName != "" {
		m.serverName = msg.ServerName
	}
	if msg.State != "" {
		m.state = msg.State
		m.syncErrorMs = msg.SyncErrorMs
		m.lead = msg.Lead
		m.staticDelay = msg.StaticDelay
		m.reanchors = msg.Reanchors
		m.volume = msg.Volume
		m.muted = msg.Muted
		m.chunks = msg.Chunks
		m.gaps = msg.Gaps
		m.dropped = msg.Dropped
		m.inserted = msg.Inserted
	}
	if msg.Title != "" {
		m.title = msg.Title
		m.artist = msg.Artist
		m.album = msg.Album
	}
}

// StatusMsg updates TUI state
type StatusMsg struct {
	Connected   *bool
	ServerName  string
	State       string
	SyncErrorMs float64
	Lead        time.Duration
	StaticDelay time.Duration
	Reanchors   int
	Volume      int
	Muted       bool
	Chunks      int64
	Gaps        int64
	Dropped     int64
	Inserted    int64
	Title       string
	Artist      string
	Album       string
}

// Utility functions
func renderBar(value, max, width int) string {
	filled := (value * width) / max
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "█"
		} else {
			bar += "░"
		}
	}
	return bar
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}
