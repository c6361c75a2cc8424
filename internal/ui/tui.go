// ABOUTME: TUI initialization and control
// ABOUTME: Wraps the bubbletea program and the keyboard command channel
package ui

import (
	tea "github.com/charmbracelet/bubbletea"
)

// CommandKind identifies a keyboard command
type CommandKind int

const (
	CmdVolume CommandKind = iota
	CmdMute
	CmdDelay
	CmdResync
	CmdQuit
)

// Command is a keyboard command routed to the app
type Command struct {
	Kind  CommandKind
	Value int
	On    bool
}

// Commands carries keyboard commands from the TUI to the app
type Commands struct {
	C chan Command
}

// NewCommands creates the command channel
func NewCommands() *Commands {
	return &Commands{C: make(chan Command, 10)}
}

// send drops the command rather than blocking the UI loop
func (c *Commands) send(cmd Command) {
	if c == nil {
		return
	}
	select {
	case c.C <- cmd:
	default:
	}
}

// NewModel creates a new TUI model
func NewModel(commands *Commands) Model {
	return Model{
		volume:   100,
		state:    "initializing",
		commands: commands,
	}
}

// Run creates the TUI program
func Run(commands *Commands) (*tea.Program, error) {
	p := tea.NewProgram(NewModel(commands), tea.WithAltScreen())
	return p, nil
}
