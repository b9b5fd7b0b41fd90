// Package keys contains keybinding definitions.
package keys

import "github.com/charmbracelet/bubbles/key"

// WatchKeyMap defines the keybindings for the watch dashboard.
type WatchKeyMap struct {
	// Navigation
	Up   key.Binding
	Down key.Binding

	// Actions
	Create    key.Binding
	Increment key.Binding
	Reset     key.Binding
	Refresh   key.Binding

	// General
	Help key.Binding
	Quit key.Binding
}

// DefaultWatchKeyMap returns the default dashboard keybindings.
func DefaultWatchKeyMap() WatchKeyMap {
	return WatchKeyMap{
		Up: key.NewBinding(
			key.WithKeys("k", "up"),
			key.WithHelp("k/↑", "move up"),
		),
		Down: key.NewBinding(
			key.WithKeys("j", "down"),
			key.WithHelp("j/↓", "move down"),
		),
		Create: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "new child"),
		),
		Increment: key.NewBinding(
			key.WithKeys("+", "i"),
			key.WithHelp("+/i", "increment"),
		),
		Reset: key.NewBinding(
			key.WithKeys("0"),
			key.WithHelp("0", "reset to 0"),
		),
		Refresh: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "refresh"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

// ShortHelp returns keybindings for the short help view.
func (k WatchKeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Create, k.Increment, k.Help, k.Quit}
}

// FullHelp returns keybindings for the full help view.
func (k WatchKeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down},
		{k.Create, k.Increment, k.Reset, k.Refresh},
		{k.Help, k.Quit},
	}
}
