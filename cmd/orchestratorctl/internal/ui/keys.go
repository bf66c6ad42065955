package ui

import "github.com/charmbracelet/bubbles/key"

type keyMap struct {
	Quit      key.Binding
	Refresh   key.Binding
	Tab       key.Binding
	RunAll    key.Binding
	Cancel    key.Binding
	DeleteRow key.Binding
	Backup    key.Binding
	ViewLog   key.Binding
}

var keys = keyMap{
	Quit:      key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Refresh:   key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
	Tab:       key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "switch view")),
	RunAll:    key.NewBinding(key.WithKeys("j"), key.WithHelp("j", "run all-tenants job")),
	Cancel:    key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "cancel selected job")),
	DeleteRow: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "delete selected schedule")),
	Backup:    key.NewBinding(key.WithKeys("b"), key.WithHelp("b", "trigger backup")),
	ViewLog:   key.NewBinding(key.WithKeys("l"), key.WithHelp("l", "toggle log pane")),
}
