package main

import "time"

// GlobalFlags are persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// APIUrl routes commands through a running daemon instead of acting on
	// the local run directory.
	APIUrl     string
	APITimeout time.Duration
}

type WorkspaceFlags struct {
	Workspace string
}

type LogFlags struct {
	Workspace string
	Tail      int64
}

type AdoptFlags struct {
	Workspace string
	PID       int
}

type ServeFlags struct {
	Listen    string
	BasePath  string
	AutoStart []string
	// StopOnExit runs stop-all before the daemon exits.
	StopOnExit bool
}
