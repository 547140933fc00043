package main

import "time"

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	// Remote daemon connection
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
}

type ServeFlags struct {
	ConfigPath string
	UserID     string
	Daemonize  bool
	PidFile    string
	LogFile    string
	// For tests: start, report and shut down without waiting for a signal
	NonBlocking bool
}

type CollectorFlags struct {
	Listen string
	Token  string
}

type AcquireFlags struct {
	Timeout time.Duration
}

type EmergencyFlags struct {
	On  bool
	Off bool
}

type WatchFlags struct {
	// Count stops after that many samples; zero watches until interrupted
	Count int
}
