package main

import "time"

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
}

// APIFlags select a remote server instead of the local registry.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
}

func (f APIFlags) remote() bool { return f.APIUrl != "" }

type CaptureFlags struct {
	APIFlags
	Output      string
	Interface   string
	Filter      string
	Duration    int
	Promiscuous string
}

type StopFlags struct {
	APIFlags
	All bool
}

type ListFlags struct {
	APIFlags
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}
