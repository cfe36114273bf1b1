package client

// CaptureRequest asks the server to run one capture. A nil Duration uses the
// server default of 10 seconds; 0 captures until stopped.
type CaptureRequest struct {
	Output      string `json:"output,omitempty"`
	Interface   string `json:"iface,omitempty"`
	Filter      string `json:"filter,omitempty"`
	Duration    *int   `json:"duration,omitempty"`
	Promiscuous string `json:"promiscuous,omitempty"`
}

// StopRequest names the capture to stop; an empty Output stops all live ones.
type StopRequest struct {
	Output string `json:"output,omitempty"`
}

// Result is the generic {success, message} reply.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Capture describes a capture tracked by the server.
type Capture struct {
	Key      string `json:"key"`
	PID      int    `json:"pid"`
	StopFile string `json:"stopFile,omitempty"`
	Live     bool   `json:"live"`
}

// Interface is a capture device reported by the worker.
type Interface struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	IsUp         bool   `json:"isUp"`
	HasAddresses bool   `json:"hasAddresses"`
	IsLoopback   bool   `json:"isLoopback"`
}

type stopAllResponse struct {
	Success bool `json:"success"`
	Stopped int  `json:"stopped"`
}

type capturesResponse struct {
	Captures []Capture `json:"captures"`
}

type interfacesResponse struct {
	Success    bool        `json:"success"`
	Interfaces []Interface `json:"interfaces"`
	Message    string      `json:"message"`
}
