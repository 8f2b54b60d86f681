package domain

import "time"

// Transport identifies how a tool server speaks JSON-RPC.
type Transport string

const (
	// TransportStdio is a process reading requests on stdin and writing
	// responses on stdout, one JSON object per line.
	TransportStdio Transport = "stdio"
	// TransportHTTP is a process serving JSON-RPC over HTTP on a container
	// port that gets published to the host.
	TransportHTTP Transport = "http"
)

// ServerConfig describes how to launch a tool server inside its container.
type ServerConfig struct {
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Transport Transport         `json:"transport,omitempty"`
	// Port is the container port an http-transport server listens on.
	Port int `json:"port,omitempty"`
}

// ToolServerDefinition is one installed tool server: its identity, launch
// configuration, and the user-supplied values merged into the environment at
// container start. Definitions are owned by the catalog; the orchestrator
// treats them as read-only.
type ToolServerDefinition struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	ServerConfig     ServerConfig      `json:"server_config"`
	UserConfigValues map[string]string `json:"user_config_values,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// ContainerState is the lifecycle state of one sandbox container.
type ContainerState string

const (
	ContainerNotCreated   ContainerState = "not_created"
	ContainerCreated      ContainerState = "created"
	ContainerInitializing ContainerState = "initializing"
	ContainerRunning      ContainerState = "running"
	ContainerError        ContainerState = "error"
	ContainerRestarting   ContainerState = "restarting"
	ContainerStopping     ContainerState = "stopping"
	ContainerStopped      ContainerState = "stopped"
	ContainerExited       ContainerState = "exited"
)

// MachineState is the lifecycle state of the shared runtime machine.
type MachineState string

const (
	MachineNotInstalled MachineState = "not_installed"
	MachineInitializing MachineState = "initializing"
	MachineRunning      MachineState = "running"
	MachineError        MachineState = "error"
	MachineStopping     MachineState = "stopping"
	MachineStopped      MachineState = "stopped"
)

// MachineStatus is a point-in-time snapshot of the runtime machine.
type MachineStatus struct {
	State             MachineState `json:"state"`
	StartupPercentage int          `json:"startup_percentage"`
	Message           string       `json:"message,omitempty"`
	Error             string       `json:"error,omitempty"`
}

// ServerStatus is a point-in-time snapshot of one sandbox.
type ServerStatus struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	ContainerName string         `json:"container_name"`
	State         ContainerState `json:"state"`
	Error         string         `json:"error,omitempty"`
}

// StatusSummary aggregates the machine state and every sandbox state. It is
// recomputed from live state on each request and safe to hand out: the map
// is a fresh copy, never shared.
type StatusSummary struct {
	Machine MachineStatus           `json:"machine"`
	Servers map[string]ServerStatus `json:"servers"`
}

// LogBundle is the result of a log retrieval request.
type LogBundle struct {
	Logs          string `json:"logs"`
	ContainerName string `json:"container_name"`
	LogFilePath   string `json:"log_file_path"`
}

// RequestLog records one proxied JSON-RPC request for inspection.
type RequestLog struct {
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id,omitempty"`
	MCPSessionID string    `json:"mcp_session_id,omitempty"`
	ServerID     string    `json:"server_id"`
	ServerName   string    `json:"server_name"`
	Method       string    `json:"method,omitempty"`
	RequestBody  string    `json:"request_body,omitempty"`
	ResponseBody string    `json:"response_body,omitempty"`
	StatusCode   int       `json:"status_code"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DurationMS   int64     `json:"duration_ms"`
	Timestamp    time.Time `json:"timestamp"`
}
