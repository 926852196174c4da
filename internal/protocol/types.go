package protocol

import "time"

// Version is the protocol version carried by every request. Workers must
// reject requests with a version they do not understand.
const Version = 1

// Artifact is one cache file produced by translating a source file.
// Category names the artifact's role in the downstream scene build,
// e.g. "scene-graph" or "geometry".
type Artifact struct {
	Category string `json:"category"`
	Path     string `json:"path"`
}

// Request is the envelope sent to a worker process via stdin.
// One request is in flight per worker at any time.
type Request struct {
	Protocol   int               `json:"protocol"`
	JobKey     string            `json:"job_key"`
	InputPath  string            `json:"input_path"`
	OutputDir  string            `json:"output_dir"`
	Hints      map[string]string `json:"hints,omitempty"`
	DeadlineAt time.Time         `json:"deadline_at"`
}

// Response is the envelope a worker writes to stdout, exactly one per request.
type Response struct {
	JobKey    string     `json:"job_key"`
	Status    string     `json:"status"` // ok | error
	Artifacts []Artifact `json:"artifacts,omitempty"`
	Error     string     `json:"error,omitempty"`
	Logs      []LogEntry `json:"logs,omitempty"`
}

// LogEntry is a log message relayed from a worker.
type LogEntry struct {
	Level   string `json:"level"` // info | warn | error | debug
	Message string `json:"message"`
}
