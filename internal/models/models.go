package models

import "time"

// Run is the history row of one synchronous execution.
type Run struct {
	ID         string    `json:"id"`
	Language   string    `json:"language"`
	Outcome    string    `json:"outcome"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Session is the history row of one interactive session.
type Session struct {
	ID        string     `json:"id"`
	Key       string     `json:"session_key"`
	Language  string     `json:"language"`
	Status    string     `json:"status"`
	ExitCode  *int       `json:"exit_code"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

// Session statuses.
const (
	SessionRunning    = "running"
	SessionExited     = "exited"
	SessionTerminated = "terminated"
	SessionStopped    = "stopped"
)

type ToolchainStatus struct {
	Language  string `json:"language"`
	Binary    string `json:"binary"`
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
}

type LanguageInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	SourceFile string `json:"source_file"`
	Compiled   bool   `json:"compiled"`
}

type HealthResponse struct {
	Status         string            `json:"status"`
	Toolchains     []ToolchainStatus `json:"toolchains"`
	ActiveSessions int               `json:"active_sessions"`
	Shepherd       bool              `json:"shepherd"`
}

type RunRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Input    string `json:"input"`
}

type StartRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

type InputRequest struct {
	Data string `json:"data"`
}
