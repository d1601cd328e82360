package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a pipeline progress update
type WSProgressMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	State    JobState  `json:"state"`
	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"`
	Stage    Stage     `json:"stage,omitempty"`
	Attempt  int       `json:"attempt,omitempty"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type   string      `json:"type"`
	JobID  string      `json:"jobId"`
	Result interface{} `json:"result"`
}

// WSErrorMessage represents a terminal job failure
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   Stage  `json:"stage,omitempty"`
	Hint    string `json:"hint,omitempty"`
}
