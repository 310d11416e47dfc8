package handlers

import "github.com/mseverin/voicemem/internal/engine"

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// TurnRequest is the request format for POST /api/turns.
// SessionID is optional; a new session ID is generated when absent.
type TurnRequest struct {
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	UserText  string `json:"user_text"`
	AgentText string `json:"agent_text,omitempty"`
}

// PromptResponse is the response format for GET /api/prompt.
type PromptResponse struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

// RebuildRequest is the request format for POST /api/rebuild.
type RebuildRequest struct {
	SessionID string `json:"session_id"`
}

// RebuildResponse is the success response format for POST /api/rebuild.
type RebuildResponse struct {
	Success       bool                 `json:"success"`
	ContextCounts engine.ContextCounts `json:"context_counts"`
	PromptLength  int                  `json:"prompt_length"`
}

// RebuildErrorResponse is the failure response format for POST /api/rebuild.
type RebuildErrorResponse struct {
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// SemanticPutRequest is the request format for PUT /api/semantic/{user_id}.
type SemanticPutRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SpeakRequest is the request format for POST /api/speak.
type SpeakRequest struct {
	Text string `json:"text"`
}

// HealthResponse is the response format for GET /api/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Storage   string `json:"storage"`
	QueueSize int    `json:"queue_size"`
	Version   string `json:"version"`
}

// RebuildEvent is the websocket message broadcast for rebuild lifecycle events.
type RebuildEvent struct {
	Type      string `json:"type"` // rebuild_started or rebuild_finished
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}
