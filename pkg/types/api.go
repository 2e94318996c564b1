package types

// GenerateRequest represents a generation request payload.
type GenerateRequest struct {
	// Required prompt text, possibly empty. It is wrapped in the server's
	// prompt template before encoding.
	// example: Write a haiku about the ocean.
	Prompt string `json:"prompt" example:"Write a haiku about the ocean."`
}

// TokenLine is one NDJSON line carrying a decoded fragment.
type TokenLine struct {
	// Decoded text fragment, valid UTF-8.
	// example:  ocean
	Token string `json:"token" example:" ocean"`
}

// DoneLine is the final NDJSON line of a completed generation.
type DoneLine struct {
	// Always true.
	// example: true
	Done bool `json:"done" example:"true"`
	// Concatenation of all fragments.
	// example: Waves fold into foam
	Content string `json:"content" example:"Waves fold into foam"`
	// Number of fragments streamed.
	// example: 42
	Fragments int `json:"fragments" example:"42"`
	// Session identifier, also present in server logs.
	// example: 3f0c2a8e-6a55-4b7f-9d1e-2a3c4b5d6e7f
	SessionID string `json:"session_id" example:"3f0c2a8e-6a55-4b7f-9d1e-2a3c4b5d6e7f"`
	// Why generation stopped.
	// example: stop
	FinishReason string `json:"finish_reason" example:"stop"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Overall state: loading, ready, error or closed.
	// example: ready
	State string `json:"state" example:"ready"`
	// Last error observed while loading, if any.
	Error string `json:"error,omitempty"`
	// Loaded model, absent until the first successful load.
	Model *ModelInfo `json:"model,omitempty"`
	// Number of generations currently running (0 or 1).
	// example: 1
	Inflight int `json:"inflight" example:"1"`
	// Requests waiting for the generation slot, including the running one.
	// example: 0
	QueueLen int `json:"queue_len" example:"0"`
	// Maximum queued requests allowed before backpressure triggers.
	// example: 32
	MaxQueueDepth int `json:"max_queue_depth" example:"32"`
	// Total number of successful model loads.
	// example: 1
	LoadsTotal uint64 `json:"loads_total" example:"1"`
	// Total number of generations started.
	// example: 12
	GenerationsTotal uint64 `json:"generations_total" example:"12"`
	// Uptime of the server in seconds.
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// Server time in unix seconds.
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}
