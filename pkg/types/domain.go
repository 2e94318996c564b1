package types

// ModelInfo describes the model a server has loaded.
type ModelInfo struct {
	// Absolute path to the model directory.
	// example: /srv/models/phi-4-mini
	Path string `json:"path" example:"/srv/models/phi-4-mini"`
	// Execution provider, empty for the engine default.
	// example: cuda
	Provider string `json:"provider,omitempty" example:"cuda"`
	// Engine backing the model.
	// example: llama
	Engine string `json:"engine" example:"llama"`
	// Minimum decode length in tokens, prompt included.
	// example: 50
	MinLength int `json:"min_length" example:"50"`
	// Maximum decode length in tokens, prompt included.
	// example: 500
	MaxLength int `json:"max_length" example:"500"`
}
