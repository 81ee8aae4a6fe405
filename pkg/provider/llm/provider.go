// Package llm defines the Provider interface for text-completion backends.
//
// A completion provider wraps a remote or local model API (e.g., OpenAI GPT-4o,
// Anthropic Claude, or a local Ollama instance) and exposes a uniform interface
// for the Hibiki turn pipeline to request completions without coupling to any
// specific SDK.
//
// Implementors must be safe for concurrent use and must propagate context
// cancellation promptly.
package llm

import "context"

// Usage holds token accounting information returned by the backend.
// All counts are in the model's native token unit and may differ between
// providers for the same textual content.
type Usage struct {
	// PromptTokens is the number of tokens consumed by the prompt and system
	// prompt. This value directly affects billing.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens. Provided as a
	// convenience; some providers return it directly.
	TotalTokens int
}

// CompletionRequest carries everything the model needs to produce a response.
// Callers should treat a zero-value request as invalid; at minimum Prompt must
// be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction injected before
	// the prompt. Providers without a dedicated system slot should prepend it
	// as a "system"-role message.
	SystemPrompt string

	// Prompt is the user-role content driving the completion.
	Prompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. The
	// planning stage uses a low value for consistency; the generation stage
	// uses a higher value for natural variation.
	Temperature float64

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default.
	MaxTokens int
}

// CompletionResponse is returned by Complete.
type CompletionResponse struct {
	// Content is the full text of the model's reply.
	Content string

	// Usage contains token accounting for this request/response pair.
	Usage Usage
}

// Provider is the abstraction over any text-completion backend.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Complete must return promptly when ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	// Returns an error if the request fails, the provider rejects it
	// (quota, auth), or ctx is cancelled before the completion arrives.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// ModelID returns the provider-specific model identifier handling
	// requests (e.g., "gpt-4o"). Useful for logging and metrics attributes.
	ModelID() string
}
