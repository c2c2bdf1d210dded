package llm

import "context"

// Request is one page transcription call to an AI provider.
type Request struct {
	// Image is the rasterized page, PNG bytes.
	Image []byte
	// Instruction is the prompt text for this stage.
	Instruction string
	// Continuation, when non-empty, carries the truncated output of a
	// previous call; the provider is asked to resume where it stopped.
	Continuation string
	// EstimatedTokens is the caller's cost estimate, used for budget
	// reservation before the call is made.
	EstimatedTokens int
}

// Usage is the token accounting reported by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Response is the provider's generated text with its usage counts.
type Response struct {
	Text  string
	Usage Usage
	Model string
}

// Client transcribes a single page image into text. Implementations must
// honor ctx and surface provider failures (rate limited, malformed,
// timed out) as errors.
type Client interface {
	Transcribe(ctx context.Context, req Request) (Response, error)
}
