// LLMProvider interface. Adapters (Ollama, OpenAI) implement this so the
// application is never coupled to a specific LLM vendor.
package llm

import "context"

// StreamFunc receives one token (or token group) of a streamed completion.
// Returning an error aborts the stream.
type StreamFunc func(token string) error

// LLMProvider is the model-agnostic interface for LLM operations.
type LLMProvider interface {
	// ChatCompletion performs a non-streaming chat completion.
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream performs a streaming chat completion, invoking onToken for
	// each generated token group. Used by the SSE RAG chat endpoint.
	ChatStream(ctx context.Context, req ChatRequest, onToken StreamFunc) error

	// Embed computes dense vector representations for a batch of texts.
	Embed(ctx context.Context, req EmbedRequest) (*EmbedResponse, error)

	// ModelInfo returns static metadata about the provider/model.
	ModelInfo() ModelMeta

	// HealthCheck returns nil if the provider is reachable and operational.
	HealthCheck(ctx context.Context) error
}
