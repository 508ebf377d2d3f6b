package atoll

import "context"

// Provider abstracts one LLM backend. The router composes two of these into
// the primary/fallback lane pair; everything above the router is
// provider-agnostic.
type Provider interface {
	// Chat sends a request and returns a complete response. Tool definitions
	// ride on the request; a response may carry tool calls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "openaicompat").
	Name() string
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// HealthChecker is implemented by providers that can cheaply verify their
// own reachability and credentials. The router type-asserts for it; providers
// without it are assumed healthy when configured.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}
