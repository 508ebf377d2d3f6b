// Package providertest provides a scripted fake provider for tests outside
// the root package (app wiring, examples). It plays back a fixed sequence of
// responses and records every request it saw.
package providertest

import (
	"context"
	"sync"

	atoll "github.com/nevindra/atoll"
)

// Scripted is an atoll.Provider that returns canned responses in order. When
// the script runs out it repeats the last response. A nil Err entry means the
// call succeeds.
type Scripted struct {
	ProviderName string
	Responses    []atoll.ChatResponse
	Errs         []error

	mu       sync.Mutex
	calls    int
	Requests []atoll.ChatRequest
}

// New creates a scripted provider named name that cycles through responses.
func New(name string, responses ...atoll.ChatResponse) *Scripted {
	return &Scripted{ProviderName: name, Responses: responses}
}

// Name returns the configured provider name.
func (s *Scripted) Name() string {
	if s.ProviderName == "" {
		return "scripted"
	}
	return s.ProviderName
}

// Chat returns the next scripted response (or error) and records the request.
func (s *Scripted) Chat(_ context.Context, req atoll.ChatRequest) (atoll.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.calls
	s.calls++
	s.Requests = append(s.Requests, req)

	if i < len(s.Errs) && s.Errs[i] != nil {
		return atoll.ChatResponse{}, s.Errs[i]
	}
	if len(s.Responses) == 0 {
		return atoll.ChatResponse{Content: "ok"}, nil
	}
	if i >= len(s.Responses) {
		i = len(s.Responses) - 1
	}
	return s.Responses[i], nil
}

// Calls reports how many times Chat ran.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Compile-time interface check.
var _ atoll.Provider = (*Scripted)(nil)
