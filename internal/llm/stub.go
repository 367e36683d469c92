package llm

import (
	"context"
	"sync"
)

// StubClient is a deterministic in-process client used by tests and by the
// check subcommand's dry-run mode. Responses are served from a queue, or from
// a fixed function when Fn is set.
type StubClient struct {
	mu        sync.Mutex
	responses []string
	Fn        func(prompt string) (string, error)
	Calls     []string
	Err       error
}

// NewStubClient queues the given responses in order; the last one repeats.
func NewStubClient(responses ...string) *StubClient {
	return &StubClient{responses: responses}
}

// Complete returns the next queued response or invokes Fn.
func (s *StubClient) Complete(_ context.Context, prompt string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, prompt)

	if s.Err != nil {
		return "", s.Err
	}
	if s.Fn != nil {
		return s.Fn(prompt)
	}
	if len(s.responses) == 0 {
		return "", nil
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

// HealthCheck reports the stub's configured error, if any.
func (s *StubClient) HealthCheck(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Err
}

// Name identifies the stub.
func (s *StubClient) Name() string { return "stub" }
