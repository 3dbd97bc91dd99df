package testsupport

import (
	"context"
	"sync"

	"extractflow/internal/extractor"
	"extractflow/internal/runstore"
)

// StubResult is one scripted extractor outcome.
type StubResult struct {
	Response extractor.Response
	Err      error
}

// StubExtractor replays scripted results keyed by document text. The last
// scripted result for a document repeats once the script runs out. Unscripted
// documents get Default.
type StubExtractor struct {
	mu          sync.Mutex
	scripts     map[string][]StubResult
	Default     StubResult
	gate        chan struct{}
	calls       []extractor.Request
	inFlight    int
	maxInFlight int
}

// NewStubExtractor returns an extractor that yields no entities by default.
func NewStubExtractor() *StubExtractor {
	return &StubExtractor{scripts: make(map[string][]StubResult)}
}

// Script queues results for a document.
func (s *StubExtractor) Script(document string, results ...StubResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[document] = append(s.scripts[document], results...)
}

// Hold makes every call block until Release is called or ctx ends.
func (s *StubExtractor) Hold() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
}

// Release unblocks held calls.
func (s *StubExtractor) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gate != nil {
		close(s.gate)
		s.gate = nil
	}
}

// Extract implements extractor.Extractor.
func (s *StubExtractor) Extract(ctx context.Context, req extractor.Request) (extractor.Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	gate := s.gate
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return extractor.Response{}, ctx.Err()
		}
	}

	s.mu.Lock()
	result := s.Default
	if queue := s.scripts[req.Document]; len(queue) > 0 {
		result = queue[0]
		if len(queue) > 1 {
			s.scripts[req.Document] = queue[1:]
		}
	}
	s.mu.Unlock()
	return result.Response, result.Err
}

// Calls returns a copy of every request received.
func (s *StubExtractor) Calls() []extractor.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]extractor.Request(nil), s.calls...)
}

// MaxInFlight reports the highest observed concurrency.
func (s *StubExtractor) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// Entities builds a response with the given type/name pairs and usage.
func Entities(usage runstore.TokenUsage, pairs ...string) extractor.Response {
	resp := extractor.Response{Usage: usage, Model: "stub"}
	for i := 0; i+1 < len(pairs); i += 2 {
		resp.Entities = append(resp.Entities, extractor.Entity{Type: pairs[i], Name: pairs[i+1], Confidence: 1})
	}
	return resp
}
