package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/progress"
)

// scriptedTransport replays one outcome per call, repeating the last entry.
type scriptedTransport struct {
	mu       sync.Mutex
	outcomes []outcome
	requests []crawler.FetchRequest
}

type outcome struct {
	status int
	body   string
	err    error
}

func (s *scriptedTransport) Fetch(_ context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	idx := len(s.requests) - 1
	if idx >= len(s.outcomes) {
		idx = len(s.outcomes) - 1
	}
	out := s.outcomes[idx]
	if out.err != nil {
		return crawler.FetchResponse{}, out.err
	}
	return crawler.FetchResponse{URL: req.URL, StatusCode: out.status, Body: []byte(out.body)}, nil
}

func (s *scriptedTransport) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type countingSlots struct {
	mu       sync.Mutex
	held     int
	acquires int
	releases int
	err      error
}

func (c *countingSlots) Acquire(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.held++
	c.acquires++
	return nil
}

func (c *countingSlots) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held--
	c.releases++
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

var errConnRefused = errors.New("connection refused")
