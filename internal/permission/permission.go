package permission

import (
	"context"
	"sync"
)

// State is the coarse microphone permission state.
type State string

const (
	StateGranted State = "granted"
	StateDenied  State = "denied"
	StatePrompt  State = "prompt"
)

// Valid reports whether the state is one of the known permission states.
func (s State) Valid() bool {
	switch s {
	case StateGranted, StateDenied, StatePrompt:
		return true
	}
	return false
}

// API is the live permission subsystem. It is authoritative; the persisted
// store is only a cache for pre-populating the UI at startup.
type API interface {
	// Query returns the current permission state without prompting.
	Query(ctx context.Context) (State, error)
	// Request prompts the user if needed and returns the resulting state.
	Request(ctx context.Context) (State, error)
	// Subscribe registers a state-change listener and returns an
	// unsubscribe function.
	Subscribe(fn func(State)) (unsubscribe func())
}

// Static is an in-process permission API with a scripted outcome, used by the
// simulate command and tests.
type Static struct {
	mu           sync.Mutex
	state        State
	afterRequest State
	nextSub      int
	subs         map[int]func(State)
}

// NewStatic creates a static permission API that reports initial from Query
// and transitions to afterRequest when Request is called.
func NewStatic(initial, afterRequest State) *Static {
	return &Static{
		state:        initial,
		afterRequest: afterRequest,
		subs:         make(map[int]func(State)),
	}
}

func (s *Static) Query(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, ctx.Err()
}

func (s *Static) Request(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.Set(s.afterRequest)
	return s.afterRequest, nil
}

// Set changes the current state and notifies subscribers.
func (s *Static) Set(state State) {
	s.mu.Lock()
	s.state = state
	listeners := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(state)
	}
}

func (s *Static) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}
