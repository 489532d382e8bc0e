package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/audiolibrelab/micbooth/internal/caps"
	"github.com/audiolibrelab/micbooth/internal/capture"
	"github.com/audiolibrelab/micbooth/internal/device"
	"github.com/audiolibrelab/micbooth/internal/permission"
)

type snapshotRecorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
	updates   chan Snapshot
}

func newSnapshotRecorder() *snapshotRecorder {
	return &snapshotRecorder{updates: make(chan Snapshot, 128)}
}

func (r *snapshotRecorder) Notify(s Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, s)
	r.mu.Unlock()
	select {
	case r.updates <- s:
	default:
	}
}

func (r *snapshotRecorder) waitFor(t *testing.T, state State) Snapshot {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case s := <-r.updates:
			if s.State == state {
				return s
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for state %s", state)
		}
	}
}

func (r *snapshotRecorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]State, 0, len(r.snapshots))
	for _, s := range r.snapshots {
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}
	return states
}

func fastConfig(negotiated caps.Result) Config {
	return Config{
		Negotiated:       negotiated,
		Profile:          caps.Profile{Family: caps.FamilyChrome},
		Preferences:      caps.DefaultPreferences(),
		RetryCeiling:     3,
		RetryBackoff:     5 * time.Millisecond,
		LivenessInterval: 5 * time.Millisecond,
		Timeslice:        5 * time.Millisecond,
	}
}

func TestControllerFullLifecycle(t *testing.T) {
	backend := capture.NewLoopback()
	backend.ChunkSize = 100
	perms := permission.NewStatic(permission.StatePrompt, permission.StateGranted)
	recorder := newSnapshotRecorder()

	controller := NewController(
		Ports{Permission: perms, Device: backend, Capture: backend},
		fastConfig(caps.Result{Candidates: []string{"audio/wav"}, Primary: "audio/wav"}),
		recorder,
	)
	defer controller.Close()

	controller.Start(context.Background())
	recorder.waitFor(t, StateRecording)

	// Let a few timeslices of data accumulate.
	time.Sleep(50 * time.Millisecond)
	controller.Stop()
	recorder.waitFor(t, StateReady)

	a := controller.Artifact()
	if a == nil {
		t.Fatal("Expected a finalized artifact")
	}
	if a.Encoding != "audio/wav" {
		t.Errorf("Expected artifact tagged audio/wav, got %s", a.Encoding)
	}
	if a.Size() == 0 || a.Size()%100 != 0 {
		t.Errorf("Artifact size %d is not a whole number of 100-byte chunks", a.Size())
	}

	states := recorder.states()
	expected := []State{StateAwaitingPermission, StateRecording, StateFinalizing, StateReady}
	if len(states) != len(expected) {
		t.Fatalf("Expected state sequence %v, got %v", expected, states)
	}
	for i := range expected {
		if states[i] != expected[i] {
			t.Fatalf("Expected state sequence %v, got %v", expected, states)
		}
	}

	if backend.LiveStreams() != 0 {
		t.Errorf("Expected stream released after stop, %d still live", backend.LiveStreams())
	}
}

func TestControllerDoubleStartAcquiresOneStream(t *testing.T) {
	backend := capture.NewLoopback()
	perms := permission.NewStatic(permission.StateGranted, permission.StateGranted)
	recorder := newSnapshotRecorder()

	controller := NewController(
		Ports{Permission: perms, Device: backend, Capture: backend},
		fastConfig(caps.Result{Candidates: []string{"audio/webm"}, Primary: "audio/webm"}),
		recorder,
	)
	defer controller.Close()

	controller.Start(context.Background())
	controller.Start(context.Background())
	recorder.waitFor(t, StateRecording)
	time.Sleep(30 * time.Millisecond)

	if got := backend.AcquiredCount(); got != 1 {
		t.Errorf("Expected exactly one acquired stream, got %d", got)
	}
	if got := backend.LiveStreams(); got != 1 {
		t.Errorf("Expected exactly one live stream, got %d", got)
	}
}

func TestControllerRestartAcquiresFreshStream(t *testing.T) {
	backend := capture.NewLoopback()
	perms := permission.NewStatic(permission.StateGranted, permission.StateGranted)
	recorder := newSnapshotRecorder()

	controller := NewController(
		Ports{Permission: perms, Device: backend, Capture: backend},
		fastConfig(caps.Result{Candidates: []string{"audio/webm"}, Primary: "audio/webm"}),
		recorder,
	)
	defer controller.Close()

	controller.Start(context.Background())
	recorder.waitFor(t, StateRecording)
	time.Sleep(20 * time.Millisecond)
	controller.Stop()
	recorder.waitFor(t, StateReady)

	first := controller.Artifact()
	if first == nil {
		t.Fatal("Expected first artifact")
	}

	controller.Start(context.Background())
	recorder.waitFor(t, StateRecording)
	time.Sleep(20 * time.Millisecond)
	controller.Stop()
	recorder.waitFor(t, StateReady)

	if backend.AcquiredCount() != 2 {
		t.Errorf("Expected a fresh stream per recording, got %d acquisitions", backend.AcquiredCount())
	}
	if backend.LiveStreams() != 0 {
		t.Errorf("Expected all streams released, %d still live", backend.LiveStreams())
	}

	// Ownership transfer: the prior artifact resource was released.
	if !first.Released() {
		t.Error("Expected prior artifact released on restart")
	}
	second := controller.Artifact()
	if second == nil || second.ID == first.ID {
		t.Error("Expected a distinct new artifact")
	}
}

// countingProvider wraps a failing acquisition to count attempts.
type countingProvider struct {
	mu       sync.Mutex
	attempts int
	err      error
}

func (p *countingProvider) Acquire(ctx context.Context, c device.Constraints) (device.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	return nil, p.err
}

func (p *countingProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func TestControllerRetryCeiling(t *testing.T) {
	provider := &countingProvider{err: device.ErrDeviceBusy}
	backend := capture.NewLoopback()
	perms := permission.NewStatic(permission.StateGranted, permission.StateGranted)
	recorder := newSnapshotRecorder()

	controller := NewController(
		Ports{Permission: perms, Device: provider, Capture: backend},
		fastConfig(caps.Result{Candidates: []string{"audio/webm"}, Primary: "audio/webm"}),
		recorder,
	)
	defer controller.Close()

	controller.Start(context.Background())
	snapshot := recorder.waitFor(t, StateFailed)

	// Four consecutive failures: the initial attempt plus exactly 3 retries.
	if got := provider.count(); got != 4 {
		t.Errorf("Expected 4 acquisition attempts (1 initial + 3 retries), got %d", got)
	}
	if snapshot.Severity != SeverityError {
		t.Errorf("Terminal failure must carry error severity, got %s", snapshot.Severity)
	}

	// User retry recovers to idle with a fresh budget.
	controller.Retry()
	idle := recorder.waitFor(t, StateIdle)
	if idle.Retries != 0 {
		t.Errorf("Expected retry counter reset, got %d", idle.Retries)
	}
}

func TestControllerEncodingFallbackAtCreation(t *testing.T) {
	backend := capture.NewLoopback()
	backend.RejectEncodings = map[string]bool{"audio/webm;codecs=opus": true}
	perms := permission.NewStatic(permission.StateGranted, permission.StateGranted)
	recorder := newSnapshotRecorder()

	controller := NewController(
		Ports{Permission: perms, Device: backend, Capture: backend},
		fastConfig(caps.Result{
			Candidates: []string{"audio/webm;codecs=opus", "audio/ogg"},
			Primary:    "audio/webm;codecs=opus",
		}),
		recorder,
	)
	defer controller.Close()

	controller.Start(context.Background())
	recorder.waitFor(t, StateRecording)
	time.Sleep(30 * time.Millisecond)
	controller.Stop()
	recorder.waitFor(t, StateReady)

	a := controller.Artifact()
	if a == nil {
		t.Fatal("Expected artifact despite primary rejection")
	}
	if a.Encoding != "audio/ogg" {
		t.Errorf("Expected artifact tagged with fallback encoding, got %s", a.Encoding)
	}
}

func TestControllerNoUsableEncodingFails(t *testing.T) {
	backend := capture.NewLoopback()
	backend.RejectEncodings = map[string]bool{"audio/webm": true}
	perms := permission.NewStatic(permission.StateGranted, permission.StateGranted)
	recorder := newSnapshotRecorder()

	controller := NewController(
		Ports{Permission: perms, Device: backend, Capture: backend},
		fastConfig(caps.Result{Candidates: []string{"audio/webm"}, Primary: "audio/webm"}),
		recorder,
	)
	defer controller.Close()

	controller.Start(context.Background())
	snapshot := recorder.waitFor(t, StateFailed)

	if snapshot.Severity != SeverityError {
		t.Errorf("Expected error severity, got %s", snapshot.Severity)
	}
	if backend.LiveStreams() != 0 {
		t.Errorf("Expected stream released on failure, %d still live", backend.LiveStreams())
	}
}

// dyingSession goes inactive without delivering a terminal event, the way a
// silently killed runtime capture does.
type dyingSession struct {
	mu     sync.Mutex
	active bool
	events chan capture.Event
}

func (s *dyingSession) Events() <-chan capture.Event { return s.events }
func (s *dyingSession) Encoding() string             { return "audio/webm" }

func (s *dyingSession) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *dyingSession) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	return nil
}

func (s *dyingSession) die() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

type dyingOpener struct {
	session *dyingSession
}

func (o *dyingOpener) Open(stream device.Stream, encoding string, timeslice time.Duration) (capture.Session, error) {
	return o.session, nil
}

func TestControllerLivenessDetectsSilentStop(t *testing.T) {
	backend := capture.NewLoopback()
	session := &dyingSession{active: true, events: make(chan capture.Event, 1)}
	perms := permission.NewStatic(permission.StateGranted, permission.StateGranted)
	recorder := newSnapshotRecorder()

	controller := NewController(
		Ports{Permission: perms, Device: backend, Capture: &dyingOpener{session: session}},
		fastConfig(caps.Result{Candidates: []string{"audio/webm"}, Primary: "audio/webm"}),
		recorder,
	)
	defer controller.Close()

	controller.Start(context.Background())
	recorder.waitFor(t, StateRecording)

	session.die()
	snapshot := recorder.waitFor(t, StateFailed)

	if snapshot.Severity != SeverityError {
		t.Errorf("Expected error severity on liveness failure, got %s", snapshot.Severity)
	}
	if backend.LiveStreams() != 0 {
		t.Errorf("Expected stream released on liveness failure, %d still live", backend.LiveStreams())
	}
}

func TestControllerStopWithoutDataReturnsToIdle(t *testing.T) {
	backend := capture.NewLoopback()
	// A very long timeslice so no data event fires before the stop.
	perms := permission.NewStatic(permission.StateGranted, permission.StateGranted)
	recorder := newSnapshotRecorder()

	cfg := fastConfig(caps.Result{Candidates: []string{"audio/webm"}, Primary: "audio/webm"})
	cfg.Timeslice = time.Hour

	controller := NewController(
		Ports{Permission: perms, Device: backend, Capture: backend},
		cfg,
		recorder,
	)
	defer controller.Close()

	controller.Start(context.Background())
	recorder.waitFor(t, StateRecording)
	controller.Stop()
	recorder.waitFor(t, StateIdle)

	if controller.Artifact() != nil {
		t.Error("No artifact must be produced from an empty buffer")
	}
}

func TestControllerIgnoresStaleLivenessReport(t *testing.T) {
	backend := capture.NewLoopback()
	perms := permission.NewStatic(permission.StateGranted, permission.StateGranted)
	recorder := newSnapshotRecorder()

	controller := NewController(
		Ports{Permission: perms, Device: backend, Capture: backend},
		fastConfig(caps.Result{Candidates: []string{"audio/webm"}, Primary: "audio/webm"}),
		recorder,
	)
	defer controller.Close()

	controller.Start(context.Background())
	recorder.waitFor(t, StateRecording)
	time.Sleep(20 * time.Millisecond)
	controller.Stop()
	recorder.waitFor(t, StateReady)

	controller.Start(context.Background())
	recorder.waitFor(t, StateRecording)

	// A liveness check armed for the finished capture session can still be
	// in flight here. Its report must not touch the new recording: neither
	// one whose stop channel was already closed, nor one naming a capture
	// session the controller no longer holds.
	closed := make(chan struct{})
	close(closed)
	stale := &dyingSession{active: false, events: make(chan capture.Event)}
	controller.livenessExpired(stale, closed)
	controller.livenessExpired(stale, make(chan struct{}))

	if got := controller.Snapshot().State; got != StateRecording {
		t.Fatalf("Stale liveness report must be ignored, state went to %s", got)
	}

	// The second recording still completes normally.
	time.Sleep(20 * time.Millisecond)
	controller.Stop()
	recorder.waitFor(t, StateReady)
}

func TestControllerStartSurvivesCallerCancellation(t *testing.T) {
	backend := capture.NewLoopback()
	perms := permission.NewStatic(permission.StatePrompt, permission.StateGranted)
	recorder := newSnapshotRecorder()

	controller := NewController(
		Ports{Permission: perms, Device: backend, Capture: backend},
		fastConfig(caps.Result{Candidates: []string{"audio/webm"}, Primary: "audio/webm"}),
		recorder,
	)
	defer controller.Close()

	// The intent arrives on a context that is already dead, the way an HTTP
	// request context is once the handler returns. The session must proceed
	// on its own context rather than burn the retry budget on cancellations.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	controller.Start(ctx)

	snapshot := recorder.waitFor(t, StateRecording)
	if snapshot.Retries != 0 {
		t.Errorf("Expected no retries spent on caller cancellation, got %d", snapshot.Retries)
	}

	time.Sleep(20 * time.Millisecond)
	controller.Stop()
	recorder.waitFor(t, StateReady)
}

func TestControllerPersistsPermissionChanges(t *testing.T) {
	store, err := permission.OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore failed: %v", err)
	}
	defer store.Close()

	backend := capture.NewLoopback()
	perms := permission.NewStatic(permission.StatePrompt, permission.StateGranted)
	recorder := newSnapshotRecorder()

	controller := NewController(
		Ports{Permission: perms, Device: backend, Capture: backend},
		fastConfig(caps.Result{Candidates: []string{"audio/webm"}, Primary: "audio/webm"}),
		recorder,
		WithPermissionStore(store),
	)
	defer controller.Close()

	controller.Start(context.Background())
	recorder.waitFor(t, StateRecording)

	state, ok, err := store.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !ok || state != permission.StateGranted {
		t.Errorf("Expected granted persisted, got %q (ok=%v)", state, ok)
	}
}
