package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/audiolibrelab/micbooth/internal/artifact"
	"github.com/audiolibrelab/micbooth/internal/caps"
	"github.com/audiolibrelab/micbooth/internal/capture"
	"github.com/audiolibrelab/micbooth/internal/device"
	"github.com/audiolibrelab/micbooth/internal/permission"
)

// Ports bundles the external collaborators the controller drives.
type Ports struct {
	Permission permission.API
	Device     device.Provider
	Capture    capture.Opener
}

// Snapshot is the controller state surfaced to the UI on every transition.
type Snapshot struct {
	State      State            `json:"state"`
	Message    string           `json:"message"`
	Severity   Severity         `json:"severity"`
	Encoding   string           `json:"encoding,omitempty"`
	Retries    int              `json:"retries"`
	Buffered   int              `json:"buffered_bytes"`
	ArtifactID string           `json:"artifact_id,omitempty"`
	Permission permission.State `json:"permission,omitempty"`
}

// Notifier receives a snapshot after every state transition.
type Notifier interface {
	Notify(Snapshot)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Snapshot)

func (f NotifierFunc) Notify(s Snapshot) { f(s) }

// Config controls session behavior. Zero values fall back to the documented
// defaults: 3 retries, 2s backoff, 1s liveness polling, 100ms timeslice.
type Config struct {
	Negotiated       caps.Result
	Profile          caps.Profile
	Preferences      caps.Preferences
	Constraints      device.Constraints
	RetryCeiling     int
	RetryBackoff     time.Duration
	LivenessInterval time.Duration
	Timeslice        time.Duration
}

func (c *Config) applyDefaults() {
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.LivenessInterval <= 0 {
		c.LivenessInterval = time.Second
	}
	if c.Timeslice <= 0 {
		c.Timeslice = 100 * time.Millisecond
	}
	if c.Constraints == (device.Constraints{}) {
		c.Constraints = device.DefaultConstraints()
	}
}

// Controller owns one recording session at a time. It consumes user intents
// and runtime events, feeds them through the transition function and executes
// the resulting commands. It is safe for concurrent use; events are processed
// one at a time, never interleaved.
type Controller struct {
	ports    Ports
	cfg      Config
	notifier Notifier
	store    *permission.Store
	files    *artifact.Store

	unsubscribe func()

	mu       sync.Mutex
	machine  *Machine
	ctx      context.Context
	stream   device.Stream
	capture  capture.Session
	artifact *artifact.Artifact
	lastPerm permission.State
	last     Snapshot

	retryTimer   *time.Timer
	livenessStop chan struct{}
	pumpStop     chan struct{}
}

// Option configures optional controller collaborators.
type Option func(*Controller)

// WithPermissionStore persists every observed permission state change.
func WithPermissionStore(store *permission.Store) Option {
	return func(c *Controller) { c.store = store }
}

// WithArtifactStore writes finalized artifacts to disk.
func WithArtifactStore(files *artifact.Store) Option {
	return func(c *Controller) { c.files = files }
}

// NewController creates a controller in the idle state. The notifier may be
// nil when no UI layer is attached.
func NewController(ports Ports, cfg Config, notifier Notifier, opts ...Option) *Controller {
	cfg.applyDefaults()
	if notifier == nil {
		notifier = NotifierFunc(func(Snapshot) {})
	}

	c := &Controller{
		ports:    ports,
		cfg:      cfg,
		notifier: notifier,
		machine:  NewMachine(),
		ctx:      context.Background(),
		last:     Snapshot{State: StateIdle, Message: "Ready to record", Severity: SeverityInfo},
	}
	for _, opt := range opts {
		opt(c)
	}

	if ports.Permission != nil {
		// Pre-populate from the persisted cache, then reconcile against a
		// live query. The live subsystem stays authoritative.
		if c.store != nil {
			if cached, ok, err := c.store.Load(); err == nil && ok {
				c.lastPerm = cached
			}
		}
		if live, err := ports.Permission.Query(context.Background()); err == nil {
			c.observePermission(live)
		}
		c.unsubscribe = ports.Permission.Subscribe(func(state permission.State) {
			c.mu.Lock()
			c.observePermission(state)
			c.mu.Unlock()
		})
	}

	return c
}

// Close releases the permission subscription and any held resources.
func (c *Controller) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelRetryLocked()
	c.stopLivenessLocked()
	if c.pumpStop != nil {
		close(c.pumpStop)
		c.pumpStop = nil
	}
	if c.capture != nil {
		_ = c.capture.Stop()
		c.capture = nil
	}
	device.Release(c.stream)
	c.stream = nil
	c.artifact.Release()
	c.artifact = nil
}

// Start begins a new recording attempt. An attempt already in flight is left
// undisturbed. The permission and acquisition sub-protocols outlive the call
// (retry backoff alone can run for seconds), so they use a session-scoped
// context that survives the caller's cancellation.
func (c *Controller) Start(ctx context.Context) {
	perm := c.queryPermission(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctx = context.WithoutCancel(ctx)
	c.process(Event{Kind: EventStart, Permission: perm})
}

// Stop ends the active recording and finalizes the captured audio.
func (c *Controller) Stop() {
	c.dispatch(Event{Kind: EventStop})
}

// Retry returns a failed session to idle, resetting the retry budget.
func (c *Controller) Retry() {
	c.dispatch(Event{Kind: EventRetry})
}

// Snapshot returns the latest surfaced state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Artifact returns the live finalized artifact, or nil when none exists.
func (c *Controller) Artifact() *artifact.Artifact {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.artifact == nil || c.artifact.Released() {
		return nil
	}
	return c.artifact
}

func (c *Controller) queryPermission(ctx context.Context) permission.State {
	if c.ports.Permission == nil {
		return permission.StatePrompt
	}
	state, err := c.ports.Permission.Query(ctx)
	if err != nil {
		slog.Warn("Permission query failed", "error", err)
		return permission.StatePrompt
	}
	c.mu.Lock()
	c.observePermission(state)
	c.mu.Unlock()
	return state
}

// observePermission records a live permission observation and mirrors it into
// the persisted cache. Callers hold c.mu.
func (c *Controller) observePermission(state permission.State) {
	if !state.Valid() || state == c.lastPerm {
		c.lastPerm = state
		return
	}
	c.lastPerm = state
	if c.store != nil {
		if err := c.store.Save(state); err != nil {
			slog.Warn("Failed to persist permission state", "error", err)
		}
	}
}

func (c *Controller) policy() Policy {
	return Policy{
		RetryCeiling: c.cfg.RetryCeiling,
		Primary:      c.cfg.Negotiated.Primary,
		Candidates:   c.cfg.Negotiated.Candidates,
	}
}

// dispatch feeds one event through the machine under the controller lock.
func (c *Controller) dispatch(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.process(ev)
}

// process runs the transition loop: one event may produce synchronous
// commands whose follow-up events are processed in the same critical section,
// so the machine never observes interleaved transitions.
func (c *Controller) process(ev Event) {
	queue := []Event{ev}
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]

		c.bindResources(e)
		before := c.machine.State
		cmds := Transition(c.machine, e, c.policy())
		if e.Kind == EventCaptureEnded {
			// The session is finished; dropping the reference keeps any
			// duplicate end events from matching a later session.
			c.capture = nil
		}
		if c.machine.State != before {
			slog.Debug("Session transition",
				"event", e.Kind, "from", before, "to", c.machine.State)
			c.enforceTimerInvariants(before)
		}
		for _, cmd := range cmds {
			if follow, ok := c.execute(cmd); ok {
				queue = append(queue, follow)
			}
		}
	}
}

// bindResources takes ownership of resources carried by runtime events before
// the transition decides what to do with them.
func (c *Controller) bindResources(ev Event) {
	switch ev.Kind {
	case EventStreamAcquired:
		c.stream = ev.Stream
	case EventCaptureOpened:
		c.capture = ev.Capture
		c.startPumpLocked(ev.Capture)
	case EventPermissionResult:
		c.observePermission(ev.Permission)
	}
}

// enforceTimerInvariants cancels timers that must not outlive the state that
// armed them, regardless of which commands the transition emitted.
func (c *Controller) enforceTimerInvariants(previous State) {
	if previous == StateAwaitingPermission && c.machine.State != StateAwaitingPermission {
		c.cancelRetryLocked()
	}
	if previous == StateRecording && c.machine.State != StateRecording {
		c.stopLivenessLocked()
	}
}

// execute performs one command. Asynchronous commands spawn goroutines that
// dispatch their results; synchronous ones may return a follow-up event.
func (c *Controller) execute(cmd Command) (Event, bool) {
	switch cmd.Kind {
	case CmdRequestPermission:
		go c.requestPermission(c.ctx)

	case CmdAcquireStream:
		// Any previously held stream is released before a new acquisition.
		device.Release(c.stream)
		c.stream = nil
		go c.acquireStream(c.ctx)

	case CmdOpenCapture:
		go c.openCapture(c.stream, cmd.Encoding)

	case CmdStopCapture:
		if c.capture == nil {
			// Nothing was ever opened; report the capture as already
			// ended so finalization can still run its course.
			return Event{Kind: EventCaptureEnded}, true
		}
		if err := c.capture.Stop(); err != nil {
			slog.Warn("Failed to stop capture session cleanly", "error", err)
		}

	case CmdReleaseStream:
		device.Release(c.stream)
		c.stream = nil

	case CmdScheduleRetry:
		c.cancelRetryLocked()
		c.retryTimer = time.AfterFunc(c.cfg.RetryBackoff, func() {
			c.dispatch(Event{Kind: EventRetryTimer})
		})

	case CmdCancelRetry:
		c.cancelRetryLocked()

	case CmdStartLiveness:
		c.startLivenessLocked(c.capture)

	case CmdStopLiveness:
		c.stopLivenessLocked()

	case CmdFinalize:
		return c.finalizeLocked(cmd.Encoding)

	case CmdDiscardArtifact:
		c.artifact.Release()
		c.artifact = nil

	case CmdEmitStatus:
		c.emitLocked(cmd.Message, cmd.Severity)
	}
	return Event{}, false
}

func (c *Controller) requestPermission(ctx context.Context) {
	if c.ports.Permission == nil {
		c.dispatch(Event{Kind: EventPermissionResult, Permission: permission.StateDenied})
		return
	}
	state, err := c.ports.Permission.Request(ctx)
	if err != nil {
		// A failed request is not a denial by the user; it retries under
		// the same ceiling but keeps its own classification.
		slog.Warn("Permission request failed", "error", err)
		c.dispatch(Event{Kind: EventAcquireFailed, Reason: device.ReasonUnknown, Err: err})
		return
	}
	c.dispatch(Event{Kind: EventPermissionResult, Permission: state})
}

func (c *Controller) acquireStream(ctx context.Context) {
	stream, err := c.ports.Device.Acquire(ctx, c.cfg.Constraints)
	if err == nil {
		err = device.Validate(stream)
		if err != nil {
			device.Release(stream)
			stream = nil
		}
	}
	if err != nil {
		slog.Warn("Stream acquisition failed", "error", err, "reason", device.Classify(err))
		c.dispatch(Event{Kind: EventAcquireFailed, Reason: device.Classify(err), Err: err})
		return
	}
	c.dispatch(Event{Kind: EventStreamAcquired, Stream: stream})
}

func (c *Controller) openCapture(stream device.Stream, encoding string) {
	session, err := c.ports.Capture.Open(stream, encoding, c.cfg.Timeslice)
	if err != nil {
		slog.Warn("Capture creation rejected", "encoding", encoding, "error", err)
		c.dispatch(Event{Kind: EventCaptureRejected, Err: err})
		return
	}
	c.dispatch(Event{Kind: EventCaptureOpened, Capture: session})
}

// dispatchFor feeds a capture-scoped event through the machine, dropping it
// when the session it concerns is no longer the controller's current one. The
// check runs under the lock, so an event from a replaced capture session can
// never reach the machine after a restart.
func (c *Controller) dispatchFor(session capture.Session, ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture != session {
		return
	}
	c.process(ev)
}

// startPumpLocked forwards capture events into the machine until the capture
// channel closes. Callers hold c.mu.
func (c *Controller) startPumpLocked(session capture.Session) {
	if c.pumpStop != nil {
		close(c.pumpStop)
	}
	stop := make(chan struct{})
	c.pumpStop = stop

	go func() {
		for ev := range session.Events() {
			select {
			case <-stop:
				return
			default:
			}
			switch ev.Kind {
			case capture.EventData:
				c.dispatchFor(session, Event{Kind: EventData, Chunk: ev.Chunk})
			case capture.EventStopped:
				c.dispatchFor(session, Event{Kind: EventCaptureEnded})
			case capture.EventError:
				slog.Warn("Capture session error", "error", ev.Err)
				c.dispatchFor(session, Event{Kind: EventCaptureEnded, Err: ev.Err})
			}
		}
	}()
}

func (c *Controller) startLivenessLocked(session capture.Session) {
	c.stopLivenessLocked()
	stop := make(chan struct{})
	c.livenessStop = stop

	go func() {
		ticker := time.NewTicker(c.cfg.LivenessInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if session != nil && !session.Active() {
					c.livenessExpired(session, stop)
					return
				}
			}
		}
	}()
}

// livenessExpired reports a dead capture session. Re-checking the stop channel
// and the session identity under the lock drops reports that lost a race with
// a state exit, so a stale probe cannot fail the next recording.
func (c *Controller) livenessExpired(session capture.Session, stop chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-stop:
		return
	default:
	}
	if c.capture != session {
		return
	}
	c.process(Event{Kind: EventLivenessStale})
}

func (c *Controller) stopLivenessLocked() {
	if c.livenessStop != nil {
		close(c.livenessStop)
		c.livenessStop = nil
	}
}

func (c *Controller) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// finalizeLocked concatenates the buffer into a single artifact, transferring
// ownership from any previously exposed artifact to the new one.
func (c *Controller) finalizeLocked(encoding string) (Event, bool) {
	a, err := artifact.Finalize(c.machine.Buffer, encoding)
	if err != nil {
		return Event{Kind: EventFinalizeFailed, Err: err}, true
	}

	if c.files != nil {
		if _, err := c.files.Save(a, c.cfg.Profile, c.cfg.Preferences); err != nil {
			a.Release()
			return Event{Kind: EventFinalizeFailed, Err: err}, true
		}
	}

	c.artifact.Release()
	c.artifact = a
	c.capture = nil
	return Event{Kind: EventFinalized}, true
}

// emitLocked publishes a snapshot to the notifier. Callers hold c.mu.
func (c *Controller) emitLocked(message string, severity Severity) {
	snapshot := Snapshot{
		State:      c.machine.State,
		Message:    message,
		Severity:   severity,
		Encoding:   c.machine.Encoding,
		Retries:    c.machine.Retries,
		Buffered:   c.machine.BufferedBytes(),
		Permission: c.lastPerm,
	}
	if c.artifact != nil && !c.artifact.Released() {
		snapshot.ArtifactID = c.artifact.ID
	}
	c.last = snapshot
	c.notifier.Notify(snapshot)
}
