package session

import (
	"github.com/audiolibrelab/micbooth/internal/capture"
	"github.com/audiolibrelab/micbooth/internal/device"
	"github.com/audiolibrelab/micbooth/internal/permission"
)

// State is the recording session lifecycle state.
type State string

const (
	StateIdle               State = "idle"
	StateAwaitingPermission State = "awaiting_permission"
	StateRecording          State = "recording"
	StateFinalizing         State = "finalizing"
	StateReady              State = "ready"
	StateFailed             State = "failed"
)

// Severity grades status messages surfaced to the UI.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// EventKind identifies inputs to the state machine: user intents, runtime
// callbacks and timer expirations.
type EventKind string

const (
	// User intents.
	EventStart EventKind = "start"
	EventStop  EventKind = "stop"
	EventRetry EventKind = "retry"

	// Runtime results.
	EventPermissionResult EventKind = "permission_result"
	EventStreamAcquired   EventKind = "stream_acquired"
	EventAcquireFailed    EventKind = "acquire_failed"
	EventCaptureOpened    EventKind = "capture_opened"
	EventCaptureRejected  EventKind = "capture_rejected"
	EventData             EventKind = "data"
	EventCaptureEnded     EventKind = "capture_ended"
	EventFinalized        EventKind = "finalized"
	EventFinalizeFailed   EventKind = "finalize_failed"

	// Timers.
	EventRetryTimer    EventKind = "retry_timer"
	EventLivenessStale EventKind = "liveness_stale"
)

// Event is a single input consumed by the transition function.
type Event struct {
	Kind EventKind

	Permission permission.State
	Reason     device.Reason
	Stream     device.Stream
	Capture    capture.Session
	Chunk      []byte
	Err        error
}

// CommandKind enumerates the side effects the transition function may
// request. The machine itself performs no I/O; the controller executes these.
type CommandKind string

const (
	CmdRequestPermission CommandKind = "request_permission"
	CmdAcquireStream     CommandKind = "acquire_stream"
	CmdOpenCapture       CommandKind = "open_capture"
	CmdStopCapture       CommandKind = "stop_capture"
	CmdReleaseStream     CommandKind = "release_stream"
	CmdScheduleRetry     CommandKind = "schedule_retry"
	CmdCancelRetry       CommandKind = "cancel_retry"
	CmdStartLiveness     CommandKind = "start_liveness"
	CmdStopLiveness      CommandKind = "stop_liveness"
	CmdFinalize          CommandKind = "finalize"
	CmdDiscardArtifact   CommandKind = "discard_artifact"
	CmdEmitStatus        CommandKind = "emit_status"
)

// Command is one requested side effect.
type Command struct {
	Kind     CommandKind
	Encoding string
	Message  string
	Severity Severity
}

func status(message string, severity Severity) Command {
	return Command{Kind: CmdEmitStatus, Message: message, Severity: severity}
}

// Policy carries the negotiated encodings and retry limits the machine
// consults during transitions.
type Policy struct {
	RetryCeiling int
	Primary      string
	Candidates   []string
}

func (p Policy) nextCandidate(after string) (string, bool) {
	for _, candidate := range p.Candidates {
		if candidate != after {
			return candidate, true
		}
	}
	return "", false
}

// Machine is the session-state record. Exactly one exists per controller and
// it is only ever mutated by Transition under the controller's lock.
type Machine struct {
	State             State
	Retries           int
	Buffer            [][]byte
	Encoding          string
	TriedFallback     bool
	PermissionGranted bool
}

// NewMachine returns a machine in the idle state.
func NewMachine() *Machine {
	return &Machine{State: StateIdle}
}

// BufferedBytes returns the total size of the captured segments.
func (m *Machine) BufferedBytes() int {
	total := 0
	for _, segment := range m.Buffer {
		total += len(segment)
	}
	return total
}

// Transition consumes one event, mutates the machine and returns the side
// effects to execute. Events that are not meaningful in the current state are
// ignored, except that stale resources they carry are released.
func Transition(m *Machine, ev Event, p Policy) []Command {
	switch ev.Kind {
	case EventStart:
		return transitionStart(m, ev, p)
	case EventStop:
		return transitionStop(m)
	case EventRetry:
		return transitionRetry(m)
	case EventPermissionResult:
		return transitionPermissionResult(m, ev, p)
	case EventStreamAcquired:
		return transitionStreamAcquired(m)
	case EventAcquireFailed:
		return transitionAcquireFailed(m, ev, p)
	case EventCaptureOpened:
		return transitionCaptureOpened(m)
	case EventCaptureRejected:
		return transitionCaptureRejected(m, p)
	case EventData:
		return transitionData(m, ev)
	case EventCaptureEnded:
		return transitionCaptureEnded(m)
	case EventFinalized:
		return transitionFinalized(m)
	case EventFinalizeFailed:
		return transitionFinalizeFailed(m, ev)
	case EventRetryTimer:
		return transitionRetryTimer(m)
	case EventLivenessStale:
		return transitionLivenessStale(m)
	}
	return nil
}

func transitionStart(m *Machine, ev Event, p Policy) []Command {
	switch m.State {
	case StateIdle, StateReady:
	default:
		// A start arriving while a transition is in flight is ignored,
		// never interleaved.
		return nil
	}

	var cmds []Command
	if m.State == StateReady {
		cmds = append(cmds, Command{Kind: CmdDiscardArtifact})
	}

	m.Buffer = nil
	m.TriedFallback = false
	m.Encoding = p.Primary

	if ev.Permission == permission.StateGranted {
		m.PermissionGranted = true
		m.State = StateRecording
		return append(cmds,
			Command{Kind: CmdAcquireStream},
			status("Starting recording...", SeverityInfo))
	}

	m.PermissionGranted = false
	m.State = StateAwaitingPermission
	return append(cmds,
		Command{Kind: CmdRequestPermission},
		status("Requesting microphone access...", SeverityInfo))
}

func transitionStop(m *Machine) []Command {
	if m.State != StateRecording {
		return nil
	}
	m.State = StateFinalizing
	return []Command{
		{Kind: CmdStopLiveness},
		{Kind: CmdStopCapture},
		{Kind: CmdReleaseStream},
		status("Processing recording...", SeverityInfo),
	}
}

func transitionRetry(m *Machine) []Command {
	if m.State != StateFailed {
		return nil
	}
	m.State = StateIdle
	m.Retries = 0
	m.Buffer = nil
	return []Command{status("Ready to record", SeverityInfo)}
}

func transitionPermissionResult(m *Machine, ev Event, p Policy) []Command {
	if m.State != StateAwaitingPermission {
		return nil
	}

	switch ev.Permission {
	case permission.StateGranted:
		m.PermissionGranted = true
		m.Retries = 0
		m.State = StateRecording
		return []Command{
			{Kind: CmdCancelRetry},
			{Kind: CmdAcquireStream},
			status("Microphone access granted", SeverityInfo),
		}
	case permission.StateDenied:
		return retryOrFail(m, p, device.ReasonPermissionDenied.Message())
	}
	// Still prompting; keep waiting.
	return nil
}

func transitionStreamAcquired(m *Machine) []Command {
	if m.State != StateRecording {
		// Stale acquisition result; the stream must not leak.
		return []Command{{Kind: CmdReleaseStream}}
	}
	return []Command{{Kind: CmdOpenCapture, Encoding: m.Encoding}}
}

func transitionAcquireFailed(m *Machine, ev Event, p Policy) []Command {
	if m.State != StateRecording && m.State != StateAwaitingPermission {
		return nil
	}
	if ev.Reason == device.ReasonPermissionDenied {
		m.PermissionGranted = false
	}
	return retryOrFail(m, p, ev.Reason.Message())
}

// retryOrFail implements the bounded retry policy shared by permission
// denials and stream acquisition failures.
func retryOrFail(m *Machine, p Policy, message string) []Command {
	if m.Retries < p.RetryCeiling {
		m.Retries++
		m.State = StateAwaitingPermission
		return []Command{
			{Kind: CmdReleaseStream},
			{Kind: CmdScheduleRetry},
			status(message+" Retrying...", SeverityWarning),
		}
	}
	m.State = StateFailed
	return []Command{
		{Kind: CmdCancelRetry},
		{Kind: CmdReleaseStream},
		status(message, SeverityError),
	}
}

func transitionCaptureOpened(m *Machine) []Command {
	if m.State != StateRecording {
		return []Command{{Kind: CmdStopCapture}, {Kind: CmdReleaseStream}}
	}
	return []Command{
		{Kind: CmdStartLiveness},
		status("Recording...", SeverityInfo),
	}
}

func transitionCaptureRejected(m *Machine, p Policy) []Command {
	if m.State != StateRecording {
		return nil
	}
	if !m.TriedFallback {
		if next, ok := p.nextCandidate(p.Primary); ok {
			m.TriedFallback = true
			m.Encoding = next
			return []Command{
				{Kind: CmdOpenCapture, Encoding: next},
				status("Primary encoding rejected, trying fallback", SeverityWarning),
			}
		}
	}
	m.State = StateFailed
	return []Command{
		{Kind: CmdReleaseStream},
		status("No usable audio encoding available", SeverityError),
	}
}

func transitionData(m *Machine, ev Event) []Command {
	// Segments arrive during recording; the final flush may land while
	// finalizing.
	if m.State != StateRecording && m.State != StateFinalizing {
		return nil
	}
	if len(ev.Chunk) > 0 {
		m.Buffer = append(m.Buffer, ev.Chunk)
	}
	return nil
}

func transitionCaptureEnded(m *Machine) []Command {
	switch m.State {
	case StateFinalizing:
		if m.BufferedBytes() == 0 {
			m.State = StateIdle
			return []Command{status("No audio was captured", SeverityWarning)}
		}
		return []Command{{Kind: CmdFinalize, Encoding: m.Encoding}}
	case StateRecording:
		// The capture session ended without a stop request.
		m.State = StateFailed
		return []Command{
			{Kind: CmdStopLiveness},
			{Kind: CmdReleaseStream},
			status("Recording stopped unexpectedly", SeverityError),
		}
	}
	return nil
}

func transitionFinalized(m *Machine) []Command {
	if m.State != StateFinalizing {
		return nil
	}
	m.State = StateReady
	m.Buffer = nil
	return []Command{status("Recording ready for playback and download", SeverityInfo)}
}

func transitionFinalizeFailed(m *Machine, ev Event) []Command {
	if m.State != StateFinalizing {
		return nil
	}
	// Finalization failures are not transient; report and return to idle.
	m.State = StateIdle
	m.Buffer = nil
	message := "Failed to finalize recording"
	if ev.Err != nil {
		message = "Failed to finalize recording: " + ev.Err.Error()
	}
	return []Command{status(message, SeverityError)}
}

func transitionRetryTimer(m *Machine) []Command {
	if m.State != StateAwaitingPermission {
		return nil
	}
	if m.PermissionGranted {
		m.State = StateRecording
		return []Command{{Kind: CmdAcquireStream}}
	}
	return []Command{{Kind: CmdRequestPermission}}
}

func transitionLivenessStale(m *Machine) []Command {
	if m.State != StateRecording {
		return nil
	}
	m.State = StateFailed
	return []Command{
		{Kind: CmdStopLiveness},
		{Kind: CmdStopCapture},
		{Kind: CmdReleaseStream},
		status("Recording stopped unexpectedly", SeverityError),
	}
}
