package capture

import (
	"errors"
	"time"

	"github.com/audiolibrelab/micbooth/internal/device"
)

// ErrEncodingRejected is raised when the runtime refuses to open a capture
// session with the requested encoding. This is distinct from a support-check
// failure: the negotiator believed the encoding usable but creation failed.
var ErrEncodingRejected = errors.New("encoding rejected at capture creation")

// EventKind identifies emissions from an open capture session.
type EventKind string

const (
	// EventData carries an opaque encoded audio segment.
	EventData EventKind = "data"
	// EventStopped signals the session ended cleanly after Stop.
	EventStopped EventKind = "stopped"
	// EventError signals the session died without a Stop call.
	EventError EventKind = "error"
)

// Event is a single emission from a capture session.
type Event struct {
	Kind  EventKind
	Chunk []byte
	Err   error
}

// Session is an open capture session consuming a device stream and emitting
// encoded segments at the configured timeslice interval.
type Session interface {
	// Events delivers data segments followed by exactly one terminal
	// stopped/error event, after which the channel is closed.
	Events() <-chan Event
	// Active reports whether the session is still producing data. The
	// controller polls this for liveness while recording.
	Active() bool
	// Encoding returns the encoding this session actually produces.
	Encoding() string
	// Stop ends the session. The terminal event is still delivered.
	Stop() error
}

// Opener creates capture sessions for a stream and encoding.
type Opener interface {
	Open(stream device.Stream, encoding string, timeslice time.Duration) (Session, error)
}
