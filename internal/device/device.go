package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Constraints describes how a microphone stream should be acquired. The
// controller always requests the same fixed constraints for every session.
type Constraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
	SampleRate       int  `json:"sample_rate"`
}

// DefaultConstraints returns the constraints used for every acquisition.
func DefaultConstraints() Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		SampleRate:       44100,
	}
}

// Track is a single audio track within a stream.
type Track interface {
	// Live reports whether the track is still producing audio.
	Live() bool
	// Enabled reports whether the track is enabled for capture.
	Enabled() bool
	// Stop ends the track and releases its device handle.
	Stop()
}

// Stream is an acquired microphone stream. The controller is the sole owner;
// it must release the stream on every transition out of recording.
type Stream interface {
	Active() bool
	AudioTracks() []Track
}

// Provider acquires device streams.
type Provider interface {
	Acquire(ctx context.Context, c Constraints) (Stream, error)
}

// Release stops every track of the stream, releasing the device handle.
func Release(s Stream) {
	if s == nil {
		return
	}
	for _, track := range s.AudioTracks() {
		track.Stop()
	}
}

// Validate checks that an acquired stream is usable: it must be active and
// carry at least one live, enabled audio track.
func Validate(s Stream) error {
	if s == nil {
		return errors.New("no stream returned")
	}
	if !s.Active() {
		return errors.New("stream is not active")
	}
	for _, track := range s.AudioTracks() {
		if track.Live() && track.Enabled() {
			return nil
		}
	}
	return errors.New("stream has no live enabled audio track")
}

// Reason classifies why a stream acquisition failed.
type Reason string

const (
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonDeviceNotFound   Reason = "device_not_found"
	ReasonDeviceBusy       Reason = "device_busy"
	ReasonUnknown          Reason = "unknown"
)

// Sentinel acquisition failures raised by providers.
var (
	ErrPermissionDenied = errors.New("microphone permission denied")
	ErrDeviceNotFound   = errors.New("no microphone device found")
	ErrDeviceBusy       = errors.New("microphone device is busy")
)

// AcquireError wraps an acquisition failure with its classification.
type AcquireError struct {
	Reason Reason
	Err    error
}

func (e *AcquireError) Error() string {
	return fmt.Sprintf("stream acquisition failed (%s): %v", e.Reason, e.Err)
}

func (e *AcquireError) Unwrap() error { return e.Err }

// Classify maps an acquisition failure to a retry/messaging reason. Runtime
// error names (NotAllowedError etc.) are matched so errors surfaced through
// an opaque runtime bridge still classify correctly.
func Classify(err error) Reason {
	var acquireErr *AcquireError
	if errors.As(err, &acquireErr) {
		return acquireErr.Reason
	}

	switch {
	case errors.Is(err, ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return ReasonDeviceNotFound
	case errors.Is(err, ErrDeviceBusy):
		return ReasonDeviceBusy
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "NotAllowedError"), strings.Contains(msg, "PermissionDeniedError"):
		return ReasonPermissionDenied
	case strings.Contains(msg, "NotFoundError"), strings.Contains(msg, "DevicesNotFoundError"):
		return ReasonDeviceNotFound
	case strings.Contains(msg, "NotReadableError"), strings.Contains(msg, "TrackStartError"):
		return ReasonDeviceBusy
	}
	return ReasonUnknown
}

// Message returns the human-readable failure message for a reason.
func (r Reason) Message() string {
	switch r {
	case ReasonPermissionDenied:
		return "Microphone access was denied. Please allow microphone access and try again."
	case ReasonDeviceNotFound:
		return "No microphone was found. Please connect a microphone and try again."
	case ReasonDeviceBusy:
		return "The microphone is in use by another application."
	default:
		return "Could not access the microphone."
	}
}
