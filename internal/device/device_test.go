package device

import (
	"errors"
	"fmt"
	"testing"
)

type stubTrack struct {
	live    bool
	enabled bool
	stopped bool
}

func (t *stubTrack) Live() bool    { return t.live }
func (t *stubTrack) Enabled() bool { return t.enabled }
func (t *stubTrack) Stop()         { t.stopped = true; t.live = false }

type stubStream struct {
	active bool
	tracks []Track
}

func (s *stubStream) Active() bool         { return s.active }
func (s *stubStream) AudioTracks() []Track { return s.tracks }

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		stream  Stream
		wantErr bool
	}{
		{
			name:    "nil stream",
			stream:  nil,
			wantErr: true,
		},
		{
			name:    "inactive stream",
			stream:  &stubStream{active: false, tracks: []Track{&stubTrack{live: true, enabled: true}}},
			wantErr: true,
		},
		{
			name:    "no tracks",
			stream:  &stubStream{active: true},
			wantErr: true,
		},
		{
			name:    "track live but disabled",
			stream:  &stubStream{active: true, tracks: []Track{&stubTrack{live: true, enabled: false}}},
			wantErr: true,
		},
		{
			name:    "usable stream",
			stream:  &stubStream{active: true, tracks: []Track{&stubTrack{live: true, enabled: true}}},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.stream)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestReleaseStopsAllTracks(t *testing.T) {
	first := &stubTrack{live: true, enabled: true}
	second := &stubTrack{live: true, enabled: true}
	stream := &stubStream{active: true, tracks: []Track{first, second}}

	Release(stream)

	if !first.stopped || !second.stopped {
		t.Error("Expected all tracks to be stopped on release")
	}

	// Releasing nil must be a no-op.
	Release(nil)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"sentinel denied", ErrPermissionDenied, ReasonPermissionDenied},
		{"wrapped sentinel denied", fmt.Errorf("acquire: %w", ErrPermissionDenied), ReasonPermissionDenied},
		{"sentinel not found", ErrDeviceNotFound, ReasonDeviceNotFound},
		{"sentinel busy", ErrDeviceBusy, ReasonDeviceBusy},
		{"acquire error carries reason", &AcquireError{Reason: ReasonDeviceBusy, Err: errors.New("busy")}, ReasonDeviceBusy},
		{"runtime NotAllowedError name", errors.New("NotAllowedError: Permission denied"), ReasonPermissionDenied},
		{"runtime NotFoundError name", errors.New("NotFoundError: Requested device not found"), ReasonDeviceNotFound},
		{"runtime NotReadableError name", errors.New("NotReadableError: Could not start audio source"), ReasonDeviceBusy},
		{"anything else", errors.New("kaboom"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReasonMessageNeverEmpty(t *testing.T) {
	for _, reason := range []Reason{ReasonPermissionDenied, ReasonDeviceNotFound, ReasonDeviceBusy, ReasonUnknown} {
		if reason.Message() == "" {
			t.Errorf("Reason %s has no message", reason)
		}
	}
}
