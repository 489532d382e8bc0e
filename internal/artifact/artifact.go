package artifact

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/audiolibrelab/micbooth/internal/caps"
	"github.com/google/uuid"
)

// ErrEmptyBuffer is returned when finalization is attempted with no captured
// segments. The session returns to idle without producing an artifact.
var ErrEmptyBuffer = errors.New("no captured segments to finalize")

// Artifact is a finalized recording: one binary object tagged with the
// encoding that actually produced it. At most one artifact resource is live
// at a time; exposing a new one must release the previous one first.
type Artifact struct {
	ID        string
	Encoding  string
	CreatedAt time.Time

	mu       sync.Mutex
	data     []byte
	released bool
}

// Finalize concatenates the buffered segments into a single artifact. The
// segments are copied, so the caller may reuse or clear its buffer.
func Finalize(segments [][]byte, encoding string) (*Artifact, error) {
	total := 0
	for _, segment := range segments {
		total += len(segment)
	}
	if total == 0 {
		return nil, ErrEmptyBuffer
	}

	data := make([]byte, 0, total)
	for _, segment := range segments {
		data = append(data, segment...)
	}

	return &Artifact{
		ID:        uuid.NewString(),
		Encoding:  encoding,
		CreatedAt: time.Now(),
		data:      data,
	}, nil
}

// Bytes returns the artifact payload, or nil once released.
func (a *Artifact) Bytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	return a.data
}

// Size returns the payload length in bytes, 0 once released.
func (a *Artifact) Size() int {
	return len(a.Bytes())
}

// Release frees the artifact resource. Safe to call more than once and on a
// nil artifact.
func (a *Artifact) Release() {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released = true
	a.data = nil
}

// Released reports whether the artifact resource has been freed.
func (a *Artifact) Released() bool {
	if a == nil {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// Filename derives the download filename for the artifact. The extension
// comes from the encoding identifier, with one override: webm is only kept
// for environments whose family preference list actually includes a webm
// encoding; everyone else gets the universally playable wav extension.
func (a *Artifact) Filename(profile caps.Profile, prefs caps.Preferences) string {
	return "recording-" + a.ID + "." + Extension(a.Encoding, profile, prefs)
}

// Extension maps an encoding identifier to a file extension, applying the
// webm override described on Filename.
func Extension(encoding string, profile caps.Profile, prefs caps.Preferences) string {
	ext := subtype(encoding)
	if ext == "webm" && !familyUsesWebM(profile, prefs) {
		return "wav"
	}
	return ext
}

// subtype extracts the container part of a mime-type-like encoding
// identifier: "audio/webm;codecs=opus" -> "webm".
func subtype(encoding string) string {
	s := encoding
	if idx := strings.Index(s, ";"); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.Index(s, "/"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return "bin"
	}
	if s == "mpeg" {
		return "mp3"
	}
	return s
}

func familyUsesWebM(profile caps.Profile, prefs caps.Preferences) bool {
	for _, encoding := range prefs.Families[profile.Family] {
		if strings.HasPrefix(subtype(encoding), "webm") {
			return true
		}
	}
	return false
}
