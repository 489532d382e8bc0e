package caps

import (
	"errors"
	"log/slog"
)

// ErrNoSupportedEncoding is returned when the runtime supports none of the
// candidate encodings. The session is unusable and must not attempt to record.
var ErrNoSupportedEncoding = errors.New("no supported audio encoding available")

// SupportFunc reports whether the runtime can produce the given encoding.
// An error from the check is treated as "unsupported" and never propagated.
type SupportFunc func(encoding string) (bool, error)

// Preferences maps runtime families to their ordered encoding preference
// lists, plus a global fallback list appended for every family.
type Preferences struct {
	Families map[Family][]string
	Fallback []string
}

// DefaultPreferences returns the compiled-in preference lists. Chromium
// derivatives record webm/opus natively, Firefox prefers ogg/opus, and Safari
// only produces mp4/aac containers.
func DefaultPreferences() Preferences {
	return Preferences{
		Families: map[Family][]string{
			FamilyChrome:  {"audio/webm;codecs=opus", "audio/webm"},
			FamilyEdge:    {"audio/webm;codecs=opus", "audio/webm"},
			FamilyOpera:   {"audio/webm;codecs=opus", "audio/webm"},
			FamilyFirefox: {"audio/ogg;codecs=opus", "audio/webm;codecs=opus"},
			FamilySafari:  {"audio/mp4", "audio/mp4;codecs=mp4a.40.2"},
		},
		Fallback: []string{"audio/webm", "audio/ogg", "audio/mp4", "audio/wav"},
	}
}

// Result is the outcome of a successful negotiation: the ordered list of
// encodings the runtime supports and the primary encoding to try first.
type Result struct {
	Candidates []string `json:"candidates"`
	Primary    string   `json:"primary"`
}

// Negotiate determines which encodings the runtime can produce for the given
// profile, ranked preference-list first. It runs exactly once per session and
// is not re-run on permission changes.
func Negotiate(profile Profile, prefs Preferences, supports SupportFunc) (Result, error) {
	preferred := prefs.Families[profile.Family]
	if profile.Family == FamilyUnknown {
		preferred = nil
	}

	union := mergeUnique(preferred, prefs.Fallback)

	candidates := make([]string, 0, len(union))
	for _, encoding := range union {
		ok, err := supports(encoding)
		if err != nil {
			slog.Debug("Encoding support check failed, treating as unsupported",
				"encoding", encoding, "error", err)
			continue
		}
		if ok {
			candidates = append(candidates, encoding)
		}
	}

	if len(candidates) == 0 {
		return Result{}, ErrNoSupportedEncoding
	}

	primary := candidates[0]
	for _, candidate := range candidates {
		if contains(preferred, candidate) {
			primary = candidate
			break
		}
	}

	slog.Debug("Encoding negotiation complete",
		"family", profile.Family, "primary", primary, "candidates", len(candidates))

	return Result{Candidates: candidates, Primary: primary}, nil
}

// NextCandidate returns the first candidate differing from the given encoding,
// used when the runtime rejects an encoding at capture-creation time.
func (r Result) NextCandidate(after string) (string, bool) {
	for _, candidate := range r.Candidates {
		if candidate != after {
			return candidate, true
		}
	}
	return "", false
}

// mergeUnique concatenates both lists, removing duplicates while preserving
// first-seen order.
func mergeUnique(preferred, fallback []string) []string {
	seen := make(map[string]struct{}, len(preferred)+len(fallback))
	merged := make([]string, 0, len(preferred)+len(fallback))
	for _, list := range [][]string{preferred, fallback} {
		for _, entry := range list {
			if _, ok := seen[entry]; ok {
				continue
			}
			seen[entry] = struct{}{}
			merged = append(merged, entry)
		}
	}
	return merged
}

func contains(list []string, value string) bool {
	for _, entry := range list {
		if entry == value {
			return true
		}
	}
	return false
}
