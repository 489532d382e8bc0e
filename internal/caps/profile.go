package caps

import (
	"strconv"
	"strings"
)

// Family identifies the runtime browser family derived from a user agent
// descriptor. Unrecognized descriptors map to FamilyUnknown.
type Family string

const (
	FamilyChrome  Family = "chrome"
	FamilyFirefox Family = "firefox"
	FamilySafari  Family = "safari"
	FamilyEdge    Family = "edge"
	FamilyOpera   Family = "opera"
	FamilyUnknown Family = "unknown"
)

// Profile describes the runtime environment a session runs in. It is derived
// once per session from the opaque user agent string and never re-derived.
type Profile struct {
	Family  Family `json:"family"`
	Version int    `json:"version"`
	Mobile  bool   `json:"mobile"`
}

// ParseProfile derives an environment profile from a user agent descriptor.
// Order matters: Edge and Opera embed "Chrome" in their descriptors, and
// Chrome embeds "Safari", so the more specific tokens are checked first.
func ParseProfile(userAgent string) Profile {
	ua := strings.ToLower(userAgent)

	p := Profile{Family: FamilyUnknown}

	switch {
	case strings.Contains(ua, "edg/") || strings.Contains(ua, "edge/"):
		p.Family = FamilyEdge
		p.Version = versionAfter(ua, "edg/", "edge/")
	case strings.Contains(ua, "opr/") || strings.Contains(ua, "opera"):
		p.Family = FamilyOpera
		p.Version = versionAfter(ua, "opr/", "opera/")
	case strings.Contains(ua, "firefox/"):
		p.Family = FamilyFirefox
		p.Version = versionAfter(ua, "firefox/")
	case strings.Contains(ua, "chrome/") || strings.Contains(ua, "crios/"):
		p.Family = FamilyChrome
		p.Version = versionAfter(ua, "chrome/", "crios/")
	case strings.Contains(ua, "safari/"):
		p.Family = FamilySafari
		p.Version = versionAfter(ua, "version/")
	}

	p.Mobile = strings.Contains(ua, "mobile") ||
		strings.Contains(ua, "android") ||
		strings.Contains(ua, "iphone") ||
		strings.Contains(ua, "ipad")

	return p
}

// versionAfter extracts the major version number following the first of the
// given tokens that appears in the descriptor. Returns 0 when no version can
// be parsed.
func versionAfter(ua string, tokens ...string) int {
	for _, token := range tokens {
		idx := strings.Index(ua, token)
		if idx < 0 {
			continue
		}
		rest := ua[idx+len(token):]
		end := 0
		for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
			end++
		}
		if end == 0 {
			continue
		}
		version, err := strconv.Atoi(rest[:end])
		if err != nil {
			continue
		}
		return version
	}
	return 0
}
