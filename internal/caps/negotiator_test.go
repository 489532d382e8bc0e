package caps

import (
	"errors"
	"testing"
)

func TestParseProfile(t *testing.T) {
	tests := []struct {
		name      string
		userAgent string
		family    Family
		version   int
		mobile    bool
	}{
		{
			name:      "desktop chrome",
			userAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			family:    FamilyChrome,
			version:   120,
		},
		{
			name:      "desktop firefox",
			userAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
			family:    FamilyFirefox,
			version:   121,
		},
		{
			name:      "macos safari",
			userAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
			family:    FamilySafari,
			version:   17,
		},
		{
			name:      "edge detected before chrome",
			userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.2210.91",
			family:    FamilyEdge,
			version:   120,
		},
		{
			name:      "opera detected before chrome",
			userAgent: "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 OPR/105.0.0.0",
			family:    FamilyOpera,
			version:   105,
		},
		{
			name:      "android mobile chrome",
			userAgent: "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.43 Mobile Safari/537.36",
			family:    FamilyChrome,
			version:   120,
			mobile:    true,
		},
		{
			name:      "unrecognized descriptor",
			userAgent: "curl/8.4.0",
			family:    FamilyUnknown,
		},
		{
			name:      "empty descriptor",
			userAgent: "",
			family:    FamilyUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParseProfile(tt.userAgent)
			if p.Family != tt.family {
				t.Errorf("Expected family %s, got %s", tt.family, p.Family)
			}
			if p.Version != tt.version {
				t.Errorf("Expected version %d, got %d", tt.version, p.Version)
			}
			if p.Mobile != tt.mobile {
				t.Errorf("Expected mobile=%v, got %v", tt.mobile, p.Mobile)
			}
		})
	}
}

func supportSet(supported ...string) SupportFunc {
	set := make(map[string]bool, len(supported))
	for _, s := range supported {
		set[s] = true
	}
	return func(encoding string) (bool, error) {
		return set[encoding], nil
	}
}

func TestNegotiateNothingSupported(t *testing.T) {
	profile := Profile{Family: FamilyChrome}
	none := func(string) (bool, error) { return false, nil }

	result, err := Negotiate(profile, DefaultPreferences(), none)
	if !errors.Is(err, ErrNoSupportedEncoding) {
		t.Fatalf("Expected ErrNoSupportedEncoding, got %v", err)
	}
	if result.Primary != "" {
		t.Errorf("Expected no primary encoding, got %q", result.Primary)
	}
	if len(result.Candidates) != 0 {
		t.Errorf("Expected empty candidate list, got %v", result.Candidates)
	}
}

func TestNegotiatePrimaryPrefersFamilyList(t *testing.T) {
	// Family preference [x, y], fallback [y, z], predicate supports {y, z}:
	// candidates must be [y, z] and primary must be y, never a fallback-only
	// entry.
	prefs := Preferences{
		Families: map[Family][]string{
			FamilyChrome: {"audio/x", "audio/y"},
		},
		Fallback: []string{"audio/y", "audio/z"},
	}

	result, err := Negotiate(Profile{Family: FamilyChrome}, prefs, supportSet("audio/y", "audio/z"))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}

	if len(result.Candidates) != 2 || result.Candidates[0] != "audio/y" || result.Candidates[1] != "audio/z" {
		t.Errorf("Expected candidates [audio/y audio/z], got %v", result.Candidates)
	}
	if result.Primary != "audio/y" {
		t.Errorf("Expected primary audio/y, got %s", result.Primary)
	}
}

func TestNegotiateUnknownFamilyUsesFallbackOnly(t *testing.T) {
	result, err := Negotiate(Profile{Family: FamilyUnknown}, DefaultPreferences(), supportSet("audio/wav"))
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}

	if len(result.Candidates) != 1 || result.Candidates[0] != "audio/wav" {
		t.Errorf("Expected candidates [audio/wav], got %v", result.Candidates)
	}
	if result.Primary != "audio/wav" {
		t.Errorf("Expected primary audio/wav, got %s", result.Primary)
	}
}

func TestNegotiateCheckErrorTreatedAsUnsupported(t *testing.T) {
	calls := 0
	flaky := func(encoding string) (bool, error) {
		calls++
		if encoding == "audio/webm;codecs=opus" {
			return false, errors.New("isTypeSupported blew up")
		}
		return encoding == "audio/ogg", nil
	}

	result, err := Negotiate(Profile{Family: FamilyChrome}, DefaultPreferences(), flaky)
	if err != nil {
		t.Fatalf("Expected check error to be swallowed, got %v", err)
	}
	if result.Primary != "audio/ogg" {
		t.Errorf("Expected primary audio/ogg, got %s", result.Primary)
	}
	if calls == 0 {
		t.Error("Support predicate was never invoked")
	}
}

func TestNegotiateDeduplicatesUnion(t *testing.T) {
	prefs := Preferences{
		Families: map[Family][]string{
			FamilyChrome: {"audio/webm", "audio/ogg"},
		},
		Fallback: []string{"audio/ogg", "audio/webm", "audio/wav"},
	}

	seen := []string{}
	recorder := func(encoding string) (bool, error) {
		seen = append(seen, encoding)
		return true, nil
	}

	result, err := Negotiate(Profile{Family: FamilyChrome}, prefs, recorder)
	if err != nil {
		t.Fatalf("Negotiate failed: %v", err)
	}

	expected := []string{"audio/webm", "audio/ogg", "audio/wav"}
	if len(seen) != len(expected) {
		t.Fatalf("Expected %d support checks, got %d (%v)", len(expected), len(seen), seen)
	}
	for i, encoding := range expected {
		if seen[i] != encoding {
			t.Errorf("Check order mismatch at %d: expected %s, got %s", i, encoding, seen[i])
		}
		if result.Candidates[i] != encoding {
			t.Errorf("Candidate order mismatch at %d: expected %s, got %s", i, encoding, result.Candidates[i])
		}
	}
}

func TestNextCandidate(t *testing.T) {
	result := Result{Candidates: []string{"audio/webm", "audio/ogg"}, Primary: "audio/webm"}

	next, ok := result.NextCandidate("audio/webm")
	if !ok || next != "audio/ogg" {
		t.Errorf("Expected fallback audio/ogg, got %q (ok=%v)", next, ok)
	}

	only := Result{Candidates: []string{"audio/webm"}, Primary: "audio/webm"}
	if _, ok := only.NextCandidate("audio/webm"); ok {
		t.Error("Expected no fallback when the primary is the only candidate")
	}
}
