package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/audiolibrelab/micbooth/internal/artifact"
	"github.com/audiolibrelab/micbooth/internal/caps"
	"github.com/audiolibrelab/micbooth/internal/capture"
	"github.com/audiolibrelab/micbooth/internal/config"
	"github.com/audiolibrelab/micbooth/internal/device"
	"github.com/audiolibrelab/micbooth/internal/permission"
	"github.com/audiolibrelab/micbooth/internal/session"
)

// Service is the core MicBooth service interface.
type Service interface {
	// Recording operations
	StartRecording(ctx context.Context) error
	StopRecording()
	RetryRecording()
	Status() session.Snapshot
	CurrentArtifact() (*ArtifactInfo, bool)

	// Capability operations
	Negotiate(userAgent string) (NegotiationInfo, error)
	Negotiation() NegotiationInfo

	// Recording file operations
	ListRecordings() ([]artifact.FileInfo, error)
	RecordingsDir() string

	// Status feed operations
	Subscribe(fn func(session.Snapshot)) func()

	// Configuration operations
	LoadProfile(profile string) error
	GetConfig() *config.Config
	GetLastError() string

	Close() error
}

// NegotiationInfo is the negotiation outcome surfaced to clients.
type NegotiationInfo struct {
	Profile    caps.Profile `json:"profile"`
	Candidates []string     `json:"candidates"`
	Primary    string       `json:"primary"`
}

// ArtifactInfo describes the finalized recording held in memory.
type ArtifactInfo struct {
	ID       string `json:"id"`
	Encoding string `json:"encoding"`
	Size     int    `json:"size"`
	Filename string `json:"filename"`
}

// MicBoothService is the main service implementation. It owns one recording
// controller backed by the in-process loopback device.
type MicBoothService struct {
	configFile string

	// Backend implementing both device acquisition and capture creation.
	backend *capture.Loopback

	mu         sync.RWMutex
	cfg        *config.Config
	controller *session.Controller
	negotiated NegotiationInfo
	permStore  *permission.Store
	files      *artifact.Store
	lastSnap   session.Snapshot

	subMu       sync.Mutex
	subscribers map[int]func(session.Snapshot)
	nextSubID   int

	lastError      string
	lastErrorMutex sync.RWMutex
}

// New creates a service instance: it negotiates encodings against the backend,
// opens the permission cache and builds the recording controller.
func New(cfg *config.Config, configFile string) (*MicBoothService, error) {
	s := &MicBoothService{
		configFile:  configFile,
		backend:     capture.NewLoopback(),
		subscribers: make(map[int]func(session.Snapshot)),
	}
	if err := s.configure(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// configure tears down any existing controller and rebuilds the service from
// cfg. Callers must not hold s.mu.
func (s *MicBoothService) configure(cfg *config.Config) error {
	profile := caps.Profile{Family: caps.FamilyUnknown}
	result, err := caps.Negotiate(profile, cfg.Encodings, s.backend.Supports)
	if err != nil {
		return fmt.Errorf("encoding negotiation failed: %w", err)
	}

	s.mu.RLock()
	oldStore := s.permStore
	s.mu.RUnlock()

	// Badger holds an exclusive lock on the cache directory, so an unchanged
	// path must keep the already-open store instead of opening a second one.
	permStore := oldStore
	if oldStore == nil || oldStore.Path() != cfg.Output.PermissionCacheDir {
		var err error
		permStore, err = permission.OpenStore(cfg.Output.PermissionCacheDir)
		if err != nil {
			return fmt.Errorf("failed to open permission cache: %w", err)
		}
	}

	files := artifact.NewStore(cfg.Output.Directory)

	controller := session.NewController(
		session.Ports{
			Permission: permission.NewStatic(permission.StatePrompt, permission.StateGranted),
			Device:     s.backend,
			Capture:    s.backend,
		},
		session.Config{
			Negotiated:       result,
			Profile:          profile,
			Preferences:      cfg.Encodings,
			Constraints:      cfg.Constraints(),
			RetryCeiling:     cfg.Session.RetryCeiling,
			RetryBackoff:     cfg.RetryBackoff(),
			LivenessInterval: cfg.LivenessInterval(),
			Timeslice:        cfg.Timeslice(),
		},
		session.NotifierFunc(s.publish),
		session.WithPermissionStore(permStore),
		session.WithArtifactStore(files),
	)

	s.mu.Lock()
	old := s.controller
	s.cfg = cfg
	s.controller = controller
	s.permStore = permStore
	s.files = files
	s.negotiated = NegotiationInfo{
		Profile:    profile,
		Candidates: result.Candidates,
		Primary:    result.Primary,
	}
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if oldStore != nil && oldStore != permStore {
		if err := oldStore.Close(); err != nil {
			slog.Warn("Failed to close permission cache", "error", err)
		}
	}
	return nil
}

// publish fans a controller snapshot out to all subscribers.
func (s *MicBoothService) publish(snap session.Snapshot) {
	s.mu.Lock()
	s.lastSnap = snap
	s.mu.Unlock()

	if snap.Severity == session.SeverityError {
		s.setLastError(snap.Message)
	} else if snap.State == session.StateRecording || snap.State == session.StateReady {
		s.clearLastError()
	}

	s.subMu.Lock()
	subs := make([]func(session.Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subs = append(subs, fn)
	}
	s.subMu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

// StartRecording begins a new recording attempt.
func (s *MicBoothService) StartRecording(ctx context.Context) error {
	slog.Debug("Service.StartRecording called")
	s.mu.RLock()
	controller := s.controller
	s.mu.RUnlock()
	controller.Start(ctx)
	return nil
}

// StopRecording ends the active recording and finalizes the captured audio.
func (s *MicBoothService) StopRecording() {
	s.mu.RLock()
	controller := s.controller
	s.mu.RUnlock()
	controller.Stop()
}

// RetryRecording returns a failed session to idle.
func (s *MicBoothService) RetryRecording() {
	s.mu.RLock()
	controller := s.controller
	s.mu.RUnlock()
	controller.Retry()
}

// Status returns the latest session snapshot.
func (s *MicBoothService) Status() session.Snapshot {
	s.mu.RLock()
	controller := s.controller
	s.mu.RUnlock()
	return controller.Snapshot()
}

// CurrentArtifact describes the finalized recording held in memory, if any.
func (s *MicBoothService) CurrentArtifact() (*ArtifactInfo, bool) {
	s.mu.RLock()
	controller := s.controller
	cfg := s.cfg
	profile := s.negotiated.Profile
	s.mu.RUnlock()

	a := controller.Artifact()
	if a == nil {
		return nil, false
	}
	return &ArtifactInfo{
		ID:       a.ID,
		Encoding: a.Encoding,
		Size:     a.Size(),
		Filename: a.Filename(profile, cfg.Encodings),
	}, true
}

// Negotiate runs capability negotiation for the given user agent without
// touching the active session.
func (s *MicBoothService) Negotiate(userAgent string) (NegotiationInfo, error) {
	s.mu.RLock()
	prefs := s.cfg.Encodings
	s.mu.RUnlock()

	profile := caps.ParseProfile(userAgent)
	result, err := caps.Negotiate(profile, prefs, s.backend.Supports)
	if err != nil {
		return NegotiationInfo{Profile: profile}, err
	}
	return NegotiationInfo{
		Profile:    profile,
		Candidates: result.Candidates,
		Primary:    result.Primary,
	}, nil
}

// Negotiation returns the negotiation outcome the active session was built
// with.
func (s *MicBoothService) Negotiation() NegotiationInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.negotiated
}

// ListRecordings returns saved recordings, newest first.
func (s *MicBoothService) ListRecordings() ([]artifact.FileInfo, error) {
	s.mu.RLock()
	files := s.files
	s.mu.RUnlock()
	return files.List()
}

// RecordingsDir returns the directory recordings are saved to.
func (s *MicBoothService) RecordingsDir() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.files.Dir()
}

// Subscribe registers a snapshot listener and returns its cancel function.
func (s *MicBoothService) Subscribe(fn func(session.Snapshot)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subscribers, id)
		s.subMu.Unlock()
	}
}

// LoadProfile loads a new configuration profile and rebuilds the controller.
func (s *MicBoothService) LoadProfile(profile string) error {
	newCfg, err := config.LoadWithProfile(s.configFile, profile)
	if err != nil {
		return fmt.Errorf("failed to load profile '%s': %w", profile, err)
	}
	if err := s.configure(newCfg); err != nil {
		return err
	}
	slog.Info("Configuration profile loaded", "profile", profile)
	return nil
}

// GetConfig returns the current configuration.
func (s *MicBoothService) GetConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Backend returns the loopback backend, letting callers script device and
// encoding failures.
func (s *MicBoothService) Backend() *capture.Loopback {
	return s.backend
}

// Close shuts down the controller and the permission cache.
func (s *MicBoothService) Close() error {
	s.mu.Lock()
	controller := s.controller
	permStore := s.permStore
	s.controller = nil
	s.permStore = nil
	s.mu.Unlock()

	if controller != nil {
		controller.Close()
	}
	if permStore != nil {
		return permStore.Close()
	}
	return nil
}

// GetLastError returns the last error message (thread-safe)
func (s *MicBoothService) GetLastError() string {
	s.lastErrorMutex.RLock()
	defer s.lastErrorMutex.RUnlock()
	return s.lastError
}

func (s *MicBoothService) setLastError(err string) {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = err

	slog.Error("Service error occurred", "error_message", err)
}

func (s *MicBoothService) clearLastError() {
	s.lastErrorMutex.Lock()
	defer s.lastErrorMutex.Unlock()
	s.lastError = ""
}

// ensure interface compliance
var _ Service = (*MicBoothService)(nil)

// Constraints returns the device constraints the active session acquires
// streams with.
func (s *MicBoothService) Constraints() device.Constraints {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Constraints()
}
