package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/viper"

	"github.com/audiolibrelab/micbooth/internal/config"
	"github.com/audiolibrelab/micbooth/internal/service"
	"github.com/audiolibrelab/micbooth/internal/session"
)

// Server is the web server hosting the recording widget and its control API.
type Server struct {
	service    service.Service
	configFile string
	port       string

	profileLock   sync.RWMutex
	activeProfile string

	upgrader websocket.Upgrader
}

// StatusResponse represents the JSON response for the status endpoint.
type StatusResponse struct {
	Status        string                  `json:"status"`
	Message       string                  `json:"message,omitempty"`
	Severity      string                  `json:"severity"`
	Retries       int                     `json:"retries"`
	BufferedBytes int                     `json:"buffered_bytes"`
	Encoding      string                  `json:"encoding,omitempty"`
	Permission    string                  `json:"permission,omitempty"`
	Artifact      *service.ArtifactInfo   `json:"artifact,omitempty"`
	Negotiation   service.NegotiationInfo `json:"negotiation"`
	ActiveProfile string                  `json:"active_profile"`
	LastError     string                  `json:"last_error,omitempty"`
}

// RecordingsResponse represents the JSON response for the recordings endpoint.
type RecordingsResponse struct {
	Recordings      []RecordingEntry `json:"recordings"`
	TotalCount      int              `json:"total_count"`
	OutputDirectory string           `json:"output_directory"`
}

// RecordingEntry is one saved recording in the recordings listing.
type RecordingEntry struct {
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	SizeHuman   string    `json:"size_human"`
	ModTime     time.Time `json:"mod_time"`
	Extension   string    `json:"extension"`
	StreamURL   string    `json:"stream_url"`
	DownloadURL string    `json:"download_url"`
}

// GenericResponse represents a generic API response.
type GenericResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}

// New creates a new web server instance.
func New(configFile string, port string) (*Server, error) {
	cfg, err := config.LoadWithProfile(configFile, "")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	activeProfileName := getActiveProfileName(configFile)

	svc, err := service.New(cfg, configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create service: %w", err)
	}

	return &Server{
		service:       svc,
		configFile:    configFile,
		port:          port,
		activeProfile: activeProfileName,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}, nil
}

// Start starts the web server.
func (s *Server) Start() error {
	http.HandleFunc("/", s.handleIndex)
	http.HandleFunc("/status", s.handleStatus)
	http.HandleFunc("/start", s.handleStartRecording)
	http.HandleFunc("/stop", s.handleStopRecording)
	http.HandleFunc("/retry", s.handleRetryRecording)
	http.HandleFunc("/ws", s.handleStatusFeed)
	http.HandleFunc("/config/profiles", s.handleProfiles)
	http.HandleFunc("/config/select", s.handleSelectProfile)
	http.HandleFunc("/config/active", s.handleActiveProfile)
	http.HandleFunc("/api/caps", s.handleCaps)
	http.HandleFunc("/api/recordings", s.handleRecordings)
	http.HandleFunc("/api/recordings/current", s.handleCurrentRecording)
	http.HandleFunc("/api/recordings/current/audio", s.handleCurrentRecordingAudio)
	http.HandleFunc("/api/recordings/stream/", s.handleRecordingStream)
	http.HandleFunc("/api/recordings/download/", s.handleRecordingDownload)

	localIP := getLocalIP()

	slog.Info("Starting MicBooth Web Server",
		"port", s.port,
		"local_url", fmt.Sprintf("http://%s:%s", localIP, s.port),
		"localhost_url", fmt.Sprintf("http://localhost:%s", s.port))

	return http.ListenAndServe(":"+s.port, nil)
}

// handleIndex serves the main web UI
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Try to read the HTML file directly
	htmlPath := "web/static/index.html"
	htmlContent, err := os.ReadFile(htmlPath)
	if err != nil {
		// Fallback to inline HTML if file not found
		htmlContent = []byte(getDefaultHTML())
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(htmlContent)
}

// getDefaultHTML provides a fallback HTML interface
func getDefaultHTML() string {
	return `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>MicBooth</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/@picocss/pico@2/css/pico.min.css">
</head>
<body>
    <div class="container">
        <h1>&#127908; MicBooth</h1>
        <p>Web UI loaded successfully! The HTML file could not be read from disk, but the server is working.</p>
        <h2>API Endpoints:</h2>
        <ul>
            <li>POST /start - Start recording</li>
            <li>POST /stop - Stop recording</li>
            <li>POST /retry - Reset a failed session</li>
            <li>GET /status - Get status</li>
            <li>GET /ws - Live status feed</li>
            <li>GET /api/caps - Encoding negotiation for your browser</li>
            <li>GET /api/recordings - List saved recordings</li>
        </ul>
    </div>
</body>
</html>`
}

// handleStatus returns the current session status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.buildStatusResponse())
}

func (s *Server) buildStatusResponse() StatusResponse {
	snapshot := s.service.Status()

	response := StatusResponse{
		Status:        string(snapshot.State),
		Message:       snapshot.Message,
		Severity:      string(snapshot.Severity),
		Retries:       snapshot.Retries,
		BufferedBytes: snapshot.Buffered,
		Encoding:      snapshot.Encoding,
		Permission:    string(snapshot.Permission),
		Negotiation:   s.service.Negotiation(),
		ActiveProfile: s.getActiveProfile(),
		LastError:     s.service.GetLastError(),
	}
	if info, ok := s.service.CurrentArtifact(); ok {
		response.Artifact = info
	}
	return response
}

// handleStartRecording begins a new recording attempt
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	slog.Info("Server: starting recording")
	if err := s.service.StartRecording(r.Context()); err != nil {
		s.sendErrorResponse(w, http.StatusInternalServerError,
			fmt.Sprintf("Failed to start recording: %v", err),
			"operation", "start_recording")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Recording start requested",
	})
}

// handleStopRecording stops the current recording session
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	s.service.StopRecording()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Recording stop requested",
	})
}

// handleRetryRecording resets a failed session back to idle
func (s *Server) handleRetryRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	s.service.RetryRecording()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": "Session reset requested",
	})
}

// handleStatusFeed streams session snapshots over a websocket
func (s *Server) handleStatusFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}

	updates := make(chan session.Snapshot, 64)
	unsubscribe := s.service.Subscribe(func(snapshot session.Snapshot) {
		// Drop updates rather than block the session on a slow client.
		select {
		case updates <- snapshot:
		default:
		}
	})

	done := make(chan struct{})

	// The read loop only detects the client going away.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	go func() {
		defer unsubscribe()
		defer conn.Close()

		// Send the current state so new clients render immediately.
		if err := conn.WriteJSON(s.buildStatusResponse()); err != nil {
			return
		}

		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-updates:
				if err := conn.WriteJSON(s.buildStatusResponse()); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// handleCaps runs encoding negotiation for the calling browser
func (s *Server) handleCaps(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	// An explicit ua parameter wins over the request header.
	userAgent := r.URL.Query().Get("ua")
	if userAgent == "" {
		userAgent = r.UserAgent()
	}

	info, err := s.service.Negotiate(userAgent)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   err.Error(),
			"profile": info.Profile,
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// handleProfiles returns available configuration profiles
func (s *Server) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	profiles := s.getAvailableProfiles()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"profiles": profiles,
	})
}

// handleSelectProfile switches the active configuration profile
func (s *Server) handleSelectProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	if err := r.ParseForm(); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Failed to parse form",
		})
		return
	}

	profile := r.FormValue("profile")
	slog.Debug("Profile selection request", "profile", profile)

	// Switching profiles rebuilds the session, so refuse while one is live.
	if state := s.service.Status().State; state != session.StateIdle &&
		state != session.StateReady && state != session.StateFailed {
		s.sendErrorResponse(w, http.StatusConflict,
			fmt.Sprintf("Cannot switch profile while session is %s", state),
			"state", string(state), "operation", "profile_selection")
		return
	}

	if err := s.service.LoadProfile(profile); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("Failed to load profile '%s': %v", profile, err),
		})
		return
	}

	s.setActiveProfile(profile)

	if err := config.UpdateActiveConfig(s.configFile, profile); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("Failed to save profile selection to config file: %v", err),
		})
		return
	}

	slog.Info("Profile changed", "profile", profile)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": fmt.Sprintf("Profile changed to %s", profile),
		"profile": profile,
	})
}

// handleActiveProfile returns the currently active profile
func (s *Server) handleActiveProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"active_profile": s.getActiveProfile(),
		"success":        true,
	})
}

func (s *Server) getActiveProfile() string {
	s.profileLock.RLock()
	defer s.profileLock.RUnlock()
	return s.activeProfile
}

func (s *Server) setActiveProfile(profile string) {
	s.profileLock.Lock()
	defer s.profileLock.Unlock()
	s.activeProfile = profile
}

// handleRecordings returns the list of saved recordings
func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	files, err := s.service.ListRecordings()
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   fmt.Sprintf("Failed to list recordings: %v", err),
		})
		return
	}

	entries := make([]RecordingEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, RecordingEntry{
			Name:        f.Name,
			Size:        f.Size,
			SizeHuman:   f.SizeHuman,
			ModTime:     f.ModTime,
			Extension:   f.Extension,
			StreamURL:   f.StreamURL,
			DownloadURL: f.DownloadURL,
		})
	}

	response := RecordingsResponse{
		Recordings:      entries,
		TotalCount:      len(entries),
		OutputDirectory: s.service.RecordingsDir(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleCurrentRecording describes the finalized recording held in memory
func (s *Server) handleCurrentRecording(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "Method not allowed",
		})
		return
	}

	info, ok := s.service.CurrentArtifact()
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "No finalized recording",
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(info)
}

// handleCurrentRecordingAudio streams the latest finalized recording
func (s *Server) handleCurrentRecordingAudio(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	info, ok := s.service.CurrentArtifact()
	if !ok {
		http.Error(w, "No finalized recording", http.StatusNotFound)
		return
	}

	s.serveRecordingFile(w, r, info.Filename, false)
}

// handleRecordingStream streams a saved recording
func (s *Server) handleRecordingStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := r.URL.Path[len("/api/recordings/stream/"):]
	s.serveRecordingFile(w, r, filename, false)
}

// handleRecordingDownload serves a saved recording for download
func (s *Server) handleRecordingDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	filename := r.URL.Path[len("/api/recordings/download/"):]
	s.serveRecordingFile(w, r, filename, true)
}

func (s *Server) serveRecordingFile(w http.ResponseWriter, r *http.Request, filename string, download bool) {
	if filename == "" {
		http.Error(w, "Filename required", http.StatusBadRequest)
		return
	}

	// Validate filename (prevent path traversal)
	if strings.Contains(filename, "..") || strings.Contains(filename, "/") || strings.Contains(filename, "\\") {
		http.Error(w, "Invalid filename", http.StatusBadRequest)
		return
	}

	filePath := filepath.Join(s.service.RecordingsDir(), filename)

	info, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "File not found", http.StatusNotFound)
		} else {
			http.Error(w, "Error accessing file", http.StatusInternalServerError)
		}
		return
	}

	ext := strings.ToLower(filepath.Ext(filename))
	contentType := mime.TypeByExtension(ext)

	// Some systems don't have the audio MIME types registered
	switch ext {
	case ".wav":
		contentType = "audio/wav"
	case ".webm":
		contentType = "audio/webm"
	case ".ogg":
		contentType = "audio/ogg"
	case ".mp4":
		contentType = "audio/mp4"
	case ".mp3":
		contentType = "audio/mpeg"
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)

	if download {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", filename))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))

		file, err := os.Open(filePath)
		if err != nil {
			http.Error(w, "Error opening file", http.StatusInternalServerError)
			return
		}
		defer file.Close()

		if _, err := io.Copy(w, file); err != nil {
			slog.Error("Error serving file download", "file", filename, "error", err)
		}
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	http.ServeFile(w, r, filePath)
}

// sendErrorResponse sends a JSON error response and logs it with context
func (s *Server) sendErrorResponse(w http.ResponseWriter, code int, message string, logArgs ...any) {
	slog.Error(message, logArgs...)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(GenericResponse{
		Success: false,
		Error:   message,
	})
}

// getAvailableProfiles returns a list of available configuration profiles
func (s *Server) getAvailableProfiles() []string {
	profiles := []string{}

	if s.configFile != "" {
		if _, err := os.Stat(s.configFile); err == nil {
			// A dedicated viper instance avoids interfering with the global one
			v := viper.New()
			v.SetConfigFile(s.configFile)

			if err := v.ReadInConfig(); err == nil {
				var rootConfig config.RootConfig
				if err := v.Unmarshal(&rootConfig); err == nil {
					for profileName := range rootConfig.Configs {
						profiles = append(profiles, profileName)
					}
				} else {
					slog.Debug("Failed to unmarshal config for profiles", "error", err)
				}
			} else {
				slog.Debug("Failed to read config file for profiles", "error", err)
			}
		}
	}

	slog.Debug("Available profiles loaded", "profiles", profiles, "config_file", s.configFile)
	return profiles
}

// getActiveProfileName returns the active profile name from config file
func getActiveProfileName(configFile string) string {
	if configFile == "" {
		return ""
	}

	v := viper.New()
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		slog.Warn("Failed to read config file for active profile", "error", err)
		return ""
	}

	var rootConfig config.RootConfig
	if err := v.Unmarshal(&rootConfig); err != nil {
		slog.Warn("Failed to unmarshal config for active profile", "error", err)
		return ""
	}

	if rootConfig.ActiveConfig == "" {
		// If no active config is set, return the first available config
		for configName := range rootConfig.Configs {
			return configName
		}
		return ""
	}

	return rootConfig.ActiveConfig
}

// getLocalIP returns the local IP address for network access
func getLocalIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "localhost"
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP.String()
}
