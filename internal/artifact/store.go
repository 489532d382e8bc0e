package artifact

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/audiolibrelab/micbooth/internal/caps"
)

// FileInfo describes a saved recording on disk.
type FileInfo struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	SizeHuman    string    `json:"size_human"`
	ModTime      time.Time `json:"mod_time"`
	Extension    string    `json:"extension"`
	StreamURL    string    `json:"stream_url"`
	DownloadURL  string    `json:"download_url"`
}

// Store writes finalized artifacts into an output directory and lists them
// for the recordings API.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir. The directory is created lazily on
// first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the output directory.
func (s *Store) Dir() string { return s.dir }

// Save writes the artifact to disk under its derived filename and returns the
// full path.
func (s *Store) Save(a *Artifact, profile caps.Profile, prefs caps.Preferences) (string, error) {
	data := a.Bytes()
	if data == nil {
		return "", fmt.Errorf("artifact %s was already released", a.ID)
	}

	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	name := a.Filename(profile, prefs)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}

	slog.Info("Artifact saved", "file", name, "bytes", len(data), "encoding", a.Encoding)
	return path, nil
}

// List returns saved recordings, newest first.
func (s *Store) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read output directory: %w", err)
	}

	files := make([]FileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "recording-") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, FileInfo{
			Name:        entry.Name(),
			Path:        filepath.Join(s.dir, entry.Name()),
			Size:        info.Size(),
			SizeHuman:   formatBytes(info.Size()),
			ModTime:     info.ModTime(),
			Extension:   strings.TrimPrefix(filepath.Ext(entry.Name()), "."),
			StreamURL:   "/api/recordings/stream/" + entry.Name(),
			DownloadURL: "/api/recordings/download/" + entry.Name(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

// formatBytes formats bytes in human readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
