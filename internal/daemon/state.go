package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// FileRecord tracks a file the watch daemon has sent to the thumbnail service.
type FileRecord struct {
	URI         string    `json:"uri"`
	ModTime     time.Time `json:"mod_time"`
	ProcessedAt time.Time `json:"processed_at"`
	Code        int32     `json:"code,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// State maintains the watch daemon's persistent state.
type State struct {
	mu sync.RWMutex

	// Processed files keyed by URI
	Files map[string]*FileRecord `json:"files"`

	// Version for state file format migration
	Version string `json:"version"`

	// LastScan records the last completed scan of the watched directories
	LastScan time.Time `json:"last_scan"`

	// Path to the state file
	filePath string
}

// NewState creates a new state instance.
func NewState(filePath string) *State {
	return &State{
		Files:    make(map[string]*FileRecord),
		Version:  "1.0.0",
		filePath: filePath,
	}
}

// Load reads state from the file system.
// If the file doesn't exist, returns an empty state.
func (s *State) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			s.Files = make(map[string]*FileRecord)
			s.Version = "1.0.0"
			return nil
		}
		return fmt.Errorf("failed to read state file: %w", err)
	}

	if err := json.Unmarshal(data, s); err != nil {
		return fmt.Errorf("failed to parse state file: %w", err)
	}

	if s.Files == nil {
		s.Files = make(map[string]*FileRecord)
	}

	return nil
}

// Save writes state to the file system. A state without a path is memory only.
func (s *State) Save() error {
	if s.filePath == "" {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// Write to temp file first, then rename for atomicity
	tmpFile := s.filePath + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}

	if err := os.Rename(tmpFile, s.filePath); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename state file: %w", err)
	}

	return nil
}

// IsProcessed reports whether uri was already processed at this modification
// time, successfully or not.
func (s *State) IsProcessed(uri string, modTime time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.Files[uri]
	return exists && rec.ModTime.Equal(modTime)
}

// MarkThumbnailed records a file the service produced a thumbnail for.
func (s *State) MarkThumbnailed(uri string, modTime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Files[uri] = &FileRecord{
		URI:         uri,
		ModTime:     modTime,
		ProcessedAt: time.Now(),
	}
}

// MarkFailed records a file the service could not thumbnail.
func (s *State) MarkFailed(uri string, modTime time.Time, code int32, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if message == "" {
		message = "thumbnail failed"
	}
	s.Files[uri] = &FileRecord{
		URI:         uri,
		ModTime:     modTime,
		ProcessedAt: time.Now(),
		Code:        code,
		Error:       message,
	}
}

// ClearFailed removes failed status for a file, allowing retry.
func (s *State) ClearFailed(uri string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.Files[uri]
	if exists && rec.Error != "" {
		delete(s.Files, uri)
		return true
	}
	return false
}

// Forget drops the record of a removed file, or of everything under a
// removed directory.
func (s *State) Forget(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.Files, uri)
	prefix := strings.TrimSuffix(uri, "/") + "/"
	for key := range s.Files {
		if strings.HasPrefix(key, prefix) {
			delete(s.Files, key)
		}
	}
}

// UpdateLastScan records the last completed scan time.
func (s *State) UpdateLastScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastScan = time.Now()
}

// GetLastScan returns the last completed scan time.
func (s *State) GetLastScan() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.LastScan
}

// GetThumbnailedCount returns the number of successfully thumbnailed files.
func (s *State) GetThumbnailedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.Files {
		if rec.Error == "" {
			count++
		}
	}
	return count
}

// GetFailedCount returns the number of failed files.
func (s *State) GetFailedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.Files {
		if rec.Error != "" {
			count++
		}
	}
	return count
}

// GetRecent returns the most recently processed files, newest first.
func (s *State) GetRecent(limit int) []*FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recent := make([]*FileRecord, 0, len(s.Files))
	for _, rec := range s.Files {
		if rec.Error == "" {
			recent = append(recent, rec)
		}
	}
	sortNewestFirst(recent)

	if limit > 0 && len(recent) > limit {
		return recent[:limit]
	}
	return recent
}

// GetFailedFiles returns all failed files, newest first.
func (s *State) GetFailedFiles() []*FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var failed []*FileRecord
	for _, rec := range s.Files {
		if rec.Error != "" {
			failed = append(failed, rec)
		}
	}
	sortNewestFirst(failed)
	return failed
}

func sortNewestFirst(recs []*FileRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].ProcessedAt.Equal(recs[j].ProcessedAt) {
			return recs[i].URI < recs[j].URI
		}
		return recs[i].ProcessedAt.After(recs[j].ProcessedAt)
	})
}

// DefaultStateFilePath returns the default path for the watch state file.
func DefaultStateFilePath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".thumblink-state.json"
	}
	return filepath.Join(homeDir, ".config", "rescale", "thumblink-state.json")
}
