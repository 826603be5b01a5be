package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	storeFileName   = "session-threads.json"
	threadsFileMode = 0644
	threadsDirMode  = 0755
)

// ErrNotFound is returned when updating a session that has no mapping.
var ErrNotFound = errors.New("session not found")

type notFoundError string

func (e notFoundError) Error() string        { return fmt.Sprintf("session %s not found", string(e)) }
func (e notFoundError) Is(target error) bool { return target == ErrNotFound }

// Status is the execution state recorded for a session thread.
type Status string

const (
	StatusExecuting Status = "executing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Thread maps an assistant session to the chat thread holding its requests.
type Thread struct {
	SessionID string    `json:"sessionId"`
	ThreadTS  string    `json:"threadTs"`
	ChannelID string    `json:"channelId"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Patch lists the fields to change in Update. Nil fields are kept.
type Patch struct {
	ThreadTS  *string
	ChannelID *string
	Status    *Status
}

// Store persists session threads as a single JSON object keyed by session id.
type Store struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewStore creates a store under <dataDir>/session-threads.json.
func NewStore(dataDir string) *Store {
	return &Store{
		path: filepath.Join(dataDir, storeFileName),
		now:  time.Now,
	}
}

// DefaultDataDir resolves $XDG_DATA_HOME/ccapproval, falling back to
// ~/.local/share/ccapproval.
func DefaultDataDir() string {
	if xdg := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); xdg != "" {
		return filepath.Join(xdg, "ccapproval")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "ccapproval")
	}
	return filepath.Join(home, ".local", "share", "ccapproval")
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Create inserts or replaces the mapping for t.SessionID.
func (s *Store) Create(t Thread) error {
	if strings.TrimSpace(t.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	if t.Status == "" {
		t.Status = StatusExecuting
	}
	data[t.SessionID] = t
	return s.saveLocked(data)
}

// Get returns the mapping for sessionID. A missing mapping is not an error.
func (s *Store) Get(sessionID string) (Thread, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return Thread{}, false, err
	}
	t, ok := data[sessionID]
	return t, ok, nil
}

// Update applies patch to an existing mapping and bumps UpdatedAt.
func (s *Store) Update(sessionID string, patch Patch) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return Thread{}, err
	}
	t, ok := data[sessionID]
	if !ok {
		return Thread{}, notFoundError(sessionID)
	}
	if patch.ThreadTS != nil {
		t.ThreadTS = *patch.ThreadTS
	}
	if patch.ChannelID != nil {
		t.ChannelID = *patch.ChannelID
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	t.UpdatedAt = s.now().UTC()
	data[sessionID] = t
	if err := s.saveLocked(data); err != nil {
		return Thread{}, err
	}
	return t, nil
}

// Delete removes the mapping. Deleting a missing mapping is a no-op.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return err
	}
	if _, ok := data[sessionID]; !ok {
		return nil
	}
	delete(data, sessionID)
	return s.saveLocked(data)
}

// GetAll returns every mapping ordered by creation time.
func (s *Store) GetAll() ([]Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	out := make([]Thread, 0, len(data))
	for _, t := range data {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Prune deletes mappings not updated since now-olderThan and returns them.
func (s *Store) Prune(olderThan time.Duration, now time.Time) ([]Thread, error) {
	if olderThan <= 0 {
		return nil, fmt.Errorf("prune age must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.loadLocked()
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-olderThan)
	removed := make([]Thread, 0)
	for id, t := range data {
		if t.UpdatedAt.Before(cutoff) {
			removed = append(removed, t)
			delete(data, id)
		}
	}
	if len(removed) == 0 {
		return removed, nil
	}
	if err := s.saveLocked(data); err != nil {
		return nil, err
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i].SessionID < removed[j].SessionID })
	return removed, nil
}

func (s *Store) loadLocked() (map[string]Thread, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Thread{}, nil
		}
		return nil, fmt.Errorf("read session store: %w", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return map[string]Thread{}, nil
	}

	data := map[string]Thread{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse session store: %w", err)
	}
	return data, nil
}

func (s *Store) saveLocked(data map[string]Thread) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, threadsDirMode); err != nil {
		return fmt.Errorf("create session store dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "session-threads-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp session store: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath)

	if _, err := tmpFile.Write(encoded); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp session store: %w", err)
	}
	if err := tmpFile.Chmod(threadsFileMode); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp session store: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp session store: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		if removeErr := os.Remove(s.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return fmt.Errorf("replace session store: rename failed (%v), remove failed (%v)", err, removeErr)
		}
		if retryErr := os.Rename(tmpPath, s.path); retryErr != nil {
			return fmt.Errorf("replace session store after remove: %w", retryErr)
		}
	}
	return nil
}
