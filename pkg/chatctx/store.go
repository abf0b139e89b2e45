// Package chatctx maintains the sliding-window conversation history for
// every user the relay listens to and makes it durable across restarts.
package chatctx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"WeRelay/pkg/logger"
)

// Role tags a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is a single role-tagged message. Immutable once created.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DefaultMaxGroups bounds history when the configured window size is invalid.
// One group is one user turn plus one assistant turn.
const DefaultMaxGroups = 5

// Store holds the per-user conversation windows. All operations that touch
// the shared map run under a single mutex for the whole read-modify-persist
// sequence; persistence failures are logged and the in-memory state stays
// authoritative.
type Store struct {
	mu        sync.Mutex
	histories map[string][]Turn
	path      string
	maxGroups int
}

// New creates a store persisting to path. The file is loaded lazily via
// Reload; a missing file is an empty store.
func New(path string, maxGroups int) *Store {
	if maxGroups <= 0 {
		maxGroups = DefaultMaxGroups
	}
	return &Store{
		histories: make(map[string][]Turn),
		path:      path,
		maxGroups: maxGroups,
	}
}

// MaxGroups returns the configured window size in groups.
func (s *Store) MaxGroups() int { return s.maxGroups }

// Reload re-reads the persisted state from disk, replacing the in-memory
// map. Called at the start of every request path so edits made by sibling
// processes or admin tooling between calls are picked up.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	loaded := make(map[string][]Turn)
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	s.histories = loaded
	return nil
}

// History returns a copy of the user's turns, oldest first. Unknown users
// get an empty slice. No side effects.
func (s *Store) History(userID string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := s.histories[userID]
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out
}

// AppendUserTurn appends a user turn. The window is allowed to exceed the
// cap by the just-added turn (2*maxGroups+1) until the matching assistant
// turn arrives.
func (s *Store) AppendUserTurn(userID, content string) {
	s.append(userID, Turn{Role: RoleUser, Content: content}, 2*s.maxGroups+1)
}

// AppendAssistantTurn appends an assistant turn and truncates the window
// back to 2*maxGroups.
func (s *Store) AppendAssistantTurn(userID, content string) {
	s.append(userID, Turn{Role: RoleAssistant, Content: content}, 2*s.maxGroups)
}

func (s *Store) append(userID string, turn Turn, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	turns := append(s.histories[userID], turn)
	if len(turns) > limit {
		// FIFO eviction: keep the newest turns.
		turns = turns[len(turns)-limit:]
	}
	s.histories[userID] = turns
	s.persistLocked()
}

// Clear removes a user's history. Used by the sensitive-content recovery
// path and admin tooling.
func (s *Store) Clear(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.histories[userID]; !ok {
		return
	}
	delete(s.histories, userID)
	s.persistLocked()
}

// Snapshot returns a deep copy of every user's history.
func (s *Store) Snapshot() map[string][]Turn {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string][]Turn, len(s.histories))
	for user, turns := range s.histories {
		cp := make([]Turn, len(turns))
		copy(cp, turns)
		out[user] = cp
	}
	return out
}

// persistLocked writes the map to disk. Caller holds s.mu. A write failure
// is non-fatal: it is logged and the in-memory state remains authoritative.
func (s *Store) persistLocked() {
	if s.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		logger.Warnf("chatctx: cannot create context directory: %v", err)
		return
	}
	data, err := json.MarshalIndent(s.histories, "", "  ")
	if err != nil {
		logger.Warnf("chatctx: cannot marshal context: %v", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0644); err != nil {
		logger.Warnf("chatctx: cannot persist context to %s: %v", s.path, err)
	}
}
