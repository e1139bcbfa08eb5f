package session

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"agent-relay/internal/protocol"
)

// Store owns the process-wide map of session key → record and its
// persistence to a snapshot file. Transient state (process handles, buffers,
// bound channels) is never persisted and resets to empty on restore.
type Store struct {
	mu       sync.RWMutex
	path     string
	sessions map[string]*Session
}

// persistedSession is the non-transient subset written to the snapshot file.
type persistedSession struct {
	Key            string                  `json:"sessionKey"`
	Label          string                  `json:"label"`
	ConversationID string                  `json:"sessionId,omitempty"`
	History        []protocol.HistoryEntry `json:"history"`
	Effort         string                  `json:"effort,omitempty"`
	Model          string                  `json:"model,omitempty"`
	PlanMode       bool                    `json:"planMode"`
	AgentName      string                  `json:"agentName,omitempty"`
	CreatedAt      time.Time               `json:"createdAt"`
}

// NewStore creates a store that snapshots to the given file path.
func NewStore(path string) *Store {
	return &Store{
		path:     path,
		sessions: make(map[string]*Session),
	}
}

// Load restores sessions from the snapshot file. A missing file is not an
// error; the store simply starts empty.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read snapshot: %w", err)
	}

	var records []persistedSession
	if err := json.Unmarshal(data, &records); err != nil {
		return fmt.Errorf("parse snapshot %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.Key == "" {
			continue
		}
		sess := newSession(r.Key, r.Label)
		sess.ConversationID = r.ConversationID
		sess.History = r.History
		sess.Effort = r.Effort
		sess.Model = r.Model
		sess.PlanMode = r.PlanMode
		sess.AgentName = r.AgentName
		if !r.CreatedAt.IsZero() {
			sess.CreatedAt = r.CreatedAt
		}
		s.sessions[r.Key] = sess
	}
	return nil
}

// Get returns the session for a key, or nil when absent.
func (s *Store) Get(key string) *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[key]
}

// CreateIfAbsent returns the session for key, creating it when absent.
// Creating with an existing key is a lookup, never a duplicate; the second
// return value reports whether a new record was created.
func (s *Store) CreateIfAbsent(key, label string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return sess, false
	}
	sess := newSession(key, label)
	s.sessions[key] = sess
	return sess, true
}

// Delete removes a session from the store entirely.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// List returns all sessions ordered by creation time.
func (s *Store) List() []*Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		result = append(result, sess)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Save writes a full-replace snapshot of all non-transient session state.
// Write failures are logged, not retried; in-memory state stays authoritative.
func (s *Store) Save() {
	if err := s.save(); err != nil {
		log.Printf("store: snapshot write failed: %v", err)
	}
}

func (s *Store) save() error {
	records := make([]persistedSession, 0)
	for _, sess := range s.List() {
		sess.mu.Lock()
		history := make([]protocol.HistoryEntry, len(sess.History))
		copy(history, sess.History)
		records = append(records, persistedSession{
			Key:            sess.Key,
			Label:          sess.Label,
			ConversationID: sess.ConversationID,
			History:        history,
			Effort:         sess.Effort,
			Model:          sess.Model,
			PlanMode:       sess.PlanMode,
			AgentName:      sess.AgentName,
			CreatedAt:      sess.CreatedAt,
		})
		sess.mu.Unlock()
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	// Write-to-temp-then-rename so a crash mid-write cannot truncate the
	// last good snapshot.
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".sessions-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
