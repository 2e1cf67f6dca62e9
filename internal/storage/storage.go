// Package storage persists chat state as a single JSON snapshot: per-chat
// history windows, per-user dossiers, and scheduled reminders. Writes go
// through a temp file and rename so a crash never leaves a torn snapshot.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ddanshin/gopsich/internal/llm"
	. "github.com/ddanshin/gopsich/internal/logging"
)

// unanalyzedCap bounds the per-user buffer of messages awaiting profile
// analysis so a chatty user can't grow the snapshot without bound.
const unanalyzedCap = 50

// Reminder is a scheduled one-shot notification.
type Reminder struct {
	ID       string    `json:"id"`
	ChatID   int64     `json:"chatId"`
	UserID   int64     `json:"userId"`
	UserName string    `json:"userName"`
	At       time.Time `json:"at"`
	Text     string    `json:"text"`
}

// snapshot is the on-disk layout.
type snapshot struct {
	Histories  map[int64][]llm.ChatMessage `json:"histories"`
	Profiles   map[int64]*llm.UserProfile  `json:"profiles"`
	Unanalyzed map[int64][]string          `json:"unanalyzed"`
	Reminders  []Reminder                  `json:"reminders"`
}

// Store is a mutex-guarded in-memory state with JSON snapshot persistence.
type Store struct {
	mu   sync.Mutex
	path string
	data snapshot

	historyLimit int
}

// New loads the snapshot at path, or starts empty when the file does not
// exist yet. historyLimit caps the retained turns per chat.
func New(path string, historyLimit int) (*Store, error) {
	if historyLimit <= 0 {
		historyLimit = 30
	}
	s := &Store{
		path:         path,
		historyLimit: historyLimit,
		data: snapshot{
			Histories:  make(map[int64][]llm.ChatMessage),
			Profiles:   make(map[int64]*llm.UserProfile),
			Unanalyzed: make(map[int64][]string),
		},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			L_info("storage: starting with empty snapshot", "path", path)
			return s, nil
		}
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", path, err)
	}
	if s.data.Histories == nil {
		s.data.Histories = make(map[int64][]llm.ChatMessage)
	}
	if s.data.Profiles == nil {
		s.data.Profiles = make(map[int64]*llm.UserProfile)
	}
	if s.data.Unanalyzed == nil {
		s.data.Unanalyzed = make(map[int64][]string)
	}

	L_info("storage: snapshot loaded", "path", path,
		"chats", len(s.data.Histories), "profiles", len(s.data.Profiles),
		"reminders", len(s.data.Reminders))
	return s, nil
}

// saveLocked writes the snapshot atomically. Callers hold s.mu.
func (s *Store) saveLocked() {
	data, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		L_error("storage: failed to marshal snapshot", "error", err)
		return
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		L_error("storage: failed to create snapshot dir", "dir", dir, "error", err)
		return
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		L_error("storage: failed to write snapshot", "error", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		L_error("storage: failed to replace snapshot", "error", err)
	}
}

// Save forces a snapshot write. Used on shutdown.
func (s *Store) Save() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveLocked()
}

// AppendHistory records one turn for a chat, trimming to the history limit.
func (s *Store) AppendHistory(chatID int64, msg llm.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := append(s.data.Histories[chatID], msg)
	if len(h) > s.historyLimit {
		h = h[len(h)-s.historyLimit:]
	}
	s.data.Histories[chatID] = h
	s.saveLocked()
}

// History returns a copy of the retained turns for a chat.
func (s *Store) History(chatID int64) []llm.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.data.Histories[chatID]
	out := make([]llm.ChatMessage, len(h))
	copy(out, h)
	return out
}

// ClearHistory drops the retained turns for a chat.
func (s *Store) ClearHistory(chatID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data.Histories, chatID)
	s.saveLocked()
}

// Profile returns a copy of a user's dossier, nil when none exists.
func (s *Store) Profile(userID int64) *llm.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.data.Profiles[userID]
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// Profiles returns a copy of every dossier, keyed by user ID.
func (s *Store) Profiles() map[int64]*llm.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[int64]*llm.UserProfile, len(s.data.Profiles))
	for id, p := range s.data.Profiles {
		cp := *p
		out[id] = &cp
	}
	return out
}

// ApplyDelta merges a model-suggested dossier update. Empty fields keep
// the existing value; a zero relationship keeps the existing score.
func (s *Store) ApplyDelta(userID int64, delta llm.ProfileDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.data.Profiles[userID]
	if p == nil {
		p = &llm.UserProfile{Relationship: 50}
		s.data.Profiles[userID] = p
	}
	if delta.Facts != "" {
		p.Facts = delta.Facts
	}
	if delta.Relationship > 0 {
		p.Relationship = clampScore(delta.Relationship)
	}
	if delta.RealName != "" {
		p.RealName = delta.RealName
	}
	s.saveLocked()
}

func clampScore(n int) int {
	if n < 0 {
		return 0
	}
	if n > 100 {
		return 100
	}
	return n
}

// BufferForAnalysis queues a user's message for the next profile analysis
// and reports how many are waiting.
func (s *Store) BufferForAnalysis(userID int64, text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := append(s.data.Unanalyzed[userID], text)
	if len(buf) > unanalyzedCap {
		buf = buf[len(buf)-unanalyzedCap:]
	}
	s.data.Unanalyzed[userID] = buf
	return len(buf)
}

// DrainAnalysisBuffer returns and clears the queued messages for a user.
func (s *Store) DrainAnalysisBuffer(userID int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.data.Unanalyzed[userID]
	delete(s.data.Unanalyzed, userID)
	return buf
}

// DrainAllAnalysisBuffers returns and clears every user's queued messages.
// Used by the nightly analysis sweep.
func (s *Store) DrainAllAnalysisBuffers() map[int64][]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.data.Unanalyzed
	s.data.Unanalyzed = make(map[int64][]string)
	return out
}

// AddReminder schedules a reminder and returns its ID.
func (s *Store) AddReminder(chatID, userID int64, userName string, at time.Time, text string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := Reminder{
		ID:       uuid.NewString(),
		ChatID:   chatID,
		UserID:   userID,
		UserName: userName,
		At:       at,
		Text:     text,
	}
	s.data.Reminders = append(s.data.Reminders, r)
	s.saveLocked()

	L_info("storage: reminder scheduled", "id", r.ID, "at", at.Format(time.RFC3339))
	return r.ID
}

// PendingReminders returns reminders due at or before now, oldest first.
func (s *Store) PendingReminders(now time.Time) []Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []Reminder
	for _, r := range s.data.Reminders {
		if !r.At.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].At.Before(due[j].At) })
	return due
}

// RemoveReminders deletes the reminders with the given IDs.
func (s *Store) RemoveReminders(ids ...string) {
	if len(ids) == 0 {
		return
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.data.Reminders[:0]
	for _, r := range s.data.Reminders {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	s.data.Reminders = kept
	s.saveLocked()
}
