// Package conversation keeps the in-memory state of the current coding
// conversation: recent messages, applied edits, and how the project evolved.
package conversation

import (
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoActiveConversation is returned when updating without a conversation.
var ErrNoActiveConversation = errors.New("no active conversation to update")

// Retention limits applied by ClearOld.
const (
	keepMessages     = 5
	keepEdits        = 3
	keepMajorChanges = 2
)

// Message is one turn of the conversation.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Edit records an edit-mode apply.
type Edit struct {
	Files       []string `json:"files"`
	Instruction string   `json:"instruction,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// MajorChange records a notable step in the project's evolution.
type MajorChange struct {
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// ProjectEvolution tracks major changes over the conversation.
type ProjectEvolution struct {
	MajorChanges []MajorChange `json:"majorChanges"`
}

// Context is the mutable body of a conversation.
type Context struct {
	Messages         []Message        `json:"messages"`
	Edits            []Edit           `json:"edits"`
	CurrentTopic     string           `json:"currentTopic,omitempty"`
	ProjectEvolution ProjectEvolution `json:"projectEvolution"`
	UserPreferences  map[string]any   `json:"userPreferences"`
}

// State is a conversation snapshot. Timestamps are unix milliseconds.
type State struct {
	ConversationID string  `json:"conversationId"`
	StartedAt      int64   `json:"startedAt"`
	LastUpdated    int64   `json:"lastUpdated"`
	Context        Context `json:"context"`
}

// Update carries the fields an update action may change.
type Update struct {
	CurrentTopic    string         `json:"currentTopic,omitempty"`
	UserPreferences map[string]any `json:"userPreferences,omitempty"`
}

// Store holds at most one conversation.
type Store struct {
	mu    sync.Mutex
	state *State
	now   func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{now: time.Now}
}

// Get returns a copy of the current state, or nil.
func (s *Store) Get() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Reset starts a fresh conversation.
func (s *Store) Reset() *State {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = s.fresh()
	return s.state.clone()
}

// ClearOld trims history to the most recent entries. Without a
// conversation it starts one and reports created.
func (s *Store) ClearOld() (state *State, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		s.state = s.fresh()
		return s.state.clone(), true
	}

	c := &s.state.Context
	c.Messages = tail(c.Messages, keepMessages)
	c.Edits = tail(c.Edits, keepEdits)
	c.ProjectEvolution.MajorChanges = tail(c.ProjectEvolution.MajorChanges, keepMajorChanges)
	return s.state.clone(), false
}

// Update sets the topic and merges preferences.
func (s *Store) Update(u Update) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return nil, ErrNoActiveConversation
	}
	if u.CurrentTopic != "" {
		s.state.Context.CurrentTopic = u.CurrentTopic
	}
	maps.Copy(s.state.Context.UserPreferences, u.UserPreferences)
	s.state.LastUpdated = s.now().UnixMilli()
	return s.state.clone(), nil
}

// RecordEdit appends an edit. It is a no-op without a conversation.
func (s *Store) RecordEdit(files []string, instruction string) {
	if len(files) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return
	}
	now := s.now().UnixMilli()
	s.state.Context.Edits = append(s.state.Context.Edits, Edit{
		Files:       slices.Clone(files),
		Instruction: instruction,
		Timestamp:   now,
	})
	s.state.LastUpdated = now
}

// RecordMajorChange appends a project evolution step. It is a no-op
// without a conversation.
func (s *Store) RecordMajorChange(description string, files []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return
	}
	now := s.now().UnixMilli()
	s.state.Context.ProjectEvolution.MajorChanges = append(s.state.Context.ProjectEvolution.MajorChanges, MajorChange{
		Description: description,
		Files:       slices.Clone(files),
		Timestamp:   now,
	})
	s.state.LastUpdated = now
}

// AddMessage appends a conversation turn. It is a no-op without a
// conversation or with empty content.
func (s *Store) AddMessage(role, content string) {
	if content == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == nil {
		return
	}
	now := s.now().UnixMilli()
	s.state.Context.Messages = append(s.state.Context.Messages, Message{Role: role, Content: content, Timestamp: now})
	s.state.LastUpdated = now
}

// Clear drops the conversation.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = nil
}

func (s *Store) fresh() *State {
	now := s.now().UnixMilli()
	return &State{
		ConversationID: "conv-" + uuid.NewString(),
		StartedAt:      now,
		LastUpdated:    now,
		Context: Context{
			Messages:         []Message{},
			Edits:            []Edit{},
			ProjectEvolution: ProjectEvolution{MajorChanges: []MajorChange{}},
			UserPreferences:  map[string]any{},
		},
	}
}

func (st *State) clone() *State {
	if st == nil {
		return nil
	}
	cp := *st
	cp.Context.Messages = slices.Clone(st.Context.Messages)
	cp.Context.Edits = make([]Edit, len(st.Context.Edits))
	for i, e := range st.Context.Edits {
		e.Files = slices.Clone(e.Files)
		cp.Context.Edits[i] = e
	}
	cp.Context.ProjectEvolution.MajorChanges = make([]MajorChange, len(st.Context.ProjectEvolution.MajorChanges))
	for i, m := range st.Context.ProjectEvolution.MajorChanges {
		m.Files = slices.Clone(m.Files)
		cp.Context.ProjectEvolution.MajorChanges[i] = m
	}
	cp.Context.UserPreferences = maps.Clone(st.Context.UserPreferences)
	return &cp
}

// tail returns the last n items in a new slice.
func tail[T any](items []T, n int) []T {
	if len(items) > n {
		items = items[len(items)-n:]
	}
	return append(make([]T, 0, len(items)), items...)
}
