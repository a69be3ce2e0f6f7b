package agent

import (
	"errors"
	"strings"
	"time"

	"github.com/chadiek/voice-agent/internal/llm"
)

// ErrSessionNotFound is returned for operations on an unknown session id.
var ErrSessionNotFound = errors.New("agent: session not found")

// MaxHistory bounds the non-system entries kept in a session's history.
const MaxHistory = 40

// Stage is the conversation stage.
type Stage string

const (
	StageGreeting   Stage = "greeting"
	StageDiscovery  Stage = "discovery"
	StageQualifying Stage = "qualifying"
	StageClosing    Stage = "closing"
	StageEnded      Stage = "ended"
)

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	switch s {
	case StageGreeting, StageDiscovery, StageQualifying, StageClosing, StageEnded:
		return true
	}
	return false
}

// LeadInfo is what the agent has learned about the caller.
type LeadInfo struct {
	Name         string    `json:"name,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Email        string    `json:"email,omitempty"`
	PropertyType string    `json:"property_type,omitempty"`
	Location     string    `json:"location,omitempty"`
	Bedrooms     int       `json:"bedrooms,omitempty"`
	BudgetMin    float64   `json:"budget_min,omitempty"`
	BudgetMax    float64   `json:"budget_max,omitempty"`
	Timeline     string    `json:"timeline,omitempty"`
	CallbackAt   string    `json:"callback_at,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	Score        int       `json:"score,omitempty"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Merge copies the non-zero fields of patch onto l. Notes are appended.
func (l *LeadInfo) Merge(patch LeadInfo, now time.Time) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&l.Name, patch.Name)
	set(&l.Phone, patch.Phone)
	set(&l.Email, patch.Email)
	set(&l.PropertyType, patch.PropertyType)
	set(&l.Location, patch.Location)
	set(&l.Timeline, patch.Timeline)
	set(&l.CallbackAt, patch.CallbackAt)
	if patch.Bedrooms > 0 {
		l.Bedrooms = patch.Bedrooms
	}
	if patch.BudgetMin > 0 {
		l.BudgetMin = patch.BudgetMin
	}
	if patch.BudgetMax > 0 {
		l.BudgetMax = patch.BudgetMax
	}
	if patch.Score > 0 {
		l.Score = patch.Score
	}
	if n := strings.TrimSpace(patch.Notes); n != "" {
		if l.Notes == "" {
			l.Notes = n
		} else {
			l.Notes += "; " + n
		}
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now
}

// Message is one history entry.
type Message struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	At         time.Time      `json:"at"`
}

// SessionState is the persisted state of one conversation.
type SessionState struct {
	ID         string    `json:"id"`
	Lead       LeadInfo  `json:"lead"`
	History    []Message `json:"history"`
	Stage      Stage     `json:"stage"`
	CallCount  int       `json:"call_count"`
	LastCallAt time.Time `json:"last_call_at"`
	Active     bool      `json:"active"`
	Archived   bool      `json:"archived"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewSessionState returns a fresh state in the greeting stage.
func NewSessionState(id string, now time.Time) *SessionState {
	return &SessionState{
		ID:        id,
		Stage:     StageGreeting,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.History = make([]Message, len(s.History))
	for i, m := range s.History {
		if m.ToolCalls != nil {
			m.ToolCalls = append([]llm.ToolCall(nil), m.ToolCalls...)
		}
		c.History[i] = m
	}
	return &c
}

// Append adds m to the history and trims it to all system entries plus the
// newest MaxHistory others.
func (s *SessionState) Append(m Message) {
	s.History = append(s.History, m)
	s.trim()
}

func (s *SessionState) trim() {
	others := 0
	for _, m := range s.History {
		if m.Role != llm.RoleSystem {
			others++
		}
	}
	drop := others - MaxHistory
	if drop <= 0 {
		return
	}
	kept := s.History[:0]
	for _, m := range s.History {
		if m.Role != llm.RoleSystem && drop > 0 {
			drop--
			continue
		}
		kept = append(kept, m)
	}
	// A leading tool reply has lost its call.
	for len(kept) > 0 && kept[0].Role == llm.RoleTool {
		kept = kept[1:]
	}
	s.History = kept
}

// ReplaceLastUser rewrites the newest user message, or appends one when
// there is none.
func (s *SessionState) ReplaceLastUser(text string, at time.Time) {
	for i := len(s.History) - 1; i >= 0; i-- {
		if s.History[i].Role == llm.RoleUser {
			s.History[i].Content = text
			s.History[i].At = at
			return
		}
	}
	s.Append(Message{Role: llm.RoleUser, Content: text, At: at})
}

// UserTurns counts user messages in the history.
func (s *SessionState) UserTurns() int {
	n := 0
	for _, m := range s.History {
		if m.Role == llm.RoleUser {
			n++
		}
	}
	return n
}

// Reset clears history, lead and stage. Identity and call count stay.
func (s *SessionState) Reset(now time.Time) {
	s.History = nil
	s.Lead = LeadInfo{}
	s.Stage = StageGreeting
	s.Active = true
	s.UpdatedAt = now
}

// advanceByTurns moves the early stages forward as user turns accumulate.
func (s *SessionState) advanceByTurns() {
	turns := s.UserTurns()
	switch {
	case s.Stage == StageGreeting && turns >= 1:
		s.Stage = StageDiscovery
		if turns >= 4 {
			s.Stage = StageQualifying
		}
	case s.Stage == StageDiscovery && turns >= 4:
		s.Stage = StageQualifying
	}
}

// LLMMessages converts the history to generation messages.
func (s *SessionState) LLMMessages() []llm.Message {
	out := make([]llm.Message, 0, len(s.History))
	for _, m := range s.History {
		out = append(out, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
			ToolCalls:  m.ToolCalls,
		})
	}
	return out
}
