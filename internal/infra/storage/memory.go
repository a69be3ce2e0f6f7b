// Package storage holds the session state backends.
package storage

import (
	"context"
	"sync"

	"github.com/chadiek/voice-agent/internal/agent"
)

// Memory keeps sessions in process. State does not survive a restart.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*agent.SessionState
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*agent.SessionState)}
}

func (m *Memory) Load(_ context.Context, id string) (*agent.SessionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.sessions[id]
	if !ok {
		return nil, agent.ErrSessionNotFound
	}
	return st.Clone(), nil
}

func (m *Memory) Save(_ context.Context, st *agent.SessionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[st.ID] = st.Clone()
	return nil
}
