package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrManagerClosed is returned once the manager has been closed.
var ErrManagerClosed = errors.New("agent: manager closed")

// Manager maps session ids to their actors. Its lock covers only the map;
// session work always happens inside the actor.
type Manager struct {
	deps        Deps
	idleTimeout time.Duration
	logger      *zap.Logger

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool
}

// NewManager returns a manager. Actors without connections are stopped by
// Run after idleTimeout.
func NewManager(deps Deps, idleTimeout time.Duration) *Manager {
	deps = deps.withDefaults()
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Manager{
		deps:        deps,
		idleTimeout: idleTimeout,
		logger:      deps.Logger,
		actors:      make(map[string]*Actor),
	}
}

// Streams returns the shared stream table.
func (m *Manager) Streams() *StreamManager { return m.deps.Streams }

func (m *Manager) actor(id string) (*Actor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	if a, ok := m.actors[id]; ok {
		return a, nil
	}
	a := newActor(id, m.deps)
	m.actors[id] = a
	return a, nil
}

func (m *Manager) lookup(id string) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.actors[id]
}

// release stops a and removes it from the map if it is still registered.
func (m *Manager) release(id string, a *Actor) {
	m.mu.Lock()
	if m.actors[id] == a {
		delete(m.actors, id)
	}
	m.mu.Unlock()
	a.Stop()
}

// with runs fn against the session's actor, replacing an actor that stopped
// underneath the call.
func (m *Manager) with(id string, fn func(*Actor) error) error {
	for attempt := 0; attempt < 3; attempt++ {
		a, err := m.actor(id)
		if err != nil {
			return err
		}
		err = fn(a)
		switch {
		case errors.Is(err, ErrActorStopped):
			m.mu.Lock()
			if m.actors[id] == a {
				delete(m.actors, id)
			}
			m.mu.Unlock()
			continue
		case errors.Is(err, ErrSessionNotFound) && !a.loaded.Load() && a.Connections() == 0:
			m.release(id, a)
		}
		return err
	}
	return ErrActorStopped
}

func (m *Manager) state(id string, fn func(*Actor) (*SessionState, error)) (*SessionState, error) {
	var st *SessionState
	err := m.with(id, func(a *Actor) error {
		var err error
		st, err = fn(a)
		return err
	})
	return st, err
}

// Init creates or resumes a session, counting a new call.
func (m *Manager) Init(ctx context.Context, id string) (*SessionState, error) {
	return m.state(id, func(a *Actor) (*SessionState, error) { return a.Init(ctx) })
}

// Get returns the session state or ErrSessionNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*SessionState, error) {
	return m.state(id, func(a *Actor) (*SessionState, error) { return a.State(ctx) })
}

// Update applies a partial update.
func (m *Manager) Update(ctx context.Context, id string, p SessionPatch) (*SessionState, error) {
	return m.state(id, func(a *Actor) (*SessionState, error) { return a.Update(ctx, p) })
}

// AppendMessage adds a history entry.
func (m *Manager) AppendMessage(ctx context.Context, id, role, content string) (*SessionState, error) {
	return m.state(id, func(a *Actor) (*SessionState, error) { return a.AppendMessage(ctx, role, content) })
}

// UpdateLead merges lead details.
func (m *Manager) UpdateLead(ctx context.Context, id string, patch LeadInfo) (*SessionState, error) {
	return m.state(id, func(a *Actor) (*SessionState, error) { return a.UpdateLead(ctx, patch) })
}

// Reset clears the conversation.
func (m *Manager) Reset(ctx context.Context, id string) (*SessionState, error) {
	return m.state(id, func(a *Actor) (*SessionState, error) { return a.Reset(ctx) })
}

// End ends the session and stops its actor.
func (m *Manager) End(ctx context.Context, id string) (*SessionState, error) {
	st, err := m.state(id, func(a *Actor) (*SessionState, error) { return a.End(ctx) })
	if err != nil {
		return nil, err
	}
	if a := m.lookup(id); a != nil && a.Connections() == 0 {
		m.release(id, a)
	}
	return st, nil
}

// Interrupt stops the agent's current utterance.
func (m *Manager) Interrupt(ctx context.Context, id string) (bool, error) {
	a := m.lookup(id)
	if a == nil {
		return false, ErrSessionNotFound
	}
	return a.Interrupt(ctx)
}

// Attach connects c to the session, creating it when needed. The returned
// actor receives the connection's inbound audio.
func (m *Manager) Attach(ctx context.Context, id string, c Connection) (*Actor, error) {
	var out *Actor
	err := m.with(id, func(a *Actor) error {
		if err := a.Attach(ctx, c); err != nil {
			return err
		}
		out = a
		return nil
	})
	return out, err
}

// Detach removes a connection from the session.
func (m *Manager) Detach(ctx context.Context, id, connID string) error {
	a := m.lookup(id)
	if a == nil {
		return nil
	}
	err := a.Detach(ctx, connID)
	if errors.Is(err, ErrActorStopped) {
		return nil
	}
	return err
}

// Run stops idle actors until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := m.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	now := m.deps.Now()
	m.mu.Lock()
	var idle []*Actor
	for id, a := range m.actors {
		since := a.IdleSince()
		if a.Connections() == 0 && !since.IsZero() && now.Sub(since) >= m.idleTimeout {
			idle = append(idle, a)
			delete(m.actors, id)
		}
	}
	m.mu.Unlock()
	for _, a := range idle {
		m.logger.Info("stopping idle session", zap.String("session_id", a.ID()))
		a.Stop()
	}
}

// Close stops every actor.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	actors := m.actors
	m.actors = make(map[string]*Actor)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range actors {
		wg.Add(1)
		go func(a *Actor) {
			defer wg.Done()
			a.Stop()
		}(a)
	}
	wg.Wait()
}
