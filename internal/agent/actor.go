package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/barge"
	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/registry"
	"github.com/chadiek/voice-agent/internal/transcript"
)

var (
	// ErrActorStopped is returned by operations on a stopped actor.
	ErrActorStopped = errors.New("agent: session actor stopped")
	// ErrInvalidInput marks a rejected request payload.
	ErrInvalidInput = errors.New("agent: invalid input")
)

const (
	storeTimeout   = 5 * time.Second
	connectTimeout = 15 * time.Second
	mailboxSize    = 256
)

// Deps are the collaborators shared by every session actor.
type Deps struct {
	Store         Store
	Notifier      Notifier
	Generator     Generator
	Speaker       Speaker
	Streams       *StreamManager
	NewRecognizer RecognizerFactory
	Barge         barge.Config
	Orchestrator  OrchestratorConfig
	// Greeter returns the opening line of a call; an empty line skips the greeting.
	Greeter func(*SessionState) string
	// ArchiveAfter flags sessions whose last call is older than this.
	ArchiveAfter time.Duration
	// ResumeWindow is how long after the last call a new connection still
	// counts as the same call.
	ResumeWindow time.Duration
	Now          func() time.Time
	Logger       *zap.Logger
}

func (d Deps) withDefaults() Deps {
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	if d.Streams == nil {
		d.Streams = NewStreamManager()
	}
	if d.Greeter == nil {
		d.Greeter = DefaultGreeting
	}
	if d.ResumeWindow <= 0 {
		d.ResumeWindow = 30 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return d
}

// SessionPatch is a partial update of session fields.
type SessionPatch struct {
	Stage  *Stage `json:"stage,omitempty"`
	Active *bool  `json:"active,omitempty"`
}

// Actor owns one session. State mutations run one at a time on its
// goroutine; audio goes straight to the recognizer and the barge detector.
type Actor struct {
	id     string
	deps   Deps
	logger *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	mailbox chan func()
	done    chan struct{}

	out       *hub
	detector  *barge.Detector
	orch      *Orchestrator
	loaded    atomic.Bool
	idleSince atomic.Int64

	recMu  sync.RWMutex
	rec    Recognizer
	recGen uint64

	// actor goroutine only
	st          *SessionState
	greetedCall int
}

func newActor(id string, deps Deps) *Actor {
	ctx, cancel := context.WithCancel(context.Background())
	logger := deps.Logger.With(zap.String("session_id", id))
	a := &Actor{
		id:      id,
		deps:    deps,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		mailbox: make(chan func(), mailboxSize),
		done:    make(chan struct{}),
		out:     newHub(id, logger),
	}
	a.detector = barge.NewDetector(deps.Barge, a.onEnergyBargeIn)
	a.orch = newOrchestrator(ctx, id, deps.Orchestrator, deps.Generator, deps.Speaker,
		deps.Streams, a.detector, a.out, a, deps.Now, logger)
	a.idleSince.Store(deps.Now().UnixNano())
	go a.run()
	return a
}

// ID returns the session id.
func (a *Actor) ID() string { return a.id }

func (a *Actor) run() {
	defer close(a.done)
	for {
		select {
		case fn := <-a.mailbox:
			fn()
		case <-a.ctx.Done():
			a.shutdown()
			return
		}
	}
}

func (a *Actor) shutdown() {
	a.orch.settle()
	a.stopPipeline()
	a.out.closeAll()
	a.deps.Streams.Forget(a.id)
	a.logger.Debug("session actor stopped")
}

// Stop ends the actor goroutine after applying any in-flight turn.
func (a *Actor) Stop() {
	a.cancel()
	<-a.done
}

func (a *Actor) post(fn func()) bool {
	select {
	case a.mailbox <- fn:
		return true
	case <-a.ctx.Done():
		return false
	}
}

// call runs fn on the actor goroutine and waits for its result.
func (a *Actor) call(ctx context.Context, fn func() error) error {
	errc := make(chan error, 1)
	select {
	case a.mailbox <- func() { errc <- fn() }:
	case <-a.ctx.Done():
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-errc:
		return err
	case <-a.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) state() *SessionState { return a.st }

// load reads the session from the store on first use. With create set an
// unknown id starts a fresh session.
func (a *Actor) load(create bool) error {
	if a.st != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(a.ctx, storeTimeout)
	defer cancel()
	now := a.deps.Now()
	st, err := a.deps.Store.Load(ctx, a.id)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		if !create {
			return err
		}
		st = NewSessionState(a.id, now)
	case err != nil:
		return fmt.Errorf("agent: load session %s: %w", a.id, err)
	}
	if a.deps.ArchiveAfter > 0 && !st.LastCallAt.IsZero() && now.Sub(st.LastCallAt) > a.deps.ArchiveAfter {
		st.Archived = true
	}
	a.st = st
	a.loaded.Store(true)
	return nil
}

// commit persists the state, notifies the registry and pushes a
// state_update to every connection. Store failures are logged only.
func (a *Actor) commit() {
	st := a.st
	if st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	if err := a.deps.Store.Save(ctx, st); err != nil {
		a.logger.Warn("persist session failed", zap.Error(err))
	}
	cancel()

	calls, conns := st.CallCount, a.out.count()
	status := registry.StatusIdle
	if conns > 0 {
		status = registry.StatusActive
	}
	a.deps.Notifier.Notify(registry.Update{
		SessionID:   a.id,
		Status:      status,
		CallCount:   &calls,
		Connections: &conns,
		Stage:       string(st.Stage),
		At:          a.deps.Now(),
	})
	a.out.broadcastControl(ControlEvent{Type: EventStateUpdate, State: st.Clone()})
}

// beginCall opens a new call on the session.
func (a *Actor) beginCall(now time.Time) {
	st := a.st
	st.CallCount++
	st.LastCallAt = now
	st.Active = true
	st.Archived = false
	if st.Stage == StageEnded {
		st.Stage = StageGreeting
	}
	st.UpdatedAt = now
}

// Init creates the session or resumes it as a new call.
func (a *Actor) Init(ctx context.Context) (*SessionState, error) {
	var out *SessionState
	err := a.call(ctx, func() error {
		if err := a.load(true); err != nil {
			return err
		}
		a.beginCall(a.deps.Now())
		a.commit()
		out = a.st.Clone()
		return nil
	})
	return out, err
}

// State returns a copy of the session state.
func (a *Actor) State(ctx context.Context) (*SessionState, error) {
	var out *SessionState
	err := a.call(ctx, func() error {
		if err := a.load(false); err != nil {
			return err
		}
		out = a.st.Clone()
		return nil
	})
	return out, err
}

// mutate loads the session, applies fn and commits.
func (a *Actor) mutate(ctx context.Context, fn func(st *SessionState, now time.Time) error) (*SessionState, error) {
	var out *SessionState
	err := a.call(ctx, func() error {
		if err := a.load(false); err != nil {
			return err
		}
		now := a.deps.Now()
		if err := fn(a.st, now); err != nil {
			return err
		}
		a.st.UpdatedAt = now
		a.commit()
		out = a.st.Clone()
		return nil
	})
	return out, err
}

// Update applies p.
func (a *Actor) Update(ctx context.Context, p SessionPatch) (*SessionState, error) {
	if p.Stage != nil && !p.Stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidInput, *p.Stage)
	}
	return a.mutate(ctx, func(st *SessionState, _ time.Time) error {
		if p.Stage != nil {
			st.Stage = *p.Stage
		}
		if p.Active != nil {
			st.Active = *p.Active
		}
		return nil
	})
}

// AppendMessage adds a history entry.
func (a *Actor) AppendMessage(ctx context.Context, role, content string) (*SessionState, error) {
	switch role {
	case llm.RoleUser, llm.RoleAssistant, llm.RoleSystem:
	default:
		return nil, fmt.Errorf("%w: unsupported role %q", ErrInvalidInput, role)
	}
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	return a.mutate(ctx, func(st *SessionState, now time.Time) error {
		st.Append(Message{Role: role, Content: content, At: now})
		if role == llm.RoleUser {
			st.advanceByTurns()
		}
		return nil
	})
}

// UpdateLead merges patch into the lead info.
func (a *Actor) UpdateLead(ctx context.Context, patch LeadInfo) (*SessionState, error) {
	return a.mutate(ctx, func(st *SessionState, now time.Time) error {
		st.Lead.Merge(patch, now)
		return nil
	})
}

// Reset clears the conversation, keeping identity and call count.
func (a *Actor) Reset(ctx context.Context) (*SessionState, error) {
	return a.mutate(ctx, func(st *SessionState, now time.Time) error {
		a.orch.abandon("reset")
		st.Reset(now)
		return nil
	})
}

// End finishes the conversation and drops every connection.
func (a *Actor) End(ctx context.Context) (*SessionState, error) {
	st, err := a.mutate(ctx, func(st *SessionState, _ time.Time) error {
		a.orch.interrupt("ended")
		st.Stage = StageEnded
		st.Active = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = a.call(ctx, func() error {
		a.stopPipeline()
		a.out.closeAll()
		a.deps.Notifier.Notify(registry.Update{SessionID: a.id, Status: registry.StatusEnded, Connections: new(int), At: a.deps.Now()})
		return nil
	})
	return st, nil
}

// Interrupt stops the agent mid-utterance on a client request.
func (a *Actor) Interrupt(ctx context.Context) (bool, error) {
	var stopped bool
	err := a.call(ctx, func() error {
		stopped = a.orch.interrupt("client")
		return nil
	})
	return stopped, err
}

// Attach adds a transport connection. The first connection of a call
// starts recognition and the greeting.
func (a *Actor) Attach(ctx context.Context, c Connection) error {
	return a.call(ctx, func() error {
		if err := a.load(true); err != nil {
			return err
		}
		n := a.out.add(c)
		a.logger.Info("connection attached", zap.String("conn_id", c.ID()), zap.Int("connections", n))
		if n == 1 {
			a.idleSince.Store(0)
			now := a.deps.Now()
			if a.st.CallCount == 0 || now.Sub(a.st.LastCallAt) > a.deps.ResumeWindow {
				a.beginCall(now)
			}
			a.startPipeline()
		}
		a.commit()
		if a.greetedCall != a.st.CallCount {
			a.greetedCall = a.st.CallCount
			a.orch.Greet(a.deps.Greeter(a.st))
		}
		return nil
	})
}

// Detach removes a connection. The last one to leave stops recognition.
func (a *Actor) Detach(ctx context.Context, connID string) error {
	return a.call(ctx, func() error {
		n, ok := a.out.remove(connID)
		if !ok {
			return nil
		}
		a.logger.Info("connection detached", zap.String("conn_id", connID), zap.Int("connections", n))
		if n > 0 {
			return nil
		}
		a.orch.interrupt("disconnected")
		a.stopPipeline()
		now := a.deps.Now()
		a.idleSince.Store(now.UnixNano())
		if a.st != nil {
			a.st.LastCallAt = now
			a.commit()
		}
		return nil
	})
}

// Connections returns how many transports are attached.
func (a *Actor) Connections() int { return a.out.count() }

// IdleSince returns when the last connection left, or the zero time while
// connections are attached.
func (a *Actor) IdleSince() time.Time {
	ns := a.idleSince.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// HandleAudio feeds inbound PCM16 audio to recognition and barge detection.
func (a *Actor) HandleAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	a.recMu.RLock()
	rec := a.rec
	a.recMu.RUnlock()
	if rec != nil {
		rec.SendAudio(pcm)
	}
	a.detector.ProcessAudioFrame(pcm)
}

// onEnergyBargeIn acts on the energy detector only when the recognizer has
// no turn detection of its own.
func (a *Actor) onEnergyBargeIn() {
	a.post(func() {
		if a.fluxActive() {
			return
		}
		a.orch.interrupt("energy")
	})
}

func (a *Actor) fluxActive() bool {
	a.recMu.RLock()
	defer a.recMu.RUnlock()
	return a.rec != nil && a.rec.IsUsingFluxTurnDetection()
}

func (a *Actor) currentRecognizer(gen uint64) Recognizer {
	a.recMu.RLock()
	defer a.recMu.RUnlock()
	if a.recGen != gen {
		return nil
	}
	return a.rec
}

func (a *Actor) startPipeline() {
	if a.deps.NewRecognizer == nil {
		return
	}
	a.recMu.Lock()
	if a.rec != nil {
		a.recMu.Unlock()
		return
	}
	a.recGen++
	gen := a.recGen
	a.rec = a.deps.NewRecognizer(transcript.Handlers{
		OnEvent: func(ev transcript.Event) {
			a.post(func() {
				if a.currentRecognizer(gen) != nil {
					a.orch.HandleEvent(ev)
				}
			})
		},
		OnError: func(err error) {
			a.post(func() { a.onRecognizerError(gen, err) })
		},
	})
	a.recMu.Unlock()
	go a.connectLoop(gen)
}

func (a *Actor) stopPipeline() {
	a.recMu.Lock()
	rec := a.rec
	a.rec = nil
	a.recGen++
	a.recMu.Unlock()
	if rec != nil {
		if err := rec.Close(); err != nil {
			a.logger.Debug("close recognizer", zap.Error(err))
		}
	}
}

func (a *Actor) onRecognizerError(gen uint64, err error) {
	if a.currentRecognizer(gen) == nil {
		return
	}
	a.logger.Warn("recognizer failed, reconnecting", zap.Error(err))
	a.out.broadcastControl(ControlEvent{Type: EventError, Error: err.Error()})
	go a.connectLoop(gen)
}

// connectLoop connects the recognizer with bounded exponential backoff.
// Audio keeps buffering inside the recognizer meanwhile.
func (a *Actor) connectLoop(gen uint64) {
	backoff := 250 * time.Millisecond
	for {
		rec := a.currentRecognizer(gen)
		if rec == nil {
			return
		}
		ctx, cancel := context.WithTimeout(a.ctx, connectTimeout)
		err := rec.Connect(ctx)
		cancel()
		switch {
		case err == nil:
			return
		case errors.Is(err, transcript.ErrClosed) || a.ctx.Err() != nil:
			return
		case errors.Is(err, transcript.ErrMissingKey):
			a.logger.Error("recognizer not configured", zap.Error(err))
			a.post(func() { a.out.broadcastControl(ControlEvent{Type: EventError, Error: err.Error()}) })
			return
		}
		a.logger.Warn("recognizer connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-time.After(backoff):
		case <-a.ctx.Done():
			return
		}
		if backoff *= 2; backoff > 5*time.Second {
			backoff = 5 * time.Second
		}
	}
}
