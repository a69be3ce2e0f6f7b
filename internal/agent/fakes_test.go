package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-agent/internal/audio"
	"github.com/chadiek/voice-agent/internal/barge"
	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/registry"
	"github.com/chadiek/voice-agent/internal/transcript"
	"github.com/chadiek/voice-agent/internal/tts"
)

const waitFor = 2 * time.Second

type memStore struct {
	mu sync.Mutex
	m  map[string]*SessionState
}

func newMemStore() *memStore { return &memStore{m: make(map[string]*SessionState)} }

func (s *memStore) Load(_ context.Context, id string) (*SessionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.m[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return st.Clone(), nil
}

func (s *memStore) Save(_ context.Context, st *SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[st.ID] = st.Clone()
	return nil
}

type fakeNotifier struct {
	mu      sync.Mutex
	updates []registry.Update
}

func (n *fakeNotifier) Notify(u registry.Update) {
	n.mu.Lock()
	n.updates = append(n.updates, u)
	n.mu.Unlock()
}

type generateFunc func(ctx context.Context, req llm.Request, cb llm.Callbacks) (llm.Result, error)

type fakeGenerator struct {
	script generateFunc

	mu   sync.Mutex
	reqs []llm.Request
}

func (g *fakeGenerator) Stream(ctx context.Context, req llm.Request, cb llm.Callbacks) (llm.Result, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, req)
	g.mu.Unlock()
	return g.script(ctx, req, cb)
}

func (g *fakeGenerator) requests() []llm.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]llm.Request(nil), g.reqs...)
}

// say replies with fixed sentences.
func say(sentences ...string) generateFunc {
	return func(ctx context.Context, _ llm.Request, cb llm.Callbacks) (llm.Result, error) {
		text := ""
		for _, s := range sentences {
			if cb.OnSentence != nil {
				cb.OnSentence(s)
			}
			if text != "" {
				text += " "
			}
			text += s
		}
		return llm.Result{Text: text, FinishReason: llm.FinishStop}, ctx.Err()
	}
}

func lastUser(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

type fakeSpeaker struct {
	chunks int
	delay  time.Duration
	failOn string

	mu    sync.Mutex
	texts []string
}

func (s *fakeSpeaker) StreamSpeech(ctx context.Context, text string, onChunk func([]byte), opts tts.StreamOptions) (tts.SpeechResult, error) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
	if text == s.failOn {
		return tts.SpeechResult{}, errors.New("synthesis unavailable")
	}
	stop := func() bool { return opts.ShouldStop != nil && opts.ShouldStop() }
	for i := 0; i < s.chunks; i++ {
		if stop() {
			return tts.SpeechResult{Interrupted: true, Chunks: i}, nil
		}
		select {
		case <-ctx.Done():
			return tts.SpeechResult{Interrupted: true, Chunks: i}, nil
		case <-time.After(s.delay):
		}
		if stop() {
			return tts.SpeechResult{Interrupted: true, Chunks: i}, nil
		}
		onChunk([]byte{byte(i), 0})
	}
	return tts.SpeechResult{Chunks: s.chunks}, nil
}

func (s *fakeSpeaker) NewPacer() *tts.Pacer { return tts.NewPacer(s.Format(), 0) }

func (s *fakeSpeaker) Format() audio.Format { return audio.PCM16Mono(16000) }

func (s *fakeSpeaker) spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

type fakeConn struct {
	id string

	mu     sync.Mutex
	audio  int
	events []ControlEvent
	resets int
	closed bool
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) SendAudio(pcm []byte, _ audio.Format) error {
	c.mu.Lock()
	c.audio++
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SendControl(ev ControlEvent) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Reset() {
	c.mu.Lock()
	c.resets++
	c.mu.Unlock()
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) audioChunks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio
}

func (c *fakeConn) ofType(typ string) []ControlEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ControlEvent
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeRecognizer struct {
	h      transcript.Handlers
	flux   atomic.Bool
	frames atomic.Int32
	closed atomic.Bool
}

func (r *fakeRecognizer) Connect(context.Context) error  { return nil }
func (r *fakeRecognizer) SendAudio([]byte)               { r.frames.Add(1) }
func (r *fakeRecognizer) IsUsingFluxTurnDetection() bool { return r.flux.Load() }
func (r *fakeRecognizer) Close() error                   { r.closed.Store(true); return nil }
func (r *fakeRecognizer) emit(ev transcript.Event)       { r.h.OnEvent(ev) }
func (r *fakeRecognizer) fail(err error)                 { r.h.OnError(err) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	m       *Manager
	store   *memStore
	gen     *fakeGenerator
	speaker *fakeSpeaker
	notes   *fakeNotifier
	recs    chan *fakeRecognizer
}

func newHarness(t *testing.T, script generateFunc, tweak ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store:   newMemStore(),
		gen:     &fakeGenerator{script: script},
		speaker: &fakeSpeaker{chunks: 2, delay: 5 * time.Millisecond},
		notes:   &fakeNotifier{},
		recs:    make(chan *fakeRecognizer, 8),
	}
	deps := Deps{
		Store:     h.store,
		Notifier:  h.notes,
		Generator: h.gen,
		Speaker:   h.speaker,
		NewRecognizer: func(hd transcript.Handlers) Recognizer {
			r := &fakeRecognizer{h: hd}
			r.flux.Store(true)
			h.recs <- r
			return r
		},
		Barge: barge.Config{
			SampleRate:           16000,
			FrameMs:              20,
			EnergyThreshold:      500,
			MinConsecutiveFrames: 3,
			Cooldown:             800 * time.Millisecond,
		},
		Greeter: func(*SessionState) string { return "" },
	}
	for _, fn := range tweak {
		fn(&deps)
	}
	h.m = NewManager(deps, time.Minute)
	t.Cleanup(h.m.Close)
	return h
}

// attach connects a fake connection to id and returns its recognizer.
func (h *harness) attach(t *testing.T, id string, c *fakeConn) (*Actor, *fakeRecognizer) {
	t.Helper()
	a, err := h.m.Attach(context.Background(), id, c)
	require.NoError(t, err)
	select {
	case r := <-h.recs:
		return a, r
	case <-time.After(waitFor):
		t.Fatal("recognizer was not started")
		return nil, nil
	}
}

func (h *harness) history(t *testing.T, id string) []Message {
	t.Helper()
	st, err := h.m.Get(context.Background(), id)
	require.NoError(t, err)
	return st.History
}

// waitHistory waits until the session history has n entries.
func (h *harness) waitHistory(t *testing.T, id string, n int) []Message {
	t.Helper()
	var hist []Message
	require.Eventually(t, func() bool {
		st, err := h.m.Get(context.Background(), id)
		if err != nil {
			return false
		}
		hist = st.History
		return len(hist) == n
	}, waitFor, 10*time.Millisecond)
	return hist
}

func loudFrames(n int) []byte {
	samples := make([]int16, 320*n)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 6000
		} else {
			samples[i] = -6000
		}
	}
	return audio.Bytes16(samples)
}
