package agent

import (
	"context"

	"github.com/chadiek/voice-agent/internal/audio"
	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/registry"
	"github.com/chadiek/voice-agent/internal/transcript"
	"github.com/chadiek/voice-agent/internal/tts"
)

// Recognizer is the per-session speech-to-text connection. SendAudio must
// never block on the network.
type Recognizer interface {
	Connect(ctx context.Context) error
	SendAudio(pcm []byte)
	IsUsingFluxTurnDetection() bool
	Close() error
}

// RecognizerFactory builds a recognizer delivering to h.
type RecognizerFactory func(h transcript.Handlers) Recognizer

// Generator streams a model response.
type Generator interface {
	Stream(ctx context.Context, req llm.Request, cb llm.Callbacks) (llm.Result, error)
}

// Speaker turns text into paced PCM chunks.
type Speaker interface {
	StreamSpeech(ctx context.Context, text string, onChunk func([]byte), opts tts.StreamOptions) (tts.SpeechResult, error)
	NewPacer() *tts.Pacer
	Format() audio.Format
}

// Store persists session state. Load returns ErrSessionNotFound for
// unknown ids.
type Store interface {
	Load(ctx context.Context, id string) (*SessionState, error)
	Save(ctx context.Context, st *SessionState) error
}

// Notifier receives best-effort session metadata. Notify must not block.
type Notifier interface {
	Notify(u registry.Update)
}

// Connection is one attached transport. Audio is PCM16 mono in format;
// the connection converts to its own wire format.
type Connection interface {
	ID() string
	SendAudio(pcm []byte, format audio.Format) error
	SendControl(ev ControlEvent) error
	// Reset drops any queued outbound audio (barge-in).
	Reset()
	Close() error
}

// Control event types sent to connections.
const (
	EventTranscript     = "transcript"
	EventAgentText      = "agent_text"
	EventStateUpdate    = "state_update"
	EventError          = "error"
	EventGreeting       = "greeting"
	EventStartOfTurn    = "start_of_turn"
	EventEagerEndOfTurn = "eager_end_of_turn"
	EventTurnResumed    = "turn_resumed"
	EventEndOfTurn      = "end_of_turn"
	EventBargeIn        = "barge_in"
)

// ControlEvent is a JSON control message for connections.
type ControlEvent struct {
	Type       string        `json:"type"`
	SessionID  string        `json:"session_id,omitempty"`
	Text       string        `json:"text,omitempty"`
	Final      bool          `json:"final,omitempty"`
	TurnIndex  *int          `json:"turn_index,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	State      *SessionState `json:"state,omitempty"`
}

type nopNotifier struct{}

func (nopNotifier) Notify(registry.Update) {}
