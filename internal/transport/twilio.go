package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/audio"
)

// TwilioRate is the sample rate of Twilio media streams (G.711 μ-law).
const TwilioRate = 8000

// twilioFrameBytes is 20ms of μ-law at 8kHz.
const twilioFrameBytes = 160

// SessionParam is the <Stream> custom parameter naming the session.
const SessionParam = "session_id"

type twilioMessage struct {
	Event     string       `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Start     *twilioStart `json:"start,omitempty"`
	Media     *twilioMedia `json:"media,omitempty"`
	Mark      *twilioMark  `json:"mark,omitempty"`
}

type twilioStart struct {
	StreamSID        string            `json:"streamSid"`
	CallSID          string            `json:"callSid"`
	CustomParameters map[string]string `json:"customParameters"`
}

type twilioMedia struct {
	Track   string `json:"track,omitempty"`
	Payload string `json:"payload"`
}

type twilioMark struct {
	Name string `json:"name"`
}

type TwilioOptions struct {
	RecognizerRate int
	// AuthToken verifies the stream token minted by the voice webhook.
	// Without it every stream is refused.
	AuthToken string
	Now       func() time.Time
}

// TwilioHandler serves Twilio <Connect><Stream> media websockets.
type TwilioHandler struct {
	sessions Sessions
	opts     TwilioOptions
	logger   *zap.Logger
}

func NewTwilioHandler(sessions Sessions, opts TwilioOptions, logger *zap.Logger) *TwilioHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RecognizerRate <= 0 {
		opts.RecognizerRate = 16000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &TwilioHandler{sessions: sessions, opts: opts, logger: logger}
}

// Serve runs one media stream. The session is attached on the "start"
// event, named by the session_id parameter or else the call SID, once its
// stream token checks out.
func (h *TwilioHandler) Serve(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("twilio media upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	conn := newTwilioConn(ws, h.logger)
	defer func() { _ = conn.Close() }()

	var (
		sessionID string
		sink      AudioSink
		logger    = h.logger
	)
	defer func() {
		if sink == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
		defer cancel()
		if err := h.sessions.Detach(ctx, sessionID, conn.ID()); err != nil {
			logger.Warn("detach failed", zap.Error(err))
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg twilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug("twilio: bad frame", zap.Error(err))
			continue
		}
		switch msg.Event {
		case "connected":
		case "start":
			if sink != nil || msg.Start == nil {
				continue
			}
			sessionID = msg.Start.CustomParameters[SessionParam]
			if sessionID == "" {
				sessionID = msg.Start.CallSID
			}
			if sessionID == "" {
				logger.Warn("twilio: start without call sid")
				return
			}
			logger = h.logger.With(zap.String("session_id", sessionID), zap.String("stream_sid", msg.Start.StreamSID))
			token := msg.Start.CustomParameters[TokenParam]
			if err := verifyStreamToken(h.opts.AuthToken, token, sessionID, msg.Start.CallSID, h.opts.Now()); err != nil {
				logger.Warn("twilio: stream refused", zap.Error(err))
				return
			}
			conn.setStream(msg.Start.StreamSID)
			ctx, cancel := context.WithTimeout(r.Context(), attachTimeout)
			s, err := h.sessions.Attach(ctx, sessionID, conn)
			cancel()
			if err != nil {
				logger.Warn("attach failed", zap.Error(err))
				return
			}
			sink = s
			logger.Info("twilio stream started")
		case "media":
			if sink == nil || msg.Media == nil {
				continue
			}
			if msg.Media.Track != "" && msg.Media.Track != "inbound" {
				continue
			}
			ulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				continue
			}
			pcm := audio.Resample(audio.MuLawDecode(ulaw), TwilioRate, h.opts.RecognizerRate)
			sink.HandleAudio(pcm)
		case "stop":
			logger.Info("twilio stream stopped")
			return
		}
	}
}

// TwilioConn sends agent audio to a Twilio media stream.
type TwilioConn struct {
	id     string
	out    *outbox
	logger *zap.Logger

	mu        sync.Mutex
	streamSID string
	pending   []byte
}

func newTwilioConn(ws *websocket.Conn, logger *zap.Logger) *TwilioConn {
	id := uuid.NewString()
	return &TwilioConn{id: id, out: newOutbox(ws, logger.With(zap.String("conn_id", id))), logger: logger}
}

func (c *TwilioConn) setStream(sid string) {
	c.mu.Lock()
	c.streamSID = sid
	c.mu.Unlock()
}

func (c *TwilioConn) ID() string { return c.id }

// SendAudio converts to 8kHz μ-law and sends whole 20ms frames; a partial
// frame waits for the next chunk.
func (c *TwilioConn) SendAudio(pcm []byte, format audio.Format) error {
	ulaw := audio.MuLawEncode(audio.Resample(pcm, format.SampleRate, TwilioRate))

	c.mu.Lock()
	sid := c.streamSID
	buf := append(c.pending, ulaw...)
	n := len(buf) - len(buf)%twilioFrameBytes
	c.pending = append([]byte(nil), buf[n:]...)
	c.mu.Unlock()

	for off := 0; off < n; off += twilioFrameBytes {
		data, err := json.Marshal(twilioMessage{
			Event:     "media",
			StreamSID: sid,
			Media:     &twilioMedia{Payload: base64.StdEncoding.EncodeToString(buf[off : off+twilioFrameBytes])},
		})
		if err != nil {
			return err
		}
		if err := c.out.sendAudio(websocket.TextMessage, data); err != nil {
			return err
		}
	}
	return nil
}

// SendControl has no Twilio equivalent; events are only logged.
func (c *TwilioConn) SendControl(ev agent.ControlEvent) error {
	c.logger.Debug("twilio: control event", zap.String("type", ev.Type))
	return nil
}

// Reset drops queued audio and tells Twilio to clear its playback buffer.
func (c *TwilioConn) Reset() {
	c.out.drainAudio()
	c.mu.Lock()
	c.pending = nil
	sid := c.streamSID
	c.mu.Unlock()
	if sid == "" {
		return
	}
	data, _ := json.Marshal(twilioMessage{Event: "clear", StreamSID: sid})
	_ = c.out.sendControl(websocket.TextMessage, data)
}

func (c *TwilioConn) Close() error {
	c.out.close()
	return nil
}
