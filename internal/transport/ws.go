package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/audio"
)

const (
	attachTimeout = 10 * time.Second
	maxFrameBytes = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSOptions configures the browser websocket transport.
type WSOptions struct {
	// InputRate is the sample rate of PCM16 the client sends. Default 16000.
	InputRate int
	// RecognizerRate is the rate the session expects. Default 16000.
	RecognizerRate int
	// OutputRate resamples agent audio before sending. Zero keeps the
	// synthesis rate.
	OutputRate int
}

func (o WSOptions) withDefaults() WSOptions {
	if o.InputRate <= 0 {
		o.InputRate = 16000
	}
	if o.RecognizerRate <= 0 {
		o.RecognizerRate = 16000
	}
	return o
}

// WSHandler serves browser clients: binary frames carry PCM16 mono audio in
// both directions, text frames carry JSON control messages.
type WSHandler struct {
	sessions Sessions
	opts     WSOptions
	logger   *zap.Logger
}

func NewWSHandler(sessions Sessions, opts WSOptions, logger *zap.Logger) *WSHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHandler{sessions: sessions, opts: opts.withDefaults(), logger: logger}
}

// Serve upgrades the request and runs the connection until either side
// closes it.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request, sessionID string) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)
	logger := h.logger.With(zap.String("session_id", sessionID))
	conn := newWSConn(ws, h.opts.OutputRate, logger)

	ctx, cancel := context.WithTimeout(r.Context(), attachTimeout)
	sink, err := h.sessions.Attach(ctx, sessionID, conn)
	cancel()
	if err != nil {
		logger.Warn("attach failed", zap.Error(err))
		conn.out.closeWith(websocket.CloseInternalServerErr, err.Error())
		return
	}
	defer func() {
		dctx, dcancel := context.WithTimeout(context.Background(), attachTimeout)
		defer dcancel()
		if err := h.sessions.Detach(dctx, sessionID, conn.ID()); err != nil {
			logger.Warn("detach failed", zap.Error(err))
		}
		_ = conn.Close()
	}()

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !conn.out.closed() {
				logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			if h.opts.InputRate != h.opts.RecognizerRate {
				data = audio.Resample(data, h.opts.InputRate, h.opts.RecognizerRate)
			}
			sink.HandleAudio(data)
		case websocket.TextMessage:
			switch ParseCommand(data) {
			case CommandBargeIn:
				if _, err := h.sessions.Interrupt(r.Context(), sessionID); err != nil && !errors.Is(err, agent.ErrSessionNotFound) {
					logger.Warn("interrupt failed", zap.Error(err))
				}
			case CommandBye:
				return
			}
		}
	}
}

// WSConn is one browser websocket attached to a session.
type WSConn struct {
	id         string
	out        *outbox
	outputRate int
}

func newWSConn(ws *websocket.Conn, outputRate int, logger *zap.Logger) *WSConn {
	id := uuid.NewString()
	return &WSConn{
		id:         id,
		out:        newOutbox(ws, logger.With(zap.String("conn_id", id))),
		outputRate: outputRate,
	}
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) SendAudio(pcm []byte, format audio.Format) error {
	if c.outputRate > 0 && c.outputRate != format.SampleRate {
		pcm = audio.Resample(pcm, format.SampleRate, c.outputRate)
	}
	return c.out.sendAudio(websocket.BinaryMessage, pcm)
}

func (c *WSConn) SendControl(ev agent.ControlEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return c.out.sendControl(websocket.TextMessage, data)
}

func (c *WSConn) Reset() { c.out.drainAudio() }

func (c *WSConn) Close() error {
	c.out.close()
	return nil
}
