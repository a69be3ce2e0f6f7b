package rtc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// signalMessage is the websocket signaling format.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "bye", "error".
type signalMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP string `json:"sdp,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}

const signalingReadWait = 30 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// signalConn serialises writes from the ICE callback and the handler.
type signalConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *signalConn) write(m signalMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(signalingReadWait))
	return c.ws.WriteJSON(m)
}

func (c *signalConn) fail(err error) {
	_ = c.write(signalMessage{Type: "error", Error: err.Error()})
}

// ServeWebSocket performs offer/answer with trickle ICE over a websocket:
// optional auth, then offer, then candidates both ways. "bye" ends the call;
// losing the socket alone does not.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, sessionID, authPassword string) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("signaling upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = ws.Close() }()
	conn := &signalConn{ws: ws}
	logger := h.logger.With(zap.String("session_id", sessionID))

	// Header or query auth, or else an auth message as the first frame.
	if authPassword != "" && !Authorized(r, authPassword) {
		var m signalMessage
		if !readSignal(ws, &m) || strings.ToLower(m.Type) != "auth" || m.Password != authPassword {
			conn.fail(errors.New("unauthorized"))
			return
		}
	}

	var offerSDP string
	for offerSDP == "" {
		var m signalMessage
		if !readSignal(ws, &m) {
			return
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			offerSDP = m.SDP
		case "bye":
			return
		}
	}

	p, err := h.newPeer(sessionID)
	if err != nil {
		conn.fail(err)
		return
	}
	defer func() {
		p.detach()
		p.teardown()
	}()

	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			_ = conn.write(signalMessage{Type: "ice-complete"})
			return
		}
		init := c.ToJSON()
		_ = conn.write(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		conn.fail(err)
		return
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		conn.fail(err)
		return
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		conn.fail(err)
		return
	}
	if err := conn.write(signalMessage{Type: "answer", SDP: answer.SDP}); err != nil {
		logger.Warn("write answer failed", zap.Error(err))
		return
	}

	_ = ws.SetReadDeadline(time.Time{})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			<-p.done
			return
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		switch strings.ToLower(m.Type) {
		case "candidate":
			if m.Candidate == "" {
				continue
			}
			if err := p.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
				logger.Debug("add candidate failed", zap.Error(err))
			}
		case "bye":
			return
		}
	}
}

// readSignal reads the next text frame as a signalMessage, skipping frames
// that are not JSON.
func readSignal(ws *websocket.Conn, m *signalMessage) bool {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(signalingReadWait))
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return false
		}
		if mt != websocket.TextMessage {
			continue
		}
		if json.Unmarshal(data, m) == nil {
			return true
		}
	}
}

// Authorized reports whether r carries password in the "password" query
// parameter, an "Authorization: Bearer" header or "X-Auth-Token".
func Authorized(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		tok := strings.TrimSpace(ah[len("Bearer "):])
		if tok == password {
			return true
		}
	}
	if x := r.Header.Get("X-Auth-Token"); x != "" && x == password {
		return true
	}
	return false
}
