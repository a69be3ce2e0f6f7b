package agent

import (
	"sync"

	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/audio"
)

// hub fans session output out to every attached connection.
type hub struct {
	sessionID string
	logger    *zap.Logger

	mu    sync.RWMutex
	conns map[string]Connection
}

func newHub(sessionID string, logger *zap.Logger) *hub {
	return &hub{sessionID: sessionID, logger: logger, conns: make(map[string]Connection)}
}

func (h *hub) add(c Connection) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c.ID()] = c
	return len(h.conns)
}

func (h *hub) remove(id string) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.conns[id]
	delete(h.conns, id)
	return len(h.conns), ok
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *hub) snapshot() []Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Connection, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func (h *hub) broadcastAudio(pcm []byte, format audio.Format) {
	for _, c := range h.snapshot() {
		if err := c.SendAudio(pcm, format); err != nil {
			h.logger.Debug("send audio failed", zap.String("conn_id", c.ID()), zap.Error(err))
		}
	}
}

func (h *hub) broadcastControl(ev ControlEvent) {
	if ev.SessionID == "" {
		ev.SessionID = h.sessionID
	}
	for _, c := range h.snapshot() {
		if err := c.SendControl(ev); err != nil {
			h.logger.Debug("send control failed", zap.String("conn_id", c.ID()), zap.String("type", ev.Type), zap.Error(err))
		}
	}
}

func (h *hub) resetAudio() {
	for _, c := range h.snapshot() {
		c.Reset()
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[string]Connection)
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}
