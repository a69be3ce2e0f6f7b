package agent

import (
	"sync"
	"sync/atomic"
)

const (
	handleLive int32 = iota
	handleCancelled
	handleFinished
)

// StreamHandle identifies one agent utterance's outbound audio.
type StreamHandle struct {
	SessionID  string
	Generation uint64
	state      atomic.Int32
}

// Cancelled reports whether the handle was stopped or superseded. It is the
// shouldStop predicate handed to synthesis.
func (h *StreamHandle) Cancelled() bool { return h.state.Load() == handleCancelled }

// Live reports whether the handle is neither cancelled nor finished.
func (h *StreamHandle) Live() bool { return h.state.Load() == handleLive }

func (h *StreamHandle) cancel() bool { return h.state.CompareAndSwap(handleLive, handleCancelled) }
func (h *StreamHandle) finish() bool { return h.state.CompareAndSwap(handleLive, handleFinished) }

type streamSlot struct {
	current    atomic.Pointer[StreamHandle]
	generation atomic.Uint64
}

// StreamManager tracks the in-flight utterance of every session. At most one
// handle per session is live at any time.
type StreamManager struct {
	slots sync.Map // session id -> *streamSlot
}

// NewStreamManager returns an empty manager.
func NewStreamManager() *StreamManager { return &StreamManager{} }

func (m *StreamManager) slot(sessionID string) *streamSlot {
	if v, ok := m.slots.Load(sessionID); ok {
		return v.(*streamSlot)
	}
	v, _ := m.slots.LoadOrStore(sessionID, &streamSlot{})
	return v.(*streamSlot)
}

// StartStream registers a new live handle, cancelling whatever handle the
// session had before.
func (m *StreamManager) StartStream(sessionID string) *StreamHandle {
	s := m.slot(sessionID)
	h := &StreamHandle{SessionID: sessionID, Generation: s.generation.Add(1)}
	for {
		old := s.current.Load()
		if old != nil {
			old.cancel()
		}
		if s.current.CompareAndSwap(old, h) {
			return h
		}
	}
}

// StopStream cancels the session's current handle and reports whether it
// was live.
func (m *StreamManager) StopStream(sessionID string) bool {
	v, ok := m.slots.Load(sessionID)
	if !ok {
		return false
	}
	s := v.(*streamSlot)
	h := s.current.Load()
	if h == nil {
		return false
	}
	stopped := h.cancel()
	s.current.CompareAndSwap(h, nil)
	return stopped
}

// FinishStream marks h as naturally completed. A cancelled handle stays
// cancelled.
func (m *StreamManager) FinishStream(h *StreamHandle) {
	if h == nil {
		return
	}
	h.finish()
	if v, ok := m.slots.Load(h.SessionID); ok {
		v.(*streamSlot).current.CompareAndSwap(h, nil)
	}
}

// IsSpeaking reports whether the session has a live handle.
func (m *StreamManager) IsSpeaking(sessionID string) bool {
	v, ok := m.slots.Load(sessionID)
	if !ok {
		return false
	}
	h := v.(*streamSlot).current.Load()
	return h != nil && h.Live()
}

// Generation returns how many handles the session has started.
func (m *StreamManager) Generation(sessionID string) uint64 {
	v, ok := m.slots.Load(sessionID)
	if !ok {
		return 0
	}
	return v.(*streamSlot).generation.Load()
}

// Forget cancels any live handle and drops the session's slot.
func (m *StreamManager) Forget(sessionID string) {
	m.StopStream(sessionID)
	m.slots.Delete(sessionID)
}
