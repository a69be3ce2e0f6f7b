package rtc

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/agent"
	"github.com/chadiek/voice-agent/internal/audio"
)

const closeGrace = 100 * time.Millisecond

// controlChannel is the peer's "control" data channel. Inbound text is
// client commands; outbound text is JSON control events.
type controlChannel interface {
	SendText(s string) error
	ReadyState() webrtc.DataChannelState
}

// peerConn is one WebRTC peer attached to a session. Agent audio goes out
// on the Opus track, control events on the "control" data channel.
type peerConn struct {
	id      string
	pc      *webrtc.PeerConnection
	writer  *OpusPacedWriter
	control atomic.Pointer[controlChannel]
	once    sync.Once
	down    sync.Once
	done    chan struct{}
	logger  *zap.Logger
}

func newPeerConn(pc *webrtc.PeerConnection, writer *OpusPacedWriter, logger *zap.Logger) *peerConn {
	return &peerConn{id: uuid.NewString(), pc: pc, writer: writer, done: make(chan struct{}), logger: logger}
}

func (p *peerConn) ID() string { return p.id }

func (p *peerConn) setControl(dc controlChannel) { p.control.Store(&dc) }

func (p *peerConn) SendAudio(pcm []byte, format audio.Format) error {
	if !p.writer.WritePCM(audio.Resample(pcm, format.SampleRate, opusRate)) {
		return errPeerClosed
	}
	return nil
}

// SendControl is best effort: events before the data channel opens are
// dropped.
func (p *peerConn) SendControl(ev agent.ControlEvent) error {
	dc := p.control.Load()
	if dc == nil || (*dc).ReadyState() != webrtc.DataChannelStateOpen {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return (*dc).SendText(string(data))
}

func (p *peerConn) Reset() { p.writer.Reset() }

// Close lets queued audio and a short silence tail play out before the
// peer is torn down, so a closing line is not clipped.
func (p *peerConn) Close() error {
	p.once.Do(func() {
		p.writer.FlushTail()
		time.AfterFunc(p.writer.Pending()+closeGrace, p.teardown)
	})
	return nil
}

func (p *peerConn) teardown() {
	p.down.Do(func() {
		p.writer.Close()
		if p.pc != nil {
			if err := p.pc.Close(); err != nil {
				p.logger.Debug("peer close failed", zap.Error(err))
			}
		}
		close(p.done)
	})
}
