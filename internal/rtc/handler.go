// Package rtc attaches WebRTC peers to voice sessions: Opus audio both ways
// and a "control" data channel for commands and events.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/audio"
	"github.com/chadiek/voice-agent/internal/transport"
)

const (
	attachTimeout    = 10 * time.Second
	controlLabel     = "control"
	maxDecodeSamples = 5760 // 120ms at 48kHz, the largest Opus frame
)

var (
	errInvalidOffer = errors.New("rtc: invalid offer")
	errPeerClosed   = errors.New("rtc: peer closed")
)

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Options configures peers.
type Options struct {
	// ICEServersJSON is a JSON array of webrtc.ICEServer. Empty or invalid
	// falls back to a public STUN server.
	ICEServersJSON string
	// RecognizerRate is the rate inbound Opus is decoded to. Default 16000.
	RecognizerRate int
}

// Handler negotiates peers and attaches them to sessions.
type Handler struct {
	sessions       transport.Sessions
	iceServers     []webrtc.ICEServer
	recognizerRate int
	logger         *zap.Logger
}

func NewHandler(sessions transport.Sessions, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RecognizerRate <= 0 {
		opts.RecognizerRate = 16000
	}
	return &Handler{
		sessions:       sessions,
		iceServers:     parseICEServers(opts.ICEServersJSON),
		recognizerRate: opts.RecognizerRate,
		logger:         logger,
	}
}

// HandleOffer accepts an SDP offer for sessionID and returns the answer
// once ICE gathering is complete.
func (h *Handler) HandleOffer(ctx context.Context, sessionID string, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, errInvalidOffer
	}
	p, err := h.newPeer(sessionID)
	if err != nil {
		return SessionDescription{}, err
	}
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		p.teardown()
		return SessionDescription{}, err
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		p.teardown()
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		p.teardown()
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		p.teardown()
		return SessionDescription{}, ctx.Err()
	}
	local := p.pc.LocalDescription()
	if local == nil {
		p.teardown()
		return SessionDescription{}, errors.New("rtc: no local description")
	}
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// peer ties a peerConn to the session its first audio track joins.
type peer struct {
	*peerConn
	sessionID string
	h         *Handler

	mu       sync.Mutex
	attached bool
	detached bool
}

// newPeer prepares a PeerConnection with codecs, interceptors and the agent
// audio track, and binds its media and control handlers.
func (h *Handler) newPeer(sessionID string) (*peer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.iceServers})
	if err != nil {
		return nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: opusRate, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, err
	}
	logger := h.logger.With(zap.String("session_id", sessionID))
	writer, err := NewOpusPacedWriter(outTrack, logger)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}

	p := &peer{peerConn: newPeerConn(pc, writer, logger), sessionID: sessionID, h: h}
	p.logger = logger.With(zap.String("conn_id", p.id))
	p.bind()
	return p, nil
}

func (p *peer) bind() {
	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.logger.Info("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			p.detach()
			p.teardown()
		}
	})
	p.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.logger.Debug("ice state", zap.String("state", state.String()))
	})
	p.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != controlLabel {
			return
		}
		p.setControl(dc)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { p.command(msg.Data) })
	})
	p.pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		p.logger.Info("remote audio track", zap.String("codec", remote.Codec().MimeType))
		go p.readTrack(remote)
	})
}

func (p *peer) command(data []byte) {
	switch transport.ParseCommand(data) {
	case transport.CommandBargeIn:
		p.Reset()
		ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
		defer cancel()
		if _, err := p.h.sessions.Interrupt(ctx, p.sessionID); err != nil {
			p.logger.Debug("interrupt failed", zap.Error(err))
		}
	case transport.CommandBye:
		p.detach()
		p.teardown()
	}
}

// attach joins the session on the first audio track.
func (p *peer) attach() (transport.AudioSink, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return nil, errPeerClosed
	}
	if p.attached {
		return nil, errors.New("rtc: peer already has an audio track")
	}
	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	sink, err := p.h.sessions.Attach(ctx, p.sessionID, p.peerConn)
	if err != nil {
		return nil, err
	}
	p.attached = true
	return sink, nil
}

func (p *peer) detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.detached {
		return
	}
	p.detached = true
	if !p.attached {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	if err := p.h.sessions.Detach(ctx, p.sessionID, p.id); err != nil {
		p.logger.Warn("detach failed", zap.Error(err))
	}
}

// readTrack decodes caller Opus to PCM16 at the recognizer rate and feeds
// the session until the track ends.
func (p *peer) readTrack(remote *webrtc.TrackRemote) {
	dec, err := opus.NewDecoder(p.h.recognizerRate, 1)
	if err != nil {
		p.logger.Error("opus decoder", zap.Error(err))
		p.teardown()
		return
	}
	sink, err := p.attach()
	if err != nil {
		p.logger.Warn("attach failed", zap.Error(err))
		p.teardown()
		return
	}
	samples := make([]int16, maxDecodeSamples*p.h.recognizerRate/opusRate)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			p.logger.Debug("rtp read ended", zap.Error(err))
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			p.logger.Debug("opus decode failed", zap.Error(err))
			continue
		}
		sink.HandleAudio(audio.Bytes16(samples[:n]))
	}
}

func parseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}
