package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/audio"
)

const (
	opusRate         = 48000
	opusFrameSamples = 960 // 20ms at 48kHz
	opusFrame        = 20 * time.Millisecond
	maxOpusPacket    = 4000
	tailFrames       = 10
)

// sampleWriter is the part of a local track the writer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusPacedWriter encodes 48kHz PCM16 mono into Opus frames and writes one
// frame to the track every 20ms.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        sampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
	logger       *zap.Logger
}

// NewOpusPacedWriter starts the pacer for track.
func NewOpusPacedWriter(track sampleWriter, logger *zap.Logger) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(opusRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: opusFrameSamples,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
		logger:       logger,
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers 48kHz PCM and queues every complete frame. It returns
// false once the writer is closed.
func (w *OpusPacedWriter) WritePCM(pcm []byte) bool {
	if len(pcm) < 2 {
		return true
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.pcmBuf = append(w.pcmBuf, audio.Int16s(pcm)...)
	buf := make([]byte, maxOpusPacket)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encode(w.pcmBuf[:w.frameSamples], buf)
		w.pcmBuf = append(w.pcmBuf[:0], w.pcmBuf[w.frameSamples:]...)
	}
	return true
}

// encode must be called with mu held.
func (w *OpusPacedWriter) encode(frame []int16, buf []byte) {
	n, err := w.enc.Encode(frame, buf)
	if err != nil {
		w.logger.Debug("opus encode failed", zap.Error(err))
		return
	}
	if n > 0 {
		w.pushFrame(append([]byte(nil), buf[:n]...))
	}
}

// FlushTail pads the remaining PCM to a full frame and adds ~200ms of
// silence so the last syllable is not clipped.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	buf := make([]byte, maxOpusPacket)
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encode(pad, buf)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < tailFrames; i++ {
		w.encode(silence, buf)
	}
}

// Pending is how long the queued frames take to play.
func (w *OpusPacedWriter) Pending() time.Duration {
	return time.Duration(len(w.frames)) * opusFrame
}

// Close stops the pacer. Queued frames are dropped.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(opusFrame)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				if err := w.track.WriteSample(media.Sample{Data: frame, Duration: opusFrame}); err != nil {
					w.logger.Debug("track write failed", zap.Error(err))
				}
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, dropping the oldest queued frame when full.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	for {
		select {
		case <-w.stopCh:
			return
		case w.frames <- pkt:
			return
		default:
		}
		select {
		case <-w.frames:
		default:
		}
	}
}

// Reset drops queued frames and buffered PCM for an immediate barge-in.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}
