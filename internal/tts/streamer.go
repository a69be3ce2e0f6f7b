package tts

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/audio"
	"github.com/chadiek/voice-agent/internal/sse"
)

// DefaultURL is the MiniMax text-to-speech endpoint.
const DefaultURL = "https://api.minimax.io/v1/t2a_v2"

// ErrNotConfigured is returned when neither streaming nor fallback synthesis is available.
var ErrNotConfigured = errors.New("tts: no synthesis backend configured")

// Options configures a Streamer.
type Options struct {
	URL        string
	APIKey     string
	Model      string
	VoiceID    string
	Speed      float64
	Pitch      float64
	SampleRate int
	// AudioEncoding is "hex", "base64" or empty to detect per payload.
	AudioEncoding string
	Lead          time.Duration
	Timeout       time.Duration
}

// Synthesizer renders a whole utterance to PCM in one call.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// StreamOptions controls one StreamSpeech call.
type StreamOptions struct {
	// ShouldStop is polled before every wait and while reading; once it
	// returns true no further chunk is emitted.
	ShouldStop func() bool
	// TargetBufferMs overrides the pacing lead when Pacer is nil.
	TargetBufferMs int
	// Pacer carries the pacing budget across calls of one utterance.
	Pacer *Pacer
}

// SpeechResult describes what StreamSpeech emitted.
type SpeechResult struct {
	Interrupted bool
	Fallback    bool
	Chunks      int
	Bytes       int
	Duration    time.Duration
}

// Streamer turns text into paced PCM chunks from a server-sent-event
// synthesis backend, with a whole-utterance fallback.
type Streamer struct {
	HTTPClient *http.Client
	opts       Options
	format     audio.Format
	fallback   Synthesizer
	logger     *zap.Logger
}

type voiceSetting struct {
	VoiceID string  `json:"voice_id"`
	Speed   float64 `json:"speed"`
	Vol     float64 `json:"vol"`
	Pitch   float64 `json:"pitch"`
}

type audioSetting struct {
	SampleRate int    `json:"sample_rate"`
	Format     string `json:"format"`
	Channel    int    `json:"channel"`
}

type synthesisRequest struct {
	Model        string       `json:"model"`
	Text         string       `json:"text"`
	Stream       bool         `json:"stream"`
	VoiceSetting voiceSetting `json:"voice_setting"`
	AudioSetting audioSetting `json:"audio_setting"`
	OutputFormat string       `json:"output_format,omitempty"`
}

type synthesisPayload struct {
	Data *struct {
		Audio  string `json:"audio"`
		Status int    `json:"status"`
	} `json:"data"`
	Audio    string `json:"audio"`
	AudioURL string `json:"audio_url"`
	BaseResp *struct {
		StatusCode int    `json:"status_code"`
		StatusMsg  string `json:"status_msg"`
	} `json:"base_resp"`
}

// statusFinal marks the closing event that repeats the whole utterance.
const statusFinal = 2

// NewStreamer builds a Streamer. fallback may be nil.
func NewStreamer(opts Options, fallback Synthesizer, logger *zap.Logger) *Streamer {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Model == "" {
		opts.Model = "speech-02-turbo"
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	if opts.Lead <= 0 {
		opts.Lead = DefaultLead
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Streamer{
		HTTPClient: &http.Client{},
		opts:       opts,
		format:     audio.PCM16Mono(opts.SampleRate),
		logger:     logger,
	}
	// The non-streaming request to the same backend is tried before fallback.
	s.fallback = Chain{NewHTTPSynthesizer(s), fallback}
	return s
}

// Format is the PCM format of emitted chunks.
func (s *Streamer) Format() audio.Format { return s.format }

// NewPacer returns a pacer matching this streamer's format and lead.
func (s *Streamer) NewPacer() *Pacer { return NewPacer(s.format, s.opts.Lead) }

func (s *Streamer) streaming() bool { return s.opts.APIKey != "" && s.opts.URL != "" }

// StreamSpeech synthesises text and hands paced chunks to onChunk. A stop
// observed through opts.ShouldStop ends the call with Interrupted set and a
// nil error. A backend failure after audio was emitted returns the error;
// the emitted audio stands.
func (s *Streamer) StreamSpeech(ctx context.Context, text string, onChunk func([]byte), opts StreamOptions) (SpeechResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return SpeechResult{}, nil
	}
	stop := opts.ShouldStop
	if stop == nil {
		stop = func() bool { return false }
	}
	pacer := opts.Pacer
	if pacer == nil {
		lead := s.opts.Lead
		if opts.TargetBufferMs > 0 {
			lead = time.Duration(opts.TargetBufferMs) * time.Millisecond
		}
		pacer = NewPacer(s.format, lead)
	}
	if stop() {
		return SpeechResult{Interrupted: true}, nil
	}

	if !s.streaming() {
		return s.speakWhole(ctx, text, onChunk, stop, pacer)
	}
	res, err := s.streamSSE(ctx, text, onChunk, stop, pacer)
	if err != nil && res.Chunks == 0 && !res.Interrupted && ctx.Err() == nil {
		s.logger.Warn("tts: streaming failed, using whole-utterance fallback", zap.Error(err))
		return s.speakWhole(ctx, text, onChunk, stop, pacer)
	}
	return res, err
}

// sliceBytes is the hand-off unit; it stays under the lead so the receiver
// always holds buffered audio when the next slice is due.
func (s *Streamer) sliceBytes(lead time.Duration) int {
	d := lead / 2
	if d > 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	if d < 20*time.Millisecond {
		d = 20 * time.Millisecond
	}
	return s.format.Bytes(d)
}

func (s *Streamer) request(text string, stream bool) synthesisRequest {
	return synthesisRequest{
		Model:  s.opts.Model,
		Text:   text,
		Stream: stream,
		VoiceSetting: voiceSetting{
			VoiceID: s.opts.VoiceID,
			Speed:   s.opts.Speed,
			Vol:     1,
			Pitch:   s.opts.Pitch,
		},
		AudioSetting: audioSetting{SampleRate: s.opts.SampleRate, Format: "pcm", Channel: 1},
	}
}

func (s *Streamer) post(ctx context.Context, body synthesisRequest) (*http.Response, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("tts: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.opts.URL, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("tts: status=%d body=%s", resp.StatusCode, string(b))
	}
	return resp, nil
}

func (s *Streamer) streamSSE(ctx context.Context, text string, onChunk func([]byte), stop func() bool, pacer *Pacer) (SpeechResult, error) {
	// Returning cancels the upstream request, which is how a stop closes it.
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var res SpeechResult
	resp, err := s.post(ctx, s.request(text, true))
	if err != nil {
		return res, err
	}
	reader := sse.NewReader(resp.Body)
	defer reader.Close()

	slice := s.sliceBytes(pacer.Lead())
	frame := s.format.FrameSize()
	var pending []byte

	emit := func(b []byte) (bool, error) {
		stopped, err := pacer.Wait(ctx, len(b), stop)
		if err != nil {
			return false, err
		}
		if stopped || stop() {
			return true, nil
		}
		onChunk(b)
		res.Chunks++
		res.Bytes += len(b)
		return false, nil
	}
	finish := func() SpeechResult {
		res.Duration = s.format.Duration(res.Bytes)
		return res
	}

	for {
		if stop() {
			res.Interrupted = true
			return finish(), nil
		}
		ev, err := reader.Next()
		if errors.Is(err, sse.ErrDone) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if stop() {
				res.Interrupted = true
				return finish(), nil
			}
			return finish(), fmt.Errorf("tts: read stream: %w", err)
		}
		if stop() {
			res.Interrupted = true
			return finish(), nil
		}

		pcm, final, err := s.decodePayload(ev.Data)
		if err != nil {
			return finish(), err
		}
		if final || len(pcm) == 0 {
			continue
		}
		pending = append(pending, pcm...)
		for len(pending) >= slice {
			chunk := append([]byte(nil), pending[:slice]...)
			pending = pending[slice:]
			stopped, err := emit(chunk)
			if err != nil {
				return finish(), err
			}
			if stopped {
				res.Interrupted = true
				return finish(), nil
			}
		}
	}

	if tail := len(pending) - len(pending)%frame; tail > 0 {
		stopped, err := emit(append([]byte(nil), pending[:tail]...))
		if err != nil {
			return finish(), err
		}
		res.Interrupted = stopped
	}
	return finish(), nil
}

// decodePayload extracts PCM from one event. final reports the closing
// summary event, whose audio repeats what was already streamed.
func (s *Streamer) decodePayload(data []byte) ([]byte, bool, error) {
	var p synthesisPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Debug("tts: skipping malformed event", zap.ByteString("data", data), zap.Error(err))
		return nil, false, nil
	}
	if p.BaseResp != nil && p.BaseResp.StatusCode != 0 {
		return nil, false, fmt.Errorf("tts: backend error %d: %s", p.BaseResp.StatusCode, p.BaseResp.StatusMsg)
	}
	encoded := p.Audio
	if p.Data != nil {
		if p.Data.Status == statusFinal {
			return nil, true, nil
		}
		encoded = p.Data.Audio
	}
	if encoded == "" {
		return nil, false, nil
	}
	pcm, err := decodeAudio(encoded, s.opts.AudioEncoding)
	if err != nil {
		return nil, false, err
	}
	return pcm, false, nil
}

func decodeAudio(encoded, encoding string) ([]byte, error) {
	switch encoding {
	case "hex":
		return hex.DecodeString(encoded)
	case "base64":
		return base64.StdEncoding.DecodeString(encoded)
	}
	if looksHex(encoded) {
		if b, err := hex.DecodeString(encoded); err == nil {
			return b, nil
		}
	}
	b, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("tts: audio payload is neither hex nor base64: %w", err)
	}
	return b, nil
}

func looksHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F') {
			return false
		}
	}
	return true
}

// speakWhole renders the utterance in one call and emits it as one chunk,
// then holds until its playback is within lead of finishing.
func (s *Streamer) speakWhole(ctx context.Context, text string, onChunk func([]byte), stop func() bool, pacer *Pacer) (SpeechResult, error) {
	res := SpeechResult{Fallback: true}
	pcm, err := s.fallback.Synthesize(ctx, text)
	if err != nil {
		return res, err
	}
	pcm = pcm[:len(pcm)-len(pcm)%s.format.FrameSize()]
	if stop() {
		res.Interrupted = true
		return res, nil
	}
	if len(pcm) == 0 {
		return res, nil
	}
	pacer.Account(len(pcm))
	onChunk(pcm)
	res.Chunks = 1
	res.Bytes = len(pcm)
	res.Duration = s.format.Duration(len(pcm))

	stopped, err := pacer.Drain(ctx, stop)
	if err != nil {
		return res, err
	}
	res.Interrupted = stopped
	return res, nil
}
