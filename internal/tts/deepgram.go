package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"go.uber.org/zap"
)

// DeepgramSynthesizer renders whole utterances over Deepgram's speak websocket.
type DeepgramSynthesizer struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	// idleWindow ends collection once audio stops arriving.
	idleWindow time.Duration
	maxWait    time.Duration
	logger     *zap.Logger
}

// NewDeepgramSynthesizer returns a synthesizer producing linear16 PCM at sampleRate.
func NewDeepgramSynthesizer(apiKey, model string, sampleRate int, logger *zap.Logger) *DeepgramSynthesizer {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeepgramSynthesizer{
		apiKey:     apiKey,
		model:      model,
		sampleRate: sampleRate,
		encoding:   "linear16",
		idleWindow: 400 * time.Millisecond,
		maxWait:    12 * time.Second,
		logger:     logger,
	}
}

// Synthesize collects all audio Deepgram returns for text.
func (d *DeepgramSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if d.apiKey == "" {
		return nil, errors.New("deepgram: API key missing")
	}
	if text == "" {
		return nil, nil
	}

	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.model,
		Encoding:   d.encoding,
		SampleRate: d.sampleRate,
	}

	var (
		mu       sync.Mutex
		pcm      []byte
		lastRecv time.Time
	)
	cb := &speakCallback{
		onBinary: func(data []byte) error {
			if len(data) == 0 {
				return nil
			}
			mu.Lock()
			pcm = append(pcm, data...)
			lastRecv = time.Now()
			mu.Unlock()
			return nil
		},
		onError: func(er *msginterfaces.ErrorResponse) {
			d.logger.Warn("deepgram: speak error", zap.String("description", er.Description))
		},
	}

	dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
	if err != nil {
		return nil, fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer dg.Stop()

	if ok := dg.Connect(); !ok {
		return nil, errors.New("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return nil, fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		d.logger.Debug("deepgram: flush error", zap.Error(err))
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(d.maxWait)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			mu.Lock()
			last, got := lastRecv, len(pcm)
			mu.Unlock()
			if got > 0 && time.Since(last) > d.idleWindow {
				mu.Lock()
				out := pcm
				mu.Unlock()
				return out, nil
			}
			if time.Now().After(deadline) {
				if got > 0 {
					mu.Lock()
					out := pcm
					mu.Unlock()
					return out, nil
				}
				return nil, errors.New("deepgram: no audio before deadline")
			}
		}
	}
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func(*msginterfaces.ErrorResponse)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	if s.onError != nil && er != nil {
		s.onError(er)
	}
	return nil
}
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
