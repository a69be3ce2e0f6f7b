package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPSynthesizer is the non-streaming variant of the synthesis backend. The
// response carries either embedded audio or a URL to download it from.
type HTTPSynthesizer struct {
	streamer *Streamer
}

// NewHTTPSynthesizer reuses the streamer's endpoint, credentials and voice.
func NewHTTPSynthesizer(s *Streamer) *HTTPSynthesizer { return &HTTPSynthesizer{streamer: s} }

// Synthesize returns PCM for the whole text.
func (h *HTTPSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	s := h.streamer
	if !s.streaming() {
		return nil, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	resp, err := s.post(ctx, s.request(text, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var p synthesisPayload
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("tts: decode response: %w", err)
	}
	if p.BaseResp != nil && p.BaseResp.StatusCode != 0 {
		return nil, fmt.Errorf("tts: backend error %d: %s", p.BaseResp.StatusCode, p.BaseResp.StatusMsg)
	}
	encoded := p.Audio
	if p.Data != nil && p.Data.Audio != "" {
		encoded = p.Data.Audio
	}
	if p.AudioURL != "" {
		encoded = p.AudioURL
	}
	if encoded == "" {
		return nil, errors.New("tts: response carried no audio")
	}
	if strings.HasPrefix(encoded, "http://") || strings.HasPrefix(encoded, "https://") {
		return h.download(ctx, encoded)
	}
	return decodeAudio(encoded, s.opts.AudioEncoding)
}

func (h *HTTPSynthesizer) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := h.streamer.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts: download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tts: download audio: status=%d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Chain tries each synthesizer in order until one succeeds.
type Chain []Synthesizer

// Synthesize implements Synthesizer.
func (c Chain) Synthesize(ctx context.Context, text string) ([]byte, error) {
	var errs []error
	for _, s := range c {
		if s == nil {
			continue
		}
		pcm, err := s.Synthesize(ctx, text)
		if err == nil {
			return pcm, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return nil, ErrNotConfigured
	}
	return nil, errors.Join(errs...)
}
