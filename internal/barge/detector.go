// Package barge detects a caller talking over the agent from raw audio
// energy. It backs recognizers that do not report turn starts themselves.
package barge

import (
	"sync"
	"time"

	"github.com/chadiek/voice-agent/internal/audio"
)

// Config holds the detector thresholds.
type Config struct {
	SampleRate int
	// FrameMs is the analysis window. Input of any length is cut into frames
	// of this size; a trailing partial frame is carried to the next call.
	FrameMs int
	// EnergyThreshold is the RMS level (int16 scale) a frame must reach.
	EnergyThreshold float64
	// MinConsecutiveFrames loud frames in a row are needed to fire.
	MinConsecutiveFrames int
	// Cooldown suppresses further events after one fires.
	Cooldown time.Duration
}

// DefaultConfig suits 16kHz headset audio.
func DefaultConfig() Config {
	return Config{
		SampleRate:           16000,
		FrameMs:              20,
		EnergyThreshold:      500,
		MinConsecutiveFrames: 5,
		Cooldown:             800 * time.Millisecond,
	}
}

// Detector is safe for concurrent use. onBargeIn runs on the goroutine that
// fed the triggering frame, outside the detector's lock.
type Detector struct {
	cfg       Config
	format    audio.Format
	onBargeIn func()
	now       func() time.Time

	mu        sync.Mutex
	speaking  bool
	loud      int
	lastFired time.Time
	carry     []byte
}

// NewDetector fills zero fields of cfg from DefaultConfig.
func NewDetector(cfg Config, onBargeIn func()) *Detector {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.FrameMs <= 0 {
		cfg.FrameMs = def.FrameMs
	}
	if cfg.EnergyThreshold <= 0 {
		cfg.EnergyThreshold = def.EnergyThreshold
	}
	if cfg.MinConsecutiveFrames <= 0 {
		cfg.MinConsecutiveFrames = def.MinConsecutiveFrames
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Detector{
		cfg:       cfg,
		format:    audio.PCM16Mono(cfg.SampleRate),
		onBargeIn: onBargeIn,
		now:       time.Now,
	}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// ProcessAudioFrame analyses pcm (PCM16LE mono) and reports whether a
// barge-in fired during this call.
func (d *Detector) ProcessAudioFrame(pcm []byte) bool {
	frameBytes := d.format.Bytes(time.Duration(d.cfg.FrameMs) * time.Millisecond)

	d.mu.Lock()
	buf := append(d.carry, pcm...)
	fired := false
	for len(buf) >= frameBytes {
		if d.frameLocked(buf[:frameBytes]) {
			fired = true
		}
		buf = buf[frameBytes:]
	}
	d.carry = append(d.carry[:0:0], buf...)
	d.mu.Unlock()

	if fired && d.onBargeIn != nil {
		d.onBargeIn()
	}
	return fired
}

func (d *Detector) frameLocked(frame []byte) bool {
	if !d.speaking {
		d.loud = 0
		return false
	}
	if audio.RMS(frame) < d.cfg.EnergyThreshold {
		d.loud = 0
		return false
	}
	d.loud++
	if d.loud < d.cfg.MinConsecutiveFrames {
		return false
	}
	now := d.now()
	if !d.lastFired.IsZero() && now.Sub(d.lastFired) < d.cfg.Cooldown {
		return false
	}
	d.lastFired = now
	d.loud = 0
	return true
}

// AgentStartedSpeaking arms the detector.
func (d *Detector) AgentStartedSpeaking() {
	d.mu.Lock()
	d.speaking = true
	d.mu.Unlock()
}

// AgentStoppedSpeaking disarms the detector. It must be called whenever agent
// output ends, naturally or by cancellation.
func (d *Detector) AgentStoppedSpeaking() {
	d.mu.Lock()
	d.speaking = false
	d.loud = 0
	d.mu.Unlock()
}

// IsAgentSpeaking reports the armed state.
func (d *Detector) IsAgentSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}
