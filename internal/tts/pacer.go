package tts

import (
	"context"
	"sync"
	"time"

	"github.com/chadiek/voice-agent/internal/audio"
)

// DefaultLead is how far emission may run ahead of real-time playback.
const DefaultLead = 250 * time.Millisecond

// stopPoll bounds how long a pacing wait goes without checking for stop.
const stopPoll = 20 * time.Millisecond

// Pacer meters audio hand-off to real-time playback. It keeps a running
// budget of emitted audio anchored at the first emission; each chunk is
// released once the budget including it is at most lead ahead of the wall
// clock. When the budget falls behind real time (the receiver drained) the
// anchor moves to now. One Pacer spans a whole utterance.
type Pacer struct {
	format audio.Format
	lead   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	anchor  time.Time
	budget  time.Duration
	started bool
}

// NewPacer returns a pacer for format; lead <= 0 selects DefaultLead.
func NewPacer(format audio.Format, lead time.Duration) *Pacer {
	if lead <= 0 {
		lead = DefaultLead
	}
	return &Pacer{format: format, lead: lead, now: time.Now}
}

// Lead returns the configured lead.
func (p *Pacer) Lead() time.Duration { return p.lead }

// Duration returns the playback duration of n bytes.
func (p *Pacer) Duration(n int) time.Duration { return p.format.Duration(n) }

// Emitted returns the audio accounted so far.
func (p *Pacer) Emitted() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.budget
}

// reserve adds n bytes to the budget and returns how long to wait before
// handing them off.
func (p *Pacer) reserve(n int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	if !p.started || now.After(p.anchor.Add(p.budget)) {
		p.anchor = now
		p.budget = 0
		p.started = true
	}
	p.budget += p.format.Duration(n)
	wait := p.anchor.Add(p.budget - p.lead).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Account records n bytes as already handed off without waiting.
func (p *Pacer) Account(n int) { _ = p.reserve(n) }

// Wait blocks until n more bytes may be handed off. It returns true when
// shouldStop reported true during the wait.
func (p *Pacer) Wait(ctx context.Context, n int, shouldStop func() bool) (bool, error) {
	if shouldStop != nil && shouldStop() {
		return true, nil
	}
	return sleepPolling(ctx, p.reserve(n), shouldStop)
}

// Drain blocks until the accounted audio is within lead of finishing playback.
func (p *Pacer) Drain(ctx context.Context, shouldStop func() bool) (bool, error) {
	p.mu.Lock()
	var wait time.Duration
	if p.started {
		wait = p.anchor.Add(p.budget - p.lead).Sub(p.now())
	}
	p.mu.Unlock()
	if wait < 0 {
		wait = 0
	}
	return sleepPolling(ctx, wait, shouldStop)
}

func sleepPolling(ctx context.Context, d time.Duration, shouldStop func() bool) (bool, error) {
	deadline := time.Now().Add(d)
	for {
		if shouldStop != nil && shouldStop() {
			return true, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		if remaining > stopPoll {
			remaining = stopPoll
		}
		t := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
}
