package tts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-agent/internal/audio"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestPacer_ReserveRunsAtMostLeadAhead(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	p := NewPacer(audio.PCM16Mono(16000), 250*time.Millisecond)
	p.now = clock.now

	chunk := 3200 // 100ms
	require.Zero(t, p.reserve(chunk))
	require.Zero(t, p.reserve(chunk))
	require.Equal(t, 50*time.Millisecond, p.reserve(chunk))

	clock.advance(50 * time.Millisecond)
	require.Equal(t, 100*time.Millisecond, p.reserve(chunk))
	require.Equal(t, 400*time.Millisecond, p.Emitted())
}

func TestPacer_ReanchorsAfterReceiverDrains(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	p := NewPacer(audio.PCM16Mono(16000), 250*time.Millisecond)
	p.now = clock.now

	p.Account(16000) // 500ms
	clock.advance(time.Second)
	require.Zero(t, p.reserve(3200))
	require.Equal(t, 100*time.Millisecond, p.Emitted())
}

func TestPacer_WaitHonoursStop(t *testing.T) {
	p := NewPacer(audio.PCM16Mono(16000), 10*time.Millisecond)
	p.Account(32000) // one second queued

	start := time.Now()
	calls := 0
	stopped, err := p.Wait(context.Background(), 3200, func() bool {
		calls++
		return calls > 2
	})
	require.NoError(t, err)
	require.True(t, stopped)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestPacer_WaitHonoursContext(t *testing.T) {
	p := NewPacer(audio.PCM16Mono(16000), 10*time.Millisecond)
	p.Account(32000)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx, 3200, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
