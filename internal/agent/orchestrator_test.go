package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/transcript"
)

func TestOrchestrator_HappyPath(t *testing.T) {
	h := newHarness(t, say("Hello there.", "How can I help?"))
	conn := newFakeConn("c1")
	_, rec := h.attach(t, "s1", conn)

	rec.emit(transcript.Event{Kind: transcript.StartOfTurn, TurnIndex: 0})
	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 0, Transcript: "hi"})

	hist := h.waitHistory(t, "s1", 2)
	require.Equal(t, llm.RoleUser, hist[0].Role)
	require.Equal(t, "hi", hist[0].Content)
	require.Equal(t, llm.RoleAssistant, hist[1].Role)
	require.Equal(t, "Hello there. How can I help?", hist[1].Content)

	require.Equal(t, 4, conn.audioChunks())
	require.Equal(t, uint64(1), h.m.Streams().Generation("s1"))
	require.False(t, h.m.Streams().IsSpeaking("s1"))
	require.Len(t, conn.ofType(EventAgentText), 2)
	require.Len(t, conn.ofType(EventEndOfTurn), 1)
	require.Empty(t, conn.ofType(EventBargeIn))

	finals := conn.ofType(EventTranscript)
	require.NotEmpty(t, finals)
	require.True(t, finals[len(finals)-1].Final)

	st, err := h.m.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, StageDiscovery, st.Stage)
}

func TestOrchestrator_BargeInMidUtterance(t *testing.T) {
	h := newHarness(t, say("This is a rather long answer."))
	h.speaker.chunks = 10
	h.speaker.delay = 20 * time.Millisecond
	conn := newFakeConn("c1")
	_, rec := h.attach(t, "s1", conn)

	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 0, Transcript: "tell me everything"})
	require.Eventually(t, func() bool { return conn.audioChunks() >= 2 }, waitFor, 5*time.Millisecond)

	rec.emit(transcript.Event{Kind: transcript.StartOfTurn, TurnIndex: 1})
	require.Eventually(t, func() bool { return len(conn.ofType(EventBargeIn)) == 1 }, waitFor, 5*time.Millisecond)
	require.Equal(t, "start_of_turn", conn.ofType(EventBargeIn)[0].Reason)

	time.Sleep(50 * time.Millisecond)
	n := conn.audioChunks()
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, n, conn.audioChunks())
	require.Less(t, n, 10)
	require.False(t, h.m.Streams().IsSpeaking("s1"))

	conn.mu.Lock()
	resets := conn.resets
	conn.mu.Unlock()
	require.GreaterOrEqual(t, resets, 1)

	// The unfinished sentence is not recorded; the user's words stay.
	hist := h.history(t, "s1")
	require.Len(t, hist, 1)
	require.Equal(t, "tell me everything", hist[0].Content)
}

func TestOrchestrator_EnergyBargeInWithoutTurnDetection(t *testing.T) {
	h := newHarness(t, say("Let me walk you through the listings."))
	h.speaker.chunks = 10
	h.speaker.delay = 20 * time.Millisecond
	conn := newFakeConn("c1")
	a, rec := h.attach(t, "s1", conn)
	rec.flux.Store(false)

	rec.emit(transcript.Event{Kind: transcript.LegacyFinal, Transcript: "what do you have"})
	require.Eventually(t, func() bool { return conn.audioChunks() >= 1 }, waitFor, 5*time.Millisecond)

	a.HandleAudio(loudFrames(3))
	require.Eventually(t, func() bool { return len(conn.ofType(EventBargeIn)) == 1 }, waitFor, 5*time.Millisecond)
	require.Equal(t, "energy", conn.ofType(EventBargeIn)[0].Reason)
	require.Positive(t, rec.frames.Load())
}

func TestOrchestrator_EnergyIgnoredWithTurnDetection(t *testing.T) {
	h := newHarness(t, say("Let me walk you through the listings."))
	h.speaker.chunks = 10
	h.speaker.delay = 20 * time.Millisecond
	conn := newFakeConn("c1")
	a, rec := h.attach(t, "s1", conn)

	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 0, Transcript: "what do you have"})
	require.Eventually(t, func() bool { return conn.audioChunks() >= 1 }, waitFor, 5*time.Millisecond)

	a.HandleAudio(loudFrames(3))
	require.Eventually(t, func() bool { return conn.audioChunks() == 10 }, waitFor, 5*time.Millisecond)
	require.Empty(t, conn.ofType(EventBargeIn))
}

func TestOrchestrator_ResumedTurnReplacesEagerReply(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req llm.Request, cb llm.Callbacks) (llm.Result, error) {
		return say("You said "+lastUser(req)+".")(ctx, req, cb)
	})
	h.speaker.chunks = 5
	h.speaker.delay = 20 * time.Millisecond
	conn := newFakeConn("c1")
	_, rec := h.attach(t, "s1", conn)

	rec.emit(transcript.Event{Kind: transcript.EagerEndOfTurn, TurnIndex: 0, Transcript: "I want a", Confidence: 0.6})
	rec.emit(transcript.Event{Kind: transcript.TurnResumed, TurnIndex: 0})
	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 0, Transcript: "I want a house"})

	hist := h.waitHistory(t, "s1", 2)
	require.Equal(t, "I want a house", hist[0].Content)
	require.Equal(t, "You said I want a house.", hist[1].Content)

	reqs := h.gen.requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "I want a", lastUser(reqs[0]))
	require.Equal(t, "I want a house", lastUser(reqs[1]))
	require.Len(t, conn.ofType(EventTurnResumed), 1)
}

func TestOrchestrator_EagerEndOfTurnAnswersOnce(t *testing.T) {
	h := newHarness(t, say("Sure."))
	conn := newFakeConn("c1")
	_, rec := h.attach(t, "s1", conn)

	rec.emit(transcript.Event{Kind: transcript.EagerEndOfTurn, TurnIndex: 0, Transcript: "hi", Confidence: 0.8})
	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 0, Transcript: "hi"})

	h.waitHistory(t, "s1", 2)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, h.gen.requests(), 1)
	require.Len(t, h.history(t, "s1"), 2)
	require.Len(t, conn.ofType(EventEagerEndOfTurn), 1)
	require.Len(t, conn.ofType(EventEndOfTurn), 1)
}

func echoReply(ctx context.Context, req llm.Request, cb llm.Callbacks) (llm.Result, error) {
	return say("You said "+lastUser(req)+".")(ctx, req, cb)
}

func TestOrchestrator_EagerTurnSettledByLaterFinal(t *testing.T) {
	tests := []struct {
		name      string
		final     string
		wantUser  string
		wantReply string
		wantReqs  int
	}{
		{
			name:      "same transcript keeps the eager reply",
			final:     "Show me houses.",
			wantUser:  "show me houses",
			wantReply: "You said show me houses.",
			wantReqs:  1,
		},
		{
			name:      "changed transcript restarts the reply",
			final:     "show me houses in Austin",
			wantUser:  "show me houses in Austin",
			wantReply: "You said show me houses in Austin.",
			wantReqs:  2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, echoReply)
			h.speaker.chunks = 10
			h.speaker.delay = 20 * time.Millisecond
			conn := newFakeConn("c1")
			_, rec := h.attach(t, "s1", conn)

			rec.emit(transcript.Event{Kind: transcript.EagerEndOfTurn, TurnIndex: 0, Transcript: "show me houses", Confidence: 0.7})
			require.Eventually(t, func() bool { return conn.audioChunks() >= 1 }, waitFor, 5*time.Millisecond)
			rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 1, Transcript: tt.final})

			hist := h.waitHistory(t, "s1", 2)
			require.Equal(t, llm.RoleUser, hist[0].Role)
			require.Equal(t, tt.wantUser, hist[0].Content)
			require.Equal(t, tt.wantReply, hist[1].Content)

			time.Sleep(50 * time.Millisecond)
			require.Len(t, h.gen.requests(), tt.wantReqs)
			require.Len(t, h.history(t, "s1"), 2)
			if tt.wantReqs == 1 {
				require.Empty(t, conn.ofType(EventBargeIn))
			}
		})
	}
}

func TestOrchestrator_NewTurnClosesPendingEagerTurn(t *testing.T) {
	h := newHarness(t, echoReply)
	conn := newFakeConn("c1")
	_, rec := h.attach(t, "s1", conn)

	rec.emit(transcript.Event{Kind: transcript.EagerEndOfTurn, TurnIndex: 0, Transcript: "a flat", Confidence: 0.7})
	h.waitHistory(t, "s1", 2)
	rec.emit(transcript.Event{Kind: transcript.StartOfTurn, TurnIndex: 1})
	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 1, Transcript: "with a garden"})

	hist := h.waitHistory(t, "s1", 4)
	require.Equal(t, "a flat", hist[0].Content)
	require.Equal(t, "with a garden", hist[2].Content)
	require.Equal(t, "You said with a garden.", hist[3].Content)
	require.Len(t, h.gen.requests(), 2)
}

func TestOrchestrator_EagerTurnReentersAfterResume(t *testing.T) {
	h := newHarness(t, echoReply)
	h.speaker.chunks = 5
	h.speaker.delay = 20 * time.Millisecond
	conn := newFakeConn("c1")
	_, rec := h.attach(t, "s1", conn)

	rec.emit(transcript.Event{Kind: transcript.EagerEndOfTurn, TurnIndex: 0, Transcript: "I want a", Confidence: 0.6})
	rec.emit(transcript.Event{Kind: transcript.TurnResumed, TurnIndex: 0})
	rec.emit(transcript.Event{Kind: transcript.EagerEndOfTurn, TurnIndex: 0, Transcript: "I want a house", Confidence: 0.7})

	// The second eager reply starts before any final transcript.
	require.Eventually(t, func() bool { return len(h.gen.requests()) == 2 }, waitFor, 5*time.Millisecond)
	require.Equal(t, "I want a house", lastUser(h.gen.requests()[1]))

	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 0, Transcript: "I want a house"})

	hist := h.waitHistory(t, "s1", 2)
	require.Equal(t, "I want a house", hist[0].Content)
	require.Equal(t, "You said I want a house.", hist[1].Content)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, h.gen.requests(), 2)
}

func TestOrchestrator_StaleTurnEventsDropped(t *testing.T) {
	h := newHarness(t, say("Okay."))
	conn := newFakeConn("c1")
	_, rec := h.attach(t, "s1", conn)

	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 3, Transcript: "first"})
	h.waitHistory(t, "s1", 2)
	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 2, Transcript: "late"})
	rec.emit(transcript.Event{Kind: transcript.Update, TurnIndex: 4, Transcript: "next"})

	require.Eventually(t, func() bool {
		for _, ev := range conn.ofType(EventTranscript) {
			if ev.Text == "next" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	require.Len(t, h.gen.requests(), 1)
	require.Len(t, h.history(t, "s1"), 2)
}

func TestOrchestrator_ToolCallFollowUp(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, req llm.Request, cb llm.Callbacks) (llm.Result, error) {
		if len(req.Tools) > 0 {
			return llm.Result{
				ToolCalls: []llm.ToolCall{{
					ID:        "call_1",
					Name:      ToolCaptureLead,
					Arguments: json.RawMessage(`{"name":"Dana","bedrooms":3}`),
				}},
				FinishReason: llm.FinishToolCalls,
			}, nil
		}
		return say("Thanks, Dana.")(ctx, req, cb)
	})
	conn := newFakeConn("c1")
	_, rec := h.attach(t, "s1", conn)

	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 0, Transcript: "I'm Dana, I need three bedrooms"})

	hist := h.waitHistory(t, "s1", 4)
	require.Len(t, hist[1].ToolCalls, 1)
	require.Equal(t, llm.RoleTool, hist[2].Role)
	require.Equal(t, "call_1", hist[2].ToolCallID)
	require.Equal(t, "Thanks, Dana.", hist[3].Content)

	reqs := h.gen.requests()
	require.Len(t, reqs, 2)
	require.Nil(t, reqs[1].Tools)
	require.Equal(t, llm.RoleTool, reqs[1].Messages[len(reqs[1].Messages)-1].Role)

	st, err := h.m.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "Dana", st.Lead.Name)
	require.Equal(t, 3, st.Lead.Bedrooms)
}

func TestOrchestrator_ApologisesWhenGenerationFails(t *testing.T) {
	h := newHarness(t, func(context.Context, llm.Request, llm.Callbacks) (llm.Result, error) {
		return llm.Result{}, errors.New("model unavailable")
	})
	conn := newFakeConn("c1")
	_, rec := h.attach(t, "s1", conn)

	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 0, Transcript: "hello"})

	require.Eventually(t, func() bool { return len(conn.ofType(EventError)) == 1 }, waitFor, 5*time.Millisecond)
	require.Equal(t, []string{apologyText}, h.speaker.spoken())
	require.Len(t, h.history(t, "s1"), 1)
}

func TestOrchestrator_ApologisesOnceWhenSynthesisFails(t *testing.T) {
	h := newHarness(t, say("Broken sentence.", "Never spoken."))
	h.speaker.failOn = "Broken sentence."
	conn := newFakeConn("c1")
	_, rec := h.attach(t, "s1", conn)

	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 0, Transcript: "hello"})

	require.Eventually(t, func() bool { return len(conn.ofType(EventError)) == 1 }, waitFor, 5*time.Millisecond)
	require.Equal(t, []string{"Broken sentence.", apologyText}, h.speaker.spoken())
	require.Len(t, h.history(t, "s1"), 1)
}

func TestOrchestrator_GreetsNewAndReturningCallers(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	h := newHarness(t, say("Okay."), func(d *Deps) {
		d.Greeter = DefaultGreeting
		d.Now = clk.Now
	})
	ctx := context.Background()

	first := newFakeConn("c1")
	h.attach(t, "s1", first)
	require.Eventually(t, func() bool { return len(first.ofType(EventGreeting)) == 1 }, waitFor, 5*time.Millisecond)
	hist := h.waitHistory(t, "s1", 1)
	require.Equal(t, llm.RoleAssistant, hist[0].Role)
	require.Equal(t, DefaultGreeting(&SessionState{CallCount: 1}), hist[0].Content)

	_, err := h.m.UpdateLead(ctx, "s1", LeadInfo{Name: "Sam"})
	require.NoError(t, err)
	require.NoError(t, h.m.Detach(ctx, "s1", "c1"))
	clk.Advance(time.Minute)

	second := newFakeConn("c2")
	h.attach(t, "s1", second)
	require.Eventually(t, func() bool { return len(second.ofType(EventGreeting)) == 1 }, waitFor, 5*time.Millisecond)
	require.Equal(t, "Welcome back, Sam! Shall we pick up where we left off?", second.ofType(EventGreeting)[0].Text)

	st, err := h.m.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 2, st.CallCount)
}
