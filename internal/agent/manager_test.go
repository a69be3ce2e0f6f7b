package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/registry"
	"github.com/chadiek/voice-agent/internal/transcript"
)

func TestManager_GetUnknownSession(t *testing.T) {
	h := newHarness(t, say("Okay."))
	_, err := h.m.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.Nil(t, h.m.lookup("missing"))

	_, err = h.m.Reset(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestManager_SessionResumesAcrossCalls(t *testing.T) {
	h := newHarness(t, say("Okay."))
	ctx := context.Background()

	st, err := h.m.Init(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, st.CallCount)
	require.Equal(t, StageGreeting, st.Stage)
	require.True(t, st.Active)

	_, err = h.m.AppendMessage(ctx, "s1", llm.RoleUser, "I'm looking for a flat")
	require.NoError(t, err)

	st, err = h.m.Init(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 2, st.CallCount)
	require.Len(t, st.History, 1)
	require.Equal(t, StageDiscovery, st.Stage)

	// A fresh process sees the persisted session.
	h.m.Close()
	m2 := NewManager(Deps{Store: h.store, Greeter: func(*SessionState) string { return "" }}, time.Minute)
	defer m2.Close()
	st, err = m2.Init(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 3, st.CallCount)
	require.Equal(t, "I'm looking for a flat", st.History[0].Content)
}

func TestManager_RejectsInvalidInput(t *testing.T) {
	h := newHarness(t, say("Okay."))
	ctx := context.Background()
	_, err := h.m.Init(ctx, "s1")
	require.NoError(t, err)

	bad := Stage("negotiating")
	_, err = h.m.Update(ctx, "s1", SessionPatch{Stage: &bad})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.m.AppendMessage(ctx, "s1", llm.RoleTool, "{}")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.m.AppendMessage(ctx, "s1", llm.RoleUser, "  ")
	require.ErrorIs(t, err, ErrInvalidInput)

	closing := StageClosing
	active := false
	st, err := h.m.Update(ctx, "s1", SessionPatch{Stage: &closing, Active: &active})
	require.NoError(t, err)
	require.Equal(t, StageClosing, st.Stage)
	require.False(t, st.Active)
}

func TestManager_UpdateLeadMerges(t *testing.T) {
	h := newHarness(t, say("Okay."))
	ctx := context.Background()
	_, err := h.m.Init(ctx, "s1")
	require.NoError(t, err)

	_, err = h.m.UpdateLead(ctx, "s1", LeadInfo{Name: "Ada", Notes: "prefers mornings"})
	require.NoError(t, err)
	st, err := h.m.UpdateLead(ctx, "s1", LeadInfo{Email: "ada@example.com", Notes: "has a dog"})
	require.NoError(t, err)
	require.Equal(t, "Ada", st.Lead.Name)
	require.Equal(t, "ada@example.com", st.Lead.Email)
	require.Equal(t, "prefers mornings; has a dog", st.Lead.Notes)
	require.False(t, st.Lead.CreatedAt.IsZero())
}

func TestManager_EndAndReset(t *testing.T) {
	h := newHarness(t, say("Okay."))
	ctx := context.Background()
	conn := newFakeConn("c1")
	_, rec := h.attach(t, "s1", conn)

	_, err := h.m.AppendMessage(ctx, "s1", llm.RoleUser, "hello")
	require.NoError(t, err)
	_, err = h.m.UpdateLead(ctx, "s1", LeadInfo{Name: "Lee"})
	require.NoError(t, err)

	st, err := h.m.Reset(ctx, "s1")
	require.NoError(t, err)
	require.Empty(t, st.History)
	require.Empty(t, st.Lead.Name)
	require.Equal(t, StageGreeting, st.Stage)
	require.Equal(t, 1, st.CallCount)

	st, err = h.m.End(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StageEnded, st.Stage)
	require.False(t, st.Active)
	require.True(t, conn.isClosed())
	require.True(t, rec.closed.Load())

	h.notes.mu.Lock()
	last := h.notes.updates[len(h.notes.updates)-1]
	h.notes.mu.Unlock()
	require.Equal(t, registry.StatusEnded, last.Status)

	// Ended sessions come back on the next call.
	st, err = h.m.Init(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, StageGreeting, st.Stage)
	require.Equal(t, 2, st.CallCount)
}

func TestManager_SharedConnectionsAndDetach(t *testing.T) {
	h := newHarness(t, say("Hello both."))
	ctx := context.Background()
	c1, c2 := newFakeConn("c1"), newFakeConn("c2")
	a, rec := h.attach(t, "s1", c1)
	_, err := h.m.Attach(ctx, "s1", c2)
	require.NoError(t, err)
	require.Equal(t, 2, a.Connections())

	rec.emit(transcript.Event{Kind: transcript.EndOfTurn, TurnIndex: 0, Transcript: "hi"})
	h.waitHistory(t, "s1", 2)
	require.Equal(t, 2, c1.audioChunks())
	require.Equal(t, 2, c2.audioChunks())

	st, err := h.m.Get(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 1, st.CallCount)

	require.NoError(t, h.m.Detach(ctx, "s1", "c1"))
	require.False(t, rec.closed.Load())
	require.True(t, a.IdleSince().IsZero())

	require.NoError(t, h.m.Detach(ctx, "s1", "c2"))
	require.True(t, rec.closed.Load())
	require.False(t, a.IdleSince().IsZero())
}

func TestManager_ReapsIdleActors(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	h := newHarness(t, say("Okay."), func(d *Deps) { d.Now = clk.Now })
	ctx := context.Background()

	conn := newFakeConn("c1")
	h.attach(t, "busy", conn)
	_, err := h.m.Init(ctx, "quiet")
	require.NoError(t, err)

	clk.Advance(2 * time.Minute)
	h.m.reap()
	require.Nil(t, h.m.lookup("quiet"))
	require.NotNil(t, h.m.lookup("busy"))

	st, err := h.m.Get(ctx, "quiet")
	require.NoError(t, err)
	require.Equal(t, 1, st.CallCount)
}

func TestManager_ArchivesLongInactiveSessions(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newMemStore()
	old := NewSessionState("s1", clk.Now())
	old.CallCount = 1
	old.LastCallAt = clk.Now()
	require.NoError(t, store.Save(context.Background(), old))
	clk.Advance(48 * time.Hour)

	m := NewManager(Deps{Store: store, Now: clk.Now, ArchiveAfter: 24 * time.Hour}, time.Minute)
	defer m.Close()

	st, err := m.Get(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, st.Archived)

	st, err = m.Init(context.Background(), "s1")
	require.NoError(t, err)
	require.False(t, st.Archived)
	require.Equal(t, 2, st.CallCount)
}

type countingRecognizer struct {
	fakeRecognizer
	connects atomic.Int32
	failFor  int32
}

func (r *countingRecognizer) Connect(context.Context) error {
	if n := r.connects.Add(1); n <= r.failFor {
		return errors.New("dial refused")
	}
	return nil
}

func TestActor_ReconnectsRecognizer(t *testing.T) {
	recs := make(chan *countingRecognizer, 2)
	h := newHarness(t, say("Okay."), func(d *Deps) {
		d.NewRecognizer = func(hd transcript.Handlers) Recognizer {
			r := &countingRecognizer{failFor: 1}
			r.h = hd
			recs <- r
			return r
		}
	})
	conn := newFakeConn("c1")
	_, err := h.m.Attach(context.Background(), "s1", conn)
	require.NoError(t, err)
	rec := <-recs

	require.Eventually(t, func() bool { return rec.connects.Load() == 2 }, waitFor, 10*time.Millisecond)

	rec.fail(errors.New("socket closed"))
	require.Eventually(t, func() bool { return rec.connects.Load() == 3 }, waitFor, 10*time.Millisecond)
	require.Len(t, conn.ofType(EventError), 1)
}
