package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/barge"
	"github.com/chadiek/voice-agent/internal/llm"
	"github.com/chadiek/voice-agent/internal/transcript"
)

const apologyText = "Sorry, I ran into a problem on my end. Could you say that again?"

// stopWait bounds how long a superseded turn may take to unwind.
const stopWait = 5 * time.Second

// OrchestratorConfig tunes generation for every turn.
type OrchestratorConfig struct {
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	// TurnTimeout bounds one whole reply including speech.
	TurnTimeout time.Duration
}

// DefaultSystemPrompt is used when OrchestratorConfig.SystemPrompt is empty.
const DefaultSystemPrompt = `You are a friendly real estate assistant speaking on a phone call.
Keep every reply short and conversational: one or two sentences, no lists, no markdown.
Learn what the caller is looking for and record it with the tools you are given.`

// DefaultGreeting greets first-time callers and welcomes back returning ones.
func DefaultGreeting(st *SessionState) string {
	if st.CallCount > 1 {
		if st.Lead.Name != "" {
			return fmt.Sprintf("Welcome back, %s! Shall we pick up where we left off?", st.Lead.Name)
		}
		return "Welcome back! Shall we pick up where we left off?"
	}
	return "Hi there, thanks for calling! What kind of place are you looking for?"
}

type turnMark int

const (
	markNone turnMark = iota
	markEager
	markVoided
	markFinal
)

type turnResult struct {
	spoken      string
	toolCalls   []llm.ToolCall
	followUp    string
	interrupted bool
	err         error
}

// turn is one in-flight reply. result is written by the turn goroutine
// before done is closed; applied is touched only on the actor goroutine.
type turn struct {
	index    int
	greeting bool
	cancel   context.CancelFunc
	done     chan struct{}
	result   turnResult
	applied  bool
	discard  bool
}

type stateHost interface {
	state() *SessionState
	commit()
	post(fn func()) bool
}

// Orchestrator turns recognizer events into spoken replies for one session.
// Every method runs on the owning actor's goroutine.
type Orchestrator struct {
	sessionID string
	cfg       OrchestratorConfig
	gen       Generator
	speaker   Speaker
	streams   *StreamManager
	detector  *barge.Detector
	out       *hub
	host      stateHost
	baseCtx   context.Context
	now       func() time.Time
	logger    *zap.Logger

	current  *turn
	lastTurn int
	seenTurn bool
	turns    map[int]turnMark
	eager    *pendingEager
}

// pendingEager is an eager end of turn not yet settled by a final one.
// reply is the turn answering it; nil when nothing was launched.
type pendingEager struct {
	index  int
	text   string
	voided bool
	reply  *turn
}

func newOrchestrator(ctx context.Context, sessionID string, cfg OrchestratorConfig, gen Generator, speaker Speaker,
	streams *StreamManager, detector *barge.Detector, out *hub, host stateHost, now func() time.Time, logger *zap.Logger) *Orchestrator {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	return &Orchestrator{
		sessionID: sessionID,
		cfg:       cfg,
		gen:       gen,
		speaker:   speaker,
		streams:   streams,
		detector:  detector,
		out:       out,
		host:      host,
		baseCtx:   ctx,
		now:       now,
		logger:    logger,
		turns:     make(map[int]turnMark),
	}
}

func (o *Orchestrator) emit(ev ControlEvent) { o.out.broadcastControl(ev) }

func idx(i int) *int { return &i }

// HandleEvent applies one recognizer event.
func (o *Orchestrator) HandleEvent(ev transcript.Event) {
	if ev.Kind.Native() {
		if o.seenTurn && ev.TurnIndex < o.lastTurn {
			o.logger.Debug("dropping stale turn event", zap.Stringer("kind", ev.Kind), zap.Int("turn_index", ev.TurnIndex))
			return
		}
		if !o.seenTurn || ev.TurnIndex > o.lastTurn {
			o.forgetBefore(ev.TurnIndex - 8)
		}
		o.seenTurn = true
		o.lastTurn = ev.TurnIndex
	}

	i := ev.TurnIndex
	switch ev.Kind {
	case transcript.StartOfTurn:
		o.emit(ControlEvent{Type: EventStartOfTurn, TurnIndex: idx(i)})
		if p := o.eager; p != nil && i > p.index {
			// A new turn began without a final for the eager one; it stands.
			o.turns[p.index] = markFinal
			o.eager = nil
		}
		o.interrupt("start_of_turn")

	case transcript.Update:
		o.emit(ControlEvent{Type: EventTranscript, Text: ev.Transcript, TurnIndex: idx(i)})

	case transcript.EagerEndOfTurn:
		o.emit(ControlEvent{Type: EventEagerEndOfTurn, Text: ev.Transcript, TurnIndex: idx(i), Confidence: ev.Confidence})
		if ev.Transcript == "" {
			return
		}
		if m := o.turns[i]; m != markNone && m != markVoided {
			return
		}
		replace := false
		if p := o.eager; p != nil {
			o.turns[p.index] = markFinal
			replace = p.voided || o.inFlight(p.reply)
			if replace && p.reply != nil {
				p.reply.discard = true
			}
		}
		o.turns[i] = markEager
		o.startReply(i, ev.Transcript, replace)
		o.eager = &pendingEager{index: i, text: ev.Transcript, reply: o.current}

	case transcript.TurnResumed:
		o.emit(ControlEvent{Type: EventTurnResumed, TurnIndex: idx(i)})
		p := o.eager
		if p == nil || p.voided || i < p.index {
			return
		}
		p.voided = true
		o.turns[p.index] = markVoided
		if o.inFlight(p.reply) {
			p.reply.discard = true
			o.interrupt("turn_resumed")
		}

	case transcript.EndOfTurn:
		o.emit(ControlEvent{Type: EventEndOfTurn, Text: ev.Transcript, TurnIndex: idx(i), Confidence: ev.Confidence})
		o.emit(ControlEvent{Type: EventTranscript, Text: ev.Transcript, Final: true, TurnIndex: idx(i)})
		if p := o.eager; p != nil && i >= p.index {
			o.eager = nil
			o.turns[p.index] = markFinal
			o.turns[i] = markFinal
			o.settleEager(p, i, ev.Transcript)
			return
		}
		if o.turns[i] != markNone {
			o.logger.Debug("end of turn already answered", zap.Int("turn_index", i))
			return
		}
		if ev.Transcript == "" {
			return
		}
		o.turns[i] = markFinal
		o.startReply(i, ev.Transcript, false)

	case transcript.LegacyPartial:
		o.emit(ControlEvent{Type: EventTranscript, Text: ev.Transcript})

	case transcript.LegacyFinal:
		o.emit(ControlEvent{Type: EventTranscript, Text: ev.Transcript, Final: true})
		if ev.Transcript != "" {
			o.startReply(-1, ev.Transcript, false)
		}
	}
}

// settleEager resolves an eager turn with the final transcript of turn i.
// A matching transcript keeps the eager reply. A different one replaces the
// user message and restarts the reply if it is still playing; a finished
// reply stands and only the transcript is corrected.
func (o *Orchestrator) settleEager(p *pendingEager, i int, text string) {
	switch {
	case p.voided:
		if text != "" {
			o.startReply(i, text, true)
		}
	case text == "" || sameUtterance(text, p.text):
		o.logger.Debug("eager turn confirmed", zap.Int("eager_index", p.index), zap.Int("turn_index", i))
	case o.inFlight(p.reply):
		p.reply.discard = true
		o.startReply(i, text, true)
	default:
		st := o.host.state()
		now := o.now()
		st.ReplaceLastUser(text, now)
		st.UpdatedAt = now
		o.host.commit()
	}
}

func (o *Orchestrator) inFlight(t *turn) bool {
	return t != nil && o.current == t && !t.applied
}

// sameUtterance compares transcripts ignoring case, punctuation and spacing.
func sameUtterance(a, b string) bool {
	norm := func(s string) string {
		return strings.Join(strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		}), " ")
	}
	return norm(a) == norm(b)
}

func (o *Orchestrator) forgetBefore(i int) {
	for k := range o.turns {
		if k < i {
			delete(o.turns, k)
		}
	}
}

// interrupt stops the agent's audio and the in-flight turn. It reports
// whether audio was playing.
func (o *Orchestrator) interrupt(reason string) bool {
	stopped := o.streams.StopStream(o.sessionID)
	o.detector.AgentStoppedSpeaking()
	if o.current != nil {
		o.current.cancel()
	}
	if stopped {
		o.out.resetAudio()
		o.emit(ControlEvent{Type: EventBargeIn, Reason: reason})
		o.logger.Info("barge-in", zap.String("reason", reason))
	}
	return stopped
}

// abandon interrupts and drops whatever the in-flight turn would have
// added to the history.
func (o *Orchestrator) abandon(reason string) {
	if o.current != nil {
		o.current.discard = true
	}
	o.interrupt(reason)
}

// stopCurrent interrupts the in-flight turn and applies what it managed to
// say before the next turn starts.
func (o *Orchestrator) stopCurrent() {
	t := o.current
	if t == nil {
		return
	}
	o.interrupt("superseded")
	select {
	case <-t.done:
		o.finishTurn(t)
	case <-time.After(stopWait):
		o.logger.Warn("turn did not stop in time, abandoning it", zap.Int("turn_index", t.index))
		t.applied = true
		o.current = nil
	}
}

func (o *Orchestrator) startReply(i int, text string, replace bool) {
	o.stopCurrent()

	st := o.host.state()
	now := o.now()
	if replace {
		st.ReplaceLastUser(text, now)
	} else {
		st.Append(Message{Role: llm.RoleUser, Content: text, At: now})
	}
	st.advanceByTurns()
	st.UpdatedAt = now
	o.host.commit()

	if st.Stage == StageEnded {
		return
	}
	snap := st.Clone()
	o.launch(&turn{index: i}, func(ctx context.Context) turnResult {
		return o.runReply(ctx, snap)
	})
}

// Greet speaks text as the opening line of a call.
func (o *Orchestrator) Greet(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	o.stopCurrent()
	o.emit(ControlEvent{Type: EventGreeting, Text: text})
	o.launch(&turn{index: -1, greeting: true}, func(ctx context.Context) turnResult {
		u := o.newUtterance(ctx)
		u.say(text, tagReply)
		u.close()
		u.wait()
		return turnResult{spoken: u.text(tagReply), interrupted: u.interrupted, err: u.err}
	})
}

func (o *Orchestrator) launch(t *turn, run func(context.Context) turnResult) {
	ctx, cancel := context.WithTimeout(o.baseCtx, o.cfg.TurnTimeout)
	t.cancel = cancel
	t.done = make(chan struct{})
	o.current = t
	go func() {
		defer cancel()
		t.result = run(ctx)
		close(t.done)
		o.host.post(func() { o.finishTurn(t) })
	}()
}

func (o *Orchestrator) request(st *SessionState, tools bool) llm.Request {
	req := llm.Request{
		System:      o.cfg.SystemPrompt,
		Messages:    st.LLMMessages(),
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
	}
	if tools {
		req.Tools = ToolDefinitions()
	}
	return req
}

// runReply streams the model for snap and speaks it sentence by sentence.
// It runs on the turn goroutine and never touches the live state.
func (o *Orchestrator) runReply(ctx context.Context, snap *SessionState) turnResult {
	u := o.newUtterance(ctx)
	say := func(tag int) func(string) {
		return func(s string) { u.say(strings.TrimSpace(s), tag) }
	}

	var r turnResult
	res, err := o.gen.Stream(ctx, o.request(snap, true), llm.Callbacks{OnSentence: say(tagReply)})
	switch {
	case err != nil && ctx.Err() == nil:
		o.logger.Warn("generation failed", zap.Error(err))
		r.err = err
		u.say(apologyText, tagApology)
	case err == nil && len(res.ToolCalls) > 0:
		r.toolCalls = res.ToolCalls
		if res.Text == "" {
			scratch := snap.Clone()
			appendToolExchange(scratch, "", res.ToolCalls, o.now())
			if _, err := o.gen.Stream(ctx, o.request(scratch, false), llm.Callbacks{OnSentence: say(tagFollowUp)}); err != nil && ctx.Err() == nil {
				o.logger.Warn("follow-up generation failed", zap.Error(err))
				r.err = err
				u.say(apologyText, tagApology)
			}
		}
	}
	u.close()
	u.wait()

	r.spoken = u.text(tagReply)
	r.followUp = u.text(tagFollowUp)
	r.interrupted = u.interrupted || ctx.Err() != nil
	if r.err == nil {
		r.err = u.err
	}
	return r
}

// appendToolExchange records an assistant tool request and the replies of
// applying each call to st.
func appendToolExchange(st *SessionState, content string, calls []llm.ToolCall, now time.Time) {
	st.Append(Message{Role: llm.RoleAssistant, Content: content, ToolCalls: calls, At: now})
	for _, c := range calls {
		st.Append(Message{Role: llm.RoleTool, Name: c.Name, ToolCallID: c.ID, Content: applyToolCall(st, c, now), At: now})
	}
}

// finishTurn folds a completed turn into the session state. It is safe to
// call more than once.
func (o *Orchestrator) finishTurn(t *turn) {
	if t.applied {
		return
	}
	t.applied = true
	if o.current == t {
		o.current = nil
	}

	r := t.result
	if t.discard {
		o.logger.Debug("discarding reply to resumed turn", zap.Int("turn_index", t.index))
		return
	}
	st := o.host.state()
	now := o.now()
	switch {
	case len(r.toolCalls) > 0:
		appendToolExchange(st, r.spoken, r.toolCalls, now)
		if r.followUp != "" {
			st.Append(Message{Role: llm.RoleAssistant, Content: r.followUp, At: now})
		}
	case r.spoken != "":
		st.Append(Message{Role: llm.RoleAssistant, Content: r.spoken, At: now})
	}
	if r.err != nil {
		o.emit(ControlEvent{Type: EventError, Error: r.err.Error()})
	}
	o.logger.Debug("turn finished",
		zap.Int("turn_index", t.index),
		zap.Bool("interrupted", r.interrupted),
		zap.Int("tool_calls", len(r.toolCalls)))
	st.UpdatedAt = now
	o.host.commit()
}

// settle waits for the in-flight turn and applies it. Used on shutdown.
func (o *Orchestrator) settle() {
	if t := o.current; t != nil {
		t.cancel()
		select {
		case <-t.done:
			o.finishTurn(t)
		case <-time.After(stopWait):
			o.current = nil
		}
	}
}
