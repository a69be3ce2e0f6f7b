package agent

import (
	"context"

	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/tts"
)

// Sentence origins within one turn.
const (
	tagReply = iota
	tagFollowUp
	tagApology
)

type sentence struct {
	text string
	tag  int
}

// utterance speaks the sentences of one turn in order on its own goroutine,
// so generation keeps streaming while earlier sentences are paced out. All
// sentences share one stream handle and one pacer.
type utterance struct {
	o     *Orchestrator
	ctx   context.Context
	queue chan sentence
	done  chan struct{}

	// owned by the speaking goroutine until done is closed
	handle      *StreamHandle
	pacer       *tts.Pacer
	spoken      []sentence
	interrupted bool
	failed      bool
	apologized  bool
	err         error
}

func (o *Orchestrator) newUtterance(ctx context.Context) *utterance {
	u := &utterance{
		o:     o,
		ctx:   ctx,
		queue: make(chan sentence, 64),
		done:  make(chan struct{}),
		pacer: o.speaker.NewPacer(),
	}
	go u.run()
	return u
}

// say queues text. It must not be called after close.
func (u *utterance) say(text string, tag int) {
	if text == "" {
		return
	}
	u.queue <- sentence{text: text, tag: tag}
}

func (u *utterance) close() { close(u.queue) }

// wait blocks until every queued sentence was spoken or dropped.
func (u *utterance) wait() { <-u.done }

func (u *utterance) run() {
	defer close(u.done)
	for s := range u.queue {
		u.speak(s)
	}
	if u.handle != nil {
		u.o.streams.FinishStream(u.handle)
		u.o.detector.AgentStoppedSpeaking()
	}
}

func (u *utterance) speak(s sentence) {
	if u.interrupted || u.ctx.Err() != nil || (u.handle != nil && u.handle.Cancelled()) {
		u.interrupted = true
		return
	}
	if s.tag == tagApology {
		if u.apologized {
			return
		}
		u.apologized = true
	} else if u.failed {
		return
	}
	if u.handle == nil {
		u.handle = u.o.streams.StartStream(u.o.sessionID)
		u.o.detector.AgentStartedSpeaking()
	}

	h := u.handle
	u.o.emit(ControlEvent{Type: EventAgentText, Text: s.text})
	format := u.o.speaker.Format()
	res, err := u.o.speaker.StreamSpeech(u.ctx, s.text, func(pcm []byte) {
		if h.Cancelled() {
			return
		}
		u.o.out.broadcastAudio(pcm, format)
	}, tts.StreamOptions{ShouldStop: h.Cancelled, Pacer: u.pacer})

	switch {
	case res.Interrupted || h.Cancelled():
		u.interrupted = true
	case err != nil && u.ctx.Err() != nil:
		u.interrupted = true
	case err != nil:
		u.o.logger.Warn("speech synthesis failed", zap.Error(err), zap.Int("chunks_sent", res.Chunks))
		u.failed = true
		if u.err == nil {
			u.err = err
		}
		if s.tag != tagApology {
			u.speak(sentence{text: apologyText, tag: tagApology})
		}
	default:
		u.spoken = append(u.spoken, s)
	}
}

// text joins the fully spoken sentences carrying one of tags.
func (u *utterance) text(tags ...int) string {
	var out string
	for _, s := range u.spoken {
		for _, t := range tags {
			if s.tag == t {
				if out != "" {
					out += " "
				}
				out += s.text
				break
			}
		}
	}
	return out
}
