// Package transcript streams caller audio to the recognition backend and
// normalises its replies into turn events.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates Event.
type Kind int

const (
	StartOfTurn Kind = iota + 1
	Update
	EagerEndOfTurn
	TurnResumed
	EndOfTurn
	// LegacyPartial and LegacyFinal come from recognizers without native
	// turn detection; the channel assigns their turn index.
	LegacyPartial
	LegacyFinal
)

var kindNames = map[Kind]string{
	StartOfTurn:    "StartOfTurn",
	Update:         "Update",
	EagerEndOfTurn: "EagerEndOfTurn",
	TurnResumed:    "TurnResumed",
	EndOfTurn:      "EndOfTurn",
	LegacyPartial:  "LegacyPartial",
	LegacyFinal:    "LegacyFinal",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Native reports whether k comes from native turn detection.
func (k Kind) Native() bool { return k >= StartOfTurn && k <= EndOfTurn }

// Event is one normalised recognition event.
type Event struct {
	Kind       Kind
	TurnIndex  int
	Transcript string
	// Confidence is the end-of-turn confidence of EagerEndOfTurn and EndOfTurn.
	Confidence float64
	// IsFinal and SpeechFinal carry the legacy segment flags.
	IsFinal     bool
	SpeechFinal bool
}

// ErrBackend wraps an error message reported by the recognition backend.
var ErrBackend = errors.New("transcript: backend error")

type wireMessage struct {
	Type                string   `json:"type"`
	Event               *string  `json:"event"`
	TurnIndex           int      `json:"turn_index"`
	Transcript          string   `json:"transcript"`
	EndOfTurnConfidence *float64 `json:"end_of_turn_confidence"`
	Description         string   `json:"description"`
	Message             string   `json:"message"`

	Channel *struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	IsFinal     bool `json:"is_final"`
	SpeechFinal bool `json:"speech_final"`
}

var nativeKinds = map[string]Kind{
	"StartOfTurn":    StartOfTurn,
	"Update":         Update,
	"EagerEndOfTurn": EagerEndOfTurn,
	"TurnResumed":    TurnResumed,
	"EndOfTurn":      EndOfTurn,
}

// ParseMessage normalises one backend text message. ok is false for
// messages that carry no turn information (metadata, connection notices,
// unknown events). Legacy events carry TurnIndex zero.
func ParseMessage(data []byte) (ev Event, ok bool, err error) {
	var m wireMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return Event{}, false, fmt.Errorf("transcript: decode message: %w", err)
	}
	if strings.EqualFold(m.Type, "Error") {
		desc := m.Description
		if desc == "" {
			desc = m.Message
		}
		return Event{}, false, fmt.Errorf("%w: %s", ErrBackend, desc)
	}

	if m.Event != nil {
		kind, known := nativeKinds[*m.Event]
		if !known {
			return Event{}, false, nil
		}
		ev = Event{Kind: kind, TurnIndex: m.TurnIndex, Transcript: strings.TrimSpace(m.Transcript)}
		if m.EndOfTurnConfidence != nil {
			ev.Confidence = *m.EndOfTurnConfidence
		}
		return ev, true, nil
	}

	if m.Channel != nil {
		ev = Event{Kind: LegacyPartial, IsFinal: m.IsFinal, SpeechFinal: m.SpeechFinal}
		if len(m.Channel.Alternatives) > 0 {
			ev.Transcript = strings.TrimSpace(m.Channel.Alternatives[0].Transcript)
			ev.Confidence = m.Channel.Alternatives[0].Confidence
		}
		if m.IsFinal || m.SpeechFinal {
			ev.Kind = LegacyFinal
		}
		return ev, true, nil
	}
	return Event{}, false, nil
}
