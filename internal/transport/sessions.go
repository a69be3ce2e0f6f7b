// Package transport carries session audio over websockets: a plain browser
// socket and Twilio media streams.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/chadiek/voice-agent/internal/agent"
)

// ErrClosed is returned when writing to a closed connection.
var ErrClosed = errors.New("transport: connection closed")

// ErrBackpressure is returned when an outbound queue is full.
var ErrBackpressure = errors.New("transport: outbound queue full")

// AudioSink receives inbound caller audio as PCM16 mono at the recognizer rate.
type AudioSink interface {
	HandleAudio(pcm []byte)
}

// Sessions is what a transport needs from the session manager.
type Sessions interface {
	Attach(ctx context.Context, id string, c agent.Connection) (AudioSink, error)
	Detach(ctx context.Context, id, connID string) error
	Interrupt(ctx context.Context, id string) (bool, error)
}

type managerSessions struct{ m *agent.Manager }

// FromManager adapts a session manager to Sessions.
func FromManager(m *agent.Manager) Sessions { return managerSessions{m: m} }

func (s managerSessions) Attach(ctx context.Context, id string, c agent.Connection) (AudioSink, error) {
	a, err := s.m.Attach(ctx, id, c)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (s managerSessions) Detach(ctx context.Context, id, connID string) error {
	return s.m.Detach(ctx, id, connID)
}

func (s managerSessions) Interrupt(ctx context.Context, id string) (bool, error) {
	return s.m.Interrupt(ctx, id)
}

// Client commands accepted on control channels.
const (
	CommandNone    = ""
	CommandBargeIn = "barge_in"
	CommandBye     = "bye"
)

// ParseCommand reads a client control message. Both bare words
// ("barge-in", "stop") and JSON objects ({"type":"barge_in"}) are accepted.
func ParseCommand(data []byte) string {
	word := strings.TrimSpace(string(data))
	if strings.HasPrefix(word, "{") {
		var m struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &m) != nil {
			return CommandNone
		}
		word = m.Type
	}
	switch strings.ToLower(strings.TrimSpace(word)) {
	case "barge-in", "barge_in", "bargein", "interrupt", "stop", "stop-speaking", "cancel":
		return CommandBargeIn
	case "bye", "hangup":
		return CommandBye
	}
	return CommandNone
}
