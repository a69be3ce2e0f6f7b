package transcript

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
		want Event
	}{
		{
			name: "start of turn",
			in:   `{"type":"TurnInfo","event":"StartOfTurn","turn_index":2}`,
			ok:   true,
			want: Event{Kind: StartOfTurn, TurnIndex: 2},
		},
		{
			name: "eager end with confidence",
			in:   `{"type":"TurnInfo","event":"EagerEndOfTurn","turn_index":1,"transcript":" hi there ","end_of_turn_confidence":0.62}`,
			ok:   true,
			want: Event{Kind: EagerEndOfTurn, TurnIndex: 1, Transcript: "hi there", Confidence: 0.62},
		},
		{
			name: "unknown event",
			in:   `{"type":"TurnInfo","event":"Mystery","turn_index":1}`,
		},
		{
			name: "connected notice",
			in:   `{"type":"Connected","request_id":"abc"}`,
		},
		{
			name: "legacy interim",
			in:   `{"channel":{"alternatives":[{"transcript":"hello","confidence":0.9}]},"is_final":false}`,
			ok:   true,
			want: Event{Kind: LegacyPartial, Transcript: "hello", Confidence: 0.9},
		},
		{
			name: "legacy speech final",
			in:   `{"channel":{"alternatives":[{"transcript":"hello"}]},"is_final":true,"speech_final":true}`,
			ok:   true,
			want: Event{Kind: LegacyFinal, Transcript: "hello", IsFinal: true, SpeechFinal: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := ParseMessage([]byte(tt.in))
			require.NoError(t, err)
			require.Equal(t, tt.ok, ok)
			if tt.ok {
				require.Equal(t, tt.want, ev)
			}
		})
	}
}

func TestParseMessage_Errors(t *testing.T) {
	_, _, err := ParseMessage([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)

	_, ok, err := ParseMessage([]byte(`{"type":"Error","description":"bad audio"}`))
	require.False(t, ok)
	require.ErrorIs(t, err, ErrBackend)
	require.Contains(t, err.Error(), "bad audio")
}

func TestKind_String(t *testing.T) {
	require.Equal(t, "EagerEndOfTurn", EagerEndOfTurn.String())
	require.True(t, EndOfTurn.Native())
	require.False(t, LegacyFinal.Native())
	require.Equal(t, "Kind(42)", Kind(42).String())
}
