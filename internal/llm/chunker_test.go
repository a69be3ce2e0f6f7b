package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func feed(c *TextChunker, tokens []string) []string {
	var chunks []string
	for _, tok := range tokens {
		if chunk, ok := c.AddToken(tok); ok {
			chunks = append(chunks, chunk)
		}
	}
	if rest := c.Flush(); rest != "" {
		chunks = append(chunks, rest)
	}
	return chunks
}

func TestTextChunker_SentenceBoundaries(t *testing.T) {
	c := NewTextChunker(0)
	tokens := []string{"We have ", "three listings", " in Austin.", " Would you", " like details?", " Great"}
	chunks := feed(c, tokens)
	require.Equal(t, []string{
		"We have three listings in Austin.",
		" Would you like details?",
		" Great",
	}, chunks)
}

func TestTextChunker_ShortSentenceJoinsNext(t *testing.T) {
	c := NewTextChunker(0)
	chunks := feed(c, []string{"Sure.", " I can", " help with that.", " Okay.", " Anything else?", " Bye"})
	require.Equal(t, []string{
		"Sure. I can help with that.",
		" Okay. Anything else?",
		" Bye",
	}, chunks)
	for _, ch := range chunks[:len(chunks)-1] {
		require.GreaterOrEqual(t, len(strings.Fields(ch)), 3)
	}
}

func TestTextChunker_WaitsForFollowingRune(t *testing.T) {
	c := NewTextChunker(0)
	_, ok := c.AddToken("The price is 3.")
	require.False(t, ok)
	_, ok = c.AddToken("5 million")
	require.False(t, ok)
	require.Equal(t, "The price is 3.5 million", c.Flush())
}

func TestTextChunker_Abbreviation(t *testing.T) {
	c := NewTextChunker(0)
	chunks := feed(c, []string{"Ask for Dr. Lee", " tomorrow. Thanks"})
	require.Equal(t, []string{"Ask for Dr. Lee tomorrow.", " Thanks"}, chunks)
}

func TestTextChunker_ClauseNeedsWordThreshold(t *testing.T) {
	c := NewTextChunker(4)
	chunks := feed(c, strings.SplitAfter("Sure, one two three four, and then the rest", " "))
	require.Equal(t, []string{"Sure, one two three four,", " and then the rest"}, chunks)
}

func TestTextChunker_HardCapWithoutPunctuation(t *testing.T) {
	c := NewTextChunker(2)
	chunks := feed(c, strings.SplitAfter("a b c d e f g", " "))
	require.Greater(t, len(chunks), 1)
	for _, ch := range chunks[:len(chunks)-1] {
		require.LessOrEqual(t, len(strings.Fields(ch)), 4)
	}
}

func TestTextChunker_Completeness(t *testing.T) {
	inputs := [][]string{
		{"Hello", " there", ". ", "How", " are", " you", "?", " I'm", " fine", ", thanks", "!"},
		{"One. Two. Three. Four."},
		{"  leading space", ", and\nnewline", " done…", " ok"},
		{"Mr. Smith, Mrs. Jones; and e.g. others: all", " here."},
		{""},
		{"word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "word ", "end"},
		{"Ünïcödé wörds. ", "naïve café", ", résumé."},
	}
	for _, tokens := range inputs {
		c := NewTextChunker(3)
		chunks := feed(c, tokens)
		require.Equal(t, strings.Join(tokens, ""), strings.Join(chunks, ""))
		for _, ch := range chunks {
			require.NotEmpty(t, strings.TrimSpace(ch))
		}
	}
}
