package llm

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkWords is the word count after which clause punctuation ends a chunk.
const DefaultChunkWords = 12

// sentenceWords is the fewest words a sentence chunk may carry; shorter
// sentences such as "Sure." ride along with the next one.
const sentenceWords = 3

// TextChunker accumulates model tokens and cuts them into chunks sized for
// incremental synthesis. Sentence punctuation ends a chunk once it holds a
// few words; clause punctuation ends one once it holds at least minWords
// words; a chunk with
// no punctuation is cut at a word boundary at twice minWords. Emitted chunks
// concatenate back to exactly the input.
type TextChunker struct {
	minWords      int
	sentenceWords int
	buf           strings.Builder
}

// NewTextChunker returns a chunker; minWords <= 0 selects DefaultChunkWords.
func NewTextChunker(minWords int) *TextChunker {
	if minWords <= 0 {
		minWords = DefaultChunkWords
	}
	return &TextChunker{minWords: minWords, sentenceWords: min(sentenceWords, minWords)}
}

// AddToken appends token and returns a completed chunk when one is ready.
func (c *TextChunker) AddToken(token string) (string, bool) {
	if token != "" {
		c.buf.WriteString(token)
	}
	buf := c.buf.String()
	cut := c.findCut(buf)
	if cut <= 0 {
		return "", false
	}
	chunk := buf[:cut]
	if strings.TrimSpace(chunk) == "" {
		return "", false
	}
	rest := buf[cut:]
	c.buf.Reset()
	c.buf.WriteString(rest)
	return chunk, true
}

// Flush returns whatever is buffered and resets the chunker.
func (c *TextChunker) Flush() string {
	s := c.buf.String()
	c.buf.Reset()
	return s
}

// Pending reports whether text is buffered.
func (c *TextChunker) Pending() bool { return c.buf.Len() > 0 }

// findCut returns the byte offset just past the first acceptable boundary,
// or 0 when the buffer should keep growing.
func (c *TextChunker) findCut(buf string) int {
	words := 0
	inWord := false
	lastSpace := 0
	for i, r := range buf {
		if unicode.IsSpace(r) {
			if inWord {
				lastSpace = i
			}
			inWord = false
		} else if !inWord {
			inWord = true
			words++
		}

		next := i + utf8.RuneLen(r)
		switch {
		case isSentenceEnd(r):
			// Needs the following rune to rule out decimals and
			// abbreviations; end of buffer waits for the next token.
			if words >= c.sentenceWords && next < len(buf) && followsWithSpace(buf[next:]) && !isAbbreviation(buf[:i]) {
				return next
			}
		case r == '\n':
			if words > 0 {
				return next
			}
		case isClausePunct(r):
			if words >= c.minWords && next < len(buf) && followsWithSpace(buf[next:]) {
				return next
			}
		}
	}
	if words >= 2*c.minWords && lastSpace > 0 {
		return lastSpace
	}
	return 0
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

func isClausePunct(r rune) bool {
	switch r {
	case ',', ';', ':', '—', '–':
		return true
	}
	return false
}

func followsWithSpace(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	return unicode.IsSpace(r)
}

var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "st": {}, "sr": {}, "jr": {},
	"vs": {}, "etc": {}, "e.g": {}, "i.e": {}, "approx": {}, "apt": {}, "ave": {},
}

// isAbbreviation reports whether the word ending at the end of prefix is a
// common abbreviation whose period does not end the sentence.
func isAbbreviation(prefix string) bool {
	i := strings.LastIndexFunc(prefix, unicode.IsSpace)
	word := strings.ToLower(prefix[i+1:])
	_, ok := abbreviations[word]
	return ok
}
