package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/chadiek/voice-agent/internal/sse"
)

// ErrTruncatedStream is returned when a stream ends without a terminator or finish reason.
var ErrTruncatedStream = errors.New("llm: stream ended unexpectedly")

type streamDelta struct {
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	Delta        streamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

type streamChunk struct {
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Stream requests a streamed completion. Tokens go to cb.OnToken, chunker
// boundaries to cb.OnSentence, and cb.OnComplete fires once on a normal end.
// When the primary model fails before any token was delivered the request is
// retried once on the fallback model.
func (c *Client) Stream(ctx context.Context, req Request, cb Callbacks) (Result, error) {
	if c.opts.APIKey == "" {
		return Result{}, ErrMissingKey
	}
	var lastErr error
	for i, model := range c.models() {
		if i > 0 {
			c.logger.Warn("llm: stream retrying on fallback model", zap.String("model", model), zap.Error(lastErr))
		}
		res, delivered, err := c.streamOnce(ctx, model, req, cb)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if delivered || ctx.Err() != nil {
			return res, err
		}
	}
	return Result{}, lastErr
}

// streamOnce runs one attempt and reports whether any token reached the callbacks.
func (c *Client) streamOnce(ctx context.Context, model string, req Request, cb Callbacks) (Result, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := c.post(ctx, c.buildRequest(model, req, true))
	if err != nil {
		return Result{}, false, err
	}
	reader := sse.NewReader(resp.Body)
	defer reader.Close()

	chunker := NewTextChunker(c.opts.ChunkWords)
	var (
		text      strings.Builder
		delivered bool
		finish    string
		calls     = map[int]*wireToolCall{}
	)
	res := Result{Model: model}

	for {
		ev, err := reader.Next()
		if errors.Is(err, sse.ErrDone) {
			break
		}
		if errors.Is(err, io.EOF) {
			if finish == "" {
				return partial(res, text.String()), delivered, fmt.Errorf("%w (model %s)", ErrTruncatedStream, model)
			}
			break
		}
		if err != nil {
			return partial(res, text.String()), delivered, fmt.Errorf("llm: read stream %s: %w", model, err)
		}

		var chunk streamChunk
		if err := json.Unmarshal(ev.Data, &chunk); err != nil {
			c.logger.Debug("llm: skipping malformed stream chunk", zap.ByteString("data", ev.Data), zap.Error(err))
			continue
		}
		if chunk.Error != nil {
			return partial(res, text.String()), delivered, fmt.Errorf("llm: stream error from %s: %s", model, chunk.Error.Message)
		}
		for _, choice := range chunk.Choices {
			if choice.Index != 0 {
				continue
			}
			if tok := choice.Delta.Content; tok != "" {
				delivered = true
				text.WriteString(tok)
				if cb.OnToken != nil {
					cb.OnToken(tok)
				}
				if sentence, ok := chunker.AddToken(tok); ok && cb.OnSentence != nil {
					cb.OnSentence(sentence)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				accumulateToolCall(calls, tc)
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finish = *choice.FinishReason
			}
		}
	}

	if rest := chunker.Flush(); strings.TrimSpace(rest) != "" && cb.OnSentence != nil {
		cb.OnSentence(rest)
	}

	res.Text = strings.TrimSpace(text.String())
	res.ToolCalls = collectToolCalls(calls)
	switch {
	case len(res.ToolCalls) > 0:
		res.FinishReason = FinishToolCalls
	case finish != "":
		res.FinishReason = finish
	default:
		res.FinishReason = FinishStop
	}
	if cb.OnComplete != nil {
		cb.OnComplete(res.Text)
	}
	return res, delivered, nil
}

func partial(res Result, text string) Result {
	res.Text = strings.TrimSpace(text)
	return res
}

// accumulateToolCall merges a streamed tool call fragment by index; names
// and ids arrive once, arguments arrive in pieces.
func accumulateToolCall(calls map[int]*wireToolCall, frag wireToolCall) {
	cur, ok := calls[frag.Index]
	if !ok {
		cur = &wireToolCall{Index: frag.Index}
		calls[frag.Index] = cur
	}
	if frag.ID != "" {
		cur.ID = frag.ID
	}
	if frag.Function.Name != "" {
		cur.Function.Name = frag.Function.Name
	}
	cur.Function.Arguments += frag.Function.Arguments
}

func collectToolCalls(calls map[int]*wireToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	idx := make([]int, 0, len(calls))
	for i := range calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]ToolCall, 0, len(idx))
	for _, i := range idx {
		tc := calls[i]
		if tc.Function.Name == "" {
			continue
		}
		out = append(out, fromWire(*tc))
	}
	return out
}
