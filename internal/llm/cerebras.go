package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultBaseURL is the OpenAI-compatible Cerebras inference endpoint.
const DefaultBaseURL = "https://api.cerebras.ai/v1"

// ErrMissingKey is returned when no API key is configured.
var ErrMissingKey = errors.New("llm: api key missing")

// Options configures a Client.
type Options struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	Temperature   float64
	MaxTokens     int
	// Timeout bounds a single attempt, including the whole streamed body.
	Timeout    time.Duration
	ChunkWords int
}

// Client talks to an OpenAI-compatible chat completions API with a primary
// and a fallback model.
type Client struct {
	HTTPClient *http.Client
	opts       Options
	logger     *zap.Logger
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	Name       string         `json:"name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
}

type wireFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type wireToolCall struct {
	Index    int          `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function wireFunction `json:"function"`
}

type wireTool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Tools       []wireTool    `json:"tools,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

// NewClient builds a Client with defaults filled in.
func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.Model == "" {
		opts.Model = "gpt-oss-120b"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		// Attempts are bounded by context so streamed bodies are not cut short.
		HTTPClient: &http.Client{},
		opts:       opts,
		logger:     logger,
	}
}

// models lists the primary model followed by the fallback, if distinct.
func (c *Client) models() []string {
	models := []string{c.opts.Model}
	if fb := c.opts.FallbackModel; fb != "" && fb != c.opts.Model {
		models = append(models, fb)
	}
	return models
}

// Generate runs a non-streaming completion, retrying once on the fallback model.
func (c *Client) Generate(ctx context.Context, req Request) (Result, error) {
	if c.opts.APIKey == "" {
		return Result{}, ErrMissingKey
	}
	var lastErr error
	for i, model := range c.models() {
		if i > 0 {
			c.logger.Warn("llm: retrying on fallback model", zap.String("model", model), zap.Error(lastErr))
		}
		res, err := c.generateOnce(ctx, model, req)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return Result{}, lastErr
}

func (c *Client) generateOnce(ctx context.Context, model string, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	resp, err := c.post(ctx, c.buildRequest(model, req, false))
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Result{}, fmt.Errorf("llm: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return Result{}, fmt.Errorf("llm: empty choices")
	}
	choice := cr.Choices[0]
	res := Result{
		Text:         strings.TrimSpace(choice.Message.Content),
		FinishReason: choice.FinishReason,
		Model:        model,
	}
	for _, tc := range choice.Message.ToolCalls {
		res.ToolCalls = append(res.ToolCalls, fromWire(tc))
	}
	if len(res.ToolCalls) > 0 {
		res.FinishReason = FinishToolCalls
	} else if res.FinishReason == "" {
		res.FinishReason = FinishStop
	}
	return res, nil
}

func (c *Client) buildRequest(model string, req Request, stream bool) chatCompletionsRequest {
	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: RoleSystem, Content: req.System})
	}
	msgs = append(msgs, toWireMessages(req.Messages)...)

	temp := c.opts.Temperature
	if req.Temperature != 0 {
		temp = req.Temperature
	}
	maxTokens := c.opts.MaxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	out := chatCompletionsRequest{
		Model:     model,
		Messages:  msgs,
		Stream:    stream,
		MaxTokens: maxTokens,
	}
	if temp > 0 {
		out.Temperature = &temp
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{Type: "function", Function: t})
	}
	return out
}

func (c *Client) post(ctx context.Context, body chatCompletionsRequest) (*http.Response, error) {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.opts.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if body.Stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm: request %s: %w", body.Model, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("llm: %s status=%d body=%s", body.Model, resp.StatusCode, string(b))
	}
	return resp, nil
}

// toWireMessages converts history to API messages. Tool results whose
// assistant call was trimmed away are dropped.
func toWireMessages(in []Message) []chatMessage {
	known := make(map[string]bool)
	out := make([]chatMessage, 0, len(in))
	for _, m := range in {
		if m.Role == RoleTool && !known[m.ToolCallID] {
			continue
		}
		cm := chatMessage{Role: m.Role, Content: m.Content, Name: m.Name, ToolCallID: m.ToolCallID}
		for i, tc := range m.ToolCalls {
			known[tc.ID] = true
			cm.ToolCalls = append(cm.ToolCalls, wireToolCall{
				Index:    i,
				ID:       tc.ID,
				Type:     "function",
				Function: wireFunction{Name: tc.Name, Arguments: string(tc.Arguments)},
			})
		}
		out = append(out, cm)
	}
	return out
}

func fromWire(tc wireToolCall) ToolCall {
	args := strings.TrimSpace(tc.Function.Arguments)
	if args == "" || !json.Valid([]byte(args)) {
		args = "{}"
	}
	id := tc.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}
	return ToolCall{ID: id, Name: tc.Function.Name, Arguments: json.RawMessage(args)}
}
