package llm

import "encoding/json"

// Message roles understood by the chat completions API.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Finish reasons reported in Result.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
)

// Message is one role-tagged entry of the conversation sent to the model.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolDefinition describes a function the model may call. Parameters is a
// JSON-schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a structured function call requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Request is one generation request.
type Request struct {
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Result is the outcome of a completed generation.
type Result struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
	Model        string
}

// Callbacks receive streaming output. Any of them may be nil.
type Callbacks struct {
	// OnToken receives every raw fragment.
	OnToken func(token string)
	// OnSentence receives clause or sentence sized chunks.
	OnSentence func(chunk string)
	// OnComplete fires once with the full text when the stream ends normally.
	OnComplete func(text string)
}
