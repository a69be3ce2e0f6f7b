package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chadiek/voice-agent/internal/llm"
)

// Tool names offered to the model.
const (
	ToolCaptureLead      = "capture_lead_info"
	ToolScheduleCallback = "schedule_callback"
	ToolUpdateStage      = "update_stage"
	ToolEndConversation  = "end_conversation"
)

// ToolDefinitions returns the tools the agent exposes to the model.
func ToolDefinitions() []llm.ToolDefinition {
	str := map[string]any{"type": "string"}
	num := map[string]any{"type": "number"}
	return []llm.ToolDefinition{
		{
			Name:        ToolCaptureLead,
			Description: "Record details the caller shared about themselves or the property they want.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":          str,
					"phone":         str,
					"email":         str,
					"property_type": str,
					"location":      str,
					"bedrooms":      map[string]any{"type": "integer"},
					"budget_min":    num,
					"budget_max":    num,
					"timeline":      str,
					"notes":         str,
					"score":         map[string]any{"type": "integer", "minimum": 0, "maximum": 100},
				},
			},
		},
		{
			Name:        ToolScheduleCallback,
			Description: "Schedule a follow-up call with the caller.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"time":  map[string]any{"type": "string", "description": "When to call back, as the caller said it or RFC 3339."},
					"notes": str,
				},
				"required": []string{"time"},
			},
		},
		{
			Name:        ToolUpdateStage,
			Description: "Move the conversation to another stage.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"stage": map[string]any{
						"type": "string",
						"enum": []string{string(StageDiscovery), string(StageQualifying), string(StageClosing)},
					},
				},
				"required": []string{"stage"},
			},
		},
		{
			Name:        ToolEndConversation,
			Description: "End the call once the caller is done.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"reason": str},
			},
		},
	}
}

// applyToolCall mutates st for call and returns the tool reply sent back to
// the model.
func applyToolCall(st *SessionState, call llm.ToolCall, now time.Time) string {
	reply := func(v map[string]any) string {
		b, _ := json.Marshal(v)
		return string(b)
	}
	fail := func(err error) string { return reply(map[string]any{"ok": false, "error": err.Error()}) }

	switch call.Name {
	case ToolCaptureLead:
		var patch LeadInfo
		if err := json.Unmarshal(call.Arguments, &patch); err != nil {
			return fail(fmt.Errorf("invalid arguments: %w", err))
		}
		st.Lead.Merge(patch, now)
		return reply(map[string]any{"ok": true})

	case ToolScheduleCallback:
		var args struct {
			Time  string `json:"time"`
			Notes string `json:"notes"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return fail(fmt.Errorf("invalid arguments: %w", err))
		}
		if strings.TrimSpace(args.Time) == "" {
			return fail(fmt.Errorf("time is required"))
		}
		st.Lead.Merge(LeadInfo{CallbackAt: args.Time, Notes: args.Notes}, now)
		if st.Stage != StageEnded {
			st.Stage = StageClosing
		}
		return reply(map[string]any{"ok": true, "callback_at": args.Time})

	case ToolUpdateStage:
		var args struct {
			Stage Stage `json:"stage"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return fail(fmt.Errorf("invalid arguments: %w", err))
		}
		if !args.Stage.Valid() || args.Stage == StageEnded || args.Stage == StageGreeting {
			return fail(fmt.Errorf("unsupported stage %q", args.Stage))
		}
		if st.Stage != StageEnded {
			st.Stage = args.Stage
		}
		return reply(map[string]any{"ok": true, "stage": st.Stage})

	case ToolEndConversation:
		var args struct {
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(call.Arguments, &args)
		st.Stage = StageEnded
		st.Active = false
		if args.Reason != "" {
			st.Lead.Merge(LeadInfo{Notes: "ended: " + args.Reason}, now)
		}
		return reply(map[string]any{"ok": true})
	}
	return fail(fmt.Errorf("unknown tool %q", call.Name))
}
