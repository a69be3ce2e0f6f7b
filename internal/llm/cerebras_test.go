package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts Options) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	if opts.APIKey == "" {
		opts.APIKey = "key"
	}
	if opts.Model == "" {
		opts.Model = "primary"
	}
	opts.Timeout = time.Second
	c := NewClient(opts, nil)
	c.HTTPClient = &http.Client{Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		req.URL.Scheme = "http"
		req.URL.Host = srv.Listener.Addr().String()
		return http.DefaultTransport.RoundTrip(req)
	})}
	return c
}

func TestGenerate_NoKey(t *testing.T) {
	c := NewClient(Options{Model: "model"}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Generate(ctx, Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	require.ErrorIs(t, err, ErrMissingKey)
}

func TestGenerate_HTTPFailures(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"status_non_2xx", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(500); _, _ = w.Write([]byte("oops")) }},
		{"bad_json", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("not-json")) }},
		{"empty_choices", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(200)
			_, _ = w.Write([]byte(`{"choices":[]}`))
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, tc.handler, Options{})
			_, err := c.Generate(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
			require.Error(t, err)
		})
	}
}

func TestGenerate_FallbackModelAndToolCalls(t *testing.T) {
	var models []string
	handler := func(w http.ResponseWriter, r *http.Request) {
		var body chatCompletionsRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		models = append(models, body.Model)
		require.Equal(t, RoleSystem, body.Messages[0].Role)
		require.Len(t, body.Tools, 1)
		if body.Model == "primary" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"",
			"tool_calls":[{"id":"c1","type":"function","function":{"name":"update_stage","arguments":"{\"stage\":\"closing\"}"}}]}}]}`))
	}
	c := newTestClient(t, handler, Options{FallbackModel: "backup"})
	res, err := c.Generate(context.Background(), Request{
		System:   "be brief",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Tools:    []ToolDefinition{{Name: "update_stage", Parameters: map[string]any{"type": "object"}}},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"primary", "backup"}, models)
	require.Equal(t, "backup", res.Model)
	require.Equal(t, FinishToolCalls, res.FinishReason)
	require.Len(t, res.ToolCalls, 1)
	require.Equal(t, "update_stage", res.ToolCalls[0].Name)
	require.JSONEq(t, `{"stage":"closing"}`, string(res.ToolCalls[0].Arguments))
}

func TestToWireMessages_DropsOrphanToolResults(t *testing.T) {
	msgs := toWireMessages([]Message{
		{Role: RoleTool, ToolCallID: "gone", Content: "ok"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "x", Arguments: json.RawMessage(`{}`)}}},
		{Role: RoleTool, ToolCallID: "c1", Content: "done"},
	})
	require.Len(t, msgs, 2)
	require.Equal(t, RoleAssistant, msgs[0].Role)
	require.Equal(t, "c1", msgs[1].ToolCallID)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
