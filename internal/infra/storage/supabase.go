package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"

	"github.com/chadiek/voice-agent/internal/agent"
)

// DefaultSupabaseTable is the table holding one row per session.
const DefaultSupabaseTable = "sessions"

// SupabaseConfig configures the Supabase store.
type SupabaseConfig struct {
	URL            string
	ServiceRoleKey string
	Table          string
}

// Supabase stores sessions through PostgREST. The full state lives in a
// jsonb column; a few fields are copied out for querying from the dashboard.
type Supabase struct {
	client *supabase.Client
	table  string
}

type sessionRow struct {
	ID         string          `json:"id"`
	State      json.RawMessage `json:"state"`
	Stage      string          `json:"stage"`
	CallCount  int             `json:"call_count"`
	Active     bool            `json:"active"`
	LastCallAt *time.Time      `json:"last_call_at,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewSupabase connects to the project at cfg.URL.
func NewSupabase(cfg SupabaseConfig) (*Supabase, error) {
	if cfg.URL == "" || cfg.ServiceRoleKey == "" {
		return nil, errors.New("storage: SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
	}
	if cfg.Table == "" {
		cfg.Table = DefaultSupabaseTable
	}
	client, err := supabase.NewClient(cfg.URL, cfg.ServiceRoleKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("storage: create supabase client: %w", err)
	}
	return &Supabase{client: client, table: cfg.Table}, nil
}

// Load reads one row. The postgrest client takes no context, so ctx is only
// checked before the request.
func (s *Supabase) Load(ctx context.Context, id string) (*agent.SessionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, _, err := s.client.From(s.table).Select("id,state", "", false).Eq("id", id).Execute()
	if err != nil {
		return nil, fmt.Errorf("storage: load session %s: %w", id, err)
	}
	var rows []sessionRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("storage: decode session %s: %w", id, err)
	}
	if len(rows) == 0 || len(rows[0].State) == 0 {
		return nil, agent.ErrSessionNotFound
	}
	var st agent.SessionState
	if err := json.Unmarshal(rows[0].State, &st); err != nil {
		return nil, fmt.Errorf("storage: decode session %s state: %w", id, err)
	}
	return &st, nil
}

func (s *Supabase) Save(ctx context.Context, st *agent.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	state, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("storage: encode session %s: %w", st.ID, err)
	}
	row := sessionRow{
		ID:        st.ID,
		State:     state,
		Stage:     string(st.Stage),
		CallCount: st.CallCount,
		Active:    st.Active,
		UpdatedAt: st.UpdatedAt,
	}
	if !st.LastCallAt.IsZero() {
		row.LastCallAt = &st.LastCallAt
	}
	if _, _, err := s.client.From(s.table).Upsert(row, "id", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("storage: save session %s: %w", st.ID, err)
	}
	return nil
}
