package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func TestRegistry_UpsertMergesFields(t *testing.T) {
	r := New(Options{}, nil)
	defer r.Close()
	ctx := context.Background()
	base := time.Unix(1000, 0)

	require.NoError(t, r.Register(ctx, Update{SessionID: "a", CallCount: intp(1), Stage: "greeting", At: base}))
	require.NoError(t, r.Register(ctx, Update{SessionID: "a", Connections: intp(2), At: base.Add(time.Second)}))

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	rec := list[0]
	require.Equal(t, StatusActive, rec.Status)
	require.Equal(t, 1, rec.CallCount)
	require.Equal(t, 2, rec.Connections)
	require.Equal(t, "greeting", rec.Stage)
	require.Equal(t, base, rec.CreatedAt)
	require.Equal(t, base.Add(time.Second), rec.UpdatedAt)
}

func TestRegistry_ListNewestFirst(t *testing.T) {
	r := New(Options{}, nil)
	defer r.Close()
	ctx := context.Background()
	base := time.Unix(1000, 0)

	for _, u := range []Update{
		{SessionID: "old", At: base},
		{SessionID: "newest", At: base.Add(2 * time.Second)},
		{SessionID: "middle", At: base.Add(time.Second)},
	} {
		require.NoError(t, r.Register(ctx, u))
	}
	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"newest", "middle", "old"}, []string{list[0].SessionID, list[1].SessionID, list[2].SessionID})
}

func TestRegistry_UnregisterKeepsRecordUntilPurged(t *testing.T) {
	r := New(Options{}, nil)
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, Update{SessionID: "a", Connections: intp(1)}))
	require.NoError(t, r.Register(ctx, Update{SessionID: "b"}))
	require.NoError(t, r.Unregister(ctx, "a"))

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	for _, rec := range list {
		if rec.SessionID == "a" {
			require.Equal(t, StatusEnded, rec.Status)
			require.Zero(t, rec.Connections)
		}
	}

	n, err := r.Purge(ctx, time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = r.Purge(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	list, err = r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "b", list[0].SessionID)
}

func TestRegistry_NotifyIsFireAndForget(t *testing.T) {
	r := New(Options{QueueSize: 4}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Notify(Update{SessionID: "busy", CallCount: intp(1)})
		}()
	}
	wg.Wait()

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	r.Close()
	r.Notify(Update{SessionID: "late"})
	_, err = r.List(ctx)
	require.ErrorIs(t, err, ErrClosed)
}
