package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "guardbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "data", "guardbot.db")}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		require.NoError(t, err)
		require.Nil(t, st)
	}
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	require.Error(t, err)
	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	require.Error(t, err)
}

func TestRecordAndListFailures(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i, name := range []string{"ban", "kick", "warn"} {
		require.NoError(t, st.RecordFailure(ctx, TaskFailure{
			At:       base.Add(time.Duration(i) * time.Minute),
			TaskID:   name + "-id",
			Name:     name,
			Priority: i,
			Attempts: 4,
			Error:    "forbidden",
		}))
	}

	got, err := st.RecentFailures(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "warn", got[0].Name)
	require.Equal(t, "kick", got[1].Name)
	require.Equal(t, 4, got[0].Attempts)
	require.Equal(t, "forbidden", got[0].Error)
	require.WithinDuration(t, base.Add(2*time.Minute), got[0].At, time.Millisecond)
}

func TestPrune(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, st.RecordFailure(ctx, TaskFailure{At: now.Add(-10 * 24 * time.Hour), TaskID: "old"}))
	require.NoError(t, st.RecordFailure(ctx, TaskFailure{At: now, TaskID: "new"}))
	require.NoError(t, st.RecordExpiry(ctx, ExpiredEntry{At: now.Add(-8 * 24 * time.Hour), Key: "vote:1"}))
	require.NoError(t, st.RecordExpiry(ctx, ExpiredEntry{At: now, Key: "vote:2", Notified: true}))

	n, err := st.Prune(ctx, now.Add(-DefaultRetention))
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	n, err = st.Prune(ctx, now.Add(-DefaultRetention))
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := st.RecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "new", got[0].TaskID)
}
