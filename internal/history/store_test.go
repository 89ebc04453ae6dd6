package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flow-pin3d/runexp/pkg/api"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBeginFinishRecent(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	require.NoError(t, s.Ping(ctx))

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	older := Run{ID: "run-a", StartedAt: start, RepoRoot: "/repo", Flows: []string{"ord"}, Techs: []string{"asap7_3D"}, Cases: []string{"gcd"}, Jobs: 2, Total: 1}
	newer := Run{ID: "run-b", StartedAt: start.Add(time.Hour), RepoRoot: "/repo", Flows: []string{"ord", "cds"}, Techs: []string{"asap7_3D"}, Cases: []string{"gcd", "aes"}, Jobs: 4, Total: 4}
	require.NoError(t, s.Begin(ctx, older))
	require.NoError(t, s.Begin(ctx, newer))

	newer.FinishedAt = newer.StartedAt.Add(10 * time.Minute)
	newer.Succeeded, newer.Failed, newer.Cancelled = 2, 1, 1
	newer.Status = api.RunInterrupted
	require.NoError(t, s.Finish(ctx, newer))

	runs, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "run-b", runs[0].ID)
	assert.Equal(t, api.RunInterrupted, runs[0].Status)
	assert.Equal(t, []string{"ord", "cds"}, runs[0].Flows)
	assert.Equal(t, []string{"gcd", "aes"}, runs[0].Cases)
	assert.Equal(t, 2, runs[0].Succeeded)
	assert.Equal(t, 1, runs[0].Cancelled)
	assert.False(t, runs[0].FinishedAt.IsZero())

	assert.Equal(t, "run-a", runs[1].ID)
	assert.Equal(t, api.RunRunning, runs[1].Status)
	assert.True(t, runs[1].FinishedAt.IsZero())
}

func TestFinishUnknownRun(t *testing.T) {
	s := openStore(t)
	err := s.Finish(context.Background(), Run{ID: "missing", FinishedAt: time.Now(), Status: api.RunCompleted})
	require.Error(t, err)
}

func TestRecentLimit(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, s.Begin(ctx, Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute), RepoRoot: "/r", Jobs: 1}))
	}
	runs, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].ID)
}
