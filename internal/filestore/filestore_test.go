package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parity/internal/domain"
	"parity/internal/store"
)

func TestDocumentsUseDirectoryLayout(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.SaveUser(ctx, domain.User{UserID: "jane_doe", Name: "Jane Doe"}))
	require.NoError(t, s.SaveConfig(ctx, "environments", domain.EnvironmentSet{}))
	require.NoError(t, s.SaveTestResult(ctx, domain.TestResult{RunID: "test_1"}))

	for _, p := range []string{
		"users/jane_doe/config.json",
		"configs/environments.json",
		"tests/test_1.json",
	} {
		_, err := os.Stat(filepath.Join(dir, p))
		assert.NoError(t, err, p)
	}

	u, err := s.GetUser(ctx, "jane_doe")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", u.Name)

	_, err = s.GetTestResult(ctx, "missing")
	assert.True(t, store.IsNotFound(err))
	_, err = s.GetUser(ctx, "../etc")
	assert.True(t, store.IsNotFound(err))
}

func TestListNewestFirstWithLimit(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("test_%02d", i)
		require.NoError(t, s.SaveTestResult(ctx, domain.TestResult{
			RunID:        id,
			TestMetadata: domain.TestMetadata{RunID: id, OwnerID: "alice", StartedAt: base.Add(time.Duration(i) * time.Minute)},
		}))
	}
	require.NoError(t, s.SaveTestResult(ctx, domain.TestResult{
		RunID:        "other",
		TestMetadata: domain.TestMetadata{RunID: "other", OwnerID: "bob", StartedAt: base.Add(time.Hour)},
	}))

	docs, err := s.ListTestResults(ctx, store.ResultFilter{OwnerID: "alice", Limit: 10})
	require.NoError(t, err)
	require.Len(t, docs, 10)
	assert.Equal(t, "test_11", docs[0].RunID)
	assert.Equal(t, "test_02", docs[9].RunID)
}

func TestEventIDsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s, err := Open(dir)
	require.NoError(t, err)
	e1, err := s.AppendEvent(ctx, domain.RunEvent{Type: "run.started", RunID: "test_a"})
	require.NoError(t, err)
	e2, err := s.AppendEvent(ctx, domain.RunEvent{Type: "run.started", RunID: "test_b"})
	require.NoError(t, err)
	assert.Equal(t, e1.ID+1, e2.ID)

	reopened, err := Open(dir)
	require.NoError(t, err)
	e3, err := reopened.AppendEvent(ctx, domain.RunEvent{Type: "run.completed", RunID: "test_a"})
	require.NoError(t, err)
	assert.Equal(t, e2.ID+1, e3.ID)

	evts, err := reopened.ListEvents(ctx, "test_a")
	require.NoError(t, err)
	require.Len(t, evts, 2)
	assert.Equal(t, "run.completed", evts[1].Type)

	after, err := reopened.EventsAfter(ctx, e1.ID, 1)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, e2.ID, after[0].ID)
}
