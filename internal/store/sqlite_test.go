package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/labeler/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "labeler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLite_Migrate_Idempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSQLite_ForeignKeysEnforced(t *testing.T) {
	s := newTestSQLiteStore(t)
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO image (name, session_id) VALUES ('orphan.jpg', 42)`)
	assert.Error(t, err)
}

func TestSQLite_DuplicateInBatchRollsBack(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, 2, 0, true)
	require.NoError(t, err)

	err = s.RegisterImages(ctx, sess.ID, []string{"a.jpg", "a.jpg"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert image")

	names, err := s.ImageNames(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestSQLite_LabelMapSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	sess, err := s.CreateSession(ctx, 0, 0, false)
	require.NoError(t, err)
	require.NoError(t, s.SaveLabelMap(ctx, sess.ID, model.LabelMap{{Index: 0, Name: "cat"}, {Index: 1, Name: "dog"}}))
	require.NoError(t, s.Close())

	s2, err := NewSQLite(path)
	require.NoError(t, err)
	defer s2.Close() //nolint:errcheck
	got, err := s2.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"cat", "dog"}, got.LabelMap.Names())
}
