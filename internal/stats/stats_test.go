package stats

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/labeler/internal/model"
	"github.com/sells-group/labeler/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seed(t *testing.T, s store.Store, n int) int64 {
	t.Helper()
	ctx := context.Background()
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("img%02d.jpg", i)
	}
	sess, err := s.CreateSession(ctx, n, 0, true)
	require.NoError(t, err)
	require.NoError(t, s.RegisterImages(ctx, sess.ID, names))
	return sess.ID
}

func TestAggregator_Summary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seed(t, s, 4)

	require.NoError(t, s.SetLabel(ctx, id, "img00.jpg", "cat"))
	require.NoError(t, s.SetLabel(ctx, id, "img01.jpg", "cat"))
	require.NoError(t, s.SetLabel(ctx, id, "img02.jpg", "dog"))

	a := New(s, 2)
	sum, err := a.Summary(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cat": 2, "dog": 1}, sum.Histogram.AsMap())
	assert.Equal(t, 1, sum.Histogram.Unlabeled)
	assert.InDelta(t, 0.75, sum.Progress, 1e-9)
	assert.Equal(t, 3, sum.MinLabeled)
	assert.True(t, sum.TrainingReady)
}

func TestAggregator_Summary_NotFound(t *testing.T) {
	_, err := New(newTestStore(t), 0).Summary(context.Background(), 99)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestAggregator_DefaultBatch(t *testing.T) {
	a := New(nil, 0)
	assert.Equal(t, DefaultMinBatchSize+1, a.MinLabeled())
}

func TestAggregator_CheckTrainingReady(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seed(t, s, 5)
	a := New(s, 2)

	require.NoError(t, s.SetLabel(ctx, id, "img00.jpg", "cat"))
	require.NoError(t, s.SetLabel(ctx, id, "img01.jpg", "dog"))

	_, err := a.CheckTrainingReady(ctx, id, true)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTooFewLabeled))
	var tpe *model.TrainingPreconditionError
	require.True(t, errors.As(err, &tpe))
	assert.Equal(t, 2, tpe.Have)
	assert.Equal(t, 3, tpe.Need)

	require.NoError(t, s.SetLabel(ctx, id, "img02.jpg", "dog"))
	imgs, err := a.CheckTrainingReady(ctx, id, true)
	require.NoError(t, err)
	assert.Len(t, imgs, 3)

	// Incremental training only counts unprocessed images.
	require.NoError(t, s.MarkImagesProcessed(ctx, id, []string{"img00.jpg"}))
	_, err = a.CheckTrainingReady(ctx, id, false)
	assert.True(t, errors.Is(err, model.ErrTooFewLabeled))

	_, err = a.CheckTrainingReady(ctx, 404, true)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}
