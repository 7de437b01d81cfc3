package labeling

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/labeler/internal/model"
	"github.com/sells-group/labeler/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedSession(t *testing.T, s store.Store, names ...string) int64 {
	t.Helper()
	ctx := context.Background()
	sess, err := s.CreateSession(ctx, len(names), 0, true)
	require.NoError(t, err)
	require.NoError(t, s.RegisterImages(ctx, sess.ID, names))
	return sess.ID
}

// fakeClassifier predicts a fixed label for every candidate it is offered.
type fakeClassifier struct {
	store   store.Store
	label   string
	err     error
	calls   int
	budgets []int
}

func (f *fakeClassifier) PredictImages(ctx context.Context, sessionID int64, budget int) (bool, error) {
	f.calls++
	f.budgets = append(f.budgets, budget)
	if f.err != nil {
		return false, f.err
	}
	names, err := f.store.PredictionCandidates(ctx, sessionID, budget)
	if err != nil {
		return false, err
	}
	if len(names) == 0 {
		return false, nil
	}
	for _, n := range names {
		if _, err := f.store.AddPrediction(ctx, sessionID, n, f.label); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (f *fakeClassifier) TrainModelBySession(context.Context, int64, bool) error { return nil }

func TestQueue_Next_PrefersUnderrepresentedClass(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s, "x.jpg", "y.jpg", "z.jpg")

	for name, label := range map[string]string{"x.jpg": "cat", "y.jpg": "cat", "z.jpg": "dog"} {
		_, err := s.AddPrediction(ctx, id, name, label)
		require.NoError(t, err)
	}

	q := NewQueue(s, nil, 0)
	turn, err := q.Next(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "z.jpg", turn.ImageName)
	assert.Equal(t, "dog", turn.PredictedLabel)
	assert.False(t, turn.Exhausted)
}

func TestQueue_Next_RefillsFromClassifier(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s, "a.jpg", "b.jpg", "c.jpg")

	clf := &fakeClassifier{store: s, label: "cat"}
	q := NewQueue(s, clf, 2)

	turn, err := q.Next(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, clf.calls)
	assert.Equal(t, []int{2}, clf.budgets)
	assert.Equal(t, "cat", turn.PredictedLabel)
	assert.Equal(t, "a.jpg", turn.ImageName)

	// The backlog is not empty yet, so the classifier is not asked again.
	_, err = q.Next(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, clf.calls)
}

// attemptOnlyClassifier claims to have attempted a batch but stores nothing,
// as when every image in the batch failed to decode.
type attemptOnlyClassifier struct{ calls int }

func (c *attemptOnlyClassifier) PredictImages(context.Context, int64, int) (bool, error) {
	c.calls++
	return true, nil
}

func (c *attemptOnlyClassifier) TrainModelBySession(context.Context, int64, bool) error { return nil }

func TestQueue_Next_UniformFallbackAfterEmptyBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s, "a.jpg", "b.jpg")
	require.NoError(t, s.SetLabel(ctx, id, "a.jpg", "cat"))

	clf := &attemptOnlyClassifier{}
	turn, err := NewQueue(s, clf, 5).Next(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, clf.calls)
	assert.Equal(t, "b.jpg", turn.ImageName)
	assert.Empty(t, turn.PredictedLabel)
	assert.False(t, turn.Exhausted)
}

func TestQueue_Next_ClassifierErrorFallsBackToRandom(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s, "only.jpg")

	clf := &fakeClassifier{store: s, err: errors.New("model offline")}
	q := NewQueue(s, clf, 5)

	turn, err := q.Next(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, clf.calls)
	assert.Equal(t, "only.jpg", turn.ImageName)
	assert.Empty(t, turn.PredictedLabel)
}

func TestQueue_Next_NoClassifier(t *testing.T) {
	s := newTestStore(t)
	id := seedSession(t, s, "only.jpg")

	turn, err := NewQueue(s, nil, 0).Next(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "only.jpg", turn.ImageName)
	assert.Empty(t, turn.PredictedLabel)
	assert.Equal(t, 1, turn.Histogram.Unlabeled)
}

func TestQueue_Next_Exhaustion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s, "a.jpg", "b.jpg")
	require.NoError(t, s.SetLabel(ctx, id, "a.jpg", "cat"))
	require.NoError(t, s.SetLabel(ctx, id, "b.jpg", "dog"))

	clf := &fakeClassifier{store: s, label: "cat"}
	turn, err := NewQueue(s, clf, 5).Next(ctx, id)
	require.NoError(t, err)
	assert.True(t, turn.Exhausted)
	assert.Empty(t, turn.ImageName)
	assert.Equal(t, map[string]int{"cat": 1, "dog": 1}, turn.Histogram.AsMap())

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.True(t, sess.Completed)
}

func TestQueue_Next_UnknownSession(t *testing.T) {
	_, err := NewQueue(newTestStore(t), nil, 0).Next(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestQueue_Submit_ResolvesPredictionAndAdvances(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s, "a.jpg", "b.jpg")

	_, err := s.AddPrediction(ctx, id, "a.jpg", "cat")
	require.NoError(t, err)

	q := NewQueue(s, nil, 0)
	// The label differs from the prediction; the prediction is resolved anyway.
	turn, err := q.Submit(ctx, id, "a.jpg", "dog")
	require.NoError(t, err)
	assert.Equal(t, "b.jpg", turn.ImageName)
	assert.Empty(t, turn.PredictedLabel)
	assert.Equal(t, 1, turn.Histogram.Count("dog"))

	pred, err := s.NextBalancedPrediction(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, pred)

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.ImageLabeled)
}

func TestQueue_Submit_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s, "a.jpg", "b.jpg")
	q := NewQueue(s, nil, 0)

	_, err := q.Submit(ctx, id, "a.jpg", "cat")
	require.NoError(t, err)
	turn, err := q.Submit(ctx, id, "a.jpg", "cat")
	require.NoError(t, err)
	assert.Equal(t, 1, turn.Histogram.Count("cat"))

	sess, err := s.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.ImageLabeled)
}

func TestQueue_Submit_LastImageExhausts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s, "a.jpg")

	turn, err := NewQueue(s, nil, 0).Submit(ctx, id, "a.jpg", "cat")
	require.NoError(t, err)
	assert.True(t, turn.Exhausted)
}

func TestQueue_Submit_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id := seedSession(t, s, "a.jpg")
	q := NewQueue(s, nil, 0)

	_, err := q.Submit(ctx, id, "a.jpg", "  ")
	assert.True(t, errors.Is(err, model.ErrInvalidLabel))

	_, err = q.Submit(ctx, id, "ghost.jpg", "cat")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestQueue_AvailableSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedSession(t, s, "a.jpg")
	b := seedSession(t, s, "b.jpg")
	require.NoError(t, s.SetAvailability(ctx, a, false))

	sessions, err := NewQueue(s, nil, 0).AvailableSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, b, sessions[0].ID)
}
