package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/labeler/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_CreateSession(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO session .* RETURNING session_id`).
		WithArgs(pgxmock.AnyArg(), true, 3, 0).
		WillReturnRows(pgxmock.NewRows([]string{"session_id"}).AddRow(int64(5)))

	sess, err := s.CreateSession(context.Background(), 3, 0, true)
	require.NoError(t, err)
	assert.Equal(t, int64(5), sess.ID)
	assert.Equal(t, 3, sess.ImageTotal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetSession_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT session_id, .* FROM session WHERE session_id = \$1`).
		WithArgs(int64(7)).
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetSession(context.Background(), 7)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListSessions_BuildsFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM session WHERE completed = \$1 AND images_available = \$2 ORDER BY session_id ASC LIMIT \$3`).
		WithArgs(false, true, 5).
		WillReturnRows(pgxmock.NewRows([]string{
			"session_id", "completed", "last_updated", "images_available",
			"image_total", "image_processed", "image_labeled", "label_map",
		}))

	sessions, err := s.ListSessions(context.Background(), SessionFilter{
		Completed:       Bool(false),
		ImagesAvailable: Bool(true),
		Limit:           5,
	})
	require.NoError(t, err)
	assert.Empty(t, sessions)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetAvailability_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE session SET images_available = \$1`).
		WithArgs(true, pgxmock.AnyArg(), int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetAvailability(context.Background(), 9, true)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResetAvailability(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE session SET images_available = FALSE`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 4))

	require.NoError(t, s.ResetAvailability(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegisterImages_UsesCopy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM session WHERE session_id = \$1`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectCopyFrom(pgx.Identifier{"image"}, []string{"name", "session_id", "processed"}).
		WillReturnResult(2)
	mock.ExpectCommit()

	err := s.RegisterImages(context.Background(), 1, []string{"a.jpg", "b.jpg"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegisterImages_CopyFailureRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM session`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectCopyFrom(pgx.Identifier{"image"}, []string{"name", "session_id", "processed"}).
		WillReturnError(errors.New("duplicate key value violates unique constraint"))
	mock.ExpectRollback()

	err := s.RegisterImages(context.Background(), 1, []string{"a.jpg", "a.jpg"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "register images")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RegisterImages_UnknownSession(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM session`).
		WithArgs(int64(3)).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := s.RegisterImages(context.Background(), 3, []string{"a.jpg"})
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetLabel_UnknownImage(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE image SET label = \$1 WHERE session_id = \$2 AND name = \$3`).
		WithArgs("cat", int64(1), "ghost.jpg").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.SetLabel(context.Background(), 1, "ghost.jpg", "cat")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetLabel_TouchesSession(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE image SET label`).
		WithArgs("cat", int64(1), "a.jpg").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE session SET last_updated`).
		WithArgs(pgxmock.AnyArg(), int64(1)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.SetLabel(context.Background(), 1, "a.jpg", "cat"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Recount(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`UPDATE session s SET .* RETURNING s.image_labeled, s.image_total, s.image_processed`).
		WithArgs(int64(1), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"image_labeled", "image_total", "image_processed"}).AddRow(2, 5, 1))

	c, err := s.Recount(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.Counts{Labeled: 2, Total: 5, Processed: 1}, c)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClassHistogram(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(label, ''\) AS label, COUNT\(\*\) FROM image`).
		WithArgs(int64(1)).
		WillReturnRows(pgxmock.NewRows([]string{"label", "count"}).
			AddRow("", 3).
			AddRow("cat", 2).
			AddRow("dog", 1))

	h, err := s.ClassHistogram(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 3, h.Unlabeled)
	assert.Equal(t, []model.ClassCount{{Label: "cat", Count: 2}, {Label: "dog", Count: 1}}, h.Classes)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NextBalancedPrediction_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`WITH pending AS`).
		WithArgs(int64(1)).
		WillReturnError(pgx.ErrNoRows)

	pred, err := s.NextBalancedPrediction(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, pred)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AddPrediction_SupersedesThenInserts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE prediction SET processed = TRUE`).
		WithArgs(int64(1), "a.jpg").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectQuery(`INSERT INTO prediction .* RETURNING pred_id`).
		WithArgs("a.jpg", "cat", int64(1), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"pred_id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	pred, err := s.AddPrediction(context.Background(), 1, "a.jpg", "cat")
	require.NoError(t, err)
	assert.Equal(t, int64(11), pred.ID)
	assert.Equal(t, "cat", pred.Label)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkPredictionProcessed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE prediction SET processed = TRUE WHERE session_id = \$1 AND name = \$2 AND NOT processed`).
		WithArgs(int64(1), "a.jpg").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	n, err := s.MarkPredictionProcessed(context.Background(), 1, "a.jpg")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkImagesProcessed_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	require.NoError(t, s.MarkImagesProcessed(context.Background(), 1, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveLabelMap_InvalidSkipsDB(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	bad := model.LabelMap{{Index: 0, Name: "a"}, {Index: 0, Name: "b"}}
	err := s.SaveLabelMap(context.Background(), 1, bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate index")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveLabelMap_ClearsPredictionFailures(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE session SET label_map = \$1, last_updated = \$2 WHERE session_id = \$3`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), int64(4)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM prediction_failure WHERE session_id = \$1`).
		WithArgs(int64(4)).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCommit()

	err := s.SaveLabelMap(context.Background(), 4, model.NewLabelMap([]string{"cat", "dog"}))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveLabelMap_MissingSessionRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE session SET label_map`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), int64(9)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.SaveLabelMap(context.Background(), 9, model.NewLabelMap([]string{"cat"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkPredictionFailed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO prediction_failure .* ON CONFLICT \(session_id, name\) DO UPDATE`).
		WithArgs(int64(1), "b.bmp", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.MarkPredictionFailed(context.Background(), 1, "b.bmp"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PredictionCandidates_SkipsFailures(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT i.name FROM image i .* FROM prediction_failure f .* ORDER BY i.image_id\s+LIMIT \$2`).
		WithArgs(int64(1), 2).
		WillReturnRows(pgxmock.NewRows([]string{"name"}).AddRow("d.png"))

	names, err := s.PredictionCandidates(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"d.png"}, names)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LogError_AssignsID(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO exc_error`).
		WithArgs(pgxmock.AnyArg(), int64(2), "trace", "/corpus/a.jpg", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.LogError(context.Background(), model.ErrorRecord{
		SessionID: 2, Traceback: "trace", ImagePath: "/corpus/a.jpg",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`SELECT 1`).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	require.NoError(t, s.Ping(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
