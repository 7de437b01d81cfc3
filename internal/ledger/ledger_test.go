package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/labeler/internal/model"
)

type fakeRecorder struct {
	recs    []model.ErrorRecord
	logErr  error
	listErr error
}

func (f *fakeRecorder) LogError(_ context.Context, rec model.ErrorRecord) error {
	if f.logErr != nil {
		return f.logErr
	}
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeRecorder) ListErrors(_ context.Context, sessionID int64) ([]model.ErrorRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []model.ErrorRecord
	for _, r := range f.recs {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestLedger_Record(t *testing.T) {
	rec := &fakeRecorder{}
	l := New(rec)
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	id := l.Record(context.Background(), 4, "/corpus/k.jpg", eris.New("decode failed"))
	require.NotEmpty(t, id)
	require.Len(t, rec.recs, 1)

	got := rec.recs[0]
	assert.Equal(t, id, got.ID)
	assert.Equal(t, int64(4), got.SessionID)
	assert.Equal(t, "/corpus/k.jpg", got.ImagePath)
	assert.Equal(t, fixed, got.Timestamp)
	assert.Contains(t, got.Traceback, "decode failed")
}

func TestLedger_Record_NilError(t *testing.T) {
	rec := &fakeRecorder{}
	assert.Empty(t, New(rec).Record(context.Background(), 1, "x", nil))
	assert.Empty(t, rec.recs)
}

func TestLedger_Record_StoreFailureSwallowed(t *testing.T) {
	rec := &fakeRecorder{logErr: errors.New("disk full")}
	l := New(rec)

	assert.NotPanics(t, func() {
		id := l.Record(context.Background(), 1, "/corpus/a.jpg", errors.New("boom"))
		assert.NotEmpty(t, id)
	})
}

func TestLedger_List(t *testing.T) {
	rec := &fakeRecorder{}
	l := New(rec)
	l.Record(context.Background(), 1, "a", errors.New("one"))
	l.Record(context.Background(), 2, "b", errors.New("two"))

	got, err := l.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ImagePath)

	rec.listErr = errors.New("db down")
	_, err = l.List(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger: list session 1")
}
