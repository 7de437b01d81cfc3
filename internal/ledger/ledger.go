// Package ledger records per-image prediction failures so a batch can keep
// going and the failures can be inspected later.
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/model"
)

// Recorder persists error records. store.Store satisfies it.
type Recorder interface {
	LogError(ctx context.Context, rec model.ErrorRecord) error
	ListErrors(ctx context.Context, sessionID int64) ([]model.ErrorRecord, error)
}

// Ledger is the error ledger for batch prediction and reconciliation.
type Ledger struct {
	store Recorder
	now   func() time.Time
}

// New creates a Ledger backed by store.
func New(store Recorder) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// Record appends a failure for imagePath. The traceback is the eris-formatted
// error including its stack. Record never fails: a store error is logged and
// dropped so the caller's batch is not aborted.
func (l *Ledger) Record(ctx context.Context, sessionID int64, imagePath string, err error) string {
	if err == nil {
		return ""
	}
	rec := model.ErrorRecord{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Traceback: eris.ToString(err, true),
		ImagePath: imagePath,
		Timestamp: l.now().UTC(),
	}

	zap.L().Error("ledger: image failed",
		zap.Int64("session_id", sessionID),
		zap.String("image_path", imagePath),
		zap.String("error_id", rec.ID),
		zap.Error(err),
	)

	if storeErr := l.store.LogError(ctx, rec); storeErr != nil {
		zap.L().Warn("ledger: failed to persist error record",
			zap.Int64("session_id", sessionID),
			zap.String("error_id", rec.ID),
			zap.Error(storeErr),
		)
	}
	return rec.ID
}

// List returns a session's error records, newest first.
func (l *Ledger) List(ctx context.Context, sessionID int64) ([]model.ErrorRecord, error) {
	recs, err := l.store.ListErrors(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "ledger: list session %d", sessionID)
	}
	return recs, nil
}
