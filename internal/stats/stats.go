// Package stats aggregates per-session labeling progress.
package stats

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/labeler/internal/model"
)

// DefaultMinBatchSize is the training batch size. Training needs strictly
// more labeled images than one batch.
const DefaultMinBatchSize = 32

// Reader is the slice of the store the aggregator reads from.
type Reader interface {
	GetSession(ctx context.Context, sessionID int64) (*model.Session, error)
	ClassHistogram(ctx context.Context, sessionID int64) (model.Histogram, error)
	LabeledImages(ctx context.Context, sessionID int64, onlyUnprocessed bool) ([]model.ImageRecord, error)
}

// Summary is a point-in-time view of one session.
type Summary struct {
	Session       model.Session   `json:"session" yaml:"session"`
	Histogram     model.Histogram `json:"histogram" yaml:"histogram"`
	Progress      float64         `json:"progress" yaml:"progress"`
	TrainingReady bool            `json:"training_ready" yaml:"training_ready"`
	MinLabeled    int             `json:"min_labeled" yaml:"min_labeled"`
}

// Aggregator computes summaries and training readiness.
type Aggregator struct {
	store        Reader
	minBatchSize int
}

// New creates an Aggregator. A non-positive minBatchSize uses DefaultMinBatchSize.
func New(store Reader, minBatchSize int) *Aggregator {
	if minBatchSize <= 0 {
		minBatchSize = DefaultMinBatchSize
	}
	return &Aggregator{store: store, minBatchSize: minBatchSize}
}

// MinLabeled is the fewest labeled images a training pass accepts.
func (a *Aggregator) MinLabeled() int {
	return a.minBatchSize + 1
}

// Summary returns counters, histogram and progress for a session.
func (a *Aggregator) Summary(ctx context.Context, sessionID int64) (*Summary, error) {
	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "stats: summary %d", sessionID)
	}
	h, err := a.store.ClassHistogram(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "stats: histogram %d", sessionID)
	}

	s := &Summary{
		Session:    *sess,
		Histogram:  h,
		MinLabeled: a.MinLabeled(),
	}
	if total := h.Labeled() + h.Unlabeled; total > 0 {
		s.Progress = float64(h.Labeled()) / float64(total)
	}
	s.TrainingReady = h.Labeled() >= s.MinLabeled
	return s, nil
}

// CheckTrainingReady returns the labeled images a training pass would
// consume: all of them when fullTrain, otherwise only those not yet
// processed. Too few images yields a *model.TrainingPreconditionError.
func (a *Aggregator) CheckTrainingReady(ctx context.Context, sessionID int64, fullTrain bool) ([]model.ImageRecord, error) {
	if _, err := a.store.GetSession(ctx, sessionID); err != nil {
		return nil, eris.Wrapf(err, "stats: training check %d", sessionID)
	}
	images, err := a.store.LabeledImages(ctx, sessionID, !fullTrain)
	if err != nil {
		return nil, eris.Wrapf(err, "stats: labeled images %d", sessionID)
	}
	if len(images) < a.MinLabeled() {
		return nil, &model.TrainingPreconditionError{
			SessionID: sessionID,
			Have:      len(images),
			Need:      a.MinLabeled(),
		}
	}
	return images, nil
}
