// Package labeling selects the next image a labeler should see and records
// submitted labels.
//
// Two concurrent labelers on one session can be served the same unlabeled
// image; selection does not reserve rows. The second submission simply
// overwrites the first label.
package labeling

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/model"
	"github.com/sells-group/labeler/internal/store"
)

// DefaultBudget is how many images one prediction refill asks for.
const DefaultBudget = 50

// Classifier produces predictions and trains per-session models.
type Classifier interface {
	// PredictImages predicts up to budget unlabeled, unpredicted images. It
	// returns false only when nothing was eligible.
	PredictImages(ctx context.Context, sessionID int64, budget int) (bool, error)
	// TrainModelBySession trains on all labeled images (fullTrain) or only
	// those not yet processed.
	TrainModelBySession(ctx context.Context, sessionID int64, fullTrain bool) error
}

// Store is the slice of the record store the queue uses.
type Store interface {
	GetSession(ctx context.Context, sessionID int64) (*model.Session, error)
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
	SetCompleted(ctx context.Context, sessionID int64, completed bool) error
	SetLabel(ctx context.Context, sessionID int64, name, label string) error
	Recount(ctx context.Context, sessionID int64) (model.Counts, error)
	RandomUnlabeled(ctx context.Context, sessionID int64) (string, bool, error)
	ClassHistogram(ctx context.Context, sessionID int64) (model.Histogram, error)
	NextBalancedPrediction(ctx context.Context, sessionID int64) (*model.Prediction, error)
	MarkPredictionProcessed(ctx context.Context, sessionID int64, name string) (int, error)
}

// Turn is one labeling step: the image to show, its predicted label if any,
// and the session's current class histogram. Exhausted means no unlabeled
// image remains; it is an outcome, not an error.
type Turn struct {
	SessionID      int64           `json:"session_id"`
	ImageName      string          `json:"image_name,omitempty"`
	PredictedLabel string          `json:"predicted_label,omitempty"`
	Histogram      model.Histogram `json:"histogram"`
	Exhausted      bool            `json:"exhausted"`
}

// Queue is the active-learning selection queue.
type Queue struct {
	store      Store
	classifier Classifier
	budget     int
}

// NewQueue creates a Queue. A nil classifier disables prediction refills.
func NewQueue(s Store, c Classifier, budget int) *Queue {
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Queue{store: s, classifier: c, budget: budget}
}

// Next selects the next image for a session.
//
// It serves the pending prediction of the least-represented predicted class.
// When no prediction is pending it asks the classifier for a batch and tries
// again, and failing that picks an unlabeled image uniformly at random.
func (q *Queue) Next(ctx context.Context, sessionID int64) (*Turn, error) {
	if _, err := q.store.GetSession(ctx, sessionID); err != nil {
		return nil, eris.Wrapf(err, "labeling: next %d", sessionID)
	}

	turn, err := q.fromPrediction(ctx, sessionID)
	if err != nil || turn != nil {
		return turn, err
	}

	if q.refill(ctx, sessionID) {
		turn, err = q.fromPrediction(ctx, sessionID)
		if err != nil || turn != nil {
			return turn, err
		}
	}

	name, ok, err := q.store.RandomUnlabeled(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "labeling: random image %d", sessionID)
	}
	if !ok {
		return q.exhausted(ctx, sessionID)
	}
	return q.turn(ctx, sessionID, name, "")
}

// Submit records a label, resolves the image's pending prediction, refreshes
// the session counters and returns the next turn.
func (q *Queue) Submit(ctx context.Context, sessionID int64, name, label string) (*Turn, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return nil, eris.Wrapf(model.ErrInvalidLabel, "labeling: submit %q", name)
	}
	if err := q.store.SetLabel(ctx, sessionID, name, label); err != nil {
		return nil, eris.Wrapf(err, "labeling: submit %q", name)
	}
	if _, err := q.store.MarkPredictionProcessed(ctx, sessionID, name); err != nil {
		return nil, eris.Wrapf(err, "labeling: resolve prediction %q", name)
	}
	if _, err := q.store.Recount(ctx, sessionID); err != nil {
		return nil, eris.Wrapf(err, "labeling: recount %d", sessionID)
	}
	return q.Next(ctx, sessionID)
}

// AvailableSessions lists sessions whose recorded images match the corpus.
func (q *Queue) AvailableSessions(ctx context.Context) ([]model.Session, error) {
	sessions, err := q.store.ListSessions(ctx, store.SessionFilter{ImagesAvailable: store.Bool(true)})
	if err != nil {
		return nil, eris.Wrap(err, "labeling: available sessions")
	}
	return sessions, nil
}

func (q *Queue) fromPrediction(ctx context.Context, sessionID int64) (*Turn, error) {
	pred, err := q.store.NextBalancedPrediction(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "labeling: balanced prediction %d", sessionID)
	}
	if pred == nil {
		return nil, nil
	}
	return q.turn(ctx, sessionID, pred.Name, pred.Label)
}

// refill reports whether the classifier attempted a batch. Classifier errors
// are logged and treated as nothing to predict.
func (q *Queue) refill(ctx context.Context, sessionID int64) bool {
	if q.classifier == nil {
		return false
	}
	attempted, err := q.classifier.PredictImages(ctx, sessionID, q.budget)
	if err != nil {
		zap.L().Warn("labeling: prediction refill failed",
			zap.Int64("session_id", sessionID),
			zap.Error(err),
		)
		return false
	}
	return attempted
}

func (q *Queue) exhausted(ctx context.Context, sessionID int64) (*Turn, error) {
	if err := q.store.SetCompleted(ctx, sessionID, true); err != nil {
		return nil, eris.Wrapf(err, "labeling: complete session %d", sessionID)
	}
	zap.L().Info("labeling: session exhausted", zap.Int64("session_id", sessionID))
	turn, err := q.turn(ctx, sessionID, "", "")
	if err != nil {
		return nil, err
	}
	turn.Exhausted = true
	return turn, nil
}

func (q *Queue) turn(ctx context.Context, sessionID int64, name, predicted string) (*Turn, error) {
	h, err := q.store.ClassHistogram(ctx, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "labeling: histogram %d", sessionID)
	}
	return &Turn{
		SessionID:      sessionID,
		ImageName:      name,
		PredictedLabel: predicted,
		Histogram:      h,
	}, nil
}
