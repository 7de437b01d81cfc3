// Package classifier implements the labeling classifier collaborator: it
// trains a per-session class vocabulary and proposes labels for unlabeled
// images.
package classifier

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/model"
	"github.com/sells-group/labeler/internal/stats"
)

// Store is the slice of the record store the classifier uses.
type Store interface {
	stats.Reader
	PredictionCandidates(ctx context.Context, sessionID int64, limit int) ([]string, error)
	AddPrediction(ctx context.Context, sessionID int64, name, label string) (*model.Prediction, error)
	MarkPredictionFailed(ctx context.Context, sessionID int64, name string) error
	SaveLabelMap(ctx context.Context, sessionID int64, lm model.LabelMap) error
	MarkImagesProcessed(ctx context.Context, sessionID int64, names []string) error
	Recount(ctx context.Context, sessionID int64) (model.Counts, error)
}

// Ledger records per-image failures.
type Ledger interface {
	Record(ctx context.Context, sessionID int64, imagePath string, err error) string
}

// Trainer fits a session's model. The model is the session's label map: the
// sorted vocabulary of classes a human has used so far.
type Trainer struct {
	store Store
	stats *stats.Aggregator
}

// NewTrainer creates a Trainer. minBatchSize follows stats.New.
func NewTrainer(store Store, minBatchSize int) *Trainer {
	return &Trainer{store: store, stats: stats.New(store, minBatchSize)}
}

// TrainModelBySession trains on all labeled images when fullTrain, otherwise
// on the labeled images not yet processed. Consumed images are marked
// processed. Too few images returns *model.TrainingPreconditionError.
func (t *Trainer) TrainModelBySession(ctx context.Context, sessionID int64, fullTrain bool) error {
	images, err := t.stats.CheckTrainingReady(ctx, sessionID, fullTrain)
	if err != nil {
		return err
	}

	h, err := t.store.ClassHistogram(ctx, sessionID)
	if err != nil {
		return eris.Wrapf(err, "classifier: histogram %d", sessionID)
	}
	classes := make([]string, 0, len(h.Classes))
	for _, c := range h.Classes {
		classes = append(classes, c.Label)
	}
	lm := model.NewLabelMap(classes)
	if err := t.store.SaveLabelMap(ctx, sessionID, lm); err != nil {
		return eris.Wrapf(err, "classifier: save label map %d", sessionID)
	}

	names := make([]string, len(images))
	for i, img := range images {
		names[i] = img.Name
	}
	if err := t.store.MarkImagesProcessed(ctx, sessionID, names); err != nil {
		return eris.Wrapf(err, "classifier: mark processed %d", sessionID)
	}
	counts, err := t.store.Recount(ctx, sessionID)
	if err != nil {
		return eris.Wrapf(err, "classifier: recount %d", sessionID)
	}

	zap.L().Info("classifier: trained session",
		zap.Int64("session_id", sessionID),
		zap.Bool("full_train", fullTrain),
		zap.Int("images", len(images)),
		zap.Strings("classes", lm.Names()),
		zap.Int("processed", counts.Processed),
	)
	return nil
}

// Nop trains label maps but never predicts. It stands in when no model API
// is configured, so the queue falls through to random selection.
type Nop struct {
	*Trainer
}

// NewNop creates a Nop classifier.
func NewNop(store Store, minBatchSize int) *Nop {
	return &Nop{Trainer: NewTrainer(store, minBatchSize)}
}

// PredictImages always reports that nothing was predicted.
func (n *Nop) PredictImages(context.Context, int64, int) (bool, error) {
	return false, nil
}
