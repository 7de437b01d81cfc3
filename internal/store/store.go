package store

import (
	"context"

	"github.com/sells-group/labeler/internal/model"
)

// SessionFilter specifies criteria for listing sessions. Nil fields do not
// constrain the result.
type SessionFilter struct {
	Completed       *bool `json:"completed,omitempty"`
	ImagesAvailable *bool `json:"images_available,omitempty"`
	Limit           int   `json:"limit,omitempty"`
}

// Bool returns a pointer to b, for building filters.
func Bool(b bool) *bool { return &b }

// Store is the durable record store for sessions, images, predictions and
// the error ledger. Every method runs as a single transaction: it either
// commits fully or leaves no visible effect.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, imageTotal, imageProcessed int, available bool) (*model.Session, error)
	GetSession(ctx context.Context, sessionID int64) (*model.Session, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error)
	SetAvailability(ctx context.Context, sessionID int64, available bool) error
	ResetAvailability(ctx context.Context) error
	SetCompleted(ctx context.Context, sessionID int64, completed bool) error
	// SaveLabelMap also clears the session's prediction failures.
	SaveLabelMap(ctx context.Context, sessionID int64, lm model.LabelMap) error
	Recount(ctx context.Context, sessionID int64) (model.Counts, error)

	// Images
	RegisterImages(ctx context.Context, sessionID int64, names []string) error
	ImageNames(ctx context.Context, sessionID int64) ([]string, error)
	SetLabel(ctx context.Context, sessionID int64, name, label string) error
	RandomUnlabeled(ctx context.Context, sessionID int64) (string, bool, error)
	LabeledImages(ctx context.Context, sessionID int64, onlyUnprocessed bool) ([]model.ImageRecord, error)
	MarkImagesProcessed(ctx context.Context, sessionID int64, names []string) error
	ClassHistogram(ctx context.Context, sessionID int64) (model.Histogram, error)

	// Predictions
	// PredictionCandidates lists unlabeled images with neither a pending
	// prediction nor a recorded prediction failure, in registration order.
	PredictionCandidates(ctx context.Context, sessionID int64, limit int) ([]string, error)
	MarkPredictionFailed(ctx context.Context, sessionID int64, name string) error
	AddPrediction(ctx context.Context, sessionID int64, name, label string) (*model.Prediction, error)
	NextBalancedPrediction(ctx context.Context, sessionID int64) (*model.Prediction, error)
	MarkPredictionProcessed(ctx context.Context, sessionID int64, name string) (int, error)

	// Error ledger
	LogError(ctx context.Context, rec model.ErrorRecord) error
	ListErrors(ctx context.Context, sessionID int64) ([]model.ErrorRecord, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
