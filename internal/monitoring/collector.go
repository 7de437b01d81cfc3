// Package monitoring watches labeling health while the API is serving:
// it keeps sessions reconciled against a changing corpus, collects progress
// and prediction-failure metrics, and raises webhook alerts.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/labeler/internal/model"
	"github.com/sells-group/labeler/internal/store"
)

// SessionMetrics is one session's slice of a snapshot.
type SessionMetrics struct {
	SessionID      int64   `json:"session_id"`
	Available      bool    `json:"available"`
	Completed      bool    `json:"completed"`
	ImageTotal     int     `json:"img_total"`
	ImageLabeled   int     `json:"img_labeled"`
	Progress       float64 `json:"progress"`
	RecentErrors   int     `json:"recent_errors"`
	TrainedClasses int     `json:"trained_classes"`
}

// MetricsSnapshot holds a point-in-time view of labeling health.
type MetricsSnapshot struct {
	SessionsTotal     int              `json:"sessions_total"`
	SessionsAvailable int              `json:"sessions_available"`
	SessionsCompleted int              `json:"sessions_completed"`
	RecentErrors      int              `json:"recent_errors"`
	Sessions          []SessionMetrics `json:"sessions"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Store is the slice of the record store the collector reads.
type Store interface {
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
	ListErrors(ctx context.Context, sessionID int64) ([]model.ErrorRecord, error)
}

// Collector gathers metrics from the store.
type Collector struct {
	store Store
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st Store) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window. Error counts
// cover available sessions only; stale sessions no longer receive
// predictions.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	sessions, err := c.store.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sessions")
	}

	snap.SessionsTotal = len(sessions)
	for _, s := range sessions {
		m := SessionMetrics{
			SessionID:      s.ID,
			Available:      s.ImagesAvailable,
			Completed:      s.Completed,
			ImageTotal:     s.ImageTotal,
			ImageLabeled:   s.ImageLabeled,
			TrainedClasses: len(s.LabelMap),
		}
		if s.ImageTotal > 0 {
			m.Progress = float64(s.ImageLabeled) / float64(s.ImageTotal)
		}
		if s.Completed {
			snap.SessionsCompleted++
		}
		if s.ImagesAvailable {
			snap.SessionsAvailable++

			records, err := c.store.ListErrors(ctx, s.ID)
			if err != nil {
				return nil, eris.Wrapf(err, "monitoring: list errors %d", s.ID)
			}
			for _, r := range records {
				if !r.Timestamp.Before(cutoff) {
					m.RecentErrors++
				}
			}
			snap.RecentErrors += m.RecentErrors
		}
		snap.Sessions = append(snap.Sessions, m)
	}

	return snap, nil
}
