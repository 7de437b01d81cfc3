// Package reconcile matches recorded sessions against the live image corpus
// and decides which sessions are available for labeling.
package reconcile

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/corpus"
	"github.com/sells-group/labeler/internal/model"
	"github.com/sells-group/labeler/internal/store"
)

// Store is the slice of the record store reconciliation needs.
type Store interface {
	CreateSession(ctx context.Context, imageTotal, imageProcessed int, available bool) (*model.Session, error)
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
	ResetAvailability(ctx context.Context) error
	SetAvailability(ctx context.Context, sessionID int64, available bool) error
	SetCompleted(ctx context.Context, sessionID int64, completed bool) error
	Recount(ctx context.Context, sessionID int64) (model.Counts, error)
	ImageNames(ctx context.Context, sessionID int64) ([]string, error)
	RegisterImages(ctx context.Context, sessionID int64, names []string) error
}

// Ledger receives divergence reports.
type Ledger interface {
	Record(ctx context.Context, sessionID int64, imagePath string, err error) string
}

// Report summarizes one reconciliation pass.
type Report struct {
	CorpusSize int           `json:"corpus_size"`
	Reused     []int64       `json:"reused"`
	Extended   []int64       `json:"extended"`
	Stale      []int64       `json:"stale"`
	Created    int64         `json:"created,omitempty"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Available returns the ids of every session left available.
func (r *Report) Available() []int64 {
	ids := make([]int64, 0, len(r.Reused)+len(r.Extended)+1)
	ids = append(ids, r.Reused...)
	ids = append(ids, r.Extended...)
	if r.Created != 0 {
		ids = append(ids, r.Created)
	}
	return ids
}

// Engine runs reconciliation.
type Engine struct {
	store  Store
	source corpus.Source
	ledger Ledger
}

// New creates an Engine. ledger may be nil.
func New(s Store, src corpus.Source, l Ledger) *Engine {
	return &Engine{store: s, source: src, ledger: l}
}

// Reconcile flags exactly the sessions whose image set equals the corpus, or
// can be extended to it without losing images, as available. Sessions are
// visited in ascending id order. If none qualifies a new session holding the
// whole corpus is created. Re-running without a corpus change is a no-op.
func (e *Engine) Reconcile(ctx context.Context) (*Report, error) {
	start := time.Now()
	log := zap.L().With(zap.String("corpus", e.source.Root()))

	live, err := e.source.Names(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: list corpus")
	}
	report := &Report{CorpusSize: len(live)}

	// Listed before the reset so each session's previous availability is known.
	sessions, err := e.store.ListSessions(ctx, store.SessionFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "reconcile: list sessions")
	}

	if err := e.store.ResetAvailability(ctx); err != nil {
		return nil, eris.Wrap(err, "reconcile: reset availability")
	}

	liveSet := toSet(live)
	for _, sess := range sessions {
		outcome, err := e.reconcileSession(ctx, sess, live, liveSet)
		if err != nil {
			return nil, err
		}
		switch outcome {
		case outcomeReused:
			report.Reused = append(report.Reused, sess.ID)
		case outcomeExtended:
			report.Extended = append(report.Extended, sess.ID)
		case outcomeStale:
			report.Stale = append(report.Stale, sess.ID)
		}
	}

	if len(report.Reused)+len(report.Extended) == 0 {
		sess, err := e.store.CreateSession(ctx, len(live), 0, true)
		if err != nil {
			return nil, eris.Wrap(err, "reconcile: create session")
		}
		if err := e.store.RegisterImages(ctx, sess.ID, live); err != nil {
			return nil, eris.Wrapf(err, "reconcile: register corpus into session %d", sess.ID)
		}
		report.Created = sess.ID
		log.Info("reconcile: created session", zap.Int64("session_id", sess.ID), zap.Int("images", len(live)))
	}

	report.Elapsed = time.Since(start)
	log.Info("reconcile: complete",
		zap.Int("corpus_size", report.CorpusSize),
		zap.Int64s("reused", report.Reused),
		zap.Int64s("extended", report.Extended),
		zap.Int64s("stale", report.Stale),
		zap.Int64("created", report.Created),
		zap.Duration("elapsed", report.Elapsed),
	)
	return report, nil
}

type outcome int

const (
	outcomeStale outcome = iota
	outcomeReused
	outcomeExtended
)

func (e *Engine) reconcileSession(ctx context.Context, sess model.Session, live []string, liveSet map[string]struct{}) (outcome, error) {
	sessionID := sess.ID
	if _, err := e.store.Recount(ctx, sessionID); err != nil {
		return outcomeStale, eris.Wrapf(err, "reconcile: recount session %d", sessionID)
	}
	recorded, err := e.store.ImageNames(ctx, sessionID)
	if err != nil {
		return outcomeStale, eris.Wrapf(err, "reconcile: image names %d", sessionID)
	}
	recordedSet := toSet(recorded)

	var missing []string
	for _, name := range live {
		if _, ok := recordedSet[name]; !ok {
			missing = append(missing, name)
		}
	}

	switch {
	case len(missing) == 0 && len(recordedSet) == len(liveSet):
		if err := e.store.SetAvailability(ctx, sessionID, true); err != nil {
			return outcomeStale, eris.Wrapf(err, "reconcile: flag session %d", sessionID)
		}
		return outcomeReused, nil

	case len(liveSet) > len(recordedSet) && len(missing) == len(liveSet)-len(recordedSet):
		if err := e.store.RegisterImages(ctx, sessionID, missing); err != nil {
			return outcomeStale, eris.Wrapf(err, "reconcile: extend session %d", sessionID)
		}
		if _, err := e.store.Recount(ctx, sessionID); err != nil {
			return outcomeStale, eris.Wrapf(err, "reconcile: recount session %d", sessionID)
		}
		if err := e.store.SetAvailability(ctx, sessionID, true); err != nil {
			return outcomeStale, eris.Wrapf(err, "reconcile: flag session %d", sessionID)
		}
		// New images reopen an exhausted session.
		if sess.Completed {
			if err := e.store.SetCompleted(ctx, sessionID, false); err != nil {
				return outcomeStale, eris.Wrapf(err, "reconcile: reopen session %d", sessionID)
			}
		}
		zap.L().Info("reconcile: extended session",
			zap.Int64("session_id", sessionID),
			zap.Int("added", len(missing)),
		)
		return outcomeExtended, nil

	default:
		vanished := len(recordedSet) - (len(liveSet) - len(missing))
		divergence := eris.Errorf("reconcile: session %d diverged from corpus: %d recorded, %d on disk, %d vanished, %d new",
			sessionID, len(recordedSet), len(liveSet), vanished, len(missing))
		zap.L().Warn("reconcile: session left unavailable",
			zap.Int64("session_id", sessionID),
			zap.Int("recorded", len(recordedSet)),
			zap.Int("on_disk", len(liveSet)),
			zap.Int("vanished", vanished),
			zap.Int("new", len(missing)),
		)
		// Report the divergence once, on the pass that takes the session out
		// of service.
		if e.ledger != nil && sess.ImagesAvailable {
			e.ledger.Record(ctx, sessionID, e.source.Root(), divergence)
		}
		return outcomeStale, nil
	}
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
