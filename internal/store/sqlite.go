package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/labeler/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is held to a single connection so per-connection pragmas such as
// foreign_keys apply to every statement and writers are serialized.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS session (
	session_id       INTEGER PRIMARY KEY AUTOINCREMENT,
	completed        BOOLEAN NOT NULL DEFAULT FALSE,
	last_updated     DATETIME NOT NULL DEFAULT (datetime('now')),
	images_available BOOLEAN NOT NULL DEFAULT FALSE,
	image_total      INTEGER NOT NULL DEFAULT 0,
	image_processed  INTEGER NOT NULL DEFAULT 0,
	image_labeled    INTEGER NOT NULL DEFAULT 0,
	label_map        TEXT
);

CREATE TABLE IF NOT EXISTS image (
	image_id   INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	session_id INTEGER NOT NULL REFERENCES session(session_id),
	processed  BOOLEAN NOT NULL DEFAULT FALSE,
	label      TEXT
);

CREATE TABLE IF NOT EXISTS prediction (
	pred_id    INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	label      TEXT NOT NULL,
	session_id INTEGER NOT NULL REFERENCES session(session_id),
	processed  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS exc_error (
	id         TEXT PRIMARY KEY,
	session_id INTEGER NOT NULL REFERENCES session(session_id),
	traceback  TEXT NOT NULL,
	image_path TEXT NOT NULL,
	timestamp  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS prediction_failure (
	session_id INTEGER NOT NULL REFERENCES session(session_id),
	name       TEXT NOT NULL,
	failed_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (session_id, name)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_image_session_name ON image(session_id, name);
CREATE INDEX IF NOT EXISTS idx_image_session_label ON image(session_id, label);
CREATE INDEX IF NOT EXISTS idx_prediction_session_pending ON prediction(session_id, processed, label);
CREATE INDEX IF NOT EXISTS idx_prediction_session_name ON prediction(session_id, name);
CREATE INDEX IF NOT EXISTS idx_exc_error_session ON exc_error(session_id, timestamp);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// withTx runs fn in a transaction, rolling back when fn fails.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

// Sessions

func (s *SQLiteStore) CreateSession(ctx context.Context, imageTotal, imageProcessed int, available bool) (*model.Session, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO session (completed, last_updated, images_available, image_total, image_processed, image_labeled)
		 VALUES (FALSE, ?, ?, ?, ?, 0)`,
		now, available, imageTotal, imageProcessed,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert session")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: session id")
	}
	return &model.Session{
		ID:              id,
		LastUpdated:     now,
		ImagesAvailable: available,
		ImageTotal:      imageTotal,
		ImageProcessed:  imageProcessed,
	}, nil
}

const sqliteSessionColumns = `session_id, completed, last_updated, images_available, image_total, image_processed, image_labeled, label_map`

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID int64) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteSessionColumns+` FROM session WHERE session_id = ?`, sessionID,
	)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "session %d", sessionID)
	}
	return sess, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	var where []string
	var args []any
	if filter.Completed != nil {
		where = append(where, "completed = ?")
		args = append(args, *filter.Completed)
	}
	if filter.ImagesAvailable != nil {
		where = append(where, "images_available = ?")
		args = append(args, *filter.ImagesAvailable)
	}

	query := `SELECT ` + sqliteSessionColumns + ` FROM session`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY session_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list sessions")
	}
	defer rows.Close() //nolint:errcheck

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "sqlite: iterate sessions")
}

func (s *SQLiteStore) SetAvailability(ctx context.Context, sessionID int64, available bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session SET images_available = ?, last_updated = ? WHERE session_id = ?`,
		available, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set availability %d", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) ResetAvailability(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE session SET images_available = FALSE`)
	return eris.Wrap(err, "sqlite: reset availability")
}

func (s *SQLiteStore) SetCompleted(ctx context.Context, sessionID int64, completed bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE session SET completed = ?, last_updated = ? WHERE session_id = ?`,
		completed, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set completed %d", sessionID)
	}
	return checkRowsAffected(res, "session", sessionID)
}

func (s *SQLiteStore) SaveLabelMap(ctx context.Context, sessionID int64, lm model.LabelMap) error {
	if err := lm.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(lm)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal label map")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE session SET label_map = ?, last_updated = ? WHERE session_id = ?`,
			string(raw), time.Now().UTC(), sessionID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save label map %d", sessionID)
		}
		if err := checkRowsAffected(res, "session", sessionID); err != nil {
			return err
		}
		// A new vocabulary gives previously rejected images another try.
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM prediction_failure WHERE session_id = ?`, sessionID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: clear prediction failures %d", sessionID)
		}
		return nil
	})
}

func (s *SQLiteStore) Recount(ctx context.Context, sessionID int64) (model.Counts, error) {
	var c model.Counts
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE session SET
				image_total     = (SELECT COUNT(*) FROM image WHERE session_id = ?),
				image_labeled   = (SELECT COUNT(*) FROM image WHERE session_id = ? AND COALESCE(label, '') <> ''),
				image_processed = (SELECT COUNT(*) FROM image WHERE session_id = ? AND processed),
				last_updated    = ?
			 WHERE session_id = ?`,
			sessionID, sessionID, sessionID, time.Now().UTC(), sessionID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: recount session %d", sessionID)
		}
		if err := checkRowsAffected(res, "session", sessionID); err != nil {
			return err
		}
		err = tx.QueryRowContext(ctx,
			`SELECT image_labeled, image_total, image_processed FROM session WHERE session_id = ?`, sessionID,
		).Scan(&c.Labeled, &c.Total, &c.Processed)
		return eris.Wrap(err, "sqlite: read counts")
	})
	return c, err
}

// Images

func (s *SQLiteStore) RegisterImages(ctx context.Context, sessionID int64, names []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := sqliteSessionExists(ctx, tx, sessionID); err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO image (name, session_id, processed) VALUES (?, ?, FALSE)`,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare insert image")
		}
		defer stmt.Close() //nolint:errcheck

		for _, name := range names {
			if _, err := stmt.ExecContext(ctx, name, sessionID); err != nil {
				return eris.Wrapf(err, "sqlite: insert image %q", name)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ImageNames(ctx context.Context, sessionID int64) ([]string, error) {
	return s.queryNames(ctx, "image names",
		`SELECT name FROM image WHERE session_id = ? ORDER BY name`, sessionID,
	)
}

func (s *SQLiteStore) SetLabel(ctx context.Context, sessionID int64, name, label string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE image SET label = ? WHERE session_id = ? AND name = ?`,
			label, sessionID, name,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: set label %q", name)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			return eris.Wrapf(model.ErrNotFound, "image %q in session %d", name, sessionID)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE session SET last_updated = ? WHERE session_id = ?`,
			time.Now().UTC(), sessionID,
		)
		return eris.Wrap(err, "sqlite: touch session")
	})
}

func (s *SQLiteStore) RandomUnlabeled(ctx context.Context, sessionID int64) (string, bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		`SELECT name FROM image
		 WHERE session_id = ? AND COALESCE(label, '') = ''
		 ORDER BY RANDOM() LIMIT 1`, sessionID,
	).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "sqlite: random unlabeled %d", sessionID)
	}
	return name, true, nil
}

func (s *SQLiteStore) LabeledImages(ctx context.Context, sessionID int64, onlyUnprocessed bool) ([]model.ImageRecord, error) {
	query := `SELECT image_id, name, session_id, processed, COALESCE(label, '') FROM image
		WHERE session_id = ? AND COALESCE(label, '') <> ''`
	if onlyUnprocessed {
		query += " AND NOT processed"
	}
	query += " ORDER BY image_id"

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: labeled images %d", sessionID)
	}
	defer rows.Close() //nolint:errcheck

	var images []model.ImageRecord
	for rows.Next() {
		var img model.ImageRecord
		if err := rows.Scan(&img.ID, &img.Name, &img.SessionID, &img.Processed, &img.Label); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan image")
		}
		images = append(images, img)
	}
	return images, eris.Wrap(rows.Err(), "sqlite: iterate images")
}

func (s *SQLiteStore) MarkImagesProcessed(ctx context.Context, sessionID int64, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`UPDATE image SET processed = TRUE WHERE session_id = ? AND name = ?`,
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: prepare mark processed")
		}
		defer stmt.Close() //nolint:errcheck

		for _, name := range names {
			if _, err := stmt.ExecContext(ctx, sessionID, name); err != nil {
				return eris.Wrapf(err, "sqlite: mark processed %q", name)
			}
		}
		return nil
	})
}

func (s *SQLiteStore) ClassHistogram(ctx context.Context, sessionID int64) (model.Histogram, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(label, ''), COUNT(*) FROM image
		 WHERE session_id = ?
		 GROUP BY COALESCE(label, '')
		 ORDER BY 1`, sessionID,
	)
	if err != nil {
		return model.Histogram{}, eris.Wrapf(err, "sqlite: class histogram %d", sessionID)
	}
	defer rows.Close() //nolint:errcheck
	return scanHistogram(rows)
}

// Predictions

func (s *SQLiteStore) PredictionCandidates(ctx context.Context, sessionID int64, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryNames(ctx, "prediction candidates",
		`SELECT i.name FROM image i
		 WHERE i.session_id = ? AND COALESCE(i.label, '') = ''
		   AND NOT EXISTS (
			SELECT 1 FROM prediction p
			WHERE p.session_id = i.session_id AND p.name = i.name AND NOT p.processed
		   )
		   AND NOT EXISTS (
			SELECT 1 FROM prediction_failure f
			WHERE f.session_id = i.session_id AND f.name = i.name
		   )
		 ORDER BY i.image_id
		 LIMIT ?`, sessionID, limit,
	)
}

func (s *SQLiteStore) MarkPredictionFailed(ctx context.Context, sessionID int64, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO prediction_failure (session_id, name, failed_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id, name) DO UPDATE SET failed_at = excluded.failed_at`,
		sessionID, name, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: mark prediction failed %q", name)
}

func (s *SQLiteStore) AddPrediction(ctx context.Context, sessionID int64, name, label string) (*model.Prediction, error) {
	pred := &model.Prediction{
		Name:      name,
		Label:     label,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// At most one unresolved prediction per image.
		if _, err := tx.ExecContext(ctx,
			`UPDATE prediction SET processed = TRUE WHERE session_id = ? AND name = ? AND NOT processed`,
			sessionID, name,
		); err != nil {
			return eris.Wrapf(err, "sqlite: supersede predictions %q", name)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO prediction (name, label, session_id, processed, created_at) VALUES (?, ?, ?, FALSE, ?)`,
			name, label, sessionID, pred.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert prediction %q", name)
		}
		pred.ID, err = res.LastInsertId()
		return eris.Wrap(err, "sqlite: prediction id")
	})
	if err != nil {
		return nil, err
	}
	return pred, nil
}

func (s *SQLiteStore) NextBalancedPrediction(ctx context.Context, sessionID int64) (*model.Prediction, error) {
	var pred *model.Prediction
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var label string
		var pending int
		err := tx.QueryRowContext(ctx,
			`SELECT p.label, COUNT(*) AS pending
			 FROM prediction p
			 JOIN image i ON i.session_id = p.session_id AND i.name = p.name
			 WHERE p.session_id = ? AND NOT p.processed AND COALESCE(i.label, '') = ''
			 GROUP BY p.label
			 ORDER BY pending ASC, p.label ASC
			 LIMIT 1`, sessionID,
		).Scan(&label, &pending)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: least-represented label %d", sessionID)
		}

		row := tx.QueryRowContext(ctx,
			`SELECT p.pred_id, p.name, p.label, p.session_id, p.processed, p.created_at
			 FROM prediction p
			 JOIN image i ON i.session_id = p.session_id AND i.name = p.name
			 WHERE p.session_id = ? AND p.label = ? AND NOT p.processed AND COALESCE(i.label, '') = ''
			 ORDER BY p.pred_id ASC
			 LIMIT 1`, sessionID, label,
		)
		var p model.Prediction
		if err := row.Scan(&p.ID, &p.Name, &p.Label, &p.SessionID, &p.Processed, &p.CreatedAt); err != nil {
			return eris.Wrapf(err, "sqlite: next prediction %d", sessionID)
		}
		pred = &p
		return nil
	})
	return pred, err
}

func (s *SQLiteStore) MarkPredictionProcessed(ctx context.Context, sessionID int64, name string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE prediction SET processed = TRUE WHERE session_id = ? AND name = ? AND NOT processed`,
		sessionID, name,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: mark prediction processed %q", name)
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// Error ledger

func (s *SQLiteStore) LogError(ctx context.Context, rec model.ErrorRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exc_error (id, session_id, traceback, image_path, timestamp) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.Traceback, rec.ImagePath, rec.Timestamp,
	)
	return eris.Wrapf(err, "sqlite: log error for session %d", rec.SessionID)
}

func (s *SQLiteStore) ListErrors(ctx context.Context, sessionID int64) ([]model.ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, traceback, image_path, timestamp FROM exc_error
		 WHERE session_id = ?
		 ORDER BY timestamp DESC, id`, sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list errors %d", sessionID)
	}
	defer rows.Close() //nolint:errcheck

	var recs []model.ErrorRecord
	for rows.Next() {
		var r model.ErrorRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Traceback, &r.ImagePath, &r.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan error record")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "sqlite: iterate error records")
}

// helpers

func (s *SQLiteStore) queryNames(ctx context.Context, what, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", what)
	}
	defer rows.Close() //nolint:errcheck

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrapf(err, "sqlite: scan %s", what)
		}
		names = append(names, name)
	}
	return names, eris.Wrapf(rows.Err(), "sqlite: iterate %s", what)
}

func sqliteSessionExists(ctx context.Context, tx *sql.Tx, sessionID int64) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM session WHERE session_id = ?`, sessionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(model.ErrNotFound, "session %d", sessionID)
	}
	return eris.Wrap(err, "sqlite: lookup session")
}

func checkRowsAffected(res sql.Result, entity string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %d", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var labelMap sql.NullString

	err := row.Scan(&sess.ID, &sess.Completed, &sess.LastUpdated, &sess.ImagesAvailable,
		&sess.ImageTotal, &sess.ImageProcessed, &sess.ImageLabeled, &labelMap)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan session")
	}
	if labelMap.Valid && labelMap.String != "" {
		if err := json.Unmarshal([]byte(labelMap.String), &sess.LabelMap); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal label map for session %d", sess.ID)
		}
	}
	return &sess, nil
}

type histogramRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanHistogram folds (label, count) rows into a Histogram, reporting the
// empty label as Unlabeled.
func scanHistogram(rows histogramRows) (model.Histogram, error) {
	h := model.Histogram{Classes: []model.ClassCount{}}
	for rows.Next() {
		var label string
		var count int
		if err := rows.Scan(&label, &count); err != nil {
			return model.Histogram{}, eris.Wrap(err, "scan histogram")
		}
		if label == "" {
			h.Unlabeled += count
			continue
		}
		h.Classes = append(h.Classes, model.ClassCount{Label: label, Count: count})
	}
	return h, eris.Wrap(rows.Err(), "iterate histogram")
}
