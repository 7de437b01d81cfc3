package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/labeler/internal/db"
	"github.com/sells-group/labeler/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

var _ Store = (*PostgresStore)(nil)

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS session (
	session_id       BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	completed        BOOLEAN NOT NULL DEFAULT FALSE,
	last_updated     TIMESTAMPTZ NOT NULL DEFAULT now(),
	images_available BOOLEAN NOT NULL DEFAULT FALSE,
	image_total      INTEGER NOT NULL DEFAULT 0,
	image_processed  INTEGER NOT NULL DEFAULT 0,
	image_labeled    INTEGER NOT NULL DEFAULT 0,
	label_map        JSONB
);

CREATE TABLE IF NOT EXISTS image (
	image_id   BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	name       TEXT NOT NULL,
	session_id BIGINT NOT NULL REFERENCES session(session_id),
	processed  BOOLEAN NOT NULL DEFAULT FALSE,
	label      TEXT,
	UNIQUE (session_id, name)
);

CREATE TABLE IF NOT EXISTS prediction (
	pred_id    BIGINT GENERATED BY DEFAULT AS IDENTITY PRIMARY KEY,
	name       TEXT NOT NULL,
	label      TEXT NOT NULL,
	session_id BIGINT NOT NULL REFERENCES session(session_id),
	processed  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS exc_error (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	session_id BIGINT NOT NULL REFERENCES session(session_id),
	traceback  TEXT NOT NULL,
	image_path TEXT NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS prediction_failure (
	session_id BIGINT NOT NULL REFERENCES session(session_id),
	name       TEXT NOT NULL,
	failed_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (session_id, name)
);

CREATE INDEX IF NOT EXISTS idx_image_session_label ON image(session_id, label);
CREATE INDEX IF NOT EXISTS idx_prediction_session_pending ON prediction(session_id, label) WHERE NOT processed;
CREATE INDEX IF NOT EXISTS idx_prediction_session_name ON prediction(session_id, name);
CREATE INDEX IF NOT EXISTS idx_exc_error_session ON exc_error(session_id, timestamp DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Sessions

func (s *PostgresStore) CreateSession(ctx context.Context, imageTotal, imageProcessed int, available bool) (*model.Session, error) {
	now := time.Now().UTC()
	sess := &model.Session{
		LastUpdated:     now,
		ImagesAvailable: available,
		ImageTotal:      imageTotal,
		ImageProcessed:  imageProcessed,
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO session (completed, last_updated, images_available, image_total, image_processed, image_labeled)
		 VALUES (FALSE, $1, $2, $3, $4, 0)
		 RETURNING session_id`,
		now, available, imageTotal, imageProcessed,
	).Scan(&sess.ID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert session")
	}
	return sess, nil
}

const pgSessionColumns = `session_id, completed, last_updated, images_available, image_total, image_processed, image_labeled, label_map`

func (s *PostgresStore) GetSession(ctx context.Context, sessionID int64) (*model.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgSessionColumns+` FROM session WHERE session_id = $1`, sessionID,
	)
	sess, err := scanPgSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "session %d", sessionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get session %d", sessionID)
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, filter SessionFilter) ([]model.Session, error) {
	var where []string
	args := []any{}
	argIdx := 1

	if filter.Completed != nil {
		where = append(where, fmt.Sprintf("completed = $%d", argIdx))
		args = append(args, *filter.Completed)
		argIdx++
	}
	if filter.ImagesAvailable != nil {
		where = append(where, fmt.Sprintf("images_available = $%d", argIdx))
		args = append(args, *filter.ImagesAvailable)
		argIdx++
	}

	query := `SELECT ` + pgSessionColumns + ` FROM session`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY session_id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list sessions")
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan session")
		}
		sessions = append(sessions, *sess)
	}
	return sessions, eris.Wrap(rows.Err(), "postgres: iterate sessions")
}

func (s *PostgresStore) SetAvailability(ctx context.Context, sessionID int64, available bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session SET images_available = $1, last_updated = $2 WHERE session_id = $3`,
		available, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set availability %d", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "session %d", sessionID)
	}
	return nil
}

func (s *PostgresStore) ResetAvailability(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `UPDATE session SET images_available = FALSE`)
	return eris.Wrap(err, "postgres: reset availability")
}

func (s *PostgresStore) SetCompleted(ctx context.Context, sessionID int64, completed bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE session SET completed = $1, last_updated = $2 WHERE session_id = $3`,
		completed, time.Now().UTC(), sessionID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set completed %d", sessionID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "session %d", sessionID)
	}
	return nil
}

func (s *PostgresStore) SaveLabelMap(ctx context.Context, sessionID int64, lm model.LabelMap) error {
	if err := lm.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(lm)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal label map")
	}
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE session SET label_map = $1, last_updated = $2 WHERE session_id = $3`,
			raw, time.Now().UTC(), sessionID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: save label map %d", sessionID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(model.ErrNotFound, "session %d", sessionID)
		}
		// A new vocabulary gives previously rejected images another try.
		if _, err := tx.Exec(ctx,
			`DELETE FROM prediction_failure WHERE session_id = $1`, sessionID,
		); err != nil {
			return eris.Wrapf(err, "postgres: clear prediction failures %d", sessionID)
		}
		return nil
	})
}

func (s *PostgresStore) Recount(ctx context.Context, sessionID int64) (model.Counts, error) {
	var c model.Counts
	err := s.pool.QueryRow(ctx,
		`UPDATE session s SET
			image_total     = c.total,
			image_labeled   = c.labeled,
			image_processed = c.processed,
			last_updated    = $2
		 FROM (
			SELECT COUNT(*) AS total,
			       COUNT(*) FILTER (WHERE COALESCE(label, '') <> '') AS labeled,
			       COUNT(*) FILTER (WHERE processed) AS processed
			FROM image WHERE session_id = $1
		 ) c
		 WHERE s.session_id = $1
		 RETURNING s.image_labeled, s.image_total, s.image_processed`,
		sessionID, time.Now().UTC(),
	).Scan(&c.Labeled, &c.Total, &c.Processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, eris.Wrapf(model.ErrNotFound, "session %d", sessionID)
	}
	if err != nil {
		return c, eris.Wrapf(err, "postgres: recount session %d", sessionID)
	}
	return c, nil
}

// Images

// RegisterImages bulk-loads names with COPY inside a transaction so a
// duplicate name aborts the whole batch.
func (s *PostgresStore) RegisterImages(ctx context.Context, sessionID int64, names []string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var one int
		err := tx.QueryRow(ctx, `SELECT 1 FROM session WHERE session_id = $1`, sessionID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(model.ErrNotFound, "session %d", sessionID)
		}
		if err != nil {
			return eris.Wrap(err, "postgres: lookup session")
		}

		rows := make([][]any, len(names))
		for i, name := range names {
			rows[i] = []any{name, sessionID, false}
		}
		_, err = db.CopyFrom(ctx, tx, "image", []string{"name", "session_id", "processed"}, rows)
		return eris.Wrapf(err, "postgres: register images for session %d", sessionID)
	})
}

func (s *PostgresStore) ImageNames(ctx context.Context, sessionID int64) ([]string, error) {
	return s.queryNames(ctx, "image names",
		`SELECT name FROM image WHERE session_id = $1 ORDER BY name`, sessionID,
	)
}

func (s *PostgresStore) SetLabel(ctx context.Context, sessionID int64, name, label string) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE image SET label = $1 WHERE session_id = $2 AND name = $3`,
			label, sessionID, name,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: set label %q", name)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(model.ErrNotFound, "image %q in session %d", name, sessionID)
		}
		_, err = tx.Exec(ctx,
			`UPDATE session SET last_updated = $1 WHERE session_id = $2`,
			time.Now().UTC(), sessionID,
		)
		return eris.Wrap(err, "postgres: touch session")
	})
}

func (s *PostgresStore) RandomUnlabeled(ctx context.Context, sessionID int64) (string, bool, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT name FROM image
		 WHERE session_id = $1 AND COALESCE(label, '') = ''
		 ORDER BY random() LIMIT 1`, sessionID,
	).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, eris.Wrapf(err, "postgres: random unlabeled %d", sessionID)
	}
	return name, true, nil
}

func (s *PostgresStore) LabeledImages(ctx context.Context, sessionID int64, onlyUnprocessed bool) ([]model.ImageRecord, error) {
	query := `SELECT image_id, name, session_id, processed, COALESCE(label, '') FROM image
		WHERE session_id = $1 AND COALESCE(label, '') <> ''`
	if onlyUnprocessed {
		query += " AND NOT processed"
	}
	query += " ORDER BY image_id"

	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: labeled images %d", sessionID)
	}
	defer rows.Close()

	var images []model.ImageRecord
	for rows.Next() {
		var img model.ImageRecord
		if err := rows.Scan(&img.ID, &img.Name, &img.SessionID, &img.Processed, &img.Label); err != nil {
			return nil, eris.Wrap(err, "postgres: scan image")
		}
		images = append(images, img)
	}
	return images, eris.Wrap(rows.Err(), "postgres: iterate images")
}

func (s *PostgresStore) MarkImagesProcessed(ctx context.Context, sessionID int64, names []string) error {
	if len(names) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE image SET processed = TRUE WHERE session_id = $1 AND name = ANY($2)`,
		sessionID, names,
	)
	return eris.Wrapf(err, "postgres: mark images processed %d", sessionID)
}

func (s *PostgresStore) ClassHistogram(ctx context.Context, sessionID int64) (model.Histogram, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT COALESCE(label, '') AS label, COUNT(*) FROM image
		 WHERE session_id = $1
		 GROUP BY 1
		 ORDER BY 1 COLLATE "C"`, sessionID,
	)
	if err != nil {
		return model.Histogram{}, eris.Wrapf(err, "postgres: class histogram %d", sessionID)
	}
	defer rows.Close()
	return scanHistogram(rows)
}

// Predictions

func (s *PostgresStore) PredictionCandidates(ctx context.Context, sessionID int64, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	return s.queryNames(ctx, "prediction candidates",
		`SELECT i.name FROM image i
		 WHERE i.session_id = $1 AND COALESCE(i.label, '') = ''
		   AND NOT EXISTS (
			SELECT 1 FROM prediction p
			WHERE p.session_id = i.session_id AND p.name = i.name AND NOT p.processed
		   )
		   AND NOT EXISTS (
			SELECT 1 FROM prediction_failure f
			WHERE f.session_id = i.session_id AND f.name = i.name
		   )
		 ORDER BY i.image_id
		 LIMIT $2`, sessionID, limit,
	)
}

func (s *PostgresStore) MarkPredictionFailed(ctx context.Context, sessionID int64, name string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prediction_failure (session_id, name, failed_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_id, name) DO UPDATE SET failed_at = EXCLUDED.failed_at`,
		sessionID, name, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: mark prediction failed %q", name)
}

func (s *PostgresStore) AddPrediction(ctx context.Context, sessionID int64, name, label string) (*model.Prediction, error) {
	pred := &model.Prediction{
		Name:      name,
		Label:     label,
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`UPDATE prediction SET processed = TRUE WHERE session_id = $1 AND name = $2 AND NOT processed`,
			sessionID, name,
		); err != nil {
			return eris.Wrapf(err, "postgres: supersede predictions %q", name)
		}
		err := tx.QueryRow(ctx,
			`INSERT INTO prediction (name, label, session_id, processed, created_at)
			 VALUES ($1, $2, $3, FALSE, $4)
			 RETURNING pred_id`,
			name, label, sessionID, pred.CreatedAt,
		).Scan(&pred.ID)
		return eris.Wrapf(err, "postgres: insert prediction %q", name)
	})
	if err != nil {
		return nil, err
	}
	return pred, nil
}

func (s *PostgresStore) NextBalancedPrediction(ctx context.Context, sessionID int64) (*model.Prediction, error) {
	var p model.Prediction
	err := s.pool.QueryRow(ctx,
		`WITH pending AS (
			SELECT p.pred_id, p.name, p.label, p.session_id, p.processed, p.created_at
			FROM prediction p
			JOIN image i ON i.session_id = p.session_id AND i.name = p.name
			WHERE p.session_id = $1 AND NOT p.processed AND COALESCE(i.label, '') = ''
		 ), ranked AS (
			SELECT label, COUNT(*) AS n FROM pending GROUP BY label
			ORDER BY n ASC, label COLLATE "C" ASC
			LIMIT 1
		 )
		 SELECT pending.pred_id, pending.name, pending.label, pending.session_id, pending.processed, pending.created_at
		 FROM pending JOIN ranked ON ranked.label = pending.label
		 ORDER BY pending.pred_id ASC
		 LIMIT 1`, sessionID,
	).Scan(&p.ID, &p.Name, &p.Label, &p.SessionID, &p.Processed, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: next prediction %d", sessionID)
	}
	return &p, nil
}

func (s *PostgresStore) MarkPredictionProcessed(ctx context.Context, sessionID int64, name string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE prediction SET processed = TRUE WHERE session_id = $1 AND name = $2 AND NOT processed`,
		sessionID, name,
	)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: mark prediction processed %q", name)
	}
	return int(tag.RowsAffected()), nil
}

// Error ledger

func (s *PostgresStore) LogError(ctx context.Context, rec model.ErrorRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO exc_error (id, session_id, traceback, image_path, timestamp) VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.SessionID, rec.Traceback, rec.ImagePath, rec.Timestamp,
	)
	return eris.Wrapf(err, "postgres: log error for session %d", rec.SessionID)
}

func (s *PostgresStore) ListErrors(ctx context.Context, sessionID int64) ([]model.ErrorRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, traceback, image_path, timestamp FROM exc_error
		 WHERE session_id = $1
		 ORDER BY timestamp DESC, id`, sessionID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list errors %d", sessionID)
	}
	defer rows.Close()

	var recs []model.ErrorRecord
	for rows.Next() {
		var r model.ErrorRecord
		if err := rows.Scan(&r.ID, &r.SessionID, &r.Traceback, &r.ImagePath, &r.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan error record")
		}
		recs = append(recs, r)
	}
	return recs, eris.Wrap(rows.Err(), "postgres: iterate error records")
}

func (s *PostgresStore) queryNames(ctx context.Context, what, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", what)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrapf(err, "postgres: scan %s", what)
		}
		names = append(names, name)
	}
	return names, eris.Wrapf(rows.Err(), "postgres: iterate %s", what)
}

func scanPgSession(row scannable) (*model.Session, error) {
	var sess model.Session
	var labelMap *[]byte

	if err := row.Scan(&sess.ID, &sess.Completed, &sess.LastUpdated, &sess.ImagesAvailable,
		&sess.ImageTotal, &sess.ImageProcessed, &sess.ImageLabeled, &labelMap); err != nil {
		return nil, err
	}
	if labelMap != nil && len(*labelMap) > 0 {
		if err := json.Unmarshal(*labelMap, &sess.LabelMap); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal label map for session %d", sess.ID)
		}
	}
	return &sess, nil
}
