package main

import (
	"context"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/classifier"
	"github.com/sells-group/labeler/internal/corpus"
	"github.com/sells-group/labeler/internal/export"
	"github.com/sells-group/labeler/internal/labeling"
	"github.com/sells-group/labeler/internal/ledger"
	"github.com/sells-group/labeler/internal/reconcile"
	"github.com/sells-group/labeler/internal/stats"
	"github.com/sells-group/labeler/internal/store"
	"github.com/sells-group/labeler/pkg/anthropic"
	"github.com/sells-group/labeler/pkg/gemini"
)

// labelerEnv holds the store and every service built on it.
type labelerEnv struct {
	Store      store.Store
	Source     *corpus.Dir
	Ledger     *ledger.Ledger
	Stats      *stats.Aggregator
	Classifier labeling.Classifier
	Queue      *labeling.Queue
	Reconciler *reconcile.Engine
	Exporter   *export.Exporter

	closers []func() error
}

// Close releases resources held by the environment.
func (e *labelerEnv) Close() {
	for _, fn := range e.closers {
		_ = fn()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initLabeler validates config for mode, opens and migrates the store, and
// wires the services. Callers should defer env.Close().
func initLabeler(ctx context.Context, mode string) (*labelerEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	env, err := buildEnv(ctx, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

func buildEnv(ctx context.Context, st store.Store) (*labelerEnv, error) {
	src := corpus.NewDir(cfg.Corpus.ImageDir)
	l := ledger.New(st)
	c, closer, err := initClassifier(ctx, st, src, l)
	if err != nil {
		return nil, err
	}

	env := &labelerEnv{
		Store:      st,
		Source:     src,
		Ledger:     l,
		Stats:      stats.New(st, cfg.Classifier.MinBatchSize),
		Classifier: c,
		Queue:      labeling.NewQueue(st, c, cfg.Classifier.PredictBudget),
		Reconciler: reconcile.New(st, src, l),
		Exporter:   export.New(st, src, cfg.Export.Concurrency),
	}
	if closer != nil {
		env.closers = append(env.closers, closer)
	}
	return env, nil
}

// initClassifier picks the vision backend for the configured provider. The
// returned closer, if any, releases the backend's connection.
func initClassifier(ctx context.Context, st store.Store, src corpus.Source, l *ledger.Ledger) (labeling.Classifier, func() error, error) {
	if !cfg.UseVision() {
		zap.L().Info("classifier: no model API configured, predictions disabled",
			zap.String("provider", cfg.Classifier.Provider),
		)
		return classifier.NewNop(st, cfg.Classifier.MinBatchSize), nil, nil
	}

	vcfg := classifier.VisionConfig{
		Model:        cfg.VisionModel(),
		MinBatchSize: cfg.Classifier.MinBatchSize,
		Guard: classifier.GuardConfig{
			RequestsPerSecond: cfg.Classifier.RequestsPerSecond,
			MaxAttempts:       cfg.Classifier.MaxAttempts,
			FailureThreshold:  cfg.Classifier.FailureThreshold,
		},
	}

	var client anthropic.Client
	var closer func() error
	switch cfg.Classifier.Provider {
	case "gemini":
		gc, err := gemini.NewClient(ctx, cfg.Classifier.GeminiAPIKey)
		if err != nil {
			return nil, nil, err
		}
		client, closer = gc, gc.Close
		vcfg.Guard.Retryable = gemini.IsTransient
	default:
		client = anthropic.NewClient(cfg.Classifier.APIKey)
	}

	zap.L().Info("classifier: vision predictions enabled",
		zap.String("provider", cfg.Classifier.Provider),
		zap.String("model", vcfg.Model),
	)
	return classifier.NewVision(st, client, src, l, vcfg), closer, nil
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "labeler.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func parseSessionID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, eris.Errorf("invalid session id %q", arg)
	}
	return id, nil
}
