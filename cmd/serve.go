package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/api"
	"github.com/sells-group/labeler/internal/monitoring"
)

var (
	servePort      int
	serveReconcile bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the labeling HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initLabeler(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		if serveReconcile {
			report, err := env.Reconciler.Reconcile(ctx)
			if err != nil {
				return eris.Wrap(err, "startup reconcile")
			}
			zap.L().Info("startup reconcile complete",
				zap.Int64s("available", report.Available()),
				zap.Int("corpus_size", report.CorpusSize),
			)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		if cfg.Monitoring.Enabled {
			go newChecker(env).Run(ctx)
		}

		var jobs sync.WaitGroup
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           buildRouter(env, &jobs),
			ReadHeaderTimeout: 10 * time.Second,
		}

		return runServer(ctx, srv, &jobs)
	},
}

func buildRouter(env *labelerEnv, jobs *sync.WaitGroup) http.Handler {
	return api.NewRouter(api.Deps{
		Store:          env.Store,
		Queue:          env.Queue,
		Stats:          env.Stats,
		Ledger:         env.Ledger,
		Reconciler:     env.Reconciler,
		Trainer:        env.Classifier,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Jobs:           jobs,
	})
}

// newChecker builds the background health checker for serve.
func newChecker(env *labelerEnv) *monitoring.Checker {
	var rec monitoring.Reconciler
	if cfg.Monitoring.Reconcile {
		rec = env.Reconciler
	}
	return monitoring.NewChecker(
		monitoring.NewCollector(env.Store),
		monitoring.NewAlerter(cfg.Monitoring),
		rec,
		cfg.Monitoring,
	)
}

// runServer serves until ctx is cancelled, then shuts down and waits for
// background training runs to finish.
func runServer(ctx context.Context, srv *http.Server, jobs *sync.WaitGroup) error {
	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- eris.Wrap(err, "server listen")
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	zap.L().Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return eris.Wrap(err, "server shutdown")
	}
	jobs.Wait()
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveReconcile, "reconcile", true, "reconcile sessions against the corpus before serving")
	rootCmd.AddCommand(serveCmd)
}
