// Package api exposes the labeling operations as a JSON HTTP API.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/labeling"
	"github.com/sells-group/labeler/internal/ledger"
	"github.com/sells-group/labeler/internal/model"
	"github.com/sells-group/labeler/internal/reconcile"
	"github.com/sells-group/labeler/internal/stats"
	"github.com/sells-group/labeler/internal/store"
)

// Store is the slice of the record store the handlers read directly.
type Store interface {
	Ping(ctx context.Context) error
	ListSessions(ctx context.Context, filter store.SessionFilter) ([]model.Session, error)
}

// Deps wires the handlers to the domain services.
type Deps struct {
	Store      Store
	Queue      *labeling.Queue
	Stats      *stats.Aggregator
	Ledger     *ledger.Ledger
	Reconciler *reconcile.Engine
	Trainer    labeling.Classifier

	AllowedOrigins []string

	// Jobs, when set, tracks background training runs so the server can
	// wait for them on shutdown.
	Jobs *sync.WaitGroup
}

type handler struct {
	Deps
}

// NewRouter builds the HTTP routes.
func NewRouter(d Deps) http.Handler {
	h := &handler{Deps: d}

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)

	r.Route("/api", func(r chi.Router) {
		r.Post("/reconcile", h.reconcile)

		r.Get("/sessions", h.listSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.sessionSummary)
			r.Get("/next", h.next)
			r.Post("/labels", h.submitLabel)
			r.Post("/train", h.train)
			r.Get("/errors", h.listErrors)
		})
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			zap.L().Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}
