package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/config"
	"github.com/sells-group/labeler/internal/reconcile"
)

// Reconciler re-matches sessions to the corpus.
type Reconciler interface {
	Reconcile(ctx context.Context) (*reconcile.Report, error)
}

// Checker runs periodic reconciliation and alert checks in the background.
type Checker struct {
	collector  *Collector
	alerter    *Alerter
	reconciler Reconciler
	cfg        config.MonitoringConfig
}

// NewChecker creates a background checker. reconciler may be nil.
func NewChecker(collector *Collector, alerter *Alerter, reconciler Reconciler, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector:  collector,
		alerter:    alerter,
		reconciler: reconciler,
		cfg:        cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Bool("reconcile", c.reconciler != nil),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check runs one pass: reconcile, collect, evaluate, send. It returns the
// alerts raised.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) []Alert {
	var alerts []Alert

	if c.reconciler != nil {
		report, err := c.reconciler.Reconcile(ctx)
		if err != nil {
			log.Error("monitoring: reconcile failed", zap.Error(err))
			alerts = append(alerts, ReconcileFailed(err))
		} else if len(report.Extended) > 0 || report.Created != 0 {
			log.Info("monitoring: corpus changed",
				zap.Int64s("extended", report.Extended),
				zap.Int64("created", report.Created),
				zap.Int("corpus_size", report.CorpusSize),
			)
		}
	}

	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
	} else {
		alerts = append(alerts, c.alerter.Evaluate(snap)...)
	}

	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
