package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/labeler/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertNoAvailableSession AlertType = "no_available_session"
	AlertPredictionErrors   AlertType = "prediction_errors"
	AlertReconcileFailed    AlertType = "reconcile_failed"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	// Labelers have nothing to work on.
	if snap.SessionsAvailable == 0 {
		alerts = append(alerts, Alert{
			Type:     AlertNoAvailableSession,
			Severity: "high",
			Message: fmt.Sprintf(
				"No session matches the image corpus (%d sessions on record)",
				snap.SessionsTotal,
			),
			Details: map[string]any{
				"sessions_total": snap.SessionsTotal,
			},
			Timestamp: now,
		})
	}

	// Prediction failures per available session.
	if a.cfg.ErrorThreshold > 0 {
		for _, s := range snap.Sessions {
			if !s.Available || s.RecentErrors < a.cfg.ErrorThreshold {
				continue
			}
			alerts = append(alerts, Alert{
				Type:     AlertPredictionErrors,
				Severity: "medium",
				Message: fmt.Sprintf(
					"Session %d recorded %d prediction errors in last %dh (threshold %d)",
					s.SessionID, s.RecentErrors, snap.LookbackHours, a.cfg.ErrorThreshold,
				),
				Details: map[string]any{
					"session_id": s.SessionID,
					"errors":     s.RecentErrors,
					"threshold":  a.cfg.ErrorThreshold,
				},
				Timestamp: now,
			})
		}
	}

	return alerts
}

// ReconcileFailed builds the alert raised when a periodic reconcile errors.
func ReconcileFailed(err error) Alert {
	return Alert{
		Type:      AlertReconcileFailed,
		Severity:  "high",
		Message:   fmt.Sprintf("Reconciliation failed: %v", err),
		Timestamp: time.Now().UTC(),
	}
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
