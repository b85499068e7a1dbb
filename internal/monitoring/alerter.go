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
)

// AlertType identifies the kind of quality alert.
type AlertType string

const (
	AlertDuplicateRate AlertType = "duplicate_rate"
	AlertMismatchRate  AlertType = "fare_mismatch_rate"
	AlertAnomalyRate   AlertType = "anomaly_rate"
)

// Alert represents a single quality alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Thresholds are the alert trip points, expressed as fractions of the total
// record count. A zero threshold disables that check.
type Thresholds struct {
	MaxDuplicateRate float64
	MaxMismatchRate  float64
	MaxAnomalyRate   float64
	MinRecords       int64
}

// Alerter evaluates a QualitySnapshot against thresholds and delivers alerts
// to a webhook when they are breached.
type Alerter struct {
	th         Thresholds
	webhookURL string
	client     *http.Client
}

// NewAlerter creates an Alerter. An empty webhook URL means alerts are
// evaluated but only logged.
func NewAlerter(th Thresholds, webhookURL string) *Alerter {
	return &Alerter{
		th:         th,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
// Snapshots below MinRecords never alert; rates over tiny samples are noise.
func (a *Alerter) Evaluate(snap *QualitySnapshot) []Alert {
	if snap.Total < a.th.MinRecords {
		return nil
	}

	var alerts []Alert
	now := time.Now().UTC()

	if a.th.MaxDuplicateRate > 0 && snap.DuplicateRate > a.th.MaxDuplicateRate {
		alerts = append(alerts, Alert{
			Type:     AlertDuplicateRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"duplicate rate %.2f%% exceeds threshold %.2f%% (%d of %d records)",
				snap.DuplicateRate*100, a.th.MaxDuplicateRate*100,
				snap.Duplicates, snap.Total,
			),
			Details: map[string]any{
				"duplicate_rate": snap.DuplicateRate,
				"threshold":      a.th.MaxDuplicateRate,
				"duplicates":     snap.Duplicates,
				"total":          snap.Total,
			},
			Timestamp: now,
		})
	}

	if a.th.MaxMismatchRate > 0 && snap.MismatchRate > a.th.MaxMismatchRate {
		alerts = append(alerts, Alert{
			Type:     AlertMismatchRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"fare mismatch rate %.2f%% exceeds threshold %.2f%% (%d of %d records)",
				snap.MismatchRate*100, a.th.MaxMismatchRate*100,
				snap.FareMiss, snap.Total,
			),
			Details: map[string]any{
				"mismatch_rate": snap.MismatchRate,
				"threshold":     a.th.MaxMismatchRate,
				"mismatched":    snap.FareMiss,
				"total":         snap.Total,
			},
			Timestamp: now,
		})
	}

	if a.th.MaxAnomalyRate > 0 && snap.AnomalyRate > a.th.MaxAnomalyRate {
		alerts = append(alerts, Alert{
			Type:     AlertAnomalyRate,
			Severity: "medium",
			Message: fmt.Sprintf(
				"anomaly rate %.2f%% exceeds threshold %.2f%% (%d of %d records)",
				snap.AnomalyRate*100, a.th.MaxAnomalyRate*100,
				snap.Anomalies, snap.Total,
			),
			Details: map[string]any{
				"anomaly_rate": snap.AnomalyRate,
				"threshold":    a.th.MaxAnomalyRate,
				"anomalies":    snap.Anomalies,
				"total":        snap.Total,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.webhookURL == "" || len(alerts) == 0 {
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

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.webhookURL, bytes.NewReader(payload))
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
