package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertJobFailure     AlertType = "job_failure"
	AlertFailedRuns     AlertType = "failed_runs"
	AlertSyncStalled    AlertType = "sync_stalled"
	AlertFailingSources AlertType = "failing_sources"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns run-log snapshots and job failures into alerts and
// delivers them via webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("webhook", "send_alert")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate checks the snapshot and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	if failed := snap.Failed(); failed > 0 {
		perJob := make(map[string]int)
		for job, c := range snap.Jobs {
			if c.Failed > 0 {
				perJob[job] = c.Failed
			}
		}
		alerts = append(alerts, Alert{
			Type:     AlertFailedRuns,
			Severity: "high",
			Message:  fmt.Sprintf("%d job run(s) failed in last %dh", failed, snap.LookbackHours),
			Details: map[string]any{
				"failed_by_job": perJob,
				"last_errors":   snap.LastErrors,
			},
			Timestamp: now,
		})
	}

	if len(snap.FailingSources) > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertFailingSources,
			Severity: "medium",
			Message: fmt.Sprintf("%d feed source(s) failing: %s",
				len(snap.FailingSources), strings.Join(snap.FailingSources, ", ")),
			Details:   map[string]any{"sources": snap.FailingSources},
			Timestamp: now,
		})
	}

	// Sync attempted in the window but never completed.
	if sync := snap.Jobs["sync"]; sync.Total > 0 && sync.Complete == 0 && sync.Running == 0 {
		alerts = append(alerts, Alert{
			Type:      AlertSyncStalled,
			Severity:  "high",
			Message:   fmt.Sprintf("no successful sync in last %dh (%d attempts)", snap.LookbackHours, sync.Total),
			Details:   map[string]any{"attempts": sync.Total},
			Timestamp: now,
		})
	}

	return alerts
}

// JobFailed builds the alert for a job run that returned an error.
func JobFailed(job string, err error) Alert {
	return Alert{
		Type:      AlertJobFailure,
		Severity:  "high",
		Message:   fmt.Sprintf("job %s failed: %v", job, err),
		Details:   map[string]any{"job": job},
		Timestamp: time.Now().UTC(),
	}
}

// NotifyJobFailure sends a job failure alert. It reports whether the
// alert was delivered.
func (a *Alerter) NotifyJobFailure(ctx context.Context, job string, err error) bool {
	return a.SendAlerts(ctx, []Alert{JobFailed(job, err)}) == 1
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

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
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

		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(
				eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode), resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
}
