package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/resilience"
)

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		Jobs: map[string]JobCounts{
			"collect": {Total: 24, Complete: 24},
			"sync":    {Total: 24, Complete: 24},
		},
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailedRuns(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		Jobs: map[string]JobCounts{
			"collect": {Total: 10, Complete: 8, Failed: 2},
			"sync":    {Total: 10, Complete: 10},
		},
		LastErrors:    []string{"collect: feed: status 503"},
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertFailedRuns, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "2 job run(s)")
	assert.Equal(t, map[string]int{"collect": 2}, alerts[0].Details["failed_by_job"])
}

func TestAlerter_Evaluate_SyncStalled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		Jobs: map[string]JobCounts{
			"sync": {Total: 3, Failed: 3},
		},
		FailingSources: []string{"https://crm.example.com/feed.json"},
		LookbackHours:  6,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 3)

	types := make(map[AlertType]bool)
	for _, a := range alerts {
		types[a.Type] = true
	}
	assert.True(t, types[AlertFailedRuns])
	assert.True(t, types[AlertFailingSources])
	assert.True(t, types[AlertSyncStalled])
}

func TestAlerter_Evaluate_RunningSyncNotStalled(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})

	snap := &MetricsSnapshot{
		Jobs:          map[string]JobCounts{"sync": {Total: 1, Running: 1}},
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestJobFailed(t *testing.T) {
	alert := JobFailed("collect", errors.New("boom"))
	assert.Equal(t, AlertJobFailure, alert.Type)
	assert.Equal(t, "job collect failed: boom", alert.Message)
	assert.Equal(t, "collect", alert.Details["job"])
	assert.False(t, alert.Timestamp.IsZero())
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		err := json.NewDecoder(r.Body).Decode(&alert)
		require.NoError(t, err)
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})

	alerts := []Alert{
		{Type: AlertFailedRuns, Severity: "high", Message: "test alert 1"},
		{Type: AlertSyncStalled, Severity: "high", Message: "test alert 2"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_NotifyJobFailure(t *testing.T) {
	var got Alert
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	assert.True(t, a.NotifyJobFailure(context.Background(), "sync", errors.New("db down")))
	assert.Equal(t, AlertJobFailure, got.Type)
	assert.Contains(t, got.Message, "db down")
}

func TestAlerter_SendAlerts_EmptyURL(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "",
	})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertFailedRuns, Message: "test"},
	})
	assert.Equal(t, 0, sent)
	assert.False(t, a.NotifyJobFailure(context.Background(), "sync", errors.New("x")))
}

func TestAlerter_SendAlerts_EmptyAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: "http://example.com",
	})

	sent := a.SendAlerts(context.Background(), nil)
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_WebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	a.retry = resilience.FixedDelay(2, time.Millisecond)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertFailedRuns, Message: "test"}})
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(3), calls.Load())
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{
		WebhookURL: ts.URL,
	})
	a.retry = resilience.FixedDelay(1, time.Millisecond)

	alerts := []Alert{
		{Type: AlertFailedRuns, Message: "test"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAlerter_SendAlerts_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	a.retry = resilience.FixedDelay(3, time.Millisecond)

	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertFailedRuns}}))
	assert.Equal(t, int32(1), calls.Load())
}
