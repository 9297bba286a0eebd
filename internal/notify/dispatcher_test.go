package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/memoright/memoright-ops/internal/config"
	"github.com/memoright/memoright-ops/internal/observability"
	"github.com/memoright/memoright-ops/model"
)

// recordingChannel captures sent messages and optionally fails.
type recordingChannel struct {
	name string
	err  error

	mu   sync.Mutex
	sent []Message
}

func (c *recordingChannel) Name() string { return c.name }

func (c *recordingChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return c.err
}

func failedPlanEvent() model.PlanEvent {
	return model.PlanEvent{
		ID:                   "ev-1",
		Type:                 model.EventPlanFailed,
		PlanID:               "db-failover",
		PlanName:             "Database failover",
		PlanKind:             model.KindDisasterRecovery,
		Priority:             model.PriorityCritical,
		StepID:               "promote",
		StepName:             "Promote replica",
		Status:               model.StatusFailed,
		Message:              "replica lagging",
		Duration:             1500 * time.Millisecond,
		NotificationChannels: []string{"webhook", "pager"},
		Timestamp:            time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name     string
		ev       model.PlanEvent
		wantOK   bool
		wantText string
		wantSev  string
	}{
		{
			name: "plan started",
			ev: model.PlanEvent{Type: model.EventPlanStarted, PlanName: "Rollback web", PlanKind: model.KindRollback,
				Priority: model.PriorityHigh, TriggerType: model.TriggerManual, Actor: "alice"},
			wantOK:   true,
			wantText: `[HIGH] rollback plan "Rollback web" started (MANUAL, by alice)`,
			wantSev:  SeverityWarning,
		},
		{
			name:     "step failed",
			ev:       model.PlanEvent{Type: model.EventStepFailed, PlanName: "P", StepName: "Flush cache", Message: "timeout"},
			wantOK:   true,
			wantText: `Step "Flush cache" of recovery plan "P" failed: timeout`,
			wantSev:  SeverityCritical,
		},
		{
			name:     "plan failed",
			ev:       failedPlanEvent(),
			wantOK:   true,
			wantText: `Recovery plan "Database failover" failed at step "Promote replica": replica lagging in 1.5s`,
			wantSev:  SeverityCritical,
		},
		{
			name:     "plan completed falls back to id",
			ev:       model.PlanEvent{Type: model.EventPlanCompleted, PlanID: "p1"},
			wantOK:   true,
			wantText: `Recovery plan "p1" completed successfully`,
			wantSev:  SeverityInfo,
		},
		{
			name:     "plan cancelled",
			ev:       model.PlanEvent{Type: model.EventPlanCancelled, PlanName: "P", Actor: "bob", Message: "false alarm"},
			wantOK:   true,
			wantText: `Recovery plan "P" was cancelled by bob: false alarm`,
			wantSev:  SeverityWarning,
		},
		{name: "step started ignored", ev: model.PlanEvent{Type: model.EventStepStarted}},
		{name: "step completed ignored", ev: model.PlanEvent{Type: model.EventStepCompleted}},
		{name: "plan reset ignored", ev: model.PlanEvent{Type: model.EventPlanReset}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := Format(tt.ev)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantText, msg.Text)
			assert.Equal(t, tt.wantSev, msg.Severity)
			assert.Equal(t, tt.ev.Type, msg.Event.Type)
		})
	}
}

func TestDispatcher_routesToPlanChannels(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	logCh := &recordingChannel{name: ChannelLog}
	webhook := &recordingChannel{name: ChannelWebhook}
	d := NewDispatcher(nil, metrics, logCh, webhook)

	d.HandleEvent(context.Background(), failedPlanEvent())

	assert.Len(t, webhook.sent, 1)
	assert.Empty(t, logCh.sent, "log is only the default when a plan names no channels")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("webhook", OutcomeSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("pager", OutcomeUnknown)))
}

func TestDispatcher_defaultsToLog(t *testing.T) {
	logCh := &recordingChannel{name: ChannelLog}
	d := NewDispatcher(nil, nil, logCh)

	ev := failedPlanEvent()
	ev.NotificationChannels = nil
	d.HandleEvent(context.Background(), ev)

	require.Len(t, logCh.sent, 1)
	assert.Equal(t, "Recovery plan failed", logCh.sent[0].Title)
}

func TestDispatcher_ignoresNonAlertEvents(t *testing.T) {
	logCh := &recordingChannel{name: ChannelLog}
	d := NewDispatcher(nil, nil, logCh)

	d.HandleEvent(context.Background(), model.PlanEvent{Type: model.EventStepCompleted, PlanID: "p1"})
	assert.Empty(t, logCh.sent)
}

func TestDispatcher_deliveryFailureIsSwallowed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	broken := &recordingChannel{name: ChannelWebhook, err: errors.New("connection refused")}
	d := NewDispatcher(zap.New(core), metrics, broken)

	ev := failedPlanEvent()
	ev.NotificationChannels = []string{ChannelWebhook}
	assert.NotPanics(t, func() { d.HandleEvent(context.Background(), ev) })

	assert.Equal(t, 1, logs.FilterMessage("notification delivery failed").Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.NotificationsTotal.WithLabelValues("webhook", OutcomeFailed)))
}

func TestLogChannel_levelsBySeverity(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	c := NewLogChannel(zap.New(core))

	msg, _ := Format(failedPlanEvent())
	require.NoError(t, c.Send(context.Background(), msg))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	assert.Equal(t, "db-failover", entries[0].ContextMap()["plan_id"])
	assert.Equal(t, "promote", entries[0].ContextMap()["step_id"])
}

// --- WebhookChannel ---

func TestWebhookChannel_Send(t *testing.T) {
	type received struct {
		payload webhookPayload
		headers http.Header
	}
	reqs := make(chan received, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec received
		rec.headers = r.Header.Clone()
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &rec.payload)
		reqs <- rec
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewWebhookChannel(srv.URL, config.WebhookConfig{Timeout: time.Second}, srv.Client(), nil)
	msg, _ := Format(failedPlanEvent())

	require.NoError(t, c.Send(context.Background(), msg))
	got := <-reqs
	assert.Equal(t, "application/json", got.headers.Get("Content-Type"))
	assert.Equal(t, msg.Text, got.payload.Text)
	assert.Equal(t, SeverityCritical, got.payload.Severity)
	assert.Equal(t, "db-failover", got.payload.Event.PlanID)
	assert.Equal(t, BreakerClosed, c.Breaker().State())
}

func TestWebhookChannel_serverErrorsTripBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	cfg := config.WebhookConfig{
		Timeout:        time.Second,
		CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 2, Timeout: time.Minute},
	}
	c := NewWebhookChannel(srv.URL, cfg, srv.Client(), metrics)
	msg, _ := Format(failedPlanEvent())

	assert.Error(t, c.Send(context.Background(), msg))
	assert.Error(t, c.Send(context.Background(), msg))
	assert.ErrorIs(t, c.Send(context.Background(), msg), ErrBreakerOpen)
	assert.Equal(t, int32(2), calls.Load(), "open breaker must not reach the endpoint")
	assert.Equal(t, float64(BreakerOpen), testutil.ToFloat64(metrics.NotifierCircuitState.WithLabelValues("webhook")))
}

func TestWebhookChannel_clientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := config.WebhookConfig{CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 1}}
	c := NewWebhookChannel(srv.URL, cfg, srv.Client(), nil)
	msg, _ := Format(failedPlanEvent())

	assert.Error(t, c.Send(context.Background(), msg))
	assert.Equal(t, BreakerClosed, c.Breaker().State())
}

func TestWebhookChannel_timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewWebhookChannel(srv.URL, config.WebhookConfig{Timeout: 20 * time.Millisecond}, srv.Client(), nil)
	msg, _ := Format(failedPlanEvent())

	start := time.Now()
	assert.Error(t, c.Send(context.Background(), msg))
	assert.Less(t, time.Since(start), 2*time.Second)
}

// --- RedisChannel ---

func TestRedisChannel_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	sub := client.Subscribe(ctx, "memoright:recovery")
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	c := NewRedisChannel(client, "memoright:recovery")
	require.NoError(t, c.HealthCheck(ctx))
	msg, _ := Format(failedPlanEvent())
	require.NoError(t, c.Send(ctx, msg))

	select {
	case m := <-sub.Channel():
		var got Message
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &got))
		assert.Equal(t, msg.Text, got.Text)
		assert.Equal(t, model.EventPlanFailed, got.Event.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}

func TestRedisChannel_publishError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	c := NewRedisChannel(client, "alerts")
	msg, _ := Format(failedPlanEvent())
	assert.Error(t, c.Send(context.Background(), msg))
}
