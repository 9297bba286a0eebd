// Package notify delivers human-readable alerts about recovery plan
// lifecycle events to log, webhook and Redis pub/sub channels.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/memoright/memoright-ops/internal/config"
	"github.com/memoright/memoright-ops/internal/observability"
	"github.com/memoright/memoright-ops/model"
)

// Channel names understood in a plan's notificationChannels.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
	ChannelRedis   = "redis"
)

// Severity of an alert.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Message is a formatted alert for one event.
type Message struct {
	Title    string          `json:"title"`
	Text     string          `json:"text"`
	Severity string          `json:"severity"`
	Event    model.PlanEvent `json:"event"`
}

// Channel delivers messages to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// --- LogChannel ---

// LogChannel writes alerts to the service log.
type LogChannel struct {
	logger *zap.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger.Named("alerts")}
}

// Name returns "log".
func (c *LogChannel) Name() string { return ChannelLog }

// Send logs msg at a level matching its severity.
func (c *LogChannel) Send(_ context.Context, msg Message) error {
	fields := []zap.Field{
		zap.String("plan_id", msg.Event.PlanID),
		zap.String("event", msg.Event.Type),
		zap.String("severity", msg.Severity),
	}
	if msg.Event.StepID != "" {
		fields = append(fields, zap.String("step_id", msg.Event.StepID))
	}
	switch msg.Severity {
	case SeverityCritical:
		c.logger.Error(msg.Text, fields...)
	case SeverityWarning:
		c.logger.Warn(msg.Text, fields...)
	default:
		c.logger.Info(msg.Text, fields...)
	}
	return nil
}

// --- WebhookChannel ---

// webhookPayload is compatible with Slack and Teams incoming webhooks, which
// render "text" and ignore the rest.
type webhookPayload struct {
	Text     string          `json:"text"`
	Title    string          `json:"title"`
	Severity string          `json:"severity"`
	Event    model.PlanEvent `json:"event"`
}

// WebhookChannel posts alerts as JSON to an HTTP endpoint behind a circuit
// breaker.
type WebhookChannel struct {
	url     string
	client  *http.Client
	timeout time.Duration
	breaker *Breaker
}

// NewWebhookChannel creates a webhook channel posting to url. A nil client
// uses http.DefaultClient.
func NewWebhookChannel(url string, cfg config.WebhookConfig, client *http.Client, metrics *observability.Metrics) *WebhookChannel {
	if client == nil {
		client = http.DefaultClient
	}
	var onChange func(string, BreakerState)
	if metrics != nil {
		onChange = func(name string, s BreakerState) { metrics.SetNotifierCircuitState(name, float64(s)) }
	}
	return &WebhookChannel{
		url:     url,
		client:  client,
		timeout: cfg.Timeout,
		breaker: NewBreaker(ChannelWebhook, cfg.CircuitBreaker, onChange),
	}
}

// Name returns "webhook".
func (c *WebhookChannel) Name() string { return ChannelWebhook }

// Breaker returns the channel's circuit breaker.
func (c *WebhookChannel) Breaker() *Breaker { return c.breaker }

// Send posts msg. Non-2xx responses are errors; 5xx responses and transport
// failures count against the breaker.
func (c *WebhookChannel) Send(ctx context.Context, msg Message) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	body, err := json.Marshal(webhookPayload{
		Text:     msg.Text,
		Title:    msg.Title,
		Severity: msg.Severity,
		Event:    msg.Event,
	})
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := c.client.Do(req)
	if err != nil {
		c.breaker.Failure()
		return fmt.Errorf("webhook: request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500:
		c.breaker.Failure()
		return fmt.Errorf("webhook: endpoint returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return fmt.Errorf("webhook: endpoint rejected alert with %d", resp.StatusCode)
	}
	c.breaker.Success()
	return nil
}

// --- RedisChannel ---

// RedisChannel publishes alerts as JSON to a Redis pub/sub channel.
type RedisChannel struct {
	client  redis.Cmdable
	channel string
}

// NewRedisChannel creates a channel publishing to the given pub/sub channel.
func NewRedisChannel(client redis.Cmdable, channel string) *RedisChannel {
	return &RedisChannel{client: client, channel: channel}
}

// Name returns "redis".
func (c *RedisChannel) Name() string { return ChannelRedis }

// Send publishes msg.
func (c *RedisChannel) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis: marshal alert: %w", err)
	}
	if err := c.client.Publish(ctx, c.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish to %s: %w", c.channel, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (c *RedisChannel) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
