package stepbody

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memoright/memoright-ops/internal/observability"
)

func (c *Catalog) logStep(ctx context.Context, params map[string]any) (string, error) {
	msg := stringParam(params, "message", "step reached")
	logger := observability.RequestLogger(ctx, c.logger)
	switch strings.ToLower(stringParam(params, "level", "info")) {
	case "warn", "warning":
		logger.Warn(msg)
	case "error":
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
	return msg, nil
}

func (c *Catalog) noop(context.Context, map[string]any) (string, error) {
	return "", nil
}

// wait pauses for params.duration (default 1s) or until ctx is done.
func (c *Catalog) wait(ctx context.Context, params map[string]any) (string, error) {
	d, err := durationParam(params, "duration", time.Second)
	if err != nil {
		return "", err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return fmt.Sprintf("waited %s", d), nil
	case <-ctx.Done():
		return "", fmt.Errorf("wait interrupted: %w", ctx.Err())
	}
}

func (c *Catalog) fail(_ context.Context, params map[string]any) (string, error) {
	return "", errors.New(stringParam(params, "message", "step failed"))
}

// checkThreshold fails when params.value is above the threshold configured
// for params.metric. A threshold param overrides the configured value.
func (c *Catalog) checkThreshold(ctx context.Context, params map[string]any) (string, error) {
	metric := stringParam(params, "metric", "")
	if metric == "" {
		return "", errors.New("param metric is required")
	}
	value, ok, err := floatParam(params, "value")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("param value is required")
	}

	threshold, ok, err := floatParam(params, "threshold")
	if err != nil {
		return "", err
	}
	if !ok {
		threshold, ok = c.cfg.Thresholds[metric]
	}
	if !ok {
		return "", fmt.Errorf("no threshold configured for %s", metric)
	}

	if value > threshold {
		observability.RequestLogger(ctx, c.logger).Warn("threshold exceeded",
			zap.String("metric", metric),
			zap.Float64("value", value),
			zap.Float64("threshold", threshold),
		)
		return "", fmt.Errorf("%s %g exceeds threshold %g", metric, value, threshold)
	}
	return fmt.Sprintf("%s %g within threshold %g", metric, value, threshold), nil
}
