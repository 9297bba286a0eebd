package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/memoright/memoright-ops/internal/observability"
	"github.com/memoright/memoright-ops/model"
)

// Notification outcomes recorded in memoright_notifications_total.
const (
	OutcomeSent    = "sent"
	OutcomeFailed  = "failed"
	OutcomeDropped = "dropped"
	OutcomeUnknown = "unknown_channel"
)

// Dispatcher turns executor events into alerts and delivers them to the
// channels each plan asks for. Delivery is best effort: failures are logged
// and counted, never returned to the executor.
type Dispatcher struct {
	channels map[string]Channel
	defaults []string
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// NewDispatcher creates a dispatcher over the given channels. Plans that
// name no channels are alerted on the log channel.
func NewDispatcher(logger *zap.Logger, metrics *observability.Metrics, channels ...Channel) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		channels: make(map[string]Channel, len(channels)),
		defaults: []string{ChannelLog},
		logger:   logger,
		metrics:  metrics,
	}
	for _, c := range channels {
		if c != nil {
			d.channels[c.Name()] = c
		}
	}
	return d
}

// Channels returns the names of the configured channels.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for n := range d.channels {
		names = append(names, n)
	}
	return names
}

// HandleEvent alerts on plan start, step failure and plan termination.
// Other events are ignored.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev model.PlanEvent) {
	msg, ok := Format(ev)
	if !ok {
		return
	}

	targets := ev.NotificationChannels
	if len(targets) == 0 {
		targets = d.defaults
	}

	for _, name := range targets {
		ch, ok := d.channels[name]
		if !ok {
			d.logger.Warn("notification channel not configured",
				zap.String("channel", name),
				zap.String("plan_id", ev.PlanID),
			)
			d.record(name, OutcomeUnknown)
			continue
		}
		d.deliver(ctx, ch, msg)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, msg Message) {
	ctx, span := observability.StartSpan(ctx, "notify.send",
		observability.AttrPlanID.String(msg.Event.PlanID),
		observability.AttrChannel.String(ch.Name()),
	)
	err := ch.Send(ctx, msg)
	observability.EndSpanWithError(span, err)

	switch {
	case err == nil:
		d.record(ch.Name(), OutcomeSent)
	case errors.Is(err, ErrBreakerOpen):
		d.logger.Debug("notification dropped, channel breaker open",
			zap.String("channel", ch.Name()),
			zap.String("plan_id", msg.Event.PlanID),
		)
		d.record(ch.Name(), OutcomeDropped)
	default:
		d.logger.Warn("notification delivery failed",
			zap.String("channel", ch.Name()),
			zap.String("plan_id", msg.Event.PlanID),
			zap.String("event", msg.Event.Type),
			zap.Error(err),
		)
		d.record(ch.Name(), OutcomeFailed)
	}
}

func (d *Dispatcher) record(channel, outcome string) {
	if d.metrics != nil {
		d.metrics.RecordNotification(channel, outcome)
	}
}

// Format builds the alert for ev. It reports false for events that do not
// warrant an alert.
func Format(ev model.PlanEvent) (Message, bool) {
	plan := ev.PlanName
	if plan == "" {
		plan = ev.PlanID
	}
	step := ev.StepName
	if step == "" {
		step = ev.StepID
	}

	var msg Message
	switch ev.Type {
	case model.EventPlanStarted:
		msg = Message{
			Title:    "Recovery plan started",
			Text:     fmt.Sprintf("%s plan %q started%s", label(ev), plan, trigger(ev)),
			Severity: SeverityWarning,
		}
	case model.EventStepFailed:
		msg = Message{
			Title:    "Recovery step failed",
			Text:     fmt.Sprintf("Step %q of recovery plan %q failed: %s", step, plan, ev.Message),
			Severity: SeverityCritical,
		}
	case model.EventPlanCompleted:
		msg = Message{
			Title:    "Recovery plan completed",
			Text:     fmt.Sprintf("Recovery plan %q completed successfully%s", plan, took(ev)),
			Severity: SeverityInfo,
		}
	case model.EventPlanFailed:
		text := fmt.Sprintf("Recovery plan %q failed", plan)
		if step != "" {
			text += fmt.Sprintf(" at step %q", step)
		}
		if ev.Message != "" {
			text += ": " + ev.Message
		}
		msg = Message{Title: "Recovery plan failed", Text: text + took(ev), Severity: SeverityCritical}
	case model.EventPlanCancelled:
		text := fmt.Sprintf("Recovery plan %q was cancelled", plan)
		if ev.Actor != "" {
			text += " by " + ev.Actor
		}
		if ev.Message != "" {
			text += ": " + ev.Message
		}
		msg = Message{Title: "Recovery plan cancelled", Text: text, Severity: SeverityWarning}
	default:
		return Message{}, false
	}
	msg.Event = ev
	return msg, true
}

func label(ev model.PlanEvent) string {
	parts := make([]string, 0, 2)
	if ev.Priority != "" {
		parts = append(parts, "["+string(ev.Priority)+"]")
	}
	kind := strings.ReplaceAll(ev.PlanKind, "_", " ")
	if kind == "" {
		kind = "Recovery"
	}
	parts = append(parts, kind)
	return strings.Join(parts, " ")
}

func trigger(ev model.PlanEvent) string {
	switch {
	case ev.TriggerType != "" && ev.Actor != "":
		return fmt.Sprintf(" (%s, by %s)", ev.TriggerType, ev.Actor)
	case ev.TriggerType != "":
		return fmt.Sprintf(" (%s)", ev.TriggerType)
	}
	return ""
}

func took(ev model.PlanEvent) string {
	if ev.Duration <= 0 {
		return ""
	}
	return fmt.Sprintf(" in %s", ev.Duration.Round(time.Millisecond))
}
