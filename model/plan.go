package model

import (
	"maps"
	"time"
)

// Status is the lifecycle state shared by plans and steps.
type Status string

// Plan and step status constants.
const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions happen from s within an
// execution attempt.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Priority is advisory and never enforced by the executor.
type Priority string

// Plan priority constants.
const (
	PriorityLow      Priority = "LOW"
	PriorityMedium   Priority = "MEDIUM"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// TriggerType records how an execution was initiated.
type TriggerType string

// Trigger type constants.
const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerAutomatic TriggerType = "AUTOMATIC"
	TriggerAlert     TriggerType = "ALERT"
)

// Valid reports whether t is one of the known trigger types.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerScheduled, TriggerAutomatic, TriggerAlert:
		return true
	}
	return false
}

// Well-known plan kinds. Kind is free text; these are the families shipped
// with the service.
const (
	KindBusinessContinuity = "business_continuity"
	KindRollback           = "rollback"
	KindDisasterRecovery   = "disaster_recovery"
)

// MetadataCancellationReason is the metadata key set by a cancel request.
const MetadataCancellationReason = "cancellationReason"

// Step is a named unit of work inside a plan. The work itself is bound by
// handler name so that plans survive a round trip through storage.
type Step struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Description  string         `json:"description,omitempty" yaml:"description"`
	Order        int            `json:"order" yaml:"order"`
	Status       Status         `json:"status" yaml:"-"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies"`
	Handler      string         `json:"handler" yaml:"handler"`
	Params       map[string]any `json:"params,omitempty" yaml:"params"`
	Timeout      string         `json:"timeout,omitempty" yaml:"timeout"`
	StartTime    *time.Time     `json:"startTime,omitempty" yaml:"-"`
	EndTime      *time.Time     `json:"endTime,omitempty" yaml:"-"`
	Error        string         `json:"error,omitempty" yaml:"-"`
	Output       string         `json:"output,omitempty" yaml:"-"`
}

// Reset returns the step to PENDING and clears everything set by a previous
// execution attempt.
func (s *Step) Reset() {
	s.Status = StatusPending
	s.StartTime = nil
	s.EndTime = nil
	s.Error = ""
	s.Output = ""
}

// Plan is an ordered collection of steps plus plan-level metadata.
type Plan struct {
	ID                   string         `json:"id" yaml:"id"`
	Name                 string         `json:"name" yaml:"name"`
	Description          string         `json:"description,omitempty" yaml:"description"`
	Version              string         `json:"version,omitempty" yaml:"version"`
	Kind                 string         `json:"kind,omitempty" yaml:"kind"`
	Status               Status         `json:"status" yaml:"-"`
	Priority             Priority       `json:"priority,omitempty" yaml:"priority"`
	TriggerType          TriggerType    `json:"triggerType,omitempty" yaml:"trigger_type"`
	TriggeredBy          string         `json:"triggeredBy,omitempty" yaml:"-"`
	StartTime            *time.Time     `json:"startTime,omitempty" yaml:"-"`
	EndTime              *time.Time     `json:"endTime,omitempty" yaml:"-"`
	Steps                []Step         `json:"steps" yaml:"steps"`
	NotificationChannels []string       `json:"notificationChannels,omitempty" yaml:"notification_channels"`
	Metadata             map[string]any `json:"metadata,omitempty" yaml:"metadata"`
	CreatedAt            time.Time      `json:"createdAt" yaml:"-"`
	UpdatedAt            time.Time      `json:"updatedAt" yaml:"-"`
}

// Reset returns the plan and every step to PENDING, clearing execution
// timestamps and any previous cancellation reason.
func (p *Plan) Reset() {
	p.Status = StatusPending
	p.StartTime = nil
	p.EndTime = nil
	delete(p.Metadata, MetadataCancellationReason)
	for i := range p.Steps {
		p.Steps[i].Reset()
	}
}

// Clone returns a deep copy of the plan. Nested values inside Params and
// Metadata are shared.
func (p Plan) Clone() Plan {
	out := p
	out.StartTime = cloneTime(p.StartTime)
	out.EndTime = cloneTime(p.EndTime)
	out.Metadata = maps.Clone(p.Metadata)
	if p.NotificationChannels != nil {
		out.NotificationChannels = append([]string(nil), p.NotificationChannels...)
	}
	if p.Steps != nil {
		out.Steps = make([]Step, len(p.Steps))
		for i, s := range p.Steps {
			s.StartTime = cloneTime(s.StartTime)
			s.EndTime = cloneTime(s.EndTime)
			s.Params = maps.Clone(s.Params)
			if s.Dependencies != nil {
				s.Dependencies = append([]string(nil), s.Dependencies...)
			}
			out.Steps[i] = s
		}
	}
	return out
}

// Step returns a pointer to the step with the given ID, or nil.
func (p *Plan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// FailedStep returns the first FAILED step, or nil.
func (p *Plan) FailedStep() *Step {
	for i := range p.Steps {
		if p.Steps[i].Status == StatusFailed {
			return &p.Steps[i]
		}
	}
	return nil
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// PlanFilters are optional filters for listing plans.
type PlanFilters struct {
	Status Status
	Kind   string
}

// Plan event type constants.
const (
	EventPlanStarted   = "plan_started"
	EventPlanCompleted = "plan_completed"
	EventPlanFailed    = "plan_failed"
	EventPlanCancelled = "plan_cancelled"
	EventPlanReset     = "plan_reset"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepCancelled = "step_cancelled"
)

// PlanEvent records a lifecycle transition emitted by the executor. Events
// carry enough plan context for subscribers to act without a registry lookup.
type PlanEvent struct {
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	PlanID               string         `json:"planId"`
	PlanName             string         `json:"planName"`
	PlanKind             string         `json:"planKind,omitempty"`
	Priority             Priority       `json:"priority,omitempty"`
	TriggerType          TriggerType    `json:"triggerType,omitempty"`
	StepID               string         `json:"stepId,omitempty"`
	StepName             string         `json:"stepName,omitempty"`
	Status               Status         `json:"status"`
	Actor                string         `json:"actor,omitempty"`
	Message              string         `json:"message,omitempty"`
	Duration             time.Duration  `json:"durationNs,omitempty"`
	NotificationChannels []string       `json:"notificationChannels,omitempty"`
	Data                 map[string]any `json:"data,omitempty"`
	Timestamp            time.Time      `json:"timestamp"`
}
