package definition

import (
	"fmt"
	"time"

	"github.com/memoright/memoright-ops/model"
)

// Severity of a validation finding.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// VError describes a single validation finding in a plan definition.
// Warnings describe plans that will run but probably not as intended.
type VError struct {
	Path     string `json:"path"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

func (e VError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// HandlerSet reports whether a step handler name is registered.
type HandlerSet interface {
	Has(name string) bool
}

// Validator validates plan definitions structurally and checks step
// references.
type Validator struct {
	handlers HandlerSet
	channels map[string]bool
}

// NewValidator creates a Validator. handlers may be nil to skip handler
// checks; channels lists the notification channel names that are
// configured, and an empty list skips channel checks.
func NewValidator(handlers HandlerSet, channels []string) *Validator {
	v := &Validator{handlers: handlers}
	if len(channels) > 0 {
		v.channels = make(map[string]bool, len(channels))
		for _, c := range channels {
			v.channels[c] = true
		}
	}
	return v
}

// Validate checks all definitions, including plan ID uniqueness across
// files.
func (v *Validator) Validate(defs []Definition) []VError {
	var errs []VError
	seen := make(map[string]string)
	for i, def := range defs {
		prefix := def.SourceFile
		if prefix == "" {
			prefix = fmt.Sprintf("plans[%d]", i)
		}
		errs = append(errs, v.ValidatePlan(prefix, def.Plan)...)

		if id := def.Plan.ID; id != "" {
			if first, dup := seen[id]; dup {
				errs = append(errs, VError{
					Path:     prefix + ".id",
					Code:     "DUPLICATE",
					Message:  fmt.Sprintf("plan id %q is already defined in %s", id, first),
					Severity: SeverityError,
				})
			} else {
				seen[id] = prefix
			}
		}
	}
	return errs
}

// ValidatePlan checks a single plan.
func (v *Validator) ValidatePlan(prefix string, p model.Plan) []VError {
	var errs []VError
	add := func(path, code, sev, format string, args ...any) {
		errs = append(errs, VError{Path: prefix + path, Code: code, Message: fmt.Sprintf(format, args...), Severity: sev})
	}

	if p.ID == "" {
		add(".id", "REQUIRED", SeverityError, "id is required")
	}
	if p.Name == "" {
		add(".name", "REQUIRED", SeverityError, "name is required")
	}
	if len(p.Steps) == 0 {
		add(".steps", "REQUIRED", SeverityError, "at least one step is required")
	}
	if p.Priority != "" && !validPriorities[p.Priority] {
		add(".priority", "INVALID_ENUM", SeverityError, "invalid priority %q", p.Priority)
	}
	if p.TriggerType != "" && !p.TriggerType.Valid() {
		add(".trigger_type", "INVALID_ENUM", SeverityError, "invalid trigger_type %q", p.TriggerType)
	}
	if v.channels != nil {
		for i, c := range p.NotificationChannels {
			if !v.channels[c] {
				add(fmt.Sprintf(".notification_channels[%d]", i), "UNKNOWN_CHANNEL", SeverityWarning,
					"notification channel %q is not configured", c)
			}
		}
	}

	// Step orders by ID, for dependency checks.
	orders := make(map[string]int, len(p.Steps))
	for i, s := range p.Steps {
		sp := fmt.Sprintf(".steps[%d]", i)
		switch {
		case s.ID == "":
			add(sp+".id", "REQUIRED", SeverityError, "step id is required")
		case hasKey(orders, s.ID):
			add(sp+".id", "DUPLICATE", SeverityError, "step id %q is used more than once", s.ID)
		default:
			orders[s.ID] = s.Order
		}

		if s.Handler == "" {
			add(sp+".handler", "REQUIRED", SeverityError, "handler is required")
		} else if v.handlers != nil && !v.handlers.Has(s.Handler) {
			add(sp+".handler", "UNKNOWN_HANDLER", SeverityWarning, "handler %q is not registered; the step will fail", s.Handler)
		}

		if s.Timeout != "" {
			if d, err := time.ParseDuration(s.Timeout); err != nil || d <= 0 {
				add(sp+".timeout", "INVALID_DURATION", SeverityError, "timeout %q is not a positive duration", s.Timeout)
			}
		}
	}

	// Dependencies are checked at run time against the current status of
	// the named step, so a dangling or later-ordered dependency means the
	// step is always skipped.
	for i, s := range p.Steps {
		for j, dep := range s.Dependencies {
			dp := fmt.Sprintf(".steps[%d].dependencies[%d]", i, j)
			depOrder, ok := orders[dep]
			switch {
			case !ok:
				add(dp, "DANGLING_DEPENDENCY", SeverityWarning,
					"step %q depends on unknown step %q and will always be cancelled", s.ID, dep)
			case dep == s.ID:
				add(dp, "SELF_DEPENDENCY", SeverityWarning, "step %q depends on itself and will always be cancelled", s.ID)
			case depOrder > s.Order || (depOrder == s.Order && declaredAfter(p.Steps, dep, i)):
				add(dp, "DEPENDENCY_ORDER", SeverityWarning,
					"step %q runs before its dependency %q and will always be cancelled", s.ID, dep)
			}
		}
	}

	return errs
}

var validPriorities = map[model.Priority]bool{
	model.PriorityLow: true, model.PriorityMedium: true, model.PriorityHigh: true, model.PriorityCritical: true,
}

func hasKey(m map[string]int, k string) bool {
	_, ok := m[k]
	return ok
}

// declaredAfter reports whether the step with id is declared after index i.
func declaredAfter(steps []model.Step, id string, i int) bool {
	for j := i + 1; j < len(steps); j++ {
		if steps[j].ID == id {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity findings.
func Errors(vs []VError) []VError {
	return filter(vs, SeverityError)
}

// Warnings returns only the warning-severity findings.
func Warnings(vs []VError) []VError {
	return filter(vs, SeverityWarning)
}

func filter(vs []VError, sev string) []VError {
	var out []VError
	for _, v := range vs {
		if v.Severity == sev {
			out = append(out, v)
		}
	}
	return out
}
