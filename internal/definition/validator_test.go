package definition

import (
	"testing"

	"github.com/memoright/memoright-ops/model"
)

type handlerNames []string

func (h handlerNames) Has(name string) bool {
	for _, n := range h {
		if n == name {
			return true
		}
	}
	return false
}

func validPlan() model.Plan {
	return model.Plan{
		ID:                   "db-failover",
		Name:                 "Database failover",
		Priority:             model.PriorityCritical,
		TriggerType:          model.TriggerAlert,
		NotificationChannels: []string{"log"},
		Steps: []model.Step{
			{ID: "verify", Order: 1, Handler: "db_ping", Timeout: "30s"},
			{ID: "promote", Order: 2, Handler: "log", Dependencies: []string{"verify"}},
		},
	}
}

func findCode(vs []VError, path, code string) bool {
	for _, v := range vs {
		if v.Path == path && v.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_validPlan(t *testing.T) {
	v := NewValidator(handlerNames{"db_ping", "log"}, []string{"log", "webhook"})
	if errs := v.ValidatePlan("p", validPlan()); len(errs) != 0 {
		t.Errorf("ValidatePlan() = %v, want none", errs)
	}
}

func TestValidator_findings(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(p *model.Plan)
		path     string
		code     string
		severity string
	}{
		{"missing id", func(p *model.Plan) { p.ID = "" }, "p.id", "REQUIRED", SeverityError},
		{"missing name", func(p *model.Plan) { p.Name = "" }, "p.name", "REQUIRED", SeverityError},
		{"no steps", func(p *model.Plan) { p.Steps = nil }, "p.steps", "REQUIRED", SeverityError},
		{"bad priority", func(p *model.Plan) { p.Priority = "URGENT" }, "p.priority", "INVALID_ENUM", SeverityError},
		{"bad trigger", func(p *model.Plan) { p.TriggerType = "CRON" }, "p.trigger_type", "INVALID_ENUM", SeverityError},
		{"empty step id", func(p *model.Plan) { p.Steps[0].ID = "" }, "p.steps[0].id", "REQUIRED", SeverityError},
		{"duplicate step id", func(p *model.Plan) { p.Steps[1].ID = "verify" }, "p.steps[1].id", "DUPLICATE", SeverityError},
		{"missing handler", func(p *model.Plan) { p.Steps[0].Handler = "" }, "p.steps[0].handler", "REQUIRED", SeverityError},
		{"bad timeout", func(p *model.Plan) { p.Steps[0].Timeout = "soon" }, "p.steps[0].timeout", "INVALID_DURATION", SeverityError},
		{"negative timeout", func(p *model.Plan) { p.Steps[0].Timeout = "-1s" }, "p.steps[0].timeout", "INVALID_DURATION", SeverityError},
		{"unknown handler", func(p *model.Plan) { p.Steps[0].Handler = "reboot" }, "p.steps[0].handler", "UNKNOWN_HANDLER", SeverityWarning},
		{"unknown channel", func(p *model.Plan) { p.NotificationChannels = []string{"log", "pager"} }, "p.notification_channels[1]", "UNKNOWN_CHANNEL", SeverityWarning},
		{"dangling dependency", func(p *model.Plan) { p.Steps[1].Dependencies = []string{"ghost"} }, "p.steps[1].dependencies[0]", "DANGLING_DEPENDENCY", SeverityWarning},
		{"self dependency", func(p *model.Plan) { p.Steps[1].Dependencies = []string{"promote"} }, "p.steps[1].dependencies[0]", "SELF_DEPENDENCY", SeverityWarning},
		{"later dependency", func(p *model.Plan) { p.Steps[0].Dependencies = []string{"promote"} }, "p.steps[0].dependencies[0]", "DEPENDENCY_ORDER", SeverityWarning},
	}

	v := NewValidator(handlerNames{"db_ping", "log"}, []string{"log", "webhook"})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPlan()
			tt.mutate(&p)
			errs := v.ValidatePlan("p", p)
			if !findCode(errs, tt.path, tt.code) {
				t.Fatalf("ValidatePlan() = %v, want %s at %s", errs, tt.code, tt.path)
			}
			for _, e := range errs {
				if e.Path == tt.path && e.Code == tt.code && e.Severity != tt.severity {
					t.Errorf("severity = %s, want %s", e.Severity, tt.severity)
				}
			}
		})
	}
}

func TestValidator_sameOrderDependency(t *testing.T) {
	v := NewValidator(nil, nil)
	p := validPlan()
	p.Steps[0].Order = 0
	p.Steps[1].Order = 0

	// Declared earlier with the same order runs first.
	if errs := v.ValidatePlan("p", p); len(errs) != 0 {
		t.Errorf("ValidatePlan() = %v, want none", errs)
	}

	p.Steps[0].Dependencies = []string{"promote"}
	p.Steps[1].Dependencies = nil
	if errs := v.ValidatePlan("p", p); !findCode(errs, "p.steps[0].dependencies[0]", "DEPENDENCY_ORDER") {
		t.Errorf("ValidatePlan() = %v, want DEPENDENCY_ORDER", errs)
	}
}

func TestValidator_nilChecksSkipped(t *testing.T) {
	v := NewValidator(nil, nil)
	p := validPlan()
	p.Steps[0].Handler = "anything"
	p.NotificationChannels = []string{"pager"}
	if errs := v.ValidatePlan("p", p); len(errs) != 0 {
		t.Errorf("ValidatePlan() = %v, want none", errs)
	}
}

func TestValidator_Validate_duplicatePlanIDs(t *testing.T) {
	v := NewValidator(nil, nil)
	defs := []Definition{
		{Plan: validPlan(), SourceFile: "a.yaml"},
		{Plan: validPlan(), SourceFile: "b.yaml"},
		{Plan: validPlan()},
	}
	errs := v.Validate(defs)
	if !findCode(errs, "b.yaml.id", "DUPLICATE") {
		t.Errorf("Validate() = %v, want DUPLICATE for b.yaml", errs)
	}
	if !findCode(errs, "plans[2].id", "DUPLICATE") {
		t.Errorf("Validate() = %v, want DUPLICATE for plans[2]", errs)
	}
	if len(errs) != 2 {
		t.Errorf("len(errs) = %d, want 2", len(errs))
	}
}

func TestValidator_loadedDefinitions(t *testing.T) {
	defs, err := NewLoader().LoadAll([]string{"testdata/plans"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	v := NewValidator(handlerNames{"db_ping", "log"}, []string{"log", "webhook"})
	if errs := v.Validate(defs); len(errs) != 0 {
		t.Errorf("Validate() = %v, want none", errs)
	}
}

func TestErrorsAndWarnings(t *testing.T) {
	vs := []VError{
		{Path: "a", Severity: SeverityError},
		{Path: "b", Severity: SeverityWarning},
		{Path: "c", Severity: SeverityError},
	}
	if got := Errors(vs); len(got) != 2 || got[1].Path != "c" {
		t.Errorf("Errors() = %v", got)
	}
	if got := Warnings(vs); len(got) != 1 || got[0].Path != "b" {
		t.Errorf("Warnings() = %v", got)
	}
	if got := (VError{Path: "p.id", Message: "id is required"}).Error(); got != "p.id: id is required" {
		t.Errorf("Error() = %q", got)
	}
}
