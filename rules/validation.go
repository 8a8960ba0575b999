package rules

import (
	"fmt"
	"regexp"
	"time"

	"github.com/go-playground/validator/v10"
)

// fieldPathPattern matches dotted identifier paths into a payload map,
// e.g. "sessions" or "metrics.weekly.active".
var fieldPathPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*(\.[a-zA-Z_][a-zA-Z0-9_]*)*$`)

// actionTypePattern matches action type names: lowercase, dot-separated.
// Examples: "create_insight", "notify.email", "task.create".
var actionTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)*$`)

// CreateRulePayload is the request body for creating a Rule. Enabled
// defaults to true when omitted.
type CreateRulePayload struct {
	Name    string `json:"name" validate:"required,min=1,max=200"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// UpdateRulePayload is a partial update; nil fields are left untouched.
type UpdateRulePayload struct {
	Name    *string `json:"name,omitempty" validate:"omitempty,min=1,max=200"`
	Enabled *bool   `json:"enabled,omitempty"`
}

// ConditionPayload is one condition item in a version-creation request.
// Order falls back to the item's array index when omitted.
type ConditionPayload struct {
	Order           *int          `json:"order,omitempty"`
	FieldPath       string        `json:"fieldPath"`
	Operator        string        `json:"operator"`
	ComparisonValue any           `json:"comparisonValue,omitempty"`
	Window          *WindowConfig `json:"windowConfig,omitempty"`
	Scope           string        `json:"scope,omitempty"`
}

// ActionPayload is one action item in a version-creation request.
type ActionPayload struct {
	Order        *int           `json:"order,omitempty"`
	ActionType   string         `json:"actionType"`
	ActionConfig map[string]any `json:"actionConfig,omitempty"`
}

// VersionPayload is the request body for creating a RuleVersion.
type VersionPayload struct {
	ConditionLogic  string             `json:"conditionLogic,omitempty"`
	ThresholdConfig map[string]any     `json:"thresholdConfig,omitempty"`
	LifecycleConfig map[string]any     `json:"lifecycleConfig,omitempty"`
	AnomalyConfig   map[string]any     `json:"anomalyConfig,omitempty"`
	Conditions      []ConditionPayload `json:"conditions,omitempty"`
	Actions         []ActionPayload    `json:"actions,omitempty"`
}

// Validator runs payload validation for every entity and every
// condition/action variant. Struct-level checks go through
// go-playground/validator; variant checks (scope, window, operator) are
// explicit because they branch on the payload's tagged shape.
type Validator struct {
	validate *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	return &Validator{validate: v}
}

// ValidateCreateRule checks a rule-creation payload.
func (v *Validator) ValidateCreateRule(p *CreateRulePayload) error {
	verr := &ValidationError{}
	v.collectStructErrors(p, verr)
	return verr.orNil()
}

// ValidateUpdateRule checks a partial rule-update payload.
func (v *Validator) ValidateUpdateRule(p *UpdateRulePayload) error {
	verr := &ValidationError{}
	v.collectStructErrors(p, verr)
	if p.Name == nil && p.Enabled == nil {
		verr.add("payload", "at least one field must be provided")
	}
	return verr.orNil()
}

// ValidateVersion checks the version-level config and every condition and
// action item. Item errors carry their index so a single failing item
// aborts the whole call with a structured per-item list.
func (v *Validator) ValidateVersion(p *VersionPayload) error {
	verr := &ValidationError{}

	switch ConditionLogic(p.ConditionLogic) {
	case "", ConditionLogicAll, ConditionLogicAny:
	default:
		verr.addf("conditionLogic", "must be %q or %q", ConditionLogicAll, ConditionLogicAny)
	}

	for i := range p.Conditions {
		v.validateCondition(&p.Conditions[i], fmt.Sprintf("conditions[%d]", i), verr)
	}
	for i := range p.Actions {
		v.validateAction(&p.Actions[i], fmt.Sprintf("actions[%d]", i), verr)
	}

	return verr.orNil()
}

func (v *Validator) validateCondition(c *ConditionPayload, prefix string, verr *ValidationError) {
	scope := ConditionScope(c.Scope)
	if scope == "" {
		scope = ScopeSignal
	}

	switch scope {
	case ScopeSignal, ScopeContext:
		if c.FieldPath == "" {
			verr.add(prefix+".fieldPath", "required for signal and context scopes")
		} else if !fieldPathPattern.MatchString(c.FieldPath) {
			verr.add(prefix+".fieldPath", "must be a dotted identifier path")
		}
	case ScopeHistory, ScopeAggregated:
		if c.FieldPath != "" && !fieldPathPattern.MatchString(c.FieldPath) {
			verr.add(prefix+".fieldPath", "must be a dotted identifier path")
		}
		if c.Window == nil {
			verr.addf(prefix+".windowConfig", "required for %s scope", scope)
		} else {
			v.validateWindow(c.Window, scope, prefix+".windowConfig", verr)
		}
	default:
		verr.addf(prefix+".scope", "unknown scope %q", c.Scope)
	}

	if c.Operator == "" {
		verr.add(prefix+".operator", "operator is required")
	}
	if c.Operator == "expr" {
		expr, ok := c.ComparisonValue.(string)
		if !ok || expr == "" {
			verr.add(prefix+".comparisonValue", "expr operator requires a non-empty expression string")
		}
	}
}

func (v *Validator) validateWindow(w *WindowConfig, scope ConditionScope, prefix string, verr *ValidationError) {
	if w.Duration == "" {
		verr.add(prefix+".duration", "duration is required")
	} else if d, err := time.ParseDuration(w.Duration); err != nil || d <= 0 {
		verr.add(prefix+".duration", "must be a positive duration such as \"15m\" or \"24h\"")
	}

	switch w.Value {
	case "", "latest", "oldest", "series":
	default:
		verr.add(prefix+".value", "must be one of latest, oldest, series")
	}

	if scope == ScopeAggregated && w.Aggregation == "" {
		verr.add(prefix+".aggregation", "aggregation function is required for aggregated scope")
	}
}

func (v *Validator) validateAction(a *ActionPayload, prefix string, verr *ValidationError) {
	if a.ActionType == "" {
		verr.add(prefix+".actionType", "actionType is required")
	} else if !actionTypePattern.MatchString(a.ActionType) {
		verr.add(prefix+".actionType", "must be lowercase dot-separated, e.g. \"create_insight\" or \"notify.email\"")
	}
}

// collectStructErrors runs tag-based validation and folds the result into
// the aggregate error.
func (v *Validator) collectStructErrors(payload any, verr *ValidationError) {
	err := v.validate.Struct(payload)
	if err == nil {
		return
	}
	ferrs, ok := err.(validator.ValidationErrors)
	if !ok {
		verr.add("payload", err.Error())
		return
	}
	for _, fe := range ferrs {
		switch fe.Tag() {
		case "required":
			verr.add(jsonFieldName(fe.Field()), "is required")
		case "min":
			verr.addf(jsonFieldName(fe.Field()), "must be at least %s characters", fe.Param())
		case "max":
			verr.addf(jsonFieldName(fe.Field()), "must be at most %s characters", fe.Param())
		default:
			verr.addf(jsonFieldName(fe.Field()), "failed %q check", fe.Tag())
		}
	}
}

// jsonFieldName lower-cases the leading rune so struct field names line up
// with their JSON form.
func jsonFieldName(name string) string {
	if name == "" {
		return name
	}
	return string(name[0]|0x20) + name[1:]
}
