package rules

import (
	"errors"
	"strings"
	"testing"
)

func fieldErrors(t *testing.T, err error) []FieldError {
	t.Helper()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error = %v, want ValidationError", err)
	}
	return verr.Fields
}

func hasFieldError(fields []FieldError, name string) bool {
	for _, f := range fields {
		if f.Field == name {
			return true
		}
	}
	return false
}

func TestValidateVersionConditionVariants(t *testing.T) {
	v := NewValidator()

	cases := []struct {
		name      string
		condition ConditionPayload
		wantField string
	}{
		{
			name:      "signal scope needs field path",
			condition: ConditionPayload{Operator: "eq"},
			wantField: "conditions[0].fieldPath",
		},
		{
			name:      "field path must be dotted identifiers",
			condition: ConditionPayload{FieldPath: "a..b", Operator: "eq"},
			wantField: "conditions[0].fieldPath",
		},
		{
			name:      "history scope needs a window",
			condition: ConditionPayload{FieldPath: "x", Operator: "eq", Scope: "history"},
			wantField: "conditions[0].windowConfig",
		},
		{
			name: "window duration must parse",
			condition: ConditionPayload{FieldPath: "x", Operator: "eq", Scope: "history",
				Window: &WindowConfig{Duration: "yesterday"}},
			wantField: "conditions[0].windowConfig.duration",
		},
		{
			name: "window value selector is constrained",
			condition: ConditionPayload{FieldPath: "x", Operator: "eq", Scope: "history",
				Window: &WindowConfig{Duration: "15m", Value: "newest"}},
			wantField: "conditions[0].windowConfig.value",
		},
		{
			name: "aggregated scope needs an aggregation",
			condition: ConditionPayload{FieldPath: "x", Operator: "gt", Scope: "aggregated",
				Window: &WindowConfig{Duration: "1h"}},
			wantField: "conditions[0].windowConfig.aggregation",
		},
		{
			name:      "unknown scope is rejected",
			condition: ConditionPayload{FieldPath: "x", Operator: "eq", Scope: "global"},
			wantField: "conditions[0].scope",
		},
		{
			name:      "expr operator needs an expression string",
			condition: ConditionPayload{FieldPath: "x", Operator: "expr", ComparisonValue: 42},
			wantField: "conditions[0].comparisonValue",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := v.ValidateVersion(&VersionPayload{Conditions: []ConditionPayload{tc.condition}})
			fields := fieldErrors(t, err)
			if !hasFieldError(fields, tc.wantField) {
				t.Errorf("fields = %+v, want an error on %s", fields, tc.wantField)
			}
		})
	}
}

func TestValidateVersionAcceptsValidPayload(t *testing.T) {
	v := NewValidator()

	err := v.ValidateVersion(&VersionPayload{
		ConditionLogic: "any",
		Conditions: []ConditionPayload{
			{FieldPath: "metrics.sessions", Operator: "gte", ComparisonValue: 3},
			{FieldPath: "usage", Operator: "crosses_above", ComparisonValue: 100, Scope: "history",
				Window: &WindowConfig{Duration: "24h", Value: "series"}},
			{FieldPath: "logins", Operator: "lt", ComparisonValue: 2, Scope: "aggregated",
				Window: &WindowConfig{Duration: "168h", Aggregation: "count"}},
			{Operator: "expr", FieldPath: "plan", ComparisonValue: `signal.plan == "pro" && context.tier != "trial"`},
		},
		Actions: []ActionPayload{
			{ActionType: "notify.email", ActionConfig: map[string]any{"to": "ops"}},
		},
	})
	if err != nil {
		t.Fatalf("ValidateVersion() failed on valid payload: %v", err)
	}
}

func TestValidateVersionBadActionType(t *testing.T) {
	v := NewValidator()

	err := v.ValidateVersion(&VersionPayload{
		Actions: []ActionPayload{{ActionType: "Notify Email!"}},
	})
	fields := fieldErrors(t, err)
	if !hasFieldError(fields, "actions[0].actionType") {
		t.Errorf("fields = %+v, want an actionType error", fields)
	}
}

func TestValidateVersionBadLogic(t *testing.T) {
	v := NewValidator()

	err := v.ValidateVersion(&VersionPayload{ConditionLogic: "most"})
	fields := fieldErrors(t, err)
	if !hasFieldError(fields, "conditionLogic") {
		t.Errorf("fields = %+v, want a conditionLogic error", fields)
	}
}

func TestValidationErrorMessageListsEveryField(t *testing.T) {
	v := NewValidator()

	err := v.ValidateVersion(&VersionPayload{
		Conditions: []ConditionPayload{
			{Operator: ""},
			{FieldPath: "ok", Operator: "eq"},
			{FieldPath: "", Operator: "eq"},
		},
	})
	if err == nil {
		t.Fatal("ValidateVersion() = nil, want error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "conditions[0]") || !strings.Contains(msg, "conditions[2]") {
		t.Errorf("message %q does not list every failing item", msg)
	}
	if strings.Contains(msg, "conditions[1]") {
		t.Errorf("message %q names the valid item", msg)
	}
}
