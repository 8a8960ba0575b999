package rules

import (
	"encoding/json"
	"time"
)

// VersionStatus is the lifecycle state of a RuleVersion.
type VersionStatus string

const (
	VersionStatusDraft     VersionStatus = "draft"
	VersionStatusPublished VersionStatus = "published"
)

// ConditionLogic controls how per-condition results are combined.
type ConditionLogic string

const (
	ConditionLogicAll ConditionLogic = "all"
	ConditionLogicAny ConditionLogic = "any"
)

// ConditionScope names where a condition's operand value is resolved from.
type ConditionScope string

const (
	ScopeSignal     ConditionScope = "signal"     // field read off the incoming signal payload
	ScopeContext    ConditionScope = "context"    // field read from caller-supplied context data
	ScopeHistory    ConditionScope = "history"    // single value from a lookback over past signals
	ScopeAggregated ConditionScope = "aggregated" // aggregation over the lookback window
)

// ChangeType classifies an audit entry.
type ChangeType string

const (
	ChangeCreated   ChangeType = "created"
	ChangeUpdated   ChangeType = "updated"
	ChangeDeleted   ChangeType = "deleted"
	ChangePublished ChangeType = "published"
)

// Rule is a tenant-owned automation unit. DefaultVersionID points at the
// single version used for live evaluation; it is nil until a version is
// published.
type Rule struct {
	ID               string    `json:"id"`
	AgencyID         string    `json:"agencyId"`
	Name             string    `json:"name"`
	Enabled          bool      `json:"enabled"`
	DefaultVersionID *string   `json:"defaultVersionId,omitempty"`
	CreatedBy        string    `json:"createdBy"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// RuleVersion is a snapshot of a rule's evaluation logic. Version numbers
// are contiguous starting at 1 per rule. A published version is frozen: it
// is never deleted and never demoted back to draft, even when the rule's
// default pointer moves to a newer version.
type RuleVersion struct {
	ID              string         `json:"id"`
	RuleID          string         `json:"ruleId"`
	Version         int            `json:"version"`
	Status          VersionStatus  `json:"status"`
	ConditionLogic  ConditionLogic `json:"conditionLogic"`
	ThresholdConfig map[string]any `json:"thresholdConfig,omitempty"`
	LifecycleConfig map[string]any `json:"lifecycleConfig,omitempty"`
	AnomalyConfig   map[string]any `json:"anomalyConfig,omitempty"`
	CreatedBy       string         `json:"createdBy"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// WindowConfig bounds the lookback used by history and aggregated scopes.
// Duration uses Go duration syntax ("15m", "24h"). Value selects how a
// history lookback collapses to an operand: "latest" (default), "oldest",
// or "series" (the full time-ordered slice, for threshold-crossing
// operators). Aggregation names a function from the aggregation registry
// and applies to the aggregated scope only.
type WindowConfig struct {
	Duration    string `json:"duration"`
	Aggregation string `json:"aggregation,omitempty"`
	Value       string `json:"value,omitempty"`
}

// RuleCondition is one predicate inside a version. Order is the stable
// evaluation position, unique within the version.
type RuleCondition struct {
	ID              string         `json:"id"`
	RuleVersionID   string         `json:"ruleVersionId"`
	Order           int            `json:"order"`
	FieldPath       string         `json:"fieldPath"`
	Operator        string         `json:"operator"`
	ComparisonValue any            `json:"comparisonValue"`
	Window          *WindowConfig  `json:"windowConfig,omitempty"`
	Scope           ConditionScope `json:"scope"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// RuleAction is one dispatch step inside a version. Order defines strict
// sequential dispatch order.
type RuleAction struct {
	ID            string         `json:"id"`
	RuleVersionID string         `json:"ruleVersionId"`
	Order         int            `json:"order"`
	ActionType    string         `json:"actionType"`
	ActionConfig  map[string]any `json:"actionConfig,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// RuleAudit is one append-only log entry for a mutation to a Rule or
// RuleVersion. PreviousState is nil on create; NewState is nil on delete.
// ActorID is nil for system-initiated mutations.
type RuleAudit struct {
	ID            string          `json:"id"`
	RuleID        string          `json:"ruleId"`
	RuleVersionID *string         `json:"ruleVersionId,omitempty"`
	ActorID       *string         `json:"actorId,omitempty"`
	ChangeType    ChangeType      `json:"changeType"`
	ChangeSummary string          `json:"changeSummary"`
	PreviousState json.RawMessage `json:"previousState,omitempty"`
	NewState      json.RawMessage `json:"newState,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// ConditionResult records how a single condition resolved during one
// evaluation run.
type ConditionResult struct {
	ConditionID   string         `json:"conditionId"`
	Order         int            `json:"order"`
	FieldPath     string         `json:"fieldPath"`
	Operator      string         `json:"operator"`
	Scope         ConditionScope `json:"scope"`
	ResolvedValue any            `json:"resolvedValue,omitempty"`
	Matched       bool           `json:"matched"`
	Error         string         `json:"error,omitempty"`
}

// ActionResult records the outcome of one dispatch step.
type ActionResult struct {
	ActionID   string `json:"actionId"`
	Order      int    `json:"order"`
	ActionType string `json:"actionType"`
	Dispatched bool   `json:"dispatched"`
	Error      string `json:"error,omitempty"`
}

// RuleEvaluation is the append-only record of one engine run of one rule
// version against one signal. At most one row exists per
// (RuleID, RuleVersionID, SignalID).
type RuleEvaluation struct {
	ID               string            `json:"id"`
	RuleID           string            `json:"ruleId"`
	RuleVersionID    string            `json:"ruleVersionId"`
	SignalID         string            `json:"signalId"`
	Matched          bool              `json:"matched"`
	ConditionResults []ConditionResult `json:"conditionResults"`
	ActionResults    []ActionResult    `json:"actionsTriggered"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// Caller carries the request identity supplied by the upstream
// authentication layer.
type Caller struct {
	AgencyID   string
	ActorID    string
	SuperAdmin bool
}
