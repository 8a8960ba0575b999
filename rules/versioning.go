package rules

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// DefaultEvaluationLimit caps listed evaluations when the caller supplies
// no limit or an unparsable one.
const DefaultEvaluationLimit = 100

// VersionDetail bundles a version with its ordered conditions and actions.
type VersionDetail struct {
	Version    *RuleVersion     `json:"version"`
	Conditions []*RuleCondition `json:"conditions"`
	Actions    []*RuleAction    `json:"actions"`
}

// VersioningService manages draft creation, ordered condition/action
// attachment, the publish transition, and the read paths for conditions,
// actions, audits, and evaluations.
type VersioningService struct {
	store     RuleStore
	recorder  *AuditRecorder
	validator *Validator
	cache     ActiveRulesCache // optional; invalidated on publish
}

func NewVersioningService(store RuleStore, recorder *AuditRecorder, validator *Validator, cache ActiveRulesCache) *VersioningService {
	return &VersioningService{
		store:     store,
		recorder:  recorder,
		validator: validator,
		cache:     cache,
	}
}

// CreateRuleVersion creates a draft version for the rule. The store
// allocates the next contiguous version number atomically. Condition and
// action items are validated up front: any single item failure aborts the
// whole call with the per-item error list and nothing is persisted. Order
// defaults to the item's array index when omitted, resolved here so it is
// never ambiguous downstream.
func (s *VersioningService) CreateRuleVersion(ctx context.Context, ruleID string, caller Caller, payload *VersionPayload) (*VersionDetail, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRule(rule, caller); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateVersion(payload); err != nil {
		return nil, err
	}

	logic := ConditionLogic(payload.ConditionLogic)
	if logic == "" {
		logic = ConditionLogicAll
	}

	version := &RuleVersion{
		ID:              uuid.NewString(),
		RuleID:          ruleID,
		Status:          VersionStatusDraft,
		ConditionLogic:  logic,
		ThresholdConfig: payload.ThresholdConfig,
		LifecycleConfig: payload.LifecycleConfig,
		AnomalyConfig:   payload.AnomalyConfig,
		CreatedBy:       caller.ActorID,
	}

	conditions := make([]*RuleCondition, len(payload.Conditions))
	for i, c := range payload.Conditions {
		scope := ConditionScope(c.Scope)
		if scope == "" {
			scope = ScopeSignal
		}
		conditions[i] = &RuleCondition{
			ID:              uuid.NewString(),
			RuleVersionID:   version.ID,
			Order:           resolveOrder(c.Order, i),
			FieldPath:       c.FieldPath,
			Operator:        c.Operator,
			ComparisonValue: c.ComparisonValue,
			Window:          c.Window,
			Scope:           scope,
		}
	}

	actions := make([]*RuleAction, len(payload.Actions))
	for i, a := range payload.Actions {
		actions[i] = &RuleAction{
			ID:            uuid.NewString(),
			RuleVersionID: version.ID,
			Order:         resolveOrder(a.Order, i),
			ActionType:    a.ActionType,
			ActionConfig:  a.ActionConfig,
		}
	}

	if err := checkOrderUniqueness(conditions, actions); err != nil {
		return nil, err
	}

	// The audit row is built inside the store's transactional path, after
	// the version number has been allocated, so its snapshot and summary
	// name the number actually persisted.
	makeAudit := func(v *RuleVersion) *RuleAudit {
		return s.recorder.VersionCreated(caller.ActorID, v)
	}
	if err := s.store.CreateVersion(ctx, version, conditions, actions, makeAudit); err != nil {
		return nil, fmt.Errorf("create version: %w", err)
	}

	return &VersionDetail{Version: version, Conditions: conditions, Actions: actions}, nil
}

// PublishRuleVersion transitions the version to published and repoints the
// rule's default version at it. Published versions are never reverted;
// earlier published versions keep their status and only the default
// pointer decides which one is live.
func (s *VersioningService) PublishRuleVersion(ctx context.Context, versionID string, caller Caller) (*RuleVersion, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	rule, err := s.store.GetRule(ctx, version.RuleID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRule(rule, caller); err != nil {
		return nil, err
	}

	before := *version
	audit := s.recorder.VersionPublished(caller.ActorID, &before, version)
	if err := s.store.PublishVersion(ctx, version, audit); err != nil {
		return nil, fmt.Errorf("publish version: %w", err)
	}

	if s.cache != nil {
		s.cache.Invalidate(ctx, rule.AgencyID)
	}
	return version, nil
}

// ListRuleVersions returns the rule's versions in ascending version order.
func (s *VersioningService) ListRuleVersions(ctx context.Context, ruleID string, caller Caller) ([]*RuleVersion, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRule(rule, caller); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, ruleID)
}

// ListRuleConditions returns the version's conditions in evaluation order.
// Tenancy is re-verified through the owning rule; the version id alone is
// not trusted.
func (s *VersioningService) ListRuleConditions(ctx context.Context, versionID string, caller Caller) ([]*RuleCondition, error) {
	if err := s.authorizeVersion(ctx, versionID, caller); err != nil {
		return nil, err
	}
	return s.store.ListConditions(ctx, versionID)
}

// ListRuleActions returns the version's actions in dispatch order.
func (s *VersioningService) ListRuleActions(ctx context.Context, versionID string, caller Caller) ([]*RuleAction, error) {
	if err := s.authorizeVersion(ctx, versionID, caller); err != nil {
		return nil, err
	}
	return s.store.ListActions(ctx, versionID)
}

// ListRuleAudits returns the rule's audit trail.
func (s *VersioningService) ListRuleAudits(ctx context.Context, ruleID string, caller Caller) ([]*RuleAudit, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRule(rule, caller); err != nil {
		return nil, err
	}
	return s.store.ListAudits(ctx, ruleID)
}

// ListRuleEvaluations returns evaluations most-recent-first, capped at the
// parsed limit.
func (s *VersioningService) ListRuleEvaluations(ctx context.Context, ruleID string, caller Caller, limit string) ([]*RuleEvaluation, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRule(rule, caller); err != nil {
		return nil, err
	}
	return s.store.ListEvaluations(ctx, ruleID, ParseEvaluationLimit(limit))
}

// ParseEvaluationLimit falls back to the default when the raw value is
// absent, unparsable, or non-positive.
func ParseEvaluationLimit(raw string) int {
	if raw == "" {
		return DefaultEvaluationLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return DefaultEvaluationLimit
	}
	return n
}

func (s *VersioningService) authorizeVersion(ctx context.Context, versionID string, caller Caller) error {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return err
	}
	rule, err := s.store.GetRule(ctx, version.RuleID)
	if err != nil {
		return err
	}
	return authorizeRule(rule, caller)
}

func resolveOrder(explicit *int, index int) int {
	if explicit != nil {
		return *explicit
	}
	return index
}

func checkOrderUniqueness(conditions []*RuleCondition, actions []*RuleAction) error {
	verr := &ValidationError{}
	seen := map[int]int{}
	for i, c := range conditions {
		if prev, dup := seen[c.Order]; dup {
			verr.addf(fmt.Sprintf("conditions[%d].order", i), "duplicates order %d of conditions[%d]", c.Order, prev)
			continue
		}
		seen[c.Order] = i
	}
	seen = map[int]int{}
	for i, a := range actions {
		if prev, dup := seen[a.Order]; dup {
			verr.addf(fmt.Sprintf("actions[%d].order", i), "duplicates order %d of actions[%d]", a.Order, prev)
			continue
		}
		seen[a.Order] = i
	}
	return verr.orNil()
}
