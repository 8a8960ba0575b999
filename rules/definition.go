package rules

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// DefinitionService is tenant-authorized CRUD over Rule entities. All
// mutations flow through the AuditRecorder and are persisted atomically
// with their audit row by the store.
type DefinitionService struct {
	store     RuleStore
	recorder  *AuditRecorder
	validator *Validator
	cache     ActiveRulesCache // optional; invalidated on mutations
}

func NewDefinitionService(store RuleStore, recorder *AuditRecorder, validator *Validator, cache ActiveRulesCache) *DefinitionService {
	return &DefinitionService{
		store:     store,
		recorder:  recorder,
		validator: validator,
		cache:     cache,
	}
}

// ListRules returns all rules owned by the tenant.
func (s *DefinitionService) ListRules(ctx context.Context, agencyID string) ([]*Rule, error) {
	if agencyID == "" {
		return nil, ErrAgencyRequired
	}
	return s.store.ListRules(ctx, agencyID)
}

// GetRule loads the rule and authorizes the caller against its tenant.
// The existence check runs before the tenant check so a 404 never reveals
// whether an id belongs to another tenant.
func (s *DefinitionService) GetRule(ctx context.Context, ruleID string, caller Caller) (*Rule, error) {
	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRule(rule, caller); err != nil {
		return nil, err
	}
	return rule, nil
}

// CreateRule validates the payload, stamps tenant and creator, persists,
// and records one `created` audit row.
func (s *DefinitionService) CreateRule(ctx context.Context, agencyID, actorID string, payload *CreateRulePayload) (*Rule, error) {
	if agencyID == "" {
		return nil, ErrAgencyRequired
	}
	if err := s.validator.ValidateCreateRule(payload); err != nil {
		return nil, err
	}

	enabled := true
	if payload.Enabled != nil {
		enabled = *payload.Enabled
	}

	rule := &Rule{
		ID:        uuid.NewString(),
		AgencyID:  agencyID,
		Name:      payload.Name,
		Enabled:   enabled,
		CreatedBy: actorID,
	}

	audit := s.recorder.RuleCreated(actorID, rule)
	if err := s.store.CreateRule(ctx, rule, audit); err != nil {
		return nil, fmt.Errorf("create rule: %w", err)
	}

	s.invalidate(ctx, agencyID)
	return rule, nil
}

// UpdateRule applies a partial update after authorization, capturing the
// pre-mutation row in the audit entry.
func (s *DefinitionService) UpdateRule(ctx context.Context, ruleID string, caller Caller, payload *UpdateRulePayload) (*Rule, error) {
	before, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if err := authorizeRule(before, caller); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateUpdateRule(payload); err != nil {
		return nil, err
	}

	after := *before
	if payload.Name != nil {
		after.Name = *payload.Name
	}
	if payload.Enabled != nil {
		after.Enabled = *payload.Enabled
	}

	audit := s.recorder.RuleUpdated(caller.ActorID, before, &after)
	if err := s.store.UpdateRule(ctx, &after, audit); err != nil {
		return nil, fmt.Errorf("update rule: %w", err)
	}

	s.invalidate(ctx, before.AgencyID)
	return &after, nil
}

// DeleteRule removes the rule. The audit row is built from the last known
// state and written in the same atomic unit as the removal, so the trail
// always holds the final snapshot.
func (s *DefinitionService) DeleteRule(ctx context.Context, ruleID string, caller Caller) error {
	before, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if err := authorizeRule(before, caller); err != nil {
		return err
	}

	audit := s.recorder.RuleDeleted(caller.ActorID, before)
	if err := s.store.DeleteRule(ctx, ruleID, audit); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}

	s.invalidate(ctx, before.AgencyID)
	return nil
}

func (s *DefinitionService) invalidate(ctx context.Context, agencyID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, agencyID)
	}
}

// authorizeRule fails closed: the row exists, so anything but a tenant
// match (or superadmin) is AccessDenied.
func authorizeRule(rule *Rule, caller Caller) error {
	if caller.SuperAdmin {
		return nil
	}
	if caller.AgencyID != "" && caller.AgencyID == rule.AgencyID {
		return nil
	}
	return ErrAccessDenied
}
