package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore is the persistence surface for rules, versions, conditions,
// actions, audits, and evaluations. It is pure CRUD: tenant authorization
// lives in the services, not here.
//
// Every mutating method takes the audit row describing it and must persist
// both in one atomic unit — a mutation never commits without its audit row.
type RuleStore interface {
	CreateRule(ctx context.Context, rule *Rule, audit *RuleAudit) error
	GetRule(ctx context.Context, id string) (*Rule, error)
	ListRules(ctx context.Context, agencyID string) ([]*Rule, error)
	// ListEnabledRules returns the tenant's rules that are enabled and have
	// a default version set — the evaluation candidates.
	ListEnabledRules(ctx context.Context, agencyID string) ([]*Rule, error)
	UpdateRule(ctx context.Context, rule *Rule, audit *RuleAudit) error
	DeleteRule(ctx context.Context, id string, audit *RuleAudit) error

	// CreateVersion allocates the next contiguous version number for the
	// rule, assigns it to v.Version, and inserts the version together with
	// its ordered conditions and actions. Allocation and insert are one
	// atomic unit; concurrent calls for the same rule never produce
	// duplicate numbers. makeAudit runs after the number is assigned, so
	// the audit snapshot records the version it documents.
	CreateVersion(ctx context.Context, v *RuleVersion, conditions []*RuleCondition, actions []*RuleAction, makeAudit func(*RuleVersion) *RuleAudit) error
	GetVersion(ctx context.Context, id string) (*RuleVersion, error)
	ListVersions(ctx context.Context, ruleID string) ([]*RuleVersion, error)
	// PublishVersion flips the version to published and repoints the owning
	// rule's default version in the same atomic unit.
	PublishVersion(ctx context.Context, v *RuleVersion, audit *RuleAudit) error
	ListConditions(ctx context.Context, versionID string) ([]*RuleCondition, error)
	ListActions(ctx context.Context, versionID string) ([]*RuleAction, error)

	ListAudits(ctx context.Context, ruleID string) ([]*RuleAudit, error)

	// InsertEvaluation returns ErrEvaluationExists when a row for the same
	// (rule, version, signal) is already present.
	InsertEvaluation(ctx context.Context, ev *RuleEvaluation) error
	GetEvaluation(ctx context.Context, ruleID, versionID, signalID string) (*RuleEvaluation, error)
	// ListEvaluations returns rows most-recent-first, capped at limit.
	ListEvaluations(ctx context.Context, ruleID string, limit int) ([]*RuleEvaluation, error)
}

// InMemoryRuleStore implements RuleStore with maps guarded by a RWMutex.
// Used by unit tests and by embedders that do not need durability.
type InMemoryRuleStore struct {
	mu          sync.RWMutex
	rules       map[string]*Rule
	versions    map[string]*RuleVersion
	conditions  map[string][]*RuleCondition // by version id, sorted by Order
	actions     map[string][]*RuleAction    // by version id, sorted by Order
	audits      map[string][]*RuleAudit     // by rule id, append order
	evaluations map[string]*RuleEvaluation  // by (rule, version, signal) key
	evalsByRule map[string][]*RuleEvaluation
}

func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules:       make(map[string]*Rule),
		versions:    make(map[string]*RuleVersion),
		conditions:  make(map[string][]*RuleCondition),
		actions:     make(map[string][]*RuleAction),
		audits:      make(map[string][]*RuleAudit),
		evaluations: make(map[string]*RuleEvaluation),
		evalsByRule: make(map[string][]*RuleEvaluation),
	}
}

func evaluationKey(ruleID, versionID, signalID string) string {
	return ruleID + "|" + versionID + "|" + signalID
}

func (s *InMemoryRuleStore) CreateRule(ctx context.Context, rule *Rule, audit *RuleAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[rule.ID]; exists {
		return fmt.Errorf("rule %s already exists", rule.ID)
	}

	now := time.Now()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	stored := *rule
	s.rules[rule.ID] = &stored
	s.appendAuditLocked(audit)
	return nil
}

func (s *InMemoryRuleStore) GetRule(ctx context.Context, id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rule, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	out := *rule
	return &out, nil
}

func (s *InMemoryRuleStore) ListRules(ctx context.Context, agencyID string) ([]*Rule, error) {
	return s.listRules(agencyID, false)
}

func (s *InMemoryRuleStore) ListEnabledRules(ctx context.Context, agencyID string) ([]*Rule, error) {
	return s.listRules(agencyID, true)
}

func (s *InMemoryRuleStore) listRules(agencyID string, enabledOnly bool) ([]*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*Rule{}
	for _, rule := range s.rules {
		if rule.AgencyID != agencyID {
			continue
		}
		if enabledOnly && (!rule.Enabled || rule.DefaultVersionID == nil) {
			continue
		}
		copied := *rule
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryRuleStore) UpdateRule(ctx context.Context, rule *Rule, audit *RuleAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.rules[rule.ID]
	if !exists {
		return fmt.Errorf("rule %s: %w", rule.ID, ErrNotFound)
	}

	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	stored := *rule
	s.rules[rule.ID] = &stored
	s.appendAuditLocked(audit)
	return nil
}

func (s *InMemoryRuleStore) DeleteRule(ctx context.Context, id string, audit *RuleAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[id]; !exists {
		return fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}

	// Audit first: its snapshot carries the last known state. Versions
	// cascade; audits and evaluations are append-only and survive.
	s.appendAuditLocked(audit)
	for versionID, v := range s.versions {
		if v.RuleID == id {
			delete(s.versions, versionID)
			delete(s.conditions, versionID)
			delete(s.actions, versionID)
		}
	}
	delete(s.rules, id)
	return nil
}

func (s *InMemoryRuleStore) CreateVersion(ctx context.Context, v *RuleVersion, conditions []*RuleCondition, actions []*RuleAction, makeAudit func(*RuleVersion) *RuleAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.rules[v.RuleID]; !exists {
		return fmt.Errorf("rule %s: %w", v.RuleID, ErrNotFound)
	}

	// The lock makes max+1 allocation atomic here; the Postgres store
	// relies on the (rule_id, version) unique constraint instead.
	next := 1
	for _, existing := range s.versions {
		if existing.RuleID == v.RuleID && existing.Version >= next {
			next = existing.Version + 1
		}
	}
	v.Version = next
	v.CreatedAt = time.Now()

	stored := *v
	s.versions[v.ID] = &stored

	conds := make([]*RuleCondition, len(conditions))
	for i, c := range conditions {
		copied := *c
		copied.CreatedAt = stored.CreatedAt
		conds[i] = &copied
	}
	sort.Slice(conds, func(i, j int) bool { return conds[i].Order < conds[j].Order })
	s.conditions[v.ID] = conds

	acts := make([]*RuleAction, len(actions))
	for i, a := range actions {
		copied := *a
		copied.CreatedAt = stored.CreatedAt
		acts[i] = &copied
	}
	sort.Slice(acts, func(i, j int) bool { return acts[i].Order < acts[j].Order })
	s.actions[v.ID] = acts

	if makeAudit != nil {
		s.appendAuditLocked(makeAudit(&stored))
	}
	return nil
}

func (s *InMemoryRuleStore) GetVersion(ctx context.Context, id string) (*RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, exists := s.versions[id]
	if !exists {
		return nil, fmt.Errorf("rule version %s: %w", id, ErrNotFound)
	}
	out := *v
	return &out, nil
}

func (s *InMemoryRuleStore) ListVersions(ctx context.Context, ruleID string) ([]*RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []*RuleVersion{}
	for _, v := range s.versions {
		if v.RuleID == ruleID {
			copied := *v
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *InMemoryRuleStore) PublishVersion(ctx context.Context, v *RuleVersion, audit *RuleAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.versions[v.ID]
	if !exists {
		return fmt.Errorf("rule version %s: %w", v.ID, ErrNotFound)
	}
	rule, exists := s.rules[stored.RuleID]
	if !exists {
		return fmt.Errorf("rule %s: %w", stored.RuleID, ErrNotFound)
	}

	stored.Status = VersionStatusPublished
	versionID := stored.ID
	rule.DefaultVersionID = &versionID
	rule.UpdatedAt = time.Now()
	v.Status = VersionStatusPublished

	s.appendAuditLocked(audit)
	return nil
}

func (s *InMemoryRuleStore) ListConditions(ctx context.Context, versionID string) ([]*RuleCondition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conds := s.conditions[versionID]
	out := make([]*RuleCondition, len(conds))
	copy(out, conds)
	return out, nil
}

func (s *InMemoryRuleStore) ListActions(ctx context.Context, versionID string) ([]*RuleAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acts := s.actions[versionID]
	out := make([]*RuleAction, len(acts))
	copy(out, acts)
	return out, nil
}

func (s *InMemoryRuleStore) appendAuditLocked(audit *RuleAudit) {
	if audit == nil {
		return
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now()
	}
	copied := *audit
	s.audits[audit.RuleID] = append(s.audits[audit.RuleID], &copied)
}

func (s *InMemoryRuleStore) ListAudits(ctx context.Context, ruleID string) ([]*RuleAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.audits[ruleID]
	out := make([]*RuleAudit, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *InMemoryRuleStore) InsertEvaluation(ctx context.Context, ev *RuleEvaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := evaluationKey(ev.RuleID, ev.RuleVersionID, ev.SignalID)
	if _, exists := s.evaluations[key]; exists {
		return ErrEvaluationExists
	}

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	copied := *ev
	s.evaluations[key] = &copied
	s.evalsByRule[ev.RuleID] = append(s.evalsByRule[ev.RuleID], &copied)
	return nil
}

func (s *InMemoryRuleStore) GetEvaluation(ctx context.Context, ruleID, versionID, signalID string) (*RuleEvaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, exists := s.evaluations[evaluationKey(ruleID, versionID, signalID)]
	if !exists {
		return nil, fmt.Errorf("evaluation: %w", ErrNotFound)
	}
	out := *ev
	return &out, nil
}

func (s *InMemoryRuleStore) ListEvaluations(ctx context.Context, ruleID string, limit int) ([]*RuleEvaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evals := s.evalsByRule[ruleID]
	out := make([]*RuleEvaluation, len(evals))
	copy(out, evals)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
