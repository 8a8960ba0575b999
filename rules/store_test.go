package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRuleStoreInterface(t *testing.T) {
	var _ RuleStore = (*InMemoryRuleStore)(nil)
	var _ RuleStore = (*PostgresRuleStore)(nil)
}

func testAudit(ruleID string) *RuleAudit {
	return &RuleAudit{
		ID:         uuid.NewString(),
		RuleID:     ruleID,
		ChangeType: ChangeCreated,
	}
}

func versionAudit(ruleID string) func(*RuleVersion) *RuleAudit {
	return func(*RuleVersion) *RuleAudit { return testAudit(ruleID) }
}

func seedRule(t *testing.T, store *InMemoryRuleStore, agencyID string) *Rule {
	t.Helper()
	rule := &Rule{
		ID:       uuid.NewString(),
		AgencyID: agencyID,
		Name:     "seed rule",
		Enabled:  true,
	}
	if err := store.CreateRule(context.Background(), rule, testAudit(rule.ID)); err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}
	return rule
}

func TestCreateAndGetRule(t *testing.T) {
	store := NewInMemoryRuleStore()
	rule := seedRule(t, store, "agency-a")

	got, err := store.GetRule(context.Background(), rule.ID)
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if got.Name != rule.Name || got.AgencyID != "agency-a" {
		t.Errorf("GetRule() = %+v, want name %q agency %q", got, rule.Name, "agency-a")
	}
}

func TestGetRuleNotFound(t *testing.T) {
	store := NewInMemoryRuleStore()

	_, err := store.GetRule(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRule() error = %v, want ErrNotFound", err)
	}
}

func TestListEnabledRulesFiltersCandidates(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	withDefault := seedRule(t, store, "agency-a")
	versionID := uuid.NewString()
	if err := store.CreateVersion(ctx, &RuleVersion{ID: versionID, RuleID: withDefault.ID}, nil, nil, versionAudit(withDefault.ID)); err != nil {
		t.Fatalf("CreateVersion() failed: %v", err)
	}
	if err := store.PublishVersion(ctx, &RuleVersion{ID: versionID, RuleID: withDefault.ID}, testAudit(withDefault.ID)); err != nil {
		t.Fatalf("PublishVersion() failed: %v", err)
	}

	// Enabled but never published: not a candidate.
	seedRule(t, store, "agency-a")

	// Disabled: not a candidate.
	disabled := seedRule(t, store, "agency-a")
	disabled.Enabled = false
	if err := store.UpdateRule(ctx, disabled, testAudit(disabled.ID)); err != nil {
		t.Fatalf("UpdateRule() failed: %v", err)
	}

	// Other tenant: never visible.
	seedRule(t, store, "agency-b")

	candidates, err := store.ListEnabledRules(ctx, "agency-a")
	if err != nil {
		t.Fatalf("ListEnabledRules() failed: %v", err)
	}
	if len(candidates) != 1 || candidates[0].ID != withDefault.ID {
		t.Errorf("ListEnabledRules() = %d rules, want only the published one", len(candidates))
	}
}

func TestVersionNumbersAreContiguous(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	rule := seedRule(t, store, "agency-a")

	for want := 1; want <= 3; want++ {
		v := &RuleVersion{ID: uuid.NewString(), RuleID: rule.ID, Status: VersionStatusDraft}
		if err := store.CreateVersion(ctx, v, nil, nil, versionAudit(rule.ID)); err != nil {
			t.Fatalf("CreateVersion() failed: %v", err)
		}
		if v.Version != want {
			t.Errorf("allocated version = %d, want %d", v.Version, want)
		}
	}
}

func TestConcurrentVersionAllocation(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	rule := seedRule(t, store, "agency-a")

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v := &RuleVersion{ID: uuid.NewString(), RuleID: rule.ID}
			if err := store.CreateVersion(ctx, v, nil, nil, versionAudit(rule.ID)); err != nil {
				t.Errorf("CreateVersion() failed: %v", err)
			}
		}()
	}
	wg.Wait()

	versions, err := store.ListVersions(ctx, rule.ID)
	if err != nil {
		t.Fatalf("ListVersions() failed: %v", err)
	}
	if len(versions) != n {
		t.Fatalf("got %d versions, want %d", len(versions), n)
	}
	for i, v := range versions {
		if v.Version != i+1 {
			t.Errorf("versions[%d].Version = %d, want %d", i, v.Version, i+1)
		}
	}
}

func TestPublishVersionRepointsDefault(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	rule := seedRule(t, store, "agency-a")

	v := &RuleVersion{ID: uuid.NewString(), RuleID: rule.ID, Status: VersionStatusDraft}
	if err := store.CreateVersion(ctx, v, nil, nil, versionAudit(rule.ID)); err != nil {
		t.Fatalf("CreateVersion() failed: %v", err)
	}
	if err := store.PublishVersion(ctx, v, testAudit(rule.ID)); err != nil {
		t.Fatalf("PublishVersion() failed: %v", err)
	}

	got, err := store.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("GetRule() failed: %v", err)
	}
	if got.DefaultVersionID == nil || *got.DefaultVersionID != v.ID {
		t.Errorf("DefaultVersionID = %v, want %s", got.DefaultVersionID, v.ID)
	}

	stored, err := store.GetVersion(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetVersion() failed: %v", err)
	}
	if stored.Status != VersionStatusPublished {
		t.Errorf("Status = %s, want published", stored.Status)
	}
}

func TestConditionsAndActionsKeepOrder(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	rule := seedRule(t, store, "agency-a")

	v := &RuleVersion{ID: uuid.NewString(), RuleID: rule.ID}
	conditions := []*RuleCondition{
		{ID: uuid.NewString(), RuleVersionID: v.ID, Order: 2, FieldPath: "b", Operator: "eq"},
		{ID: uuid.NewString(), RuleVersionID: v.ID, Order: 0, FieldPath: "a", Operator: "eq"},
		{ID: uuid.NewString(), RuleVersionID: v.ID, Order: 1, FieldPath: "c", Operator: "eq"},
	}
	if err := store.CreateVersion(ctx, v, conditions, nil, versionAudit(rule.ID)); err != nil {
		t.Fatalf("CreateVersion() failed: %v", err)
	}

	got, err := store.ListConditions(ctx, v.ID)
	if err != nil {
		t.Fatalf("ListConditions() failed: %v", err)
	}
	wantPaths := []string{"a", "c", "b"}
	for i, c := range got {
		if c.FieldPath != wantPaths[i] {
			t.Errorf("conditions[%d].FieldPath = %s, want %s", i, c.FieldPath, wantPaths[i])
		}
	}
}

func TestAuditsAndEvaluationsSurviveRuleDeletion(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()
	rule := seedRule(t, store, "agency-a")

	ev := &RuleEvaluation{
		ID:            uuid.NewString(),
		RuleID:        rule.ID,
		RuleVersionID: uuid.NewString(),
		SignalID:      "sig-1",
		Matched:       true,
	}
	if err := store.InsertEvaluation(ctx, ev); err != nil {
		t.Fatalf("InsertEvaluation() failed: %v", err)
	}

	if err := store.DeleteRule(ctx, rule.ID, testAudit(rule.ID)); err != nil {
		t.Fatalf("DeleteRule() failed: %v", err)
	}

	audits, err := store.ListAudits(ctx, rule.ID)
	if err != nil {
		t.Fatalf("ListAudits() failed: %v", err)
	}
	if len(audits) != 2 {
		t.Errorf("got %d audits after delete, want 2 (create + delete)", len(audits))
	}

	evals, err := store.ListEvaluations(ctx, rule.ID, 10)
	if err != nil {
		t.Fatalf("ListEvaluations() failed: %v", err)
	}
	if len(evals) != 1 {
		t.Errorf("got %d evaluations after delete, want 1", len(evals))
	}
}

func TestListEvaluationsCapsAndOrders(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	base := time.Now()
	for i := 0; i < 5; i++ {
		ev := &RuleEvaluation{
			ID:            uuid.NewString(),
			RuleID:        "rule-1",
			RuleVersionID: "version-1",
			SignalID:      fmt.Sprintf("sig-%d", i),
			CreatedAt:     base.Add(time.Duration(i) * time.Minute),
		}
		if err := store.InsertEvaluation(ctx, ev); err != nil {
			t.Fatalf("InsertEvaluation(%d) failed: %v", i, err)
		}
	}

	got, err := store.ListEvaluations(ctx, "rule-1", 3)
	if err != nil {
		t.Fatalf("ListEvaluations() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d evaluations, want the limit of 3", len(got))
	}
	want := []string{"sig-4", "sig-3", "sig-2"}
	for i, ev := range got {
		if ev.SignalID != want[i] {
			t.Errorf("evaluations[%d].SignalID = %s, want %s (most recent first)", i, ev.SignalID, want[i])
		}
	}
}

func TestInsertEvaluationIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryRuleStore()

	ev := &RuleEvaluation{
		ID:            uuid.NewString(),
		RuleID:        "rule-1",
		RuleVersionID: "version-1",
		SignalID:      "sig-1",
		Matched:       true,
	}
	if err := store.InsertEvaluation(ctx, ev); err != nil {
		t.Fatalf("first InsertEvaluation() failed: %v", err)
	}

	dup := *ev
	dup.ID = uuid.NewString()
	dup.Matched = false
	if err := store.InsertEvaluation(ctx, &dup); !errors.Is(err, ErrEvaluationExists) {
		t.Fatalf("duplicate InsertEvaluation() error = %v, want ErrEvaluationExists", err)
	}

	got, err := store.GetEvaluation(ctx, "rule-1", "version-1", "sig-1")
	if err != nil {
		t.Fatalf("GetEvaluation() failed: %v", err)
	}
	if !got.Matched {
		t.Error("original evaluation was overwritten by the duplicate")
	}
}
