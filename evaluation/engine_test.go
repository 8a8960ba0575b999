package evaluation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/agencyhub/ruleengine/rules"
	"github.com/agencyhub/ruleengine/signals"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type engineFixture struct {
	engine   *Engine
	store    *rules.InMemoryRuleStore
	signals  *signals.InMemoryStore
	dispatch *DispatchRegistry
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := rules.NewInMemoryRuleStore()
	signalStore := signals.NewInMemoryStore()
	dispatch := NewDispatchRegistry()

	engine, err := NewEngine(store, signalStore, dispatch, testLogger(), EngineConfig{})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return &engineFixture{engine: engine, store: store, signals: signalStore, dispatch: dispatch}
}

// publishRule seeds an enabled rule with one published version.
func (f *engineFixture) publishRule(t *testing.T, agencyID string, logic rules.ConditionLogic, conditions []*rules.RuleCondition, actions []*rules.RuleAction) (*rules.Rule, *rules.RuleVersion) {
	t.Helper()
	ctx := context.Background()

	rule := &rules.Rule{ID: uuid.NewString(), AgencyID: agencyID, Name: "engine test rule", Enabled: true}
	audit := &rules.RuleAudit{ID: uuid.NewString(), RuleID: rule.ID, ChangeType: rules.ChangeCreated}
	if err := f.store.CreateRule(ctx, rule, audit); err != nil {
		t.Fatalf("CreateRule() failed: %v", err)
	}

	version := &rules.RuleVersion{ID: uuid.NewString(), RuleID: rule.ID, Status: rules.VersionStatusDraft, ConditionLogic: logic}
	for _, c := range conditions {
		c.ID = uuid.NewString()
		c.RuleVersionID = version.ID
		if c.Scope == "" {
			c.Scope = rules.ScopeSignal
		}
	}
	for _, a := range actions {
		a.ID = uuid.NewString()
		a.RuleVersionID = version.ID
	}
	if err := f.store.CreateVersion(ctx, version, conditions, actions, func(*rules.RuleVersion) *rules.RuleAudit { return audit }); err != nil {
		t.Fatalf("CreateVersion() failed: %v", err)
	}
	if err := f.store.PublishVersion(ctx, version, audit); err != nil {
		t.Fatalf("PublishVersion() failed: %v", err)
	}
	return rule, version
}

func testSignal(agencyID string, payload map[string]any) *signals.Signal {
	return &signals.Signal{ID: uuid.NewString(), AgencyID: agencyID, Type: "usage", Payload: payload}
}

func TestEvaluateSignalAllLogic(t *testing.T) {
	f := newEngineFixture(t)
	f.publishRule(t, "agency-a", rules.ConditionLogicAll, []*rules.RuleCondition{
		{Order: 0, FieldPath: "sessions", Operator: "gt", ComparisonValue: 5},
		{Order: 1, FieldPath: "plan", Operator: "eq", ComparisonValue: "pro"},
	}, nil)

	results, err := f.engine.EvaluateSignal(context.Background(),
		testSignal("agency-a", map[string]any{"sessions": 10.0, "plan": "pro"}), nil)
	if err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}
	if len(results) != 1 || !results[0].Matched {
		t.Fatalf("results = %+v, want one match", results)
	}
	if len(results[0].ConditionResults) != 2 {
		t.Errorf("got %d condition results, want 2", len(results[0].ConditionResults))
	}

	// One failing condition flips the outcome under "all".
	miss, err := f.engine.EvaluateSignal(context.Background(),
		testSignal("agency-a", map[string]any{"sessions": 10.0, "plan": "trial"}), nil)
	if err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}
	if miss[0].Matched {
		t.Error("matched under all-logic with a failing condition")
	}
}

func TestEvaluateSignalAnyLogic(t *testing.T) {
	f := newEngineFixture(t)
	f.publishRule(t, "agency-a", rules.ConditionLogicAny, []*rules.RuleCondition{
		{Order: 0, FieldPath: "sessions", Operator: "gt", ComparisonValue: 100},
		{Order: 1, FieldPath: "plan", Operator: "eq", ComparisonValue: "pro"},
	}, nil)

	results, err := f.engine.EvaluateSignal(context.Background(),
		testSignal("agency-a", map[string]any{"sessions": 1.0, "plan": "pro"}), nil)
	if err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}
	if !results[0].Matched {
		t.Error("any-logic should match when one condition holds")
	}
}

func TestEvaluateSignalZeroConditionsNeverMatches(t *testing.T) {
	f := newEngineFixture(t)
	f.publishRule(t, "agency-a", rules.ConditionLogicAll, nil, nil)

	results, err := f.engine.EvaluateSignal(context.Background(),
		testSignal("agency-a", map[string]any{"anything": 1.0}), nil)
	if err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}
	if results[0].Matched {
		t.Error("a version with zero conditions must not match")
	}
}

func TestEvaluateSignalUnknownOperatorIsFalseNotFatal(t *testing.T) {
	f := newEngineFixture(t)
	f.publishRule(t, "agency-a", rules.ConditionLogicAny, []*rules.RuleCondition{
		{Order: 0, FieldPath: "x", Operator: "fuzzy_match", ComparisonValue: "y"},
		{Order: 1, FieldPath: "plan", Operator: "eq", ComparisonValue: "pro"},
	}, nil)

	results, err := f.engine.EvaluateSignal(context.Background(),
		testSignal("agency-a", map[string]any{"plan": "pro"}), nil)
	if err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}
	cr := results[0].ConditionResults
	if cr[0].Matched || cr[0].Error == "" {
		t.Errorf("unknown operator result = %+v, want false with recorded error", cr[0])
	}
	if !results[0].Matched {
		t.Error("the remaining condition should still drive an any-logic match")
	}
}

func TestEvaluateSignalUnresolvableFieldIsFalse(t *testing.T) {
	f := newEngineFixture(t)
	f.publishRule(t, "agency-a", rules.ConditionLogicAll, []*rules.RuleCondition{
		{Order: 0, FieldPath: "missing.deep", Operator: "exists"},
	}, nil)

	results, err := f.engine.EvaluateSignal(context.Background(),
		testSignal("agency-a", map[string]any{"plan": "pro"}), nil)
	if err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}
	if results[0].Matched {
		t.Error("unresolvable field must evaluate false")
	}
	if results[0].ConditionResults[0].Error == "" {
		t.Error("unresolvable field must record its reason")
	}
}

func TestEvaluateSignalExprOperator(t *testing.T) {
	f := newEngineFixture(t)
	f.publishRule(t, "agency-a", rules.ConditionLogicAll, []*rules.RuleCondition{
		{Order: 0, FieldPath: "plan", Operator: "expr",
			ComparisonValue: `signal.sessions > 5.0 && context.tier == "gold"`},
	}, nil)

	results, err := f.engine.EvaluateSignal(context.Background(),
		testSignal("agency-a", map[string]any{"sessions": 10.0}),
		map[string]any{"tier": "gold"})
	if err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}
	if !results[0].Matched {
		t.Errorf("expr condition did not match: %+v", results[0].ConditionResults[0])
	}
}

func TestEvaluateSignalIdempotence(t *testing.T) {
	f := newEngineFixture(t)
	f.publishRule(t, "agency-a", rules.ConditionLogicAll, []*rules.RuleCondition{
		{Order: 0, FieldPath: "sessions", Operator: "gt", ComparisonValue: 5},
	}, nil)

	sig := testSignal("agency-a", map[string]any{"sessions": 10.0})
	first, err := f.engine.EvaluateSignal(context.Background(), sig, nil)
	if err != nil {
		t.Fatalf("first EvaluateSignal() failed: %v", err)
	}
	second, err := f.engine.EvaluateSignal(context.Background(), sig, nil)
	if err != nil {
		t.Fatalf("second EvaluateSignal() failed: %v", err)
	}
	if first[0].ID != second[0].ID {
		t.Error("replay produced a new evaluation record")
	}
}

func TestDispatchBestEffort(t *testing.T) {
	f := newEngineFixture(t)

	var mu sync.Mutex
	dispatched := []string{}
	f.dispatch.Register("ok", DispatcherFunc(func(ctx context.Context, a *rules.RuleAction, s *signals.Signal) error {
		mu.Lock()
		defer mu.Unlock()
		dispatched = append(dispatched, a.ActionType)
		return nil
	}))
	f.dispatch.Register("boom", DispatcherFunc(func(ctx context.Context, a *rules.RuleAction, s *signals.Signal) error {
		return errors.New("downstream unavailable")
	}))

	f.publishRule(t, "agency-a", rules.ConditionLogicAll,
		[]*rules.RuleCondition{{Order: 0, FieldPath: "go", Operator: "eq", ComparisonValue: true}},
		[]*rules.RuleAction{
			{Order: 0, ActionType: "boom"},
			{Order: 1, ActionType: "ok"},
			{Order: 2, ActionType: "unregistered_type"},
		})

	results, err := f.engine.EvaluateSignal(context.Background(),
		testSignal("agency-a", map[string]any{"go": true}), nil)
	if err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}

	ar := results[0].ActionResults
	if len(ar) != 3 {
		t.Fatalf("got %d action results, want 3", len(ar))
	}
	if ar[0].Dispatched || ar[0].Error == "" {
		t.Errorf("failed action result = %+v", ar[0])
	}
	if !ar[1].Dispatched {
		t.Error("later action did not run after an earlier failure")
	}
	if ar[2].Dispatched || ar[2].Error == "" {
		t.Errorf("unregistered action result = %+v", ar[2])
	}
	if len(dispatched) != 1 || dispatched[0] != "ok" {
		t.Errorf("dispatched = %v, want only the ok action", dispatched)
	}
}

func TestActionsSkippedWhenNotMatched(t *testing.T) {
	f := newEngineFixture(t)

	called := false
	f.dispatch.Register("ok", DispatcherFunc(func(ctx context.Context, a *rules.RuleAction, s *signals.Signal) error {
		called = true
		return nil
	}))
	f.publishRule(t, "agency-a", rules.ConditionLogicAll,
		[]*rules.RuleCondition{{Order: 0, FieldPath: "go", Operator: "eq", ComparisonValue: true}},
		[]*rules.RuleAction{{Order: 0, ActionType: "ok"}})

	results, err := f.engine.EvaluateSignal(context.Background(),
		testSignal("agency-a", map[string]any{"go": false}), nil)
	if err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}
	if called {
		t.Error("actions ran for a non-matching evaluation")
	}
	if len(results[0].ActionResults) != 0 {
		t.Errorf("ActionResults = %+v, want empty", results[0].ActionResults)
	}
}

func TestEvaluateSignalSkipsOtherTenants(t *testing.T) {
	f := newEngineFixture(t)
	f.publishRule(t, "agency-b", rules.ConditionLogicAll, []*rules.RuleCondition{
		{Order: 0, FieldPath: "sessions", Operator: "exists"},
	}, nil)

	results, err := f.engine.EvaluateSignal(context.Background(),
		testSignal("agency-a", map[string]any{"sessions": 1.0}), nil)
	if err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for a tenant with no rules, want 0", len(results))
	}
}

func TestEvaluateSignalCachedCandidates(t *testing.T) {
	store := rules.NewInMemoryRuleStore()
	signalStore := signals.NewInMemoryStore()
	cache := rules.NewInMemoryRulesCache(rules.CacheConfig{})

	engine, err := NewEngine(store, signalStore, NewDispatchRegistry(), testLogger(), EngineConfig{Cache: cache})
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	f := &engineFixture{engine: engine, store: store, signals: signalStore}
	rule, _ := f.publishRule(t, "agency-a", rules.ConditionLogicAll, []*rules.RuleCondition{
		{Order: 0, FieldPath: "sessions", Operator: "exists"},
	}, nil)

	if _, err := engine.EvaluateSignal(context.Background(),
		testSignal("agency-a", map[string]any{"sessions": 1.0}), nil); err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}

	cached := cache.Get(context.Background(), "agency-a")
	if len(cached) != 1 || cached[0].ID != rule.ID {
		t.Errorf("cache holds %d rules after evaluation, want the candidate", len(cached))
	}
}

func TestHistoryConditionThresholdCrossing(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	// Seed two past signals below and above the threshold, then evaluate.
	for i, v := range []float64{90, 120} {
		err := f.signals.Insert(ctx, &signals.Signal{
			ID:       fmt.Sprintf("hist-%d", i),
			AgencyID: "agency-a",
			Type:     "usage",
			Payload:  map[string]any{"cpu": v},
		})
		if err != nil {
			t.Fatalf("Insert() failed: %v", err)
		}
	}

	f.publishRule(t, "agency-a", rules.ConditionLogicAll, []*rules.RuleCondition{
		{Order: 0, FieldPath: "cpu", Operator: "crosses_above", ComparisonValue: 100,
			Scope: rules.ScopeHistory, Window: &rules.WindowConfig{Duration: "1h", Value: "series"}},
	}, nil)

	results, err := f.engine.EvaluateSignal(ctx,
		testSignal("agency-a", map[string]any{"cpu": 120.0}), nil)
	if err != nil {
		t.Fatalf("EvaluateSignal() failed: %v", err)
	}
	if !results[0].Matched {
		t.Errorf("crossing condition did not match: %+v", results[0].ConditionResults[0])
	}
}
