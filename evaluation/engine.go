// Package evaluation runs published rule versions against inbound signals:
// it resolves condition operands from their scopes, combines per-condition
// results, dispatches actions in order, and records one immutable
// evaluation row per (rule, version, signal).
package evaluation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agencyhub/ruleengine/rules"
	"github.com/agencyhub/ruleengine/signals"
)

// exprOperator names the operator whose comparison value is a CEL
// expression evaluated against the whole signal and context, not a single
// resolved field.
const exprOperator = "expr"

// defaultActionTimeout bounds each dispatch step so one slow handler
// cannot stall the rest of the run.
const defaultActionTimeout = 10 * time.Second

// Recorder receives engine outcome counts. Implemented by the Prometheus
// metrics package; the engine works with a nil Recorder.
type Recorder interface {
	EvaluationRecorded(matched bool)
	ActionDispatched(ok bool)
}

// Engine evaluates every enabled rule of a signal's agency against that
// signal. Safe for concurrent use.
type Engine struct {
	store         rules.RuleStore
	cache         rules.ActiveRulesCache // optional
	dispatch      *DispatchRegistry
	expr          *ExprEvaluator
	resolver      *resolver
	metrics       Recorder // optional
	logger        *slog.Logger
	actionTimeout time.Duration
	now           func() time.Time
}

// EngineConfig carries the optional knobs for NewEngine.
type EngineConfig struct {
	Cache         rules.ActiveRulesCache
	Metrics       Recorder
	ActionTimeout time.Duration
}

func NewEngine(store rules.RuleStore, signalStore signals.Store, dispatch *DispatchRegistry, logger *slog.Logger, cfg EngineConfig) (*Engine, error) {
	expr, err := NewExprEvaluator()
	if err != nil {
		return nil, err
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = defaultActionTimeout
	}
	now := time.Now
	return &Engine{
		store:         store,
		cache:         cfg.Cache,
		dispatch:      dispatch,
		expr:          expr,
		resolver:      &resolver{signals: signalStore, now: now},
		metrics:       cfg.Metrics,
		logger:        logger,
		actionTimeout: cfg.ActionTimeout,
		now:           now,
	}, nil
}

// EvaluateSignal runs the agency's enabled rules against the signal and
// returns one evaluation record per candidate rule. A rule whose default
// version already has a record for this signal yields the existing record
// untouched. Failures on one rule are logged and do not stop the others.
func (e *Engine) EvaluateSignal(ctx context.Context, sig *signals.Signal, evalContext map[string]any) ([]*rules.RuleEvaluation, error) {
	candidates, err := e.candidateRules(ctx, sig.AgencyID)
	if err != nil {
		return nil, fmt.Errorf("load candidate rules: %w", err)
	}

	results := []*rules.RuleEvaluation{}
	for _, rule := range candidates {
		if rule.DefaultVersionID == nil {
			continue
		}
		record, err := e.evaluateRule(ctx, rule, *rule.DefaultVersionID, sig, evalContext)
		if err != nil {
			e.logger.ErrorContext(ctx, "rule evaluation failed",
				"rule_id", rule.ID, "signal_id", sig.ID, "error", err)
			continue
		}
		results = append(results, record)
	}
	return results, nil
}

func (e *Engine) candidateRules(ctx context.Context, agencyID string) ([]*rules.Rule, error) {
	if e.cache != nil {
		if cached := e.cache.Get(ctx, agencyID); cached != nil {
			return cached, nil
		}
	}
	list, err := e.store.ListEnabledRules(ctx, agencyID)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.Set(ctx, agencyID, list)
	}
	return list, nil
}

func (e *Engine) evaluateRule(ctx context.Context, rule *rules.Rule, versionID string, sig *signals.Signal, evalContext map[string]any) (*rules.RuleEvaluation, error) {
	// A prior run for this (rule, version, signal) is authoritative.
	existing, err := e.store.GetEvaluation(ctx, rule.ID, versionID, sig.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, rules.ErrNotFound) {
		return nil, fmt.Errorf("check prior evaluation: %w", err)
	}

	version, err := e.store.GetVersion(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load version: %w", err)
	}
	conditions, err := e.store.ListConditions(ctx, versionID)
	if err != nil {
		return nil, fmt.Errorf("load conditions: %w", err)
	}

	conditionResults := make([]rules.ConditionResult, len(conditions))
	for i, cond := range conditions {
		conditionResults[i] = e.evaluateCondition(ctx, cond, sig, evalContext)
	}
	matched := combine(version.ConditionLogic, conditionResults)

	var actionResults []rules.ActionResult
	if matched {
		actions, err := e.store.ListActions(ctx, versionID)
		if err != nil {
			return nil, fmt.Errorf("load actions: %w", err)
		}
		actionResults = e.dispatchActions(ctx, actions, sig)
	}

	record := &rules.RuleEvaluation{
		ID:               uuid.NewString(),
		RuleID:           rule.ID,
		RuleVersionID:    versionID,
		SignalID:         sig.ID,
		Matched:          matched,
		ConditionResults: conditionResults,
		ActionResults:    actionResults,
		CreatedAt:        e.now(),
	}
	if err := e.store.InsertEvaluation(ctx, record); err != nil {
		// Lost the race to a concurrent run; its record wins.
		if errors.Is(err, rules.ErrEvaluationExists) {
			return e.store.GetEvaluation(ctx, rule.ID, versionID, sig.ID)
		}
		return nil, fmt.Errorf("record evaluation: %w", err)
	}

	if e.metrics != nil {
		e.metrics.EvaluationRecorded(matched)
	}
	return record, nil
}

// evaluateCondition resolves the operand and applies the operator. Any
// failure — unresolvable field, unknown operator, operator error — makes
// the condition false with the reason recorded; it never aborts the run.
func (e *Engine) evaluateCondition(ctx context.Context, cond *rules.RuleCondition, sig *signals.Signal, evalContext map[string]any) rules.ConditionResult {
	result := rules.ConditionResult{
		ConditionID: cond.ID,
		Order:       cond.Order,
		FieldPath:   cond.FieldPath,
		Operator:    cond.Operator,
		Scope:       cond.Scope,
	}

	if cond.Operator == exprOperator {
		expression, ok := cond.ComparisonValue.(string)
		if !ok {
			result.Error = "expr operator needs a string expression"
			return result
		}
		matched, err := e.expr.Evaluate(expression, sig.Payload, evalContext)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		result.Matched = matched
		return result
	}

	op, ok := LookupOperator(cond.Operator)
	if !ok {
		result.Error = fmt.Sprintf("unknown operator %q", cond.Operator)
		return result
	}

	resolved, err := e.resolver.resolve(ctx, cond, sig, evalContext)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.ResolvedValue = resolved

	matched, err := op(resolved, cond.ComparisonValue)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Matched = matched
	return result
}

// combine folds condition results per the version's logic. A version with
// zero conditions never matches.
func combine(logic rules.ConditionLogic, results []rules.ConditionResult) bool {
	if len(results) == 0 {
		return false
	}
	if logic == rules.ConditionLogicAny {
		for _, r := range results {
			if r.Matched {
				return true
			}
		}
		return false
	}
	for _, r := range results {
		if !r.Matched {
			return false
		}
	}
	return true
}

// dispatchActions runs each action in order under its own timeout. A
// failed action is recorded and the remaining actions still run.
func (e *Engine) dispatchActions(ctx context.Context, actions []*rules.RuleAction, sig *signals.Signal) []rules.ActionResult {
	results := make([]rules.ActionResult, len(actions))
	for i, action := range actions {
		results[i] = rules.ActionResult{
			ActionID:   action.ID,
			Order:      action.Order,
			ActionType: action.ActionType,
		}

		actionCtx, cancel := context.WithTimeout(ctx, e.actionTimeout)
		err := e.dispatch.Dispatch(actionCtx, action, sig)
		cancel()

		if err != nil {
			results[i].Error = err.Error()
			e.logger.WarnContext(ctx, "action dispatch failed",
				"action_id", action.ID, "action_type", action.ActionType,
				"signal_id", sig.ID, "error", err)
		} else {
			results[i].Dispatched = true
		}
		if e.metrics != nil {
			e.metrics.ActionDispatched(err == nil)
		}
	}
	return results
}
