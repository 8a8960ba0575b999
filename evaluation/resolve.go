package evaluation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agencyhub/ruleengine/rules"
	"github.com/agencyhub/ruleengine/signals"
)

// Window value selectors for history-scope conditions.
const (
	windowValueLatest = "latest"
	windowValueOldest = "oldest"
	windowValueSeries = "series"
)

// lookupPath walks a dotted field path through nested maps. The second
// return is false when any segment is missing or a non-map intervenes.
func lookupPath(data map[string]any, path string) (any, bool) {
	if data == nil || path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var current any = data
	for _, seg := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// resolver turns a condition's scope into the operand the operator runs
// against.
type resolver struct {
	signals signals.Store
	now     func() time.Time
}

// resolve returns the operand for the condition, or an error when the
// value cannot be produced. The engine maps both a false ok and an error
// onto a non-matching condition; resolution never aborts the run.
func (r *resolver) resolve(ctx context.Context, cond *rules.RuleCondition, sig *signals.Signal, evalContext map[string]any) (any, error) {
	switch cond.Scope {
	case rules.ScopeSignal:
		v, ok := lookupPath(sig.Payload, cond.FieldPath)
		if !ok {
			return nil, fmt.Errorf("field %q not present in signal payload", cond.FieldPath)
		}
		return v, nil

	case rules.ScopeContext:
		v, ok := lookupPath(evalContext, cond.FieldPath)
		if !ok {
			return nil, fmt.Errorf("field %q not present in evaluation context", cond.FieldPath)
		}
		return v, nil

	case rules.ScopeHistory:
		values, err := r.windowValues(ctx, cond, sig)
		if err != nil {
			return nil, err
		}
		return collapseHistory(values, cond.Window.Value)

	case rules.ScopeAggregated:
		values, err := r.windowValues(ctx, cond, sig)
		if err != nil {
			return nil, err
		}
		fn, ok := LookupAggregation(cond.Window.Aggregation)
		if !ok {
			return nil, fmt.Errorf("unknown aggregation %q", cond.Window.Aggregation)
		}
		numeric := make([]float64, 0, len(values))
		for _, v := range values {
			if f, ok := toFloat64(v); ok {
				numeric = append(numeric, f)
			}
		}
		return fn(numeric)

	default:
		return nil, fmt.Errorf("unknown condition scope %q", cond.Scope)
	}
}

// windowValues loads the lookback window for the signal's agency and type
// and extracts the condition's field from each past payload, oldest first.
// Signals missing the field are skipped rather than failing the window.
func (r *resolver) windowValues(ctx context.Context, cond *rules.RuleCondition, sig *signals.Signal) ([]any, error) {
	if cond.Window == nil {
		return nil, fmt.Errorf("windowed scope %q without a window config", cond.Scope)
	}
	dur, err := time.ParseDuration(cond.Window.Duration)
	if err != nil {
		return nil, fmt.Errorf("invalid window duration %q: %w", cond.Window.Duration, err)
	}

	since := r.now().Add(-dur)
	history, err := r.signals.ListWindow(ctx, sig.AgencyID, sig.Type, since)
	if err != nil {
		return nil, fmt.Errorf("load signal window: %w", err)
	}

	values := []any{}
	for _, past := range history {
		if v, ok := lookupPath(past.Payload, cond.FieldPath); ok {
			values = append(values, v)
		}
	}
	return values, nil
}

func collapseHistory(values []any, selector string) (any, error) {
	if selector == "" {
		selector = windowValueLatest
	}
	switch selector {
	case windowValueSeries:
		return values, nil
	case windowValueLatest:
		if len(values) == 0 {
			return nil, fmt.Errorf("empty history window")
		}
		return values[len(values)-1], nil
	case windowValueOldest:
		if len(values) == 0 {
			return nil, fmt.Errorf("empty history window")
		}
		return values[0], nil
	default:
		return nil, fmt.Errorf("unknown window value selector %q", selector)
	}
}
