package evaluation

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
)

// OperatorFunc decides whether a resolved operand satisfies a condition's
// comparison value.
type OperatorFunc func(resolved, comparison any) (bool, error)

// operators is the registry of named comparison operators. The set is
// open: new operators register here and conditions reference them by name.
// A condition naming an operator not present here resolves to false, it
// never aborts the evaluation run.
var operators = map[string]OperatorFunc{
	"eq":            opEq,
	"neq":           opNeq,
	"gt":            numericOp(func(a, b float64) bool { return a > b }),
	"gte":           numericOp(func(a, b float64) bool { return a >= b }),
	"lt":            numericOp(func(a, b float64) bool { return a < b }),
	"lte":           numericOp(func(a, b float64) bool { return a <= b }),
	"contains":      opContains,
	"not_contains":  opNotContains,
	"in":            opIn,
	"matches":       opMatches,
	"exists":        opExists,
	"crosses_above": crossingOp(true),
	"crosses_below": crossingOp(false),
}

// LookupOperator returns the named operator, or false when unknown.
func LookupOperator(name string) (OperatorFunc, bool) {
	op, ok := operators[name]
	return op, ok
}

func opEq(resolved, comparison any) (bool, error) {
	if equalsLoose(resolved, comparison) {
		return true, nil
	}
	return false, nil
}

func opNeq(resolved, comparison any) (bool, error) {
	return !equalsLoose(resolved, comparison), nil
}

// equalsLoose compares numerics by value so 3 == 3.0 regardless of how the
// JSON layer decoded them, and everything else by deep equality.
func equalsLoose(a, b any) bool {
	af, aok := toFloat64(a)
	bf, bok := toFloat64(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func numericOp(cmp func(a, b float64) bool) OperatorFunc {
	return func(resolved, comparison any) (bool, error) {
		a, ok := toFloat64(resolved)
		if !ok {
			return false, fmt.Errorf("operand %v is not numeric", resolved)
		}
		b, ok := toFloat64(comparison)
		if !ok {
			return false, fmt.Errorf("comparison value %v is not numeric", comparison)
		}
		return cmp(a, b), nil
	}
}

func opContains(resolved, comparison any) (bool, error) {
	switch v := resolved.(type) {
	case string:
		needle, ok := comparison.(string)
		if !ok {
			return false, fmt.Errorf("contains on a string needs a string comparison value")
		}
		return strings.Contains(v, needle), nil
	case []any:
		for _, item := range v {
			if equalsLoose(item, comparison) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("contains needs a string or array operand, got %T", resolved)
	}
}

func opNotContains(resolved, comparison any) (bool, error) {
	matched, err := opContains(resolved, comparison)
	if err != nil {
		return false, err
	}
	return !matched, nil
}

func opIn(resolved, comparison any) (bool, error) {
	list, ok := comparison.([]any)
	if !ok {
		return false, fmt.Errorf("in needs an array comparison value, got %T", comparison)
	}
	for _, item := range list {
		if equalsLoose(resolved, item) {
			return true, nil
		}
	}
	return false, nil
}

func opMatches(resolved, comparison any) (bool, error) {
	s, ok := resolved.(string)
	if !ok {
		return false, fmt.Errorf("matches needs a string operand, got %T", resolved)
	}
	pattern, ok := comparison.(string)
	if !ok {
		return false, fmt.Errorf("matches needs a string comparison value")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("invalid pattern: %w", err)
	}
	return re.MatchString(s), nil
}

func opExists(resolved, _ any) (bool, error) {
	return resolved != nil, nil
}

// crossingOp detects a threshold crossing over a history series: the run
// matches when the previous value sat on one side of the threshold and the
// latest value sits on the other. Needs a window with value "series".
func crossingOp(above bool) OperatorFunc {
	return func(resolved, comparison any) (bool, error) {
		series, ok := resolved.([]any)
		if !ok {
			return false, fmt.Errorf("crossing operators need a series operand (window value \"series\")")
		}
		if len(series) < 2 {
			return false, nil
		}
		threshold, ok := toFloat64(comparison)
		if !ok {
			return false, fmt.Errorf("comparison value %v is not numeric", comparison)
		}
		prev, ok := toFloat64(series[len(series)-2])
		if !ok {
			return false, fmt.Errorf("series value %v is not numeric", series[len(series)-2])
		}
		curr, ok := toFloat64(series[len(series)-1])
		if !ok {
			return false, fmt.Errorf("series value %v is not numeric", series[len(series)-1])
		}
		if above {
			return prev <= threshold && curr > threshold, nil
		}
		return prev >= threshold && curr < threshold, nil
	}
}

// toFloat64 coerces the numeric shapes the JSON decoder and payload maps
// produce.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
