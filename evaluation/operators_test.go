package evaluation

import "testing"

func TestOperatorTable(t *testing.T) {
	cases := []struct {
		name       string
		op         string
		resolved   any
		comparison any
		want       bool
		wantErr    bool
	}{
		{"eq numeric coercion", "eq", 3, 3.0, true, false},
		{"eq string", "eq", "pro", "pro", true, false},
		{"eq mismatch", "eq", "pro", "trial", false, false},
		{"neq", "neq", 4.0, 5, true, false},
		{"gt", "gt", 10.0, 5, true, false},
		{"gt equal", "gt", 5.0, 5, false, false},
		{"gte equal", "gte", 5.0, 5, true, false},
		{"lt", "lt", 2.0, 5, true, false},
		{"lte", "lte", 5.0, 5, true, false},
		{"gt non-numeric operand", "gt", "high", 5, false, true},
		{"contains string", "contains", "error: timeout", "timeout", true, false},
		{"contains array", "contains", []any{"a", "b"}, "b", true, false},
		{"contains array miss", "contains", []any{"a", "b"}, "c", false, false},
		{"not_contains", "not_contains", "healthy", "error", true, false},
		{"in", "in", "pro", []any{"pro", "enterprise"}, true, false},
		{"in miss", "in", "trial", []any{"pro", "enterprise"}, false, false},
		{"in bad comparison", "in", "pro", "pro", false, true},
		{"matches", "matches", "us-east-1", `^us-`, true, false},
		{"matches bad pattern", "matches", "x", `[`, false, true},
		{"exists", "exists", "anything", nil, true, false},
		{"exists nil", "exists", nil, nil, false, false},
		{"crosses_above", "crosses_above", []any{50.0, 80.0, 120.0}, 100, true, false},
		{"crosses_above already above", "crosses_above", []any{110.0, 120.0}, 100, false, false},
		{"crosses_above short series", "crosses_above", []any{120.0}, 100, false, false},
		{"crosses_below", "crosses_below", []any{120.0, 80.0}, 100, true, false},
		{"crosses_below needs series", "crosses_below", 80.0, 100, false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			op, ok := LookupOperator(tc.op)
			if !ok {
				t.Fatalf("operator %q not registered", tc.op)
			}
			got, err := op(tc.resolved, tc.comparison)
			if tc.wantErr {
				if err == nil {
					t.Fatal("want error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("operator failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLookupOperatorUnknown(t *testing.T) {
	if _, ok := LookupOperator("almost_equals"); ok {
		t.Error("unknown operator should not resolve")
	}
}

func TestAggregations(t *testing.T) {
	values := []float64{2, 8, 5}
	cases := []struct {
		name string
		want float64
	}{
		{"count", 3},
		{"sum", 15},
		{"avg", 5},
		{"min", 2},
		{"max", 8},
	}
	for _, tc := range cases {
		fn, ok := LookupAggregation(tc.name)
		if !ok {
			t.Fatalf("aggregation %q not registered", tc.name)
		}
		got, err := fn(values)
		if err != nil {
			t.Fatalf("%s failed: %v", tc.name, err)
		}
		if got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestAggregationsEmptyWindow(t *testing.T) {
	count, _ := LookupAggregation("count")
	if got, err := count(nil); err != nil || got != 0 {
		t.Errorf("count(empty) = %v, %v; want 0, nil", got, err)
	}

	for _, name := range []string{"avg", "min", "max"} {
		fn, _ := LookupAggregation(name)
		if _, err := fn(nil); err == nil {
			t.Errorf("%s(empty) should error", name)
		}
	}
}
