package evaluation

import "fmt"

// AggregateFunc collapses the numeric values of a lookback window into a
// single operand.
type AggregateFunc func(values []float64) (float64, error)

var aggregations = map[string]AggregateFunc{
	"count": aggCount,
	"sum":   aggSum,
	"avg":   aggAvg,
	"min":   aggMin,
	"max":   aggMax,
}

// LookupAggregation returns the named aggregation, or false when unknown.
func LookupAggregation(name string) (AggregateFunc, bool) {
	fn, ok := aggregations[name]
	return fn, ok
}

func aggCount(values []float64) (float64, error) {
	return float64(len(values)), nil
}

func aggSum(values []float64) (float64, error) {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum, nil
}

func aggAvg(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("avg over empty window")
	}
	sum, _ := aggSum(values)
	return sum / float64(len(values)), nil
}

func aggMin(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("min over empty window")
	}
	min := values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
	}
	return min, nil
}

func aggMax(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("max over empty window")
	}
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max, nil
}
