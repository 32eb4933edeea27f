package alerts

import (
	"math"
	"strconv"
	"strings"

	"github.com/ecoscale/ecoscale/pkg/types"
)

// evalCondition evaluates a rule condition against a run report.
//
// Supported expressions (field operator value):
//
//	stability_ratio > 1
//	max_deviation > 0.002
//	mean_abs_deviation > 0.001
//	std_dev > 0.001
//	range > 0.005
//	throughput < 5
//	average < 0.1
//	compensation_offset >= 0.01     (absolute offset)
//	verdict == poor
//	verdict != excellent
//	saturated == true
//
// Returns (fires, triggering value). Unparseable expressions, unknown fields
// and an undefined stability ratio never fire.
func evalCondition(cond string, rep *types.Report) (bool, float64) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	switch field {
	case "verdict":
		return compareString(rep.Verdict, op, rhs), 0

	case "saturated":
		want, err := strconv.ParseBool(rhs)
		if err != nil {
			return false, 0
		}
		v := 0.0
		if rep.Compensation.Saturated {
			v = 1
		}
		return compareString(strconv.FormatBool(rep.Compensation.Saturated), op, strconv.FormatBool(want)), v

	default:
		v, ok := numericField(field, rep)
		if !ok {
			return false, 0
		}
		threshold, err := strconv.ParseFloat(rhs, 64)
		if err != nil {
			return false, 0
		}
		return compareFloat(v, op, threshold), v
	}
}

// numericField maps a field name to its value in the report.
func numericField(field string, rep *types.Report) (float64, bool) {
	switch field {
	case "stability_ratio":
		if rep.StabilityRatio == nil {
			return 0, false
		}
		return *rep.StabilityRatio, true
	case "max_deviation":
		return rep.MaxDeviation, true
	case "mean_abs_deviation":
		return rep.MeanAbsDeviation, true
	case "std_dev":
		return rep.StdDev, true
	case "range":
		return rep.Range, true
	case "throughput":
		return rep.Throughput, true
	case "average":
		return rep.Average, true
	case "compensation_offset":
		return math.Abs(rep.Compensation.Offset), true
	default:
		return 0, false
	}
}

func compareString(v, op, want string) bool {
	switch op {
	case "==":
		return v == want
	case "!=":
		return v != want
	default:
		return false
	}
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
