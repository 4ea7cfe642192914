package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tenantkit/automation/pkg/schema"
)

// EvaluateCondition resolves cfg.Field against data and compares it to
// cfg.Value with cfg.Operator. It never returns an error: a missing
// field, an unknown operator, or a failed numeric coercion all evaluate
// to false so a malformed condition can only skip steps, never run them.
func EvaluateCondition(cfg *schema.ConditionConfig, data map[string]any) bool {
	actual, present := resolvePath(data, cfg.Field)
	if !present {
		// An absent field fails every positive comparison; the negated
		// operators still evaluate, so "status not_equals paid" holds
		// when status was never set.
		switch cfg.Operator {
		case schema.OpNotEquals:
			return cfg.Value != nil
		case schema.OpNotContains:
			return true
		default:
			return false
		}
	}

	switch cfg.Operator {
	case schema.OpEquals:
		return looseEqual(actual, cfg.Value)
	case schema.OpNotEquals:
		return !looseEqual(actual, cfg.Value)
	case schema.OpGreaterThan:
		a, b, ok := coerceNumbers(actual, cfg.Value)
		return ok && a > b
	case schema.OpLessThan:
		a, b, ok := coerceNumbers(actual, cfg.Value)
		return ok && a < b
	case schema.OpContains:
		return stringContains(actual, cfg.Value)
	case schema.OpNotContains:
		return !stringContains(actual, cfg.Value)
	default:
		return false
	}
}

// resolvePath walks a dotted path ("invoice.amount") through nested
// maps. Returns false when any segment is missing or a non-map is hit
// before the last segment.
func resolvePath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = data
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// looseEqual compares two values with numeric widening, so the JSON
// float64 5 equals the literal int 5.
func looseEqual(a, b any) bool {
	if af, bf, ok := coerceNumbers(a, b); ok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// coerceNumbers converts both operands to float64. A value that cannot
// be parsed as a number yields NaN, and NaN comparisons are always
// false, so ok is false whenever either side is non-numeric.
func coerceNumbers(a, b any) (float64, float64, bool) {
	af := toFloat(a)
	bf := toFloat(b)
	if math.IsNaN(af) || math.IsNaN(bf) {
		return af, bf, false
	}
	return af, bf, true
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint64:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return math.NaN()
		}
		return f
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return math.NaN()
		}
		return f
	case bool:
		if n {
			return 1
		}
		return 0
	default:
		return math.NaN()
	}
}

func stringContains(haystack, needle any) bool {
	return strings.Contains(fmt.Sprintf("%v", haystack), fmt.Sprintf("%v", needle))
}
