// Package query evaluates the QUERY filter sublanguage from spec.md
// §4.10: a field -> constraint map, ANDed across fields, where a
// constraint is either an exact value or one of $gte/$gt/$lte/$lt/$in.
// Grounded on the teacher's pkg/query/operators.go (EvaluateOperator,
// evaluateEqual/evaluateGreaterThan/evaluateLessThan/evaluateIn, the
// cross-type numeric coercion via toFloat64) and pkg/query/query.go's
// evaluateFilter, trimmed to the operator set spec.md names — no
// $and/$or/$ne/$ exists/$regex/$elemMatch, since those aren't part of
// this protocol's filter sublanguage.
package query

import (
	"fmt"
	"reflect"
)

// ErrUnknownOperator is returned for any operator outside
// {$gte,$gt,$lte,$lt,$in}; spec.md §4.10 requires this to fail the
// request with BAD_REQUEST rather than silently ignoring it.
var ErrUnknownOperator = fmt.Errorf("query: unknown filter operator")

// Filter is a field -> constraint map built from a QUERY request's
// "filters" payload field.
type Filter map[string]interface{}

// Matches reports whether doc satisfies every field constraint in
// filter (logical AND across fields, per spec.md §4.10).
func Matches(doc map[string]interface{}, filter Filter) (bool, error) {
	for field, constraint := range filter {
		fieldValue, exists := doc[field]

		opMap, ok := constraint.(map[string]interface{})
		if !ok {
			if !exists || !evaluateEqual(fieldValue, constraint) {
				return false, nil
			}
			continue
		}

		for opName, operand := range opMap {
			if !exists {
				return false, nil
			}
			matched, err := evaluateOperator(opName, fieldValue, operand)
			if err != nil {
				return false, err
			}
			if !matched {
				return false, nil
			}
		}
	}
	return true, nil
}

func evaluateOperator(op string, fieldValue, operand interface{}) (bool, error) {
	switch op {
	case "$gte":
		return evaluateGreaterThanOrEqual(fieldValue, operand), nil
	case "$gt":
		return evaluateGreaterThan(fieldValue, operand), nil
	case "$lte":
		return evaluateLessThanOrEqual(fieldValue, operand), nil
	case "$lt":
		return evaluateLessThan(fieldValue, operand), nil
	case "$in":
		return evaluateIn(fieldValue, operand), nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnknownOperator, op)
	}
}

func evaluateEqual(a, b interface{}) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	if reflect.DeepEqual(a, b) {
		return true
	}
	aVal, aOk := toFloat64(a)
	bVal, bOk := toFloat64(b)
	if aOk && bOk {
		return aVal == bVal
	}
	return false
}

func evaluateGreaterThan(a, b interface{}) bool {
	if aVal, aOk := toFloat64(a); aOk {
		if bVal, bOk := toFloat64(b); bOk {
			return aVal > bVal
		}
	}
	if aStr, aOk := a.(string); aOk {
		if bStr, bOk := b.(string); bOk {
			return aStr > bStr
		}
	}
	return false
}

func evaluateGreaterThanOrEqual(a, b interface{}) bool {
	return evaluateGreaterThan(a, b) || evaluateEqual(a, b)
}

func evaluateLessThan(a, b interface{}) bool {
	if aVal, aOk := toFloat64(a); aOk {
		if bVal, bOk := toFloat64(b); bOk {
			return aVal < bVal
		}
	}
	if aStr, aOk := a.(string); aOk {
		if bStr, bOk := b.(string); bOk {
			return aStr < bStr
		}
	}
	return false
}

func evaluateLessThanOrEqual(a, b interface{}) bool {
	return evaluateLessThan(a, b) || evaluateEqual(a, b)
}

// evaluateIn implements the Open Question decision recorded in
// SPEC_FULL.md: $in accepts a heterogeneous-typed array and tests
// membership value-by-value with the same cross-type numeric
// coercion evaluateEqual uses elsewhere.
func evaluateIn(value, array interface{}) bool {
	arrVal := reflect.ValueOf(array)
	if arrVal.Kind() != reflect.Slice && arrVal.Kind() != reflect.Array {
		return false
	}
	for i := 0; i < arrVal.Len(); i++ {
		if evaluateEqual(value, arrVal.Index(i).Interface()) {
			return true
		}
	}
	return false
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	default:
		return 0, false
	}
}

// RangeStart extracts a lower bound for field "_id" from filter, if
// one is present as an exact value, $gte, or $gt constraint. The
// dispatcher uses this to seed engine.Scan's start key so a range
// query over _id (spec.md §8 scenario 2) does not scan the whole
// collection from the beginning.
func RangeStart(filter Filter) (string, bool) {
	constraint, ok := filter["_id"]
	if !ok {
		return "", false
	}
	if s, ok := constraint.(string); ok {
		return s, true
	}
	opMap, ok := constraint.(map[string]interface{})
	if !ok {
		return "", false
	}
	if v, ok := opMap["$gte"]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	if v, ok := opMap["$gt"]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}
