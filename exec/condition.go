package exec

import (
	"strings"

	"github.com/flowmesh/flowmesh-go/value"
)

// Condition steps evaluate a predicate over the execution variables
// without dispatching to a worker. The predicate is declared in the
// step's params:
//
//	params:
//	  var: order.total     # dotted path into the variables map
//	  op: gt               # exists | eq | ne | gt | gte | lt | lte | contains
//	  value: 100           # comparison operand (unused by exists)
//
// A malformed predicate evaluates to false, which routes the condition
// through its onFailure edge rather than failing the execution.
func evalCondition(params, variables value.Value) bool {
	path, ok := params.Get("var")
	if !ok || path.Kind() != value.KindString {
		return false
	}
	opVal, ok := params.Get("op")
	if !ok || opVal.Kind() != value.KindString {
		return false
	}
	operand, _ := params.Get("value")

	target, exists := lookupPath(variables, path.Str())

	switch opVal.Str() {
	case "exists":
		return exists
	case "eq":
		return exists && value.Equal(target, operand)
	case "ne":
		return exists && !value.Equal(target, operand)
	case "gt":
		return exists && numeric(target) && numeric(operand) && target.Float() > operand.Float()
	case "gte":
		return exists && numeric(target) && numeric(operand) && target.Float() >= operand.Float()
	case "lt":
		return exists && numeric(target) && numeric(operand) && target.Float() < operand.Float()
	case "lte":
		return exists && numeric(target) && numeric(operand) && target.Float() <= operand.Float()
	case "contains":
		return exists && containsValue(target, operand)
	default:
		return false
	}
}

// lookupPath resolves a dotted path into nested maps.
func lookupPath(root value.Value, path string) (value.Value, bool) {
	cur := root
	for _, seg := range strings.Split(path, ".") {
		next, ok := cur.Get(seg)
		if !ok {
			return value.Value{}, false
		}
		cur = next
	}
	return cur, true
}

func numeric(v value.Value) bool {
	return v.Kind() == value.KindInt || v.Kind() == value.KindFloat
}

func containsValue(haystack, needle value.Value) bool {
	switch haystack.Kind() {
	case value.KindString:
		return needle.Kind() == value.KindString && strings.Contains(haystack.Str(), needle.Str())
	case value.KindList:
		for _, e := range haystack.ListVal() {
			if value.Equal(e, needle) {
				return true
			}
		}
		return false
	case value.KindMap:
		if needle.Kind() != value.KindString {
			return false
		}
		_, ok := haystack.Get(needle.Str())
		return ok
	default:
		return false
	}
}
