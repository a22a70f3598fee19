// Package conditions implements the field-test operators used by CONDITION
// and BRANCH_CONDITION steps. Evaluation is total: it never panics and never
// returns an error, malformed input simply evaluates to false.
package conditions

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Operator names a comparison.
type Operator string

const (
	Equals             Operator = "EQUALS"
	NotEquals          Operator = "NOT_EQUALS"
	GreaterThan        Operator = "GREATER_THAN"
	LessThan           Operator = "LESS_THAN"
	GreaterThanOrEqual Operator = "GREATER_THAN_OR_EQUAL"
	LessThanOrEqual    Operator = "LESS_THAN_OR_EQUAL"
	Contains           Operator = "CONTAINS"
	NotContains        Operator = "NOT_CONTAINS"
	IsEmpty            Operator = "IS_EMPTY"
	IsNotEmpty         Operator = "IS_NOT_EMPTY"
	IsTrue             Operator = "IS_TRUE"
	IsFalse            Operator = "IS_FALSE"
)

// Operators lists every supported operator.
var Operators = []Operator{
	Equals, NotEquals,
	GreaterThan, LessThan, GreaterThanOrEqual, LessThanOrEqual,
	Contains, NotContains,
	IsEmpty, IsNotEmpty,
	IsTrue, IsFalse,
}

// Known reports whether op names a supported operator.
func Known(op string) bool {
	norm := normalize(op)
	for _, o := range Operators {
		if o == norm {
			return true
		}
	}
	return false
}

func normalize(op string) Operator {
	return Operator(strings.ToUpper(strings.TrimSpace(op)))
}

// Evaluate tests entity[field] against literal with operator.
// An absent field or an unknown operator yields false.
func Evaluate(field, operator string, literal any, entity map[string]any) (result bool) {
	defer func() {
		if recover() != nil {
			result = false
		}
	}()

	v, ok := Lookup(entity, field)
	if !ok {
		return false
	}

	switch normalize(operator) {
	case Equals:
		return looseEqual(v, literal)
	case NotEquals:
		return !looseEqual(v, literal)
	case GreaterThan:
		c, ok := compare(v, literal)
		return ok && c > 0
	case LessThan:
		c, ok := compare(v, literal)
		return ok && c < 0
	case GreaterThanOrEqual:
		c, ok := compare(v, literal)
		return ok && c >= 0
	case LessThanOrEqual:
		c, ok := compare(v, literal)
		return ok && c <= 0
	case Contains:
		return strings.Contains(stringOf(v), stringOf(literal))
	case NotContains:
		return !strings.Contains(stringOf(v), stringOf(literal))
	case IsEmpty:
		return empty(v)
	case IsNotEmpty:
		return !empty(v)
	case IsTrue:
		return truthy(v)
	case IsFalse:
		return !truthy(v)
	default:
		return false
	}
}

// Lookup resolves a possibly dotted field path. An exact key match wins over
// path traversal so flat keys containing dots still resolve.
func Lookup(entity map[string]any, field string) (any, bool) {
	if entity == nil || field == "" {
		return nil, false
	}
	if v, ok := entity[field]; ok {
		return v, true
	}
	if !strings.Contains(field, ".") {
		return nil, false
	}

	var cur any = entity
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return fa == fb
		}
	}
	if ba, ok := a.(bool); ok {
		if bb, err := cast.ToBoolE(b); err == nil {
			return ba == bb
		}
		return false
	}
	if bb, ok := b.(bool); ok {
		if ba, err := cast.ToBoolE(a); err == nil {
			return ba == bb
		}
		return false
	}
	return stringOf(a) == stringOf(b)
}

// compare orders a against b, numerically when both sides are numbers,
// otherwise by their string forms.
func compare(a, b any) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			switch {
			case fa < fb:
				return -1, true
			case fa > fb:
				return 1, true
			default:
				return 0, true
			}
		}
	}
	return strings.Compare(stringOf(a), stringOf(b)), true
}

// number coerces numeric values and numeric strings. Blank strings and
// booleans are not numbers.
func number(v any) (float64, bool) {
	switch t := v.(type) {
	case bool, nil:
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		f, err := cast.ToFloat64E(v)
		return f, err == nil
	}
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		parts := make([]string, rv.Len())
		for i := range parts {
			parts[i] = stringOf(rv.Index(i).Interface())
		}
		return strings.Join(parts, ",")
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}

func empty(v any) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case bool:
		return !t
	}
	if f, ok := number(v); ok {
		return f == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// truthy coerces v to a boolean. Strings cast cannot parse are true when non-blank.
func truthy(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b
		}
		return strings.TrimSpace(s) != ""
	}
	if b, err := cast.ToBoolE(v); err == nil {
		return b
	}
	return !empty(v)
}
