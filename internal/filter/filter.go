// Package filter defines the engine-neutral filter documents produced by the
// query transpiler and consumed by the storage engine. A filter is a tagged
// document keyed by field paths and $-operators; Match evaluates one against
// a decoded entity document in-process.
package filter

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"labtasker/internal/doc"
)

// Filter is a backend filter document.
type Filter = map[string]any

// And combines filters under $and, skipping nil entries. It returns nil when
// nothing remains.
func And(filters ...Filter) Filter {
	var parts []any
	for _, f := range filters {
		if len(f) > 0 {
			parts = append(parts, f)
		}
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0].(Filter)
	default:
		return Filter{"$and": parts}
	}
}

// Or combines filters under $or, skipping nil entries.
func Or(filters ...Filter) Filter {
	var parts []any
	for _, f := range filters {
		if len(f) > 0 {
			parts = append(parts, f)
		}
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0].(Filter)
	default:
		return Filter{"$or": parts}
	}
}

// ScopeToQueue pins a filter to one queue. The queue term is AND-prepended so
// a caller-supplied filter can never widen the scope.
func ScopeToQueue(queueID string, f Filter) Filter {
	scope := Filter{"queue_id": queueID}
	if len(f) == 0 {
		return scope
	}
	return Filter{"$and": []any{scope, f}}
}

// RequiredFields lowers a required-fields template to an existence filter:
// every leaf path must exist under the given prefix (usually "args").
func RequiredFields(template doc.Doc, prefix string) Filter {
	f := Filter{}
	for _, path := range doc.SortedLeafPaths(template) {
		key := path
		if prefix != "" {
			key = prefix + doc.Sep + path
		}
		f[key] = Filter{"$exists": true}
	}
	return f
}

// Match evaluates a filter against a document. All top-level terms are
// AND-combined. Unknown operators are an error, not a non-match.
func Match(f Filter, d doc.Doc) (bool, error) {
	for key, cond := range f {
		ok, err := matchTerm(key, cond, d)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func matchTerm(key string, cond any, d doc.Doc) (bool, error) {
	switch key {
	case "$and":
		return matchList(cond, d, true)
	case "$or":
		return matchList(cond, d, false)
	case "$expr":
		v, err := evalExpr(cond, d)
		if err != nil {
			return false, err
		}
		return truthy(v), nil
	}
	if strings.HasPrefix(key, "$") {
		return false, fmt.Errorf("unsupported top-level operator %q", key)
	}

	value, present := doc.GetPath(d, key)

	// Operator document: {"$gt": 3, "$lt": 10}
	if ops, ok := cond.(map[string]any); ok && isOperatorDoc(ops) {
		for op, arg := range ops {
			ok, err := applyOperator(op, arg, value, present)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	// Bare value: equality.
	return present && equal(value, cond), nil
}

func matchList(cond any, d doc.Doc, wantAll bool) (bool, error) {
	items, ok := cond.([]any)
	if !ok {
		return false, fmt.Errorf("$and/$or requires a list of filters")
	}
	for _, item := range items {
		sub, ok := item.(map[string]any)
		if !ok {
			return false, fmt.Errorf("$and/$or entries must be filter documents")
		}
		matched, err := Match(sub, d)
		if err != nil {
			return false, err
		}
		if wantAll && !matched {
			return false, nil
		}
		if !wantAll && matched {
			return true, nil
		}
	}
	return wantAll, nil
}

func isOperatorDoc(m map[string]any) bool {
	for k := range m {
		return strings.HasPrefix(k, "$")
	}
	return false
}

func applyOperator(op string, arg, value any, present bool) (bool, error) {
	switch op {
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return false, fmt.Errorf("$exists requires a bool")
		}
		return present == want, nil
	case "$eq":
		return present && equal(value, arg), nil
	case "$ne":
		return !present || !equal(value, arg), nil
	case "$in":
		list, ok := arg.([]any)
		if !ok {
			return false, fmt.Errorf("$in requires a list")
		}
		if !present {
			return false, nil
		}
		for _, item := range list {
			if equal(value, item) {
				return true, nil
			}
		}
		return false, nil
	case "$gt", "$gte", "$lt", "$lte":
		if !present {
			return false, nil
		}
		c, err := compare(value, arg)
		if err != nil {
			return false, nil // incomparable values do not match
		}
		switch op {
		case "$gt":
			return c > 0, nil
		case "$gte":
			return c >= 0, nil
		case "$lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return false, fmt.Errorf("$regex requires a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid $regex pattern: %w", err)
		}
		s, ok := value.(string)
		if !ok {
			return false, nil
		}
		return re.MatchString(s), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

// equal compares two values with numeric promotion across int kinds and
// float64, and deep equality for lists and maps.
func equal(a, b any) bool {
	if na, aok := toFloat(a); aok {
		if nb, bok := toFloat(b); bok {
			return na == nb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

// compare orders two values: numbers numerically, strings lexically.
func compare(a, b any) (int, error) {
	if na, aok := toFloat(a); aok {
		nb, bok := toFloat(b)
		if !bok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case na < nb:
			return -1, nil
		case na > nb:
			return 1, nil
		default:
			return 0, nil
		}
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	if aok && bok {
		return strings.Compare(sa, sb), nil
	}
	return 0, fmt.Errorf("cannot order %T against %T", a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		if f, ok := toFloat(v); ok {
			return f != 0
		}
		return true
	}
}
