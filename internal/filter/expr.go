package filter

import (
	"fmt"
	"math"
	"strings"

	"labtasker/internal/doc"
)

// evalExpr evaluates an aggregation-style $expr node against a document.
// Nodes are field references ("$args.foo"), literals, or single-operator
// documents {"$add": [a, b]}.
func evalExpr(node any, d doc.Doc) (any, error) {
	switch n := node.(type) {
	case string:
		if strings.HasPrefix(n, "$") {
			v, ok := doc.GetPath(d, strings.TrimPrefix(n, "$"))
			if !ok {
				return nil, nil
			}
			return v, nil
		}
		return n, nil
	case map[string]any:
		if len(n) != 1 {
			return nil, fmt.Errorf("$expr operator document must have exactly one key, got %d", len(n))
		}
		for op, rawArgs := range n {
			args, ok := rawArgs.([]any)
			if !ok {
				return nil, fmt.Errorf("%s requires a list of operands", op)
			}
			return applyExprOperator(op, args, d)
		}
	}
	return node, nil
}

func applyExprOperator(op string, args []any, d doc.Doc) (any, error) {
	switch op {
	case "$and", "$or":
		for _, a := range args {
			v, err := evalExpr(a, d)
			if err != nil {
				return nil, err
			}
			if op == "$and" && !truthy(v) {
				return false, nil
			}
			if op == "$or" && truthy(v) {
				return true, nil
			}
		}
		return op == "$and", nil
	}

	if len(args) != 2 {
		return nil, fmt.Errorf("%s requires exactly two operands", op)
	}
	left, err := evalExpr(args[0], d)
	if err != nil {
		return nil, err
	}
	right, err := evalExpr(args[1], d)
	if err != nil {
		return nil, err
	}

	switch op {
	case "$eq":
		return equal(left, right), nil
	case "$ne":
		return !equal(left, right), nil
	case "$gt", "$gte", "$lt", "$lte":
		c, err := compare(left, right)
		if err != nil {
			return false, nil
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
	case "$add", "$subtract", "$multiply", "$divide", "$mod":
		l, lok := toFloat(left)
		r, rok := toFloat(right)
		if !lok || !rok {
			// Arithmetic over a missing or non-numeric field never matches;
			// the transpiler guards references with $exists as well.
			return nil, nil
		}
		switch op {
		case "$add":
			return l + r, nil
		case "$subtract":
			return l - r, nil
		case "$multiply":
			return l * r, nil
		case "$divide":
			if r == 0 {
				return nil, nil
			}
			return l / r, nil
		default:
			if r == 0 {
				return nil, nil
			}
			return math.Mod(l, r), nil
		}
	default:
		return nil, fmt.Errorf("unsupported $expr operator %q", op)
	}
}
