// Package query transpiles the user-facing filter expression language into
// backend filter documents. The accepted grammar is a restricted Python-style
// expression subset: comparisons (==, <, <=, >, >=, in), parenthesized
// and/or, literals (int, float, string, bool, None, list, dict), dotted and
// subscripted field paths, regex()/exists() calls, and arithmetic inside
// comparisons. 'not', '!=' and chained comparisons are rejected.
package query

import (
	"strings"

	"labtasker/internal/filter"
)

// ErrorKind distinguishes parser rejections from unsupported constructs.
type ErrorKind int

const (
	// ErrSyntax marks input the parser could not read at all.
	ErrSyntax ErrorKind = iota
	// ErrUnsupported marks well-formed input outside the accepted subset:
	// unknown functions, wrong arity, bare identifiers, empty input.
	ErrUnsupported
)

// Error is a transpiler rejection.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Kind == ErrSyntax {
		return "syntax error: " + e.Message
	}
	return "invalid query: " + e.Message
}

var compareOps = map[string]string{
	"==": "$eq",
	"<":  "$lt",
	"<=": "$lte",
	">":  "$gt",
	">=": "$gte",
}

// flippedOps maps an operator to its mirror for "literal op field" forms.
var flippedOps = map[string]string{
	"$lt":  "$gt",
	"$lte": "$gte",
	"$gt":  "$lt",
	"$gte": "$lte",
	"$eq":  "$eq",
}

var arithmeticOps = map[string]string{
	"+": "$add",
	"-": "$subtract",
	"*": "$multiply",
	"/": "$divide",
	"%": "$mod",
}

// Transpile converts a filter expression into a backend filter document.
func Transpile(input string) (filter.Filter, error) {
	if strings.TrimSpace(input) == "" {
		return nil, unsupportedErrorf("empty query expression")
	}
	tokens, err := (&lexer{input: input}).lex()
	if err != nil {
		return nil, err
	}
	root, err := (&parser{tokens: tokens}).parseExpression()
	if err != nil {
		return nil, err
	}
	return lower(root)
}

// lower converts an AST node that must be a predicate into a filter.
func lower(n node) (filter.Filter, error) {
	switch t := n.(type) {
	case *logicalNode:
		parts := make([]any, 0, len(t.operands))
		for _, operand := range t.operands {
			sub, err := lower(operand)
			if err != nil {
				return nil, err
			}
			parts = append(parts, sub)
		}
		return filter.Filter{"$" + t.op: parts}, nil
	case *compareNode:
		return lowerCompare(t)
	case *callNode:
		return lowerCall(t)
	case *fieldNode:
		return nil, unsupportedErrorf("bare field reference %q is not a filter", t.path)
	case *literalNode:
		return nil, unsupportedErrorf("literal value is not a filter")
	default:
		return nil, unsupportedErrorf("expression is not a filter")
	}
}

func lowerCompare(n *compareNode) (filter.Filter, error) {
	if n.op == "in" {
		f, fok := n.left.(*fieldNode)
		lit, lok := n.right.(*literalNode)
		if !fok || !lok {
			return nil, unsupportedErrorf("'in' requires a field on the left and a literal list on the right")
		}
		list, ok := lit.value.([]any)
		if !ok {
			return nil, unsupportedErrorf("'in' requires a list literal on the right")
		}
		return filter.Filter{f.path: filter.Filter{"$in": list}}, nil
	}

	op := compareOps[n.op]

	// field op literal → direct comparison document.
	if f, ok := n.left.(*fieldNode); ok {
		if lit, ok := n.right.(*literalNode); ok {
			if err := scalarOperand(lit.value); err != nil {
				return nil, err
			}
			return filter.Filter{f.path: filter.Filter{op: lit.value}}, nil
		}
	}
	// literal op field → mirrored comparison.
	if lit, ok := n.left.(*literalNode); ok {
		if f, ok := n.right.(*fieldNode); ok {
			if err := scalarOperand(lit.value); err != nil {
				return nil, err
			}
			return filter.Filter{f.path: filter.Filter{flippedOps[op]: lit.value}}, nil
		}
	}

	// Arithmetic or field-to-field comparison: lower to $expr, guarding every
	// referenced field with $exists so missing fields never satisfy the
	// predicate.
	left, leftFields, err := lowerExpr(n.left)
	if err != nil {
		return nil, err
	}
	right, rightFields, err := lowerExpr(n.right)
	if err != nil {
		return nil, err
	}
	guards := filter.Filter{}
	for _, path := range append(leftFields, rightFields...) {
		guards[path] = filter.Filter{"$exists": true}
	}
	expr := filter.Filter{"$expr": map[string]any{op: []any{left, right}}}
	return filter.And(guards, expr), nil
}

// scalarOperand rejects list and dict literals in comparison operands;
// membership tests go through 'in'.
func scalarOperand(v any) error {
	switch v.(type) {
	case []any, map[string]any:
		return unsupportedErrorf("container literals cannot be compared directly")
	}
	return nil
}

// lowerExpr converts an arithmetic operand into an $expr node and collects
// the field paths it references.
func lowerExpr(n node) (any, []string, error) {
	switch t := n.(type) {
	case *literalNode:
		switch t.value.(type) {
		case []any, map[string]any:
			return nil, nil, unsupportedErrorf("container literals are not allowed in arithmetic")
		}
		return t.value, nil, nil
	case *fieldNode:
		return "$" + t.path, []string{t.path}, nil
	case *binaryNode:
		left, lf, err := lowerExpr(t.left)
		if err != nil {
			return nil, nil, err
		}
		right, rf, err := lowerExpr(t.right)
		if err != nil {
			return nil, nil, err
		}
		return map[string]any{arithmeticOps[t.op]: []any{left, right}}, append(lf, rf...), nil
	default:
		return nil, nil, unsupportedErrorf("unsupported operand in comparison")
	}
}

func lowerCall(n *callNode) (filter.Filter, error) {
	switch n.name {
	case "regex":
		if len(n.args) != 2 {
			return nil, unsupportedErrorf("regex() takes exactly 2 arguments, got %d", len(n.args))
		}
		f, ok := n.args[0].(*fieldNode)
		if !ok {
			return nil, unsupportedErrorf("regex() requires a field as its first argument")
		}
		pat, ok := n.args[1].(*literalNode)
		if !ok {
			return nil, unsupportedErrorf("regex() requires a string pattern as its second argument")
		}
		s, ok := pat.value.(string)
		if !ok {
			return nil, unsupportedErrorf("regex() pattern must be a string, got %T", pat.value)
		}
		return filter.Filter{f.path: filter.Filter{"$regex": s}}, nil
	case "exists":
		if len(n.args) < 1 || len(n.args) > 2 {
			return nil, unsupportedErrorf("exists() takes 1 or 2 arguments, got %d", len(n.args))
		}
		f, ok := n.args[0].(*fieldNode)
		if !ok {
			return nil, unsupportedErrorf("exists() requires a field as its first argument")
		}
		want := true
		if len(n.args) == 2 {
			lit, ok := n.args[1].(*literalNode)
			if !ok {
				return nil, unsupportedErrorf("exists() second argument must be a bool literal")
			}
			b, ok := lit.value.(bool)
			if !ok {
				return nil, unsupportedErrorf("exists() second argument must be a bool, got %T", lit.value)
			}
			want = b
		}
		return filter.Filter{f.path: filter.Filter{"$exists": want}}, nil
	default:
		return nil, unsupportedErrorf("unknown function %q", n.name)
	}
}
