package query

import (
	"fmt"
	"strconv"
	"strings"
)

// AST node kinds. The parser accepts the restricted Python-style expression
// grammar; everything it cannot classify is rejected before lowering.
type node interface{ isNode() }

type literalNode struct{ value any } // int64/float64/string/bool/nil/[]any/map[string]any

type fieldNode struct{ path string } // dotted path, subscripts lowered

type binaryNode struct {
	op          string // "+", "-", "*", "/", "%"
	left, right node
}

type compareNode struct {
	op          string // "==", "<", "<=", ">", ">=", "in"
	left, right node
}

type logicalNode struct {
	op       string // "and", "or"
	operands []node
}

type callNode struct {
	name string
	args []node
}

func (literalNode) isNode() {}
func (fieldNode) isNode()   {}
func (binaryNode) isNode()  {}
func (compareNode) isNode() {}
func (logicalNode) isNode() {}
func (callNode) isNode()    {}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }
func (p *parser) next() token { t := p.tokens[p.pos]; p.pos++; return t }
func (p *parser) atEOF() bool { return p.peek().kind == tokEOF }

func (p *parser) expectOp(op string) error {
	t := p.peek()
	if t.kind != tokOp || t.text != op {
		return syntaxErrorf("expected %q at position %d", op, t.pos)
	}
	p.pos++
	return nil
}

func (p *parser) matchOp(ops ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if t.text == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) matchKeyword(words ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", false
	}
	for _, w := range words {
		if t.text == w {
			p.pos++
			return w, true
		}
	}
	return "", false
}

// parseExpression parses the whole input; trailing tokens are an error.
func (p *parser) parseExpression() (node, error) {
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.atEOF() {
		return nil, syntaxErrorf("unexpected token %q at position %d", p.peek().text, p.peek().pos)
	}
	return n, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	operands := []node{left}
	for {
		if _, ok := p.matchKeyword("or"); !ok {
			break
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &logicalNode{op: "or", operands: operands}, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	operands := []node{left}
	for {
		if _, ok := p.matchKeyword("and"); !ok {
			break
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		operands = append(operands, right)
	}
	if len(operands) == 1 {
		return left, nil
	}
	return &logicalNode{op: "and", operands: operands}, nil
}

func (p *parser) parseComparison() (node, error) {
	if _, ok := p.matchKeyword("not"); ok {
		return nil, unsupportedErrorf("the 'not' operator is not supported")
	}

	left, err := p.parseArith()
	if err != nil {
		return nil, err
	}

	op, found := p.matchOp("==", "!=", "<=", ">=", "<", ">")
	if !found {
		if _, ok := p.matchKeyword("in"); ok {
			op, found = "in", true
		}
	}
	if !found {
		return left, nil
	}
	if op == "!=" {
		return nil, unsupportedErrorf("the '!=' operator is not supported")
	}

	right, err := p.parseArith()
	if err != nil {
		return nil, err
	}

	// Chained comparisons (a < b < c) are ambiguous to lower; reject.
	if t := p.peek(); t.kind == tokOp && isCompareOp(t.text) {
		return nil, unsupportedErrorf("chained comparisons are not supported")
	}
	if t := p.peek(); t.kind == tokIdent && t.text == "in" {
		return nil, unsupportedErrorf("chained comparisons are not supported")
	}

	return &compareNode{op: op, left: left, right: right}, nil
}

func isCompareOp(s string) bool {
	switch s {
	case "==", "!=", "<", "<=", ">", ">=":
		return true
	}
	return false
}

func (p *parser) parseArith() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.matchOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.matchOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if _, ok := p.matchOp("-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if lit, ok := operand.(*literalNode); ok {
			switch v := lit.value.(type) {
			case int64:
				return &literalNode{value: -v}, nil
			case float64:
				return &literalNode{value: -v}, nil
			}
		}
		return nil, unsupportedErrorf("unary minus is only supported on numeric literals")
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokInt:
		p.next()
		v, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, syntaxErrorf("invalid integer literal %q", t.text)
		}
		return &literalNode{value: v}, nil
	case tokFloat:
		p.next()
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, syntaxErrorf("invalid float literal %q", t.text)
		}
		return &literalNode{value: v}, nil
	case tokString:
		p.next()
		return &literalNode{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "True":
			p.next()
			return &literalNode{value: true}, nil
		case "False":
			p.next()
			return &literalNode{value: false}, nil
		case "None":
			p.next()
			return &literalNode{value: nil}, nil
		case "and", "or", "in", "not":
			return nil, syntaxErrorf("unexpected keyword %q at position %d", t.text, t.pos)
		}
		return p.parseFieldOrCall()
	case tokOp:
		switch t.text {
		case "(":
			p.next()
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if err := p.expectOp(")"); err != nil {
				return nil, err
			}
			return inner, nil
		case "[":
			return p.parseList()
		case "{":
			return p.parseDict()
		}
	}
	return nil, syntaxErrorf("unexpected token %q at position %d", t.text, t.pos)
}

func (p *parser) parseFieldOrCall() (node, error) {
	name := p.next().text

	if _, ok := p.matchOp("("); ok {
		var args []node
		if _, ok := p.matchOp(")"); !ok {
			for {
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if _, ok := p.matchOp(","); ok {
					continue
				}
				if err := p.expectOp(")"); err != nil {
					return nil, err
				}
				break
			}
		}
		return &callNode{name: name, args: args}, nil
	}

	// Dotted and subscripted field access, both lowered to a dotted path.
	segments := []string{name}
	for {
		if _, ok := p.matchOp("."); ok {
			t := p.peek()
			if t.kind != tokIdent {
				return nil, syntaxErrorf("expected field name after '.' at position %d", t.pos)
			}
			segments = append(segments, p.next().text)
			continue
		}
		if _, ok := p.matchOp("["); ok {
			t := p.next()
			switch t.kind {
			case tokInt:
				segments = append(segments, t.text)
			case tokString:
				segments = append(segments, t.text)
			default:
				return nil, unsupportedErrorf("subscripts must be integer or string literals")
			}
			if err := p.expectOp("]"); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	return &fieldNode{path: strings.Join(segments, ".")}, nil
}

func (p *parser) parseList() (node, error) {
	p.next() // consume '['
	var items []any
	if _, ok := p.matchOp("]"); ok {
		return &literalNode{value: items}, nil
	}
	for {
		item, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		lit, ok := item.(*literalNode)
		if !ok {
			return nil, unsupportedErrorf("list literals may only contain literals")
		}
		items = append(items, lit.value)
		if _, ok := p.matchOp(","); ok {
			continue
		}
		if err := p.expectOp("]"); err != nil {
			return nil, err
		}
		return &literalNode{value: items}, nil
	}
}

func (p *parser) parseDict() (node, error) {
	p.next() // consume '{'
	items := map[string]any{}
	if _, ok := p.matchOp("}"); ok {
		return &literalNode{value: items}, nil
	}
	for {
		keyTok := p.next()
		if keyTok.kind != tokString {
			return nil, unsupportedErrorf("dict keys must be string literals")
		}
		if err := p.expectOp(":"); err != nil {
			return nil, err
		}
		valNode, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		lit, ok := valNode.(*literalNode)
		if !ok {
			return nil, unsupportedErrorf("dict values may only be literals")
		}
		items[keyTok.text] = lit.value
		if _, ok := p.matchOp(","); ok {
			continue
		}
		if err := p.expectOp("}"); err != nil {
			return nil, err
		}
		return &literalNode{value: items}, nil
	}
}

func syntaxErrorf(format string, args ...any) error {
	return &Error{Kind: ErrSyntax, Message: fmt.Sprintf(format, args...)}
}

func unsupportedErrorf(format string, args ...any) error {
	return &Error{Kind: ErrUnsupported, Message: fmt.Sprintf(format, args...)}
}
