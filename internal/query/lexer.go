package query

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokFloat
	tokString
	tokOp // punctuation and comparison/arithmetic operators
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// multi-character operators, longest first.
var multiOps = []string{"==", "!=", "<=", ">="}

const singleOps = "<>+-*/%()[]{},.:"

type lexer struct {
	input string
	pos   int
}

func (l *lexer) lex() ([]token, error) {
	var tokens []token
	for {
		l.skipSpace()
		if l.pos >= len(l.input) {
			tokens = append(tokens, token{kind: tokEOF, pos: l.pos})
			return tokens, nil
		}
		start := l.pos
		c := l.input[l.pos]

		switch {
		case c == '\'' || c == '"':
			text, err := l.lexString(c)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token{kind: tokString, text: text, pos: start})
		case unicode.IsDigit(rune(c)):
			text, isFloat := l.lexNumber()
			kind := tokInt
			if isFloat {
				kind = tokFloat
			}
			tokens = append(tokens, token{kind: kind, text: text, pos: start})
		case isIdentStart(c):
			tokens = append(tokens, token{kind: tokIdent, text: l.lexIdent(), pos: start})
		default:
			op, ok := l.lexOp()
			if !ok {
				return nil, &Error{Kind: ErrSyntax, Message: fmt.Sprintf("unexpected character %q at position %d", c, l.pos)}
			}
			tokens = append(tokens, token{kind: tokOp, text: op, pos: start})
		}
	}
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.input) && (l.input[l.pos] == ' ' || l.input[l.pos] == '\t' || l.input[l.pos] == '\n' || l.input[l.pos] == '\r') {
		l.pos++
	}
}

func (l *lexer) lexString(quote byte) (string, error) {
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if c == '\\' && l.pos+1 < len(l.input) {
			next := l.input[l.pos+1]
			switch next {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '\'', '"':
				sb.WriteByte(next)
			default:
				sb.WriteByte('\\')
				sb.WriteByte(next)
			}
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			return sb.String(), nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return "", &Error{Kind: ErrSyntax, Message: "unterminated string literal"}
}

func (l *lexer) lexNumber() (string, bool) {
	start := l.pos
	isFloat := false
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		if unicode.IsDigit(rune(c)) {
			l.pos++
			continue
		}
		// A dot is part of the number only when followed by a digit;
		// otherwise it is subscript-free attribute access on a literal,
		// which the parser will reject.
		if c == '.' && !isFloat && l.pos+1 < len(l.input) && unicode.IsDigit(rune(l.input[l.pos+1])) {
			isFloat = true
			l.pos++
			continue
		}
		break
	}
	return l.input[start:l.pos], isFloat
}

func (l *lexer) lexIdent() string {
	start := l.pos
	for l.pos < len(l.input) && isIdentPart(l.input[l.pos]) {
		l.pos++
	}
	return l.input[start:l.pos]
}

func (l *lexer) lexOp() (string, bool) {
	for _, op := range multiOps {
		if strings.HasPrefix(l.input[l.pos:], op) {
			l.pos += len(op)
			return op, true
		}
	}
	c := l.input[l.pos]
	if strings.IndexByte(singleOps, c) >= 0 {
		l.pos++
		return string(c), true
	}
	return "", false
}

func isIdentStart(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c))
}

func isIdentPart(c byte) bool {
	return c == '_' || unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c))
}
