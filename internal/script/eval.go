package script

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// The validator needs real numbers out of generated expressions without
// ever handing generated text to anything that executes code. Eval
// implements the restricted grammar: numeric literals, names resolved
// through a SymbolTable, + - * /, unary minus, and parentheses. Anything
// else is an error, and the caller is expected to skip the check that
// needed the value.

var (
	// ErrUnresolvedSymbol is returned when an expression references a name
	// absent from the symbol table.
	ErrUnresolvedSymbol = errors.New("unresolved symbol in expression")

	// ErrBadExpression is returned for tokens outside the restricted grammar.
	ErrBadExpression = errors.New("expression outside restricted grammar")
)

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokIdent
	tokOperator
	tokLeftParen
	tokRightParen
)

type token struct {
	kind tokenKind
	text string
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokLeftParen, "("})
			i++
		case r == ')':
			tokens = append(tokens, token{tokRightParen, ")"})
			i++
		case r == '+' || r == '-' || r == '*' || r == '/':
			tokens = append(tokens, token{tokOperator, string(r)})
			i++
		case unicode.IsDigit(r) || r == '.':
			start := i
			for i < len(runes) && (unicode.IsDigit(runes[i]) || runes[i] == '.') {
				i++
			}
			tokens = append(tokens, token{tokNumber, string(runes[start:i])})
		case unicode.IsLetter(r) || r == '_':
			start := i
			for i < len(runes) && (unicode.IsLetter(runes[i]) || unicode.IsDigit(runes[i]) || runes[i] == '_') {
				i++
			}
			tokens = append(tokens, token{tokIdent, string(runes[start:i])})
		default:
			return nil, fmt.Errorf("%w: unexpected character %q", ErrBadExpression, string(r))
		}
	}
	return tokens, nil
}

type parser struct {
	tokens  []token
	pos     int
	symbols SymbolTable
}

func (p *parser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *parser) next() (token, bool) {
	t, ok := p.peek()
	if ok {
		p.pos++
	}
	return t, ok
}

// expr := term (('+' | '-') term)*
func (p *parser) expr() (float64, error) {
	value, err := p.term()
	if err != nil {
		return 0, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOperator || (t.text != "+" && t.text != "-") {
			return value, nil
		}
		p.pos++
		rhs, err := p.term()
		if err != nil {
			return 0, err
		}
		if t.text == "+" {
			value += rhs
		} else {
			value -= rhs
		}
	}
}

// term := factor (('*' | '/') factor)*
func (p *parser) term() (float64, error) {
	value, err := p.factor()
	if err != nil {
		return 0, err
	}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOperator || (t.text != "*" && t.text != "/") {
			return value, nil
		}
		p.pos++
		rhs, err := p.factor()
		if err != nil {
			return 0, err
		}
		if t.text == "*" {
			value *= rhs
		} else {
			if rhs == 0 {
				return 0, fmt.Errorf("%w: division by zero", ErrBadExpression)
			}
			value /= rhs
		}
	}
}

// factor := number | ident | '(' expr ')' | '-' factor
func (p *parser) factor() (float64, error) {
	t, ok := p.next()
	if !ok {
		return 0, fmt.Errorf("%w: unexpected end of expression", ErrBadExpression)
	}
	switch t.kind {
	case tokNumber:
		v, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad numeric literal %q", ErrBadExpression, t.text)
		}
		return v, nil
	case tokIdent:
		v, ok := p.symbols.Lookup(t.text)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrUnresolvedSymbol, t.text)
		}
		return v, nil
	case tokLeftParen:
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		closing, ok := p.next()
		if !ok || closing.kind != tokRightParen {
			return 0, fmt.Errorf("%w: missing closing parenthesis", ErrBadExpression)
		}
		return v, nil
	case tokOperator:
		if t.text == "-" {
			v, err := p.factor()
			if err != nil {
				return 0, err
			}
			return -v, nil
		}
	}
	return 0, fmt.Errorf("%w: unexpected token %q", ErrBadExpression, t.text)
}

// Eval evaluates expr under the restricted grammar with names resolved
// through symbols. It never executes generated code: unknown names and
// out-of-grammar tokens fail with ErrUnresolvedSymbol / ErrBadExpression.
func Eval(expr string, symbols SymbolTable) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, fmt.Errorf("%w: empty expression", ErrBadExpression)
	}
	p := &parser{tokens: tokens, symbols: symbols}
	value, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.pos != len(p.tokens) {
		return 0, fmt.Errorf("%w: trailing tokens after expression", ErrBadExpression)
	}
	return value, nil
}

// EvalTriple evaluates a bracketed vector literal like "[x, 2*y, 3]" into
// its three components. The surrounding brackets are optional.
func EvalTriple(triple string, symbols SymbolTable) ([3]float64, error) {
	parts, err := SplitVector(triple)
	if err != nil {
		return [3]float64{}, err
	}
	if len(parts) != 3 {
		return [3]float64{}, fmt.Errorf("%w: expected 3 components, got %d", ErrBadExpression, len(parts))
	}
	var out [3]float64
	for i, part := range parts {
		v, err := Eval(part, symbols)
		if err != nil {
			return [3]float64{}, err
		}
		out[i] = v
	}
	return out, nil
}

// SplitVector splits a vector literal on top-level commas, respecting
// nested parentheses inside components.
func SplitVector(vector string) ([]string, error) {
	trimmed := strings.TrimSpace(vector)
	trimmed = strings.TrimPrefix(trimmed, "[")
	trimmed = strings.TrimSuffix(trimmed, "]")

	var parts []string
	depth := 0
	start := 0
	for i, r := range trimmed {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced parentheses", ErrBadExpression)
			}
		case ',':
			if depth == 0 {
				parts = append(parts, strings.TrimSpace(trimmed[start:i]))
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: unbalanced parentheses", ErrBadExpression)
	}
	parts = append(parts, strings.TrimSpace(trimmed[start:]))
	return parts, nil
}

// CountOperators returns the number of binary arithmetic operator tokens in
// expr. Unary minus (a leading '-' or one following another operator or an
// opening parenthesis) is not counted.
func CountOperators(expr string) int {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0
	}
	count := 0
	for i, t := range tokens {
		if t.kind != tokOperator {
			continue
		}
		if t.text == "-" {
			if i == 0 {
				continue
			}
			prev := tokens[i-1]
			if prev.kind == tokOperator || prev.kind == tokLeftParen {
				continue
			}
		}
		count++
	}
	return count
}
