package ledgertest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

func tokenize(expr string) []string {
	var (
		toks []string
		cur  strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, cur.String())
			cur.Reset()
		}
	}
	rs := []rune(expr)
	for i := 0; i < len(rs); i++ {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			flush()
		case r == '(' || r == ')' || r == ',' || r == '=' || r == '+' || r == '-':
			flush()
			toks = append(toks, string(r))
		case r == '<' || r == '>':
			flush()
			if i+1 < len(rs) && (rs[i+1] == '=' || (r == '<' && rs[i+1] == '>')) {
				toks = append(toks, string(r)+string(rs[i+1]))
				i++
			} else {
				toks = append(toks, string(r))
			}
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return toks
}

type parser struct {
	toks   []string
	pos    int
	item   map[string]types.AttributeValue
	names  map[string]string
	values map[string]types.AttributeValue
}

func newParser(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) *parser {
	return &parser{toks: tokenize(expr), item: item, names: names, values: values}
}

func (p *parser) peek() string {
	if p.pos < len(p.toks) {
		return p.toks[p.pos]
	}
	return ""
}

func (p *parser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) expect(tok string) error {
	if got := p.next(); got != tok {
		return fmt.Errorf("expected %q, got %q", tok, got)
	}
	return nil
}

func (p *parser) name(tok string) (string, error) {
	if strings.HasPrefix(tok, "#") {
		n, ok := p.names[tok]
		if !ok {
			return "", fmt.Errorf("undefined attribute name %s", tok)
		}
		return n, nil
	}
	if tok == "" || strings.HasPrefix(tok, ":") {
		return "", fmt.Errorf("expected attribute path, got %q", tok)
	}
	return tok, nil
}

// operand resolves a placeholder value or an attribute path. A missing attribute yields nil.
func (p *parser) operand(tok string) (types.AttributeValue, error) {
	if strings.HasPrefix(tok, ":") {
		v, ok := p.values[tok]
		if !ok {
			return nil, fmt.Errorf("undefined attribute value %s", tok)
		}
		return v, nil
	}
	n, err := p.name(tok)
	if err != nil {
		return nil, err
	}
	return p.item[n], nil
}

// check evaluates a condition expression against item. A nil expression is true.
func check(expr *string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	p := newParser(*expr, item, names, values)
	ok, err := p.or()
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", *expr, err)
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("condition %q: trailing tokens", *expr)
	}
	return ok, nil
}

func (p *parser) or() (bool, error) {
	v, err := p.and()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(p.peek(), "OR") {
		p.next()
		r, err := p.and()
		if err != nil {
			return false, err
		}
		v = v || r
	}
	return v, nil
}

func (p *parser) and() (bool, error) {
	v, err := p.unary()
	if err != nil {
		return false, err
	}
	for strings.EqualFold(p.peek(), "AND") {
		p.next()
		r, err := p.unary()
		if err != nil {
			return false, err
		}
		v = v && r
	}
	return v, nil
}

func (p *parser) unary() (bool, error) {
	switch tok := p.peek(); {
	case strings.EqualFold(tok, "NOT"):
		p.next()
		v, err := p.unary()
		return !v, err
	case tok == "(":
		p.next()
		v, err := p.or()
		if err != nil {
			return false, err
		}
		return v, p.expect(")")
	case tok == "attribute_exists" || tok == "attribute_not_exists":
		p.next()
		if err := p.expect("("); err != nil {
			return false, err
		}
		n, err := p.name(p.next())
		if err != nil {
			return false, err
		}
		if err := p.expect(")"); err != nil {
			return false, err
		}
		_, exists := p.item[n]
		return exists == (tok == "attribute_exists"), nil
	}
	return p.comparison()
}

func (p *parser) comparison() (bool, error) {
	left, err := p.operand(p.next())
	if err != nil {
		return false, err
	}
	op := p.next()
	right, err := p.operand(p.next())
	if err != nil {
		return false, err
	}
	if left == nil || right == nil {
		return false, nil
	}
	c, comparable := compare(left, right)
	switch op {
	case "=":
		return comparable && c == 0, nil
	case "<>":
		return !comparable || c != 0, nil
	case "<":
		return comparable && c < 0, nil
	case "<=":
		return comparable && c <= 0, nil
	case ">":
		return comparable && c > 0, nil
	case ">=":
		return comparable && c >= 0, nil
	}
	return false, fmt.Errorf("unsupported operator %q", op)
}

func isClause(tok string) bool {
	switch strings.ToUpper(tok) {
	case "SET", "REMOVE", "ADD", "DELETE":
		return true
	}
	return false
}

// applyUpdate mutates item according to SET and REMOVE clauses.
func applyUpdate(expr string, item map[string]types.AttributeValue, names map[string]string, values map[string]types.AttributeValue) error {
	// reads see the item as it was before the update
	p := newParser(expr, clone(item), names, values)
	for p.peek() != "" {
		clause := strings.ToUpper(p.next())
		switch clause {
		case "SET":
			for {
				n, err := p.name(p.next())
				if err != nil {
					return err
				}
				if err := p.expect("="); err != nil {
					return err
				}
				v, err := p.setValue()
				if err != nil {
					return err
				}
				item[n] = v
				if p.peek() != "," {
					break
				}
				p.next()
			}
		case "REMOVE":
			for {
				n, err := p.name(p.next())
				if err != nil {
					return err
				}
				delete(item, n)
				if p.peek() != "," {
					break
				}
				p.next()
			}
		default:
			return fmt.Errorf("unsupported update clause %q", clause)
		}
		if tok := p.peek(); tok != "" && !isClause(tok) {
			return fmt.Errorf("update %q: unexpected token %q", expr, tok)
		}
	}
	return nil
}

func (p *parser) setValue() (types.AttributeValue, error) {
	v, err := p.setOperand()
	if err != nil {
		return nil, err
	}
	if op := p.peek(); op == "+" || op == "-" {
		p.next()
		r, err := p.setOperand()
		if err != nil {
			return nil, err
		}
		return arith(v, r, op)
	}
	return v, nil
}

func (p *parser) setOperand() (types.AttributeValue, error) {
	tok := p.next()
	if tok != "if_not_exists" {
		v, err := p.operand(tok)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, fmt.Errorf("attribute %s does not exist", tok)
		}
		return v, nil
	}
	if err := p.expect("("); err != nil {
		return nil, err
	}
	current, err := p.operand(p.next())
	if err != nil {
		return nil, err
	}
	if err := p.expect(","); err != nil {
		return nil, err
	}
	fallback, err := p.operand(p.next())
	if err != nil {
		return nil, err
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	if current != nil {
		return current, nil
	}
	return fallback, nil
}

func arith(a, b types.AttributeValue, op string) (types.AttributeValue, error) {
	x, ok1 := a.(*types.AttributeValueMemberN)
	y, ok2 := b.(*types.AttributeValueMemberN)
	if !ok1 || !ok2 {
		return nil, errors.New("arithmetic on non-number")
	}
	fx, err := strconv.ParseFloat(x.Value, 64)
	if err != nil {
		return nil, err
	}
	fy, err := strconv.ParseFloat(y.Value, 64)
	if err != nil {
		return nil, err
	}
	if op == "-" {
		fy = -fy
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(fx+fy, 'f', -1, 64)}, nil
}
