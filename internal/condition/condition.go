// Package condition evaluates the boolean expressions attached to condition
// steps.
//
// Expressions are JSON trees. Scalars and arrays are literals, and an object
// with a single key is an operator:
//
//	{"var": "document.amount"}
//	{"exists": "document.owner"}
//	{"gt": [{"var": "document.amount"}, 1000]}
//	{"and": [{"eq": [{"var": "document.type"}, "invoice"]}, {"not": {"var": "flagged"}}]}
//	{"literal": {"any": "json"}}
//
// Comparisons are eq, ne, gt, gte, lt, lte, contains and in. Boolean
// combinators are and, or and not. A Condition is parsed once and is safe for
// concurrent use.
package condition

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrMissingVariable is returned when a referenced variable is absent.
	ErrMissingVariable = stderrors.New("missing variable")
	// ErrTypeMismatch is returned when operands have incompatible types.
	ErrTypeMismatch = stderrors.New("type mismatch")
	// ErrSyntax is returned by Parse for malformed expressions.
	ErrSyntax = stderrors.New("invalid expression")
)

// Condition is a parsed expression.
type Condition struct {
	root node
}

// Parse builds a Condition from its JSON form.
func Parse(raw json.RawMessage) (*Condition, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSyntax, err)
	}
	root, err := build(tree)
	if err != nil {
		return nil, err
	}
	return &Condition{root: root}, nil
}

// MustParse is Parse for expressions known to be valid. It panics otherwise.
func MustParse(expr string) *Condition {
	c, err := Parse(json.RawMessage(expr))
	if err != nil {
		panic(err)
	}
	return c
}

// Evaluate runs the expression against vars. It has no side effects.
func (c *Condition) Evaluate(vars map[string]any) (bool, error) {
	v, err := c.root.eval(vars)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression yields %s, want bool", ErrTypeMismatch, kindOf(v))
	}
	return b, nil
}

// Lookup resolves a dotted path ("document.owner.id") in a nested map.
func Lookup(vars map[string]any, path string) (any, bool) {
	var cur any = vars
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ── tree ─────────────────────────────────────────────────────────────────────

type node interface {
	eval(vars map[string]any) (any, error)
}

type literal struct{ value any }

func (n literal) eval(map[string]any) (any, error) { return n.value, nil }

type list []node

func (n list) eval(vars map[string]any) (any, error) {
	out := make([]any, len(n))
	for i, item := range n {
		v, err := item.eval(vars)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type variable struct{ path string }

func (n variable) eval(vars map[string]any) (any, error) {
	v, ok := Lookup(vars, n.path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingVariable, n.path)
	}
	return v, nil
}

type exists struct{ path string }

func (n exists) eval(vars map[string]any) (any, error) {
	_, ok := Lookup(vars, n.path)
	return ok, nil
}

type comparison struct {
	op          string
	left, right node
}

func (n comparison) eval(vars map[string]any) (any, error) {
	l, err := n.left.eval(vars)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(vars)
	if err != nil {
		return nil, err
	}
	return compare(n.op, l, r)
}

type combinator struct {
	op       string // "and" or "or"
	operands []node
}

func (n combinator) eval(vars map[string]any) (any, error) {
	short := n.op == "or"
	for _, operand := range n.operands {
		v, err := operand.eval(vars)
		if err != nil {
			return nil, err
		}
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s operand is %s", ErrTypeMismatch, n.op, kindOf(v))
		}
		if b == short {
			return short, nil
		}
	}
	return !short, nil
}

type negation struct{ operand node }

func (n negation) eval(vars map[string]any) (any, error) {
	v, err := n.operand.eval(vars)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: not operand is %s", ErrTypeMismatch, kindOf(v))
	}
	return !b, nil
}

// ── parsing ──────────────────────────────────────────────────────────────────

var comparisonOps = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true, "lt": true, "lte": true,
	"contains": true, "in": true,
}

func build(tree any) (node, error) {
	switch t := tree.(type) {
	case nil, bool, float64, string:
		return literal{t}, nil
	case []any:
		items := make(list, len(t))
		for i, item := range t {
			n, err := build(item)
			if err != nil {
				return nil, err
			}
			items[i] = n
		}
		return items, nil
	case map[string]any:
		return buildOperator(t)
	default:
		return nil, fmt.Errorf("%w: unexpected %T", ErrSyntax, tree)
	}
}

func buildOperator(obj map[string]any) (node, error) {
	if len(obj) != 1 {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%w: operator object must have exactly one key, got %v", ErrSyntax, keys)
	}

	var (
		op  string
		arg any
	)
	for k, v := range obj {
		op, arg = k, v
	}

	switch {
	case op == "literal":
		return literal{arg}, nil
	case op == "var" || op == "exists":
		path, ok := arg.(string)
		if !ok || path == "" {
			return nil, fmt.Errorf("%w: %s needs a non-empty path string", ErrSyntax, op)
		}
		if op == "var" {
			return variable{path}, nil
		}
		return exists{path}, nil
	case comparisonOps[op]:
		args, ok := arg.([]any)
		if !ok || len(args) != 2 {
			return nil, fmt.Errorf("%w: %s needs exactly two operands", ErrSyntax, op)
		}
		left, err := build(args[0])
		if err != nil {
			return nil, err
		}
		right, err := build(args[1])
		if err != nil {
			return nil, err
		}
		return comparison{op: op, left: left, right: right}, nil
	case op == "and" || op == "or":
		args, ok := arg.([]any)
		if !ok || len(args) == 0 {
			return nil, fmt.Errorf("%w: %s needs at least one operand", ErrSyntax, op)
		}
		operands := make([]node, len(args))
		for i, a := range args {
			n, err := build(a)
			if err != nil {
				return nil, err
			}
			operands[i] = n
		}
		return combinator{op: op, operands: operands}, nil
	case op == "not":
		if args, ok := arg.([]any); ok {
			if len(args) != 1 {
				return nil, fmt.Errorf("%w: not needs exactly one operand", ErrSyntax)
			}
			arg = args[0]
		}
		operand, err := build(arg)
		if err != nil {
			return nil, err
		}
		return negation{operand}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operator %q", ErrSyntax, op)
	}
}

// ── comparison semantics ─────────────────────────────────────────────────────

func compare(op string, l, r any) (bool, error) {
	switch op {
	case "eq", "ne":
		eq, err := equal(l, r)
		if err != nil {
			return false, err
		}
		return eq == (op == "eq"), nil
	case "gt", "gte", "lt", "lte":
		c, err := order(l, r)
		if err != nil {
			return false, err
		}
		switch op {
		case "gt":
			return c > 0, nil
		case "gte":
			return c >= 0, nil
		case "lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "contains":
		return contains(l, r)
	case "in":
		return contains(r, l)
	}
	return false, fmt.Errorf("%w: unknown operator %q", ErrSyntax, op)
}

func equal(l, r any) (bool, error) {
	if l == nil || r == nil {
		return l == nil && r == nil, nil
	}
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		if !ok {
			return false, mismatch("eq", l, r)
		}
		return lf == rf, nil
	}
	switch lv := l.(type) {
	case string:
		rv, ok := r.(string)
		if !ok {
			return false, mismatch("eq", l, r)
		}
		return lv == rv, nil
	case bool:
		rv, ok := r.(bool)
		if !ok {
			return false, mismatch("eq", l, r)
		}
		return lv == rv, nil
	}
	return false, mismatch("eq", l, r)
}

func order(l, r any) (int, error) {
	if lf, ok := toFloat(l); ok {
		rf, ok := toFloat(r)
		if !ok {
			return 0, mismatch("compare", l, r)
		}
		switch {
		case lf < rf:
			return -1, nil
		case lf > rf:
			return 1, nil
		}
		return 0, nil
	}
	if ls, ok := l.(string); ok {
		rs, ok := r.(string)
		if !ok {
			return 0, mismatch("compare", l, r)
		}
		return strings.Compare(ls, rs), nil
	}
	return 0, mismatch("compare", l, r)
}

func contains(haystack, needle any) (bool, error) {
	switch h := haystack.(type) {
	case string:
		n, ok := needle.(string)
		if !ok {
			return false, mismatch("contains", haystack, needle)
		}
		return strings.Contains(h, n), nil
	case []any:
		for _, item := range h {
			eq, err := equal(item, needle)
			if err != nil {
				continue
			}
			if eq {
				return true, nil
			}
		}
		return false, nil
	case []string:
		n, ok := needle.(string)
		if !ok {
			return false, mismatch("contains", haystack, needle)
		}
		for _, item := range h {
			if item == n {
				return true, nil
			}
		}
		return false, nil
	}
	return false, mismatch("contains", haystack, needle)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func mismatch(op string, l, r any) error {
	return fmt.Errorf("%w: cannot %s %s and %s", ErrTypeMismatch, op, kindOf(l), kindOf(r))
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case []any, []string:
		return "list"
	case map[string]any:
		return "object"
	}
	if _, ok := toFloat(v); ok {
		return "number"
	}
	return fmt.Sprintf("%T", v)
}
