package cel

import (
	"strings"
	"time"
)

// Env evaluates parsed predicates against attribute-accessible records.
type Env struct {
	severityRanks map[string]int
}

// Option configures an Env
type Option func(*Env)

// WithSeverityRanks installs the severity ordinal table. Comparisons
// against the severity attribute then compare by rank, never by raw string.
func WithSeverityRanks(ranks map[string]int) Option {
	return func(e *Env) {
		e.severityRanks = ranks
	}
}

// NewEnv creates an evaluator environment
func NewEnv(opts ...Option) *Env {
	e := &Env{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Matches parses and evaluates a predicate against a record in one step.
func (e *Env) Matches(src string, record map[string]interface{}) (bool, error) {
	expr, err := Parse(src)
	if err != nil {
		return false, err
	}
	return e.Evaluate(expr, record)
}

// Evaluate runs a parsed predicate against a record and returns its boolean
// result.
func (e *Env) Evaluate(expr *Expr, record map[string]interface{}) (bool, error) {
	v, err := e.eval(expr.Root, record)
	if err != nil {
		return false, err
	}
	if v.Kind != KindBool {
		return false, evalErrorf("predicate result is not a boolean")
	}
	return v.Bool, nil
}

func (e *Env) eval(node Node, record map[string]interface{}) (Value, error) {
	switch n := node.(type) {
	case *LiteralNode:
		return n.Value, nil

	case *IdentNode:
		return e.resolve(n, record)

	case *ListNode:
		elems := make([]Value, 0, len(n.Elems))
		for _, el := range n.Elems {
			v, err := e.eval(el, record)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, v)
		}
		return Value{Kind: KindList, List: elems}, nil

	case *UnaryNode:
		v, err := e.eval(n.Expr, record)
		if err != nil {
			return Value{}, err
		}
		if v.Kind != KindBool {
			return Value{}, evalErrorf("! applied to non-boolean")
		}
		return boolValue(!v.Bool), nil

	case *CallNode:
		return e.evalContains(n, record)

	case *BinaryNode:
		return e.evalBinary(n, record)
	}
	return Value{}, evalErrorf("unknown node type")
}

func (e *Env) resolve(n *IdentNode, record map[string]interface{}) (Value, error) {
	var current interface{} = record
	for _, part := range n.Path {
		m, ok := current.(map[string]interface{})
		if !ok {
			return Value{}, evalErrorf("cannot access %q in %s: not a map", part, n.String())
		}
		next, found := m[part]
		if !found {
			return Value{}, evalErrorf("unknown identifier %s", n.String())
		}
		current = next
	}
	return toValue(current)
}

func toValue(v interface{}) (Value, error) {
	switch x := v.(type) {
	case nil:
		return nullValue(), nil
	case string:
		return stringValue(x), nil
	case bool:
		return boolValue(x), nil
	case int:
		return numberValue(float64(x)), nil
	case int32:
		return numberValue(float64(x)), nil
	case int64:
		return numberValue(float64(x)), nil
	case float32:
		return numberValue(float64(x)), nil
	case float64:
		return numberValue(x), nil
	case time.Time:
		return stringValue(x.UTC().Format(time.RFC3339)), nil
	case []interface{}:
		elems := make([]Value, 0, len(x))
		for _, el := range x {
			ev, err := toValue(el)
			if err != nil {
				return Value{}, err
			}
			elems = append(elems, ev)
		}
		return Value{Kind: KindList, List: elems}, nil
	case []string:
		elems := make([]Value, 0, len(x))
		for _, el := range x {
			elems = append(elems, stringValue(el))
		}
		return Value{Kind: KindList, List: elems}, nil
	case map[string]interface{}:
		m := make(map[string]Value, len(x))
		for k, el := range x {
			ev, err := toValue(el)
			if err != nil {
				return Value{}, err
			}
			m[k] = ev
		}
		return Value{Kind: KindMap, Map: m}, nil
	}
	return Value{}, evalErrorf("unsupported value type %T", v)
}

func (e *Env) evalContains(n *CallNode, record map[string]interface{}) (Value, error) {
	target, err := e.eval(n.Target, record)
	if err != nil {
		return Value{}, err
	}
	arg, err := e.eval(n.Args[0], record)
	if err != nil {
		return Value{}, err
	}

	switch target.Kind {
	case KindString:
		if arg.Kind != KindString {
			return Value{}, evalErrorf("contains argument must be a string")
		}
		return boolValue(strings.Contains(target.Str, arg.Str)), nil
	case KindList:
		for _, el := range target.List {
			if valuesEqual(el, arg) {
				return boolValue(true), nil
			}
		}
		return boolValue(false), nil
	}
	return Value{}, evalErrorf("contains on unsupported type")
}

func (e *Env) evalBinary(n *BinaryNode, record map[string]interface{}) (Value, error) {
	switch n.Op {
	case OpAnd, OpOr:
		left, err := e.eval(n.Left, record)
		if err != nil {
			return Value{}, err
		}
		if left.Kind != KindBool {
			return Value{}, evalErrorf("%s applied to non-boolean", n.Op)
		}
		// Short-circuit
		if n.Op == OpAnd && !left.Bool {
			return boolValue(false), nil
		}
		if n.Op == OpOr && left.Bool {
			return boolValue(true), nil
		}
		right, err := e.eval(n.Right, record)
		if err != nil {
			return Value{}, err
		}
		if right.Kind != KindBool {
			return Value{}, evalErrorf("%s applied to non-boolean", n.Op)
		}
		return boolValue(right.Bool), nil
	}

	left, err := e.eval(n.Left, record)
	if err != nil {
		return Value{}, err
	}
	right, err := e.eval(n.Right, record)
	if err != nil {
		return Value{}, err
	}

	switch n.Op {
	case OpEq:
		return boolValue(valuesEqual(left, right)), nil
	case OpNe:
		return boolValue(!valuesEqual(left, right)), nil
	case OpIn:
		if right.Kind != KindList {
			return Value{}, evalErrorf("right side of in is not a list")
		}
		for _, el := range right.List {
			if valuesEqual(left, el) {
				return boolValue(true), nil
			}
		}
		return boolValue(false), nil
	case OpLt, OpLe, OpGt, OpGe:
		cmp, err := e.compare(n, left, right)
		if err != nil {
			return Value{}, err
		}
		switch n.Op {
		case OpLt:
			return boolValue(cmp < 0), nil
		case OpLe:
			return boolValue(cmp <= 0), nil
		case OpGt:
			return boolValue(cmp > 0), nil
		default:
			return boolValue(cmp >= 0), nil
		}
	}
	return Value{}, evalErrorf("unsupported operator %s", n.Op)
}

// compare returns -1, 0 or 1. Comparisons touching the severity attribute
// use ordinal ranks; plain strings compare lexicographically; numbers
// numerically. Mixed types are an evaluation error.
func (e *Env) compare(n *BinaryNode, left, right Value) (int, error) {
	if e.severityRanks != nil && (identIsSeverity(n.Left) || identIsSeverity(n.Right)) {
		if left.Kind != KindString || right.Kind != KindString {
			return 0, evalErrorf("severity comparison requires string operands")
		}
		lr := e.severityRanks[strings.ToLower(left.Str)]
		rr := e.severityRanks[strings.ToLower(right.Str)]
		return compareInt(lr, rr), nil
	}

	if left.Kind == KindNumber && right.Kind == KindNumber {
		switch {
		case left.Num < right.Num:
			return -1, nil
		case left.Num > right.Num:
			return 1, nil
		}
		return 0, nil
	}
	if left.Kind == KindString && right.Kind == KindString {
		return strings.Compare(left.Str, right.Str), nil
	}
	return 0, evalErrorf("cannot order values of mismatched types")
}

// identIsSeverity reports whether a node resolves the distinguished
// severity attribute.
func identIsSeverity(n Node) bool {
	ident, ok := n.(*IdentNode)
	if !ok {
		return false
	}
	return ident.Path[len(ident.Path)-1] == "severity"
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func valuesEqual(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNull:
		return true
	case KindString:
		return a.Str == b.Str
	case KindNumber:
		return a.Num == b.Num
	case KindBool:
		return a.Bool == b.Bool
	case KindList:
		if len(a.List) != len(b.List) {
			return false
		}
		for i := range a.List {
			if !valuesEqual(a.List[i], b.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}
