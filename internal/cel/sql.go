package cel

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SQLTranslator compiles predicates into backend-native WHERE fragments for
// server-side filtering. It is a second backend over the same AST as the
// interpreter, so operator semantics (including the severity-ordinal
// rewrite) carry over 1:1. Translation is deterministic: the same predicate
// always yields the same fragment.
type SQLTranslator struct {
	severityRanks map[string]int
	jsonColumns   map[string]bool
}

// SQLOption configures a SQLTranslator
type SQLOption func(*SQLTranslator)

// WithSQLSeverityRanks installs the severity ordinal table for the rewrite.
func WithSQLSeverityRanks(ranks map[string]int) SQLOption {
	return func(t *SQLTranslator) {
		t.severityRanks = ranks
	}
}

// WithJSONColumns declares which top-level attributes are JSONB columns and
// must be addressed with JSON path operators.
func WithJSONColumns(cols ...string) SQLOption {
	return func(t *SQLTranslator) {
		t.jsonColumns = make(map[string]bool, len(cols))
		for _, c := range cols {
			t.jsonColumns[c] = true
		}
	}
}

// NewSQLTranslator creates a translator. By default "labels" and "payload"
// are treated as JSONB columns.
func NewSQLTranslator(opts ...SQLOption) *SQLTranslator {
	t := &SQLTranslator{
		jsonColumns: map[string]bool{"labels": true, "payload": true},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Translate parses a predicate and returns its WHERE fragment.
func (t *SQLTranslator) Translate(src string) (string, error) {
	expr, err := Parse(src)
	if err != nil {
		return "", err
	}
	return t.TranslateExpr(expr)
}

// TranslateExpr translates an already-parsed predicate.
func (t *SQLTranslator) TranslateExpr(expr *Expr) (string, error) {
	return t.translate(expr.Root)
}

func (t *SQLTranslator) translate(node Node) (string, error) {
	switch n := node.(type) {
	case *BinaryNode:
		return t.translateBinary(n)
	case *UnaryNode:
		inner, err := t.translate(n.Expr)
		if err != nil {
			return "", err
		}
		return "NOT (" + inner + ")", nil
	case *IdentNode:
		return t.column(n), nil
	case *LiteralNode:
		return t.literal(n.Value), nil
	case *CallNode:
		return t.translateContains(n)
	case *ListNode:
		return "", &ParseError{Msg: "bare list outside in expression"}
	}
	return "", &ParseError{Msg: "untranslatable node"}
}

var sqlOps = map[Op]string{
	OpEq: "=", OpNe: "<>",
	OpLt: "<", OpLe: "<=", OpGt: ">", OpGe: ">=",
}

func (t *SQLTranslator) translateBinary(n *BinaryNode) (string, error) {
	switch n.Op {
	case OpAnd, OpOr:
		left, err := t.translate(n.Left)
		if err != nil {
			return "", err
		}
		right, err := t.translate(n.Right)
		if err != nil {
			return "", err
		}
		word := "AND"
		if n.Op == OpOr {
			word = "OR"
		}
		return "(" + left + " " + word + " " + right + ")", nil

	case OpIn:
		left, err := t.translate(n.Left)
		if err != nil {
			return "", err
		}
		list, ok := n.Right.(*ListNode)
		if !ok {
			return "", &ParseError{Msg: "right side of in must be a list literal"}
		}
		elems := make([]string, 0, len(list.Elems))
		for _, el := range list.Elems {
			lit, ok := el.(*LiteralNode)
			if !ok {
				return "", &ParseError{Msg: "in list elements must be literals"}
			}
			elems = append(elems, t.literal(lit.Value))
		}
		return left + " IN (" + strings.Join(elems, ", ") + ")", nil
	}

	// Comparison. The severity rewrite replaces both sides with ordinal
	// expressions for ordering operators; equality stays on raw strings.
	ordering := n.Op == OpLt || n.Op == OpLe || n.Op == OpGt || n.Op == OpGe
	if ordering && t.severityRanks != nil && (identIsSeverity(n.Left) || identIsSeverity(n.Right)) {
		left, err := t.severityOperand(n.Left)
		if err != nil {
			return "", err
		}
		right, err := t.severityOperand(n.Right)
		if err != nil {
			return "", err
		}
		return left + " " + sqlOps[n.Op] + " " + right, nil
	}

	left, err := t.translate(n.Left)
	if err != nil {
		return "", err
	}

	// NULL comparisons use IS / IS NOT.
	if lit, ok := n.Right.(*LiteralNode); ok && lit.Value.Kind == KindNull {
		switch n.Op {
		case OpEq:
			return left + " IS NULL", nil
		case OpNe:
			return left + " IS NOT NULL", nil
		}
	}

	right, err := t.translate(n.Right)
	if err != nil {
		return "", err
	}
	op, ok := sqlOps[n.Op]
	if !ok {
		return "", &ParseError{Msg: string("untranslatable operator " + n.Op)}
	}
	return left + " " + op + " " + right, nil
}

// severityOperand renders one side of a severity-ordinal comparison:
// identifiers become a CASE ladder over the rank table, string literals
// become their rank.
func (t *SQLTranslator) severityOperand(n Node) (string, error) {
	switch x := n.(type) {
	case *IdentNode:
		return t.severityCase(t.column(x)), nil
	case *LiteralNode:
		if x.Value.Kind != KindString {
			return "", &ParseError{Msg: "severity compared to non-string literal"}
		}
		rank := t.severityRanks[strings.ToLower(x.Value.Str)]
		return strconv.Itoa(rank), nil
	}
	return "", &ParseError{Msg: "unsupported severity operand"}
}

// severityCase builds the CASE ladder in descending rank order so the
// fragment is stable across translations.
func (t *SQLTranslator) severityCase(column string) string {
	names := make([]string, 0, len(t.severityRanks))
	for name := range t.severityRanks {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if t.severityRanks[names[i]] != t.severityRanks[names[j]] {
			return t.severityRanks[names[i]] > t.severityRanks[names[j]]
		}
		return names[i] < names[j]
	})

	var sb strings.Builder
	sb.WriteString("(CASE ")
	sb.WriteString(column)
	for _, name := range names {
		fmt.Fprintf(&sb, " WHEN %s THEN %d", quoteSQL(name), t.severityRanks[name])
	}
	sb.WriteString(" ELSE 0 END)")
	return sb.String()
}

func (t *SQLTranslator) translateContains(n *CallNode) (string, error) {
	target, err := t.translate(n.Target)
	if err != nil {
		return "", err
	}
	lit, ok := n.Args[0].(*LiteralNode)
	if !ok || lit.Value.Kind != KindString {
		return "", &ParseError{Msg: "contains argument must be a string literal"}
	}
	pattern := "%" + escapeLike(lit.Value.Str) + "%"
	return target + " LIKE " + quoteSQL(pattern), nil
}

// column renders an attribute path: plain columns directly, JSONB columns
// through ->> / #>> operators.
func (t *SQLTranslator) column(n *IdentNode) string {
	if len(n.Path) == 1 {
		return n.Path[0]
	}
	if t.jsonColumns[n.Path[0]] {
		if len(n.Path) == 2 {
			return n.Path[0] + " ->> " + quoteSQL(n.Path[1])
		}
		return n.Path[0] + " #>> '{" + strings.Join(n.Path[1:], ",") + "}'"
	}
	return strings.Join(n.Path, "_")
}

func (t *SQLTranslator) literal(v Value) string {
	switch v.Kind {
	case KindString:
		return quoteSQL(v.Str)
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBool:
		if v.Bool {
			return "TRUE"
		}
		return "FALSE"
	case KindNull:
		return "NULL"
	}
	return "NULL"
}

func quoteSQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}
