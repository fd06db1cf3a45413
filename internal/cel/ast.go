package cel

import "strings"

// The predicate language is a small CEL subset: boolean connectives,
// comparisons, `in`, dotted member access through nested maps, and the
// `contains` method. Predicates parse to a tagged AST shared by two
// backends: the interpreter (eval.go) and the SQL translator (sql.go).

// Op identifies a binary or unary operator
type Op string

const (
	OpAnd Op = "&&"
	OpOr  Op = "||"
	OpNot Op = "!"
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLe  Op = "<="
	OpGt  Op = ">"
	OpGe  Op = ">="
	OpIn  Op = "in"
)

// Node is one tagged AST node
type Node interface {
	node()
}

// BinaryNode is a binary operation: connective, comparison, or `in`
type BinaryNode struct {
	Op    Op
	Left  Node
	Right Node
}

// UnaryNode is logical negation
type UnaryNode struct {
	Op   Op
	Expr Node
}

// LiteralNode is a string, number, bool, or null constant
type LiteralNode struct {
	Value Value
}

// IdentNode is a dotted attribute path (e.g. labels.env)
type IdentNode struct {
	Path []string
}

// String returns the dotted form of the path.
func (n *IdentNode) String() string {
	return strings.Join(n.Path, ".")
}

// CallNode is a method-style call; only contains(...) is supported
type CallNode struct {
	Target Node
	Method string
	Args   []Node
}

// ListNode is a bracketed list literal, used as the right side of `in`
type ListNode struct {
	Elems []Node
}

func (*BinaryNode) node()  {}
func (*UnaryNode) node()   {}
func (*LiteralNode) node() {}
func (*IdentNode) node()   {}
func (*CallNode) node()    {}
func (*ListNode) node()    {}

// Kind tags the value union
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// Value is the typed value union the interpreter operates over
type Value struct {
	Kind Kind
	Str  string
	Num  float64
	Bool bool
	List []Value
	Map  map[string]Value
}

func stringValue(s string) Value  { return Value{Kind: KindString, Str: s} }
func numberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func boolValue(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func nullValue() Value            { return Value{Kind: KindNull} }

// Expr is a parsed predicate, reusable across backends
type Expr struct {
	Source string
	Root   Node
}
