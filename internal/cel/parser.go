package cel

import "strconv"

// Parse compiles a predicate into its AST. Both backends share this one
// parse step, so a rule validated at creation time can never fail to parse
// at evaluation or translation time.
func Parse(src string) (*Expr, error) {
	p := &parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, &ParseError{Pos: p.cur.pos, Msg: "unexpected trailing input " + p.cur.text}
	}
	return &Expr{Source: src, Root: root}, nil
}

type parser struct {
	lex lexer
	cur token
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOp && p.cur.text == "||" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: OpOr, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOp && p.cur.text == "&&" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &BinaryNode{Op: OpAnd, Left: left, Right: right}
	}
	return left, nil
}

var comparisonOps = map[string]Op{
	"==": OpEq, "!=": OpNe,
	"<": OpLt, "<=": OpLe, ">": OpGt, ">=": OpGe,
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	if p.cur.kind == tokOp {
		if op, ok := comparisonOps[p.cur.text]; ok {
			if err := p.advance(); err != nil {
				return nil, err
			}
			right, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return &BinaryNode{Op: op, Left: left, Right: right}, nil
		}
	}
	if p.cur.kind == tokIn {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &BinaryNode{Op: OpIn, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	if p.cur.kind == tokOp && p.cur.text == "!" {
		if err := p.advance(); err != nil {
			return nil, err
		}
		expr, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryNode{Op: OpNot, Expr: expr}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Node, error) {
	switch p.cur.kind {
	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, &ParseError{Pos: p.cur.pos, Msg: "expected )"}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.parsePostfix(inner)

	case tokLBrack:
		return p.parseList()

	case tokString:
		lit := &LiteralNode{Value: stringValue(p.cur.text)}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.parsePostfix(lit)

	case tokNumber:
		n, err := strconv.ParseFloat(p.cur.text, 64)
		if err != nil {
			return nil, &ParseError{Pos: p.cur.pos, Msg: "bad number " + p.cur.text}
		}
		lit := &LiteralNode{Value: numberValue(n)}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return lit, nil

	case tokIdent:
		switch p.cur.text {
		case "true", "false":
			lit := &LiteralNode{Value: boolValue(p.cur.text == "true")}
			if err := p.advance(); err != nil {
				return nil, err
			}
			return lit, nil
		case "null":
			if err := p.advance(); err != nil {
				return nil, err
			}
			return &LiteralNode{Value: nullValue()}, nil
		}
		ident := &IdentNode{Path: []string{p.cur.text}}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return p.parsePostfix(ident)
	}
	return nil, &ParseError{Pos: p.cur.pos, Msg: "unexpected token " + p.cur.text}
}

// parsePostfix handles dotted member access and the contains(...) method.
func (p *parser) parsePostfix(target Node) (Node, error) {
	for p.cur.kind == tokDot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokIdent {
			return nil, &ParseError{Pos: p.cur.pos, Msg: "expected identifier after ."}
		}
		member := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}

		if p.cur.kind == tokLParen {
			if member != "contains" {
				return nil, &ParseError{Pos: p.cur.pos, Msg: "unsupported method " + member}
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			if p.cur.kind != tokRParen {
				return nil, &ParseError{Pos: p.cur.pos, Msg: "expected ) after contains argument"}
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			target = &CallNode{Target: target, Method: member, Args: []Node{arg}}
			continue
		}

		// Plain member access; extend the path when the target is an
		// identifier, otherwise it is a structural error.
		ident, ok := target.(*IdentNode)
		if !ok {
			return nil, &ParseError{Pos: p.cur.pos, Msg: "member access on non-identifier"}
		}
		ident.Path = append(ident.Path, member)
	}
	return target, nil
}

func (p *parser) parseList() (Node, error) {
	// Consume [
	if err := p.advance(); err != nil {
		return nil, err
	}
	list := &ListNode{}
	if p.cur.kind == tokRBrack {
		if err := p.advance(); err != nil {
			return nil, err
		}
		return list, nil
	}
	for {
		elem, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		list.Elems = append(list.Elems, elem)
		if p.cur.kind == tokComma {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if p.cur.kind == tokRBrack {
			if err := p.advance(); err != nil {
				return nil, err
			}
			return list, nil
		}
		return nil, &ParseError{Pos: p.cur.pos, Msg: "expected , or ] in list"}
	}
}
