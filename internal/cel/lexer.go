package cel

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokOp     // && || ! < <= > >= == !=
	tokIn     // keyword in
	tokLParen // (
	tokRParen // )
	tokLBrack // [
	tokRBrack // ]
	tokComma  // ,
	tokDot    // .
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && unicode.IsSpace(rune(l.src[l.pos])) {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch c {
	case '(':
		l.pos++
		return token{tokLParen, "(", start}, nil
	case ')':
		l.pos++
		return token{tokRParen, ")", start}, nil
	case '[':
		l.pos++
		return token{tokLBrack, "[", start}, nil
	case ']':
		l.pos++
		return token{tokRBrack, "]", start}, nil
	case ',':
		l.pos++
		return token{tokComma, ",", start}, nil
	case '.':
		l.pos++
		return token{tokDot, ".", start}, nil
	case '&', '|':
		if l.pos+1 < len(l.src) && l.src[l.pos+1] == c {
			l.pos += 2
			return token{tokOp, l.src[start:l.pos], start}, nil
		}
		return token{}, &ParseError{Pos: start, Msg: "unexpected " + string(c)}
	case '!', '<', '>', '=':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '=' {
			l.pos++
		} else if c == '=' {
			return token{}, &ParseError{Pos: start, Msg: "single = is not an operator"}
		}
		return token{tokOp, l.src[start:l.pos], start}, nil
	case '\'', '"':
		return l.lexString(c)
	}

	if c >= '0' && c <= '9' || c == '-' {
		return l.lexNumber()
	}
	if isIdentStart(c) {
		return l.lexIdent()
	}
	return token{}, &ParseError{Pos: start, Msg: "unexpected character " + string(c)}
}

func (l *lexer) lexString(quote byte) (token, error) {
	start := l.pos
	l.pos++
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			l.pos++
			sb.WriteByte(l.src[l.pos])
			l.pos++
			continue
		}
		if c == quote {
			l.pos++
			return token{tokString, sb.String(), start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, &ParseError{Pos: start, Msg: "unterminated string"}
}

func (l *lexer) lexNumber() (token, error) {
	start := l.pos
	if l.src[l.pos] == '-' {
		l.pos++
		if l.pos >= len(l.src) || l.src[l.pos] < '0' || l.src[l.pos] > '9' {
			return token{}, &ParseError{Pos: start, Msg: "dangling -"}
		}
	}
	for l.pos < len(l.src) && (l.src[l.pos] >= '0' && l.src[l.pos] <= '9' || l.src[l.pos] == '.') {
		l.pos++
	}
	return token{tokNumber, l.src[start:l.pos], start}, nil
}

func (l *lexer) lexIdent() (token, error) {
	start := l.pos
	for l.pos < len(l.src) && isIdentPart(l.src[l.pos]) {
		l.pos++
	}
	text := l.src[start:l.pos]
	if text == "in" {
		return token{tokIn, text, start}, nil
	}
	return token{tokIdent, text, start}, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || c >= '0' && c <= '9'
}
