package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// SyntaxError reports a scan or parse failure with the byte offset of the
// offending token. The evaluation engine treats any rule whose expression
// fails to compile as not matching, so this error mostly surfaces as a
// definition-time warning on the management surface.
type SyntaxError struct {
	Pos int
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("syntax error at offset %d: %s", e.Pos, e.Msg)
}

func syntaxErrorf(pos int, format string, args ...any) *SyntaxError {
	return &SyntaxError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

var keywords = map[string]tokenKind{
	"true":  tokTrue,
	"false": tokFalse,
	"null":  tokNull,
	"in":    tokIn,
}

// scanner turns expression source into tokens. Expressions are single-line
// JSON-ish values, so the scanner tracks byte offsets only.
type scanner struct {
	src string
	off int
}

func (s *scanner) next() (token, error) {
	s.skipSpace()
	if s.off >= len(s.src) {
		return token{kind: tokEOF, pos: s.off}, nil
	}

	start := s.off
	c := s.src[s.off]

	switch {
	case c >= '0' && c <= '9':
		return s.scanNumber()
	case c == '\'' || c == '"':
		return s.scanString(c)
	case isIdentStart(c):
		return s.scanIdent()
	}

	// Operators, longest match first.
	two := ""
	if s.off+1 < len(s.src) {
		two = s.src[s.off : s.off+2]
	}
	switch two {
	case "==":
		s.off += 2
		return token{kind: tokEq, pos: start, text: two}, nil
	case "!=":
		s.off += 2
		return token{kind: tokNeq, pos: start, text: two}, nil
	case "<=":
		s.off += 2
		return token{kind: tokLte, pos: start, text: two}, nil
	case ">=":
		s.off += 2
		return token{kind: tokGte, pos: start, text: two}, nil
	case "&&":
		s.off += 2
		return token{kind: tokAnd, pos: start, text: two}, nil
	case "||":
		s.off += 2
		return token{kind: tokOr, pos: start, text: two}, nil
	}

	s.off++
	one := string(c)
	switch c {
	case '<':
		return token{kind: tokLt, pos: start, text: one}, nil
	case '>':
		return token{kind: tokGt, pos: start, text: one}, nil
	case '!':
		return token{kind: tokNot, pos: start, text: one}, nil
	case '+':
		return token{kind: tokPlus, pos: start, text: one}, nil
	case '-':
		return token{kind: tokMinus, pos: start, text: one}, nil
	case '*':
		return token{kind: tokStar, pos: start, text: one}, nil
	case '/':
		return token{kind: tokSlash, pos: start, text: one}, nil
	case '%':
		return token{kind: tokPercent, pos: start, text: one}, nil
	case '|':
		return token{kind: tokPipe, pos: start, text: one}, nil
	case '.':
		return token{kind: tokDot, pos: start, text: one}, nil
	case ',':
		return token{kind: tokComma, pos: start, text: one}, nil
	case '(':
		return token{kind: tokLParen, pos: start, text: one}, nil
	case ')':
		return token{kind: tokRParen, pos: start, text: one}, nil
	case '[':
		return token{kind: tokLBrack, pos: start, text: one}, nil
	case ']':
		return token{kind: tokRBrack, pos: start, text: one}, nil
	}

	return token{}, syntaxErrorf(start, "unexpected character %q", c)
}

func (s *scanner) skipSpace() {
	for s.off < len(s.src) {
		switch s.src[s.off] {
		case ' ', '\t', '\n', '\r':
			s.off++
		default:
			return
		}
	}
}

func (s *scanner) scanNumber() (token, error) {
	start := s.off
	seenDot := false
	for s.off < len(s.src) {
		c := s.src[s.off]
		if c == '.' && !seenDot {
			seenDot = true
			s.off++
			continue
		}
		if c < '0' || c > '9' {
			break
		}
		s.off++
	}

	text := s.src[start:s.off]
	n, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return token{}, syntaxErrorf(start, "malformed number %q", text)
	}
	return token{kind: tokNumber, pos: start, num: n, text: text}, nil
}

func (s *scanner) scanString(quote byte) (token, error) {
	start := s.off
	s.off++ // opening quote

	var b strings.Builder
	for s.off < len(s.src) {
		c := s.src[s.off]
		switch c {
		case quote:
			s.off++
			return token{kind: tokString, pos: start, text: b.String()}, nil
		case '\\':
			s.off++
			if s.off >= len(s.src) {
				return token{}, syntaxErrorf(start, "unterminated string")
			}
			switch esc := s.src[s.off]; esc {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case 'r':
				b.WriteByte('\r')
			case '\\', '\'', '"':
				b.WriteByte(esc)
			default:
				return token{}, syntaxErrorf(s.off, "unknown escape sequence \\%c", esc)
			}
			s.off++
		default:
			b.WriteByte(c)
			s.off++
		}
	}

	return token{}, syntaxErrorf(start, "unterminated string")
}

func (s *scanner) scanIdent() (token, error) {
	start := s.off
	for s.off < len(s.src) && isIdentPart(s.src[s.off]) {
		s.off++
	}

	text := s.src[start:s.off]
	if kind, ok := keywords[text]; ok {
		return token{kind: kind, pos: start, text: text}, nil
	}
	return token{kind: tokIdent, pos: start, text: text}, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
