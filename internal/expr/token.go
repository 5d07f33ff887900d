package expr

import "fmt"

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent

	// Keywords
	tokTrue
	tokFalse
	tokNull
	tokIn

	// Operators
	tokEq      // ==
	tokNeq     // !=
	tokLt      // <
	tokLte     // <=
	tokGt      // >
	tokGte     // >=
	tokAnd     // &&
	tokOr      // ||
	tokNot     // !
	tokPlus    // +
	tokMinus   // -
	tokStar    // *
	tokSlash   // /
	tokPercent // %
	tokPipe    // |
	tokDot     // .
	tokComma   // ,
	tokLParen  // (
	tokRParen  // )
	tokLBrack  // [
	tokRBrack  // ]
)

// token is one lexical unit of a rule expression. pos is the byte offset of
// the first character, used in syntax error messages.
type token struct {
	kind tokenKind
	pos  int
	text string  // identifier name or string literal value
	num  float64 // number literal value
}

func (t token) String() string {
	switch t.kind {
	case tokEOF:
		return "end of expression"
	case tokNumber:
		return fmt.Sprintf("number %v", t.num)
	case tokString:
		return fmt.Sprintf("string %q", t.text)
	case tokIdent:
		return fmt.Sprintf("identifier %q", t.text)
	default:
		return fmt.Sprintf("%q", t.text)
	}
}
