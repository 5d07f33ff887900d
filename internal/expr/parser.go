package expr

// maxSourceLen caps rule expression size. Rules come from the management API
// and are evaluated on every decision, so oversized sources are rejected at
// compile time instead of being carried around.
const maxSourceLen = 4096

// builtins resolvable at compile time, mapped to their arity. The language is
// closed: an unknown name or a wrong argument count is a definition error the
// author should see when the flag is saved, not at evaluation time.
var (
	functions  = map[string]int{"ts": 1, "now": 0}
	transforms = map[string]int{"split": 1, "lower": 0, "upper": 0}
)

// Infix binding powers, loosest first. Postfix operations (member access,
// indexing, piped transforms) bind tighter than any of these.
const (
	bpOr = iota + 1
	bpAnd
	bpEquality
	bpComparison
	bpAdditive
	bpMultiplicative
)

func infixBindingPower(kind tokenKind) int {
	switch kind {
	case tokOr:
		return bpOr
	case tokAnd:
		return bpAnd
	case tokEq, tokNeq:
		return bpEquality
	case tokLt, tokLte, tokGt, tokGte, tokIn:
		return bpComparison
	case tokPlus, tokMinus:
		return bpAdditive
	case tokStar, tokSlash, tokPercent:
		return bpMultiplicative
	default:
		return 0
	}
}

// Program is a compiled rule expression, safe for concurrent evaluation.
type Program struct {
	src  string
	root node
}

// Source returns the original expression text.
func (p *Program) Source() string {
	return p.src
}

// Compile parses src into an evaluable Program.
func Compile(src string) (*Program, error) {
	if len(src) > maxSourceLen {
		return nil, syntaxErrorf(0, "expression exceeds %d bytes", maxSourceLen)
	}

	p := &parser{sc: scanner{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}

	root, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}

	if p.tok.kind != tokEOF {
		return nil, syntaxErrorf(p.tok.pos, "unexpected %s", p.tok)
	}

	return &Program{src: src, root: root}, nil
}

type parser struct {
	sc  scanner
	tok token
}

func (p *parser) advance() error {
	tok, err := p.sc.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) expect(kind tokenKind, what string) error {
	if p.tok.kind != kind {
		return syntaxErrorf(p.tok.pos, "expected %s, found %s", what, p.tok)
	}
	return p.advance()
}

// parseExpr implements precedence climbing over the infix operators.
// All infix operators are left-associative.
func (p *parser) parseExpr(minBP int) (node, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		bp := infixBindingPower(p.tok.kind)
		if bp == 0 || bp < minBP {
			return lhs, nil
		}

		op := p.tok
		if err := p.advance(); err != nil {
			return nil, err
		}

		rhs, err := p.parseExpr(bp + 1)
		if err != nil {
			return nil, err
		}

		lhs = &binaryNode{op: op.kind, pos: op.pos, lhs: lhs, rhs: rhs}
	}
}

func (p *parser) parseUnary() (node, error) {
	switch p.tok.kind {
	case tokNot, tokMinus:
		op := p.tok
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op.kind, pos: op.pos, operand: operand}, nil
	}

	primary, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return p.parsePostfix(primary)
}

// parsePostfix chains member access, indexing and piped transforms onto a
// primary expression, left to right.
func (p *parser) parsePostfix(target node) (node, error) {
	for {
		switch p.tok.kind {
		case tokDot:
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tokIdent {
				return nil, syntaxErrorf(p.tok.pos, "expected member name, found %s", p.tok)
			}
			target = &memberNode{target: target, name: p.tok.text}
			if err := p.advance(); err != nil {
				return nil, err
			}

		case tokLBrack:
			if err := p.advance(); err != nil {
				return nil, err
			}
			index, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokRBrack, "']'"); err != nil {
				return nil, err
			}
			target = &indexNode{target: target, index: index}

		case tokPipe:
			if err := p.advance(); err != nil {
				return nil, err
			}
			name := p.tok
			if name.kind != tokIdent {
				return nil, syntaxErrorf(name.pos, "expected transform name, found %s", p.tok)
			}
			arity, ok := transforms[name.text]
			if !ok {
				return nil, syntaxErrorf(name.pos, "unknown transform %q", name.text)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			if len(args) != arity {
				return nil, syntaxErrorf(name.pos, "transform %q takes %d argument(s), got %d", name.text, arity, len(args))
			}
			target = &transformNode{target: target, name: name.text, pos: name.pos, args: args}

		default:
			return target, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.tok

	switch tok.kind {
	case tokNumber:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{val: tok.num}, nil

	case tokString:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{val: tok.text}, nil

	case tokTrue:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{val: true}, nil

	case tokFalse:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{val: false}, nil

	case tokNull:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalNode{val: nil}, nil

	case tokIdent:
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.tok.kind != tokLParen {
			return &identNode{name: tok.text}, nil
		}
		arity, ok := functions[tok.text]
		if !ok {
			return nil, syntaxErrorf(tok.pos, "unknown function %q", tok.text)
		}
		args, err := p.parseArgs()
		if err != nil {
			return nil, err
		}
		if len(args) != arity {
			return nil, syntaxErrorf(tok.pos, "function %q takes %d argument(s), got %d", tok.text, arity, len(args))
		}
		return &callNode{fn: tok.text, pos: tok.pos, args: args}, nil

	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil

	case tokLBrack:
		if err := p.advance(); err != nil {
			return nil, err
		}
		var elems []node
		for p.tok.kind != tokRBrack {
			elem, err := p.parseExpr(0)
			if err != nil {
				return nil, err
			}
			elems = append(elems, elem)
			if p.tok.kind != tokComma {
				break
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		if err := p.expect(tokRBrack, "']'"); err != nil {
			return nil, err
		}
		return &arrayNode{elems: elems}, nil
	}

	return nil, syntaxErrorf(tok.pos, "unexpected %s", tok)
}

// parseArgs consumes a parenthesized, comma-separated argument list.
// The opening paren is the current token.
func (p *parser) parseArgs() ([]node, error) {
	if err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}

	var args []node
	for p.tok.kind != tokRParen {
		arg, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.tok.kind != tokComma {
			break
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}

	if err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return args, nil
}
