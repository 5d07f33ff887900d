package expr

// The node tree mirrors the JSON value model of the inputs: every expression
// evaluates to nil, bool, float64, string, []any or map[string]any.
type node interface {
	nodeType() string
}

// literalNode holds a constant: nil, bool, float64 or string.
type literalNode struct {
	val any
}

// arrayNode is an array literal, e.g. ['a', 'b'].
type arrayNode struct {
	elems []node
}

// identNode resolves a top-level name from the evaluation record.
// Unknown names resolve to null rather than failing.
type identNode struct {
	name string
}

// memberNode is dotted access, e.g. page.url. Access on null or on a
// non-object yields null.
type memberNode struct {
	target node
	name   string
}

// indexNode is bracket access, e.g. parts[1] or headers['x-tier'].
type indexNode struct {
	target node
	index  node
}

// unaryNode is !x or -x.
type unaryNode struct {
	op      tokenKind
	pos     int
	operand node
}

// binaryNode is any infix operation, including 'in'.
type binaryNode struct {
	op       tokenKind
	pos      int
	lhs, rhs node
}

// callNode is a builtin function call, e.g. ts('2024-05-01') or now().
type callNode struct {
	fn   string
	pos  int
	args []node
}

// transformNode is a piped transform, e.g. user.email|split('@').
type transformNode struct {
	target node
	name   string
	pos    int
	args   []node
}

func (*literalNode) nodeType() string   { return "literal" }
func (*arrayNode) nodeType() string     { return "array" }
func (*identNode) nodeType() string     { return "ident" }
func (*memberNode) nodeType() string    { return "member" }
func (*indexNode) nodeType() string     { return "index" }
func (*unaryNode) nodeType() string     { return "unary" }
func (*binaryNode) nodeType() string    { return "binary" }
func (*callNode) nodeType() string      { return "call" }
func (*transformNode) nodeType() string { return "transform" }
