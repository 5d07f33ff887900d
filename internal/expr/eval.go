package expr

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RuntimeError reports a type error hit while evaluating a compiled
// expression, e.g. ordering a string against a number. The decision
// procedure contains it: a rule whose expression fails at runtime simply
// does not match.
type RuntimeError struct {
	Pos int
	Msg string
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error at offset %d: %s", e.Pos, e.Msg)
}

func runtimeErrorf(pos int, format string, args ...any) *RuntimeError {
	return &RuntimeError{Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

// Env is the evaluation context for one decision. Record holds the
// JSON-shaped request attributes (user, id, page, geo, request); Now is the
// frozen decision time returned by the now() builtin so every expression in
// one decision sees the same clock.
type Env struct {
	Record map[string]any
	Now    time.Time
}

// Eval runs the compiled expression against env and returns a JSON-shaped
// value: nil, bool, float64, string, []any or map[string]any.
func (p *Program) Eval(env Env) (any, error) {
	return eval(p.root, env)
}

// EvalTruthy evaluates the expression and coerces the result to a boolean.
func (p *Program) EvalTruthy(env Env) (bool, error) {
	v, err := eval(p.root, env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy coerces a JSON-shaped value to a boolean: false, null, 0, "" and
// the empty array are false, everything else is true.
func Truthy(v any) bool {
	switch v := v.(type) {
	case nil:
		return false
	case bool:
		return v
	case float64:
		return v != 0 && !math.IsNaN(v)
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	default:
		return true
	}
}

func eval(n node, env Env) (any, error) {
	switch n := n.(type) {
	case *literalNode:
		return n.val, nil

	case *arrayNode:
		elems := make([]any, len(n.elems))
		for i, e := range n.elems {
			v, err := eval(e, env)
			if err != nil {
				return nil, err
			}
			elems[i] = v
		}
		return elems, nil

	case *identNode:
		// Unknown names resolve to null so rules can probe optional inputs.
		return env.Record[n.name], nil

	case *memberNode:
		target, err := eval(n.target, env)
		if err != nil {
			return nil, err
		}
		if obj, ok := target.(map[string]any); ok {
			return obj[n.name], nil
		}
		return nil, nil

	case *indexNode:
		return evalIndex(n, env)

	case *unaryNode:
		return evalUnary(n, env)

	case *binaryNode:
		return evalBinary(n, env)

	case *callNode:
		return evalCall(n, env)

	case *transformNode:
		return evalTransform(n, env)
	}

	return nil, fmt.Errorf("unhandled node type %q", n.nodeType())
}

func evalIndex(n *indexNode, env Env) (any, error) {
	target, err := eval(n.target, env)
	if err != nil {
		return nil, err
	}
	index, err := eval(n.index, env)
	if err != nil {
		return nil, err
	}

	switch t := target.(type) {
	case []any:
		i, ok := index.(float64)
		if !ok || i != math.Trunc(i) {
			return nil, nil
		}
		if i < 0 || int(i) >= len(t) {
			return nil, nil
		}
		return t[int(i)], nil
	case map[string]any:
		key, ok := index.(string)
		if !ok {
			return nil, nil
		}
		return t[key], nil
	}

	return nil, nil
}

func evalUnary(n *unaryNode, env Env) (any, error) {
	v, err := eval(n.operand, env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokNot:
		return !Truthy(v), nil
	case tokMinus:
		f, ok := v.(float64)
		if !ok {
			return nil, runtimeErrorf(n.pos, "cannot negate %s", typeName(v))
		}
		return -f, nil
	}

	return nil, runtimeErrorf(n.pos, "unhandled unary operator")
}

func evalBinary(n *binaryNode, env Env) (any, error) {
	// Logical operators short-circuit and always yield a boolean.
	switch n.op {
	case tokAnd:
		lhs, err := eval(n.lhs, env)
		if err != nil {
			return nil, err
		}
		if !Truthy(lhs) {
			return false, nil
		}
		rhs, err := eval(n.rhs, env)
		if err != nil {
			return nil, err
		}
		return Truthy(rhs), nil

	case tokOr:
		lhs, err := eval(n.lhs, env)
		if err != nil {
			return nil, err
		}
		if Truthy(lhs) {
			return true, nil
		}
		rhs, err := eval(n.rhs, env)
		if err != nil {
			return nil, err
		}
		return Truthy(rhs), nil
	}

	lhs, err := eval(n.lhs, env)
	if err != nil {
		return nil, err
	}
	rhs, err := eval(n.rhs, env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokEq:
		return equals(lhs, rhs), nil
	case tokNeq:
		return !equals(lhs, rhs), nil
	case tokLt, tokLte, tokGt, tokGte:
		return evalOrdering(n.op, n.pos, lhs, rhs)
	case tokIn:
		return evalContains(n.pos, lhs, rhs)
	case tokPlus, tokMinus, tokStar, tokSlash, tokPercent:
		return evalArithmetic(n.op, n.pos, lhs, rhs)
	}

	return nil, runtimeErrorf(n.pos, "unhandled binary operator")
}

// equals implements ==. Values of different types are unequal rather than
// erroring, so flag rules can compare optional inputs without guards.
// Composite values (arrays, objects) never compare equal.
func equals(lhs, rhs any) bool {
	switch l := lhs.(type) {
	case nil:
		return rhs == nil
	case bool:
		r, ok := rhs.(bool)
		return ok && l == r
	case float64:
		r, ok := rhs.(float64)
		return ok && l == r
	case string:
		r, ok := rhs.(string)
		return ok && l == r
	default:
		return false
	}
}

func evalOrdering(op tokenKind, pos int, lhs, rhs any) (any, error) {
	if lf, ok := lhs.(float64); ok {
		rf, ok := rhs.(float64)
		if !ok {
			return nil, runtimeErrorf(pos, "cannot order number against %s", typeName(rhs))
		}
		switch op {
		case tokLt:
			return lf < rf, nil
		case tokLte:
			return lf <= rf, nil
		case tokGt:
			return lf > rf, nil
		case tokGte:
			return lf >= rf, nil
		}
	}

	if ls, ok := lhs.(string); ok {
		rs, ok := rhs.(string)
		if !ok {
			return nil, runtimeErrorf(pos, "cannot order string against %s", typeName(rhs))
		}
		switch op {
		case tokLt:
			return ls < rs, nil
		case tokLte:
			return ls <= rs, nil
		case tokGt:
			return ls > rs, nil
		case tokGte:
			return ls >= rs, nil
		}
	}

	return nil, runtimeErrorf(pos, "cannot order %s values", typeName(lhs))
}

// evalContains implements 'in': element of an array, substring of a string
// or key of an object.
func evalContains(pos int, lhs, rhs any) (any, error) {
	switch r := rhs.(type) {
	case []any:
		for _, elem := range r {
			if equals(lhs, elem) {
				return true, nil
			}
		}
		return false, nil
	case string:
		l, ok := lhs.(string)
		if !ok {
			return nil, runtimeErrorf(pos, "cannot search for %s in a string", typeName(lhs))
		}
		return strings.Contains(r, l), nil
	case map[string]any:
		l, ok := lhs.(string)
		if !ok {
			return nil, runtimeErrorf(pos, "cannot search for %s in an object", typeName(lhs))
		}
		_, found := r[l]
		return found, nil
	}

	return nil, runtimeErrorf(pos, "'in' needs an array, string or object, got %s", typeName(rhs))
}

func evalArithmetic(op tokenKind, pos int, lhs, rhs any) (any, error) {
	// '+' doubles as string concatenation.
	if op == tokPlus {
		if ls, ok := lhs.(string); ok {
			rs, ok := rhs.(string)
			if !ok {
				return nil, runtimeErrorf(pos, "cannot add string and %s", typeName(rhs))
			}
			return ls + rs, nil
		}
	}

	lf, lok := lhs.(float64)
	rf, rok := rhs.(float64)
	if !lok || !rok {
		return nil, runtimeErrorf(pos, "arithmetic needs numbers, got %s and %s", typeName(lhs), typeName(rhs))
	}

	switch op {
	case tokPlus:
		return lf + rf, nil
	case tokMinus:
		return lf - rf, nil
	case tokStar:
		return lf * rf, nil
	case tokSlash:
		if rf == 0 {
			return nil, runtimeErrorf(pos, "division by zero")
		}
		return lf / rf, nil
	case tokPercent:
		if rf == 0 {
			return nil, runtimeErrorf(pos, "division by zero")
		}
		return math.Mod(lf, rf), nil
	}

	return nil, runtimeErrorf(pos, "unhandled arithmetic operator")
}

// tsLayouts are the timestamp formats accepted by ts(), tried in order.
var tsLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTime parses the timestamp formats accepted by the ts() builtin:
// RFC 3339, a zoneless timestamp (taken as UTC) and a bare date. Rollout
// step start times use the same formats.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range tsLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp %q", s)
}

func evalCall(n *callNode, env Env) (any, error) {
	switch n.fn {
	case "now":
		return float64(env.Now.UnixMilli()), nil

	case "ts":
		arg, err := eval(n.args[0], env)
		if err != nil {
			return nil, err
		}
		s, ok := arg.(string)
		if !ok {
			return nil, runtimeErrorf(n.pos, "ts() needs a string, got %s", typeName(arg))
		}
		t, err := ParseTime(s)
		if err != nil {
			return nil, runtimeErrorf(n.pos, "ts() cannot parse %q", s)
		}
		return float64(t.UnixMilli()), nil
	}

	return nil, runtimeErrorf(n.pos, "unknown function %q", n.fn)
}

func evalTransform(n *transformNode, env Env) (any, error) {
	target, err := eval(n.target, env)
	if err != nil {
		return nil, err
	}
	s, ok := target.(string)
	if !ok {
		return nil, runtimeErrorf(n.pos, "transform %q needs a string, got %s", n.name, typeName(target))
	}

	switch n.name {
	case "lower":
		return strings.ToLower(s), nil
	case "upper":
		return strings.ToUpper(s), nil
	case "split":
		arg, err := eval(n.args[0], env)
		if err != nil {
			return nil, err
		}
		sep, ok := arg.(string)
		if !ok {
			return nil, runtimeErrorf(n.pos, "split() separator must be a string, got %s", typeName(arg))
		}
		parts := strings.Split(s, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	}

	return nil, runtimeErrorf(n.pos, "unknown transform %q", n.name)
}

// typeName names a value's type the way rule authors see them.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
