package constraint

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type ValueKind int

const (
	KindInt ValueKind = iota
	KindBool
	KindString
)

func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	default:
		return "int"
	}
}

// Value is a concrete solver value
type Value struct {
	Kind ValueKind
	Int  int64
	Bool bool
	Str  string
}

func IntValue(v int64) Value     { return Value{Kind: KindInt, Int: v} }
func BoolValue(v bool) Value     { return Value{Kind: KindBool, Bool: v} }
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// Interface returns the value as a plain Go value for JSON encoding
func (v Value) Interface() any {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindString:
		return v.Str
	default:
		return v.Int
	}
}

func (v Value) truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindString:
		return v.Str != ""
	default:
		return v.Int != 0
	}
}

func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindString:
		return strconv.Quote(v.Str)
	default:
		return strconv.FormatInt(v.Int, 10)
	}
}

// Expr is a node of a parsed branch condition
type Expr interface {
	String() string
}

type Var struct{ Name string }

type Lit struct{ Value Value }

// Opaque stands for a construct the solver does not model, such as a call, an index
// expression or a bitwise operator
type Opaque struct{ Text string }

type Unary struct {
	Op string // "!" or "-"
	X  Expr
}

type Binary struct {
	Op   string
	L, R Expr
}

func (e Var) String() string    { return e.Name }
func (e Lit) String() string    { return e.Value.String() }
func (e Opaque) String() string { return "?{" + e.Text + "}" }
func (e Unary) String() string  { return e.Op + e.X.String() }
func (e Binary) String() string { return "(" + e.L.String() + " " + e.Op + " " + e.R.String() + ")" }

var (
	errOpaque      = errors.New("opaque expression")
	errType        = errors.New("type mismatch")
	errDivByZero   = errors.New("division by zero")
	errUnboundVar  = errors.New("unbound variable")
	errUnsupported = errors.New("unsupported operator")
)

// Eval evaluates an expression under an assignment. Opaque leaves do not evaluate.
func Eval(e Expr, env map[string]Value) (Value, error) {
	switch e := e.(type) {
	case Var:
		v, ok := env[e.Name]
		if !ok {
			return Value{}, fmt.Errorf("%w: %s", errUnboundVar, e.Name)
		}
		return v, nil
	case Lit:
		return e.Value, nil
	case Opaque:
		return Value{}, errOpaque
	case Unary:
		x, err := Eval(e.X, env)
		if err != nil {
			return Value{}, err
		}
		switch e.Op {
		case "!":
			return BoolValue(!x.truthy()), nil
		case "-":
			if x.Kind != KindInt {
				return Value{}, errType
			}
			return IntValue(-x.Int), nil
		}
		return Value{}, errUnsupported
	case Binary:
		return evalBinary(e, env)
	}
	return Value{}, errUnsupported
}

func evalBinary(e Binary, env map[string]Value) (Value, error) {
	l, err := Eval(e.L, env)
	if err != nil {
		return Value{}, err
	}
	switch e.Op {
	case "&&":
		if !l.truthy() {
			return BoolValue(false), nil
		}
		r, err := Eval(e.R, env)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(r.truthy()), nil
	case "||":
		if l.truthy() {
			return BoolValue(true), nil
		}
		r, err := Eval(e.R, env)
		if err != nil {
			return Value{}, err
		}
		return BoolValue(r.truthy()), nil
	}

	r, err := Eval(e.R, env)
	if err != nil {
		return Value{}, err
	}
	switch e.Op {
	case "==", "!=":
		eq := l.Kind == r.Kind && l == r
		return BoolValue(eq == (e.Op == "==")), nil
	case "<", "<=", ">", ">=":
		c, err := compare(l, r)
		if err != nil {
			return Value{}, err
		}
		switch e.Op {
		case "<":
			return BoolValue(c < 0), nil
		case "<=":
			return BoolValue(c <= 0), nil
		case ">":
			return BoolValue(c > 0), nil
		default:
			return BoolValue(c >= 0), nil
		}
	case "+":
		if l.Kind == KindString && r.Kind == KindString {
			return StringValue(l.Str + r.Str), nil
		}
	}

	if l.Kind != KindInt || r.Kind != KindInt {
		return Value{}, errType
	}
	switch e.Op {
	case "+":
		return IntValue(l.Int + r.Int), nil
	case "-":
		return IntValue(l.Int - r.Int), nil
	case "*":
		return IntValue(l.Int * r.Int), nil
	case "/", "%":
		if r.Int == 0 {
			return Value{}, errDivByZero
		}
		if e.Op == "/" {
			return IntValue(l.Int / r.Int), nil
		}
		return IntValue(l.Int % r.Int), nil
	}
	return Value{}, errUnsupported
}

func compare(l, r Value) (int, error) {
	switch {
	case l.Kind == KindInt && r.Kind == KindInt:
		switch {
		case l.Int < r.Int:
			return -1, nil
		case l.Int > r.Int:
			return 1, nil
		}
		return 0, nil
	case l.Kind == KindString && r.Kind == KindString:
		return strings.Compare(l.Str, r.Str), nil
	}
	return 0, errType
}

// Vars lists the variables an expression reads, sorted. Names inside opaque leaves are
// not included.
func Vars(e Expr) []string {
	var out []string
	walkExpr(e, func(n Expr) {
		if v, ok := n.(Var); ok {
			out = append(out, v.Name)
		}
	})
	slices.Sort(out)
	return slices.Compact(out)
}

// Literals lists the literal values of an expression in source order
func Literals(e Expr) []Value {
	var out []Value
	walkExpr(e, func(n Expr) {
		if l, ok := n.(Lit); ok {
			out = append(out, l.Value)
		}
	})
	return out
}

func walkExpr(e Expr, fn func(Expr)) {
	fn(e)
	switch e := e.(type) {
	case Unary:
		walkExpr(e.X, fn)
	case Binary:
		walkExpr(e.L, fn)
		walkExpr(e.R, fn)
	}
}

var modelled = map[string]bool{
	"&&": true, "||": true,
	"==": true, "!=": true, "<": true, "<=": true, ">": true, ">=": true,
	"+": true, "-": true, "*": true, "/": true, "%": true,
}

// combine builds a binary node, or an opaque leaf for operators the solver does not model
func combine(op string, l, r Expr) Expr {
	if !modelled[op] {
		return Opaque{Text: l.String() + " " + op + " " + r.String()}
	}
	return Binary{Op: op, L: l, R: r}
}

func negate(x Expr) Expr {
	if _, ok := x.(Opaque); ok {
		return Opaque{Text: "!" + x.String()}
	}
	return Unary{Op: "!", X: x}
}
