package constraint

import (
	"errors"
	"slices"
	"strings"
	"unicode"
)

// ErrUnsolvable marks a constraint the solver skips: unsatisfiable within its domains or
// with nothing left to translate
var ErrUnsolvable = errors.New("constraint unsolvable")

const defaultMaxSteps = 200_000

// translate drops the parts of a condition the solver does not model. An opaque conjunct
// is unconstrained and disappears; any other opaque operand makes its parent
// unconstrained too. ok is false when nothing constraining is left.
func translate(e Expr) (Expr, bool) {
	switch e := e.(type) {
	case Opaque:
		return nil, false
	case Var, Lit:
		return e, true
	case Unary:
		x, ok := translate(e.X)
		if !ok {
			return nil, false
		}
		return Unary{Op: e.Op, X: x}, true
	case Binary:
		l, lok := translate(e.L)
		r, rok := translate(e.R)
		if e.Op == "&&" {
			switch {
			case lok && rok:
				return Binary{Op: e.Op, L: l, R: r}, true
			case lok:
				return l, true
			case rok:
				return r, true
			}
			return nil, false
		}
		if !lok || !rok {
			return nil, false
		}
		return Binary{Op: e.Op, L: l, R: r}, true
	}
	return nil, false
}

// session solves one translated condition over a fresh variable set
type session struct {
	formula  Expr
	vars     []string
	domains  map[string][]Value
	maxSteps int
	steps    int
}

func newSession(formula Expr, maxSteps int) *session {
	s := &session{
		formula:  formula,
		vars:     Vars(formula),
		domains:  make(map[string][]Value),
		maxSteps: maxSteps,
	}
	kinds := inferKinds(formula)
	for _, name := range s.vars {
		kind, ok := kinds[name]
		if !ok {
			kind = kindFromName(name)
		}
		s.domains[name] = candidates(kind, formula)
	}
	return s
}

// solve searches the candidate domains depth first, checking every conjunct as soon as
// its variables are bound. The returned model satisfies the whole formula.
func (s *session) solve() (map[string]Value, error) {
	conjuncts := splitAnd(s.formula)
	index := make(map[string]int, len(s.vars))
	for i, name := range s.vars {
		index[name] = i
	}
	// conjuncts grouped by the position of their last variable
	checks := make([][]Expr, len(s.vars)+1)
	for _, c := range conjuncts {
		last := -1
		for _, name := range Vars(c) {
			last = max(last, index[name])
		}
		checks[last+1] = append(checks[last+1], c)
	}

	env := make(map[string]Value, len(s.vars))
	for _, c := range checks[0] {
		if !holds(c, env) {
			return nil, ErrUnsolvable
		}
	}

	var search func(i int) bool
	search = func(i int) bool {
		if i == len(s.vars) {
			return true
		}
		name := s.vars[i]
		for _, v := range s.domains[name] {
			if s.steps >= s.maxSteps {
				return false
			}
			s.steps++
			env[name] = v
			ok := true
			for _, c := range checks[i+1] {
				if !holds(c, env) {
					ok = false
					break
				}
			}
			if ok && search(i+1) {
				return true
			}
		}
		delete(env, name)
		return false
	}

	if !search(0) || !holds(s.formula, env) {
		return nil, ErrUnsolvable
	}
	return env, nil
}

func holds(e Expr, env map[string]Value) bool {
	v, err := Eval(e, env)
	return err == nil && v.truthy()
}

func splitAnd(e Expr) []Expr {
	if b, ok := e.(Binary); ok && b.Op == "&&" {
		return append(splitAnd(b.L), splitAnd(b.R)...)
	}
	return []Expr{e}
}

// inferKinds types the variables compared against or combined with a literal
func inferKinds(e Expr) map[string]ValueKind {
	kinds := make(map[string]ValueKind)
	walkExpr(e, func(n Expr) {
		b, ok := n.(Binary)
		if !ok || b.Op == "&&" || b.Op == "||" {
			return
		}
		if v, ok := b.L.(Var); ok {
			if l, ok := b.R.(Lit); ok {
				kinds[v.Name] = l.Value.Kind
			}
		}
		if v, ok := b.R.(Var); ok {
			if l, ok := b.L.(Lit); ok {
				kinds[v.Name] = l.Value.Kind
			}
		}
	})
	return kinds
}

var (
	boolSuffixes   = []string{"enabled", "flag"}
	stringSuffixes = []string{"name", "str", "text", "msg", "path", "url", "key"}
)

// kindFromName guesses a domain from naming conventions; integers otherwise
func kindFromName(name string) ValueKind {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	for _, prefix := range []string{"is", "has"} {
		if rest, ok := strings.CutPrefix(name, prefix); ok {
			if rest == "" || rest[0] == '_' || unicode.IsUpper(rune(rest[0])) {
				return KindBool
			}
		}
	}
	lower := strings.ToLower(name)
	for _, suffix := range boolSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return KindBool
		}
	}
	for _, suffix := range stringSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return KindString
		}
	}
	return KindInt
}

// candidates derives a finite domain from the literals of the formula: every literal,
// its neighbours, and a few values that commonly satisfy arithmetic around it
func candidates(kind ValueKind, formula Expr) []Value {
	var ints []int64
	var strs []string
	for _, lit := range Literals(formula) {
		switch lit.Kind {
		case KindInt:
			ints = append(ints, lit.Int)
		case KindString:
			strs = append(strs, lit.Str)
		}
	}

	var out []Value
	seen := make(map[Value]bool)
	add := func(v Value) {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	switch kind {
	case KindBool:
		add(BoolValue(true))
		add(BoolValue(false))
	case KindString:
		for _, s := range strs {
			add(StringValue(s))
		}
		add(StringValue(""))
		for _, s := range strs {
			add(StringValue(s + "x"))
		}
		add(StringValue("a"))
		add(StringValue("fuzz"))
	default:
		add(IntValue(0))
		for _, k := range ints {
			add(IntValue(k))
			add(IntValue(k + 1))
			add(IntValue(k - 1))
		}
		add(IntValue(1))
		add(IntValue(-1))
		for _, k := range ints {
			add(IntValue(-k))
			add(IntValue(2 * k))
		}
		pairs := ints[:min(len(ints), 6)]
		for _, a := range pairs {
			for _, b := range pairs {
				add(IntValue(a * b))
				add(IntValue(a + b))
				add(IntValue(a*b + 1))
			}
		}
	}
	return slices.Clip(out)
}
