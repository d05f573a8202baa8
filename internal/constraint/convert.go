package constraint

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"fuzzcore/internal/types"

	sitter "github.com/smacker/go-tree-sitter"
)

// converter builds condition expressions from syntax tree nodes
type converter struct {
	src []byte
}

var intLiterals = map[string]bool{
	"number":                  true, // javascript, typescript
	"integer":                 true, // python
	"number_literal":          true, // c, cpp
	"int_literal":             true, // go
	"decimal_integer_literal": true, // java
	"hex_integer_literal":     true,
	"octal_integer_literal":   true,
	"binary_integer_literal":  true,
}

var stringLiterals = map[string]bool{
	"string":                     true,
	"string_literal":             true,
	"interpreted_string_literal": true,
	"raw_string_literal":         true,
	"template_string":            true,
}

var identifiers = map[string]bool{
	"identifier":          true,
	"property_identifier": true,
	"field_identifier":    true,
}

var nullLiterals = map[string]bool{
	"null": true, "None": true, "none": true, "nil": true, "NULL": true,
	"nullptr": true, "undefined": true, "null_literal": true,
}

// operator spellings mapped onto the solver's
var operatorAliases = map[string]string{
	"===": "==",
	"!==": "!=",
	"and": "&&",
	"or":  "||",
	"not": "!",
}

func (cv *converter) expr(n *sitter.Node) Expr {
	if n == nil {
		return Opaque{}
	}
	t := n.Type()
	switch {
	case t == "parenthesized_expression" || t == "expression_statement" || t == "case_pattern":
		if inner := cv.firstNamed(n); inner != nil {
			return cv.expr(inner)
		}
	case t == "condition_clause":
		if v := n.ChildByFieldName("value"); v != nil {
			return cv.expr(v)
		}
		if inner := cv.firstNamed(n); inner != nil {
			return cv.expr(inner)
		}
	case t == "binary_expression" || t == "binary_operator" || t == "boolean_operator":
		op := cv.operator(n)
		return combine(op, cv.expr(n.ChildByFieldName("left")), cv.expr(n.ChildByFieldName("right")))
	case t == "comparison_operator":
		return cv.comparison(n)
	case t == "unary_expression" || t == "unary_operator" || t == "not_operator":
		return cv.unary(n)
	case t == "member_expression" || t == "field_expression" || t == "selector_expression" ||
		t == "field_access" || t == "attribute":
		return cv.member(n)
	case t == "dotted_name":
		var parts []string
		for i := 0; i < int(n.NamedChildCount()); i++ {
			parts = append(parts, n.NamedChild(i).Content(cv.src))
		}
		return Var{Name: strings.Join(parts, ".")}
	case identifiers[t]:
		name := n.Content(cv.src)
		if nullLiterals[name] {
			return Opaque{Text: name}
		}
		return Var{Name: name}
	case t == "true":
		return Lit{Value: BoolValue(true)}
	case t == "false":
		return Lit{Value: BoolValue(false)}
	case intLiterals[t]:
		if v, ok := parseInt(n.Content(cv.src)); ok {
			return Lit{Value: IntValue(v)}
		}
	case stringLiterals[t]:
		if s, ok := decodeString(n.Content(cv.src)); ok {
			return Lit{Value: StringValue(s)}
		}
	}
	return Opaque{Text: n.Content(cv.src)}
}

// firstNamed skips comments
func (cv *converter) firstNamed(n *sitter.Node) *sitter.Node {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if child := n.NamedChild(i); child.Type() != "comment" {
			return child
		}
	}
	return nil
}

func (cv *converter) operator(n *sitter.Node) string {
	var op string
	if o := n.ChildByFieldName("operator"); o != nil {
		op = o.Type()
	} else {
		for i := 0; i < int(n.ChildCount()); i++ {
			if child := n.Child(i); !child.IsNamed() && child.Type() != "(" && child.Type() != ")" {
				op = child.Type()
				break
			}
		}
	}
	if alias, ok := operatorAliases[op]; ok {
		return alias
	}
	return op
}

// comparison expands a python comparison chain, a < b < c reads as a < b && b < c
func (cv *converter) comparison(n *sitter.Node) Expr {
	var operands []Expr
	var ops []string
	pending := ""
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child.IsNamed() {
			if child.Type() == "comment" {
				continue
			}
			if len(operands) > 0 {
				ops = append(ops, pending)
				pending = ""
			}
			operands = append(operands, cv.expr(child))
			continue
		}
		pending = strings.TrimSpace(pending + " " + child.Type())
	}
	if len(operands) < 2 || len(ops) != len(operands)-1 {
		return Opaque{Text: n.Content(cv.src)}
	}
	var out Expr
	for i, op := range ops {
		part := combine(op, operands[i], operands[i+1])
		if out == nil {
			out = part
		} else {
			out = Binary{Op: "&&", L: out, R: part}
		}
	}
	return out
}

func (cv *converter) unary(n *sitter.Node) Expr {
	op := cv.operator(n)
	arg := n.ChildByFieldName("argument")
	if arg == nil {
		arg = n.ChildByFieldName("operand")
	}
	if arg == nil {
		return Opaque{Text: n.Content(cv.src)}
	}
	x := cv.expr(arg)
	switch op {
	case "!":
		return negate(x)
	case "-":
		if l, ok := x.(Lit); ok && l.Value.Kind == KindInt {
			return Lit{Value: IntValue(-l.Value.Int)}
		}
		if _, ok := x.(Opaque); ok {
			return Opaque{Text: n.Content(cv.src)}
		}
		return Unary{Op: "-", X: x}
	case "+":
		return x
	}
	return Opaque{Text: n.Content(cv.src)}
}

// member keeps plain dotted access on a variable as one dotted variable
func (cv *converter) member(n *sitter.Node) Expr {
	text := n.Content(cv.src)
	if strings.Contains(text, "?.") {
		return Opaque{Text: text}
	}
	var base, field *sitter.Node
	for _, name := range []string{"object", "argument", "operand"} {
		if base = n.ChildByFieldName(name); base != nil {
			break
		}
	}
	for _, name := range []string{"property", "field", "attribute"} {
		if field = n.ChildByFieldName(name); field != nil {
			break
		}
	}
	if base == nil || field == nil {
		return Opaque{Text: text}
	}
	if v, ok := cv.expr(base).(Var); ok {
		return Var{Name: v.Name + "." + field.Content(cv.src)}
	}
	return Opaque{Text: text}
}

func parseInt(text string) (int64, bool) {
	digits := strings.ReplaceAll(strings.TrimRight(text, "uUlLnN"), "_", "")
	v, err := strconv.ParseInt(digits, 0, 64)
	return v, err == nil
}

// decodeString unquotes a string literal of any supported grammar. Interpolated
// literals are not constant and fail.
func decodeString(raw string) (string, bool) {
	start := strings.IndexAny(raw, "\"'`")
	if start < 0 {
		return "", false
	}
	prefix := strings.ToLower(raw[:start])
	if strings.Contains(prefix, "f") {
		return "", false
	}
	body := raw[start:]
	for _, q := range []string{`"""`, `'''`, `"`, `'`, "`"} {
		if len(body) < 2*len(q) || !strings.HasPrefix(body, q) || !strings.HasSuffix(body, q) {
			continue
		}
		inner := body[len(q) : len(body)-len(q)]
		if q == "`" {
			if strings.Contains(inner, "${") {
				return "", false
			}
			return inner, true
		}
		if strings.Contains(prefix, "r") {
			return inner, true
		}
		escaped := strings.ReplaceAll(inner, `\'`, `'`)
		if q != `"` {
			escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		}
		if s, err := strconv.Unquote(`"` + escaped + `"`); err == nil {
			return s, true
		}
		return inner, true
	}
	return "", false
}

// snippets that place a condition in the guard of an if statement
var conditionSnippets = map[string]string{
	"javascript": "if (%s) {}\n",
	"typescript": "if (%s) {}\n",
	"python":     "if %s:\n    pass\n",
	"c":          "void f(void) { if (%s) {} }\n",
	"cpp":        "void f() { if (%s) {} }\n",
	"java":       "class C { void f() { if (%s) {} } }\n",
	"go":         "package p\n\nfunc f() { if %s {} }\n",
}

// ParseCondition parses the text of a branch condition written in language, javascript
// when empty. Text that does not parse as a whole becomes a single opaque leaf.
func ParseCondition(language, text string) Expr {
	language = types.NormalizeLanguage(language)
	if language == "" {
		language = "javascript"
	}
	snippet, ok := conditionSnippets[language]
	if !ok {
		return Opaque{Text: text}
	}
	src := []byte(fmt.Sprintf(snippet, text))

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(grammars[language]())
	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return Opaque{Text: text}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.HasError() {
		return Opaque{Text: text}
	}
	stmt := findFirst(root, "if_statement")
	if stmt == nil {
		return Opaque{Text: text}
	}
	cv := &converter{src: src}
	return cv.expr(stmt.ChildByFieldName("condition"))
}

func findFirst(n *sitter.Node, nodeType string) *sitter.Node {
	if n.Type() == nodeType {
		return n
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if found := findFirst(n.NamedChild(i), nodeType); found != nil {
			return found
		}
	}
	return nil
}
