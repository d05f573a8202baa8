package constraint

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/c"
	"github.com/smacker/go-tree-sitter/cpp"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

var grammars = map[string]func() *sitter.Language{
	"javascript": javascript.GetLanguage,
	"typescript": typescript.GetLanguage,
	"python":     python.GetLanguage,
	"c":          c.GetLanguage,
	"cpp":        cpp.GetLanguage,
	"java":       java.GetLanguage,
	"go":         golang.GetLanguage,
}

// SupportedLanguages lists the languages constraints can be extracted from
func SupportedLanguages() []string {
	return []string{"javascript", "typescript", "python", "c", "cpp", "java", "go"}
}

var branchKinds = map[string]Kind{
	"if_statement":                KindIf,
	"elif_clause":                 KindIf,
	"while_statement":             KindWhile,
	"do_statement":                KindWhile,
	"for_statement":               KindFor,
	"switch_statement":            KindSwitch,
	"switch_expression":           KindSwitch,
	"expression_switch_statement": KindSwitch,
	"match_statement":             KindSwitch,
}

var functionTypes = map[string]bool{
	"function_declaration":           true,
	"generator_function_declaration": true,
	"function_definition":            true,
	"function_expression":            true,
	"function":                       true,
	"arrow_function":                 true,
	"method_declaration":             true,
	"method_definition":              true,
	"constructor_declaration":        true,
	"func_literal":                   true,
}

// case nodes of each grammar's switch construct
var caseTypes = map[string]bool{
	"switch_case":     true, // javascript, typescript
	"case_statement":  true, // c, cpp
	"expression_case": true, // go
	"switch_label":    true, // java
	"case_clause":     true, // python
}

// constructs whose body may run again after a later statement of the same body
var loopTypes = map[string]bool{
	"while_statement":        true,
	"do_statement":           true,
	"for_statement":          true,
	"for_in_statement":       true, // javascript, typescript
	"enhanced_for_statement": true, // java
	"for_range_loop":         true, // cpp
}

// loop is the line span of one loop body and the function it belongs to
type loop struct {
	span  Span
	scope Span
}

// extraction is the raw outcome of walking one syntax tree
type extraction struct {
	constraints []PathConstraint
	functions   []Span
	loops       []loop
}

type walker struct {
	converter
	language string
	path     []string
	function string
	scope    Span
	out      extraction
}

func extract(ctx context.Context, parser *sitter.Parser, source []byte, language string) (extraction, error) {
	tree, err := parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return extraction{}, fmt.Errorf("%w: %w", ErrParseFailure, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil || root.Type() == "ERROR" || (root.HasError() && root.NamedChildCount() == 0) {
		return extraction{}, fmt.Errorf("%w: no usable syntax tree for %s source", ErrParseFailure, language)
	}

	w := &walker{converter: converter{src: source}, language: language}
	w.walk(root)
	return w.out, nil
}

func (w *walker) walk(n *sitter.Node) {
	if n == nil {
		return
	}
	if functionTypes[n.Type()] {
		span := spanOf(n)
		w.out.functions = append(w.out.functions, span)
		prevFn, prevScope := w.function, w.scope
		w.function, w.scope = functionName(n, w.src), span
		w.children(n)
		w.function, w.scope = prevFn, prevScope
		return
	}

	if loopTypes[n.Type()] {
		w.out.loops = append(w.out.loops, loop{span: spanOf(n), scope: w.scope})
	}

	kind, ok := branchKinds[n.Type()]
	if !ok {
		w.children(n)
		return
	}

	id := branchID(kind, n)
	if kind == KindSwitch {
		w.switchCases(n, id)
	} else if cond, expr := w.condition(n); cond != "" {
		w.emit(kind, cond, expr, n, id)
	}
	w.path = append(w.path, id)
	w.children(n)
	w.path = w.path[:len(w.path)-1]
}

func (w *walker) children(n *sitter.Node) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		w.walk(n.NamedChild(i))
	}
}

func (w *walker) emit(kind Kind, cond string, expr Expr, n *sitter.Node, id string) {
	path := make([]string, 0, len(w.path)+1)
	path = append(path, w.path...)
	path = append(path, id)

	c := PathConstraint{
		Condition: cond,
		Path:      path,
		Kind:      kind,
		Function:  w.function,
		StartLine: int(n.StartPoint().Row) + 1,
		EndLine:   int(n.EndPoint().Row) + 1,
		Language:  w.language,
		Scope:     w.scope,
		expr:      expr,
	}
	c.Variables = Vars(expr)
	w.out.constraints = append(w.out.constraints, c)
}

// condition returns the source text of the boolean guard of a branch node and the
// expression built from its syntax tree
func (w *walker) condition(n *sitter.Node) (string, Expr) {
	if cond := n.ChildByFieldName("condition"); cond != nil {
		return trimCondition(cond.Content(w.src)), w.expr(cond)
	}
	if n.Type() != "for_statement" {
		return "", nil
	}
	// python: for x in items
	if left, right := n.ChildByFieldName("left"), n.ChildByFieldName("right"); left != nil && right != nil {
		text := left.Content(w.src) + " in " + right.Content(w.src)
		return text, Opaque{Text: text}
	}
	// go: for cond { } and for init; cond; post { }
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		switch child.Type() {
		case "for_clause":
			if cond := child.ChildByFieldName("condition"); cond != nil {
				return trimCondition(cond.Content(w.src)), w.expr(cond)
			}
			return "", nil
		case "block", "range_clause", "comment":
		default:
			return trimCondition(child.Content(w.src)), w.expr(child)
		}
	}
	return "", nil
}

// switchCases emits subject == value for every non-default case of a switch
func (w *walker) switchCases(n *sitter.Node, id string) {
	subject := n.ChildByFieldName("condition")
	if subject == nil {
		subject = n.ChildByFieldName("value")
	}
	if subject == nil {
		subject = n.ChildByFieldName("subject")
	}
	if subject == nil {
		return
	}
	subjectText := trimCondition(subject.Content(w.src))
	subjectExpr := w.expr(subject)

	w.path = append(w.path, id)
	defer func() { w.path = w.path[:len(w.path)-1] }()

	for _, cs := range w.cases(n, subject) {
		var alternatives []string
		var expr Expr
		for _, v := range caseValues(cs) {
			text := strings.TrimSpace(v.Content(w.src))
			if text == "" || text == "_" || text == "default" {
				continue
			}
			alternatives = append(alternatives, subjectText+" == "+text)
			eq := combine("==", subjectExpr, w.expr(v))
			if expr == nil {
				expr = eq
			} else {
				expr = combine("||", expr, eq)
			}
		}
		if len(alternatives) == 0 {
			continue
		}
		w.emit(KindSwitch, strings.Join(alternatives, " || "), expr, cs, branchID("case", cs))
	}
}

// cases collects the case nodes of one switch without entering nested switches or
// functions
func (w *walker) cases(n, subject *sitter.Node) []*sitter.Node {
	var out []*sitter.Node
	var visit func(*sitter.Node)
	visit = func(m *sitter.Node) {
		for i := 0; i < int(m.NamedChildCount()); i++ {
			child := m.NamedChild(i)
			if sameNode(child, subject) {
				continue
			}
			t := child.Type()
			if caseTypes[t] {
				out = append(out, child)
				continue
			}
			if branchKinds[t] == KindSwitch || functionTypes[t] {
				continue
			}
			visit(child)
		}
	}
	visit(n)
	return out
}

func sameNode(a, b *sitter.Node) bool {
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}

func caseValues(cs *sitter.Node) []*sitter.Node {
	if v := cs.ChildByFieldName("value"); v != nil {
		if v.Type() == "expression_list" {
			var out []*sitter.Node
			for i := 0; i < int(v.NamedChildCount()); i++ {
				out = append(out, v.NamedChild(i))
			}
			return out
		}
		return []*sitter.Node{v}
	}
	var out []*sitter.Node
	switch cs.Type() {
	case "switch_label":
		for i := 0; i < int(cs.NamedChildCount()); i++ {
			out = append(out, cs.NamedChild(i))
		}
	case "case_clause":
		for i := 0; i < int(cs.NamedChildCount()); i++ {
			if child := cs.NamedChild(i); child.Type() == "case_pattern" {
				out = append(out, child)
			}
		}
	}
	return out
}

func functionName(n *sitter.Node, src []byte) string {
	if name := n.ChildByFieldName("name"); name != nil {
		return name.Content(src)
	}
	// c: the name sits inside nested declarators
	for d := n.ChildByFieldName("declarator"); d != nil; d = d.ChildByFieldName("declarator") {
		switch d.Type() {
		case "identifier", "field_identifier", "qualified_identifier", "destructor_name", "operator_name":
			return d.Content(src)
		}
	}
	// const handler = (x) => { ... }
	if parent := n.Parent(); parent != nil {
		if name := parent.ChildByFieldName("name"); name != nil && parent.Type() == "variable_declarator" {
			return name.Content(src)
		}
	}
	return "<anonymous>"
}

func branchID(kind Kind, n *sitter.Node) string {
	return fmt.Sprintf("%s@%d", kind, n.StartPoint().Row+1)
}

func spanOf(n *sitter.Node) Span {
	return Span{Start: int(n.StartPoint().Row) + 1, End: int(n.EndPoint().Row) + 1}
}

// trimCondition strips the statement terminator and every pair of parentheses wrapping
// the whole condition
func trimCondition(s string) string {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ";"))
	for len(s) >= 2 && s[0] == '(' && s[len(s)-1] == ')' && wrapsWhole(s) {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

// wrapsWhole reports whether the opening parenthesis of s closes at its last byte
func wrapsWhole(s string) bool {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i == len(s)-1
			}
		}
	}
	return false
}
