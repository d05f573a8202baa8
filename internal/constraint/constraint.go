// Package constraint extracts branch conditions from target source and solves them into
// inputs that steer execution down the guarded paths.
package constraint

import (
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
)

var (
	ErrParseFailure        = errors.New("constraint extraction failed")
	ErrUnsupportedLanguage = errors.New("unsupported language")
	ErrAnalyzerClosed      = errors.New("analyzer is shut down")
)

type Kind string

const (
	KindIf     Kind = "if"
	KindWhile  Kind = "while"
	KindFor    Kind = "for"
	KindSwitch Kind = "switch"
)

// Span is an inclusive, 1-based line range
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func (s Span) Contains(line int) bool {
	return s.Start <= line && line <= s.End
}

func (s Span) IsZero() bool {
	return s.Start == 0 && s.End == 0
}

// PathConstraint is one branch condition together with the branches enclosing it
type PathConstraint struct {
	Condition string   `json:"condition"`
	Path      []string `json:"path"` // branch ids from the outermost enclosing branch
	Variables []string `json:"variables"`
	Kind      Kind     `json:"kind"`
	Function  string   `json:"function,omitempty"`
	StartLine int      `json:"start_line"`
	EndLine   int      `json:"end_line"`
	Language  string   `json:"language"`
	Scope     Span     `json:"scope"` // enclosing function, zero at module level

	expr Expr
}

// Expr returns the condition expression. Constraints built outside the extractor parse
// their condition text on first use.
func (c *PathConstraint) Expr() Expr {
	if c.expr == nil {
		c.expr = ParseCondition(c.Language, c.Condition)
	}
	return c.expr
}

// GeneratedInput is a variable assignment that satisfies one constraint
type GeneratedInput struct {
	Variables          map[string]any `json:"variables"`
	Path               []string       `json:"path"`
	SatisfiedCondition string         `json:"satisfied_condition"`
	Line               int            `json:"line"`
}

// Content encodes the assignment as the JSON object offered to the corpus
func (g GeneratedInput) Content() []byte {
	// map keys are sorted by encoding/json, so equal assignments give equal content
	data, err := json.Marshal(g.Variables)
	if err != nil {
		return []byte("{}")
	}
	return data
}

type TestCase struct {
	Name      string         `json:"name"`
	Condition string         `json:"condition"`
	PathLabel string         `json:"path_label"`
	Kind      Kind           `json:"kind"`
	Line      int            `json:"line"`
	Input     GeneratedInput `json:"input"`
}

// Dictionary harvests the literals of the given constraints as mutation tokens
func Dictionary(constraints []PathConstraint) []string {
	var tokens []string
	for i := range constraints {
		for _, lit := range Literals(constraints[i].Expr()) {
			switch lit.Kind {
			case KindString:
				if lit.Str != "" {
					tokens = append(tokens, lit.Str)
				}
			case KindInt:
				tokens = append(tokens, strconv.FormatInt(lit.Int, 10))
			}
		}
	}
	slices.Sort(tokens)
	return slices.Compact(tokens)
}

// ReferencingAny keeps the constraints that read at least one of the given names. A
// dotted variable matches on its first segment as well.
func ReferencingAny(constraints []PathConstraint, names []string) []PathConstraint {
	if len(names) == 0 {
		return nil
	}
	var out []PathConstraint
	for _, c := range constraints {
		for _, v := range c.Variables {
			root, _, _ := strings.Cut(v, ".")
			if slices.Contains(names, v) || slices.Contains(names, root) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}
