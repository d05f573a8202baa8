package constraint

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestAnalyzer(t *testing.T) *Analyzer {
	t.Helper()
	a := NewAnalyzer(Options{Workers: 2, Logger: zaptest.NewLogger(t)})
	t.Cleanup(a.Shutdown)
	return a
}

func toValue(t *testing.T, v any) Value {
	t.Helper()
	switch v := v.(type) {
	case int64:
		return IntValue(v)
	case bool:
		return BoolValue(v)
	case string:
		return StringValue(v)
	}
	t.Fatalf("unexpected value %T", v)
	return Value{}
}

// requireSound re-evaluates every generated assignment against its condition
func requireSound(t *testing.T, language string, inputs []GeneratedInput) {
	t.Helper()
	for _, in := range inputs {
		formula, ok := translate(ParseCondition(language, in.SatisfiedCondition))
		require.True(t, ok, in.SatisfiedCondition)
		env := make(map[string]Value, len(in.Variables))
		for name, v := range in.Variables {
			env[name] = toValue(t, v)
		}
		assert.True(t, holds(formula, env), "%s with %v", in.SatisfiedCondition, in.Variables)
	}
}

const jsThreshold = `function check(x) {
  if (x > 10) {
    return 1;
  }
  return 0;
}
`

func TestThresholdBranchIsSolved(t *testing.T) {
	a := newTestAnalyzer(t)
	ctx := context.Background()

	constraints, err := a.ExtractConstraints(ctx, []byte(jsThreshold), "javascript")
	require.NoError(t, err)
	require.Len(t, constraints, 1)

	c := constraints[0]
	assert.Equal(t, "x > 10", c.Condition)
	assert.Equal(t, KindIf, c.Kind)
	assert.Equal(t, []string{"x"}, c.Variables)
	assert.Equal(t, "check", c.Function)
	assert.Equal(t, 2, c.StartLine)
	assert.Equal(t, []string{"if@2"}, c.Path)

	inputs, err := a.AnalyzePathConstraints(ctx, constraints)
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	x, ok := inputs[0].Variables["x"].(int64)
	require.True(t, ok)
	assert.Greater(t, x, int64(10))
	assert.Equal(t, "x > 10", inputs[0].SatisfiedCondition)
	assert.JSONEq(t, `{"x": 11}`, string(inputs[0].Content()))
}

const pythonHandler = `def handle(age, username, is_admin):
    if age >= 18 and username == "root":
        return 1
    elif is_admin:
        return 2
    while age < 100:
        age += 1
    return 0
`

const goClassify = `package main

func classify(n int, name string) int {
	if n%2 == 0 && n > 100 {
		return 1
	}
	for i := 0; i < n; i++ {
	}
	switch name {
	case "alpha", "beta":
		return 2
	}
	return 0
}
`

const cParse = `int parse(int len, int mode) {
  if (len > 64 || mode == 3) {
    return -1;
  }
  while (len != 0) {
    len--;
  }
  return 0;
}
`

const javaGate = `class Gate {
  int open(int code, boolean isLocked) {
    if (code == 1234 && !isLocked) {
      return 1;
    }
    return 0;
  }
}
`

func TestGeneratedInputsSatisfyConditions(t *testing.T) {
	cases := []struct {
		language string
		source   string
		want     []string
	}{
		{"python", pythonHandler, []string{`age >= 18 and username == "root"`, "is_admin", "age < 100"}},
		{"go", goClassify, []string{"n%2 == 0 && n > 100", "i < n", `name == "alpha" || name == "beta"`}},
		{"c", cParse, []string{"len > 64 || mode == 3", "len != 0"}},
		{"java", javaGate, []string{"code == 1234 && !isLocked"}},
	}
	for _, tc := range cases {
		t.Run(tc.language, func(t *testing.T) {
			a := newTestAnalyzer(t)
			ctx := context.Background()

			constraints, err := a.ExtractConstraints(ctx, []byte(tc.source), tc.language)
			require.NoError(t, err)
			var conditions []string
			for _, c := range constraints {
				conditions = append(conditions, c.Condition)
				assert.Equal(t, tc.language, c.Language)
			}
			assert.Equal(t, tc.want, conditions)

			inputs, err := a.AnalyzePathConstraints(ctx, constraints)
			require.NoError(t, err)
			assert.Len(t, inputs, len(tc.want))
			requireSound(t, tc.language, inputs)
		})
	}
}

func TestUnsolvableConstraintsAreSkipped(t *testing.T) {
	a := newTestAnalyzer(t)

	inputs, err := a.AnalyzePathConstraints(context.Background(), []PathConstraint{
		{Condition: "x > 5 && x < 3", StartLine: 1},
		{Condition: "items.filter(isValid).length > 1", StartLine: 2},
		{Condition: "y == 7", StartLine: 3},
		{Condition: "mode == \"fast\" && mode == \"slow\"", StartLine: 4},
	})
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, map[string]any{"y": int64(7)}, inputs[0].Variables)
	assert.Equal(t, 3, inputs[0].Line)
}

func TestOpaqueConjunctIsUnconstrained(t *testing.T) {
	a := newTestAnalyzer(t)

	inputs, err := a.AnalyzePathConstraints(context.Background(), []PathConstraint{
		{Condition: "count >= 3 && user.getRole() == 'admin'"},
	})
	require.NoError(t, err)
	require.Len(t, inputs, 1)
	assert.Equal(t, map[string]any{"count": int64(3)}, inputs[0].Variables)
}

func TestUnsupportedLanguage(t *testing.T) {
	a := newTestAnalyzer(t)

	constraints, err := a.ExtractConstraints(context.Background(), []byte("IF X > 1"), "cobol")
	assert.ErrorIs(t, err, ErrParseFailure)
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
	assert.Empty(t, constraints)

	cases, err := a.GenerateTestCases(context.Background(), []byte("IF X > 1"), "cobol")
	assert.ErrorIs(t, err, ErrParseFailure)
	assert.Empty(t, cases)
}

func TestAnalyzerShutdown(t *testing.T) {
	a := NewAnalyzer(Options{})
	_, err := a.ExtractConstraints(context.Background(), []byte(jsThreshold), "js")
	require.NoError(t, err)

	a.Shutdown()
	a.Shutdown()

	_, err = a.ExtractConstraints(context.Background(), []byte(jsThreshold), "js")
	assert.ErrorIs(t, err, ErrAnalyzerClosed)
	_, err = a.AnalyzePathConstraints(context.Background(), nil)
	assert.ErrorIs(t, err, ErrAnalyzerClosed)
	_, err = a.FindInputsForLocation(context.Background(), []byte(jsThreshold), "js", 3)
	assert.ErrorIs(t, err, ErrAnalyzerClosed)
}

func TestGenerateTestCases(t *testing.T) {
	a := newTestAnalyzer(t)
	src := `function walk(depth) {
  if (depth > 1) {
    while (depth < 5) {
      depth++;
    }
  }
}
`
	cases, err := a.GenerateTestCases(context.Background(), []byte(src), "typescript")
	require.NoError(t, err)
	require.Len(t, cases, 2)

	assert.Equal(t, "typescript_if_line_2", cases[0].Name)
	assert.Equal(t, "if@2", cases[0].PathLabel)
	assert.Equal(t, "typescript_while_line_3", cases[1].Name)
	assert.Equal(t, "if@2 > while@3", cases[1].PathLabel)
	assert.Equal(t, "depth < 5", cases[1].Condition)
}

const jsTwoFunctions = `function a(x) {
  if (x > 1) {
    target();
  }
  if (x < -5) {
    other();
  }
}
function b(y) {
  if (y == 3) {
    return;
  }
}
`

func TestFindInputsForLocation(t *testing.T) {
	a := newTestAnalyzer(t)

	inputs, err := a.FindInputsForLocation(context.Background(), []byte(jsTwoFunctions), "javascript", 3)
	require.NoError(t, err)

	var conditions []string
	for _, in := range inputs {
		conditions = append(conditions, in.SatisfiedCondition)
	}
	// x < -5 follows the target inside the same function
	assert.Equal(t, []string{"x > 1", "y == 3"}, conditions)
	requireSound(t, "javascript", inputs)
}

const jsRetryLoop = `function run(x) {
  let flag = false;
  while (true) {
    if (flag) {
      target();
    }
    if (x > 10) {
      flag = true;
    }
  }
  if (x < 0) {
    after();
  }
}
`

func TestFindInputsForLocationKeepsLoopBackEdges(t *testing.T) {
	a := newTestAnalyzer(t)

	inputs, err := a.FindInputsForLocation(context.Background(), []byte(jsRetryLoop), "javascript", 5)
	require.NoError(t, err)

	var conditions []string
	for _, in := range inputs {
		conditions = append(conditions, in.SatisfiedCondition)
	}
	// x > 10 runs before the target on the next iteration; x < 0 is past the loop
	assert.Equal(t, []string{"true", "flag", "x > 10"}, conditions)
	requireSound(t, "javascript", inputs)
}

func TestSwitchCasesBuildEqualities(t *testing.T) {
	a := newTestAnalyzer(t)
	src := `function route(cmd) {
  switch (cmd) {
    case "start":
    case "resume":
      return 1;
    default:
      return 0;
  }
}
`
	constraints, err := a.ExtractConstraints(context.Background(), []byte(src), "javascript")
	require.NoError(t, err)
	require.Len(t, constraints, 2)
	assert.Equal(t, `cmd == "start"`, constraints[0].Condition)
	assert.Equal(t, `(cmd == "start")`, constraints[0].Expr().String())
	assert.Equal(t, []string{"cmd"}, constraints[1].Variables)

	inputs, err := a.AnalyzePathConstraints(context.Background(), constraints)
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, "resume", inputs[1].Variables["cmd"])
}

func TestDictionaryHarvest(t *testing.T) {
	constraints := []PathConstraint{
		{Condition: `cmd == "admin" && n > 42`},
		{Condition: `cmd == "admin" || cmd == ""`},
	}
	assert.Equal(t, []string{"42", "admin"}, Dictionary(constraints))
}

func TestReferencingAny(t *testing.T) {
	constraints := []PathConstraint{
		{Condition: "user.age > 18", Variables: []string{"user.age"}},
		{Condition: "count > 1", Variables: []string{"count"}},
	}
	got := ReferencingAny(constraints, []string{"user"})
	require.Len(t, got, 1)
	assert.Equal(t, "user.age > 18", got[0].Condition)
	assert.Empty(t, ReferencingAny(constraints, nil))
}
