package constraint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCondition(t *testing.T) {
	cases := []struct {
		language string
		text     string
		want     string
		vars     []string
	}{
		{"javascript", "x >= 10 && y != 3", "((x >= 10) && (y != 3))", []string{"x", "y"}},
		{"javascript", "a.b.c > 1", "(a.b.c > 1)", []string{"a.b.c"}},
		{"javascript", "x === 'on'", `(x == "on")`, []string{"x"}},
		{"python", "not flag or count == 0", "(!flag || (count == 0))", []string{"count", "flag"}},
		{"python", "0 < x < 10", "((0 < x) && (x < 10))", []string{"x"}},
		{"python", "req.user.age >= 21", "(req.user.age >= 21)", []string{"req.user.age"}},
		{"javascript", "-n + 2 * m > 4", "((-n + (2 * m)) > 4)", []string{"m", "n"}},
		{"javascript", "(x > 1)", "(x > 1)", []string{"x"}},
		{"javascript", "0x10 == mask", "(16 == mask)", []string{"mask"}},
		{"go", `cfg.Mode == "fast" && retries > -2`, `((cfg.Mode == "fast") && (retries > -2))`, []string{"cfg.Mode", "retries"}},
		{"c", "len > 64 || mode == 3", "((len > 64) || (mode == 3))", []string{"len", "mode"}},
		{"java", "code == 1234 && !isLocked", "((code == 1234) && !isLocked)", []string{"code", "isLocked"}},
		{"", "x > 1", "(x > 1)", []string{"x"}},
	}
	for _, tc := range cases {
		t.Run(tc.language+"/"+tc.text, func(t *testing.T) {
			e := ParseCondition(tc.language, tc.text)
			assert.Equal(t, tc.want, e.String())
			assert.Equal(t, tc.vars, Vars(e))
		})
	}
}

func TestUnsupportedConstructsAreOpaque(t *testing.T) {
	cases := []struct{ language, text string }{
		{"go", "len(s) > 3"},
		{"go", "x != nil"},
		{"python", "x is None"},
		{"python", "name in allowed"},
		{"javascript", "typeof x === 'string'"},
		{"javascript", "flags & 4"},
		{"javascript", "ok ? a : b"},
		{"javascript", "items[0] == 1"},
		{"javascript", "ratio > 0.5"},
		{"javascript", "user?.age > 3"},
		{"javascript", "x > `${limit}`"},
		{"c", "p != NULL"},
		{"javascript", "x >"},
		{"cobol", "X > 1"},
	}
	for _, tc := range cases {
		t.Run(tc.language+"/"+tc.text, func(t *testing.T) {
			_, ok := translate(ParseCondition(tc.language, tc.text))
			assert.False(t, ok)
		})
	}
}

func TestDecodeString(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{`"a\nb"`, "a\nb", true},
		{`"tab\t"`, "tab\t", true},
		{`'it\'s'`, "it's", true},
		{`'say "hi"'`, `say "hi"`, true},
		{`r"C:\dir"`, `C:\dir`, true},
		{"`raw`", "raw", true},
		{`"""doc"""`, "doc", true},
		{`f"{name}"`, "", false},
		{"`${x}`", "", false},
		{"plain", "", false},
	}
	for _, tc := range cases {
		got, ok := decodeString(tc.raw)
		assert.Equal(t, tc.ok, ok, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}

func TestEval(t *testing.T) {
	env := map[string]Value{
		"x":    IntValue(7),
		"name": StringValue("bob"),
		"on":   BoolValue(true),
	}
	cases := []struct {
		text string
		want bool
	}{
		{"x % 2 == 1", true},
		{"x / 2 == 3", true},
		{"name == 'bob' && on", true},
		{"name + '!' == 'bob!'", true},
		{"!on || x < 0", false},
		{"name == 7", false},
		{"name != 7", true},
	}
	for _, tc := range cases {
		t.Run(tc.text, func(t *testing.T) {
			v, err := Eval(ParseCondition("javascript", tc.text), env)
			require.NoError(t, err)
			assert.Equal(t, tc.want, v.truthy())
		})
	}

	_, err := Eval(ParseCondition("javascript", "x / (x - 7) > 1"), env)
	assert.ErrorIs(t, err, errDivByZero)
	_, err = Eval(ParseCondition("javascript", "missing > 1"), env)
	assert.ErrorIs(t, err, errUnboundVar)
}

func TestKindFromName(t *testing.T) {
	cases := map[string]ValueKind{
		"isReady":       KindBool,
		"has_children":  KindBool,
		"featureFlag":   KindBool,
		"cacheEnabled":  KindBool,
		"issue":         KindInt,
		"hash":          KindInt,
		"filename":      KindString,
		"req.url":       KindString,
		"apiKey":        KindString,
		"errorMsg":      KindString,
		"retries":       KindInt,
		"user.fullName": KindString,
	}
	for name, want := range cases {
		assert.Equal(t, want, kindFromName(name), name)
	}
}

func TestSolverPrefersLiteralTypes(t *testing.T) {
	formula, ok := translate(ParseCondition("python", `username == "admin" and retries > 2`))
	require.True(t, ok)

	model, err := newSession(formula, defaultMaxSteps).solve()
	require.NoError(t, err)
	assert.Equal(t, StringValue("admin"), model["username"])
	assert.Equal(t, IntValue(3), model["retries"])
}

func TestSolverStepBudget(t *testing.T) {
	formula, ok := translate(ParseCondition("c", "a * b * c == 7"))
	require.True(t, ok)

	_, err := newSession(formula, 50).solve()
	assert.ErrorIs(t, err, ErrUnsolvable)
}
