package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/quicksync/pkg/errors"
)

func TestEvaluate(t *testing.T) {
	rs := New("test",
		MustCompile(`\.tmp$`, true, NoFlags),
		MustCompile(`\.png$`, false, Binary),
		MustCompile(`^bin/`, false, Executable),
		MustCompile(`^bin/.*\.png$`, true, NoFlags),
	)

	tests := []struct {
		name string
		path string
		exp  Decision
	}{
		{
			name: "Excluded",
			path: "build/output.tmp",
			exp:  Decision{Included: false, RuleIndex: 0},
		},
		{
			name: "NoMatch",
			path: "build/output.txt",
			exp:  Decision{Included: true, Flags: NoFlags, RuleIndex: 4},
		},
		{
			name: "IncludeWithFlags",
			path: "art/logo.png",
			exp:  Decision{Included: true, Flags: Binary, RuleIndex: 1},
		},
		{
			name: "FirstMatchWins",
			path: "bin/icon.png",
			exp:  Decision{Included: true, Flags: Binary, RuleIndex: 1},
		},
		{
			name: "LaterRule",
			path: "bin/run",
			exp:  Decision{Included: true, Flags: Executable, RuleIndex: 2},
		},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, rs.Evaluate(test.path), test.name)
	}
}

func TestEvaluateEmpty(t *testing.T) {
	assert.Equal(t, Decision{Included: true, RuleIndex: -1},
		New("empty").Evaluate("anything"))
}

func TestCompileLowercasesPattern(t *testing.T) {
	rule, err := Compile(`\.TMP$`, true, NoFlags)
	require.NoError(t, err)
	assert.Equal(t, `\.TMP$`, rule.Pattern)
	assert.True(t, rule.Matches("a.tmp"))
}

func TestEvaluateStableUnderExtension(t *testing.T) {
	base := []Rule{
		MustCompile(`\.o$`, true, NoFlags),
		MustCompile(`\.dat$`, false, Binary),
	}
	extended := append(append([]Rule(nil), base...),
		MustCompile(`.*`, true, NoFlags),
		MustCompile(`\.txt$`, false, Executable),
	)

	short := New("short", base...)
	long := New("long", extended...)
	for _, path := range []string{"a.o", "lib/a.o", "x.dat", "deep/dir/y.dat"} {
		shortDecision := short.Evaluate(path)
		longDecision := long.Evaluate(path)
		assert.Equal(t, shortDecision, longDecision, path)
	}
}

func TestEvaluatePathPrefixes(t *testing.T) {
	rs := New("test",
		MustCompile(`(^|/)obj$`, true, NoFlags),
		MustCompile(`\.tmp$`, true, NoFlags),
		MustCompile(`\.bin$`, false, Binary),
	)

	tests := []struct {
		path     string
		expIncl  bool
		expFlags Flags
	}{
		{"src/main.c", true, NoFlags},
		{"lib/obj/a.c", false, NoFlags},
		{"obj/a.c", false, NoFlags},
		{"./obj/a.c", false, NoFlags},
		{"./src/a.bin", true, Binary},
		{"src/a.tmp", false, NoFlags},
		{"Lib/OBJ/a.c", false, NoFlags},
		{"src/objects/a.c", true, NoFlags},
	}

	for _, test := range tests {
		included, flags := rs.EvaluatePathPrefixes(test.path)
		assert.Equal(t, test.expIncl, included, test.path)
		assert.Equal(t, test.expFlags, flags, test.path)
	}
}

// EvaluatePathPrefixes excludes a path exactly when the path or one of its
// ancestors is excluded by Evaluate.
func TestEvaluatePathPrefixesMatchesAncestors(t *testing.T) {
	rs := New("test",
		MustCompile(`^a/b$`, true, NoFlags),
		MustCompile(`c$`, true, NoFlags),
	)

	paths := []string{"a", "a/b", "a/b/c", "a/x/y", "c/d", "x/c/y", "x/y/z"}
	for _, path := range paths {
		expExcluded := !rs.Evaluate(path).Included
		for _, ancestor := range ancestors(path) {
			expExcluded = expExcluded || !rs.Evaluate(ancestor).Included
		}

		included, _ := rs.EvaluatePathPrefixes(path)
		assert.Equal(t, !expExcluded, included, path)
	}
}

func ancestors(path string) (res []string) {
	for i := range path {
		if path[i] == '/' {
			res = append(res, path[:i])
		}
	}
	return res
}

func TestFromSpecsDropsInvalid(t *testing.T) {
	rs, errs := FromSpecs("test", []Spec{
		{Pattern: `\.tmp$`, Exclude: true},
		{Pattern: `(unclosed`, Exclude: true},
		{Pattern: `\.png$`, Flags: Binary},
	})

	require.Len(t, errs, 1)
	compileErr, ok := errs[0].(errors.RuleCompileError)
	require.True(t, ok)
	assert.Equal(t, `(unclosed`, compileErr.Pattern)

	require.Equal(t, 2, rs.Len())
	assert.Equal(t, `\.tmp$`, rs.Rules()[0].Pattern)
	assert.Equal(t, `\.png$`, rs.Rules()[1].Pattern)
}

func TestEqual(t *testing.T) {
	a := New("a", MustCompile(`x`, true, NoFlags), MustCompile(`y`, false, Binary))
	b := New("b", MustCompile(`x`, true, NoFlags), MustCompile(`y`, false, Binary))
	differentFlags := New("c", MustCompile(`x`, true, NoFlags), MustCompile(`y`, false, Executable))
	differentOrder := New("d", MustCompile(`y`, false, Binary), MustCompile(`x`, true, NoFlags))
	shorter := New("e", MustCompile(`x`, true, NoFlags))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(differentFlags))
	assert.False(t, a.Equal(differentOrder))
	assert.False(t, a.Equal(shorter))
	assert.False(t, a.Equal(nil))
}

func TestFlags(t *testing.T) {
	for _, flags := range []Flags{NoFlags, Binary, Executable, BinaryExecutable} {
		parsed, ok := ParseFlags(flags.String())
		assert.True(t, ok)
		assert.Equal(t, flags, parsed)
	}

	parsed, ok := ParseFlags("sparkly")
	assert.False(t, ok)
	assert.Equal(t, NoFlags, parsed)

	assert.True(t, BinaryExecutable.IsBinary())
	assert.True(t, BinaryExecutable.IsExecutable())
	assert.False(t, Executable.IsBinary())
}
