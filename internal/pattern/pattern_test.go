package pattern

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalars(t *testing.T) {
	assert.True(t, Matches("home", "home"))
	assert.True(t, Matches(true, true))
	assert.False(t, Matches("home", "index"))
	assert.False(t, Matches("40", 40))

	// JSON decoding produces float64; Go literals stay ints
	assert.True(t, Matches(40, float64(40)))
	assert.True(t, Matches(float64(0), 0))
	assert.False(t, Matches(40, float64(40.5)))
}

func TestAny(t *testing.T) {
	assert.True(t, Matches(Any, nil))
	assert.True(t, Matches(Any, "anything"))
	assert.True(t, Matches(Any, map[string]any{"k": 1}))

	assert.True(t, Matches(AnyInt, float64(3)))
	assert.True(t, Matches(AnyInt, -2))
	assert.False(t, Matches(AnyInt, "3"))
	assert.False(t, Matches(AnyInt, 3.5))

	assert.True(t, Matches(AnyString, "s"))
	assert.False(t, Matches(AnyString, 3))
}

func TestID(t *testing.T) {
	assert.True(t, Matches(ID, float64(1)))
	assert.True(t, Matches(ID, 12345))
	assert.False(t, Matches(ID, 0))
	assert.False(t, Matches(ID, -3))
	assert.False(t, Matches(ID, 1.5))
	assert.False(t, Matches(ID, "7"))
}

func TestSuchThat(t *testing.T) {
	endsWithError := SuchThat(func(actual any) bool {
		s, ok := actual.(string)
		return ok && strings.HasSuffix(s, "Error")
	})
	assert.True(t, Matches(endsWithError, "ArithmeticError"))
	assert.False(t, Matches(endsWithError, "warning"))
}

func TestSuchThatPanicIsPredicateError(t *testing.T) {
	exploding := SuchThat(func(actual any) bool {
		return actual.(string) == "boom" // panics on non-strings
	})

	err := Match(exploding, 42)
	require.Error(t, err)
	var pe *PredicateError
	require.ErrorAs(t, err, &pe)

	// A plain mismatch is not a PredicateError
	err = Match(exploding, "quiet")
	require.Error(t, err)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
}

func TestStringWith(t *testing.T) {
	p := StringWith(func(s string) bool { return strings.Contains(s, "doesnotexist") })
	assert.True(t, Matches(p, "variable doesnotexist is undefined"))
	assert.False(t, Matches(p, "all good"))
	// non-strings fail instead of panicking
	assert.False(t, Matches(p, 7))
}

func TestExactMapping(t *testing.T) {
	expected := map[string]any{
		"name": "home",
		"line": 40,
	}
	assert.True(t, Matches(expected, map[string]any{"name": "home", "line": float64(40)}))

	// extra keys fail exact mapping comparison
	assert.False(t, Matches(expected, map[string]any{"name": "home", "line": float64(40), "column": float64(1)}))
	// missing keys fail
	assert.False(t, Matches(expected, map[string]any{"name": "home"}))
}

func TestDictWithSuperset(t *testing.T) {
	actual := map[string]any{
		"id":     float64(3),
		"name":   "home",
		"line":   float64(40),
		"column": float64(1),
		"source": map[string]any{"path": "/srv/app.py", "sourceReference": float64(0)},
	}

	// reflexivity: any key subset of actual matches
	assert.True(t, Matches(DictWith(map[string]any{}), actual))
	assert.True(t, Matches(DictWith(map[string]any{"name": "home"}), actual))
	assert.True(t, Matches(DictWith(map[string]any{
		"id":   ID,
		"line": 40,
		"source": DictWith(map[string]any{
			"path": "/srv/app.py",
		}),
	}), actual))

	// not symmetric: a missing expected key always fails
	assert.False(t, Matches(DictWith(map[string]any{"verified": true}), actual))
	// present keys must still match
	assert.False(t, Matches(DictWith(map[string]any{"name": "index"}), actual))
	// only meaningful against mappings
	assert.False(t, Matches(DictWith(map[string]any{"name": "home"}), "home"))
}

func TestSequences(t *testing.T) {
	expected := []any{"raised", "uncaught"}
	assert.True(t, Matches(expected, []any{"raised", "uncaught"}))
	// positional and exact-length, no reordering
	assert.False(t, Matches(expected, []any{"uncaught", "raised"}))
	assert.False(t, Matches(expected, []any{"raised"}))
	assert.False(t, Matches(expected, []any{"raised", "uncaught", "userUnhandled"}))

	// patterns still compose inside elements
	assert.True(t, Matches([]any{DictWith(map[string]any{"line": 8})}, []any{
		map[string]any{"line": float64(8), "verified": true},
	}))
}

func TestPathEquivalence(t *testing.T) {
	assert.True(t, Matches(PathTo("/srv/django1/app.py"), "/srv/django1/app.py"))
	assert.True(t, Matches(PathTo("/srv/django1/./app.py"), "/srv/django1/app.py"))
	assert.True(t, Matches(PathTo("/srv/django1/templates/../app.py"), "/srv/django1/app.py"))
	assert.False(t, Matches(PathTo("/srv/django1/app.py"), "/srv/django1/manage.py"))
	assert.False(t, Matches(PathTo("/srv/django1/app.py"), 42))
}

func TestMismatchReportsBothSides(t *testing.T) {
	err := Match(map[string]any{"line": 40}, map[string]any{"line": float64(41)})
	require.Error(t, err)
	var me *MismatchError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, ".line", me.Path)
	assert.Contains(t, err.Error(), "40")
	assert.Contains(t, err.Error(), "41")
}

func TestNestedPayloadShape(t *testing.T) {
	// the typical stack frame assertion shape from scenario code
	frame := map[string]any{
		"id":   float64(7),
		"name": "Django Template",
		"source": map[string]any{
			"sourceReference": float64(0),
			"path":            "/srv/django1/templates/hello.html",
		},
		"line":   float64(8),
		"column": float64(1),
	}
	expected := map[string]any{
		"id":   ID,
		"name": "Django Template",
		"source": map[string]any{
			"sourceReference": Any,
			"path":            PathTo("/srv/django1/templates/hello.html"),
		},
		"line":   8,
		"column": 1,
	}
	require.NoError(t, Match(expected, frame))
}
