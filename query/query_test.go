package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/opticoll/compare"
	"github.com/sharedcode/opticoll/index"
)

func buildAgeIndex(t *testing.T) index.Index[string] {
	t.Helper()
	idx := index.NewFieldIndex[string]([]string{"age"}, compare.DefaultOptions())
	for k, age := range map[string]int64{"a": 10, "b": 20, "c": 30, "d": 40} {
		idx.Add(k, map[string]any{"age": age})
	}
	return idx
}

func TestOptimizeEqAndFlippedComparison(t *testing.T) {
	idx := buildAgeIndex(t)
	idxs := []index.Index[string]{idx}

	res := Optimize[string](Eq(Field("age"), Lit(compare.Int(20))), idxs)
	require.True(t, res.CanOptimize)
	assert.Equal(t, index.NewKeySet("b"), res.MatchingKeys)

	// "20 < age" means age > 20.
	res = Optimize[string](Lt(Lit(compare.Int(20)), Field("age")), idxs)
	require.True(t, res.CanOptimize)
	assert.Equal(t, index.NewKeySet("c", "d"), res.MatchingKeys)
}

func TestOptimizeInFallsBackToUnionOfEq(t *testing.T) {
	idx := buildAgeIndex(t)
	res := Optimize[string](In(Field("age"), Lit(compare.Array(compare.Int(10), compare.Int(30)))), []index.Index[string]{idx})
	require.True(t, res.CanOptimize)
	assert.Equal(t, index.NewKeySet("a", "c"), res.MatchingKeys)
}

func TestOptimizeCompoundRangeAnd(t *testing.T) {
	idx := buildAgeIndex(t)
	expr := And(
		Gt(Field("age"), Lit(compare.Int(10))),
		Lte(Field("age"), Lit(compare.Int(30))),
	)
	res := Optimize[string](expr, []index.Index[string]{idx})
	require.True(t, res.CanOptimize)
	assert.Equal(t, index.NewKeySet("b", "c"), res.MatchingKeys)
}

func TestOptimizeAndWithUnoptimizableChildStillOptimizesConservatively(t *testing.T) {
	idx := buildAgeIndex(t)
	unknownRef := FuncCall{Name: "matches_regex", Args: []Expr{Field("name"), Lit(compare.String("^a"))}}
	expr := And(Eq(Field("age"), Lit(compare.Int(20))), unknownRef)
	res := Optimize[string](expr, []index.Index[string]{idx})
	require.True(t, res.CanOptimize, "AND optimizes if at least one child optimizes")
	assert.Equal(t, index.NewKeySet("b"), res.MatchingKeys, "caller must still post-filter the unoptimized child")
}

func TestOptimizeOrRequiresAllChildrenOptimizable(t *testing.T) {
	idx := buildAgeIndex(t)
	unknownRef := FuncCall{Name: "matches_regex", Args: []Expr{Field("name"), Lit(compare.String("^a"))}}
	expr := Or(Eq(Field("age"), Lit(compare.Int(20))), unknownRef)
	res := Optimize[string](expr, []index.Index[string]{idx})
	assert.False(t, res.CanOptimize)
}

func TestOptimizeOrUnionsOptimizableChildren(t *testing.T) {
	idx := buildAgeIndex(t)
	expr := Or(Eq(Field("age"), Lit(compare.Int(10))), Eq(Field("age"), Lit(compare.Int(40))))
	res := Optimize[string](expr, []index.Index[string]{idx})
	require.True(t, res.CanOptimize)
	assert.Equal(t, index.NewKeySet("a", "d"), res.MatchingKeys)
}

func TestUnknownShapeDoesNotOptimize(t *testing.T) {
	res := Optimize[string](Field("age"), nil)
	assert.False(t, res.CanOptimize)
}

func TestRowEvaluatorMatchesRecord(t *testing.T) {
	expr := And(Gt(Field("age"), Lit(compare.Int(18))), Eq(Field("city"), Lit(compare.String("NYC"))))
	ev, err := CompileRowEvaluator(expr)
	require.NoError(t, err)

	ok, err := ev.Matches(map[string]any{"age": int64(25), "city": "NYC"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Matches(map[string]any{"age": int64(15), "city": "NYC"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRowEvaluatorIn(t *testing.T) {
	expr := In(Field("status"), Lit(compare.Array(compare.String("open"), compare.String("pending"))))
	ev, err := CompileRowEvaluator(expr)
	require.NoError(t, err)

	ok, err := ev.Matches(map[string]any{"status": "pending"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Matches(map[string]any{"status": "closed"})
	require.NoError(t, err)
	assert.False(t, ok)
}
