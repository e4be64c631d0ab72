package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sharedcode/opticoll/compare"
)

func TestRowEvaluatorAbsentFieldIsNullNotError(t *testing.T) {
	ev, err := CompileRowEvaluator(Eq(Field("status"), Lit(compare.String("active"))))
	require.NoError(t, err)

	// A record missing "status" entirely (e.g. an omitempty-tagged field dropped by a
	// JSON round trip) must evaluate to false, not fail the whole expression.
	matched, err := ev.Matches(map[string]any{"id": int64(1)})
	require.NoError(t, err)
	assert.False(t, matched)

	matched, err = ev.Matches(map[string]any{"id": int64(2), "status": "active"})
	require.NoError(t, err)
	assert.True(t, matched)
}

func TestRowEvaluatorNestedAbsentPath(t *testing.T) {
	ev, err := CompileRowEvaluator(Eq(Field("address", "city"), Lit(compare.String("nyc"))))
	require.NoError(t, err)

	matched, err := ev.Matches(map[string]any{"id": int64(1)})
	require.NoError(t, err)
	assert.False(t, matched)
}
