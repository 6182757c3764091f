package scoring_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/impersonatoor/pkg/scoring"
	"github.com/ethpandaops/impersonatoor/pkg/store"
)

func scored(runID, version, dimension string, weight, score float64) store.ScoredResult {
	return store.ScoredResult{
		RunID:         runID,
		SystemVersion: version,
		Dimension:     dimension,
		Weight:        weight,
		Payload:       store.ResultPayload{Type: store.PayloadTypeReview, Score: &score},
	}
}

func TestAggregate(t *testing.T) {
	results := []store.ScoredResult{
		scored("r1", "v1", "functionality", 3, 8),
		scored("r1", "v1", "design", 1, 4),
		scored("r2", "v1", "functionality", 3, 6),
		scored("r3", "v2", "functionality", 1, 9),
		{RunID: "r3", SystemVersion: "v2", Dimension: "design", Weight: 1},
	}

	summaries := scoring.Aggregate(results)
	require.Len(t, summaries, 2)

	v1 := summaries[0]
	assert.Equal(t, "v1", v1.SystemVersion)

	require.Len(t, v1.Dimensions, 2)
	assert.Equal(t, "design", v1.Dimensions[0].Dimension)
	assert.InDelta(t, 4.0, v1.Dimensions[0].Mean, 1e-9)
	assert.Equal(t, "functionality", v1.Dimensions[1].Dimension)
	assert.InDelta(t, 7.0, v1.Dimensions[1].Mean, 1e-9)
	assert.Equal(t, 2, v1.Dimensions[1].Count)

	require.Len(t, v1.Runs, 2)
	assert.Equal(t, "r1", v1.Runs[0].RunID)
	assert.InDelta(t, 7.0, v1.Runs[0].Score, 1e-9, "(8*3 + 4*1) / 4")
	assert.InDelta(t, 6.0, v1.Runs[1].Score, 1e-9)
	assert.InDelta(t, 6.5, v1.Overall, 1e-9)

	v2 := summaries[1]
	require.Len(t, v2.Runs, 1)
	assert.Equal(t, 1, v2.Runs[0].Reviews, "unscored results are ignored")
	assert.InDelta(t, 9.0, v2.Overall, 1e-9)
}

func TestAggregate_ZeroWeightsFallBackToMean(t *testing.T) {
	summaries := scoring.Aggregate([]store.ScoredResult{
		scored("r1", "v1", "a", 0, 2),
		scored("r1", "v1", "b", 0, 6),
	})
	require.Len(t, summaries, 1)
	assert.InDelta(t, 4.0, summaries[0].Runs[0].Score, 1e-9)
}

func TestAggregate_Empty(t *testing.T) {
	assert.Empty(t, scoring.Aggregate(nil))
}
