// Package scoring aggregates reviewer results into per-dimension and
// per-run scores for each system-under-test version.
package scoring

import (
	"sort"

	"github.com/ethpandaops/impersonatoor/pkg/store"
)

// DimensionScore is the mean score of one dimension.
type DimensionScore struct {
	Dimension string  `json:"dimension"`
	Mean      float64 `json:"mean"`
	Count     int     `json:"count"`
}

// RunScore is the weighted score of one run.
type RunScore struct {
	RunID string  `json:"run_id"`
	Score float64 `json:"score"`
	// Reviews is the number of review results that contributed.
	Reviews int `json:"reviews"`
}

// VersionSummary aggregates every scored run of one system version.
type VersionSummary struct {
	SystemVersion string           `json:"system_version"`
	Overall       float64          `json:"overall"`
	Dimensions    []DimensionScore `json:"dimensions"`
	Runs          []RunScore       `json:"runs"`
}

type accumulator struct {
	sum   float64
	count int
}

type runAccumulator struct {
	weighted float64
	weights  float64
	plain    float64
	count    int
}

// score is Σ score·weight / Σ weight, falling back to the plain mean when
// every weight is zero.
func (a *runAccumulator) score() float64 {
	if a.weights > 0 {
		return a.weighted / a.weights
	}

	return a.plain / float64(a.count)
}

// Aggregate groups results by system version. Results without a score are
// ignored. Versions, dimensions and runs are sorted for stable output.
func Aggregate(results []store.ScoredResult) []VersionSummary {
	type version struct {
		dims map[string]*accumulator
		runs map[string]*runAccumulator
	}

	versions := make(map[string]*version)

	for _, r := range results {
		if r.Payload.Score == nil {
			continue
		}

		score := *r.Payload.Score

		v, ok := versions[r.SystemVersion]
		if !ok {
			v = &version{
				dims: make(map[string]*accumulator),
				runs: make(map[string]*runAccumulator),
			}
			versions[r.SystemVersion] = v
		}

		d, ok := v.dims[r.Dimension]
		if !ok {
			d = &accumulator{}
			v.dims[r.Dimension] = d
		}

		d.sum += score
		d.count++

		ra, ok := v.runs[r.RunID]
		if !ok {
			ra = &runAccumulator{}
			v.runs[r.RunID] = ra
		}

		if r.Weight > 0 {
			ra.weighted += score * r.Weight
			ra.weights += r.Weight
		}

		ra.plain += score
		ra.count++
	}

	summaries := make([]VersionSummary, 0, len(versions))

	for name, v := range versions {
		s := VersionSummary{
			SystemVersion: name,
			Dimensions:    make([]DimensionScore, 0, len(v.dims)),
			Runs:          make([]RunScore, 0, len(v.runs)),
		}

		for dim, acc := range v.dims {
			s.Dimensions = append(s.Dimensions, DimensionScore{
				Dimension: dim,
				Mean:      acc.sum / float64(acc.count),
				Count:     acc.count,
			})
		}

		var total float64

		for id, acc := range v.runs {
			rs := RunScore{RunID: id, Score: acc.score(), Reviews: acc.count}
			s.Runs = append(s.Runs, rs)
			total += rs.Score
		}

		if len(s.Runs) > 0 {
			s.Overall = total / float64(len(s.Runs))
		}

		sort.Slice(s.Dimensions, func(i, j int) bool {
			return s.Dimensions[i].Dimension < s.Dimensions[j].Dimension
		})
		sort.Slice(s.Runs, func(i, j int) bool {
			return s.Runs[i].RunID < s.Runs[j].RunID
		})

		summaries = append(summaries, s)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].SystemVersion < summaries[j].SystemVersion
	})

	return summaries
}
