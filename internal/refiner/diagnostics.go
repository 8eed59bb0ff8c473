package refiner

import (
	"fmt"
	"sort"
	"strings"

	"github.com/eval-hub/iteration-hub/internal/aggregation"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

const (
	maxWeakestFacets = 3
	maxRationales    = 5
)

// BuildDiagnostics collects what the refiner is told about an iteration.
func BuildDiagnostics(runs []api.ModelRunDetail, rubric []api.RubricCriterion, iterationMetrics *api.IterationMetrics) *Diagnostics {
	diagnostics := &Diagnostics{
		CompositeScores:     iterationMetrics.CompositeScores,
		ConfidenceIntervals: iterationMetrics.ConfidenceIntervals,
		SafetySummary:       iterationMetrics.SafetySummary,
	}

	facets := make([]FacetScore, 0, len(iterationMetrics.Facets))
	for tag, score := range iterationMetrics.Facets {
		facets = append(facets, FacetScore{Tag: tag, Score: score})
	}
	sort.Slice(facets, func(i, j int) bool {
		if facets[i].Score == facets[j].Score {
			return facets[i].Tag < facets[j].Tag
		}
		return facets[i].Score < facets[j].Score
	})
	if len(facets) > maxWeakestFacets {
		facets = facets[:maxWeakestFacets]
	}
	diagnostics.WeakestFacets = facets

	type scored struct {
		score     float64
		rationale string
	}
	weights := aggregation.CriterionWeights(rubric)
	candidates := []scored{}
	for i := range runs {
		for j := range runs[i].Outputs {
			for k := range runs[i].Outputs[j].Judgments {
				judgment := &runs[i].Outputs[j].Judgments[k]
				if judgment.Mode != api.JudgeModePointwise || len(judgment.Rationales) == 0 {
					continue
				}
				candidates = append(candidates, scored{
					score:     aggregation.JudgmentComposite(judgment, weights),
					rationale: formatRationales(judgment.Rationales),
				})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score < candidates[j].score })
	for i := 0; i < len(candidates) && i < maxRationales; i++ {
		diagnostics.Rationales = append(diagnostics.Rationales, fmt.Sprintf("(%.2f) %s", candidates[i].score, candidates[i].rationale))
	}
	return diagnostics
}

func formatRationales(rationales map[string]string) string {
	criteria := make([]string, 0, len(rationales))
	for criterion := range rationales {
		criteria = append(criteria, criterion)
	}
	sort.Strings(criteria)
	parts := make([]string, 0, len(criteria))
	for _, criterion := range criteria {
		parts = append(parts, criterion+": "+rationales[criterion])
	}
	return strings.Join(parts, "; ")
}
