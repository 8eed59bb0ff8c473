// Package aggregation turns judgments into composite scores, confidence
// intervals, facets, coverage and pairwise rankings.
package aggregation

import (
	"hash/fnv"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"

	"github.com/eval-hub/iteration-hub/pkg/api"
)

const (
	DefaultSamples = 500
	DefaultSeed    = "iteration-hub"

	UntaggedBucket    = "untagged"
	UnknownDifficulty = "unknown"

	lowerPercentile = 0.025
	upperPercentile = 0.975
)

// CriterionWeights maps criterion name to weight.
func CriterionWeights(rubric []api.RubricCriterion) map[string]float64 {
	weights := make(map[string]float64, len(rubric))
	for _, criterion := range rubric {
		weights[criterion.Name] = criterion.Weight
	}
	return weights
}

func finite(value float64) float64 {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0
	}
	return value
}

// JudgmentComposite is the weighted sum of the criterion scores of one judgment.
// Criteria missing from the rubric weigh 0.
func JudgmentComposite(judgment *api.Judgment, weights map[string]float64) float64 {
	total := 0.0
	for criterion, score := range judgment.Scores {
		total += weights[criterion] * finite(score)
	}
	return total
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}

// outputComposites returns the composite of every pointwise judgment of an output.
func outputComposites(output *api.OutputDetail, weights map[string]float64) []float64 {
	composites := []float64{}
	for i := range output.Judgments {
		if output.Judgments[i].Mode != api.JudgeModePointwise {
			continue
		}
		composites = append(composites, JudgmentComposite(&output.Judgments[i], weights))
	}
	return composites
}

// runComposites returns the per-judgment composites of every pointwise judgment of a run.
func runComposites(run *api.ModelRunDetail, weights map[string]float64) []float64 {
	composites := []float64{}
	for i := range run.Outputs {
		composites = append(composites, outputComposites(&run.Outputs[i], weights)...)
	}
	return composites
}

// CompositeScores is the mean pointwise composite per run, 0 for runs without pointwise judgments.
func CompositeScores(runs []api.ModelRunDetail, rubric []api.RubricCriterion) map[string]float64 {
	weights := CriterionWeights(rubric)
	scores := make(map[string]float64, len(runs))
	for i := range runs {
		scores[runs[i].ID] = mean(runComposites(&runs[i], weights))
	}
	return scores
}

// IterationComposite is the mean composite of the runs that have at least one
// pointwise judgment. It is nil when no run was judged.
func IterationComposite(runs []api.ModelRunDetail, rubric []api.RubricCriterion) *float64 {
	weights := CriterionWeights(rubric)
	scores := []float64{}
	for i := range runs {
		composites := runComposites(&runs[i], weights)
		if len(composites) == 0 {
			continue
		}
		scores = append(scores, mean(composites))
	}
	if len(scores) == 0 {
		return nil
	}
	score := mean(scores)
	return &score
}

// newRand returns the generator for one run, seeded from "<seed>:<runId>".
func newRand(seed string, runID string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(seed + ":" + runID))
	sum := h.Sum64()
	return rand.New(rand.NewPCG(sum, sum^0x9e3779b97f4a7c15))
}

func percentileIndex(n int, p float64, round func(float64) float64) int {
	index := int(round(p * float64(n)))
	if index < 0 {
		return 0
	}
	if index > n-1 {
		return n - 1
	}
	return index
}

// BootstrapInterval resamples values with replacement samples times and returns
// the 2.5th and 97.5th percentiles of the resample means.
func BootstrapInterval(values []float64, samples int, seed string, runID string) api.ConfidenceInterval {
	if len(values) == 0 || samples <= 0 {
		return api.ConfidenceInterval{}
	}
	rng := newRand(seed, runID)
	means := make([]float64, samples)
	for s := 0; s < samples; s++ {
		total := 0.0
		for range values {
			total += values[rng.IntN(len(values))]
		}
		means[s] = total / float64(len(values))
	}
	sort.Float64s(means)
	return api.ConfidenceInterval{
		Lower: means[percentileIndex(samples, lowerPercentile, math.Floor)],
		Upper: means[percentileIndex(samples, upperPercentile, math.Ceil)],
	}
}

// BootstrapConfidenceIntervals computes the interval of every run from its per-judgment composites.
func BootstrapConfidenceIntervals(runs []api.ModelRunDetail, rubric []api.RubricCriterion, samples int, seed string) map[string]api.ConfidenceInterval {
	weights := CriterionWeights(rubric)
	intervals := make(map[string]api.ConfidenceInterval, len(runs))
	for i := range runs {
		intervals[runs[i].ID] = BootstrapInterval(runComposites(&runs[i], weights), samples, seed, runs[i].ID)
	}
	return intervals
}

// outputScore is the mean pointwise composite of an output, 0 when it was not judged.
func outputScore(output *api.OutputDetail, weights map[string]float64) float64 {
	return mean(outputComposites(output, weights))
}

// Facets averages the output scores per case tag. Untagged outputs are left out.
func Facets(runs []api.ModelRunDetail, rubric []api.RubricCriterion) map[string]float64 {
	weights := CriterionWeights(rubric)
	totals := map[string]float64{}
	counts := map[string]int{}
	for i := range runs {
		for j := range runs[i].Outputs {
			output := &runs[i].Outputs[j]
			if output.Case == nil {
				continue
			}
			score := outputScore(output, weights)
			for _, tag := range output.Case.Tags {
				totals[tag] += score
				counts[tag]++
			}
		}
	}
	facets := make(map[string]float64, len(totals))
	for tag, total := range totals {
		facets[tag] = total / float64(counts[tag])
	}
	return facets
}

func difficultyBucket(datasetCase *api.Case) string {
	if datasetCase == nil || datasetCase.Difficulty == nil {
		return UnknownDifficulty
	}
	return strconv.Itoa(*datasetCase.Difficulty)
}

// Coverage groups the output scores by tag and difficulty bucket.
func Coverage(runs []api.ModelRunDetail, rubric []api.RubricCriterion) api.CoverageMatrix {
	weights := CriterionWeights(rubric)
	type cell struct {
		count int
		total float64
	}
	cells := map[string]map[string]*cell{}
	for i := range runs {
		for j := range runs[i].Outputs {
			output := &runs[i].Outputs[j]
			score := outputScore(output, weights)
			tags := []string{UntaggedBucket}
			if output.Case != nil && len(output.Case.Tags) > 0 {
				tags = output.Case.Tags
			}
			bucket := difficultyBucket(output.Case)
			for _, tag := range tags {
				if cells[tag] == nil {
					cells[tag] = map[string]*cell{}
				}
				if cells[tag][bucket] == nil {
					cells[tag][bucket] = &cell{}
				}
				cells[tag][bucket].count++
				cells[tag][bucket].total += score
			}
		}
	}
	matrix := api.CoverageMatrix{}
	for tag, row := range cells {
		matrix[tag] = map[string]api.CoverageCell{}
		for bucket, c := range row {
			matrix[tag][bucket] = api.CoverageCell{Count: c.count, AvgScore: c.total / float64(c.count)}
		}
	}
	return matrix
}

// PairwiseRankings counts comparisons, wins and losses per run over the pairwise judgments.
func PairwiseRankings(runs []api.ModelRunDetail) map[string]api.PairwiseRanking {
	rankings := map[string]*api.PairwiseRanking{}
	ranking := func(runID string) *api.PairwiseRanking {
		if rankings[runID] == nil {
			rankings[runID] = &api.PairwiseRanking{}
		}
		return rankings[runID]
	}
	for i := range runs {
		for j := range runs[i].Outputs {
			output := &runs[i].Outputs[j]
			for k := range output.Judgments {
				judgment := &output.Judgments[k]
				if judgment.Mode != api.JudgeModePairwise || judgment.Metadata == nil {
					continue
				}
				first := ranking(runs[i].ID)
				competitor := ranking(judgment.Metadata.CompetitorModelRunID)
				first.Comparisons++
				competitor.Comparisons++
				if judgment.WinnerOutputID == nil {
					continue
				}
				switch *judgment.WinnerOutputID {
				case output.ID:
					first.Wins++
					competitor.Losses++
				case judgment.Metadata.CompetitorOutputID:
					competitor.Wins++
					first.Losses++
				}
			}
		}
	}
	result := make(map[string]api.PairwiseRanking, len(rankings))
	for runID, r := range rankings {
		if r.Comparisons > 0 {
			r.WinRate = float64(r.Wins) / float64(r.Comparisons)
		}
		result[runID] = *r
	}
	return result
}

// Engine bundles the aggregation functions with the bootstrap settings.
type Engine struct {
	samples int
	seed    string
}

func NewEngine(samples int, seed string) *Engine {
	if samples <= 0 {
		samples = DefaultSamples
	}
	if seed == "" {
		seed = DefaultSeed
	}
	return &Engine{samples: samples, seed: seed}
}

// Aggregate computes every iteration metric produced by aggregation.
func (e *Engine) Aggregate(runs []api.ModelRunDetail, rubric []api.RubricCriterion) *api.IterationMetrics {
	totalOutputs := 0
	for i := range runs {
		totalOutputs += len(runs[i].Outputs)
	}
	return &api.IterationMetrics{
		TotalOutputs:        &totalOutputs,
		CompositeScore:      IterationComposite(runs, rubric),
		CompositeScores:     CompositeScores(runs, rubric),
		ConfidenceIntervals: BootstrapConfidenceIntervals(runs, rubric, e.samples, e.seed),
		Facets:              Facets(runs, rubric),
		Coverage:            Coverage(runs, rubric),
		PairwiseRankings:    PairwiseRankings(runs),
	}
}
