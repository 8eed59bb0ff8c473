// Package refiner asks a model for a bounded unified diff edit of a prompt and applies it.
package refiner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/eval-hub/iteration-hub/internal/abstractions"
	"github.com/eval-hub/iteration-hub/internal/metrics"
	"github.com/eval-hub/iteration-hub/pkg/api"
)

const (
	DefaultMaxChangeRatio = 0.30
	DefaultNote           = "Refinement suggested by the model."
)

var ErrMissingDiff = errors.New("response does not contain a <diff> section")

var (
	diffTag = regexp.MustCompile(`(?s)<diff>(.*?)</diff>`)
	noteTag = regexp.MustCompile(`(?s)<note>(.*?)</note>`)
)

const systemPrompt = `You improve system prompts. Propose one small, targeted edit of the current prompt.
Reply with a unified diff of the prompt inside <diff></diff> tags, using @@ -a,b +c,d @@ hunk headers,
and a one paragraph explanation inside <note></note> tags. Do not rewrite the prompt wholesale.`

// FacetScore is the average score of one case tag.
type FacetScore struct {
	Tag   string  `json:"tag"`
	Score float64 `json:"score"`
}

// Diagnostics summarises an iteration for the refinement request.
type Diagnostics struct {
	CompositeScores     map[string]float64                `json:"compositeScores,omitempty"`
	ConfidenceIntervals map[string]api.ConfidenceInterval `json:"confidenceIntervals,omitempty"`
	WeakestFacets       []FacetScore                      `json:"weakestFacets,omitempty"`
	SafetySummary       *api.SafetySummary                `json:"safetySummary,omitempty"`
	Rationales          []string                          `json:"rationales,omitempty"`
}

// Refinement is an applied suggestion.
type Refinement struct {
	Diff   string
	Note   string
	Prompt string
}

// ParseResponse extracts the diff and the note of a refiner reply.
func ParseResponse(text string) (diff string, note string, err error) {
	match := diffTag.FindStringSubmatch(text)
	if match == nil {
		return "", "", ErrMissingDiff
	}
	diff = strings.Trim(match[1], "\r\n")
	note = DefaultNote
	if match := noteTag.FindStringSubmatch(text); match != nil && strings.TrimSpace(match[1]) != "" {
		note = strings.TrimSpace(match[1])
	}
	return diff, note, nil
}

type Refiner struct {
	logger         *slog.Logger
	maxChangeRatio float64
}

func NewRefiner(logger *slog.Logger, maxChangeRatio float64) *Refiner {
	if maxChangeRatio <= 0 {
		maxChangeRatio = DefaultMaxChangeRatio
	}
	return &Refiner{logger: logger, maxChangeRatio: maxChangeRatio}
}

// Refine requests a diff for prompt and returns the applied result. Any parse,
// apply or size failure rejects the whole refinement.
func (r *Refiner) Refine(ctx context.Context, goal string, rubric []api.RubricCriterion, prompt string, diagnostics *Diagnostics, adapter abstractions.ModelAdapter, options api.ChatOptions) (*Refinement, error) {
	result, err := adapter.Chat(ctx, messages(goal, rubric, prompt, diagnostics), options)
	if err != nil {
		return nil, fmt.Errorf("refiner request failed: %w", err)
	}
	if result.Usage != nil {
		metrics.LLMTokens.WithLabelValues(metrics.PurposeRefinement).Add(float64(result.Usage.TotalTokens))
	}
	diff, note, err := ParseResponse(result.Text)
	if err != nil {
		return nil, err
	}
	updated, err := ApplyDiff(prompt, diff)
	if err != nil {
		return nil, err
	}
	if err := CheckChangeRatio(prompt, updated, r.maxChangeRatio); err != nil {
		return nil, err
	}
	r.logger.Info("Prompt refinement accepted", "ratio", ChangeRatio(prompt, updated))
	return &Refinement{Diff: diff, Note: note, Prompt: updated}, nil
}

func messages(goal string, rubric []api.RubricCriterion, prompt string, diagnostics *Diagnostics) []api.ChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nRubric:\n", goal)
	for _, criterion := range rubric {
		fmt.Fprintf(&b, "- %s (weight %.2f)", criterion.Name, criterion.Weight)
		if criterion.Description != "" {
			fmt.Fprintf(&b, ": %s", criterion.Description)
		}
		b.WriteString("\n")
	}
	b.WriteString("\nCurrent prompt (line numbers start at 1):\n")
	for i, line := range strings.Split(prompt, "\n") {
		fmt.Fprintf(&b, "%d| %s\n", i+1, line)
	}
	if diagnostics != nil {
		writeDiagnostics(&b, diagnostics)
	}
	return []api.ChatMessage{
		{Role: api.RoleSystem, Content: systemPrompt},
		{Role: api.RoleUser, Content: b.String()},
	}
}

func writeDiagnostics(b *strings.Builder, diagnostics *Diagnostics) {
	if len(diagnostics.CompositeScores) > 0 {
		b.WriteString("\nComposite scores per run:\n")
		runIDs := make([]string, 0, len(diagnostics.CompositeScores))
		for runID := range diagnostics.CompositeScores {
			runIDs = append(runIDs, runID)
		}
		sort.Strings(runIDs)
		for _, runID := range runIDs {
			fmt.Fprintf(b, "- %s: %.3f", runID, diagnostics.CompositeScores[runID])
			if interval, ok := diagnostics.ConfidenceIntervals[runID]; ok {
				fmt.Fprintf(b, " (95%% CI %.3f to %.3f)", interval.Lower, interval.Upper)
			}
			b.WriteString("\n")
		}
	}
	if len(diagnostics.WeakestFacets) > 0 {
		b.WriteString("\nWeakest tags:\n")
		for _, facet := range diagnostics.WeakestFacets {
			fmt.Fprintf(b, "- %s: %.3f\n", facet.Tag, facet.Score)
		}
	}
	if summary := diagnostics.SafetySummary; summary != nil && summary.FlaggedOutputs > 0 {
		fmt.Fprintf(b, "\nSafety: %d of %d outputs flagged (pii %d, toxic %d, jailbreak %d, policy %d)\n",
			summary.FlaggedOutputs, summary.TotalOutputs, summary.PIIFindings, summary.ToxicFindings, summary.JailbreakFindings, summary.PolicyFindings)
	}
	if len(diagnostics.Rationales) > 0 {
		b.WriteString("\nJudge feedback on the lowest scoring outputs:\n")
		for _, rationale := range diagnostics.Rationales {
			fmt.Fprintf(b, "- %s\n", rationale)
		}
	}
}
