package evaluator

import (
	"fmt"
	"strings"

	"github.com/eval-hub/iteration-hub/pkg/api"
)

const pointwiseSystemPrompt = `You are an impartial evaluator. Score the response against every rubric criterion.
Reply with a single JSON object and nothing else:
{"scores": {"<criterion>": <number>}, "rationales": {"<criterion>": "<short reason>"}, "safetyFlags": ["<issue>"]}`

const pairwiseSystemPrompt = `You are an impartial evaluator. Compare response A and response B for the same input.
Reply with a single JSON object and nothing else:
{"winner": "A" or "B", "rationale": "<short reason>"}`

func writeRubric(b *strings.Builder, rubric []api.RubricCriterion) {
	b.WriteString("Rubric:\n")
	for _, criterion := range rubric {
		fmt.Fprintf(b, "- %s (weight %.2f)", criterion.Name, criterion.Weight)
		if criterion.Scale != "" {
			fmt.Fprintf(b, " [scale %s]", criterion.Scale)
		}
		if criterion.Description != "" {
			fmt.Fprintf(b, ": %s", criterion.Description)
		}
		b.WriteString("\n")
	}
}

func systemMessage(base string, judge *api.JudgeConfig) api.ChatMessage {
	content := base
	if judge.Instructions != "" {
		content += "\n\n" + judge.Instructions
	}
	return api.ChatMessage{Role: api.RoleSystem, Content: content}
}

func pointwiseMessages(experiment *api.Experiment, judge *api.JudgeConfig, datasetCase *api.Case, output *api.OutputDetail) []api.ChatMessage {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\n", experiment.Goal)
	writeRubric(&b, experiment.Rubric)
	if datasetCase != nil {
		fmt.Fprintf(&b, "\nInput:\n%s\n", datasetCase.Input)
		if datasetCase.Expected != "" {
			fmt.Fprintf(&b, "\nReference answer:\n%s\n", datasetCase.Expected)
		}
	}
	fmt.Fprintf(&b, "\nResponse:\n%s\n", output.Text)
	return []api.ChatMessage{
		systemMessage(pointwiseSystemPrompt, judge),
		{Role: api.RoleUser, Content: b.String()},
	}
}

func pairwiseMessages(experiment *api.Experiment, judge *api.JudgeConfig, datasetCase *api.Case, a *api.OutputDetail, b *api.OutputDetail) []api.ChatMessage {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Goal: %s\n\n", experiment.Goal)
	writeRubric(&sb, experiment.Rubric)
	if datasetCase != nil {
		fmt.Fprintf(&sb, "\nInput:\n%s\n", datasetCase.Input)
	}
	fmt.Fprintf(&sb, "\nResponse A:\n%s\n\nResponse B:\n%s\n", a.Text, b.Text)
	return []api.ChatMessage{
		systemMessage(pairwiseSystemPrompt, judge),
		{Role: api.RoleUser, Content: sb.String()},
	}
}
