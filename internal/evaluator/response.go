package evaluator

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"github.com/PaesslerAG/jsonpath"
	"github.com/xeipuuv/gojsonschema"

	"github.com/eval-hub/iteration-hub/pkg/api"
)

// ErrMalformedJudgeResponse is matched by every error caused by an unusable judge reply.
var ErrMalformedJudgeResponse = errors.New("malformed judge response")

const pointwiseSchema = `{
  "type": "object",
  "required": ["scores"],
  "properties": {
    "scores": {"type": "object", "minProperties": 1, "additionalProperties": {"type": "number"}},
    "rationales": {"type": "object", "additionalProperties": {"type": "string"}},
    "safetyFlags": {"type": "array", "items": {"type": "string"}}
  }
}`

const pairwiseSchema = `{
  "type": "object",
  "required": ["winner"],
  "properties": {
    "winner": {"type": "string", "enum": ["A", "B"]},
    "rationale": {"type": "string"}
  }
}`

var (
	pointwiseSchemaLoader = gojsonschema.NewStringLoader(pointwiseSchema)
	pairwiseSchemaLoader  = gojsonschema.NewStringLoader(pairwiseSchema)
)

// PointwiseVerdict is the parsed reply of a pointwise judge.
type PointwiseVerdict struct {
	Scores      map[string]float64 `validate:"required,min=1"`
	Rationales  map[string]string
	SafetyFlags []string
}

// PairwiseVerdict is the parsed reply of a pairwise judge.
type PairwiseVerdict struct {
	Winner    string `validate:"required,oneof=A B"`
	Rationale string
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedJudgeResponse, fmt.Sprintf(format, args...))
}

// extractJSON returns the outermost JSON object of a reply, judges often wrap it in prose or code fences.
func extractJSON(text string) (any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, malformed("no JSON object in reply")
	}
	var value any
	if err := json.Unmarshal([]byte(text[start:end+1]), &value); err != nil {
		return nil, malformed("invalid JSON: %s", err.Error())
	}
	return value, nil
}

// selectPayload applies the optional response path of the judge config.
func selectPayload(value any, responsePath string) (any, error) {
	if responsePath == "" {
		return value, nil
	}
	selected, err := jsonpath.Get(responsePath, value)
	if err != nil {
		return nil, malformed("response path %s: %s", responsePath, err.Error())
	}
	// wrapped replies often carry the verdict as an embedded JSON string
	if text, ok := selected.(string); ok {
		return extractJSON(text)
	}
	return selected, nil
}

func validateSchema(schema gojsonschema.JSONLoader, value any) error {
	result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(value))
	if err != nil {
		return malformed("schema validation: %s", err.Error())
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return malformed("%s", strings.Join(details, "; "))
	}
	return nil
}

// ParsePointwise parses a pointwise judge reply.
func ParsePointwise(text string, judge *api.JudgeConfig) (*PointwiseVerdict, error) {
	value, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	if value, err = selectPayload(value, judge.ResponsePath); err != nil {
		return nil, err
	}
	if err := validateSchema(pointwiseSchemaLoader, value); err != nil {
		return nil, err
	}

	container := gabs.Wrap(value)
	verdict := &PointwiseVerdict{Scores: map[string]float64{}, Rationales: map[string]string{}, SafetyFlags: []string{}}
	for criterion, child := range container.S("scores").ChildrenMap() {
		score, _ := child.Data().(float64)
		if math.IsNaN(score) || math.IsInf(score, 0) {
			score = 0
		}
		verdict.Scores[criterion] = score
	}
	for criterion, child := range container.S("rationales").ChildrenMap() {
		if rationale, ok := child.Data().(string); ok {
			verdict.Rationales[criterion] = rationale
		}
	}
	for _, child := range container.S("safetyFlags").Children() {
		if flag, ok := child.Data().(string); ok {
			verdict.SafetyFlags = append(verdict.SafetyFlags, flag)
		}
	}
	return verdict, nil
}

// ParsePairwise parses a pairwise judge reply.
func ParsePairwise(text string, judge *api.JudgeConfig) (*PairwiseVerdict, error) {
	value, err := extractJSON(text)
	if err != nil {
		return nil, err
	}
	if value, err = selectPayload(value, judge.ResponsePath); err != nil {
		return nil, err
	}
	if err := validateSchema(pairwiseSchemaLoader, value); err != nil {
		return nil, err
	}
	container := gabs.Wrap(value)
	verdict := &PairwiseVerdict{}
	verdict.Winner, _ = container.S("winner").Data().(string)
	verdict.Rationale, _ = container.S("rationale").Data().(string)
	return verdict, nil
}
