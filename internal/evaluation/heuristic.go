package evaluation

import (
	"context"
	"strings"

	"github.com/taskmesh/engine/internal/model"
)

// dimensionWeights mirrors the CLI's quality_threshold/evaluation_dimensions
// contract: a fixed dimension set with weights summing to 1.0, used by the
// default heuristic evaluator when no LLM-backed evaluator is configured.
var dimensionWeights = map[string]float64{
	"completeness": 0.4,
	"relevance":    0.35,
	"clarity":      0.25,
}

// HeuristicEvaluator scores output with cheap, deterministic text heuristics
// rather than a remote LLM call. It exists so the loop is exercisable
// without a provider dependency; production deployments supply their own
// Evaluator backed by an LLM judge.
type HeuristicEvaluator struct {
	MinLength int
}

// NewHeuristicEvaluator returns an evaluator that expects at least minLength
// characters of output to consider a task "complete".
func NewHeuristicEvaluator(minLength int) *HeuristicEvaluator {
	if minLength <= 0 {
		minLength = 200
	}
	return &HeuristicEvaluator{MinLength: minLength}
}

func (h *HeuristicEvaluator) Evaluate(_ context.Context, task model.Task, output string) (Result, error) {
	completeness := clamp01(float64(len(output)) / float64(h.MinLength))
	relevance := keywordOverlap(task.InputPrompt, output)
	clarity := clarityScore(output)

	dims := map[string]float64{
		"completeness": completeness,
		"relevance":    relevance,
		"clarity":      clarity,
	}
	overall := 0.0
	for name, weight := range dimensionWeights {
		overall += dims[name] * weight
	}

	var suggestions []string
	if completeness < 0.7 {
		suggestions = append(suggestions, "expand the output with more supporting detail")
	}
	if relevance < 0.5 {
		suggestions = append(suggestions, "address the prompt's key terms more directly")
	}
	if clarity < 0.5 {
		suggestions = append(suggestions, "break the output into shorter, clearer sentences")
	}

	return Result{
		Score:         overall,
		Dimensions:    dims,
		Suggestions:   suggestions,
		NeedsRevision: len(suggestions) > 0,
	}, nil
}

func keywordOverlap(prompt, output string) float64 {
	promptWords := uniqueWords(prompt)
	if len(promptWords) == 0 {
		return 1
	}
	outputWords := uniqueWords(output)
	hits := 0
	for w := range promptWords {
		if outputWords[w] {
			hits++
		}
	}
	return clamp01(float64(hits) / float64(len(promptWords)))
}

func uniqueWords(s string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'()")
		if len(w) > 3 {
			words[w] = true
		}
	}
	return words
}

func clarityScore(output string) float64 {
	sentences := strings.FieldsFunc(output, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
	if len(sentences) == 0 {
		return 0
	}
	totalWords := len(strings.Fields(output))
	avgLen := float64(totalWords) / float64(len(sentences))
	// Favor sentences in the 8-25 word range; penalize far outside it.
	if avgLen <= 0 {
		return 0
	}
	if avgLen < 8 {
		return clamp01(avgLen / 8)
	}
	if avgLen > 25 {
		return clamp01(25 / avgLen)
	}
	return 1
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
