// Package evaluation implements the evaluation-driven re-execution loop:
// score an executor's output against a dimension set, and re-execute
// with feedback appended to the prompt until the quality threshold is
// met or the iteration budget runs out. Grounded on
// the CLI-level evaluation contract (quality_threshold, max_iterations,
// dimension scores, multi-expert scores, human override) surfaced by
// original_source's evaluation commands, applied here as a library loop
// instead of an HTTP round trip per step.
package evaluation

import (
	"context"
	"time"

	"github.com/taskmesh/engine/internal/model"
	"github.com/taskmesh/engine/internal/repository"
)

// Result is one evaluator pass over a task's output.
type Result struct {
	Score         float64
	Dimensions    map[string]float64
	ExpertScores  map[string]float64 // populated only by a multi-expert evaluator
	Suggestions   []string
	NeedsRevision bool
}

// Evaluator scores a task's output on a fixed dimension set with weights.
type Evaluator interface {
	Evaluate(ctx context.Context, task model.Task, output string) (Result, error)
}

// ReExecuteFunc re-runs the task's executor with feedback appended to the
// original prompt, returning the new output.
type ReExecuteFunc func(ctx context.Context, feedbackPrompt string) (string, error)

// Config controls the loop's termination conditions.
type Config struct {
	QualityThreshold float64
	MaxIterations    int
}

// Outcome is the loop's terminal result.
type Outcome struct {
	Status     model.TaskStatus // done | needs_review
	Output     string
	Iterations int
	LastScore  float64
}

// Run drives the evaluation loop for a task that already produced an
// initial output. basePrompt is the prompt used to produce output; on a
// below-threshold score the loop re-executes with feedback appended to
// basePrompt rather than mutating it, so each re-execution starts from
// the same base.
//
// An evaluator failure does not propagate as a task failure: the last
// valid score is retained and the loop terminates with needs_review.
// Iteration counts include only successfully scored attempts.
func Run(ctx context.Context, repo *repository.Repository, evaluator Evaluator, task model.Task, basePrompt, output string, reexecute ReExecuteFunc, cfg Config) (Outcome, error) {
	var (
		lastScore    float64
		lastHasScore bool
		scored       int
	)

	for {
		res, err := evaluator.Evaluate(ctx, task, output)
		if err != nil {
			if !lastHasScore {
				lastScore = 0
			}
			return Outcome{Status: model.StatusNeedsReview, Output: output, Iterations: scored, LastScore: lastScore}, nil
		}

		scored++
		lastScore = res.Score
		lastHasScore = true

		if perr := persistIteration(ctx, repo, task.ID, scored, res); perr != nil {
			return Outcome{}, perr
		}

		if res.Score >= cfg.QualityThreshold {
			return Outcome{Status: model.StatusDone, Output: output, Iterations: scored, LastScore: lastScore}, nil
		}
		if scored >= cfg.MaxIterations {
			return Outcome{Status: model.StatusNeedsReview, Output: output, Iterations: scored, LastScore: lastScore}, nil
		}

		feedback := buildFeedbackPrompt(basePrompt, res)
		newOutput, err := reexecute(ctx, feedback)
		if err != nil {
			// Re-execution itself failing (as opposed to the evaluator)
			// is a genuine task failure; caller surfaces it.
			return Outcome{}, err
		}
		output = newOutput
	}
}

func buildFeedbackPrompt(basePrompt string, res Result) string {
	fb := basePrompt + "\n\n## Revision feedback\n"
	for _, s := range res.Suggestions {
		fb += "- " + s + "\n"
	}
	return fb
}

func persistIteration(ctx context.Context, repo *repository.Repository, taskID int64, iteration int, res Result) error {
	it := model.EvaluationIteration{
		TaskID:        taskID,
		Iteration:     iteration,
		Score:         res.Score,
		Dimensions:    res.Dimensions,
		ExpertScores:  res.ExpertScores,
		Suggestions:   res.Suggestions,
		NeedsRevision: res.NeedsRevision,
		Timestamp:     time.Now(),
	}
	return repo.PutEvaluationIteration(ctx, it)
}

// ApplyHumanOverride records a human_score and reason on the most recent
// iteration for a task; it supersedes the evaluator's score for routing
// decisions from that point on.
func ApplyHumanOverride(ctx context.Context, repo *repository.Repository, taskID int64, score float64, reason string) error {
	iterations, err := repo.ListEvaluationIterations(ctx, taskID)
	if err != nil {
		return err
	}
	if len(iterations) == 0 {
		it := model.EvaluationIteration{
			TaskID:      taskID,
			Iteration:   1,
			HumanScore:  &score,
			HumanReason: reason,
			Timestamp:   time.Now(),
		}
		return repo.PutEvaluationIteration(ctx, it)
	}
	latest := iterations[len(iterations)-1]
	latest.HumanScore = &score
	latest.HumanReason = reason
	return repo.PutEvaluationIteration(ctx, latest)
}

// EffectiveScore returns the score that should drive routing decisions: a
// human override takes precedence over the evaluator's own score.
func EffectiveScore(it model.EvaluationIteration) float64 {
	if it.HumanScore != nil {
		return *it.HumanScore
	}
	return it.Score
}
