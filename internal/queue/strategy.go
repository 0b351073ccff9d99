package queue

import (
	"fmt"
	"strings"
)

// Strategy names the ordering rule used to pick the next task among all
// eligible queued rows. A Strategy is a pure value; construct one per worker
// and reuse it for every claim attempt.
type Strategy string

const (
	// StrategyFIFO claims oldest-first, higher priority breaking ties.
	StrategyFIFO Strategy = "fifo"
	// StrategyLIFO claims newest-first, higher priority breaking ties.
	StrategyLIFO Strategy = "lifo"
	// StrategyPriority claims highest priority first, oldest breaking ties.
	StrategyPriority Strategy = "priority"
	// StrategyWeightedRandom claims by priority scaled with fresh per-attempt
	// jitter, so high priority statistically wins without starving low
	// priority work entirely.
	StrategyWeightedRandom Strategy = "weighted_random"
	// StrategyWorkflowState claims tasks closest to the end of the content
	// pipeline first, to minimize work-in-progress across stages.
	StrategyWorkflowState Strategy = "workflow_state"
)

var strategies = []Strategy{
	StrategyFIFO,
	StrategyLIFO,
	StrategyPriority,
	StrategyWeightedRandom,
	StrategyWorkflowState,
}

// ParseStrategy resolves a strategy by name, case-insensitively.
func ParseStrategy(name string) (Strategy, error) {
	s := Strategy(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range strategies {
		if s == known {
			return known, nil
		}
	}
	valid := make([]string, len(strategies))
	for i, known := range strategies {
		valid[i] = string(known)
	}
	return "", fmt.Errorf("%w: %q (valid: %s)", ErrUnknownStrategy, name, strings.Join(valid, ", "))
}

// pipelineStages is the fixed content-pipeline progression, earliest stage
// first. The workflow_state strategy claims tasks tagged with later stages
// before tasks tagged with earlier ones.
var pipelineStages = []string{
	"PrismQ.T.Idea.Creation",
	"PrismQ.T.Idea.Review",
	"PrismQ.T.Topic.Clustering",
	"PrismQ.T.Title.Generation",
	"PrismQ.T.Title.Scoring",
	"PrismQ.T.Script.Creation",
	"PrismQ.T.Script.Review",
	"PrismQ.T.Scene.Planning",
	"PrismQ.T.Voice.Selection",
	"PrismQ.T.Audio.Production",
	"PrismQ.T.Audio.Normalization",
	"PrismQ.T.Subtitle.Alignment",
	"PrismQ.T.Image.Generation",
	"PrismQ.T.Video.Assembly",
	"PrismQ.T.Video.Review",
	"PrismQ.T.Metadata.Creation",
	"PrismQ.T.Thumbnail.Creation",
	"PrismQ.T.Upload.Preparation",
	"PrismQ.T.Publishing",
}

// unknownStageRank sorts unmapped workflow states after every known stage.
const unknownStageRank = 99

// stageRank maps a workflow state to its claim position: the final stage
// ranks 1 and is claimed first, the first stage ranks len(pipelineStages).
func stageRank(state string) int {
	for i, stage := range pipelineStages {
		if stage == state {
			return len(pipelineStages) - i
		}
	}
	return unknownStageRank
}

// orderClause renders the ORDER BY body for a claim. Every clause ends on the
// monotone task id, so rows inserted within the same millisecond still claim
// in a deterministic order.
func (s Strategy) orderClause() string {
	switch s {
	case StrategyLIFO:
		return "created_at DESC, priority DESC, id DESC"
	case StrategyPriority:
		return "priority DESC, created_at ASC, id ASC"
	case StrategyWeightedRandom:
		// abs(random() % 10) draws a fresh 0..9 jitter per row on every
		// claim attempt; random() % 10 keeps abs() away from the int64
		// minimum.
		return "(priority * (1.0 + 0.1 * abs(random() % 10))) DESC, id ASC"
	case StrategyWorkflowState:
		return workflowOrderClause
	default: // StrategyFIFO
		return "created_at ASC, priority DESC, id ASC"
	}
}

// workflowOrderClause is built once from pipelineStages.
var workflowOrderClause = func() string {
	var b strings.Builder
	b.WriteString("CASE state")
	for i, stage := range pipelineStages {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", stage, len(pipelineStages)-i)
	}
	fmt.Fprintf(&b, " ELSE %d END ASC, created_at ASC, id ASC", unknownStageRank)
	return b.String()
}()
