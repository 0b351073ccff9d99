package queue

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	for _, name := range []string{"fifo", "lifo", "priority", "weighted_random", "workflow_state"} {
		s, err := ParseStrategy(name)
		require.NoError(t, err)
		assert.Equal(t, Strategy(name), s)
	}
}

func TestParseStrategyNormalizes(t *testing.T) {
	s, err := ParseStrategy("  PRIORITY ")
	require.NoError(t, err)
	assert.Equal(t, StrategyPriority, s)
}

func TestParseStrategyUnknown(t *testing.T) {
	_, err := ParseStrategy("round_robin")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownStrategy)
	assert.Contains(t, err.Error(), "round_robin")
	assert.Contains(t, err.Error(), "weighted_random") // lists the valid set
}

func TestStageRank(t *testing.T) {
	assert.Equal(t, 1, stageRank("PrismQ.T.Publishing"))
	assert.Equal(t, len(pipelineStages), stageRank("PrismQ.T.Idea.Creation"))
	assert.Equal(t, unknownStageRank, stageRank("Not.A.Stage"))
	assert.Equal(t, unknownStageRank, stageRank(""))

	// Later stages always rank ahead of earlier ones.
	for i := 1; i < len(pipelineStages); i++ {
		assert.Less(t, stageRank(pipelineStages[i]), stageRank(pipelineStages[i-1]))
	}
}

func TestOrderClausesEndOnTaskID(t *testing.T) {
	for _, s := range strategies {
		clause := s.orderClause()
		assert.True(t, strings.HasSuffix(clause, "id ASC") || strings.HasSuffix(clause, "id DESC"),
			"strategy %s clause %q lacks the id tie-break", s, clause)
	}
}

func TestWorkflowOrderClause(t *testing.T) {
	clause := StrategyWorkflowState.orderClause()
	assert.Contains(t, clause, "WHEN 'PrismQ.T.Publishing' THEN 1")
	assert.Contains(t, clause, "WHEN 'PrismQ.T.Idea.Creation' THEN 19")
	assert.Contains(t, clause, "ELSE 99")
}

func TestUnknownStrategyFallsBackToFIFO(t *testing.T) {
	// Strategy values come through ParseStrategy in practice, but a zero
	// value must still produce a usable clause.
	assert.Equal(t, StrategyFIFO.orderClause(), Strategy("").orderClause())
}
