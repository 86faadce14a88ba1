package interview

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFollowUpVerdict(t *testing.T) {
	tests := []struct {
		analysis string
		verdict  bool
		ok       bool
	}{
		{"Good depth.\nFOLLOW_UP: no", false, true},
		{"Vague answer. follow-up: YES", true, true},
		{"Follow up : yes", true, true},
		{"FOLLOW_UP: no ... on reflection FOLLOW_UP: yes", true, true},
		{"no verdict here", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		verdict, ok := ParseFollowUpVerdict(tt.analysis)
		assert.Equal(t, tt.ok, ok, tt.analysis)
		assert.Equal(t, tt.verdict, verdict, tt.analysis)
	}
}

func TestAnalysisDeciderFallsBack(t *testing.T) {
	d := AnalysisDecider{Fallback: Always(true)}
	assert.True(t, d.ShouldFollowUp(DecisionInput{Analysis: "meh"}))
	assert.False(t, d.ShouldFollowUp(DecisionInput{Analysis: "FOLLOW_UP: no"}))
	assert.False(t, AnalysisDecider{}.ShouldFollowUp(DecisionInput{}))
}

func TestRandomDeciderBounds(t *testing.T) {
	never := NewRandomDecider(0, 7)
	always := NewRandomDecider(1, 7)
	for i := 0; i < 100; i++ {
		assert.False(t, never.ShouldFollowUp(DecisionInput{}))
		assert.True(t, always.ShouldFollowUp(DecisionInput{}))
	}

	d := NewRandomDecider(3, 1)
	assert.Equal(t, 1.0, d.Probability())
	d.SetProbability(-1)
	assert.Equal(t, 0.0, d.Probability())
}

func TestRandomDeciderIsRoughlyFair(t *testing.T) {
	d := NewRandomDecider(0.5, 99)
	hits := 0
	for i := 0; i < 2000; i++ {
		if d.ShouldFollowUp(DecisionInput{}) {
			hits++
		}
	}
	assert.InDelta(t, 1000, hits, 150)
}

func TestClassifyQuestion(t *testing.T) {
	assert.Equal(t, QuestionBehavioral, ClassifyQuestion("Tell me about a time you failed"))
	assert.Equal(t, QuestionTechnical, ClassifyQuestion("How would you scale this database?"))
	assert.Equal(t, QuestionOpen, ClassifyQuestion("Why do you want this job?"))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateWaiting, StateIntroduction))
	assert.True(t, CanTransition(StateFollowUp, StateQuestioning))
	assert.True(t, CanTransition(StateConcluding, StateCompleted))
	assert.False(t, CanTransition(StateQuestioning, StateCompleted))
	assert.False(t, CanTransition(StateCompleted, StateWaiting))
	assert.False(t, CanTransition(StateWaiting, StateConcluding))
	assert.False(t, CanTransition(StateIntroduction, StateConcluding))
	assert.True(t, canConclude(StateWaiting, StateConcluding))
	assert.True(t, canConclude(StateFollowUp, StateConcluding))
	assert.False(t, canConclude(StateCompleted, StateConcluding))
}
