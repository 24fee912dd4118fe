package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
)

func TestRubricScore(t *testing.T) {
	tests := []struct {
		name      string
		answer    string
		reference string
		score     float64
		label     string
	}{
		{"exact", "A", "A", 100, "正确"},
		{"case and space", "  a ", "A", 100, "正确"},
		{"reference inside answer", "答案：A", "A", 90, "正确"},
		{"answer inside reference", "A", "A, C", 80, "部分正确"},
		{"similar characters", "abcd", "abce", 45, "错误"},
		{"unrelated", "xyz", "abc", 0, "错误"},
		{"empty answer", "", "B", 0, "错误"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := RubricScore(datasets.QuestionTypeChoice, tt.answer, tt.reference)
			require.NoError(t, err)
			assert.Equal(t, tt.score, res.Score)
			assert.Equal(t, tt.label, res.Label)
			assert.Contains(t, res.Feedback, tt.label)
		})
	}
}

func TestRubricScore_Rejects(t *testing.T) {
	_, err := RubricScore(datasets.QuestionTypeText, "A", "A")
	assert.Error(t, err)

	_, err = RubricScore(datasets.QuestionTypeChoice, "A", "   ")
	assert.Error(t, err)
}

func TestUseRubric(t *testing.T) {
	assert.True(t, useRubric(ModeRubric, datasets.QuestionTypeChoice))
	assert.True(t, useRubric(ModeRubric, datasets.QuestionTypeText))
	assert.True(t, useRubric(ModeHybrid, datasets.QuestionTypeChoice))
	assert.False(t, useRubric(ModeHybrid, datasets.QuestionTypeText))
	assert.False(t, useRubric(ModeModel, datasets.QuestionTypeChoice))
}
