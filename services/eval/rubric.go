package eval

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
)

// RubricEvaluatorID identifies rubric evaluations.
const RubricEvaluatorID = "choice-rubric"

var (
	errRubricNotChoice   = errors.New("rubric evaluation only supports choice questions")
	errRubricNoReference = errors.New("rubric evaluation needs a reference answer")
)

// RubricResult is the outcome of comparing an answer with the reference.
type RubricResult struct {
	Score    float64
	Label    string
	Feedback string
}

// RubricScore compares a choice answer with its reference after lower
// casing and trimming both: exact match 100, reference inside the answer
// 90, answer inside the reference 80, otherwise character-set similarity
// above 0.5 scores int(similarity*60) and anything else 0.
func RubricScore(qt datasets.QuestionType, answer, reference string) (RubricResult, error) {
	if qt != datasets.QuestionTypeChoice {
		return RubricResult{}, errRubricNotChoice
	}
	ref := strings.ToLower(strings.TrimSpace(reference))
	if ref == "" {
		return RubricResult{}, errRubricNoReference
	}
	ans := strings.ToLower(strings.TrimSpace(answer))

	var score int
	var detail string
	switch {
	case ans == "":
		detail = "回答为空"
	case ans == ref:
		score = 100
		detail = "精确匹配标准答案: " + ref
	case strings.Contains(ans, ref):
		score = 90
		detail = "部分匹配标准答案: " + ref
	case strings.Contains(ref, ans):
		score = 80
		detail = "答案包含在标准答案中: " + ref
	default:
		sim := charSimilarity(ans, ref)
		if sim > 0.5 {
			score = int(sim * 60)
			detail = fmt.Sprintf("与标准答案有一定相似度: %.2f", sim)
		}
	}

	label := rubricLabel(score)
	feedback := "自动评测结果: " + label
	if detail != "" {
		feedback = fmt.Sprintf("自动评测结果: %s (得分: %d分)\n详情: %s", label, score, detail)
	}
	return RubricResult{Score: float64(score), Label: label, Feedback: feedback}, nil
}

func rubricLabel(score int) string {
	switch {
	case score >= 90:
		return "正确"
	case score >= 60:
		return "部分正确"
	default:
		return "错误"
	}
}

// charSimilarity is |A∩B| / max(|A|, |B|, 1) over the rune sets of a and b.
func charSimilarity(a, b string) float64 {
	setA := runeSet(a)
	setB := runeSet(b)
	common := 0
	for r := range setA {
		if setB[r] {
			common++
		}
	}
	return float64(common) / float64(max(len(setA), len(setB), 1))
}

func runeSet(s string) map[rune]bool {
	set := make(map[rune]bool)
	for _, r := range s {
		set[r] = true
	}
	return set
}
