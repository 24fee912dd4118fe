package eval

import (
	"fmt"
	"strings"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
)

// Default prompts used when a task leaves the corresponding field empty.
const (
	DefaultChoiceSystemPrompt = "你是一个专业的问答助手。请仔细阅读问题和选项，选择最合适的答案。\n" +
		"请按照以下格式回答：\n" +
		"答案：[选项字母]\n" +
		"解释：[简要说明选择理由]"

	DefaultTextSystemPrompt = "你是一个专业的问答助手。请根据问题提供准确、详细、有用的回答。\n" +
		"回答要求：\n" +
		"1. 内容准确，逻辑清晰\n" +
		"2. 语言简洁明了\n" +
		"3. 针对问题的核心要点进行回答"

	DefaultChoiceEvaluationPrompt = `请评估以下选择题的回答质量：

评估标准：
1. 答案正确性 (50分)：是否选择了正确的选项
2. 解释合理性 (30分)：解释是否逻辑清晰、合理
3. 格式规范性 (20分)：是否按照要求的格式回答

问题：{question}
标准答案：{correct_answer}
待评估回答：{answer}

重要提示：请严格按照以下JSON格式返回评分结果，不要添加任何其他文字或格式标记：
{{
    "score": 85,
    "reasoning": "答案正确，解释清晰合理，格式规范",
    "feedback": "回答质量很好，但可以在解释部分提供更多细节"
}}`

	DefaultTextEvaluationPrompt = `请根据以下标准评估文本回答质量：

评估标准：
1. 准确性 (40分)：内容是否正确、符合事实
2. 完整性 (30分)：是否全面回答了问题的各个方面
3. 清晰性 (20分)：表达是否清楚、逻辑是否清晰
4. 实用性 (10分)：回答是否对提问者有帮助

问题：{question}
参考答案：{correct_answer}
待评估回答：{answer}

重要提示：请严格按照以下JSON格式返回评分结果，不要添加任何其他文字或格式标记：
{{
    "score": 85,
    "reasoning": "内容准确，覆盖全面，表达清晰",
    "feedback": "很好的回答，建议可以提供更多实例说明"
}}`

	// EvaluatorSystemPrompt is the system message of every evaluation call.
	EvaluatorSystemPrompt = "你是一个专业的问答评测专家，请客观公正地评测答案质量。"

	// fallbackEvaluationPrompt replaces templates that fail to format.
	fallbackEvaluationPrompt = `问题：{question}
参考答案：{correct_answer}
待评估回答：{answer}

请给出0到100的评分，并按JSON格式返回：{{"score": 分数, "reasoning": "评分理由"}}`

	// FailedAnswerPrefix starts the answer text recorded for a failed call.
	FailedAnswerPrefix = "API调用失败: "
)

// SystemPromptFor returns the system prompt for a question type. A
// task-wide SystemPrompt wins over the type-specific ones.
func (c PromptConfig) SystemPromptFor(qt datasets.QuestionType) string {
	if c.SystemPrompt != "" {
		return c.SystemPrompt
	}
	if qt == datasets.QuestionTypeChoice {
		if c.ChoiceSystemPrompt != "" {
			return c.ChoiceSystemPrompt
		}
		return DefaultChoiceSystemPrompt
	}
	if c.TextSystemPrompt != "" {
		return c.TextSystemPrompt
	}
	return DefaultTextSystemPrompt
}

// EvaluationPromptFor returns the evaluation template for a question type.
func (c PromptConfig) EvaluationPromptFor(qt datasets.QuestionType) string {
	if qt == datasets.QuestionTypeChoice {
		if c.ChoiceEvaluationPrompt != "" {
			return c.ChoiceEvaluationPrompt
		}
		return DefaultChoiceEvaluationPrompt
	}
	if c.TextEvaluationPrompt != "" {
		return c.TextEvaluationPrompt
	}
	return DefaultTextEvaluationPrompt
}

// BuildPrompt returns the prompt text recorded for a generated answer.
func BuildPrompt(systemPrompt, body string) string {
	if systemPrompt == "" {
		return body
	}
	return systemPrompt + "\n\n用户问题: " + body
}

// FormatTemplate substitutes {question}, {answer} and {correct_answer} in
// tmpl. "{{" and "}}" produce literal braces. Any other placeholder or an
// unbalanced brace is an error.
func FormatTemplate(tmpl string, vars map[string]string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(tmpl); i++ {
		c := tmpl[i]
		switch c {
		case '{':
			if i+1 < len(tmpl) && tmpl[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(tmpl[i+1:], '}')
			if end < 0 {
				return "", fmt.Errorf("unclosed placeholder at offset %d", i)
			}
			name := tmpl[i+1 : i+1+end]
			v, ok := vars[name]
			if !ok {
				return "", fmt.Errorf("unknown placeholder {%s}", name)
			}
			b.WriteString(v)
			i += end + 1
		case '}':
			if i+1 < len(tmpl) && tmpl[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", fmt.Errorf("single '}' at offset %d", i)
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// RenderEvaluationPrompt formats tmpl, falling back to a minimal built-in
// template when tmpl cannot be formatted.
func RenderEvaluationPrompt(tmpl, question, answer, reference string) (string, bool) {
	vars := map[string]string{
		"question":       question,
		"answer":         answer,
		"correct_answer": reference,
	}
	if out, err := FormatTemplate(tmpl, vars); err == nil {
		return out, true
	}
	out, _ := FormatTemplate(fallbackEvaluationPrompt, vars)
	return out, false
}
