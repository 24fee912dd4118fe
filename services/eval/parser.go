package eval

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// DefaultScore is used when evaluator output holds no usable number.
const DefaultScore = 60.0

// ParsedScore is a score read from evaluator output.
type ParsedScore struct {
	Score     float64
	Reasoning string
	Feedback  string
	Outcome   ParseOutcome
	// Strategy names the parser stage that produced the score.
	Strategy string
}

type parseStrategy struct {
	name    string
	outcome ParseOutcome
	parse   func(raw string) (ParsedScore, bool)
}

// parseChain is tried in order; the first strategy that yields a score wins.
var parseChain = []parseStrategy{
	{name: "strict", outcome: OutcomeParsed, parse: parseStrict},
	{name: "balanced", outcome: OutcomeRecovered, parse: parseBalanced},
	{name: "fields", outcome: OutcomeRecovered, parse: parseFields},
	{name: "numeric", outcome: OutcomeRecovered, parse: parseNumeric},
}

// ParseScore extracts a score and rationale from raw evaluator output. It
// never fails: output without a usable number gets DefaultScore with the
// raw text as rationale. The score is clamped to [0, 100].
func ParseScore(raw string) ParsedScore {
	for _, s := range parseChain {
		if p, ok := s.parse(raw); ok {
			p.Outcome = s.outcome
			p.Strategy = s.name
			p.Score = clampScore(p.Score)
			return p
		}
	}
	return ParsedScore{
		Score:     DefaultScore,
		Reasoning: raw,
		Outcome:   OutcomeDefaulted,
		Strategy:  "default",
	}
}

func clampScore(s float64) float64 {
	switch {
	case math.IsNaN(s):
		return DefaultScore
	case s < 0:
		return 0
	case s > 100:
		return 100
	}
	return s
}

const scoreSchemaJSON = `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score": {
			"anyOf": [
				{"type": "number"},
				{"type": "string", "pattern": "^\\s*-?\\d+(\\.\\d+)?\\s*$"}
			]
		},
		"reasoning": {"type": "string"},
		"feedback": {"type": "string"}
	}
}`

var scoreSchema = mustCompileSchema(scoreSchemaJSON, "score.schema.json")

func mustCompileSchema(raw, name string) *jsonschema.Schema {
	var doc any
	if err := sonic.UnmarshalString(raw, &doc); err != nil {
		panic(fmt.Sprintf("failed to parse embedded %s: %v", name, err))
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("failed to add %s resource: %v", name, err))
	}

	sch, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("failed to compile %s: %v", name, err))
	}
	return sch
}

var (
	fenceOpen  = regexp.MustCompile("^```[A-Za-z]*\\s*")
	fenceClose = regexp.MustCompile("\\s*```$")
)

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = fenceOpen.ReplaceAllString(s, "")
	s = fenceClose.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func parseStrict(raw string) (ParsedScore, bool) {
	var doc any
	if err := sonic.UnmarshalString(stripFence(raw), &doc); err != nil {
		return ParsedScore{}, false
	}
	if err := scoreSchema.Validate(doc); err != nil {
		return ParsedScore{}, false
	}
	obj, _ := doc.(map[string]any)
	return fromObject(obj)
}

func fromObject(obj map[string]any) (ParsedScore, bool) {
	var p ParsedScore
	switch v := obj["score"].(type) {
	case float64:
		p.Score = v
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return ParsedScore{}, false
		}
		p.Score = f
	default:
		return ParsedScore{}, false
	}
	p.Reasoning, _ = obj["reasoning"].(string)
	p.Feedback, _ = obj["feedback"].(string)
	return p, true
}

func parseBalanced(raw string) (ParsedScore, bool) {
	candidates := []string{firstBalanced(raw)}
	normalized := firstBalanced(quoteReplacer.Replace(raw))
	candidates = append(candidates, repairJSON(normalized))

	for _, c := range candidates {
		if c == "" {
			continue
		}
		var obj map[string]any
		if err := sonic.UnmarshalString(c, &obj); err != nil {
			continue
		}
		if p, ok := fromObject(obj); ok {
			return p, true
		}
	}
	return ParsedScore{}, false
}

var quoteReplacer = strings.NewReplacer(
	"“", `"`, "”", `"`, "＂", `"`,
	"‘", "'", "’", "'",
)

// firstBalanced returns the first {...} substring whose braces balance,
// ignoring braces inside double-quoted strings.
func firstBalanced(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// repairJSON rewrites near-JSON into JSON outside of string literals:
// full-width colons and commas, single-quoted strings, unquoted keys and
// trailing commas.
func repairJSON(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	runes := []rune(s)
	var quote rune
	escaped := false
	lastSignificant := rune(0)

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
				b.WriteRune(r)
			case r == '\\':
				escaped = true
				b.WriteRune(r)
			case r == quote:
				quote = 0
				b.WriteRune('"')
			case r == '"' && quote == '\'':
				b.WriteString(`\"`)
			default:
				b.WriteRune(r)
			}
			continue
		}

		switch {
		case r == '"' || r == '\'':
			quote = r
			b.WriteRune('"')
		case r == '：':
			b.WriteRune(':')
		case r == '，':
			b.WriteRune(',')
		case r == '}' || r == ']':
			trimTrailingComma(&b)
			b.WriteRune(r)
		case isIdentStart(r) && (lastSignificant == '{' || lastSignificant == ','):
			j := i
			for j < len(runes) && isIdentPart(runes[j]) {
				j++
			}
			k := j
			for k < len(runes) && (runes[k] == ' ' || runes[k] == '\t') {
				k++
			}
			if k < len(runes) && (runes[k] == ':' || runes[k] == '：') {
				b.WriteRune('"')
				b.WriteString(string(runes[i:j]))
				b.WriteRune('"')
			} else {
				b.WriteString(string(runes[i:j]))
			}
			i = j - 1
			r = runes[i]
		default:
			b.WriteRune(r)
		}

		switch r {
		case ' ', '\t', '\n', '\r':
		case '：':
			lastSignificant = ':'
		case '，':
			lastSignificant = ','
		default:
			lastSignificant = r
		}
	}
	return b.String()
}

func trimTrailingComma(b *strings.Builder) {
	out := b.String()
	trimmed := strings.TrimRight(out, " \t\r\n")
	if strings.HasSuffix(trimmed, ",") {
		rest := out[len(trimmed):]
		b.Reset()
		b.WriteString(trimmed[:len(trimmed)-1])
		b.WriteString(rest)
	}
}

func isIdentStart(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isIdentPart(r rune) bool {
	return isIdentStart(r) || (r >= '0' && r <= '9')
}

var (
	scoreField     = regexp.MustCompile(`"score"\s*[:：]\s*"?(-?\d+(?:\.\d+)?)`)
	reasoningField = regexp.MustCompile(`"reasoning"\s*[:：]\s*"((?:[^"\\]|\\.)*)"`)
	feedbackField  = regexp.MustCompile(`"feedback"\s*[:：]\s*"((?:[^"\\]|\\.)*)"`)
)

func parseFields(raw string) (ParsedScore, bool) {
	text := quoteReplacer.Replace(raw)
	m := scoreField.FindStringSubmatch(text)
	if m == nil {
		return ParsedScore{}, false
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return ParsedScore{}, false
	}

	p := ParsedScore{Score: score, Reasoning: raw}
	if r := reasoningField.FindStringSubmatch(text); r != nil {
		p.Reasoning = unescape(r[1])
	}
	if f := feedbackField.FindStringSubmatch(text); f != nil {
		p.Feedback = unescape(f[1])
	}
	return p, true
}

func unescape(s string) string {
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return u
	}
	return s
}

type numericPattern struct {
	re    *regexp.Regexp
	scale float64
}

// numericPatterns are tried in order against prose output.
var numericPatterns = []numericPattern{
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*分`), 1},
	{regexp.MustCompile(`评分[：:]\s*(\d+(?:\.\d+)?)`), 1},
	{regexp.MustCompile(`分数[：:]\s*(\d+(?:\.\d+)?)`), 1},
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*/\s*100\b`), 1},
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`), 1},
	{regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*points?\b`), 1},
	{regexp.MustCompile(`(\d+(?:\.\d+)?)\s*/\s*10\b`), 10},
	{regexp.MustCompile(`(?i)score\s*[:：]\s*(\d+(?:\.\d+)?)`), 1},
}

func parseNumeric(raw string) (ParsedScore, bool) {
	for _, p := range numericPatterns {
		m := p.re.FindStringSubmatch(raw)
		if m == nil {
			continue
		}
		score, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		return ParsedScore{Score: score * p.scale, Reasoning: raw, Feedback: raw}, true
	}
	return ParsedScore{}, false
}
