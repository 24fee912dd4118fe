// Package taskfile reads task definitions from YAML or JSON files.
package taskfile

import (
	"bytes"
	"fmt"
	"os"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/eval"
)

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["name", "dataset_id", "model_id"],
	"additionalProperties": false,
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"description": {"type": "string"},
		"dataset_id": {"type": "string", "minLength": 1},
		"dataset_version": {"type": "integer", "minimum": 1},
		"model_id": {"type": "string", "minLength": 1},
		"evaluator_model_id": {"type": "string"},
		"evaluation_mode": {"enum": ["model", "rubric", "hybrid"]},
		"api_key": {"type": "string"},
		"question_limit": {"type": "integer", "minimum": 0},
		"prompts": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"system_prompt": {"type": "string"},
				"choice_system_prompt": {"type": "string"},
				"text_system_prompt": {"type": "string"},
				"choice_evaluation_prompt": {"type": "string"},
				"text_evaluation_prompt": {"type": "string"}
			}
		},
		"sampling": {
			"type": "object",
			"additionalProperties": false,
			"properties": {
				"temperature": {"type": "number", "minimum": 0, "maximum": 2},
				"max_tokens": {"type": "integer", "minimum": 1, "maximum": 32768},
				"top_k": {"type": "integer", "minimum": 1, "maximum": 100},
				"enable_reasoning": {"type": "boolean"}
			}
		}
	}
}`

var schema = compileSchema()

func compileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
	if err != nil {
		panic(fmt.Sprintf("taskfile: bad schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("task.schema.json", doc); err != nil {
		panic(fmt.Sprintf("taskfile: bad schema: %v", err))
	}
	return c.MustCompile("task.schema.json")
}

// Read loads and validates the task file at path.
func Read(path string) (eval.CreateTaskInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return eval.CreateTaskInput{}, fmt.Errorf("failed to read task file: %w", err)
	}
	in, err := Parse(data)
	if err != nil {
		return eval.CreateTaskInput{}, fmt.Errorf("%s: %w", path, err)
	}
	return in, nil
}

// Parse validates a YAML or JSON task definition and decodes it. JSON is
// accepted because it is valid YAML.
func Parse(data []byte) (eval.CreateTaskInput, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return eval.CreateTaskInput{}, fmt.Errorf("invalid YAML: %w", err)
	}
	if doc == nil {
		return eval.CreateTaskInput{}, fmt.Errorf("task file is empty")
	}

	// Round-trip through JSON so the validator sees JSON numbers and
	// string-keyed objects only.
	raw, err := sonic.Marshal(doc)
	if err != nil {
		return eval.CreateTaskInput{}, fmt.Errorf("unsupported value in task file: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return eval.CreateTaskInput{}, err
	}
	if err := schema.Validate(inst); err != nil {
		return eval.CreateTaskInput{}, fmt.Errorf("invalid task: %w", err)
	}

	var in eval.CreateTaskInput
	if err := sonic.Unmarshal(raw, &in); err != nil {
		return eval.CreateTaskInput{}, fmt.Errorf("failed to decode task: %w", err)
	}
	return in, nil
}
