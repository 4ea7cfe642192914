package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tenantkit/automation/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition
// validation. Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://tenantkit.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "tenant_id", "trigger", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "tenant_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "active": { "type": "boolean" },
    "trigger": {
      "type": "object",
      "required": ["kind"],
      "properties": {
        "kind": {
          "type": "string",
          "enum": ["event", "schedule", "manual"]
        },
        "event": { "type": "string" },
        "cron": { "type": "string" }
      },
      "additionalProperties": false
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string", "minLength": 1 },
        "config": {}
      },
      "additionalProperties": false
    }
  }
}`

// templateSchemaJSON is the JSON Schema for MessageTemplate validation.
const templateSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://tenantkit.dev/schemas/template.json",
  "type": "object",
  "required": ["id", "tenant_id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "tenant_id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["channel", "body"],
        "properties": {
          "order": { "type": "integer", "minimum": 0 },
          "channel": {
            "type": "string",
            "enum": ["email", "sms", "whatsapp"]
          },
          "day_offset": { "type": "integer", "minimum": 0 },
          "subject": { "type": "string" },
          "body": { "type": "string", "minLength": 1 }
        },
        "additionalProperties": false
      }
    }
  },
  "additionalProperties": false
}`

// JSONSchemaValidator checks definitions against embedded JSON Schemas
// (Draft 2020-12). Safe for concurrent use; schemas are compiled once.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
	templateSchema *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	wf, err := compileSchema(c, "https://tenantkit.dev/schemas/workflow.json", workflowSchemaJSON)
	if err != nil {
		return nil, err
	}
	tpl, err := compileSchema(c, "https://tenantkit.dev/schemas/template.json", templateSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &JSONSchemaValidator{workflowSchema: wf, templateSchema: tpl}, nil
}

func compileSchema(c *jsonschema.Compiler, url, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return compiled, nil
}

// ValidateShape checks a workflow definition's structure against the
// embedded schema. Semantic checks (cron syntax, per-type configs,
// duplicate IDs) are ValidateDefinition's job.
func (v *JSONSchemaValidator) ValidateShape(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// ValidateTemplateShape checks a message template's structure.
func (v *JSONSchemaValidator) ValidateTemplateShape(tpl *schema.MessageTemplate) error {
	if tpl == nil {
		return schema.NewError(schema.ErrCodeValidation, "message template is nil")
	}
	doc, err := toJSONValue(tpl)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "serialize message template").WithCause(err)
	}
	if err := v.templateSchema.Validate(doc); err != nil {
		return toValidationError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toValidationError flattens a jsonschema.ValidationError tree into a
// structured error listing every leaf violation.
func toValidationError(err error) *schema.AutomationError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}
	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
