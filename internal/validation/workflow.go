package validation

import (
	"encoding/json"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/tenantkit/automation/pkg/schema"
)

// Validator checks definitions for correctness before they are stored
// or executed.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
	ValidateTemplate(tpl *schema.MessageTemplate) error
}

// DefinitionValidator layers semantic checks on top of JSON Schema
// shape validation: trigger consistency, cron syntax, duplicate step
// IDs, and per-type config decoding.
type DefinitionValidator struct {
	shapes *JSONSchemaValidator
	parser cron.Parser
}

// NewDefinitionValidator creates the full workflow/template validator.
func NewDefinitionValidator() (*DefinitionValidator, error) {
	shapes, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &DefinitionValidator{
		shapes: shapes,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}, nil
}

// ValidateDefinition rejects definitions that would fail or misbehave
// at run time.
func (v *DefinitionValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if err := v.shapes.ValidateShape(def); err != nil {
		return err
	}

	switch def.Trigger.Kind {
	case schema.TriggerEvent:
		if def.Trigger.Event == "" {
			return schema.NewError(schema.ErrCodeValidation, "event trigger requires an event name")
		}
	case schema.TriggerSchedule:
		if def.Trigger.Cron == "" {
			return schema.NewError(schema.ErrCodeValidation, "schedule trigger requires a cron expression")
		}
		if _, err := v.parser.Parse(def.Trigger.Cron); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"invalid cron expression %q: %s", def.Trigger.Cron, err.Error()).WithCause(err)
		}
	case schema.TriggerManual:
		// No trigger config needed.
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger kind %q", def.Trigger.Kind)
	}

	seen := make(map[string]struct{}, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if _, dup := seen[step.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		seen[step.ID] = struct{}{}

		if err := validateStepConfig(step); err != nil {
			return err
		}
	}
	return nil
}

// ValidateTemplate checks a message template's shape and step channels.
func (v *DefinitionValidator) ValidateTemplate(tpl *schema.MessageTemplate) error {
	if err := v.shapes.ValidateTemplateShape(tpl); err != nil {
		return err
	}
	for _, step := range tpl.Steps {
		if !step.Channel.Valid() {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown channel %q", step.Channel)
		}
	}
	return nil
}

// validateStepConfig decodes the step's config with its typed shape.
// Unknown step types pass: they execute as no-ops, so rejecting them
// here would break forward compatibility.
func validateStepConfig(step *schema.Step) error {
	var err error
	switch step.Type {
	case schema.StepDelay:
		var cfg schema.DelayConfig
		if err = decode(step, &cfg); err == nil && cfg.Duration < 0 {
			err = schema.NewErrorf(schema.ErrCodeValidation, "step %q: negative delay", step.ID)
		}
	case schema.StepCondition:
		var cfg schema.ConditionConfig
		if err = decode(step, &cfg); err == nil {
			err = validateCondition(step.ID, &cfg)
		}
	case schema.StepWebhook:
		var cfg schema.WebhookConfig
		if err = decode(step, &cfg); err == nil && cfg.Event == "" {
			err = schema.NewErrorf(schema.ErrCodeValidation, "step %q: webhook requires an event name", step.ID)
		}
	case schema.StepSendEmail:
		var cfg schema.SendEmailConfig
		err = decode(step, &cfg)
	case schema.StepSendSMS:
		var cfg schema.SendSMSConfig
		err = decode(step, &cfg)
	case schema.StepCreateContact:
		var cfg schema.CreateContactConfig
		err = decode(step, &cfg)
	case schema.StepCreateTask:
		var cfg schema.CreateTaskConfig
		if err = decode(step, &cfg); err == nil && cfg.Title == "" {
			err = schema.NewErrorf(schema.ErrCodeValidation, "step %q: task requires a title", step.ID)
		}
	case schema.StepTransform:
		var cfg schema.TransformConfig
		if err = decode(step, &cfg); err == nil && cfg.Query == "" {
			err = schema.NewErrorf(schema.ErrCodeValidation, "step %q: transform requires a query", step.ID)
		}
	}
	return err
}

func validateCondition(stepID string, cfg *schema.ConditionConfig) error {
	if cfg.Expression != "" {
		switch cfg.Language {
		case "", "cel", "expr":
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %q: unknown condition language %q", stepID, cfg.Language)
	}
	if cfg.Field == "" || cfg.Operator == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"step %q: condition requires field and operator, or an expression", stepID)
	}
	switch cfg.Operator {
	case schema.OpEquals, schema.OpNotEquals, schema.OpGreaterThan,
		schema.OpLessThan, schema.OpContains, schema.OpNotContains:
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeValidation,
		"step %q: unknown operator %q", stepID, cfg.Operator)
}

func decode(step *schema.Step, dst any) error {
	if len(step.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(step.Config, dst); err != nil {
		return schema.NewError(schema.ErrCodeValidation,
			fmt.Sprintf("step %q: invalid %s config", step.ID, step.Type)).WithCause(err)
	}
	return nil
}

var _ Validator = (*DefinitionValidator)(nil)
