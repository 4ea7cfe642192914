package validation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantkit/automation/pkg/schema"
)

func newValidator(t *testing.T) *DefinitionValidator {
	t.Helper()
	v, err := NewDefinitionValidator()
	require.NoError(t, err)
	return v
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func validDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:       "wf-1",
		TenantID: "tenant-1",
		Name:     "welcome flow",
		Trigger:  schema.Trigger{Kind: schema.TriggerEvent, Event: "contact.created"},
		Steps: []schema.Step{
			{ID: "s1", Type: schema.StepDelay},
		},
		Active: true,
	}
}

func TestValidateDefinition_Valid(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps = []schema.Step{
		{ID: "check", Type: schema.StepCondition, Config: raw(t, schema.ConditionConfig{
			Field: "status", Operator: schema.OpEquals, Value: "new",
		})},
		{ID: "mail", Type: schema.StepSendEmail, Config: raw(t, schema.SendEmailConfig{
			Subject: "welcome",
		})},
	}
	assert.NoError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_MissingRequiredFields(t *testing.T) {
	v := newValidator(t)

	def := validDefinition()
	def.TenantID = ""
	assert.Error(t, v.ValidateDefinition(def))

	def = validDefinition()
	def.Steps = nil
	assert.Error(t, v.ValidateDefinition(def))

	assert.Error(t, v.ValidateDefinition(nil))
}

func TestValidateDefinition_TriggerChecks(t *testing.T) {
	v := newValidator(t)

	def := validDefinition()
	def.Trigger = schema.Trigger{Kind: schema.TriggerEvent}
	assert.Error(t, v.ValidateDefinition(def), "event trigger without event name")

	def = validDefinition()
	def.Trigger = schema.Trigger{Kind: schema.TriggerSchedule}
	assert.Error(t, v.ValidateDefinition(def), "schedule trigger without cron")

	def = validDefinition()
	def.Trigger = schema.Trigger{Kind: schema.TriggerSchedule, Cron: "bad cron"}
	assert.Error(t, v.ValidateDefinition(def), "unparseable cron")

	def = validDefinition()
	def.Trigger = schema.Trigger{Kind: schema.TriggerSchedule, Cron: "0 10 * * 1"}
	assert.NoError(t, v.ValidateDefinition(def))

	def = validDefinition()
	def.Trigger = schema.Trigger{Kind: schema.TriggerManual}
	assert.NoError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_DuplicateStepIDs(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps = []schema.Step{
		{ID: "dup", Type: schema.StepDelay},
		{ID: "dup", Type: schema.StepDelay},
	}
	err := v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")
}

func TestValidateDefinition_StepConfigs(t *testing.T) {
	v := newValidator(t)

	def := validDefinition()
	def.Steps = []schema.Step{{ID: "d", Type: schema.StepDelay, Config: raw(t, schema.DelayConfig{Duration: -5})}}
	assert.Error(t, v.ValidateDefinition(def), "negative delay")

	def = validDefinition()
	def.Steps = []schema.Step{{ID: "c", Type: schema.StepCondition, Config: raw(t, schema.ConditionConfig{
		Field: "x", Operator: "approximately",
	})}}
	assert.Error(t, v.ValidateDefinition(def), "unknown operator")

	def = validDefinition()
	def.Steps = []schema.Step{{ID: "c", Type: schema.StepCondition, Config: raw(t, schema.ConditionConfig{
		Language: "lua", Expression: "1 == 1",
	})}}
	assert.Error(t, v.ValidateDefinition(def), "unknown expression language")

	def = validDefinition()
	def.Steps = []schema.Step{{ID: "w", Type: schema.StepWebhook, Config: raw(t, schema.WebhookConfig{})}}
	assert.Error(t, v.ValidateDefinition(def), "webhook without event")

	def = validDefinition()
	def.Steps = []schema.Step{{ID: "t", Type: schema.StepCreateTask, Config: raw(t, schema.CreateTaskConfig{})}}
	assert.Error(t, v.ValidateDefinition(def), "task without title")

	def = validDefinition()
	def.Steps = []schema.Step{{ID: "q", Type: schema.StepTransform, Config: raw(t, schema.TransformConfig{})}}
	assert.Error(t, v.ValidateDefinition(def), "transform without query")
}

func TestValidateDefinition_UnknownStepTypePasses(t *testing.T) {
	v := newValidator(t)
	def := validDefinition()
	def.Steps = []schema.Step{{ID: "future", Type: "ai_summarize"}}

	// Unknown step types run as no-ops, so validation lets them through.
	assert.NoError(t, v.ValidateDefinition(def))
}

func TestValidateTemplate(t *testing.T) {
	v := newValidator(t)

	tpl := &schema.MessageTemplate{
		ID:       "tpl-1",
		TenantID: "tenant-1",
		Steps: []schema.TemplateStep{
			{Order: 0, Channel: schema.ChannelEmail, DayOffset: 0, Subject: "hi", Body: "welcome"},
			{Order: 1, Channel: schema.ChannelWhatsApp, DayOffset: 5, Body: "ping"},
		},
	}
	assert.NoError(t, v.ValidateTemplate(tpl))

	assert.Error(t, v.ValidateTemplate(nil))

	empty := &schema.MessageTemplate{ID: "tpl-2", TenantID: "tenant-1"}
	assert.Error(t, v.ValidateTemplate(empty), "template without steps")

	bad := &schema.MessageTemplate{
		ID:       "tpl-3",
		TenantID: "tenant-1",
		Steps:    []schema.TemplateStep{{Channel: "pigeon", Body: "coo"}},
	}
	assert.Error(t, v.ValidateTemplate(bad), "unknown channel")
}
