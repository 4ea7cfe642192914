package schema

import "encoding/json"

// WorkflowDefinition is a tenant-authored automation: an ordered step
// sequence started by a trigger. The engine treats definitions as
// read-only; tenants create and edit them through the host application.
type WorkflowDefinition struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenant_id"`
	Name     string  `json:"name,omitempty"`
	Trigger  Trigger `json:"trigger"`
	Steps    []Step  `json:"steps"`
	Active   bool    `json:"active"`
}

// Trigger describes what starts a workflow run.
type Trigger struct {
	Kind  TriggerKind `json:"kind"`
	Event string      `json:"event,omitempty"` // domain event name, kind=event
	Cron  string      `json:"cron,omitempty"`  // cron spec, kind=schedule
}

// TriggerKind enumerates trigger mechanisms.
type TriggerKind string

const (
	TriggerEvent    TriggerKind = "event"
	TriggerSchedule TriggerKind = "schedule"
	TriggerManual   TriggerKind = "manual"
)

// Step is one unit of work in a workflow's ordered sequence.
// Config is type-specific; decode it with the matching *Config struct.
type Step struct {
	ID     string          `json:"id"`
	Type   StepType        `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// StepType enumerates the supported step kinds. Unknown kinds are
// executed as no-ops (completed, "not implemented") so newer
// definitions keep running on older engine builds.
type StepType string

const (
	StepDelay         StepType = "delay"
	StepCondition     StepType = "condition"
	StepWebhook       StepType = "webhook"
	StepSendEmail     StepType = "send_email"
	StepSendSMS       StepType = "send_sms"
	StepCreateContact StepType = "create_contact"
	StepCreateTask    StepType = "create_task"
	StepTransform     StepType = "transform"
)

// DelayConfig is the config block for delay-type steps.
type DelayConfig struct {
	Duration int64 `json:"duration"` // milliseconds
}

// ConditionConfig is the config block for condition-type steps.
// Either Field/Operator/Value (dotted-path comparison) or Expression
// (evaluated by the engine named in Language) must be set. When both
// are present, Expression wins.
type ConditionConfig struct {
	Field      string `json:"field,omitempty"`
	Operator   string `json:"operator,omitempty"`
	Value      any    `json:"value,omitempty"`
	Language   string `json:"language,omitempty"` // cel (default) | expr
	Expression string `json:"expression,omitempty"`
}

// Comparison operators for condition steps.
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpNotContains = "not_contains"
)

// WebhookConfig is the config block for webhook-type steps. The entire
// execution context is delivered as the payload.
type WebhookConfig struct {
	Event string `json:"event"`
}

// SendEmailConfig is the config block for send_email-type steps.
type SendEmailConfig struct {
	To      string `json:"to,omitempty"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// SendSMSConfig is the config block for send_sms-type steps.
type SendSMSConfig struct {
	To   string `json:"to,omitempty"`
	Body string `json:"body,omitempty"`
}

// CreateContactConfig is the config block for create_contact-type steps.
type CreateContactConfig struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// CreateTaskConfig is the config block for create_task-type steps.
type CreateTaskConfig struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueInDays   int    `json:"due_in_days,omitempty"`
}

// TransformConfig is the config block for transform-type steps.
// Query is a jq program applied to the execution context; its output
// becomes the step result.
type TransformConfig struct {
	Query string `json:"query"`
}

// ExecutionStatus is the lifecycle state of a workflow run.
// Transitions only running -> completed | failed; terminal states are
// never revisited.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "RUNNING"
	ExecutionCompleted ExecutionStatus = "COMPLETED"
	ExecutionFailed    ExecutionStatus = "FAILED"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// StepResult is the outcome of executing one step.
type StepResult struct {
	StepID    string   `json:"step_id"`
	Type      StepType `json:"type"`
	Completed bool     `json:"completed"`
	Output    any      `json:"output,omitempty"`
	Message   string   `json:"message,omitempty"`

	// ConditionMet is meaningful only for condition steps; false stops
	// the run without failing it.
	ConditionMet bool `json:"condition_met,omitempty"`
}
