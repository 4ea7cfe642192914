package store

import (
	"time"

	"github.com/tenantkit/automation/pkg/schema"
)

// Workflow is the persisted representation of a workflow definition,
// plus the schedule bookkeeping the poll loop needs for cron triggers.
type Workflow struct {
	Definition schema.WorkflowDefinition `json:"definition"`
	LastRunAt  *time.Time                `json:"last_run_at,omitempty"`
	NextRunAt  *time.Time                `json:"next_run_at,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
}

// Execution is one workflow run: exactly one row per trigger, immutable
// once its status is terminal.
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	TenantID       string                 `json:"tenant_id"`
	Status         schema.ExecutionStatus `json:"status"`
	TriggerPayload map[string]any         `json:"trigger_payload,omitempty"`
	Results        []schema.StepResult    `json:"results,omitempty"`
	Error          string                 `json:"error,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// Contact is the minimal contact row the engine reads and writes.
type Contact struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name,omitempty"`
	Email     string    `json:"email,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a follow-up task created by create_task steps.
type Task struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Enrollment records one contact's progress through one message
// template. CompletedSteps is derived from SENT message counts, never
// incremented, so repeated recomputes converge.
type Enrollment struct {
	ID             string                  `json:"id"`
	ContactID      string                  `json:"contact_id"`
	TemplateID     string                  `json:"template_id"`
	TenantID       string                  `json:"tenant_id"`
	TotalSteps     int                     `json:"total_steps"`
	CompletedSteps int                     `json:"completed_steps"`
	Status         schema.EnrollmentStatus `json:"status"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// ScheduledMessage is one timed outbound message, created in a batch at
// enrollment time and mutated only by the dispatcher.
type ScheduledMessage struct {
	ID           string               `json:"id"`
	EnrollmentID string               `json:"enrollment_id"`
	ContactID    string               `json:"contact_id"`
	TenantID     string               `json:"tenant_id"`
	Channel      schema.Channel       `json:"channel"`
	Subject      string               `json:"subject,omitempty"`
	Body         string               `json:"body"`
	ScheduledAt  time.Time            `json:"scheduled_at"`
	Status       schema.MessageStatus `json:"status"`
	RetryCount   int                  `json:"retry_count"`
	SentAt       *time.Time           `json:"sent_at,omitempty"`
	CreatedAt    time.Time            `json:"created_at"`
}

// Subscription is the minimal recurring-billing row dunning operates on.
type Subscription struct {
	ID              string                    `json:"id"`
	TenantID        string                    `json:"tenant_id"`
	ContactID       string                    `json:"contact_id,omitempty"`
	PaymentMethodID string                    `json:"payment_method_id"`
	Status          schema.SubscriptionStatus `json:"status"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

// Invoice is the minimal invoice row dunning marks paid.
type Invoice struct {
	ID             string               `json:"id"`
	TenantID       string               `json:"tenant_id"`
	SubscriptionID string               `json:"subscription_id"`
	AmountCents    int64                `json:"amount_cents"`
	Status         schema.InvoiceStatus `json:"status"`
	CreatedAt      time.Time            `json:"created_at"`
}

// DunningAttempt is one payment-collection attempt for a subscription.
// AttemptNumber is 1-based and strictly increasing per subscription.
type DunningAttempt struct {
	ID             string               `json:"id"`
	SubscriptionID string               `json:"subscription_id"`
	InvoiceID      string               `json:"invoice_id"`
	TenantID       string               `json:"tenant_id"`
	AttemptNumber  int                  `json:"attempt_number"`
	Status         schema.AttemptStatus `json:"status"`
	AmountCents    int64                `json:"amount_cents"`
	NextRetryAt    *time.Time           `json:"next_retry_at,omitempty"`
	SucceededAt    *time.Time           `json:"succeeded_at,omitempty"`
	ErrorMessage   string               `json:"error_message,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

// --- Filter and update types ---

// WorkflowFilter specifies criteria for listing workflow definitions.
type WorkflowFilter struct {
	TenantID     string              `json:"tenant_id,omitempty"`
	Active       *bool               `json:"active,omitempty"`
	TriggerKind  schema.TriggerKind  `json:"trigger_kind,omitempty"`
	TriggerEvent string              `json:"trigger_event,omitempty"`
	Limit        int                 `json:"limit,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow row.
type WorkflowUpdate struct {
	Active    *bool      `json:"active,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                  `json:"workflow_id,omitempty"`
	TenantID   string                  `json:"tenant_id,omitempty"`
	Status     *schema.ExecutionStatus `json:"status,omitempty"`
	Limit      int                     `json:"limit,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution row.
// The store rejects updates to executions already in a terminal state.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus `json:"status,omitempty"`
	Results     []schema.StepResult     `json:"results,omitempty"`
	Error       *string                 `json:"error,omitempty"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
}

// MessageUpdate specifies mutable fields of a scheduled message.
type MessageUpdate struct {
	Status      *schema.MessageStatus `json:"status,omitempty"`
	RetryCount  *int                  `json:"retry_count,omitempty"`
	ScheduledAt *time.Time            `json:"scheduled_at,omitempty"`
	SentAt      *time.Time            `json:"sent_at,omitempty"`
}

// AttemptUpdate specifies mutable fields of a dunning attempt.
type AttemptUpdate struct {
	Status       *schema.AttemptStatus `json:"status,omitempty"`
	SucceededAt  *time.Time            `json:"succeeded_at,omitempty"`
	NextRetryAt  *time.Time            `json:"next_retry_at,omitempty"`
	ErrorMessage *string               `json:"error_message,omitempty"`
}
