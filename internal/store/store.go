package store

import (
	"context"
	"time"

	"github.com/tenantkit/automation/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow definitions
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Message templates
	CreateTemplate(ctx context.Context, tpl *schema.MessageTemplate) error
	GetTemplate(ctx context.Context, id string) (*schema.MessageTemplate, error)
	ListTemplates(ctx context.Context, tenantID string) ([]*schema.MessageTemplate, error)
	DeleteTemplate(ctx context.Context, id string) error

	// Contacts and tasks
	CreateContact(ctx context.Context, c *Contact) error
	GetContact(ctx context.Context, id string) (*Contact, error)
	CreateTask(ctx context.Context, t *Task) error

	// Enrollments and scheduled messages. CreateEnrollment persists the
	// enrollment row and its message batch in one transaction.
	CreateEnrollment(ctx context.Context, e *Enrollment, msgs []*ScheduledMessage) error
	GetEnrollment(ctx context.Context, id string) (*Enrollment, error)
	// RecomputeEnrollmentProgress derives completedSteps from the SENT
	// message count inside a single transaction (atomic read-modify-write).
	RecomputeEnrollmentProgress(ctx context.Context, enrollmentID string) (*Enrollment, error)
	GetMessage(ctx context.Context, id string) (*ScheduledMessage, error)
	NextDueMessage(ctx context.Context, contactID string, now time.Time) (*ScheduledMessage, error)
	ListDueMessages(ctx context.Context, now time.Time, limit int) ([]*ScheduledMessage, error)
	UpdateMessage(ctx context.Context, id string, update MessageUpdate) error

	// Dunning
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	UpdateSubscriptionStatus(ctx context.Context, id string, status schema.SubscriptionStatus) error
	CreateInvoice(ctx context.Context, inv *Invoice) error
	GetInvoice(ctx context.Context, id string) (*Invoice, error)
	UpdateInvoiceStatus(ctx context.Context, id string, status schema.InvoiceStatus) error
	CreateAttempt(ctx context.Context, a *DunningAttempt) error
	GetAttempt(ctx context.Context, id string) (*DunningAttempt, error)
	UpdateAttempt(ctx context.Context, id string, update AttemptUpdate) error
	ListAttempts(ctx context.Context, subscriptionID string) ([]*DunningAttempt, error)
	ListDueAttempts(ctx context.Context, now time.Time, limit int) ([]*DunningAttempt, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
