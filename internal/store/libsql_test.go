package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tenantkit/automation/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testDefinition(id, event string, active bool) schema.WorkflowDefinition {
	return schema.WorkflowDefinition{
		ID:       id,
		TenantID: "tenant-1",
		Name:     "wf " + id,
		Trigger:  schema.Trigger{Kind: schema.TriggerEvent, Event: event},
		Steps:    []schema.Step{{ID: "s1", Type: schema.StepDelay}},
		Active:   active,
	}
}

// --- Workflows ---

func TestCreateAndGetWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wf := &Workflow{Definition: testDefinition("wf-1", "contact.created", true)}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", got.Definition.ID)
	assert.Equal(t, "tenant-1", got.Definition.TenantID)
	assert.True(t, got.Definition.Active)
	assert.Len(t, got.Definition.Steps, 1)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCreateWorkflow_RejectsInvalidDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := testDefinition("wf-bad", "contact.created", true)
	def.Steps = nil
	err := s.CreateWorkflow(ctx, &Workflow{Definition: def})
	require.Error(t, err)
	var aerr *schema.AutomationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeValidation, aerr.Code)

	// Nothing persisted.
	_, err = s.GetWorkflow(ctx, "wf-bad")
	assert.Error(t, err)
}

func TestCreateTemplate_RejectsInvalidTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateTemplate(ctx, &schema.MessageTemplate{
		ID:       "tpl-bad",
		TenantID: "tenant-1",
		Steps: []schema.TemplateStep{
			{Order: 0, Channel: "pigeon", Body: "coo"},
		},
	})
	require.Error(t, err)
	var aerr *schema.AutomationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeValidation, aerr.Code)

	_, err = s.GetTemplate(ctx, "tpl-bad")
	assert.Error(t, err)
}

func TestGetWorkflow_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetWorkflow(context.Background(), "nope")
	require.Error(t, err)
	var aerr *schema.AutomationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeNotFound, aerr.Code)
}

func TestListWorkflows_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWorkflow(ctx, &Workflow{Definition: testDefinition("wf-a", "contact.created", true)}))
	require.NoError(t, s.CreateWorkflow(ctx, &Workflow{Definition: testDefinition("wf-b", "contact.created", false)}))
	require.NoError(t, s.CreateWorkflow(ctx, &Workflow{Definition: testDefinition("wf-c", "invoice.paid", true)}))

	active := true
	got, err := s.ListWorkflows(ctx, WorkflowFilter{
		TenantID:     "tenant-1",
		Active:       &active,
		TriggerKind:  schema.TriggerEvent,
		TriggerEvent: "contact.created",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "wf-a", got[0].Definition.ID)

	all, err := s.ListWorkflows(ctx, WorkflowFilter{TenantID: "tenant-1"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestUpdateWorkflow_ActiveAndSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWorkflow(ctx, &Workflow{Definition: testDefinition("wf-1", "e", true)}))

	inactive := false
	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	require.NoError(t, s.UpdateWorkflow(ctx, "wf-1", WorkflowUpdate{
		Active:    &inactive,
		NextRunAt: &next,
	}))

	got, err := s.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.False(t, got.Definition.Active)
	require.NotNil(t, got.NextRunAt)
	assert.Equal(t, next.Unix(), got.NextRunAt.Unix())

	// The extracted active column stays in sync with the definition, so
	// list filters see the change.
	active := true
	listed, err := s.ListWorkflows(ctx, WorkflowFilter{Active: &active})
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestDeleteWorkflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWorkflow(ctx, &Workflow{Definition: testDefinition("wf-1", "e", true)}))
	require.NoError(t, s.DeleteWorkflow(ctx, "wf-1"))

	_, err := s.GetWorkflow(ctx, "wf-1")
	assert.Error(t, err)
	assert.Error(t, s.DeleteWorkflow(ctx, "wf-1"))
}

// --- Executions ---

func seedExecution(t *testing.T, s *LibSQLStore) *Execution {
	t.Helper()
	ex := &Execution{
		ID:             uuid.NewString(),
		WorkflowID:     "wf-1",
		TenantID:       "tenant-1",
		Status:         schema.ExecutionRunning,
		TriggerPayload: map[string]any{"k": "v"},
		StartedAt:      time.Now().UTC(),
	}
	require.NoError(t, s.CreateExecution(context.Background(), ex))
	return ex
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionRunning, got.Status)
	assert.Equal(t, "v", got.TriggerPayload["k"])

	completed := schema.ExecutionCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{
		Status:      &completed,
		Results:     []schema.StepResult{{StepID: "s1", Type: schema.StepDelay, Completed: true}},
		CompletedAt: &now,
	}))

	got, err = s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionCompleted, got.Status)
	require.Len(t, got.Results, 1)
	assert.Equal(t, "s1", got.Results[0].StepID)
	assert.NotNil(t, got.CompletedAt)
}

func TestUpdateExecution_TerminalIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	failed := schema.ExecutionFailed
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{Status: &failed}))

	// A second transition bounces with a conflict.
	completed := schema.ExecutionCompleted
	err := s.UpdateExecution(ctx, ex.ID, ExecutionUpdate{Status: &completed})
	require.Error(t, err)
	var aerr *schema.AutomationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, schema.ErrCodeConflict, aerr.Code)

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionFailed, got.Status)
}

// --- Templates, contacts, enrollments ---

func seedSequenceFixtures(t *testing.T, s *LibSQLStore) (tplID, contactID string) {
	t.Helper()
	ctx := context.Background()
	tplID = uuid.NewString()
	require.NoError(t, s.CreateTemplate(ctx, &schema.MessageTemplate{
		ID:       tplID,
		TenantID: "tenant-1",
		Name:     "onboarding",
		Steps: []schema.TemplateStep{
			{Order: 0, Channel: schema.ChannelEmail, DayOffset: 0, Subject: "hi", Body: "welcome"},
			{Order: 1, Channel: schema.ChannelSMS, DayOffset: 3, Body: "ping"},
		},
	}))
	contactID = uuid.NewString()
	require.NoError(t, s.CreateContact(ctx, &Contact{
		ID: contactID, TenantID: "tenant-1", Name: "Ana", Email: "ana@example.com", Phone: "+1",
	}))
	return tplID, contactID
}

func TestTemplateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tplID, _ := seedSequenceFixtures(t, s)

	got, err := s.GetTemplate(ctx, tplID)
	require.NoError(t, err)
	assert.Equal(t, "onboarding", got.Name)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, schema.ChannelSMS, got.Steps[1].Channel)

	listed, err := s.ListTemplates(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	require.NoError(t, s.DeleteTemplate(ctx, tplID))
	_, err = s.GetTemplate(ctx, tplID)
	assert.Error(t, err)
}

func seedEnrollment(t *testing.T, s *LibSQLStore, contactID string, scheduledAt time.Time, steps int) (*Enrollment, []*ScheduledMessage) {
	t.Helper()
	e := &Enrollment{
		ID:         uuid.NewString(),
		ContactID:  contactID,
		TemplateID: "tpl-x",
		TenantID:   "tenant-1",
		TotalSteps: steps,
		Status:     schema.EnrollmentActive,
	}
	msgs := make([]*ScheduledMessage, 0, steps)
	for i := 0; i < steps; i++ {
		msgs = append(msgs, &ScheduledMessage{
			ID:           uuid.NewString(),
			EnrollmentID: e.ID,
			ContactID:    contactID,
			TenantID:     "tenant-1",
			Channel:      schema.ChannelEmail,
			Body:         "body",
			ScheduledAt:  scheduledAt.Add(time.Duration(i) * 24 * time.Hour),
			Status:       schema.MessagePending,
		})
	}
	require.NoError(t, s.CreateEnrollment(context.Background(), e, msgs))
	return e, msgs
}

func TestEnrollmentBatchAndRecompute(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, contactID := seedSequenceFixtures(t, s)

	past := time.Now().UTC().Add(-time.Hour)
	e, msgs := seedEnrollment(t, s, contactID, past, 2)

	got, err := s.GetEnrollment(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.TotalSteps)
	assert.Equal(t, 0, got.CompletedSteps)

	sent := schema.MessageSent
	now := time.Now().UTC()
	require.NoError(t, s.UpdateMessage(ctx, msgs[0].ID, MessageUpdate{Status: &sent, SentAt: &now}))

	recomputed, err := s.RecomputeEnrollmentProgress(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, recomputed.CompletedSteps)
	assert.Equal(t, schema.EnrollmentActive, recomputed.Status)

	// Recompute is derived, not incremented: repeating it changes nothing.
	recomputed, err = s.RecomputeEnrollmentProgress(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, recomputed.CompletedSteps)

	require.NoError(t, s.UpdateMessage(ctx, msgs[1].ID, MessageUpdate{Status: &sent, SentAt: &now}))
	recomputed, err = s.RecomputeEnrollmentProgress(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, recomputed.CompletedSteps)
	assert.Equal(t, schema.EnrollmentCompleted, recomputed.Status)
}

func TestNextDueAndListDueMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, contactID := seedSequenceFixtures(t, s)

	past := time.Now().UTC().Add(-72 * time.Hour)
	_, msgs := seedEnrollment(t, s, contactID, past, 3)

	now := time.Now().UTC()
	next, err := s.NextDueMessage(ctx, contactID, now)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, msgs[0].ID, next.ID, "earliest due message first")

	due, err := s.ListDueMessages(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, due, 3)

	// None due for an unknown contact.
	none, err := s.NextDueMessage(ctx, "other-contact", now)
	require.NoError(t, err)
	assert.Nil(t, none)
}

// --- Dunning ---

func seedBillingFixtures(t *testing.T, s *LibSQLStore) (subID, invID string) {
	t.Helper()
	ctx := context.Background()
	subID = uuid.NewString()
	require.NoError(t, s.CreateSubscription(ctx, &Subscription{
		ID: subID, TenantID: "tenant-1", PaymentMethodID: "pm-1",
		Status: schema.SubscriptionPastDue,
	}))
	invID = uuid.NewString()
	require.NoError(t, s.CreateInvoice(ctx, &Invoice{
		ID: invID, TenantID: "tenant-1", SubscriptionID: subID,
		AmountCents: 4900, Status: schema.InvoiceOpen,
	}))
	return subID, invID
}

func TestDunningAttemptRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID, invID := seedBillingFixtures(t, s)

	past := time.Now().UTC().Add(-time.Minute)
	a := &DunningAttempt{
		ID:             uuid.NewString(),
		SubscriptionID: subID,
		InvoiceID:      invID,
		TenantID:       "tenant-1",
		AttemptNumber:  1,
		Status:         schema.AttemptPending,
		AmountCents:    4900,
		NextRetryAt:    &past,
	}
	require.NoError(t, s.CreateAttempt(ctx, a))

	got, err := s.GetAttempt(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AttemptNumber)
	assert.Equal(t, schema.AttemptPending, got.Status)

	due, err := s.ListDueAttempts(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	failed := schema.AttemptFailed
	msg := "card declined"
	require.NoError(t, s.UpdateAttempt(ctx, a.ID, AttemptUpdate{Status: &failed, ErrorMessage: &msg}))

	listed, err := s.ListAttempts(ctx, subID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, schema.AttemptFailed, listed[0].Status)
	assert.Equal(t, "card declined", listed[0].ErrorMessage)

	// Failed attempts are no longer due.
	due, err = s.ListDueAttempts(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestSubscriptionAndInvoiceStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID, invID := seedBillingFixtures(t, s)

	require.NoError(t, s.UpdateSubscriptionStatus(ctx, subID, schema.SubscriptionSuspended))
	sub, err := s.GetSubscription(ctx, subID)
	require.NoError(t, err)
	assert.Equal(t, schema.SubscriptionSuspended, sub.Status)

	require.NoError(t, s.UpdateInvoiceStatus(ctx, invID, schema.InvoicePaid))
	inv, err := s.GetInvoice(ctx, invID)
	require.NoError(t, err)
	assert.Equal(t, schema.InvoicePaid, inv.Status)

	assert.Error(t, s.UpdateSubscriptionStatus(ctx, "missing", schema.SubscriptionActive))
}
