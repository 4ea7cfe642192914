package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tenantkit/automation/internal/validation"
	"github.com/tenantkit/automation/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
// Workflow definitions and message templates are validated on create,
// so malformed documents never reach the engine.
type LibSQLStore struct {
	db       *sql.DB
	validate validation.Validator
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	validator, err := validation.NewDefinitionValidator()
	if err != nil {
		return nil, fmt.Errorf("build definition validator: %w", err)
	}

	return &LibSQLStore{db: db, validate: validator}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if err := s.validate.ValidateDefinition(&wf.Definition); err != nil {
		return err
	}
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, tenant_id, definition, active, trigger_kind, trigger_event, last_run_at, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.Definition.ID, wf.Definition.TenantID, string(def), boolInt(wf.Definition.Active),
		string(wf.Definition.Trigger.Kind), nullStr(wf.Definition.Trigger.Event),
		nullTime(wf.LastRunAt), nullTime(wf.NextRunAt),
		timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT definition, last_run_at, next_run_at, created_at, updated_at FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolInt(*update.Active))
		// Keep the serialized definition in sync with the extracted column.
		sets = append(sets, "definition = json_set(definition, '$.active', json(?))")
		args = append(args, boolJSON(*update.Active))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Active != nil {
		where = append(where, "active = ?")
		args = append(args, boolInt(*filter.Active))
	}
	if filter.TriggerKind != "" {
		where = append(where, "trigger_kind = ?")
		args = append(args, string(filter.TriggerKind))
	}
	if filter.TriggerEvent != "" {
		where = append(where, "trigger_event = ?")
		args = append(args, filter.TriggerEvent)
	}

	query := "SELECT definition, last_run_at, next_run_at, created_at, updated_at FROM workflows"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var defJSON string
	var lastRun, nextRun sql.NullTime
	if err := row.Scan(&defJSON, &lastRun, &nextRun, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if lastRun.Valid {
		wf.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		wf.NextRunAt = &nextRun.Time
	}
	return wf, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	payload, err := marshalMapOrDefault(ex.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshal trigger_payload: %w", err)
	}
	results, err := marshalResults(ex.Results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, tenant_id, status, trigger_payload, results, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.WorkflowID, ex.TenantID, string(ex.Status),
		string(payload), string(results), nullStr(ex.Error),
		timeOrNow(ex.StartedAt), nullTime(ex.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, tenant_id, status, trigger_payload, results, error, started_at, completed_at
		 FROM executions WHERE id = ?`, id)
	ex, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

// UpdateExecution applies the update only while the execution is still
// RUNNING; terminal executions are immutable.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Results != nil {
		results, err := marshalResults(update.Results)
		if err != nil {
			return fmt.Errorf("marshal results: %w", err)
		}
		sets = append(sets, "results = ?")
		args = append(args, string(results))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id, string(schema.ExecutionRunning))

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing row from an immutable terminal one.
		if _, getErr := s.GetExecution(ctx, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is terminal", id)
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, workflow_id, tenant_id, status, trigger_payload, results, error, started_at, completed_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	ex := &Execution{}
	var status string
	var payloadJSON, resultsJSON, errMsg sql.NullString
	var completedAt sql.NullTime
	if err := row.Scan(&ex.ID, &ex.WorkflowID, &ex.TenantID, &status,
		&payloadJSON, &resultsJSON, &errMsg, &ex.StartedAt, &completedAt); err != nil {
		return nil, err
	}
	ex.Status = schema.ExecutionStatus(status)
	if payloadJSON.Valid && payloadJSON.String != "" {
		_ = json.Unmarshal([]byte(payloadJSON.String), &ex.TriggerPayload)
	}
	if resultsJSON.Valid && resultsJSON.String != "" {
		_ = json.Unmarshal([]byte(resultsJSON.String), &ex.Results)
	}
	ex.Error = errMsg.String
	if completedAt.Valid {
		ex.CompletedAt = &completedAt.Time
	}
	return ex, nil
}

// --- Message templates ---

func (s *LibSQLStore) CreateTemplate(ctx context.Context, tpl *schema.MessageTemplate) error {
	if err := s.validate.ValidateTemplate(tpl); err != nil {
		return err
	}
	steps, err := json.Marshal(tpl.Steps)
	if err != nil {
		return fmt.Errorf("marshal template steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO message_templates (id, tenant_id, name, steps) VALUES (?, ?, ?, ?)`,
		tpl.ID, tpl.TenantID, nullStr(tpl.Name), string(steps),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*schema.MessageTemplate, error) {
	tpl := &schema.MessageTemplate{}
	var name sql.NullString
	var stepsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, steps FROM message_templates WHERE id = ?`, id,
	).Scan(&tpl.ID, &tpl.TenantID, &name, &stepsJSON)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	if err != nil {
		return nil, err
	}
	tpl.Name = name.String
	if err := json.Unmarshal([]byte(stepsJSON), &tpl.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal template steps: %w", err)
	}
	return tpl, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, tenantID string) ([]*schema.MessageTemplate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, name, steps FROM message_templates WHERE tenant_id = ? ORDER BY created_at ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*schema.MessageTemplate
	for rows.Next() {
		tpl := &schema.MessageTemplate{}
		var name sql.NullString
		var stepsJSON string
		if err := rows.Scan(&tpl.ID, &tpl.TenantID, &name, &stepsJSON); err != nil {
			return nil, err
		}
		tpl.Name = name.String
		if err := json.Unmarshal([]byte(stepsJSON), &tpl.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal template steps: %w", err)
		}
		templates = append(templates, tpl)
	}
	return templates, rows.Err()
}

func (s *LibSQLStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM message_templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", id)
}

// --- Contacts and tasks ---

func (s *LibSQLStore) CreateContact(ctx context.Context, c *Contact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contacts (id, tenant_id, name, email, phone, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, nullStr(c.Name), nullStr(c.Email), nullStr(c.Phone), timeOrNow(c.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetContact(ctx context.Context, id string) (*Contact, error) {
	c := &Contact{}
	var name, email, phone sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, name, email, phone, created_at FROM contacts WHERE id = ?`, id,
	).Scan(&c.ID, &c.TenantID, &name, &email, &phone, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("contact", id)
	}
	if err != nil {
		return nil, err
	}
	c.Name = name.String
	c.Email = email.String
	c.Phone = phone.String
	return c, nil
}

func (s *LibSQLStore) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, tenant_id, title, description, due_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.Title, nullStr(t.Description), nullTime(t.DueAt), timeOrNow(t.CreatedAt),
	)
	return err
}

// --- Enrollments and scheduled messages ---

// CreateEnrollment inserts the enrollment and its full message batch in
// one transaction: either every row lands or none does.
func (s *LibSQLStore) CreateEnrollment(ctx context.Context, e *Enrollment, msgs []*ScheduledMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO enrollments (id, contact_id, template_id, tenant_id, total_steps, completed_steps, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ContactID, e.TemplateID, e.TenantID, e.TotalSteps, e.CompletedSteps,
		string(e.Status), timeOrNow(e.CreatedAt), timeOrNow(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert enrollment: %w", err)
	}

	for _, m := range msgs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO scheduled_messages (id, enrollment_id, contact_id, tenant_id, channel, subject, body, scheduled_at, status, retry_count, sent_at, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.EnrollmentID, m.ContactID, m.TenantID, string(m.Channel),
			nullStr(m.Subject), m.Body, m.ScheduledAt, string(m.Status), m.RetryCount,
			nullTime(m.SentAt), timeOrNow(m.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert scheduled message %s: %w", m.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEnrollment(ctx context.Context, id string) (*Enrollment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, contact_id, template_id, tenant_id, total_steps, completed_steps, status, created_at, updated_at
		 FROM enrollments WHERE id = ?`, id)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("enrollment", id)
	}
	return e, err
}

// RecomputeEnrollmentProgress derives completedSteps from the count of
// SENT messages in one transaction. The count and the status write are
// observed together, so concurrent recomputes cannot lose updates.
func (s *LibSQLStore) RecomputeEnrollmentProgress(ctx context.Context, enrollmentID string) (*Enrollment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, contact_id, template_id, tenant_id, total_steps, completed_steps, status, created_at, updated_at
		 FROM enrollments WHERE id = ?`, enrollmentID)
	e, err := scanEnrollment(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("enrollment", enrollmentID)
	}
	if err != nil {
		return nil, err
	}

	var sent int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM scheduled_messages WHERE enrollment_id = ? AND status = ?`,
		enrollmentID, string(schema.MessageSent),
	).Scan(&sent)
	if err != nil {
		return nil, fmt.Errorf("count sent messages: %w", err)
	}

	completed := sent
	if completed > e.TotalSteps {
		completed = e.TotalSteps
	}
	status := schema.EnrollmentActive
	if completed == e.TotalSteps {
		status = schema.EnrollmentCompleted
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE enrollments SET completed_steps = ?, status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		completed, string(status), enrollmentID,
	)
	if err != nil {
		return nil, fmt.Errorf("update enrollment progress: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enrollment progress: %w", err)
	}

	e.CompletedSteps = completed
	e.Status = status
	return e, nil
}

func scanEnrollment(row rowScanner) (*Enrollment, error) {
	e := &Enrollment{}
	var status string
	if err := row.Scan(&e.ID, &e.ContactID, &e.TemplateID, &e.TenantID,
		&e.TotalSteps, &e.CompletedSteps, &status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.Status = schema.EnrollmentStatus(status)
	return e, nil
}

func (s *LibSQLStore) GetMessage(ctx context.Context, id string) (*ScheduledMessage, error) {
	row := s.db.QueryRowContext(ctx, selectMessage+` WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled message", id)
	}
	return m, err
}

// NextDueMessage returns the earliest due PENDING message for the
// contact, or nil when nothing is due.
func (s *LibSQLStore) NextDueMessage(ctx context.Context, contactID string, now time.Time) (*ScheduledMessage, error) {
	row := s.db.QueryRowContext(ctx,
		selectMessage+` WHERE contact_id = ? AND status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC LIMIT 1`,
		contactID, string(schema.MessagePending), now)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (s *LibSQLStore) ListDueMessages(ctx context.Context, now time.Time, limit int) ([]*ScheduledMessage, error) {
	query := selectMessage + ` WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, string(schema.MessagePending), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*ScheduledMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *LibSQLStore) UpdateMessage(ctx context.Context, id string, update MessageUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.ScheduledAt != nil {
		sets = append(sets, "scheduled_at = ?")
		args = append(args, *update.ScheduledAt)
	}
	if update.SentAt != nil {
		sets = append(sets, "sent_at = ?")
		args = append(args, *update.SentAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_messages SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled message", id)
}

const selectMessage = `SELECT id, enrollment_id, contact_id, tenant_id, channel, subject, body, scheduled_at, status, retry_count, sent_at, created_at FROM scheduled_messages`

func scanMessage(row rowScanner) (*ScheduledMessage, error) {
	m := &ScheduledMessage{}
	var channel, status string
	var subject sql.NullString
	var sentAt sql.NullTime
	if err := row.Scan(&m.ID, &m.EnrollmentID, &m.ContactID, &m.TenantID, &channel,
		&subject, &m.Body, &m.ScheduledAt, &status, &m.RetryCount, &sentAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Channel = schema.Channel(channel)
	m.Status = schema.MessageStatus(status)
	m.Subject = subject.String
	if sentAt.Valid {
		m.SentAt = &sentAt.Time
	}
	return m, nil
}

// --- Dunning ---

func (s *LibSQLStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, tenant_id, contact_id, payment_method_id, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sub.ID, sub.TenantID, nullStr(sub.ContactID), sub.PaymentMethodID,
		string(sub.Status), timeOrNow(sub.CreatedAt), timeOrNow(sub.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	sub := &Subscription{}
	var contactID sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, contact_id, payment_method_id, status, created_at, updated_at
		 FROM subscriptions WHERE id = ?`, id,
	).Scan(&sub.ID, &sub.TenantID, &contactID, &sub.PaymentMethodID, &status, &sub.CreatedAt, &sub.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("subscription", id)
	}
	if err != nil {
		return nil, err
	}
	sub.ContactID = contactID.String
	sub.Status = schema.SubscriptionStatus(status)
	return sub, nil
}

func (s *LibSQLStore) UpdateSubscriptionStatus(ctx context.Context, id string, status schema.SubscriptionStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "subscription", id)
}

func (s *LibSQLStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invoices (id, tenant_id, subscription_id, amount_cents, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.TenantID, inv.SubscriptionID, inv.AmountCents, string(inv.Status), timeOrNow(inv.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	inv := &Invoice{}
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, subscription_id, amount_cents, status, created_at FROM invoices WHERE id = ?`, id,
	).Scan(&inv.ID, &inv.TenantID, &inv.SubscriptionID, &inv.AmountCents, &status, &inv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("invoice", id)
	}
	if err != nil {
		return nil, err
	}
	inv.Status = schema.InvoiceStatus(status)
	return inv, nil
}

func (s *LibSQLStore) UpdateInvoiceStatus(ctx context.Context, id string, status schema.InvoiceStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invoices SET status = ? WHERE id = ?`, string(status), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "invoice", id)
}

func (s *LibSQLStore) CreateAttempt(ctx context.Context, a *DunningAttempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dunning_attempts (id, subscription_id, invoice_id, tenant_id, attempt_number, status, amount_cents, next_retry_at, succeeded_at, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SubscriptionID, a.InvoiceID, a.TenantID, a.AttemptNumber, string(a.Status),
		a.AmountCents, nullTime(a.NextRetryAt), nullTime(a.SucceededAt), nullStr(a.ErrorMessage),
		timeOrNow(a.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetAttempt(ctx context.Context, id string) (*DunningAttempt, error) {
	row := s.db.QueryRowContext(ctx, selectAttempt+` WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("dunning attempt", id)
	}
	return a, err
}

func (s *LibSQLStore) UpdateAttempt(ctx context.Context, id string, update AttemptUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.SucceededAt != nil {
		sets = append(sets, "succeeded_at = ?")
		args = append(args, *update.SucceededAt)
	}
	if update.NextRetryAt != nil {
		sets = append(sets, "next_retry_at = ?")
		args = append(args, *update.NextRetryAt)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE dunning_attempts SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "dunning attempt", id)
}

func (s *LibSQLStore) ListAttempts(ctx context.Context, subscriptionID string) ([]*DunningAttempt, error) {
	rows, err := s.db.QueryContext(ctx,
		selectAttempt+` WHERE subscription_id = ? ORDER BY attempt_number ASC`, subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

func (s *LibSQLStore) ListDueAttempts(ctx context.Context, now time.Time, limit int) ([]*DunningAttempt, error) {
	query := selectAttempt + ` WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ? ORDER BY next_retry_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, string(schema.AttemptPending), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAttempts(rows)
}

const selectAttempt = `SELECT id, subscription_id, invoice_id, tenant_id, attempt_number, status, amount_cents, next_retry_at, succeeded_at, error_message, created_at FROM dunning_attempts`

func scanAttempt(row rowScanner) (*DunningAttempt, error) {
	a := &DunningAttempt{}
	var status string
	var nextRetry, succeeded sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(&a.ID, &a.SubscriptionID, &a.InvoiceID, &a.TenantID, &a.AttemptNumber,
		&status, &a.AmountCents, &nextRetry, &succeeded, &errMsg, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Status = schema.AttemptStatus(status)
	if nextRetry.Valid {
		a.NextRetryAt = &nextRetry.Time
	}
	if succeeded.Valid {
		a.SucceededAt = &succeeded.Time
	}
	a.ErrorMessage = errMsg.String
	return a, nil
}

func scanAttempts(rows *sql.Rows) ([]*DunningAttempt, error) {
	var attempts []*DunningAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.AutomationError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func boolJSON(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalResults(results []schema.StepResult) (json.RawMessage, error) {
	if len(results) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(results)
}
