package sequence

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tenantkit/automation/internal/store"
	"github.com/tenantkit/automation/pkg/schema"
)

// mockStore is an in-memory Store covering the enrollment and message
// surface. The embedded interface panics on anything else.
type mockStore struct {
	store.Store

	mu          sync.Mutex
	templates   map[string]*schema.MessageTemplate
	contacts    map[string]*store.Contact
	enrollments map[string]*store.Enrollment
	messages    map[string]*store.ScheduledMessage

	failEnrollInsert bool
}

func newMockStore() *mockStore {
	return &mockStore{
		templates:   make(map[string]*schema.MessageTemplate),
		contacts:    make(map[string]*store.Contact),
		enrollments: make(map[string]*store.Enrollment),
		messages:    make(map[string]*store.ScheduledMessage),
	}
}

func (m *mockStore) GetTemplate(_ context.Context, id string) (*schema.MessageTemplate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tpl, ok := m.templates[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", id)
	}
	return tpl, nil
}

func (m *mockStore) GetContact(_ context.Context, id string) (*store.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "contact %q not found", id)
	}
	return c, nil
}

// CreateEnrollment mirrors the real store's all-or-nothing contract:
// when the batch insert fails, no enrollment row survives either.
func (m *mockStore) CreateEnrollment(_ context.Context, e *store.Enrollment, msgs []*store.ScheduledMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failEnrollInsert {
		return schema.NewError(schema.ErrCodeStore, "batch insert failed")
	}
	cp := *e
	cp.CreatedAt = time.Now().UTC()
	m.enrollments[e.ID] = &cp
	for _, msg := range msgs {
		mc := *msg
		m.messages[msg.ID] = &mc
	}
	return nil
}

func (m *mockStore) GetEnrollment(_ context.Context, id string) (*store.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "enrollment %q not found", id)
	}
	cp := *e
	return &cp, nil
}

func (m *mockStore) RecomputeEnrollmentProgress(_ context.Context, enrollmentID string) (*store.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[enrollmentID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "enrollment %q not found", enrollmentID)
	}
	sent := 0
	for _, msg := range m.messages {
		if msg.EnrollmentID == enrollmentID && msg.Status == schema.MessageSent {
			sent++
		}
	}
	if sent > e.TotalSteps {
		sent = e.TotalSteps
	}
	e.CompletedSteps = sent
	if sent == e.TotalSteps {
		e.Status = schema.EnrollmentCompleted
	}
	cp := *e
	return &cp, nil
}

func (m *mockStore) GetMessage(_ context.Context, id string) (*store.ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "message %q not found", id)
	}
	cp := *msg
	return &cp, nil
}

func (m *mockStore) NextDueMessage(_ context.Context, contactID string, now time.Time) (*store.ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*store.ScheduledMessage
	for _, msg := range m.messages {
		if msg.ContactID == contactID && msg.Status == schema.MessagePending && !msg.ScheduledAt.After(now) {
			due = append(due, msg)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	cp := *due[0]
	return &cp, nil
}

func (m *mockStore) ListDueMessages(_ context.Context, now time.Time, limit int) ([]*store.ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*store.ScheduledMessage
	for _, msg := range m.messages {
		if msg.Status == schema.MessagePending && !msg.ScheduledAt.After(now) {
			cp := *msg
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(due[j].ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *mockStore) UpdateMessage(_ context.Context, id string, update store.MessageUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "message %q not found", id)
	}
	if update.Status != nil {
		msg.Status = *update.Status
	}
	if update.RetryCount != nil {
		msg.RetryCount = *update.RetryCount
	}
	if update.ScheduledAt != nil {
		msg.ScheduledAt = *update.ScheduledAt
	}
	if update.SentAt != nil {
		msg.SentAt = update.SentAt
	}
	return nil
}

// mockSender records deliveries; failNext fails one send then recovers.
type mockSender struct {
	mu       sync.Mutex
	sent     []string
	failAll  bool
	failNext int
}

func (s *mockSender) send(recipient string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAll || s.failNext > 0 {
		if s.failNext > 0 {
			s.failNext--
		}
		return schema.NewError(schema.ErrCodeDelivery, "transport unavailable")
	}
	s.sent = append(s.sent, recipient)
	return nil
}

func (s *mockSender) SendEmail(_ context.Context, recipient, _, _ string) error {
	return s.send(recipient)
}

func (s *mockSender) SendSMS(_ context.Context, recipient, _ string) error {
	return s.send(recipient)
}

func (s *mockSender) SendWhatsApp(_ context.Context, recipient, _ string) error {
	return s.send(recipient)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
