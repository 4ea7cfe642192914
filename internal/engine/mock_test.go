package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tenantkit/automation/internal/store"
	"github.com/tenantkit/automation/pkg/schema"
)

// mockStore is a minimal in-memory Store for testing. The embedded
// interface panics on methods the engine never touches.
type mockStore struct {
	store.Store

	mu         sync.Mutex
	workflows  map[string]*store.Workflow
	executions map[string]*store.Execution
	contacts   map[string]*store.Contact
	tasks      map[string]*store.Task
}

func newMockStore() *mockStore {
	return &mockStore{
		workflows:  make(map[string]*store.Workflow),
		executions: make(map[string]*store.Execution),
		contacts:   make(map[string]*store.Contact),
		tasks:      make(map[string]*store.Task),
	}
}

func (m *mockStore) CreateWorkflow(_ context.Context, wf *store.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[wf.Definition.ID] = wf
	return nil
}

func (m *mockStore) GetWorkflow(_ context.Context, id string) (*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *mockStore) ListWorkflows(_ context.Context, filter store.WorkflowFilter) ([]*store.Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Workflow
	for _, wf := range m.workflows {
		def := wf.Definition
		if filter.TenantID != "" && def.TenantID != filter.TenantID {
			continue
		}
		if filter.Active != nil && def.Active != *filter.Active {
			continue
		}
		if filter.TriggerKind != "" && def.Trigger.Kind != filter.TriggerKind {
			continue
		}
		if filter.TriggerEvent != "" && def.Trigger.Event != filter.TriggerEvent {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) CreateExecution(_ context.Context, ex *store.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ex
	m.executions[ex.ID] = &cp
	return nil
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	cp := *ex
	return &cp, nil
}

func (m *mockStore) UpdateExecution(_ context.Context, id string, update store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ex, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if ex.Status.Terminal() {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is terminal", id)
	}
	if update.Status != nil {
		ex.Status = *update.Status
	}
	if update.Results != nil {
		ex.Results = update.Results
	}
	if update.Error != nil {
		ex.Error = *update.Error
	}
	if update.CompletedAt != nil {
		ex.CompletedAt = update.CompletedAt
	}
	return nil
}

func (m *mockStore) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Execution
	for _, ex := range m.executions {
		if filter.WorkflowID != "" && ex.WorkflowID != filter.WorkflowID {
			continue
		}
		cp := *ex
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockStore) CreateContact(_ context.Context, c *store.Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.ID] = c
	return nil
}

func (m *mockStore) CreateTask(_ context.Context, t *store.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t
	return nil
}

// mockSender records channel sends and optionally fails them.
type mockSender struct {
	mu     sync.Mutex
	emails []string
	sms    []string
	fail   bool
}

func (s *mockSender) SendEmail(_ context.Context, recipient, subject, _ string) error {
	if s.fail {
		return fmt.Errorf("smtp unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails = append(s.emails, recipient+":"+subject)
	return nil
}

func (s *mockSender) SendSMS(_ context.Context, recipient, _ string) error {
	if s.fail {
		return fmt.Errorf("sms gateway unavailable")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sms = append(s.sms, recipient)
	return nil
}

func (s *mockSender) SendWhatsApp(_ context.Context, recipient, _ string) error {
	return s.SendSMS(nil, recipient, "")
}

// mockWebhook records dispatched events.
type mockWebhook struct {
	mu       sync.Mutex
	events   []string
	payloads []map[string]any
	fail     bool
}

func (w *mockWebhook) Dispatch(_ context.Context, _, eventName string, payload map[string]any) error {
	if w.fail {
		return fmt.Errorf("endpoint returned 500")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, eventName)
	w.payloads = append(w.payloads, payload)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
