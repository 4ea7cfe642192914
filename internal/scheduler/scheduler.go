package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tenantkit/automation/internal/store"
	"github.com/tenantkit/automation/pkg/schema"
)

// WorkflowRunner runs one cron-triggered workflow. Satisfied by the
// engine runner (interface avoids an import cycle).
type WorkflowRunner interface {
	Run(ctx context.Context, wf *store.Workflow, payload map[string]any) (*store.Execution, error)
}

// MessageDispatcher delivers due scheduled messages.
type MessageDispatcher interface {
	DispatchDue(ctx context.Context, limit int) (int, error)
}

// DunningProcessor runs due payment-collection attempts.
type DunningProcessor interface {
	ProcessDue(ctx context.Context, limit int) (int, error)
}

const (
	tickInterval = 60 * time.Second
	batchLimit   = 100
)

// Scheduler is the single poll loop driving everything time-based:
// cron-triggered workflows, due scheduled messages, and due dunning
// attempts. All cross-tick state lives in the store, so a restart
// picks up exactly where the previous process left off.
type Scheduler struct {
	store    store.Store
	runner   WorkflowRunner
	messages MessageDispatcher
	dunning  DunningProcessor
	parser   cron.Parser
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	runs     sync.WaitGroup
	mu       sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // workflow IDs currently executing (dedup)
}

// NewScheduler creates a scheduler. messages and dunning may be nil
// when the host only uses workflow triggers.
func NewScheduler(st store.Store, runner WorkflowRunner, messages MessageDispatcher, dunning DunningProcessor, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		runner:   runner,
		messages: messages,
		dunning:  dunning,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Start launches the background poll loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("scheduler started")
	return nil
}

// Stop gracefully shuts down the poll loop.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.runs.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick drains each due-work queue once. The three queues are
// independent; an error in one never blocks the others.
func (s *Scheduler) tick(ctx context.Context) {
	s.tickWorkflows(ctx)

	if s.messages != nil {
		if sent, err := s.messages.DispatchDue(ctx, batchLimit); err != nil {
			s.logger.Error("dispatching due messages", slog.String("error", err.Error()))
		} else if sent > 0 {
			s.logger.Info("dispatched due messages", slog.Int("sent", sent))
		}
	}

	if s.dunning != nil {
		if n, err := s.dunning.ProcessDue(ctx, batchLimit); err != nil {
			s.logger.Error("processing due dunning attempts", slog.String("error", err.Error()))
		} else if n > 0 {
			s.logger.Info("processed due dunning attempts", slog.Int("count", n))
		}
	}
}

// tickWorkflows starts every active schedule-triggered workflow whose
// next run time has arrived. Each run executes on its own goroutine so
// a slow workflow (a delay step, most commonly) never holds up the
// tick, the message queue, or the dunning queue; the in-flight entry
// is released when the run settles.
func (s *Scheduler) tickWorkflows(ctx context.Context) {
	active := true
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		Active:      &active,
		TriggerKind: schema.TriggerSchedule,
	})
	if err != nil {
		s.logger.Error("listing scheduled workflows", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, wf := range workflows {
		if wf.NextRunAt != nil && wf.NextRunAt.After(now) {
			continue
		}
		id := wf.Definition.ID
		if !s.tryAcquire(id) {
			continue // already running (dedup)
		}
		wf := wf
		s.runs.Add(1)
		go func() {
			defer s.runs.Done()
			defer s.release(id)
			if err := s.runWorkflow(ctx, wf, now); err != nil {
				s.logger.Error("scheduled workflow run failed",
					slog.String("workflow_id", id),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// runWorkflow executes one scheduled workflow and advances its timestamps.
func (s *Scheduler) runWorkflow(ctx context.Context, wf *store.Workflow, now time.Time) error {
	s.logger.Info("running scheduled workflow",
		slog.String("workflow_id", wf.Definition.ID),
		slog.String("name", wf.Definition.Name),
	)

	payload := map[string]any{
		"trigger":      "schedule",
		"scheduled_at": now.Format(time.RFC3339),
	}
	if _, err := s.runner.Run(ctx, wf, payload); err != nil {
		s.logger.Error("scheduled workflow execution failed",
			slog.String("workflow_id", wf.Definition.ID),
			slog.String("error", err.Error()),
		)
	}

	nextRun, err := s.CalculateNextRun(wf.Definition.Trigger.Cron, now)
	if err != nil {
		return fmt.Errorf("calculate next run for workflow %q: %w", wf.Definition.ID, err)
	}

	return s.store.UpdateWorkflow(ctx, wf.Definition.ID, store.WorkflowUpdate{
		LastRunAt: &now,
		NextRunAt: &nextRun,
	})
}

// RecoverMissed runs once at startup: any scheduled workflow whose
// next_run_at passed while the process was down is run one time and
// rescheduled.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	active := true
	workflows, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{
		Active:      &active,
		TriggerKind: schema.TriggerSchedule,
	})
	if err != nil {
		return fmt.Errorf("list scheduled workflows: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, wf := range workflows {
		if wf.NextRunAt == nil || !wf.NextRunAt.Before(now) {
			continue
		}
		id := wf.Definition.ID
		if !s.tryAcquire(id) {
			continue
		}
		if err := s.runWorkflow(ctx, wf, now); err != nil {
			s.logger.Error("recovering missed workflow",
				slog.String("workflow_id", id),
				slog.String("error", err.Error()),
			)
			s.release(id)
			continue
		}
		s.release(id)
		recovered++
	}

	if recovered > 0 {
		s.logger.Info("recovered missed workflows", slog.Int("count", recovered))
	}
	return nil
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// tryAcquire marks a workflow in-flight unless it already is.
func (s *Scheduler) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
