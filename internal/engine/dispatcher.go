package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tenantkit/automation/internal/bus"
	"github.com/tenantkit/automation/internal/logging"
	"github.com/tenantkit/automation/internal/store"
	"github.com/tenantkit/automation/pkg/schema"
)

// DefaultPoolSize is the default concurrent-run limit per dispatcher.
const DefaultPoolSize = 10

// Dispatcher fans domain events out to matching workflows. Every
// active workflow with a matching event trigger gets one independent
// run; runs never block or cancel each other and no ordering is
// guaranteed between them.
type Dispatcher struct {
	store  store.Store
	runner *Runner
	pool   *RunPool
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher with the given concurrency limit.
// poolSize <= 0 uses DefaultPoolSize.
func NewDispatcher(st store.Store, runner *Runner, poolSize int, logger *slog.Logger) *Dispatcher {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	return &Dispatcher{
		store:  st,
		runner: runner,
		pool:   NewRunPool(poolSize),
		logger: logger,
	}
}

// OnEvent starts one run per active workflow whose trigger matches the
// event. It waits for all started runs to settle, logging individual
// failures without propagating them: one workflow's error must not
// affect its siblings.
func (d *Dispatcher) OnEvent(ctx context.Context, tenantID, eventType string, data map[string]any) error {
	ctx = logging.WithTenantID(ctx, tenantID)

	active := true
	workflows, err := d.store.ListWorkflows(ctx, store.WorkflowFilter{
		TenantID:     tenantID,
		Active:       &active,
		TriggerKind:  schema.TriggerEvent,
		TriggerEvent: eventType,
	})
	if err != nil {
		return err
	}
	if len(workflows) == 0 {
		return nil
	}

	d.logger.InfoContext(ctx, "dispatching event",
		slog.String("event", eventType), slog.Int("matched", len(workflows)))

	var wg sync.WaitGroup
	for _, wf := range workflows {
		wf := wf
		wg.Add(1)
		submitErr := d.pool.Submit(ctx, func(runCtx context.Context) error {
			defer wg.Done()
			if _, err := d.runner.Run(runCtx, wf, data); err != nil {
				d.logger.ErrorContext(runCtx, "workflow run failed",
					slog.String("workflow_id", wf.Definition.ID),
					slog.String("event", eventType),
					slog.String("error", err.Error()))
				return err
			}
			return nil
		})
		if submitErr != nil {
			wg.Done()
			d.logger.ErrorContext(ctx, "run submission failed",
				slog.String("workflow_id", wf.Definition.ID),
				slog.String("error", submitErr.Error()))
		}
	}
	wg.Wait()
	return nil
}

// RunManual starts a single workflow directly, bypassing trigger
// matching. The workflow must be active.
func (d *Dispatcher) RunManual(ctx context.Context, workflowID string, data map[string]any) (*store.Execution, error) {
	wf, err := d.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if !wf.Definition.Active {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %q is inactive", workflowID)
	}
	return d.runner.Run(ctx, wf, data)
}

// Attach subscribes the dispatcher to the event bus and pumps events
// into OnEvent until ctx is canceled. Each event is dispatched on its
// own goroutine: the pump keeps draining the subscription while runs
// are in flight, so a slow workflow (a delay step) neither holds back
// later events nor backs the bus up into dropping them. The run pool
// still bounds total concurrency.
func (d *Dispatcher) Attach(ctx context.Context, b bus.EventBus) error {
	events, cancel, err := b.Subscribe(ctx, bus.Filter{})
	if err != nil {
		return err
	}
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				go func(ev bus.Event) {
					if err := d.OnEvent(ctx, ev.TenantID, ev.Type, ev.Data); err != nil {
						d.logger.ErrorContext(ctx, "event dispatch failed",
							slog.String("event", ev.Type),
							slog.String("error", err.Error()))
					}
				}(ev)
			}
		}
	}()
	return nil
}

// Shutdown drains the run pool.
func (d *Dispatcher) Shutdown() {
	d.pool.Shutdown()
}

// Metrics exposes the run pool's counters.
func (d *Dispatcher) Metrics() PoolMetrics {
	return d.pool.Metrics()
}
