package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tenantkit/automation/internal/logging"
	"github.com/tenantkit/automation/internal/store"
	"github.com/tenantkit/automation/pkg/schema"
)

// Runner executes workflow definitions. Each Run creates exactly one
// execution record, walks the steps sequentially, and leaves the record
// in a terminal state before returning.
type Runner struct {
	store    store.Store
	executor *StepExecutor
	logger   *slog.Logger
}

// NewRunner creates a workflow runner.
func NewRunner(st store.Store, executor *StepExecutor, logger *slog.Logger) *Runner {
	return &Runner{store: st, executor: executor, logger: logger}
}

// Run executes one workflow against the given trigger payload.
//
// The execution is created RUNNING before any step fires. Steps run in
// stored order; each result is appended to the ordered results list and
// written into the run context under the step's ID, so later steps can
// read earlier outputs. A condition step evaluating false stops the
// walk and the execution still completes: a false guard is flow
// control, not an error. A step error persists FAILED with the error
// message and then propagates to the caller.
func (r *Runner) Run(ctx context.Context, wf *store.Workflow, payload map[string]any) (*store.Execution, error) {
	def := &wf.Definition

	exec := &store.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     def.ID,
		TenantID:       def.TenantID,
		Status:         schema.ExecutionRunning,
		TriggerPayload: payload,
		StartedAt:      time.Now().UTC(),
	}
	if err := r.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, def.TenantID, def.ID, exec.ID)
	r.logger.InfoContext(ctx, "execution started",
		slog.String("workflow", def.Name), slog.Int("steps", len(def.Steps)))

	// Run context seen by steps: the trigger payload at the top level,
	// plus each completed step's result keyed by step ID. The trigger,
	// steps, and workflow keys mirror the expression engines' variables.
	runCtx := make(map[string]any, len(payload)+len(def.Steps)+3)
	for k, v := range payload {
		runCtx[k] = v
	}
	stepsCtx := make(map[string]any, len(def.Steps))
	if payload == nil {
		payload = map[string]any{}
	}
	runCtx["trigger"] = payload
	runCtx["steps"] = stepsCtx
	runCtx["workflow"] = map[string]any{
		"id":           def.ID,
		"tenant_id":    def.TenantID,
		"execution_id": exec.ID,
	}

	results := make([]schema.StepResult, 0, len(def.Steps))

	for i := range def.Steps {
		step := &def.Steps[i]

		result, err := r.executor.Execute(ctx, def.TenantID, step, runCtx)
		if err != nil {
			return exec, r.fail(ctx, exec, results, step.ID, err)
		}

		results = append(results, *result)
		stepResult := map[string]any{
			"completed":     result.Completed,
			"output":        result.Output,
			"condition_met": result.ConditionMet,
		}
		runCtx[step.ID] = stepResult
		stepsCtx[step.ID] = stepResult

		if step.Type == schema.StepCondition && !result.ConditionMet {
			r.logger.InfoContext(ctx, "condition not met, skipping remaining steps",
				slog.String("step_id", step.ID),
				slog.Int("skipped", len(def.Steps)-i-1))
			break
		}
	}

	if err := r.finish(ctx, exec, schema.ExecutionCompleted, results, ""); err != nil {
		return exec, err
	}
	r.logger.InfoContext(ctx, "execution completed", slog.Int("results", len(results)))
	return exec, nil
}

// fail persists the FAILED record and re-raises the step error so a
// synchronous trigger invocation observes the failure.
func (r *Runner) fail(ctx context.Context, exec *store.Execution, results []schema.StepResult, stepID string, cause error) error {
	r.logger.ErrorContext(ctx, "execution failed",
		slog.String("step_id", stepID), slog.String("error", cause.Error()))

	if err := r.finish(ctx, exec, schema.ExecutionFailed, results, cause.Error()); err != nil {
		r.logger.ErrorContext(ctx, "persisting failed execution",
			slog.String("error", err.Error()))
	}
	return cause
}

func (r *Runner) finish(ctx context.Context, exec *store.Execution, status schema.ExecutionStatus, results []schema.StepResult, errMsg string) error {
	now := time.Now().UTC()
	update := store.ExecutionUpdate{
		Status:      &status,
		Results:     results,
		CompletedAt: &now,
	}
	if errMsg != "" {
		update.Error = &errMsg
	}
	if err := r.store.UpdateExecution(ctx, exec.ID, update); err != nil {
		return err
	}
	exec.Status = status
	exec.Results = results
	exec.Error = errMsg
	exec.CompletedAt = &now
	return nil
}
