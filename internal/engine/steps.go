package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tenantkit/automation/internal/expressions"
	"github.com/tenantkit/automation/internal/notify"
	"github.com/tenantkit/automation/internal/store"
	"github.com/tenantkit/automation/pkg/schema"
)

// stepHandler executes one step against the run context and returns its
// result. Returned errors abort the whole run.
type stepHandler func(ctx context.Context, tenantID string, step *schema.Step, runCtx map[string]any) (*schema.StepResult, error)

// StepExecutor runs individual workflow steps. Channel sends and entity
// mutations delegate to the collaborators; unknown step types complete
// as no-ops so newer definitions keep running on older engine builds.
type StepExecutor struct {
	store   store.Store
	sender  notify.ChannelSender
	webhook notify.WebhookNotifier
	logger  *slog.Logger

	// condition expression engines, keyed by ConditionConfig.Language.
	conditionEngines map[string]expressions.Engine
	transformEngine  expressions.Engine

	handlers map[schema.StepType]stepHandler
}

// NewStepExecutor wires a step executor with all built-in handlers.
func NewStepExecutor(st store.Store, sender notify.ChannelSender, webhook notify.WebhookNotifier, logger *slog.Logger) (*StepExecutor, error) {
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	e := &StepExecutor{
		store:   st,
		sender:  sender,
		webhook: webhook,
		logger:  logger,
		conditionEngines: map[string]expressions.Engine{
			"cel":  celEngine,
			"expr": expressions.NewExprEngine(),
		},
		transformEngine: expressions.NewGoJQEngine(),
	}
	e.handlers = map[schema.StepType]stepHandler{
		schema.StepDelay:         e.execDelay,
		schema.StepCondition:     e.execCondition,
		schema.StepWebhook:       e.execWebhook,
		schema.StepSendEmail:     e.execSendEmail,
		schema.StepSendSMS:       e.execSendSMS,
		schema.StepCreateContact: e.execCreateContact,
		schema.StepCreateTask:    e.execCreateTask,
		schema.StepTransform:     e.execTransform,
	}
	return e, nil
}

// Execute runs one step. Unknown types return a completed no-op result.
func (e *StepExecutor) Execute(ctx context.Context, tenantID string, step *schema.Step, runCtx map[string]any) (*schema.StepResult, error) {
	handler, ok := e.handlers[step.Type]
	if !ok {
		e.logger.WarnContext(ctx, "unknown step type, skipping",
			slog.String("step_id", step.ID), slog.String("type", string(step.Type)))
		return &schema.StepResult{
			StepID:    step.ID,
			Type:      step.Type,
			Completed: true,
			Message:   "not implemented",
		}, nil
	}
	return handler(ctx, tenantID, step, runCtx)
}

func (e *StepExecutor) execDelay(ctx context.Context, _ string, step *schema.Step, _ map[string]any) (*schema.StepResult, error) {
	var cfg schema.DelayConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}
	if cfg.Duration > 0 {
		timer := time.NewTimer(time.Duration(cfg.Duration) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, schema.NewError(schema.ErrCodeExecution, "run canceled during delay").
				WithStep(step.ID).WithCause(ctx.Err())
		}
	}
	return &schema.StepResult{StepID: step.ID, Type: step.Type, Completed: true}, nil
}

// execCondition evaluates the step's guard. Expression conditions run
// through the configured language engine; evaluation errors log and
// count as false rather than failing the run.
func (e *StepExecutor) execCondition(ctx context.Context, _ string, step *schema.Step, runCtx map[string]any) (*schema.StepResult, error) {
	var cfg schema.ConditionConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}

	var met bool
	if cfg.Expression != "" {
		met = e.evalExpression(ctx, step.ID, &cfg, runCtx)
	} else {
		met = EvaluateCondition(&cfg, runCtx)
	}

	return &schema.StepResult{
		StepID:       step.ID,
		Type:         step.Type,
		Completed:    true,
		ConditionMet: met,
		Output:       met,
	}, nil
}

func (e *StepExecutor) evalExpression(ctx context.Context, stepID string, cfg *schema.ConditionConfig, runCtx map[string]any) bool {
	lang := cfg.Language
	if lang == "" {
		lang = "cel"
	}
	engine, ok := e.conditionEngines[lang]
	if !ok {
		e.logger.WarnContext(ctx, "unknown condition language",
			slog.String("step_id", stepID), slog.String("language", lang))
		return false
	}
	out, err := engine.Evaluate(ctx, cfg.Expression, runCtx)
	if err != nil {
		e.logger.WarnContext(ctx, "condition expression failed",
			slog.String("step_id", stepID), slog.String("engine", engine.Name()),
			slog.String("error", err.Error()))
		return false
	}
	met, ok := out.(bool)
	return ok && met
}

// execWebhook delivers the entire run context to the tenant's webhook
// endpoints. Delivery failures are logged and never fail the run.
func (e *StepExecutor) execWebhook(ctx context.Context, tenantID string, step *schema.Step, runCtx map[string]any) (*schema.StepResult, error) {
	var cfg schema.WebhookConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}
	result := &schema.StepResult{StepID: step.ID, Type: step.Type, Completed: true}
	if err := e.webhook.Dispatch(ctx, tenantID, cfg.Event, runCtx); err != nil {
		e.logger.WarnContext(ctx, "webhook delivery failed",
			slog.String("step_id", step.ID), slog.String("event", cfg.Event),
			slog.String("error", err.Error()))
		result.Message = "webhook delivery failed"
	}
	return result, nil
}

func (e *StepExecutor) execSendEmail(ctx context.Context, _ string, step *schema.Step, runCtx map[string]any) (*schema.StepResult, error) {
	var cfg schema.SendEmailConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}
	to := cfg.To
	if to == "" {
		to = contextString(runCtx, "email")
	}
	if err := e.sender.SendEmail(ctx, to, cfg.Subject, cfg.Body); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "send email: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return &schema.StepResult{StepID: step.ID, Type: step.Type, Completed: true}, nil
}

func (e *StepExecutor) execSendSMS(ctx context.Context, _ string, step *schema.Step, runCtx map[string]any) (*schema.StepResult, error) {
	var cfg schema.SendSMSConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}
	to := cfg.To
	if to == "" {
		to = contextString(runCtx, "phone")
	}
	if err := e.sender.SendSMS(ctx, to, cfg.Body); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "send sms: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return &schema.StepResult{StepID: step.ID, Type: step.Type, Completed: true}, nil
}

func (e *StepExecutor) execCreateContact(ctx context.Context, tenantID string, step *schema.Step, runCtx map[string]any) (*schema.StepResult, error) {
	var cfg schema.CreateContactConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}
	contact := &store.Contact{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		Name:     firstNonEmpty(cfg.Name, contextString(runCtx, "name")),
		Email:    firstNonEmpty(cfg.Email, contextString(runCtx, "email")),
		Phone:    firstNonEmpty(cfg.Phone, contextString(runCtx, "phone")),
	}
	if err := e.store.CreateContact(ctx, contact); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "create contact: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return &schema.StepResult{
		StepID:    step.ID,
		Type:      step.Type,
		Completed: true,
		Output:    map[string]any{"contact_id": contact.ID},
	}, nil
}

func (e *StepExecutor) execCreateTask(ctx context.Context, tenantID string, step *schema.Step, _ map[string]any) (*schema.StepResult, error) {
	var cfg schema.CreateTaskConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}
	task := &store.Task{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Title:       cfg.Title,
		Description: cfg.Description,
	}
	if cfg.DueInDays > 0 {
		due := time.Now().UTC().AddDate(0, 0, cfg.DueInDays)
		task.DueAt = &due
	}
	if err := e.store.CreateTask(ctx, task); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "create task: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return &schema.StepResult{
		StepID:    step.ID,
		Type:      step.Type,
		Completed: true,
		Output:    map[string]any{"task_id": task.ID},
	}, nil
}

// execTransform applies the configured jq program to the run context.
// The output lands in the context under the step's ID for later steps.
func (e *StepExecutor) execTransform(ctx context.Context, _ string, step *schema.Step, runCtx map[string]any) (*schema.StepResult, error) {
	var cfg schema.TransformConfig
	if err := decodeConfig(step, &cfg); err != nil {
		return nil, err
	}
	out, err := e.transformEngine.Evaluate(ctx, cfg.Query, runCtx)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepFailed, "transform: %s", err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return &schema.StepResult{StepID: step.ID, Type: step.Type, Completed: true, Output: out}, nil
}

func decodeConfig(step *schema.Step, dst any) error {
	if len(step.Config) == 0 {
		return nil
	}
	if err := json.Unmarshal(step.Config, dst); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "decode %s config: %s", step.Type, err.Error()).
			WithStep(step.ID).WithCause(err)
	}
	return nil
}

func contextString(runCtx map[string]any, key string) string {
	if v, ok := runCtx[key].(string); ok {
		return v
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
