package dunning

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tenantkit/automation/internal/logging"
	"github.com/tenantkit/automation/internal/notify"
	"github.com/tenantkit/automation/internal/store"
	"github.com/tenantkit/automation/pkg/schema"
)

// Policy is the retry-then-escalate strategy for failed payments.
// RetryIntervals[n-1] is the delay before attempt n's retry; attempts
// past the slice reuse the last interval. Exceeding MaxAttempts
// suspends the subscription instead of creating another attempt.
type Policy struct {
	MaxAttempts    int
	RetryIntervals []time.Duration
}

// DefaultPolicy retries three times, spaced 3, 5 and 7 days apart.
var DefaultPolicy = Policy{
	MaxAttempts:    3,
	RetryIntervals: []time.Duration{3 * 24 * time.Hour, 5 * 24 * time.Hour, 7 * 24 * time.Hour},
}

// interval returns the delay before attempt n's retry, 1-based.
func (p Policy) interval(n int) time.Duration {
	if len(p.RetryIntervals) == 0 {
		return 0
	}
	if n-1 < len(p.RetryIntervals) {
		return p.RetryIntervals[n-1]
	}
	return p.RetryIntervals[len(p.RetryIntervals)-1]
}

// Controller drives payment collection for past-due subscriptions.
type Controller struct {
	store   store.Store
	gateway notify.PaymentGateway
	webhook notify.WebhookNotifier
	policy  Policy
	logger  *slog.Logger
	now     func() time.Time
}

// NewController creates a dunning controller. A zero policy falls back
// to DefaultPolicy.
func NewController(st store.Store, gateway notify.PaymentGateway, webhook notify.WebhookNotifier, policy Policy, logger *slog.Logger) *Controller {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy
	}
	return &Controller{
		store:   st,
		gateway: gateway,
		webhook: webhook,
		policy:  policy,
		logger:  logger,
		now:     time.Now,
	}
}

// CreateAttempt opens the next collection attempt for an unpaid
// invoice. The attempt number is one past the highest existing
// pending or failed attempt for the subscription. When that number
// exceeds the policy maximum, no attempt is created: the subscription
// is suspended and the caller gets a SUBSCRIPTION_SUSPENDED error.
// Otherwise the attempt is persisted pending with its retry due time,
// and a notification fires best-effort.
func (c *Controller) CreateAttempt(ctx context.Context, subscriptionID, invoiceID, tenantID string, amountCents int64) (*store.DunningAttempt, error) {
	ctx = logging.WithTenantID(ctx, tenantID)

	existing, err := c.store.ListAttempts(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	next := 1
	for _, a := range existing {
		if a.Status == schema.AttemptSuccess {
			continue
		}
		if a.AttemptNumber >= next {
			next = a.AttemptNumber + 1
		}
	}

	if next > c.policy.MaxAttempts {
		return nil, c.suspend(ctx, subscriptionID, tenantID)
	}

	retryAt := c.now().UTC().Add(c.policy.interval(next))
	attempt := &store.DunningAttempt{
		ID:             uuid.NewString(),
		SubscriptionID: subscriptionID,
		InvoiceID:      invoiceID,
		TenantID:       tenantID,
		AttemptNumber:  next,
		Status:         schema.AttemptPending,
		AmountCents:    amountCents,
		NextRetryAt:    &retryAt,
	}
	if err := c.store.CreateAttempt(ctx, attempt); err != nil {
		return nil, err
	}

	c.logger.InfoContext(ctx, "dunning attempt created",
		slog.String("attempt_id", attempt.ID),
		slog.String("subscription_id", subscriptionID),
		slog.Int("attempt", next),
		slog.Time("retry_at", retryAt))

	c.notifyEvent(ctx, tenantID, "dunning.attempt_created", map[string]any{
		"attempt_id":      attempt.ID,
		"subscription_id": subscriptionID,
		"invoice_id":      invoiceID,
		"attempt_number":  next,
		"amount_cents":    amountCents,
	})
	return attempt, nil
}

// ProcessAttempt charges the attempt's payment method and records the
// outcome. Success marks the attempt success, the invoice paid and the
// subscription active. Failure marks the attempt failed and opens the
// next attempt, or suspends the subscription when none remain.
func (c *Controller) ProcessAttempt(ctx context.Context, attemptID string) error {
	attempt, err := c.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	ctx = logging.WithTenantID(ctx, attempt.TenantID)

	if attempt.Status != schema.AttemptPending {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"attempt %q is %s, not pending", attemptID, attempt.Status)
	}

	sub, err := c.store.GetSubscription(ctx, attempt.SubscriptionID)
	if err != nil {
		return err
	}

	chargeErr := c.gateway.Charge(ctx, sub.PaymentMethodID, attempt.AmountCents)
	if chargeErr == nil {
		return c.settleSuccess(ctx, attempt)
	}
	return c.settleFailure(ctx, attempt, chargeErr)
}

func (c *Controller) settleSuccess(ctx context.Context, attempt *store.DunningAttempt) error {
	success := schema.AttemptSuccess
	now := c.now().UTC()
	if err := c.store.UpdateAttempt(ctx, attempt.ID, store.AttemptUpdate{
		Status:      &success,
		SucceededAt: &now,
	}); err != nil {
		return err
	}
	if err := c.store.UpdateInvoiceStatus(ctx, attempt.InvoiceID, schema.InvoicePaid); err != nil {
		return err
	}
	if err := c.store.UpdateSubscriptionStatus(ctx, attempt.SubscriptionID, schema.SubscriptionActive); err != nil {
		return err
	}

	c.logger.InfoContext(ctx, "payment recovered",
		slog.String("attempt_id", attempt.ID),
		slog.String("subscription_id", attempt.SubscriptionID),
		slog.Int("attempt", attempt.AttemptNumber))

	c.notifyEvent(ctx, attempt.TenantID, "dunning.payment_recovered", map[string]any{
		"attempt_id":      attempt.ID,
		"subscription_id": attempt.SubscriptionID,
		"invoice_id":      attempt.InvoiceID,
	})
	return nil
}

func (c *Controller) settleFailure(ctx context.Context, attempt *store.DunningAttempt, cause error) error {
	failed := schema.AttemptFailed
	msg := cause.Error()
	if err := c.store.UpdateAttempt(ctx, attempt.ID, store.AttemptUpdate{
		Status:       &failed,
		ErrorMessage: &msg,
	}); err != nil {
		return err
	}

	c.logger.WarnContext(ctx, "payment attempt failed",
		slog.String("attempt_id", attempt.ID),
		slog.String("subscription_id", attempt.SubscriptionID),
		slog.Int("attempt", attempt.AttemptNumber),
		slog.String("error", msg))

	// Opens the next attempt, or surfaces the suspension error once
	// attempts run out.
	_, err := c.CreateAttempt(ctx, attempt.SubscriptionID, attempt.InvoiceID, attempt.TenantID, attempt.AmountCents)
	return err
}

// ProcessDue runs every pending attempt whose retry time has passed.
// Called by the poll loop.
func (c *Controller) ProcessDue(ctx context.Context, limit int) (int, error) {
	due, err := c.store.ListDueAttempts(ctx, c.now().UTC(), limit)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, attempt := range due {
		if err := c.ProcessAttempt(ctx, attempt.ID); err != nil {
			var aerr *schema.AutomationError
			if !errors.As(err, &aerr) || aerr.Code != schema.ErrCodeSuspended {
				c.logger.ErrorContext(ctx, "processing dunning attempt",
					slog.String("attempt_id", attempt.ID),
					slog.String("error", err.Error()))
				continue
			}
		}
		processed++
	}
	return processed, nil
}

func (c *Controller) suspend(ctx context.Context, subscriptionID, tenantID string) error {
	if err := c.store.UpdateSubscriptionStatus(ctx, subscriptionID, schema.SubscriptionSuspended); err != nil {
		return err
	}

	c.logger.WarnContext(ctx, "subscription suspended",
		slog.String("subscription_id", subscriptionID),
		slog.Int("max_attempts", c.policy.MaxAttempts))

	c.notifyEvent(ctx, tenantID, "dunning.subscription_suspended", map[string]any{
		"subscription_id": subscriptionID,
	})
	return schema.NewErrorf(schema.ErrCodeSuspended,
		"subscription %q suspended after %d attempts", subscriptionID, c.policy.MaxAttempts)
}

// notifyEvent is best-effort; webhook failures never fail dunning flow.
func (c *Controller) notifyEvent(ctx context.Context, tenantID, event string, payload map[string]any) {
	if c.webhook == nil {
		return
	}
	if err := c.webhook.Dispatch(ctx, tenantID, event, payload); err != nil {
		c.logger.WarnContext(ctx, "dunning notification failed",
			slog.String("event", event), slog.String("error", err.Error()))
	}
}
