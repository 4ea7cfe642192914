package sequence

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/tenantkit/automation/internal/logging"
	"github.com/tenantkit/automation/internal/notify"
	"github.com/tenantkit/automation/internal/store"
	"github.com/tenantkit/automation/pkg/schema"
)

// RetryPolicy bounds redelivery of failed scheduled messages.
type RetryPolicy struct {
	MaxRetries int
	Backoff    time.Duration
}

// DefaultRetryPolicy retries a failed send up to 3 times, one hour apart.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, Backoff: time.Hour}

// Dispatcher delivers due scheduled messages and records outcomes.
type Dispatcher struct {
	store  store.Store
	sender notify.ChannelSender
	policy RetryPolicy
	logger *slog.Logger
	now    func() time.Time
}

// NewDispatcher creates a message dispatcher. A zero policy falls back
// to DefaultRetryPolicy.
func NewDispatcher(st store.Store, sender notify.ChannelSender, policy RetryPolicy, logger *slog.Logger) *Dispatcher {
	if policy.MaxRetries <= 0 {
		policy = DefaultRetryPolicy
	}
	return &Dispatcher{store: st, sender: sender, policy: policy, logger: logger, now: time.Now}
}

// NextDue returns the contact's earliest PENDING message whose send
// time has passed, or nil when none is due.
func (d *Dispatcher) NextDue(ctx context.Context, contactID string) (*store.ScheduledMessage, error) {
	return d.store.NextDueMessage(ctx, contactID, d.now().UTC())
}

// MarkSent flips the message to SENT and recomputes the owning
// enrollment's progress. The recompute derives completedSteps from the
// SENT count rather than incrementing, so repeated or out-of-order
// calls converge on the same state.
func (d *Dispatcher) MarkSent(ctx context.Context, messageID string) error {
	msg, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	ctx = logging.WithTenantID(ctx, msg.TenantID)

	sent := schema.MessageSent
	now := d.now().UTC()
	if err := d.store.UpdateMessage(ctx, messageID, store.MessageUpdate{
		Status: &sent,
		SentAt: &now,
	}); err != nil {
		return err
	}

	enrollment, err := d.store.RecomputeEnrollmentProgress(ctx, msg.EnrollmentID)
	if err != nil {
		return err
	}
	if enrollment.Status == schema.EnrollmentCompleted {
		d.logger.InfoContext(ctx, "enrollment completed",
			slog.String("enrollment_id", enrollment.ID),
			slog.String("contact_id", enrollment.ContactID))
	}
	return nil
}

// MarkFailed records a failed delivery. While retries remain the
// message goes back to PENDING with its send time pushed out by the
// backoff; once they are spent it is FAILED for good and a
// RETRY_EXHAUSTED error is returned after the row is updated.
func (d *Dispatcher) MarkFailed(ctx context.Context, messageID string) error {
	msg, err := d.store.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	ctx = logging.WithTenantID(ctx, msg.TenantID)

	retries := msg.RetryCount + 1
	update := store.MessageUpdate{RetryCount: &retries}

	if retries < d.policy.MaxRetries {
		pending := schema.MessagePending
		next := d.now().UTC().Add(d.policy.Backoff)
		update.Status = &pending
		update.ScheduledAt = &next
		d.logger.WarnContext(ctx, "message delivery failed, rescheduled",
			slog.String("message_id", messageID),
			slog.Int("retry", retries),
			slog.Time("next_attempt", next))
		return d.store.UpdateMessage(ctx, messageID, update)
	}

	failed := schema.MessageFailed
	update.Status = &failed
	d.logger.ErrorContext(ctx, "message delivery failed permanently",
		slog.String("message_id", messageID),
		slog.Int("retries", retries))
	if err := d.store.UpdateMessage(ctx, messageID, update); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeRetryExhausted,
		"message %s failed after %d attempts", messageID, retries)
}

// DispatchDue sends every due message, routing each outcome through
// MarkSent or MarkFailed. Called by the poll loop; one bad message
// never stops the batch.
func (d *Dispatcher) DispatchDue(ctx context.Context, limit int) (int, error) {
	due, err := d.store.ListDueMessages(ctx, d.now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, msg := range due {
		if err := d.deliver(ctx, msg); err != nil {
			markErr := d.MarkFailed(ctx, msg.ID)
			var autoErr *schema.AutomationError
			if markErr != nil && !(errors.As(markErr, &autoErr) && autoErr.Code == schema.ErrCodeRetryExhausted) {
				d.logger.ErrorContext(ctx, "recording message failure",
					slog.String("message_id", msg.ID),
					slog.String("error", markErr.Error()))
			}
			continue
		}
		if err := d.MarkSent(ctx, msg.ID); err != nil {
			d.logger.ErrorContext(ctx, "recording message delivery",
				slog.String("message_id", msg.ID),
				slog.String("error", err.Error()))
			continue
		}
		sent++
	}
	return sent, nil
}

func (d *Dispatcher) deliver(ctx context.Context, msg *store.ScheduledMessage) error {
	contact, err := d.store.GetContact(ctx, msg.ContactID)
	if err != nil {
		return err
	}
	switch msg.Channel {
	case schema.ChannelEmail:
		return d.sender.SendEmail(ctx, contact.Email, msg.Subject, msg.Body)
	case schema.ChannelSMS:
		return d.sender.SendSMS(ctx, contact.Phone, msg.Body)
	case schema.ChannelWhatsApp:
		return d.sender.SendWhatsApp(ctx, contact.Phone, msg.Body)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unsupported channel %q", msg.Channel)
	}
}
