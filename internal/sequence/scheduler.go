package sequence

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tenantkit/automation/internal/logging"
	"github.com/tenantkit/automation/internal/store"
	"github.com/tenantkit/automation/pkg/schema"
)

// Scheduler enrolls contacts into message templates, computing one
// absolute send time per template step and persisting the whole
// message batch atomically.
type Scheduler struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler creates an enrollment scheduler.
func NewScheduler(st store.Store, logger *slog.Logger) *Scheduler {
	return &Scheduler{store: st, logger: logger, now: time.Now}
}

// Enroll creates an enrollment for the contact and one PENDING
// scheduled message per template step. Each step's send time is the
// enrollment day plus the step's day offset, at the channel's fixed
// hour of day (UTC). Template and contact must exist and belong to the
// tenant; absence is an error, not a silent no-op. The enrollment row
// and the message batch are persisted in one transaction.
func (s *Scheduler) Enroll(ctx context.Context, contactID, templateID, tenantID string) (*store.Enrollment, error) {
	ctx = logging.WithTenantID(ctx, tenantID)

	tpl, err := s.store.GetTemplate(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tpl.TenantID != tenantID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found for tenant", templateID)
	}
	contact, err := s.store.GetContact(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if contact.TenantID != tenantID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "contact %q not found for tenant", contactID)
	}
	if len(tpl.Steps) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "template %q has no steps", templateID)
	}

	enrolledAt := s.now().UTC()
	enrollment := &store.Enrollment{
		ID:         uuid.NewString(),
		ContactID:  contactID,
		TemplateID: templateID,
		TenantID:   tenantID,
		TotalSteps: len(tpl.Steps),
		Status:     schema.EnrollmentActive,
	}

	msgs := make([]*store.ScheduledMessage, 0, len(tpl.Steps))
	for _, step := range tpl.Steps {
		msgs = append(msgs, &store.ScheduledMessage{
			ID:           uuid.NewString(),
			EnrollmentID: enrollment.ID,
			ContactID:    contactID,
			TenantID:     tenantID,
			Channel:      step.Channel,
			Subject:      step.Subject,
			Body:         step.Body,
			ScheduledAt:  sendTime(enrolledAt, step),
			Status:       schema.MessagePending,
		})
	}

	if err := s.store.CreateEnrollment(ctx, enrollment, msgs); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "contact enrolled",
		slog.String("enrollment_id", enrollment.ID),
		slog.String("contact_id", contactID),
		slog.String("template_id", templateID),
		slog.Int("messages", len(msgs)))
	return enrollment, nil
}

// sendTime is the enrollment day shifted by the step's day offset, at
// the channel's fixed hour. Minutes and seconds are zeroed so repeated
// enrollments on the same day land on the same instant.
func sendTime(enrolledAt time.Time, step schema.TemplateStep) time.Time {
	day := enrolledAt.AddDate(0, 0, step.DayOffset)
	return time.Date(day.Year(), day.Month(), day.Day(), step.Channel.SendHour(), 0, 0, 0, time.UTC)
}
