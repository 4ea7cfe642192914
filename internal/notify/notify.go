package notify

import "context"

// ChannelSender delivers outbound messages over a tenant's configured
// channels. Implementations live outside this core (email/SMS/WhatsApp
// transports); delivery failures are returned as errors and routed into
// the bounded-retry policy, never thrown away.
type ChannelSender interface {
	SendEmail(ctx context.Context, recipient, subject, body string) error
	SendSMS(ctx context.Context, recipient, body string) error
	SendWhatsApp(ctx context.Context, recipient, body string) error
}

// WebhookNotifier delivers event payloads to tenant-configured HTTP
// endpoints. Fire-and-forget: callers log failures but never fail the
// owning workflow run because of one.
type WebhookNotifier interface {
	Dispatch(ctx context.Context, tenantID, eventName string, payload map[string]any) error
}

// PaymentGateway charges a stored payment method. The dunning
// controller's contract does not depend on gateway internals; a
// returned error means the charge failed.
type PaymentGateway interface {
	Charge(ctx context.Context, paymentMethodID string, amountCents int64) error
}
