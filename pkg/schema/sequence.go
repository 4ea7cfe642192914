package schema

// Channel is an outbound delivery channel for scheduled messages.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// SendHour returns the deterministic hour-of-day (UTC) at which
// messages on this channel go out. Spreading channels across hours
// avoids bursty delivery exactly at enrollment time.
func (c Channel) SendHour() int {
	if c == ChannelEmail {
		return 10
	}
	return 11
}

// Valid reports whether the channel is one of the supported kinds.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelWhatsApp:
		return true
	}
	return false
}

// MessageTemplate is a tenant-authored multi-step nurture campaign.
type MessageTemplate struct {
	ID       string         `json:"id"`
	TenantID string         `json:"tenant_id"`
	Name     string         `json:"name,omitempty"`
	Steps    []TemplateStep `json:"steps"`
}

// TemplateStep is one timed message within a template. DayOffset is
// counted in whole days from the enrollment instant.
type TemplateStep struct {
	Order     int     `json:"order"`
	Channel   Channel `json:"channel"`
	DayOffset int     `json:"day_offset"`
	Subject   string  `json:"subject,omitempty"`
	Body      string  `json:"body"`
}

// EnrollmentStatus is the lifecycle state of a contact's progress
// through a template.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "ACTIVE"
	EnrollmentCompleted EnrollmentStatus = "COMPLETED"
)

// MessageStatus is the delivery state of one scheduled message.
// FAILED is reachable only after the retry policy is exhausted.
type MessageStatus string

const (
	MessagePending MessageStatus = "PENDING"
	MessageSent    MessageStatus = "SENT"
	MessageFailed  MessageStatus = "FAILED"
)

// AttemptStatus is the state of one dunning attempt.
type AttemptStatus string

const (
	AttemptPending AttemptStatus = "pending"
	AttemptSuccess AttemptStatus = "success"
	AttemptFailed  AttemptStatus = "failed"
)

// SubscriptionStatus is the billing state of a recurring subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionPastDue   SubscriptionStatus = "past_due"
	SubscriptionSuspended SubscriptionStatus = "suspended"
)

// InvoiceStatus is the payment state of an invoice under dunning.
type InvoiceStatus string

const (
	InvoiceOpen InvoiceStatus = "open"
	InvoicePaid InvoiceStatus = "paid"
)
