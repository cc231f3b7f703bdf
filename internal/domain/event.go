package domain

// EventType enumerates the observable message-state transitions. Every
// row in the event log carries exactly one of these.
type EventType string

const (
	EventSent          EventType = "sent"
	EventError         EventType = "error"
	EventDeferred      EventType = "deferred"
	EventBounce        EventType = "bounce"
	EventPECAcceptance EventType = "pec_acceptance"
	EventPECDelivery   EventType = "pec_delivery"
	EventPECError      EventType = "pec_error"
)

// IsSMTPTerminal reports whether inserting an event of this type marks the
// owning message as SMTP-terminal (sets smtp_ts), per spec.md §3.
func (t EventType) IsSMTPTerminal() bool {
	return t == EventSent || t == EventError
}

// DeferredMetadata is the metadata shape carried by a "deferred" event.
type DeferredMetadata struct {
	DeferredTS int64 `json:"deferred_ts"`
	RetryCount int   `json:"retry_count,omitempty"`
}

// BounceMetadata is the metadata shape carried by a "bounce" event.
type BounceMetadata struct {
	BounceType string `json:"bounce_type"`
	BounceCode string `json:"bounce_code"`
}

// MessageEvent is one immutable record of a message-lifecycle transition.
type MessageEvent struct {
	ID          int64          `json:"id"`
	MessagePK   string         `json:"message_pk"`
	MessageID   string         `json:"message_id,omitempty"` // client-facing, joined in
	TenantID    string         `json:"tenant_id,omitempty"`  // joined in
	AccountID   string         `json:"account_id,omitempty"` // joined in
	EventType   EventType      `json:"event_type"`
	EventTS     int64          `json:"event_ts"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	ReportedTS  *int64         `json:"reported_ts,omitempty"`
}
