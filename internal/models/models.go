package models

import "time"

// ─── Platforms ───────────────────────────────────────────────────────────────

// Platform identifies the external messaging platform an event came from.
type Platform string

const (
	PlatformFacebook Platform = "facebook"
	PlatformWhatsApp Platform = "whatsapp"
	PlatformLine     Platform = "line"
)

// ─── Inbound events ──────────────────────────────────────────────────────────

// EventKind classifies a normalized inbound event.
type EventKind string

const (
	EventMessage   EventKind = "message"
	EventPostback  EventKind = "postback"
	EventDelivery  EventKind = "delivery"
	EventRead      EventKind = "read"
	EventChallenge EventKind = "challenge"
)

// Attachment is a media or file reference carried by a message.
type Attachment struct {
	Type string `json:"type"` // "image", "video", "audio", "file", "sticker"
	URL  string `json:"url,omitempty"`
}

// Postback is a structured action triggered by a button or quick reply.
type Postback struct {
	Title   string `json:"title,omitempty"`
	Payload string `json:"payload"`
}

// Content is the normalized payload of an inbound event.
type Content struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Postback    *Postback    `json:"postback,omitempty"`
}

// InboundEvent is a single normalized event parsed from a platform webhook.
// It lives only for the duration of one dispatch call and is never persisted.
type InboundEvent struct {
	Platform       Platform
	EventID        string // platform-assigned event id, used for idempotency
	SenderID       string // platform-assigned user id
	ConversationID string // platform-assigned thread key
	Timestamp      time.Time
	Kind           EventKind
	Content        Content
	Profile        *Profile // sender profile hints, when the payload carries them
}

// ─── Customers ───────────────────────────────────────────────────────────────

// Profile holds platform-supplied attributes of an external identity.
type Profile struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Locale      string `json:"locale,omitempty"`
}

// Identity is one platform-scoped external identity of a customer.
type Identity struct {
	Platform    Platform  `json:"platform"`
	ExternalID  string    `json:"external_id"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Locale      string    `json:"locale,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Customer is an internal person record. Identities from different platforms
// are never merged automatically; each platform contributes its own entry.
type Customer struct {
	ID             string                `json:"id"`
	Identities     map[Platform]Identity `json:"platform_identities,omitempty"`
	FirstContactAt time.Time             `json:"first_contact_at"`
	LastContactAt  time.Time             `json:"last_contact_at"`
}

// ─── Conversations ───────────────────────────────────────────────────────────

// Conversation is one thread on one platform. (platform,
// platform_conversation_id) is unique across the whole store.
type Conversation struct {
	ID                     string    `json:"id"`
	CustomerID             string    `json:"customer_id"`
	Platform               Platform  `json:"platform"`
	PlatformConversationID string    `json:"platform_conversation_id"`
	LastMessageAt          time.Time `json:"last_message_at"`
	MessageCount           int64     `json:"message_count"`
}

// ─── Messages ────────────────────────────────────────────────────────────────

// SenderType says who produced a message.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderSystem   SenderType = "system"
)

// DeliveryStatus tracks the lifecycle of a message. Inbound messages are
// always "received"; the sent/failed transitions belong to the outbound path.
type DeliveryStatus string

const (
	StatusReceived DeliveryStatus = "received"
	StatusSent     DeliveryStatus = "sent"
	StatusFailed   DeliveryStatus = "failed"
)

// Message is one persisted message row. Append-only.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderType     SenderType     `json:"sender_type"`
	SenderID       string         `json:"sender_id"`
	Kind           EventKind      `json:"kind"`
	Content        Content        `json:"content"`
	Status         DeliveryStatus `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
}

// ProcessedEvent records that an external event id has already produced its
// side effects. Used solely for idempotency; swept after the retention window.
type ProcessedEvent struct {
	Platform        Platform  `json:"platform"`
	ExternalEventID string    `json:"external_event_id"`
	ProcessedAt     time.Time `json:"processed_at"`
}
