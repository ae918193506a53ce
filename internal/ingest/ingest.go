// Package ingest is the webhook ingestion core: the dispatcher that drives
// verification, parsing, deduplication and persistence, and the reconciler
// that maps external identities onto customer and conversation records.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/kwamkid/aoochat-sub002/internal/models"
)

var (
	// ErrNotFound is returned by store lookups that match nothing.
	ErrNotFound = errors.New("ingest: not found")
	// ErrConflict signals a uniqueness-constraint race: another writer
	// created the row first. Callers re-read instead of failing.
	ErrConflict = errors.New("ingest: concurrent create conflict")
	// ErrDuplicateEvent signals that an external event id already has a
	// processed-event record, so its side effects must not run again.
	ErrDuplicateEvent = errors.New("ingest: event already processed")
	// ErrUnknownPlatform means no adapter is wired for the identifier.
	ErrUnknownPlatform = errors.New("ingest: unknown platform")
)

// Store is the relational storage collaborator. Implementations must enforce
// uniqueness on (platform, external id) for identities and conversations so
// concurrent creates collapse onto one row instead of duplicating it.
type Store interface {
	// FindConversation looks up a conversation by its platform thread key.
	FindConversation(ctx context.Context, p models.Platform, externalConvID string) (*models.Conversation, error)

	// FindCustomerByIdentity looks up a customer by one of its
	// platform-scoped external identities.
	FindCustomerByIdentity(ctx context.Context, p models.Platform, externalUserID string) (*models.Customer, error)

	// UpsertCustomer creates a customer for the identity unless the
	// (platform, external id) pair already exists, in which case it returns
	// the existing customer. created reports which branch ran.
	UpsertCustomer(ctx context.Context, identity models.Identity, contactAt time.Time) (c *models.Customer, created bool, err error)

	// CreateConversation inserts a new conversation row. Returns ErrConflict
	// when (platform, platform_conversation_id) already exists.
	CreateConversation(ctx context.Context, conv *models.Conversation) error

	// AppendMessage atomically records the processed-event row, inserts the
	// message, bumps the conversation's message_count/last_message_at, and
	// touches the owning customer's last_contact_at in one transaction.
	// Returns ErrDuplicateEvent if the event id was already recorded.
	AppendMessage(ctx context.Context, msg *models.Message, p models.Platform, externalEventID string) error

	// UpdateIdentityProfile fills in enrichment fields on an identity.
	// Only overwrites fields the profile actually carries.
	UpdateIdentityProfile(ctx context.Context, p models.Platform, externalUserID string, profile *models.Profile) error

	// ListConversations returns conversations ordered by recency.
	ListConversations(ctx context.Context, limit int) ([]models.Conversation, error)

	// ListMessages returns a conversation's messages, oldest first.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// DeleteProcessedEventsBefore evicts processed-event records older than
	// the cutoff and reports how many were removed.
	DeleteProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Guard tracks which external event ids are already being processed.
// MarkIfNew atomically checks-and-records: exactly one of any set of
// concurrent callers with the same key sees true.
type Guard interface {
	MarkIfNew(ctx context.Context, p models.Platform, eventID string) (bool, error)
	// Release forgets a claim so a provider retry can succeed after a
	// persistence failure.
	Release(ctx context.Context, p models.Platform, eventID string) error
}

// Enricher fetches sender profiles from the platform. Best effort: failures
// must never block ingestion.
type Enricher interface {
	FetchProfile(ctx context.Context, p models.Platform, externalUserID string) (*models.Profile, error)
}

// ProcessingResult is the uniform outcome of one webhook delivery,
// regardless of platform quirks.
type ProcessingResult struct {
	Accepted   bool   `json:"accepted"`
	Message    string `json:"message,omitempty"`
	Persisted  int    `json:"persisted"`
	Duplicates int    `json:"duplicates"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
}
