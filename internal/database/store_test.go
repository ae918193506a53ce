package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/config"
	"github.com/kwamkid/aoochat-sub002/internal/ingest"
	"github.com/kwamkid/aoochat-sub002/internal/models"
)

// newTestStore creates an in-memory SQLite store.
func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := Open(config.Database{Driver: "sqlite3", DSN: ":memory:"}, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func waIdentity(externalID string) models.Identity {
	return models.Identity{
		Platform:    models.PlatformWhatsApp,
		ExternalID:  externalID,
		DisplayName: "Ada",
	}
}

func seedConversation(t *testing.T, s *SQLStore, externalID string, at time.Time) *models.Conversation {
	t.Helper()
	ctx := context.Background()
	customer, _, err := s.UpsertCustomer(ctx, waIdentity(externalID), at)
	if err != nil {
		t.Fatalf("upsert customer: %v", err)
	}
	conv := &models.Conversation{
		ID:                     uuid.NewString(),
		CustomerID:             customer.ID,
		Platform:               models.PlatformWhatsApp,
		PlatformConversationID: externalID,
		LastMessageAt:          at,
	}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return conv
}

func testMessage(convID, senderID string, at time.Time) *models.Message {
	return &models.Message{
		ID:             uuid.NewString(),
		ConversationID: convID,
		SenderType:     models.SenderCustomer,
		SenderID:       senderID,
		Kind:           models.EventMessage,
		Content:        models.Content{Text: "hello"},
		Status:         models.StatusReceived,
		CreatedAt:      at,
	}
}

// ─── Customers ───────────────────────────────────────────────────────────────

func TestUpsertCustomer_CreatesNew(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	customer, created, err := s.UpsertCustomer(ctx, waIdentity("14165551234"), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created {
		t.Error("expected created=true for a fresh identity")
	}
	id, ok := customer.Identities[models.PlatformWhatsApp]
	if !ok || id.ExternalID != "14165551234" || id.DisplayName != "Ada" {
		t.Errorf("unexpected identity: %+v", customer.Identities)
	}
}

func TestUpsertCustomer_ConflictReturnsExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first, created, err := s.UpsertCustomer(ctx, waIdentity("14165551234"), now)
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}

	second, created, err := s.UpsertCustomer(ctx, waIdentity("14165551234"), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created {
		t.Error("expected created=false for an existing identity")
	}
	if second.ID != first.ID {
		t.Errorf("expected same customer, got %s and %s", first.ID, second.ID)
	}
}

func TestFindCustomerByIdentity_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindCustomerByIdentity(context.Background(), models.PlatformWhatsApp, "nobody")
	if !errors.Is(err, ingest.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateIdentityProfile_KeepsExistingWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, _, err := s.UpsertCustomer(ctx, waIdentity("14165551234"), time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}

	// Avatar is new; display name is empty and must not blank the old one.
	err = s.UpdateIdentityProfile(ctx, models.PlatformWhatsApp, "14165551234",
		&models.Profile{AvatarURL: "https://cdn/ada.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	customer, err := s.FindCustomerByIdentity(ctx, models.PlatformWhatsApp, "14165551234")
	if err != nil {
		t.Fatal(err)
	}
	id := customer.Identities[models.PlatformWhatsApp]
	if id.DisplayName != "Ada" {
		t.Errorf("display name must survive empty update, got %q", id.DisplayName)
	}
	if id.AvatarURL != "https://cdn/ada.png" {
		t.Errorf("expected avatar set, got %q", id.AvatarURL)
	}
}

// ─── Conversations ───────────────────────────────────────────────────────────

func TestCreateConversation_ConflictOnThreadKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv := seedConversation(t, s, "14165551234", now)

	dup := &models.Conversation{
		ID:                     uuid.NewString(),
		CustomerID:             conv.CustomerID,
		Platform:               models.PlatformWhatsApp,
		PlatformConversationID: "14165551234",
		LastMessageAt:          now,
	}
	if err := s.CreateConversation(ctx, dup); !errors.Is(err, ingest.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}

	found, err := s.FindConversation(ctx, models.PlatformWhatsApp, "14165551234")
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != conv.ID {
		t.Errorf("expected the original conversation to win, got %s", found.ID)
	}
}

func TestFindConversation_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.FindConversation(context.Background(), models.PlatformLine, "nothing")
	if !errors.Is(err, ingest.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ─── Messages ────────────────────────────────────────────────────────────────

func TestAppendMessage_BumpsCounterAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	conv := seedConversation(t, s, "14165551234", base)

	for i := 0; i < 3; i++ {
		msg := testMessage(conv.ID, "14165551234", base.Add(time.Duration(i)*time.Minute))
		err := s.AppendMessage(ctx, msg, models.PlatformWhatsApp, uuid.NewString())
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	found, err := s.FindConversation(ctx, models.PlatformWhatsApp, "14165551234")
	if err != nil {
		t.Fatal(err)
	}
	if found.MessageCount != 3 {
		t.Errorf("expected message_count=3, got %d", found.MessageCount)
	}
	if !found.LastMessageAt.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("expected watermark at last message, got %v", found.LastMessageAt)
	}

	msgs, err := s.ListMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Content.Text != "hello" {
		t.Errorf("content did not round-trip: %+v", msgs[0].Content)
	}
}

func TestAppendMessage_DuplicateEventRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv := seedConversation(t, s, "14165551234", now)

	if err := s.AppendMessage(ctx, testMessage(conv.ID, "14165551234", now), models.PlatformWhatsApp, "wamid.once"); err != nil {
		t.Fatalf("first append: %v", err)
	}
	err := s.AppendMessage(ctx, testMessage(conv.ID, "14165551234", now), models.PlatformWhatsApp, "wamid.once")
	if !errors.Is(err, ingest.ErrDuplicateEvent) {
		t.Fatalf("expected ErrDuplicateEvent, got %v", err)
	}

	// The rejected append must leave no trace: one message, count 1.
	msgs, err := s.ListMessages(ctx, conv.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("expected 1 message after duplicate, got %d", len(msgs))
	}
	found, _ := s.FindConversation(ctx, models.PlatformWhatsApp, "14165551234")
	if found.MessageCount != 1 {
		t.Errorf("expected message_count=1 after duplicate, got %d", found.MessageCount)
	}
}

func TestAppendMessage_OutOfOrderKeepsWatermark(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	conv := seedConversation(t, s, "14165551234", base)

	if err := s.AppendMessage(ctx, testMessage(conv.ID, "14165551234", base.Add(time.Hour)), models.PlatformWhatsApp, uuid.NewString()); err != nil {
		t.Fatal(err)
	}
	// A late-arriving older event must not move the watermark backwards.
	if err := s.AppendMessage(ctx, testMessage(conv.ID, "14165551234", base), models.PlatformWhatsApp, uuid.NewString()); err != nil {
		t.Fatal(err)
	}

	found, _ := s.FindConversation(ctx, models.PlatformWhatsApp, "14165551234")
	if !found.LastMessageAt.Equal(base.Add(time.Hour)) {
		t.Errorf("watermark regressed to %v", found.LastMessageAt)
	}
	if found.MessageCount != 2 {
		t.Errorf("expected message_count=2, got %d", found.MessageCount)
	}
}

// ─── Processed events ────────────────────────────────────────────────────────

func TestDeleteProcessedEventsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	conv := seedConversation(t, s, "14165551234", now)
	for i := 0; i < 2; i++ {
		if err := s.AppendMessage(ctx, testMessage(conv.ID, "14165551234", now), models.PlatformWhatsApp, uuid.NewString()); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.DeleteProcessedEventsBefore(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing inside retention evicted, got %d", n)
	}

	n, err = s.DeleteProcessedEventsBefore(ctx, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 evicted, got %d", n)
	}
}

// ─── Listings ────────────────────────────────────────────────────────────────

func TestListConversations_RecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	older := seedConversation(t, s, "14165550001", base)
	newer := seedConversation(t, s, "14165550002", base)

	if err := s.AppendMessage(ctx, testMessage(older.ID, "14165550001", base.Add(time.Minute)), models.PlatformWhatsApp, uuid.NewString()); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage(ctx, testMessage(newer.ID, "14165550002", base.Add(2*time.Minute)), models.PlatformWhatsApp, uuid.NewString()); err != nil {
		t.Fatal(err)
	}

	convs, err := s.ListConversations(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("expected 2 conversations, got %d", len(convs))
	}
	if convs[0].ID != newer.ID {
		t.Errorf("expected most recent first, got %s", convs[0].ID)
	}
}
