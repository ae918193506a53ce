// Package database implements the ingest.Store contract on database/sql,
// with SQLite and Postgres backends behind one dialect-aware store. All
// cross-writer correctness lives in uniqueness constraints, so the store is
// safe across multiple process instances without any in-process locking.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/config"
	"github.com/kwamkid/aoochat-sub002/internal/ingest"
	"github.com/kwamkid/aoochat-sub002/internal/models"
)

// SQLStore implements ingest.Store for both supported drivers. Queries are
// written with ? placeholders and rebound to $N for Postgres.
type SQLStore struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
}

var _ ingest.Store = (*SQLStore)(nil)

// Open connects per the configured driver and runs migrations.
func Open(cfg config.Database, log *zap.Logger) (*SQLStore, error) {
	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case "sqlite3":
		db, err = openSQLite(cfg.DSN)
	case "postgres":
		db, err = openPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &SQLStore{db: db, driver: cfg.Driver, log: log.Named("database")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Info("database ready", zap.String("driver", cfg.Driver))
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS customers (
id               TEXT PRIMARY KEY,
first_contact_at TIMESTAMP NOT NULL,
last_contact_at  TIMESTAMP NOT NULL
)`,
		`CREATE TABLE IF NOT EXISTS customer_identities (
customer_id  TEXT NOT NULL REFERENCES customers(id),
platform     TEXT NOT NULL,
external_id  TEXT NOT NULL,
display_name TEXT NOT NULL DEFAULT '',
avatar_url   TEXT NOT NULL DEFAULT '',
locale       TEXT NOT NULL DEFAULT '',
created_at   TIMESTAMP NOT NULL,
PRIMARY KEY (platform, external_id)
)`,
		`CREATE TABLE IF NOT EXISTS conversations (
id                       TEXT PRIMARY KEY,
customer_id              TEXT NOT NULL REFERENCES customers(id),
platform                 TEXT NOT NULL,
platform_conversation_id TEXT NOT NULL,
last_message_at          TIMESTAMP NOT NULL,
message_count            BIGINT NOT NULL DEFAULT 0,
UNIQUE (platform, platform_conversation_id)
)`,
		`CREATE TABLE IF NOT EXISTS messages (
id              TEXT PRIMARY KEY,
conversation_id TEXT NOT NULL REFERENCES conversations(id),
sender_type     TEXT NOT NULL,
sender_id       TEXT NOT NULL,
kind            TEXT NOT NULL,
content         TEXT NOT NULL,
status          TEXT NOT NULL,
created_at      TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation
ON messages(conversation_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS processed_events (
platform          TEXT NOT NULL,
external_event_id TEXT NOT NULL,
processed_at      TIMESTAMP NOT NULL,
PRIMARY KEY (platform, external_event_id)
)`,
	}
	for _, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("database: migration failed: %w", err)
		}
	}
	return nil
}

// q rebinds ? placeholders to $N for the Postgres driver.
func (s *SQLStore) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ─── Conversations ───────────────────────────────────────────────────────────

func (s *SQLStore) FindConversation(ctx context.Context, p models.Platform, externalConvID string) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT id, customer_id, platform, platform_conversation_id, last_message_at, message_count
		 FROM conversations
		 WHERE platform = ? AND platform_conversation_id = ?`),
		p, externalConvID,
	).Scan(&c.ID, &c.CustomerID, &c.Platform, &c.PlatformConversationID, &c.LastMessageAt, &c.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingest.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database: find conversation: %w", err)
	}
	return &c, nil
}

func (s *SQLStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`INSERT INTO conversations (id, customer_id, platform, platform_conversation_id, last_message_at, message_count)
		 VALUES (?, ?, ?, ?, ?, 0)
		 ON CONFLICT (platform, platform_conversation_id) DO NOTHING`),
		conv.ID, conv.CustomerID, conv.Platform, conv.PlatformConversationID, conv.LastMessageAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("database: create conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database: create conversation: %w", err)
	}
	if n == 0 {
		return ingest.ErrConflict
	}
	return nil
}

func (s *SQLStore) ListConversations(ctx context.Context, limit int) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, customer_id, platform, platform_conversation_id, last_message_at, message_count
		 FROM conversations
		 ORDER BY last_message_at DESC
		 LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("database: list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.CustomerID, &c.Platform, &c.PlatformConversationID, &c.LastMessageAt, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("database: list conversations: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ─── Customers ───────────────────────────────────────────────────────────────

func (s *SQLStore) FindCustomerByIdentity(ctx context.Context, p models.Platform, externalUserID string) (*models.Customer, error) {
	var c models.Customer
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT c.id, c.first_contact_at, c.last_contact_at
		 FROM customers c
		 JOIN customer_identities ci ON ci.customer_id = c.id
		 WHERE ci.platform = ? AND ci.external_id = ?`),
		p, externalUserID,
	).Scan(&c.ID, &c.FirstContactAt, &c.LastContactAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingest.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database: find customer: %w", err)
	}
	if err := s.loadIdentities(ctx, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) loadIdentities(ctx context.Context, c *models.Customer) error {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT platform, external_id, display_name, avatar_url, locale, created_at
		 FROM customer_identities
		 WHERE customer_id = ?`), c.ID)
	if err != nil {
		return fmt.Errorf("database: load identities: %w", err)
	}
	defer rows.Close()

	c.Identities = make(map[models.Platform]models.Identity)
	for rows.Next() {
		var id models.Identity
		if err := rows.Scan(&id.Platform, &id.ExternalID, &id.DisplayName, &id.AvatarURL, &id.Locale, &id.CreatedAt); err != nil {
			return fmt.Errorf("database: load identities: %w", err)
		}
		c.Identities[id.Platform] = id
	}
	return rows.Err()
}

// UpsertCustomer inserts a fresh customer plus its identity row. The
// identity insert is the race arbiter: if (platform, external_id) already
// exists the whole transaction rolls back and the winner's customer is
// returned instead.
func (s *SQLStore) UpsertCustomer(ctx context.Context, identity models.Identity, contactAt time.Time) (*models.Customer, bool, error) {
	customerID := uuid.NewString()
	contactAt = contactAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("database: upsert customer: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO customers (id, first_contact_at, last_contact_at) VALUES (?, ?, ?)`),
		customerID, contactAt, contactAt,
	); err != nil {
		return nil, false, fmt.Errorf("database: insert customer: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO customer_identities (customer_id, platform, external_id, display_name, avatar_url, locale, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (platform, external_id) DO NOTHING`),
		customerID, identity.Platform, identity.ExternalID,
		identity.DisplayName, identity.AvatarURL, identity.Locale, contactAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("database: insert identity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("database: insert identity: %w", err)
	}
	if n == 0 {
		// Another writer created this identity first. Drop our customer row
		// and hand back theirs.
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return nil, false, fmt.Errorf("database: rollback losing upsert: %w", err)
		}
		existing, err := s.FindCustomerByIdentity(ctx, identity.Platform, identity.ExternalID)
		if err != nil {
			return nil, false, fmt.Errorf("database: re-read customer after conflict: %w", err)
		}
		return existing, false, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("database: upsert customer: %w", err)
	}

	identity.CreatedAt = contactAt
	return &models.Customer{
		ID:             customerID,
		Identities:     map[models.Platform]models.Identity{identity.Platform: identity},
		FirstContactAt: contactAt,
		LastContactAt:  contactAt,
	}, true, nil
}

func (s *SQLStore) UpdateIdentityProfile(ctx context.Context, p models.Platform, externalUserID string, profile *models.Profile) error {
	if profile == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE customer_identities
		 SET display_name = CASE WHEN ? <> '' THEN ? ELSE display_name END,
		     avatar_url   = CASE WHEN ? <> '' THEN ? ELSE avatar_url END,
		     locale       = CASE WHEN ? <> '' THEN ? ELSE locale END
		 WHERE platform = ? AND external_id = ?`),
		profile.DisplayName, profile.DisplayName,
		profile.AvatarURL, profile.AvatarURL,
		profile.Locale, profile.Locale,
		p, externalUserID,
	)
	if err != nil {
		return fmt.Errorf("database: update identity profile: %w", err)
	}
	return nil
}

// ─── Messages ────────────────────────────────────────────────────────────────

// AppendMessage is the one write transaction of the ingestion path. The
// processed_events primary key makes it exactly-once: a replay conflicts
// there and rolls the whole thing back before any visible effect.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *models.Message, p models.Platform, externalEventID string) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("database: marshal content: %w", err)
	}
	createdAt := msg.CreatedAt.UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: append message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO processed_events (platform, external_event_id, processed_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (platform, external_event_id) DO NOTHING`),
		p, externalEventID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("database: record processed event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("database: record processed event: %w", err)
	}
	if n == 0 {
		return ingest.ErrDuplicateEvent
	}

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO messages (id, conversation_id, sender_type, sender_id, kind, content, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.SenderType, msg.SenderID, msg.Kind, string(content), msg.Status, createdAt,
	); err != nil {
		return fmt.Errorf("database: insert message: %w", err)
	}

	// Counter and watermark move in the same transaction as the insert, so
	// concurrent sends to one conversation can't lose an update.
	res, err = tx.ExecContext(ctx, s.q(
		`UPDATE conversations
		 SET message_count = message_count + 1,
		     last_message_at = CASE WHEN ? > last_message_at THEN ? ELSE last_message_at END
		 WHERE id = ?`),
		createdAt, createdAt, msg.ConversationID,
	)
	if err != nil {
		return fmt.Errorf("database: bump conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("database: bump conversation: %w", err)
	} else if n == 0 {
		return fmt.Errorf("database: bump conversation: %w", ingest.ErrNotFound)
	}

	if _, err := tx.ExecContext(ctx, s.q(
		`UPDATE customers
		 SET last_contact_at = CASE WHEN ? > last_contact_at THEN ? ELSE last_contact_at END
		 WHERE id = (SELECT customer_id FROM conversations WHERE id = ?)`),
		createdAt, createdAt, msg.ConversationID,
	); err != nil {
		return fmt.Errorf("database: touch customer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("database: append message: %w", err)
	}
	return nil
}

func (s *SQLStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, conversation_id, sender_type, sender_id, kind, content, status, created_at
		 FROM messages
		 WHERE conversation_id = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`), conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("database: list messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m       models.Message
			content string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderType, &m.SenderID, &m.Kind, &content, &m.Status, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("database: list messages: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &m.Content); err != nil {
			return nil, fmt.Errorf("database: decode message content: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ─── Processed events ────────────────────────────────────────────────────────

func (s *SQLStore) DeleteProcessedEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(
		`DELETE FROM processed_events WHERE processed_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("database: evict processed events: %w", err)
	}
	return res.RowsAffected()
}
