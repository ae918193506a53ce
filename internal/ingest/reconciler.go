package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/models"
)

// Reconciler maps an inbound event onto its customer and conversation rows,
// creating them on first contact. Correctness under concurrent and
// out-of-order delivery comes from the store's uniqueness constraints, not
// from in-process locks: a duplicate-key outcome means another writer won
// the race, and we re-read their row.
type Reconciler struct {
	store    Store
	enricher Enricher // may be nil
	log      *zap.Logger
}

func NewReconciler(store Store, enricher Enricher, log *zap.Logger) *Reconciler {
	return &Reconciler{store: store, enricher: enricher, log: log.Named("reconciler")}
}

// Reconcile resolves the conversation an event belongs to. The customer is
// resolved or created as a side effect and reachable via CustomerID.
func (r *Reconciler) Reconcile(ctx context.Context, ev models.InboundEvent) (*models.Conversation, error) {
	// Fast path: the thread already exists. Timestamps and counters are
	// bumped inside the message-append transaction, so no write is needed.
	conv, err := r.store.FindConversation(ctx, ev.Platform, ev.ConversationID)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	customer, err := r.resolveCustomer(ctx, ev)
	if err != nil {
		return nil, err
	}

	conv = &models.Conversation{
		ID:                     uuid.NewString(),
		CustomerID:             customer.ID,
		Platform:               ev.Platform,
		PlatformConversationID: ev.ConversationID,
		LastMessageAt:          ev.Timestamp,
	}
	err = r.store.CreateConversation(ctx, conv)
	if errors.Is(err, ErrConflict) {
		// Someone else created the thread between our lookup and insert.
		conv, err = r.store.FindConversation(ctx, ev.Platform, ev.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("re-read conversation after conflict: %w", err)
		}
		return conv, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (r *Reconciler) resolveCustomer(ctx context.Context, ev models.InboundEvent) (*models.Customer, error) {
	customer, err := r.store.FindCustomerByIdentity(ctx, ev.Platform, ev.SenderID)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("find customer: %w", err)
	}

	identity := models.Identity{
		Platform:   ev.Platform,
		ExternalID: ev.SenderID,
	}
	if ev.Profile != nil {
		identity.DisplayName = ev.Profile.DisplayName
		identity.AvatarURL = ev.Profile.AvatarURL
		identity.Locale = ev.Profile.Locale
	}

	customer, created, err := r.store.UpsertCustomer(ctx, identity, ev.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("upsert customer: %w", err)
	}
	if created {
		r.log.Info("new customer",
			zap.String("customer_id", customer.ID),
			zap.String("platform", string(ev.Platform)),
			zap.String("external_id", ev.SenderID))
		r.enrich(ctx, ev.Platform, ev.SenderID)
	}
	return customer, nil
}

// enrich fills in name/avatar for a freshly created identity. Runs in the
// background on a context detached from the request; a failure only logs.
func (r *Reconciler) enrich(ctx context.Context, p models.Platform, externalUserID string) {
	if r.enricher == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		profile, err := r.enricher.FetchProfile(ctx, p, externalUserID)
		if err != nil {
			r.log.Warn("profile enrichment failed",
				zap.String("platform", string(p)),
				zap.String("external_id", externalUserID),
				zap.Error(err))
			return
		}
		if err := r.store.UpdateIdentityProfile(ctx, p, externalUserID, profile); err != nil {
			r.log.Warn("profile update failed",
				zap.String("platform", string(p)),
				zap.String("external_id", externalUserID),
				zap.Error(err))
		}
	}()
}
