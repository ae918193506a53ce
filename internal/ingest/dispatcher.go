package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kwamkid/aoochat-sub002/internal/models"
	"github.com/kwamkid/aoochat-sub002/internal/platform"
)

// Dispatcher is the single entry point for webhook deliveries. It resolves
// the platform adapter, drives verification, parsing, dedup and persistence,
// and folds every platform quirk into one ProcessingResult. Nothing it
// returns should ever become a non-200 response for event deliveries; retry
// storms from providers are worse than the occasional dropped event.
type Dispatcher struct {
	registry   *platform.Registry
	guard      Guard
	store      Store
	reconciler *Reconciler
	log        *zap.Logger

	// Per-platform bounded in-flight requests, protecting the store from
	// burst traffic. One semaphore per registered platform.
	sems map[models.Platform]chan struct{}
}

func NewDispatcher(registry *platform.Registry, guard Guard, store Store, reconciler *Reconciler, maxInFlight int, log *zap.Logger) *Dispatcher {
	sems := make(map[models.Platform]chan struct{})
	for _, p := range registry.Platforms() {
		sems[p] = make(chan struct{}, maxInFlight)
	}
	return &Dispatcher{
		registry:   registry,
		guard:      guard,
		store:      store,
		reconciler: reconciler,
		log:        log.Named("dispatcher"),
		sems:       sems,
	}
}

// VerifyChallenge delegates the subscription handshake to the platform
// adapter. The returned token must be echoed back verbatim.
func (d *Dispatcher) VerifyChallenge(p models.Platform, params url.Values) (string, error) {
	adapter, ok := d.registry.Lookup(p)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPlatform, p)
	}
	verifier, ok := adapter.(platform.ChallengeVerifier)
	if !ok {
		return "", fmt.Errorf("%w: %s has no subscription handshake", platform.ErrVerification, p)
	}
	return verifier.VerifyChallenge(params)
}

// ProcessWebhook handles one raw delivery. Events in a batch are processed
// independently and concurrently; no cross-event ordering is guaranteed, and
// a failure in one sub-event never blocks its siblings.
func (d *Dispatcher) ProcessWebhook(ctx context.Context, p models.Platform, rawBody []byte, headers http.Header) ProcessingResult {
	adapter, ok := d.registry.Lookup(p)
	if !ok {
		d.log.Warn("unknown platform", zap.String("platform", string(p)))
		return ProcessingResult{Accepted: false, Message: "unknown platform"}
	}

	sem := d.sems[p]
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		return ProcessingResult{Accepted: false, Message: "cancelled while waiting for capacity"}
	}

	events, err := adapter.ParseEvents(rawBody, headers)
	if err != nil {
		switch {
		case errors.Is(err, platform.ErrSignature):
			d.log.Warn("signature verification failed", zap.String("platform", string(p)))
			return ProcessingResult{Accepted: false, Message: "invalid signature"}
		default:
			d.log.Warn("payload rejected",
				zap.String("platform", string(p)), zap.Error(err))
			return ProcessingResult{Accepted: false, Message: "malformed payload"}
		}
	}

	// The provider considers the events delivered once we acknowledge, so
	// persistence must survive a client disconnect mid-flight.
	ctx = context.WithoutCancel(ctx)

	res := ProcessingResult{Accepted: true}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func(ev models.InboundEvent) {
			defer wg.Done()
			outcome := d.processEvent(ctx, ev)
			mu.Lock()
			switch outcome {
			case eventPersisted:
				res.Persisted++
			case eventDuplicate:
				res.Duplicates++
			case eventSkipped:
				res.Skipped++
			case eventFailed:
				res.Failed++
			}
			mu.Unlock()
		}(ev)
	}
	wg.Wait()
	return res
}

type eventOutcome int

const (
	eventPersisted eventOutcome = iota
	eventDuplicate
	eventSkipped
	eventFailed
)

func (d *Dispatcher) processEvent(ctx context.Context, ev models.InboundEvent) eventOutcome {
	// Receipts describe the outbound path's messages; status transitions on
	// those are outside this core.
	if ev.Kind == models.EventDelivery || ev.Kind == models.EventRead {
		d.log.Debug("skipping receipt event",
			zap.String("platform", string(ev.Platform)),
			zap.String("kind", string(ev.Kind)))
		return eventSkipped
	}

	fields := []zap.Field{
		zap.String("platform", string(ev.Platform)),
		zap.String("event_id", ev.EventID),
	}

	fresh, err := d.guard.MarkIfNew(ctx, ev.Platform, ev.EventID)
	if err != nil {
		// Guard unavailable. Proceed: the processed_events primary key
		// inside the append transaction still keeps us exactly-once.
		d.log.Error("idempotency guard unavailable, relying on store dedup",
			append(fields, zap.Error(err))...)
		fresh = true
	}
	if !fresh {
		d.log.Debug("duplicate delivery", fields...)
		return eventDuplicate
	}

	conv, err := d.reconciler.Reconcile(ctx, ev)
	if err != nil {
		d.releaseClaim(ctx, ev)
		d.log.Error("reconciliation failed; event logged for replay",
			append(fields, zap.Error(err))...)
		return eventFailed
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderType:     models.SenderCustomer,
		SenderID:       ev.SenderID,
		Kind:           ev.Kind,
		Content:        ev.Content,
		Status:         models.StatusReceived,
		CreatedAt:      ev.Timestamp,
	}
	err = d.store.AppendMessage(ctx, msg, ev.Platform, ev.EventID)
	if errors.Is(err, ErrDuplicateEvent) {
		// Replay of an event persisted before a crash wiped the guard.
		d.log.Debug("event already persisted", fields...)
		return eventDuplicate
	}
	if err != nil {
		// Release the claim so the provider's retry can go through.
		d.releaseClaim(ctx, ev)
		d.log.Error("persistence failed; event logged for replay",
			append(fields, zap.Error(err))...)
		return eventFailed
	}

	d.log.Info("message persisted",
		append(fields,
			zap.String("conversation_id", conv.ID),
			zap.String("message_id", msg.ID))...)
	return eventPersisted
}

func (d *Dispatcher) releaseClaim(ctx context.Context, ev models.InboundEvent) {
	if err := d.guard.Release(ctx, ev.Platform, ev.EventID); err != nil {
		d.log.Warn("failed to release idempotency claim",
			zap.String("platform", string(ev.Platform)),
			zap.String("event_id", ev.EventID),
			zap.Error(err))
	}
}
