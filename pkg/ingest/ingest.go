// Package ingest provides idempotent intake of provider webhooks. A dedup key
// is marked seen atomically before its event is dispatched, so a key is
// processed at most once no matter how many copies arrive, or how
// concurrently they arrive.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/store"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/transaction"
)

// Handler consumes one deduplicated webhook event.
type Handler func(ctx context.Context, evt transaction.WebhookEvent) error

// Ingestor deduplicates provider callbacks and hands each unique event to the
// handler registered for its provider exactly once.
type Ingestor struct {
	events   store.WebhookEventStore
	handlers map[transaction.Provider]Handler
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an ingestor over the given dedup ledger.
func New(events store.WebhookEventStore, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		events:   events,
		handlers: make(map[transaction.Provider]Handler),
		logger:   logger,
		now:      time.Now,
	}
}

// Register installs the handler for a provider's events.
func (i *Ingestor) Register(provider transaction.Provider, h Handler) {
	i.handlers[provider] = h
}

// Ingest records the dedup key first-writer-wins and dispatches the event to
// the provider's handler iff this delivery is the first. Re-deliveries return
// alreadyProcessed=true without dispatching and are not errors.
func (i *Ingestor) Ingest(ctx context.Context, provider transaction.Provider, eventType, dedupKey string, payload []byte) (alreadyProcessed bool, err error) {
	h, ok := i.handlers[provider]
	if !ok {
		return false, fmt.Errorf("no handler registered for provider %s", provider)
	}

	receivedAt := i.now().UTC()
	seen, err := i.events.MarkProcessed(ctx, provider, dedupKey, payload, receivedAt)
	if err != nil {
		return false, fmt.Errorf("dedup mark %s/%s: %w", provider, dedupKey, err)
	}
	if seen {
		i.logger.Debug("duplicate webhook discarded", "provider", provider, "dedup_key", dedupKey)
		return true, nil
	}

	evt := transaction.WebhookEvent{
		Provider:   provider,
		EventType:  eventType,
		DedupKey:   dedupKey,
		RawPayload: payload,
		ReceivedAt: receivedAt,
	}
	if err := h(ctx, evt); err != nil {
		// The key stays marked: delivery is at-most-once by contract, and the
		// orchestrator's own idempotency covers provider re-delivery.
		i.logger.Error("webhook handler failed", "provider", provider, "dedup_key", dedupKey, "error", err)
		return false, err
	}
	return false, nil
}
