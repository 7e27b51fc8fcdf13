package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/ingest"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/orchestrator"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/transaction"
)

// Swap provider event types that mean the inbound payment is confirmed.
var inboundConfirmedEvents = map[string]bool{
	"payment.confirmed": true,
	"swap.completed":    true,
}

// RegisterIngestHandlers installs the dispatch glue between the deduplicated
// webhook stream and the orchestrator. Payloads reaching here have already
// passed signature and schema checks.
func RegisterIngestHandlers(ing *ingest.Ingestor, orch *orchestrator.Orchestrator, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	ing.Register(transaction.ProviderSwap, func(ctx context.Context, evt transaction.WebhookEvent) error {
		var p swapWebhookPayload
		if err := json.Unmarshal(evt.RawPayload, &p); err != nil {
			return fmt.Errorf("decode swap event: %w", err)
		}
		if !inboundConfirmedEvents[p.EventType] {
			// Informational event (e.g. payment.detected). Acknowledge only.
			logger.Debug("swap event ignored", "event_type", p.EventType, "reference", p.ReferenceID)
			return nil
		}
		return orch.HandleInboundConfirmed(ctx, p.ReferenceID)
	})

	ing.Register(transaction.ProviderPayout, func(ctx context.Context, evt transaction.WebhookEvent) error {
		var p payoutWebhookPayload
		if err := json.Unmarshal(evt.RawPayload, &p); err != nil {
			return fmt.Errorf("decode payout event: %w", err)
		}
		if p.ResultCode == 0 {
			return orch.HandlePayoutConfirmed(ctx, p.TransactionID, p.ReceiptNumber)
		}
		return orch.HandlePayoutFailed(ctx, p.TransactionID, p.ResultDesc)
	})
}
