// Package transaction defines the core record types for a BTC to mobile-money
// transfer: the transaction itself, its status graph, the append-only status
// history, and the raw webhook events received from providers.
package transaction

import (
	"time"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/money"
)

// Status is the lifecycle state of a transaction.
type Status string

const (
	// StatusPending: record created, swap not yet registered with the provider.
	StatusPending Status = "PENDING"
	// StatusAwaitingInbound: swap registered, waiting for the inbound BTC payment.
	StatusAwaitingInbound Status = "AWAITING_INBOUND"
	// StatusInboundConfirmed: provider confirmed receipt of the inbound payment.
	StatusInboundConfirmed Status = "INBOUND_CONFIRMED"
	// StatusPayoutPending: disbursement accepted by the payout provider.
	StatusPayoutPending Status = "PAYOUT_PENDING"
	// StatusCompleted: payout confirmed. Terminal.
	StatusCompleted Status = "COMPLETED"
	// StatusExpired: inbound payment never arrived before the deadline. Terminal.
	StatusExpired Status = "EXPIRED"
	// StatusFailed: unrecoverable provider error. Terminal.
	StatusFailed Status = "FAILED"
)

// transitions encodes the status DAG. No edge re-enters an exited state.
var transitions = map[Status][]Status{
	StatusPending:          {StatusAwaitingInbound, StatusFailed},
	StatusAwaitingInbound:  {StatusInboundConfirmed, StatusExpired, StatusFailed},
	StatusInboundConfirmed: {StatusPayoutPending, StatusFailed},
	StatusPayoutPending:    {StatusCompleted, StatusFailed},
}

// CanTransition reports whether from -> to is a legal edge in the status graph.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a status has no outgoing edges.
func (s Status) IsTerminal() bool {
	return len(transitions[s]) == 0
}

// After reports whether s is strictly past other along the happy path.
// Used by idempotent handlers to discard stale webhook deliveries.
func (s Status) After(other Status) bool {
	order := map[Status]int{
		StatusPending:          0,
		StatusAwaitingInbound:  1,
		StatusInboundConfirmed: 2,
		StatusPayoutPending:    3,
		StatusCompleted:        4,
	}
	si, ok1 := order[s]
	oi, ok2 := order[other]
	if !ok1 || !ok2 {
		// EXPIRED and FAILED are terminal side-exits; treat them as past everything.
		return ok2 && (s == StatusExpired || s == StatusFailed)
	}
	return si > oi
}

// Transaction is the durable record of one swap-then-payout transfer.
// SwapReference is immutable once set. Status moves monotonically
// along the graph above.
type Transaction struct {
	ID                string       `json:"id"`
	Status            Status       `json:"status"`
	SwapReference     string       `json:"swap_reference,omitempty"`
	InboundAddress    string       `json:"inbound_address,omitempty"`
	InboundAmount     money.Money  `json:"inbound_amount"`
	TargetAmount      money.Money  `json:"target_amount"`
	Fee               money.Money  `json:"fee"`
	Recipient         string       `json:"recipient"` // phone, account or merchant code
	Subtype           string       `json:"subtype"`   // e.g. "send_money", "paybill", "buy_goods"
	RateSnapshot      string       `json:"rate_snapshot,omitempty"`
	PayoutRequestID   string       `json:"payout_request_id,omitempty"`
	PayoutReceipt     string       `json:"payout_receipt,omitempty"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	ExpiresAt         time.Time    `json:"expires_at"`
	CreatedAt         time.Time    `json:"created_at"`
	InboundConfirmedAt *time.Time  `json:"inbound_confirmed_at,omitempty"`
	PayoutInitiatedAt  *time.Time  `json:"payout_initiated_at,omitempty"`
	CompletedAt        *time.Time  `json:"completed_at,omitempty"`
}

// StatusHistoryEntry is one append-only audit record per real transition.
type StatusHistoryEntry struct {
	TransactionID string    `json:"transaction_id"`
	FromStatus    Status    `json:"from_status"`
	ToStatus      Status    `json:"to_status"`
	Reason        string    `json:"reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Provider identifies which external collaborator emitted a webhook.
type Provider string

const (
	ProviderSwap   Provider = "swap-provider"
	ProviderPayout Provider = "payout-provider"
)

// WebhookEvent is a raw provider callback as received. DedupKey is
// provider-assigned and processed at most once.
type WebhookEvent struct {
	Provider    Provider   `json:"provider"`
	EventType   string     `json:"event_type"`
	DedupKey    string     `json:"dedup_key"`
	RawPayload  []byte     `json:"raw_payload"`
	ReceivedAt  time.Time  `json:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}
