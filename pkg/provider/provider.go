// Package provider defines the external collaborator boundary: the custodial
// swap provider that receives the inbound BTC payment, the mobile-money
// payout provider that disburses KES, and the notifier that carries
// completion and refund-intent signals. HTTP adapters classify failures so
// the retry layer only re-attempts transient ones.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/money"
)

// SwapRequest registers a new inbound swap with the custodial provider.
// IdempotencyKey makes re-sent requests safe at the provider.
type SwapRequest struct {
	TargetAmount   money.Money `json:"target_amount"`
	Recipient      string      `json:"recipient"`
	Subtype        string      `json:"subtype"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// SwapQuote is the provider's answer: where to send BTC, how much, at what
// rate, and until when.
type SwapQuote struct {
	Reference      string      `json:"reference"`
	InboundAddress string      `json:"inbound_address"`
	InboundAmount  money.Money `json:"inbound_amount"`
	Rate           string      `json:"rate"`
	Fee            money.Money `json:"fee"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

// SwapProvider is the custodial asset-swap collaborator.
type SwapProvider interface {
	CreateSwap(ctx context.Context, req SwapRequest) (*SwapQuote, error)
}

// PayoutRequest disburses local-currency funds. Keyed by transaction ID, so
// re-sends are idempotent at the provider.
type PayoutRequest struct {
	TransactionID string      `json:"transaction_id"`
	Recipient     string      `json:"recipient"`
	Amount        money.Money `json:"amount"`
}

// PayoutAck acknowledges acceptance of a disbursement request.
type PayoutAck struct {
	RequestID string `json:"request_id"`
}

// PayoutStatus is the provider-side view of a disbursement, used by the
// reconciliation sweep when the callback never arrived.
type PayoutStatus struct {
	RequestID  string `json:"request_id"`
	Final      bool   `json:"final"`
	Succeeded  bool   `json:"succeeded"`
	Receipt    string `json:"receipt,omitempty"`
	ResultDesc string `json:"result_desc,omitempty"`
}

// PayoutProvider is the mobile-money disbursement collaborator.
type PayoutProvider interface {
	Disburse(ctx context.Context, req PayoutRequest) (*PayoutAck, error)
	QueryStatus(ctx context.Context, requestID string) (*PayoutStatus, error)
}

// EventKind identifies a notification emitted by the orchestrator.
type EventKind string

const (
	EventCompleted    EventKind = "transaction.completed"
	EventFailed       EventKind = "transaction.failed"
	EventExpired      EventKind = "transaction.expired"
	EventRefundIntent EventKind = "refund.intent"
)

// Notifier carries transaction lifecycle signals to an external collaborator
// (SMS/receipt service, refund processor).
type Notifier interface {
	Notify(ctx context.Context, transactionID string, kind EventKind) error
}

// StatusError is a non-2xx provider response. 5xx responses are transient;
// 4xx responses are not.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Provider, e.Code, e.Body)
}

// Retryable reports whether the response class is worth another attempt.
func (e *StatusError) Retryable() bool { return e.Code >= 500 }

// IsRetryable classifies an outbound-call error for the retry predicate:
// timeouts, transport failures and 5xx responses are retryable; everything
// else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Unclassified transport-level errors (connection refused, reset).
	return true
}
