package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/ingest"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/money"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/observability"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/orchestrator"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/ratelimit"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/store"
)

// Server wires the HTTP surface to the orchestrator.
type Server struct {
	orch       *orchestrator.Orchestrator
	txStore    store.TransactionStore
	ingestor   *ingest.Ingestor
	limiter    *ratelimit.Limiter
	logger     *slog.Logger
	obs        *observability.Provider
	jwtSecret  string
	swapSecret string
}

// NewServer creates the HTTP server surface.
func NewServer(
	orch *orchestrator.Orchestrator,
	txStore store.TransactionStore,
	ingestor *ingest.Ingestor,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
	obs *observability.Provider,
	jwtSecret, swapWebhookSecret string,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:       orch,
		txStore:    txStore,
		ingestor:   ingestor,
		limiter:    limiter,
		logger:     logger,
		obs:        obs,
		jwtSecret:  jwtSecret,
		swapSecret: swapWebhookSecret,
	}
}

// Routes builds the handler tree with the middleware chain applied.
func (s *Server) Routes(ipLimiter *IPRateLimiter) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/transactions", JWTAuth(s.jwtSecret,
		DomainRateLimit(s.limiter, "transaction:create", s.handleCreate)))
	mux.HandleFunc("/transactions/", JWTAuth(s.jwtSecret,
		DomainRateLimit(s.limiter, "transaction:status", s.handleStatus)))
	mux.HandleFunc("/webhooks/swap-provider",
		DomainRateLimit(s.limiter, "webhook:ingest", s.handleSwapWebhook))
	mux.HandleFunc("/webhooks/payout-provider",
		DomainRateLimit(s.limiter, "webhook:ingest", s.handlePayoutWebhook))

	var handler http.Handler = mux
	handler = s.instrument(handler)
	if ipLimiter != nil {
		handler = ipLimiter.Middleware(handler)
	}
	handler = RequestIDMiddleware(handler)
	return handler
}

// instrument records RED metrics and an access-log line per request.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)
		s.obs.RecordRequest(r.Context(), r.URL.Path, rec.status, elapsed)
		s.logger.Info("request",
			"request_id", GetRequestID(r.Context()),
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration_ms", elapsed.Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createRequest is the POST /transactions body.
type createRequest struct {
	Recipient   string `json:"recipient"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Subtype     string `json:"subtype"`
}

// createResponse returns everything the client needs to fund the transfer.
type createResponse struct {
	ID             string      `json:"id"`
	Status         string      `json:"status"`
	InboundAddress string      `json:"inbound_address"`
	InboundAmount  money.Money `json:"inbound_amount"`
	TargetAmount   money.Money `json:"target_amount"`
	Fee            money.Money `json:"fee"`
	TotalCharge    money.Money `json:"total_charge"`
	Rate           string      `json:"rate"`
	ExpiresAt      time.Time   `json:"expires_at"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	var req createRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		WriteBadRequest(w, "malformed JSON body")
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = "KES"
	}

	result, err := s.orch.Create(r.Context(), orchestrator.CreateRequest{
		Recipient:    req.Recipient,
		Subtype:      req.Subtype,
		TargetAmount: money.New(req.AmountMinor, currency),
	})
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrValidation):
			WriteBadRequest(w, err.Error())
		case errors.Is(err, orchestrator.ErrUnavailable):
			WriteServiceUnavailable(w, "swap provider unavailable, try again later")
		default:
			WriteInternal(w, err)
		}
		return
	}

	tx := result.Transaction
	writeJSON(w, http.StatusCreated, createResponse{
		ID:             tx.ID,
		Status:         string(tx.Status),
		InboundAddress: tx.InboundAddress,
		InboundAmount:  tx.InboundAmount,
		TargetAmount:   tx.TargetAmount,
		Fee:            tx.Fee,
		TotalCharge:    result.Quote.TotalCharge,
		Rate:           tx.RateSnapshot,
		ExpiresAt:      tx.ExpiresAt,
	})
}

// statusResponse is the GET /transactions/{id}/status body.
type statusResponse struct {
	ID               string     `json:"id"`
	Status           string     `json:"status"`
	InboundConfirmed bool       `json:"inbound_confirmed"`
	PayoutReceipt    string     `json:"payout_receipt,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	// Path: /transactions/{id}/status
	rest := strings.TrimPrefix(r.URL.Path, "/transactions/")
	id, tail, ok := strings.Cut(rest, "/")
	if !ok || tail != "status" || id == "" {
		WriteNotFound(w, "unknown resource")
		return
	}

	tx, err := s.txStore.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "unknown transaction")
			return
		}
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		ID:               tx.ID,
		Status:           string(tx.Status),
		InboundConfirmed: tx.InboundConfirmedAt != nil,
		PayoutReceipt:    tx.PayoutReceipt,
		FailureReason:    tx.FailureReason,
		CompletedAt:      tx.CompletedAt,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
