package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/orchestrator"
	"github.com/MWANGAZA-LAB/BitPesa-sub000/pkg/transaction"
)

// Webhook payload schemas. Malformed payloads are rejected here and never
// reach the ingestor.
var (
	swapWebhookSchema = jsonschema.MustCompileString("swap_webhook.json", `{
		"type": "object",
		"required": ["referenceId", "eventType", "status"],
		"properties": {
			"referenceId": {"type": "string", "minLength": 1},
			"eventType":   {"type": "string", "minLength": 1},
			"status":      {"type": "string"},
			"data":        {"type": "object"}
		}
	}`)

	payoutWebhookSchema = jsonschema.MustCompileString("payout_webhook.json", `{
		"type": "object",
		"required": ["transactionId", "resultCode"],
		"properties": {
			"transactionId": {"type": "string", "minLength": 1},
			"receiptNumber": {"type": "string"},
			"resultCode":    {"type": "integer"},
			"resultDesc":    {"type": "string"}
		}
	}`)
)

// swapWebhookPayload is the swap provider's signed callback.
type swapWebhookPayload struct {
	ReferenceID string          `json:"referenceId"`
	EventType   string          `json:"eventType"`
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// payoutWebhookPayload is the payout provider's result callback.
// ResultCode 0 means success, anything else is a provider failure code.
type payoutWebhookPayload struct {
	TransactionID string `json:"transactionId"`
	ReceiptNumber string `json:"receiptNumber"`
	ResultCode    int    `json:"resultCode"`
	ResultDesc    string `json:"resultDesc"`
}

// verifyHMAC checks the X-Signature header (hex HMAC-SHA256 of the raw body)
// against the shared secret. Constant-time comparison.
func verifyHMAC(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// readAndValidate reads the body and validates it against the schema.
// Returns the raw bytes for dedup storage, or nil after writing the error.
func readAndValidate(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema) []byte {
	return readAndValidateSigned(w, r, "", schema)
}

// handleSwapWebhook ingests the swap provider's inbound-payment events.
// The payload is HMAC-signed with the shared secret; a bad signature is 401
// and never reaches the ingestor.
func (s *Server) handleSwapWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	body := readAndValidateSigned(w, r, s.swapSecret, swapWebhookSchema)
	if body == nil {
		return
	}

	var payload swapWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		WriteBadRequest(w, "malformed JSON payload")
		return
	}

	dedupKey := payload.ReferenceID + ":" + payload.EventType
	already, err := s.ingestor.Ingest(r.Context(), transaction.ProviderSwap, payload.EventType, dedupKey, body)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			WriteNotFound(w, "unknown swap reference")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"duplicate": already})
}

func readAndValidateSigned(w http.ResponseWriter, r *http.Request, secret string, schema *jsonschema.Schema) []byte {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		WriteBadRequest(w, "unreadable body")
		return nil
	}
	if secret != "" {
		if !verifyHMAC(secret, body, r.Header.Get("X-Signature")) {
			WriteUnauthorized(w, "invalid webhook signature")
			return nil
		}
	}
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		WriteBadRequest(w, "malformed JSON payload")
		return nil
	}
	if err := schema.Validate(v); err != nil {
		WriteBadRequest(w, "payload failed validation")
		return nil
	}
	return body
}

// handlePayoutWebhook ingests the payout provider's result callbacks.
func (s *Server) handlePayoutWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	body := readAndValidate(w, r, payoutWebhookSchema)
	if body == nil {
		return
	}

	var payload payoutWebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		WriteBadRequest(w, "malformed JSON payload")
		return
	}

	// Receipt numbers dedup successful payouts; failures carry no receipt and
	// dedup on transaction + result code.
	dedupKey := payload.ReceiptNumber
	if dedupKey == "" {
		dedupKey = payload.TransactionID + ":" + payload.ResultDesc
	}
	eventType := "payout.confirmed"
	if payload.ResultCode != 0 {
		eventType = "payout.failed"
	}

	already, err := s.ingestor.Ingest(r.Context(), transaction.ProviderPayout, eventType, dedupKey, body)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			WriteNotFound(w, "unknown transaction")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"duplicate": already})
}
