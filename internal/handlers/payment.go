package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pesapoint/mpesa-gobackend/internal/models"
	"github.com/pesapoint/mpesa-gobackend/internal/mpesa"
	"github.com/pesapoint/mpesa-gobackend/internal/services"
	"github.com/pesapoint/mpesa-gobackend/internal/store"
)

type PaymentHandler struct {
	service *services.PaymentService
}

func NewPaymentHandler(service *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{service: service}
}

// InitiatePayment triggers an STK push and returns the gateway
// acknowledgement with the correlation id the client should keep.
func (h *PaymentHandler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	// amount is a json.Number so clients may send it as either a JSON
	// number or a numeric string.
	var req struct {
		PhoneNumber      string      `json:"phoneNumber"`
		Amount           json.Number `json:"amount"`
		AccountReference string      `json:"accountReference"`
		TransactionDesc  string      `json:"transactionDesc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.PhoneNumber == "" || req.Amount == "" || req.AccountReference == "" {
		writeError(w, http.StatusBadRequest, "phoneNumber, amount and accountReference are required")
		return
	}
	if len(req.AccountReference) > 12 {
		writeError(w, http.StatusBadRequest, "accountReference must be at most 12 characters")
		return
	}

	tx, resp, err := h.service.InitiatePayment(r.Context(), req.PhoneNumber, req.Amount.String(), req.AccountReference, req.TransactionDesc)
	if err != nil {
		log.Printf("Failed to initiate payment: %v", err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "Payment initiated successfully",
		"data": map[string]interface{}{
			"checkoutRequestId":   tx.CheckoutRequestID,
			"responseCode":        resp.ResponseCode,
			"responseDescription": resp.ResponseDescription,
			"customerMessage":     resp.CustomerMessage,
		},
	})
}

// QueryStatus returns the gateway-reported status for a checkout request and
// applies any recovered outcome to the stored record on the way through.
func (h *PaymentHandler) QueryStatus(w http.ResponseWriter, r *http.Request) {
	checkoutRequestID := mux.Vars(r)["checkoutRequestId"]
	if checkoutRequestID == "" {
		writeError(w, http.StatusBadRequest, "checkoutRequestId is required")
		return
	}

	tx, resp, err := h.service.QueryStatus(r.Context(), checkoutRequestID)
	if err != nil {
		log.Printf("Failed to query status for %s: %v", checkoutRequestID, err)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":     true,
		"data":        resp,
		"transaction": tx,
	})
}

// Callback receives Daraja's asynchronous result. It always acknowledges
// with a success envelope so the gateway stops re-delivering; internal
// failures are logged for the operator instead of surfaced.
func (h *PaymentHandler) Callback(w http.ResponseWriter, r *http.Request) {
	var cb models.STKCallback
	if err := json.NewDecoder(r.Body).Decode(&cb); err != nil {
		log.Printf("Malformed callback payload: %v", err)
		writeResultEnvelope(w, 0, "Accepted")
		return
	}

	if cb.Body.StkCallback.CheckoutRequestID == "" {
		log.Printf("Callback without checkout request id, acknowledging")
		writeResultEnvelope(w, 0, "Accepted")
		return
	}

	if err := h.service.ApplyCallback(r.Context(), &cb); err != nil {
		log.Printf("Error processing callback for %s: %v", cb.Body.StkCallback.CheckoutRequestID, err)
	}
	writeResultEnvelope(w, 0, "Accepted")
}

// Validation is the C2B validation hook; accept everything.
func (h *PaymentHandler) Validation(w http.ResponseWriter, r *http.Request) {
	log.Printf("M-Pesa validation received")
	writeResultEnvelope(w, 0, "Accepted")
}

// Confirmation is the C2B confirmation hook.
func (h *PaymentHandler) Confirmation(w http.ResponseWriter, r *http.Request) {
	log.Printf("M-Pesa confirmation received")
	writeResultEnvelope(w, 0, "Confirmation received successfully")
}

// ListTransactions returns stored transactions, optionally filtered by
// status.
func (h *PaymentHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "", models.StatusPending, models.StatusCompleted, models.StatusFailed, models.StatusCancelled:
	default:
		writeError(w, http.StatusBadRequest, "Invalid status filter")
		return
	}

	txs, err := h.service.ListTransactions(r.Context(), status)
	if err != nil {
		log.Printf("Failed to list transactions: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch transactions")
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "data": txs})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var credErr *mpesa.CredentialError
	var gwErr *mpesa.GatewayError
	switch {
	case errors.Is(err, mpesa.ErrInvalidPhoneNumber),
		errors.Is(err, mpesa.ErrInvalidAmount),
		errors.Is(err, mpesa.ErrInvalidShortCode):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "Transaction not found")
	case errors.As(err, &credErr), errors.As(err, &gwErr):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "Something went wrong")
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeResultEnvelope(w http.ResponseWriter, code int, desc string) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ResultCode": code,
		"ResultDesc": desc,
	})
}
