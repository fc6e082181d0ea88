package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/pesapoint/mpesa-gobackend/internal/models"
	"github.com/pesapoint/mpesa-gobackend/internal/mpesa"
	"github.com/pesapoint/mpesa-gobackend/internal/services"
	"github.com/pesapoint/mpesa-gobackend/internal/store"
)

type stubGateway struct {
	initiateResp  *mpesa.STKPushResponse
	initiateErr   error
	initiateCalls int
	queryResp     *mpesa.QueryResponse
	queryErr      error
}

func (g *stubGateway) Initiate(ctx context.Context, payload *mpesa.STKPushRequest) (*mpesa.STKPushResponse, error) {
	g.initiateCalls++
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	return g.initiateResp, nil
}

func (g *stubGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error) {
	if g.queryErr != nil {
		return nil, g.queryErr
	}
	return g.queryResp, nil
}

func newTestRouter(gateway *stubGateway) (*mux.Router, *store.MemoryStore) {
	memStore := store.NewMemoryStore()
	builder := mpesa.NewPayloadBuilder("174379", "passkey", "https://example.com/callback")
	svc := services.NewPaymentService(memStore, gateway, builder, 2*time.Minute)
	h := NewPaymentHandler(svc)

	router := mux.NewRouter()
	router.HandleFunc("/api/mpesa/initiate-payment", h.InitiatePayment).Methods("POST")
	router.HandleFunc("/api/mpesa/status/{checkoutRequestId}", h.QueryStatus).Methods("GET")
	router.HandleFunc("/api/mpesa/callback", h.Callback).Methods("POST")
	router.HandleFunc("/api/mpesa/transactions", h.ListTransactions).Methods("GET")
	return router, memStore
}

func doJSON(t *testing.T, router *mux.Router, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestInitiatePaymentHandler(t *testing.T) {
	gateway := &stubGateway{initiateResp: &mpesa.STKPushResponse{
		MerchantRequestID:   "m-1",
		CheckoutRequestID:   "ws_CO_1",
		ResponseCode:        "0",
		ResponseDescription: "Success",
		CustomerMessage:     "Success",
	}}
	router, _ := newTestRouter(gateway)

	rec := doJSON(t, router, "POST", "/api/mpesa/initiate-payment",
		`{"phoneNumber":"0712345678","amount":"150","accountReference":"INV-001"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body)
	}

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			CheckoutRequestID string `json:"checkoutRequestId"`
			ResponseCode      string `json:"responseCode"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if !resp.Success || resp.Data.CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("response not mapped: %s", rec.Body)
	}
}

func TestInitiatePaymentNumericAmount(t *testing.T) {
	gateway := &stubGateway{initiateResp: &mpesa.STKPushResponse{
		MerchantRequestID: "m-1",
		CheckoutRequestID: "ws_CO_1",
		ResponseCode:      "0",
	}}
	router, memStore := newTestRouter(gateway)

	// amount as a bare JSON number rather than a string.
	rec := doJSON(t, router, "POST", "/api/mpesa/initiate-payment",
		`{"phoneNumber":"0712345678","amount":150,"accountReference":"INV-001"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d: %s", rec.Code, rec.Body)
	}

	tx, err := memStore.FindByCheckoutRequestID(context.Background(), "ws_CO_1")
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if tx.Amount != 150 {
		t.Fatalf("amount not carried through: %+v", tx)
	}
}

func TestInitiatePaymentValidation(t *testing.T) {
	gateway := &stubGateway{}
	router, _ := newTestRouter(gateway)

	cases := []string{
		`{"amount":"100","accountReference":"REF"}`,
		`{"phoneNumber":"0712345678","amount":"0","accountReference":"REF"}`,
		`{"phoneNumber":"0712345678","amount":"-5","accountReference":"REF"}`,
		`{"phoneNumber":"12345","amount":"100","accountReference":"REF"}`,
		`{"phoneNumber":"0712345678","amount":"100","accountReference":"THIRTEENCHARS"}`,
		`not json`,
	}
	for _, body := range cases {
		rec := doJSON(t, router, "POST", "/api/mpesa/initiate-payment", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: want 400, got %d", body, rec.Code)
		}
	}
	if gateway.initiateCalls != 0 {
		t.Fatalf("validation failures reached the gateway %d times", gateway.initiateCalls)
	}
}

func TestInitiatePaymentGatewayFailure(t *testing.T) {
	gateway := &stubGateway{initiateErr: &mpesa.GatewayError{Op: "initiate", Status: 503, Body: "down"}}
	router, _ := newTestRouter(gateway)

	rec := doJSON(t, router, "POST", "/api/mpesa/initiate-payment",
		`{"phoneNumber":"0712345678","amount":"100","accountReference":"REF"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("want 502, got %d: %s", rec.Code, rec.Body)
	}
}

func TestCallbackAlwaysAcknowledges(t *testing.T) {
	gateway := &stubGateway{}
	router, _ := newTestRouter(gateway)

	bodies := []string{
		// Unknown checkout request id.
		`{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_unknown","ResultCode":0,"ResultDesc":"ok"}}}`,
		// Missing id entirely.
		`{"Body":{"stkCallback":{"ResultCode":0}}}`,
		// Malformed JSON.
		`{{{`,
	}
	for _, body := range bodies {
		rec := doJSON(t, router, "POST", "/api/mpesa/callback", body)
		if rec.Code != http.StatusOK {
			t.Fatalf("body %s: want 200, got %d", body, rec.Code)
		}
		if !strings.Contains(rec.Body.String(), `"ResultCode":0`) {
			t.Fatalf("body %s: missing success envelope: %s", body, rec.Body)
		}
	}
}

func TestCallbackUpdatesTransaction(t *testing.T) {
	gateway := &stubGateway{}
	router, memStore := newTestRouter(gateway)

	if _, err := memStore.Create(context.Background(), &models.Transaction{
		CheckoutRequestID: "ws_CO_1",
		MerchantRequestID: "m-1",
		PhoneNumber:       "254712345678",
		Amount:            100,
		AccountReference:  "REF",
		Status:            models.StatusPending,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	body := `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok",` +
		`"CallbackMetadata":{"Item":[{"Name":"MpesaReceiptNumber","Value":"ABC123"},{"Name":"TransactionDate","Value":20250101120000}]}}}}`
	rec := doJSON(t, router, "POST", "/api/mpesa/callback", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}

	tx, err := memStore.FindByCheckoutRequestID(context.Background(), "ws_CO_1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if tx.Status != models.StatusCompleted || tx.MpesaReceiptNumber != "ABC123" {
		t.Fatalf("callback not applied: %+v", tx)
	}
	if tx.TransactionDate == nil {
		t.Fatalf("settlement timestamp missing")
	}
}

func TestQueryStatusNotFound(t *testing.T) {
	gateway := &stubGateway{}
	router, _ := newTestRouter(gateway)

	rec := doJSON(t, router, "GET", "/api/mpesa/status/ws_CO_missing", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("want 404, got %d", rec.Code)
	}
}

func TestListTransactions(t *testing.T) {
	gateway := &stubGateway{}
	router, memStore := newTestRouter(gateway)

	if _, err := memStore.Create(context.Background(), &models.Transaction{
		CheckoutRequestID: "ws_CO_1",
		Status:            models.StatusPending,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := doJSON(t, router, "GET", "/api/mpesa/transactions?status=pending", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	var resp struct {
		Data []models.Transaction `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("bad body: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].CheckoutRequestID != "ws_CO_1" {
		t.Fatalf("unexpected list: %s", rec.Body)
	}

	rec = doJSON(t, router, "GET", "/api/mpesa/transactions?status=bogus", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400 for bad filter, got %d", rec.Code)
	}
}
