package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/pesapoint/mpesa-gobackend/internal/models"
	"github.com/pesapoint/mpesa-gobackend/internal/mpesa"
	"github.com/pesapoint/mpesa-gobackend/internal/store"
)

// Gateway is the slice of the Daraja client the orchestrator needs.
type Gateway interface {
	Initiate(ctx context.Context, payload *mpesa.STKPushRequest) (*mpesa.STKPushResponse, error)
	QueryStatus(ctx context.Context, checkoutRequestID string) (*mpesa.QueryResponse, error)
}

// PaymentService ties the request builder, gateway client, and transaction
// store together: it owns the initiate, callback-application, and
// status-reconciliation flows and the pending -> terminal state machine.
type PaymentService struct {
	store          store.TransactionStore
	gateway        Gateway
	builder        *mpesa.PayloadBuilder
	reconcileAfter time.Duration
	now            func() time.Time
}

func NewPaymentService(txStore store.TransactionStore, gateway Gateway, builder *mpesa.PayloadBuilder, reconcileAfter time.Duration) *PaymentService {
	return &PaymentService{
		store:          txStore,
		gateway:        gateway,
		builder:        builder,
		reconcileAfter: reconcileAfter,
		now:            time.Now,
	}
}

// InitiatePayment validates the inputs, pushes the payment prompt to the
// customer's phone, and records a pending transaction keyed by the
// gateway-issued CheckoutRequestID. A failed initiation creates no record.
func (s *PaymentService) InitiatePayment(ctx context.Context, phoneNumber, amount, accountReference, transactionDesc string) (*models.Transaction, *mpesa.STKPushResponse, error) {
	payload, err := s.builder.STKPushPayload(phoneNumber, amount, accountReference, transactionDesc)
	if err != nil {
		return nil, nil, err
	}

	resp, err := s.gateway.Initiate(ctx, payload)
	if err != nil {
		return nil, nil, err
	}

	numericAmount, err := payload.Amount.Float64()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read back amount %q: %w", payload.Amount, err)
	}

	tx, err := s.store.Create(ctx, &models.Transaction{
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
		PhoneNumber:       payload.PhoneNumber,
		Amount:            numericAmount,
		AccountReference:  accountReference,
		TransactionDesc:   payload.TransactionDesc,
		Status:            models.StatusPending,
	})
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			// Ids are gateway-issued; a collision means something upstream
			// replayed an acknowledgement.
			log.Printf("integrity fault: duplicate checkout request id %s", resp.CheckoutRequestID)
		}
		return nil, nil, err
	}

	log.Printf("payment initiated: checkoutRequestId=%s amount=%s phone=%s", tx.CheckoutRequestID, payload.Amount, tx.PhoneNumber)
	return tx, resp, nil
}

// ApplyCallback reconciles an asynchronous Daraja result with the stored
// transaction. It is safe to re-apply: an unknown id and a repeated terminal
// outcome are both no-ops, and a conflicting terminal outcome is logged as
// an anomaly without touching the record. The HTTP layer acknowledges the
// gateway with success regardless of what happens here.
func (s *PaymentService) ApplyCallback(ctx context.Context, cb *models.STKCallback) error {
	body := cb.Body.StkCallback
	id := body.CheckoutRequestID
	resultCode := strconv.Itoa(body.ResultCode)

	tx, err := s.store.FindByCheckoutRequestID(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Printf("callback for unknown checkout request %s (result %s), acknowledging", id, resultCode)
			return nil
		}
		return err
	}

	if models.IsTerminalStatus(tx.Status) {
		if tx.ResultCode == resultCode {
			log.Printf("duplicate callback for %s (result %s), no-op", id, resultCode)
			return nil
		}
		log.Printf("anomaly: callback result %s for %s conflicts with stored %s/%s, keeping stored outcome",
			resultCode, id, tx.Status, tx.ResultCode)
		return nil
	}

	var metadata *models.CallbackMetadata
	if body.ResultCode == 0 {
		metadata = &body.CallbackMetadata
	}
	return s.applyOutcome(ctx, id, resultCode, body.ResultDesc, metadata)
}

// applyOutcome performs the single pending -> terminal transition shared by
// the callback and reconciliation flows. The update carries a pending
// precondition evaluated atomically at the store boundary, so a concurrent
// callback and status query for the same id cannot both win: the loser sees
// a status conflict and falls back to the idempotent/anomaly rule against
// the outcome that landed first.
func (s *PaymentService) applyOutcome(ctx context.Context, id, resultCode, resultDesc string, metadata *models.CallbackMetadata) error {
	status := models.StatusFailed
	if resultCode == "0" {
		status = models.StatusCompleted
	}
	patch := store.Patch{
		IfStatus:   models.StatusPending,
		Status:     &status,
		ResultCode: &resultCode,
		ResultDesc: &resultDesc,
	}
	if status == models.StatusCompleted && metadata != nil {
		if receipt, ok := metadata.String("MpesaReceiptNumber"); ok {
			patch.MpesaReceiptNumber = &receipt
		}
		if settledAt, ok := metadata.TransactionDate(); ok {
			patch.TransactionDate = &settledAt
		}
		patch.CallbackMetadata = metadata.Item
	}

	tx, err := s.store.Update(ctx, id, patch)
	if err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			current, findErr := s.store.FindByCheckoutRequestID(ctx, id)
			if findErr != nil {
				return fmt.Errorf("failed to re-read %s after status conflict: %w", id, findErr)
			}
			if current.ResultCode == resultCode {
				log.Printf("duplicate result %s for %s, no-op", resultCode, id)
				return nil
			}
			log.Printf("anomaly: result %s for %s conflicts with stored %s/%s, keeping stored outcome",
				resultCode, id, current.Status, current.ResultCode)
			return nil
		}
		return fmt.Errorf("failed to apply result %s to %s: %w", resultCode, id, err)
	}

	log.Printf("transaction %s moved to %s (result %s)", id, tx.Status, resultCode)
	return nil
}

// QueryStatus asks the gateway for the outcome of a known transaction and,
// if the record is still pending and the gateway reports a final result,
// applies the same transition a callback would. The raw gateway payload is
// returned alongside the refreshed record.
func (s *PaymentService) QueryStatus(ctx context.Context, checkoutRequestID string) (*models.Transaction, *mpesa.QueryResponse, error) {
	tx, err := s.store.FindByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		return nil, nil, err
	}

	resp, err := s.gateway.QueryStatus(ctx, checkoutRequestID)
	if err != nil {
		return tx, nil, err
	}

	if tx.Status == models.StatusPending && resp.ResultCode != "" {
		if err := s.applyOutcome(ctx, checkoutRequestID, resp.ResultCode, resp.ResultDesc, nil); err != nil {
			return tx, resp, err
		}
		if tx, err = s.store.FindByCheckoutRequestID(ctx, checkoutRequestID); err != nil {
			return nil, resp, err
		}
	}
	return tx, resp, nil
}

// ReconcilePending sweeps transactions that have sat pending longer than the
// configured threshold, on the assumption that their callback was lost, and
// recovers each outcome with a status query. It returns how many records
// reached a terminal state.
func (s *PaymentService) ReconcilePending(ctx context.Context) (int, error) {
	stale, err := s.store.FindWhere(ctx, store.Filter{
		Status:        models.StatusPending,
		CreatedBefore: s.now().Add(-s.reconcileAfter),
	})
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for i := range stale {
		id := stale[i].CheckoutRequestID
		resp, err := s.gateway.QueryStatus(ctx, id)
		if err != nil {
			// Typically "transaction is being processed"; the next sweep
			// tries again.
			log.Printf("reconcile: query for %s failed: %v", id, err)
			continue
		}
		if resp.ResultCode == "" {
			continue
		}
		if err := s.applyOutcome(ctx, id, resp.ResultCode, resp.ResultDesc, nil); err != nil {
			log.Printf("reconcile: %v", err)
			continue
		}
		reconciled++
	}

	if len(stale) > 0 {
		log.Printf("reconcile sweep: %d stale pending, %d resolved", len(stale), reconciled)
	}
	return reconciled, nil
}

// ListTransactions returns stored transactions, optionally filtered by
// status, newest first.
func (s *PaymentService) ListTransactions(ctx context.Context, status string) ([]models.Transaction, error) {
	return s.store.FindWhere(ctx, store.Filter{Status: status})
}
