package store

import (
	"context"
	"errors"
	"time"

	"github.com/pesapoint/mpesa-gobackend/internal/models"
)

var (
	// ErrDuplicateKey is returned by Create when a transaction with the same
	// checkout request id already exists. Ids are gateway-issued, so seeing
	// this in normal operation indicates an integrity fault upstream.
	ErrDuplicateKey = errors.New("transaction already exists")

	// ErrNotFound is returned by lookups and updates for unknown ids.
	ErrNotFound = errors.New("transaction not found")

	// ErrStatusConflict is returned by Update when the patch carries an
	// IfStatus precondition and the stored record is no longer in that
	// status. Terminal transitions rely on this to stay atomic: the
	// precondition is evaluated at the store boundary, not by a racy
	// read-then-write in the caller.
	ErrStatusConflict = errors.New("transaction status changed concurrently")
)

// Patch carries the fields a status transition may change. Nil pointers are
// left untouched by Update; UpdatedAt is always refreshed. A non-empty
// IfStatus makes the whole update conditional on the record currently
// holding that status.
type Patch struct {
	IfStatus string

	Status             *string
	MpesaReceiptNumber *string
	TransactionDate    *time.Time
	ResultCode         *string
	ResultDesc         *string
	CallbackMetadata   []models.MetadataItem
}

// Filter selects transactions for FindWhere. Zero-valued fields match
// everything.
type Filter struct {
	Status        string
	CreatedBefore time.Time
}

// Matches reports whether a transaction satisfies the filter.
func (f Filter) Matches(tx *models.Transaction) bool {
	if f.Status != "" && tx.Status != f.Status {
		return false
	}
	if !f.CreatedBefore.IsZero() && !tx.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}

// TransactionStore is durable keyed storage for transactions. Implementations
// must make every successful Create and Update durable before returning,
// must serialize updates to the same checkout request id, and must evaluate
// a Patch.IfStatus precondition atomically with the write.
type TransactionStore interface {
	Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, error)
	FindByCheckoutRequestID(ctx context.Context, id string) (*models.Transaction, error)
	Update(ctx context.Context, id string, patch Patch) (*models.Transaction, error)
	FindWhere(ctx context.Context, filter Filter) ([]models.Transaction, error)
}
