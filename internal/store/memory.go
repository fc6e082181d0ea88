package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pesapoint/mpesa-gobackend/internal/models"
)

// MemoryStore keeps transactions in process memory behind a single writer
// lock. It backs local development and tests; the durability guarantee is
// only as strong as the process lifetime.
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]models.Transaction
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs: make(map[string]models.Transaction),
		now: time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.txs[tx.CheckoutRequestID]; exists {
		return nil, ErrDuplicateKey
	}

	stored := *tx
	stored.CreatedAt = s.now()
	stored.UpdatedAt = stored.CreatedAt
	s.txs[stored.CheckoutRequestID] = stored

	out := stored
	return &out, nil
}

func (s *MemoryStore) FindByCheckoutRequestID(ctx context.Context, id string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := tx
	return &out, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if patch.IfStatus != "" && tx.Status != patch.IfStatus {
		return nil, ErrStatusConflict
	}

	if patch.Status != nil {
		tx.Status = *patch.Status
	}
	if patch.MpesaReceiptNumber != nil {
		tx.MpesaReceiptNumber = *patch.MpesaReceiptNumber
	}
	if patch.TransactionDate != nil {
		d := *patch.TransactionDate
		tx.TransactionDate = &d
	}
	if patch.ResultCode != nil {
		tx.ResultCode = *patch.ResultCode
	}
	if patch.ResultDesc != nil {
		tx.ResultDesc = *patch.ResultDesc
	}
	if patch.CallbackMetadata != nil {
		tx.CallbackMetadata = append([]models.MetadataItem(nil), patch.CallbackMetadata...)
	}
	tx.UpdatedAt = s.now()

	s.txs[id] = tx
	out := tx
	return &out, nil
}

func (s *MemoryStore) FindWhere(ctx context.Context, filter Filter) ([]models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []models.Transaction
	for _, tx := range s.txs {
		if filter.Matches(&tx) {
			matched = append(matched, tx)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	return matched, nil
}
