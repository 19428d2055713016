package repo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"ferma-fiscal/internal/domain"
)

// InMemoryReceiptRepo is the map-backed twin of the postgres repo, used by the
// simulator and by tests.
type InMemoryReceiptRepo struct {
	mu       sync.RWMutex
	receipts map[uuid.UUID]*domain.Receipt
	byPay    map[string]uuid.UUID
}

func NewInMemoryReceiptRepo() *InMemoryReceiptRepo {
	return &InMemoryReceiptRepo{
		receipts: make(map[uuid.UUID]*domain.Receipt),
		byPay:    make(map[string]uuid.UUID),
	}
}

func (r *InMemoryReceiptRepo) Create(ctx context.Context, receipt *domain.Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byPay[receipt.PaymentID]; exists {
		return fmt.Errorf("%w: payment %s", domain.ErrConflict, receipt.PaymentID)
	}
	stored := *receipt
	r.receipts[receipt.ID] = &stored
	r.byPay[receipt.PaymentID] = receipt.ID
	return nil
}

func (r *InMemoryReceiptRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Receipt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.copyOf(r.receipts[id]), nil
}

func (r *InMemoryReceiptRepo) FindByPaymentID(ctx context.Context, paymentID string) (*domain.Receipt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byPay[paymentID]
	if !ok {
		return nil, nil
	}
	return r.copyOf(r.receipts[id]), nil
}

func (r *InMemoryReceiptRepo) FindByInvoiceID(ctx context.Context, invoiceID string) (*domain.Receipt, error) {
	return r.latest(func(rc *domain.Receipt) bool { return rc.InvoiceID == invoiceID }), nil
}

func (r *InMemoryReceiptRepo) FindByReceiptID(ctx context.Context, receiptID string) (*domain.Receipt, error) {
	if receiptID == "" {
		return nil, nil
	}
	return r.latest(func(rc *domain.Receipt) bool { return rc.ReceiptID == receiptID }), nil
}

func (r *InMemoryReceiptRepo) Transition(ctx context.Context, id uuid.UUID, t domain.Transition, now time.Time) (*domain.Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.receipts[id]
	if !ok {
		return nil, fmt.Errorf("%w: receipt %s -> %s", domain.ErrTransitionRefused, id, t.To)
	}
	next := *stored
	if err := next.Apply(t, now); err != nil {
		return nil, err
	}
	*stored = next
	return r.copyOf(stored), nil
}

func (r *InMemoryReceiptRepo) FindAwaitingConfirmation(ctx context.Context, before time.Time, limit int) ([]domain.Receipt, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []domain.Receipt
	for _, rc := range r.receipts {
		if (rc.Status == domain.ReceiptSent || rc.Status == domain.ReceiptProcessed) && rc.UpdatedAt.Before(before) {
			out = append(out, *rc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryReceiptRepo) latest(match func(*domain.Receipt) bool) *domain.Receipt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *domain.Receipt
	for _, rc := range r.receipts {
		if match(rc) && (found == nil || rc.UpdatedAt.After(found.UpdatedAt)) {
			found = rc
		}
	}
	return r.copyOf(found)
}

func (r *InMemoryReceiptRepo) copyOf(rc *domain.Receipt) *domain.Receipt {
	if rc == nil {
		return nil
	}
	cp := *rc
	return &cp
}
