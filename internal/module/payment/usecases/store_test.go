package usecases_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/repositories"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

// memStore keeps the guarantees of the Postgres repositories in memory: the
// dedup marker, the status compare-and-set and the conditional booking write
// all happen under one lock and roll back together.
type memStore struct {
	mu          sync.Mutex
	now         func() time.Time
	bookings    map[int64]*entity.Booking
	txns        map[uuid.UUID]*entity.PaymentTransaction
	txnOrder    []uuid.UUID
	refunds     map[uuid.UUID]*entity.RefundRecord
	refundOrder []uuid.UUID
	markers     map[string]bool
	anomalies   []*entity.Anomaly
	// reported holds provider refund amounts by transaction and provider refund id.
	reported map[uuid.UUID]map[string]decimal.Decimal

	// beforeApply runs ahead of every ApplyReconciliation, outside the lock.
	beforeApply func(rec entity.Reconciliation)
}

var _ repositories.Repositories = (*memStore)(nil)

func newMemStore(now func() time.Time) *memStore {
	return &memStore{
		now:      now,
		bookings: map[int64]*entity.Booking{},
		txns:     map[uuid.UUID]*entity.PaymentTransaction{},
		refunds:  map[uuid.UUID]*entity.RefundRecord{},
		markers:  map[string]bool{},
		reported: map[uuid.UUID]map[string]decimal.Decimal{},
	}
}

func (s *memStore) seedBooking(id int64, amount, currency string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bookings[id] = &entity.Booking{
		ID:            id,
		TotalAmount:   decimal.RequireFromString(amount),
		Currency:      currency,
		BookingStatus: entity.BookingPending,
		PaymentStatus: entity.PaymentUnpaid,
		UpdatedAt:     s.now(),
	}
}

func (s *memStore) booking(id int64) entity.Booking {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.bookings[id]
}

func (s *memStore) txn(id uuid.UUID) entity.PaymentTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.txns[id]
}

func (s *memStore) setStatus(id uuid.UUID, status entity.TransactionStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txns[id].Status = status
	s.txns[id].UpdatedAt = s.now()
}

func (s *memStore) anomalyList() []entity.Anomaly {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Anomaly, 0, len(s.anomalies))
	for _, a := range s.anomalies {
		out = append(out, *a)
	}
	return out
}

func (s *memStore) FindBookingByID(ctx context.Context, id int64) (entity.Booking, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[id]
	if !ok {
		return entity.Booking{}, repositories.ErrNotFound
	}
	return *b, nil
}

func (s *memStore) InsertTransaction(ctx context.Context, txn entity.PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if txn.Status.Active() {
		for _, t := range s.txns {
			if t.BookingID == txn.BookingID && t.Provider == txn.Provider && t.Status.Active() {
				return repositories.ErrActiveTransactionExists
			}
		}
	}
	txn.CreatedAt = s.now()
	txn.UpdatedAt = s.now()
	s.txns[txn.ID] = &txn
	s.txnOrder = append(s.txnOrder, txn.ID)
	return nil
}

func (s *memStore) UpdateTransactionExternalRef(ctx context.Context, id uuid.UUID, externalID string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return repositories.ErrNotFound
	}
	t.ExternalTransactionID.String, t.ExternalTransactionID.Valid = externalID, externalID != ""
	t.RawProviderPayload = types.JSONText(raw)
	return nil
}

func (s *memStore) FailTransaction(ctx context.Context, id uuid.UUID, raw []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok || t.Status != entity.StatusCreated {
		return false, nil
	}
	t.Status = entity.StatusFailed
	t.UpdatedAt = s.now()
	return true, nil
}

func (s *memStore) FindTransactionByID(ctx context.Context, id uuid.UUID) (entity.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[id]
	if !ok {
		return entity.PaymentTransaction{}, repositories.ErrNotFound
	}
	return *t, nil
}

func (s *memStore) FindTransactionByExternalID(ctx context.Context, p entity.Provider, externalID string) (entity.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.txnOrder {
		t := s.txns[id]
		if t.Provider != p {
			continue
		}
		if t.ExternalTransactionID.String == externalID || t.CaptureReference.String == externalID {
			return *t, nil
		}
	}
	return entity.PaymentTransaction{}, repositories.ErrNotFound
}

func (s *memStore) FindLatestTransaction(ctx context.Context, bookingID int64, p entity.Provider) (entity.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.txnOrder) - 1; i >= 0; i-- {
		t := s.txns[s.txnOrder[i]]
		if t.BookingID == bookingID && t.Provider == p {
			return *t, nil
		}
	}
	return entity.PaymentTransaction{}, repositories.ErrNotFound
}

func (s *memStore) FindStaleTransactions(ctx context.Context, before time.Time, limit int) ([]entity.PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.PaymentTransaction
	for _, id := range s.txnOrder {
		t := s.txns[id]
		if !t.Status.Active() || !t.UpdatedAt.Before(before) || len(out) >= limit {
			continue
		}
		if s.hasDedupKey(fmt.Sprintf("sweep:%s:%s", t.ID, t.Status)) {
			continue
		}
		out = append(out, *t)
	}
	return out, nil
}

func (s *memStore) ApplyReconciliation(ctx context.Context, rec entity.Reconciliation) (entity.ReconciliationResult, error) {
	if s.beforeApply != nil {
		s.beforeApply(rec)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result entity.ReconciliationResult
	key := fmt.Sprintf("%s/%s", rec.Provider, rec.RawEventID)
	if s.markers[key] {
		result.Duplicate = true
		return result, nil
	}

	var txn *entity.PaymentTransaction
	if rec.NextStatus != "" {
		txn = s.txns[rec.TransactionID]
		if txn == nil || !containsStatus(rec.ExpectedStatuses, txn.Status) {
			return entity.ReconciliationResult{}, nil
		}
	}

	// every check passed, apply the writes
	s.markers[key] = true
	if txn != nil {
		txn.Status = rec.NextStatus
		if rec.CaptureReference != "" {
			txn.CaptureReference.String, txn.CaptureReference.Valid = rec.CaptureReference, true
		}
		if rec.CompletedAt != nil {
			txn.CompletedAt.Time, txn.CompletedAt.Valid = *rec.CompletedAt, true
		}
		txn.UpdatedAt = s.now()
		result.TransactionUpdated = true
	}

	if rf := rec.Refund; rf != nil {
		if s.reported[rec.TransactionID] == nil {
			s.reported[rec.TransactionID] = map[string]decimal.Decimal{}
		}
		if _, ok := s.reported[rec.TransactionID][rf.ProviderRefundID]; !ok {
			s.reported[rec.TransactionID][rf.ProviderRefundID] = rf.Amount
		}
	}

	if b := rec.Booking; b != nil {
		booking := s.bookings[b.BookingID]
		if booking != nil && containsPaymentStatus(b.ExpectedPaymentStatuses, booking.PaymentStatus) && booking.BookingStatus != entity.BookingCancelled {
			booking.PaymentStatus = b.PaymentStatus
			if b.BookingStatus != "" {
				booking.BookingStatus = b.BookingStatus
			}
			if b.ConfirmedAt != nil {
				booking.ConfirmedAt.Time, booking.ConfirmedAt.Valid = *b.ConfirmedAt, true
			}
			if b.CancelledAt != nil {
				booking.CancelledAt.Time, booking.CancelledAt.Valid = *b.CancelledAt, true
			}
			if b.CancellationReason != "" {
				booking.CancellationReason.String, booking.CancellationReason.Valid = b.CancellationReason, true
			}
			booking.UpdatedAt = s.now()
			result.BookingUpdated = true
		}

		switch {
		case result.BookingUpdated && rec.MarkBookingApplied:
			s.txns[rec.TransactionID].BookingApplied = true
		case !result.BookingUpdated && rec.ConflictAnomaly != nil:
			result.BookingConflict = true
			s.insertAnomaly(*rec.ConflictAnomaly)
		}
	}

	if rec.Anomaly != nil {
		s.insertAnomaly(*rec.Anomaly)
	}
	if rec.ResolveAnomalyID.Valid {
		for _, a := range s.anomalies {
			if a.ID == rec.ResolveAnomalyID.UUID && !a.ResolvedAt.Valid {
				a.ResolvedAt.Time, a.ResolvedAt.Valid = s.now(), true
			}
		}
	}
	return result, nil
}

func (s *memStore) CreateRefund(ctx context.Context, refund entity.RefundRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txns[refund.TransactionID]
	if !ok {
		return repositories.ErrNotFound
	}
	if t.Status != entity.StatusCompleted {
		return repositories.ErrNotRefundable
	}
	if _, exists := s.refunds[refund.ID]; exists {
		return fmt.Errorf("insert refund: duplicate key %s", refund.ID)
	}
	reserved := s.sumRefunds(refund.TransactionID, entity.RefundRequested, entity.RefundCompleted)
	if reserved.Add(refund.Amount).GreaterThan(t.Amount) {
		return repositories.ErrRefundExceedsRemaining
	}
	refund.Status = entity.RefundRequested
	refund.CreatedAt = s.now()
	s.refunds[refund.ID] = &refund
	s.refundOrder = append(s.refundOrder, refund.ID)
	return nil
}

func (s *memStore) CompleteRefund(ctx context.Context, id uuid.UUID, providerRefundID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.refunds[id]; ok && r.Status == entity.RefundRequested {
		r.Status = entity.RefundCompleted
		r.ProviderRefundID.String, r.ProviderRefundID.Valid = providerRefundID, providerRefundID != ""
		r.CompletedAt.Time, r.CompletedAt.Valid = s.now(), true
	}
	return nil
}

func (s *memStore) FailRefund(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.refunds[id]; ok && r.Status == entity.RefundRequested {
		r.Status = entity.RefundFailed
	}
	return nil
}

func (s *memStore) SumRefunds(ctx context.Context, transactionID uuid.UUID, statuses ...entity.RefundStatus) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sumRefunds(transactionID, statuses...), nil
}

func (s *memStore) sumRefunds(transactionID uuid.UUID, statuses ...entity.RefundStatus) decimal.Decimal {
	sum := decimal.Zero
	for _, r := range s.refunds {
		if r.TransactionID != transactionID {
			continue
		}
		for _, st := range statuses {
			if r.Status == st {
				sum = sum.Add(r.Amount)
			}
		}
	}
	return sum
}

func (s *memStore) SumRefunded(ctx context.Context, transactionID uuid.UUID, excludeProviderRefundID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	reported := s.reported[transactionID]
	for id, amount := range reported {
		if id != excludeProviderRefundID {
			sum = sum.Add(amount)
		}
	}
	for _, r := range s.refunds {
		if r.TransactionID != transactionID || r.Status != entity.RefundCompleted {
			continue
		}
		if r.ProviderRefundID.Valid {
			if _, ok := reported[r.ProviderRefundID.String]; ok || r.ProviderRefundID.String == excludeProviderRefundID {
				continue
			}
		}
		sum = sum.Add(r.Amount)
	}
	return sum, nil
}

func (s *memStore) ListRefunds(ctx context.Context, transactionID uuid.UUID) ([]entity.RefundRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.RefundRecord
	for _, id := range s.refundOrder {
		if r := s.refunds[id]; r.TransactionID == transactionID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *memStore) InsertAnomaly(ctx context.Context, anomaly entity.Anomaly) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertAnomaly(anomaly), nil
}

func (s *memStore) hasDedupKey(key string) bool {
	for _, existing := range s.anomalies {
		if existing.DedupKey.Valid && existing.DedupKey.String == key {
			return true
		}
	}
	return false
}

func (s *memStore) insertAnomaly(a entity.Anomaly) bool {
	if a.DedupKey.Valid && s.hasDedupKey(a.DedupKey.String) {
		return false
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.CreatedAt = s.now()
	s.anomalies = append(s.anomalies, &a)
	return true
}

func (s *memStore) FindAnomalyByID(ctx context.Context, id uuid.UUID) (entity.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.anomalies {
		if a.ID == id {
			return *a, nil
		}
	}
	return entity.Anomaly{}, repositories.ErrNotFound
}

func (s *memStore) ListAnomalies(ctx context.Context, unresolvedOnly bool, limit int) ([]entity.Anomaly, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []entity.Anomaly
	for _, a := range s.anomalies {
		if unresolvedOnly && a.ResolvedAt.Valid {
			continue
		}
		out = append(out, *a)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ResolveAnomaly(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.anomalies {
		if a.ID == id && !a.ResolvedAt.Valid {
			a.ResolvedAt.Time, a.ResolvedAt.Valid = s.now(), true
			return true, nil
		}
	}
	return false, nil
}

func containsStatus(list []entity.TransactionStatus, s entity.TransactionStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsPaymentStatus(list []entity.PaymentStatus, s entity.PaymentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
