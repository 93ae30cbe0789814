package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/pkg/log"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrActiveTransactionExists = errors.New("an active payment attempt already exists for this booking and provider")
	ErrRefundExceedsRemaining  = errors.New("refund exceeds remaining captured amount")
	ErrNotRefundable           = errors.New("transaction is not refundable")
)

const uniqueViolation = "23505"

const (
	bookingColumns = `id, total_amount, currency, booking_status, payment_status,
		confirmed_at, cancelled_at, cancellation_reason, updated_at`
	transactionColumns = `id, booking_id, provider, external_transaction_id, capture_reference, status,
		amount, currency, booking_applied, raw_provider_payload, created_at, completed_at, updated_at`
	refundColumns  = `id, transaction_id, amount, reason, status, provider_refund_id, created_at, completed_at`
	anomalyColumns = `id, kind, provider, raw_event_id, booking_id, transaction_id, detail, raw_payload,
		dedup_key, resolved_at, created_at`
)

type repositories struct {
	db  *sqlx.DB
	log log.Logger
}

type Repositories interface {
	// bookings
	FindBookingByID(ctx context.Context, id int64) (entity.Booking, error)
	// transactions
	InsertTransaction(ctx context.Context, txn entity.PaymentTransaction) error
	UpdateTransactionExternalRef(ctx context.Context, id uuid.UUID, externalID string, raw []byte) error
	FailTransaction(ctx context.Context, id uuid.UUID, raw []byte) (bool, error)
	FindTransactionByID(ctx context.Context, id uuid.UUID) (entity.PaymentTransaction, error)
	FindTransactionByExternalID(ctx context.Context, provider entity.Provider, externalID string) (entity.PaymentTransaction, error)
	FindLatestTransaction(ctx context.Context, bookingID int64, provider entity.Provider) (entity.PaymentTransaction, error)
	FindStaleTransactions(ctx context.Context, before time.Time, limit int) ([]entity.PaymentTransaction, error)
	// reconciliation
	ApplyReconciliation(ctx context.Context, rec entity.Reconciliation) (entity.ReconciliationResult, error)
	// refunds
	CreateRefund(ctx context.Context, refund entity.RefundRecord) error
	CompleteRefund(ctx context.Context, id uuid.UUID, providerRefundID string) error
	FailRefund(ctx context.Context, id uuid.UUID) error
	SumRefunds(ctx context.Context, transactionID uuid.UUID, statuses ...entity.RefundStatus) (decimal.Decimal, error)
	SumRefunded(ctx context.Context, transactionID uuid.UUID, excludeProviderRefundID string) (decimal.Decimal, error)
	ListRefunds(ctx context.Context, transactionID uuid.UUID) ([]entity.RefundRecord, error)
	// anomalies
	InsertAnomaly(ctx context.Context, anomaly entity.Anomaly) (bool, error)
	FindAnomalyByID(ctx context.Context, id uuid.UUID) (entity.Anomaly, error)
	ListAnomalies(ctx context.Context, unresolvedOnly bool, limit int) ([]entity.Anomaly, error)
	ResolveAnomaly(ctx context.Context, id uuid.UUID) (bool, error)
}

func New(db *sqlx.DB, log log.Logger) Repositories {
	return &repositories{
		db:  db,
		log: log,
	}
}

// FindBookingByID implements Repositories.
func (r *repositories) FindBookingByID(ctx context.Context, id int64) (entity.Booking, error) {
	var booking entity.Booking
	err := r.db.GetContext(ctx, &booking, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Booking{}, ErrNotFound
	}
	if err != nil {
		return entity.Booking{}, fmt.Errorf("find booking %d: %w", id, err)
	}
	return booking, nil
}

// InsertTransaction implements Repositories.
func (r *repositories) InsertTransaction(ctx context.Context, txn entity.PaymentTransaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (id, booking_id, provider, status, amount, currency, raw_provider_payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		txn.ID, txn.BookingID, txn.Provider, txn.Status, txn.Amount, txn.Currency, jsonOrEmpty(txn.RawProviderPayload),
	)
	if isUniqueViolation(err) {
		return ErrActiveTransactionExists
	}
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// UpdateTransactionExternalRef implements Repositories.
func (r *repositories) UpdateTransactionExternalRef(ctx context.Context, id uuid.UUID, externalID string, raw []byte) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET external_transaction_id = $2, raw_provider_payload = $3, updated_at = now()
		WHERE id = $1`,
		id, externalID, jsonOrEmpty(raw),
	)
	if err != nil {
		return fmt.Errorf("update external ref: %w", err)
	}
	return nil
}

// FailTransaction implements Repositories. Only an attempt still in created
// can fail this way; it reports whether the row moved.
func (r *repositories) FailTransaction(ctx context.Context, id uuid.UUID, raw []byte) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = $2, raw_provider_payload = $3, completed_at = now(), updated_at = now()
		WHERE id = $1 AND status = $4`,
		id, entity.StatusFailed, jsonOrEmpty(raw), entity.StatusCreated,
	)
	if err != nil {
		return false, fmt.Errorf("fail transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindTransactionByID implements Repositories.
func (r *repositories) FindTransactionByID(ctx context.Context, id uuid.UUID) (entity.PaymentTransaction, error) {
	return r.getTransaction(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`, id)
}

// FindTransactionByExternalID implements Repositories. The capture reference
// matches too, since capture and refund events name the capture, not the order.
func (r *repositories) FindTransactionByExternalID(ctx context.Context, provider entity.Provider, externalID string) (entity.PaymentTransaction, error) {
	return r.getTransaction(ctx, `
		SELECT `+transactionColumns+` FROM payment_transactions
		WHERE provider = $1 AND (external_transaction_id = $2 OR capture_reference = $2)
		ORDER BY created_at DESC
		LIMIT 1`,
		provider, externalID,
	)
}

// FindLatestTransaction implements Repositories.
func (r *repositories) FindLatestTransaction(ctx context.Context, bookingID int64, provider entity.Provider) (entity.PaymentTransaction, error) {
	return r.getTransaction(ctx, `
		SELECT `+transactionColumns+` FROM payment_transactions
		WHERE booking_id = $1 AND provider = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		bookingID, provider,
	)
}

func (r *repositories) getTransaction(ctx context.Context, query string, args ...interface{}) (entity.PaymentTransaction, error) {
	var txn entity.PaymentTransaction
	err := r.db.GetContext(ctx, &txn, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.PaymentTransaction{}, ErrNotFound
	}
	if err != nil {
		return entity.PaymentTransaction{}, fmt.Errorf("find transaction: %w", err)
	}
	return txn, nil
}

// FindStaleTransactions implements Repositories. Attempts already flagged in
// their current status are skipped, so a full batch never hides newer ones.
func (r *repositories) FindStaleTransactions(ctx context.Context, before time.Time, limit int) ([]entity.PaymentTransaction, error) {
	var txns []entity.PaymentTransaction
	err := r.db.SelectContext(ctx, &txns, `
		SELECT `+transactionColumns+` FROM payment_transactions t
		WHERE t.status IN ($1, $2) AND t.updated_at < $3
			AND NOT EXISTS (
				SELECT 1 FROM payment_anomalies a
				WHERE a.dedup_key = 'sweep:' || t.id::text || ':' || t.status
			)
		ORDER BY t.updated_at
		LIMIT $4`,
		entity.StatusCreated, entity.StatusProcessing, before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("find stale transactions: %w", err)
	}
	return txns, nil
}

// ApplyReconciliation implements Repositories. Every write of one event lands
// in a single database transaction, starting with the dedup marker. A lost
// compare-and-set rolls everything back and reports TransactionUpdated false
// so the caller can re-read and decide again.
func (r *repositories) ApplyReconciliation(ctx context.Context, rec entity.Reconciliation) (entity.ReconciliationResult, error) {
	var result entity.ReconciliationResult

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("begin reconciliation: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				r.log.Error(ctx, "error rollback reconciliation", zap.Error(rbErr))
			}
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO payment_webhook_events (provider, raw_event_id, event_kind)
		VALUES ($1, $2, $3)
		ON CONFLICT (provider, raw_event_id) DO NOTHING`,
		rec.Provider, rec.RawEventID, rec.EventKind,
	)
	if err != nil {
		return result, fmt.Errorf("insert dedup marker: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		result.Duplicate = true
		err = errDiscard
		return result, nil
	}

	if rec.NextStatus != "" {
		res, err = tx.ExecContext(ctx, `
			UPDATE payment_transactions
			SET status = $2,
				capture_reference = COALESCE($3, capture_reference),
				completed_at = COALESCE($4, completed_at),
				updated_at = now()
			WHERE id = $1 AND status = ANY($5)`,
			rec.TransactionID, rec.NextStatus, nullString(rec.CaptureReference), rec.CompletedAt,
			pq.Array(transactionStatuses(rec.ExpectedStatuses)),
		)
		if err != nil {
			return result, fmt.Errorf("update transaction status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			err = errDiscard
			return result, nil
		}
		result.TransactionUpdated = true
	}

	if rf := rec.Refund; rf != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO payment_provider_refunds (transaction_id, provider_refund_id, amount)
			VALUES ($1, $2, $3)
			ON CONFLICT (transaction_id, provider_refund_id) DO NOTHING`,
			rec.TransactionID, rf.ProviderRefundID, rf.Amount,
		)
		if err != nil {
			return result, fmt.Errorf("insert provider refund: %w", err)
		}
	}

	if b := rec.Booking; b != nil {
		res, err = tx.ExecContext(ctx, `
			UPDATE bookings
			SET payment_status = $2,
				booking_status = COALESCE($3, booking_status),
				confirmed_at = COALESCE($4, confirmed_at),
				cancelled_at = COALESCE($5, cancelled_at),
				cancellation_reason = COALESCE($6, cancellation_reason),
				updated_at = now()
			WHERE id = $1 AND payment_status = ANY($7) AND booking_status <> 'cancelled'`,
			b.BookingID, b.PaymentStatus, nullString(string(b.BookingStatus)), b.ConfirmedAt, b.CancelledAt,
			nullString(b.CancellationReason), pq.Array(paymentStatuses(b.ExpectedPaymentStatuses)),
		)
		if err != nil {
			return result, fmt.Errorf("update booking payment state: %w", err)
		}
		n, _ := res.RowsAffected()
		result.BookingUpdated = n > 0

		switch {
		case result.BookingUpdated && rec.MarkBookingApplied:
			if _, err = tx.ExecContext(ctx, `UPDATE payment_transactions SET booking_applied = true WHERE id = $1`, rec.TransactionID); err != nil {
				return result, fmt.Errorf("mark booking applied: %w", err)
			}
		case !result.BookingUpdated && rec.ConflictAnomaly != nil:
			result.BookingConflict = true
			if _, err = insertAnomaly(ctx, tx, *rec.ConflictAnomaly); err != nil {
				return result, err
			}
		}
	}

	if rec.Anomaly != nil {
		if _, err = insertAnomaly(ctx, tx, *rec.Anomaly); err != nil {
			return result, err
		}
	}

	if rec.ResolveAnomalyID.Valid {
		if _, err = tx.ExecContext(ctx, `UPDATE payment_anomalies SET resolved_at = now() WHERE id = $1 AND resolved_at IS NULL`, rec.ResolveAnomalyID.UUID); err != nil {
			return result, fmt.Errorf("resolve anomaly: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return entity.ReconciliationResult{}, fmt.Errorf("commit reconciliation: %w", err)
	}
	return result, nil
}

// errDiscard rolls the transaction back without surfacing an error.
var errDiscard = errors.New("discard")

// CreateRefund implements Repositories. The transaction row is locked so two
// concurrent refunds cannot both pass the remaining-balance check.
func (r *repositories) CreateRefund(ctx context.Context, refund entity.RefundRecord) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin refund: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var locked struct {
		Status entity.TransactionStatus `db:"status"`
		Amount decimal.Decimal          `db:"amount"`
	}
	err = tx.GetContext(ctx, &locked, `SELECT status, amount FROM payment_transactions WHERE id = $1 FOR UPDATE`, refund.TransactionID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock transaction: %w", err)
	}
	if locked.Status != entity.StatusCompleted {
		err = ErrNotRefundable
		return err
	}

	var reserved decimal.Decimal
	err = tx.GetContext(ctx, &reserved, `
		SELECT COALESCE(SUM(amount), 0) FROM payment_refunds
		WHERE transaction_id = $1 AND status IN ($2, $3)`,
		refund.TransactionID, entity.RefundRequested, entity.RefundCompleted,
	)
	if err != nil {
		return fmt.Errorf("sum refunds: %w", err)
	}
	if reserved.Add(refund.Amount).GreaterThan(locked.Amount) {
		err = ErrRefundExceedsRemaining
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payment_refunds (id, transaction_id, amount, reason, status)
		VALUES ($1, $2, $3, $4, $5)`,
		refund.ID, refund.TransactionID, refund.Amount, refund.Reason, entity.RefundRequested,
	)
	if err != nil {
		return fmt.Errorf("insert refund: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit refund: %w", err)
	}
	return nil
}

// CompleteRefund implements Repositories.
func (r *repositories) CompleteRefund(ctx context.Context, id uuid.UUID, providerRefundID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE payment_refunds
		SET status = $2, provider_refund_id = $3, completed_at = now()
		WHERE id = $1 AND status = $4`,
		id, entity.RefundCompleted, nullString(providerRefundID), entity.RefundRequested,
	)
	if err != nil {
		return fmt.Errorf("complete refund: %w", err)
	}
	return nil
}

// FailRefund implements Repositories.
func (r *repositories) FailRefund(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `UPDATE payment_refunds SET status = $2 WHERE id = $1 AND status = $3`,
		id, entity.RefundFailed, entity.RefundRequested)
	if err != nil {
		return fmt.Errorf("fail refund: %w", err)
	}
	return nil
}

// SumRefunds implements Repositories.
func (r *repositories) SumRefunds(ctx context.Context, transactionID uuid.UUID, statuses ...entity.RefundStatus) (decimal.Decimal, error) {
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, string(s))
	}

	var sum decimal.Decimal
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM payment_refunds
		WHERE transaction_id = $1 AND status = ANY($2)`,
		transactionID, pq.Array(names),
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum refunds: %w", err)
	}
	return sum, nil
}

// SumRefunded implements Repositories. It adds up every refund the provider
// reported plus completed refund records the provider has not reported yet,
// counting each provider refund id once. excludeProviderRefundID leaves one
// refund out so the caller can add the amount it is holding.
func (r *repositories) SumRefunded(ctx context.Context, transactionID uuid.UUID, excludeProviderRefundID string) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := r.db.GetContext(ctx, &sum, `
		SELECT COALESCE(SUM(amount), 0) FROM (
			SELECT p.amount FROM payment_provider_refunds p
			WHERE p.transaction_id = $1 AND p.provider_refund_id <> $2
			UNION ALL
			SELECT f.amount FROM payment_refunds f
			WHERE f.transaction_id = $1 AND f.status = $3
				AND (f.provider_refund_id IS NULL OR (
					f.provider_refund_id <> $2 AND NOT EXISTS (
						SELECT 1 FROM payment_provider_refunds p
						WHERE p.transaction_id = f.transaction_id AND p.provider_refund_id = f.provider_refund_id
					)
				))
		) refunded`,
		transactionID, excludeProviderRefundID, entity.RefundCompleted,
	)
	if err != nil {
		return decimal.Zero, fmt.Errorf("sum refunded: %w", err)
	}
	return sum, nil
}

// ListRefunds implements Repositories.
func (r *repositories) ListRefunds(ctx context.Context, transactionID uuid.UUID) ([]entity.RefundRecord, error) {
	var refunds []entity.RefundRecord
	err := r.db.SelectContext(ctx, &refunds, `SELECT `+refundColumns+` FROM payment_refunds WHERE transaction_id = $1 ORDER BY created_at`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("list refunds: %w", err)
	}
	return refunds, nil
}

// InsertAnomaly implements Repositories. It reports false when an anomaly
// with the same dedup key already exists.
func (r *repositories) InsertAnomaly(ctx context.Context, anomaly entity.Anomaly) (bool, error) {
	return insertAnomaly(ctx, r.db, anomaly)
}

func insertAnomaly(ctx context.Context, db sqlx.ExecerContext, a entity.Anomaly) (bool, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO payment_anomalies (id, kind, provider, raw_event_id, booking_id, transaction_id, detail, raw_payload, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (dedup_key) DO NOTHING`,
		a.ID, a.Kind, a.Provider, a.RawEventID, a.BookingID, a.TransactionID, a.Detail,
		jsonOrEmpty(a.RawPayload), a.DedupKey,
	)
	if err != nil {
		return false, fmt.Errorf("insert anomaly: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// FindAnomalyByID implements Repositories.
func (r *repositories) FindAnomalyByID(ctx context.Context, id uuid.UUID) (entity.Anomaly, error) {
	var a entity.Anomaly
	err := r.db.GetContext(ctx, &a, `SELECT `+anomalyColumns+` FROM payment_anomalies WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.Anomaly{}, ErrNotFound
	}
	if err != nil {
		return entity.Anomaly{}, fmt.Errorf("find anomaly: %w", err)
	}
	return a, nil
}

// ListAnomalies implements Repositories.
func (r *repositories) ListAnomalies(ctx context.Context, unresolvedOnly bool, limit int) ([]entity.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM payment_anomalies`
	if unresolvedOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	var anomalies []entity.Anomaly
	if err := r.db.SelectContext(ctx, &anomalies, query, limit); err != nil {
		return nil, fmt.Errorf("list anomalies: %w", err)
	}
	return anomalies, nil
}

// ResolveAnomaly implements Repositories.
func (r *repositories) ResolveAnomaly(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE payment_anomalies SET resolved_at = now() WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("resolve anomaly: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func jsonOrEmpty(raw []byte) types.JSONText {
	if len(raw) == 0 {
		return types.JSONText("{}")
	}
	return types.JSONText(raw)
}

func transactionStatuses(in []entity.TransactionStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}

func paymentStatuses(in []entity.PaymentStatus) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, string(s))
	}
	return out
}
