package usecases

import (
	"context"
	"database/sql"
	"fmt"

	"payment-service/internal/module/payment/models/entity"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SweepStale flags attempts that sat in created or processing for longer than
// the configured window. It never changes their status; an operator or a late
// webhook does. Returns how many new anomalies were recorded.
func (u *usecase) SweepStale(ctx context.Context) (int, error) {
	before := u.now().Add(-u.cfg.StaleAfter)
	txns, err := u.repo.FindStaleTransactions(ctx, before, staleBatchSize)
	if err != nil {
		u.log.Error(ctx, "error find stale transactions", zap.Error(err))
		return 0, err
	}

	recorded := 0
	for _, txn := range txns {
		inserted, err := u.repo.InsertAnomaly(ctx, entity.Anomaly{
			ID:            uuid.New(),
			Kind:          entity.AnomalyStaleTransaction,
			Provider:      txn.Provider,
			BookingID:     sql.NullInt64{Int64: txn.BookingID, Valid: true},
			TransactionID: uuid.NullUUID{UUID: txn.ID, Valid: true},
			Detail:        fmt.Sprintf("%s transaction untouched since %s", txn.Status, txn.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")),
			DedupKey:      sql.NullString{String: fmt.Sprintf("sweep:%s:%s", txn.ID, txn.Status), Valid: true},
		})
		if err != nil {
			u.log.Error(ctx, "error record stale transaction", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
			return recorded, err
		}
		if inserted {
			recorded++
		}
	}

	if recorded > 0 {
		u.log.Warn(ctx, "stale payment attempts flagged", zap.Int("count", recorded), zap.Int("scanned", len(txns)))
	}
	return recorded, nil
}
