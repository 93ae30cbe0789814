package usecases

import (
	"context"
	"errors"

	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/event"
	"payment-service/internal/module/payment/models/request"
	"payment-service/internal/module/payment/models/response"
	"payment-service/internal/module/payment/provider"
	"payment-service/internal/module/payment/repositories"
	internalErrors "payment-service/internal/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Refund issues a partial or full refund of a completed payment. The amount
// is checked against the remaining balance here and again under a row lock,
// so nothing over the captured amount ever reaches the provider.
func (u *usecase) Refund(ctx context.Context, transactionID string, payload *request.Refund) (response.Refund, error) {
	txn, err := u.transaction(ctx, transactionID)
	if err != nil {
		return response.Refund{}, err
	}
	if txn.Status != entity.StatusCompleted {
		return response.Refund{}, internalErrors.Wrap(internalErrors.UnprocessableEntity("only completed payments can be refunded"), ErrRefundNotAllowed)
	}

	reserved, err := u.repo.SumRefunds(ctx, txn.ID, entity.RefundRequested, entity.RefundCompleted)
	if err != nil {
		u.log.Error(ctx, "error sum refunds", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
		return response.Refund{}, internalErrors.InternalServerError("error create refund")
	}
	remaining := txn.Amount.Sub(reserved)

	amount := remaining
	if payload.Amount != nil {
		amount = *payload.Amount
	}
	switch {
	case payload.Amount == nil && !remaining.IsPositive():
		return response.Refund{}, internalErrors.Wrap(internalErrors.UnprocessableEntity("nothing left to refund"), ErrRefundNotAllowed)
	case !amount.IsPositive():
		return response.Refund{}, internalErrors.Wrap(internalErrors.BadRequest("refund amount must be positive"), provider.ErrInvalidAmount)
	case amount.GreaterThan(remaining):
		return response.Refund{}, internalErrors.Wrap(internalErrors.BadRequest("refund exceeds captured amount"), provider.ErrRefundExceedsCaptured)
	}

	record := entity.RefundRecord{
		ID:            uuid.New(),
		TransactionID: txn.ID,
		Amount:        amount,
		Reason:        payload.Reason,
		Status:        entity.RefundRequested,
		CreatedAt:     u.now().UTC(),
	}
	if err := u.repo.CreateRefund(ctx, record); err != nil {
		return response.Refund{}, refundStoreError(err)
	}

	record, err = u.executeRefund(ctx, txn, record)
	if err != nil {
		return response.Refund{}, err
	}
	return refundView(record, txn.Currency), nil
}

func refundStoreError(err error) error {
	switch {
	case errors.Is(err, repositories.ErrRefundExceedsRemaining):
		return internalErrors.Wrap(internalErrors.BadRequest("refund exceeds captured amount"), provider.ErrRefundExceedsCaptured)
	case errors.Is(err, repositories.ErrNotRefundable):
		return internalErrors.Wrap(internalErrors.UnprocessableEntity("only completed payments can be refunded"), ErrRefundNotAllowed)
	case errors.Is(err, repositories.ErrNotFound):
		return internalErrors.NotFound("payment not found")
	}
	return internalErrors.Wrap(internalErrors.InternalServerError("error create refund"), err)
}

// executeRefund sends a requested refund to the provider with the record id
// as idempotency key and records the answer.
func (u *usecase) executeRefund(ctx context.Context, txn entity.PaymentTransaction, record entity.RefundRecord) (entity.RefundRecord, error) {
	adapter, ok := u.registry.Get(txn.Provider)
	if !ok {
		return record, internalErrors.UnprocessableEntity("provider not enabled")
	}

	amount := record.Amount
	res, err := adapter.Refund(ctx, provider.RefundInput{
		ExternalRef:    txn.ExternalTransactionID.String,
		CaptureRef:     txn.CaptureReference.String,
		Amount:         &amount,
		Captured:       txn.Amount,
		Currency:       txn.Currency,
		BookingID:      txn.BookingID,
		IdempotencyKey: record.ID.String(),
	})
	if err != nil {
		u.log.Error(ctx, "error refund payment", zap.String("transaction_id", txn.ID.String()), zap.String("refund_id", record.ID.String()), zap.Error(err))
		// an unavailable provider may still have executed the refund, the
		// record stays requested so a retry reuses the same idempotency key
		if !errors.Is(err, provider.ErrProviderUnavailable) {
			if ferr := u.repo.FailRefund(ctx, record.ID); ferr != nil {
				u.log.Error(ctx, "error fail refund", zap.String("refund_id", record.ID.String()), zap.Error(ferr))
			}
			record.Status = entity.RefundFailed
		}
		return record, providerError(err)
	}

	if err := u.repo.CompleteRefund(ctx, record.ID, res.ID); err != nil {
		u.log.Error(ctx, "error complete refund", zap.String("refund_id", record.ID.String()), zap.Error(err))
		return record, internalErrors.InternalServerError("refund issued but not recorded")
	}
	record.Status = entity.RefundCompleted
	record.ProviderRefundID.String, record.ProviderRefundID.Valid = res.ID, res.ID != ""

	u.log.Info(ctx, "refund completed",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("refund_id", record.ID.String()),
		zap.String("amount", record.Amount.String()),
	)

	if !u.cfg.RefundSyncTransition {
		return record, nil
	}
	// refunds still requested may yet fail, only returned money counts
	total, err := u.repo.SumRefunded(ctx, txn.ID, "")
	if err != nil {
		u.log.Error(ctx, "error sum refunded", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
		return record, nil
	}
	if total.GreaterThanOrEqual(txn.Amount) {
		u.applyRefundTransition(ctx, txn, record, total)
	}
	return record, nil
}

// applyRefundTransition drives the full-refund transition without waiting for
// the provider webhook. It goes through the engine, so the later webhook is a no-op.
func (u *usecase) applyRefundTransition(ctx context.Context, txn entity.PaymentTransaction, record entity.RefundRecord, total decimal.Decimal) {
	n := event.Notification{
		Event: event.CanonicalEvent{
			Provider:              txn.Provider,
			ExternalTransactionID: txn.ExternalTransactionID.String,
			Kind:                  event.KindCaptureRefunded,
			Amount:                record.Amount,
			Currency:              txn.Currency,
			OccurredAt:            u.now().UTC(),
			RawEventID:            "refund:" + record.ID.String(),
			NativeType:            "refund.sync",
			RefundedTotal:         total,
		},
	}
	if n.Event.ExternalTransactionID == "" {
		n.Event.ExternalTransactionID = txn.CaptureReference.String
	}

	outcome, err := u.reconcile(ctx, n, reconcileOptions{bookingID: txn.BookingID})
	if err != nil {
		u.log.Error(ctx, "error apply refund transition", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
		return
	}
	u.log.Info(ctx, "refund transition applied", zap.String("transaction_id", txn.ID.String()), zap.String("outcome", string(outcome)))
}
