package usecases

import (
	"context"
	"errors"

	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/request"
	"payment-service/internal/module/payment/models/response"
	"payment-service/internal/module/payment/repositories"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// refundNamespace derives refund record ids that stay the same across task
// retries, so the provider sees one idempotency key per transaction.
var refundNamespace = uuid.MustParse("6f1c2a9e-4d0b-5c8e-9a57-3e2b1f0d7c44")

// CaptureOrder captures an approved order once its approval webhook landed.
// A transaction that moved on in the meantime is not an error.
func (u *usecase) CaptureOrder(ctx context.Context, payload *request.CaptureOrder) error {
	txn, err := u.transaction(ctx, payload.TransactionID)
	if err != nil {
		return err
	}
	if txn.Status != entity.StatusProcessing {
		u.log.Info(ctx, "capture skipped", zap.String("transaction_id", payload.TransactionID), zap.String("status", string(txn.Status)))
		return nil
	}
	return u.capture(ctx, txn)
}

// RefundOnArrival gives back money captured for a booking that was already
// paid or cancelled when the capture arrived.
func (u *usecase) RefundOnArrival(ctx context.Context, payload *request.RefundOnArrival) error {
	txn, err := u.transaction(ctx, payload.TransactionID)
	if err != nil {
		return err
	}
	if txn.Status != entity.StatusCompleted {
		u.log.Info(ctx, "refund on arrival skipped", zap.String("transaction_id", payload.TransactionID), zap.String("status", string(txn.Status)))
		return nil
	}

	id := uuid.NewSHA1(refundNamespace, []byte("refund-on-arrival:"+txn.ID.String()))

	refunds, err := u.repo.ListRefunds(ctx, txn.ID)
	if err != nil {
		return err
	}
	for _, r := range refunds {
		if r.ID != id {
			continue
		}
		if r.Status != entity.RefundRequested {
			return nil
		}
		_, err = u.executeRefund(ctx, txn, r)
		return err
	}

	reserved, err := u.repo.SumRefunds(ctx, txn.ID, entity.RefundRequested, entity.RefundCompleted)
	if err != nil {
		return err
	}
	remaining := txn.Amount.Sub(reserved)
	if !remaining.IsPositive() {
		return nil
	}

	record := entity.RefundRecord{
		ID:            id,
		TransactionID: txn.ID,
		Amount:        remaining,
		Reason:        payload.Reason,
		Status:        entity.RefundRequested,
		CreatedAt:     u.now().UTC(),
	}
	if err := u.repo.CreateRefund(ctx, record); err != nil {
		if errors.Is(err, repositories.ErrRefundExceedsRemaining) || errors.Is(err, repositories.ErrNotRefundable) {
			u.log.Warn(ctx, "refund on arrival no longer applicable", zap.String("transaction_id", payload.TransactionID), zap.Error(err))
			return nil
		}
		return err
	}

	u.log.Warn(ctx, "refunding payment for a booking that was not awaiting it",
		zap.String("transaction_id", payload.TransactionID),
		zap.Int64("booking_id", txn.BookingID),
		zap.String("amount", remaining.String()),
	)
	_, err = u.executeRefund(ctx, txn, record)
	return err
}

// NotifyOutcome tells the rest of the system a booking's payment settled.
func (u *usecase) NotifyOutcome(ctx context.Context, payload *request.NotifyOutcome) error {
	body, err := json.Marshal(response.OutcomeMessage{
		BookingID:     payload.BookingID,
		TransactionID: payload.TransactionID,
		Outcome:       payload.Outcome,
		OccurredAt:    payload.OccurredAt,
	})
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), body)
	if err := u.publisher.Publish(TopicPaymentOutcome, msg); err != nil {
		u.log.Error(ctx, "error publish payment outcome", zap.Int64("booking_id", payload.BookingID), zap.Error(err))
		return err
	}
	return nil
}
