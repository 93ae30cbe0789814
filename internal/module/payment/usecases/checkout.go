package usecases

import (
	"context"
	"errors"
	"time"

	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/request"
	"payment-service/internal/module/payment/models/response"
	"payment-service/internal/module/payment/provider"
	"payment-service/internal/module/payment/repositories"
	"payment-service/internal/module/payment/resolver"
	internalErrors "payment-service/internal/pkg/errors"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Checkout reserves the booking+provider slot with a created transaction
// before calling the provider, so a double submit cannot open two attempts.
func (u *usecase) Checkout(ctx context.Context, payload *request.Checkout) (response.Checkout, error) {
	p := entity.Provider(payload.Provider)
	adapter, ok := u.registry.Get(p)
	if !ok {
		return response.Checkout{}, internalErrors.BadRequest("provider not enabled")
	}

	booking, err := u.repo.FindBookingByID(ctx, payload.BookingID)
	if errors.Is(err, repositories.ErrNotFound) {
		return response.Checkout{}, internalErrors.NotFound("booking not found")
	}
	if err != nil {
		u.log.Error(ctx, "error find booking", zap.Int64("booking_id", payload.BookingID), zap.Error(err))
		return response.Checkout{}, internalErrors.InternalServerError("error find booking")
	}
	if !payable(booking) {
		return response.Checkout{}, internalErrors.Wrap(internalErrors.UnprocessableEntity("booking is not payable"), ErrBookingNotPayable)
	}

	txn := entity.PaymentTransaction{
		ID:        uuid.New(),
		BookingID: booking.ID,
		Provider:  p,
		Status:    entity.StatusCreated,
		Amount:    booking.TotalAmount,
		Currency:  booking.Currency,
	}
	if err := u.repo.InsertTransaction(ctx, txn); err != nil {
		if errors.Is(err, repositories.ErrActiveTransactionExists) {
			return response.Checkout{}, internalErrors.Wrap(internalErrors.Conflict("a payment for this booking is already in progress"), err)
		}
		u.log.Error(ctx, "error insert transaction", zap.Error(err))
		return response.Checkout{}, internalErrors.InternalServerError("error create payment")
	}

	out, err := adapter.CreatePayment(ctx, provider.CreatePaymentInput{
		BookingID:      booking.ID,
		Amount:         booking.TotalAmount,
		Currency:       booking.Currency,
		Description:    payload.Description,
		InvoiceRef:     resolver.InvoiceRef(u.cfg.InvoicePrefix, booking.ID, txn.ID.String()),
		IdempotencyKey: txn.ID.String(),
		Token:          payload.Token,
	})
	if err != nil {
		u.failAttempt(ctx, txn, err)
		return response.Checkout{}, providerError(err)
	}

	if err := u.repo.UpdateTransactionExternalRef(ctx, txn.ID, out.ExternalRef, out.Raw); err != nil {
		// the webhook still finds the attempt through the booking reference
		u.log.Error(ctx, "error store external reference", zap.String("transaction_id", txn.ID.String()), zap.String("external_ref", out.ExternalRef), zap.Error(err))
	}

	u.log.Info(ctx, "payment created",
		zap.String("transaction_id", txn.ID.String()),
		zap.Int64("booking_id", booking.ID),
		zap.String("provider", string(p)),
		zap.String("external_ref", out.ExternalRef),
	)

	return response.Checkout{
		TransactionID: txn.ID.String(),
		Provider:      string(p),
		Status:        string(entity.StatusCreated),
		ExternalRef:   out.ExternalRef,
		RedirectURL:   out.RedirectURL,
		ClientSecret:  out.ClientSecret,
	}, nil
}

func payable(b entity.Booking) bool {
	if b.BookingStatus == entity.BookingCancelled {
		return false
	}
	switch b.PaymentStatus {
	case entity.PaymentUnpaid, entity.PaymentProcessing, entity.PaymentFailed:
		return true
	}
	return false
}

func (u *usecase) failAttempt(ctx context.Context, txn entity.PaymentTransaction, cause error) {
	raw, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if _, err := u.repo.FailTransaction(ctx, txn.ID, raw); err != nil {
		u.log.Error(ctx, "error fail transaction", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
	}
	u.log.Warn(ctx, "payment creation failed", zap.String("transaction_id", txn.ID.String()), zap.String("provider", string(txn.Provider)), zap.Error(cause))
}

// providerError maps adapter failures to API errors.
func providerError(err error) error {
	switch {
	case errors.Is(err, provider.ErrProviderUnavailable):
		return internalErrors.Wrap(internalErrors.ServiceUnavailable("payment provider unavailable"), err)
	case errors.Is(err, provider.ErrRefundExceedsCaptured):
		return internalErrors.Wrap(internalErrors.BadRequest("refund exceeds captured amount"), err)
	case errors.Is(err, provider.ErrInvalidAmount), errors.Is(err, provider.ErrInvalidRequest):
		return internalErrors.Wrap(internalErrors.BadRequest(err.Error()), err)
	}
	return internalErrors.Wrap(internalErrors.UnprocessableEntity("payment provider rejected the request"), err)
}

// GetPayment implements Usecase.
func (u *usecase) GetPayment(ctx context.Context, transactionID string) (response.Payment, error) {
	txn, err := u.transaction(ctx, transactionID)
	if err != nil {
		return response.Payment{}, err
	}
	return u.paymentView(ctx, txn)
}

// Capture asks an order/approve/capture provider to settle an approved order.
// The transaction moves when the capture webhook arrives.
func (u *usecase) Capture(ctx context.Context, transactionID string) (response.Payment, error) {
	txn, err := u.transaction(ctx, transactionID)
	if err != nil {
		return response.Payment{}, err
	}
	if err := u.capture(ctx, txn); err != nil {
		return response.Payment{}, err
	}
	return u.paymentView(ctx, txn)
}

func (u *usecase) capture(ctx context.Context, txn entity.PaymentTransaction) error {
	adapter, ok := u.registry.Get(txn.Provider)
	if !ok {
		return internalErrors.UnprocessableEntity("provider not enabled")
	}
	if adapter.Capabilities().AutoCapture {
		return internalErrors.UnprocessableEntity("provider captures automatically")
	}
	if txn.Status != entity.StatusProcessing {
		return internalErrors.Wrap(internalErrors.UnprocessableEntity("transaction is not awaiting capture"), ErrIllegalTransition)
	}

	res, err := adapter.CaptureOrConfirm(ctx, txn.ExternalTransactionID.String, "capture-"+txn.ID.String())
	if err != nil {
		u.log.Error(ctx, "error capture order", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
		return providerError(err)
	}

	u.log.Info(ctx, "capture requested",
		zap.String("transaction_id", txn.ID.String()),
		zap.String("capture_id", res.ID),
		zap.String("provider_status", res.Status),
	)
	return nil
}

func (u *usecase) transaction(ctx context.Context, transactionID string) (entity.PaymentTransaction, error) {
	id, err := uuid.Parse(transactionID)
	if err != nil {
		return entity.PaymentTransaction{}, internalErrors.BadRequest("invalid transaction id")
	}
	txn, err := u.repo.FindTransactionByID(ctx, id)
	if errors.Is(err, repositories.ErrNotFound) {
		return entity.PaymentTransaction{}, internalErrors.NotFound("payment not found")
	}
	if err != nil {
		u.log.Error(ctx, "error find transaction", zap.String("transaction_id", transactionID), zap.Error(err))
		return entity.PaymentTransaction{}, internalErrors.InternalServerError("error find payment")
	}
	return txn, nil
}

func (u *usecase) paymentView(ctx context.Context, txn entity.PaymentTransaction) (response.Payment, error) {
	refunds, err := u.repo.ListRefunds(ctx, txn.ID)
	if err != nil {
		u.log.Error(ctx, "error list refunds", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
		return response.Payment{}, internalErrors.InternalServerError("error find payment")
	}

	view := response.Payment{
		TransactionID:         txn.ID.String(),
		BookingID:             txn.BookingID,
		Provider:              string(txn.Provider),
		ExternalTransactionID: txn.ExternalTransactionID.String,
		Status:                string(txn.Status),
		Amount:                money(txn.Amount, txn.Currency),
		Currency:              txn.Currency,
		CreatedAt:             txn.CreatedAt.Format(time.RFC3339),
	}
	if txn.CompletedAt.Valid {
		view.CompletedAt = txn.CompletedAt.Time.Format(time.RFC3339)
	}

	refunded := decimal.Zero
	for _, r := range refunds {
		if r.Status == entity.RefundCompleted {
			refunded = refunded.Add(r.Amount)
		}
		view.Refunds = append(view.Refunds, refundView(r, txn.Currency))
	}
	view.RefundedAmount = money(refunded, txn.Currency)
	return view, nil
}

func refundView(r entity.RefundRecord, currency string) response.Refund {
	return response.Refund{
		ID:               r.ID.String(),
		TransactionID:    r.TransactionID.String(),
		Amount:           money(r.Amount, currency),
		Reason:           r.Reason,
		Status:           string(r.Status),
		ProviderRefundID: r.ProviderRefundID.String,
		CreatedAt:        r.CreatedAt.Format(time.RFC3339),
	}
}

func money(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(provider.Exponent(currency))
}

func anomalyView(a entity.Anomaly) response.Anomaly {
	view := response.Anomaly{
		ID:         a.ID.String(),
		Kind:       string(a.Kind),
		Provider:   string(a.Provider),
		RawEventID: a.RawEventID,
		Detail:     a.Detail,
		Resolved:   a.ResolvedAt.Valid,
		CreatedAt:  a.CreatedAt.Format(time.RFC3339),
	}
	if a.BookingID.Valid {
		view.BookingID = a.BookingID.Int64
	}
	if a.TransactionID.Valid {
		view.TransactionID = a.TransactionID.UUID.String()
	}
	return view
}
