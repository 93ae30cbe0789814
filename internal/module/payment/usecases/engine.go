package usecases

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/event"
	"payment-service/internal/module/payment/models/request"
	"payment-service/internal/module/payment/provider"
	"payment-service/internal/module/payment/repositories"
	"payment-service/internal/module/payment/resolver"
	"payment-service/internal/pkg/scheduler"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
	"go.elastic.co/apm"
	"go.uber.org/zap"
)

const refundCancellationReason = "payment refunded"

type reconcileOptions struct {
	// dedupKey replaces the provider event id as the dedup marker key.
	dedupKey string
	// replayOf is the anomaly being replayed; it is resolved when the event lands.
	replayOf uuid.NullUUID
	// bookingID skips resolution, set by an operator on replay.
	bookingID int64
}

type action int

const (
	actionApply action = iota
	actionNoop
	actionStale
	actionHold
)

type decision struct {
	action  action
	next    entity.TransactionStatus
	anomaly entity.AnomalyKind
	detail  string
}

// decide is the transition table. refunded is the cumulative refunded amount
// and only matters for capture_refunded.
func decide(ev event.CanonicalEvent, txn entity.PaymentTransaction, autoCapture bool, refunded decimal.Decimal) decision {
	illegal := decision{
		action:  actionHold,
		anomaly: entity.AnomalyIllegalTransition,
		detail:  fmt.Sprintf("%v: %s on %s transaction", ErrIllegalTransition, ev.Kind, txn.Status),
	}

	switch ev.Kind {
	case event.KindOrderApproved:
		switch txn.Status {
		case entity.StatusCreated:
			return decision{action: actionApply, next: entity.StatusProcessing}
		case entity.StatusProcessing:
			return decision{action: actionNoop}
		default:
			return decision{action: actionStale}
		}

	case event.KindCaptureCompleted:
		switch txn.Status {
		case entity.StatusCreated:
			if !autoCapture {
				return illegal
			}
		case entity.StatusProcessing:
		case entity.StatusCompleted:
			return decision{action: actionNoop}
		case entity.StatusRefunded:
			return decision{action: actionStale}
		default:
			return illegal
		}
		if mismatch := amountMismatch(ev, txn); mismatch != "" {
			return decision{action: actionHold, anomaly: entity.AnomalyAmountMismatch, detail: mismatch}
		}
		return decision{action: actionApply, next: entity.StatusCompleted}

	case event.KindCaptureDenied:
		switch txn.Status {
		case entity.StatusCreated, entity.StatusProcessing:
			return decision{action: actionApply, next: entity.StatusFailed}
		case entity.StatusFailed:
			return decision{action: actionNoop}
		default:
			return illegal
		}

	case event.KindCaptureRefunded:
		switch txn.Status {
		case entity.StatusCompleted:
			if refunded.GreaterThanOrEqual(txn.Amount) {
				return decision{action: actionApply, next: entity.StatusRefunded}
			}
			return decision{action: actionNoop, detail: fmt.Sprintf("partial refund %s of %s", refunded, txn.Amount)}
		case entity.StatusRefunded:
			return decision{action: actionNoop}
		default:
			return illegal
		}
	}

	return decision{action: actionNoop}
}

func amountMismatch(ev event.CanonicalEvent, txn entity.PaymentTransaction) string {
	if ev.Amount.IsZero() {
		return ""
	}
	if !ev.Amount.Equal(txn.Amount) || (ev.Currency != "" && !strings.EqualFold(ev.Currency, txn.Currency)) {
		return fmt.Sprintf("captured %s %s, expected %s %s", ev.Amount, ev.Currency, txn.Amount, txn.Currency)
	}
	return ""
}

// reconcile drives one canonical event through resolution, the transition
// table and the atomic write. Every returned outcome is safe to acknowledge;
// an error means nothing was recorded and the provider should retry.
func (u *usecase) reconcile(ctx context.Context, n event.Notification, opts reconcileOptions) (entity.Outcome, error) {
	span, ctx := apm.StartSpan(ctx, "reconcile", "app")
	defer span.End()

	ev := n.Event
	fields := []zap.Field{
		zap.String("provider", string(ev.Provider)),
		zap.String("event_id", ev.RawEventID),
		zap.String("kind", string(ev.Kind)),
		zap.String("native_type", ev.NativeType),
	}

	if ev.Kind == event.KindIgnored {
		u.log.Info(ctx, "ignored provider event", fields...)
		return entity.OutcomeIgnored, nil
	}

	markerKey := ev.RawEventID
	if opts.dedupKey != "" {
		markerKey = opts.dedupKey
	}
	if markerKey == "" {
		return "", fmt.Errorf("%w: event without id", provider.ErrMalformedEvent)
	}

	autoCapture := false
	if adapter, ok := u.registry.Get(ev.Provider); ok {
		autoCapture = adapter.Capabilities().AutoCapture
	}

	bookingID := opts.bookingID
	if bookingID == 0 {
		res, err := u.resolver.Resolve(ctx, ev, n.References)
		if errors.Is(err, resolver.ErrBookingNotResolvable) {
			return u.hold(ctx, n, markerKey, opts, holdInfo{
				kind:   entity.AnomalyUnresolvableBooking,
				detail: "no booking reference in metadata, invoice reference or known transaction",
			})
		}
		if err != nil {
			return "", err
		}
		bookingID = res.BookingID
		fields = append(fields, zap.String("resolved_by", string(res.Source)))
	}
	fields = append(fields, zap.Int64("booking_id", bookingID))

	for attempt := 0; attempt < maxCompareAndSwapTry; attempt++ {
		txn, byRef, err := u.findTransaction(ctx, ev, bookingID)
		if errors.Is(err, repositories.ErrNotFound) {
			return u.hold(ctx, n, markerKey, opts, holdInfo{
				kind:      entity.AnomalyTransactionNotFound,
				bookingID: bookingID,
				detail:    fmt.Sprintf("no %s transaction %q for booking %d", ev.Provider, ev.ExternalTransactionID, bookingID),
			})
		}
		if err != nil {
			return "", err
		}
		if byRef && txn.BookingID != bookingID {
			return u.hold(ctx, n, markerKey, opts, holdInfo{
				kind:          entity.AnomalyBookingMismatch,
				bookingID:     bookingID,
				transactionID: uuid.NullUUID{UUID: txn.ID, Valid: true},
				detail:        fmt.Sprintf("event references booking %d, %s transaction %s belongs to booking %d", bookingID, ev.Provider, txn.ID, txn.BookingID),
			})
		}

		refunded := decimal.Zero
		if ev.Kind == event.KindCaptureRefunded {
			if refunded, err = u.cumulativeRefund(ctx, ev, txn); err != nil {
				return "", err
			}
		}

		d := decide(ev, txn, autoCapture, refunded)
		if d.action == actionHold {
			return u.hold(ctx, n, markerKey, opts, holdInfo{
				kind:          d.anomaly,
				bookingID:     txn.BookingID,
				transactionID: uuid.NullUUID{UUID: txn.ID, Valid: true},
				detail:        d.detail,
			})
		}

		rec := entity.Reconciliation{
			Provider:         ev.Provider,
			RawEventID:       markerKey,
			EventKind:        string(ev.Kind),
			TransactionID:    txn.ID,
			ResolveAnomalyID: opts.replayOf,
		}
		if d.action == actionApply {
			u.applyTransition(&rec, ev, txn, d.next)
		}
		if ev.Kind == event.KindCaptureRefunded && ev.RefundID != "" && ev.Amount.IsPositive() {
			rec.Refund = &entity.ReportedRefund{ProviderRefundID: ev.RefundID, Amount: ev.Amount}
		}

		result, err := u.repo.ApplyReconciliation(ctx, rec)
		if err != nil {
			return "", err
		}
		if result.Duplicate {
			u.log.Info(ctx, "duplicate provider event", fields...)
			return entity.OutcomeDuplicate, nil
		}

		switch d.action {
		case actionNoop:
			u.log.Info(ctx, "provider event already reflected", append(fields, zap.String("status", string(txn.Status)), zap.String("detail", d.detail))...)
			if rec.Refund != nil && txn.Status == entity.StatusCompleted {
				u.settleRefunds(ctx, txn)
			}
			return entity.OutcomeNoop, nil
		case actionStale:
			u.log.Info(ctx, "stale provider event discarded", append(fields, zap.String("status", string(txn.Status)))...)
			return entity.OutcomeStale, nil
		}

		if !result.TransactionUpdated {
			// the status moved between read and write, decide again on the new state
			continue
		}

		u.log.Info(ctx, "payment transition applied", append(fields,
			zap.String("transaction_id", txn.ID.String()),
			zap.String("from", string(txn.Status)),
			zap.String("to", string(d.next)),
			zap.Bool("booking_updated", result.BookingUpdated),
		)...)
		u.afterCommit(ctx, txn, d.next, autoCapture, result)
		return entity.OutcomeApplied, nil
	}

	u.log.Warn(ctx, "provider event lost every compare-and-swap attempt", fields...)
	return entity.OutcomeStale, nil
}

// findTransaction looks the attempt up by the provider's own ids, falling back
// to the latest attempt for the booking when the event names an id we never
// stored (e.g. a payment created from a preference). byRef reports a match on
// the provider ids.
func (u *usecase) findTransaction(ctx context.Context, ev event.CanonicalEvent, bookingID int64) (txn entity.PaymentTransaction, byRef bool, err error) {
	for _, ref := range []string{ev.ExternalTransactionID, ev.CaptureReference} {
		if ref == "" {
			continue
		}
		txn, err = u.repo.FindTransactionByExternalID(ctx, ev.Provider, ref)
		if err == nil {
			return txn, true, nil
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return entity.PaymentTransaction{}, false, err
		}
	}
	txn, err = u.repo.FindLatestTransaction(ctx, bookingID, ev.Provider)
	return txn, false, err
}

// cumulativeRefund is the amount refunded so far including this event. An
// event naming its refund carries that refund alone and is added to the
// others; one without an id may already be counted by a completed record.
func (u *usecase) cumulativeRefund(ctx context.Context, ev event.CanonicalEvent, txn entity.PaymentTransaction) (decimal.Decimal, error) {
	others, err := u.repo.SumRefunded(ctx, txn.ID, ev.RefundID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Max(others, ev.Amount)
	if ev.RefundID != "" {
		total = others.Add(ev.Amount)
	}
	return decimal.Max(total, ev.RefundedTotal), nil
}

// settleRefunds closes a completed payment whose refunds reached the captured
// amount over several events. Partial refund events committed side by side
// each count only the refunds stored before them; the later one settles.
func (u *usecase) settleRefunds(ctx context.Context, txn entity.PaymentTransaction) {
	total, err := u.repo.SumRefunded(ctx, txn.ID, "")
	if err != nil {
		u.log.Error(ctx, "error sum refunded", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
		return
	}
	if total.LessThan(txn.Amount) {
		return
	}

	n := event.Notification{
		Event: event.CanonicalEvent{
			Provider:              txn.Provider,
			ExternalTransactionID: firstNonEmpty(txn.ExternalTransactionID.String, txn.CaptureReference.String),
			Kind:                  event.KindCaptureRefunded,
			Currency:              txn.Currency,
			OccurredAt:            u.now().UTC(),
			RawEventID:            "refunded:" + txn.ID.String(),
			NativeType:            "refund.settle",
			RefundedTotal:         total,
		},
	}
	outcome, err := u.reconcile(ctx, n, reconcileOptions{bookingID: txn.BookingID})
	if err != nil {
		u.log.Error(ctx, "error settle refunds", zap.String("transaction_id", txn.ID.String()), zap.Error(err))
		return
	}
	u.log.Info(ctx, "refunds settled", zap.String("transaction_id", txn.ID.String()), zap.String("total", total.String()), zap.String("outcome", string(outcome)))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func (u *usecase) applyTransition(rec *entity.Reconciliation, ev event.CanonicalEvent, txn entity.PaymentTransaction, next entity.TransactionStatus) {
	now := u.now().UTC()
	rec.ExpectedStatuses = []entity.TransactionStatus{txn.Status}
	rec.NextStatus = next
	rec.CaptureReference = ev.CaptureReference

	switch next {
	case entity.StatusCompleted:
		rec.CompletedAt = &now
		rec.Booking = &entity.BookingPaymentUpdate{
			BookingID:               txn.BookingID,
			ExpectedPaymentStatuses: []entity.PaymentStatus{entity.PaymentUnpaid, entity.PaymentProcessing, entity.PaymentFailed},
			PaymentStatus:           entity.PaymentPaid,
			BookingStatus:           entity.BookingConfirmed,
			ConfirmedAt:             &now,
		}
		rec.MarkBookingApplied = true
		rec.ConflictAnomaly = &entity.Anomaly{
			Kind:          entity.AnomalyDuplicateBookingPayment,
			Provider:      txn.Provider,
			RawEventID:    ev.RawEventID,
			BookingID:     sql.NullInt64{Int64: txn.BookingID, Valid: true},
			TransactionID: uuid.NullUUID{UUID: txn.ID, Valid: true},
			Detail:        fmt.Sprintf("booking %d is not awaiting payment, %s %s captured by %s will be refunded", txn.BookingID, txn.Amount, txn.Currency, txn.Provider),
			DedupKey:      sql.NullString{String: "conflict:" + txn.ID.String(), Valid: true},
		}

	case entity.StatusFailed:
		rec.CompletedAt = &now
		rec.Booking = &entity.BookingPaymentUpdate{
			BookingID:               txn.BookingID,
			ExpectedPaymentStatuses: []entity.PaymentStatus{entity.PaymentUnpaid, entity.PaymentProcessing},
			PaymentStatus:           entity.PaymentFailed,
		}

	case entity.StatusRefunded:
		// only the attempt that confirmed the booking may cancel it
		if txn.BookingApplied {
			rec.Booking = &entity.BookingPaymentUpdate{
				BookingID:               txn.BookingID,
				ExpectedPaymentStatuses: []entity.PaymentStatus{entity.PaymentPaid},
				PaymentStatus:           entity.PaymentRefunded,
				BookingStatus:           entity.BookingCancelled,
				CancelledAt:             &now,
				CancellationReason:      refundCancellationReason,
			}
		}
	}
}

// afterCommit queues the slow side effects of an applied transition. Failures
// are logged only; the transition itself is already durable.
func (u *usecase) afterCommit(ctx context.Context, txn entity.PaymentTransaction, next entity.TransactionStatus, autoCapture bool, result entity.ReconciliationResult) {
	if next == entity.StatusProcessing && !autoCapture {
		u.enqueue(ctx, scheduler.TypeCaptureOrder, request.CaptureOrder{TransactionID: txn.ID.String()}, "capture:"+txn.ID.String())
	}

	if result.BookingConflict {
		u.enqueue(ctx, scheduler.TypeRefundOnArrival, request.RefundOnArrival{
			TransactionID: txn.ID.String(),
			Reason:        "booking already paid",
		}, "refund-on-arrival:"+txn.ID.String())
	}

	if !result.BookingUpdated {
		return
	}
	outcome := map[entity.TransactionStatus]entity.PaymentStatus{
		entity.StatusCompleted: entity.PaymentPaid,
		entity.StatusFailed:    entity.PaymentFailed,
		entity.StatusRefunded:  entity.PaymentRefunded,
	}[next]
	if outcome == "" {
		return
	}
	u.enqueue(ctx, scheduler.TypeNotifyOutcome, request.NotifyOutcome{
		BookingID:     txn.BookingID,
		TransactionID: txn.ID.String(),
		Outcome:       string(outcome),
		OccurredAt:    u.now().UTC().Format(time.RFC3339),
	}, fmt.Sprintf("notify:%s:%s", txn.ID, next))
}

func (u *usecase) enqueue(ctx context.Context, taskType string, payload interface{}, uniqueID string) {
	if u.tasks == nil {
		return
	}
	if err := u.tasks.Enqueue(ctx, taskType, payload, uniqueID); err != nil {
		u.log.Error(ctx, "error enqueue task", zap.String("type", taskType), zap.String("unique_id", uniqueID), zap.Error(err))
	}
}

type holdInfo struct {
	kind          entity.AnomalyKind
	bookingID     int64
	transactionID uuid.NullUUID
	detail        string
}

// hold records the event as an anomaly together with its dedup marker, so the
// provider is acknowledged only once the payload is durably kept. A replay
// that is still unresolvable writes nothing and leaves the anomaly open.
func (u *usecase) hold(ctx context.Context, n event.Notification, markerKey string, opts reconcileOptions, info holdInfo) (entity.Outcome, error) {
	fields := []zap.Field{
		zap.String("provider", string(n.Event.Provider)),
		zap.String("event_id", n.Event.RawEventID),
		zap.String("kind", string(n.Event.Kind)),
		zap.String("anomaly", string(info.kind)),
		zap.String("detail", info.detail),
	}

	if opts.replayOf.Valid {
		u.log.Warn(ctx, "replayed event still held", append(fields, zap.String("anomaly_id", opts.replayOf.UUID.String()))...)
		return entity.OutcomeHeld, nil
	}

	anomaly := &entity.Anomaly{
		ID:            uuid.New(),
		Kind:          info.kind,
		Provider:      n.Event.Provider,
		RawEventID:    n.Event.RawEventID,
		TransactionID: info.transactionID,
		Detail:        info.detail,
		RawPayload:    types.JSONText(n.Payload),
	}
	if info.bookingID > 0 {
		anomaly.BookingID = sql.NullInt64{Int64: info.bookingID, Valid: true}
	}

	result, err := u.repo.ApplyReconciliation(ctx, entity.Reconciliation{
		Provider:   n.Event.Provider,
		RawEventID: markerKey,
		EventKind:  string(n.Event.Kind),
		Anomaly:    anomaly,
	})
	if err != nil {
		return "", err
	}
	if result.Duplicate {
		return entity.OutcomeDuplicate, nil
	}

	u.log.Error(ctx, "provider event held for manual reconciliation", append(fields, zap.String("anomaly_id", anomaly.ID.String()))...)
	return entity.OutcomeHeld, nil
}
