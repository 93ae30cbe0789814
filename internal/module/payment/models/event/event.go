// Package event holds the provider-agnostic shape every webhook is normalized into.
package event

import (
	"time"

	"payment-service/internal/module/payment/models/entity"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindOrderApproved    Kind = "order_approved"
	KindCaptureCompleted Kind = "capture_completed"
	KindCaptureDenied    Kind = "capture_denied"
	KindCaptureRefunded  Kind = "capture_refunded"
	KindIgnored          Kind = "ignored"
)

// Outcome is the transaction status an event drives towards.
func (k Kind) Outcome() entity.TransactionStatus {
	switch k {
	case KindOrderApproved:
		return entity.StatusProcessing
	case KindCaptureCompleted:
		return entity.StatusCompleted
	case KindCaptureDenied:
		return entity.StatusFailed
	case KindCaptureRefunded:
		return entity.StatusRefunded
	}
	return ""
}

type CanonicalEvent struct {
	Provider              entity.Provider
	ExternalTransactionID string
	Kind                  Kind
	Amount                decimal.Decimal
	Currency              string
	OccurredAt            time.Time
	RawEventID            string

	NativeType       string
	CaptureReference string
	// RefundedTotal is the cumulative refunded amount when the provider reports it.
	RefundedTotal decimal.Decimal
	// RefundID is the provider's id of the refund a capture_refunded event
	// announces; Amount is then that refund alone.
	RefundID string
}

// References are the booking hints a provider echoed back, in resolver order.
type References struct {
	MetadataBookingID string
	FreeText          []string
}

type Notification struct {
	Event      CanonicalEvent
	References References
	Payload    []byte
}
