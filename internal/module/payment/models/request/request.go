package request

import (
	"github.com/shopspring/decimal"
)

type Checkout struct {
	BookingID   int64  `json:"booking_id" validate:"required,gt=0"`
	Provider    string `json:"provider" validate:"required,oneof=card paypal mercadopago"`
	Description string `json:"description" validate:"max=255"`
	// Token is the tokenized card, card provider only.
	Token string `json:"token"`
}

type Refund struct {
	// Amount nil refunds the whole remaining captured balance.
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason" validate:"required,max=255"`
}

type ListAnomalies struct {
	Unresolved bool `query:"unresolved"`
	Limit      int  `query:"limit" validate:"omitempty,min=1,max=500"`
}

type Replay struct {
	BookingID int64 `json:"booking_id" validate:"omitempty,gt=0"`
}

type ReplayMessage struct {
	AnomalyID string `json:"anomaly_id" validate:"required,uuid"`
	BookingID int64  `json:"booking_id"`
}

type PoisonedQueue struct {
	TopicTarget string      `json:"topic_target" validate:"required"`
	ErrorMsg    string      `json:"error_msg" validate:"required"`
	Payload     interface{} `json:"payload" validate:"required"`
}

type CaptureOrder struct {
	TransactionID string `json:"transaction_id" validate:"required,uuid"`
}

type RefundOnArrival struct {
	TransactionID string `json:"transaction_id" validate:"required,uuid"`
	Reason        string `json:"reason" validate:"required"`
}

type NotifyOutcome struct {
	BookingID     int64  `json:"booking_id" validate:"required"`
	TransactionID string `json:"transaction_id" validate:"required,uuid"`
	Outcome       string `json:"outcome" validate:"required,oneof=paid failed refunded"`
	OccurredAt    string `json:"occurred_at"`
}
