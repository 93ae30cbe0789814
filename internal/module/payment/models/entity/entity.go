package entity

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"
	"github.com/shopspring/decimal"
)

type Provider string

const (
	ProviderCard        Provider = "card"
	ProviderPayPal      Provider = "paypal"
	ProviderMercadoPago Provider = "mercadopago"
)

func (p Provider) Valid() bool {
	switch p {
	case ProviderCard, ProviderPayPal, ProviderMercadoPago:
		return true
	}
	return false
}

type TransactionStatus string

const (
	StatusCreated    TransactionStatus = "created"
	StatusProcessing TransactionStatus = "processing"
	StatusCompleted  TransactionStatus = "completed"
	StatusFailed     TransactionStatus = "failed"
	StatusRefunded   TransactionStatus = "refunded"
)

// Active reports whether the attempt still holds the booking+provider slot.
func (s TransactionStatus) Active() bool {
	return s == StatusCreated || s == StatusProcessing
}

type PaymentStatus string

const (
	PaymentUnpaid     PaymentStatus = "unpaid"
	PaymentProcessing PaymentStatus = "processing"
	PaymentPaid       PaymentStatus = "paid"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

type RefundStatus string

const (
	RefundRequested RefundStatus = "requested"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

type AnomalyKind string

const (
	AnomalyUnresolvableBooking     AnomalyKind = "unresolvable_booking"
	AnomalyIllegalTransition       AnomalyKind = "illegal_transition"
	AnomalyDuplicateBookingPayment AnomalyKind = "duplicate_booking_payment"
	AnomalyTransactionNotFound     AnomalyKind = "transaction_not_found"
	AnomalyAmountMismatch          AnomalyKind = "amount_mismatch"
	AnomalyStaleTransaction        AnomalyKind = "stale_transaction"
	AnomalyBookingMismatch         AnomalyKind = "booking_mismatch"
)

// Replayable reports whether the stored payload is a provider event that can
// be run through reconciliation again.
func (k AnomalyKind) Replayable() bool {
	switch k {
	case AnomalyUnresolvableBooking, AnomalyTransactionNotFound, AnomalyIllegalTransition, AnomalyAmountMismatch,
		AnomalyBookingMismatch:
		return true
	}
	return false
}

// Outcome is what happened to one inbound event. Every outcome is acknowledged.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNoop      Outcome = "noop"
	OutcomeStale     Outcome = "stale"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeHeld      Outcome = "held"
)

type Booking struct {
	ID                 int64           `db:"id"`
	TotalAmount        decimal.Decimal `db:"total_amount"`
	Currency           string          `db:"currency"`
	BookingStatus      BookingStatus   `db:"booking_status"`
	PaymentStatus      PaymentStatus   `db:"payment_status"`
	ConfirmedAt        sql.NullTime    `db:"confirmed_at"`
	CancelledAt        sql.NullTime    `db:"cancelled_at"`
	CancellationReason sql.NullString  `db:"cancellation_reason"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

type PaymentTransaction struct {
	ID                    uuid.UUID         `db:"id"`
	BookingID             int64             `db:"booking_id"`
	Provider              Provider          `db:"provider"`
	ExternalTransactionID sql.NullString    `db:"external_transaction_id"`
	CaptureReference      sql.NullString    `db:"capture_reference"`
	Status                TransactionStatus `db:"status"`
	Amount                decimal.Decimal   `db:"amount"`
	Currency              string            `db:"currency"`
	BookingApplied        bool              `db:"booking_applied"`
	RawProviderPayload    types.JSONText    `db:"raw_provider_payload"`
	CreatedAt             time.Time         `db:"created_at"`
	CompletedAt           sql.NullTime      `db:"completed_at"`
	UpdatedAt             time.Time         `db:"updated_at"`
}

type RefundRecord struct {
	ID               uuid.UUID       `db:"id"`
	TransactionID    uuid.UUID       `db:"transaction_id"`
	Amount           decimal.Decimal `db:"amount"`
	Reason           string          `db:"reason"`
	Status           RefundStatus    `db:"status"`
	ProviderRefundID sql.NullString  `db:"provider_refund_id"`
	CreatedAt        time.Time       `db:"created_at"`
	CompletedAt      sql.NullTime    `db:"completed_at"`
}

type Anomaly struct {
	ID            uuid.UUID      `db:"id"`
	Kind          AnomalyKind    `db:"kind"`
	Provider      Provider       `db:"provider"`
	RawEventID    string         `db:"raw_event_id"`
	BookingID     sql.NullInt64  `db:"booking_id"`
	TransactionID uuid.NullUUID  `db:"transaction_id"`
	Detail        string         `db:"detail"`
	RawPayload    types.JSONText `db:"raw_payload"`
	DedupKey      sql.NullString `db:"dedup_key"`
	ResolvedAt    sql.NullTime   `db:"resolved_at"`
	CreatedAt     time.Time      `db:"created_at"`
}

// BookingPaymentUpdate is a conditional write on the booking: it only lands
// while payment_status is one of ExpectedPaymentStatuses and the booking is
// not cancelled.
type BookingPaymentUpdate struct {
	BookingID               int64
	ExpectedPaymentStatuses []PaymentStatus
	PaymentStatus           PaymentStatus
	BookingStatus           BookingStatus
	ConfirmedAt             *time.Time
	CancelledAt             *time.Time
	CancellationReason      string
}

// Reconciliation is every write produced by one event, applied in a single
// database transaction. The dedup marker goes first; if it already exists
// nothing else is written.
type Reconciliation struct {
	Provider   Provider
	RawEventID string
	EventKind  string

	TransactionID    uuid.UUID
	ExpectedStatuses []TransactionStatus
	NextStatus       TransactionStatus
	CaptureReference string
	CompletedAt      *time.Time

	Booking            *BookingPaymentUpdate
	MarkBookingApplied bool
	// ConflictAnomaly is recorded when Booking does not land.
	ConflictAnomaly *Anomaly

	// Refund is a provider reported refund, kept once per provider refund id.
	Refund *ReportedRefund

	Anomaly          *Anomaly
	ResolveAnomalyID uuid.NullUUID
}

type ReportedRefund struct {
	ProviderRefundID string
	Amount           decimal.Decimal
}

type ReconciliationResult struct {
	Duplicate          bool
	TransactionUpdated bool
	BookingUpdated     bool
	BookingConflict    bool
}
