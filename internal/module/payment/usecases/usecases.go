package usecases

import (
	"context"
	"errors"
	"net/http"
	"time"

	"payment-service/config"
	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/event"
	"payment-service/internal/module/payment/models/request"
	"payment-service/internal/module/payment/models/response"
	"payment-service/internal/module/payment/provider"
	"payment-service/internal/module/payment/repositories"
	"payment-service/internal/module/payment/resolver"
	"payment-service/internal/pkg/log"

	"github.com/ThreeDotsLabs/watermill/message"
)

var (
	ErrIllegalTransition = errors.New("illegal transition")
	ErrRefundNotAllowed  = errors.New("refund not allowed")
	ErrBookingNotPayable = errors.New("booking is not payable")
)

const (
	TopicPaymentOutcome  = "payment_outcome"
	TopicAnomalyReplay   = "payment_anomaly_replay"
	TopicPoisonedQueue   = "poisoned_queue"
	defaultAnomalyLimit  = 100
	staleBatchSize       = 200
	maxCompareAndSwapTry = 3
)

// TaskQueue defers slow side effects to the background worker. A non-empty
// uniqueID makes the enqueue idempotent.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskType string, payload interface{}, uniqueID string) error
}

type BookingResolver interface {
	Resolve(ctx context.Context, ev event.CanonicalEvent, refs event.References) (resolver.Resolution, error)
}

type usecase struct {
	repo      repositories.Repositories
	registry  *provider.Registry
	resolver  BookingResolver
	tasks     TaskQueue
	publisher message.Publisher
	cfg       *config.ReconciliationConfig
	log       log.Logger
	now       func() time.Time
}

type Usecase interface {
	// http
	HandleWebhook(ctx context.Context, providerName string, headers http.Header, body []byte) (response.WebhookAck, error)
	Checkout(ctx context.Context, payload *request.Checkout) (response.Checkout, error)
	GetPayment(ctx context.Context, transactionID string) (response.Payment, error)
	Capture(ctx context.Context, transactionID string) (response.Payment, error)
	Refund(ctx context.Context, transactionID string, payload *request.Refund) (response.Refund, error)
	ListAnomalies(ctx context.Context, payload *request.ListAnomalies) ([]response.Anomaly, error)
	RequestReplay(ctx context.Context, anomalyID string, payload *request.Replay) error
	ResolveAnomaly(ctx context.Context, anomalyID string) error
	// message stream
	Replay(ctx context.Context, payload *request.ReplayMessage) (entity.Outcome, error)
	// scheduler
	CaptureOrder(ctx context.Context, payload *request.CaptureOrder) error
	RefundOnArrival(ctx context.Context, payload *request.RefundOnArrival) error
	NotifyOutcome(ctx context.Context, payload *request.NotifyOutcome) error
	// worker
	SweepStale(ctx context.Context) (int, error)
}

type Option func(*usecase)

func WithClock(now func() time.Time) Option {
	return func(u *usecase) { u.now = now }
}

func New(
	repo repositories.Repositories,
	registry *provider.Registry,
	resolver BookingResolver,
	tasks TaskQueue,
	publisher message.Publisher,
	cfg *config.ReconciliationConfig,
	log log.Logger,
	opts ...Option,
) Usecase {
	u := &usecase{
		repo:      repo,
		registry:  registry,
		resolver:  resolver,
		tasks:     tasks,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}
