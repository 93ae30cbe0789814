package usecases_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"payment-service/config"
	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/event"
	"payment-service/internal/module/payment/provider"
	"payment-service/internal/module/payment/resolver"
	"payment-service/internal/module/payment/usecases"
	log_internal "payment-service/internal/pkg/log"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// testEvent is the wire format of stubAdapter notifications.
type testEvent struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Ext           string `json:"ext,omitempty"`
	Capture       string `json:"capture,omitempty"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Booking       string `json:"booking,omitempty"`
	Invoice       string `json:"invoice,omitempty"`
	Refund        string `json:"refund,omitempty"`
	RefundedTotal string `json:"refunded_total,omitempty"`
}

type stubAdapter struct {
	p    entity.Provider
	auto bool

	mu        sync.Mutex
	created   []provider.CreatePaymentInput
	captures  []string
	refunds   []provider.RefundInput
	createErr error
	refundErr error
}

func (s *stubAdapter) Provider() entity.Provider { return s.p }

func (s *stubAdapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{AutoCapture: s.auto, Currencies: []string{"MXN", "USD"}}
}

func (s *stubAdapter) CreatePayment(ctx context.Context, in provider.CreatePaymentInput) (provider.CreatePaymentOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, in)
	if s.createErr != nil {
		return provider.CreatePaymentOutput{}, s.createErr
	}
	return provider.CreatePaymentOutput{
		ExternalRef: string(s.p) + "-" + in.IdempotencyKey,
		RedirectURL: "https://provider.test/approve/" + in.IdempotencyKey,
		Raw:         []byte(`{"status":"CREATED"}`),
	}, nil
}

func (s *stubAdapter) CaptureOrConfirm(ctx context.Context, externalRef, idempotencyKey string) (provider.NativeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.captures = append(s.captures, externalRef)
	return provider.NativeResult{ID: "CAP-" + externalRef, Status: "COMPLETED"}, nil
}

func (s *stubAdapter) Refund(ctx context.Context, in provider.RefundInput) (provider.NativeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds = append(s.refunds, in)
	if s.refundErr != nil {
		return provider.NativeResult{}, s.refundErr
	}
	return provider.NativeResult{ID: "RF-" + in.IdempotencyKey, Status: "COMPLETED", Amount: *in.Amount}, nil
}

func (s *stubAdapter) refundCalls() []provider.RefundInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]provider.RefundInput(nil), s.refunds...)
}

func (s *stubAdapter) VerifySignature(ctx context.Context, headers http.Header, rawBody []byte, secret string) (bool, error) {
	return headers.Get("X-Test-Signature") == secret, nil
}

func (s *stubAdapter) Parse(ctx context.Context, rawBody []byte) (event.Notification, error) {
	var te testEvent
	if err := json.Unmarshal(rawBody, &te); err != nil {
		return event.Notification{}, provider.ErrMalformedEvent
	}

	n := event.Notification{
		Event: event.CanonicalEvent{
			Provider:              s.p,
			ExternalTransactionID: te.Ext,
			Kind:                  event.Kind(te.Kind),
			Currency:              te.Currency,
			RawEventID:            te.ID,
			NativeType:            "test." + te.Kind,
			CaptureReference:      te.Capture,
			RefundID:              te.Refund,
		},
		References: event.References{MetadataBookingID: te.Booking},
	}
	if te.Invoice != "" {
		n.References.FreeText = []string{te.Invoice}
	}
	if te.Amount != "" {
		n.Event.Amount = decimal.RequireFromString(te.Amount)
	}
	if te.RefundedTotal != "" {
		n.Event.RefundedTotal = decimal.RequireFromString(te.RefundedTotal)
	}
	return n, nil
}

type task struct {
	Type     string
	Payload  interface{}
	UniqueID string
}

type recordingTasks struct {
	mu    sync.Mutex
	tasks []task
	seen  map[string]bool
}

func (r *recordingTasks) Enqueue(ctx context.Context, taskType string, payload interface{}, uniqueID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[string]bool{}
	}
	if uniqueID != "" && r.seen[uniqueID] {
		return nil
	}
	r.seen[uniqueID] = true
	r.tasks = append(r.tasks, task{Type: taskType, Payload: payload, UniqueID: uniqueID})
	return nil
}

func (r *recordingTasks) ofType(taskType string) []task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []task
	for _, t := range r.tasks {
		if t.Type == taskType {
			out = append(out, t)
		}
	}
	return out
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][]*message.Message
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = map[string][]*message.Message{}
	}
	p.messages[topic] = append(p.messages[topic], messages...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) topic(name string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[name]
}

type harness struct {
	u      usecases.Usecase
	store  *memStore
	card   *stubAdapter
	paypal *stubAdapter
	tasks  *recordingTasks
	pub    *recordingPublisher
	clock  *fakeClock
	cfg    *config.ReconciliationConfig
}

func newHarness(t *testing.T, opts ...func(*config.ReconciliationConfig)) *harness {
	t.Helper()

	clock := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := newMemStore(clock.Now)
	cfg := &config.ReconciliationConfig{
		InvoicePrefix: "BK",
		StaleAfter:    2 * time.Hour,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &harness{
		store:  store,
		card:   &stubAdapter{p: entity.ProviderCard, auto: true},
		paypal: &stubAdapter{p: entity.ProviderPayPal},
		tasks:  &recordingTasks{},
		pub:    &recordingPublisher{},
		clock:  clock,
		cfg:    cfg,
	}

	registry := provider.NewRegistry()
	registry.Register(h.card, testSecret)
	registry.Register(h.paypal, testSecret)

	h.u = usecases.New(store, registry, resolver.New(cfg.InvoicePrefix, store), h.tasks, h.pub, cfg,
		log_internal.GetLogger(), usecases.WithClock(clock.Now))
	return h
}

func (h *harness) deliver(t *testing.T, p entity.Provider, ev testEvent) entity.Outcome {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)

	headers := http.Header{}
	headers.Set("X-Test-Signature", testSecret)

	ack, err := h.u.HandleWebhook(context.Background(), string(p), headers, body)
	require.NoError(t, err)
	return entity.Outcome(ack.Outcome)
}
