// Package card is the direct-capture card provider backed by the Omise API.
// Charges are captured on creation; 3-D Secure charges return an authorize URI.
package card

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"payment-service/config"
	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/event"
	"payment-service/internal/module/payment/provider"
	"payment-service/internal/pkg/signature"

	"github.com/goccy/go-json"
	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	circuit "github.com/rubyist/circuitbreaker"
)

const (
	HeaderSignature = "Omise-Signature"
	HeaderTimestamp = "Omise-Signature-Timestamp"
)

// Client is the part of the Omise SDK the adapter calls.
type Client interface {
	CreateCharge(ctx context.Context, op *operations.CreateCharge) (*omise.Charge, error)
	CreateRefund(ctx context.Context, op *operations.CreateRefund) (*omise.Refund, error)
}

type sdkClient struct {
	client  *omise.Client
	breaker *circuit.Breaker
	timeout time.Duration
}

func NewClient(cfg *config.CardConfig, breaker *circuit.Breaker, timeout time.Duration) (Client, error) {
	c, err := omise.NewClient(cfg.PublicKey, cfg.SecretKey)
	if err != nil {
		return nil, err
	}
	return &sdkClient{client: c, breaker: breaker, timeout: timeout}, nil
}

func (s *sdkClient) CreateCharge(ctx context.Context, op *operations.CreateCharge) (*omise.Charge, error) {
	ch := &omise.Charge{}
	if err := callContext(ctx, s.breaker, s.timeout, func() error { return s.client.Do(ch, op) }); err != nil {
		return nil, err
	}
	return ch, nil
}

func (s *sdkClient) CreateRefund(ctx context.Context, op *operations.CreateRefund) (*omise.Refund, error) {
	rf := &omise.Refund{}
	if err := callContext(ctx, s.breaker, s.timeout, func() error { return s.client.Do(rf, op) }); err != nil {
		return nil, err
	}
	return rf, nil
}

// callContext runs fn through the breaker within the tighter of timeout and
// the ctx deadline. The SDK takes no context, so a cancelled caller stops
// waiting while the request itself may still reach Omise.
func callContext(ctx context.Context, breaker *circuit.Breaker, timeout time.Duration, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		left := time.Until(deadline)
		if left <= 0 {
			return context.DeadlineExceeded
		}
		if timeout <= 0 || left < timeout {
			timeout = left
		}
	}

	done := make(chan error, 1)
	go func() { done <- breaker.Call(fn, timeout) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Adapter struct {
	client     Client
	currencies []string
	returnURI  string
	tolerance  time.Duration
	now        func() time.Time
}

func New(client Client, cfg *config.CardConfig, tolerance time.Duration) *Adapter {
	return &Adapter{
		client:     client,
		currencies: cfg.Currencies,
		returnURI:  cfg.ReturnURI,
		tolerance:  tolerance,
		now:        time.Now,
	}
}

// WithClock is used by tests to pin the signature timestamp check.
func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

func (a *Adapter) Provider() entity.Provider {
	return entity.ProviderCard
}

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{AutoCapture: true, Currencies: a.currencies}
}

func (a *Adapter) CreatePayment(ctx context.Context, in provider.CreatePaymentInput) (provider.CreatePaymentOutput, error) {
	if err := provider.ValidateAmount(a.Capabilities(), in.Amount, in.Currency); err != nil {
		return provider.CreatePaymentOutput{}, err
	}
	if in.Token == "" {
		return provider.CreatePaymentOutput{}, fmt.Errorf("%w: card token required", provider.ErrInvalidRequest)
	}

	op := &operations.CreateCharge{
		Amount:      provider.MinorUnits(in.Amount, in.Currency),
		Currency:    strings.ToLower(in.Currency),
		Card:        in.Token,
		Description: strings.TrimSpace(in.InvoiceRef + " " + in.Description),
		ReturnURI:   a.returnURI,
		Metadata: map[string]interface{}{
			"booking_id":     strconv.FormatInt(in.BookingID, 10),
			"invoice_ref":    in.InvoiceRef,
			"transaction_id": in.IdempotencyKey,
		},
	}

	// no retry: charge creation carries no idempotency key
	ch, err := a.client.CreateCharge(ctx, op)
	if err != nil {
		return provider.CreatePaymentOutput{}, provider.Unavailable("create charge", err)
	}

	raw, _ := json.Marshal(ch)
	return provider.CreatePaymentOutput{
		ExternalRef: ch.ID,
		RedirectURL: ch.AuthorizeURI,
		Raw:         raw,
	}, nil
}

func (a *Adapter) CaptureOrConfirm(ctx context.Context, externalRef, idempotencyKey string) (provider.NativeResult, error) {
	return provider.NativeResult{ID: externalRef, Status: "auto_captured"}, nil
}

func (a *Adapter) Refund(ctx context.Context, in provider.RefundInput) (provider.NativeResult, error) {
	if err := provider.ValidateRefund(in); err != nil {
		return provider.NativeResult{}, err
	}
	amount := in.Captured
	if in.Amount != nil {
		amount = *in.Amount
	}

	rf, err := a.client.CreateRefund(ctx, &operations.CreateRefund{
		ChargeID: in.ExternalRef,
		Amount:   provider.MinorUnits(amount, in.Currency),
		Metadata: map[string]interface{}{
			"booking_id": strconv.FormatInt(in.BookingID, 10),
			"refund_id":  in.IdempotencyKey,
		},
	})
	if err != nil {
		return provider.NativeResult{}, provider.Unavailable("create refund", err)
	}

	raw, _ := json.Marshal(rf)
	return provider.NativeResult{
		ID:     rf.ID,
		Status: "completed",
		Amount: provider.FromMinorUnits(rf.Amount, in.Currency),
		Raw:    raw,
	}, nil
}

// VerifySignature checks Omise-Signature, an HMAC-SHA256 over "<timestamp>.<body>"
// keyed with the base64 decoded webhook secret. During key rotation the header
// carries several comma separated signatures; any match is accepted.
func (a *Adapter) VerifySignature(ctx context.Context, headers http.Header, rawBody []byte, secret string) (bool, error) {
	sigs := headers.Get(HeaderSignature)
	ts := headers.Get(HeaderTimestamp)
	if sigs == "" || ts == "" {
		return false, nil
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, nil
	}
	if !signature.WithinTolerance(time.Unix(unix, 0), a.now(), a.tolerance) {
		return false, nil
	}

	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		key = []byte(secret)
	}

	message := append([]byte(ts+"."), rawBody...)
	for _, sig := range strings.Split(sigs, ",") {
		if signature.VerifyHMACHex(key, message, sig) {
			return true, nil
		}
	}
	return false, nil
}

type webhookEvent struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	CreatedAt time.Time       `json:"created_at"`
	Data      json.RawMessage `json:"data"`
}

// webhookObject covers both charge and refund payloads.
type webhookObject struct {
	Object      string                 `json:"object"`
	ID          string                 `json:"id"`
	Status      string                 `json:"status"`
	Amount      int64                  `json:"amount"`
	Currency    string                 `json:"currency"`
	Description string                 `json:"description"`
	Charge      string                 `json:"charge"`
	Metadata    map[string]interface{} `json:"metadata"`
}

func (a *Adapter) Parse(ctx context.Context, rawBody []byte) (event.Notification, error) {
	var ev webhookEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return event.Notification{}, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.Key == "" {
		return event.Notification{}, fmt.Errorf("%w: missing event id or key", provider.ErrMalformedEvent)
	}

	var obj webhookObject
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &obj); err != nil {
			return event.Notification{}, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
		}
	}

	canonical := event.CanonicalEvent{
		Provider:              entity.ProviderCard,
		ExternalTransactionID: obj.ID,
		Kind:                  kindOf(ev.Key, obj.Status),
		Amount:                provider.FromMinorUnits(obj.Amount, obj.Currency),
		Currency:              strings.ToUpper(obj.Currency),
		OccurredAt:            ev.CreatedAt,
		RawEventID:            ev.ID,
		NativeType:            ev.Key,
	}

	switch canonical.Kind {
	case event.KindCaptureCompleted:
		canonical.CaptureReference = obj.ID
	case event.KindCaptureRefunded:
		canonical.ExternalTransactionID = obj.Charge
		canonical.RefundID = obj.ID
	}

	if canonical.Kind != event.KindIgnored && canonical.ExternalTransactionID == "" {
		return event.Notification{}, fmt.Errorf("%w: %s without charge id", provider.ErrMalformedEvent, ev.Key)
	}

	return event.Notification{
		Event: canonical,
		References: event.References{
			MetadataBookingID: provider.MetadataString(obj.Metadata, "booking_id"),
			FreeText:          []string{provider.MetadataString(obj.Metadata, "invoice_ref"), obj.Description},
		},
		Payload: rawBody,
	}, nil
}

func kindOf(key, status string) event.Kind {
	switch key {
	case "charge.create":
		switch status {
		case "pending":
			return event.KindOrderApproved
		case "successful":
			return event.KindCaptureCompleted
		case "failed", "expired":
			return event.KindCaptureDenied
		}
	case "charge.complete", "charge.capture":
		switch status {
		case "successful":
			return event.KindCaptureCompleted
		case "failed", "expired", "reversed":
			return event.KindCaptureDenied
		}
	case "refund.create":
		return event.KindCaptureRefunded
	}
	return event.KindIgnored
}
