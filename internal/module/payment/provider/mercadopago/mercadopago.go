// Package mercadopago is the preference/redirect provider. Payments are
// captured as soon as the payer approves them at the redirect.
package mercadopago

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"payment-service/config"
	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/event"
	"payment-service/internal/module/payment/provider"
	"payment-service/internal/pkg/httpclient"
	"payment-service/internal/pkg/signature"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

const (
	HeaderSignature = "X-Signature"
	HeaderRequestID = "X-Request-Id"
	headerIdemKey   = "X-Idempotency-Key"
)

type Adapter struct {
	client    httpclient.Doer
	cfg       *config.MercadoPagoConfig
	retries   uint64
	tolerance time.Duration
	now       func() time.Time
}

func New(client httpclient.Doer, cfg *config.MercadoPagoConfig, retries uint64, tolerance time.Duration) *Adapter {
	return &Adapter{
		client:    client,
		cfg:       cfg,
		retries:   retries,
		tolerance: tolerance,
		now:       time.Now,
	}
}

func (a *Adapter) WithClock(now func() time.Time) *Adapter {
	a.now = now
	return a
}

func (a *Adapter) Provider() entity.Provider {
	return entity.ProviderMercadoPago
}

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{AutoCapture: true, Currencies: a.cfg.Currencies}
}

type preferenceItem struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	CurrencyID  string  `json:"currency_id"`
	Description string  `json:"description,omitempty"`
}

type preferenceRequest struct {
	Items             []preferenceItem  `json:"items"`
	ExternalReference string            `json:"external_reference"`
	Metadata          map[string]string `json:"metadata"`
	NotificationURL   string            `json:"notification_url,omitempty"`
	BackURLs          struct {
		Success string `json:"success,omitempty"`
		Failure string `json:"failure,omitempty"`
		Pending string `json:"pending,omitempty"`
	} `json:"back_urls"`
	AutoReturn string `json:"auto_return,omitempty"`
}

type preferenceResponse struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

type refundResponse struct {
	ID     json.Number `json:"id"`
	Status string      `json:"status"`
	Amount float64     `json:"amount"`
}

type payment struct {
	ID                        json.Number            `json:"id"`
	Status                    string                 `json:"status"`
	StatusDetail              string                 `json:"status_detail"`
	TransactionAmount         float64                `json:"transaction_amount"`
	TransactionAmountRefunded float64                `json:"transaction_amount_refunded"`
	CurrencyID                string                 `json:"currency_id"`
	ExternalReference         string                 `json:"external_reference"`
	Description               string                 `json:"description"`
	Metadata                  map[string]interface{} `json:"metadata"`
	DateLastUpdated           time.Time              `json:"date_last_updated"`
}

func (a *Adapter) CreatePayment(ctx context.Context, in provider.CreatePaymentInput) (provider.CreatePaymentOutput, error) {
	if err := provider.ValidateAmount(a.Capabilities(), in.Amount, in.Currency); err != nil {
		return provider.CreatePaymentOutput{}, err
	}

	title := in.Description
	if title == "" {
		title = "Booking " + strconv.FormatInt(in.BookingID, 10)
	}
	price, _ := in.Amount.Float64()

	body := preferenceRequest{
		Items: []preferenceItem{{
			ID:         strconv.FormatInt(in.BookingID, 10),
			Title:      title,
			Quantity:   1,
			UnitPrice:  price,
			CurrencyID: strings.ToUpper(in.Currency),
		}},
		ExternalReference: in.InvoiceRef,
		Metadata:          map[string]string{"booking_id": strconv.FormatInt(in.BookingID, 10)},
		NotificationURL:   a.cfg.NotificationURL,
	}
	body.BackURLs.Success = a.cfg.SuccessURL
	body.BackURLs.Failure = a.cfg.FailureURL
	body.BackURLs.Pending = a.cfg.SuccessURL
	if body.BackURLs.Success != "" {
		body.AutoReturn = "approved"
	}

	var pref preferenceResponse
	raw, err := a.call(ctx, http.MethodPost, "/checkout/preferences", in.IdempotencyKey, body, &pref)
	if err != nil {
		return provider.CreatePaymentOutput{}, provider.Unavailable("create preference", err)
	}

	return provider.CreatePaymentOutput{ExternalRef: pref.ID, RedirectURL: pref.InitPoint, Raw: raw}, nil
}

func (a *Adapter) CaptureOrConfirm(ctx context.Context, externalRef, idempotencyKey string) (provider.NativeResult, error) {
	return provider.NativeResult{ID: externalRef, Status: "auto_captured"}, nil
}

// Refund refunds a payment. The preference id is useless here; CaptureRef
// must hold the payment id learned from the approval notification.
func (a *Adapter) Refund(ctx context.Context, in provider.RefundInput) (provider.NativeResult, error) {
	if err := provider.ValidateRefund(in); err != nil {
		return provider.NativeResult{}, err
	}
	if in.CaptureRef == "" {
		return provider.NativeResult{}, fmt.Errorf("%w: payment id unknown for preference %s", provider.ErrInvalidRequest, in.ExternalRef)
	}

	body := map[string]interface{}{}
	if in.Amount != nil {
		amount, _ := in.Amount.Float64()
		body["amount"] = amount
	}

	var rf refundResponse
	path := "/v1/payments/" + url.PathEscape(in.CaptureRef) + "/refunds"
	raw, err := a.call(ctx, http.MethodPost, path, in.IdempotencyKey, body, &rf)
	if err != nil {
		return provider.NativeResult{}, provider.Unavailable("refund payment", err)
	}

	return provider.NativeResult{
		ID:     rf.ID.String(),
		Status: rf.Status,
		Amount: decimal.NewFromFloat(rf.Amount),
		Raw:    raw,
	}, nil
}

func (a *Adapter) call(ctx context.Context, method, path, idemKey string, body, out interface{}) ([]byte, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	if idemKey != "" {
		header.Set(headerIdemKey, idemKey)
	}

	retries := a.retries
	if idemKey == "" && method != http.MethodGet {
		retries = 0
	}

	var raw []byte
	err := httpclient.Retry(ctx, retries, func() error {
		var err error
		raw, err = httpclient.DoJSON(ctx, a.client, method, a.cfg.BaseURL+path, header, body, out)
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) && !statusErr.Temporary() {
			return httpclient.Permanent(err)
		}
		return err
	})
	return raw, err
}

// VerifySignature checks x-signature "ts=<ts>,v1=<hex>", an HMAC-SHA256 over
// the manifest "id:<data.id>;request-id:<x-request-id>;ts:<ts>;".
func (a *Adapter) VerifySignature(ctx context.Context, headers http.Header, rawBody []byte, secret string) (bool, error) {
	var ts, v1 string
	for _, part := range strings.Split(headers.Get(HeaderSignature), ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "ts":
			ts = v
		case "v1":
			v1 = v
		}
	}
	if ts == "" || v1 == "" {
		return false, nil
	}

	n, err := parseNotification(rawBody)
	if err != nil {
		return false, nil
	}

	if unix, err := strconv.ParseInt(ts, 10, 64); err == nil {
		signedAt := time.Unix(unix, 0)
		if unix > 1e12 {
			signedAt = time.UnixMilli(unix)
		}
		if !signature.WithinTolerance(signedAt, a.now(), a.tolerance) {
			return false, nil
		}
	}

	var manifest strings.Builder
	if id := n.dataID(); id != "" {
		manifest.WriteString("id:" + strings.ToLower(id) + ";")
	}
	if rid := headers.Get(HeaderRequestID); rid != "" {
		manifest.WriteString("request-id:" + rid + ";")
	}
	manifest.WriteString("ts:" + ts + ";")

	return signature.VerifyHMACHex([]byte(secret), []byte(manifest.String()), v1), nil
}

type notification struct {
	ID     json.Number `json:"id"`
	Type   string      `json:"type"`
	Action string      `json:"action"`
	Data   struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// dataID accepts data.id as a JSON string or number.
func (n notification) dataID() string {
	raw := strings.TrimSpace(string(n.Data.ID))
	return strings.Trim(raw, `"`)
}

func parseNotification(rawBody []byte) (notification, error) {
	var n notification
	if err := json.Unmarshal(rawBody, &n); err != nil {
		return n, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
	}
	return n, nil
}

// Parse reads the notification and fetches the payment it points at, since
// the notification body only carries the payment id.
func (a *Adapter) Parse(ctx context.Context, rawBody []byte) (event.Notification, error) {
	n, err := parseNotification(rawBody)
	if err != nil {
		return event.Notification{}, err
	}

	if n.Type != "payment" {
		return event.Notification{
			Event: event.CanonicalEvent{
				Provider:   entity.ProviderMercadoPago,
				Kind:       event.KindIgnored,
				RawEventID: n.ID.String(),
				NativeType: n.Type,
			},
			Payload: rawBody,
		}, nil
	}

	paymentID := n.dataID()
	if paymentID == "" {
		return event.Notification{}, fmt.Errorf("%w: payment notification without data.id", provider.ErrMalformedEvent)
	}

	var p payment
	if _, err := a.call(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), "", nil, &p); err != nil {
		return event.Notification{}, provider.Unavailable("get payment", err)
	}

	kind := kindOf(p.Status, p.StatusDetail)
	rawEventID := n.ID.String()
	if rawEventID == "" {
		rawEventID = "payment:" + paymentID + ":" + p.Status
	}

	canonical := event.CanonicalEvent{
		Provider:              entity.ProviderMercadoPago,
		ExternalTransactionID: p.ID.String(),
		Kind:                  kind,
		Amount:                decimal.NewFromFloat(p.TransactionAmount),
		Currency:              p.CurrencyID,
		OccurredAt:            p.DateLastUpdated,
		RawEventID:            rawEventID,
		NativeType:            n.Action + ":" + p.Status,
		CaptureReference:      p.ID.String(),
	}
	if kind == event.KindCaptureRefunded {
		canonical.Amount = decimal.NewFromFloat(p.TransactionAmountRefunded)
		canonical.RefundedTotal = canonical.Amount
	}

	return event.Notification{
		Event: canonical,
		References: event.References{
			MetadataBookingID: provider.MetadataString(p.Metadata, "booking_id"),
			FreeText:          []string{p.ExternalReference, p.Description},
		},
		Payload: rawBody,
	}, nil
}

func kindOf(status, detail string) event.Kind {
	switch status {
	case "pending", "in_process", "authorized":
		return event.KindOrderApproved
	case "approved":
		if detail == "partially_refunded" {
			return event.KindCaptureRefunded
		}
		return event.KindCaptureCompleted
	case "rejected", "cancelled":
		return event.KindCaptureDenied
	case "refunded":
		return event.KindCaptureRefunded
	}
	return event.KindIgnored
}
