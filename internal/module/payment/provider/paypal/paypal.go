// Package paypal is the order/approve/capture provider (Orders v2 REST API).
package paypal

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
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
	HeaderTransmissionID   = "Paypal-Transmission-Id"
	HeaderTransmissionTime = "Paypal-Transmission-Time"
	HeaderTransmissionSig  = "Paypal-Transmission-Sig"
	HeaderCertURL          = "Paypal-Cert-Url"
	HeaderAuthAlgo         = "Paypal-Auth-Algo"
	headerRequestID        = "PayPal-Request-Id"
)

// CertVerifier is satisfied by *signature.CertVerifier.
type CertVerifier interface {
	VerifyRSA(ctx context.Context, certURL string, message []byte, sigB64 string) error
}

type Adapter struct {
	client    httpclient.Doer
	certs     CertVerifier
	cfg       *config.PayPalConfig
	retries   uint64
	tolerance time.Duration
	now       func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(client httpclient.Doer, certs CertVerifier, cfg *config.PayPalConfig, retries uint64, tolerance time.Duration) *Adapter {
	return &Adapter{
		client:    client,
		certs:     certs,
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
	return entity.ProviderPayPal
}

func (a *Adapter) Capabilities() provider.Capabilities {
	return provider.Capabilities{AutoCapture: false, Currencies: a.cfg.Currencies}
}

type money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id,omitempty"`
	CustomID    string `json:"custom_id,omitempty"`
	InvoiceID   string `json:"invoice_id,omitempty"`
	Description string `json:"description,omitempty"`
	Amount      *money `json:"amount,omitempty"`
	Payments    *struct {
		Captures []capture `json:"captures"`
	} `json:"payments,omitempty"`
}

type capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount money  `json:"amount"`
}

type orderRequest struct {
	Intent             string         `json:"intent"`
	PurchaseUnits      []purchaseUnit `json:"purchase_units"`
	ApplicationContext struct {
		ReturnURL  string `json:"return_url,omitempty"`
		CancelURL  string `json:"cancel_url,omitempty"`
		UserAction string `json:"user_action"`
	} `json:"application_context"`
}

type orderResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	Links         []link         `json:"links"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
}

type refundResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount money  `json:"amount"`
}

func formatMoney(amount decimal.Decimal, currency string) money {
	return money{CurrencyCode: strings.ToUpper(currency), Value: amount.StringFixed(provider.Exponent(currency))}
}

func (a *Adapter) CreatePayment(ctx context.Context, in provider.CreatePaymentInput) (provider.CreatePaymentOutput, error) {
	if err := provider.ValidateAmount(a.Capabilities(), in.Amount, in.Currency); err != nil {
		return provider.CreatePaymentOutput{}, err
	}

	body := orderRequest{Intent: "CAPTURE"}
	amount := formatMoney(in.Amount, in.Currency)
	body.PurchaseUnits = []purchaseUnit{{
		ReferenceID: strconv.FormatInt(in.BookingID, 10),
		CustomID:    strconv.FormatInt(in.BookingID, 10),
		InvoiceID:   in.InvoiceRef,
		Description: in.Description,
		Amount:      &amount,
	}}
	body.ApplicationContext.ReturnURL = a.cfg.ReturnURL
	body.ApplicationContext.CancelURL = a.cfg.CancelURL
	body.ApplicationContext.UserAction = "PAY_NOW"

	var order orderResponse
	raw, err := a.call(ctx, http.MethodPost, "/v2/checkout/orders", in.IdempotencyKey, body, &order)
	if err != nil {
		return provider.CreatePaymentOutput{}, provider.Unavailable("create order", err)
	}

	out := provider.CreatePaymentOutput{ExternalRef: order.ID, Raw: raw}
	for _, l := range order.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			out.RedirectURL = l.Href
		}
	}
	return out, nil
}

func (a *Adapter) CaptureOrConfirm(ctx context.Context, externalRef, idempotencyKey string) (provider.NativeResult, error) {
	var order orderResponse
	path := "/v2/checkout/orders/" + url.PathEscape(externalRef) + "/capture"
	raw, err := a.call(ctx, http.MethodPost, path, idempotencyKey, struct{}{}, &order)
	if err != nil {
		return provider.NativeResult{}, provider.Unavailable("capture order", err)
	}

	res := provider.NativeResult{ID: order.ID, Status: order.Status, Raw: raw}
	if len(order.PurchaseUnits) > 0 && order.PurchaseUnits[0].Payments != nil && len(order.PurchaseUnits[0].Payments.Captures) > 0 {
		c := order.PurchaseUnits[0].Payments.Captures[0]
		res.ID = c.ID
		res.Status = c.Status
		res.Amount, _ = decimal.NewFromString(c.Amount.Value)
	}
	return res, nil
}

func (a *Adapter) Refund(ctx context.Context, in provider.RefundInput) (provider.NativeResult, error) {
	if err := provider.ValidateRefund(in); err != nil {
		return provider.NativeResult{}, err
	}
	if in.CaptureRef == "" {
		return provider.NativeResult{}, fmt.Errorf("%w: capture id unknown for order %s", provider.ErrInvalidRequest, in.ExternalRef)
	}

	// an empty body refunds the remaining captured balance
	body := map[string]interface{}{}
	if in.Amount != nil {
		body["amount"] = formatMoney(*in.Amount, in.Currency)
	}

	var rf refundResponse
	path := "/v2/payments/captures/" + url.PathEscape(in.CaptureRef) + "/refund"
	raw, err := a.call(ctx, http.MethodPost, path, in.IdempotencyKey, body, &rf)
	if err != nil {
		return provider.NativeResult{}, provider.Unavailable("refund capture", err)
	}

	amount, _ := decimal.NewFromString(rf.Amount.Value)
	return provider.NativeResult{ID: rf.ID, Status: rf.Status, Amount: amount, Raw: raw}, nil
}

// call sends an authenticated request. Requests carrying an idempotency key
// are retried with backoff since PayPal replays the first response for a
// repeated PayPal-Request-Id.
func (a *Adapter) call(ctx context.Context, method, path, requestID string, body, out interface{}) ([]byte, error) {
	var raw []byte
	op := func() error {
		token, err := a.accessToken(ctx)
		if err != nil {
			return err
		}
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		if requestID != "" {
			header.Set(headerRequestID, requestID)
		}

		raw, err = httpclient.DoJSON(ctx, a.client, method, a.cfg.BaseURL+path, header, body, out)
		var statusErr *httpclient.StatusError
		if errors.As(err, &statusErr) {
			if statusErr.StatusCode == http.StatusUnauthorized {
				a.resetToken()
				return err
			}
			if !statusErr.Temporary() {
				return httpclient.Permanent(err)
			}
		}
		return err
	}

	retries := a.retries
	if requestID == "" {
		retries = 0
	}
	err := httpclient.Retry(ctx, retries, op)
	return raw, err
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// accessToken returns the cached client-credentials token, refreshing it a
// minute before PayPal expires it.
func (a *Adapter) accessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.token != "" && a.now().Before(a.tokenExpiry) {
		return a.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("oauth token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", &httpclient.StatusError{StatusCode: resp.StatusCode}
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("oauth token: %w", err)
	}

	a.token = tr.AccessToken
	a.tokenExpiry = a.now().Add(time.Duration(tr.ExpiresIn)*time.Second - time.Minute)
	return a.token, nil
}

func (a *Adapter) resetToken() {
	a.mu.Lock()
	a.token = ""
	a.mu.Unlock()
}

// VerifySignature checks the transmission signature: RSA-SHA256 over
// "<transmission id>|<transmission time>|<webhook id>|<crc32 of body>" with
// the certificate PayPal links in Paypal-Cert-Url. The secret is the webhook id.
func (a *Adapter) VerifySignature(ctx context.Context, headers http.Header, rawBody []byte, secret string) (bool, error) {
	id := headers.Get(HeaderTransmissionID)
	ts := headers.Get(HeaderTransmissionTime)
	sig := headers.Get(HeaderTransmissionSig)
	certURL := headers.Get(HeaderCertURL)
	if id == "" || ts == "" || sig == "" || certURL == "" {
		return false, nil
	}
	if algo := headers.Get(HeaderAuthAlgo); algo != "" && algo != "SHA256withRSA" {
		return false, nil
	}

	sentAt, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return false, nil
	}
	if !signature.WithinTolerance(sentAt, a.now(), a.tolerance) {
		return false, nil
	}

	message := fmt.Sprintf("%s|%s|%s|%d", id, ts, secret, crc32.ChecksumIEEE(rawBody))
	if err := a.certs.VerifyRSA(ctx, certURL, []byte(message), sig); err != nil {
		return false, nil
	}
	return true, nil
}

type webhookEvent struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	CreateTime   time.Time       `json:"create_time"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

type webhookResource struct {
	ID                string         `json:"id"`
	Status            string         `json:"status"`
	CustomID          string         `json:"custom_id"`
	InvoiceID         string         `json:"invoice_id"`
	Amount            money          `json:"amount"`
	PurchaseUnits     []purchaseUnit `json:"purchase_units"`
	Links             []link         `json:"links"`
	SupplementaryData struct {
		RelatedIDs struct {
			OrderID string `json:"order_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	SellerPayableBreakdown struct {
		TotalRefundedAmount money `json:"total_refunded_amount"`
	} `json:"seller_payable_breakdown"`
}

func (a *Adapter) Parse(ctx context.Context, rawBody []byte) (event.Notification, error) {
	var ev webhookEvent
	if err := json.Unmarshal(rawBody, &ev); err != nil {
		return event.Notification{}, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
	}
	if ev.ID == "" || ev.EventType == "" {
		return event.Notification{}, fmt.Errorf("%w: missing event id or type", provider.ErrMalformedEvent)
	}

	var res webhookResource
	if len(ev.Resource) > 0 {
		if err := json.Unmarshal(ev.Resource, &res); err != nil {
			return event.Notification{}, fmt.Errorf("%w: %v", provider.ErrMalformedEvent, err)
		}
	}

	canonical := event.CanonicalEvent{
		Provider:   entity.ProviderPayPal,
		Kind:       kindOf(ev.EventType),
		OccurredAt: ev.CreateTime,
		RawEventID: ev.ID,
		NativeType: ev.EventType,
	}
	refs := event.References{MetadataBookingID: res.CustomID, FreeText: []string{res.InvoiceID}}
	amount := res.Amount

	switch canonical.Kind {
	case event.KindOrderApproved:
		canonical.ExternalTransactionID = res.ID
		if len(res.PurchaseUnits) > 0 {
			pu := res.PurchaseUnits[0]
			refs = event.References{MetadataBookingID: pu.CustomID, FreeText: []string{pu.InvoiceID, pu.ReferenceID}}
			if pu.Amount != nil {
				amount = *pu.Amount
			}
		}
	case event.KindCaptureCompleted, event.KindCaptureDenied:
		canonical.CaptureReference = res.ID
		canonical.ExternalTransactionID = firstNonEmpty(res.SupplementaryData.RelatedIDs.OrderID, res.ID)
	case event.KindCaptureRefunded:
		captureID := captureFromLinks(res.Links)
		canonical.CaptureReference = captureID
		canonical.ExternalTransactionID = firstNonEmpty(res.SupplementaryData.RelatedIDs.OrderID, captureID)
		canonical.RefundedTotal, _ = decimal.NewFromString(res.SellerPayableBreakdown.TotalRefundedAmount.Value)
		canonical.RefundID = res.ID
	}

	canonical.Amount, _ = decimal.NewFromString(amount.Value)
	canonical.Currency = amount.CurrencyCode

	if canonical.Kind != event.KindIgnored && canonical.ExternalTransactionID == "" {
		return event.Notification{}, fmt.Errorf("%w: %s without order or capture id", provider.ErrMalformedEvent, ev.EventType)
	}

	return event.Notification{Event: canonical, References: refs, Payload: rawBody}, nil
}

func kindOf(eventType string) event.Kind {
	switch eventType {
	case "CHECKOUT.ORDER.APPROVED":
		return event.KindOrderApproved
	case "PAYMENT.CAPTURE.COMPLETED":
		return event.KindCaptureCompleted
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED":
		return event.KindCaptureDenied
	case "PAYMENT.CAPTURE.REFUNDED":
		return event.KindCaptureRefunded
	}
	return event.KindIgnored
}

// captureFromLinks extracts the capture id from the refund's "up" link,
// .../v2/payments/captures/{id}.
func captureFromLinks(links []link) string {
	for _, l := range links {
		if l.Rel != "up" {
			continue
		}
		u, err := url.Parse(l.Href)
		if err != nil {
			continue
		}
		parts := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
		if len(parts) >= 2 && parts[len(parts)-2] == "captures" {
			return parts[len(parts)-1]
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
