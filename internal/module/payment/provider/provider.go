// Package provider defines the capability set every payment provider
// integration implements and a registry to look them up by name.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/event"
	"payment-service/internal/pkg/httpclient"

	"github.com/shopspring/decimal"
)

var (
	ErrSignatureInvalid      = errors.New("webhook signature invalid")
	ErrProviderUnavailable   = errors.New("payment provider unavailable")
	ErrInvalidAmount         = errors.New("invalid amount or unsupported currency")
	ErrInvalidRequest        = errors.New("invalid payment request")
	ErrRefundExceedsCaptured = errors.New("refund exceeds captured amount")
	ErrMalformedEvent        = errors.New("malformed webhook event")
)

type Capabilities struct {
	// AutoCapture providers settle on approval; there is no separate capture call.
	AutoCapture bool
	Currencies  []string
}

func (c Capabilities) Supports(currency string) bool {
	for _, cur := range c.Currencies {
		if strings.EqualFold(cur, currency) {
			return true
		}
	}
	return false
}

type CreatePaymentInput struct {
	BookingID      int64
	Amount         decimal.Decimal
	Currency       string
	Description    string
	InvoiceRef     string
	IdempotencyKey string
	Token          string
}

type CreatePaymentOutput struct {
	ExternalRef  string
	RedirectURL  string
	ClientSecret string
	Raw          []byte
}

type RefundInput struct {
	ExternalRef string
	CaptureRef  string
	// Amount nil refunds the whole remaining balance.
	Amount         *decimal.Decimal
	Captured       decimal.Decimal
	Currency       string
	BookingID      int64
	IdempotencyKey string
}

type NativeResult struct {
	ID     string
	Status string
	Amount decimal.Decimal
	Raw    []byte
}

type Adapter interface {
	Provider() entity.Provider
	Capabilities() Capabilities
	CreatePayment(ctx context.Context, in CreatePaymentInput) (CreatePaymentOutput, error)
	CaptureOrConfirm(ctx context.Context, externalRef, idempotencyKey string) (NativeResult, error)
	Refund(ctx context.Context, in RefundInput) (NativeResult, error)
	VerifySignature(ctx context.Context, headers http.Header, rawBody []byte, secret string) (bool, error)
	Parse(ctx context.Context, rawBody []byte) (event.Notification, error)
}

// ValidateAmount rejects non-positive amounts and currencies the provider does not take.
func ValidateAmount(c Capabilities, amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount %s", ErrInvalidAmount, amount)
	}
	if !c.Supports(currency) {
		return fmt.Errorf("%w: currency %s", ErrInvalidAmount, currency)
	}
	return nil
}

// ValidateRefund checks a requested refund against the captured amount.
func ValidateRefund(in RefundInput) error {
	if in.Amount == nil {
		return nil
	}
	if !in.Amount.IsPositive() {
		return fmt.Errorf("%w: refund amount %s", ErrInvalidAmount, in.Amount)
	}
	if in.Amount.GreaterThan(in.Captured) {
		return fmt.Errorf("%w: %s > %s", ErrRefundExceedsCaptured, in.Amount, in.Captured)
	}
	return nil
}

// Unavailable maps transport failures, open breakers and 5xx/429 answers to
// ErrProviderUnavailable. Other provider rejections are returned as is.
func Unavailable(op string, err error) error {
	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) && !statusErr.Temporary() {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrProviderUnavailable, err)
}

// MinorUnits converts an amount to the provider's smallest currency unit.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(Exponent(currency)).Round(0).IntPart()
}

func FromMinorUnits(units int64, currency string) decimal.Decimal {
	return decimal.New(units, -Exponent(currency))
}

// Exponent is the number of minor-unit digits of a currency.
func Exponent(currency string) int32 {
	switch strings.ToUpper(currency) {
	case "JPY", "KRW", "CLP", "VND":
		return 0
	}
	return 2
}

// MetadataString reads a metadata value that may have been echoed back as a
// string or a JSON number.
func MetadataString(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

type registered struct {
	adapter Adapter
	secret  string
}

// Registry maps provider names to adapters and their webhook secrets.
type Registry struct {
	adapters map[entity.Provider]registered
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[entity.Provider]registered{}}
}

func (r *Registry) Register(a Adapter, webhookSecret string) {
	r.adapters[a.Provider()] = registered{adapter: a, secret: webhookSecret}
}

func (r *Registry) Get(p entity.Provider) (Adapter, bool) {
	reg, ok := r.adapters[p]
	return reg.adapter, ok
}

func (r *Registry) Secret(p entity.Provider) string {
	return r.adapters[p].secret
}

func (r *Registry) Providers() []entity.Provider {
	out := make([]entity.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
