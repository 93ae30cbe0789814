// Package resolver maps a provider notification back to the booking it pays for.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/event"
	"payment-service/internal/module/payment/repositories"
)

var ErrBookingNotResolvable = errors.New("booking not resolvable")

type Source string

const (
	SourceMetadata    Source = "metadata"
	SourceInvoiceRef  Source = "invoice_ref"
	SourceTransaction Source = "transaction"
)

type Resolution struct {
	BookingID int64
	Source    Source
}

type TransactionFinder interface {
	FindTransactionByExternalID(ctx context.Context, provider entity.Provider, externalID string) (entity.PaymentTransaction, error)
}

type Resolver struct {
	pattern *regexp.Regexp
	finder  TransactionFinder
}

func New(invoicePrefix string, finder TransactionFinder) *Resolver {
	return &Resolver{
		pattern: regexp.MustCompile(`\b` + regexp.QuoteMeta(invoicePrefix) + `-(\d+)\b`),
		finder:  finder,
	}
}

// Resolve tries the metadata booking id, then an invoice reference in any
// free text field, then the transaction already stored for the external id.
func (r *Resolver) Resolve(ctx context.Context, ev event.CanonicalEvent, refs event.References) (Resolution, error) {
	if id, ok := parseID(refs.MetadataBookingID); ok {
		return Resolution{BookingID: id, Source: SourceMetadata}, nil
	}

	for _, text := range refs.FreeText {
		if id, ok := r.matchInvoice(text); ok {
			return Resolution{BookingID: id, Source: SourceInvoiceRef}, nil
		}
	}

	if ev.ExternalTransactionID != "" && r.finder != nil {
		txn, err := r.finder.FindTransactionByExternalID(ctx, ev.Provider, ev.ExternalTransactionID)
		switch {
		case err == nil:
			return Resolution{BookingID: txn.BookingID, Source: SourceTransaction}, nil
		case !errors.Is(err, repositories.ErrNotFound):
			return Resolution{}, fmt.Errorf("resolve by transaction: %w", err)
		}
	}

	return Resolution{}, ErrBookingNotResolvable
}

// InvoiceRef builds the reference the resolver recognizes, e.g. BK-42-3f2a9c1d.
func InvoiceRef(prefix string, bookingID int64, suffix string) string {
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	return fmt.Sprintf("%s-%d-%s", prefix, bookingID, suffix)
}

func (r *Resolver) matchInvoice(text string) (int64, bool) {
	m := r.pattern.FindStringSubmatch(text)
	if m == nil {
		return 0, false
	}
	return parseID(m[1])
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
