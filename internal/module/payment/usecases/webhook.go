package usecases

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/response"
	"payment-service/internal/module/payment/provider"
	internalErrors "payment-service/internal/pkg/errors"

	"go.uber.org/zap"
)

// HandleWebhook verifies, normalizes and reconciles one provider callback.
// The returned error is always a CustomError whose status tells the provider
// whether to retry; its message never carries internal detail.
func (u *usecase) HandleWebhook(ctx context.Context, providerName string, headers http.Header, body []byte) (response.WebhookAck, error) {
	p := entity.Provider(strings.ToLower(providerName))
	adapter, ok := u.registry.Get(p)
	if !ok {
		return response.WebhookAck{}, internalErrors.NotFound("unknown provider")
	}

	if secret := u.registry.Secret(p); secret == "" {
		u.log.Warn(ctx, "WEBHOOK SECRET NOT CONFIGURED, accepting unverified event", zap.String("provider", string(p)))
	} else {
		valid, err := adapter.VerifySignature(ctx, headers, body, secret)
		if err != nil || !valid {
			fields := []zap.Field{zap.String("provider", string(p))}
			if err != nil {
				fields = append(fields, zap.Error(err))
			}
			u.log.Warn(ctx, "webhook signature rejected", fields...)
			return response.WebhookAck{}, internalErrors.Wrap(internalErrors.UnauthorizedError("invalid signature"), provider.ErrSignatureInvalid)
		}
	}

	n, err := adapter.Parse(ctx, body)
	switch {
	case errors.Is(err, provider.ErrMalformedEvent):
		u.log.Warn(ctx, "malformed webhook body", zap.String("provider", string(p)), zap.Error(err))
		return response.WebhookAck{}, internalErrors.Wrap(internalErrors.BadRequest("malformed event"), err)
	case errors.Is(err, provider.ErrProviderUnavailable):
		u.log.Error(ctx, "error enrich webhook event", zap.String("provider", string(p)), zap.Error(err))
		return response.WebhookAck{}, internalErrors.Wrap(internalErrors.ServiceUnavailable("provider unavailable"), err)
	case err != nil:
		u.log.Error(ctx, "error parse webhook event", zap.String("provider", string(p)), zap.Error(err))
		return response.WebhookAck{}, internalErrors.Wrap(internalErrors.InternalServerError("error process event"), err)
	}
	if len(n.Payload) == 0 {
		n.Payload = body
	}

	outcome, err := u.reconcile(ctx, n, reconcileOptions{})
	if err != nil {
		u.log.Error(ctx, "error reconcile webhook event", zap.String("provider", string(p)), zap.String("event_id", n.Event.RawEventID), zap.Error(err))
		if errors.Is(err, provider.ErrMalformedEvent) {
			return response.WebhookAck{}, internalErrors.Wrap(internalErrors.BadRequest("malformed event"), err)
		}
		return response.WebhookAck{}, internalErrors.Wrap(internalErrors.InternalServerError("error process event"), err)
	}

	return response.WebhookAck{Outcome: string(outcome)}, nil
}
