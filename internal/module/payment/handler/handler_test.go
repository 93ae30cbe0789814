package handler_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"payment-service/internal/module/payment/handler"
	"payment-service/internal/module/payment/mocks"
	"payment-service/internal/module/payment/models/entity"
	"payment-service/internal/module/payment/models/request"
	"payment-service/internal/module/payment/models/response"
	internalErrors "payment-service/internal/pkg/errors"
	log_internal "payment-service/internal/pkg/log"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

var (
	h   *handler.PaymentHandler
	ucm *mocks.Usecase
	app *fiber.App
	p   *mockPublisher
)

type mockPublisher struct {
	mu     sync.Mutex
	topics []string
}

// Close implements message.Publisher.
func (m *mockPublisher) Close() error {
	return nil
}

// Publish implements message.Publisher.
func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	return nil
}

func setup() {
	ucm = &mocks.Usecase{}
	p = &mockPublisher{}
	h = &handler.PaymentHandler{
		Log:       log_internal.Setup(),
		Validator: validator.New(),
		Usecase:   ucm,
		Publish:   p,
	}
	app = fiber.New()
	app.Post("/webhooks/:provider", h.Webhook)
	app.Post("/api/v1/payments/:id/refunds", h.Refund)
	app.Get("/api/private/anomalies", h.ListAnomalies)
	app.Post("/api/private/anomalies/:id/replay", h.ReplayAnomaly)
}

func teardown() {
	ucm = nil
	p = nil
	h = nil
	app = nil
}

func TestCheckout(t *testing.T) {
	setup()
	defer teardown()

	t.Run("success", func(t *testing.T) {
		payload := request.Checkout{BookingID: 42, Provider: "paypal", Description: "Booking 42"}
		jsonData, _ := json.Marshal(payload)

		ctx := app.AcquireCtx(&fasthttp.RequestCtx{})
		defer app.ReleaseCtx(ctx)
		ctx.Request().SetRequestURI("/api/v1/payments")
		ctx.Request().Header.SetContentType("application/json")
		ctx.Request().Header.SetMethod("POST")
		ctx.Request().SetBody(jsonData)

		ucm.On("Checkout", mock.Anything, &payload).Return(response.Checkout{
			TransactionID: "7d3f0c4e-2b51-4a8e-9a76-0c5d1e2f3a4b",
			Provider:      "paypal",
			Status:        "created",
			ExternalRef:   "5O190127TN364715T",
			RedirectURL:   "https://www.sandbox.paypal.com/checkoutnow?token=5O190127TN364715T",
		}, nil).Once()

		err := h.Checkout(ctx)

		assert.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, ctx.Response().StatusCode())
		assert.Contains(t, string(ctx.Response().Body()), "5O190127TN364715T")
	})

	t.Run("unknown provider is rejected before the usecase", func(t *testing.T) {
		ctx := app.AcquireCtx(&fasthttp.RequestCtx{})
		defer app.ReleaseCtx(ctx)
		ctx.Request().SetRequestURI("/api/v1/payments")
		ctx.Request().Header.SetContentType("application/json")
		ctx.Request().Header.SetMethod("POST")
		ctx.Request().SetBody([]byte(`{"booking_id":42,"provider":"bitcoin"}`))

		err := h.Checkout(ctx)

		assert.NoError(t, err)
		assert.Equal(t, fiber.StatusBadRequest, ctx.Response().StatusCode())
	})

	t.Run("active attempt conflict", func(t *testing.T) {
		payload := request.Checkout{BookingID: 43, Provider: "card", Token: "tokn_test_5g5mep4x5cmsbz2tq2s"}
		jsonData, _ := json.Marshal(payload)

		ctx := app.AcquireCtx(&fasthttp.RequestCtx{})
		defer app.ReleaseCtx(ctx)
		ctx.Request().SetRequestURI("/api/v1/payments")
		ctx.Request().Header.SetContentType("application/json")
		ctx.Request().Header.SetMethod("POST")
		ctx.Request().SetBody(jsonData)

		ucm.On("Checkout", mock.Anything, &payload).Return(response.Checkout{}, internalErrors.Conflict("a payment for this booking is already in progress")).Once()

		err := h.Checkout(ctx)

		assert.NoError(t, err)
		assert.Equal(t, fiber.StatusConflict, ctx.Response().StatusCode())
	})
}

func TestWebhook(t *testing.T) {
	setup()
	defer teardown()

	body := `{"id":"WH-58D329510W468432D-8HN650336L201105X","event_type":"PAYMENT.CAPTURE.COMPLETED"}`

	t.Run("acknowledged with outcome", func(t *testing.T) {
		ucm.On("HandleWebhook", mock.Anything, "paypal", mock.MatchedBy(func(hdr http.Header) bool {
			return hdr.Get("Paypal-Transmission-Id") == "69cd13f0-d67a-11e5-baa3-778b53f4ae55"
		}), []byte(body)).Return(response.WebhookAck{Outcome: string(entity.OutcomeApplied)}, nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("PAYPAL-TRANSMISSION-ID", "69cd13f0-d67a-11e5-baa3-778b53f4ae55")

		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		raw, _ := io.ReadAll(resp.Body)
		assert.Contains(t, string(raw), `"outcome":"applied"`)
	})

	t.Run("bad signature is 401 without detail", func(t *testing.T) {
		ucm.On("HandleWebhook", mock.Anything, "card", mock.Anything, mock.Anything).
			Return(response.WebhookAck{}, internalErrors.UnauthorizedError("invalid signature")).Once()

		req := httptest.NewRequest(http.MethodPost, "/webhooks/card", strings.NewReader(`{}`))
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("storage failure asks the provider to retry", func(t *testing.T) {
		ucm.On("HandleWebhook", mock.Anything, "mercadopago", mock.Anything, mock.Anything).
			Return(response.WebhookAck{}, internalErrors.InternalServerError("error process event")).Once()

		req := httptest.NewRequest(http.MethodPost, "/webhooks/mercadopago", strings.NewReader(`{"type":"payment","data":{"id":"1311772470"}}`))
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestRefund(t *testing.T) {
	setup()
	defer teardown()

	txID := "7d3f0c4e-2b51-4a8e-9a76-0c5d1e2f3a4b"
	ucm.On("Refund", mock.Anything, txID, mock.MatchedBy(func(r *request.Refund) bool {
		return r.Amount != nil && r.Amount.Equal(decimal.RequireFromString("500.00")) && r.Reason == "guest cancelled one night"
	})).Return(response.Refund{ID: "0b9a0f3e-6f55-4a4f-8f0e-3c2f7f5f1d10", Amount: "500.00", Status: "completed"}, nil).Once()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/"+txID+"/refunds",
		strings.NewReader(`{"amount":"500.00","reason":"guest cancelled one night"}`))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	t.Run("reason is required", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/"+txID+"/refunds", strings.NewReader(`{"amount":"1.00"}`))
		req.Header.Set("Content-Type", "application/json")

		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestAnomalies(t *testing.T) {
	setup()
	defer teardown()

	t.Run("list unresolved", func(t *testing.T) {
		ucm.On("ListAnomalies", mock.Anything, &request.ListAnomalies{Unresolved: true, Limit: 5}).
			Return([]response.Anomaly{{ID: "a1", Kind: string(entity.AnomalyUnresolvableBooking)}}, nil).Once()

		req := httptest.NewRequest(http.MethodGet, "/api/private/anomalies?unresolved=true&limit=5", nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("replay with booking override", func(t *testing.T) {
		anomalyID := "4a3b2c1d-0e9f-4a8b-8c7d-6e5f4a3b2c1d"
		ucm.On("RequestReplay", mock.Anything, anomalyID, &request.Replay{BookingID: 42}).Return(nil).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/private/anomalies/"+anomalyID+"/replay", strings.NewReader(`{"booking_id":42}`))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("replay without body", func(t *testing.T) {
		anomalyID := "5b4c3d2e-1f0a-4b9c-9d8e-7f6a5b4c3d2e"
		ucm.On("RequestReplay", mock.Anything, anomalyID, &request.Replay{}).Return(internalErrors.Conflict("anomaly already resolved")).Once()

		req := httptest.NewRequest(http.MethodPost, "/api/private/anomalies/"+anomalyID+"/replay", nil)
		resp, err := app.Test(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})
}

func TestConsumeReplay(t *testing.T) {
	setup()
	defer teardown()

	t.Run("success", func(t *testing.T) {
		payload := request.ReplayMessage{AnomalyID: "4a3b2c1d-0e9f-4a8b-8c7d-6e5f4a3b2c1d", BookingID: 42}
		jsonData, _ := json.Marshal(payload)

		ucm.On("Replay", context.Background(), &payload).Return(entity.OutcomeApplied, nil).Once()

		err := h.ConsumeReplay(message.NewMessage("123", jsonData))

		assert.NoError(t, err)
		assert.Empty(t, p.topics)
	})

	t.Run("malformed message goes to the poison queue", func(t *testing.T) {
		err := h.ConsumeReplay(message.NewMessage("124", []byte(`not json`)))

		assert.Error(t, err)
		assert.Equal(t, []string{"poisoned_queue"}, p.topics)
	})
}

func TestTaskHandlers(t *testing.T) {
	setup()
	defer teardown()

	ctx := context.Background()
	txID := "7d3f0c4e-2b51-4a8e-9a76-0c5d1e2f3a4b"
	capturePayload, _ := json.Marshal(request.CaptureOrder{TransactionID: txID})

	t.Run("capture retried while the provider is down", func(t *testing.T) {
		ucm.On("CaptureOrder", ctx, &request.CaptureOrder{TransactionID: txID}).
			Return(internalErrors.ServiceUnavailable("payment provider unavailable")).Once()

		err := h.CaptureOrder(ctx, asynq.NewTask("payment:capture_order", capturePayload))

		assert.Error(t, err)
		assert.False(t, errors.Is(err, asynq.SkipRetry))
	})

	t.Run("rejected capture is not retried", func(t *testing.T) {
		ucm.On("CaptureOrder", ctx, &request.CaptureOrder{TransactionID: txID}).
			Return(internalErrors.UnprocessableEntity("payment provider rejected the request")).Once()

		err := h.CaptureOrder(ctx, asynq.NewTask("payment:capture_order", capturePayload))

		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("invalid payload is not retried", func(t *testing.T) {
		err := h.RefundOnArrival(ctx, asynq.NewTask("payment:refund_on_arrival", []byte(`{"transaction_id":"nope"}`)))

		assert.ErrorIs(t, err, asynq.SkipRetry)
	})

	t.Run("notify outcome", func(t *testing.T) {
		payload := request.NotifyOutcome{BookingID: 42, TransactionID: txID, Outcome: "paid", OccurredAt: "2024-05-01T12:00:00Z"}
		jsonData, _ := json.Marshal(payload)
		ucm.On("NotifyOutcome", ctx, &payload).Return(nil).Once()

		err := h.NotifyOutcome(ctx, asynq.NewTask("payment:notify_outcome", jsonData))

		assert.NoError(t, err)
	})
}
