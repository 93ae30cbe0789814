package handler

import (
	"context"
	"fmt"
	"net/http"

	"payment-service/internal/module/payment/models/request"
	"payment-service/internal/module/payment/usecases"
	"payment-service/internal/pkg/errors"
	"payment-service/internal/pkg/helpers"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.elastic.co/apm"
)

type PaymentHandler struct {
	Log       *otelzap.Logger
	Validator *validator.Validate
	Usecase   usecases.Usecase
	Publish   message.Publisher
}

// Webhook receives provider notifications. The raw body is handed over
// untouched since signatures are computed over the exact bytes.
func (h *PaymentHandler) Webhook(ctx *fiber.Ctx) error {
	providerName := ctx.Params("provider")

	tx := apm.DefaultTracer.StartTransaction("POST /webhooks/"+providerName, "request")
	defer tx.End()
	c := apm.ContextWithTransaction(ctx.UserContext(), tx)

	headers := make(http.Header)
	ctx.Request().Header.VisitAll(func(key, value []byte) {
		headers.Add(string(key), string(value))
	})
	body := append([]byte(nil), ctx.Body()...)

	resp, err := h.Usecase.HandleWebhook(c, providerName, headers, body)
	if err != nil {
		tx.Result = fmt.Sprintf("HTTP %d", errors.Code(err))
		h.Log.Ctx(c).Error(fmt.Sprintf("error handle %s webhook: %v", providerName, err))
		return helpers.RespError(ctx, h.Log, err)
	}

	tx.Result = resp.Outcome
	return helpers.RespSuccess(ctx, h.Log, resp, "success handle webhook")
}

func (h *PaymentHandler) Checkout(ctx *fiber.Ctx) error {
	var req request.Checkout
	if err := ctx.BodyParser(&req); err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error parse request: %v", err))
		return helpers.RespError(ctx, h.Log, errors.BadRequest("error parse request"))
	}

	if err := h.Validator.Struct(req); err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error validate request: %v", err))
		return helpers.RespError(ctx, h.Log, errors.BadRequest(err.Error()))
	}

	resp, err := h.Usecase.Checkout(ctx.UserContext(), &req)
	if err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error checkout: %v", err))
		return helpers.RespError(ctx, h.Log, err)
	}

	return helpers.RespSuccess(ctx, h.Log, resp, "success create payment")
}

func (h *PaymentHandler) GetPayment(ctx *fiber.Ctx) error {
	resp, err := h.Usecase.GetPayment(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error get payment: %v", err))
		return helpers.RespError(ctx, h.Log, err)
	}

	return helpers.RespSuccess(ctx, h.Log, resp, "success get payment")
}

func (h *PaymentHandler) Capture(ctx *fiber.Ctx) error {
	resp, err := h.Usecase.Capture(ctx.UserContext(), ctx.Params("id"))
	if err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error capture payment: %v", err))
		return helpers.RespError(ctx, h.Log, err)
	}

	return helpers.RespSuccess(ctx, h.Log, resp, "success request capture")
}

func (h *PaymentHandler) Refund(ctx *fiber.Ctx) error {
	var req request.Refund
	if err := ctx.BodyParser(&req); err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error parse request: %v", err))
		return helpers.RespError(ctx, h.Log, errors.BadRequest("error parse request"))
	}

	if err := h.Validator.Struct(req); err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error validate request: %v", err))
		return helpers.RespError(ctx, h.Log, errors.BadRequest(err.Error()))
	}

	resp, err := h.Usecase.Refund(ctx.UserContext(), ctx.Params("id"), &req)
	if err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error refund payment: %v", err))
		return helpers.RespError(ctx, h.Log, err)
	}

	return helpers.RespSuccess(ctx, h.Log, resp, "success refund payment")
}

func (h *PaymentHandler) ListAnomalies(ctx *fiber.Ctx) error {
	var req request.ListAnomalies
	if err := ctx.QueryParser(&req); err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error parse query: %v", err))
		return helpers.RespError(ctx, h.Log, errors.BadRequest("error parse query"))
	}

	if err := h.Validator.Struct(req); err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error validate request: %v", err))
		return helpers.RespError(ctx, h.Log, errors.BadRequest(err.Error()))
	}

	resp, err := h.Usecase.ListAnomalies(ctx.UserContext(), &req)
	if err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error list anomalies: %v", err))
		return helpers.RespError(ctx, h.Log, err)
	}

	return helpers.RespSuccess(ctx, h.Log, resp, "success list anomalies")
}

func (h *PaymentHandler) ReplayAnomaly(ctx *fiber.Ctx) error {
	var req request.Replay
	if len(ctx.Body()) > 0 {
		if err := ctx.BodyParser(&req); err != nil {
			h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error parse request: %v", err))
			return helpers.RespError(ctx, h.Log, errors.BadRequest("error parse request"))
		}
	}

	if err := h.Validator.Struct(req); err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error validate request: %v", err))
		return helpers.RespError(ctx, h.Log, errors.BadRequest(err.Error()))
	}

	if err := h.Usecase.RequestReplay(ctx.UserContext(), ctx.Params("id"), &req); err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error replay anomaly: %v", err))
		return helpers.RespError(ctx, h.Log, err)
	}

	return helpers.RespSuccess(ctx, h.Log, nil, "success queue anomaly replay")
}

func (h *PaymentHandler) ResolveAnomaly(ctx *fiber.Ctx) error {
	if err := h.Usecase.ResolveAnomaly(ctx.UserContext(), ctx.Params("id")); err != nil {
		h.Log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("error resolve anomaly: %v", err))
		return helpers.RespError(ctx, h.Log, err)
	}

	return helpers.RespSuccess(ctx, h.Log, nil, "success resolve anomaly")
}

func (h *PaymentHandler) ConsumeReplay(msg *message.Message) error {
	msg.Ack() // acknowledge message
	var req request.ReplayMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		h.Log.Ctx(msg.Context()).Error(fmt.Sprintf("error unmarshal message: %v", err))
		return h.poison(msg, err)
	}

	if err := h.Validator.Struct(req); err != nil {
		h.Log.Ctx(msg.Context()).Error(fmt.Sprintf("error validate message: %v", err))
		return h.poison(msg, err)
	}

	outcome, err := h.Usecase.Replay(context.Background(), &req)
	if err != nil {
		h.Log.Ctx(msg.Context()).Error(fmt.Sprintf("error replay anomaly %s: %v", req.AnomalyID, err))
		return h.poison(msg, err)
	}

	h.Log.Ctx(msg.Context()).Info(fmt.Sprintf("anomaly %s replayed: %s", req.AnomalyID, outcome))
	return nil
}

func (h *PaymentHandler) poison(msg *message.Message, cause error) error {
	reqPoisoned := request.PoisonedQueue{
		TopicTarget: usecases.TopicAnomalyReplay,
		ErrorMsg:    cause.Error(),
		Payload:     msg.Payload,
	}

	jsonPayload, _ := json.Marshal(reqPoisoned)
	if err := h.Publish.Publish(usecases.TopicPoisonedQueue, message.NewMessage(watermill.NewUUID(), jsonPayload)); err != nil {
		h.Log.Ctx(msg.Context()).Error(fmt.Sprintf("error publish to poison queue: %v", err))
		return err
	}
	return cause
}

func (h *PaymentHandler) NotifyOutcome(ctx context.Context, t *asynq.Task) error {
	var req request.NotifyOutcome
	if err := h.decodeTask(ctx, t, &req); err != nil {
		return err
	}

	if err := h.Usecase.NotifyOutcome(ctx, &req); err != nil {
		h.Log.Ctx(ctx).Error(fmt.Sprintf("error notify payment outcome: %v", err))
		return err
	}

	return nil
}

func (h *PaymentHandler) CaptureOrder(ctx context.Context, t *asynq.Task) error {
	var req request.CaptureOrder
	if err := h.decodeTask(ctx, t, &req); err != nil {
		return err
	}

	if err := h.Usecase.CaptureOrder(ctx, &req); err != nil {
		h.Log.Ctx(ctx).Error(fmt.Sprintf("error capture order: %v", err))
		return taskError(err)
	}

	return nil
}

func (h *PaymentHandler) RefundOnArrival(ctx context.Context, t *asynq.Task) error {
	var req request.RefundOnArrival
	if err := h.decodeTask(ctx, t, &req); err != nil {
		return err
	}

	if err := h.Usecase.RefundOnArrival(ctx, &req); err != nil {
		h.Log.Ctx(ctx).Error(fmt.Sprintf("error refund on arrival: %v", err))
		return taskError(err)
	}

	return nil
}

func (h *PaymentHandler) decodeTask(ctx context.Context, t *asynq.Task, req interface{}) error {
	if err := json.Unmarshal(t.Payload(), req); err != nil {
		h.Log.Ctx(ctx).Error(fmt.Sprintf("error unmarshal payload: %v", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	if err := h.Validator.Struct(req); err != nil {
		h.Log.Ctx(ctx).Error(fmt.Sprintf("error validate payload: %v", err))
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	return nil
}

// taskError stops retrying when the failure will not go away on its own.
func taskError(err error) error {
	if errors.Code(err) < http.StatusInternalServerError {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	return err
}
