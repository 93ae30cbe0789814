package helpers

import (
	"errors"
	"fmt"

	internalErrors "payment-service/internal/pkg/errors"

	"github.com/gofiber/fiber/v2"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
)

type Response struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func RespSuccess(ctx *fiber.Ctx, log *otelzap.Logger, data interface{}, message string) error {
	return ctx.Status(fiber.StatusOK).JSON(Response{
		Message: message,
		Data:    data,
	})
}

// RespError renders a CustomError with its own status code, anything else as a bare 500.
func RespError(ctx *fiber.Ctx, log *otelzap.Logger, err error) error {
	var customErr *internalErrors.CustomError
	if errors.As(err, &customErr) {
		return ctx.Status(customErr.Code).JSON(Response{
			Message: customErr.Message,
		})
	}

	if log != nil {
		log.Ctx(ctx.UserContext()).Error(fmt.Sprintf("unhandled error: %v", err))
	}
	return ctx.Status(fiber.StatusInternalServerError).JSON(Response{
		Message: "internal server error",
	})
}
