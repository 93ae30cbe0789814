package router

import (
	"payment-service/internal/module/payment/handler"
	"payment-service/internal/pkg/middleware"

	"github.com/gofiber/fiber/v2"
)

func Initialize(app *fiber.App, handlerPayment *handler.PaymentHandler, m *middleware.Middleware) *fiber.App {

	// health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusOK).SendString("OK")
	})

	// provider callbacks, authenticated by signature
	app.Post("/webhooks/:provider", handlerPayment.Webhook)

	Api := app.Group("/api")

	v1 := Api.Group("/v1", m.ValidateToken)
	v1.Post("/payments", handlerPayment.Checkout)
	v1.Get("/payments/:id", handlerPayment.GetPayment)
	v1.Post("/payments/:id/capture", handlerPayment.Capture)
	v1.Post("/payments/:id/refunds", handlerPayment.Refund)

	private := Api.Group("/private", m.ValidateToken)
	private.Get("/anomalies", handlerPayment.ListAnomalies)
	private.Post("/anomalies/:id/replay", handlerPayment.ReplayAnomaly)
	private.Post("/anomalies/:id/resolve", handlerPayment.ResolveAnomaly)

	return app

}
