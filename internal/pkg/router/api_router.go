package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/sketchflow/billing/app/controllers"
	"github.com/sketchflow/billing/internal/pkg/middleware"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// Internal API v1: shared-token protected
	v1 := api.Group("/v1", middleware.APITokenMiddleware())
	v1.Get("/ping", controllers.HandleAPIPing)
	v1.Get("/entitlement", controllers.HandleGetEntitlement)
	v1.Get("/credits", controllers.HandleGetCreditsBalance)
	v1.Post("/credits/consume", controllers.HandleConsumeCredits)
	v1.Post("/webhooks/polar/:event_id/replay", controllers.HandleBillingWebhookReplay)
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
