package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/sketchflow/billing/app/controllers"
)

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Billing provider webhooks (signature-verified in controller)
	app.Post("/webhooks/polar", controllers.HandlePolarWebhook)
}
