package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/sketchflow/billing/internal/pkg/billing"
	"github.com/sketchflow/billing/internal/pkg/database"
)

var consumeValidate = validator.New()

// ConsumeCreditsRequest is the body of POST /api/v1/credits/consume.
type ConsumeCreditsRequest struct {
	UserID uint   `json:"user_id" validate:"required,min=1"`
	Amount int64  `json:"amount" validate:"required,min=1"`
	Reason string `json:"reason" validate:"max=255"`
}

// HandleGetEntitlement reports whether the user currently has paid access.
func HandleGetEntitlement(c *fiber.Ctx) error {
	userID, err := queryUserID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id", "message": "user_id must be a positive integer"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entitled, err := svc.HasEntitlement(ctx, userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to resolve entitlement"})
	}

	return c.JSON(fiber.Map{"user_id": userID, "entitled": entitled})
}

// HandleGetCreditsBalance returns the user's combined credit balance.
func HandleGetCreditsBalance(c *fiber.Ctx) error {
	userID, err := queryUserID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_user_id", "message": "user_id must be a positive integer"})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	balance, err := svc.GetCreditsBalance(ctx, userID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load balance"})
	}

	return c.JSON(fiber.Map{"user_id": userID, "balance": balance})
}

// HandleConsumeCredits atomically deducts credits from the user's balance.
// An insufficient balance is a hard stop (402), never retried by callers.
func HandleConsumeCredits(c *fiber.Ctx) error {
	var req ConsumeCreditsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body", "message": "Malformed JSON body"})
	}
	if err := consumeValidate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_failed", "message": err.Error()})
	}

	svc := billing.NewServiceFromDB(database.GetDB())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// A user without subscriptions simply has balance 0 and lands in the
	// insufficient-credits branch below.
	result, err := svc.ConsumeCredits(ctx, req.UserID, req.Amount, strings.TrimSpace(req.Reason))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to consume credits"})
	}
	if !result.OK {
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{
			"error":   "insufficient_credits",
			"balance": result.Balance,
		})
	}

	return c.JSON(fiber.Map{"ok": true, "balance": result.Balance})
}

// HandleAPIPing is a trivial liveness check for API token holders.
func HandleAPIPing(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"message": "pong", "time": time.Now().UnixMilli()})
}

func queryUserID(c *fiber.Ctx) (uint, error) {
	raw := strings.TrimSpace(c.Query("user_id"))
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid user_id")
	}
	return uint(id), nil
}
