package api

import (
	"errors"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pingx/internal/models"
	"pingx/internal/repository"
	"pingx/internal/subscription"
)

// WalletHandler handles wallet and top-up actions.
type WalletHandler struct {
	deps   *Deps
	logger *zap.Logger
}

func NewWalletHandler(deps *Deps, logger *zap.Logger) *WalletHandler {
	return &WalletHandler{deps: deps, logger: logger}
}

// Handle routes wallet API requests based on the "actions" field.
// POST /api/wallet
func (h *WalletHandler) Handle(c echo.Context) error {
	action, body, err := parseBodyAction(c)
	if err != nil {
		return errorResponse(c, "Invalid request body")
	}

	switch action {
	case "balance":
		return h.balance(c, body)
	case "credit":
		return h.credit(c, body)
	case "users":
		return h.listUsers(c, body)
	case "topups":
		return h.listTopUps(c, body)
	case "topup_approve":
		return h.review(c, body, true)
	case "topup_reject":
		return h.review(c, body, false)
	default:
		return errorResponse(c, "Unknown action: "+action)
	}
}

func (h *WalletHandler) balance(c echo.Context, body map[string]interface{}) error {
	var req models.WalletCreditRequest
	if err := decodeBody(body, &req); err != nil || req.UserID == 0 {
		return errorResponse(c, "user_id is required")
	}
	balance, err := h.deps.Service.Balance(req.UserID)
	if err != nil {
		return errorResponse(c, "Failed to read balance")
	}
	return successResponse(c, "Successful", map[string]interface{}{
		"user_id": req.UserID,
		"balance": balance,
	})
}

func (h *WalletHandler) credit(c echo.Context, body map[string]interface{}) error {
	var req models.WalletCreditRequest
	if err := decodeBody(body, &req); err != nil || req.UserID == 0 {
		return errorResponse(c, "user_id is required")
	}
	if req.Amount <= 0 {
		return errorResponse(c, "amount must be positive")
	}

	balance, err := h.deps.Service.Credit(req.UserID, req.Amount, 0)
	if err != nil {
		h.logger.Error("Wallet credit failed", zap.Int64("user_id", req.UserID), zap.Error(err))
		return errorResponse(c, "Failed to credit wallet")
	}
	return successResponse(c, "Wallet credited", map[string]interface{}{
		"user_id": req.UserID,
		"balance": balance,
	})
}

func (h *WalletHandler) listUsers(c echo.Context, body map[string]interface{}) error {
	limit := getIntField(body, "limit", 50)
	page := getIntField(body, "page", 1)

	users, total, err := h.deps.Repos.User.FindAll(limit, page, strings.TrimSpace(getStringField(body, "query")))
	if err != nil {
		return errorResponse(c, "Failed to list users")
	}
	return successResponse(c, "Successful", paginatedResponse(users, total, page, limit))
}

func (h *WalletHandler) listTopUps(c echo.Context, body map[string]interface{}) error {
	status := strings.ToLower(getStringField(body, "status"))
	limit := getIntField(body, "limit", 50)
	page := getIntField(body, "page", 1)

	items, total, err := h.deps.Service.TopUps(status, limit, page)
	if err != nil {
		return errorResponse(c, "Failed to list top-ups")
	}
	return successResponse(c, "Successful", paginatedResponse(items, total, page, limit))
}

func (h *WalletHandler) review(c echo.Context, body map[string]interface{}, approve bool) error {
	var req models.TopUpReviewRequest
	if err := decodeBody(body, &req); err != nil || req.TopUpID == 0 {
		return errorResponse(c, "topup_id is required")
	}

	var (
		t   *models.TopUp
		err error
	)
	if approve {
		t, err = h.deps.Service.ApproveTopUp(c.Request().Context(), req.TopUpID, req.AdminID)
	} else {
		t, err = h.deps.Service.RejectTopUp(c.Request().Context(), req.TopUpID, req.AdminID)
	}
	switch {
	case errors.Is(err, subscription.ErrTopUpNotFound):
		return errorResponse(c, "Top-up not found")
	case errors.Is(err, repository.ErrTopUpClosed):
		return errorResponse(c, "Top-up already reviewed")
	case err != nil:
		h.logger.Error("Top-up review failed", zap.Uint("topup_id", req.TopUpID), zap.Error(err))
		return errorResponse(c, "Failed to review top-up")
	}
	return successResponse(c, "Top-up "+t.Status, t)
}
