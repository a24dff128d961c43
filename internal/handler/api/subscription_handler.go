package api

import (
	"errors"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pingx/internal/models"
	"pingx/internal/subscription"
)

// SubscriptionHandler handles plan, purchase and link actions.
type SubscriptionHandler struct {
	deps   *Deps
	logger *zap.Logger
}

func NewSubscriptionHandler(deps *Deps, logger *zap.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{deps: deps, logger: logger}
}

// Handle routes subscription API requests based on the "actions" field.
// POST /api/subscriptions
func (h *SubscriptionHandler) Handle(c echo.Context) error {
	action, body, err := parseBodyAction(c)
	if err != nil {
		return errorResponse(c, "Invalid request body")
	}

	switch action {
	case "plans":
		return h.plans(c, body)
	case "purchases":
		return h.purchases(c, body)
	case "purchase":
		return h.purchase(c, body)
	case "buy":
		return h.buy(c, body)
	case "resolve_link":
		return h.resolveLink(c, body)
	case "refresh_usage":
		return h.refreshUsage(c, body)
	case "audit":
		return h.audit(c, body)
	default:
		return errorResponse(c, "Unknown action: "+action)
	}
}

func (h *SubscriptionHandler) plans(c echo.Context, body map[string]interface{}) error {
	userID := int64(getIntField(body, "user_id", 0))
	offers, err := h.deps.Service.Plans(userID)
	if err != nil {
		return errorResponse(c, "Failed to list plans")
	}
	out := make([]map[string]interface{}, 0, len(offers))
	for _, o := range offers {
		out = append(out, map[string]interface{}{
			"id":               o.Plan.ID,
			"title":            o.Plan.Title,
			"days":             o.Plan.Days,
			"gb":               o.Plan.GB,
			"base_price":       o.Plan.Price,
			"price":            o.Price,
			"discount_percent": o.DiscountPercent,
			"flags":            o.Plan.Options(),
		})
	}
	return successResponse(c, "Successful", out)
}

func (h *SubscriptionHandler) purchases(c echo.Context, body map[string]interface{}) error {
	var req models.PurchasesListRequest
	if err := decodeBody(body, &req); err != nil {
		return errorResponse(c, "Invalid request body")
	}
	if req.Page <= 0 {
		req.Page = 1
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	rows, total, err := h.deps.Service.Purchases(req.UserID, req.Limit, req.Page)
	if err != nil {
		return errorResponse(c, "Failed to list purchases")
	}
	return successResponse(c, "Successful", paginatedResponse(rows, total, req.Page, req.Limit))
}

func (h *SubscriptionHandler) purchase(c echo.Context, body map[string]interface{}) error {
	id := uint(getIntField(body, "purchase_id", 0))
	p, err := h.deps.Service.PurchaseForUser(0, id)
	if err != nil {
		return errorResponse(c, "Purchase not found")
	}
	usage, _ := h.deps.Service.Usage(p.ID)
	return successResponse(c, "Successful", map[string]interface{}{
		"purchase": p,
		"usage":    usage,
	})
}

func (h *SubscriptionHandler) buy(c echo.Context, body map[string]interface{}) error {
	var req models.BuyRequest
	if err := decodeBody(body, &req); err != nil || req.UserID == 0 || req.PlanID == "" {
		return errorResponse(c, "user_id and plan_id are required")
	}

	res, err := h.deps.Service.Buy(c.Request().Context(), subscription.BuyRequest{UserID: req.UserID, PlanID: req.PlanID})
	if err != nil {
		if errors.Is(err, subscription.ErrProvisioningFailed) {
			h.logger.Error("API purchase failed", zap.Int64("user_id", req.UserID), zap.String("plan_id", req.PlanID), zap.Error(err))
		}
		return errorResponse(c, buyErrorMessage(err))
	}
	return successResponse(c, "Purchase completed", map[string]interface{}{
		"purchase": res.Purchase,
		"renewal":  res.Renewal,
		"price":    res.Price,
		"link":     res.Link,
		"balance":  res.Balance,
	})
}

func (h *SubscriptionHandler) resolveLink(c echo.Context, body map[string]interface{}) error {
	var req models.ResolveLinkRequest
	if err := decodeBody(body, &req); err != nil || req.PurchaseID == 0 {
		return errorResponse(c, "purchase_id is required")
	}
	p, err := h.deps.Service.PurchaseForUser(0, req.PurchaseID)
	if err != nil {
		return errorResponse(c, "Purchase not found")
	}
	link, err := h.deps.Service.ResolveLink(c.Request().Context(), p, subscription.ParseLinkMode(req.Mode))
	if err != nil {
		h.logger.Warn("Resolve link failed", zap.Uint("purchase_id", p.ID), zap.Error(err))
		return errorResponse(c, "Failed to resolve link")
	}
	return successResponse(c, "Successful", map[string]interface{}{
		"purchase_id": p.ID,
		"sub_id":      p.SubID,
		"link":        link,
	})
}

func (h *SubscriptionHandler) refreshUsage(c echo.Context, body map[string]interface{}) error {
	id := uint(getIntField(body, "purchase_id", 0))
	p, err := h.deps.Service.PurchaseForUser(0, id)
	if err != nil {
		return errorResponse(c, "Purchase not found")
	}
	if !h.deps.Service.PanelEnabled() {
		return errorResponse(c, "Panel is not configured")
	}
	usage, err := h.deps.Service.RefreshUsage(c.Request().Context(), p)
	if err != nil {
		h.logger.Warn("Refresh usage failed", zap.Uint("purchase_id", p.ID), zap.Error(err))
		return errorResponse(c, "Failed to refresh usage")
	}
	return successResponse(c, "Successful", usage)
}

func buyErrorMessage(err error) string {
	switch {
	case errors.Is(err, subscription.ErrPlanNotFound):
		return "Plan not found"
	case errors.Is(err, subscription.ErrAdminOnly):
		return "Plan is reserved for admins"
	case errors.Is(err, subscription.ErrTestAlreadyUsed):
		return "Test plan already used"
	case errors.Is(err, subscription.ErrPanelUnavailable):
		return "Panel is not configured"
	case errors.Is(err, subscription.ErrInsufficientFunds):
		return "Insufficient balance"
	case errors.Is(err, subscription.ErrBusy):
		return "Another operation on this subscription is in progress"
	case errors.Is(err, subscription.ErrProvisioningFailed):
		return "Provisioning failed, wallet refunded"
	default:
		return "Purchase failed"
	}
}

func (h *SubscriptionHandler) audit(c echo.Context, body map[string]interface{}) error {
	userID := int64(getIntField(body, "user_id", 0))
	if userID == 0 {
		return errorResponse(c, "user_id is required")
	}
	events, err := h.deps.Repos.Audit.FindByUser(userID, getIntField(body, "limit", 50))
	if err != nil {
		return errorResponse(c, "Failed to read audit log")
	}
	return successResponse(c, "Successful", events)
}
