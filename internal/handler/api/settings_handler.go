package api

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"pingx/internal/models"
	"pingx/internal/repository"
)

// SettingsHandler reads and writes runtime settings.
type SettingsHandler struct {
	deps   *Deps
	logger *zap.Logger
}

func NewSettingsHandler(deps *Deps, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{deps: deps, logger: logger}
}

// Handle routes settings API requests.
// POST /api/settings
func (h *SettingsHandler) Handle(c echo.Context) error {
	action, body, err := parseBodyAction(c)
	if err != nil {
		return errorResponse(c, "Invalid request body")
	}

	switch action {
	case "setting_info":
		return h.settingInfo(c)
	case "setting_set":
		return h.settingSet(c, body)
	default:
		return errorResponse(c, "Unknown action: "+action)
	}
}

func (h *SettingsHandler) settingInfo(c echo.Context) error {
	all, err := h.deps.Repos.Setting.All()
	if err != nil {
		return errorResponse(c, "Failed to get settings")
	}
	out := make(map[string]string, len(all))
	for _, s := range all {
		out[s.Key] = s.Value
	}
	return successResponse(c, "Successful", map[string]interface{}{
		"settings":          out,
		"active_inbound_id": h.deps.Service.ActiveInboundID(),
		"panel_enabled":     h.deps.Service.PanelEnabled(),
	})
}

func (h *SettingsHandler) settingSet(c echo.Context, body map[string]interface{}) error {
	key := strings.TrimSpace(getStringField(body, "key"))
	value := strings.TrimSpace(getStringField(body, "value"))
	if key == "" {
		return errorResponse(c, "key is required")
	}

	switch key {
	case models.SettingGlobalDiscountPercent:
		n, err := strconv.Atoi(value)
		if err != nil {
			return errorResponse(c, "value must be a number")
		}
		value = strconv.Itoa(repository.ClampDiscount(n))
	case models.SettingActiveInboundID, models.SettingSubPort:
		if n, err := strconv.Atoi(value); err != nil || n < 0 {
			return errorResponse(c, "value must be a non-negative number")
		}
	case models.SettingAdminIDs, models.SettingSupportIDs:
		value = joinIDs(repository.ParseIDList(value))
	}

	if err := h.deps.Repos.Setting.Set(key, value); err != nil {
		h.logger.Error("Save setting failed", zap.String("key", key), zap.Error(err))
		return errorResponse(c, "Failed to save setting")
	}
	return successResponse(c, "Setting saved", map[string]string{"key": key, "value": value})
}

func joinIDs(ids []int64) string {
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	return strings.Join(parts, ",")
}
