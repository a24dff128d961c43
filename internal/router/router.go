package router

import (
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pingx/internal/handler/api"
	"pingx/internal/middleware"
)

// Setup configures all routes for the Echo server. webhookHandler is nil when
// the bot polls for updates.
func Setup(
	e *echo.Echo,
	deps *api.Deps,
	logger *zap.Logger,
	apiKey string,
	updateDeduper middleware.UpdateDeduper,
	webhookHandler http.Handler,
) {
	e.Use(echomw.Recover())
	e.Use(middleware.CORS())

	walletHandler := api.NewWalletHandler(deps, logger)
	subscriptionHandler := api.NewSubscriptionHandler(deps, logger)
	settingsHandler := api.NewSettingsHandler(deps, logger)

	apiGroup := e.Group("/api")
	apiGroup.Use(middleware.APIAuth(apiKey))
	apiGroup.Use(middleware.APILogger(logger.Named("api")))
	apiGroup.POST("/wallet", walletHandler.Handle)
	apiGroup.POST("/subscriptions", subscriptionHandler.Handle)
	apiGroup.POST("/settings", settingsHandler.Handle)

	if webhookHandler != nil {
		botWebhookGroup := e.Group("/bot")
		botWebhookGroup.Use(middleware.TelegramIPCheck())
		botWebhookGroup.Use(middleware.TelegramUpdateDedup(updateDeduper))
		botWebhookGroup.POST("/webhook", echo.WrapHandler(webhookHandler))
	} else {
		logger.Info("Telegram webhook route disabled (bot update mode is polling)")
	}

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":        "ok",
			"panel_enabled": deps.Service.PanelEnabled(),
		})
	})
}
