// Package bot is the Telegram front end: it delivers links and notices and
// turns chat actions into subscription service calls.
package bot

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"

	"pingx/internal/config"
	"pingx/internal/subscription"
)

// Bot wraps the telebot instance and handlers. It implements notify.Messenger.
type Bot struct {
	tb         *tele.Bot
	webhook    *tele.Webhook
	useWebhook bool
	cfg        config.BotConfig
	svc        *subscription.Service
	repos      *subscription.Repos
	logger     *zap.Logger
	keyboard   KeyboardBuilder
	now        func() time.Time
}

// New creates the bot. Handlers are registered by Bind.
func New(cfg config.BotConfig, repos *subscription.Repos, logger *zap.Logger) (*Bot, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.UpdateMode))
	if mode == "" {
		mode = "auto"
	}

	useWebhook := true
	switch mode {
	case "polling":
		useWebhook = false
	case "webhook":
		useWebhook = true
	default: // auto
		useWebhook = strings.TrimSpace(cfg.WebhookURL) != ""
	}

	var poller tele.Poller
	var webhook *tele.Webhook
	if useWebhook {
		if strings.TrimSpace(cfg.WebhookURL) == "" {
			return nil, fmt.Errorf("BOT_WEBHOOK_URL is required when BOT_UPDATE_MODE=webhook")
		}
		webhook = &tele.Webhook{
			Listen:   "", // mounted on echo instead of telebot's own server
			Endpoint: &tele.WebhookEndpoint{PublicURL: cfg.WebhookURL},
		}
		poller = webhook
	} else {
		poller = &tele.LongPoller{Timeout: 10 * time.Second}
	}

	pref := tele.Settings{
		URL:    cfg.APIURL,
		Token:  cfg.Token,
		Poller: poller,
		OnError: func(err error, c tele.Context) {
			logger.Error("telebot error", zap.Error(err))
		},
	}
	return newBot(cfg, pref, webhook, repos, logger)
}

func newBot(cfg config.BotConfig, pref tele.Settings, webhook *tele.Webhook, repos *subscription.Repos, logger *zap.Logger) (*Bot, error) {
	tb, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("failed to create telebot: %w", err)
	}
	return &Bot{
		tb:         tb,
		webhook:    webhook,
		useWebhook: webhook != nil,
		cfg:        cfg,
		repos:      repos,
		logger:     logger.Named("bot"),
		now:        time.Now,
	}, nil
}

// Bind attaches the subscription service and registers the chat handlers.
func (b *Bot) Bind(svc *subscription.Service) {
	b.svc = svc
	b.registerHandlers()
}

// WebhookHandler returns the webhook handler for mounting on Echo.
// Returns nil when running in long-polling mode.
func (b *Bot) WebhookHandler() http.Handler {
	if b.webhook == nil {
		return nil
	}
	return b.webhook
}

// Start begins polling/webhook processing. It blocks until Stop.
func (b *Bot) Start() {
	if b.useWebhook {
		b.logger.Info("Starting Telegram bot", zap.String("mode", "webhook"), zap.String("webhook_url", b.cfg.WebhookURL))
	} else {
		// Long polling requires webhook to be removed first.
		if err := b.tb.RemoveWebhook(true); err != nil {
			b.logger.Warn("Failed to remove webhook before long polling", zap.Error(err))
		}
		b.logger.Info("Starting Telegram bot", zap.String("mode", "polling"))
	}
	b.tb.Start()
}

// Stop gracefully shuts down the bot.
func (b *Bot) Stop() {
	b.tb.Stop()
}

// DeliverLink sends the subscription link as a QR code with the link in the
// caption. If the image cannot be built or sent, the link goes out as text.
func (b *Bot) DeliverLink(ctx context.Context, userID int64, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	caption := fmt.Sprintf("🔗 Your subscription link:\n<code>%s</code>", html.EscapeString(url))

	png, err := qrcode.Encode(url, qrcode.Medium, 512)
	if err == nil {
		photo := &tele.Photo{File: tele.FromReader(bytes.NewReader(png)), Caption: caption}
		if _, err = b.tb.Send(tele.ChatID(userID), photo, tele.ModeHTML); err == nil {
			return nil
		}
	}
	b.logger.Warn("QR delivery failed, sending text", zap.Int64("user_id", userID), zap.Error(err))
	_, err = b.tb.Send(tele.ChatID(userID), caption, tele.ModeHTML)
	return err
}

// Notify sends a plain text message.
func (b *Bot) Notify(ctx context.Context, userID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.tb.Send(tele.ChatID(userID), text)
	return err
}

func (b *Bot) registerHandlers() {
	b.tb.Handle("/start", b.handleStart)
	b.tb.Handle(tele.OnText, b.handleText)
	b.tb.Handle(tele.OnCallback, b.handleCallback)
}
