package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	tele "gopkg.in/telebot.v3"

	"pingx/internal/models"
	"pingx/internal/pkg/utils"
	"pingx/internal/repository"
	"pingx/internal/subscription"
)

const (
	defaultWelcome  = "👋 Welcome!"
	defaultSuccess  = "🥳 Your subscription is ready."
	defaultFailed   = "⚠️ Creating your subscription failed and your wallet was refunded."
	defaultReceipt  = "🧾 Your top-up request was recorded and will be reviewed shortly."
	purchasesOnPage = 10
)

func (b *Bot) handleStart(c tele.Context) error {
	u := c.Sender()
	user, err := b.svc.Register(u.ID, u.Username, u.FirstName, u.LastName)
	if err != nil {
		b.logger.Error("Register user failed", zap.Int64("user_id", u.ID), zap.Error(err))
		return c.Send("⚠️ Something went wrong. Please try again.")
	}
	if user.Step != models.StepNone {
		_ = b.repos.User.UpdateStep(u.ID, models.StepNone)
	}
	return b.sendMainMenu(c, user.Wallet)
}

func (b *Bot) sendMainMenu(c tele.Context, balance int64) error {
	text := welcomeText(b.svc.Template(models.SettingWelcomeTemplate, defaultWelcome), balance)
	return c.Send(text, b.keyboard.MainMenu(), tele.ModeHTML)
}

func (b *Bot) handleText(c tele.Context) error {
	u := c.Sender()
	user, err := b.repos.User.FindByID(u.ID)
	if err != nil {
		return c.Send("Please send /start first.")
	}

	switch user.Step {
	case models.StepTopUpAmount:
		return b.handleTopUpAmount(c, user)
	default:
		return b.sendMainMenu(c, user.Wallet)
	}
}

func (b *Bot) handleCallback(c tele.Context) error {
	data := strings.TrimPrefix(c.Callback().Data, "\f")
	userID := c.Sender().ID
	_ = c.Respond()

	switch {
	case data == cbMainMenu:
		_ = b.repos.User.UpdateStep(userID, models.StepNone)
		balance, _ := b.svc.Balance(userID)
		return b.sendMainMenu(c, balance)
	case data == cbBuy:
		return b.sendPlans(c, userID)
	case strings.HasPrefix(data, cbPlan):
		return b.handlePlanSelect(c, userID, strings.TrimPrefix(data, cbPlan))
	case strings.HasPrefix(data, cbConfirm):
		return b.handlePurchaseConfirm(c, strings.TrimPrefix(data, cbConfirm))
	case data == cbSubs:
		return b.sendPurchases(c, userID)
	case strings.HasPrefix(data, cbSub):
		return b.withPurchase(c, data, cbSub, b.sendPurchase)
	case strings.HasPrefix(data, cbLink):
		return b.withPurchase(c, data, cbLink, func(c tele.Context, p *models.Purchase) error {
			return b.deliverLink(c, p, subscription.LinkPanel)
		})
	case strings.HasPrefix(data, cbRotate):
		return b.withPurchase(c, data, cbRotate, func(c tele.Context, p *models.Purchase) error {
			return b.deliverLink(c, p, subscription.LinkRotate)
		})
	case strings.HasPrefix(data, cbUsage):
		return b.withPurchase(c, data, cbUsage, b.refreshUsage)
	case data == cbWallet:
		return b.sendWallet(c, userID)
	case data == cbTopUp:
		if err := b.repos.User.UpdateStep(userID, models.StepTopUpAmount); err != nil {
			return err
		}
		return c.Send("💳 Enter the amount you want to add to your wallet:")
	case strings.HasPrefix(data, cbTopUpApprove):
		return b.handleTopUpReview(c, strings.TrimPrefix(data, cbTopUpApprove), true)
	case strings.HasPrefix(data, cbTopUpReject):
		return b.handleTopUpReview(c, strings.TrimPrefix(data, cbTopUpReject), false)
	default:
		b.logger.Debug("Unknown callback", zap.String("data", data), zap.Int64("user_id", userID))
		return nil
	}
}

// ── Buying ────────────────────────────────────────────────────────────

func (b *Bot) sendPlans(c tele.Context, userID int64) error {
	offers, err := b.svc.Plans(userID)
	if err != nil {
		b.logger.Error("List plans failed", zap.Error(err))
		return c.Send("⚠️ Could not load plans.")
	}
	if len(offers) == 0 {
		return c.Send("No plans are available right now.")
	}
	return c.Send("🛒 Choose a plan:", b.keyboard.Plans(offers))
}

func (b *Bot) handlePlanSelect(c tele.Context, userID int64, planID string) error {
	offers, err := b.svc.Plans(userID)
	if err != nil {
		return c.Send("⚠️ Could not load plans.")
	}
	for _, o := range offers {
		if o.Plan.ID == planID {
			balance, _ := b.svc.Balance(userID)
			return c.Send(planText(o, balance), b.keyboard.ConfirmPlan(planID), tele.ModeHTML)
		}
	}
	return c.Send(buyErrorText(subscription.ErrPlanNotFound, ""))
}

func (b *Bot) handlePurchaseConfirm(c tele.Context, planID string) error {
	u := c.Sender()
	_ = c.Send("⏳ Creating your subscription...")

	res, err := b.svc.Buy(context.Background(), subscription.BuyRequest{
		UserID:    u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		PlanID:    planID,
	})
	if err != nil {
		if errors.Is(err, subscription.ErrProvisioningFailed) {
			b.logger.Error("Purchase failed", zap.Int64("user_id", u.ID), zap.String("plan_id", planID), zap.Error(err))
		}
		failed := b.svc.Template(models.SettingPurchaseFailedTemplate, defaultFailed)
		return c.Send(buyErrorText(err, failed))
	}

	text := buyResultText(b.svc.Template(models.SettingPurchaseSuccessTemplate, defaultSuccess), res)
	return c.Send(text, b.keyboard.PurchaseActions(res.Purchase.ID))
}

// ── Subscriptions ─────────────────────────────────────────────────────

func (b *Bot) sendPurchases(c tele.Context, userID int64) error {
	rows, _, err := b.svc.Purchases(userID, purchasesOnPage, 1)
	if err != nil {
		b.logger.Error("List purchases failed", zap.Int64("user_id", userID), zap.Error(err))
		return c.Send("⚠️ Could not load your subscriptions.")
	}
	active := rows[:0]
	for _, p := range rows {
		if p.Active {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return c.Send("You have no subscriptions yet.", b.keyboard.MainMenu())
	}
	return c.Send("📦 Your subscriptions:", b.keyboard.Purchases(active))
}

// withPurchase parses the purchase id after prefix, checks ownership and
// calls fn.
func (b *Bot) withPurchase(c tele.Context, data, prefix string, fn func(tele.Context, *models.Purchase) error) error {
	n, err := strconv.ParseUint(strings.TrimPrefix(data, prefix), 10, 64)
	if err != nil {
		return nil
	}
	p, err := b.svc.PurchaseForUser(c.Sender().ID, uint(n))
	if err != nil {
		return c.Send("❌ Subscription not found.")
	}
	return fn(c, p)
}

func (b *Bot) sendPurchase(c tele.Context, p *models.Purchase) error {
	usage, err := b.svc.Usage(p.ID)
	if err != nil {
		b.logger.Warn("Read usage cache failed", zap.Uint("purchase_id", p.ID), zap.Error(err))
	}
	text := purchaseText(p, usage, b.now().UnixMilli())
	return c.Send(text, b.keyboard.PurchaseActions(p.ID), tele.ModeHTML)
}

func (b *Bot) deliverLink(c tele.Context, p *models.Purchase, mode subscription.LinkMode) error {
	link, err := b.svc.ResolveLink(context.Background(), p, mode)
	switch {
	case errors.Is(err, subscription.ErrNoLink):
		return c.Send("❌ This subscription has no link yet.")
	case errors.Is(err, subscription.ErrBusy):
		return c.Send(buyErrorText(err, ""))
	case err != nil:
		b.logger.Warn("Resolve link failed", zap.Uint("purchase_id", p.ID), zap.String("mode", string(mode)), zap.Error(err))
		return c.Send("⚠️ Could not update the link right now. Please try again later.")
	}
	return b.DeliverLink(context.Background(), c.Sender().ID, link)
}

func (b *Bot) refreshUsage(c tele.Context, p *models.Purchase) error {
	if b.svc.PanelEnabled() {
		if _, err := b.svc.RefreshUsage(context.Background(), p); err != nil {
			b.logger.Warn("Refresh usage failed", zap.Uint("purchase_id", p.ID), zap.Error(err))
		}
	}
	return b.sendPurchase(c, p)
}

// ── Wallet ────────────────────────────────────────────────────────────

func (b *Bot) sendWallet(c tele.Context, userID int64) error {
	balance, err := b.svc.Balance(userID)
	if err != nil {
		return c.Send("⚠️ Could not read your balance.")
	}
	return c.Send(fmt.Sprintf("💰 Balance: <b>%s</b>", utils.FormatNumber(balance)), b.keyboard.Wallet(), tele.ModeHTML)
}

func (b *Bot) handleTopUpAmount(c tele.Context, user *models.User) error {
	amount, err := utils.ParseAmount(c.Text())
	if err != nil {
		return c.Send("❌ Please send a positive number, e.g. 150000.")
	}
	t, err := b.svc.RequestTopUp(user.ID, amount, "telegram")
	if err != nil {
		b.logger.Error("Top-up request failed", zap.Int64("user_id", user.ID), zap.Error(err))
		return c.Send("⚠️ Could not record your request.")
	}
	_ = b.repos.User.UpdateStep(user.ID, models.StepNone)

	review := fmt.Sprintf("🧾 Top-up request #%d\nUser: %d (@%s)\nAmount: %s",
		t.ID, user.ID, user.Username, utils.FormatNumber(amount))
	for _, adminID := range b.svc.SupportIDs() {
		if _, err := b.tb.Send(tele.ChatID(adminID), review, b.keyboard.TopUpReview(t.ID)); err != nil {
			b.logger.Warn("Top-up review not delivered", zap.Int64("admin_id", adminID), zap.Error(err))
		}
	}
	return c.Send(b.svc.Template(models.SettingPaymentReceiptTemplate, defaultReceipt))
}

func (b *Bot) handleTopUpReview(c tele.Context, rawID string, approve bool) error {
	adminID := c.Sender().ID
	if !b.svc.IsAdmin(adminID) {
		return c.Send("⛔ Admins only.")
	}
	n, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return nil
	}

	var t *models.TopUp
	if approve {
		t, err = b.svc.ApproveTopUp(context.Background(), uint(n), adminID)
	} else {
		t, err = b.svc.RejectTopUp(context.Background(), uint(n), adminID)
	}
	switch {
	case errors.Is(err, subscription.ErrTopUpNotFound):
		return c.Send("❌ Top-up not found.")
	case errors.Is(err, repository.ErrTopUpClosed):
		return c.Send("ℹ️ This top-up was already reviewed.")
	case err != nil:
		b.logger.Error("Top-up review failed", zap.Uint64("topup_id", n), zap.Error(err))
		return c.Send("⚠️ Review failed.")
	}
	return c.Send(fmt.Sprintf("Top-up #%d %s (%s).", t.ID, t.Status, utils.FormatNumber(t.Amount)))
}
