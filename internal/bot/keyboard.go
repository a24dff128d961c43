package bot

import (
	"fmt"
	"strconv"

	tele "gopkg.in/telebot.v3"

	"pingx/internal/models"
	"pingx/internal/pkg/utils"
	"pingx/internal/subscription"
)

// Callback data prefixes. Telegram allows [-\w] in the unique part.
const (
	cbMainMenu     = "main_menu"
	cbBuy          = "buy"
	cbPlan         = "plan_"
	cbConfirm      = "confirm_"
	cbSubs         = "subs"
	cbSub          = "sub_"
	cbLink         = "link_"
	cbRotate       = "rotate_"
	cbUsage        = "usage_"
	cbWallet       = "wallet"
	cbTopUp        = "topup"
	cbTopUpApprove = "tapprove_"
	cbTopUpReject  = "treject_"
)

// KeyboardBuilder constructs the inline keyboards.
type KeyboardBuilder struct{}

func (KeyboardBuilder) MainMenu() *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	menu.Inline(
		menu.Row(menu.Data("🛒 Buy subscription", cbBuy)),
		menu.Row(menu.Data("📦 My subscriptions", cbSubs)),
		menu.Row(menu.Data("💰 Wallet", cbWallet), menu.Data("➕ Top up", cbTopUp)),
	)
	return menu
}

func (KeyboardBuilder) Plans(offers []subscription.Offer) *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	rows := make([]tele.Row, 0, len(offers)+1)
	for _, o := range offers {
		label := fmt.Sprintf("%s · %s", o.Plan.Title, utils.FormatNumber(o.Price))
		rows = append(rows, menu.Row(menu.Data(label, cbPlan+o.Plan.ID)))
	}
	rows = append(rows, menu.Row(menu.Data("⬅️ Back", cbMainMenu)))
	menu.Inline(rows...)
	return menu
}

func (KeyboardBuilder) ConfirmPlan(planID string) *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	menu.Inline(
		menu.Row(menu.Data("✅ Confirm and pay", cbConfirm+planID)),
		menu.Row(menu.Data("⬅️ Back", cbBuy)),
	)
	return menu
}

func (KeyboardBuilder) Purchases(rows []models.Purchase) *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	out := make([]tele.Row, 0, len(rows)+1)
	for _, p := range rows {
		label := fmt.Sprintf("#%d · %s", p.ID, p.PlanID)
		out = append(out, menu.Row(menu.Data(label, cbSub+id(p.ID))))
	}
	out = append(out, menu.Row(menu.Data("⬅️ Back", cbMainMenu)))
	menu.Inline(out...)
	return menu
}

func (KeyboardBuilder) PurchaseActions(purchaseID uint) *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	pid := id(purchaseID)
	menu.Inline(
		menu.Row(menu.Data("🔗 Get link", cbLink+pid), menu.Data("🔄 New link", cbRotate+pid)),
		menu.Row(menu.Data("📊 Refresh usage", cbUsage+pid)),
		menu.Row(menu.Data("⬅️ Back", cbSubs)),
	)
	return menu
}

func (KeyboardBuilder) Wallet() *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	menu.Inline(
		menu.Row(menu.Data("➕ Top up", cbTopUp)),
		menu.Row(menu.Data("⬅️ Back", cbMainMenu)),
	)
	return menu
}

func (KeyboardBuilder) TopUpReview(topUpID uint) *tele.ReplyMarkup {
	menu := &tele.ReplyMarkup{}
	tid := id(topUpID)
	menu.Inline(menu.Row(
		menu.Data("✅ Approve", cbTopUpApprove+tid),
		menu.Data("❌ Reject", cbTopUpReject+tid),
	))
	return menu
}

func id(n uint) string {
	return strconv.FormatUint(uint64(n), 10)
}
