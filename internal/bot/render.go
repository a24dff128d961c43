package bot

import (
	"errors"
	"fmt"
	"html"
	"math"
	"strings"
	"time"

	"pingx/internal/models"
	"pingx/internal/pkg/utils"
	"pingx/internal/subscription"
)

const dayMS = int64(24 * time.Hour / time.Millisecond)

func welcomeText(template string, balance int64) string {
	return fmt.Sprintf("%s\n\n💰 Balance: <b>%s</b>", template, utils.FormatNumber(balance))
}

func planText(o subscription.Offer, balance int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📦 <b>%s</b>\n", html.EscapeString(o.Plan.Title))
	if o.Plan.Days > 0 {
		fmt.Fprintf(&b, "⏱ Duration: %d days\n", o.Plan.Days)
	} else {
		b.WriteString("⏱ Duration: no time limit\n")
	}
	if o.Plan.Unlimited() {
		b.WriteString("📶 Traffic: unlimited\n")
	} else {
		fmt.Fprintf(&b, "📶 Traffic: %d GB\n", o.Plan.GB)
	}
	if o.DiscountPercent > 0 && o.Price != o.Plan.Price {
		fmt.Fprintf(&b, "💵 Price: <s>%s</s> %s (-%d%%)\n",
			utils.FormatNumber(o.Plan.Price), utils.FormatNumber(o.Price), o.DiscountPercent)
	} else {
		fmt.Fprintf(&b, "💵 Price: %s\n", utils.FormatNumber(o.Price))
	}
	fmt.Fprintf(&b, "💰 Your balance: %s", utils.FormatNumber(balance))
	return b.String()
}

func purchaseText(p *models.Purchase, usage *models.UsageCache, nowMS int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔐 <b>Subscription #%d</b> · %s\n", p.ID, html.EscapeString(p.PlanID))

	switch {
	case p.ExpiryMS <= 0:
		b.WriteString("📅 Expires: never\n")
	case p.Expired(nowMS):
		fmt.Fprintf(&b, "📅 Expired on %s\n", formatDate(p.ExpiryMS))
	default:
		left := int(math.Ceil(float64(p.ExpiryMS-nowMS) / float64(dayMS)))
		fmt.Fprintf(&b, "📅 Expires: %s (%d days left)\n", formatDate(p.ExpiryMS), left)
	}

	switch {
	case usage == nil:
		b.WriteString("📊 Usage: not synced yet")
	case usage.Total <= 0:
		fmt.Fprintf(&b, "📊 Used %s of unlimited", utils.FormatBytes(usage.Used()))
	default:
		ratio := usage.Ratio()
		fmt.Fprintf(&b, "📊 %s / %s\n%s %d%%",
			utils.FormatBytes(usage.Used()), utils.FormatBytes(usage.Total),
			utils.ProgressBar(ratio, 10), int(math.Min(ratio, 1)*100))
	}
	if p.SubLink != "" {
		fmt.Fprintf(&b, "\n\n🔗 <code>%s</code>", html.EscapeString(p.SubLink))
	}
	return b.String()
}

func buyResultText(template string, res *subscription.BuyResult) string {
	kind := "New subscription"
	if res.Renewal {
		kind = "Renewal"
	}
	return fmt.Sprintf("%s\n\n%s #%d\n💵 Paid: %s\n💰 Balance: %s",
		template, kind, res.Purchase.ID, utils.FormatNumber(res.Price), utils.FormatNumber(res.Balance))
}

// buyErrorText maps a Buy error to a user-facing message. failedTemplate is
// used for provisioning failures.
func buyErrorText(err error, failedTemplate string) string {
	switch {
	case errors.Is(err, subscription.ErrInsufficientFunds):
		return "❌ Not enough balance. Top up your wallet first."
	case errors.Is(err, subscription.ErrPlanNotFound):
		return "❌ This plan is no longer available."
	case errors.Is(err, subscription.ErrAdminOnly):
		return "⛔ This plan is reserved for admins."
	case errors.Is(err, subscription.ErrTestAlreadyUsed):
		return "❌ You have already used the test plan."
	case errors.Is(err, subscription.ErrPanelUnavailable):
		return "⚠️ Sales are paused right now. Please try again later."
	case errors.Is(err, subscription.ErrBusy):
		return "⏳ Another request for this subscription is in progress. Try again in a moment."
	case errors.Is(err, subscription.ErrProvisioningFailed):
		return failedTemplate
	default:
		return "⚠️ Something went wrong. Please try again."
	}
}

func formatDate(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04 UTC")
}
