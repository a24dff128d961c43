package subscription

import (
	"time"

	"pingx/internal/models"
	"pingx/internal/pkg/utils"
	"pingx/internal/repository"
)

const dayMS = int64(24 * time.Hour / time.Millisecond)

// FinalPrice applies a percentage discount (clamped to 0..90) and rounds
// down to a whole unit.
func FinalPrice(base int64, discountPercent int) int64 {
	if base <= 0 {
		return 0
	}
	d := int64(repository.ClampDiscount(discountPercent))
	return base * (100 - d) / 100
}

// freshAllocation is the quota and expiry of a new client. Zero means
// unlimited for both.
func freshAllocation(plan *models.Plan, nowMS int64) (total, expiry int64) {
	if plan.GB > 0 {
		total = int64(plan.GB) * utils.GiB
	}
	if plan.Days > 0 {
		expiry = nowMS + int64(plan.Days)*dayMS
	}
	return total, expiry
}

// renewedAllocation extends an existing client: new total is the current
// total plus the plan's traffic, new expiry is the later of the current
// expiry and now plus the plan's days. A plan with 0 GB or 0 days adds
// nothing on that axis. A current value of 0 means unlimited on the panel
// and stays unlimited.
func renewedAllocation(curTotal, curExpiry int64, plan *models.Plan, nowMS int64) (total, expiry int64) {
	total = curTotal
	if curTotal > 0 {
		total += int64(plan.GB) * utils.GiB
	}
	if curExpiry == 0 {
		return total, 0
	}
	base := curExpiry
	if base < nowMS {
		base = nowMS
	}
	return total, base + int64(plan.Days)*dayMS
}
