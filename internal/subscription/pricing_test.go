package subscription

import (
	"testing"

	"pingx/internal/models"
	"pingx/internal/pkg/utils"
)

func TestRenewedAllocation(t *testing.T) {
	const now = int64(1_700_000_000_000)
	gib := utils.GiB
	tests := []struct {
		name       string
		curTotal   int64
		curExpiry  int64
		gb, days   int
		wantTotal  int64
		wantExpiry int64
	}{
		{"adds to live allocation", 10 * gib, now + 5*dayMS, 20, 30, 30 * gib, now + 35*dayMS},
		{"expired client counts from now", 10 * gib, now - 5*dayMS, 20, 30, 30 * gib, now + 30*dayMS},
		{"unlimited quota stays unlimited", 0, now + dayMS, 20, 30, 0, now + 31*dayMS},
		{"no expiry stays without expiry", 10 * gib, 0, 20, 30, 30 * gib, 0},
		{"plan without traffic keeps quota", 10 * gib, now + dayMS, 0, 30, 10 * gib, now + 31*dayMS},
		{"plan without days keeps live expiry", 10 * gib, now + dayMS, 20, 0, 30 * gib, now + dayMS},
		{"plan without days on expired client", 10 * gib, now - dayMS, 20, 0, 30 * gib, now},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := &models.Plan{GB: tt.gb, Days: tt.days}
			total, expiry := renewedAllocation(tt.curTotal, tt.curExpiry, plan, now)
			if total != tt.wantTotal || expiry != tt.wantExpiry {
				t.Fatalf("renewedAllocation() = (%d, %d), want (%d, %d)", total, expiry, tt.wantTotal, tt.wantExpiry)
			}
		})
	}
}

func TestFreshAllocation(t *testing.T) {
	const now = int64(1_700_000_000_000)
	total, expiry := freshAllocation(&models.Plan{GB: 50, Days: 30}, now)
	if total != 50*utils.GiB || expiry != now+30*dayMS {
		t.Fatalf("freshAllocation() = (%d, %d)", total, expiry)
	}
	total, expiry = freshAllocation(&models.Plan{}, now)
	if total != 0 || expiry != 0 {
		t.Fatalf("unlimited plan = (%d, %d), want (0, 0)", total, expiry)
	}
}
