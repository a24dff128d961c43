package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"pingx/internal/config"
	"pingx/internal/models"
	"pingx/internal/panel"
	"pingx/internal/panel/paneltest"
	"pingx/internal/pkg/locker"
	"pingx/internal/pkg/testdb"
	"pingx/internal/subscription"
)

const gib = int64(1) << 30

type inbox struct {
	mu    sync.Mutex
	texts []string
	fail  bool
}

func (b *inbox) DeliverLink(context.Context, int64, string) error { return nil }

func (b *inbox) Notify(_ context.Context, _ int64, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail {
		return errors.New("forbidden: bot was blocked by the user")
	}
	b.texts = append(b.texts, text)
	return nil
}

func (b *inbox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.texts)
}

type harness struct {
	srv   *paneltest.Server
	repos *subscription.Repos
	svc   *subscription.Service
	rec   *Reconciler
	box   *inbox
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testdb.Open(t)
	srv := paneltest.New(t)
	srv.AddInbound(testdb.InboundID, "main")
	sess := panel.NewSession(panel.Config{BaseURL: srv.URL, Username: srv.Username, Password: srv.Password}, zap.NewNop())
	repos := subscription.NewRepos(db)
	svc := subscription.NewService(subscription.Config{InboundID: testdb.InboundID}, sess, repos, locker.NewMemory(), nil, zap.NewNop())

	h := &harness{srv: srv, repos: repos, svc: svc, box: &inbox{}, now: time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)}
	svc.SetClock(func() time.Time { return h.now })
	h.rec = NewReconciler(config.SchedulerConfig{Interval: time.Hour}, svc, repos.Purchase, repos.Usage, h.box, zap.NewNop())
	h.rec.SetClock(func() time.Time { return h.now })
	return h
}

// buy provisions a purchase through the real service so the panel has the client.
func (h *harness) buy(t *testing.T, userID int64, planID string) *models.Purchase {
	t.Helper()
	if err := h.repos.User.Credit(userID, 1_000_000); err != nil {
		t.Fatal(err)
	}
	res, err := h.svc.Buy(context.Background(), subscription.BuyRequest{UserID: userID, Username: "u", PlanID: planID})
	if err != nil {
		t.Fatalf("Buy() error = %v", err)
	}
	return res.Purchase
}

func TestUsageNoticeFiresOnce(t *testing.T) {
	h := newHarness(t)
	p := h.buy(t, 1, "vol_pro") // 100 GiB
	ctx := context.Background()

	h.srv.SetTraffic(testdb.InboundID, p.ClientEmail, 40*gib, 41*gib)
	h.rec.RunOnce(ctx)
	h.rec.RunOnce(ctx)
	if n := h.box.count(); n != 1 {
		t.Fatalf("notices = %d, want 1", n)
	}
	row, _ := h.repos.Usage.Get(p.ID)
	if row == nil || row.LastUsageWarn != models.UsageWarn80 || row.Used() != 81*gib {
		t.Fatalf("usage row = %+v", row)
	}

	// usage keeps growing; the marker survives the cache refresh
	h.srv.SetTraffic(testdb.InboundID, p.ClientEmail, 41*gib, 41*gib)
	h.rec.RunOnce(ctx)
	if n := h.box.count(); n != 1 {
		t.Fatalf("notices after growth = %d, want 1", n)
	}
}

// Scenario D
func TestUsageNoticeSkipsWhenPastBand(t *testing.T) {
	h := newHarness(t)
	p := h.buy(t, 1, "vol_pro")

	h.srv.SetTraffic(testdb.InboundID, p.ClientEmail, 40*gib, 45*gib)
	h.rec.RunOnce(context.Background())
	if n := h.box.count(); n != 0 {
		t.Fatalf("notices at 85%% = %d, want 0", n)
	}
}

func TestUsageNoticeRetriedAfterFailedSend(t *testing.T) {
	h := newHarness(t)
	p := h.buy(t, 1, "vol_pro")
	ctx := context.Background()
	h.srv.SetTraffic(testdb.InboundID, p.ClientEmail, 0, 80*gib)

	h.box.fail = true
	h.rec.RunOnce(ctx)
	if row, _ := h.repos.Usage.Get(p.ID); row == nil || row.LastUsageWarn != "" {
		t.Fatalf("marker set after failed send: %+v", row)
	}

	h.box.fail = false
	h.rec.RunOnce(ctx)
	h.rec.RunOnce(ctx)
	if n := h.box.count(); n != 1 {
		t.Fatalf("notices = %d, want 1", n)
	}
}

func TestUnlimitedPurchaseGetsNoUsageNotice(t *testing.T) {
	h := newHarness(t)
	p := h.buy(t, 1, "time_gold")
	h.srv.SetTraffic(testdb.InboundID, p.ClientEmail, 500*gib, 500*gib)

	h.rec.RunOnce(context.Background())
	if n := h.box.count(); n != 0 {
		t.Fatalf("notices = %d, want 0", n)
	}
}

func TestExpiryNotices(t *testing.T) {
	h := newHarness(t)
	p := h.buy(t, 1, "vol_lite") // expires now + 30 days
	ctx := context.Background()
	expiry := time.UnixMilli(p.ExpiryMS)

	h.now = expiry.Add(-60 * time.Hour) // ceil(2.5) = 3
	h.rec.RunOnce(ctx)
	h.rec.RunOnce(ctx)
	if n := h.box.count(); n != 1 {
		t.Fatalf("3-day notices = %d, want 1", n)
	}
	stored, _ := h.repos.Purchase.FindByID(p.ID)
	if stored.LastExpiryNotice == nil || *stored.LastExpiryNotice != 3 {
		t.Fatalf("marker = %v", stored.LastExpiryNotice)
	}

	h.now = expiry.Add(-40 * time.Hour) // 2 days left: nothing
	h.rec.RunOnce(ctx)
	if n := h.box.count(); n != 1 {
		t.Fatalf("notices at 2 days = %d, want 1", n)
	}

	h.now = expiry.Add(-12 * time.Hour) // 1 day left, 48h after the last notice
	h.rec.RunOnce(ctx)
	h.rec.RunOnce(ctx)
	if n := h.box.count(); n != 2 {
		t.Fatalf("notices at 1 day = %d, want 2", n)
	}

	h.now = expiry.Add(time.Hour) // expired
	h.rec.RunOnce(ctx)
	if n := h.box.count(); n != 2 {
		t.Fatalf("notices after expiry = %d, want 2", n)
	}
}

func TestExpiryNoticeAfterEarlierThreshold(t *testing.T) {
	h := newHarness(t)
	p := h.buy(t, 1, "vol_lite")
	expiry := time.UnixMilli(p.ExpiryMS)

	h.now = expiry.Add(-49 * time.Hour) // 3 days left
	h.rec.RunOnce(context.Background())
	h.now = expiry.Add(-23 * time.Hour) // 1 day left, 26h after the first notice
	h.rec.RunOnce(context.Background())
	if n := h.box.count(); n != 2 {
		t.Fatalf("notices = %d, want 2", n)
	}
}

func TestExpiryNoticeCooldown(t *testing.T) {
	h := newHarness(t)
	p := h.buy(t, 1, "vol_lite")
	at := time.UnixMilli(p.ExpiryMS).Add(-20 * time.Hour)
	if err := h.repos.Purchase.SetExpiryNotice(p.ID, 3, at.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	h.now = at
	h.rec.RunOnce(context.Background())
	if n := h.box.count(); n != 0 {
		t.Fatalf("notice inside cooldown = %d, want 0", n)
	}
}

func TestPollUsageIsolatesRowFailures(t *testing.T) {
	h := newHarness(t)
	good := h.buy(t, 1, "vol_pro")
	bad := h.buy(t, 2, "vol_pro")
	// the second client vanishes from the panel
	h.srv.AddInbound(testdb.InboundID, "main")
	h.srv.SeedClient(testdb.InboundID, map[string]interface{}{
		"id": good.ClientID, "email": good.ClientEmail, "enable": true, "totalGB": 100 * gib,
	})
	h.srv.SetTraffic(testdb.InboundID, good.ClientEmail, gib, gib)

	h.rec.RunOnce(context.Background())

	if row, _ := h.repos.Usage.Get(good.ID); row == nil || row.Used() != 2*gib {
		t.Fatalf("good row = %+v", row)
	}
	if row, _ := h.repos.Usage.Get(bad.ID); row != nil {
		t.Fatalf("bad row cached: %+v", row)
	}
}

func TestStartRunsFirstPassAfterDelay(t *testing.T) {
	h := newHarness(t)
	p := h.buy(t, 1, "vol_pro")
	h.srv.SetTraffic(testdb.InboundID, p.ClientEmail, 0, 81*gib)

	h.rec.initialDelay = 10 * time.Millisecond
	h.rec.Start()
	deadline := time.Now().Add(3 * time.Second)
	for h.box.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	<-h.rec.Stop().Done()

	if n := h.box.count(); n != 1 {
		t.Fatalf("notices = %d, want 1", n)
	}
}

// gatedSource parks the first usage poll until release is closed.
type gatedSource struct {
	entered chan struct{}
	release chan struct{}
}

func (s *gatedSource) PanelEnabled() bool {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-s.release
	return false
}

func (s *gatedSource) RefreshUsage(context.Context, *models.Purchase) (*models.UsageCache, error) {
	return nil, errors.New("not reached")
}

func TestStopWaitsForFirstPass(t *testing.T) {
	repos := subscription.NewRepos(testdb.Open(t))
	src := &gatedSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
	rec := NewReconciler(config.SchedulerConfig{Interval: time.Hour}, src, repos.Purchase, repos.Usage, &inbox{}, zap.NewNop())

	rec.Start()
	select {
	case <-src.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("first pass did not start")
	}

	stopped := rec.Stop()
	select {
	case <-stopped.Done():
		t.Fatal("Stop finished while the first pass was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(src.release)
	select {
	case <-stopped.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not finish after the first pass returned")
	}
}

func TestStopBeforeFirstPass(t *testing.T) {
	repos := subscription.NewRepos(testdb.Open(t))
	src := &gatedSource{entered: make(chan struct{}, 1), release: make(chan struct{})}
	rec := NewReconciler(config.SchedulerConfig{Interval: time.Hour, InitialDelay: time.Hour}, src, repos.Purchase, repos.Usage, &inbox{}, zap.NewNop())

	rec.Start()
	select {
	case <-rec.Stop().Done():
	case <-time.After(3 * time.Second):
		t.Fatal("Stop hung waiting for a pass that never ran")
	}
	select {
	case <-src.entered:
		t.Fatal("pass ran after Stop")
	default:
	}
}

func TestDaysLeft(t *testing.T) {
	day := int64(86_400_000)
	tests := []struct {
		delta int64
		want  int
	}{
		{3 * day, 3},
		{2*day + 1, 3},
		{day, 1},
		{1, 1},
		{0, 0},
		{-day / 2, 0},
	}
	for _, tt := range tests {
		if got := daysLeft(1_000_000_000_000+tt.delta, 1_000_000_000_000); got != tt.want {
			t.Errorf("daysLeft(+%d) = %d, want %d", tt.delta, got, tt.want)
		}
	}
}
