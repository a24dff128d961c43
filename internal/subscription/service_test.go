package subscription_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"pingx/internal/models"
	"pingx/internal/panel"
	"pingx/internal/panel/paneltest"
	"pingx/internal/pkg/locker"
	"pingx/internal/pkg/testdb"
	"pingx/internal/subscription"
)

const (
	gib     = int64(1) << 30
	dayMS   = int64(86_400_000)
	inbound = testdb.InboundID
	userID  = int64(1001)
)

type recorder struct {
	mu      sync.Mutex
	links   []string
	notices []string
	fail    bool
}

func (r *recorder) DeliverLink(_ context.Context, _ int64, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("bot was blocked by the user")
	}
	r.links = append(r.links, url)
	return nil
}

func (r *recorder) Notify(_ context.Context, _ int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("bot was blocked by the user")
	}
	r.notices = append(r.notices, text)
	return nil
}

type fixture struct {
	db   *gorm.DB
	srv  *paneltest.Server
	sess *panel.Session
	svc  *subscription.Service
	repo *subscription.Repos
	msgs *recorder
	now  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testdb.Open(t)
	srv := paneltest.New(t)
	srv.AddInbound(inbound, "main")
	sess := panel.NewSession(panel.Config{BaseURL: srv.URL, Username: srv.Username, Password: srv.Password}, zap.NewNop())
	repos := subscription.NewRepos(db)
	msgs := &recorder{}
	svc := subscription.NewService(subscription.Config{InboundID: inbound, AdminIDs: []int64{1}},
		sess, repos, locker.NewMemory(), msgs, zap.NewNop())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.SetClock(func() time.Time { return now })
	return &fixture{db: db, srv: srv, sess: sess, svc: svc, repo: repos, msgs: msgs, now: now}
}

func (f *fixture) fund(t *testing.T, amount int64) {
	t.Helper()
	if err := f.repo.User.Credit(userID, amount); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	b, err := f.repo.User.Balance(userID)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func (f *fixture) purchaseCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	if err := f.db.Model(&models.Purchase{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		t.Fatal(err)
	}
	return n
}

func (f *fixture) addPlan(t *testing.T, id string, days, gb int, price int64) {
	t.Helper()
	if err := f.repo.Plan.Save(&models.Plan{ID: id, Title: id, Days: days, GB: gb, Price: price,
		Flags: datatypes.NewJSONType(models.PlanFlags{})}); err != nil {
		t.Fatal(err)
	}
}

func buy(planID string) subscription.BuyRequest {
	return subscription.BuyRequest{UserID: userID, Username: "neo", PlanID: planID}
}

// Scenario A
func TestBuyInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100_000)

	_, err := f.svc.Buy(context.Background(), buy("vol_pro"))
	if !errors.Is(err, subscription.ErrInsufficientFunds) {
		t.Fatalf("Buy() error = %v, want ErrInsufficientFunds", err)
	}
	if b := f.balance(t); b != 100_000 {
		t.Fatalf("balance = %d, want 100000", b)
	}
	if n := f.purchaseCount(t); n != 0 {
		t.Fatalf("purchases = %d, want 0", n)
	}
	if f.srv.Calls("/panel/api/inbounds/addClient") != 0 {
		t.Fatal("panel was called for an unfunded purchase")
	}
}

// Scenario B
func TestBuyRefundsWhenPanelFails(t *testing.T) {
	f := newFixture(t)
	// an inbound the fake panel refuses to rewrite, with every add failing
	f.srv.AddInbound(inbound, "")
	f.srv.FailAdds = true
	f.fund(t, 200_000)

	_, err := f.svc.Buy(context.Background(), buy("vol_pro"))
	if !errors.Is(err, subscription.ErrProvisioningFailed) {
		t.Fatalf("Buy() error = %v, want ErrProvisioningFailed", err)
	}
	if !errors.Is(err, panel.ErrUnverified) {
		t.Fatalf("Buy() error = %v, want the panel cause wrapped", err)
	}
	if b := f.balance(t); b != 200_000 {
		t.Fatalf("balance = %d, want 200000 after refund", b)
	}
	if n := f.purchaseCount(t); n != 0 {
		t.Fatalf("purchases = %d, want 0", n)
	}
	if len(f.msgs.links) != 0 {
		t.Fatal("a link was delivered for a failed purchase")
	}
}

func TestBuyFresh(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100_000)

	res, err := f.svc.Buy(context.Background(), buy("vol_lite"))
	if err != nil {
		t.Fatalf("Buy() error = %v", err)
	}
	p := res.Purchase
	if res.Renewal || res.Price != 49_000 || res.Balance != 51_000 {
		t.Fatalf("Buy() = %+v", res)
	}
	if !strings.HasPrefix(p.ClientEmail, "neo-vol_lite-") || p.SubID == "" {
		t.Fatalf("purchase = %+v", p)
	}
	if want := "https://sub.example.com:2096/sub/" + p.SubID; p.SubLink != want {
		t.Fatalf("link = %q, want %q", p.SubLink, want)
	}
	if p.ExpiryMS != f.now.UnixMilli()+30*dayMS || p.AllocatedGB != 25 {
		t.Fatalf("allocation expiry=%d gb=%d", p.ExpiryMS, p.AllocatedGB)
	}

	stored := f.srv.Client(inbound, p.ClientEmail)
	if stored == nil || stored["subId"] != p.SubID || stored["limitIp"] != float64(2) {
		t.Fatalf("panel client = %v", stored)
	}
	if len(f.msgs.links) != 1 || f.msgs.links[0] != p.SubLink {
		t.Fatalf("delivered links = %v", f.msgs.links)
	}
}

func TestBuyDeliveryFailureKeepsPurchase(t *testing.T) {
	f := newFixture(t)
	f.msgs.fail = true
	f.fund(t, 100_000)

	if _, err := f.svc.Buy(context.Background(), buy("vol_lite")); err != nil {
		t.Fatalf("Buy() error = %v", err)
	}
	if n := f.purchaseCount(t); n != 1 {
		t.Fatalf("purchases = %d, want 1", n)
	}
}

// Scenario C
func TestBuyRenewsActivePurchase(t *testing.T) {
	f := newFixture(t)
	f.addPlan(t, "vol_30", 30, 30, 60_000)
	f.fund(t, 200_000)
	ctx := context.Background()

	first, err := f.svc.Buy(ctx, buy("vol_plus"))
	if err != nil {
		t.Fatalf("first Buy() error = %v", err)
	}
	expiryT := first.Purchase.ExpiryMS

	second, err := f.svc.Buy(ctx, buy("vol_30"))
	if err != nil {
		t.Fatalf("renewal Buy() error = %v", err)
	}
	if !second.Renewal {
		t.Fatal("second purchase was not a renewal")
	}
	np := second.Purchase
	if np.ClientID != first.Purchase.ClientID || np.ClientEmail != first.Purchase.ClientEmail {
		t.Fatal("renewal changed the panel client")
	}

	c, err := f.sess.GetClient(ctx, inbound, np.ClientID, "")
	if err != nil {
		t.Fatal(err)
	}
	if c.TotalBytes != 80*gib {
		t.Fatalf("panel total = %d GiB, want 80", c.TotalBytes/gib)
	}
	wantExpiry := expiryT + 30*dayMS
	if c.ExpiryTime != wantExpiry || np.ExpiryMS != wantExpiry {
		t.Fatalf("expiry panel=%d row=%d, want %d", c.ExpiryTime, np.ExpiryMS, wantExpiry)
	}

	old, err := f.repo.Purchase.FindByID(first.Purchase.ID)
	if err != nil {
		t.Fatal(err)
	}
	if old.Active || old.SupersededBy == nil || *old.SupersededBy != np.ID {
		t.Fatalf("old purchase = %+v", old)
	}
	if n, _ := f.repo.Purchase.CountUsable(userID, inbound, f.now.UnixMilli()); n != 1 {
		t.Fatalf("usable rows = %d, want 1", n)
	}
	if f.srv.ClientCount(inbound, np.ClientEmail) != 1 {
		t.Fatal("renewal duplicated the panel client")
	}
	if b := f.balance(t); b != 200_000-85_000-60_000 {
		t.Fatalf("balance = %d", b)
	}
	if meta := np.Meta.Data(); !meta.Renewal || meta.PreviousPurchaseID != first.Purchase.ID {
		t.Fatalf("meta = %+v", meta)
	}
}

func TestRenewalKeepsUnlimitedQuota(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 300_000)
	ctx := context.Background()

	first, err := f.svc.Buy(ctx, buy("time_gold"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Buy(ctx, buy("vol_lite")); err != nil {
		t.Fatal(err)
	}
	c, err := f.sess.GetClient(ctx, inbound, first.Purchase.ClientID, "")
	if err != nil {
		t.Fatal(err)
	}
	if c.TotalBytes != 0 {
		t.Fatalf("total = %d, want unlimited", c.TotalBytes)
	}
	if c.ExpiryTime != first.Purchase.ExpiryMS+30*dayMS {
		t.Fatalf("expiry = %d", c.ExpiryTime)
	}
}

func TestRenewalAfterPanelClientRemoved(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 200_000)
	ctx := context.Background()

	first, err := f.svc.Buy(ctx, buy("vol_lite"))
	if err != nil {
		t.Fatal(err)
	}
	// the client disappears from the panel, e.g. deleted by an operator
	f.srv.AddInbound(inbound, "main")

	second, err := f.svc.Buy(ctx, buy("vol_lite"))
	if err != nil {
		t.Fatalf("Buy() error = %v", err)
	}
	if second.Renewal || second.Purchase.ClientID == first.Purchase.ClientID {
		t.Fatalf("expected a fresh client, got %+v", second)
	}
	if n, _ := f.repo.Purchase.CountUsable(userID, inbound, f.now.UnixMilli()); n != 1 {
		t.Fatalf("usable rows = %d, want 1", n)
	}
}

func TestConcurrentRenewalsAreSerialized(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 1_000_000)
	ctx := context.Background()

	first, err := f.svc.Buy(ctx, buy("vol_lite"))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Buy(ctx, buy("vol_lite"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Buy() error = %v", err)
		}
	}

	c, err := f.sess.GetClient(ctx, inbound, first.Purchase.ClientID, "")
	if err != nil {
		t.Fatal(err)
	}
	if c.TotalBytes != 5*25*gib {
		t.Fatalf("total = %d GiB, want 125", c.TotalBytes/gib)
	}
	if n, _ := f.repo.Purchase.CountUsable(userID, inbound, f.now.UnixMilli()); n != 1 {
		t.Fatalf("usable rows = %d, want 1", n)
	}
}

func TestBuyPlanRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Buy(ctx, buy("nope")); !errors.Is(err, subscription.ErrPlanNotFound) {
		t.Fatalf("unknown plan error = %v", err)
	}
	if _, err := f.svc.Buy(ctx, buy("admtrial7")); !errors.Is(err, subscription.ErrAdminOnly) {
		t.Fatalf("admin plan error = %v", err)
	}
	if _, err := f.svc.Buy(ctx, buy("trial1")); err != nil {
		t.Fatalf("first trial error = %v", err)
	}
	if _, err := f.svc.Buy(ctx, buy("trial1")); !errors.Is(err, subscription.ErrTestAlreadyUsed) {
		t.Fatalf("second trial error = %v", err)
	}

	admin := subscription.BuyRequest{UserID: 1, Username: "root", PlanID: "admtrial7"}
	if _, err := f.svc.Buy(ctx, admin); err != nil {
		t.Fatalf("admin trial error = %v", err)
	}
}

func TestBuyAppliesDiscount(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100_000)
	if err := f.repo.Setting.Set(models.SettingGlobalDiscountPercent, "20"); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.Buy(context.Background(), buy("vol_lite"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Price != 39_200 || f.balance(t) != 60_800 {
		t.Fatalf("price = %d, balance = %d", res.Price, f.balance(t))
	}
	if res.Purchase.Meta.Data().BasePrice != 49_000 {
		t.Fatal("base price not recorded")
	}
}

func TestBuyWithoutPanel(t *testing.T) {
	f := newFixture(t)
	f.fund(t, 100_000)
	var none *panel.Session
	svc := subscription.NewService(subscription.Config{InboundID: inbound}, none, f.repo, nil, nil, zap.NewNop())

	if _, err := svc.Buy(context.Background(), buy("vol_lite")); !errors.Is(err, subscription.ErrPanelUnavailable) {
		t.Fatalf("Buy() error = %v, want ErrPanelUnavailable", err)
	}
	if f.balance(t) != 100_000 {
		t.Fatal("wallet debited without a panel")
	}
}

func TestFinalPrice(t *testing.T) {
	tests := []struct {
		base     int64
		discount int
		want     int64
	}{
		{49_000, 0, 49_000},
		{49_000, 10, 44_100},
		{99_999, 33, 66_999},
		{100_000, 95, 10_000},
		{100_000, -5, 100_000},
		{0, 50, 0},
	}
	for _, tt := range tests {
		if got := subscription.FinalPrice(tt.base, tt.discount); got != tt.want {
			t.Errorf("FinalPrice(%d, %d) = %d, want %d", tt.base, tt.discount, got, tt.want)
		}
	}
}
