// Package subscription turns plan purchases into panel clients and keeps the
// wallet, the panel and the purchase records consistent.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"pingx/internal/metrics"
	"pingx/internal/models"
	"pingx/internal/notify"
	"pingx/internal/panel"
	"pingx/internal/pkg/locker"
	"pingx/internal/pkg/utils"
	"pingx/internal/repository"
)

// Panel is the part of *panel.Session the service uses. A nil *panel.Session
// satisfies it and reports Enabled() == false.
type Panel interface {
	Enabled() bool
	Host() string
	AddClient(ctx context.Context, inboundID int, spec panel.ClientSpec) (*panel.Client, error)
	GetClient(ctx context.Context, inboundID int, clientID, email string) (*panel.Client, error)
	UpdateClient(ctx context.Context, inboundID int, clientID string, c panel.Client) (*panel.Client, error)
	RotateSubID(ctx context.Context, inboundID int, clientID string) (string, error)
	GetClientStats(ctx context.Context, inboundID int, clientID, email string) (*panel.ClientStats, error)
}

// Repos groups the repositories the service reads and writes.
type Repos struct {
	User     *repository.UserRepository
	Plan     *repository.PlanRepository
	Purchase *repository.PurchaseRepository
	Usage    *repository.UsageRepository
	Setting  *repository.SettingRepository
	Audit    *repository.AuditRepository
	TopUp    *repository.TopUpRepository
}

// NewRepos builds every repository on db.
func NewRepos(db *gorm.DB) *Repos {
	return &Repos{
		User:     repository.NewUserRepository(db),
		Plan:     repository.NewPlanRepository(db),
		Purchase: repository.NewPurchaseRepository(db),
		Usage:    repository.NewUsageRepository(db),
		Setting:  repository.NewSettingRepository(db),
		Audit:    repository.NewAuditRepository(db),
		TopUp:    repository.NewTopUpRepository(db),
	}
}

// Config tunes the service.
type Config struct {
	// InboundID is used when the ACTIVE_INBOUND_ID setting is unset.
	InboundID int
	AdminIDs  []int64
	// LockTTL bounds how long a crashed holder can keep a subscription locked.
	LockTTL time.Duration
	// LockWait bounds how long a request waits for the lock.
	LockWait time.Duration
}

// Service is the provisioning orchestrator.
type Service struct {
	panel     Panel
	repos     *Repos
	locks     locker.Locker
	messenger notify.Messenger
	logger    *zap.Logger
	cfg       Config
	now       func() time.Time
}

// NewService wires the orchestrator. messenger and locks may be nil.
func NewService(cfg Config, p Panel, repos *Repos, locks locker.Locker, messenger notify.Messenger, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locks == nil {
		locks = locker.NewMemory()
	}
	if messenger == nil {
		messenger = notify.Nop{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 30 * time.Second
	}
	return &Service{
		panel:     p,
		repos:     repos,
		locks:     locks,
		messenger: messenger,
		logger:    logger.Named("subscription"),
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock replaces the time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// PanelEnabled reports whether a panel is configured.
func (s *Service) PanelEnabled() bool {
	return s.panel != nil && s.panel.Enabled()
}

// IsAdmin checks the configured admin ids and the ADMIN_IDS setting.
func (s *Service) IsAdmin(userID int64) bool {
	for _, id := range s.cfg.AdminIDs {
		if id == userID {
			return true
		}
	}
	for _, id := range s.repos.Setting.IDList(models.SettingAdminIDs) {
		if id == userID {
			return true
		}
	}
	return false
}

// ActiveInboundID is the inbound new purchases are provisioned on.
func (s *Service) ActiveInboundID() int {
	return s.repos.Setting.ActiveInboundID(s.cfg.InboundID)
}

// Plans lists the plans a user may buy, with the current discount applied.
func (s *Service) Plans(userID int64) ([]Offer, error) {
	plans, err := s.repos.Plan.FindAll(s.IsAdmin(userID))
	if err != nil {
		return nil, err
	}
	discount := s.repos.Setting.GlobalDiscountPercent()
	offers := make([]Offer, 0, len(plans))
	for i := range plans {
		offers = append(offers, Offer{
			Plan:            plans[i],
			Price:           FinalPrice(plans[i].Price, discount),
			DiscountPercent: discount,
		})
	}
	return offers, nil
}

// Offer is a plan with its price after discount.
type Offer struct {
	Plan            models.Plan
	Price           int64
	DiscountPercent int
}

// BuyRequest identifies the buyer and the plan.
type BuyRequest struct {
	UserID    int64
	Username  string
	FirstName string
	LastName  string
	PlanID    string
	// InboundID overrides the active inbound when set.
	InboundID int
}

// BuyResult describes a completed purchase.
type BuyResult struct {
	Purchase *models.Purchase
	Renewal  bool
	Price    int64
	Link     string
	Balance  int64
}

// Buy debits the wallet, creates or extends the panel client and records the
// purchase. Any failure after the debit credits the wallet back and returns
// an error wrapping ErrProvisioningFailed.
func (s *Service) Buy(ctx context.Context, req BuyRequest) (*BuyResult, error) {
	plan, err := s.repos.Plan.FindByID(req.PlanID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s: %w", req.PlanID, err)
	}

	flags := plan.Options()
	if flags.AdminOnly && !s.IsAdmin(req.UserID) {
		metrics.Purchases.WithLabelValues("-", "rejected").Inc()
		return nil, ErrAdminOnly
	}
	if flags.Test {
		used, err := s.repos.Purchase.HasTestPurchase(req.UserID)
		if err != nil {
			return nil, err
		}
		if used {
			metrics.Purchases.WithLabelValues("-", "rejected").Inc()
			return nil, ErrTestAlreadyUsed
		}
	}
	if !s.PanelEnabled() {
		return nil, ErrPanelUnavailable
	}

	discount := s.repos.Setting.GlobalDiscountPercent()
	price := FinalPrice(plan.Price, discount)
	inboundID := req.InboundID
	if inboundID <= 0 {
		inboundID = s.ActiveInboundID()
	}

	if req.Username != "" || req.FirstName != "" || req.LastName != "" {
		if err := s.repos.User.Upsert(&models.User{
			ID:        req.UserID,
			Username:  req.Username,
			FirstName: req.FirstName,
			LastName:  req.LastName,
		}); err != nil {
			return nil, fmt.Errorf("save user %d: %w", req.UserID, err)
		}
	}

	unlock, err := s.lock(ctx, req.UserID, inboundID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := s.repos.User.Debit(req.UserID, price); err != nil {
		if errors.Is(err, repository.ErrInsufficientFunds) {
			metrics.Purchases.WithLabelValues("-", "insufficient").Inc()
		}
		return nil, err
	}

	log := s.logger.With(
		zap.Int64("user_id", req.UserID),
		zap.String("plan_id", plan.ID),
		zap.Int("inbound_id", inboundID),
		zap.Int64("price", price),
	)
	o := order{req: req, plan: plan, price: price, discount: discount, inboundID: inboundID}

	p, renewal, err := s.provision(ctx, o, log)
	if err != nil {
		kind := "fresh"
		if renewal {
			kind = "renewal"
		}
		metrics.Purchases.WithLabelValues(kind, "failed").Inc()
		log.Error("Provisioning failed, refunding wallet", zap.Error(err))
		if cerr := s.repos.User.Credit(req.UserID, price); cerr != nil {
			log.Error("Wallet refund failed", zap.Error(cerr))
			return nil, fmt.Errorf("%w: %w (refund failed: %v)", ErrProvisioningFailed, err, cerr)
		}
		metrics.WalletRollbacks.Inc()
		s.audit(req.UserID, "purchase_failed", map[string]interface{}{
			"plan_id": plan.ID, "inbound_id": inboundID, "error": err.Error(),
		})
		return nil, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
	}

	kind := "fresh"
	if renewal {
		kind = "renewal"
	}
	metrics.Purchases.WithLabelValues(kind, "ok").Inc()
	log.Info("Purchase completed",
		zap.Uint("purchase_id", p.ID),
		zap.Bool("renewal", renewal),
		zap.String("client_id", p.ClientID),
	)
	s.audit(req.UserID, "purchase_confirm", map[string]interface{}{
		"purchase_id": p.ID, "plan_id": plan.ID, "inbound_id": inboundID, "renewal": renewal,
	})

	if p.SubLink != "" {
		if err := s.messenger.DeliverLink(ctx, req.UserID, p.SubLink); err != nil {
			log.Warn("Link delivery failed", zap.Error(err))
		}
	}

	balance, _ := s.repos.User.Balance(req.UserID)
	return &BuyResult{
		Purchase: p,
		Renewal:  renewal,
		Price:    price,
		Link:     p.SubLink,
		Balance:  balance,
	}, nil
}

type order struct {
	req       BuyRequest
	plan      *models.Plan
	price     int64
	discount  int
	inboundID int
}

// provision runs the panel side of a purchase and records it. The returned
// bool reports whether it was a renewal.
func (s *Service) provision(ctx context.Context, o order, log *zap.Logger) (*models.Purchase, bool, error) {
	nowMS := s.now().UnixMilli()
	active, err := s.repos.Purchase.FindActiveForInbound(o.req.UserID, o.inboundID, nowMS)
	if err != nil {
		return nil, false, fmt.Errorf("find active purchase: %w", err)
	}
	if active != nil && active.ClientID != "" {
		p, err := s.renew(ctx, o, active, nowMS)
		if !errors.Is(err, panel.ErrNotFound) {
			return p, true, err
		}
		log.Warn("Active purchase has no panel client, provisioning a new one",
			zap.Uint("purchase_id", active.ID),
			zap.String("client_id", active.ClientID),
		)
	}
	p, err := s.fresh(ctx, o, nowMS)
	return p, false, err
}

func (s *Service) renew(ctx context.Context, o order, active *models.Purchase, nowMS int64) (*models.Purchase, error) {
	client, err := s.panel.GetClient(ctx, o.inboundID, active.ClientID, active.ClientEmail)
	if err != nil {
		return nil, fmt.Errorf("read client %s: %w", active.ClientID, err)
	}

	total, expiry := renewedAllocation(client.TotalBytes, client.ExpiryTime, o.plan, nowMS)
	client.TotalBytes = total
	client.ExpiryTime = expiry
	client.Enable = true
	if client.SubID == "" {
		client.SubID = firstNonEmpty(active.SubID, utils.RandomHex(6))
	}
	updated, err := s.panel.UpdateClient(ctx, o.inboundID, client.ID, *client)
	if err != nil {
		return nil, fmt.Errorf("extend client %s: %w", client.ID, err)
	}

	p := &models.Purchase{
		UserID:      o.req.UserID,
		PlanID:      o.plan.ID,
		Price:       o.price,
		ClientID:    updated.ID,
		InboundID:   o.inboundID,
		ClientEmail: updated.Email,
		SubID:       updated.SubID,
		SubLink:     s.BuildSubscribeURL(updated.SubID),
		AllocatedGB: int(updated.TotalBytes / utils.GiB),
		ExpiryMS:    updated.ExpiryTime,
		Meta: datatypes.NewJSONType(models.PurchaseMeta{
			Test:               o.plan.Options().Test,
			Renewal:            true,
			PreviousPurchaseID: active.ID,
			BasePrice:          o.plan.Price,
			DiscountPercent:    o.discount,
			DeviceLimit:        o.plan.Options().DeviceLimit,
		}),
	}
	if err := s.repos.Purchase.InsertActive(p); err != nil {
		return nil, fmt.Errorf("record renewal: %w", err)
	}
	return p, nil
}

func (s *Service) fresh(ctx context.Context, o order, nowMS int64) (*models.Purchase, error) {
	handle := utils.SafeName(o.req.Username, o.req.FirstName, o.req.LastName, o.req.UserID)
	total, expiry := freshAllocation(o.plan, nowMS)
	flags := o.plan.Options()
	remark := fmt.Sprintf("%s | %d", displayName(o.req), o.req.UserID)

	client, err := s.panel.AddClient(ctx, o.inboundID, panel.ClientSpec{
		Email:      utils.ClientEmail(handle, o.plan.ID),
		TotalBytes: total,
		ExpiryTime: expiry,
		LimitIP:    flags.DeviceLimit,
		Remark:     remark,
	})
	if err != nil {
		return nil, fmt.Errorf("add client: %w", err)
	}
	if client.SubID == "" {
		c := *client
		c.SubID = utils.RandomHex(6)
		if client, err = s.panel.UpdateClient(ctx, o.inboundID, c.ID, c); err != nil {
			return nil, fmt.Errorf("set sub id on %s: %w", c.ID, err)
		}
	}

	p := &models.Purchase{
		UserID:      o.req.UserID,
		PlanID:      o.plan.ID,
		Price:       o.price,
		ClientID:    client.ID,
		InboundID:   o.inboundID,
		ClientEmail: client.Email,
		SubID:       client.SubID,
		SubLink:     s.BuildSubscribeURL(client.SubID),
		AllocatedGB: o.plan.GB,
		ExpiryMS:    client.ExpiryTime,
		Meta: datatypes.NewJSONType(models.PurchaseMeta{
			Test:            flags.Test,
			BasePrice:       o.plan.Price,
			DiscountPercent: o.discount,
			DeviceLimit:     flags.DeviceLimit,
			Remark:          remark,
		}),
	}
	if err := s.repos.Purchase.InsertActive(p); err != nil {
		s.logger.Error("Panel client created but purchase not recorded",
			zap.Int64("user_id", o.req.UserID),
			zap.String("client_id", client.ID),
			zap.String("email", client.Email),
			zap.Error(err),
		)
		return nil, fmt.Errorf("record purchase: %w", err)
	}
	return p, nil
}

// lock serializes panel read-modify-writes on one (user, inbound) pair.
func (s *Service) lock(ctx context.Context, userID int64, inboundID int) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWait)
	defer cancel()
	unlock, err := s.locks.Lock(lockCtx, fmt.Sprintf("sub:%d:%d", userID, inboundID), s.cfg.LockTTL)
	if err != nil {
		if errors.Is(err, locker.ErrTimeout) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("lock subscription: %w", err)
	}
	return unlock, nil
}

func (s *Service) audit(userID int64, action string, meta map[string]interface{}) {
	if s.repos.Audit == nil {
		return
	}
	if err := s.repos.Audit.Log(userID, action, meta); err != nil {
		s.logger.Warn("Audit log write failed", zap.String("action", action), zap.Error(err))
	}
}

func displayName(req BuyRequest) string {
	name := strings.TrimSpace(req.FirstName + " " + req.LastName)
	if name != "" {
		return name
	}
	if req.Username != "" {
		return req.Username
	}
	return fmt.Sprint(req.UserID)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
