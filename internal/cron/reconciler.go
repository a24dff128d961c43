package cron

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pingx/internal/config"
	"pingx/internal/metrics"
	"pingx/internal/models"
	"pingx/internal/notify"
	"pingx/internal/repository"
)

const (
	usageWarnLow   = 0.80
	usageWarnHigh  = 0.83
	dayMS          = int64(24 * time.Hour / time.Millisecond)
	noticeCooldown = 24 * time.Hour
)

// expiryNoticeDays are the days-left values that trigger an expiry notice.
var expiryNoticeDays = map[int]bool{3: true, 1: true}

// UsageSource refreshes the usage cache row of one purchase.
// *subscription.Service implements it.
type UsageSource interface {
	PanelEnabled() bool
	RefreshUsage(ctx context.Context, p *models.Purchase) (*models.UsageCache, error)
}

// Reconciler polls live usage for active purchases and sends the 80% usage
// and 3/1 day expiry notices, each at most once per purchase.
type Reconciler struct {
	cron      *cron.Cron
	source    UsageSource
	purchases *repository.PurchaseRepository
	usage     *repository.UsageRepository
	messenger notify.Messenger
	logger    *zap.Logger

	initialDelay time.Duration
	interval     time.Duration
	now          func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	first   sync.WaitGroup // the delayed first pass
}

// NewReconciler builds the loop. It does nothing until Start.
func NewReconciler(cfg config.SchedulerConfig, source UsageSource, purchases *repository.PurchaseRepository,
	usage *repository.UsageRepository, messenger notify.Messenger, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if messenger == nil {
		messenger = notify.Nop{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = 0
	}
	logger = logger.Named("reconciler")
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cron:         cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl)),
		source:       source,
		purchases:    purchases,
		usage:        usage,
		messenger:    messenger,
		logger:       logger,
		initialDelay: cfg.InitialDelay,
		interval:     cfg.Interval,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetClock replaces the time source used for expiry maths.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// Start runs the first pass after the initial delay, then one pass every
// interval. A pass still running when the next is due is skipped.
func (r *Reconciler) Start() {
	r.logger.Info("Starting reconciler",
		zap.Duration("initial_delay", r.initialDelay),
		zap.Duration("interval", r.interval),
	)
	r.cron.Schedule(cron.Every(r.interval), cron.FuncJob(func() { r.RunOnce(r.ctx) }))

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	r.first.Add(1)
	r.timer = time.AfterFunc(r.initialDelay, func() {
		defer r.first.Done()
		if r.ctx.Err() != nil {
			return
		}
		r.RunOnce(r.ctx)

		r.mu.Lock()
		defer r.mu.Unlock()
		if !r.stopped {
			r.cron.Start()
		}
	})
}

// Stop cancels the running pass and stops scheduling. The returned context
// is done once the delayed first pass and any scheduled pass have returned.
func (r *Reconciler) Stop() context.Context {
	r.mu.Lock()
	r.stopped = true
	if r.timer != nil && r.timer.Stop() {
		// never fired, so its Done will not run
		r.first.Done()
	}
	r.mu.Unlock()
	r.cancel()
	cronDone := r.cron.Stop()

	ctx, done := context.WithCancel(context.Background())
	go func() {
		r.first.Wait()
		<-cronDone.Done()
		done()
	}()
	return ctx
}

// RunOnce performs one usage poll followed by one notification pass.
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.pollUsage(ctx)
	r.pollNotifications(ctx)
}

func (r *Reconciler) pollUsage(ctx context.Context) {
	defer r.recoverFromPanic("poll_usage")
	if !r.source.PanelEnabled() {
		return
	}
	metrics.ReconcilerPasses.WithLabelValues("usage").Inc()

	rows, err := r.purchases.ListUsable(r.now().UnixMilli())
	if err != nil {
		r.logger.Error("List usable purchases failed", zap.Error(err))
		return
	}
	for i := range rows {
		if ctx.Err() != nil {
			return
		}
		p := &rows[i]
		if _, err := r.source.RefreshUsage(ctx, p); err != nil {
			metrics.ReconcilerErrors.WithLabelValues("usage").Inc()
			r.logger.Warn("Usage sync failed",
				zap.Uint("purchase_id", p.ID),
				zap.Int("inbound_id", p.InboundID),
				zap.Error(err),
			)
		}
	}
}

func (r *Reconciler) pollNotifications(ctx context.Context) {
	defer r.recoverFromPanic("poll_notifications")
	metrics.ReconcilerPasses.WithLabelValues("notifications").Inc()

	rows, err := r.purchases.ListActive()
	if err != nil {
		r.logger.Error("List active purchases failed", zap.Error(err))
		return
	}
	now := r.now()
	for i := range rows {
		if ctx.Err() != nil {
			return
		}
		r.checkUsage(ctx, &rows[i])
		r.checkExpiry(ctx, &rows[i], now)
	}
}

// checkUsage sends the usage warning on first entry into [0.80, 0.83).
func (r *Reconciler) checkUsage(ctx context.Context, p *models.Purchase) {
	cached, err := r.usage.Get(p.ID)
	if err != nil {
		metrics.ReconcilerErrors.WithLabelValues("notifications").Inc()
		r.logger.Warn("Read usage cache failed", zap.Uint("purchase_id", p.ID), zap.Error(err))
		return
	}
	if cached == nil || cached.Total <= 0 || cached.LastUsageWarn == models.UsageWarn80 {
		return
	}
	ratio := cached.Ratio()
	if ratio < usageWarnLow || ratio >= usageWarnHigh {
		return
	}

	text := fmt.Sprintf("⚠️ Subscription #%d has used %d%% of its traffic.", p.ID, int(ratio*100))
	if !r.send(ctx, p, "usage", text) {
		return
	}
	if err := r.usage.SetUsageWarn(p.ID, models.UsageWarn80); err != nil {
		r.logger.Error("Record usage notice failed", zap.Uint("purchase_id", p.ID), zap.Error(err))
	}
}

// checkExpiry sends the expiry notice when exactly 3 or 1 days are left,
// once per value and never twice within a day.
func (r *Reconciler) checkExpiry(ctx context.Context, p *models.Purchase, now time.Time) {
	if p.ExpiryMS <= 0 {
		return
	}
	left := daysLeft(p.ExpiryMS, now.UnixMilli())
	if left <= 0 || !expiryNoticeDays[left] {
		return
	}
	if p.LastExpiryNotice != nil && *p.LastExpiryNotice == left {
		return
	}
	if p.LastExpiryNoticeAt != nil && now.Sub(*p.LastExpiryNoticeAt) < noticeCooldown {
		return
	}

	text := fmt.Sprintf("⏳ Subscription #%d expires in %d day(s).", p.ID, left)
	if !r.send(ctx, p, "expiry", text) {
		return
	}
	if err := r.purchases.SetExpiryNotice(p.ID, left, now); err != nil {
		r.logger.Error("Record expiry notice failed", zap.Uint("purchase_id", p.ID), zap.Error(err))
	}
}

func (r *Reconciler) send(ctx context.Context, p *models.Purchase, kind, text string) bool {
	if err := r.messenger.Notify(ctx, p.UserID, text); err != nil {
		metrics.Notifications.WithLabelValues(kind, "failed").Inc()
		r.logger.Warn("Notice not delivered",
			zap.String("kind", kind),
			zap.Uint("purchase_id", p.ID),
			zap.Int64("user_id", p.UserID),
			zap.Error(err),
		)
		return false
	}
	metrics.Notifications.WithLabelValues(kind, "sent").Inc()
	return true
}

func (r *Reconciler) recoverFromPanic(phase string) {
	if rec := recover(); rec != nil {
		r.logger.Error("Reconciler pass panicked", zap.String("phase", phase), zap.Any("error", rec))
	}
}

// daysLeft rounds the remaining time up to whole days.
func daysLeft(expiryMS, nowMS int64) int {
	return int(math.Ceil(float64(expiryMS-nowMS) / float64(dayMS)))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
