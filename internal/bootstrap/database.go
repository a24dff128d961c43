package bootstrap

import (
	"fmt"
	"strconv"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"pingx/internal/models"
	"pingx/internal/repository"
)

// Defaults are the configuration values copied into the settings table on
// first start. Existing rows are never overwritten.
type Defaults struct {
	InboundID int
	SubHost   string
	SubScheme string
	SubPath   string
	SubPort   int
}

// MigrateAndSeed ensures required tables exist and inserts baseline settings and plans.
func MigrateAndSeed(db *gorm.DB, d Defaults) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	if err := seedDefaults(db, d); err != nil {
		return fmt.Errorf("seed defaults failed: %w", err)
	}
	return nil
}

func allModels() []interface{} {
	return []interface{}{
		&models.User{},
		&models.Plan{},
		&models.Purchase{},
		&models.UsageCache{},
		&models.TopUp{},
		&models.Setting{},
		&models.AuditLog{},
	}
}

func seedDefaults(db *gorm.DB, d Defaults) error {
	return db.Transaction(func(tx *gorm.DB) error {
		if err := ensureDefaultSettings(repository.NewSettingRepository(tx), d); err != nil {
			return err
		}
		return repository.NewPlanRepository(tx).CreateIfMissing(DefaultPlans())
	})
}

func ensureDefaultSettings(settings *repository.SettingRepository, d Defaults) error {
	scheme := d.SubScheme
	if scheme == "" {
		scheme = "https"
	}
	path := d.SubPath
	if path == "" {
		path = "/sub/"
	}
	port := d.SubPort
	if port <= 0 {
		port = 2096
	}

	defaults := []models.Setting{
		{Key: models.SettingActiveInboundID, Value: strconv.Itoa(d.InboundID)},
		{Key: models.SettingSubHost, Value: d.SubHost},
		{Key: models.SettingSubScheme, Value: scheme},
		{Key: models.SettingSubPath, Value: path},
		{Key: models.SettingSubPort, Value: strconv.Itoa(port)},
		{Key: models.SettingGlobalDiscountPercent, Value: "0"},
		{Key: models.SettingAdminIDs, Value: ""},
		{Key: models.SettingSupportIDs, Value: ""},
		{Key: models.SettingWelcomeTemplate, Value: "👋 Welcome to PingX!"},
		{Key: models.SettingPurchaseSuccessTemplate, Value: "🥳 Your subscription is ready. The link has been sent to you."},
		{Key: models.SettingPurchaseFailedTemplate, Value: "⚠️ Creating your subscription failed and your wallet was refunded. Please contact support."},
		{Key: models.SettingPaymentReceiptTemplate, Value: "🧾 Your top-up request was recorded and will be reviewed shortly."},
	}
	for _, s := range defaults {
		if err := settings.SetIfMissing(s.Key, s.Value); err != nil {
			return fmt.Errorf("setting %s: %w", s.Key, err)
		}
	}
	return nil
}

// DefaultPlans is the catalogue seeded on first start.
func DefaultPlans() []models.Plan {
	plan := func(order int, id, title string, days, gb int, price int64, flags models.PlanFlags) models.Plan {
		return models.Plan{
			ID:        id,
			Title:     title,
			Days:      days,
			GB:        gb,
			Price:     price,
			Flags:     datatypes.NewJSONType(flags),
			SortOrder: order,
		}
	}
	return []models.Plan{
		plan(1, "vol_lite", "Ping Lite ⚡️ | 25 GB | 2 devices", 30, 25, 49_000, models.PlanFlags{DeviceLimit: 2}),
		plan(2, "vol_plus", "Ping Plus 🚀 | 50 GB | 2 devices", 30, 50, 85_000, models.PlanFlags{DeviceLimit: 2}),
		plan(3, "vol_pro", "Ping Pro 💎 | 100 GB | 3 devices", 30, 100, 150_000, models.PlanFlags{DeviceLimit: 3}),
		plan(4, "vol_ultra", "Ping Ultra 🏆 | 200 GB | 3 devices", 30, 200, 249_000, models.PlanFlags{DeviceLimit: 3}),
		plan(5, "time_gold", "Monthly Gold | 30 days | 2 devices | unlimited", 30, 0, 99_000, models.PlanFlags{DeviceLimit: 2}),
		plan(6, "time_platinum", "Quarterly Platinum | 90 days | 3 devices", 90, 0, 269_000, models.PlanFlags{DeviceLimit: 3}),
		plan(7, "time_premium", "Half-year Premium | 180 days | 3 devices", 180, 0, 499_000, models.PlanFlags{DeviceLimit: 3}),
		plan(8, "time_diamond", "Yearly Diamond | 365 days | 3 devices", 365, 0, 899_000, models.PlanFlags{DeviceLimit: 3}),
		plan(9, "trial1", "1-day trial | free", 1, 0, 0, models.PlanFlags{Test: true}),
		plan(10, "admtrial7", "7-day trial (admin)", 7, 0, 0, models.PlanFlags{AdminOnly: true, Test: true}),
	}
}
