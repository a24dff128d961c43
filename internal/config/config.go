package config

import (
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Bot          BotConfig
	API          APIConfig
	Panel        PanelConfig
	Subscription SubscriptionConfig
	Scheduler    SchedulerConfig
}

type ServerConfig struct {
	Port int
	Env  string // "development", "production"
}

type DatabaseConfig struct {
	Host       string
	Port       string
	Name       string
	User       string
	Pass       string
	Charset    string
	SQLitePath string // used when Name is empty
}

type RedisConfig struct {
	Addr      string // empty disables Redis
	Pass      string
	DB        int
	KeyPrefix string // namespace for lock and webhook keys
}

type BotConfig struct {
	Token      string
	WebhookURL string
	AdminIDs   []int64
	Username   string
	UpdateMode string        // "polling" or "webhook"
	APIURL     string        // empty uses api.telegram.org
	UpdateTTL  time.Duration // how long a webhook update id is remembered
}

type APIConfig struct {
	Key string
}

type PanelConfig struct {
	BaseURL            string
	Username           string
	Password           string
	InboundID          int
	Timeout            time.Duration
	InsecureSkipVerify bool
}

type SubscriptionConfig struct {
	Host   string // empty falls back to the panel host
	Scheme string
	Port   int
	Path   string
}

type SchedulerConfig struct {
	InitialDelay time.Duration
	Interval     time.Duration
}

// Load reads configuration from .env file and environment variables.
func Load() (*Config, error) {
	// Load .env file (ignore error if missing)
	_ = godotenv.Load()

	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("APP_PORT", 8080)
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("DB_HOST", "localhost")
	viper.SetDefault("DB_PORT", "3306")
	viper.SetDefault("DB_CHARSET", "utf8mb4")
	viper.SetDefault("DB_SQLITE_PATH", "pingx.db")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("REDIS_KEY_PREFIX", "pingx")
	viper.SetDefault("BOT_UPDATE_TTL", "10m")
	viper.SetDefault("BOT_UPDATE_MODE", "polling")
	viper.SetDefault("THREEXUI_INBOUND_ID", 39)
	viper.SetDefault("PANEL_TIMEOUT", "20s")
	viper.SetDefault("PANEL_INSECURE_TLS", true)
	viper.SetDefault("SUB_SCHEME", "https")
	viper.SetDefault("SUB_PORT", 2096)
	viper.SetDefault("SUB_PATH", "/sub/")
	viper.SetDefault("RECONCILE_INITIAL_DELAY", "5s")
	viper.SetDefault("RECONCILE_INTERVAL", "30m")

	cfg := &Config{
		Server: ServerConfig{
			Port: viper.GetInt("APP_PORT"),
			Env:  viper.GetString("APP_ENV"),
		},
		Database: DatabaseConfig{
			Host:       viper.GetString("DB_HOST"),
			Port:       viper.GetString("DB_PORT"),
			Name:       viper.GetString("DB_NAME"),
			User:       viper.GetString("DB_USER"),
			Pass:       viper.GetString("DB_PASS"),
			Charset:    viper.GetString("DB_CHARSET"),
			SQLitePath: viper.GetString("DB_SQLITE_PATH"),
		},
		Redis: RedisConfig{
			Addr:      viper.GetString("REDIS_ADDR"),
			Pass:      viper.GetString("REDIS_PASS"),
			DB:        viper.GetInt("REDIS_DB"),
			KeyPrefix: strings.TrimSuffix(viper.GetString("REDIS_KEY_PREFIX"), ":"),
		},
		Bot: BotConfig{
			Token:      viper.GetString("BOT_TOKEN"),
			WebhookURL: viper.GetString("BOT_WEBHOOK_URL"),
			AdminIDs:   parseIDs(viper.GetString("BOT_ADMIN_IDS")),
			Username:   viper.GetString("BOT_USERNAME"),
			UpdateMode: strings.ToLower(viper.GetString("BOT_UPDATE_MODE")),
			APIURL:     viper.GetString("BOT_API_URL"),
			UpdateTTL:  durationOr("BOT_UPDATE_TTL", 10*time.Minute),
		},
		API: APIConfig{
			Key: viper.GetString("API_KEY"),
		},
		Panel: PanelConfig{
			BaseURL:            viper.GetString("THREEXUI_BASE_URL"),
			Username:           viper.GetString("THREEXUI_USERNAME"),
			Password:           viper.GetString("THREEXUI_PASSWORD"),
			InboundID:          viper.GetInt("THREEXUI_INBOUND_ID"),
			Timeout:            durationOr("PANEL_TIMEOUT", 20*time.Second),
			InsecureSkipVerify: viper.GetBool("PANEL_INSECURE_TLS"),
		},
		Subscription: SubscriptionConfig{
			Host:   viper.GetString("SUB_HOST"),
			Scheme: viper.GetString("SUB_SCHEME"),
			Port:   viper.GetInt("SUB_PORT"),
			Path:   viper.GetString("SUB_PATH"),
		},
		Scheduler: SchedulerConfig{
			InitialDelay: durationOr("RECONCILE_INITIAL_DELAY", 5*time.Second),
			Interval:     durationOr("RECONCILE_INTERVAL", 30*time.Minute),
		},
	}

	if cfg.Database.Name == "" {
		log.Printf("WARNING: DB_NAME is not set, using SQLite at %s", cfg.Database.SQLitePath)
	}
	if cfg.Bot.Token == "" {
		log.Println("WARNING: BOT_TOKEN is not set")
	}
	if cfg.Panel.BaseURL == "" {
		log.Println("WARNING: THREEXUI_BASE_URL is not set, purchases are disabled")
	}

	return cfg, nil
}

// IsDevelopment reports whether APP_ENV is development.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// DSN returns the MySQL DSN string for GORM.
func (d *DatabaseConfig) DSN() string {
	return d.User + ":" + d.Pass + "@tcp(" + d.Host + ":" + d.Port + ")/" + d.Name + "?charset=" + d.Charset + "&parseTime=True&loc=Local"
}

func durationOr(key string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(viper.GetString(key))
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func parseIDs(raw string) []int64 {
	var out []int64
	for _, f := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if n, err := strconv.ParseInt(f, 10, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}
