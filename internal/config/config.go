package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates the settings of the fiscalization service.
type Config struct {
	HTTP      HTTPConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Ferma     FermaConfig
	Reconcile ReconcileConfig
	Notify    NotifyConfig
	Logging   LoggingConfig
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	CORSOrigins     []string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	Database string
	Schema   string
}

// DSN renders the pgx connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=disable&search_path=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.Schema,
	)
}

type RedisConfig struct {
	URL string
}

// FermaConfig holds credentials, receipt defaults and fallback timings for the fiscal service.
type FermaConfig struct {
	BaseURL        string
	Login          string
	Password       string
	INN            string
	GroupCode      string
	TaxationSystem string
	IsInternet     bool
	BillAddress    string
	Vat            string
	PaymentType    int
	PaymentMethod  int
	Measure        string
	Timezone       int
	PublicBaseURL  string
	CallbackPath   string
	RequestTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	TrustedCIDRs   []string

	FallbackDelay    time.Duration
	FallbackRetries  int
	FallbackInterval time.Duration
}

// CallbackURL is the absolute webhook URL sent with every receipt, empty when
// no public base URL is configured.
func (c FermaConfig) CallbackURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return strings.TrimRight(c.PublicBaseURL, "/") + c.CallbackPath
}

type ReconcileConfig struct {
	QueueSize     int
	Concurrency   int
	Tick          time.Duration
	RecoveryLimit int
}

type NotifyConfig struct {
	TelegramToken    string
	TelegramAPIURL   string
	DefaultRecipient string
}

type LoggingConfig struct {
	Level  string
	Format string
}

// legacyEnv maps config keys to the environment names used by existing deployments.
var legacyEnv = map[string]string{
	"ferma.fallback_delay_sec":    "FERMA_STATUS_FALLBACK_DELAY_SEC",
	"ferma.fallback_retries":      "FERMA_STATUS_FALLBACK_RETRIES",
	"ferma.fallback_interval_sec": "FERMA_STATUS_FALLBACK_INTERVAL_SEC",
	"ferma.public_base_url":       "PUBLIC_BASE_URL",
	"notify.telegram_token":       "TELEGRAM_BOT_TOKEN",
	"notify.telegram_api_url":     "TELEGRAM_API_URL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout_sec", 10)
	v.SetDefault("http.cors_origins", "")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.username", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.database", "postgres")
	v.SetDefault("db.schema", "public")

	v.SetDefault("redis.url", "")

	v.SetDefault("ferma.base_url", "https://ferma.ofd.ru")
	v.SetDefault("ferma.login", "")
	v.SetDefault("ferma.password", "")
	v.SetDefault("ferma.inn", "")
	v.SetDefault("ferma.group_code", "")
	v.SetDefault("ferma.taxation_system", "SimpleIn")
	v.SetDefault("ferma.is_internet", false)
	v.SetDefault("ferma.bill_address", "")
	v.SetDefault("ferma.vat", "VatNo")
	v.SetDefault("ferma.payment_type", 4)
	v.SetDefault("ferma.payment_method", 4)
	v.SetDefault("ferma.measure", "PIECE")
	v.SetDefault("ferma.timezone", 0)
	v.SetDefault("ferma.public_base_url", "")
	v.SetDefault("ferma.callback_path", "/webhook/ferma")
	v.SetDefault("ferma.request_timeout_sec", 30)
	v.SetDefault("ferma.max_attempts", 5)
	v.SetDefault("ferma.initial_backoff_ms", 600)
	v.SetDefault("ferma.trusted_cidrs", "")
	v.SetDefault("ferma.fallback_delay_sec", 180)
	v.SetDefault("ferma.fallback_retries", 5)
	v.SetDefault("ferma.fallback_interval_sec", 180)

	v.SetDefault("reconcile.queue_size", 1024)
	v.SetDefault("reconcile.concurrency", 4)
	v.SetDefault("reconcile.tick_ms", 1000)
	v.SetDefault("reconcile.recovery_limit", 500)

	v.SetDefault("notify.telegram_token", "")
	v.SetDefault("notify.telegram_api_url", "https://api.telegram.org")
	v.SetDefault("notify.default_recipient", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration from defaults, an optional YAML file named by
// FISCALD_CONFIG and the environment, in increasing priority.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("FISCALD_CONFIG"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:            v.GetString("http.addr"),
			ShutdownTimeout: seconds(v.GetInt("http.shutdown_timeout_sec")),
			CORSOrigins:     splitList(v.GetString("http.cors_origins")),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("db.host"),
			Port:     v.GetString("db.port"),
			Username: v.GetString("db.username"),
			Password: v.GetString("db.password"),
			Database: v.GetString("db.database"),
			Schema:   v.GetString("db.schema"),
		},
		Redis: RedisConfig{URL: v.GetString("redis.url")},
		Ferma: FermaConfig{
			BaseURL:          v.GetString("ferma.base_url"),
			Login:            v.GetString("ferma.login"),
			Password:         v.GetString("ferma.password"),
			INN:              strings.TrimSpace(v.GetString("ferma.inn")),
			GroupCode:        strings.TrimSpace(v.GetString("ferma.group_code")),
			TaxationSystem:   v.GetString("ferma.taxation_system"),
			IsInternet:       v.GetBool("ferma.is_internet"),
			BillAddress:      v.GetString("ferma.bill_address"),
			Vat:              v.GetString("ferma.vat"),
			PaymentType:      v.GetInt("ferma.payment_type"),
			PaymentMethod:    v.GetInt("ferma.payment_method"),
			Measure:          v.GetString("ferma.measure"),
			Timezone:         v.GetInt("ferma.timezone"),
			PublicBaseURL:    v.GetString("ferma.public_base_url"),
			CallbackPath:     v.GetString("ferma.callback_path"),
			RequestTimeout:   seconds(v.GetInt("ferma.request_timeout_sec")),
			MaxAttempts:      v.GetInt("ferma.max_attempts"),
			InitialBackoff:   time.Duration(v.GetInt("ferma.initial_backoff_ms")) * time.Millisecond,
			TrustedCIDRs:     splitList(v.GetString("ferma.trusted_cidrs")),
			FallbackDelay:    seconds(v.GetInt("ferma.fallback_delay_sec")),
			FallbackRetries:  v.GetInt("ferma.fallback_retries"),
			FallbackInterval: seconds(v.GetInt("ferma.fallback_interval_sec")),
		},
		Reconcile: ReconcileConfig{
			QueueSize:     v.GetInt("reconcile.queue_size"),
			Concurrency:   v.GetInt("reconcile.concurrency"),
			Tick:          time.Duration(v.GetInt("reconcile.tick_ms")) * time.Millisecond,
			RecoveryLimit: v.GetInt("reconcile.recovery_limit"),
		},
		Notify: NotifyConfig{
			TelegramToken:    v.GetString("notify.telegram_token"),
			TelegramAPIURL:   v.GetString("notify.telegram_api_url"),
			DefaultRecipient: v.GetString("notify.default_recipient"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !strings.HasPrefix(c.Ferma.CallbackPath, "/") {
		return fmt.Errorf("FERMA_CALLBACK_PATH must start with '/', got %q", c.Ferma.CallbackPath)
	}
	if c.Ferma.Timezone < 0 || c.Ferma.Timezone > 11 {
		return fmt.Errorf("FERMA_TIMEZONE must be within 0..11, got %d", c.Ferma.Timezone)
	}
	if c.Ferma.MaxAttempts < 1 {
		return fmt.Errorf("FERMA_MAX_ATTEMPTS must be positive, got %d", c.Ferma.MaxAttempts)
	}
	if c.Reconcile.QueueSize < 1 || c.Reconcile.Concurrency < 1 || c.Reconcile.Tick <= 0 {
		return fmt.Errorf("reconcile queue size, concurrency and tick must be positive")
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}
