package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"ticketing-checkout/internal/models"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Session     SessionConfig     `mapstructure:"session"`
	MobileMoney MobileMoneyConfig `mapstructure:"mobile_money"`
	Card        CardConfig        `mapstructure:"card"`
	FX          FXConfig          `mapstructure:"fx"`
	Checkout    CheckoutConfig    `mapstructure:"checkout"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	Env          string        `mapstructure:"env"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	AllowedOrigins    []string      `mapstructure:"allowed_origins"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"` // Full database URL
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxOpen  int    `mapstructure:"max_open"`
	MaxIdle  int    `mapstructure:"max_idle"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SessionConfig struct {
	Secret     string `mapstructure:"secret"`
	CookieName string `mapstructure:"cookie_name"`
}

type MobileMoneyConfig struct {
	ConsumerKey    string `mapstructure:"consumer_key"`
	ConsumerSecret string `mapstructure:"consumer_secret"`
	Environment    string `mapstructure:"environment"`
	CallbackURL    string `mapstructure:"callback_url"`
	IPNID          string `mapstructure:"ipn_id"`
	StoreName      string `mapstructure:"store_name"`
}

type CardConfig struct {
	SecretKey          string `mapstructure:"secret_key"`
	WebhookSecret      string `mapstructure:"webhook_secret"`
	BaseURL            string `mapstructure:"base_url"`
	SettlementCurrency string `mapstructure:"settlement_currency"`
}

type FXConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	APIKey    string `mapstructure:"api_key"`
	MarginBps int    `mapstructure:"margin_bps"`
}

type CheckoutConfig struct {
	AllowedMethods     []string      `mapstructure:"allowed_methods"`
	FallbackFeePercent float64       `mapstructure:"fallback_fee_percent"`
	MaxQuantityPerType int           `mapstructure:"max_quantity_per_type"`
	VerifyTimeout      time.Duration `mapstructure:"verify_timeout"`
	VerifyMaxAttempts  int           `mapstructure:"verify_max_attempts"`
	VerifyBaseDelay    time.Duration `mapstructure:"verify_base_delay"`
	PendingOrderTTL    time.Duration `mapstructure:"pending_order_ttl"`
	WorkerInterval     time.Duration `mapstructure:"worker_interval"`
	CartTTL            time.Duration `mapstructure:"cart_ttl"`
	AcceptancePolicy   string        `mapstructure:"acceptance_policy"`
	ReturnURL          string        `mapstructure:"return_url"`
}

type NotifyConfig struct {
	Backend      string   `mapstructure:"backend"` // log, rabbitmq or kafka
	AMQPURL      string   `mapstructure:"amqp_url"`
	Exchange     string   `mapstructure:"exchange"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

type IdempotencyConfig struct {
	Path string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envBindings maps config keys onto the environment variable names used in
// deployment .env files
var envBindings = map[string]string{
	"server.port":                    "PORT",
	"server.host":                    "HOST",
	"server.env":                     "ENV",
	"server.read_timeout":            "SERVER_READ_TIMEOUT",
	"server.write_timeout":           "SERVER_WRITE_TIMEOUT",
	"server.allowed_origins":         "CORS_ALLOWED_ORIGINS",
	"server.rate_limit_requests":     "RATE_LIMIT_REQUESTS",
	"server.rate_limit_window":       "RATE_LIMIT_WINDOW",
	"database.url":                   "DATABASE_URL",
	"database.host":                  "DB_HOST",
	"database.port":                  "DB_PORT",
	"database.user":                  "DB_USER",
	"database.password":              "DB_PASSWORD",
	"database.name":                  "DB_NAME",
	"database.sslmode":               "DB_SSLMODE",
	"database.max_open":              "DB_MAX_OPEN_CONNS",
	"database.max_idle":              "DB_MAX_IDLE_CONNS",
	"redis.addr":                     "REDIS_ADDR",
	"redis.password":                 "REDIS_PASSWORD",
	"redis.db":                       "REDIS_DB",
	"session.secret":                 "SESSION_SECRET",
	"session.cookie_name":            "SESSION_COOKIE_NAME",
	"mobile_money.consumer_key":      "MOBILE_MONEY_CONSUMER_KEY",
	"mobile_money.consumer_secret":   "MOBILE_MONEY_CONSUMER_SECRET",
	"mobile_money.environment":       "MOBILE_MONEY_ENVIRONMENT",
	"mobile_money.callback_url":      "MOBILE_MONEY_CALLBACK_URL",
	"mobile_money.ipn_id":            "MOBILE_MONEY_IPN_ID",
	"mobile_money.store_name":        "MOBILE_MONEY_STORE_NAME",
	"card.secret_key":                "CARD_SECRET_KEY",
	"card.webhook_secret":            "CARD_WEBHOOK_SECRET",
	"card.base_url":                  "CARD_BASE_URL",
	"card.settlement_currency":       "CARD_SETTLEMENT_CURRENCY",
	"fx.base_url":                    "FX_BASE_URL",
	"fx.api_key":                     "FX_API_KEY",
	"fx.margin_bps":                  "FX_MARGIN_BPS",
	"checkout.allowed_methods":       "CHECKOUT_ALLOWED_METHODS",
	"checkout.fallback_fee_percent":  "CHECKOUT_FALLBACK_FEE_PERCENT",
	"checkout.max_quantity_per_type": "CHECKOUT_MAX_QUANTITY_PER_TYPE",
	"checkout.verify_timeout":        "CHECKOUT_VERIFY_TIMEOUT",
	"checkout.verify_max_attempts":   "CHECKOUT_VERIFY_MAX_ATTEMPTS",
	"checkout.verify_base_delay":     "CHECKOUT_VERIFY_BASE_DELAY",
	"checkout.pending_order_ttl":     "CHECKOUT_PENDING_ORDER_TTL",
	"checkout.worker_interval":       "CHECKOUT_WORKER_INTERVAL",
	"checkout.cart_ttl":              "CHECKOUT_CART_TTL",
	"checkout.acceptance_policy":     "CHECKOUT_ACCEPTANCE_POLICY",
	"checkout.return_url":            "CHECKOUT_RETURN_URL",
	"notify.backend":                 "NOTIFY_BACKEND",
	"notify.amqp_url":                "NOTIFY_AMQP_URL",
	"notify.exchange":                "NOTIFY_EXCHANGE",
	"notify.kafka_brokers":           "NOTIFY_KAFKA_BROKERS",
	"notify.kafka_topic":             "NOTIFY_KAFKA_TOPIC",
	"idempotency.path":               "IDEMPOTENCY_DB_PATH",
	"log.level":                      "LOG_LEVEL",
	"log.format":                     "LOG_FORMAT",
}

// setDefaults sets the values used when nothing is configured
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.rate_limit_requests", 20)
	v.SetDefault("server.rate_limit_window", time.Minute)

	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "ticketing_checkout")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open", 25)
	v.SetDefault("database.max_idle", 5)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("session.secret", "")
	v.SetDefault("session.cookie_name", "checkout_session")

	v.SetDefault("mobile_money.consumer_key", "")
	v.SetDefault("mobile_money.consumer_secret", "")
	v.SetDefault("mobile_money.environment", "sandbox")
	v.SetDefault("mobile_money.callback_url", "http://localhost:8080/api/payments/callback")
	v.SetDefault("mobile_money.ipn_id", "")
	v.SetDefault("mobile_money.store_name", "Event Tickets")

	v.SetDefault("card.secret_key", "")
	v.SetDefault("card.webhook_secret", "")
	v.SetDefault("card.base_url", "")
	v.SetDefault("card.settlement_currency", "USD")

	v.SetDefault("fx.base_url", "")
	v.SetDefault("fx.api_key", "")
	v.SetDefault("fx.margin_bps", 150)

	v.SetDefault("checkout.allowed_methods", []string{string(models.PaymentMobileMoney), string(models.PaymentCard)})
	v.SetDefault("checkout.fallback_fee_percent", 2.0)
	v.SetDefault("checkout.max_quantity_per_type", 100)
	v.SetDefault("checkout.verify_timeout", 8*time.Second)
	v.SetDefault("checkout.verify_max_attempts", 4)
	v.SetDefault("checkout.verify_base_delay", 500*time.Millisecond)
	v.SetDefault("checkout.pending_order_ttl", 2*time.Hour)
	v.SetDefault("checkout.worker_interval", time.Minute)
	v.SetDefault("checkout.cart_ttl", 24*time.Hour)
	v.SetDefault("checkout.acceptance_policy", "strict")
	v.SetDefault("checkout.return_url", "")

	v.SetDefault("notify.backend", "log")
	v.SetDefault("notify.amqp_url", "")
	v.SetDefault("notify.exchange", "orders")
	v.SetDefault("notify.kafka_brokers", []string{})
	v.SetDefault("notify.kafka_topic", "order-confirmations")

	v.SetDefault("idempotency.path", "data/idempotency.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "")
}

// Load reads .env files, an optional config file named by CONFIG_FILE, and
// the environment, in increasing order of precedence
func Load() (*Config, error) {
	// Load .env files if they exist (try .env.local first, then .env)
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")

	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.Database.URL != "" {
		cfg.Database = parseDatabaseURL(cfg.Database)
	}

	cfg.Checkout.AllowedMethods = normalizeList(cfg.Checkout.AllowedMethods, true)
	cfg.Notify.KafkaBrokers = normalizeList(cfg.Notify.KafkaBrokers, false)
	cfg.Server.AllowedOrigins = normalizeList(cfg.Server.AllowedOrigins, false)
	cfg.Card.SettlementCurrency = models.NormalizeCurrency(cfg.Card.SettlementCurrency)

	return &cfg, nil
}

// IsProduction returns true when running in production
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// MethodAllowed returns true if the payment method is enabled
func (c *Config) MethodAllowed(method models.PaymentMethod) bool {
	for _, m := range c.Checkout.AllowedMethods {
		if m == string(method) {
			return true
		}
	}
	return false
}

// Validate checks settings that would make the service unsafe to start
func (c *Config) Validate() error {
	if c.IsProduction() && c.Session.Secret == "" {
		return &models.ConfigurationError{Key: "SESSION_SECRET", Message: "is required in production"}
	}

	if len(c.Checkout.AllowedMethods) == 0 {
		return &models.ConfigurationError{Key: "CHECKOUT_ALLOWED_METHODS", Message: "must enable at least one payment method"}
	}

	for _, m := range c.Checkout.AllowedMethods {
		if !models.PaymentMethod(m).IsValid() {
			return &models.ConfigurationError{Key: "CHECKOUT_ALLOWED_METHODS", Message: fmt.Sprintf("contains unsupported method %q", m)}
		}
	}

	if c.IsProduction() {
		if c.MethodAllowed(models.PaymentMobileMoney) && (c.MobileMoney.ConsumerKey == "" || c.MobileMoney.ConsumerSecret == "") {
			return &models.ConfigurationError{Key: "MOBILE_MONEY_CONSUMER_KEY", Message: "credentials are required when mobile money is enabled"}
		}
		if c.MethodAllowed(models.PaymentCard) && c.Card.SecretKey == "" {
			return &models.ConfigurationError{Key: "CARD_SECRET_KEY", Message: "is required when card payments are enabled"}
		}
		if c.Checkout.AcceptancePolicy != "strict" {
			return &models.ConfigurationError{Key: "CHECKOUT_ACCEPTANCE_POLICY", Message: "must be strict in production"}
		}
	}

	if c.Checkout.VerifyMaxAttempts < 1 {
		return &models.ConfigurationError{Key: "CHECKOUT_VERIFY_MAX_ATTEMPTS", Message: "must be at least 1"}
	}

	if c.Checkout.FallbackFeePercent < 0 {
		return &models.ConfigurationError{Key: "CHECKOUT_FALLBACK_FEE_PERCENT", Message: "cannot be negative"}
	}

	return nil
}

// DSN returns the lib/pq connection string
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

func parseDatabaseURL(config DatabaseConfig) DatabaseConfig {
	u, err := url.Parse(config.URL)
	if err != nil {
		// If parsing fails, keep the URL as-is
		return config
	}

	config.Host = u.Hostname()
	if u.Port() != "" {
		config.Port, _ = strconv.Atoi(u.Port())
	} else {
		config.Port = 5432
	}

	if u.User != nil {
		config.User = u.User.Username()
		config.Password, _ = u.User.Password()
	}

	config.DBName = strings.TrimPrefix(u.Path, "/")

	config.SSLMode = u.Query().Get("sslmode")
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}

	return config
}

// normalizeList trims entries, splits comma-joined values, and drops blanks
func normalizeList(values []string, upper bool) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if upper {
				part = strings.ToUpper(part)
			}
			out = append(out, part)
		}
	}
	return out
}
