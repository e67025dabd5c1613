package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ManuelReschke/agentbilling/internal/pkg/env"
)

const (
	EnvLocal      = "local"
	EnvStaging    = "staging"
	EnvProduction = "production"
)

const (
	DowngradeImmediate          = "immediate"
	DowngradeRejectSameInterval = "reject_same_interval"
	DowngradeAtPeriodEnd        = "at_period_end"
)

// Config is built once at startup and handed to every component.
type Config struct {
	App      AppConfig
	Database DatabaseConfig
	Cache    CacheConfig
	Stripe   StripeConfig
	Billing  BillingConfig
	Metrics  MetricsConfig
	Internal InternalConfig
}

type AppConfig struct {
	Host string `validate:"required"`
	Port string `validate:"required,numeric"`
	Env  string `validate:"oneof=local staging production"`
}

type DatabaseConfig struct {
	User     string `validate:"required"`
	Password string
	Host     string `validate:"required"`
	Port     string `validate:"required,numeric"`
	Name     string `validate:"required"`
}

// DSN returns the go-sql-driver/mysql connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

// MigrateURL returns the golang-migrate mysql URL.
func (d DatabaseConfig) MigrateURL() string {
	return fmt.Sprintf("mysql://%s:%s@tcp(%s:%s)/%s?multiStatements=true",
		d.User, d.Password, d.Host, d.Port, d.Name)
}

type CacheConfig struct {
	Host            string `validate:"required"`
	Port            string `validate:"required,numeric"`
	Password        string
	DB              int           `validate:"gte=0,lte=15"`
	SubscriptionTTL time.Duration `validate:"gt=0"`
	UsageTTL        time.Duration `validate:"gt=0"`
	ModelsTTL       time.Duration `validate:"gt=0"`
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	PriceSet      string `validate:"oneof=production staging"`
	SuccessURL    string `validate:"omitempty,url"`
	CancelURL     string `validate:"omitempty,url"`
}

type BillingConfig struct {
	Markup                 decimal.Decimal
	MinStartCushionCredits int64         `validate:"gte=0"`
	CreditPurchaseMin      int64         `validate:"gt=0"`
	CreditPurchaseMax      int64         `validate:"gtfield=CreditPurchaseMin"`
	DowngradePolicy        string        `validate:"oneof=immediate reject_same_interval at_period_end"`
	StalePurchaseAge       time.Duration `validate:"gt=0"`
	SweepSchedule          string        `validate:"required"`
	PlanChangeSchedule     string        `validate:"required"`
}

type MetricsConfig struct {
	User     string
	Password string
}

type InternalConfig struct {
	APIKey string
}

// Load reads the configuration from the environment populated by env.SetupEnvFile.
func Load() (*Config, error) {
	markup, err := decimal.NewFromString(env.GetEnv("BILLING_MARKUP", "1.5"))
	if err != nil {
		return nil, fmt.Errorf("config: BILLING_MARKUP: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Host: env.GetEnv("APP_HOST", "localhost"),
			Port: env.GetEnv("APP_PORT", "4000"),
			Env:  env.GetEnv("APP_ENV", EnvProduction),
		},
		Database: DatabaseConfig{
			User:     env.GetEnv("DB_USER", "agentbilling"),
			Password: env.GetEnv("DB_PASSWORD", ""),
			Host:     env.GetEnv("DB_HOST", "127.0.0.1"),
			Port:     env.GetEnv("DB_PORT", "3306"),
			Name:     env.GetEnv("DB_NAME", "agentbilling"),
		},
		Cache: CacheConfig{
			Host:            env.GetEnv("CACHE_HOST", "localhost"),
			Port:            env.GetEnv("CACHE_PORT", "6379"),
			Password:        env.GetEnv("CACHE_PASSWORD", ""),
			DB:              env.GetEnvInt("CACHE_DB", 0),
			SubscriptionTTL: env.GetEnvDuration("CACHE_SUBSCRIPTION_TTL", 60*time.Second),
			UsageTTL:        env.GetEnvDuration("CACHE_USAGE_TTL", 30*time.Second),
			ModelsTTL:       env.GetEnvDuration("CACHE_MODELS_TTL", 60*time.Second),
		},
		Stripe: StripeConfig{
			SecretKey:     env.GetEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
			PriceSet:      env.GetEnv("STRIPE_PRICE_SET", "production"),
			SuccessURL:    env.GetEnv("STRIPE_SUCCESS_URL", ""),
			CancelURL:     env.GetEnv("STRIPE_CANCEL_URL", ""),
		},
		Billing: BillingConfig{
			Markup:                 markup,
			MinStartCushionCredits: int64(env.GetEnvInt("BILLING_MIN_START_CUSHION_CREDITS", 20)),
			CreditPurchaseMin:      int64(env.GetEnvInt("BILLING_CREDIT_PURCHASE_MIN_USD", 10)),
			CreditPurchaseMax:      int64(env.GetEnvInt("BILLING_CREDIT_PURCHASE_MAX_USD", 5000)),
			DowngradePolicy:        env.GetEnv("BILLING_DOWNGRADE_POLICY", DowngradeImmediate),
			StalePurchaseAge:       env.GetEnvDuration("BILLING_STALE_PURCHASE_AGE", 24*time.Hour),
			SweepSchedule:          env.GetEnv("BILLING_SWEEP_SCHEDULE", "@every 15m"),
			PlanChangeSchedule:     env.GetEnv("BILLING_PLAN_CHANGE_SCHEDULE", "@every 5m"),
		},
		Metrics: MetricsConfig{
			User:     env.GetEnv("METRICS_USER", "admin"),
			Password: env.GetEnv("METRICS_PASSWORD", ""),
		},
		Internal: InternalConfig{
			APIKey: env.GetEnv("INTERNAL_API_KEY", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !c.Billing.Markup.IsPositive() {
		return errors.New("config: BILLING_MARKUP must be positive")
	}
	if c.BillingEnabled() {
		if c.Stripe.SecretKey == "" || c.Stripe.WebhookSecret == "" {
			return errors.New("config: STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required outside local mode")
		}
		if c.Internal.APIKey == "" {
			return errors.New("config: INTERNAL_API_KEY is required outside local mode")
		}
	}
	return nil
}

// BillingEnabled reports whether quota enforcement and the payment provider are active.
func (c *Config) BillingEnabled() bool {
	return c.App.Env != EnvLocal
}

// MarkupBasisPoints converts the markup multiplier to integer basis points (1.5 -> 15000).
func (c *Config) MarkupBasisPoints() int64 {
	return c.Billing.Markup.Mul(decimal.NewFromInt(10000)).Round(0).IntPart()
}
