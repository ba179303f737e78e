package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// MaxStorableMinor is the largest amount the NUMERIC(12,2) order columns hold.
const MaxStorableMinor int64 = 999_999_999_999

// CommerceConfig holds pricing and notification policy that operators may
// change without a restart.
type CommerceConfig struct {
	TaxRate        string             `mapstructure:"taxRate"`
	Currency       string             `mapstructure:"currency"`
	MinChargeMinor int64              `mapstructure:"minChargeMinor"`
	MaxChargeMinor int64              `mapstructure:"maxChargeMinor"`
	ReminderLead   time.Duration      `mapstructure:"reminderLead"`
	Notification   NotificationPolicy `mapstructure:"notification"`
}

type NotificationPolicy struct {
	Attempts       int           `mapstructure:"attempts"`
	BaseBackoff    time.Duration `mapstructure:"baseBackoff"`
	AttemptTimeout time.Duration `mapstructure:"attemptTimeout"`
}

func DefaultCommerceConfig() CommerceConfig {
	return CommerceConfig{
		TaxRate:        "0.13",
		Currency:       "CAD",
		MinChargeMinor: 100,
		MaxChargeMinor: 100_000_000,
		ReminderLead:   5 * time.Minute,
		Notification: NotificationPolicy{
			Attempts:       2,
			BaseBackoff:    time.Second,
			AttemptTimeout: 30 * time.Second,
		},
	}
}

// Rate returns the parsed tax rate. Callers only see validated configs.
func (c CommerceConfig) Rate() decimal.Decimal {
	rate, err := decimal.NewFromString(strings.TrimSpace(c.TaxRate))
	if err != nil {
		return decimal.Zero
	}
	return rate
}

type CommerceConfigHolder struct {
	current atomic.Value // holds CommerceConfig
}

// NewStaticCommerceConfig returns a holder that never reloads.
func NewStaticCommerceConfig(cfg CommerceConfig) (*CommerceConfigHolder, error) {
	if err := ValidateCommerceConfig(cfg); err != nil {
		return nil, err
	}
	holder := &CommerceConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewCommerceConfigHolder(log *zap.Logger) (*CommerceConfigHolder, error) {
	log = log.Named("config.commerce")
	v := viper.New()

	v.SetConfigName("commerce")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/ticketstack/config")
	v.AddConfigPath("/etc/ticketstack")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TICKETSTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultCommerceConfig()
	v.SetDefault("commerce.taxRate", defaults.TaxRate)
	v.SetDefault("commerce.currency", defaults.Currency)
	v.SetDefault("commerce.minChargeMinor", defaults.MinChargeMinor)
	v.SetDefault("commerce.maxChargeMinor", defaults.MaxChargeMinor)
	v.SetDefault("commerce.reminderLead", defaults.ReminderLead)
	v.SetDefault("commerce.notification.attempts", defaults.Notification.Attempts)
	v.SetDefault("commerce.notification.baseBackoff", defaults.Notification.BaseBackoff)
	v.SetDefault("commerce.notification.attemptTimeout", defaults.Notification.AttemptTimeout)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileLoaded = false
	}

	var cfg CommerceConfig
	if err := v.UnmarshalKey("commerce", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateCommerceConfig(cfg); err != nil {
		return nil, err
	}

	holder := &CommerceConfigHolder{}
	holder.current.Store(cfg)

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			var updated CommerceConfig
			if err := v.UnmarshalKey("commerce", &updated); err != nil {
				log.Warn("commerce config reload failed", zap.Error(err))
				return
			}
			if err := ValidateCommerceConfig(updated); err != nil {
				log.Warn("invalid commerce config ignored", zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("commerce config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *CommerceConfigHolder) Get() CommerceConfig {
	return h.current.Load().(CommerceConfig)
}

func ValidateCommerceConfig(cfg CommerceConfig) error {
	rate, err := decimal.NewFromString(strings.TrimSpace(cfg.TaxRate))
	if err != nil {
		return fmt.Errorf("commerce.taxRate: %w", err)
	}
	if rate.IsNegative() || rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return errors.New("commerce.taxRate must be in [0, 1)")
	}
	if len(strings.TrimSpace(cfg.Currency)) != 3 {
		return errors.New("commerce.currency must be an ISO 4217 code")
	}
	if cfg.MinChargeMinor < 0 {
		return errors.New("commerce.minChargeMinor cannot be negative")
	}
	if cfg.MaxChargeMinor < cfg.MinChargeMinor || cfg.MaxChargeMinor > MaxStorableMinor {
		return fmt.Errorf("commerce.maxChargeMinor must be in [minChargeMinor, %d]", MaxStorableMinor)
	}
	if cfg.ReminderLead <= 0 {
		return errors.New("commerce.reminderLead must be positive")
	}
	if cfg.Notification.Attempts < 1 {
		return errors.New("commerce.notification.attempts must be at least 1")
	}
	if cfg.Notification.AttemptTimeout <= 0 {
		return errors.New("commerce.notification.attemptTimeout must be positive")
	}
	return nil
}
