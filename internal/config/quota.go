package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// QuotaConfig maps subscription tiers to token ceilings.
type QuotaConfig struct {
	DefaultTier      string        `mapstructure:"defaultTier"`
	OverageGrace     float64       `mapstructure:"overageGrace"`
	SnapshotCacheTTL time.Duration `mapstructure:"snapshotCacheTTL"`
	Tiers            []TierLimit   `mapstructure:"tiers"`
}

type TierLimit struct {
	Name        string `mapstructure:"name"`
	TokensLimit int64  `mapstructure:"tokensLimit"`
}

func DefaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		DefaultTier:      "free",
		OverageGrace:     0.10,
		SnapshotCacheTTL: 5 * time.Second,
		Tiers: []TierLimit{
			{Name: "free", TokensLimit: 300_000},
			{Name: "core", TokensLimit: 3_000_000},
			{Name: "pro", TokensLimit: 10_000_000},
			{Name: "max", TokensLimit: 30_000_000},
		},
	}
}

// LimitFor returns the token ceiling for tier, falling back to the default tier.
func (c QuotaConfig) LimitFor(tier string) (string, int64) {
	tier = strings.ToLower(strings.TrimSpace(tier))
	for _, t := range c.Tiers {
		if strings.EqualFold(t.Name, tier) {
			return strings.ToLower(t.Name), t.TokensLimit
		}
	}
	for _, t := range c.Tiers {
		if strings.EqualFold(t.Name, c.DefaultTier) {
			return strings.ToLower(t.Name), t.TokensLimit
		}
	}
	return "", 0
}

type QuotaConfigHolder struct {
	current atomic.Value // holds QuotaConfig
}

// NewStaticQuotaConfigHolder wraps a fixed config without file watching.
func NewStaticQuotaConfigHolder(cfg QuotaConfig) *QuotaConfigHolder {
	holder := &QuotaConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewQuotaConfigHolder(log *zap.Logger) (*QuotaConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("quota.config")

	v := viper.New()
	v.SetConfigName("quota")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/metering/config")
	v.AddConfigPath("/etc/metering")
	v.AddConfigPath(".")

	v.SetEnvPrefix("METERING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultQuotaConfig()
	v.SetDefault("quota.defaultTier", defaults.DefaultTier)
	v.SetDefault("quota.overageGrace", defaults.OverageGrace)
	v.SetDefault("quota.snapshotCacheTTL", defaults.SnapshotCacheTTL)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
		v.SetDefault("quota.tiers", defaults.Tiers)
	}

	cfg, err := decodeQuotaConfig(v)
	if err != nil {
		return nil, err
	}

	holder := NewStaticQuotaConfigHolder(cfg)
	if !fileLoaded {
		log.Info("quota config file not found, using defaults")
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeQuotaConfig(v)
		if err != nil {
			log.Warn("invalid quota config ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("quota config reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *QuotaConfigHolder) Get() QuotaConfig {
	return h.current.Load().(QuotaConfig)
}

func decodeQuotaConfig(v *viper.Viper) (QuotaConfig, error) {
	var cfg QuotaConfig
	if err := v.UnmarshalKey("quota", &cfg); err != nil {
		return QuotaConfig{}, err
	}
	if err := ValidateQuotaConfig(cfg); err != nil {
		return QuotaConfig{}, err
	}
	return cfg, nil
}

func ValidateQuotaConfig(cfg QuotaConfig) error {
	if len(cfg.Tiers) == 0 {
		return errors.New("quota.tiers cannot be empty")
	}
	if cfg.OverageGrace < 0 || cfg.OverageGrace > 1 {
		return fmt.Errorf("quota.overageGrace must be within [0, 1], got %v", cfg.OverageGrace)
	}
	seen := make(map[string]struct{}, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		name := strings.ToLower(strings.TrimSpace(t.Name))
		if name == "" {
			return errors.New("quota.tiers[].name is required")
		}
		if t.TokensLimit <= 0 {
			return fmt.Errorf("quota tier %q must have a positive tokensLimit", name)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("quota tier %q declared twice", name)
		}
		seen[name] = struct{}{}
	}
	if _, limit := cfg.LimitFor(cfg.DefaultTier); limit == 0 {
		return fmt.Errorf("quota.defaultTier %q is not a declared tier", cfg.DefaultTier)
	}
	return nil
}
