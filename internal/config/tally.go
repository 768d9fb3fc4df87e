package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TallyConfig is the hot reloadable rolling configuration read from tally.yml.
type TallyConfig struct {
	Granularities   []string          `mapstructure:"granularities"`
	Products        []string          `mapstructure:"products"`
	PreviousBuckets int               `mapstructure:"previousBuckets"`
	UpdatePolicies  map[string]string `mapstructure:"updatePolicies"`
	TargetLookback  time.Duration     `mapstructure:"targetLookback"`
}

func DefaultTallyConfig() TallyConfig {
	granularities := make([]string, 0, 6)
	for _, g := range domain.Granularities() {
		granularities = append(granularities, string(g))
	}
	return TallyConfig{
		Granularities:   granularities,
		Products:        []string{},
		PreviousBuckets: 1,
		UpdatePolicies:  map[string]string{},
		TargetLookback:  72 * time.Hour,
	}
}

// EnabledGranularities returns the configured granularities in canonical order.
func (c TallyConfig) EnabledGranularities() []domain.Granularity {
	enabled := map[domain.Granularity]struct{}{}
	for _, raw := range c.Granularities {
		g, err := domain.ParseGranularity(raw)
		if err != nil {
			continue
		}
		enabled[g] = struct{}{}
	}
	out := make([]domain.Granularity, 0, len(enabled))
	for _, g := range domain.Granularities() {
		if _, ok := enabled[g]; ok {
			out = append(out, g)
		}
	}
	return out
}

// PolicyFor returns the closed bucket update policy for g.
func (c TallyConfig) PolicyFor(g domain.Granularity) domain.UpdatePolicy {
	for key, raw := range c.UpdatePolicies {
		if !strings.EqualFold(key, string(g)) {
			continue
		}
		policy, err := domain.ParseUpdatePolicy(raw)
		if err != nil {
			return domain.UpdatePolicyReplace
		}
		return policy
	}
	return domain.UpdatePolicyReplace
}

type TallyConfigHolder struct {
	current atomic.Value // holds TallyConfig
}

// NewStaticTallyConfigHolder wraps a fixed configuration.
func NewStaticTallyConfigHolder(cfg TallyConfig) (*TallyConfigHolder, error) {
	cfg = cfg.normalize()
	if err := validateTallyConfig(cfg); err != nil {
		return nil, err
	}
	holder := &TallyConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewTallyConfigHolder(log *zap.Logger) (*TallyConfigHolder, error) {
	log = log.Named("config.tally")
	v := viper.New()

	v.SetConfigName("tally")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/tally")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TALLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTallyConfig()
	v.SetDefault("tally.granularities", defaults.Granularities)
	v.SetDefault("tally.products", defaults.Products)
	v.SetDefault("tally.previousBuckets", defaults.PreviousBuckets)
	v.SetDefault("tally.updatePolicies", defaults.UpdatePolicies)
	v.SetDefault("tally.targetLookback", defaults.TargetLookback)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		watch = false
	}

	cfg, err := decodeTallyConfig(v)
	if err != nil {
		return nil, err
	}

	holder := &TallyConfigHolder{}
	holder.current.Store(cfg)

	if watch {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := decodeTallyConfig(v)
			if err != nil {
				log.Warn("tally config reload ignored", zap.String("file", e.Name), zap.Error(err))
				return
			}
			holder.current.Store(updated)
			log.Info("tally config reloaded", zap.String("file", e.Name))
		})
	}

	return holder, nil
}

func (h *TallyConfigHolder) Get() TallyConfig {
	return h.current.Load().(TallyConfig)
}

func decodeTallyConfig(v *viper.Viper) (TallyConfig, error) {
	var cfg TallyConfig
	if err := v.UnmarshalKey("tally", &cfg); err != nil {
		return TallyConfig{}, err
	}
	cfg = cfg.normalize()
	if err := validateTallyConfig(cfg); err != nil {
		return TallyConfig{}, err
	}
	return cfg, nil
}

func (c TallyConfig) normalize() TallyConfig {
	products := make([]string, 0, len(c.Products))
	for _, p := range c.Products {
		if p = strings.TrimSpace(p); p != "" {
			products = append(products, p)
		}
	}
	c.Products = products
	if c.UpdatePolicies == nil {
		c.UpdatePolicies = map[string]string{}
	}
	return c
}

func validateTallyConfig(cfg TallyConfig) error {
	if len(cfg.Granularities) == 0 {
		return errors.New("tally.granularities cannot be empty")
	}
	for _, raw := range cfg.Granularities {
		if _, err := domain.ParseGranularity(raw); err != nil {
			return fmt.Errorf("tally.granularities: %q: %w", raw, err)
		}
	}
	for key, raw := range cfg.UpdatePolicies {
		if _, err := domain.ParseGranularity(key); err != nil {
			return fmt.Errorf("tally.updatePolicies: %q: %w", key, err)
		}
		if _, err := domain.ParseUpdatePolicy(raw); err != nil {
			return fmt.Errorf("tally.updatePolicies.%s: %w", key, err)
		}
	}
	if cfg.PreviousBuckets < 0 {
		return errors.New("tally.previousBuckets cannot be negative")
	}
	if cfg.TargetLookback <= 0 {
		return errors.New("tally.targetLookback must be positive")
	}
	return nil
}
