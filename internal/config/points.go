package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PointsPolicy controls how much a qualifying chat message is worth and how
// often a chatter may earn.
type PointsPolicy struct {
	PointsPerMessage           int64         `mapstructure:"pointsPerMessage"`
	SubscriberPointsPerMessage int64         `mapstructure:"subscriberPointsPerMessage"`
	SubscriberBadges           []string      `mapstructure:"subscriberBadges"`
	RateLimitWindow            time.Duration `mapstructure:"rateLimitWindow"`
	WarmUp                     time.Duration `mapstructure:"warmUp"`
	CoinsPerMessage            int64         `mapstructure:"coinsPerMessage"`
	CoinRateLimit              time.Duration `mapstructure:"coinRateLimit"`
}

func DefaultPointsPolicy() PointsPolicy {
	return PointsPolicy{
		PointsPerMessage:           1,
		SubscriberPointsPerMessage: 1,
		SubscriberBadges:           []string{"subscriber", "founder", "og"},
		RateLimitWindow:            5 * time.Minute,
		WarmUp:                     10 * time.Minute,
		CoinsPerMessage:            1,
		CoinRateLimit:              5 * time.Minute,
	}
}

// IsSubscriber reports whether any badge type marks the chatter as a
// subscriber.
func (p PointsPolicy) IsSubscriber(badges []string) bool {
	for _, badge := range badges {
		badge = strings.ToLower(strings.TrimSpace(badge))
		for _, sub := range p.SubscriberBadges {
			if badge == strings.ToLower(strings.TrimSpace(sub)) {
				return true
			}
		}
	}
	return false
}

// PointsFor returns the point value of one qualifying message.
func (p PointsPolicy) PointsFor(badges []string) int64 {
	if p.IsSubscriber(badges) {
		return p.SubscriberPointsPerMessage
	}
	return p.PointsPerMessage
}

type PointsPolicyHolder struct {
	current atomic.Value // holds PointsPolicy
}

// StaticPointsPolicy returns a holder that never reloads.
func StaticPointsPolicy(policy PointsPolicy) *PointsPolicyHolder {
	holder := &PointsPolicyHolder{}
	holder.current.Store(policy)
	return holder
}

func NewPointsPolicyHolder(cfg Config, log *zap.Logger) (*PointsPolicyHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("points.config")

	v := viper.New()
	if cfg.PointsConfigPath != "" {
		v.SetConfigFile(cfg.PointsConfigPath)
	} else {
		v.SetConfigName("points")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/chatpoints")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CHATPOINTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultPointsPolicy()
	v.SetDefault("points.pointsPerMessage", defaults.PointsPerMessage)
	v.SetDefault("points.subscriberPointsPerMessage", defaults.SubscriberPointsPerMessage)
	v.SetDefault("points.subscriberBadges", defaults.SubscriberBadges)
	v.SetDefault("points.rateLimitWindow", defaults.RateLimitWindow)
	v.SetDefault("points.warmUp", defaults.WarmUp)
	v.SetDefault("points.coinsPerMessage", defaults.CoinsPerMessage)
	v.SetDefault("points.coinRateLimit", defaults.CoinRateLimit)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	var policy PointsPolicy
	if err := v.UnmarshalKey("points", &policy); err != nil {
		return nil, err
	}
	if err := validatePointsPolicy(policy); err != nil {
		return nil, err
	}

	holder := StaticPointsPolicy(policy)
	if !fileLoaded {
		log.Info("points policy loaded from defaults")
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PointsPolicy
		if err := v.UnmarshalKey("points", &updated); err != nil {
			log.Warn("points policy reload failed", zap.Error(err))
			return
		}
		if err := validatePointsPolicy(updated); err != nil {
			log.Warn("invalid points policy ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("points policy reloaded", zap.String("file", e.Name))
	})

	log.Info("points policy loaded", zap.String("file", v.ConfigFileUsed()))
	return holder, nil
}

func (h *PointsPolicyHolder) Get() PointsPolicy {
	if h == nil {
		return DefaultPointsPolicy()
	}
	policy, ok := h.current.Load().(PointsPolicy)
	if !ok {
		return DefaultPointsPolicy()
	}
	return policy
}

func validatePointsPolicy(p PointsPolicy) error {
	if p.PointsPerMessage <= 0 {
		return errors.New("points.pointsPerMessage must be positive")
	}
	if p.SubscriberPointsPerMessage <= 0 {
		return errors.New("points.subscriberPointsPerMessage must be positive")
	}
	if p.RateLimitWindow < 0 {
		return errors.New("points.rateLimitWindow cannot be negative")
	}
	if p.WarmUp < 0 {
		return errors.New("points.warmUp cannot be negative")
	}
	if p.CoinsPerMessage <= 0 {
		return errors.New("points.coinsPerMessage must be positive")
	}
	if p.CoinRateLimit <= 0 {
		return errors.New("points.coinRateLimit must be positive")
	}
	return nil
}
