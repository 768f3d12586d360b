package featureflags

import (
	"context"

	"adpayout-engine/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

// Flag names.
const (
	PayoutsPaused = "payouts_paused"
)

type FeatureFlag interface {
	// Enabled returns def when the flag cannot be resolved.
	Enabled(ctx context.Context, name string, def bool) bool
}

type featureflag struct {
	client *flagsmith.Client
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

// ProvideFeatureFlag returns a static provider when no API key is configured,
// so every flag falls back to its default.
func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config.Flagsmith.ApiKey == "" {
		return Static{}
	}

	opts := []flagsmith.Option{flagsmith.WithAnalytics()}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}

	return &featureflag{
		client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...),
	}
}

func (s *featureflag) Enabled(ctx context.Context, name string, def bool) bool {
	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		zap.L().Warn("feature flags unavailable", zap.String("flag", name), zap.Error(err))
		return def
	}

	enabled, err := flags.IsFeatureEnabled(name)
	if err != nil {
		return def
	}
	return enabled
}

// Static serves flags from a fixed map.
type Static map[string]bool

func (s Static) Enabled(_ context.Context, name string, def bool) bool {
	if v, ok := s[name]; ok {
		return v
	}
	return def
}
