package settlement

import (
	"adpayout-engine/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("settlement.client",
	fx.Provide(NewClient),
)

// NewClient builds the gateway client wrapped in the bounded decorator.
func NewClient(cfg *config.Config) Client {
	zap.L().Info("settlement gateway configured",
		zap.String("endpoint", cfg.Settlement.Endpoint),
		zap.Int64("max_concurrent", cfg.Settlement.MaxConcurrent),
		zap.Float64("rate_per_second", cfg.Settlement.RatePerSecond),
	)
	return NewBounded(NewGateway(cfg), cfg.Settlement)
}
