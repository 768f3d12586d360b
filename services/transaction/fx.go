package transaction

import (
	"context"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/db"
	"adpayout-engine/services/settlement"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("transaction",
	db.Model(&Record{}),
	fx.Provide(
		newMonitor,
		NewManager,
		NewHandler,
	),
	fx.Invoke(
		registerRoutes,
		startConsumer,
	),
)

func newMonitor(client settlement.Client, cfg *config.Config) *Monitor {
	return NewMonitor(client, cfg.Settlement)
}

func registerRoutes(r *gin.Engine, h *Handler) {
	h.Register(r)
}

// startConsumer runs the observation consumer and stops every confirmation
// wait on shutdown.
func startConsumer(lc fx.Lifecycle, m *Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				m.Consume(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			m.Monitor().Stop()
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}
