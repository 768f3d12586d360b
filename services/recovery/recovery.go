package recovery

import (
	"context"
	"sync/atomic"

	"adpayout-engine/services/transaction"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const parallelism = 16

// Processor re-attaches confirmation monitoring after a restart. It never
// submits anything: records that already reached the network only need
// their outcome observed.
type Processor struct {
	manager *transaction.Manager
}

func NewProcessor(m *transaction.Manager) *Processor {
	return &Processor{manager: m}
}

// Recover attaches a monitor to every in-flight record that has a handle and
// returns how many were attached. Pending records without a handle are left
// to the retry sweep.
func (p *Processor) Recover(ctx context.Context) (int, error) {
	withHandle := true
	rows, err := p.manager.Store().ListByStatus(ctx,
		[]transaction.Status{transaction.StatusPending, transaction.StatusSubmitted},
		nil, &withHandle, 0)
	if err != nil {
		return 0, err
	}

	var attached atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, rec := range rows {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if p.manager.Watch(rec) {
				attached.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(attached.Load()), err
	}

	zap.L().Info("recovered in-flight transactions",
		zap.Int("in_flight", len(rows)),
		zap.Int64("attached", attached.Load()),
	)
	return int(attached.Load()), nil
}

var Module = fx.Module("recovery",
	fx.Provide(NewProcessor),
	fx.Invoke(registerRecovery),
)

func registerRecovery(lc fx.Lifecycle, p *Processor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			_, err := p.Recover(ctx)
			return err
		},
	})
}
