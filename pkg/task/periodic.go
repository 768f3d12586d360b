package task

import (
	"context"
	"time"

	"adpayout-engine/pkg/redis"
	"adpayout-engine/pkg/rediskey"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Job is one run of a periodic job.
type Job func(ctx context.Context) error

// Periodic runs a job on a fixed interval. When a locker is set, a run only
// happens on the replica that holds the job lock, so the job never runs
// twice concurrently across the fleet.
type Periodic struct {
	name     string
	interval time.Duration
	lockKey  string
	locker   redis.Locker
	job      Job
}

func NewPeriodic(name string, interval time.Duration, locker redis.Locker, lockKey string, job Job) *Periodic {
	if locker == nil {
		locker = redis.NoopLocker{}
	}
	return &Periodic{
		name:     name,
		interval: interval,
		lockKey:  lockKey,
		locker:   locker,
		job:      job,
	}
}

// Start runs the loop for the lifetime of the fx app.
func (p *Periodic) Start(lc fx.Lifecycle) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				p.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return nil
		},
	})
}

// Run blocks until ctx ends.
func (p *Periodic) Run(ctx context.Context) {
	if p.interval <= 0 {
		zap.L().Warn("[Scheduler] periodic job disabled", zap.String("job", p.name))
		return
	}
	zap.L().Info("[Scheduler] started", zap.String("job", p.name), zap.Duration("interval", p.interval))

	for {
		select {
		case <-time.After(p.interval):
			p.RunOnce(ctx)
		case <-ctx.Done():
			zap.L().Warn("[Scheduler] stopped", zap.String("job", p.name))
			return
		}
	}
}

// RunOnce takes the job lock and runs the job. It reports whether the job
// ran.
func (p *Periodic) RunOnce(ctx context.Context) bool {
	release, err := p.locker.TryLock(ctx, rediskey.BuildLockKey(p.lockKey), p.interval)
	if err != nil {
		zap.L().Error("[Scheduler] lock failed", zap.String("job", p.name), zap.Error(err))
		return false
	}
	if release == nil {
		zap.L().Debug("[Scheduler] lock held elsewhere", zap.String("job", p.name))
		return false
	}
	defer release()

	start := time.Now()
	if err := p.job(ctx); err != nil {
		zap.L().Error("[Scheduler] job failed", zap.String("job", p.name), zap.Error(err))
		return true
	}

	zap.L().Info("[Scheduler] job finished",
		zap.String("job", p.name),
		zap.Duration("duration", time.Since(start)),
	)
	return true
}
