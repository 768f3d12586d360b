package settlement

import (
	"context"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/errutil"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Bounded wraps a Client so that submissions share a concurrency cap, every
// call passes a shared rate limiter, and each call carries a timeout.
// Confirmation waits are only rate limited; their deadline comes from the
// caller.
type Bounded struct {
	next          Client
	sem           *semaphore.Weighted
	limiter       *rate.Limiter
	submitTimeout time.Duration
	queryTimeout  time.Duration
}

func NewBounded(next Client, cfg config.Settlement) *Bounded {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Bounded{
		next:          next,
		sem:           semaphore.NewWeighted(maxConcurrent),
		limiter:       rate.NewLimiter(limit, burst),
		submitTimeout: cfg.SubmitTimeout,
		queryTimeout:  cfg.QueryTimeout,
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func (b *Bounded) submit(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	ctx, cancel := withTimeout(ctx, b.submitTimeout)
	defer cancel()

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return "", errutil.Timeout("settlement submission slot unavailable", err)
	}
	defer b.sem.Release(1)

	if err := b.limiter.Wait(ctx); err != nil {
		return "", errutil.TooManyRequest("settlement rate limit", err)
	}

	return fn(ctx)
}

func (b *Bounded) query(ctx context.Context) (context.Context, context.CancelFunc, error) {
	ctx, cancel := withTimeout(ctx, b.queryTimeout)
	if err := b.limiter.Wait(ctx); err != nil {
		cancel()
		return nil, nil, errutil.TooManyRequest("settlement rate limit", err)
	}
	return ctx, cancel, nil
}

func (b *Bounded) Deposit(ctx context.Context, req DepositRequest) (string, error) {
	return b.submit(ctx, func(ctx context.Context) (string, error) {
		return b.next.Deposit(ctx, req)
	})
}

func (b *Bounded) Release(ctx context.Context, req ReleaseRequest) (string, error) {
	return b.submit(ctx, func(ctx context.Context) (string, error) {
		return b.next.Release(ctx, req)
	})
}

func (b *Bounded) RecordConsent(ctx context.Context, req ConsentRequest) (string, error) {
	return b.submit(ctx, func(ctx context.Context) (string, error) {
		return b.next.RecordConsent(ctx, req)
	})
}

func (b *Bounded) Balance(ctx context.Context, campaignID string) (decimal.Decimal, error) {
	ctx, cancel, err := b.query(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer cancel()
	return b.next.Balance(ctx, campaignID)
}

func (b *Bounded) SpentOnChain(ctx context.Context, campaignID string) (decimal.Decimal, error) {
	ctx, cancel, err := b.query(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	defer cancel()
	return b.next.SpentOnChain(ctx, campaignID)
}

func (b *Bounded) VerifyConsent(ctx context.Context, subjectID, scope, campaignID string) (bool, error) {
	ctx, cancel, err := b.query(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	return b.next.VerifyConsent(ctx, subjectID, scope, campaignID)
}

func (b *Bounded) WaitForConfirmation(ctx context.Context, handle string, confirmations int) (*Receipt, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, errutil.TooManyRequest("settlement rate limit", err)
	}
	return b.next.WaitForConfirmation(ctx, handle, confirmations)
}
