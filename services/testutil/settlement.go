package testutil

import (
	"context"
	"fmt"
	"sync"

	"adpayout-engine/services/settlement"

	"github.com/shopspring/decimal"
)

// FakeSettlement is a settlement.Client whose behaviour is set per test
// through function fields. Unset submissions succeed with a fresh handle and
// unset waits block until the context ends.
type FakeSettlement struct {
	DepositFn             func(ctx context.Context, req settlement.DepositRequest) (string, error)
	ReleaseFn             func(ctx context.Context, req settlement.ReleaseRequest) (string, error)
	BalanceFn             func(ctx context.Context, campaignID string) (decimal.Decimal, error)
	SpentOnChainFn        func(ctx context.Context, campaignID string) (decimal.Decimal, error)
	WaitForConfirmationFn func(ctx context.Context, handle string, confirmations int) (*settlement.Receipt, error)
	RecordConsentFn       func(ctx context.Context, req settlement.ConsentRequest) (string, error)
	VerifyConsentFn       func(ctx context.Context, subjectID, scope, campaignID string) (bool, error)

	mu          sync.Mutex
	seq         int
	Submissions []string
	Keys        []string
}

var _ settlement.Client = (*FakeSettlement)(nil)

func (f *FakeSettlement) record(kind, key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.Submissions = append(f.Submissions, kind)
	f.Keys = append(f.Keys, key)
	return fmt.Sprintf("0x%s%04d", kind[:3], f.seq)
}

// SubmissionCount returns how many submissions reached the fake.
func (f *FakeSettlement) SubmissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Submissions)
}

func (f *FakeSettlement) IdempotencyKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Keys...)
}

func (f *FakeSettlement) Deposit(ctx context.Context, req settlement.DepositRequest) (string, error) {
	handle := f.record("deposit", req.IdempotencyKey)
	if f.DepositFn != nil {
		return f.DepositFn(ctx, req)
	}
	return handle, nil
}

func (f *FakeSettlement) Release(ctx context.Context, req settlement.ReleaseRequest) (string, error) {
	handle := f.record("release", req.IdempotencyKey)
	if f.ReleaseFn != nil {
		return f.ReleaseFn(ctx, req)
	}
	return handle, nil
}

func (f *FakeSettlement) Balance(ctx context.Context, campaignID string) (decimal.Decimal, error) {
	if f.BalanceFn != nil {
		return f.BalanceFn(ctx, campaignID)
	}
	return decimal.Zero, nil
}

func (f *FakeSettlement) SpentOnChain(ctx context.Context, campaignID string) (decimal.Decimal, error) {
	if f.SpentOnChainFn != nil {
		return f.SpentOnChainFn(ctx, campaignID)
	}
	return decimal.Zero, nil
}

func (f *FakeSettlement) WaitForConfirmation(ctx context.Context, handle string, confirmations int) (*settlement.Receipt, error) {
	if f.WaitForConfirmationFn != nil {
		return f.WaitForConfirmationFn(ctx, handle, confirmations)
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *FakeSettlement) RecordConsent(ctx context.Context, req settlement.ConsentRequest) (string, error) {
	handle := f.record("consent", req.IdempotencyKey)
	if f.RecordConsentFn != nil {
		return f.RecordConsentFn(ctx, req)
	}
	return handle, nil
}

func (f *FakeSettlement) VerifyConsent(ctx context.Context, subjectID, scope, campaignID string) (bool, error) {
	if f.VerifyConsentFn != nil {
		return f.VerifyConsentFn(ctx, subjectID, scope, campaignID)
	}
	return false, nil
}
