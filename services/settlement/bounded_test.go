package settlement_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/services/settlement"
	"adpayout-engine/services/settlement/mock"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func boundedConfig() config.Settlement {
	return config.Settlement{
		SubmitTimeout: time.Second,
		QueryTimeout:  time.Second,
		MaxConcurrent: 2,
		RatePerSecond: 0,
		Burst:         1,
	}
}

func TestBoundedCapsConcurrentSubmissions(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewMockClient(ctrl)

	var inflight, peak atomic.Int32
	client.EXPECT().Deposit(gomock.Any(), gomock.Any()).Times(6).DoAndReturn(
		func(ctx context.Context, req settlement.DepositRequest) (string, error) {
			n := inflight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inflight.Add(-1)
			return "h-" + req.IdempotencyKey, nil
		})

	b := settlement.NewBounded(client, boundedConfig())

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Deposit(context.Background(), settlement.DepositRequest{CampaignID: "c", Amount: decimal.NewFromInt(1)})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestBoundedAppliesSubmitTimeout(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewMockClient(ctrl)

	client.EXPECT().Release(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, req settlement.ReleaseRequest) (string, error) {
			deadline, ok := ctx.Deadline()
			require.True(t, ok)
			require.WithinDuration(t, time.Now().Add(50*time.Millisecond), deadline, 50*time.Millisecond)
			return "h", nil
		})

	cfg := boundedConfig()
	cfg.SubmitTimeout = 50 * time.Millisecond
	b := settlement.NewBounded(client, cfg)

	handle, err := b.Release(context.Background(), settlement.ReleaseRequest{CampaignID: "c"})
	require.NoError(t, err)
	require.Equal(t, "h", handle)
}

func TestBoundedQueriesPassThrough(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mock.NewMockClient(ctrl)

	client.EXPECT().Balance(gomock.Any(), "c").Return(decimal.NewFromInt(10), nil)
	client.EXPECT().SpentOnChain(gomock.Any(), "c").Return(decimal.NewFromInt(3), nil)
	client.EXPECT().VerifyConsent(gomock.Any(), "s", "ads", "c").Return(true, nil)
	client.EXPECT().WaitForConfirmation(gomock.Any(), "h", 1).Return(&settlement.Receipt{Handle: "h", Success: true}, nil)

	b := settlement.NewBounded(client, boundedConfig())
	ctx := context.Background()

	bal, err := b.Balance(ctx, "c")
	require.NoError(t, err)
	require.True(t, bal.Equal(decimal.NewFromInt(10)))

	spent, err := b.SpentOnChain(ctx, "c")
	require.NoError(t, err)
	require.True(t, spent.Equal(decimal.NewFromInt(3)))

	ok, err := b.VerifyConsent(ctx, "s", "ads", "c")
	require.NoError(t, err)
	require.True(t, ok)

	receipt, err := b.WaitForConfirmation(ctx, "h", 1)
	require.NoError(t, err)
	require.True(t, receipt.Success)
}
