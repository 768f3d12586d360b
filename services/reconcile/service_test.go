package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/db/pagination"
	"adpayout-engine/pkg/errutil"
	"adpayout-engine/pkg/money"
	"adpayout-engine/services/campaign"
	"adpayout-engine/services/ledger"
	"adpayout-engine/services/testutil"
	"adpayout-engine/services/transaction"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fixture struct {
	db        *gorm.DB
	svc       *Service
	campaigns *campaign.Service
	client    *testutil.FakeSettlement
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t, &campaign.Campaign{}, &transaction.Record{}, &ledger.Entry{}, &Report{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Default()
	client := &testutil.FakeSettlement{}
	monitor := transaction.NewMonitor(client, cfg.Settlement)
	t.Cleanup(monitor.Stop)

	m := transaction.NewManager(transaction.ManagerParams{DB: db, Node: node, Config: cfg, Client: client, Monitor: monitor})
	l := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	campaigns, err := campaign.NewService(campaign.ServiceParams{DB: db, Node: node, Config: cfg, Ledger: l, Manager: m})
	require.NoError(t, err)

	svc := NewService(ServiceParams{DB: db, Node: node, Config: cfg, Client: client, Campaigns: campaigns})
	return &fixture{db: db, svc: svc, campaigns: campaigns, client: client}
}

// campaignSpent creates a campaign whose ledger spend is spent.
func (f *fixture) campaignSpent(t *testing.T, spent string) *campaign.Campaign {
	t.Helper()
	ctx := context.Background()
	c, err := f.campaigns.Create(ctx, campaign.CreateParams{Name: "q3", Budget: decimal.RequireFromString("1000")})
	require.NoError(t, err)
	require.NoError(t, f.campaigns.AddSpend(ctx, nil, c.ID, decimal.RequireFromString(spent)))
	return c
}

func (f *fixture) onChain(amounts map[string]string) {
	f.client.SpentOnChainFn = func(_ context.Context, id string) (decimal.Decimal, error) {
		return decimal.RequireFromString(amounts[id]), nil
	}
}

func TestCompare(t *testing.T) {
	eps := decimal.RequireFromString("0.000001")
	d := decimal.RequireFromString

	cases := []struct {
		off, on string
		ok      bool
	}{
		{"80.0", "80.0", true},
		{"80.0", "79.999999", true},
		{"79.999999", "80.0", true},
		{"80.0", "79.999998", false},
		{"80.0", "75.0", false},
	}
	for _, tc := range cases {
		_, ok := Compare(d(tc.off), d(tc.on), eps)
		require.Equal(t, tc.ok, ok, "%s vs %s", tc.off, tc.on)
	}

	drift, _ := Compare(d("80"), d("75"), eps)
	require.True(t, drift.Equal(d("5")))
}

func TestReconcileReportsDrift(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	even := f.campaignSpent(t, "80")
	near := f.campaignSpent(t, "80")
	off := f.campaignSpent(t, "80")
	f.onChain(map[string]string{even.ID: "80.0", near.ID: "79.999999", off.ID: "75.0"})

	r, err := f.svc.Reconcile(ctx, even.ID)
	require.NoError(t, err)
	require.True(t, r.Reconciled)
	require.Zero(t, r.Drift)

	r, err = f.svc.Reconcile(ctx, near.ID)
	require.NoError(t, err)
	require.True(t, r.Reconciled)

	r, err = f.svc.Reconcile(ctx, off.ID)
	require.NoError(t, err)
	require.False(t, r.Reconciled)
	require.Equal(t, money.ToMicros(decimal.RequireFromString("5")), r.Drift)

	// reporting never touches the ledger side
	c, err := f.campaigns.Get(ctx, off.ID)
	require.NoError(t, err)
	require.True(t, c.SpentAmount().Equal(decimal.RequireFromString("80")))

	rows, _, err := f.svc.History(ctx, off.ID, pagination.Pagination{Limit: 10})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "5", NewView(rows[0]).Drift.String())
}

func TestReconcileErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Reconcile(ctx, "missing")
	require.True(t, errutil.HasReason(err, errutil.ReasonCampaignNotFound))

	c := f.campaignSpent(t, "1")
	f.client.SpentOnChainFn = func(context.Context, string) (decimal.Decimal, error) {
		return decimal.Zero, errutil.BadGateway("settlement unavailable", errors.New("502"))
	}
	_, err = f.svc.Reconcile(ctx, c.ID)
	require.Error(t, err)

	var n int64
	require.NoError(t, f.db.Model(&Report{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestConcurrentReconcileShareOneCheck(t *testing.T) {
	f := newFixture(t)
	c := f.campaignSpent(t, "10")

	var calls atomic.Int32
	release := make(chan struct{})
	f.client.SpentOnChainFn = func(context.Context, string) (decimal.Decimal, error) {
		calls.Add(1)
		<-release
		return decimal.RequireFromString("10"), nil
	}

	var wg sync.WaitGroup
	reports := make([]*Report, 8)
	errs := make([]error, 8)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], errs[i] = f.svc.Reconcile(context.Background(), c.ID)
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for i := range reports {
		require.NoError(t, errs[i])
		require.Equal(t, reports[0].ID, reports[i].ID)
	}
}

func TestReconcileAllSkipsFailures(t *testing.T) {
	f := newFixture(t)
	ok := f.campaignSpent(t, "3")
	drifting := f.campaignSpent(t, "3")
	broken := f.campaignSpent(t, "3")

	f.client.SpentOnChainFn = func(_ context.Context, id string) (decimal.Decimal, error) {
		switch id {
		case ok.ID:
			return decimal.RequireFromString("3"), nil
		case drifting.ID:
			return decimal.RequireFromString("2"), nil
		case broken.ID:
			return decimal.Zero, errors.New("timeout")
		}
		return decimal.Zero, nil
	}

	drifted, err := f.svc.ReconcileAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, drifted)

	var n int64
	require.NoError(t, f.db.Model(&Report{}).Count(&n).Error)
	require.Equal(t, int64(2), n)
}
