package intake

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/errutil"
	"adpayout-engine/services/campaign"
	"adpayout-engine/services/fraud"
	"adpayout-engine/services/ledger"
	"adpayout-engine/services/payout"
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
	ledger    *ledger.Service
}

func newFixture(t *testing.T, tweak func(*config.Config)) *fixture {
	t.Helper()

	db := testutil.NewTestDB(t,
		&campaign.Campaign{}, &transaction.Record{}, &ledger.Entry{},
		&payout.RewardEntry{}, &payout.Payout{}, &fraud.Session{}, &EventRecord{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.ProtocolAddress = "treasury"
	if tweak != nil {
		tweak(cfg)
	}

	client := &testutil.FakeSettlement{}
	monitor := transaction.NewMonitor(client, cfg.Settlement)
	t.Cleanup(monitor.Stop)

	m := transaction.NewManager(transaction.ManagerParams{DB: db, Node: node, Config: cfg, Client: client, Monitor: monitor})
	l := ledger.NewService(ledger.ServiceParams{DB: db, Node: node})
	campaigns, err := campaign.NewService(campaign.ServiceParams{DB: db, Node: node, Config: cfg, Ledger: l, Manager: m})
	require.NoError(t, err)
	payouts := payout.NewService(payout.ServiceParams{
		DB: db, Node: node, Client: client, Manager: m, Campaigns: campaigns, Ledger: l,
	})

	svc, err := NewService(ServiceParams{
		DB:        db,
		Node:      node,
		Config:    cfg,
		Campaigns: campaigns,
		Fraud:     fraud.NewService(fraud.ServiceParams{DB: db, Config: cfg}),
		Ledger:    l,
		Payouts:   payouts,
	})
	require.NoError(t, err)

	return &fixture{db: db, svc: svc, campaigns: campaigns, ledger: l}
}

func (f *fixture) campaign(t *testing.T, p campaign.CreateParams) *campaign.Campaign {
	t.Helper()
	if p.Name == "" {
		p.Name = "summer"
	}
	c, err := f.campaigns.Create(context.Background(), p)
	require.NoError(t, err)
	return c
}

func (f *fixture) spent(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	c, err := f.campaigns.Get(context.Background(), id)
	require.NoError(t, err)
	return c.SpentAmount()
}

func (f *fixture) rewardEntries(t *testing.T, eventID string) []*payout.RewardEntry {
	t.Helper()
	var rows []*payout.RewardEntry
	require.NoError(t, f.db.Where("event_id = ?", eventID).Order("role").Find(&rows).Error)
	return rows
}

func TestRecordAcceptsAndSplitsReward(t *testing.T) {
	f := newFixture(t, nil)
	c := f.campaign(t, campaign.CreateParams{Budget: decimal.RequireFromString("10")})
	ctx := context.Background()

	res, err := f.svc.Record(ctx, Event{
		Type: EventClick, CampaignID: c.ID, AdID: "ad-1",
		PublisherID: "pub-1", UserID: "user-1", SessionID: "sess-1",
		UserAgent: "Mozilla/5.0",
	})
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.True(t, res.RewardAmount.Equal(decimal.RequireFromString("0.05")))
	require.True(t, f.spent(t, c.ID).Equal(decimal.RequireFromString("0.05")))

	got := map[campaign.Role]string{}
	for _, e := range f.rewardEntries(t, res.EventID) {
		got[e.Role] = e.Recipient + "=" + decimal.New(e.Amount, -6).String()
	}
	require.Equal(t, map[campaign.Role]string{
		campaign.RoleEndUser:   "user-1=0.035",
		campaign.RolePublisher: "pub-1=0.01",
		campaign.RoleProtocol:  "treasury=0.005",
	}, got)

	accrued, err := f.ledger.Total(ctx, c.ID, ledger.EntryRewardAccrued)
	require.NoError(t, err)
	require.True(t, accrued.Equal(decimal.RequireFromString("0.05")))
}

func TestAnonymousEventRewardsProtocolOnly(t *testing.T) {
	f := newFixture(t, nil)
	c := f.campaign(t, campaign.CreateParams{Budget: decimal.RequireFromString("10")})

	res, err := f.svc.Record(context.Background(), Event{Type: EventImpression, CampaignID: c.ID, AdID: "ad-1"})
	require.NoError(t, err)

	entries := f.rewardEntries(t, res.EventID)
	require.Len(t, entries, 1)
	require.Equal(t, campaign.RoleProtocol, entries[0].Role)
	require.Equal(t, int64(1000), entries[0].Amount)
}

func TestRecordValidation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for _, e := range []Event{
		{CampaignID: "c-1"},
		{Type: "hover", CampaignID: "c-1"},
		{Type: EventClick},
	} {
		_, err := f.svc.Record(ctx, e)
		require.True(t, errutil.HasReason(err, errutil.ReasonValidationFailed), "%+v", e)
		require.Equal(t, 400, errutil.From(err).Code.HTTPStatus())
	}
}

func TestRecordRejectsBots(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Intake.BlockRules = []string{
			`ip.startsWith("10.66.")`,
			`event_type == "impression" && slot_id == "slot-banned"`,
		}
	})
	c := f.campaign(t, campaign.CreateParams{Budget: decimal.RequireFromString("10")})
	ctx := context.Background()

	_, err := f.svc.Record(ctx, Event{Type: EventClick, CampaignID: c.ID, AdID: "ad-1", UserAgent: "Googlebot/2.1"})
	require.True(t, errutil.HasReason(err, errutil.ReasonBotDetected))
	require.Equal(t, 403, errutil.From(err).Code.HTTPStatus())

	_, err = f.svc.Record(ctx, Event{Type: EventClick, CampaignID: c.ID, AdID: "ad-2", UserAgent: "Mozilla/5.0", IP: "10.66.0.7"})
	require.True(t, errutil.HasReason(err, errutil.ReasonBotDetected))

	_, err = f.svc.Record(ctx, Event{Type: EventImpression, CampaignID: c.ID, AdID: "ad-3", SlotID: "slot-banned", UserAgent: "Mozilla/5.0"})
	require.True(t, errutil.HasReason(err, errutil.ReasonBotDetected))

	require.True(t, f.spent(t, c.ID).IsZero())
	var n int64
	require.NoError(t, f.db.Model(&EventRecord{}).Count(&n).Error)
	require.Zero(t, n)
}

func TestRecordRejectsInvalidBlockRule(t *testing.T) {
	_, err := NewService(ServiceParams{Config: func() *config.Config {
		cfg := config.Default()
		cfg.Intake.BlockRules = []string{`ip + 1`}
		return cfg
	}()})
	require.Error(t, err)
}

func TestDuplicateEventRewardedOnce(t *testing.T) {
	f := newFixture(t, nil)
	c := f.campaign(t, campaign.CreateParams{Budget: decimal.RequireFromString("10")})
	ctx := context.Background()
	e := Event{Type: EventConversion, CampaignID: c.ID, AdID: "ad-1", UserID: "user-1", SessionID: "sess-1"}

	first, err := f.svc.Record(ctx, e)
	require.NoError(t, err)
	second, err := f.svc.Record(ctx, e)
	require.NoError(t, err)

	require.Equal(t, first.EventID, second.EventID)
	require.True(t, second.Duplicate)
	require.True(t, second.RewardAmount.Equal(first.RewardAmount))
	require.True(t, f.spent(t, c.ID).Equal(decimal.RequireFromString("2")))

	// another user on the same ad is a different event
	other, err := f.svc.Record(ctx, Event{Type: EventConversion, CampaignID: c.ID, AdID: "ad-1", UserID: "user-2", SessionID: "sess-2"})
	require.NoError(t, err)
	require.NotEqual(t, first.EventID, other.EventID)
}

func TestClickFloodFromOneSession(t *testing.T) {
	f := newFixture(t, nil)
	c := f.campaign(t, campaign.CreateParams{Budget: decimal.RequireFromString("100")})
	ctx := context.Background()

	accepted, limited := 0, 0
	for i := 0; i < 2001; i++ {
		_, err := f.svc.Record(ctx, Event{Type: EventClick, CampaignID: c.ID, AdID: fmt.Sprintf("ad-%d", i), SessionID: "sess-flood"})
		switch {
		case err == nil:
			accepted++
		case errutil.HasReason(err, errutil.ReasonRateLimited):
			limited++
		default:
			require.NoError(t, err)
		}
	}

	require.Equal(t, 10, accepted)
	require.Equal(t, 1991, limited)
	require.True(t, f.spent(t, c.ID).Equal(decimal.RequireFromString("0.50")))
}

func TestRecordCampaignChecks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.Record(ctx, Event{Type: EventClick, CampaignID: "missing", AdID: "ad-1"})
	require.True(t, errutil.HasReason(err, errutil.ReasonCampaignNotFound))
	require.Equal(t, 404, errutil.From(err).Code.HTTPStatus())

	paused := f.campaign(t, campaign.CreateParams{Status: campaign.CampaignStatusInactive, Budget: decimal.RequireFromString("10")})
	_, err = f.svc.Record(ctx, Event{Type: EventClick, CampaignID: paused.ID, AdID: "ad-1"})
	require.True(t, errutil.HasReason(err, errutil.ReasonCampaignInactive))

	ended := time.Now().Add(-time.Hour)
	started := ended.Add(-time.Hour)
	expired := f.campaign(t, campaign.CreateParams{Budget: decimal.RequireFromString("10"), StartAt: &started, EndAt: &ended})
	_, err = f.svc.Record(ctx, Event{Type: EventClick, CampaignID: expired.ID, AdID: "ad-1"})
	require.True(t, errutil.HasReason(err, errutil.ReasonCampaignInactive))
}

func TestBudgetNeverOverspent(t *testing.T) {
	f := newFixture(t, nil)
	c := f.campaign(t, campaign.CreateParams{Budget: decimal.RequireFromString("0.12")})
	ctx := context.Background()

	_, err := f.svc.Record(ctx, Event{Type: EventClick, CampaignID: c.ID, AdID: "ad-1", SessionID: "s-1"})
	require.NoError(t, err)
	_, err = f.svc.Record(ctx, Event{Type: EventClick, CampaignID: c.ID, AdID: "ad-2", SessionID: "s-2"})
	require.NoError(t, err)

	// 0.10 spent, another 0.05 would pass the budget
	_, err = f.svc.Record(ctx, Event{Type: EventClick, CampaignID: c.ID, AdID: "ad-3", SessionID: "s-3"})
	require.True(t, errutil.HasReason(err, errutil.ReasonBudgetExhausted))
	require.True(t, f.spent(t, c.ID).Equal(decimal.RequireFromString("0.10")))

	// the rejected event left nothing behind
	var n int64
	require.NoError(t, f.db.Model(&EventRecord{}).Count(&n).Error)
	require.Equal(t, int64(2), n)
	require.NoError(t, f.db.Model(&payout.RewardEntry{}).Count(&n).Error)
	require.Equal(t, int64(2), n)
}

func TestConcurrentIntakeStaysWithinBudget(t *testing.T) {
	f := newFixture(t, nil)
	c := f.campaign(t, campaign.CreateParams{Budget: decimal.RequireFromString("1.00")})
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		other    []error
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Record(ctx, Event{
				Type: EventClick, CampaignID: c.ID,
				AdID: fmt.Sprintf("ad-%d", i), SessionID: fmt.Sprintf("s-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case !errutil.HasReason(err, errutil.ReasonBudgetExhausted):
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, other)
	require.Equal(t, 20, accepted)
	require.True(t, f.spent(t, c.ID).Equal(decimal.RequireFromString("1.00")))
}

func TestCampaignRewardOverride(t *testing.T) {
	f := newFixture(t, nil)
	c := f.campaign(t, campaign.CreateParams{
		Budget:      decimal.RequireFromString("10"),
		ClickReward: decimal.RequireFromString("0.08"),
	})

	res, err := f.svc.Record(context.Background(), Event{Type: EventClick, CampaignID: c.ID, AdID: "ad-1"})
	require.NoError(t, err)
	require.True(t, res.RewardAmount.Equal(decimal.RequireFromString("0.08")))
}

func TestDedupKeyScope(t *testing.T) {
	base := Event{Type: EventClick, CampaignID: "c-1", AdID: "ad-1", UserID: "u-1", SessionID: "s-1"}
	require.Len(t, base.DedupKey(), 64)

	sameUserOtherSession := base
	sameUserOtherSession.SessionID = "s-2"
	require.Equal(t, base.DedupKey(), sameUserOtherSession.DedupKey())

	otherCampaign := base
	otherCampaign.CampaignID = "c-2"
	require.NotEqual(t, base.DedupKey(), otherCampaign.DedupKey())

	otherType := base
	otherType.Type = EventImpression
	require.NotEqual(t, base.DedupKey(), otherType.DedupKey())

	require.Equal(t, "s-1", base.RateKey())
	require.Equal(t, "ad-1", Event{AdID: "ad-1"}.RateKey())
}
