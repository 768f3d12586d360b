package reconcile

import (
	"context"
	"fmt"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/db/option"
	"adpayout-engine/pkg/db/pagination"
	"adpayout-engine/pkg/errutil"
	"adpayout-engine/pkg/money"
	"adpayout-engine/pkg/repository"
	"adpayout-engine/services/campaign"
	"adpayout-engine/services/settlement"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("adpayout-engine/services/reconcile")

var (
	driftGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "adpayout",
		Subsystem: "reconcile",
		Name:      "drift",
		Help:      "Ledger spend minus on-chain spend from the latest check.",
	}, []string{"campaign_id"})
	unreconciled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adpayout",
		Subsystem: "reconcile",
		Name:      "unreconciled_total",
		Help:      "Checks whose drift exceeded epsilon.",
	}, []string{"campaign_id"})
)

// Compare reports the drift between the two amounts and whether it is
// within epsilon. The bound is inclusive.
func Compare(offChain, onChain, epsilon decimal.Decimal) (decimal.Decimal, bool) {
	drift := offChain.Sub(onChain)
	return drift, drift.Abs().LessThanOrEqual(epsilon)
}

// Service detects drift between the ledger and the escrow. It only reports;
// nothing here ever adjusts either side.
type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	client    settlement.Client
	campaigns *campaign.Service
	reports   repository.Repository[Report]
	epsilon   decimal.Decimal
	group     singleflight.Group
	now       func() time.Time
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Client    settlement.Client
	Campaigns *campaign.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:        p.DB,
		node:      p.Node,
		client:    p.Client,
		campaigns: p.Campaigns,
		reports:   repository.ProvideStore[Report](p.DB),
		epsilon:   money.Parse(p.Config.Reconcile.Epsilon, decimal.New(1, -money.Scale)),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Reconcile compares one campaign and stores the report. Concurrent calls
// for the same campaign share a single check.
func (s *Service) Reconcile(ctx context.Context, campaignID string) (*Report, error) {
	v, err, _ := s.group.Do(campaignID, func() (any, error) {
		return s.reconcile(ctx, campaignID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

func (s *Service) reconcile(ctx context.Context, campaignID string) (*Report, error) {
	ctx, span := tracer.Start(ctx, "reconcile.Reconcile")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", campaignID))

	c, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	onChain, err := s.client.SpentOnChain(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	offChain := c.SpentAmount()
	drift, ok := Compare(offChain, onChain, s.epsilon)

	r := &Report{
		ID:            s.node.Generate().String(),
		CampaignID:    campaignID,
		OffChainSpent: c.Spent,
		OnChainSpent:  money.ToMicros(onChain),
		Drift:         money.ToMicros(drift),
		Epsilon:       money.ToMicros(s.epsilon),
		Reconciled:    ok,
		CheckedAt:     s.now(),
	}
	if err := s.reports.Create(ctx, r); err != nil {
		return nil, errutil.Internal("save reconciliation report", err)
	}

	f, _ := drift.Float64()
	driftGauge.WithLabelValues(campaignID).Set(f)
	span.SetAttributes(attribute.Bool("reconciled", ok), attribute.String("drift", drift.String()))

	if !ok {
		unreconciled.WithLabelValues(campaignID).Inc()
		zap.L().Warn("escrow drift detected",
			zap.String("campaign_id", campaignID),
			zap.String("off_chain_spent", offChain.String()),
			zap.String("on_chain_spent", onChain.String()),
			zap.String("drift", drift.String()),
		)
	}
	return r, nil
}

// ReconcileAll checks every active campaign. A failing campaign is logged
// and does not stop the others.
func (s *Service) ReconcileAll(ctx context.Context) (int, error) {
	campaigns, err := s.campaigns.ListActive(ctx)
	if err != nil {
		return 0, err
	}

	drifted := 0
	for _, c := range campaigns {
		if ctx.Err() != nil {
			return drifted, ctx.Err()
		}
		r, err := s.Reconcile(ctx, c.ID)
		if err != nil {
			zap.L().Error("reconciliation failed", zap.String("campaign_id", c.ID), zap.Error(err))
			continue
		}
		if !r.Reconciled {
			drifted++
		}
	}
	return drifted, nil
}

func (s *Service) reconcileJob(ctx context.Context) error {
	drifted, err := s.ReconcileAll(ctx)
	if err != nil {
		return fmt.Errorf("reconcile campaigns: %w", err)
	}
	if drifted > 0 {
		zap.L().Warn("[Scheduler] campaigns out of balance", zap.Int("count", drifted))
	}
	return nil
}

// History lists stored reports of a campaign, oldest first.
func (s *Service) History(ctx context.Context, campaignID string, p pagination.Pagination) ([]*Report, *pagination.PageInfo, error) {
	rows, err := s.reports.Find(ctx, &Report{CampaignID: campaignID}, option.ApplyPagination(p))
	if err != nil {
		return nil, nil, errutil.Internal("list reconciliation reports", err)
	}
	rows, info := pagination.Page(rows, p, func(r *Report) string { return r.ID })
	return rows, info, nil
}
