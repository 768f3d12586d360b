package intake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"adpayout-engine/pkg/celengine"
	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/errutil"
	"adpayout-engine/pkg/money"
	"adpayout-engine/pkg/repository"
	"adpayout-engine/services/campaign"
	"adpayout-engine/services/fraud"
	"adpayout-engine/services/ledger"
	"adpayout-engine/services/payout"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("adpayout-engine/services/intake")

var (
	eventsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adpayout",
		Subsystem: "intake",
		Name:      "events_accepted_total",
		Help:      "Events accepted and rewarded.",
	}, []string{"type"})
	eventsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adpayout",
		Subsystem: "intake",
		Name:      "events_rejected_total",
		Help:      "Events rejected at the gate, by reason.",
	}, []string{"reason"})
)

// blockRuleSchema declares the variables operator block rules may use.
var blockRuleSchema = map[string]any{
	"event_type":   "",
	"campaign_id":  "",
	"ad_id":        "",
	"publisher_id": "",
	"slot_id":      "",
	"user_id":      "",
	"session_id":   "",
	"user_agent":   "",
	"ip":           "",
}

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	events    repository.Repository[EventRecord]
	campaigns *campaign.Service
	fraud     *fraud.Service
	ledger    *ledger.Service
	payouts   *payout.Service

	botTokens []string
	rules     *celengine.RuleSet
	defaults  map[EventType]decimal.Decimal
	protocol  string
	now       func() time.Time
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Config    *config.Config
	Campaigns *campaign.Service
	Fraud     *fraud.Service
	Ledger    *ledger.Service
	Payouts   *payout.Service
}

func NewService(p ServiceParams) (*Service, error) {
	in := p.Config.Intake

	defaults := make(map[EventType]decimal.Decimal, 3)
	for t, raw := range map[EventType]string{
		EventImpression: in.ImpressionReward,
		EventClick:      in.ClickReward,
		EventConversion: in.ConversionReward,
	} {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("intake: %s reward: %w", t, err)
		}
		defaults[t] = v
	}

	rules, err := celengine.NewRuleSet(blockRuleSchema, in.BlockRules...)
	if err != nil {
		return nil, fmt.Errorf("intake: block rules: %w", err)
	}

	tokens := make([]string, 0, len(in.BotTokens))
	for _, t := range in.BotTokens {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tokens = append(tokens, t)
		}
	}

	return &Service{
		db:        p.DB,
		node:      p.Node,
		events:    repository.ProvideStore[EventRecord](p.DB),
		campaigns: p.Campaigns,
		fraud:     p.Fraud,
		ledger:    p.Ledger,
		payouts:   p.Payouts,
		botTokens: tokens,
		rules:     rules,
		defaults:  defaults,
		protocol:  p.Config.ProtocolAddress,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Record runs an event through the gate. Every check happens before any
// write; the accepted event, its spend, ledger entry and reward entries
// commit together.
func (s *Service) Record(ctx context.Context, e Event) (*Result, error) {
	ctx, span := tracer.Start(ctx, "intake.Record")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.type", string(e.Type)),
		attribute.String("campaign.id", e.CampaignID),
	)

	res, err := s.record(ctx, e)
	if err != nil {
		reason := errutil.From(err).Reason
		if reason == "" {
			reason = "UNKNOWN"
		}
		eventsRejected.WithLabelValues(reason).Inc()
		span.SetStatus(codes.Error, reason)
		return nil, err
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, e Event) (*Result, error) {
	if err := validate(e); err != nil {
		return nil, err
	}

	if err := s.screen(e); err != nil {
		return nil, err
	}

	key := e.DedupKey()
	if prior, err := s.lookup(ctx, key); err != nil {
		return nil, err
	} else if prior != nil {
		return prior, nil
	}

	if err := s.fraud.Check(ctx, e.RateKey(), fraud.Kind(e.Type)); err != nil {
		return nil, err
	}

	c, err := s.campaigns.Get(ctx, e.CampaignID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive(s.now()) {
		return nil, errutil.BadRequest("campaign is not active", nil, errutil.WithReason(errutil.ReasonCampaignInactive))
	}
	if c.Exhausted() {
		return nil, errutil.BadRequest("campaign budget exhausted", nil, errutil.WithReason(errutil.ReasonBudgetExhausted))
	}

	reward := s.rewardFor(c, e.Type)
	evt := &EventRecord{
		ID:           s.node.Generate().String(),
		DedupKey:     key,
		Type:         e.Type,
		CampaignID:   e.CampaignID,
		AdID:         e.AdID,
		PublisherID:  e.PublisherID,
		SlotID:       e.SlotID,
		UserID:       e.UserID,
		SessionID:    e.SessionID,
		RewardAmount: money.ToMicros(reward),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.events.WithTrx(tx).Create(ctx, evt); err != nil {
			return err
		}
		if err := s.campaigns.AddSpend(ctx, tx, c.ID, reward); err != nil {
			return err
		}
		if _, err := s.ledger.Append(ctx, tx, ledger.AppendParams{
			CampaignID:  c.ID,
			Type:        ledger.EntryRewardAccrued,
			Amount:      reward,
			ReferenceID: evt.ID,
			Description: string(e.Type) + " reward",
			Metadata:    map[string]any{"ad_id": e.AdID, "publisher_id": e.PublisherID, "user_id": e.UserID},
		}); err != nil {
			return err
		}
		allocs := s.campaigns.SplitFor(c).Allocate(reward, e.UserID, e.PublisherID, s.protocol)
		_, err := s.payouts.Accrue(ctx, tx, c.ID, evt.ID, allocs)
		return err
	})
	if err != nil {
		var base errutil.BaseError
		if errors.As(err, &base) {
			return nil, err
		}
		// A concurrent replay may have inserted the same dedup key first.
		if prior, lerr := s.lookup(ctx, key); lerr == nil && prior != nil {
			return prior, nil
		}
		return nil, errutil.Internal("record event", err)
	}

	eventsAccepted.WithLabelValues(string(e.Type)).Inc()
	zap.L().Debug("event accepted",
		zap.String("event_id", evt.ID),
		zap.String("campaign_id", c.ID),
		zap.String("type", string(e.Type)),
		zap.String("reward", reward.String()),
	)
	return &Result{EventID: evt.ID, RewardAmount: reward}, nil
}

func validate(e Event) error {
	switch {
	case e.Type == "":
		return errutil.ValidationFailed("type is required", nil)
	case !e.Type.Valid():
		return errutil.ValidationFailed(fmt.Sprintf("unknown event type %q", e.Type), nil)
	case e.CampaignID == "":
		return errutil.ValidationFailed("campaignId is required", nil)
	}
	return nil
}

// screen rejects known bots and anything an operator block rule matches.
func (s *Service) screen(e Event) error {
	ua := strings.ToLower(e.UserAgent)
	for _, token := range s.botTokens {
		if strings.Contains(ua, token) {
			return errutil.Forbidden("automated traffic is not rewarded", nil, errutil.WithReason(errutil.ReasonBotDetected))
		}
	}

	expr, matched, err := s.rules.Match(e.attributes())
	if err != nil {
		zap.L().Warn("block rule evaluation failed", zap.Error(err))
		return nil
	}
	if matched {
		zap.L().Info("event blocked by rule", zap.String("rule", expr), zap.String("campaign_id", e.CampaignID))
		return errutil.Forbidden("event blocked", nil, errutil.WithReason(errutil.ReasonBotDetected))
	}
	return nil
}

func (s *Service) lookup(ctx context.Context, key string) (*Result, error) {
	prior, err := s.events.FindOne(ctx, &EventRecord{DedupKey: key})
	if err != nil {
		return nil, errutil.Internal("lookup event", err)
	}
	if prior == nil {
		return nil, nil
	}
	return &Result{EventID: prior.ID, RewardAmount: prior.Reward(), Duplicate: true}, nil
}

func (s *Service) rewardFor(c *campaign.Campaign, t EventType) decimal.Decimal {
	var override int64
	switch t {
	case EventImpression:
		override = c.ImpressionReward
	case EventClick:
		override = c.ClickReward
	case EventConversion:
		override = c.ConversionReward
	}
	if override > 0 {
		return money.FromMicros(override)
	}
	return s.defaults[t]
}
