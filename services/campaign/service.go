package campaign

import (
	"context"
	"fmt"
	"time"

	"adpayout-engine/pkg/config"
	"adpayout-engine/pkg/db/option"
	"adpayout-engine/pkg/errutil"
	"adpayout-engine/pkg/money"
	"adpayout-engine/pkg/repository"
	"adpayout-engine/services/ledger"
	"adpayout-engine/services/transaction"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	ledger *ledger.Service
	txm    *transaction.Manager

	campaign     repository.Repository[Campaign]
	defaultSplit Split
}

type ServiceParams struct {
	fx.In

	DB      *gorm.DB
	Node    *snowflake.Node
	Config  *config.Config
	Ledger  *ledger.Service
	Manager *transaction.Manager
}

func NewService(p ServiceParams) (*Service, error) {
	split, err := NewSplit(
		money.Parse(p.Config.Intake.UserShare, decimal.RequireFromString("0.70")),
		money.Parse(p.Config.Intake.PublisherShare, decimal.RequireFromString("0.20")),
	)
	if err != nil {
		return nil, fmt.Errorf("default reward split: %w", err)
	}

	s := &Service{
		db:           p.DB,
		node:         p.Node,
		ledger:       p.Ledger,
		txm:          p.Manager,
		campaign:     repository.ProvideStore[Campaign](p.DB),
		defaultSplit: split,
	}
	p.Manager.OnConfirmed(transaction.TypeDeposit, s.onDepositConfirmed)
	return s, nil
}

type CreateParams struct {
	Name             string
	Description      string
	Status           CampaignStatus
	Budget           decimal.Decimal
	StartAt          *time.Time
	EndAt            *time.Time
	ImpressionReward decimal.Decimal
	ClickReward      decimal.Decimal
	ConversionReward decimal.Decimal
	UserShare        *decimal.Decimal
	PublisherShare   *decimal.Decimal
}

func (s *Service) Create(ctx context.Context, p CreateParams) (*Campaign, error) {
	if p.Name == "" {
		return nil, errutil.ValidationFailed("name is required", nil)
	}
	if p.Budget.IsNegative() {
		return nil, errutil.ValidationFailed("budget must not be negative", nil)
	}
	for _, r := range []decimal.Decimal{p.ImpressionReward, p.ClickReward, p.ConversionReward} {
		if r.IsNegative() {
			return nil, errutil.ValidationFailed("rewards must not be negative", nil)
		}
	}
	if p.StartAt != nil && p.EndAt != nil && p.EndAt.Before(*p.StartAt) {
		return nil, errutil.ValidationFailed("end_at is before start_at", nil)
	}
	if p.Status == "" {
		p.Status = CampaignStatusActive
	}

	c := &Campaign{
		ID:               s.node.Generate().String(),
		Name:             p.Name,
		Description:      p.Description,
		Status:           p.Status,
		StartAt:          p.StartAt,
		EndAt:            p.EndAt,
		Budget:           money.ToMicros(p.Budget),
		ImpressionReward: money.ToMicros(p.ImpressionReward),
		ClickReward:      money.ToMicros(p.ClickReward),
		ConversionReward: money.ToMicros(p.ConversionReward),
	}

	if p.UserShare != nil || p.PublisherShare != nil {
		user, pub := s.defaultSplit.User, s.defaultSplit.Publisher
		if p.UserShare != nil {
			user = *p.UserShare
		}
		if p.PublisherShare != nil {
			pub = *p.PublisherShare
		}
		split, err := NewSplit(user, pub)
		if err != nil {
			return nil, errutil.ValidationFailed(err.Error(), nil)
		}
		c.UserShareBps, c.PublisherShareBps = split.bps()
	}

	if err := s.campaign.Create(ctx, c); err != nil {
		return nil, errutil.Internal("create campaign", err)
	}

	zap.L().Info("campaign created",
		zap.String("campaign_id", c.ID),
		zap.String("budget", c.BudgetAmount().String()),
	)
	return c, nil
}

// Get returns the campaign or a CAMPAIGN_NOT_FOUND error.
func (s *Service) Get(ctx context.Context, id string) (*Campaign, error) {
	return s.Load(ctx, nil, id)
}

func (s *Service) Load(ctx context.Context, tx *gorm.DB, id string) (*Campaign, error) {
	if id == "" {
		return nil, errutil.NotFound("campaign not found", nil, errutil.WithReason(errutil.ReasonCampaignNotFound))
	}
	c, err := s.campaign.WithTrx(tx).FindOne(ctx, &Campaign{ID: id})
	if err != nil {
		return nil, errutil.Internal("load campaign", err)
	}
	if c == nil {
		return nil, errutil.NotFound("campaign not found", nil, errutil.WithReason(errutil.ReasonCampaignNotFound))
	}
	return c, nil
}

func (s *Service) ListActive(ctx context.Context) ([]*Campaign, error) {
	rows, err := s.campaign.Find(ctx, &Campaign{Status: CampaignStatusActive},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", Allow: map[string]bool{"id": true}}))
	if err != nil {
		return nil, errutil.Internal("list campaigns", err)
	}
	return rows, nil
}

// SplitFor returns the campaign's configured split, or the service default
// when the campaign sets none.
func (s *Service) SplitFor(c *Campaign) Split {
	if c.UserShareBps == 0 && c.PublisherShareBps == 0 {
		return s.defaultSplit
	}
	split, err := splitFromBps(c.UserShareBps, c.PublisherShareBps)
	if err != nil {
		zap.L().Warn("invalid campaign split, using default", zap.String("campaign_id", c.ID), zap.Error(err))
		return s.defaultSplit
	}
	return split
}

// AddSpend books amount against the budget in one conditional statement.
// It fails with BUDGET_EXHAUSTED when the budget cannot cover it.
func (s *Service) AddSpend(ctx context.Context, tx *gorm.DB, id string, amount decimal.Decimal) error {
	micros := money.ToMicros(amount)
	res := s.conn(ctx, tx).Model(&Campaign{}).
		Where("id = ? AND spent + ? <= budget", id, micros).
		Updates(map[string]any{
			"spent":      gorm.Expr("spent + ?", micros),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return errutil.Internal("add spend", res.Error)
	}
	if res.RowsAffected == 0 {
		return errutil.BadRequest("campaign budget exhausted", nil, errutil.WithReason(errutil.ReasonBudgetExhausted))
	}
	return nil
}

func (s *Service) AddPaidOut(ctx context.Context, tx *gorm.DB, id string, amount decimal.Decimal) error {
	return s.increment(ctx, tx, id, "paid_out", amount)
}

func (s *Service) AddDeposited(ctx context.Context, tx *gorm.DB, id string, amount decimal.Decimal) error {
	return s.increment(ctx, tx, id, "deposited", amount)
}

func (s *Service) increment(ctx context.Context, tx *gorm.DB, id, column string, amount decimal.Decimal) error {
	micros := money.ToMicros(amount)
	res := s.conn(ctx, tx).Model(&Campaign{}).
		Where("id = ?", id).
		Updates(map[string]any{
			column:       gorm.Expr(column+" + ?", micros),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.NotFound("campaign not found", nil, errutil.WithReason(errutil.ReasonCampaignNotFound))
	}
	return nil
}

func (s *Service) conn(ctx context.Context, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

// Deposit moves amount into the campaign escrow. The deposited counter only
// changes once the network confirms the deposit.
func (s *Service) Deposit(ctx context.Context, id string, amount decimal.Decimal) (*transaction.Record, error) {
	if !amount.IsPositive() {
		return nil, errutil.ValidationFailed("amount must be positive", nil)
	}
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.txm.Submit(ctx, transaction.DepositPayload{CampaignID: id, Amount: amount}, -1)
}

func (s *Service) onDepositConfirmed(ctx context.Context, tx *gorm.DB, rec *transaction.Record, payload transaction.Payload) error {
	p, ok := payload.(transaction.DepositPayload)
	if !ok {
		return fmt.Errorf("deposit %s carries %T", rec.ID, payload)
	}

	if err := s.AddDeposited(ctx, tx, p.CampaignID, p.Amount); err != nil {
		return err
	}
	if _, err := s.ledger.Append(ctx, tx, ledger.AppendParams{
		CampaignID:  p.CampaignID,
		Type:        ledger.EntryDepositConfirmed,
		Amount:      p.Amount,
		ReferenceID: rec.ID,
		Description: "escrow deposit confirmed",
		Metadata:    map[string]any{"block_ref": rec.BlockRef},
	}); err != nil {
		return err
	}

	zap.L().Info("deposit applied",
		zap.String("campaign_id", p.CampaignID),
		zap.String("transaction_id", rec.ID),
		zap.String("amount", p.Amount.String()),
	)
	return nil
}

func (s *Service) View(c *Campaign) View {
	return View{
		ID:               c.ID,
		Name:             c.Name,
		Description:      c.Description,
		Status:           c.Status,
		StartAt:          c.StartAt,
		EndAt:            c.EndAt,
		Budget:           c.BudgetAmount(),
		Spent:            c.SpentAmount(),
		Deposited:        c.DepositedAmount(),
		PaidOut:          c.PaidOutAmount(),
		ImpressionReward: money.FromMicros(c.ImpressionReward),
		ClickReward:      money.FromMicros(c.ClickReward),
		ConversionReward: money.FromMicros(c.ConversionReward),
		Split:            s.SplitFor(c),
		CreatedAt:        c.CreatedAt,
		UpdatedAt:        c.UpdatedAt,
	}
}
