package payout

import (
	"context"
	"encoding/json"
	"fmt"

	"adpayout-engine/pkg/db/option"
	"adpayout-engine/pkg/db/pagination"
	"adpayout-engine/pkg/errutil"
	"adpayout-engine/pkg/featureflags"
	"adpayout-engine/pkg/money"
	"adpayout-engine/pkg/repository"
	"adpayout-engine/pkg/sequence"
	"adpayout-engine/services/campaign"
	"adpayout-engine/services/ledger"
	"adpayout-engine/services/settlement"
	"adpayout-engine/services/transaction"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("adpayout-engine/services/payout")

type Service struct {
	db        *gorm.DB
	node      *snowflake.Node
	seq       sequence.Generator
	client    settlement.Client
	flags     featureflags.FeatureFlag
	txm       *transaction.Manager
	campaigns *campaign.Service
	ledger    *ledger.Service

	entries repository.Repository[RewardEntry]
	payouts repository.Repository[Payout]
}

type ServiceParams struct {
	fx.In

	DB        *gorm.DB
	Node      *snowflake.Node
	Client    settlement.Client
	Flags     featureflags.FeatureFlag
	Manager   *transaction.Manager
	Campaigns *campaign.Service
	Ledger    *ledger.Service
	Seq       sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		db:        p.DB,
		node:      p.Node,
		seq:       p.Seq,
		client:    p.Client,
		flags:     p.Flags,
		txm:       p.Manager,
		campaigns: p.Campaigns,
		ledger:    p.Ledger,
		entries:   repository.ProvideStore[RewardEntry](p.DB),
		payouts:   repository.ProvideStore[Payout](p.DB),
	}

	for _, t := range []transaction.Type{transaction.TypePayoutExecution, transaction.TypeRelease} {
		p.Manager.OnConfirmed(t, s.onSettled)
		p.Manager.OnStatusChange(t, s.mirror)
	}
	return s
}

// Accrue records pending reward entries for one accepted event inside tx.
func (s *Service) Accrue(ctx context.Context, tx *gorm.DB, campaignID, eventID string, allocs []campaign.Allocation) ([]*RewardEntry, error) {
	rows := make([]*RewardEntry, 0, len(allocs))
	for _, a := range allocs {
		rows = append(rows, &RewardEntry{
			ID:         s.node.Generate().String(),
			CampaignID: campaignID,
			EventID:    eventID,
			Recipient:  a.Recipient,
			Role:       a.Role,
			Amount:     money.ToMicros(a.Amount),
			Status:     EntryPending,
		})
	}
	if err := s.entries.WithTrx(tx).BatchCreate(ctx, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Build aggregates the campaign's pending reward entries per recipient and
// role. An empty recipients list takes every pending entry.
func (s *Service) Build(ctx context.Context, campaignID string, recipients []string) (*Batch, error) {
	if _, err := s.campaigns.Get(ctx, campaignID); err != nil {
		return nil, err
	}

	opts := []option.QueryOption{
		option.WithSortBy(option.QuerySortBy{SortBy: "id", Allow: map[string]bool{"id": true}}),
	}
	if len(recipients) > 0 {
		opts = append(opts, option.ApplyOperator(option.Condition{Field: "recipient", Operator: option.IN, Value: recipients}))
	}

	rows, err := s.entries.Find(ctx, &RewardEntry{CampaignID: campaignID, Status: EntryPending}, opts...)
	if err != nil {
		return nil, errutil.Internal("load reward entries", err)
	}
	if len(rows) == 0 {
		return nil, errutil.UnprocessableEntity("no pending rewards to pay", nil, errutil.WithReason(errutil.ReasonNothingToPay))
	}

	type key struct {
		recipient string
		role      campaign.Role
	}
	batch := &Batch{CampaignID: campaignID, Total: decimal.Zero}
	lines := make(map[key]*Line)

	for _, e := range rows {
		k := key{e.Recipient, e.Role}
		l, ok := lines[k]
		if !ok {
			l = &Line{Recipient: e.Recipient, Role: e.Role, Amount: decimal.Zero}
			lines[k] = l
			batch.Lines = append(batch.Lines, l)
		}
		amount := money.FromMicros(e.Amount)
		l.Amount = l.Amount.Add(amount)
		l.EventIDs = append(l.EventIDs, e.EventID)
		l.entryIDs = append(l.entryIDs, e.ID)
		batch.Total = batch.Total.Add(amount)
	}
	return batch, nil
}

// Result is the outcome of Execute.
type Result struct {
	Batch       *Batch
	Transaction *transaction.Record
	Payouts     []*Payout
}

// Execute submits one payout-execution transaction for the pending entries.
// The transaction, its payout lines and the batching of the entries commit
// together before the settlement call is made.
func (s *Service) Execute(ctx context.Context, campaignID string, recipients []string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "payout.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("campaign.id", campaignID))

	if s.flags.Enabled(ctx, featureflags.PayoutsPaused, false) {
		return nil, errutil.ServiceUnavailable("payouts are paused", nil, errutil.WithReason(errutil.ReasonPayoutsPaused))
	}

	batch, err := s.Build(ctx, campaignID, recipients)
	if err != nil {
		return nil, err
	}

	balance, err := s.client.Balance(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if balance.LessThan(batch.Total) {
		zap.L().Warn("escrow below payout total",
			zap.String("campaign_id", campaignID),
			zap.String("balance", balance.String()),
			zap.String("total", batch.Total.String()),
		)
		return nil, errutil.UnprocessableEntity(
			fmt.Sprintf("escrow balance %s is below payout total %s", balance, batch.Total), nil,
			errutil.WithReason(errutil.ReasonInsufficientEscrow),
		)
	}

	code := ""
	if s.seq != nil {
		if c, err := s.seq.NextPayoutCode(ctx); err == nil {
			code = c
		} else {
			zap.L().Warn("payout code unavailable", zap.Error(err))
		}
	}

	payload := transaction.PayoutExecutionPayload{CampaignID: campaignID, Amount: batch.Total}
	for _, l := range batch.Lines {
		payload.Recipients = append(payload.Recipients, settlement.Recipient{Address: l.Recipient, Amount: l.Amount})
	}

	var payouts []*Payout
	rec, err := s.txm.Submit(ctx, payload, -1, transaction.WithinTx(func(ctx context.Context, tx *gorm.DB, rec *transaction.Record) error {
		ids := batch.entryIDs()
		res := tx.WithContext(ctx).Model(&RewardEntry{}).
			Where("id IN ? AND status = ?", ids, EntryPending).
			Updates(map[string]any{"status": EntryBatched, "transaction_id": rec.ID})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(ids)) {
			return errutil.Conflict("reward entries changed while batching, retry the payout", nil)
		}

		sum := decimal.Zero
		for _, l := range batch.Lines {
			events, err := json.Marshal(l.EventIDs)
			if err != nil {
				return err
			}
			payouts = append(payouts, &Payout{
				ID:            s.node.Generate().String(),
				BatchCode:     code,
				CampaignID:    campaignID,
				TransactionID: rec.ID,
				Recipient:     l.Recipient,
				Amount:        money.ToMicros(l.Amount),
				Role:          l.Role,
				Status:        rec.Status,
				EventIDs:      events,
			})
			sum = sum.Add(l.Amount)
		}
		if !sum.Equal(payload.Amount) {
			return errutil.Internal(fmt.Sprintf("payout lines sum %s, transaction declares %s", sum, payload.Amount), nil)
		}
		return s.payouts.WithTrx(tx).BatchCreate(ctx, payouts)
	}))
	if err != nil {
		return nil, err
	}

	zap.L().Info("payout submitted",
		zap.String("campaign_id", campaignID),
		zap.String("transaction_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.String("total", batch.Total.String()),
		zap.Int("lines", len(batch.Lines)),
	)

	current, err := s.ListByTransaction(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	return &Result{Batch: batch, Transaction: rec, Payouts: current}, nil
}

func (s *Service) ListByTransaction(ctx context.Context, transactionID string) ([]*Payout, error) {
	rows, err := s.payouts.Find(ctx, &Payout{TransactionID: transactionID},
		option.WithSortBy(option.QuerySortBy{SortBy: "id", Allow: map[string]bool{"id": true}}))
	if err != nil {
		return nil, errutil.Internal("list payouts", err)
	}
	return rows, nil
}

func (s *Service) List(ctx context.Context, campaignID string, p pagination.Pagination) ([]*Payout, *pagination.PageInfo, error) {
	rows, err := s.payouts.Find(ctx, &Payout{CampaignID: campaignID}, option.ApplyPagination(p))
	if err != nil {
		return nil, nil, errutil.Internal("list payouts", err)
	}
	rows, info := pagination.Page(rows, p, func(p *Payout) string { return p.ID })
	return rows, info, nil
}

// onSettled applies a confirmed payout: lines confirmed, entries settled,
// paid_out raised by the total and a ledger entry written. Spend was booked
// at intake, so it is left alone.
func (s *Service) onSettled(ctx context.Context, tx *gorm.DB, rec *transaction.Record, payload transaction.Payload) error {
	total := payload.Total()

	payouts, err := s.payouts.WithTrx(tx).Find(ctx, &Payout{TransactionID: rec.ID})
	if err != nil {
		return err
	}
	if len(payouts) == 0 && rec.Type == transaction.TypePayoutExecution {
		return fmt.Errorf("payout transaction %s has no payout lines", rec.ID)
	}
	if len(payouts) > 0 {
		sum := decimal.Zero
		for _, p := range payouts {
			sum = sum.Add(p.AmountDecimal())
		}
		if !sum.Equal(total) {
			return fmt.Errorf("payout lines of %s sum %s, transaction declares %s", rec.ID, sum, total)
		}
	}

	if err := tx.WithContext(ctx).Model(&Payout{}).
		Where("transaction_id = ?", rec.ID).
		Update("status", transaction.StatusConfirmed).Error; err != nil {
		return err
	}
	if err := tx.WithContext(ctx).Model(&RewardEntry{}).
		Where("transaction_id = ? AND status = ?", rec.ID, EntryBatched).
		Update("status", EntrySettled).Error; err != nil {
		return err
	}
	if err := s.campaigns.AddPaidOut(ctx, tx, payload.Campaign(), total); err != nil {
		return err
	}
	if _, err := s.ledger.Append(ctx, tx, ledger.AppendParams{
		CampaignID:  payload.Campaign(),
		Type:        ledger.EntryPayoutSettled,
		Amount:      total,
		ReferenceID: rec.ID,
		Description: "payout settled",
		Metadata:    map[string]any{"block_ref": rec.BlockRef, "lines": len(payouts)},
	}); err != nil {
		return err
	}

	zap.L().Info("payout settled",
		zap.String("campaign_id", payload.Campaign()),
		zap.String("transaction_id", rec.ID),
		zap.String("total", total.String()),
	)
	return nil
}

// mirror copies the transaction status onto its payout lines and hands the
// entries back to the pending pool once the transaction can no longer
// succeed.
func (s *Service) mirror(ctx context.Context, tx *gorm.DB, rec *transaction.Record, _ transaction.Payload) error {
	updates := map[string]any{"status": rec.Status}
	if h := rec.Handle(); h != "" {
		updates["tx_handle"] = h
	}
	if err := tx.WithContext(ctx).Model(&Payout{}).
		Where("transaction_id = ?", rec.ID).
		Updates(updates).Error; err != nil {
		return err
	}

	if !rec.Terminal() || rec.Status == transaction.StatusConfirmed {
		return nil
	}

	res := tx.WithContext(ctx).Model(&RewardEntry{}).
		Where("transaction_id = ? AND status = ?", rec.ID, EntryBatched).
		Updates(map[string]any{"status": EntryPending, "transaction_id": nil})
	if res.Error != nil {
		return res.Error
	}

	zap.L().Warn("payout abandoned, entries released",
		zap.String("transaction_id", rec.ID),
		zap.String("status", string(rec.Status)),
		zap.Int64("entries", res.RowsAffected),
	)
	return nil
}
