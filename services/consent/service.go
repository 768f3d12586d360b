package consent

import (
	"context"
	"time"

	"adpayout-engine/pkg/errutil"
	"adpayout-engine/pkg/repository"
	"adpayout-engine/services/settlement"
	"adpayout-engine/services/transaction"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Service struct {
	node    *snowflake.Node
	txm     *transaction.Manager
	client  settlement.Client
	records repository.Repository[ConsentRecord]
}

type ServiceParams struct {
	fx.In

	DB      *gorm.DB
	Node    *snowflake.Node
	Manager *transaction.Manager
	Client  settlement.Client
}

func NewService(p ServiceParams) *Service {
	s := &Service{
		node:    p.Node,
		txm:     p.Manager,
		client:  p.Client,
		records: repository.ProvideStore[ConsentRecord](p.DB),
	}
	p.Manager.OnConfirmed(transaction.TypeConsentRecord, s.onConfirmed)
	return s
}

// Record submits a consent-record transaction. The grant is stored locally
// once the network confirms it.
func (s *Service) Record(ctx context.Context, subjectID, scope, campaignID string) (*transaction.Record, error) {
	return s.txm.Submit(ctx, transaction.ConsentPayload{
		SubjectID:  subjectID,
		Scope:      scope,
		CampaignID: campaignID,
	}, -1)
}

// Verify answers from confirmed local grants first and asks the network
// otherwise. source is "local" or "network".
func (s *Service) Verify(ctx context.Context, subjectID, scope, campaignID string) (bool, string, error) {
	if subjectID == "" || scope == "" {
		return false, "", errutil.ValidationFailed("subject_id and scope are required", nil)
	}

	rec, err := s.records.FindOne(ctx, &ConsentRecord{SubjectID: subjectID, Scope: scope, CampaignID: campaignID})
	if err != nil {
		return false, "", errutil.Internal("lookup consent", err)
	}
	if rec != nil {
		return true, "local", nil
	}

	ok, err := s.client.VerifyConsent(ctx, subjectID, scope, campaignID)
	if err != nil {
		return false, "", err
	}
	return ok, "network", nil
}

func (s *Service) onConfirmed(ctx context.Context, tx *gorm.DB, rec *transaction.Record, payload transaction.Payload) error {
	p, ok := payload.(transaction.ConsentPayload)
	if !ok {
		return errutil.Internal("unexpected consent payload", nil)
	}

	confirmedAt := time.Now().UTC()
	if rec.ConfirmedAt != nil {
		confirmedAt = *rec.ConfirmedAt
	}

	row := &ConsentRecord{
		ID:               s.node.Generate().String(),
		TransactionID:    rec.ID,
		SubjectID:        p.SubjectID,
		Scope:            p.Scope,
		CampaignID:       p.CampaignID,
		SettlementHandle: rec.Handle(),
		ConfirmedAt:      confirmedAt,
	}
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "transaction_id"}}, DoNothing: true}).
		Create(row).Error; err != nil {
		return err
	}

	zap.L().Info("consent recorded",
		zap.String("transaction_id", rec.ID),
		zap.String("subject_id", p.SubjectID),
		zap.String("scope", p.Scope),
	)
	return nil
}
