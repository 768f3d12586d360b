package settlement

import (
	"context"

	"github.com/shopspring/decimal"
)

//go:generate mockgen -destination=mock/client_mock.go -package=mock adpayout-engine/services/settlement Client

// Client is the boundary to the settlement network that custodies campaign
// escrow. Submissions return a handle right away; finality is observed later
// through WaitForConfirmation.
type Client interface {
	Deposit(ctx context.Context, req DepositRequest) (string, error)
	Release(ctx context.Context, req ReleaseRequest) (string, error)
	Balance(ctx context.Context, campaignID string) (decimal.Decimal, error)
	SpentOnChain(ctx context.Context, campaignID string) (decimal.Decimal, error)
	WaitForConfirmation(ctx context.Context, handle string, confirmations int) (*Receipt, error)
	RecordConsent(ctx context.Context, req ConsentRequest) (string, error)
	VerifyConsent(ctx context.Context, subjectID, scope, campaignID string) (bool, error)
}

// IdempotencyKey is forwarded to the network so a resubmitted attempt for
// the same record is not applied twice.
type DepositRequest struct {
	CampaignID     string          `json:"campaign_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type Recipient struct {
	Address string          `json:"address"`
	Amount  decimal.Decimal `json:"amount"`
}

type ReleaseRequest struct {
	CampaignID     string      `json:"campaign_id"`
	Recipients     []Recipient `json:"recipients"`
	IdempotencyKey string      `json:"idempotency_key"`
}

type ConsentRequest struct {
	SubjectID      string `json:"subject_id"`
	Scope          string `json:"scope"`
	CampaignID     string `json:"campaign_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Receipt is the final outcome of a submitted handle.
type Receipt struct {
	Handle   string          `json:"handle"`
	Success  bool            `json:"success"`
	BlockRef string          `json:"block_ref"`
	FeeUsed  decimal.Decimal `json:"fee_used"`
	Error    string          `json:"error,omitempty"`
}
