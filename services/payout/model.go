package payout

import (
	"time"

	"adpayout-engine/pkg/money"
	"adpayout-engine/services/campaign"
	"adpayout-engine/services/transaction"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type EntryStatus string

const (
	EntryPending EntryStatus = "pending"
	EntryBatched EntryStatus = "batched"
	EntrySettled EntryStatus = "settled"
)

// RewardEntry is one role's share of one accepted event, waiting to be paid.
type RewardEntry struct {
	ID            string        `gorm:"column:id;primaryKey;type:varchar(32)"`
	CampaignID    string        `gorm:"column:campaign_id;type:varchar(32);not null;index:idx_reward_campaign_status,priority:1"`
	EventID       string        `gorm:"column:event_id;type:varchar(32);not null;index"`
	Recipient     string        `gorm:"column:recipient;type:varchar(128);not null"`
	Role          campaign.Role `gorm:"column:role;type:varchar(16);not null"`
	Amount        int64         `gorm:"column:amount;not null"`
	Status        EntryStatus   `gorm:"column:status;type:varchar(16);not null;index:idx_reward_campaign_status,priority:2"`
	TransactionID *string       `gorm:"column:transaction_id;type:varchar(32);index"`
	CreatedAt     time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time     `gorm:"column:updated_at;autoUpdateTime"`
}

func (RewardEntry) TableName() string {
	return "reward_entries"
}

// Payout is one recipient line of a payout transaction. Its status mirrors
// the parent transaction.
type Payout struct {
	ID            string             `gorm:"column:id;primaryKey;type:varchar(32)"`
	BatchCode     string             `gorm:"column:batch_code;type:varchar(32)"`
	CampaignID    string             `gorm:"column:campaign_id;type:varchar(32);not null;index"`
	TransactionID string             `gorm:"column:transaction_id;type:varchar(32);not null;index"`
	Recipient     string             `gorm:"column:recipient;type:varchar(128);not null"`
	ExternalID    string             `gorm:"column:external_id;type:varchar(128)"`
	TxHandle      string             `gorm:"column:tx_handle;type:varchar(128);index"`
	Amount        int64              `gorm:"column:amount;not null"`
	Role          campaign.Role      `gorm:"column:role;type:varchar(16);not null"`
	Status        transaction.Status `gorm:"column:status;type:varchar(16);not null"`
	EventIDs      datatypes.JSON     `gorm:"column:event_ids"`
	CreatedAt     time.Time          `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time          `gorm:"column:updated_at;autoUpdateTime"`
}

func (Payout) TableName() string {
	return "payouts"
}

func (p *Payout) AmountDecimal() decimal.Decimal {
	return money.FromMicros(p.Amount)
}

// Line aggregates the pending entries of one recipient and role.
type Line struct {
	Recipient string          `json:"recipient"`
	Role      campaign.Role   `json:"role"`
	Amount    decimal.Decimal `json:"amount"`
	EventIDs  []string        `json:"event_ids"`
	entryIDs  []string
}

// Batch is a payout ready to submit.
type Batch struct {
	CampaignID string          `json:"campaign_id"`
	Total      decimal.Decimal `json:"total"`
	Lines      []*Line         `json:"lines"`
}

func (b *Batch) entryIDs() []string {
	var ids []string
	for _, l := range b.Lines {
		ids = append(ids, l.entryIDs...)
	}
	return ids
}
