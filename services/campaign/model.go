package campaign

import (
	"time"

	"adpayout-engine/pkg/money"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type CampaignStatus string

const (
	CampaignStatusDraft    CampaignStatus = "DRAFT"
	CampaignStatusActive   CampaignStatus = "ACTIVE"
	CampaignStatusInactive CampaignStatus = "INACTIVE"
	CampaignStatusExpired  CampaignStatus = "EXPIRED"
)

// Campaign is an advertiser budget held in escrow. Money columns are micro
// units so that counters can be bumped with exact single-statement updates.
type Campaign struct {
	ID                string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	Name              string         `gorm:"column:name;type:varchar(255);not null"`
	Description       string         `gorm:"column:description;type:text"`
	Status            CampaignStatus `gorm:"column:status;type:varchar(16);not null;default:'DRAFT';index"`
	StartAt           *time.Time     `gorm:"column:start_at"`
	EndAt             *time.Time     `gorm:"column:end_at"`
	Budget            int64          `gorm:"column:budget;not null;default:0"`
	Spent             int64          `gorm:"column:spent;not null;default:0"`
	Deposited         int64          `gorm:"column:deposited;not null;default:0"`
	PaidOut           int64          `gorm:"column:paid_out;not null;default:0"`
	ImpressionReward  int64          `gorm:"column:impression_reward;not null;default:0"`
	ClickReward       int64          `gorm:"column:click_reward;not null;default:0"`
	ConversionReward  int64          `gorm:"column:conversion_reward;not null;default:0"`
	UserShareBps      int            `gorm:"column:user_share_bps;not null;default:0"`
	PublisherShareBps int            `gorm:"column:publisher_share_bps;not null;default:0"`
	Metadata          datatypes.JSON `gorm:"column:metadata"`
	CreatedAt         time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (Campaign) TableName() string {
	return "campaigns"
}

// IsActive checks if campaign is currently active based on time range & status.
func (c *Campaign) IsActive(now time.Time) bool {
	if c.Status != CampaignStatusActive {
		return false
	}
	if c.StartAt != nil && now.Before(*c.StartAt) {
		return false
	}
	if c.EndAt != nil && now.After(*c.EndAt) {
		return false
	}
	return true
}

func (c *Campaign) BudgetAmount() decimal.Decimal    { return money.FromMicros(c.Budget) }
func (c *Campaign) SpentAmount() decimal.Decimal     { return money.FromMicros(c.Spent) }
func (c *Campaign) DepositedAmount() decimal.Decimal { return money.FromMicros(c.Deposited) }
func (c *Campaign) PaidOutAmount() decimal.Decimal   { return money.FromMicros(c.PaidOut) }

func (c *Campaign) Exhausted() bool {
	return c.Spent >= c.Budget
}

// View is the API shape of a campaign.
type View struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Status           CampaignStatus  `json:"status"`
	StartAt          *time.Time      `json:"start_at,omitempty"`
	EndAt            *time.Time      `json:"end_at,omitempty"`
	Budget           decimal.Decimal `json:"budget"`
	Spent            decimal.Decimal `json:"spent"`
	Deposited        decimal.Decimal `json:"deposited"`
	PaidOut          decimal.Decimal `json:"paid_out"`
	ImpressionReward decimal.Decimal `json:"impression_reward"`
	ClickReward      decimal.Decimal `json:"click_reward"`
	ConversionReward decimal.Decimal `json:"conversion_reward"`
	Split            Split           `json:"split"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}
