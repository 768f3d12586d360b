package reconcile

import (
	"time"

	"adpayout-engine/pkg/money"

	"github.com/shopspring/decimal"
)

// Report is one comparison of a campaign's ledger spend with the amount the
// settlement network reports as spent from escrow.
type Report struct {
	ID            string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	CampaignID    string    `gorm:"column:campaign_id;type:varchar(32);not null;index:idx_reconcile_campaign_checked,priority:1" json:"campaign_id"`
	OffChainSpent int64     `gorm:"column:off_chain_spent;not null" json:"-"`
	OnChainSpent  int64     `gorm:"column:on_chain_spent;not null" json:"-"`
	Drift         int64     `gorm:"column:drift;not null" json:"-"`
	Epsilon       int64     `gorm:"column:epsilon;not null" json:"-"`
	Reconciled    bool      `gorm:"column:reconciled;not null" json:"reconciled"`
	CheckedAt     time.Time `gorm:"column:checked_at;not null;index:idx_reconcile_campaign_checked,priority:2" json:"checked_at"`
}

func (Report) TableName() string {
	return "reconciliation_reports"
}

// View is the API shape of a report.
type View struct {
	*Report
	OffChainSpent decimal.Decimal `json:"off_chain_spent"`
	OnChainSpent  decimal.Decimal `json:"on_chain_spent"`
	Drift         decimal.Decimal `json:"drift"`
	Epsilon       decimal.Decimal `json:"epsilon"`
}

func NewView(r *Report) View {
	return View{
		Report:        r,
		OffChainSpent: money.FromMicros(r.OffChainSpent),
		OnChainSpent:  money.FromMicros(r.OnChainSpent),
		Drift:         money.FromMicros(r.Drift),
		Epsilon:       money.FromMicros(r.Epsilon),
	}
}
