package consent

import "time"

// ConsentRecord is a consent grant the settlement network has confirmed.
type ConsentRecord struct {
	ID               string    `gorm:"column:id;primaryKey;type:varchar(32)" json:"id"`
	TransactionID    string    `gorm:"column:transaction_id;type:varchar(32);not null;uniqueIndex" json:"transaction_id"`
	SubjectID        string    `gorm:"column:subject_id;type:varchar(128);not null;index:idx_consent_subject_scope,priority:1" json:"subject_id"`
	Scope            string    `gorm:"column:scope;type:varchar(64);not null;index:idx_consent_subject_scope,priority:2" json:"scope"`
	CampaignID       string    `gorm:"column:campaign_id;type:varchar(32)" json:"campaign_id,omitempty"`
	SettlementHandle string    `gorm:"column:settlement_handle;type:varchar(128)" json:"settlement_handle"`
	ConfirmedAt      time.Time `gorm:"column:confirmed_at;not null" json:"confirmed_at"`
}

func (ConsentRecord) TableName() string {
	return "consent_records"
}
