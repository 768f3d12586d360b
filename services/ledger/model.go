package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"adpayout-engine/pkg/money"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type EntryType string

const (
	EntryRewardAccrued    EntryType = "reward_accrued"
	EntryPayoutSettled    EntryType = "payout_settled"
	EntryDepositConfirmed EntryType = "deposit_confirmed"
)

// Entry is one link of a campaign's spend chain. Each entry commits to the
// previous entry's hash, so rewriting history breaks every later hash.
type Entry struct {
	ID           string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	CampaignID   string         `gorm:"column:campaign_id;type:varchar(32);not null;uniqueIndex:idx_ledger_campaign_seq,priority:1"`
	Sequence     int64          `gorm:"column:sequence;not null;uniqueIndex:idx_ledger_campaign_seq,priority:2"`
	Type         EntryType      `gorm:"column:type;type:varchar(32);not null"`
	Amount       int64          `gorm:"column:amount;not null"`
	ReferenceID  string         `gorm:"column:reference_id;type:varchar(128);not null;uniqueIndex"`
	Description  string         `gorm:"column:description;type:text"`
	PreviousHash string         `gorm:"column:previous_hash;type:char(64)"`
	Hash         string         `gorm:"column:hash;type:char(64);not null"`
	Metadata     datatypes.JSON `gorm:"column:metadata"`
	CreatedAt    time.Time      `gorm:"column:created_at"`
}

func (Entry) TableName() string {
	return "ledger_entries"
}

func (e *Entry) AmountDecimal() decimal.Decimal {
	return money.FromMicros(e.Amount)
}

func (e *Entry) HashFields() map[string]string {
	return map[string]string{
		"id":            e.ID,
		"campaign_id":   e.CampaignID,
		"sequence":      fmt.Sprintf("%d", e.Sequence),
		"type":          string(e.Type),
		"amount":        fmt.Sprintf("%d", e.Amount),
		"reference_id":  e.ReferenceID,
		"description":   e.Description,
		"created_at":    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		"previous_hash": e.PreviousHash,
	}
}

func (e *Entry) GenerateHash() string {
	fields := e.HashFields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, fields[k]))
	}

	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}
