package transaction

import (
	"strconv"
	"time"

	"adpayout-engine/pkg/money"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Type string

const (
	TypeDeposit         Type = "deposit"
	TypeRelease         Type = "release"
	TypeConsentRecord   Type = "consent-record"
	TypeTokenTransfer   Type = "token-transfer"
	TypePayoutExecution Type = "payout-execution"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions lists the moves allowed outside of a retry. failed -> pending
// is only taken by Manager.Retry.
var transitions = map[Status][]Status{
	StatusPending:   {StatusSubmitted, StatusFailed, StatusCancelled},
	StatusSubmitted: {StatusConfirmed, StatusFailed, StatusCancelled},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to Status) bool {
	if from == StatusFailed && to == StatusPending {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Record is one settlement-network transaction. Rows are append-only: they
// move through the state machine but are never deleted.
type Record struct {
	ID               string         `gorm:"column:id;primaryKey;type:varchar(32)"`
	Code             string         `gorm:"column:code;type:varchar(32)"`
	Type             Type           `gorm:"column:type;type:varchar(32);not null;index"`
	Status           Status         `gorm:"column:status;type:varchar(16);not null;index"`
	SettlementHandle *string        `gorm:"column:settlement_handle;type:varchar(128);uniqueIndex"`
	RetryCount       int            `gorm:"column:retry_count;not null;default:0"`
	MaxRetries       int            `gorm:"column:max_retries;not null;default:0"`
	Attempt          int            `gorm:"column:attempt;not null;default:0"`
	Payload          datatypes.JSON `gorm:"column:payload"`
	LastError        string         `gorm:"column:last_error;type:text"`
	BlockRef         string         `gorm:"column:block_ref;type:varchar(128)"`
	FeeUsed          int64          `gorm:"column:fee_used;not null;default:0"`
	CreatedAt        time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time      `gorm:"column:updated_at;autoUpdateTime;index"`
	ConfirmedAt      *time.Time     `gorm:"column:confirmed_at"`
}

func (Record) TableName() string {
	return "transactions"
}

func (r *Record) Handle() string {
	if r.SettlementHandle == nil {
		return ""
	}
	return *r.SettlementHandle
}

func (r *Record) RetriesLeft() bool {
	return r.RetryCount < r.MaxRetries
}

// Terminal reports whether the record will never change again.
func (r *Record) Terminal() bool {
	switch r.Status {
	case StatusConfirmed, StatusCancelled:
		return true
	case StatusFailed:
		return !r.RetriesLeft()
	}
	return false
}

// IdempotencyKey identifies one logical submission. It only changes after
// the network reported a definitive failure, so an ambiguous submission
// error followed by a retry cannot be applied twice.
func (r *Record) IdempotencyKey() string {
	if r.Attempt == 0 {
		return r.ID
	}
	return r.ID + "-" + strconv.Itoa(r.Attempt)
}

func (r *Record) Fee() decimal.Decimal {
	return money.FromMicros(r.FeeUsed)
}

// Decode returns the typed payload.
func (r *Record) Decode() (Payload, error) {
	return DecodePayload(r.Payload)
}
