package intake

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"adpayout-engine/pkg/money"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventImpression EventType = "impression"
	EventClick      EventType = "click"
	EventConversion EventType = "conversion"
)

func (t EventType) Valid() bool {
	switch t {
	case EventImpression, EventClick, EventConversion:
		return true
	}
	return false
}

// EventRecord is an accepted interaction. DedupKey is unique, so a replayed
// event resolves to the original row.
type EventRecord struct {
	ID           string    `gorm:"column:id;primaryKey;type:varchar(32)"`
	DedupKey     string    `gorm:"column:dedup_key;type:varchar(64);not null;uniqueIndex"`
	Type         EventType `gorm:"column:type;type:varchar(16);not null"`
	CampaignID   string    `gorm:"column:campaign_id;type:varchar(32);not null;index"`
	AdID         string    `gorm:"column:ad_id;type:varchar(64)"`
	PublisherID  string    `gorm:"column:publisher_id;type:varchar(128)"`
	SlotID       string    `gorm:"column:slot_id;type:varchar(64)"`
	UserID       string    `gorm:"column:user_id;type:varchar(128)"`
	SessionID    string    `gorm:"column:session_id;type:varchar(128)"`
	RewardAmount int64     `gorm:"column:reward_amount;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (EventRecord) TableName() string {
	return "events"
}

func (e *EventRecord) Reward() decimal.Decimal {
	return money.FromMicros(e.RewardAmount)
}

// Event is one incoming interaction as received over HTTP.
type Event struct {
	Type        EventType `form:"type" json:"type"`
	CampaignID  string    `form:"campaignId" json:"campaignId"`
	AdID        string    `form:"adId" json:"adId"`
	PublisherID string    `form:"publisherId" json:"publisherId"`
	SlotID      string    `form:"slotId" json:"slotId"`
	UserID      string    `form:"userId" json:"userId"`
	SessionID   string    `form:"sessionId" json:"sessionId"`

	UserAgent string `form:"-" json:"-"`
	IP        string `form:"-" json:"-"`
}

// DedupKey scopes idempotency to the campaign, the ad, the event type and
// the acting party (user, else session).
func (e Event) DedupKey() string {
	actor := e.UserID
	if actor == "" {
		actor = e.SessionID
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{e.CampaignID, e.AdID, string(e.Type), actor}, "|")))
	return hex.EncodeToString(sum[:])
}

// RateKey is the fraud session the event counts against.
func (e Event) RateKey() string {
	if e.SessionID != "" {
		return e.SessionID
	}
	return e.AdID
}

func (e Event) attributes() map[string]any {
	return map[string]any{
		"event_type":   string(e.Type),
		"campaign_id":  e.CampaignID,
		"ad_id":        e.AdID,
		"publisher_id": e.PublisherID,
		"slot_id":      e.SlotID,
		"user_id":      e.UserID,
		"session_id":   e.SessionID,
		"user_agent":   e.UserAgent,
		"ip":           e.IP,
	}
}

// Result is what the caller gets back for an accepted or replayed event.
type Result struct {
	EventID      string          `json:"eventId"`
	RewardAmount decimal.Decimal `json:"rewardAmount"`
	Duplicate    bool            `json:"duplicate,omitempty"`
}
