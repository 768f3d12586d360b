package fraud

import "time"

// Session holds the rolling interaction counters of one session key.
type Session struct {
	SessionID             string    `gorm:"column:session_id;primaryKey;type:varchar(128)"`
	ClickCount            int       `gorm:"column:click_count;not null;default:0"`
	ClickWindowStart      time.Time `gorm:"column:click_window_start"`
	ImpressionCount       int       `gorm:"column:impression_count;not null;default:0"`
	ImpressionWindowStart time.Time `gorm:"column:impression_window_start"`
	LastEventAt           time.Time `gorm:"column:last_event_at;index"`
}

func (Session) TableName() string {
	return "fraud_sessions"
}

type Kind string

const (
	KindImpression Kind = "impression"
	KindClick      Kind = "click"
	KindConversion Kind = "conversion"
)
