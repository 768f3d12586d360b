package transaction

import (
	"encoding/json"
	"errors"
	"fmt"

	"adpayout-engine/pkg/money"
	"adpayout-engine/services/settlement"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Payload is the typed body of a transaction. Each variant carries only the
// fields its settlement call needs.
type Payload interface {
	Type() Type
	Total() decimal.Decimal
	Campaign() string
	Validate() error
}

type DepositPayload struct {
	CampaignID string          `json:"campaign_id"`
	Amount     decimal.Decimal `json:"amount"`
}

func (p DepositPayload) Type() Type             { return TypeDeposit }
func (p DepositPayload) Total() decimal.Decimal { return p.Amount }
func (p DepositPayload) Campaign() string       { return p.CampaignID }

func (p DepositPayload) Validate() error {
	if p.CampaignID == "" {
		return errors.New("campaign_id is required")
	}
	if !p.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	return nil
}

type ReleasePayload struct {
	CampaignID string                 `json:"campaign_id"`
	Recipients []settlement.Recipient `json:"recipients"`
}

func (p ReleasePayload) Type() Type             { return TypeRelease }
func (p ReleasePayload) Total() decimal.Decimal { return sumRecipients(p.Recipients) }
func (p ReleasePayload) Campaign() string       { return p.CampaignID }

func (p ReleasePayload) Validate() error {
	if p.CampaignID == "" {
		return errors.New("campaign_id is required")
	}
	return validateRecipients(p.Recipients)
}

type ConsentPayload struct {
	SubjectID  string `json:"subject_id"`
	Scope      string `json:"scope"`
	CampaignID string `json:"campaign_id,omitempty"`
}

func (p ConsentPayload) Type() Type             { return TypeConsentRecord }
func (p ConsentPayload) Total() decimal.Decimal { return decimal.Zero }
func (p ConsentPayload) Campaign() string       { return p.CampaignID }

func (p ConsentPayload) Validate() error {
	if p.SubjectID == "" || p.Scope == "" {
		return errors.New("subject_id and scope are required")
	}
	return nil
}

// TokenTransferPayload moves escrowed funds to a single address. It is
// submitted as a release with one recipient.
type TokenTransferPayload struct {
	CampaignID string          `json:"campaign_id"`
	To         string          `json:"to"`
	Amount     decimal.Decimal `json:"amount"`
}

func (p TokenTransferPayload) Type() Type             { return TypeTokenTransfer }
func (p TokenTransferPayload) Total() decimal.Decimal { return p.Amount }
func (p TokenTransferPayload) Campaign() string       { return p.CampaignID }

func (p TokenTransferPayload) Validate() error {
	if p.CampaignID == "" || p.To == "" {
		return errors.New("campaign_id and to are required")
	}
	if !p.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	return nil
}

// PayoutExecutionPayload releases one payout batch. Amount declares the
// batch total; recipients must sum to it exactly.
type PayoutExecutionPayload struct {
	CampaignID string                 `json:"campaign_id"`
	Amount     decimal.Decimal        `json:"amount"`
	Recipients []settlement.Recipient `json:"recipients"`
}

func (p PayoutExecutionPayload) Type() Type             { return TypePayoutExecution }
func (p PayoutExecutionPayload) Total() decimal.Decimal { return p.Amount }
func (p PayoutExecutionPayload) Campaign() string       { return p.CampaignID }

func (p PayoutExecutionPayload) Validate() error {
	if p.CampaignID == "" {
		return errors.New("campaign_id is required")
	}
	if err := validateRecipients(p.Recipients); err != nil {
		return err
	}
	if sum := sumRecipients(p.Recipients); !sum.Equal(p.Amount) {
		return fmt.Errorf("recipients sum %s does not match total %s", sum, p.Amount)
	}
	return nil
}

func sumRecipients(rs []settlement.Recipient) decimal.Decimal {
	amounts := make([]decimal.Decimal, 0, len(rs))
	for _, r := range rs {
		amounts = append(amounts, r.Amount)
	}
	return money.Sum(amounts...)
}

func validateRecipients(rs []settlement.Recipient) error {
	if len(rs) == 0 {
		return errors.New("at least one recipient is required")
	}
	for _, r := range rs {
		if r.Address == "" {
			return errors.New("recipient address is required")
		}
		if !r.Amount.IsPositive() {
			return fmt.Errorf("recipient %s amount must be positive", r.Address)
		}
	}
	return nil
}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

func EncodePayload(p Payload) (datatypes.JSON, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: p.Type(), Data: data})
}

func DecodePayload(raw datatypes.JSON) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode payload envelope: %w", err)
	}

	var p Payload
	switch env.Type {
	case TypeDeposit:
		var v DepositPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case TypeRelease:
		var v ReleasePayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case TypeConsentRecord:
		var v ConsentPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case TypeTokenTransfer:
		var v TokenTransferPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	case TypePayoutExecution:
		var v PayoutExecutionPayload
		if err := json.Unmarshal(env.Data, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown payload type %q", env.Type)
	}

	return p, nil
}
