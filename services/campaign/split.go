package campaign

import (
	"errors"

	"adpayout-engine/pkg/money"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleEndUser   Role = "end-user"
	RolePublisher Role = "publisher"
	RoleProtocol  Role = "protocol"
)

var bps = decimal.NewFromInt(10000)

// Split holds the fraction of every reward owed to each role. Protocol is
// whatever the other two leave.
type Split struct {
	User      decimal.Decimal `json:"user"`
	Publisher decimal.Decimal `json:"publisher"`
	Protocol  decimal.Decimal `json:"protocol"`
}

func NewSplit(user, publisher decimal.Decimal) (Split, error) {
	if user.IsNegative() || publisher.IsNegative() {
		return Split{}, errors.New("split fractions must not be negative")
	}
	rest := decimal.NewFromInt(1).Sub(user).Sub(publisher)
	if rest.IsNegative() {
		return Split{}, errors.New("split fractions must not exceed 1")
	}
	return Split{User: user, Publisher: publisher, Protocol: rest}, nil
}

func splitFromBps(user, publisher int) (Split, error) {
	return NewSplit(decimal.NewFromInt(int64(user)).Div(bps), decimal.NewFromInt(int64(publisher)).Div(bps))
}

func (s Split) bps() (int, int) {
	return int(s.User.Mul(bps).IntPart()), int(s.Publisher.Mul(bps).IntPart())
}

// Allocation is one role's cut of a reward.
type Allocation struct {
	Role      Role
	Recipient string
	Amount    decimal.Decimal
}

// Allocate divides amount between the roles. Role shares are truncated to
// money.Scale and the protocol takes the remainder, including the share of
// a role that has no recipient, so allocations always sum to amount.
// Zero allocations are omitted.
func (s Split) Allocate(amount decimal.Decimal, user, publisher, protocol string) []Allocation {
	var out []Allocation
	rest := amount

	add := func(role Role, recipient string, share decimal.Decimal) {
		if recipient == "" {
			return
		}
		v := amount.Mul(share).Truncate(money.Scale)
		if !v.IsPositive() {
			return
		}
		out = append(out, Allocation{Role: role, Recipient: recipient, Amount: v})
		rest = rest.Sub(v)
	}
	add(RoleEndUser, user, s.User)
	add(RolePublisher, publisher, s.Publisher)

	if rest.IsPositive() {
		out = append(out, Allocation{Role: RoleProtocol, Recipient: protocol, Amount: rest})
	}
	return out
}
