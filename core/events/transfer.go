package events

import (
	"math/big"

	"taskescrow/core/types"
	"taskescrow/crypto"
)

const (
	// TypeTokenTransfer is emitted for every ledger balance movement.
	TypeTokenTransfer = "token.transfer"
	// TypeTokenApproval is emitted when an owner sets a spender allowance.
	TypeTokenApproval = "token.approval"
)

type TokenTransfer struct {
	Token  [20]byte
	From   [20]byte
	To     [20]byte
	Amount *big.Int
}

func (TokenTransfer) EventType() string { return TypeTokenTransfer }

func (e TokenTransfer) Event() *types.Event {
	return &types.Event{Type: TypeTokenTransfer, Attributes: map[string]string{
		"token":  crypto.FormatAddress(e.Token),
		"from":   crypto.FormatAddress(e.From),
		"to":     crypto.FormatAddress(e.To),
		"amount": formatAmount(e.Amount),
	}}
}

type TokenApproval struct {
	Token   [20]byte
	Owner   [20]byte
	Spender [20]byte
	Amount  *big.Int
}

func (TokenApproval) EventType() string { return TypeTokenApproval }

func (e TokenApproval) Event() *types.Event {
	return &types.Event{Type: TypeTokenApproval, Attributes: map[string]string{
		"token":   crypto.FormatAddress(e.Token),
		"owner":   crypto.FormatAddress(e.Owner),
		"spender": crypto.FormatAddress(e.Spender),
		"amount":  formatAmount(e.Amount),
	}}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
