package token

import (
	"errors"
	"math/big"
)

// ModuleName identifies the token ledger for pause controls.
const ModuleName = "token"

var (
	ErrUnknownToken          = errors.New("token: unknown token")
	ErrTokenExists           = errors.New("token: token already registered")
	ErrInvalidAmount         = errors.New("token: invalid amount")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInvalidMetadata       = errors.New("token: invalid metadata")
)

// Metadata describes a fungible token registered with the ledger.
type Metadata struct {
	Address     [20]byte
	Symbol      string
	Name        string
	Decimals    uint8
	TotalSupply *big.Int
}

// Clone returns a deep copy of the metadata.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := *m
	out.TotalSupply = cloneBigInt(m.TotalSupply)
	return &out
}

// Payout is a single recipient leg of a Distribute call.
type Payout struct {
	To     [20]byte
	Amount *big.Int
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
