package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/holiman/uint256"

	"taskescrow/core/events"
)

var errNilState = errors.New("token ledger: state not configured")

type ledgerState interface {
	TokenMetadata(addr [20]byte) (*Metadata, bool, error)
	PutTokenMetadata(meta *Metadata) error
	TokenBalance(token, owner [20]byte) (*big.Int, error)
	SetTokenBalance(token, owner [20]byte, amount *big.Int) error
	TokenAllowance(token, owner, spender [20]byte) (*big.Int, error)
	SetTokenAllowance(token, owner, spender [20]byte, amount *big.Int) error
}

// Ledger maintains balances and allowances for every registered token. All
// amounts are denominated in the token's smallest unit and bounded by uint256.
type Ledger struct {
	state   ledgerState
	emitter events.Emitter
}

// NewLedger creates a ledger with a no-op emitter.
func NewLedger() *Ledger {
	return &Ledger{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the ledger.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetEmitter configures the event emitter. Passing nil resets the emitter to a
// no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

// Register records a new token. The total supply starts at zero and grows
// through Mint.
func (l *Ledger) Register(meta *Metadata) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if meta == nil || meta.Address == ([20]byte{}) {
		return fmt.Errorf("%w: address required", ErrInvalidMetadata)
	}
	if strings.TrimSpace(meta.Symbol) == "" {
		return fmt.Errorf("%w: symbol required", ErrInvalidMetadata)
	}
	if meta.Decimals > 36 {
		return fmt.Errorf("%w: decimals %d out of range", ErrInvalidMetadata, meta.Decimals)
	}
	_, exists, err := l.state.TokenMetadata(meta.Address)
	if err != nil {
		return err
	}
	if exists {
		return ErrTokenExists
	}
	stored := meta.Clone()
	stored.Symbol = strings.ToUpper(strings.TrimSpace(stored.Symbol))
	stored.TotalSupply = big.NewInt(0)
	return l.state.PutTokenMetadata(stored)
}

// Metadata returns the registered metadata for token.
func (l *Ledger) Metadata(token [20]byte) (*Metadata, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	meta, ok, err := l.state.TokenMetadata(token)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUnknownToken
	}
	return meta, nil
}

// Decimals returns the declared precision of token.
func (l *Ledger) Decimals(token [20]byte) (uint8, error) {
	meta, err := l.Metadata(token)
	if err != nil {
		return 0, err
	}
	return meta.Decimals, nil
}

// BalanceOf returns the balance held by owner.
func (l *Ledger) BalanceOf(token, owner [20]byte) (*big.Int, error) {
	if _, err := l.Metadata(token); err != nil {
		return nil, err
	}
	return l.state.TokenBalance(token, owner)
}

// Allowance returns the amount spender may still pull from owner.
func (l *Ledger) Allowance(token, owner, spender [20]byte) (*big.Int, error) {
	if _, err := l.Metadata(token); err != nil {
		return nil, err
	}
	return l.state.TokenAllowance(token, owner, spender)
}

// Mint credits freshly issued units to the recipient and grows the supply.
func (l *Ledger) Mint(token, to [20]byte, amount *big.Int) error {
	meta, err := l.Metadata(token)
	if err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	meta.TotalSupply = cloneBigInt(meta.TotalSupply)
	supply, overflow := uint256.FromBig(meta.TotalSupply)
	if overflow {
		return fmt.Errorf("%w: supply overflow", ErrInvalidAmount)
	}
	delta, _ := uint256.FromBig(amount)
	if _, overflow := new(uint256.Int).AddOverflow(supply, delta); overflow {
		return fmt.Errorf("%w: supply overflow", ErrInvalidAmount)
	}
	balance, err := l.state.TokenBalance(token, to)
	if err != nil {
		return err
	}
	if err := l.state.SetTokenBalance(token, to, new(big.Int).Add(balance, amount)); err != nil {
		return err
	}
	meta.TotalSupply = new(big.Int).Add(meta.TotalSupply, amount)
	if err := l.state.PutTokenMetadata(meta); err != nil {
		return err
	}
	l.emitter.Emit(events.TokenTransfer{Token: token, To: to, Amount: cloneBigInt(amount)})
	return nil
}

// Approve sets the allowance of spender over owner's balance, replacing any
// previous value.
func (l *Ledger) Approve(token, owner, spender [20]byte, amount *big.Int) error {
	if _, err := l.Metadata(token); err != nil {
		return err
	}
	if owner == ([20]byte{}) || spender == ([20]byte{}) {
		return fmt.Errorf("%w: owner and spender required", ErrInvalidAmount)
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	if err := l.state.SetTokenAllowance(token, owner, spender, cloneBigInt(amount)); err != nil {
		return err
	}
	l.emitter.Emit(events.TokenApproval{Token: token, Owner: owner, Spender: spender, Amount: cloneBigInt(amount)})
	return nil
}

// Transfer moves amount from the sender to the recipient.
func (l *Ledger) Transfer(token, from, to [20]byte, amount *big.Int) error {
	if _, err := l.Metadata(token); err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	return l.move(token, from, to, amount)
}

// TransferFrom moves amount from owner to the recipient using the allowance
// granted to spender. The allowance is consumed before any balance changes so
// a shortfall in either leaves both untouched.
func (l *Ledger) TransferFrom(token, spender, from, to [20]byte, amount *big.Int) error {
	if _, err := l.Metadata(token); err != nil {
		return err
	}
	if err := validateAmount(amount); err != nil {
		return err
	}
	allowance, err := l.state.TokenAllowance(token, from, spender)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientAllowance, allowance, amount)
	}
	balance, err := l.state.TokenBalance(token, from)
	if err != nil {
		return err
	}
	if balance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, amount)
	}
	if err := l.state.SetTokenAllowance(token, from, spender, new(big.Int).Sub(allowance, amount)); err != nil {
		return err
	}
	return l.move(token, from, to, amount)
}

// Distribute pays every leg out of the sender's balance. The combined amount is
// checked up front so the call either pays all recipients or none of them.
func (l *Ledger) Distribute(token, from [20]byte, payouts []Payout) error {
	if _, err := l.Metadata(token); err != nil {
		return err
	}
	total := big.NewInt(0)
	for _, payout := range payouts {
		if payout.Amount == nil || payout.Amount.Sign() < 0 {
			return fmt.Errorf("%w: negative payout", ErrInvalidAmount)
		}
		total.Add(total, payout.Amount)
	}
	balance, err := l.state.TokenBalance(token, from)
	if err != nil {
		return err
	}
	if balance.Cmp(total) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, balance, total)
	}
	for _, payout := range payouts {
		if payout.Amount.Sign() == 0 {
			continue
		}
		if err := l.move(token, from, payout.To, payout.Amount); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) move(token, from, to [20]byte, amount *big.Int) error {
	if to == ([20]byte{}) {
		return fmt.Errorf("%w: recipient required", ErrInvalidAmount)
	}
	if amount.Sign() == 0 || from == to {
		return nil
	}
	fromBalance, err := l.state.TokenBalance(token, from)
	if err != nil {
		return err
	}
	if fromBalance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, fromBalance, amount)
	}
	toBalance, err := l.state.TokenBalance(token, to)
	if err != nil {
		return err
	}
	if err := l.state.SetTokenBalance(token, from, new(big.Int).Sub(fromBalance, amount)); err != nil {
		return err
	}
	if err := l.state.SetTokenBalance(token, to, new(big.Int).Add(toBalance, amount)); err != nil {
		return err
	}
	l.emitter.Emit(events.TokenTransfer{Token: token, From: from, To: to, Amount: cloneBigInt(amount)})
	return nil
}

func validateAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return fmt.Errorf("%w: amount must be non-negative", ErrInvalidAmount)
	}
	if _, overflow := uint256.FromBig(amount); overflow {
		return fmt.Errorf("%w: amount exceeds 256 bits", ErrInvalidAmount)
	}
	return nil
}
