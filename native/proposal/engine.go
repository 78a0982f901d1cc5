package proposal

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"

	"taskescrow/core/events"
	"taskescrow/core/types"
	nativecommon "taskescrow/native/common"
	"taskescrow/native/token"
)

// ModuleName identifies the proposal module for pause controls.
const ModuleName = "proposal"

type engineState interface {
	ProposalGet(addr [20]byte) (*Proposal, bool, error)
	ProposalPut(p *Proposal) error
	FactoryGet(addr [20]byte) (*Factory, bool, error)
	FactoryPut(f *Factory) error
}

// TokenLedger is the subset of the token ledger the engine moves funds with.
// The instance only pulls funds in through an allowance and pays them out
// directly; it never approves on behalf of a party.
type TokenLedger interface {
	Metadata(token [20]byte) (*token.Metadata, error)
	TransferFrom(token, spender, from, to [20]byte, amount *big.Int) error
	Distribute(token, from [20]byte, payouts []token.Payout) error
}

// SetupParams carries the fixed identities and terms recorded by Setup.
type SetupParams struct {
	Arbiter       [20]byte
	Customer      [20]byte
	ArbiterReward *big.Int
	TaskRef       []byte
	Contractor    [20]byte
	Token         [20]byte
}

// Engine implements the escrow instance state machine and the factory that
// creates instances. Every operation validates all of its preconditions
// before the first write; callers that need all-or-nothing semantics across
// storage failures run the engine on a staged state.
type Engine struct {
	state   engineState
	ledger  TokenLedger
	pauses  nativecommon.PauseView
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an engine with a no-op emitter and the wall clock.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetLedger configures the token ledger used for fund movement.
func (e *Engine) SetLedger(ledger TokenLedger) { e.ledger = ledger }

// SetPauses wires the module pause view consulted before every mutation.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source used by the engine. Primarily intended
// for tests to provide deterministic timestamps.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter used by the engine. Passing nil resets
// the emitter to a no-op implementation.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(event *types.Event) {
	if e == nil || e.emitter == nil || event == nil {
		return
	}
	e.emitter.Emit(proposalEvent{evt: event})
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nativecommon.Guard(e.pauses, ModuleName)
}

func (e *Engine) load(addr [20]byte) (*Proposal, error) {
	p, ok, err := e.state.ProposalGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %x", ErrNotFound, addr)
	}
	return p, nil
}

func (e *Engine) store(p *Proposal) error {
	if err := e.state.ProposalPut(p); err != nil {
		return fmt.Errorf("proposal: persist %x: %w", p.Address, err)
	}
	return nil
}

// Get returns a copy of the stored instance.
func (e *Engine) Get(addr [20]byte) (*Proposal, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	p, err := e.load(addr)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

// IsEscrowAccount reports whether addr belongs to a stored instance or
// factory. Such accounts only move funds through the state machine.
func (e *Engine) IsEscrowAccount(addr [20]byte) (bool, error) {
	if e == nil || e.state == nil {
		return false, errNilState
	}
	if _, ok, err := e.state.ProposalGet(addr); err != nil || ok {
		return ok, err
	}
	_, ok, err := e.state.FactoryGet(addr)
	return ok, err
}

// Setup records the fixed parties and terms of a freshly created instance.
// A second call fails with ErrAlreadyInitialized regardless of the caller.
func (e *Engine) Setup(caller, addr [20]byte, params SetupParams) error {
	if err := e.ready(); err != nil {
		return err
	}
	p, err := e.load(addr)
	if err != nil {
		return err
	}
	if p.State != StateUninitialized {
		return ErrAlreadyInitialized
	}
	if caller != p.Factory {
		return fmt.Errorf("%w: setup is reserved to the creating factory", ErrUnauthorized)
	}
	if err := e.validateSetup(params); err != nil {
		return err
	}
	p.Customer = params.Customer
	p.Contractor = params.Contractor
	p.Arbiter = params.Arbiter
	p.Token = params.Token
	p.ArbiterReward = new(big.Int).Set(params.ArbiterReward)
	p.ContractorReward = big.NewInt(0)
	p.ContestedReward = big.NewInt(0)
	p.TaskRef = cloneBytes(params.TaskRef)
	p.State = StateInit
	if err := e.store(p); err != nil {
		return err
	}
	e.emit(NewSetupEvent(p))
	e.emit(NewStateChangedEvent(p))
	return nil
}

func (e *Engine) validateSetup(params SetupParams) error {
	if err := positiveBounded(params.ArbiterReward, "arbiter reward"); err != nil {
		return err
	}
	if len(params.TaskRef) == 0 {
		return fmt.Errorf("%w: task reference required", ErrInvalidParameters)
	}
	zero := [20]byte{}
	if params.Customer == zero || params.Contractor == zero || params.Arbiter == zero {
		return fmt.Errorf("%w: customer, contractor and arbiter required", ErrInvalidParameters)
	}
	if params.Customer == params.Contractor || params.Customer == params.Arbiter || params.Contractor == params.Arbiter {
		return fmt.Errorf("%w: parties must be distinct", ErrInvalidParameters)
	}
	for _, addr := range [][20]byte{params.Customer, params.Contractor, params.Arbiter, params.Token} {
		escrow, err := e.IsEscrowAccount(addr)
		if err != nil {
			return err
		}
		if escrow {
			return fmt.Errorf("%w: %x is an escrow account", ErrInvalidParameters, addr)
		}
	}
	if _, err := e.ledger.Metadata(params.Token); err != nil {
		if errors.Is(err, token.ErrUnknownToken) {
			return fmt.Errorf("%w: %w", ErrInvalidParameters, err)
		}
		return err
	}
	return nil
}

// ResponseToProposal records the contractor's terms. Repeated calls overwrite
// the previous offer.
func (e *Engine) ResponseToProposal(caller, addr [20]byte, deadline int64, reward *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	p, err := e.load(addr)
	if err != nil {
		return err
	}
	if p.State != StateInit && p.State != StateProposed {
		return fmt.Errorf("%w: cannot respond in state %s", ErrInvalidTransition, p.State)
	}
	if caller != p.Contractor {
		return fmt.Errorf("%w: only the contractor may respond", ErrUnauthorized)
	}
	if reward == nil || reward.Sign() < 0 {
		return fmt.Errorf("%w: reward must be non-negative", ErrInvalidParameters)
	}
	if err := fitsTotal(reward, p.ArbiterReward); err != nil {
		return err
	}
	if deadline <= e.now() {
		return fmt.Errorf("%w: deadline must be in the future", ErrTimingViolation)
	}
	p.TaskDeadline = deadline
	p.ContractorReward = new(big.Int).Set(reward)
	p.State = StateProposed
	if err := e.store(p); err != nil {
		return err
	}
	e.emit(NewStateChangedEvent(p))
	return nil
}

// PushToPrepaidState pulls both rewards from the customer's allowance into the
// instance and opens the cancellation window.
func (e *Engine) PushToPrepaidState(caller, addr [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	p, err := e.load(addr)
	if err != nil {
		return err
	}
	if p.State != StateProposed {
		return fmt.Errorf("%w: cannot prepay in state %s", ErrInvalidTransition, p.State)
	}
	if caller != p.Customer {
		return fmt.Errorf("%w: only the customer may prepay", ErrUnauthorized)
	}
	total := new(big.Int).Add(p.ContractorReward, p.ArbiterReward)
	if err := e.ledger.TransferFrom(p.Token, p.Address, p.Customer, p.Address, total); err != nil {
		return wrapLedgerError(err)
	}
	p.RevertDeadline = e.now() + p.RevertWindow
	p.State = StatePrepaid
	if err := e.store(p); err != nil {
		return err
	}
	e.emit(NewStateChangedEvent(p))
	return nil
}

// CloseProposal cancels or settles the instance. The admitted caller, the
// time condition and the payout depend on the current state.
func (e *Engine) CloseProposal(caller, addr [20]byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	p, err := e.load(addr)
	if err != nil {
		return err
	}
	now := e.now()
	var payouts []token.Payout
	switch p.State {
	case StateInit:
		if caller != p.Customer {
			return fmt.Errorf("%w: only the customer may withdraw an open task", ErrUnauthorized)
		}
	case StateProposed:
		if caller != p.Contractor {
			return fmt.Errorf("%w: only the contractor may abandon a proposal", ErrUnauthorized)
		}
	case StatePrepaid:
		if caller != p.Customer {
			return fmt.Errorf("%w: only the customer may reclaim a prepayment", ErrUnauthorized)
		}
		if now >= p.RevertDeadline && now < p.TaskDeadline {
			return fmt.Errorf("%w: cancellation window closed and task deadline not reached", ErrTimingViolation)
		}
		payouts = []token.Payout{{To: p.Customer, Amount: p.EscrowedAmount()}}
	case StateCompleted:
		if caller != p.Customer && caller != p.Contractor {
			return fmt.Errorf("%w: only the customer or contractor may settle", ErrUnauthorized)
		}
		if now < p.RevertDeadline {
			return fmt.Errorf("%w: dispute window still open", ErrTimingViolation)
		}
		payouts = settlementPayouts(p)
	case StateDispute:
		if caller != p.Customer {
			return fmt.Errorf("%w: only the customer may close an unanswered dispute", ErrUnauthorized)
		}
		if now < p.RevertDeadline {
			return fmt.Errorf("%w: arbiter window still open", ErrTimingViolation)
		}
		payouts = settlementPayouts(p)
	default:
		return fmt.Errorf("%w: cannot close in state %s", ErrInvalidTransition, p.State)
	}
	if len(payouts) > 0 {
		if err := e.ledger.Distribute(p.Token, p.Address, payouts); err != nil {
			return wrapLedgerError(err)
		}
	}
	p.State = StateClosed
	p.RevertDeadline = 0
	if err := e.store(p); err != nil {
		return err
	}
	e.emit(NewStateChangedEvent(p))
	return nil
}

// settlementPayouts pays the full contractor reward and returns the unused
// arbiter fee to the customer.
func settlementPayouts(p *Proposal) []token.Payout {
	return []token.Payout{
		{To: p.Contractor, Amount: cloneBigInt(p.ContractorReward)},
		{To: p.Customer, Amount: cloneBigInt(p.ArbiterReward)},
	}
}

// AnnounceTaskCompleted records the solution once the cancellation window has
// elapsed and before the task deadline, then opens the dispute window.
func (e *Engine) AnnounceTaskCompleted(caller, addr [20]byte, solutionRef []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	p, err := e.load(addr)
	if err != nil {
		return err
	}
	if p.State != StatePrepaid {
		return fmt.Errorf("%w: cannot complete in state %s", ErrInvalidTransition, p.State)
	}
	if caller != p.Contractor {
		return fmt.Errorf("%w: only the contractor may announce completion", ErrUnauthorized)
	}
	if len(solutionRef) == 0 {
		return fmt.Errorf("%w: solution reference required", ErrInvalidParameters)
	}
	now := e.now()
	if now < p.RevertDeadline {
		return fmt.Errorf("%w: cancellation window still open", ErrTimingViolation)
	}
	if now >= p.TaskDeadline {
		return fmt.Errorf("%w: task deadline passed", ErrTimingViolation)
	}
	p.SolutionRef = cloneBytes(solutionRef)
	p.RevertDeadline = now + p.RevertWindow
	p.State = StateCompleted
	if err := e.store(p); err != nil {
		return err
	}
	e.emit(NewTaskCompletedEvent(p))
	e.emit(NewStateChangedEvent(p))
	return nil
}

// StartDispute records the customer's counter-offer and opens the arbiter
// window.
func (e *Engine) StartDispute(caller, addr [20]byte, contested *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	p, err := e.load(addr)
	if err != nil {
		return err
	}
	if p.State != StateCompleted {
		return fmt.Errorf("%w: cannot dispute in state %s", ErrInvalidTransition, p.State)
	}
	if caller != p.Customer {
		return fmt.Errorf("%w: only the customer may dispute", ErrUnauthorized)
	}
	if err := strictlyBelow(contested, p.ContractorReward, "contested reward"); err != nil {
		return err
	}
	now := e.now()
	if now >= p.RevertDeadline {
		return fmt.Errorf("%w: dispute window elapsed", ErrTimingViolation)
	}
	p.ContestedReward = new(big.Int).Set(contested)
	p.RevertDeadline = now + p.RevertWindow
	p.State = StateDispute
	if err := e.store(p); err != nil {
		return err
	}
	e.emit(NewStateChangedEvent(p))
	return nil
}

// ResolveDispute splits the escrow according to the arbiter's award and closes
// the instance in the same call.
func (e *Engine) ResolveDispute(caller, addr [20]byte, awarded *big.Int, evidenceRef []byte) error {
	if err := e.ready(); err != nil {
		return err
	}
	p, err := e.load(addr)
	if err != nil {
		return err
	}
	if p.State != StateDispute {
		return fmt.Errorf("%w: cannot resolve in state %s", ErrInvalidTransition, p.State)
	}
	if caller != p.Arbiter {
		return fmt.Errorf("%w: only the arbiter may resolve", ErrUnauthorized)
	}
	if err := strictlyBelow(awarded, p.ContractorReward, "awarded amount"); err != nil {
		return err
	}
	if len(evidenceRef) == 0 {
		return fmt.Errorf("%w: evidence reference required", ErrInvalidParameters)
	}
	if e.now() >= p.RevertDeadline {
		return fmt.Errorf("%w: arbiter window elapsed", ErrTimingViolation)
	}
	refund := new(big.Int).Sub(p.ContractorReward, awarded)
	payouts := []token.Payout{
		{To: p.Contractor, Amount: new(big.Int).Set(awarded)},
		{To: p.Arbiter, Amount: cloneBigInt(p.ArbiterReward)},
		{To: p.Customer, Amount: refund},
	}
	if err := e.ledger.Distribute(p.Token, p.Address, payouts); err != nil {
		return wrapLedgerError(err)
	}
	p.EvidenceRef = cloneBytes(evidenceRef)
	p.State = StateResolved
	resolved := NewDisputeResolvedEvent(p, awarded.String(), refund.String())
	p.State = StateClosed
	p.RevertDeadline = 0
	if err := e.store(p); err != nil {
		return err
	}
	e.emit(resolved)
	e.emit(NewStateChangedEvent(p))
	return nil
}

func positiveBounded(v *big.Int, name string) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidParameters, name)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return fmt.Errorf("%w: %s exceeds 256 bits", ErrInvalidParameters, name)
	}
	return nil
}

// fitsTotal rejects rewards whose escrow total would not fit the ledger's
// 256-bit amounts.
func fitsTotal(reward, arbiterReward *big.Int) error {
	a, overflow := uint256.FromBig(reward)
	if overflow {
		return fmt.Errorf("%w: reward exceeds 256 bits", ErrInvalidParameters)
	}
	b, overflow := uint256.FromBig(cloneBigInt(arbiterReward))
	if overflow {
		return fmt.Errorf("%w: arbiter reward exceeds 256 bits", ErrInvalidParameters)
	}
	if _, overflow := new(uint256.Int).AddOverflow(a, b); overflow {
		return fmt.Errorf("%w: reward plus arbiter reward overflows", ErrInvalidParameters)
	}
	return nil
}

func strictlyBelow(v, ceiling *big.Int, name string) error {
	if v == nil || v.Sign() <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidParameters, name)
	}
	if v.Cmp(cloneBigInt(ceiling)) >= 0 {
		return fmt.Errorf("%w: %s must be below the contractor reward", ErrInvalidParameters, name)
	}
	return nil
}

func wrapLedgerError(err error) error {
	if errors.Is(err, token.ErrInsufficientBalance) || errors.Is(err, token.ErrInsufficientAllowance) {
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	}
	return fmt.Errorf("proposal: ledger: %w", err)
}
