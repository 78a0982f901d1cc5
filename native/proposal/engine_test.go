package proposal

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"taskescrow/core/events"
	"taskescrow/core/types"
	nativecommon "taskescrow/native/common"
	"taskescrow/native/token"
)

type balanceKey struct {
	token, owner [20]byte
}

type allowanceKey struct {
	token, owner, spender [20]byte
}

type mockState struct {
	proposals  map[[20]byte]*Proposal
	factories  map[[20]byte]*Factory
	tokens     map[[20]byte]*token.Metadata
	balances   map[balanceKey]*big.Int
	allowances map[allowanceKey]*big.Int
}

func newMockState() *mockState {
	return &mockState{
		proposals:  make(map[[20]byte]*Proposal),
		factories:  make(map[[20]byte]*Factory),
		tokens:     make(map[[20]byte]*token.Metadata),
		balances:   make(map[balanceKey]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

func (m *mockState) ProposalGet(addr [20]byte) (*Proposal, bool, error) {
	p, ok := m.proposals[addr]
	if !ok {
		return nil, false, nil
	}
	return p.Clone(), true, nil
}

func (m *mockState) ProposalPut(p *Proposal) error {
	m.proposals[p.Address] = p.Clone()
	return nil
}

func (m *mockState) FactoryGet(addr [20]byte) (*Factory, bool, error) {
	f, ok := m.factories[addr]
	if !ok {
		return nil, false, nil
	}
	return f.Clone(), true, nil
}

func (m *mockState) FactoryPut(f *Factory) error {
	m.factories[f.Address] = f.Clone()
	return nil
}

func (m *mockState) TokenMetadata(addr [20]byte) (*token.Metadata, bool, error) {
	meta, ok := m.tokens[addr]
	if !ok {
		return nil, false, nil
	}
	return meta.Clone(), true, nil
}

func (m *mockState) PutTokenMetadata(meta *token.Metadata) error {
	m.tokens[meta.Address] = meta.Clone()
	return nil
}

func (m *mockState) TokenBalance(tok, owner [20]byte) (*big.Int, error) {
	return cloneBigInt(m.balances[balanceKey{tok, owner}]), nil
}

func (m *mockState) SetTokenBalance(tok, owner [20]byte, amount *big.Int) error {
	m.balances[balanceKey{tok, owner}] = cloneBigInt(amount)
	return nil
}

func (m *mockState) TokenAllowance(tok, owner, spender [20]byte) (*big.Int, error) {
	return cloneBigInt(m.allowances[allowanceKey{tok, owner, spender}]), nil
}

func (m *mockState) SetTokenAllowance(tok, owner, spender [20]byte, amount *big.Int) error {
	m.allowances[allowanceKey{tok, owner, spender}] = cloneBigInt(amount)
	return nil
}

type capturingEmitter struct {
	events []*types.Event
}

func (c *capturingEmitter) Emit(evt events.Event) {
	if payload, ok := evt.(events.Payloader); ok {
		c.events = append(c.events, payload.Event())
	}
}

func (c *capturingEmitter) types() []string {
	out := make([]string, len(c.events))
	for i, evt := range c.events {
		out[i] = evt.Type
	}
	return out
}

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

const (
	hour          = int64(60 * 60)
	day           = 24 * hour
	startBalance  = 100000
	genesisTime   = int64(1_700_000_000)
	testArbReward = 10
)

var (
	ownerAddr      = newTestAddress(0x01)
	arbiterAddr    = newTestAddress(0x02)
	customerAddr   = newTestAddress(0x03)
	contractorAddr = newTestAddress(0x04)
	strangerAddr   = newTestAddress(0x05)
	tokenAddr      = newTestAddress(0xaa)
	taskRef        = []byte{0x66, 0x01, 0x2a, 0x0a}
)

type fixture struct {
	t       *testing.T
	state   *mockState
	ledger  *token.Ledger
	engine  *Engine
	emitter *capturingEmitter
	now     int64
	factory *Factory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, state: newMockState(), emitter: &capturingEmitter{}, now: genesisTime}
	f.ledger = token.NewLedger()
	f.ledger.SetState(f.state)
	if err := f.ledger.Register(&token.Metadata{Address: tokenAddr, Symbol: "TT", Name: "Test Token", Decimals: 0}); err != nil {
		t.Fatalf("register token: %v", err)
	}
	if err := f.ledger.Mint(tokenAddr, customerAddr, big.NewInt(startBalance)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	f.engine = NewEngine()
	f.engine.SetState(f.state)
	f.engine.SetLedger(f.ledger)
	f.engine.SetEmitter(f.emitter)
	f.engine.SetNowFunc(func() int64 { return f.now })
	factory, err := f.engine.DeployFactory(ownerAddr, arbiterAddr)
	if err != nil {
		t.Fatalf("deploy factory: %v", err)
	}
	if _, err := f.engine.RegisterProposalTemplate(ownerAddr, factory.Address, DefaultTemplate()); err != nil {
		t.Fatalf("register template: %v", err)
	}
	f.factory = factory
	return f
}

func (f *fixture) advance(seconds int64) { f.now += seconds }

func (f *fixture) balance(owner [20]byte) int64 {
	f.t.Helper()
	bal, err := f.ledger.BalanceOf(tokenAddr, owner)
	if err != nil {
		f.t.Fatalf("balance: %v", err)
	}
	return bal.Int64()
}

func (f *fixture) proposal(addr [20]byte) *Proposal {
	f.t.Helper()
	p, err := f.engine.Get(addr)
	if err != nil {
		f.t.Fatalf("get proposal: %v", err)
	}
	return p
}

func (f *fixture) create() [20]byte {
	f.t.Helper()
	p, err := f.engine.CreateConfiguredProposal(customerAddr, f.factory.Address, big.NewInt(testArbReward), taskRef, contractorAddr, tokenAddr)
	if err != nil {
		f.t.Fatalf("create proposal: %v", err)
	}
	return p.Address
}

func (f *fixture) proposed(reward int64) [20]byte {
	f.t.Helper()
	addr := f.create()
	if err := f.engine.ResponseToProposal(contractorAddr, addr, f.now+100000, big.NewInt(reward)); err != nil {
		f.t.Fatalf("response: %v", err)
	}
	return addr
}

func (f *fixture) prepaid(reward int64) [20]byte {
	f.t.Helper()
	addr := f.proposed(reward)
	if err := f.ledger.Approve(tokenAddr, customerAddr, addr, big.NewInt(reward+testArbReward)); err != nil {
		f.t.Fatalf("approve: %v", err)
	}
	if err := f.engine.PushToPrepaidState(customerAddr, addr); err != nil {
		f.t.Fatalf("prepay: %v", err)
	}
	return addr
}

func (f *fixture) completed(reward int64) [20]byte {
	f.t.Helper()
	addr := f.prepaid(reward)
	f.advance(day + 1)
	if err := f.engine.AnnounceTaskCompleted(contractorAddr, addr, []byte{0xde, 0xad}); err != nil {
		f.t.Fatalf("announce: %v", err)
	}
	return addr
}

func (f *fixture) disputed(reward, contested int64) [20]byte {
	f.t.Helper()
	addr := f.completed(reward)
	if err := f.engine.StartDispute(customerAddr, addr, big.NewInt(contested)); err != nil {
		f.t.Fatalf("dispute: %v", err)
	}
	return addr
}

func (f *fixture) requireEscrowMatchesBalance(addr [20]byte) {
	f.t.Helper()
	p := f.proposal(addr)
	if got, want := f.balance(addr), p.EscrowedAmount().Int64(); got != want {
		f.t.Fatalf("instance balance %d, escrowed %d in state %s", got, want, p.State)
	}
}

func TestCreateConfiguredProposal(t *testing.T) {
	f := newFixture(t)
	addr := f.create()
	p := f.proposal(addr)
	if p.State != StateInit {
		t.Fatalf("expected init, got %s", p.State)
	}
	if p.Customer != customerAddr || p.Contractor != contractorAddr || p.Arbiter != arbiterAddr {
		t.Fatalf("unexpected parties %+v", p)
	}
	if p.ArbiterReward.Int64() != testArbReward || p.ContractorReward.Sign() != 0 {
		t.Fatalf("unexpected rewards %s/%s", p.ContractorReward, p.ArbiterReward)
	}
	if !bytes.Equal(p.TaskRef, taskRef) || p.RevertWindow != DefaultRevertWindow || p.TemplateVersion != 1 {
		t.Fatalf("unexpected instance terms %+v", p)
	}
	if p.Factory != f.factory.Address {
		t.Fatalf("factory back-reference not recorded")
	}
	got := f.emitter.types()
	if got[len(got)-1] != EventTypeProposalCreated {
		t.Fatalf("creation notification must be the last event, got %v", got)
	}
	created := f.emitter.events[len(f.emitter.events)-1]
	if created.Attributes["address"] == "" || created.Attributes["customer"] == "" {
		t.Fatalf("creation event missing identities: %+v", created.Attributes)
	}
	second := f.create()
	if second == addr {
		t.Fatalf("instance addresses must be unique")
	}
}

func TestCreateRejectsInvalidParameters(t *testing.T) {
	cases := []struct {
		name       string
		reward     *big.Int
		ref        []byte
		contractor [20]byte
		token      [20]byte
	}{
		{name: "empty task ref", reward: big.NewInt(10), ref: nil, contractor: contractorAddr, token: tokenAddr},
		{name: "zero arbiter reward", reward: big.NewInt(0), ref: taskRef, contractor: contractorAddr, token: tokenAddr},
		{name: "negative arbiter reward", reward: big.NewInt(-1), ref: taskRef, contractor: contractorAddr, token: tokenAddr},
		{name: "contractor is customer", reward: big.NewInt(10), ref: taskRef, contractor: customerAddr, token: tokenAddr},
		{name: "contractor is arbiter", reward: big.NewInt(10), ref: taskRef, contractor: arbiterAddr, token: tokenAddr},
		{name: "unknown token", reward: big.NewInt(10), ref: taskRef, contractor: contractorAddr, token: newTestAddress(0xbb)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.engine.CreateConfiguredProposal(customerAddr, f.factory.Address, tc.reward, tc.ref, tc.contractor, tc.token)
			if !errors.Is(err, ErrInvalidParameters) {
				t.Fatalf("expected ErrInvalidParameters, got %v", err)
			}
			if len(f.state.proposals) != 0 {
				t.Fatalf("failed creation left an instance behind")
			}
			stored, _ := f.engine.Factory(f.factory.Address)
			if stored.Nonce != 0 {
				t.Fatalf("failed creation advanced the factory nonce")
			}
		})
	}
}

func TestSetupOnlyOnce(t *testing.T) {
	f := newFixture(t)
	addr := f.create()
	params := SetupParams{
		Arbiter:       arbiterAddr,
		Customer:      strangerAddr,
		ArbiterReward: big.NewInt(1),
		TaskRef:       []byte{1},
		Contractor:    contractorAddr,
		Token:         tokenAddr,
	}
	for _, caller := range [][20]byte{f.factory.Address, strangerAddr, customerAddr} {
		if err := f.engine.Setup(caller, addr, params); !errors.Is(err, ErrAlreadyInitialized) {
			t.Fatalf("expected ErrAlreadyInitialized for %x, got %v", caller, err)
		}
	}
	if p := f.proposal(addr); p.Customer != customerAddr {
		t.Fatalf("second setup mutated the instance")
	}
}

func TestSetupRequiresFactory(t *testing.T) {
	f := newFixture(t)
	addr := newTestAddress(0x77)
	if err := f.state.ProposalPut(&Proposal{Address: addr, Factory: f.factory.Address}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	params := SetupParams{Arbiter: arbiterAddr, Customer: customerAddr, ArbiterReward: big.NewInt(5), TaskRef: taskRef, Contractor: contractorAddr, Token: tokenAddr}
	if err := f.engine.Setup(strangerAddr, addr, params); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.Setup(f.factory.Address, addr, params); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := f.engine.Setup(f.factory.Address, newTestAddress(0x78), params); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResponseToProposal(t *testing.T) {
	f := newFixture(t)
	addr := f.create()
	deadline := f.now + 100000
	if err := f.engine.ResponseToProposal(contractorAddr, addr, deadline, big.NewInt(100)); err != nil {
		t.Fatalf("response: %v", err)
	}
	p := f.proposal(addr)
	if p.State != StateProposed || p.TaskDeadline != deadline || p.ContractorReward.Int64() != 100 {
		t.Fatalf("unexpected terms %+v", p)
	}
	if err := f.engine.ResponseToProposal(contractorAddr, addr, deadline+5, big.NewInt(50)); err != nil {
		t.Fatalf("renegotiate: %v", err)
	}
	p = f.proposal(addr)
	if p.State != StateProposed || p.TaskDeadline != deadline+5 || p.ContractorReward.Int64() != 50 {
		t.Fatalf("renegotiation did not overwrite terms %+v", p)
	}
	if err := f.engine.ResponseToProposal(contractorAddr, addr, f.now, big.NewInt(50)); !errors.Is(err, ErrTimingViolation) {
		t.Fatalf("expected ErrTimingViolation, got %v", err)
	}
	if err := f.engine.ResponseToProposal(customerAddr, addr, deadline, big.NewInt(50)); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestResponseRejectsRewardOutOfRange(t *testing.T) {
	f := newFixture(t)
	addr := f.create()
	deadline := f.now + 1000
	ceiling := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	for _, reward := range []*big.Int{big.NewInt(-500), ceiling, new(big.Int).Lsh(big.NewInt(1), 300), nil} {
		if err := f.engine.ResponseToProposal(contractorAddr, addr, deadline, reward); !errors.Is(err, ErrInvalidParameters) {
			t.Fatalf("reward %v: expected ErrInvalidParameters, got %v", reward, err)
		}
	}
	if p := f.proposal(addr); p.State != StateInit {
		t.Fatalf("rejected response changed state to %s", p.State)
	}
	if err := f.engine.ResponseToProposal(contractorAddr, addr, deadline, big.NewInt(0)); err != nil {
		t.Fatalf("zero reward should be accepted: %v", err)
	}
}

func TestPrepayEscrowsBothRewards(t *testing.T) {
	f := newFixture(t)
	addr := f.prepaid(50)
	if got := f.balance(addr); got != 60 {
		t.Fatalf("instance balance %d, want 60", got)
	}
	if got := f.balance(customerAddr); got != startBalance-60 {
		t.Fatalf("customer balance %d", got)
	}
	p := f.proposal(addr)
	if p.State != StatePrepaid || p.RevertDeadline != f.now+day {
		t.Fatalf("unexpected prepaid record %+v", p)
	}
	f.requireEscrowMatchesBalance(addr)
}

func TestPrepayInsufficientAllowanceIsAtomic(t *testing.T) {
	f := newFixture(t)
	addr := f.proposed(50)
	if err := f.ledger.Approve(tokenAddr, customerAddr, addr, big.NewInt(59)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	before := f.proposal(addr)
	err := f.engine.PushToPrepaidState(customerAddr, addr)
	if !errors.Is(err, ErrInsufficientFunds) || !errors.Is(err, token.ErrInsufficientAllowance) {
		t.Fatalf("expected wrapped allowance shortfall, got %v", err)
	}
	after := f.proposal(addr)
	if after.State != before.State || after.RevertDeadline != before.RevertDeadline {
		t.Fatalf("failed prepay mutated the instance")
	}
	if f.balance(addr) != 0 || f.balance(customerAddr) != startBalance {
		t.Fatalf("failed prepay moved funds")
	}
}

func TestPrepayInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	addr := f.proposed(startBalance)
	if err := f.ledger.Approve(tokenAddr, customerAddr, addr, big.NewInt(startBalance+testArbReward)); err != nil {
		t.Fatalf("approve: %v", err)
	}
	err := f.engine.PushToPrepaidState(customerAddr, addr)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestAnnounceTaskCompletedWindow(t *testing.T) {
	f := newFixture(t)
	addr := f.prepaid(50)
	solution := []byte{0xca, 0xfe}
	if err := f.engine.AnnounceTaskCompleted(contractorAddr, addr, solution); !errors.Is(err, ErrTimingViolation) {
		t.Fatalf("expected ErrTimingViolation inside the cancellation window, got %v", err)
	}
	f.advance(day)
	if err := f.engine.AnnounceTaskCompleted(contractorAddr, addr, nil); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters for empty ref, got %v", err)
	}
	if err := f.engine.AnnounceTaskCompleted(contractorAddr, addr, solution); err != nil {
		t.Fatalf("announce: %v", err)
	}
	p := f.proposal(addr)
	if p.State != StateCompleted || !bytes.Equal(p.SolutionRef, solution) || p.RevertDeadline != f.now+day {
		t.Fatalf("unexpected completed record %+v", p)
	}
	f.requireEscrowMatchesBalance(addr)
	got := f.emitter.types()
	if got[len(got)-2] != EventTypeTaskCompleted {
		t.Fatalf("expected task completed event, got %v", got)
	}
}

func TestAnnounceAfterTaskDeadline(t *testing.T) {
	f := newFixture(t)
	addr := f.prepaid(50)
	f.advance(100000)
	if err := f.engine.AnnounceTaskCompleted(contractorAddr, addr, []byte{1}); !errors.Is(err, ErrTimingViolation) {
		t.Fatalf("expected ErrTimingViolation after task deadline, got %v", err)
	}
}

func TestResolveDisputeSplitsFunds(t *testing.T) {
	f := newFixture(t)
	addr := f.disputed(50, 30)
	p := f.proposal(addr)
	if p.State != StateDispute || p.ContestedReward.Int64() != 30 {
		t.Fatalf("unexpected dispute record %+v", p)
	}
	f.requireEscrowMatchesBalance(addr)
	customerBefore := f.balance(customerAddr)
	if err := f.engine.ResolveDispute(arbiterAddr, addr, big.NewInt(20), []byte{0xee}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := f.balance(contractorAddr); got != 20 {
		t.Fatalf("contractor balance %d, want 20", got)
	}
	if got := f.balance(arbiterAddr); got != 10 {
		t.Fatalf("arbiter balance %d, want 10", got)
	}
	if got := f.balance(customerAddr) - customerBefore; got != 30 {
		t.Fatalf("customer refund %d, want 30", got)
	}
	if got := f.balance(addr); got != 0 {
		t.Fatalf("instance balance %d after resolution", got)
	}
	p = f.proposal(addr)
	if p.State != StateClosed {
		t.Fatalf("expected closed, got %s", p.State)
	}
	resolved := f.emitter.events[len(f.emitter.events)-2]
	if resolved.Type != EventTypeDisputeResolved || resolved.Attributes["awarded"] != "20" || resolved.Attributes["refund"] != "30" {
		t.Fatalf("unexpected resolution event %+v", resolved)
	}
}

func TestResolveDisputeBounds(t *testing.T) {
	f := newFixture(t)
	addr := f.disputed(50, 30)
	for _, awarded := range []int64{0, 50, 51} {
		if err := f.engine.ResolveDispute(arbiterAddr, addr, big.NewInt(awarded), []byte{1}); !errors.Is(err, ErrInvalidParameters) {
			t.Fatalf("awarded %d: expected ErrInvalidParameters, got %v", awarded, err)
		}
	}
	if err := f.engine.ResolveDispute(arbiterAddr, addr, big.NewInt(20), nil); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters for missing evidence, got %v", err)
	}
	f.advance(day)
	if err := f.engine.ResolveDispute(arbiterAddr, addr, big.NewInt(20), []byte{1}); !errors.Is(err, ErrTimingViolation) {
		t.Fatalf("expected ErrTimingViolation after the arbiter window, got %v", err)
	}
	f.requireEscrowMatchesBalance(addr)
}

func TestStartDisputeBoundsAndWindow(t *testing.T) {
	f := newFixture(t)
	addr := f.completed(50)
	for _, contested := range []int64{0, -1, 50, 60} {
		if err := f.engine.StartDispute(customerAddr, addr, big.NewInt(contested)); !errors.Is(err, ErrInvalidParameters) {
			t.Fatalf("contested %d: expected ErrInvalidParameters, got %v", contested, err)
		}
	}
	f.advance(day)
	if err := f.engine.StartDispute(customerAddr, addr, big.NewInt(10)); !errors.Is(err, ErrTimingViolation) {
		t.Fatalf("expected ErrTimingViolation, got %v", err)
	}
}

func TestCloseFromDisputeAfterArbiterWindow(t *testing.T) {
	f := newFixture(t)
	addr := f.disputed(50, 30)
	if err := f.engine.CloseProposal(customerAddr, addr); !errors.Is(err, ErrTimingViolation) {
		t.Fatalf("expected ErrTimingViolation inside the arbiter window, got %v", err)
	}
	f.advance(day)
	if err := f.engine.CloseProposal(customerAddr, addr); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := f.balance(customerAddr); got != startBalance-50 {
		t.Fatalf("customer balance %d, want %d", got, startBalance-50)
	}
	if got := f.balance(contractorAddr); got != 50 {
		t.Fatalf("contractor balance %d, want 50", got)
	}
	if f.balance(addr) != 0 || f.proposal(addr).State != StateClosed {
		t.Fatalf("instance not settled")
	}
}

func TestCloseFromPrepaid(t *testing.T) {
	t.Run("inside cancellation window", func(t *testing.T) {
		f := newFixture(t)
		addr := f.prepaid(50)
		f.advance(hour)
		if err := f.engine.CloseProposal(customerAddr, addr); err != nil {
			t.Fatalf("close: %v", err)
		}
		if f.balance(customerAddr) != startBalance || f.balance(addr) != 0 {
			t.Fatalf("prepayment not refunded")
		}
	})
	t.Run("between window and deadline", func(t *testing.T) {
		f := newFixture(t)
		addr := f.prepaid(50)
		f.advance(25 * hour)
		if err := f.engine.CloseProposal(customerAddr, addr); !errors.Is(err, ErrTimingViolation) {
			t.Fatalf("expected ErrTimingViolation, got %v", err)
		}
		f.requireEscrowMatchesBalance(addr)
	})
	t.Run("after task deadline", func(t *testing.T) {
		f := newFixture(t)
		addr := f.prepaid(50)
		f.advance(10 * 365 * day)
		if err := f.engine.CloseProposal(customerAddr, addr); err != nil {
			t.Fatalf("close: %v", err)
		}
		if f.balance(customerAddr) != startBalance {
			t.Fatalf("prepayment not refunded after deadline")
		}
	})
}

func TestCloseFromCompletedAfterDisputeWindow(t *testing.T) {
	f := newFixture(t)
	addr := f.completed(50)
	if err := f.engine.CloseProposal(contractorAddr, addr); !errors.Is(err, ErrTimingViolation) {
		t.Fatalf("expected ErrTimingViolation, got %v", err)
	}
	f.advance(day)
	if err := f.engine.CloseProposal(contractorAddr, addr); err != nil {
		t.Fatalf("close: %v", err)
	}
	if f.balance(contractorAddr) != 50 || f.balance(customerAddr) != startBalance-50 || f.balance(addr) != 0 {
		t.Fatalf("unexpected settlement balances")
	}
}

func TestCloseEarlyStates(t *testing.T) {
	f := newFixture(t)
	initAddr := f.create()
	if err := f.engine.CloseProposal(contractorAddr, initAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.CloseProposal(customerAddr, initAddr); err != nil {
		t.Fatalf("close init: %v", err)
	}
	proposedAddr := f.proposed(40)
	if err := f.engine.CloseProposal(customerAddr, proposedAddr); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.CloseProposal(contractorAddr, proposedAddr); err != nil {
		t.Fatalf("close proposed: %v", err)
	}
	if err := f.engine.CloseProposal(customerAddr, initAddr); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("closed instance must reject further transitions, got %v", err)
	}
}

func TestRoleExclusivity(t *testing.T) {
	type op struct {
		name string
		run  func(f *fixture, caller, addr [20]byte) error
	}
	respond := op{"response", func(f *fixture, c, a [20]byte) error {
		return f.engine.ResponseToProposal(c, a, f.now+1000, big.NewInt(5))
	}}
	prepay := op{"prepay", func(f *fixture, c, a [20]byte) error { return f.engine.PushToPrepaidState(c, a) }}
	closeOp := op{"close", func(f *fixture, c, a [20]byte) error { return f.engine.CloseProposal(c, a) }}
	announce := op{"announce", func(f *fixture, c, a [20]byte) error {
		return f.engine.AnnounceTaskCompleted(c, a, []byte{1})
	}}
	dispute := op{"dispute", func(f *fixture, c, a [20]byte) error {
		return f.engine.StartDispute(c, a, big.NewInt(1))
	}}
	resolve := op{"resolve", func(f *fixture, c, a [20]byte) error {
		return f.engine.ResolveDispute(c, a, big.NewInt(1), []byte{1})
	}}

	cases := []struct {
		state     string
		build     func(f *fixture) [20]byte
		op        op
		forbidden [][20]byte
	}{
		{"init", (*fixture).create, respond, [][20]byte{customerAddr, arbiterAddr, strangerAddr}},
		{"init", (*fixture).create, closeOp, [][20]byte{contractorAddr, arbiterAddr, strangerAddr}},
		{"proposed", func(f *fixture) [20]byte { return f.proposed(50) }, prepay, [][20]byte{contractorAddr, arbiterAddr, strangerAddr}},
		{"proposed", func(f *fixture) [20]byte { return f.proposed(50) }, closeOp, [][20]byte{customerAddr, arbiterAddr, strangerAddr}},
		{"prepaid", func(f *fixture) [20]byte { return f.prepaid(50) }, announce, [][20]byte{customerAddr, arbiterAddr, strangerAddr}},
		{"prepaid", func(f *fixture) [20]byte { return f.prepaid(50) }, closeOp, [][20]byte{contractorAddr, arbiterAddr, strangerAddr}},
		{"completed", func(f *fixture) [20]byte { return f.completed(50) }, dispute, [][20]byte{contractorAddr, arbiterAddr, strangerAddr}},
		{"completed", func(f *fixture) [20]byte { return f.completed(50) }, closeOp, [][20]byte{arbiterAddr, strangerAddr}},
		{"dispute", func(f *fixture) [20]byte { return f.disputed(50, 30) }, resolve, [][20]byte{customerAddr, contractorAddr, strangerAddr}},
		{"dispute", func(f *fixture) [20]byte { return f.disputed(50, 30) }, closeOp, [][20]byte{contractorAddr, arbiterAddr, strangerAddr}},
	}
	for _, tc := range cases {
		t.Run(tc.state+"/"+tc.op.name, func(t *testing.T) {
			f := newFixture(t)
			addr := tc.build(f)
			before := f.proposal(addr)
			for _, caller := range tc.forbidden {
				if err := tc.op.run(f, caller, addr); !errors.Is(err, ErrUnauthorized) {
					t.Fatalf("caller %x: expected ErrUnauthorized, got %v", caller[:1], err)
				}
			}
			after := f.proposal(addr)
			if after.State != before.State || after.RevertDeadline != before.RevertDeadline {
				t.Fatalf("unauthorized call mutated the instance")
			}
			f.requireEscrowMatchesBalance(addr)
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	addr := f.create()
	checks := []error{
		f.engine.PushToPrepaidState(customerAddr, addr),
		f.engine.AnnounceTaskCompleted(contractorAddr, addr, []byte{1}),
		f.engine.StartDispute(customerAddr, addr, big.NewInt(1)),
		f.engine.ResolveDispute(arbiterAddr, addr, big.NewInt(1), []byte{1}),
	}
	for i, err := range checks {
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("check %d: expected ErrInvalidTransition, got %v", i, err)
		}
	}
	if err := f.engine.CloseProposal(customerAddr, newTestAddress(0x99)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFactoryTemplateOwnership(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.RegisterProposalTemplate(strangerAddr, f.factory.Address, DefaultTemplate()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	custom, err := TemplateSpec{Version: 2, RevertWindowSecs: 3600}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	version, err := f.engine.RegisterProposalTemplate(ownerAddr, f.factory.Address, custom)
	if err != nil || version != 2 {
		t.Fatalf("unexpected registration result %d, %v", version, err)
	}
	raw, current, err := f.engine.CurrentTemplate(f.factory.Address)
	if err != nil || current != 2 || !bytes.Equal(raw, custom) {
		t.Fatalf("template not replaced wholesale")
	}
	addr := f.create()
	if p := f.proposal(addr); p.RevertWindow != 3600 || p.TemplateVersion != 2 {
		t.Fatalf("instance did not pick up the new template: %+v", p)
	}
}

func TestMalformedTemplateFailsCreation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.RegisterProposalTemplate(ownerAddr, f.factory.Address, []byte{0xff, 0x00}); err != nil {
		t.Fatalf("registration must not validate: %v", err)
	}
	_, err := f.engine.CreateConfiguredProposal(customerAddr, f.factory.Address, big.NewInt(10), taskRef, contractorAddr, tokenAddr)
	if !errors.Is(err, ErrMalformedTemplate) || !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrMalformedTemplate, got %v", err)
	}
	if len(f.state.proposals) != 0 {
		t.Fatalf("malformed template left an instance behind")
	}
}

func TestDeployFactoryIdempotent(t *testing.T) {
	f := newFixture(t)
	again, err := f.engine.DeployFactory(ownerAddr, arbiterAddr)
	if err != nil || again.Address != f.factory.Address || again.TemplateVersion != 1 {
		t.Fatalf("redeploy should return the stored factory: %+v, %v", again, err)
	}
	if _, err := f.engine.DeployFactory(ownerAddr, strangerAddr); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if _, err := f.engine.DeployFactory(ownerAddr, ownerAddr); !errors.Is(err, ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
}

func TestPausedModuleRejectsMutations(t *testing.T) {
	f := newFixture(t)
	addr := f.create()
	pauses := nativecommon.NewPauses(ModuleName)
	f.engine.SetPauses(pauses)
	if err := f.engine.CloseProposal(customerAddr, addr); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	if _, err := f.engine.Get(addr); err != nil {
		t.Fatalf("reads must remain available while paused: %v", err)
	}
	pauses.Set(ModuleName, false)
	if err := f.engine.CloseProposal(customerAddr, addr); err != nil {
		t.Fatalf("close after resume: %v", err)
	}
}

func TestRoleOf(t *testing.T) {
	p := &Proposal{Customer: customerAddr, Contractor: contractorAddr, Arbiter: arbiterAddr}
	cases := map[[20]byte]Role{
		customerAddr:   RoleCustomer,
		contractorAddr: RoleContractor,
		arbiterAddr:    RoleArbiter,
		strangerAddr:   RoleNone,
		{}:             RoleNone,
	}
	for caller, want := range cases {
		if got := p.RoleOf(caller); got != want {
			t.Fatalf("caller %x: got %s want %s", caller[:1], got, want)
		}
	}
}

func TestStateNames(t *testing.T) {
	for s := StateUninitialized; s <= StateClosed; s++ {
		parsed, ok := ParseState(s.String())
		if !ok || parsed != s {
			t.Fatalf("state %d does not round trip through %q", s, s.String())
		}
	}
	if State(42).Valid() || State(42).String() != "unknown" {
		t.Fatalf("out of range state must be invalid")
	}
}
