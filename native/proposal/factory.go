package proposal

import (
	"fmt"
	"math/big"

	"taskescrow/crypto"
)

func (e *Engine) loadFactory(addr [20]byte) (*Factory, error) {
	f, ok, err := e.state.FactoryGet(addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: factory %x", ErrNotFound, addr)
	}
	return f, nil
}

// DeployFactory creates the factory owned by owner with a fixed arbiter. The
// address is derived from the owner, so redeploying with the same parties
// returns the stored factory and any other parties fail.
func (e *Engine) DeployFactory(owner, arbiter [20]byte) (*Factory, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if owner == ([20]byte{}) || arbiter == ([20]byte{}) {
		return nil, fmt.Errorf("%w: owner and arbiter required", ErrInvalidParameters)
	}
	if owner == arbiter {
		return nil, fmt.Errorf("%w: owner cannot arbitrate", ErrInvalidParameters)
	}
	addr := crypto.ContractAddress(owner, 0)
	existing, ok, err := e.state.FactoryGet(addr)
	if err != nil {
		return nil, err
	}
	if ok {
		if existing.sameDeployment(owner, arbiter) {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: factory %x deployed with different parties", ErrAlreadyInitialized, addr)
	}
	if arbiter == addr {
		return nil, fmt.Errorf("%w: factory cannot arbitrate", ErrInvalidParameters)
	}
	for _, party := range [][20]byte{owner, arbiter} {
		escrow, err := e.IsEscrowAccount(party)
		if err != nil {
			return nil, err
		}
		if escrow {
			return nil, fmt.Errorf("%w: %x is an escrow account", ErrInvalidParameters, party)
		}
	}
	f := &Factory{Address: addr, Owner: owner, Arbiter: arbiter}
	if err := e.state.FactoryPut(f); err != nil {
		return nil, fmt.Errorf("proposal: persist factory: %w", err)
	}
	return f.Clone(), nil
}

// Factory returns a copy of the stored factory.
func (e *Engine) Factory(addr [20]byte) (*Factory, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	f, err := e.loadFactory(addr)
	if err != nil {
		return nil, err
	}
	return f.Clone(), nil
}

// CurrentTemplate returns the registered template bytes and their version.
func (e *Engine) CurrentTemplate(addr [20]byte) ([]byte, uint64, error) {
	f, err := e.Factory(addr)
	if err != nil {
		return nil, 0, err
	}
	return f.Template, f.TemplateVersion, nil
}

// RegisterProposalTemplate replaces the factory's template wholesale. The
// bytes are not interpreted until an instance is created.
func (e *Engine) RegisterProposalTemplate(caller, factory [20]byte, template []byte) (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	f, err := e.loadFactory(factory)
	if err != nil {
		return 0, err
	}
	if caller != f.Owner {
		return 0, fmt.Errorf("%w: only the factory owner may register templates", ErrUnauthorized)
	}
	f.Template = cloneBytes(template)
	f.TemplateVersion++
	if err := e.state.FactoryPut(f); err != nil {
		return 0, fmt.Errorf("proposal: persist factory: %w", err)
	}
	e.emit(NewTemplateRegisteredEvent(f))
	return f.TemplateVersion, nil
}

// CreateConfiguredProposal instantiates an escrow from the current template
// with the caller as customer and runs its setup as the factory. Parameters
// are validated before the instance is allocated.
func (e *Engine) CreateConfiguredProposal(caller, factory [20]byte, arbiterReward *big.Int, taskRef []byte, contractor, token [20]byte) (*Proposal, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	f, err := e.loadFactory(factory)
	if err != nil {
		return nil, err
	}
	if caller == ([20]byte{}) {
		return nil, fmt.Errorf("%w: caller identity required", ErrUnauthorized)
	}
	params := SetupParams{
		Arbiter:       f.Arbiter,
		Customer:      caller,
		ArbiterReward: arbiterReward,
		TaskRef:       taskRef,
		Contractor:    contractor,
		Token:         token,
	}
	if err := e.validateSetup(params); err != nil {
		return nil, err
	}
	spec, err := DecodeTemplate(f.Template)
	if err != nil {
		return nil, err
	}

	addr := crypto.ContractAddress(f.Address, f.Nonce)
	if addr == params.Customer || addr == params.Contractor || addr == params.Arbiter || addr == params.Token {
		return nil, fmt.Errorf("%w: %x is the instance address", ErrInvalidParameters, addr)
	}
	if _, exists, err := e.state.ProposalGet(addr); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("proposal: address %x already allocated", addr)
	}
	f.Nonce++
	if err := e.state.FactoryPut(f); err != nil {
		return nil, fmt.Errorf("proposal: persist factory: %w", err)
	}
	instance := &Proposal{
		Address:          addr,
		Factory:          f.Address,
		State:            StateUninitialized,
		ContractorReward: big.NewInt(0),
		ArbiterReward:    big.NewInt(0),
		ContestedReward:  big.NewInt(0),
		RevertWindow:     int64(spec.RevertWindowSecs),
		TemplateVersion:  f.TemplateVersion,
		CreatedAt:        e.now(),
	}
	if err := e.store(instance); err != nil {
		return nil, err
	}
	if err := e.Setup(f.Address, addr, params); err != nil {
		return nil, err
	}
	created, err := e.load(addr)
	if err != nil {
		return nil, err
	}
	e.emit(NewCreatedEvent(created))
	return created.Clone(), nil
}
