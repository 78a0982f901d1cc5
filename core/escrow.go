package core

import (
	"context"
	"fmt"
	"math/big"

	"taskescrow/core/types"
	nativecommon "taskescrow/native/common"
	"taskescrow/native/proposal"
	"taskescrow/native/token"
)

func (r *Runtime) DeployFactory(ctx context.Context, owner, arbiter [20]byte) (*proposal.Factory, error) {
	var out *proposal.Factory
	_, err := r.Execute(ctx, OpDeployFactory, owner, func(tx *Tx) error {
		f, err := tx.Proposals.DeployFactory(owner, arbiter)
		out = f
		return err
	})
	return out, err
}

func (r *Runtime) RegisterTemplate(ctx context.Context, caller, factory [20]byte, template []byte) (uint64, error) {
	var version uint64
	_, err := r.Execute(ctx, OpRegisterTemplate, caller, func(tx *Tx) error {
		v, err := tx.Proposals.RegisterProposalTemplate(caller, factory, template)
		version = v
		return err
	})
	return version, err
}

// CreateProposal instantiates an escrow from the factory's current template.
// A failed creation leaves neither an instance nor an advanced factory nonce.
func (r *Runtime) CreateProposal(ctx context.Context, caller, factory [20]byte, arbiterReward *big.Int, taskRef []byte, contractor, tok [20]byte) (*proposal.Proposal, error) {
	var out *proposal.Proposal
	_, err := r.Execute(ctx, OpCreate, caller, func(tx *Tx) error {
		p, err := tx.Proposals.CreateConfiguredProposal(caller, factory, arbiterReward, taskRef, contractor, tok)
		out = p
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Runtime) RespondToProposal(ctx context.Context, caller, addr [20]byte, deadline int64, reward *big.Int) error {
	_, err := r.Execute(ctx, OpRespond, caller, func(tx *Tx) error {
		return tx.Proposals.ResponseToProposal(caller, addr, deadline, reward)
	})
	return err
}

func (r *Runtime) Prepay(ctx context.Context, caller, addr [20]byte) error {
	_, err := r.Execute(ctx, OpPrepay, caller, func(tx *Tx) error {
		return tx.Proposals.PushToPrepaidState(caller, addr)
	})
	return err
}

func (r *Runtime) CloseProposal(ctx context.Context, caller, addr [20]byte) error {
	_, err := r.Execute(ctx, OpClose, caller, func(tx *Tx) error {
		return tx.Proposals.CloseProposal(caller, addr)
	})
	return err
}

func (r *Runtime) AnnounceCompleted(ctx context.Context, caller, addr [20]byte, solutionRef []byte) error {
	_, err := r.Execute(ctx, OpComplete, caller, func(tx *Tx) error {
		return tx.Proposals.AnnounceTaskCompleted(caller, addr, solutionRef)
	})
	return err
}

func (r *Runtime) StartDispute(ctx context.Context, caller, addr [20]byte, contested *big.Int) error {
	_, err := r.Execute(ctx, OpDispute, caller, func(tx *Tx) error {
		return tx.Proposals.StartDispute(caller, addr, contested)
	})
	return err
}

func (r *Runtime) ResolveDispute(ctx context.Context, caller, addr [20]byte, awarded *big.Int, evidenceRef []byte) error {
	_, err := r.Execute(ctx, OpResolve, caller, func(tx *Tx) error {
		return tx.Proposals.ResolveDispute(caller, addr, awarded, evidenceRef)
	})
	return err
}

// Approve lets spender pull up to amount of tok from owner. Customers approve
// the instance address before prepaying.
func (r *Runtime) Approve(ctx context.Context, owner, tok, spender [20]byte, amount *big.Int) error {
	_, err := r.Execute(ctx, OpApprove, owner, func(tx *Tx) error {
		if err := nativecommon.Guard(r.pauses, token.ModuleName); err != nil {
			return err
		}
		if err := rejectEscrowAccount(tx, owner, proposal.ErrUnauthorized); err != nil {
			return err
		}
		return tx.Tokens.Approve(tok, owner, spender, amount)
	})
	return err
}

func (r *Runtime) Transfer(ctx context.Context, from, tok, to [20]byte, amount *big.Int) error {
	_, err := r.Execute(ctx, OpTransfer, from, func(tx *Tx) error {
		if err := nativecommon.Guard(r.pauses, token.ModuleName); err != nil {
			return err
		}
		if err := rejectEscrowAccount(tx, from, proposal.ErrUnauthorized); err != nil {
			return err
		}
		if err := rejectEscrowAccount(tx, to, proposal.ErrInvalidParameters); err != nil {
			return err
		}
		return tx.Tokens.Transfer(tok, from, to, amount)
	})
	return err
}

// rejectEscrowAccount keeps instance and factory balances under the state
// machine: direct token calls may neither spend from nor pay into them.
func rejectEscrowAccount(tx *Tx, addr [20]byte, sentinel error) error {
	escrow, err := tx.Proposals.IsEscrowAccount(addr)
	if err != nil {
		return err
	}
	if escrow {
		return fmt.Errorf("%w: %x is an escrow account", sentinel, addr)
	}
	return nil
}

func (r *Runtime) Proposal(addr [20]byte) (*proposal.Proposal, error) {
	var out *proposal.Proposal
	err := r.View(func(tx *Tx) error {
		p, err := tx.Proposals.Get(addr)
		out = p
		return err
	})
	return out, err
}

func (r *Runtime) Factory(addr [20]byte) (*proposal.Factory, error) {
	var out *proposal.Factory
	err := r.View(func(tx *Tx) error {
		f, err := tx.Proposals.Factory(addr)
		out = f
		return err
	})
	return out, err
}

// Factories lists every deployed factory in deployment order.
func (r *Runtime) Factories() ([]*proposal.Factory, error) {
	var out []*proposal.Factory
	err := r.View(func(tx *Tx) error {
		addrs, err := tx.State.FactoryList()
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			f, err := tx.Proposals.Factory(addr)
			if err != nil {
				return err
			}
			out = append(out, f)
		}
		return nil
	})
	return out, err
}

func (r *Runtime) Token(addr [20]byte) (*token.Metadata, error) {
	var out *token.Metadata
	err := r.View(func(tx *Tx) error {
		meta, err := tx.Tokens.Metadata(addr)
		out = meta
		return err
	})
	return out, err
}

// Tokens lists every registered token in registration order.
func (r *Runtime) Tokens() ([]*token.Metadata, error) {
	var out []*token.Metadata
	err := r.View(func(tx *Tx) error {
		addrs, err := tx.State.TokenList()
		if err != nil {
			return err
		}
		for _, addr := range addrs {
			meta, err := tx.Tokens.Metadata(addr)
			if err != nil {
				return err
			}
			out = append(out, meta)
		}
		return nil
	})
	return out, err
}

func (r *Runtime) Balance(tok, owner [20]byte) (*big.Int, error) {
	var out *big.Int
	err := r.View(func(tx *Tx) error {
		bal, err := tx.Tokens.BalanceOf(tok, owner)
		out = bal
		return err
	})
	return out, err
}

func (r *Runtime) Allowance(tok, owner, spender [20]byte) (*big.Int, error) {
	var out *big.Int
	err := r.View(func(tx *Tx) error {
		allowance, err := tx.Tokens.Allowance(tok, owner, spender)
		out = allowance
		return err
	})
	return out, err
}

// Events returns committed journal records after the cursor.
func (r *Runtime) Events(after int64, limit int) ([]types.EventRecord, error) {
	if r == nil || r.journal == nil {
		return nil, errNilRuntime
	}
	return r.journal.Since(after, limit)
}

// SetPaused pauses or resumes a module. Only the proposal and token modules
// are recognised.
func (r *Runtime) SetPaused(module string, paused bool) error {
	switch module {
	case proposal.ModuleName, token.ModuleName:
	default:
		return fmt.Errorf("%w: unknown module %q", proposal.ErrInvalidParameters, module)
	}
	r.pauses.Set(module, paused)
	r.logger.Info("module pause updated", "module", module, "paused", paused)
	return nil
}
