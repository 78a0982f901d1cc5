package genesis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskescrow/core"
	"taskescrow/crypto"
	"taskescrow/native/proposal"
	"taskescrow/native/token"
)

const metaGenesisHash = "genesis"

// ErrGenesisMismatch reports a database initialised from another spec.
var ErrGenesisMismatch = errors.New("genesis: database initialised from a different spec")

// Result summarises the ledger a spec produced.
type Result struct {
	Applied   bool
	Tokens    map[string][20]byte
	Factories []*proposal.Factory
}

// Apply registers the genesis tokens, mints the allocations and deploys each
// factory with its first template, all in one runtime call. Re-applying the
// same spec to an initialised database is a no-op.
func Apply(ctx context.Context, rt *core.Runtime, spec *GenesisSpec) (*Result, error) {
	if spec == nil {
		return nil, fmt.Errorf("genesis spec must not be nil")
	}
	if rt == nil {
		return nil, fmt.Errorf("runtime must not be nil")
	}
	hash := spec.Hash()
	result := &Result{Tokens: make(map[string][20]byte, len(spec.Tokens))}
	for i := range spec.Tokens {
		addr, _ := spec.Tokens[i].address()
		result.Tokens[strings.ToUpper(strings.TrimSpace(spec.Tokens[i].Symbol))] = addr
	}

	var applied bool
	err := rt.View(func(tx *core.Tx) error {
		stored, ok, err := tx.State.MetaGet(metaGenesisHash)
		if err != nil {
			return err
		}
		if ok && !bytes.Equal(stored, hash) {
			return ErrGenesisMismatch
		}
		applied = ok
		return nil
	})
	if err != nil {
		return nil, err
	}
	if applied {
		factories, err := deployed(rt, spec)
		if err != nil {
			return nil, err
		}
		result.Factories = factories
		return result, nil
	}

	_, err = rt.Execute(ctx, core.OpGenesis, [20]byte{}, func(tx *core.Tx) error {
		// 1) Tokens (sorted by symbol)
		tokens := append([]TokenSpec(nil), spec.Tokens...)
		sort.Slice(tokens, func(i, j int) bool {
			return strings.ToUpper(tokens[i].Symbol) < strings.ToUpper(tokens[j].Symbol)
		})
		for i := range tokens {
			t := &tokens[i]
			addr, _ := t.address()
			if err := tx.Tokens.Register(&token.Metadata{Address: addr, Symbol: t.Symbol, Name: t.Name, Decimals: t.Decimals}); err != nil {
				return fmt.Errorf("register token %q: %w", t.Symbol, err)
			}
		}

		// 2) Allocations (accounts sorted, then symbols sorted)
		accounts := make([]string, 0, len(spec.Alloc))
		for account := range spec.Alloc {
			accounts = append(accounts, account)
		}
		sort.Strings(accounts)
		for _, account := range accounts {
			holder, err := crypto.ParseAddress(account)
			if err != nil {
				return fmt.Errorf("alloc[%q]: %w", account, err)
			}
			symbols := make([]string, 0, len(spec.Alloc[account]))
			for symbol := range spec.Alloc[account] {
				symbols = append(symbols, symbol)
			}
			sort.Strings(symbols)
			for _, symbol := range symbols {
				amount, err := parseAmountString(spec.Alloc[account][symbol])
				if err != nil {
					return fmt.Errorf("alloc[%q][%q]: %w", account, symbol, err)
				}
				addr := result.Tokens[strings.ToUpper(strings.TrimSpace(symbol))]
				if err := tx.Tokens.Mint(addr, holder, amount); err != nil {
					return fmt.Errorf("alloc[%q][%q]: %w", account, symbol, err)
				}
			}
		}

		// 3) Factories (spec order) with their first template
		for i := range spec.Factories {
			f, err := deployFactory(tx, &spec.Factories[i])
			if err != nil {
				return fmt.Errorf("factory[%d]: %w", i, err)
			}
			result.Factories = append(result.Factories, f)
		}
		return tx.State.MetaPut(metaGenesisHash, hash)
	})
	if err != nil {
		return nil, err
	}
	result.Applied = true
	return result, nil
}

func deployFactory(tx *core.Tx, fs *FactorySpec) (*proposal.Factory, error) {
	owner, _ := crypto.ParseAddress(fs.Owner)
	arbiter, _ := crypto.ParseAddress(fs.Arbiter)
	f, err := tx.Proposals.DeployFactory(owner, arbiter)
	if err != nil {
		return nil, err
	}
	window := fs.RevertWindowSecs
	if window == 0 {
		window = proposal.DefaultRevertWindow
	}
	template, err := proposal.TemplateSpec{Version: 1, RevertWindowSecs: window}.Encode()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Proposals.RegisterProposalTemplate(owner, f.Address, template); err != nil {
		return nil, err
	}
	return tx.Proposals.Factory(f.Address)
}

func deployed(rt *core.Runtime, spec *GenesisSpec) ([]*proposal.Factory, error) {
	out := make([]*proposal.Factory, 0, len(spec.Factories))
	for i := range spec.Factories {
		owner, _ := crypto.ParseAddress(spec.Factories[i].Owner)
		f, err := rt.Factory(crypto.ContractAddress(owner, 0))
		if err != nil {
			return nil, fmt.Errorf("factory[%d]: %w", i, err)
		}
		out = append(out, f)
	}
	return out, nil
}
