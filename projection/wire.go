package projection

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"taskescrow/core/types"
	"taskescrow/crypto"
	"taskescrow/native/proposal"
)

// ProposalState mirrors the instance JSON returned by the node.
type ProposalState struct {
	Address          string `json:"address"`
	Factory          string `json:"factory"`
	State            string `json:"state"`
	Customer         string `json:"customer"`
	Contractor       string `json:"contractor"`
	Arbiter          string `json:"arbiter"`
	Token            string `json:"token"`
	ContractorReward string `json:"contractorReward"`
	ArbiterReward    string `json:"arbiterReward"`
	ContestedReward  string `json:"contestedReward"`
	Escrowed         string `json:"escrowed"`
	TaskDeadline     int64  `json:"taskDeadline"`
	RevertDeadline   int64  `json:"revertDeadline"`
	RevertWindow     int64  `json:"revertWindow"`
	TaskRef          string `json:"taskRef,omitempty"`
	SolutionRef      string `json:"solutionRef,omitempty"`
	EvidenceRef      string `json:"evidenceRef,omitempty"`
	TemplateVersion  uint64 `json:"templateVersion"`
	CreatedAt        int64  `json:"createdAt"`
}

// TokenState mirrors the token metadata JSON returned by the node.
type TokenState struct {
	Address     string `json:"address"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

// EventPage is one page of the node journal.
type EventPage struct {
	Events []types.EventRecord `json:"events"`
	Head   int64               `json:"head"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *ProposalState) view(decimals uint8, symbol string) (View, error) {
	var v View
	fields := []struct {
		name string
		raw  string
		dst  *[20]byte
	}{
		{"address", p.Address, &v.Address},
		{"factory", p.Factory, &v.Factory},
		{"customer", p.Customer, &v.Customer},
		{"contractor", p.Contractor, &v.Contractor},
		{"arbiter", p.Arbiter, &v.Arbiter},
		{"token", p.Token, &v.Token},
	}
	for _, field := range fields {
		if strings.TrimSpace(field.raw) == "" {
			continue
		}
		addr, err := crypto.ParseAddress(field.raw)
		if err != nil {
			return View{}, fmt.Errorf("projection: snapshot %s: %w", field.name, err)
		}
		*field.dst = addr
	}
	if v.Address == ([20]byte{}) {
		return View{}, fmt.Errorf("projection: snapshot without address")
	}
	state, ok := proposal.ParseState(p.State)
	if !ok {
		return View{}, fmt.Errorf("projection: snapshot state %q", p.State)
	}
	v.State = state
	amounts := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"contractorReward", p.ContractorReward, &v.ContractorReward},
		{"arbiterReward", p.ArbiterReward, &v.ArbiterReward},
		{"contestedReward", p.ContestedReward, &v.ContestedReward},
	}
	for _, amount := range amounts {
		raw := strings.TrimSpace(amount.raw)
		if raw == "" {
			raw = "0"
		}
		value, err := parseInt(raw)
		if err != nil {
			return View{}, fmt.Errorf("projection: snapshot %s: %w", amount.name, err)
		}
		*amount.dst = value
	}
	refs := []struct {
		name string
		raw  string
		dst  *[]byte
	}{
		{"taskRef", p.TaskRef, &v.TaskRef},
		{"solutionRef", p.SolutionRef, &v.SolutionRef},
		{"evidenceRef", p.EvidenceRef, &v.EvidenceRef},
	}
	for _, ref := range refs {
		if ref.raw == "" {
			continue
		}
		decoded, err := hexutil.Decode(ref.raw)
		if err != nil {
			return View{}, fmt.Errorf("projection: snapshot %s: %w", ref.name, err)
		}
		if len(decoded) > 0 {
			*ref.dst = decoded
		}
	}
	v.TaskDeadline = p.TaskDeadline
	v.RevertDeadline = p.RevertDeadline
	v.CreatedAt = p.CreatedAt
	v.UpdatedAt = p.CreatedAt
	v.Decimals = decimals
	v.Symbol = symbol
	return v, nil
}
