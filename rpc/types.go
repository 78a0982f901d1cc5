package rpc

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"taskescrow/core/types"
	"taskescrow/crypto"
	"taskescrow/native/proposal"
	"taskescrow/native/token"
)

type ProposalResult struct {
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

type TokenResult struct {
	Address     string `json:"address"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

type FactoryResult struct {
	Address         string `json:"address"`
	Owner           string `json:"owner"`
	Arbiter         string `json:"arbiter"`
	Template        string `json:"template,omitempty"`
	TemplateVersion uint64 `json:"templateVersion"`
	Nonce           uint64 `json:"nonce"`
}

type EventsResult struct {
	Events []types.EventRecord `json:"events"`
	Head   int64               `json:"head"`
}

type BalanceResult struct {
	Token   string `json:"token"`
	Owner   string `json:"owner"`
	Balance string `json:"balance"`
}

type AllowanceResult struct {
	Token     string `json:"token"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Allowance string `json:"allowance"`
}

type TemplateResult struct {
	Factory string `json:"factory"`
	Version uint64 `json:"version"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type createRequest struct {
	ArbiterReward string `json:"arbiterReward"`
	TaskRef       string `json:"taskRef"`
	Contractor    string `json:"contractor"`
	Token         string `json:"token"`
}

type responseRequest struct {
	Deadline int64  `json:"deadline"`
	Reward   string `json:"reward"`
}

type completeRequest struct {
	SolutionRef string `json:"solutionRef"`
}

type disputeRequest struct {
	ContestedReward string `json:"contestedReward"`
}

type resolveRequest struct {
	Awarded     string `json:"awarded"`
	EvidenceRef string `json:"evidenceRef"`
}

type approveRequest struct {
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type transferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type templateRequest struct {
	Template string `json:"template"`
}

func proposalResult(p *proposal.Proposal) ProposalResult {
	return ProposalResult{
		Address:          crypto.FormatAddress(p.Address),
		Factory:          crypto.FormatAddress(p.Factory),
		State:            p.State.String(),
		Customer:         crypto.FormatAddress(p.Customer),
		Contractor:       crypto.FormatAddress(p.Contractor),
		Arbiter:          crypto.FormatAddress(p.Arbiter),
		Token:            crypto.FormatAddress(p.Token),
		ContractorReward: amountString(p.ContractorReward),
		ArbiterReward:    amountString(p.ArbiterReward),
		ContestedReward:  amountString(p.ContestedReward),
		Escrowed:         amountString(p.EscrowedAmount()),
		TaskDeadline:     p.TaskDeadline,
		RevertDeadline:   p.RevertDeadline,
		RevertWindow:     p.RevertWindow,
		TaskRef:          hexRef(p.TaskRef),
		SolutionRef:      hexRef(p.SolutionRef),
		EvidenceRef:      hexRef(p.EvidenceRef),
		TemplateVersion:  p.TemplateVersion,
		CreatedAt:        p.CreatedAt,
	}
}

func tokenResult(meta *token.Metadata) TokenResult {
	return TokenResult{
		Address:     crypto.FormatAddress(meta.Address),
		Symbol:      meta.Symbol,
		Name:        meta.Name,
		Decimals:    meta.Decimals,
		TotalSupply: amountString(meta.TotalSupply),
	}
}

func factoryResult(f *proposal.Factory) FactoryResult {
	return FactoryResult{
		Address:         crypto.FormatAddress(f.Address),
		Owner:           crypto.FormatAddress(f.Owner),
		Arbiter:         crypto.FormatAddress(f.Arbiter),
		Template:        hexRef(f.Template),
		TemplateVersion: f.TemplateVersion,
		Nonce:           f.Nonce,
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func hexRef(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return hexutil.Encode(b)
}
