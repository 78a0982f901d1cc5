package projection

import (
	"bytes"
	"math/big"

	"taskescrow/native/proposal"
)

// View is the client-side snapshot of one escrow instance. Views are values:
// Apply returns an updated copy and never mutates its input.
type View struct {
	Address    [20]byte       `json:"address"`
	Factory    [20]byte       `json:"factory"`
	State      proposal.State `json:"state"`
	Customer   [20]byte       `json:"customer"`
	Contractor [20]byte       `json:"contractor"`
	Arbiter    [20]byte       `json:"arbiter"`
	Token      [20]byte       `json:"token"`
	Symbol     string         `json:"symbol,omitempty"`
	Decimals   uint8          `json:"decimals"`

	ContractorReward *big.Int `json:"contractorReward"`
	ArbiterReward    *big.Int `json:"arbiterReward"`
	ContestedReward  *big.Int `json:"contestedReward"`
	// Awarded and Refund are set once the arbiter resolved a dispute.
	Awarded *big.Int `json:"awarded,omitempty"`
	Refund  *big.Int `json:"refund,omitempty"`

	TaskDeadline   int64 `json:"taskDeadline"`
	RevertDeadline int64 `json:"revertDeadline"`

	TaskRef     []byte `json:"taskRef,omitempty"`
	SolutionRef []byte `json:"solutionRef,omitempty"`
	EvidenceRef []byte `json:"evidenceRef,omitempty"`

	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
	LastSeq   int64 `json:"lastSeq"`

	Unavailable       bool   `json:"unavailable,omitempty"`
	UnavailableReason string `json:"unavailableReason,omitempty"`
}

// Clone returns a deep copy of the view.
func (v View) Clone() View {
	out := v
	out.ContractorReward = cloneInt(v.ContractorReward)
	out.ArbiterReward = cloneInt(v.ArbiterReward)
	out.ContestedReward = cloneInt(v.ContestedReward)
	if v.Awarded != nil {
		out.Awarded = new(big.Int).Set(v.Awarded)
	}
	if v.Refund != nil {
		out.Refund = new(big.Int).Set(v.Refund)
	}
	out.TaskRef = bytes.Clone(v.TaskRef)
	out.SolutionRef = bytes.Clone(v.SolutionRef)
	out.EvidenceRef = bytes.Clone(v.EvidenceRef)
	return out
}

// Escrowed returns the amount the instance holds in its current state.
func (v View) Escrowed() *big.Int {
	if !v.State.Funded() {
		return big.NewInt(0)
	}
	return new(big.Int).Add(cloneInt(v.ContractorReward), cloneInt(v.ArbiterReward))
}

// Role resolves how caller relates to the viewed instance. It is recomputed on
// every call; switching the active identity never needs invalidation.
func Role(v View, caller [20]byte) proposal.Role {
	if caller == ([20]byte{}) {
		return proposal.RoleNone
	}
	switch caller {
	case v.Customer:
		return proposal.RoleCustomer
	case v.Contractor:
		return proposal.RoleContractor
	case v.Arbiter:
		return proposal.RoleArbiter
	default:
		return proposal.RoleNone
	}
}

// FromState builds a view from an authoritative snapshot fetched from the
// node.
func FromState(p *ProposalState, decimals uint8, symbol string) (View, error) {
	if p == nil {
		return View{}, errNilSnapshot
	}
	return p.view(decimals, symbol)
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
