package proposal

import (
	"bytes"
	"math/big"
)

// State enumerates the lifecycle of an escrow instance. The numeric values are
// part of the stored record and the wire format.
type State uint8

const (
	StateUninitialized State = iota
	StateInit
	StateProposed
	StatePrepaid
	StateCompleted
	StateDispute
	StateResolved
	StateClosed
)

var stateNames = [...]string{
	StateUninitialized: "uninitialized",
	StateInit:          "init",
	StateProposed:      "proposed",
	StatePrepaid:       "prepaid",
	StateCompleted:     "completed",
	StateDispute:       "dispute",
	StateResolved:      "resolved",
	StateClosed:        "closed",
}

func (s State) String() string {
	if !s.Valid() {
		return "unknown"
	}
	return stateNames[s]
}

// Valid reports whether the state value is within the supported range.
func (s State) Valid() bool { return s <= StateClosed }

// Funded reports whether the instance holds escrowed funds in this state.
func (s State) Funded() bool {
	switch s {
	case StatePrepaid, StateCompleted, StateDispute:
		return true
	default:
		return false
	}
}

// ParseState resolves a state name produced by String.
func ParseState(name string) (State, bool) {
	for i, candidate := range stateNames {
		if candidate == name {
			return State(i), true
		}
	}
	return 0, false
}

// Role identifies how a caller relates to an instance.
type Role uint8

const (
	RoleNone Role = iota
	RoleCustomer
	RoleContractor
	RoleArbiter
)

func (r Role) String() string {
	switch r {
	case RoleCustomer:
		return "customer"
	case RoleContractor:
		return "contractor"
	case RoleArbiter:
		return "arbiter"
	default:
		return "none"
	}
}

// Proposal is the authoritative record of a single escrow instance.
type Proposal struct {
	Address          [20]byte
	Factory          [20]byte
	State            State
	Customer         [20]byte
	Contractor       [20]byte
	Arbiter          [20]byte
	Token            [20]byte
	ContractorReward *big.Int
	ArbiterReward    *big.Int
	ContestedReward  *big.Int
	TaskDeadline     int64
	RevertDeadline   int64
	RevertWindow     int64
	TaskRef          []byte
	SolutionRef      []byte
	EvidenceRef      []byte
	TemplateVersion  uint64
	CreatedAt        int64
}

// Clone returns a deep copy of the proposal so callers can mutate the copy
// without affecting the stored instance.
func (p *Proposal) Clone() *Proposal {
	if p == nil {
		return nil
	}
	clone := *p
	clone.ContractorReward = cloneBigInt(p.ContractorReward)
	clone.ArbiterReward = cloneBigInt(p.ArbiterReward)
	clone.ContestedReward = cloneBigInt(p.ContestedReward)
	clone.TaskRef = cloneBytes(p.TaskRef)
	clone.SolutionRef = cloneBytes(p.SolutionRef)
	clone.EvidenceRef = cloneBytes(p.EvidenceRef)
	return &clone
}

// RoleOf resolves the caller's role by comparing it against the three stored
// parties. It is recomputed on every call.
func (p *Proposal) RoleOf(caller [20]byte) Role {
	if p == nil || caller == ([20]byte{}) {
		return RoleNone
	}
	switch caller {
	case p.Customer:
		return RoleCustomer
	case p.Contractor:
		return RoleContractor
	case p.Arbiter:
		return RoleArbiter
	default:
		return RoleNone
	}
}

// EscrowedAmount returns the balance the instance is expected to hold in its
// current state.
func (p *Proposal) EscrowedAmount() *big.Int {
	if p == nil || !p.State.Funded() {
		return big.NewInt(0)
	}
	return new(big.Int).Add(cloneBigInt(p.ContractorReward), cloneBigInt(p.ArbiterReward))
}

// Factory creates instances with a fixed arbiter from the currently
// registered template.
type Factory struct {
	Address         [20]byte
	Owner           [20]byte
	Arbiter         [20]byte
	Template        []byte
	TemplateVersion uint64
	Nonce           uint64
}

// Clone returns a deep copy of the factory record.
func (f *Factory) Clone() *Factory {
	if f == nil {
		return nil
	}
	clone := *f
	clone.Template = cloneBytes(f.Template)
	return &clone
}

// sameDeployment reports whether f was deployed with the supplied parties.
func (f *Factory) sameDeployment(owner, arbiter [20]byte) bool {
	return f != nil && f.Owner == owner && f.Arbiter == arbiter
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}
