package proposal

import (
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"taskescrow/core/types"
	"taskescrow/crypto"
)

const (
	EventTypeProposalCreated    = "proposal.created"
	EventTypeProposalSetup      = "proposal.setup"
	EventTypeStateChanged       = "proposal.state_changed"
	EventTypeTaskCompleted      = "proposal.task_completed"
	EventTypeDisputeResolved    = "proposal.dispute_resolved"
	EventTypeTemplateRegistered = "proposal.template_registered"
)

type proposalEvent struct {
	evt *types.Event
}

func (e proposalEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e proposalEvent) Event() *types.Event { return e.evt }

// NewCreatedEvent returns the creation notification carrying the new
// instance's address.
func NewCreatedEvent(p *Proposal) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		attrs["factory"] = crypto.FormatAddress(p.Factory)
		attrs["address"] = crypto.FormatAddress(p.Address)
		attrs["customer"] = crypto.FormatAddress(p.Customer)
	}
	return &types.Event{Type: EventTypeProposalCreated, Attributes: attrs}
}

// NewSetupEvent returns the payload emitted once setup completes. It is the
// only event carrying the task reference.
func NewSetupEvent(p *Proposal) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		attrs["address"] = crypto.FormatAddress(p.Address)
		attrs["factory"] = crypto.FormatAddress(p.Factory)
		attrs["customer"] = crypto.FormatAddress(p.Customer)
		attrs["contractor"] = crypto.FormatAddress(p.Contractor)
		attrs["arbiter"] = crypto.FormatAddress(p.Arbiter)
		attrs["token"] = crypto.FormatAddress(p.Token)
		attrs["arbiterReward"] = cloneBigInt(p.ArbiterReward).String()
		attrs["taskRef"] = hexutil.Encode(p.TaskRef)
	}
	return &types.Event{Type: EventTypeProposalSetup, Attributes: attrs}
}

// NewStateChangedEvent snapshots the mutable terms after a transition.
func NewStateChangedEvent(p *Proposal) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		attrs["address"] = crypto.FormatAddress(p.Address)
		attrs["state"] = p.State.String()
		attrs["contractorReward"] = cloneBigInt(p.ContractorReward).String()
		attrs["arbiterReward"] = cloneBigInt(p.ArbiterReward).String()
		attrs["contestedReward"] = cloneBigInt(p.ContestedReward).String()
		attrs["taskDeadline"] = strconv.FormatInt(p.TaskDeadline, 10)
		attrs["revertDeadline"] = strconv.FormatInt(p.RevertDeadline, 10)
	}
	return &types.Event{Type: EventTypeStateChanged, Attributes: attrs}
}

// NewTaskCompletedEvent carries the solution reference announced by the
// contractor.
func NewTaskCompletedEvent(p *Proposal) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		attrs["address"] = crypto.FormatAddress(p.Address)
		attrs["solutionRef"] = hexutil.Encode(p.SolutionRef)
	}
	return &types.Event{Type: EventTypeTaskCompleted, Attributes: attrs}
}

// NewDisputeResolvedEvent records the arbiter's split.
func NewDisputeResolvedEvent(p *Proposal, awarded, refund string) *types.Event {
	attrs := make(map[string]string)
	if p != nil {
		attrs["address"] = crypto.FormatAddress(p.Address)
		attrs["awarded"] = awarded
		attrs["arbiterReward"] = cloneBigInt(p.ArbiterReward).String()
		attrs["refund"] = refund
		attrs["evidenceRef"] = hexutil.Encode(p.EvidenceRef)
	}
	return &types.Event{Type: EventTypeDisputeResolved, Attributes: attrs}
}

// NewTemplateRegisteredEvent announces a template replacement.
func NewTemplateRegisteredEvent(f *Factory) *types.Event {
	attrs := make(map[string]string)
	if f != nil {
		attrs["factory"] = crypto.FormatAddress(f.Address)
		attrs["version"] = strconv.FormatUint(f.TemplateVersion, 10)
	}
	return &types.Event{Type: EventTypeTemplateRegistered, Attributes: attrs}
}
