package projection

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"taskescrow/core/types"
	"taskescrow/crypto"
	"taskescrow/native/proposal"
)

// Skip reasons reported by Store metrics.
const (
	skipStale     = "stale"
	skipForeign   = "foreign"
	skipMalformed = "malformed"
	skipUnknown   = "unknown_type"
)

// Apply folds one journal record into v. Records at or below v.LastSeq are
// ignored so replaying an already applied prefix is a no-op. The boolean
// reports whether the view changed.
func Apply(v View, record types.EventRecord) (View, bool) {
	next, reason := apply(v, record)
	return next, reason == ""
}

// Fold applies records in order and returns the resulting view together with
// the number of records that took effect.
func Fold(v View, records ...types.EventRecord) (View, int) {
	applied := 0
	for _, record := range records {
		var ok bool
		v, ok = Apply(v, record)
		if ok {
			applied++
		}
	}
	return v, applied
}

// EventAddress returns the instance a proposal record refers to.
func EventAddress(record types.EventRecord) ([20]byte, bool) {
	if !strings.HasPrefix(record.Type, "proposal.") || record.Type == proposal.EventTypeTemplateRegistered {
		return [20]byte{}, false
	}
	addr, err := crypto.ParseAddress(record.Attr("address"))
	if err != nil {
		return [20]byte{}, false
	}
	return addr, true
}

func apply(v View, record types.EventRecord) (View, string) {
	if record.Sequence <= v.LastSeq {
		return v, skipStale
	}
	addr, ok := EventAddress(record)
	if !ok {
		return v, skipForeign
	}
	if v.Address != ([20]byte{}) && addr != v.Address {
		return v, skipForeign
	}
	next := v.Clone()
	next.Address = addr
	var err error
	switch record.Type {
	case proposal.EventTypeProposalCreated:
		err = applyCreated(&next, record)
	case proposal.EventTypeProposalSetup:
		err = applySetup(&next, record)
	case proposal.EventTypeStateChanged:
		err = applyStateChanged(&next, record)
	case proposal.EventTypeTaskCompleted:
		next.SolutionRef, err = hexutil.Decode(record.Attr("solutionRef"))
	case proposal.EventTypeDisputeResolved:
		err = applyResolved(&next, record)
	default:
		return v, skipUnknown
	}
	if err != nil {
		return v, skipMalformed
	}
	next.LastSeq = record.Sequence
	next.UpdatedAt = record.Timestamp
	return next, ""
}

func applyCreated(v *View, record types.EventRecord) error {
	factory, err := crypto.ParseAddress(record.Attr("factory"))
	if err != nil {
		return err
	}
	customer, err := crypto.ParseAddress(record.Attr("customer"))
	if err != nil {
		return err
	}
	v.Factory = factory
	v.Customer = customer
	if v.CreatedAt == 0 {
		v.CreatedAt = record.Timestamp
	}
	return nil
}

func applySetup(v *View, record types.EventRecord) error {
	var parties [5][20]byte
	for i, key := range []string{"factory", "customer", "contractor", "arbiter", "token"} {
		addr, err := crypto.ParseAddress(record.Attr(key))
		if err != nil {
			return err
		}
		parties[i] = addr
	}
	reward, err := parseInt(record.Attr("arbiterReward"))
	if err != nil {
		return err
	}
	taskRef, err := hexutil.Decode(record.Attr("taskRef"))
	if err != nil {
		return err
	}
	v.Factory, v.Customer, v.Contractor, v.Arbiter, v.Token = parties[0], parties[1], parties[2], parties[3], parties[4]
	v.ArbiterReward = reward
	v.TaskRef = taskRef
	if v.CreatedAt == 0 {
		v.CreatedAt = record.Timestamp
	}
	return nil
}

func applyStateChanged(v *View, record types.EventRecord) error {
	state, ok := proposal.ParseState(record.Attr("state"))
	if !ok {
		return errMalformed
	}
	rewards := make([]*big.Int, 3)
	for i, key := range []string{"contractorReward", "arbiterReward", "contestedReward"} {
		value, err := parseInt(record.Attr(key))
		if err != nil {
			return err
		}
		rewards[i] = value
	}
	taskDeadline, err := strconv.ParseInt(record.Attr("taskDeadline"), 10, 64)
	if err != nil {
		return err
	}
	revertDeadline, err := strconv.ParseInt(record.Attr("revertDeadline"), 10, 64)
	if err != nil {
		return err
	}
	v.State = state
	v.ContractorReward, v.ArbiterReward, v.ContestedReward = rewards[0], rewards[1], rewards[2]
	v.TaskDeadline = taskDeadline
	v.RevertDeadline = revertDeadline
	return nil
}

func applyResolved(v *View, record types.EventRecord) error {
	awarded, err := parseInt(record.Attr("awarded"))
	if err != nil {
		return err
	}
	refund, err := parseInt(record.Attr("refund"))
	if err != nil {
		return err
	}
	evidence, err := hexutil.Decode(record.Attr("evidenceRef"))
	if err != nil {
		return err
	}
	v.Awarded = awarded
	v.Refund = refund
	v.EvidenceRef = evidence
	return nil
}

func parseInt(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || value.Sign() < 0 {
		return nil, errMalformed
	}
	return value, nil
}
