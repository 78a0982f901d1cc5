package rpc

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"

	"taskescrow/core/types"
	"taskescrow/crypto"
	"taskescrow/native/proposal"
)

func decodeBody(r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(nil, r.Body, maxRequestBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return fmt.Errorf("%w: invalid request body: %v", proposal.ErrInvalidParameters, err)
	}
	return nil
}

func pathAddress(r *http.Request, name string) ([20]byte, error) {
	return parseAddressField(name, chi.URLParam(r, name))
}

func parseAddressField(name, raw string) ([20]byte, error) {
	addr, err := crypto.ParseAddress(strings.TrimSpace(raw))
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %s: %v", proposal.ErrInvalidParameters, name, err)
	}
	return addr, nil
}

// parseAmount reads a base-10 amount in smallest token units.
func parseAmount(name, raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %s required", proposal.ErrInvalidParameters, name)
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s must be a base-10 integer", proposal.ErrInvalidParameters, name)
	}
	return value, nil
}

func parseRef(name, raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	ref, err := hexutil.Decode(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", proposal.ErrInvalidParameters, name, err)
	}
	return ref, nil
}

func requireCaller(r *http.Request) ([20]byte, error) {
	addr, ok := callerFrom(r.Context())
	if !ok {
		return [20]byte{}, fmt.Errorf("%w: %v", proposal.ErrUnauthorized, errCallerRequired)
	}
	return addr, nil
}

func (s *Server) handleListFactories(w http.ResponseWriter, r *http.Request) {
	factories, err := s.runtime.Factories()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]FactoryResult, 0, len(factories))
	for _, f := range factories {
		out = append(out, factoryResult(f))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetFactory(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "factory")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f, err := s.runtime.Factory(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, factoryResult(f))
}

func (s *Server) handleRegisterTemplate(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	factory, err := pathAddress(r, "factory")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req templateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tpl, err := parseRef("template", req.Template)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	version, err := s.runtime.RegisterTemplate(r.Context(), caller, factory, tpl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TemplateResult{Factory: crypto.FormatAddress(factory), Version: version})
}

func (s *Server) handleCreateProposal(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	factory, err := pathAddress(r, "factory")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req createRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	reward, err := parseAmount("arbiterReward", req.ArbiterReward)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	taskRef, err := parseRef("taskRef", req.TaskRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	contractor, err := parseAddressField("contractor", req.Contractor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := parseAddressField("token", req.Token)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.runtime.CreateProposal(r.Context(), caller, factory, reward, taskRef, contractor, tok)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, proposalResult(p))
}

func (s *Server) handleGetProposal(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeProposal(w, r, addr)
}

func (s *Server) writeProposal(w http.ResponseWriter, r *http.Request, addr [20]byte) {
	p, err := s.runtime.Proposal(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proposalResult(p))
}

// proposalAction decodes the caller and instance address, runs call and
// answers with the instance as committed.
func (s *Server) proposalAction(w http.ResponseWriter, r *http.Request, call func(caller, addr [20]byte) error) {
	caller, err := requireCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := pathAddress(r, "address")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := call(caller, addr); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeProposal(w, r, addr)
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(w, r, func(caller, addr [20]byte) error {
		var req responseRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		reward, err := parseAmount("reward", req.Reward)
		if err != nil {
			return err
		}
		return s.runtime.RespondToProposal(r.Context(), caller, addr, req.Deadline, reward)
	})
}

func (s *Server) handlePrepay(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(w, r, func(caller, addr [20]byte) error {
		return s.runtime.Prepay(r.Context(), caller, addr)
	})
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(w, r, func(caller, addr [20]byte) error {
		return s.runtime.CloseProposal(r.Context(), caller, addr)
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(w, r, func(caller, addr [20]byte) error {
		var req completeRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		ref, err := parseRef("solutionRef", req.SolutionRef)
		if err != nil {
			return err
		}
		return s.runtime.AnnounceCompleted(r.Context(), caller, addr, ref)
	})
}

func (s *Server) handleDispute(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(w, r, func(caller, addr [20]byte) error {
		var req disputeRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		contested, err := parseAmount("contestedReward", req.ContestedReward)
		if err != nil {
			return err
		}
		return s.runtime.StartDispute(r.Context(), caller, addr, contested)
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.proposalAction(w, r, func(caller, addr [20]byte) error {
		var req resolveRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		awarded, err := parseAmount("awarded", req.Awarded)
		if err != nil {
			return err
		}
		evidence, err := parseRef("evidenceRef", req.EvidenceRef)
		if err != nil {
			return err
		}
		return s.runtime.ResolveDispute(r.Context(), caller, addr, awarded, evidence)
	})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := s.runtime.Tokens()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]TokenResult, 0, len(tokens))
	for _, meta := range tokens {
		out = append(out, tokenResult(meta))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetToken(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	meta, err := s.runtime.Token(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResult(meta))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	tok, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.runtime.Balance(tok, owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResult{
		Token:   crypto.FormatAddress(tok),
		Owner:   crypto.FormatAddress(owner),
		Balance: amountString(bal),
	})
}

func (s *Server) handleAllowance(w http.ResponseWriter, r *http.Request) {
	tok, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	owner, err := pathAddress(r, "owner")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	spender, err := pathAddress(r, "spender")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	allowance, err := s.runtime.Allowance(tok, owner, spender)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AllowanceResult{
		Token:     crypto.FormatAddress(tok),
		Owner:     crypto.FormatAddress(owner),
		Spender:   crypto.FormatAddress(spender),
		Allowance: amountString(allowance),
	})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req approveRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	spender, err := parseAddressField("spender", req.Spender)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.runtime.Approve(r.Context(), caller, tok, spender, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AllowanceResult{
		Token:     crypto.FormatAddress(tok),
		Owner:     crypto.FormatAddress(caller),
		Spender:   crypto.FormatAddress(spender),
		Allowance: amount.String(),
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	tok, err := pathAddress(r, "token")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	to, err := parseAddressField("to", req.To)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.runtime.Transfer(r.Context(), caller, tok, to, amount); err != nil {
		s.writeError(w, r, err)
		return
	}
	bal, err := s.runtime.Balance(tok, caller)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResult{
		Token:   crypto.FormatAddress(tok),
		Owner:   crypto.FormatAddress(caller),
		Balance: amountString(bal),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	after, err := queryInt(r, "after", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultEventsPage)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit <= 0 || limit > maxEventsPage {
		limit = maxEventsPage
	}
	records, err := s.runtime.Events(after, int(limit))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	head := s.runtime.Journal().Head()
	if records == nil {
		records = []types.EventRecord{}
	}
	writeJSON(w, http.StatusOK, EventsResult{Events: records, Head: head})
}

func queryInt(r *http.Request, name string, fallback int64) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", proposal.ErrInvalidParameters, name)
	}
	return value, nil
}

func (s *Server) handlePause(paused bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		module := strings.TrimSpace(chi.URLParam(r, "module"))
		if err := s.runtime.SetPaused(module, paused); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"module": module, "paused": paused})
	}
}
