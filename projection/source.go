package projection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"nhooyr.io/websocket"

	"taskescrow/core/types"
	"taskescrow/crypto"
)

// Source is the read side of the node used to build projections.
type Source interface {
	FetchEvents(ctx context.Context, after int64, limit int) (*EventPage, error)
	Proposal(ctx context.Context, addr [20]byte) (*ProposalState, error)
	Token(ctx context.Context, addr [20]byte) (*TokenState, error)
}

// Actions is the write side of the node. Every call carries the acting
// identity explicitly.
type Actions interface {
	CreateProposal(ctx context.Context, caller, factory [20]byte, arbiterReward *big.Int, taskRef []byte, contractor, token [20]byte) (*ProposalState, error)
	RespondToProposal(ctx context.Context, caller, addr [20]byte, deadline int64, reward *big.Int) (*ProposalState, error)
	Approve(ctx context.Context, caller, token, spender [20]byte, amount *big.Int) error
	Prepay(ctx context.Context, caller, addr [20]byte) (*ProposalState, error)
	Close(ctx context.Context, caller, addr [20]byte) (*ProposalState, error)
	AnnounceCompleted(ctx context.Context, caller, addr [20]byte, solutionRef []byte) (*ProposalState, error)
	StartDispute(ctx context.Context, caller, addr [20]byte, contested *big.Int) (*ProposalState, error)
	ResolveDispute(ctx context.Context, caller, addr [20]byte, awarded *big.Int, evidenceRef []byte) (*ProposalState, error)
}

// HTTPSource talks to the node's JSON surface and implements both Source and
// Actions.
type HTTPSource struct {
	baseURL string
	http    *http.Client
}

// NewHTTPSource returns a source rooted at baseURL, e.g. http://127.0.0.1:8545.
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) FetchEvents(ctx context.Context, after int64, limit int) (*EventPage, error) {
	query := url.Values{}
	query.Set("after", strconv.FormatInt(after, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var page EventPage
	if err := s.do(ctx, http.MethodGet, "/v1/events?"+query.Encode(), [20]byte{}, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (s *HTTPSource) Proposal(ctx context.Context, addr [20]byte) (*ProposalState, error) {
	var out ProposalState
	if err := s.do(ctx, http.MethodGet, "/v1/proposals/"+crypto.FormatAddress(addr), [20]byte{}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *HTTPSource) Token(ctx context.Context, addr [20]byte) (*TokenState, error) {
	var out TokenState
	if err := s.do(ctx, http.MethodGet, "/v1/tokens/"+crypto.FormatAddress(addr), [20]byte{}, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *HTTPSource) CreateProposal(ctx context.Context, caller, factory [20]byte, arbiterReward *big.Int, taskRef []byte, contractor, token [20]byte) (*ProposalState, error) {
	body := map[string]string{
		"arbiterReward": amountString(arbiterReward),
		"taskRef":       hexutil.Encode(taskRef),
		"contractor":    crypto.FormatAddress(contractor),
		"token":         crypto.FormatAddress(token),
	}
	return s.proposalCall(ctx, "/v1/factories/"+crypto.FormatAddress(factory)+"/proposals", caller, body)
}

func (s *HTTPSource) RespondToProposal(ctx context.Context, caller, addr [20]byte, deadline int64, reward *big.Int) (*ProposalState, error) {
	body := map[string]interface{}{"deadline": deadline, "reward": amountString(reward)}
	return s.proposalCall(ctx, proposalPath(addr, "response"), caller, body)
}

func (s *HTTPSource) Approve(ctx context.Context, caller, token, spender [20]byte, amount *big.Int) error {
	body := map[string]string{"spender": crypto.FormatAddress(spender), "amount": amountString(amount)}
	return s.do(ctx, http.MethodPost, "/v1/tokens/"+crypto.FormatAddress(token)+"/approve", caller, body, nil)
}

func (s *HTTPSource) Prepay(ctx context.Context, caller, addr [20]byte) (*ProposalState, error) {
	return s.proposalCall(ctx, proposalPath(addr, "prepay"), caller, struct{}{})
}

func (s *HTTPSource) Close(ctx context.Context, caller, addr [20]byte) (*ProposalState, error) {
	return s.proposalCall(ctx, proposalPath(addr, "close"), caller, struct{}{})
}

func (s *HTTPSource) AnnounceCompleted(ctx context.Context, caller, addr [20]byte, solutionRef []byte) (*ProposalState, error) {
	return s.proposalCall(ctx, proposalPath(addr, "complete"), caller, map[string]string{"solutionRef": hexutil.Encode(solutionRef)})
}

func (s *HTTPSource) StartDispute(ctx context.Context, caller, addr [20]byte, contested *big.Int) (*ProposalState, error) {
	return s.proposalCall(ctx, proposalPath(addr, "dispute"), caller, map[string]string{"contestedReward": amountString(contested)})
}

func (s *HTTPSource) ResolveDispute(ctx context.Context, caller, addr [20]byte, awarded *big.Int, evidenceRef []byte) (*ProposalState, error) {
	body := map[string]string{"awarded": amountString(awarded), "evidenceRef": hexutil.Encode(evidenceRef)}
	return s.proposalCall(ctx, proposalPath(addr, "resolve"), caller, body)
}

func (s *HTTPSource) proposalCall(ctx context.Context, path string, caller [20]byte, body interface{}) (*ProposalState, error) {
	var out ProposalState
	if err := s.do(ctx, http.MethodPost, path, caller, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *HTTPSource) do(ctx context.Context, method, path string, caller [20]byte, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != ([20]byte{}) {
		req.Header.Set("X-Caller", crypto.FormatAddress(caller))
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{Status: resp.StatusCode, Code: "http_error", Message: strings.TrimSpace(string(raw))}
		var decoded errorBody
		if json.Unmarshal(raw, &decoded) == nil && decoded.Code != "" {
			apiErr.Code = decoded.Code
			apiErr.Message = decoded.Message
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func proposalPath(addr [20]byte, action string) string {
	return "/v1/proposals/" + crypto.FormatAddress(addr) + "/" + action
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

// StreamSource follows the node journal over a websocket.
type StreamSource struct {
	url string
}

// NewStreamSource returns a stream for the websocket endpoint, e.g.
// ws://127.0.0.1:8545/v1/events/ws.
func NewStreamSource(rawURL string) *StreamSource {
	return &StreamSource{url: rawURL}
}

// Follow delivers every record after the cursor to fn in sequence order until
// the context ends or the stream stops.
func (s *StreamSource) Follow(ctx context.Context, after int64, fn func(types.EventRecord) error) error {
	target, err := url.Parse(s.url)
	if err != nil {
		return fmt.Errorf("projection: stream url: %w", err)
	}
	query := target.Query()
	query.Set("after", strconv.FormatInt(after, 10))
	target.RawQuery = query.Encode()

	conn, _, err := websocket.Dial(ctx, target.String(), nil)
	if err != nil {
		return fmt.Errorf("projection: dial stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		var record types.EventRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return fmt.Errorf("projection: decode stream record: %w", err)
		}
		if err := fn(record); err != nil {
			return err
		}
	}
}
