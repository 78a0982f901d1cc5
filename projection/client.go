package projection

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"

	"taskescrow/crypto"
)

// Client performs escrow actions on behalf of one active identity. Every call
// blocks until the node accepted or rejected it. A rejected call leaves the
// store as it was; an accepted call triggers a watcher sync so the store
// reflects the confirmed state. Nothing is retried.
type Client struct {
	actions Actions
	watcher *Watcher
	logger  *slog.Logger

	mu     sync.RWMutex
	caller [20]byte
}

// NewClient returns a client acting as caller.
func NewClient(actions Actions, watcher *Watcher, caller [20]byte, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		actions: actions,
		watcher: watcher,
		logger:  logger.With("component", "client"),
		caller:  caller,
	}
}

// Caller returns the active identity.
func (c *Client) Caller() [20]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.caller
}

// SetCaller switches the active identity. Roles are derived per read so no
// view needs to be refreshed.
func (c *Client) SetCaller(caller [20]byte) {
	c.mu.Lock()
	c.caller = caller
	c.mu.Unlock()
}

// Role returns the active identity's role in the projected instance.
func (c *Client) Role(addr [20]byte) (string, error) {
	v, err := c.view(addr)
	if err != nil {
		return "", err
	}
	return Role(v, c.Caller()).String(), nil
}

// Mine lists the instances the active identity takes part in.
func (c *Client) Mine() []View {
	return c.watcher.Store().Mine(c.Caller())
}

// Open lists the published tasks the active identity could respond to.
func (c *Client) Open() []View {
	return c.watcher.Store().Open(c.Caller())
}

func (c *Client) Create(ctx context.Context, factory [20]byte, arbiterReward *big.Int, taskRef []byte, contractor, token [20]byte) (View, error) {
	snapshot, err := c.actions.CreateProposal(ctx, c.Caller(), factory, arbiterReward, taskRef, contractor, token)
	if err != nil {
		return View{}, err
	}
	return c.confirmed(ctx, snapshot)
}

// CreateUnits is Create with the arbiter fee given in token units, e.g. "0.10".
func (c *Client) CreateUnits(ctx context.Context, factory [20]byte, arbiterReward string, taskRef []byte, contractor, token [20]byte) (View, error) {
	info, err := c.watcher.token(ctx, token)
	if err != nil {
		return View{}, err
	}
	amount, err := ParseUnits(arbiterReward, info.decimals)
	if err != nil {
		return View{}, err
	}
	return c.Create(ctx, factory, amount, taskRef, contractor, token)
}

func (c *Client) Respond(ctx context.Context, addr [20]byte, deadline int64, reward *big.Int) (View, error) {
	snapshot, err := c.actions.RespondToProposal(ctx, c.Caller(), addr, deadline, reward)
	if err != nil {
		return View{}, err
	}
	return c.confirmed(ctx, snapshot)
}

func (c *Client) RespondUnits(ctx context.Context, addr [20]byte, deadline int64, reward string) (View, error) {
	amount, err := c.parseFor(addr, reward)
	if err != nil {
		return View{}, err
	}
	return c.Respond(ctx, addr, deadline, amount)
}

// Approve lets the instance at addr pull amount of its token from the active
// identity.
func (c *Client) Approve(ctx context.Context, addr [20]byte, amount *big.Int) error {
	v, err := c.view(addr)
	if err != nil {
		return err
	}
	return c.actions.Approve(ctx, c.Caller(), v.Token, addr, amount)
}

// Prepay approves the full escrow for the instance and then funds it. Both
// steps are confirmed round trips; a failed funding call keeps the approval.
func (c *Client) Prepay(ctx context.Context, addr [20]byte) (View, error) {
	v, err := c.view(addr)
	if err != nil {
		return View{}, err
	}
	total := new(big.Int).Add(cloneInt(v.ContractorReward), cloneInt(v.ArbiterReward))
	if err := c.actions.Approve(ctx, c.Caller(), v.Token, addr, total); err != nil {
		return View{}, err
	}
	snapshot, err := c.actions.Prepay(ctx, c.Caller(), addr)
	if err != nil {
		return View{}, err
	}
	return c.confirmed(ctx, snapshot)
}

func (c *Client) Close(ctx context.Context, addr [20]byte) (View, error) {
	snapshot, err := c.actions.Close(ctx, c.Caller(), addr)
	if err != nil {
		return View{}, err
	}
	return c.confirmed(ctx, snapshot)
}

func (c *Client) Announce(ctx context.Context, addr [20]byte, solutionRef []byte) (View, error) {
	snapshot, err := c.actions.AnnounceCompleted(ctx, c.Caller(), addr, solutionRef)
	if err != nil {
		return View{}, err
	}
	return c.confirmed(ctx, snapshot)
}

func (c *Client) Dispute(ctx context.Context, addr [20]byte, contested *big.Int) (View, error) {
	snapshot, err := c.actions.StartDispute(ctx, c.Caller(), addr, contested)
	if err != nil {
		return View{}, err
	}
	return c.confirmed(ctx, snapshot)
}

func (c *Client) DisputeUnits(ctx context.Context, addr [20]byte, contested string) (View, error) {
	amount, err := c.parseFor(addr, contested)
	if err != nil {
		return View{}, err
	}
	return c.Dispute(ctx, addr, amount)
}

func (c *Client) Resolve(ctx context.Context, addr [20]byte, awarded *big.Int, evidenceRef []byte) (View, error) {
	snapshot, err := c.actions.ResolveDispute(ctx, c.Caller(), addr, awarded, evidenceRef)
	if err != nil {
		return View{}, err
	}
	return c.confirmed(ctx, snapshot)
}

func (c *Client) ResolveUnits(ctx context.Context, addr [20]byte, awarded string, evidenceRef []byte) (View, error) {
	amount, err := c.parseFor(addr, awarded)
	if err != nil {
		return View{}, err
	}
	return c.Resolve(ctx, addr, amount, evidenceRef)
}

func (c *Client) view(addr [20]byte) (View, error) {
	v, ok := c.watcher.Store().View(addr)
	if !ok || v.Unavailable {
		return View{}, fmt.Errorf("%w: %s", ErrUnknownView, crypto.FormatAddress(addr))
	}
	return v, nil
}

func (c *Client) parseFor(addr [20]byte, text string) (*big.Int, error) {
	v, err := c.view(addr)
	if err != nil {
		return nil, err
	}
	return ParseUnits(text, v.Decimals)
}

// confirmed folds the accepted call into the store and returns the projected
// view. If the sync fails the authoritative snapshot returned by the node is
// used instead; the store catches up on the next poll.
func (c *Client) confirmed(ctx context.Context, snapshot *ProposalState) (View, error) {
	if err := c.watcher.Sync(ctx); err != nil {
		c.logger.Warn("sync after call failed", "error", err)
	}
	if snapshot == nil {
		return View{}, errNilSnapshot
	}
	addr, err := crypto.ParseAddress(snapshot.Address)
	if err != nil {
		return View{}, fmt.Errorf("projection: snapshot address: %w", err)
	}
	if v, ok := c.watcher.Store().View(addr); ok && !v.Unavailable {
		return v, nil
	}
	var info tokenInfo
	if snapshot.Token != "" {
		tok, err := crypto.ParseAddress(snapshot.Token)
		if err != nil {
			return View{}, fmt.Errorf("projection: snapshot token: %w", err)
		}
		if info, err = c.watcher.token(ctx, tok); err != nil {
			return View{}, err
		}
	}
	return FromState(snapshot, info.decimals, info.symbol)
}
