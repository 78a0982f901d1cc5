package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"taskescrow/core/events"
	"taskescrow/core/state"
	"taskescrow/core/types"
	"taskescrow/crypto"
	nativecommon "taskescrow/native/common"
	"taskescrow/native/proposal"
	"taskescrow/native/token"
	"taskescrow/observability/metrics"
	"taskescrow/storage"
)

// Operation names used for quota accounting, metrics and logs.
const (
	OpDeployFactory    = "deploy_factory"
	OpRegisterTemplate = "register_template"
	OpCreate           = "create"
	OpRespond          = "respond"
	OpPrepay           = "prepay"
	OpClose            = "close"
	OpComplete         = "complete"
	OpDispute          = "dispute"
	OpResolve          = "resolve"
	OpApprove          = "approve"
	OpTransfer         = "transfer"
	OpGenesis          = "genesis"
)

var errNilRuntime = errors.New("runtime: not initialised")

// Options configures a Runtime. The zero value discards logs and uses the wall
// clock with nothing paused or metered.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.EscrowMetrics
	Pauses  *nativecommon.Pauses
	Quota   nativecommon.Quota
	Now     func() int64
}

// Tx exposes the engines of one staged call. Everything written through it is
// committed together with the call's journal records or not at all.
type Tx struct {
	Proposals *proposal.Engine
	Tokens    *token.Ledger
	State     *state.Manager
	Now       int64
}

// Runtime is the single writer over the node database. Calls are serialised,
// staged on an overlay, and committed in one batch with their events.
type Runtime struct {
	mu      sync.Mutex
	root    *state.Manager
	journal *events.Journal
	pauses  *nativecommon.Pauses
	quota   nativecommon.Quota
	nowFn   func() int64
	logger  *slog.Logger
	metrics *metrics.EscrowMetrics
}

// NewRuntime opens the journal stored in db and returns a runtime over it.
func NewRuntime(db storage.Database, opts Options) (*Runtime, error) {
	if db == nil {
		return nil, fmt.Errorf("runtime: database required")
	}
	journal, err := events.OpenJournal(db)
	if err != nil {
		return nil, err
	}
	r := &Runtime{
		root:    state.NewManager(db),
		journal: journal,
		pauses:  opts.Pauses,
		quota:   opts.Quota,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if r.pauses == nil {
		r.pauses = nativecommon.NewPauses()
	}
	if r.logger == nil {
		r.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r.logger = r.logger.With(slog.String("component", "runtime"))
	r.SetNowFunc(opts.Now)
	return r, nil
}

// SetNowFunc overrides the clock used to timestamp calls. Passing nil restores
// the wall clock.
func (r *Runtime) SetNowFunc(now func() int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

// Journal returns the committed event history.
func (r *Runtime) Journal() *events.Journal { return r.journal }

// Pauses returns the module pause set consulted by every mutation.
func (r *Runtime) Pauses() *nativecommon.Pauses { return r.pauses }

func (r *Runtime) newTx(manager *state.Manager, now int64, emitter events.Emitter) *Tx {
	clock := func() int64 { return now }
	ledger := token.NewLedger()
	ledger.SetState(manager)
	ledger.SetEmitter(emitter)

	engine := proposal.NewEngine()
	engine.SetState(manager)
	engine.SetLedger(ledger)
	engine.SetPauses(r.pauses)
	engine.SetNowFunc(clock)
	engine.SetEmitter(emitter)
	return &Tx{Proposals: engine, Tokens: ledger, State: manager, Now: now}
}

// Execute runs fn against a staged copy of the state. When fn succeeds the
// writes and the journal records of every emitted event are committed in one
// batch and then published; otherwise nothing is kept.
func (r *Runtime) Execute(ctx context.Context, op string, caller [20]byte, fn func(*Tx) error) ([]types.EventRecord, error) {
	if r == nil || r.root == nil {
		return nil, errNilRuntime
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	staged := r.root.Begin()
	buf := &events.Buffer{}
	tx := r.newTx(staged, now, buf)

	records, err := r.run(staged, tx, op, caller, buf, fn)
	if err != nil {
		staged.Discard()
		outcome := Classify(err)
		r.metrics.ObserveCall(op, outcome)
		r.logger.Debug("call rejected",
			slog.String("operation", op),
			slog.String("caller", crypto.FormatAddress(caller)),
			slog.String("outcome", outcome),
			slog.Any("error", err))
		return nil, err
	}
	r.journal.Publish(records)
	r.metrics.ObserveCall(op, "ok")
	r.metrics.ObservePublished(len(records))
	r.logger.Info("call committed",
		slog.String("operation", op),
		slog.String("caller", crypto.FormatAddress(caller)),
		slog.Int("events", len(records)),
		slog.Int64("head", r.journal.Head()))
	return records, nil
}

func (r *Runtime) run(staged *state.Manager, tx *Tx, op string, caller [20]byte, buf *events.Buffer, fn func(*Tx) error) ([]types.EventRecord, error) {
	if err := r.chargeQuota(staged, op, caller, tx.Now); err != nil {
		return nil, err
	}
	if err := fn(tx); err != nil {
		return nil, err
	}
	emitted := buf.Events()
	deltas, err := escrowDeltas(staged, emitted)
	if err != nil {
		return nil, err
	}
	records, err := r.journal.Stage(staged.Database(), tx.Now, emitted)
	if err != nil {
		return nil, err
	}
	if err := staged.Commit(); err != nil {
		return nil, fmt.Errorf("runtime: commit %s: %w", op, err)
	}
	for tok, delta := range deltas {
		r.metrics.AddEscrowed(tok, delta)
	}
	return records, nil
}

func (r *Runtime) chargeQuota(staged *state.Manager, op string, caller [20]byte, now int64) error {
	if !r.quota.Enabled() || caller == ([20]byte{}) || op == OpGenesis {
		return nil
	}
	prev, err := staged.QuotaGet(proposal.ModuleName, caller)
	if err != nil {
		return err
	}
	var creates uint32
	if op == OpCreate {
		creates = 1
	}
	next, err := nativecommon.CheckQuota(r.quota, r.quota.Epoch(now), prev, 1, creates)
	if err != nil {
		return err
	}
	return staged.QuotaPut(proposal.ModuleName, caller, next)
}

// escrowDeltas nets the token transfers into and out of escrow instances.
func escrowDeltas(staged *state.Manager, emitted []events.Event) (map[string]*big.Int, error) {
	deltas := make(map[string]*big.Int)
	for _, evt := range emitted {
		transfer, ok := evt.(events.TokenTransfer)
		if !ok || transfer.Amount == nil {
			continue
		}
		label := crypto.FormatAddress(transfer.Token)
		for _, leg := range []struct {
			addr [20]byte
			sign int64
		}{{transfer.To, 1}, {transfer.From, -1}} {
			_, isInstance, err := staged.ProposalGet(leg.addr)
			if err != nil {
				return nil, err
			}
			if !isInstance {
				continue
			}
			if deltas[label] == nil {
				deltas[label] = new(big.Int)
			}
			deltas[label].Add(deltas[label], new(big.Int).Mul(transfer.Amount, big.NewInt(leg.sign)))
		}
	}
	return deltas, nil
}

// View runs fn against a throwaway staged copy of the committed state. Writes
// made by fn are always discarded.
func (r *Runtime) View(fn func(*Tx) error) error {
	if r == nil || r.root == nil {
		return errNilRuntime
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	staged := r.root.Begin()
	defer staged.Discard()
	return fn(r.newTx(staged, r.nowFn(), events.NoopEmitter{}))
}
