package projection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"taskescrow/core/types"
	"taskescrow/crypto"
	"taskescrow/observability/metrics"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 100
	hydrateParallelism  = 8
)

// Persister stores projected views together with the cursor they reflect.
type Persister interface {
	SaveViews(ctx context.Context, views []View, cursor int64) error
}

// WatcherOptions tunes a Watcher. Zero values select defaults.
type WatcherOptions struct {
	PollInterval time.Duration
	BatchSize    int
	Persist      Persister
	Stream       *StreamSource
	Logger       *slog.Logger
	Metrics      *metrics.ProjectionMetrics
}

type tokenInfo struct {
	decimals uint8
	symbol   string
}

// Watcher merges the node journal into a Store. Instances seen for the first
// time are hydrated from an authoritative snapshot before their records are
// folded.
type Watcher struct {
	source       Source
	store        *Store
	persist      Persister
	stream       *StreamSource
	pollInterval time.Duration
	batchSize    int
	logger       *slog.Logger
	metrics      *metrics.ProjectionMetrics

	// mu serialises ingestion from the poll loop, the stream and Sync callers.
	mu sync.Mutex

	tokenMu sync.Mutex
	tokens  map[[20]byte]tokenInfo
}

// NewWatcher constructs a watcher over source feeding store.
func NewWatcher(source Source, store *Store, opts WatcherOptions) *Watcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	w := &Watcher{
		source:       source,
		store:        store,
		persist:      opts.Persist,
		stream:       opts.Stream,
		pollInterval: opts.PollInterval,
		batchSize:    opts.BatchSize,
		logger:       logger.With("component", "watcher"),
		metrics:      opts.Metrics,
		tokens:       make(map[[20]byte]tokenInfo),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = defaultPollInterval
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if store != nil {
		store.SetMetrics(opts.Metrics)
	}
	return w
}

// Run polls until the context is cancelled. When a stream is configured it is
// followed alongside the poll loop; gaps in the stream fall back to Sync.
func (w *Watcher) Run(ctx context.Context) error {
	if w.source == nil || w.store == nil {
		return fmt.Errorf("projection: watcher not configured")
	}
	if err := w.Sync(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("initial sync failed", "error", err)
	}
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		ticker := time.NewTicker(w.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := w.Sync(gctx); err != nil && gctx.Err() == nil {
					w.logger.Warn("sync failed", "error", err)
				}
			}
		}
	})
	if w.stream != nil {
		group.Go(func() error {
			w.follow(gctx)
			return nil
		})
	}
	return group.Wait()
}

func (w *Watcher) follow(ctx context.Context) {
	for ctx.Err() == nil {
		err := w.stream.Follow(ctx, w.store.Cursor(), func(record types.EventRecord) error {
			return w.onStreamRecord(ctx, record)
		})
		if err != nil && ctx.Err() == nil {
			w.logger.Warn("event stream interrupted", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.pollInterval):
		}
	}
}

func (w *Watcher) onStreamRecord(ctx context.Context, record types.EventRecord) error {
	cursor := w.store.Cursor()
	switch {
	case record.Sequence <= cursor:
		return nil
	case record.Sequence == cursor+1:
		w.mu.Lock()
		defer w.mu.Unlock()
		// The poll loop may have advanced the cursor while we waited.
		if record.Sequence != w.store.Cursor()+1 {
			return nil
		}
		return w.ingest(ctx, []types.EventRecord{record}, record.Sequence)
	default:
		return w.Sync(ctx)
	}
}

// Sync pages through every journal record after the store cursor and folds
// them in. It returns once the node reports no further records.
func (w *Watcher) Sync(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		cursor := w.store.Cursor()
		page, err := w.source.FetchEvents(ctx, cursor, w.batchSize)
		if err != nil {
			return fmt.Errorf("projection: fetch events: %w", err)
		}
		if page == nil || len(page.Events) == 0 {
			head := cursor
			if page != nil && page.Head > head {
				head = page.Head
			}
			w.metrics.SetLag(head, cursor)
			return nil
		}
		if err := w.ingest(ctx, page.Events, page.Head); err != nil {
			return err
		}
		if len(page.Events) < w.batchSize {
			return nil
		}
	}
}

// ingest hydrates the instances a batch references, folds the batch and
// persists the result. Callers hold w.mu.
func (w *Watcher) ingest(ctx context.Context, records []types.EventRecord, head int64) error {
	hydrated, err := w.hydrate(ctx, records)
	if err != nil {
		return err
	}
	for _, v := range hydrated {
		w.store.Put(v)
	}
	changed := w.store.ApplyBatch(records)
	cursor := w.store.Cursor()
	if head < cursor {
		head = cursor
	}
	w.metrics.SetLag(head, cursor)
	if w.persist == nil {
		return nil
	}
	touched := make(map[[20]byte]struct{}, len(changed))
	out := make([]View, 0, len(hydrated)+len(changed))
	for _, v := range changed {
		touched[v.Address] = struct{}{}
		out = append(out, v)
	}
	for _, v := range hydrated {
		if _, ok := touched[v.Address]; !ok {
			out = append(out, v)
		}
	}
	if err := w.persist.SaveViews(ctx, out, cursor); err != nil {
		return fmt.Errorf("projection: persist views: %w", err)
	}
	return nil
}

// hydrate loads a snapshot for every instance the batch references that the
// store cannot fold into yet. Instances that fail to load come back marked
// unavailable; only cancellation aborts the batch.
func (w *Watcher) hydrate(ctx context.Context, records []types.EventRecord) ([]View, error) {
	lastSeq := make(map[[20]byte]int64)
	var pending [][20]byte
	for _, record := range records {
		addr, ok := EventAddress(record)
		if !ok {
			continue
		}
		if _, seen := lastSeq[addr]; !seen {
			if !w.store.Needs(addr) {
				continue
			}
			pending = append(pending, addr)
		}
		lastSeq[addr] = record.Sequence
	}
	if len(pending) == 0 {
		return nil, nil
	}
	out := make([]View, len(pending))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(hydrateParallelism)
	for i, addr := range pending {
		i, addr := i, addr
		group.Go(func() error {
			v, err := w.load(gctx, addr)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Warn("instance unavailable", "address", crypto.FormatAddress(addr), "error", err)
				v = View{Address: addr, Unavailable: true, UnavailableReason: err.Error()}
			}
			v.LastSeq = lastSeq[addr]
			out[i] = v
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (w *Watcher) load(ctx context.Context, addr [20]byte) (View, error) {
	snapshot, err := w.source.Proposal(ctx, addr)
	if err != nil {
		return View{}, err
	}
	if snapshot == nil {
		return View{}, errNilSnapshot
	}
	var info tokenInfo
	if snapshot.Token != "" {
		tok, err := crypto.ParseAddress(snapshot.Token)
		if err != nil {
			return View{}, fmt.Errorf("projection: snapshot token: %w", err)
		}
		if info, err = w.token(ctx, tok); err != nil {
			return View{}, err
		}
	}
	v, err := FromState(snapshot, info.decimals, info.symbol)
	if err != nil {
		return View{}, err
	}
	if v.Address != addr {
		return View{}, fmt.Errorf("projection: snapshot for %s returned %s", crypto.FormatAddress(addr), snapshot.Address)
	}
	return v, nil
}

// token returns cached token metadata, fetching it on first use.
func (w *Watcher) token(ctx context.Context, addr [20]byte) (tokenInfo, error) {
	w.tokenMu.Lock()
	info, ok := w.tokens[addr]
	w.tokenMu.Unlock()
	if ok {
		return info, nil
	}
	state, err := w.source.Token(ctx, addr)
	if err != nil {
		return tokenInfo{}, fmt.Errorf("projection: token %s: %w", crypto.FormatAddress(addr), err)
	}
	if state == nil {
		return tokenInfo{}, errors.New("projection: empty token metadata")
	}
	info = tokenInfo{decimals: state.Decimals, symbol: state.Symbol}
	w.tokenMu.Lock()
	w.tokens[addr] = info
	w.tokenMu.Unlock()
	return info, nil
}

// Store returns the store the watcher feeds.
func (w *Watcher) Store() *Store {
	return w.store
}
