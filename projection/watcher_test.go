package projection

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"taskescrow/native/proposal"
)

// flakySource fails snapshot loads for selected instances.
type flakySource struct {
	Source
	mu      sync.Mutex
	failing map[[20]byte]bool
	loads   map[[20]byte]int
}

func newFlakySource(inner Source) *flakySource {
	return &flakySource{Source: inner, failing: make(map[[20]byte]bool), loads: make(map[[20]byte]int)}
}

func (s *flakySource) Proposal(ctx context.Context, addr [20]byte) (*ProposalState, error) {
	s.mu.Lock()
	s.loads[addr]++
	fail := s.failing[addr]
	s.mu.Unlock()
	if fail {
		return nil, errors.New("snapshot unavailable")
	}
	return s.Source.Proposal(ctx, addr)
}

func (s *flakySource) setFailing(addr [20]byte, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing[addr] = fail
}

func (s *flakySource) loadCount(addr [20]byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads[addr]
}

type recordingPersister struct {
	mu     sync.Mutex
	saved  map[[20]byte]View
	cursor int64
}

func (p *recordingPersister) SaveViews(_ context.Context, views []View, cursor int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saved == nil {
		p.saved = make(map[[20]byte]View)
	}
	for _, v := range views {
		p.saved[v.Address] = v
	}
	p.cursor = cursor
	return nil
}

func TestWatcherSyncHydratesAndFolds(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	first := n.create()
	second := n.create()
	require.NoError(t, n.rt.RespondToProposal(ctx, contractor, second, n.now+10*day, big.NewInt(50)))

	store := NewStore()
	persist := &recordingPersister{}
	watcher := NewWatcher(n.source(), store, WatcherOptions{BatchSize: 2, Persist: persist})
	require.NoError(t, watcher.Sync(ctx))

	head := n.rt.Journal().Head()
	require.Equal(t, head, store.Cursor())
	v, ok := store.View(second)
	require.True(t, ok)
	require.Equal(t, proposal.StateProposed, v.State)
	require.Equal(t, "50", v.ContractorReward.String())
	require.Equal(t, uint8(2), v.Decimals)
	require.Equal(t, "TT", v.Symbol)
	v, ok = store.View(first)
	require.True(t, ok)
	require.Equal(t, proposal.StateInit, v.State)

	require.Equal(t, head, persist.cursor)
	require.Contains(t, persist.saved, first)
	require.Contains(t, persist.saved, second)

	// Later records fold into the hydrated views without another snapshot.
	require.NoError(t, n.rt.Approve(ctx, customer, taskToken, second, big.NewInt(60)))
	require.NoError(t, n.rt.Prepay(ctx, customer, second))
	require.NoError(t, watcher.Sync(ctx))
	v, _ = store.View(second)
	require.Equal(t, proposal.StatePrepaid, v.State)
	require.Equal(t, "60", v.Escrowed().String())
	require.Equal(t, n.rt.Journal().Head(), store.Cursor())
}

func TestWatcherIsolatesUnavailableInstance(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	healthy := n.create()
	broken := n.create()

	source := newFlakySource(n.source())
	source.setFailing(broken, true)
	store := NewStore()
	watcher := NewWatcher(source, store, WatcherOptions{})
	require.NoError(t, watcher.Sync(ctx))

	views := store.List()
	require.Len(t, views, 1)
	require.Equal(t, healthy, views[0].Address)
	unavailable := store.Unavailable()
	require.Len(t, unavailable, 1)
	require.Equal(t, broken, unavailable[0].Address)
	require.Contains(t, unavailable[0].UnavailableReason, "snapshot unavailable")
	require.Equal(t, n.rt.Journal().Head(), store.Cursor())

	// The next record touching the instance retries the load.
	source.setFailing(broken, false)
	require.NoError(t, n.rt.RespondToProposal(ctx, contractor, broken, n.now+10*day, big.NewInt(50)))
	require.NoError(t, watcher.Sync(ctx))
	require.Empty(t, store.Unavailable())
	v, ok := store.View(broken)
	require.True(t, ok)
	require.Equal(t, proposal.StateProposed, v.State)
	require.Equal(t, 2, source.loadCount(broken))
	require.Equal(t, 1, source.loadCount(healthy))
}

func TestWatcherResumesFromRestoredCursor(t *testing.T) {
	n := newTestNode(t)
	ctx := context.Background()
	addr := n.create()

	first := NewStore()
	require.NoError(t, NewWatcher(n.source(), first, WatcherOptions{}).Sync(ctx))
	require.NoError(t, n.rt.RespondToProposal(ctx, contractor, addr, n.now+10*day, big.NewInt(50)))

	v, _ := first.View(addr)
	resumed := NewStore()
	resumed.Restore([]View{v}, first.Cursor())
	source := newFlakySource(n.source())
	require.NoError(t, NewWatcher(source, resumed, WatcherOptions{}).Sync(ctx))

	got, ok := resumed.View(addr)
	require.True(t, ok)
	require.Equal(t, proposal.StateProposed, got.State)
	require.Zero(t, source.loadCount(addr))
}
