package projection

import (
	"context"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskescrow/core"
	"taskescrow/core/types"
	"taskescrow/native/proposal"
	"taskescrow/native/token"
	"taskescrow/rpc"
	"taskescrow/storage"
)

var (
	factoryOwner = [20]byte{0x0f}
	arbiter      = [20]byte{0x0a}
	customer     = [20]byte{0x01}
	contractor   = [20]byte{0x02}
	outsider     = [20]byte{0x03}
	taskToken    = [20]byte{0x77}
)

const (
	startTime = int64(1_700_000_000)
	day       = int64(24 * 60 * 60)
)

// testNode is an in-process escrowd: a runtime behind the rpc router.
type testNode struct {
	t       *testing.T
	rt      *core.Runtime
	now     int64
	factory [20]byte
	server  *httptest.Server
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()
	n := &testNode{t: t, now: startTime}
	rt, err := core.NewRuntime(storage.NewMemDB(), core.Options{Now: func() int64 { return n.now }})
	require.NoError(t, err)
	n.rt = rt
	ctx := context.Background()
	_, err = rt.Execute(ctx, core.OpGenesis, [20]byte{}, func(tx *core.Tx) error {
		if err := tx.Tokens.Register(&token.Metadata{Address: taskToken, Symbol: "TT", Name: "TaskToken", Decimals: 2}); err != nil {
			return err
		}
		return tx.Tokens.Mint(taskToken, customer, big.NewInt(100_000))
	})
	require.NoError(t, err)
	f, err := rt.DeployFactory(ctx, factoryOwner, arbiter)
	require.NoError(t, err)
	_, err = rt.RegisterTemplate(ctx, factoryOwner, f.Address, proposal.DefaultTemplate())
	require.NoError(t, err)
	n.factory = f.Address

	srv, err := rpc.New(rpc.Config{Runtime: rt})
	require.NoError(t, err)
	n.server = httptest.NewServer(srv.Handler())
	t.Cleanup(n.server.Close)
	return n
}

func (n *testNode) source() *HTTPSource {
	return NewHTTPSource(n.server.URL, 5*time.Second)
}

func (n *testNode) advance(seconds int64) {
	n.now += seconds
}

// create opens an instance with an arbiter fee of 10 and returns its address.
func (n *testNode) create() [20]byte {
	n.t.Helper()
	p, err := n.rt.CreateProposal(context.Background(), customer, n.factory, big.NewInt(10), []byte{0x66, 0x01, 0x2a, 0x0a}, contractor, taskToken)
	require.NoError(n.t, err)
	return p.Address
}

// dispute drives an instance from Init into a dispute contesting 40 of a
// reward of 50.
func (n *testNode) dispute(addr [20]byte) {
	n.t.Helper()
	ctx := context.Background()
	require.NoError(n.t, n.rt.RespondToProposal(ctx, contractor, addr, n.now+10*day, big.NewInt(50)))
	require.NoError(n.t, n.rt.Approve(ctx, customer, taskToken, addr, big.NewInt(60)))
	require.NoError(n.t, n.rt.Prepay(ctx, customer, addr))
	n.advance(day)
	require.NoError(n.t, n.rt.AnnounceCompleted(ctx, contractor, addr, []byte{0xbe, 0xef}))
	require.NoError(n.t, n.rt.StartDispute(ctx, customer, addr, big.NewInt(40)))
}

func (n *testNode) records() []types.EventRecord {
	n.t.Helper()
	records, err := n.rt.Events(0, 0)
	require.NoError(n.t, err)
	return records
}

func instanceRecords(records []types.EventRecord, addr [20]byte) []types.EventRecord {
	var out []types.EventRecord
	for _, record := range records {
		if a, ok := EventAddress(record); ok && a == addr {
			out = append(out, record)
		}
	}
	return out
}
