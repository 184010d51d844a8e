package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erc7824/nodelink/pkg/engine"
	"github.com/erc7824/nodelink/pkg/rpc"
	"github.com/erc7824/nodelink/pkg/transport"
)

var (
	testAddr  = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenAddr = common.HexToAddress("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238")
)

func TestEngine_InitSequence(t *testing.T) {
	h := readyEngine(t, testConfig())

	assert.Equal(t, []string{
		"web3_clientVersion",
		"eth_blockNumber",
		"eth_newBlockFilter",
		"eth_syncing",
		"net_version",
	}, h.node.methods())

	st := h.status(t)
	assert.Equal(t, engine.StateConnected, st.State)
	assert.True(t, st.Ready)
	assert.True(t, st.Polling)
	assert.Equal(t, "0xb1", st.BlockFilterID)
	assert.Equal(t, "11155111", st.NetworkID)
	assert.Equal(t, uint64(16), st.BlockNumber)
	assert.Contains(t, st.ClientVersion, "Geth/v1.13.14")

	changes := notificationsOf[engine.StateChanged](h.rec)
	require.Len(t, changes, 2)
	assert.Equal(t, engine.StateChanged{From: engine.StateDisconnected, To: engine.StateConnecting}, changes[0])
	assert.Equal(t, engine.StateChanged{From: engine.StateConnecting, To: engine.StateConnected}, changes[1])
	assert.Len(t, notificationsOf[engine.Ready](h.rec), 1)
}

func TestEngine_InitSequenceWithoutBlockFilter(t *testing.T) {
	cfg := testConfig()
	cfg.Features.BlockFilter = false
	h := readyEngine(t, cfg)

	assert.NotContains(t, h.node.methods(), "eth_newBlockFilter")

	h.node.resetCalls()
	require.NoError(t, h.e.Refresh(context.Background()))
	h.waitIdle(t)
	assert.Equal(t, []string{"net_peerCount", "eth_syncing", "eth_blockNumber"}, h.node.methods())
}

// TestEngine_IDMismatchDropsQueue queues two calls, answers the first with
// a foreign id and expects the second never to reach the node.
func TestEngine_IDMismatchDropsQueue(t *testing.T) {
	h := readyEngine(t, testConfig())
	h.node.resetCalls()
	h.node.setHold(true)

	ctx := context.Background()
	first := engine.NewRequest(engine.KindBalance, testAddr, "latest")
	second := engine.NewRequest(engine.KindGasPrice)
	require.NoError(t, h.e.Submit(ctx, first))
	require.NoError(t, h.e.Submit(ctx, second))

	held := h.node.waitHeld(t, 1)
	h.node.releaseWith(t, okReply(held[0].ID+100, `"0x1"`), 1)

	for _, req := range []*engine.Request{first, second} {
		res := <-req.Done()
		require.Error(t, res.Err)
		assert.ErrorIs(t, res.Err, engine.ErrConnectionBail)
	}

	cerr := waitNotification[engine.ConnectionError](t, h.rec, nil)
	assert.ErrorIs(t, cerr.Err, rpc.ErrIDMismatch)
	var perr *rpc.ProtocolError
	require.ErrorAs(t, cerr.Err, &perr)
	assert.NotEmpty(t, perr.Raw)

	assert.Equal(t, []string{"eth_getBalance"}, h.node.methods())
	st := h.status(t)
	assert.Equal(t, engine.StateDisconnected, st.State)
	assert.False(t, st.Polling)
	assert.Zero(t, st.Queued)
	assert.False(t, st.InFlight)
}

func blockJSON(hash json.RawMessage, number string) string {
	return fmt.Sprintf(`{"hash":%s,"parentHash":"0x%064x","number":%q,"timestamp":"0x65","miner":"0x%040x","gasUsed":"0x0","transactions":[]}`,
		hash, 1, number, 2)
}

func TestEngine_BlockFilterHitFetchesEachBlock(t *testing.T) {
	h := readyEngine(t, testConfig())

	hashes := []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")}
	encoded, err := json.Marshal(hashes)
	require.NoError(t, err)
	h.node.on("eth_getFilterChanges", result(string(encoded)))
	h.node.on("eth_getBlockByHash", func(c wireCall) string {
		return okReply(c.ID, blockJSON(c.Params[0], "0x11"))
	})
	h.node.resetCalls()

	require.NoError(t, h.e.Refresh(context.Background()))
	require.Eventually(t, func() bool {
		return len(notificationsOf[engine.NewBlock](h.rec)) == 2
	}, 2*time.Second, 5*time.Millisecond)

	fetches := h.node.callsTo("eth_getBlockByHash")
	require.Len(t, fetches, 2)
	for i, c := range fetches {
		assert.Equal(t, hashes[i].Hex(), paramString(t, c.Params[0]))
		assert.JSONEq(t, "true", string(c.Params[1]))
	}
	assert.True(t, fetches[0].ID < fetches[1].ID)

	blocks := notificationsOf[engine.NewBlock](h.rec)
	assert.Equal(t, hashes[0], blocks[0].Block.Hash)
	assert.Equal(t, hashes[1], blocks[1].Block.Hash)
	assert.NotEmpty(t, blocks[1].Block.Raw)
	assert.True(t, containsInOrder(h.node.methods(), "eth_getFilterChanges", "eth_getBlockByHash", "eth_getBlockByHash"))

	h.waitIdle(t)
	assert.Equal(t, uint64(17), h.status(t).BlockNumber)
}

func TestEngine_SyncingUninstallsBlockFilter(t *testing.T) {
	h := readyEngine(t, testConfig())
	ctx := context.Background()

	h.node.on("eth_syncing", result(`{"startingBlock":"0x0","currentBlock":"0x10","highestBlock":"0x20"}`))
	h.node.resetCalls()
	require.NoError(t, h.e.Refresh(ctx))
	h.waitState(t, engine.StateSyncing)
	h.waitIdle(t)

	uninstalls := h.node.callsTo("eth_uninstallFilter")
	require.Len(t, uninstalls, 1)
	assert.Equal(t, "0xb1", paramString(t, uninstalls[0].Params[0]))
	assert.Empty(t, h.status(t).BlockFilterID)

	progress := waitNotification[engine.SyncProgress](t, h.rec, func(p engine.SyncProgress) bool { return p.Status.Syncing })
	assert.Equal(t, uint64(0x20), progress.Status.HighestBlock)
	assert.Equal(t, uint64(0x10), progress.Status.CurrentBlock)

	// While syncing the block number is polled instead of the filter.
	h.node.resetCalls()
	require.NoError(t, h.e.Refresh(ctx))
	h.waitIdle(t)
	assert.Equal(t, []string{"net_peerCount", "eth_syncing", "eth_blockNumber"}, h.node.methods())

	h.node.on("eth_syncing", result(`false`))
	h.node.resetCalls()
	require.NoError(t, h.e.Refresh(ctx))
	h.waitState(t, engine.StateConnected)
	h.waitIdle(t)
	assert.Contains(t, h.node.methods(), "eth_newBlockFilter")
	assert.Equal(t, "0xb1", h.status(t).BlockFilterID)
}

func TestEngine_NodeErrorIsSoft(t *testing.T) {
	h := readyEngine(t, testConfig())
	ctx := context.Background()
	h.node.on("personal_sendTransaction", func(c wireCall) string {
		return errReply(c.ID, -32603, "insufficient funds for gas * price + value")
	})

	_, err := h.e.SendTransaction(ctx, engine.TxArgs{From: testAddr, To: &tokenAddr}, "secret")
	require.Error(t, err)
	assert.NotErrorIs(t, err, engine.ErrConnectionBail)
	var nodeErr *rpc.NodeError
	require.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, -32603, nodeErr.Code)

	st := h.status(t)
	assert.Equal(t, engine.StateConnected, st.State)
	assert.True(t, st.Polling)
	assert.True(t, st.Ready)
	assert.Empty(t, notificationsOf[engine.ConnectionError](h.rec))

	price, err := h.e.GasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000_000), price)
}

func TestEngine_SingleFlightInArrivalOrder(t *testing.T) {
	h := readyEngine(t, testConfig())
	h.node.resetCalls()
	h.node.setHold(true)

	ctx := context.Background()
	reqs := make([]*engine.Request, 5)
	for i := range reqs {
		kind := engine.KindGasPrice
		if i%2 == 1 {
			kind = engine.KindBlockNumber
		}
		reqs[i] = engine.NewRequest(kind).WithIndex(i)
		require.NoError(t, h.e.Submit(ctx, reqs[i]))
	}

	var ids []uint64
	for range reqs {
		held := h.node.waitHeld(t, 1)
		time.Sleep(10 * time.Millisecond)
		require.Len(t, h.node.waitHeld(t, 1), 1, "only one request may be in flight")
		ids = append(ids, held[0].ID)
		h.node.release(t)
	}
	for i, req := range reqs {
		res := <-req.Done()
		require.NoError(t, res.Err, "request %d", i)
	}

	for i := 1; i < len(ids); i++ {
		assert.Less(t, ids[i-1], ids[i])
	}
	var indexes []int
	for _, r := range notificationsOf[engine.OperationResult](h.rec) {
		indexes = append(indexes, r.Index)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, indexes)
}

func TestEngine_ChunkedReply(t *testing.T) {
	h := readyEngine(t, testConfig())
	h.node.setHold(true)

	req := engine.NewRequest(engine.KindGasPrice)
	require.NoError(t, h.e.Submit(context.Background(), req))
	held := h.node.waitHeld(t, 1)
	h.node.releaseWith(t, okReply(held[0].ID, `"0x3b9aca00"`), 4)

	res := <-req.Done()
	require.NoError(t, res.Err)
	assert.Equal(t, big.NewInt(1_000_000_000), res.Value)
}

func TestEngine_BoundedConnectRetries(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectAttempts = 1
	node := newFakeNode("ipc:absent")
	node.setSilent(true)
	h := startEngine(t, cfg, node)

	require.NoError(t, h.e.Start(context.Background()))
	cerr := waitNotification[engine.ConnectionError](t, h.rec, nil)
	assert.ErrorIs(t, cerr.Err, engine.ErrConnectTimeout)

	time.Sleep(5 * cfg.ConnectTimeout)
	assert.Equal(t, 1, node.connectCount())
	assert.Len(t, notificationsOf[engine.ConnectionError](h.rec), 1)
	assert.Equal(t, engine.StateDisconnected, h.status(t).State)
}

type fakeProcess struct {
	mu     sync.Mutex
	node   *fakeNode
	starts int
	stops  int
}

func (p *fakeProcess) Start(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts++
	p.node.setSilent(false)
	return nil
}

func (p *fakeProcess) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakeProcess) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts, p.stops
}

func TestEngine_SpawnsManagedNode(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectAttempts = 2
	node := newFakeNode("ipc:managed")
	node.setSilent(true)
	proc := &fakeProcess{node: node}
	h := startEngine(t, cfg, node, engine.WithNode(proc, time.Second))

	require.NoError(t, h.e.Start(context.Background()))
	waitNotification[engine.Ready](t, h.rec, nil)
	assert.Equal(t, 3, node.connectCount())

	starts, stops := proc.counts()
	assert.Equal(t, 1, starts)
	assert.Zero(t, stops)

	require.NoError(t, h.e.Close(context.Background()))
	_, stops = proc.counts()
	assert.Equal(t, 1, stops)
}

func TestEngine_EventFilters(t *testing.T) {
	h := readyEngine(t, testConfig())
	ctx := context.Background()
	query := ethereum.FilterQuery{Addresses: []common.Address{tokenAddr}}

	id, err := h.e.RegisterEventFilter(ctx, "transfers", query)
	require.NoError(t, err)
	assert.Equal(t, "0xf1", id)
	waitNotification[engine.FilterInstalled](t, h.rec, func(f engine.FilterInstalled) bool { return f.FilterKey == "transfers" })

	_, err = h.e.RegisterEventFilter(ctx, "transfers", query)
	assert.ErrorIs(t, err, engine.ErrDuplicateFilter)
	_, err = h.e.RegisterEventFilter(ctx, "", query)
	assert.ErrorIs(t, err, engine.ErrEmptyFilterKey)
	assert.Len(t, h.node.callsTo("eth_newFilter"), 1)

	logJSON := fmt.Sprintf(`[{"address":%q,"topics":["0x%064x"],"data":"0x","blockNumber":"0x11","transactionHash":"0x%064x","transactionIndex":"0x0","blockHash":"0x%064x","logIndex":"0x0","removed":false}]`,
		tokenAddr.Hex(), 7, 8, 9)
	h.node.on("eth_getFilterChanges", func(c wireCall) string {
		if paramString(t, c.Params[0]) == "0xf1" {
			return okReply(c.ID, logJSON)
		}
		return okReply(c.ID, `[]`)
	})

	require.NoError(t, h.e.Refresh(ctx))
	ev := waitNotification[engine.NewEvents](t, h.rec, nil)
	assert.Equal(t, "transfers", ev.FilterKey)
	assert.False(t, ev.Historical)
	logs, err := engine.DecodeLogs(ev.Logs)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, tokenAddr, logs[0].Address)
	assert.Equal(t, uint64(0x11), logs[0].BlockNumber)
	h.waitIdle(t)

	removed, err := h.e.UninstallEventFilter(ctx, "transfers")
	require.NoError(t, err)
	assert.True(t, removed)

	// A second uninstall is a local no-op.
	removed, err = h.e.UninstallEventFilter(ctx, "transfers")
	require.NoError(t, err)
	assert.False(t, removed)

	assert.Len(t, notificationsOf[engine.FilterUninstalled](h.rec), 1)
	assert.Equal(t, engine.StateConnected, h.status(t).State)
	assert.Empty(t, h.status(t).Filters)
}

func TestEngine_LoadLogs(t *testing.T) {
	h := readyEngine(t, testConfig())
	h.node.on("eth_getLogs", result(`null`))

	from := big.NewInt(100)
	logs, err := h.e.LoadLogs(context.Background(), "history", ethereum.FilterQuery{FromBlock: from, Addresses: []common.Address{tokenAddr}})
	require.NoError(t, err)
	assert.Empty(t, logs)

	ev := waitNotification[engine.NewEvents](t, h.rec, nil)
	assert.True(t, ev.Historical)
	assert.Equal(t, "history", ev.FilterKey)

	calls := h.node.callsTo("eth_getLogs")
	require.Len(t, calls, 1)
	var arg map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Params[0], &arg))
	assert.Equal(t, "0x64", arg["fromBlock"])
	assert.Equal(t, "latest", arg["toBlock"])
}

func TestEngine_LoadLogsFromGenesis(t *testing.T) {
	h := readyEngine(t, testConfig())
	h.node.on("eth_getLogs", result(`[]`))

	_, err := h.e.LoadLogs(context.Background(), "all", ethereum.FilterQuery{Addresses: []common.Address{tokenAddr}})
	require.NoError(t, err)

	calls := h.node.callsTo("eth_getLogs")
	require.Len(t, calls, 1)
	var arg map[string]any
	require.NoError(t, json.Unmarshal(calls[0].Params[0], &arg))
	assert.Equal(t, "0x0", arg["fromBlock"])
	assert.Equal(t, "latest", arg["toBlock"])
}

func TestEngine_FilterFailuresAreRecovered(t *testing.T) {
	h := readyEngine(t, testConfig())
	ctx := context.Background()

	_, err := h.e.RegisterEventFilter(ctx, "transfers", ethereum.FilterQuery{})
	require.NoError(t, err)

	h.node.on("eth_getFilterChanges", func(c wireCall) string {
		return errReply(c.ID, -32000, "filter not found")
	})
	require.NoError(t, h.e.Refresh(ctx))
	lost := waitNotification[engine.FilterLost](t, h.rec, nil)
	assert.Equal(t, "transfers", lost.FilterKey)
	h.waitIdle(t)

	st := h.status(t)
	assert.Equal(t, engine.StateConnected, st.State)
	assert.Empty(t, st.BlockFilterID)
	assert.Empty(t, st.Filters)

	h.node.on("eth_getFilterChanges", result(`[]`))
	h.node.resetCalls()
	require.NoError(t, h.e.Refresh(ctx))
	h.waitIdle(t)
	assert.Contains(t, h.node.methods(), "eth_newBlockFilter")
	assert.Equal(t, "0xb1", h.status(t).BlockFilterID)
}

func TestEngine_Close(t *testing.T) {
	h := readyEngine(t, testConfig())
	ctx := context.Background()

	_, err := h.e.RegisterEventFilter(ctx, "b", ethereum.FilterQuery{})
	require.NoError(t, err)
	_, err = h.e.RegisterEventFilter(ctx, "a", ethereum.FilterQuery{})
	require.NoError(t, err)
	h.node.resetCalls()

	require.NoError(t, h.e.Close(ctx))
	<-h.e.Done()

	uninstalls := h.node.callsTo("eth_uninstallFilter")
	require.Len(t, uninstalls, 3)
	assert.Equal(t, "0xb1", paramString(t, uninstalls[0].Params[0]))
	assert.Equal(t, "0xf2", paramString(t, uninstalls[1].Params[0]))
	assert.Equal(t, "0xf1", paramString(t, uninstalls[2].Params[0]))

	changes := notificationsOf[engine.StateChanged](h.rec)
	require.GreaterOrEqual(t, len(changes), 2)
	assert.Equal(t, engine.StateClosing, changes[len(changes)-2].To)
	assert.Equal(t, engine.StateDisconnected, changes[len(changes)-1].To)

	_, err = h.e.GasPrice(ctx)
	assert.ErrorIs(t, err, engine.ErrStopped)
	assert.NoError(t, h.e.Close(ctx))
}

func TestEngine_CloseWaitsForRequestInFlight(t *testing.T) {
	h := readyEngine(t, testConfig())
	ctx := context.Background()
	h.node.resetCalls()
	h.node.setHold(true)

	balance := engine.NewRequest(engine.KindBalance, testAddr, "latest")
	require.NoError(t, h.e.Submit(ctx, balance))
	h.node.waitHeld(t, 1)

	closed := make(chan error, 1)
	go func() { closed <- h.e.Close(ctx) }()
	h.waitState(t, engine.StateClosing)

	_, err := h.e.GasPrice(ctx)
	assert.ErrorIs(t, err, engine.ErrClosing)
	assert.NotContains(t, h.node.methods(), "eth_uninstallFilter")

	h.node.release(t)
	res := <-balance.Done()
	require.NoError(t, res.Err)

	uninstall := h.node.release(t)
	assert.Equal(t, "eth_uninstallFilter", uninstall.Method)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("close did not finish")
	}
}

func TestEngine_CloseBeforeStart(t *testing.T) {
	h := startEngine(t, testConfig(), newFakeNode("ipc:idle"))
	require.NoError(t, h.e.Close(context.Background()))
	<-h.e.Done()
	assert.ErrorIs(t, h.e.Run(context.Background()), engine.ErrAlreadyRunning)
}

func TestEngine_ThinRouting(t *testing.T) {
	local := newFakeNode("ipc:local")
	remote := newFakeNode("ws:remote")
	remote.on("eth_getBalance", result(`"0x2"`))
	h := startEngine(t, testConfig(), local, engine.WithRemote(remote, nil))

	ctx := context.Background()
	require.NoError(t, h.e.Start(ctx))
	waitNotification[engine.Ready](t, h.rec, nil)
	h.waitIdle(t)

	assert.Contains(t, local.methods(), "eth_newBlockFilter")
	assert.NotContains(t, remote.methods(), "eth_newBlockFilter")

	balance, err := h.e.Balance(ctx, testAddr, nil)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2), balance)
	assert.Len(t, remote.callsTo("eth_getBalance"), 1)
	assert.Empty(t, local.callsTo("eth_getBalance"))

	local.on("personal_unlockAccount", result(`true`))
	ok, err := h.e.UnlockAccount(ctx, testAddr, "secret", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	unlocks := local.callsTo("personal_unlockAccount")
	require.Len(t, unlocks, 1)
	assert.JSONEq(t, "60", string(unlocks[0].Params[2]))
	assert.Empty(t, remote.callsTo("personal_unlockAccount"))

	local.on("eth_getLogs", result(`[]`))
	_, err = h.e.LoadLogs(ctx, "k", ethereum.FilterQuery{})
	require.NoError(t, err)
	assert.Len(t, local.callsTo("eth_getLogs"), 1)

	// With the remote gone everything falls back to local.
	remote.hangup()
	require.Eventually(t, func() bool {
		_, err := h.e.Balance(ctx, testAddr, nil)
		return err == nil && len(local.callsTo("eth_getBalance")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, engine.StateConnected, h.status(t).State)
}

func TestEngine_RemoteLogsFeature(t *testing.T) {
	cfg := testConfig()
	cfg.Features.RemoteLogs = true
	local := newFakeNode("ipc:local")
	remote := newFakeNode("ws:remote")
	remote.on("eth_getLogs", result(`[]`))
	h := startEngine(t, cfg, local, engine.WithRemote(remote, nil))

	ctx := context.Background()
	require.NoError(t, h.e.Start(ctx))
	waitNotification[engine.Ready](t, h.rec, nil)

	_, err := h.e.LoadLogs(ctx, "k", ethereum.FilterQuery{})
	require.NoError(t, err)
	assert.Len(t, remote.callsTo("eth_getLogs"), 1)
	assert.Empty(t, local.callsTo("eth_getLogs"))
}

func TestEngine_VersionWarning(t *testing.T) {
	cfg := testConfig()
	cfg.MinClientVersion = "1.14.0"
	h := readyEngine(t, cfg)

	w := waitNotification[engine.VersionWarning](t, h.rec, nil)
	assert.Equal(t, "1.14.0", w.Minimum)
	assert.Contains(t, w.ClientVersion, "v1.13.14")
	assert.True(t, h.status(t).Ready)
}

func TestEngine_NullResults(t *testing.T) {
	h := readyEngine(t, testConfig())
	ctx := context.Background()

	h.node.on("eth_accounts", result(`null`))
	accounts, err := h.e.Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, accounts)

	h.node.on("eth_getTransactionReceipt", result(`null`))
	receipt, err := h.e.TransactionReceipt(ctx, common.HexToHash("0x01"))
	require.NoError(t, err)
	assert.Nil(t, receipt)
	assert.Equal(t, engine.StateConnected, h.status(t).State)
}

func TestEngine_MissingResultIsHard(t *testing.T) {
	h := readyEngine(t, testConfig())
	h.node.on("eth_gasPrice", func(c wireCall) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d}`, c.ID)
	})

	_, err := h.e.GasPrice(context.Background())
	assert.ErrorIs(t, err, engine.ErrConnectionBail)
	assert.ErrorIs(t, err, engine.ErrMissingResult)
	h.waitState(t, engine.StateDisconnected)
}

func TestEngine_WrongPassword(t *testing.T) {
	h := readyEngine(t, testConfig())
	h.node.on("personal_unlockAccount", func(c wireCall) string {
		return errReply(c.ID, -32000, "could not decrypt key with given password")
	})

	_, err := h.e.UnlockAccount(context.Background(), testAddr, "wrong", 0)
	assert.ErrorIs(t, err, engine.ErrWrongPassword)
	var nodeErr *rpc.NodeError
	assert.ErrorAs(t, err, &nodeErr)
	assert.Equal(t, engine.StateConnected, h.status(t).State)
}

func TestEngine_RestartAfterDisconnect(t *testing.T) {
	h := readyEngine(t, testConfig())
	ctx := context.Background()

	h.node.hangup()
	cerr := waitNotification[engine.ConnectionError](t, h.rec, nil)
	assert.ErrorIs(t, cerr.Err, engine.ErrUnexpectedDisconnect)
	assert.ErrorIs(t, cerr.Err, engine.ErrConnectionBail)
	h.waitState(t, engine.StateDisconnected)

	_, err := h.e.GasPrice(ctx)
	assert.ErrorIs(t, err, engine.ErrNotConnected)

	require.NoError(t, h.e.Start(ctx))
	require.Eventually(t, func() bool {
		return len(notificationsOf[engine.Ready](h.rec)) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.node.connectCount())

	price, err := h.e.GasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_000_000_000), price)
}

func TestEngine_RequestTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	h := readyEngine(t, cfg)
	h.node.setHold(true)

	_, err := h.e.GasPrice(context.Background())
	assert.ErrorIs(t, err, engine.ErrRequestTimeout)
	assert.ErrorIs(t, err, engine.ErrConnectionBail)
}

func TestEngine_BusyTransitions(t *testing.T) {
	h := readyEngine(t, testConfig())
	ctx := context.Background()

	_, err := h.e.GasPrice(ctx)
	require.NoError(t, err)
	assert.Empty(t, notificationsOf[engine.BusyChanged](h.rec))

	h.node.setHold(true)
	h.node.on("personal_newAccount", result(`"0x00000000000000000000000000000000000000bb"`))
	req := engine.NewRequest(engine.KindNewAccount, "pw")
	require.NoError(t, h.e.Submit(ctx, req))
	waitNotification[engine.BusyChanged](t, h.rec, func(b engine.BusyChanged) bool { return b.Busy })

	h.node.release(t)
	res := <-req.Done()
	require.NoError(t, res.Err)
	assert.Equal(t, common.HexToAddress("0xbb"), res.Value)

	waitNotification[engine.BusyChanged](t, h.rec, func(b engine.BusyChanged) bool { return !b.Busy })
	assert.Len(t, notificationsOf[engine.BusyChanged](h.rec), 2)
}

func TestEngine_RejectsBeforeConnect(t *testing.T) {
	h := startEngine(t, testConfig(), newFakeNode("ipc:idle"))
	ctx := context.Background()

	_, err := h.e.GasPrice(ctx)
	assert.ErrorIs(t, err, engine.ErrNotConnected)

	_, err = h.e.Do(ctx, &engine.Request{Kind: engine.Kind(999)})
	assert.ErrorIs(t, err, engine.ErrUnknownKind)

	results := notificationsOf[engine.OperationResult](h.rec)
	require.Len(t, results, 2)
	assert.True(t, errors.Is(results[0].Err, engine.ErrNotConnected))
}

func TestEngine_RefreshAccount(t *testing.T) {
	h := readyEngine(t, testConfig())
	h.node.on("eth_getTransactionCount", result(`"0x7"`))

	state, err := h.e.RefreshAccount(context.Background(), testAddr)
	require.NoError(t, err)
	assert.Equal(t, testAddr, state.Address)
	assert.Equal(t, uint64(7), state.Nonce)
	assert.Equal(t, "1000000000000000000", state.Balance.String())

	nonces := h.node.callsTo("eth_getTransactionCount")
	require.Len(t, nonces, 1)
	assert.Equal(t, "pending", paramString(t, nonces[0].Params[1]))
}

func TestEngine_BlockByNumber(t *testing.T) {
	h := readyEngine(t, testConfig())
	h.node.on("eth_getBlockByNumber", func(c wireCall) string {
		return okReply(c.ID, blockJSON(json.RawMessage(fmt.Sprintf(`"0x%064x"`, 5)), "0x20"))
	})

	block, err := h.e.BlockByNumber(context.Background(), big.NewInt(32))
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, uint64(32), uint64(block.Number))
	assert.Empty(t, notificationsOf[engine.NewBlock](h.rec))

	calls := h.node.callsTo("eth_getBlockByNumber")
	require.Len(t, calls, 1)
	assert.Equal(t, "0x20", paramString(t, calls[0].Params[0]))
}

// requireHardBail checks the connection went down with cause and that
// nothing is left queued or in flight.
func requireHardBail(t *testing.T, h *harness, cause error, reqs ...*engine.Request) *engine.ConnectionError {
	t.Helper()
	for _, req := range reqs {
		res := <-req.Done()
		require.Error(t, res.Err)
		assert.ErrorIs(t, res.Err, engine.ErrConnectionBail)
		assert.ErrorIs(t, res.Err, cause)
	}

	cerr := waitNotification[engine.ConnectionError](t, h.rec, nil)
	assert.ErrorIs(t, cerr.Err, engine.ErrConnectionBail)
	assert.ErrorIs(t, cerr.Err, cause)

	h.waitState(t, engine.StateDisconnected)
	st := h.status(t)
	assert.Zero(t, st.Queued)
	assert.False(t, st.InFlight)
	assert.False(t, st.Polling)
	return &cerr
}

func TestEngine_UnparsableReplyIsHard(t *testing.T) {
	tests := []struct {
		name  string
		reply func(id uint64) string
	}{
		{
			name:  "malformed json",
			reply: func(id uint64) string { return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":}`, id) },
		},
		{
			name:  "not an object",
			reply: func(uint64) string { return `<html>502 Bad Gateway</html>` },
		},
		{
			name: "unbalanced brace in error message",
			reply: func(id uint64) string {
				return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"execution reverted: }"}}`, id)
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := readyEngine(t, testConfig())
			h.node.resetCalls()
			h.node.setHold(true)

			ctx := context.Background()
			first := engine.NewRequest(engine.KindGasPrice)
			second := engine.NewRequest(engine.KindBlockNumber)
			require.NoError(t, h.e.Submit(ctx, first))
			require.NoError(t, h.e.Submit(ctx, second))

			held := h.node.waitHeld(t, 1)
			h.node.releaseWith(t, tc.reply(held[0].ID), 1)

			cerr := requireHardBail(t, h, rpc.ErrMalformedReply, first, second)
			var perr *rpc.ProtocolError
			require.ErrorAs(t, cerr.Err, &perr)
			assert.NotEmpty(t, perr.Raw)
			assert.Equal(t, []string{"eth_gasPrice"}, h.node.methods())
		})
	}
}

func TestEngine_WriteFailureIsHard(t *testing.T) {
	tests := []struct {
		name      string
		breakNode func(n *fakeNode)
		cause     error
	}{
		{
			name:      "not writable",
			breakNode: func(n *fakeNode) { n.setUnwritable(true) },
			cause:     transport.ErrNotWritable,
		},
		{
			name:      "write error",
			breakNode: func(n *fakeNode) { n.setWriteErr(errors.New("broken pipe")) },
			cause:     engine.ErrWriteFailed,
		},
		{
			name:      "short write",
			breakNode: func(n *fakeNode) { n.setShortWrite(true) },
			cause:     transport.ErrShortWrite,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := readyEngine(t, testConfig())
			h.node.resetCalls()
			h.node.setHold(true)

			ctx := context.Background()
			first := engine.NewRequest(engine.KindGasPrice)
			second := engine.NewRequest(engine.KindBalance, testAddr, "latest")
			third := engine.NewRequest(engine.KindBlockNumber)
			for _, req := range []*engine.Request{first, second, third} {
				require.NoError(t, h.e.Submit(ctx, req))
			}

			h.node.waitHeld(t, 1)
			tc.breakNode(h.node)
			h.node.release(t)

			res := <-first.Done()
			require.NoError(t, res.Err)

			requireHardBail(t, h, tc.cause, second, third)
			assert.NotContains(t, h.node.methods(), "eth_blockNumber")
		})
	}
}

func TestEngine_UnsolicitedReplyIsHard(t *testing.T) {
	h := readyEngine(t, testConfig())
	ctx := context.Background()

	_, err := h.e.GasPrice(ctx)
	require.NoError(t, err)
	h.waitIdle(t)

	h.node.deliver(okReply(999, `"0x1"`))

	cerr := requireHardBail(t, h, rpc.ErrUnexpectedReply)
	var perr *rpc.ProtocolError
	require.ErrorAs(t, cerr.Err, &perr)
	assert.Contains(t, string(perr.Raw), `"id":999`)
}
