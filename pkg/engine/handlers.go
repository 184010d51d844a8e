package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// replyHandler applies a successful result to engine state and returns
// the value handed to the caller. A returned error is a protocol violation.
type replyHandler func(req *Request, result json.RawMessage) (any, error)

func (e *Engine) replyHandlers() map[Kind]replyHandler {
	return map[Kind]replyHandler{
		KindClientVersion:      e.onClientVersion,
		KindNetVersion:         e.onNetVersion,
		KindPeerCount:          e.onPeerCount,
		KindSyncing:            e.onSyncing,
		KindBlockNumber:        e.onBlockNumber,
		KindAccounts:           decodeAs[[]common.Address],
		KindBalance:            decodeBig,
		KindTransactionCount:   decodeUint64,
		KindGasPrice:           decodeBig,
		KindEstimateGas:        decodeUint64,
		KindCall:               decodeBytes,
		KindNewAccount:         decodeAs[common.Address],
		KindDeleteAccount:      decodeAs[bool],
		KindUnlockAccount:      decodeAs[bool],
		KindSendTransaction:    e.onTransactionHash,
		KindSignTransaction:    decodeNullable[SignedTransaction],
		KindSendRawTransaction: e.onTransactionHash,
		KindNewBlockFilter:     e.onNewBlockFilter,
		KindNewEventFilter:     e.onNewEventFilter,
		KindFilterChanges:      e.onFilterChanges,
		KindUninstallFilter:    e.onUninstallFilter,
		KindLogs:               e.onLogs,
		KindBlockByHash:        e.onBlock,
		KindBlockByNumber:      e.onBlock,
		KindTransactionByHash:  decodeNullable[Transaction],
		KindTransactionReceipt: decodeNullable[types.Receipt],
	}
}

func decodeAs[T any](_ *Request, result json.RawMessage) (any, error) {
	var v T
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeNullable returns a *T, nil when the node answered null.
func decodeNullable[T any](_ *Request, result json.RawMessage) (any, error) {
	if isNull(result) {
		return (*T)(nil), nil
	}
	v := new(T)
	if err := json.Unmarshal(result, v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeUint64(_ *Request, result json.RawMessage) (any, error) {
	var v hexutil.Uint64
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, err
	}
	return uint64(v), nil
}

func decodeBig(_ *Request, result json.RawMessage) (any, error) {
	var v hexutil.Big
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, err
	}
	return (*big.Int)(&v), nil
}

func decodeBytes(_ *Request, result json.RawMessage) (any, error) {
	var v hexutil.Bytes
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (e *Engine) onClientVersion(_ *Request, result json.RawMessage) (any, error) {
	var v string
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, err
	}
	e.clientVersion = v
	e.lg.Info("node client", "version", v)

	if belowMinimum(v, e.cfg.MinClientVersion) {
		e.lg.Warn("node client is older than supported", "version", v, "minimum", e.cfg.MinClientVersion)
		e.publish(VersionWarning{ClientVersion: v, Minimum: e.cfg.MinClientVersion})
	}
	return v, nil
}

// onNetVersion completes the init sequence.
func (e *Engine) onNetVersion(_ *Request, result json.RawMessage) (any, error) {
	var v string
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, err
	}
	e.networkID = v

	if !e.ready && e.state.Up() {
		e.ready = true
		e.startPolling()
		e.lg.Info("node ready", "network", v, "client", e.clientVersion)
		e.publish(Ready{ClientVersion: e.clientVersion, NetworkID: v})
	}
	return v, nil
}

func (e *Engine) onPeerCount(req *Request, result json.RawMessage) (any, error) {
	v, err := decodeUint64(req, result)
	if err != nil {
		return nil, err
	}
	peers := v.(uint64)
	e.metrics.Peers.Set(float64(peers))
	if peers != e.peers {
		e.peers = peers
		e.publish(PeerCountChanged{Peers: peers})
	}
	return peers, nil
}

func (e *Engine) onBlockNumber(req *Request, result json.RawMessage) (any, error) {
	v, err := decodeUint64(req, result)
	if err != nil {
		return nil, err
	}
	number := v.(uint64)
	e.metrics.CurrentBlock.Set(float64(number))
	if number != e.blockNumber {
		e.blockNumber = number
		e.publish(BlockNumberChanged{Number: number})
	}
	return number, nil
}

// decodeSyncStatus accepts false or a progress object.
func decodeSyncStatus(result json.RawMessage) (SyncStatus, error) {
	var flag bool
	if err := json.Unmarshal(result, &flag); err == nil {
		if flag {
			return SyncStatus{}, fmt.Errorf("eth_syncing returned true without progress")
		}
		return SyncStatus{}, nil
	}

	var progress struct {
		StartingBlock hexutil.Uint64 `json:"startingBlock"`
		CurrentBlock  hexutil.Uint64 `json:"currentBlock"`
		HighestBlock  hexutil.Uint64 `json:"highestBlock"`
	}
	if err := json.Unmarshal(result, &progress); err != nil {
		return SyncStatus{}, err
	}
	return SyncStatus{
		StartingBlock: uint64(progress.StartingBlock),
		CurrentBlock:  uint64(progress.CurrentBlock),
		HighestBlock:  uint64(progress.HighestBlock),
		Syncing:       progress.CurrentBlock < progress.HighestBlock,
	}, nil
}

// onSyncing moves between Connected and Syncing. The block filter does not
// survive entering Syncing and is reinstalled on leaving it.
func (e *Engine) onSyncing(_ *Request, result json.RawMessage) (any, error) {
	status, err := decodeSyncStatus(result)
	if err != nil {
		return nil, err
	}

	if status != e.sync {
		e.sync = status
		e.publish(SyncProgress{Status: status})
	}
	if status.Syncing {
		e.metrics.CurrentBlock.Set(float64(status.CurrentBlock))
		e.metrics.HighestBlock.Set(float64(status.HighestBlock))
	}

	switch {
	case status.Syncing && e.state == StateConnected:
		e.setState(StateSyncing)
		if e.blockFilterID != "" {
			e.uninstallBlockFilter()
		}
	case !status.Syncing && e.state == StateSyncing:
		e.setState(StateConnected)
		if e.cfg.Features.BlockFilter && e.blockFilterID == "" && !e.blockFilterPending {
			e.installBlockFilter()
		}
	}
	return status, nil
}

func (e *Engine) onTransactionHash(_ *Request, result json.RawMessage) (any, error) {
	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return nil, err
	}
	e.publish(TransactionSubmitted{Hash: hash})
	return hash, nil
}

func (e *Engine) onNewBlockFilter(_ *Request, result json.RawMessage) (any, error) {
	var id string
	if err := json.Unmarshal(result, &id); err != nil {
		return nil, err
	}
	e.blockFilterPending = false

	if e.state == StateSyncing {
		// Sync started while the filter was being created.
		e.blockFilterID = id
		e.uninstallBlockFilter()
		return id, nil
	}
	e.blockFilterID = id
	return id, nil
}

func (e *Engine) onNewEventFilter(req *Request, result json.RawMessage) (any, error) {
	var id string
	if err := json.Unmarshal(result, &id); err != nil {
		return nil, err
	}
	delete(e.pendingFilters, req.filterKey)
	e.filters[req.filterKey] = id
	e.metrics.InstalledFilter.Set(float64(len(e.filters)))
	e.publish(FilterInstalled{FilterKey: req.filterKey, ID: id})
	return id, nil
}

// onFilterChanges fans block hashes out into block fetches and forwards
// logs tagged with the filter key.
func (e *Engine) onFilterChanges(req *Request, result json.RawMessage) (any, error) {
	if req.blockFilter {
		var hashes []common.Hash
		if err := json.Unmarshal(result, &hashes); err != nil {
			return nil, err
		}
		for _, hash := range hashes {
			fetch := newInternal(KindBlockByHash, hash, true)
			fetch.newBlock = true
			e.enqueue(fetch)
		}
		return hashes, nil
	}

	var logs []json.RawMessage
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, err
	}
	if len(logs) > 0 {
		e.publish(NewEvents{FilterKey: req.filterKey, Logs: logs})
	}
	return logs, nil
}

func (e *Engine) onUninstallFilter(req *Request, result json.RawMessage) (any, error) {
	var removed bool
	if err := json.Unmarshal(result, &removed); err != nil {
		return nil, err
	}
	if req.filterKey != "" {
		e.publish(FilterUninstalled{FilterKey: req.filterKey})
	}
	return removed, nil
}

func (e *Engine) onLogs(req *Request, result json.RawMessage) (any, error) {
	var logs []json.RawMessage
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, err
	}
	e.publish(NewEvents{FilterKey: req.filterKey, Logs: logs, Historical: true})
	return logs, nil
}

func (e *Engine) onBlock(req *Request, result json.RawMessage) (any, error) {
	if isNull(result) {
		return (*Block)(nil), nil
	}
	block := &Block{}
	if err := json.Unmarshal(result, block); err != nil {
		return nil, err
	}
	block.Raw = append(json.RawMessage(nil), result...)

	if req.newBlock {
		number := uint64(block.Number)
		if number > e.blockNumber {
			e.blockNumber = number
			e.metrics.CurrentBlock.Set(float64(number))
		}
		e.publish(NewBlock{Block: block})
	}
	return block, nil
}
