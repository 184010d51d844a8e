package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// call runs req and asserts its value. A nil value yields the zero T.
func call[T any](ctx context.Context, e *Engine, req *Request) (T, error) {
	var zero T
	v, err := e.Do(ctx, req)
	if err != nil {
		return zero, err
	}
	if v == nil {
		return zero, nil
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s: unexpected result type %T", req.Method, v)
	}
	return out, nil
}

// Accounts lists the node's local accounts. A node answering null yields
// an empty list.
func (e *Engine) Accounts(ctx context.Context) ([]common.Address, error) {
	return call[[]common.Address](ctx, e, NewRequest(KindAccounts))
}

// Balance returns the balance of addr at block, latest when block is nil.
func (e *Engine) Balance(ctx context.Context, addr common.Address, block *big.Int) (*big.Int, error) {
	return call[*big.Int](ctx, e, NewRequest(KindBalance, addr, blockNumArg(block)))
}

// Nonce returns the transaction count of addr at block.
func (e *Engine) Nonce(ctx context.Context, addr common.Address, block *big.Int) (uint64, error) {
	return call[uint64](ctx, e, NewRequest(KindTransactionCount, addr, blockNumArg(block)))
}

// RefreshAccount fetches balance and pending nonce. Both requests are
// queued before either is awaited, so they go out back to back.
func (e *Engine) RefreshAccount(ctx context.Context, addr common.Address) (AccountState, error) {
	balance := NewRequest(KindBalance, addr, "latest")
	nonce := NewRequest(KindTransactionCount, addr, "pending")
	if err := e.Submit(ctx, balance); err != nil {
		return AccountState{}, err
	}
	if err := e.Submit(ctx, nonce); err != nil {
		return AccountState{}, err
	}

	state := AccountState{Address: addr}
	for _, req := range []*Request{balance, nonce} {
		select {
		case res := <-req.Done():
			if res.Err != nil {
				return AccountState{}, res.Err
			}
			switch v := res.Value.(type) {
			case *big.Int:
				state.Balance = v
			case uint64:
				state.Nonce = v
			}
		case <-ctx.Done():
			return AccountState{}, ctx.Err()
		case <-e.done:
			return AccountState{}, ErrStopped
		}
	}
	return state, nil
}

func (e *Engine) GasPrice(ctx context.Context) (*big.Int, error) {
	return call[*big.Int](ctx, e, NewRequest(KindGasPrice))
}

func (e *Engine) EstimateGas(ctx context.Context, args CallArgs) (uint64, error) {
	return call[uint64](ctx, e, NewRequest(KindEstimateGas, args))
}

// Call executes a message call at block without creating a transaction.
func (e *Engine) Call(ctx context.Context, args CallArgs, block *big.Int) ([]byte, error) {
	return call[[]byte](ctx, e, NewRequest(KindCall, args, blockNumArg(block)))
}

// NewAccount creates a key in the node's keystore.
func (e *Engine) NewAccount(ctx context.Context, password string) (common.Address, error) {
	return call[common.Address](ctx, e, NewRequest(KindNewAccount, password))
}

func (e *Engine) DeleteAccount(ctx context.Context, addr common.Address, password string) (bool, error) {
	return call[bool](ctx, e, NewRequest(KindDeleteAccount, addr, password))
}

// UnlockAccount unlocks addr for d, rounded down to whole seconds. Zero
// keeps the node's default.
func (e *Engine) UnlockAccount(ctx context.Context, addr common.Address, password string, d time.Duration) (bool, error) {
	return call[bool](ctx, e, NewRequest(KindUnlockAccount, addr, password, uint64(d/time.Second)))
}

// SendTransaction has the node sign args with a keystore key and submit it.
func (e *Engine) SendTransaction(ctx context.Context, args TxArgs, password string) (common.Hash, error) {
	return call[common.Hash](ctx, e, NewRequest(KindSendTransaction, args, password))
}

func (e *Engine) SignTransaction(ctx context.Context, args TxArgs, password string) (*SignedTransaction, error) {
	return call[*SignedTransaction](ctx, e, NewRequest(KindSignTransaction, args, password))
}

// SendRawTransaction submits a signed transaction to the local node.
func (e *Engine) SendRawTransaction(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, err
	}
	return call[common.Hash](ctx, e, NewRequest(KindSendRawTransaction, hexutil.Bytes(raw)))
}

// NewEventFilterRequest builds the request installing a filter under key.
func NewEventFilterRequest(key string, q ethereum.FilterQuery) (*Request, error) {
	arg, err := filterArg(q)
	if err != nil {
		return nil, err
	}
	req := NewRequest(KindNewEventFilter, arg)
	req.filterKey = key
	return req, nil
}

// UninstallFilterRequest builds the request removing the filter under key.
func UninstallFilterRequest(key string) *Request {
	req := NewRequest(KindUninstallFilter)
	req.filterKey = key
	return req
}

// LogsRequest builds a historical log query whose results are tagged key.
func LogsRequest(key string, q ethereum.FilterQuery) (*Request, error) {
	arg, err := filterArg(q)
	if err != nil {
		return nil, err
	}
	req := NewRequest(KindLogs, arg)
	req.filterKey = key
	return req, nil
}

// RegisterEventFilter installs a log filter under key and returns the node
// filter id. Matching logs are then delivered as NewEvents on every tick.
func (e *Engine) RegisterEventFilter(ctx context.Context, key string, q ethereum.FilterQuery) (string, error) {
	req, err := NewEventFilterRequest(key, q)
	if err != nil {
		return "", err
	}
	return call[string](ctx, e, req)
}

// UninstallEventFilter removes the filter under key. Removing a key that is
// not installed succeeds and reports false.
func (e *Engine) UninstallEventFilter(ctx context.Context, key string) (bool, error) {
	return call[bool](ctx, e, UninstallFilterRequest(key))
}

// LoadLogs fetches past logs matching q. They are also published as
// historical NewEvents tagged key.
func (e *Engine) LoadLogs(ctx context.Context, key string, q ethereum.FilterQuery) ([]types.Log, error) {
	req, err := LogsRequest(key, q)
	if err != nil {
		return nil, err
	}
	raw, err := call[[]json.RawMessage](ctx, e, req)
	if err != nil {
		return nil, err
	}
	return DecodeLogs(raw)
}

// DecodeLogs decodes the raw logs carried by NewEvents.
func DecodeLogs(raw []json.RawMessage) ([]types.Log, error) {
	logs := make([]types.Log, 0, len(raw))
	for _, r := range raw {
		var l types.Log
		if err := json.Unmarshal(r, &l); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, nil
}

// BlockByHash returns the block with full transactions, nil if unknown.
func (e *Engine) BlockByHash(ctx context.Context, hash common.Hash) (*Block, error) {
	return call[*Block](ctx, e, NewRequest(KindBlockByHash, hash, true))
}

// BlockByNumber returns the block at number, latest when nil.
func (e *Engine) BlockByNumber(ctx context.Context, number *big.Int) (*Block, error) {
	return call[*Block](ctx, e, NewRequest(KindBlockByNumber, blockNumArg(number), true))
}

func (e *Engine) TransactionByHash(ctx context.Context, hash common.Hash) (*Transaction, error) {
	return call[*Transaction](ctx, e, NewRequest(KindTransactionByHash, hash))
}

// TransactionReceipt returns nil while the transaction is pending.
func (e *Engine) TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return call[*types.Receipt](ctx, e, NewRequest(KindTransactionReceipt, hash))
}

func (e *Engine) BlockNumber(ctx context.Context) (uint64, error) {
	return call[uint64](ctx, e, NewRequest(KindBlockNumber))
}
