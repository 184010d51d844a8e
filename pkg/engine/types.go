package engine

import (
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// CallArgs are the arguments of eth_call and eth_estimateGas.
type CallArgs struct {
	From     *common.Address `json:"from,omitempty"`
	To       *common.Address `json:"to,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
}

// TxArgs describe a transaction for the node to sign with a local key.
type TxArgs struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Gas      *hexutil.Uint64 `json:"gas,omitempty"`
	GasPrice *hexutil.Big    `json:"gasPrice,omitempty"`
	Value    *hexutil.Big    `json:"value,omitempty"`
	Nonce    *hexutil.Uint64 `json:"nonce,omitempty"`
	Data     hexutil.Bytes   `json:"data,omitempty"`
}

// SignedTransaction is the answer of personal_signTransaction.
type SignedTransaction struct {
	Raw hexutil.Bytes      `json:"raw"`
	Tx  *types.Transaction `json:"tx"`
}

// Block keeps the header fields the engine reports plus the raw payload.
// Transactions are left undecoded.
type Block struct {
	Hash         common.Hash       `json:"hash"`
	ParentHash   common.Hash       `json:"parentHash"`
	Number       hexutil.Uint64    `json:"number"`
	Timestamp    hexutil.Uint64    `json:"timestamp"`
	Miner        common.Address    `json:"miner"`
	GasUsed      hexutil.Uint64    `json:"gasUsed"`
	Transactions []json.RawMessage `json:"transactions"`
	Raw          json.RawMessage   `json:"-"`
}

// Transaction is a transaction as returned by eth_getTransactionByHash.
type Transaction struct {
	Tx          *types.Transaction
	BlockHash   *common.Hash
	BlockNumber *big.Int
	From        *common.Address
}

func (t *Transaction) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &t.Tx); err != nil {
		return err
	}
	var extra struct {
		BlockHash   *common.Hash    `json:"blockHash"`
		BlockNumber *hexutil.Big    `json:"blockNumber"`
		From        *common.Address `json:"from"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	t.BlockHash = extra.BlockHash
	t.BlockNumber = (*big.Int)(extra.BlockNumber)
	t.From = extra.From
	return nil
}

// Pending reports whether the transaction is not mined yet.
func (t *Transaction) Pending() bool {
	return t.BlockNumber == nil
}

// AccountState is the refreshed balance and nonce of an address.
type AccountState struct {
	Address common.Address
	Balance *big.Int
	Nonce   uint64
}

var errBlockRangeWithHash = errors.New("filter query: block hash and range are mutually exclusive")

// filterArg converts a query to the JSON-RPC filter object.
func filterArg(q ethereum.FilterQuery) (map[string]any, error) {
	arg := map[string]any{
		"topics": q.Topics,
	}
	if len(q.Addresses) > 0 {
		arg["address"] = q.Addresses
	}
	if q.BlockHash != nil {
		if q.FromBlock != nil || q.ToBlock != nil {
			return nil, errBlockRangeWithHash
		}
		arg["blockHash"] = *q.BlockHash
		return arg, nil
	}
	if q.FromBlock == nil {
		arg["fromBlock"] = "0x0"
	} else {
		arg["fromBlock"] = blockNumArg(q.FromBlock)
	}
	arg["toBlock"] = blockNumArg(q.ToBlock)
	return arg, nil
}

// blockNumArg encodes a block selector. nil means latest; negative values
// are the special tags understood by go-ethereum (pending, finalized...).
func blockNumArg(n *big.Int) string {
	if n == nil {
		return "latest"
	}
	if n.Sign() >= 0 {
		return hexutil.EncodeBig(n)
	}
	return gethrpc.BlockNumber(n.Int64()).String()
}
