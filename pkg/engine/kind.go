package engine

import (
	"fmt"

	"github.com/erc7824/nodelink/pkg/transport"
)

// Kind identifies an operation the engine knows how to issue and decode.
type Kind int

const (
	KindClientVersion Kind = iota + 1
	KindNetVersion
	KindPeerCount
	KindSyncing
	KindBlockNumber
	KindAccounts
	KindBalance
	KindTransactionCount
	KindGasPrice
	KindEstimateGas
	KindCall
	KindNewAccount
	KindDeleteAccount
	KindUnlockAccount
	KindSendTransaction
	KindSignTransaction
	KindSendRawTransaction
	KindNewBlockFilter
	KindNewEventFilter
	KindFilterChanges
	KindUninstallFilter
	KindLogs
	KindBlockByHash
	KindBlockByNumber
	KindTransactionByHash
	KindTransactionReceipt
)

type kindInfo struct {
	method string
	busy   Busy
	route  transport.Route
	// nullAsEmpty turns a null result into an empty list.
	nullAsEmpty bool
	// unlocks marks methods that decrypt a key and may fail on a bad password.
	unlocks bool
}

var kinds = map[Kind]kindInfo{
	KindClientVersion:      {method: "web3_clientVersion", busy: BusyNonVisual},
	KindNetVersion:         {method: "net_version", busy: BusyNonVisual},
	KindPeerCount:          {method: "net_peerCount", busy: BusyNonVisual},
	KindSyncing:            {method: "eth_syncing", busy: BusyNonVisual},
	KindBlockNumber:        {method: "eth_blockNumber", busy: BusyNonVisual, route: transport.RouteRemoteEligible},
	KindAccounts:           {method: "eth_accounts", busy: BusyNonVisual, nullAsEmpty: true},
	KindBalance:            {method: "eth_getBalance", busy: BusyNonVisual, route: transport.RouteRemoteEligible},
	KindTransactionCount:   {method: "eth_getTransactionCount", busy: BusyNonVisual, route: transport.RouteRemoteEligible},
	KindGasPrice:           {method: "eth_gasPrice", busy: BusyNonVisual, route: transport.RouteRemoteEligible},
	KindEstimateGas:        {method: "eth_estimateGas", busy: BusyNonVisual, route: transport.RouteRemoteEligible},
	KindCall:               {method: "eth_call", busy: BusyNonVisual, route: transport.RouteRemoteEligible},
	KindNewAccount:         {method: "personal_newAccount", busy: BusyFull},
	KindDeleteAccount:      {method: "personal_deleteAccount", busy: BusyFull, unlocks: true},
	KindUnlockAccount:      {method: "personal_unlockAccount", busy: BusyFull, unlocks: true},
	KindSendTransaction:    {method: "personal_sendTransaction", busy: BusyFull, unlocks: true},
	KindSignTransaction:    {method: "personal_signTransaction", busy: BusyFull, unlocks: true},
	KindSendRawTransaction: {method: "eth_sendRawTransaction", busy: BusyFull},
	// Filters are node-local state, so they are created, polled and removed
	// on the local endpoint only.
	KindNewBlockFilter:     {method: "eth_newBlockFilter", busy: BusyNonVisual},
	KindNewEventFilter:     {method: "eth_newFilter", busy: BusyNonVisual},
	KindFilterChanges:      {method: "eth_getFilterChanges", busy: BusyNonVisual, nullAsEmpty: true},
	KindUninstallFilter:    {method: "eth_uninstallFilter", busy: BusyNonVisual},
	KindLogs:               {method: "eth_getLogs", busy: BusyNonVisual, nullAsEmpty: true},
	KindBlockByHash:        {method: "eth_getBlockByHash", busy: BusyNonVisual, route: transport.RouteRemoteEligible},
	KindBlockByNumber:      {method: "eth_getBlockByNumber", busy: BusyNonVisual, route: transport.RouteRemoteEligible},
	KindTransactionByHash:  {method: "eth_getTransactionByHash", busy: BusyNonVisual, route: transport.RouteRemoteEligible},
	KindTransactionReceipt: {method: "eth_getTransactionReceipt", busy: BusyNonVisual, route: transport.RouteRemoteEligible},
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// Method returns the JSON-RPC method name.
func (k Kind) Method() string {
	return kinds[k].method
}

func (k Kind) String() string {
	if info, ok := kinds[k]; ok {
		return info.method
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

func (k Kind) route(f Features) transport.Route {
	if k == KindLogs && f.RemoteLogs {
		return transport.RouteRemoteEligible
	}
	return kinds[k].route
}
