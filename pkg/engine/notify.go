package engine

import (
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Notification is anything the engine reports to subscribers.
type Notification interface {
	notification()
}

// StateChanged reports a lifecycle transition.
type StateChanged struct {
	From, To State
}

// Ready is emitted once per connection after the init sequence completes.
type Ready struct {
	ClientVersion string
	NetworkID     string
}

type SyncProgress struct {
	Status SyncStatus
}

type PeerCountChanged struct {
	Peers uint64
}

type BlockNumberChanged struct {
	Number uint64
}

// NewBlock carries a block announced by the block filter.
type NewBlock struct {
	Block *Block
}

// NewEvents carries logs for the filter registered under FilterKey.
// Historical is set for results of LoadLogs.
type NewEvents struct {
	FilterKey  string
	Logs       []json.RawMessage
	Historical bool
}

type FilterInstalled struct {
	FilterKey string
	ID        string
}

type FilterUninstalled struct {
	FilterKey string
}

// FilterLost reports a named filter the node stopped recognising. It must
// be registered again to resume polling.
type FilterLost struct {
	FilterKey string
	Err       error
}

// BusyChanged toggles when user-initiated work starts or ends.
type BusyChanged struct {
	Busy bool
}

// OperationResult mirrors the result of every caller request.
type OperationResult struct {
	RequestID uint64
	Kind      Kind
	Index     int
	UserData  any
	Value     any
	Err       error
}

type TransactionSubmitted struct {
	Hash common.Hash
}

// VersionWarning reports a node older than the configured minimum.
type VersionWarning struct {
	ClientVersion string
	Minimum       string
}

// ConnectionError reports a hard bail or a failed connect. The engine is
// Disconnected afterwards and Start must be called to reconnect.
type ConnectionError struct {
	Err error
}

func (StateChanged) notification()         {}
func (Ready) notification()                {}
func (SyncProgress) notification()         {}
func (PeerCountChanged) notification()     {}
func (BlockNumberChanged) notification()   {}
func (NewBlock) notification()             {}
func (NewEvents) notification()            {}
func (FilterInstalled) notification()      {}
func (FilterUninstalled) notification()    {}
func (FilterLost) notification()           {}
func (BusyChanged) notification()          {}
func (OperationResult) notification()      {}
func (TransactionSubmitted) notification() {}
func (VersionWarning) notification()       {}
func (ConnectionError) notification()      {}

// Handler receives notifications on the engine goroutine. It must not
// block, and must not wait on the engine.
type Handler func(Notification)

// bus delivers notifications to handlers in subscription order.
type bus struct {
	mu       sync.RWMutex
	handlers map[int]Handler
	order    []int
	nextID   int
}

func newBus() *bus {
	return &bus{handlers: make(map[int]Handler)}
}

func (b *bus) subscribe(h Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *bus) publish(n Notification) {
	b.mu.RLock()
	snapshot := make([]Handler, 0, len(b.order))
	for _, id := range b.order {
		snapshot = append(snapshot, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, h := range snapshot {
		h(n)
	}
}
