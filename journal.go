package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/erc7824/nodelink/pkg/engine"
	"github.com/erc7824/nodelink/pkg/log"
)

const journalBufferSize = 1024

// JournalBlock is a block announced by the node's block filter.
type JournalBlock struct {
	ID         int64          `gorm:"primary_key;column:id"`
	Number     uint64         `gorm:"column:number;index"`
	Hash       string         `gorm:"column:hash;uniqueIndex"`
	ParentHash string         `gorm:"column:parent_hash"`
	Miner      string         `gorm:"column:miner"`
	BlockTime  time.Time      `gorm:"column:block_time"`
	TxCount    int            `gorm:"column:tx_count"`
	GasUsed    uint64         `gorm:"column:gas_used"`
	Raw        datatypes.JSON `gorm:"column:raw"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

func (JournalBlock) TableName() string {
	return "journal_blocks"
}

// JournalEvent is a log delivered for a named event filter.
type JournalEvent struct {
	ID              int64          `gorm:"primary_key;column:id"`
	FilterKey       string         `gorm:"column:filter_key;uniqueIndex:idx_journal_events_log"`
	Historical      bool           `gorm:"column:historical"`
	Address         string         `gorm:"column:address"`
	Topics          pq.StringArray `gorm:"type:text[];column:topics"`
	BlockNumber     uint64         `gorm:"column:block_number;index"`
	TransactionHash string         `gorm:"column:transaction_hash;uniqueIndex:idx_journal_events_log"`
	LogIndex        uint32         `gorm:"column:log_index;uniqueIndex:idx_journal_events_log"`
	Removed         bool           `gorm:"column:removed"`
	Data            datatypes.JSON `gorm:"column:data"`
	CreatedAt       time.Time      `gorm:"column:created_at"`
}

func (JournalEvent) TableName() string {
	return "journal_events"
}

func newJournalBlock(b *engine.Block) JournalBlock {
	return JournalBlock{
		Number:     uint64(b.Number),
		Hash:       b.Hash.Hex(),
		ParentHash: b.ParentHash.Hex(),
		Miner:      b.Miner.Hex(),
		BlockTime:  time.Unix(int64(b.Timestamp), 0).UTC(),
		TxCount:    len(b.Transactions),
		GasUsed:    uint64(b.GasUsed),
		Raw:        datatypes.JSON(b.Raw),
	}
}

func newJournalEvents(ev engine.NewEvents) ([]JournalEvent, error) {
	logs, err := engine.DecodeLogs(ev.Logs)
	if err != nil {
		return nil, err
	}
	out := make([]JournalEvent, len(logs))
	for i, l := range logs {
		out[i] = newJournalEvent(ev.FilterKey, ev.Historical, l, ev.Logs[i])
	}
	return out, nil
}

func newJournalEvent(filterKey string, historical bool, l types.Log, raw json.RawMessage) JournalEvent {
	topics := make(pq.StringArray, len(l.Topics))
	for i, t := range l.Topics {
		topics[i] = t.Hex()
	}
	return JournalEvent{
		FilterKey:       filterKey,
		Historical:      historical,
		Address:         l.Address.Hex(),
		Topics:          topics,
		BlockNumber:     l.BlockNumber,
		TransactionHash: l.TxHash.Hex(),
		LogIndex:        uint32(l.Index),
		Removed:         l.Removed,
		Data:            datatypes.JSON(raw),
	}
}

// Journal persists new blocks and filter events. Handle is subscribed to
// the engine and only queues; Run does the writing.
type Journal struct {
	db     *gorm.DB
	logger log.Logger
	queue  chan engine.Notification
}

func NewJournal(db *gorm.DB, logger log.Logger) *Journal {
	return &Journal{
		db:     db,
		logger: logger.WithName("journal"),
		queue:  make(chan engine.Notification, journalBufferSize),
	}
}

// Handle is an engine.Handler. Notifications arriving while the queue is
// full are dropped.
func (j *Journal) Handle(n engine.Notification) {
	switch n.(type) {
	case engine.NewBlock, engine.NewEvents:
	default:
		return
	}
	select {
	case j.queue <- n:
	default:
		j.logger.Warn("journal queue full, dropping notification", "type", fmt.Sprintf("%T", n))
	}
}

// Run writes queued notifications until ctx is done.
func (j *Journal) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-j.queue:
			if err := j.record(n); err != nil {
				j.logger.Error("failed to record notification", "error", err)
			}
		}
	}
}

func (j *Journal) record(n engine.Notification) error {
	switch n := n.(type) {
	case engine.NewBlock:
		if n.Block == nil {
			return nil
		}
		return StoreJournalBlock(j.db, newJournalBlock(n.Block))
	case engine.NewEvents:
		events, err := newJournalEvents(n)
		if err != nil {
			return err
		}
		return StoreJournalEvents(j.db, events)
	}
	return nil
}

// StoreJournalBlock inserts a block, ignoring one already recorded.
func StoreJournalBlock(tx *gorm.DB, block JournalBlock) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&block).Error
}

// StoreJournalEvents inserts events, ignoring duplicates per filter.
func StoreJournalEvents(tx *gorm.DB, events []JournalEvent) error {
	if len(events) == 0 {
		return nil
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&events).Error
}

// GetJournalEvents returns the events of filterKey in chain order.
func GetJournalEvents(tx *gorm.DB, filterKey string) ([]JournalEvent, error) {
	var events []JournalEvent
	err := tx.Where("filter_key = ?", filterKey).
		Order("block_number ASC, log_index ASC").
		Find(&events).Error
	return events, err
}

// GetLatestJournalBlock returns the highest recorded block, nil when empty.
func GetLatestJournalBlock(tx *gorm.DB) (*JournalBlock, error) {
	var blocks []JournalBlock
	if err := tx.Order("number DESC").Limit(1).Find(&blocks).Error; err != nil {
		return nil, err
	}
	if len(blocks) == 0 {
		return nil, nil
	}
	return &blocks[0], nil
}
