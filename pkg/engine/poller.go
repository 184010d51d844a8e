package engine

import (
	"sort"
	"time"
)

func (e *Engine) startPolling() {
	if e.pollTicker != nil {
		return
	}
	e.pollTicker = time.NewTicker(e.cfg.PollInterval)
	e.pollC = e.pollTicker.C
	e.lg.Debug("polling started", "interval", e.cfg.PollInterval)
}

func (e *Engine) stopPolling() {
	if e.pollTicker == nil {
		return
	}
	e.pollTicker.Stop()
	e.pollTicker = nil
	e.pollC = nil
}

// tick queues one poll cycle: telemetry and sync status first, then block
// discovery and named filters unless the node is syncing. A syncing node
// gets eth_blockNumber instead, whether or not a block filter was ever
// installed.
func (e *Engine) tick() {
	if !e.state.Up() {
		return
	}
	if e.queue.Len() > e.cfg.MaxPollBacklog {
		e.metrics.PollSkipped.Inc()
		e.lg.Warn("poll skipped, queue backed up", "queued", e.queue.Len())
		return
	}
	e.metrics.PollTicks.Inc()
	e.maintainRemote()

	e.enqueue(newInternal(KindPeerCount))
	e.enqueue(newInternal(KindSyncing))

	// Entering Syncing uninstalls the block filter, so while syncing the
	// head is always tracked through eth_blockNumber.
	if e.state == StateSyncing {
		if e.blockFilterID == "" {
			e.enqueue(newInternal(KindBlockNumber))
		}
		return
	}

	switch {
	case !e.cfg.Features.BlockFilter:
		e.enqueue(newInternal(KindBlockNumber))
	case e.blockFilterID != "":
		req := newInternal(KindFilterChanges, e.blockFilterID)
		req.blockFilter = true
		e.enqueue(req)
	case !e.blockFilterPending:
		e.installBlockFilter()
	}

	keys := make([]string, 0, len(e.filters))
	for key := range e.filters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		id, ok := e.filters[key]
		if !ok {
			continue
		}
		req := newInternal(KindFilterChanges, id)
		req.filterKey = key
		e.enqueue(req)
	}
}

// maintainRemote redials a remote endpoint that dropped.
func (e *Engine) maintainRemote() {
	if e.remote == nil || e.remoteDialing || e.activeVia == e.remote || e.remote.Writable() {
		return
	}
	e.lg.Info("reconnecting remote endpoint", "endpoint", e.remote.Name())
	e.remoteDialing = true
	e.remote.Connect(e.ctx)
}

func (e *Engine) installBlockFilter() {
	e.blockFilterPending = true
	e.enqueue(newInternal(KindNewBlockFilter))
}

// uninstallBlockFilter forgets the block filter locally right away, so no
// poll is queued for it while the uninstall is pending.
func (e *Engine) uninstallBlockFilter() {
	id := e.blockFilterID
	e.blockFilterID = ""
	req := newInternal(KindUninstallFilter, id)
	req.blockFilter = true
	e.enqueue(req)
}

func (e *Engine) uninstallNamed(key string) {
	id, ok := e.filters[key]
	if !ok {
		return
	}
	delete(e.filters, key)
	e.metrics.InstalledFilter.Set(float64(len(e.filters)))
	req := newInternal(KindUninstallFilter, id)
	req.filterKey = key
	e.enqueue(req)
}
