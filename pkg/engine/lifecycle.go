package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/erc7824/nodelink/pkg/transport"
)

func (e *Engine) start() {
	if e.state != StateDisconnected {
		e.lg.Debug("start ignored", "state", e.state.String())
		return
	}
	e.lastErr = nil
	e.attempts = 0
	e.spawned = false
	e.setState(StateConnecting)
	e.connectAttempt()
}

func (e *Engine) connectAttempt() {
	e.attempts++
	e.metrics.ConnectAttempts.Inc()
	e.lg.Info("connecting to node", "endpoint", e.local.Name(), "attempt", e.attempts, "max", e.cfg.ConnectAttempts)

	e.local.Connect(e.ctx)
	e.stopConnectTimer()
	e.connectTimer = time.NewTimer(e.cfg.ConnectTimeout)
	e.connectC = e.connectTimer.C
}

func (e *Engine) stopConnectTimer() {
	if e.connectTimer != nil {
		e.connectTimer.Stop()
	}
	e.connectTimer = nil
	e.connectC = nil
}

// onConnectTimeout retries, spawns the managed node once the budget is
// spent, and finally gives up.
func (e *Engine) onConnectTimeout() {
	if e.state != StateConnecting {
		return
	}
	if e.attempts < e.cfg.ConnectAttempts {
		e.connectAttempt()
		return
	}

	if e.node != nil && !e.spawned {
		e.spawned = true
		e.lg.Info("node unreachable, starting managed node")
		if err := e.node.Start(e.ctx); err != nil {
			e.connectFailed(fmt.Errorf("%w: start managed node: %w", ErrConnectTimeout, err))
			return
		}
		e.attempts = 0
		e.connectAttempt()
		return
	}

	e.connectFailed(fmt.Errorf("%w after %d attempts", ErrConnectTimeout, e.attempts))
}

// connectFailed is terminal: no further retries until Start.
func (e *Engine) connectFailed(err error) {
	e.stopConnectTimer()
	e.local.Abort()
	e.lastErr = err
	e.metrics.Bails.WithLabelValues(SeverityHard.String()).Inc()
	e.lg.Error("could not connect to node", "endpoint", e.local.Name(), "error", err)

	e.publish(ConnectionError{Err: err})
	e.setState(StateDisconnected)
}

func (e *Engine) onTransportEvent(t transport.Transport, ev transport.Event) {
	switch ev.Type {
	case transport.EventConnected:
		if t == e.local {
			e.onConnected()
			return
		}
		e.remoteDialing = false
		e.lg.Info("remote endpoint connected", "endpoint", t.Name())

	case transport.EventReadyRead:
		e.onReadable(t)

	case transport.EventError:
		e.onTransportError(t, ev.Err)

	case transport.EventDisconnected:
		e.onDisconnected(t)
	}
}

// onConnected queues the init sequence. The engine becomes ready when the
// net_version reply arrives.
func (e *Engine) onConnected() {
	if e.state != StateConnecting {
		e.lg.Warn("unexpected connected event", "state", e.state.String())
		return
	}
	e.stopConnectTimer()
	e.attempts = 0
	e.ready = false
	e.sync = SyncStatus{}
	e.resetFramers()
	e.setState(StateConnected)

	if e.remote != nil {
		e.remoteDialing = true
		e.remote.Connect(e.ctx)
	}

	e.enqueue(newInternal(KindClientVersion))
	e.enqueue(newInternal(KindBlockNumber))
	if e.cfg.Features.BlockFilter {
		e.installBlockFilter()
	}
	e.enqueue(newInternal(KindSyncing))
	e.enqueue(newInternal(KindNetVersion))
}

func (e *Engine) onTransportError(t transport.Transport, err error) {
	if t != e.local {
		e.remoteDialing = false
		if e.active != nil && e.activeVia == t {
			e.hardBail(fmt.Errorf("remote %s: %w", t.Name(), err))
			return
		}
		e.lg.Warn("remote endpoint failed, using local", "endpoint", t.Name(), "error", err)
		return
	}

	switch e.state {
	case StateConnecting:
		// The connect timer decides when to retry.
		e.lg.Debug("connect attempt failed", "attempt", e.attempts, "error", err)
	case StateDisconnected:
	default:
		e.hardBail(fmt.Errorf("transport %s: %w", t.Name(), err))
	}
}

func (e *Engine) onDisconnected(t transport.Transport) {
	if t != e.local {
		e.remoteDialing = false
		if e.active != nil && e.activeVia == t {
			e.hardBail(fmt.Errorf("remote %s: %w", t.Name(), ErrUnexpectedDisconnect))
			return
		}
		e.lg.Warn("remote endpoint disconnected", "endpoint", t.Name())
		return
	}

	switch e.state {
	case StateClosing:
		if e.active != nil {
			e.hardBail(ErrUnexpectedDisconnect)
			return
		}
		e.finishClose()
	case StateConnecting, StateDisconnected:
	default:
		e.hardBail(ErrUnexpectedDisconnect)
	}
}

// close starts the shutdown sequence: drain, uninstall filters, disconnect.
func (e *Engine) close() {
	switch e.state {
	case StateClosing:
		return
	case StateDisconnected:
		e.finishClose()
		return
	case StateConnecting:
		e.stopConnectTimer()
		e.local.Abort()
		e.finishClose()
		return
	}

	e.lg.Info("closing connection", "queued", e.queue.Len(), "inFlight", e.active != nil)
	e.setState(StateClosing)
	e.stopPolling()
	e.closeUninstallIssued = false
	e.advanceClose()
}

// advanceClose moves the shutdown along whenever nothing is in flight.
func (e *Engine) advanceClose() {
	if e.state != StateClosing || e.active != nil || e.queue.Len() > 0 {
		return
	}

	if !e.closeUninstallIssued {
		e.closeUninstallIssued = true
		if id := e.blockFilterID; id != "" {
			e.uninstallBlockFilter()
		}
		keys := make([]string, 0, len(e.filters))
		for key := range e.filters {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			e.uninstallNamed(key)
		}
		if e.state != StateClosing || e.active != nil {
			return
		}
	}

	for _, t := range e.router.Transports() {
		if t != e.local {
			t.Abort()
		}
	}
	if err := e.local.Close(); err != nil {
		e.lg.Warn("closing local transport failed", "error", err)
		e.local.Abort()
		e.finishClose()
	}
}

// finishClose stops the engine for good.
func (e *Engine) finishClose() {
	e.stopPolling()
	e.stopConnectTimer()
	e.stopRequestTimer()
	e.failPending(ErrClosing)
	for _, t := range e.router.Transports() {
		t.Abort()
	}
	e.setState(StateDisconnected)
	e.stopNode()
	e.stopped = true
	e.lg.Info("connection closed")
}
