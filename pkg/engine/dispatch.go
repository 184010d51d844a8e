package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/erc7824/nodelink/pkg/rpc"
	"github.com/erc7824/nodelink/pkg/transport"
)

// errResolved is returned by admit when it has already answered the request.
var errResolved = errors.New("resolved locally")

// enqueue assigns an id to req and writes it, or queues it behind the
// request in flight.
func (e *Engine) enqueue(req *Request) {
	if err := e.admit(req); err != nil {
		if !errors.Is(err, errResolved) {
			e.fail(req, err)
		}
		return
	}

	e.nextID++
	req.ID = e.nextID

	if e.active == nil {
		e.dispatch(req)
		return
	}
	e.queue.Push(req)
	e.metrics.QueueDepth.Set(float64(e.queue.Len()))
	e.updateBusy()
}

// admit applies local policy before anything reaches the node.
func (e *Engine) admit(req *Request) error {
	if !req.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, int(req.Kind))
	}
	if req.Method == "" {
		req.Method = kinds[req.Kind].method
	}
	if req.Busy == BusyIdle {
		req.Busy = kinds[req.Kind].busy
	}
	switch e.state {
	case StateClosing:
		if req.origin == originCaller {
			return ErrClosing
		}
	case StateDisconnected, StateConnecting:
		return ErrNotConnected
	}
	if req.origin != originCaller {
		return nil
	}

	switch req.Kind {
	case KindNewEventFilter:
		key := req.filterKey
		if key == "" {
			return ErrEmptyFilterKey
		}
		if _, ok := e.filters[key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateFilter, key)
		}
		if _, ok := e.pendingFilters[key]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateFilter, key)
		}
		e.pendingFilters[key] = struct{}{}

	case KindUninstallFilter:
		id, ok := e.filters[req.filterKey]
		if !ok {
			// Already gone: uninstalling is idempotent.
			e.lg.Debug("uninstall of unknown filter ignored", "key", req.filterKey)
			e.succeed(req, false)
			return errResolved
		}
		delete(e.filters, req.filterKey)
		e.metrics.InstalledFilter.Set(float64(len(e.filters)))
		req.Params = []any{id}
	}
	return nil
}

// dispatch writes req and makes it the active request.
func (e *Engine) dispatch(req *Request) {
	via := e.router.Select(req.Kind.route(e.cfg.Features))

	data, err := rpc.NewRequest(req.ID, req.Method, req.Params...).Encode()
	if err != nil {
		e.active, e.activeVia = req, via
		e.softBail(req, fmt.Errorf("encode %s: %w", req.Method, err))
		return
	}

	e.active, e.activeVia = req, via
	e.metrics.QueueDepth.Set(float64(e.queue.Len()))
	e.updateBusy()

	if !via.Writable() {
		e.hardBail(fmt.Errorf("%w: %s", transport.ErrNotWritable, via.Name()))
		return
	}
	n, err := via.Write(data)
	if err != nil {
		e.hardBail(fmt.Errorf("%w: %w", ErrWriteFailed, err))
		return
	}
	if n < len(data) {
		e.hardBail(fmt.Errorf("%w: %w (%d of %d bytes)", ErrWriteFailed, transport.ErrShortWrite, n, len(data)))
		return
	}

	e.armRequestTimer()
	e.lg.Debug("request sent", "id", req.ID, "method", req.Method, "via", via.Name())
}

// next dispatches the queue head, or settles into idle.
func (e *Engine) next() {
	if e.active != nil {
		return
	}
	if req, ok := e.queue.Pop(); ok {
		e.dispatch(req)
		return
	}
	e.metrics.QueueDepth.Set(0)
	e.updateBusy()
	if e.state == StateClosing {
		e.advanceClose()
	}
}

type decodeJob struct {
	raw   []byte
	epoch uint64
}

// decodeWorker parses complete replies off the Run goroutine and posts the
// outcome back to it.
func (e *Engine) decodeWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-e.decodeJobs:
			reply, err := rpc.DecodeReply(job.raw)
			cmd := func(e *Engine) { e.onReply(job.epoch, reply, err) }
			select {
			case e.cmds <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}
}

// onReadable frames bytes from t and hands a complete reply to the decoder.
func (e *Engine) onReadable(t transport.Transport) {
	data := t.Read()
	if len(data) == 0 || !e.state.Up() && e.state != StateClosing {
		return
	}

	f := e.framer(t)
	f.Write(data)
	if f.Overflowing() {
		e.hardBail(&rpc.ProtocolError{Raw: f.Buffered(), Err: rpc.ErrMalformedReply})
		return
	}
	raw, ok := f.Next()
	if !ok {
		return
	}
	if e.active == nil || e.activeVia != t {
		e.hardBail(&rpc.ProtocolError{Raw: raw, Err: rpc.ErrUnexpectedReply})
		return
	}

	select {
	case e.decodeJobs <- decodeJob{raw: raw, epoch: e.epoch}:
	default:
		e.hardBail(&rpc.ProtocolError{Raw: raw, Err: rpc.ErrUnexpectedReply})
	}
}

// onReply correlates a decoded reply with the active request.
func (e *Engine) onReply(epoch uint64, reply rpc.Reply, decodeErr error) {
	if epoch != e.epoch {
		e.lg.Debug("dropping reply from a torn down connection")
		return
	}
	if decodeErr != nil {
		e.hardBail(decodeErr)
		return
	}

	req := e.active
	if req == nil {
		e.hardBail(&rpc.ProtocolError{Raw: reply.Raw, Err: rpc.ErrUnexpectedReply})
		return
	}
	if reply.ID != req.ID {
		e.hardBail(&rpc.ProtocolError{
			Raw: reply.Raw,
			Err: fmt.Errorf("%w: got %d, want %d", rpc.ErrIDMismatch, reply.ID, req.ID),
		})
		return
	}
	e.stopRequestTimer()

	if reply.Error != nil {
		e.softBail(req, nodeFailure(req.Kind, reply.Error))
		return
	}

	result := reply.Result
	if reply.IsNull() {
		switch {
		case kinds[req.Kind].nullAsEmpty:
			result = json.RawMessage("[]")
		case !reply.HasResult:
			e.hardBail(&rpc.ProtocolError{Raw: reply.Raw, Err: ErrMissingResult})
			return
		}
	}

	value, err := e.handlers[req.Kind](req, result)
	if err != nil {
		e.hardBail(&rpc.ProtocolError{Raw: reply.Raw, Err: fmt.Errorf("decode %s result: %w", req.Method, err)})
		return
	}
	e.complete(req, value)
}

// complete resolves the active request successfully.
func (e *Engine) complete(req *Request, value any) {
	e.active, e.activeVia = nil, nil
	e.metrics.Requests.WithLabelValues(req.Method, "ok").Inc()
	e.succeed(req, value)
	e.next()
}

// softBail fails the active request only. Queue, timers and state stay.
func (e *Engine) softBail(req *Request, err error) {
	e.active, e.activeVia = nil, nil
	e.stopRequestTimer()
	e.metrics.Requests.WithLabelValues(req.Method, "error").Inc()
	e.metrics.Bails.WithLabelValues(SeveritySoft.String()).Inc()
	e.lg.Warn("request failed", "id", req.ID, "method", req.Method, "error", err)

	e.forgetFailed(req, err)
	e.fail(req, err)
	e.next()
}

// forgetFailed drops local state tied to a failed filter request.
func (e *Engine) forgetFailed(req *Request, err error) {
	switch req.Kind {
	case KindNewBlockFilter:
		e.blockFilterPending = false
	case KindNewEventFilter:
		delete(e.pendingFilters, req.filterKey)
	case KindFilterChanges:
		if req.blockFilter {
			// Reinstalled on the next tick.
			e.blockFilterID = ""
			return
		}
		if id, ok := e.filters[req.filterKey]; ok && len(req.Params) > 0 && req.Params[0] == id {
			delete(e.filters, req.filterKey)
			e.metrics.InstalledFilter.Set(float64(len(e.filters)))
			e.publish(FilterLost{FilterKey: req.filterKey, Err: err})
		}
	}
}

// hardBail tears the connection down. Everything pending fails and the
// engine ends up Disconnected until Start is called again.
func (e *Engine) hardBail(cause error) {
	bail := &BailError{Severity: SeverityHard, Err: cause}
	e.lg.Error("connection bailed", "error", cause)
	e.metrics.Bails.WithLabelValues(SeverityHard.String()).Inc()

	e.epoch++
	e.stopPolling()
	e.stopConnectTimer()
	e.stopRequestTimer()
	if e.active != nil {
		e.metrics.Requests.WithLabelValues(e.active.Method, "bailed").Inc()
	}
	e.failPending(bail)
	e.resetFramers()

	e.blockFilterID = ""
	e.blockFilterPending = false
	e.filters = make(map[string]string)
	e.pendingFilters = make(map[string]struct{})
	e.metrics.InstalledFilter.Set(0)
	e.ready = false
	e.remoteDialing = false
	e.lastErr = bail

	for _, t := range e.router.Transports() {
		t.Abort()
	}

	wasClosing := e.state == StateClosing
	e.publish(ConnectionError{Err: bail})
	e.setState(StateDisconnected)
	if wasClosing {
		e.finishClose()
	}
}

func (e *Engine) succeed(req *Request, value any) {
	req.resolve(Result{Value: value})
	if req.origin == originCaller {
		e.publish(OperationResult{RequestID: req.ID, Kind: req.Kind, Index: req.Index, UserData: req.UserData, Value: value})
	}
}

func (e *Engine) fail(req *Request, err error) {
	req.resolve(Result{Err: err})
	if req.origin == originCaller {
		e.publish(OperationResult{RequestID: req.ID, Kind: req.Kind, Index: req.Index, UserData: req.UserData, Err: err})
	}
}

func (e *Engine) armRequestTimer() {
	if e.cfg.RequestTimeout < 0 {
		return
	}
	e.stopRequestTimer()
	e.requestTimer = time.NewTimer(e.cfg.RequestTimeout)
	e.requestC = e.requestTimer.C
}

func (e *Engine) stopRequestTimer() {
	if e.requestTimer != nil {
		e.requestTimer.Stop()
	}
	e.requestTimer = nil
	e.requestC = nil
}

func (e *Engine) onRequestTimeout() {
	if e.active == nil {
		return
	}
	e.hardBail(fmt.Errorf("%w: %s (id %d)", ErrRequestTimeout, e.active.Method, e.active.ID))
}
