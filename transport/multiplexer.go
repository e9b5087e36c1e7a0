package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Mazyod/lsp-python-types/jsonrpc"
)

// NotificationHandler processes a server-initiated notification. Handlers
// are invoked synchronously from the transport's read loop, so they must
// not block; long work should be handed off to a goroutine.
type NotificationHandler func(params json.RawMessage)

// Waiter is a one-shot registration for a single server notification,
// armed by Multiplexer.Arm. Per spec.md §4.3/§4.6, arming must happen
// before the edit that provokes the notification is sent, so Arm returns
// immediately (the registration itself never blocks) and Wait is called
// afterward.
type Waiter struct {
	mux    *Multiplexer
	method string
	ch     chan json.RawMessage
	once   sync.Once
}

// Wait blocks until a matching notification arrives, ctx is done, or the
// transport shuts down.
func (w *Waiter) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case params, ok := <-w.ch:
		if !ok {
			return nil, ErrCancelled
		}
		return params, nil
	case <-ctx.Done():
		w.cancel()
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// Cancel removes the waiter without delivering a value. Safe to call after
// Wait has already returned.
func (w *Waiter) Cancel() {
	w.cancel()
}

func (w *Waiter) cancel() {
	w.once.Do(func() {
		// Only a channel still registered is closed here; one already taken
		// by routeNotification or Shutdown is delivered to or closed there.
		if w.mux.removeWaiter(w.method, w.ch) {
			close(w.ch)
		}
	})
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

// Multiplexer correlates JSON-RPC request IDs to pending completions and
// routes server-initiated notifications to either a one-shot Waiter or a
// persistent NotificationHandler. It owns no subprocess; Transport feeds it
// decoded frames via HandleInbound and it writes framed requests/
// notifications through the io.Writer given to New.
//
// A Multiplexer is safe for concurrent use.
type Multiplexer struct {
	logger *zap.Logger

	writeMu sync.Mutex
	w       io.Writer

	nextID int64

	mu       sync.Mutex
	closed   bool
	closeErr error
	pending  map[string]chan rpcResult
	handlers map[string]NotificationHandler
	waiters  map[string][]chan json.RawMessage
}

// New creates a Multiplexer that writes framed messages to w. logger may be
// nil, in which case a no-op logger is used.
func New(w io.Writer, logger *zap.Logger) *Multiplexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multiplexer{
		logger:   logger,
		w:        w,
		pending:  make(map[string]chan rpcResult),
		handlers: make(map[string]NotificationHandler),
		waiters:  make(map[string][]chan json.RawMessage),
	}
}

// RegisterHandler installs a persistent handler for server notifications of
// the given method. Only one handler is kept per method; a later call
// replaces the earlier one. The handler runs for every notification of its
// method, including one that is also delivered to an armed one-shot Waiter.
func (m *Multiplexer) RegisterHandler(method string, handler NotificationHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = handler
}

// Arm registers a one-shot waiter for method and returns immediately,
// before any notification has necessarily arrived. Call Wait on the result
// after performing whatever edit is expected to provoke the notification.
func (m *Multiplexer) Arm(method string) *Waiter {
	ch := make(chan json.RawMessage, 1)
	w := &Waiter{mux: m, method: method, ch: ch}

	m.mu.Lock()
	m.waiters[method] = append(m.waiters[method], ch)
	m.mu.Unlock()

	return w
}

func (m *Multiplexer) removeWaiter(method string, ch chan json.RawMessage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	list := m.waiters[method]
	for i, c := range list {
		if c == ch {
			m.waiters[method] = append(list[:i], list[i+1:]...)
			found = true
			break
		}
	}
	if len(m.waiters[method]) == 0 {
		delete(m.waiters, method)
	}
	return found
}

// SendRequest allocates a fresh id, writes the framed request, and blocks
// until a matching response arrives, ctx is done, or the transport closes.
func (m *Multiplexer) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	id := strconv.FormatInt(atomic.AddInt64(&m.nextID, 1), 10)
	resultCh := make(chan rpcResult, 1)
	m.pending[id] = resultCh
	m.mu.Unlock()

	req, err := jsonrpc.NewRequest(json.RawMessage(strconv.Quote(id)), method, params)
	if err != nil {
		m.dropPending(id)
		return nil, err
	}

	if err := m.write(req); err != nil {
		m.dropPending(id)
		return nil, fmt.Errorf("write request %s: %w", method, err)
	}

	select {
	case r := <-resultCh:
		return r.result, r.err
	case <-ctx.Done():
		m.dropPending(id)
		return nil, ctx.Err()
	}
}

func (m *Multiplexer) dropPending(id string) {
	m.mu.Lock()
	delete(m.pending, id)
	m.mu.Unlock()
}

// SendNotification writes a framed notification and returns once the byte
// stream has accepted the write; no response is awaited.
func (m *Multiplexer) SendNotification(ctx context.Context, method string, params any) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.mu.Unlock()

	notif, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	if err := m.write(notif); err != nil {
		return fmt.Errorf("write notification %s: %w", method, err)
	}
	return nil
}

func (m *Multiplexer) write(msg any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return jsonrpc.EncodeFrame(m.w, body)
}

// Shutdown marks the multiplexer closed, completes every still-pending
// request with cause (falling back to ErrCancelled when cause is nil), and
// closes every armed waiter, whose Wait then returns ErrCancelled. Called by
// Transport when the subprocess exits or the peer's output ends. Safe to
// call more than once; only the first call has effect.
func (m *Multiplexer) Shutdown(cause error) {
	if cause == nil {
		cause = ErrCancelled
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.closeErr = cause

	pending := m.pending
	m.pending = make(map[string]chan rpcResult)

	waiters := m.waiters
	m.waiters = make(map[string][]chan json.RawMessage)
	m.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcResult{err: cause}
	}
	for _, list := range waiters {
		for _, ch := range list {
			close(ch)
		}
	}
}

// HandleInbound classifies and routes one decoded frame. Transport's
// stdout reader loop calls this for every message it decodes.
func (m *Multiplexer) HandleInbound(raw []byte) {
	kind, env, err := jsonrpc.Classify(raw)
	if err != nil {
		m.logger.Warn("dropping unparsable message", zap.Error(err))
		return
	}

	switch kind {
	case KindServerRequest:
		// No server-to-client request is required by the core (spec.md
		// §4.2); acknowledge with a null result so well-behaved servers
		// don't stall waiting for a reply.
		m.logger.Debug("acknowledging unhandled server request", zap.String("method", env.Method))
		resp := struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Result  json.RawMessage `json:"result"`
		}{JSONRPC: "2.0", ID: env.ID, Result: json.RawMessage("null")}
		if err := m.write(resp); err != nil {
			m.logger.Warn("failed to acknowledge server request", zap.Error(err))
		}

	case KindNotification:
		m.routeNotification(env.Method, extractParams(raw))

	case KindResponse:
		m.routeResponse(raw)

	default:
		m.logger.Warn("dropping message of indeterminate kind", zap.ByteString("raw", raw))
	}
}

// Kind re-exports jsonrpc classification for readability at call sites.
const (
	KindServerRequest = jsonrpc.KindRequest
	KindNotification  = jsonrpc.KindNotification
	KindResponse      = jsonrpc.KindResponse
)

func extractParams(raw []byte) json.RawMessage {
	var withParams struct {
		Params json.RawMessage `json:"params"`
	}
	_ = json.Unmarshal(raw, &withParams)
	return withParams.Params
}

func (m *Multiplexer) routeNotification(method string, params json.RawMessage) {
	m.mu.Lock()
	var waiterCh chan json.RawMessage
	if list := m.waiters[method]; len(list) > 0 {
		waiterCh = list[0]
		m.waiters[method] = list[1:]
		if len(m.waiters[method]) == 0 {
			delete(m.waiters, method)
		}
	}
	handler := m.handlers[method]
	m.mu.Unlock()

	if waiterCh != nil {
		waiterCh <- params
		// Also invoke the persistent handler, if any, so long-lived
		// observers (e.g. the session's diagnostics tracker, which must
		// record every publish regardless of whether a waiter is armed)
		// still see every notification even when a one-shot waiter
		// consumes this one too.
	}
	if handler != nil {
		handler(params)
	}
}

func (m *Multiplexer) routeResponse(raw []byte) {
	var resp jsonrpc.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		m.logger.Warn("dropping unparsable response", zap.Error(err))
		return
	}

	var id string
	if err := json.Unmarshal(resp.ID, &id); err != nil {
		m.logger.Warn("response id is not a string", zap.ByteString("id", resp.ID))
		return
	}

	m.mu.Lock()
	ch, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("response for unknown or already-completed request id", zap.String("id", id))
		return
	}

	if resp.Error != nil {
		ch <- rpcResult{err: resp.Error}
		return
	}
	if resp.Result == nil {
		ch <- rpcResult{err: ErrInvalidResponse}
		return
	}
	ch <- rpcResult{result: resp.Result}
}
