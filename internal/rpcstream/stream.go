// Package rpcstream correlates JSON-RPC requests and responses over a
// duplex channel and publishes unsolicited messages as notifications.
package rpcstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/better-wallet/inpage-provider/internal/engine"
	apperrors "github.com/better-wallet/inpage-provider/pkg/errors"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

// DefaultMaxRetries bounds how often one request is re-written after the
// backend signals a restart.
const DefaultMaxRetries = 3

// Channel is the duplex message stream the layer runs over. Read must
// return an error once the channel has ended.
type Channel interface {
	Read(ctx context.Context) (json.RawMessage, error)
	Write(ctx context.Context, data json.RawMessage) error
}

// Callback receives the outcome of a single request exactly once.
// JSON-RPC error responses arrive as a response with Error set and a nil err.
type Callback func(resp *types.Response, err error)

// BatchCallback receives the responses of a batch, ordered like the requests.
type BatchCallback func(resps []*types.Response, err error)

// NotificationHandler receives unsolicited messages.
type NotificationHandler func(n *types.Notification)

// Options configures a Stream.
type Options struct {
	Logger *slog.Logger
	// RetryOnMessage is the method name announcing that the remote end
	// restarted and outstanding requests may be re-sent.
	// Defaults to types.MethodConnectCanRetry.
	RetryOnMessage string
	MaxRetries     int
	Metrics        *Metrics
}

type pendingRequest struct {
	seq       uint64
	callerID  json.RawMessage
	wire      json.RawMessage
	method    string
	cb        Callback
	retries   int
	retryable bool
}

type subscription struct {
	id      uint64
	handler NotificationHandler
}

// message is the union of every shape that can arrive on the channel.
type message struct {
	JSONRPC string              `json:"jsonrpc"`
	ID      json.RawMessage     `json:"id"`
	Method  string              `json:"method"`
	Params  json.RawMessage     `json:"params"`
	Result  json.RawMessage     `json:"result"`
	Error   *apperrors.RPCError `json:"error"`
}

// Stream is the correlation layer. Requests always travel with a fresh
// wire id; the caller's id (or the assigned one when absent) is restored
// on the response.
type Stream struct {
	ch             Channel
	logger         *slog.Logger
	metrics        *Metrics
	retryOnMessage string
	maxRetries     int

	mu       sync.Mutex
	nextID   uint64
	pending  map[string]*pendingRequest
	closed   bool
	closeErr *apperrors.RPCError

	subsMu  sync.RWMutex
	subs    []subscription
	nextSub uint64

	done chan struct{}
}

// New starts reading ch. Subscribe to notifications before data can flow,
// i.e. before the underlying transport is attached.
func New(ch Channel, opts Options) *Stream {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetryOnMessage == "" {
		opts.RetryOnMessage = types.MethodConnectCanRetry
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}

	s := &Stream{
		ch:             ch,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		retryOnMessage: opts.RetryOnMessage,
		maxRetries:     opts.MaxRetries,
		pending:        make(map[string]*pendingRequest),
		done:           make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Send writes req and invokes cb exactly once with its response, or with a
// disconnected error if the channel ends first.
func (s *Stream) Send(req *types.Request, cb Callback) {
	s.send(req, cb, true)
}

// SendWithoutRetry is Send for requests that must not be re-written when
// the backend announces a restart.
func (s *Stream) SendWithoutRetry(req *types.Request, cb Callback) {
	s.send(req, cb, false)
}

func (s *Stream) send(req *types.Request, cb Callback, retryable bool) string {
	if req == nil {
		cb(nil, apperrors.InvalidRequest("request must not be nil", nil))
		return ""
	}

	s.mu.Lock()
	entry, key, err := s.registerLocked(req, cb, retryable)
	s.mu.Unlock()
	if err != nil {
		cb(nil, err)
		return ""
	}

	if werr := s.ch.Write(context.Background(), entry.wire); werr != nil {
		s.fail(key, s.disconnectedError(werr))
	}
	return key
}

// SendBatch writes reqs as one JSON array. cb fires once: with every
// response ordered like reqs, or with the first connection-level error.
func (s *Stream) SendBatch(reqs []*types.Request, cb BatchCallback) {
	s.sendBatch(reqs, cb)
}

func (s *Stream) sendBatch(reqs []*types.Request, cb BatchCallback) []string {
	if len(reqs) == 0 {
		cb(nil, apperrors.InvalidRequest("Request batch must contain plain objects. Received an empty array", nil))
		return nil
	}

	var (
		once      sync.Once
		resultsMu sync.Mutex
		results   = make([]*types.Response, len(reqs))
		remaining = len(reqs)
	)
	finish := func(resps []*types.Response, err error) {
		once.Do(func() { cb(resps, err) })
	}

	keys := make([]string, 0, len(reqs))
	wires := make([]string, 0, len(reqs))

	s.mu.Lock()
	for i, req := range reqs {
		if req == nil {
			s.dropLocked(keys)
			s.mu.Unlock()
			finish(nil, apperrors.InvalidRequest("Request batch must contain plain objects.", nil))
			return nil
		}
		i := i
		entry, key, err := s.registerLocked(req, func(resp *types.Response, err error) {
			if err != nil {
				finish(nil, err)
				return
			}
			resultsMu.Lock()
			results[i] = resp
			remaining--
			complete := remaining == 0
			resultsMu.Unlock()
			if complete {
				finish(results, nil)
			}
		}, true)
		if err != nil {
			s.dropLocked(keys)
			s.mu.Unlock()
			finish(nil, err)
			return nil
		}
		keys = append(keys, key)
		wires = append(wires, string(entry.wire))
	}
	s.mu.Unlock()

	wire := json.RawMessage("[" + strings.Join(wires, ",") + "]")
	if werr := s.ch.Write(context.Background(), wire); werr != nil {
		err := s.disconnectedError(werr)
		for _, key := range keys {
			s.fail(key, err)
		}
	}
	return keys
}

// Call is the blocking form of Send. If ctx ends first the request is
// abandoned: its entry is dropped and a late response is ignored.
func (s *Stream) Call(ctx context.Context, req *types.Request) (*types.Response, error) {
	type result struct {
		resp *types.Response
		err  error
	}
	done := make(chan result, 1)
	key := s.send(req, func(resp *types.Response, err error) {
		done <- result{resp, err}
	}, true)

	select {
	case r := <-done:
		return r.resp, r.err
	case <-ctx.Done():
		s.abandon(key)
		return nil, ctx.Err()
	}
}

// CallBatch is the blocking form of SendBatch.
func (s *Stream) CallBatch(ctx context.Context, reqs []*types.Request) ([]*types.Response, error) {
	type result struct {
		resps []*types.Response
		err   error
	}
	done := make(chan result, 1)
	keys := s.sendBatch(reqs, func(resps []*types.Response, err error) {
		done <- result{resps, err}
	})

	select {
	case r := <-done:
		return r.resps, r.err
	case <-ctx.Done():
		for _, key := range keys {
			s.abandon(key)
		}
		return nil, ctx.Err()
	}
}

// Handle lets the stream act as an engine.Handler.
func (s *Stream) Handle(ctx context.Context, req *types.Request) (*types.Response, error) {
	return s.Call(ctx, req)
}

// Middleware returns the stream as the terminal pipeline stage.
func (s *Stream) Middleware() engine.Middleware {
	return func(engine.Handler) engine.Handler {
		return s.Handle
	}
}

// OnNotification subscribes to notifications. Handlers run on the reader
// goroutine in registration order; one notification is fully handled
// before the next message is read. Returns an unsubscribe function.
func (s *Stream) OnNotification(handler NotificationHandler) func() {
	s.subsMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs = append(s.subs, subscription{id: id, handler: handler})
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// Pending returns the number of outstanding requests.
func (s *Stream) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Done is closed after the channel ended and every pending request settled.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

func (s *Stream) registerLocked(req *types.Request, cb Callback, retryable bool) (*pendingRequest, string, *apperrors.RPCError) {
	if s.closed {
		return nil, "", s.closeErr
	}

	s.nextID++
	wireID := types.NumericID(s.nextID)

	wireReq := req.Clone()
	wireReq.ID = wireID
	if wireReq.JSONRPC == "" {
		wireReq.JSONRPC = types.JSONRPCVersion
	}
	wire, err := json.Marshal(wireReq)
	if err != nil {
		return nil, "", apperrors.Internal(fmt.Sprintf("failed to encode request: %v", err))
	}

	callerID := req.ID
	if types.IDKey(callerID) == "" {
		callerID = wireID
	}

	entry := &pendingRequest{
		seq:       s.nextID,
		callerID:  callerID,
		wire:      wire,
		method:    req.Method,
		cb:        cb,
		retryable: retryable,
	}
	key := string(wireID)
	s.pending[key] = entry
	s.metrics.requestSent()
	return entry, key, nil
}

func (s *Stream) dropLocked(keys []string) {
	for _, key := range keys {
		if _, ok := s.pending[key]; ok {
			delete(s.pending, key)
			s.metrics.settled(outcomeError)
		}
	}
}

func (s *Stream) take(key string) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pending[key]
	if !ok {
		return nil
	}
	delete(s.pending, key)
	return entry
}

func (s *Stream) fail(key string, err *apperrors.RPCError) {
	entry := s.take(key)
	if entry == nil {
		return
	}
	s.metrics.settled(outcomeDisconnected)
	entry.cb(nil, err)
}

func (s *Stream) abandon(key string) {
	if key == "" {
		return
	}
	if entry := s.take(key); entry != nil {
		s.metrics.settled(outcomeError)
	}
}

func (s *Stream) disconnectedError(cause error) *apperrors.RPCError {
	return apperrors.Disconnected(fmt.Sprintf("Disconnected from wallet backend: %v", cause))
}

func (s *Stream) readLoop() {
	for {
		raw, err := s.ch.Read(context.Background())
		if err != nil {
			s.teardown(err)
			return
		}
		s.handleMessage(raw)
	}
}

func (s *Stream) handleMessage(raw json.RawMessage) {
	if types.IsArray(raw) {
		var batch []message
		if err := json.Unmarshal(raw, &batch); err != nil {
			s.logger.Warn("rpcstream: dropping malformed batch", "error", err)
			return
		}
		for i := range batch {
			s.handleOne(&batch[i])
		}
		return
	}

	var m message
	if err := json.Unmarshal(raw, &m); err != nil {
		s.logger.Warn("rpcstream: dropping malformed message", "error", err)
		return
	}
	s.handleOne(&m)
}

func (s *Stream) handleOne(m *message) {
	if m.Method != "" && m.Method == s.retryOnMessage {
		s.retryPending()
		return
	}

	if key := types.IDKey(m.ID); key != "" {
		if entry := s.take(key); entry != nil {
			s.settle(entry, m)
			return
		}
		if m.Method == "" {
			s.logger.Warn("rpcstream: response for unknown request id", "id", key)
			return
		}
	}

	if m.Method == "" {
		s.logger.Warn("rpcstream: dropping message without id or method")
		return
	}

	s.publish(&types.Notification{
		JSONRPC: m.JSONRPC,
		Method:  m.Method,
		Params:  m.Params,
	})
}

func (s *Stream) settle(entry *pendingRequest, m *message) {
	resp := &types.Response{
		JSONRPC: m.JSONRPC,
		ID:      entry.callerID,
		Result:  m.Result,
		Error:   m.Error,
	}
	if resp.JSONRPC == "" {
		resp.JSONRPC = types.JSONRPCVersion
	}

	if resp.Error != nil {
		s.metrics.settled(outcomeError)
	} else {
		s.metrics.settled(outcomeResult)
	}
	entry.cb(resp, nil)
}

func (s *Stream) publish(n *types.Notification) {
	s.metrics.notification(n.Method)

	s.subsMu.RLock()
	subs := make([]subscription, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.RUnlock()

	for _, sub := range subs {
		s.dispatch(n, sub)
	}
}

func (s *Stream) dispatch(n *types.Notification, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("rpcstream: notification handler panicked",
				"method", n.Method,
				"panic", r,
			)
		}
	}()
	sub.handler(n)
}

// retryPending re-writes every retry-eligible pending request, oldest
// first. Requests past the retry limit are settled with an error.
func (s *Stream) retryPending() {
	s.mu.Lock()
	var rewrite, exceeded []*pendingRequest
	for key, entry := range s.pending {
		if !entry.retryable {
			continue
		}
		if entry.retries >= s.maxRetries {
			delete(s.pending, key)
			exceeded = append(exceeded, entry)
			continue
		}
		entry.retries++
		rewrite = append(rewrite, entry)
	}
	s.mu.Unlock()

	sortBySeq(rewrite)
	sortBySeq(exceeded)

	for _, entry := range rewrite {
		s.metrics.retried()
		if err := s.ch.Write(context.Background(), entry.wire); err != nil {
			s.logger.Warn("rpcstream: retry write failed", "method", entry.method, "error", err)
		}
	}

	for _, entry := range exceeded {
		s.metrics.settled(outcomeError)
		entry.cb(nil, apperrors.Internal(fmt.Sprintf("Retry limit exceeded for request id %s", entry.callerID)))
	}
}

// teardown settles every pending request with a disconnected error. The
// table is swapped out first, so callbacks that send again see a closed
// stream instead of mutating the set being drained.
func (s *Stream) teardown(cause error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.closeErr = s.disconnectedError(cause)
	snapshot := make([]*pendingRequest, 0, len(s.pending))
	for _, entry := range s.pending {
		snapshot = append(snapshot, entry)
	}
	s.pending = make(map[string]*pendingRequest)
	closeErr := s.closeErr
	s.mu.Unlock()

	sortBySeq(snapshot)
	for _, entry := range snapshot {
		s.metrics.settled(outcomeDisconnected)
		entry.cb(nil, closeErr)
	}

	s.logger.Debug("rpcstream: channel ended", "error", cause, "settled", len(snapshot))
	close(s.done)
}

func sortBySeq(entries []*pendingRequest) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq < entries[j].seq
	})
}
