// Package engine runs JSON-RPC requests through an ordered middleware chain.
//
// Stages are composed like net/http middleware: each receives the next
// handler and may answer the request itself, decorate the response, or pass
// the request on. The last stage pushed is normally the correlation layer,
// which forwards the request to the wallet backend.
package engine

import (
	"context"
	"errors"
	"sync"

	apperrors "github.com/better-wallet/inpage-provider/pkg/errors"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

// ErrSealed is returned by Push once the engine has handled a request.
var ErrSealed = errors.New("engine: middleware cannot be added after the first request")

// Handler answers a single request. A JSON-RPC error is reported either as
// a response with Error set or as a returned *errors.RPCError; Handle
// normalises the latter into the former.
type Handler func(ctx context.Context, req *types.Request) (*types.Response, error)

// Middleware wraps the next handler in the chain.
type Middleware func(next Handler) Handler

// Callback receives the outcome of HandleAsync.
type Callback func(resp *types.Response, err error)

// BatchCallback receives the outcome of HandleBatchAsync.
type BatchCallback func(resps []*types.Response, err error)

// Engine is an ordered middleware pipeline.
type Engine struct {
	mu         sync.Mutex
	middleware []Middleware
	handler    Handler
}

// New creates an engine with the given stages, outermost first.
func New(middleware ...Middleware) *Engine {
	return &Engine{middleware: middleware}
}

// Push appends a stage. Stages run in insertion order.
func (e *Engine) Push(mw Middleware) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handler != nil {
		return ErrSealed
	}
	e.middleware = append(e.middleware, mw)
	return nil
}

// chain builds the handler on first use and seals the engine.
func (e *Engine) chain() Handler {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handler != nil {
		return e.handler
	}

	var h Handler = func(_ context.Context, req *types.Request) (*types.Response, error) {
		return nil, apperrors.MethodNotFound(req.Method)
	}
	for i := len(e.middleware) - 1; i >= 0; i-- {
		h = e.middleware[i](h)
	}
	e.handler = h
	return h
}

// Handle runs req through the chain. A JSON-RPC error is returned as a
// response with Error set; the error return is reserved for failures that
// produced no response, such as a cancelled context or a lost connection.
func (e *Engine) Handle(ctx context.Context, req *types.Request) (*types.Response, error) {
	if req == nil {
		return nil, apperrors.InvalidRequest("request must not be nil", nil)
	}

	resp, err := e.chain()(ctx, req)
	if err != nil {
		rpcErr, ok := apperrors.IsRPCError(err)
		if !ok || rpcErr.Code == apperrors.CodeDisconnected {
			return nil, err
		}
		resp = &types.Response{Error: rpcErr}
	}
	if resp == nil {
		resp = &types.Response{}
	}

	resp.ID = req.ID
	if resp.JSONRPC == "" {
		resp.JSONRPC = types.JSONRPCVersion
	}
	return resp, nil
}

// HandleBatch runs every request through the full chain concurrently and
// returns the responses in request order. An item that fails without a
// response is answered with its error, unless the failure is a context
// error, which aborts the batch.
func (e *Engine) HandleBatch(ctx context.Context, reqs []*types.Request) ([]*types.Response, error) {
	if len(reqs) == 0 {
		return nil, apperrors.InvalidRequest("Request batch must contain plain objects. Received an empty array", nil)
	}

	resps := make([]*types.Response, len(reqs))
	errs := make([]error, len(reqs))

	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req *types.Request) {
			defer wg.Done()
			resps[i], errs[i] = e.Handle(ctx, req)
		}(i, req)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		resp := &types.Response{
			JSONRPC: types.JSONRPCVersion,
			Error:   apperrors.FromError(err),
		}
		if reqs[i] != nil {
			resp.ID = reqs[i].ID
		}
		resps[i] = resp
	}
	return resps, nil
}

// HandleAsync runs Handle on its own goroutine and reports through cb.
func (e *Engine) HandleAsync(ctx context.Context, req *types.Request, cb Callback) {
	go func() {
		cb(e.Handle(ctx, req))
	}()
}

// HandleBatchAsync runs HandleBatch on its own goroutine and reports through cb.
func (e *Engine) HandleBatchAsync(ctx context.Context, reqs []*types.Request, cb BatchCallback) {
	go func() {
		cb(e.HandleBatch(ctx, reqs))
	}()
}
