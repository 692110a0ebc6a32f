package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/better-wallet/inpage-provider/internal/engine"
	apperrors "github.com/better-wallet/inpage-provider/pkg/errors"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

// Request submits a JSON-RPC request and returns its result. A JSON-RPC
// error response is returned as an *errors.RPCError.
func (p *Provider) Request(ctx context.Context, args types.RequestArguments) (json.RawMessage, error) {
	req, err := requestFromArgs(args)
	if err != nil {
		return nil, err
	}

	resp, err := p.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	if len(resp.Result) == 0 {
		return json.RawMessage("null"), nil
	}
	return resp.Result, nil
}

func requestFromArgs(args types.RequestArguments) (*types.Request, error) {
	if args.Method == "" {
		return nil, apperrors.InvalidRequest(msgInvalidRequestMethod, args)
	}

	req := &types.Request{JSONRPC: types.JSONRPCVersion, Method: args.Method}
	if args.Params != nil {
		raw, err := types.MarshalParams(args.Params)
		if err != nil || !types.IsArrayOrObject(raw) {
			return nil, apperrors.InvalidRequest(msgInvalidRequestParams, args)
		}
		req.Params = raw
	}
	return req, nil
}

// SendAsync submits req and reports through cb. For a JSON-RPC error
// response cb receives both the response and its error.
func (p *Provider) SendAsync(req *types.Request, cb engine.Callback) {
	if req == nil {
		cb(nil, apperrors.InvalidRequest(msgNilRequest, nil))
		return
	}
	p.rpcRequest(context.Background(), req, func(resp *types.Response, err error) {
		if err == nil && resp != nil && resp.Error != nil {
			err = resp.Error
		}
		cb(resp, err)
	})
}

// SendAsyncBatch submits reqs as one batch and reports through cb.
func (p *Provider) SendAsyncBatch(reqs []*types.Request, cb engine.BatchCallback) {
	p.pipeline.HandleBatchAsync(p.ctx(context.Background()), withVersions(reqs), cb)
}

// Enable requests account access.
//
// Deprecated: use Request with eth_requestAccounts.
func (p *Provider) Enable(ctx context.Context) ([]string, error) {
	p.warnOnce("enable", warnEnableDeprecation)

	req, err := types.NewRequest(types.MethodRequestAccounts, []any{})
	if err != nil {
		return nil, err
	}
	resp, err := p.call(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	var accounts []string
	if err := json.Unmarshal(resp.Result, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}
	return accounts, nil
}

// Send is the legacy multi-shape entry point:
//   - Send(ctx, method, params) with nil or array params returns the full
//     *types.Response, or its error.
//   - Send(ctx, payload, callback) behaves like SendAsync and returns nil.
//   - Send(ctx, payload, nil) answers a few methods from cached state; see SendSync.
//   - Send(ctx, batch, batchCallback) behaves like SendAsyncBatch.
//
// Deprecated: use Request or SendAsync.
func (p *Provider) Send(ctx context.Context, methodOrPayload any, callbackOrParams any) (any, error) {
	p.warnOnce("send", warnSendDeprecation)

	switch payload := methodOrPayload.(type) {
	case string:
		if callbackOrParams != nil && !isArrayValue(callbackOrParams) {
			break
		}
		req, err := types.NewRequest(payload, callbackOrParams)
		if err != nil {
			return nil, apperrors.InvalidRequest(msgInvalidRequestParams, nil)
		}
		resp, err := p.call(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil

	case *types.Request:
		return p.sendPayload(payload, callbackOrParams)

	case types.Request:
		return p.sendPayload(&payload, callbackOrParams)

	case []*types.Request:
		switch cb := callbackOrParams.(type) {
		case engine.BatchCallback:
			p.SendAsyncBatch(payload, cb)
			return nil, nil
		case func([]*types.Response, error):
			p.SendAsyncBatch(payload, cb)
			return nil, nil
		}
	}

	return nil, fmt.Errorf("%w: unrecognised call shape (%T, %T)", ErrUnsupportedSync, methodOrPayload, callbackOrParams)
}

func (p *Provider) sendPayload(req *types.Request, callbackOrParams any) (any, error) {
	switch cb := callbackOrParams.(type) {
	case engine.Callback:
		p.SendAsync(req, cb)
		return nil, nil
	case func(*types.Response, error):
		p.SendAsync(req, cb)
		return nil, nil
	}

	resp, err := p.SendSync(req)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// SendSync answers eth_accounts, eth_coinbase and net_version from cached
// state without a round trip. eth_uninstallFilter is sent in the background
// and answered with true. Every other method fails with ErrUnsupportedSync.
func (p *Provider) SendSync(req *types.Request) (*types.Response, error) {
	if req == nil {
		return nil, apperrors.InvalidRequest(msgNilRequest, nil)
	}

	var result any

	switch req.Method {
	case types.MethodAccounts:
		accounts := []string{}
		if selected := p.SelectedAddress(); selected != "" {
			accounts = append(accounts, selected)
		}
		result = accounts

	case types.MethodCoinbase:
		result = nullable(p.SelectedAddress())

	case types.MethodUninstallFilter:
		p.rpcRequest(context.Background(), req, func(*types.Response, error) {})
		result = true

	case types.MethodNetVersion:
		result = nullable(p.NetworkVersion())

	default:
		return nil, fmt.Errorf("%w %q, use request or sendAsync instead", ErrUnsupportedSync, req.Method)
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &types.Response{
		JSONRPC: req.JSONRPC,
		ID:      req.ID,
		Result:  raw,
	}, nil
}

// call runs req through the pipeline and keeps the cached accounts in sync
// with eth_accounts style responses.
func (p *Provider) call(ctx context.Context, req *types.Request) (*types.Response, error) {
	req = withVersion(req)
	resp, err := p.pipeline.Handle(p.ctx(ctx), req)
	p.observeAccounts(req.Method, resp, err)
	return resp, err
}

func (p *Provider) rpcRequest(ctx context.Context, req *types.Request, cb engine.Callback) {
	req = withVersion(req)
	p.pipeline.HandleAsync(p.ctx(ctx), req, func(resp *types.Response, err error) {
		p.observeAccounts(req.Method, resp, err)
		cb(resp, err)
	})
}

func (p *Provider) observeAccounts(method string, resp *types.Response, err error) {
	if method != types.MethodAccounts && method != types.MethodRequestAccounts {
		return
	}
	if err != nil || resp == nil || resp.Error != nil {
		return
	}

	result := resp.Result
	if trimmed := bytes.TrimSpace(result); len(trimmed) == 0 || string(trimmed) == "null" {
		result = json.RawMessage(`[]`)
	}
	p.handleAccountsChanged(result, method == types.MethodAccounts)
}

func withVersion(req *types.Request) *types.Request {
	if req.JSONRPC != "" {
		return req
	}
	c := req.Clone()
	c.JSONRPC = types.JSONRPCVersion
	return c
}

func withVersions(reqs []*types.Request) []*types.Request {
	out := make([]*types.Request, len(reqs))
	for i, req := range reqs {
		if req == nil {
			continue
		}
		out[i] = withVersion(req)
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isArrayValue(v any) bool {
	if raw, ok := v.(json.RawMessage); ok {
		return types.IsArray(raw)
	}
	kind := reflect.ValueOf(v).Kind()
	return kind == reflect.Slice || kind == reflect.Array
}
