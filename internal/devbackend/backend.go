// Package devbackend is an in-memory wallet backend speaking the provider
// protocol. It answers the core provider methods, pushes state
// notifications to every connected provider and records what it received.
package devbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"github.com/better-wallet/inpage-provider/internal/engine"
	"github.com/better-wallet/inpage-provider/internal/mux"
	"github.com/better-wallet/inpage-provider/internal/transport"
	"github.com/better-wallet/inpage-provider/internal/validation"
	apperrors "github.com/better-wallet/inpage-provider/pkg/errors"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

const (
	// DefaultChannelName matches the provider's JSON-RPC channel.
	DefaultChannelName = "metamask-provider"
	// DefaultChainID is mainnet.
	DefaultChainID uint64 = 1

	notifyTimeout = 5 * time.Second
)

// Options configures a Backend.
type Options struct {
	Logger      *slog.Logger
	ChannelName string
	ChainID     uint64
	Accounts    []string
	Locked      bool
}

// Backend holds the wallet state shared by all connections.
type Backend struct {
	logger  *slog.Logger
	channel string
	engine  *engine.Engine

	mu       sync.Mutex
	chainID  uint64
	accounts []string
	locked   bool
	metadata *types.SiteMetadata
	received []string
	conns    map[string]*mux.Channel
}

// New creates a backend. Accounts must be hex addresses.
func New(opts Options) (*Backend, error) {
	if err := validateAccounts(opts.Accounts); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ChannelName == "" {
		opts.ChannelName = DefaultChannelName
	}
	if opts.ChainID == 0 {
		opts.ChainID = DefaultChainID
	}

	b := &Backend{
		logger:   opts.Logger,
		channel:  opts.ChannelName,
		chainID:  opts.ChainID,
		accounts: append([]string{}, opts.Accounts...),
		locked:   opts.Locked,
		conns:    make(map[string]*mux.Channel),
	}
	b.engine = engine.New(b.record, b.dispatch)
	return b, nil
}

// Serve runs one provider connection over t until it ends or ctx is done.
// It returns an error only when the connection could not be set up.
func (b *Backend) Serve(ctx context.Context, t transport.Transport) error {
	m := mux.New(b.logger)
	ch, err := m.CreateChannel(b.channel)
	if err != nil {
		return err
	}
	if err := m.Attach(ctx, t); err != nil {
		return fmt.Errorf("failed to attach transport: %w", err)
	}
	defer m.Close(nil)

	id := uuid.NewString()
	log := b.logger.With("conn_id", id)

	b.mu.Lock()
	b.conns[id] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, id)
		b.mu.Unlock()
	}()

	log.Info("devbackend: connection opened")
	for {
		raw, err := ch.Read(ctx)
		if err != nil {
			log.Info("devbackend: connection closed", "reason", err)
			return nil
		}
		b.handle(ctx, ch, raw, log)
	}
}

func (b *Backend) handle(ctx context.Context, ch *mux.Channel, raw json.RawMessage, log *slog.Logger) {
	var reply any

	if types.IsArray(raw) {
		var reqs []*types.Request
		if err := json.Unmarshal(raw, &reqs); err != nil {
			reply = parseError(err)
		} else if resps, err := b.engine.HandleBatch(ctx, reqs); err != nil {
			reply = errorResponse(nil, err)
		} else {
			reply = resps
		}
	} else {
		var req types.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			reply = parseError(err)
		} else if resp, err := b.engine.Handle(ctx, &req); err != nil {
			reply = errorResponse(req.ID, err)
		} else {
			reply = resp
		}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		log.Error("devbackend: failed to encode reply", "error", err)
		return
	}
	if err := ch.Write(ctx, data); err != nil {
		log.Warn("devbackend: failed to write reply", "error", err)
	}
}

func parseError(err error) *types.Response {
	return &types.Response{
		JSONRPC: types.JSONRPCVersion,
		ID:      json.RawMessage("null"),
		Error:   apperrors.New(apperrors.CodeParseError, "Parse error: "+err.Error()),
	}
}

func errorResponse(id json.RawMessage, err error) *types.Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &types.Response{JSONRPC: types.JSONRPCVersion, ID: id, Error: apperrors.FromError(err)}
}

func (b *Backend) record(next engine.Handler) engine.Handler {
	return func(ctx context.Context, req *types.Request) (*types.Response, error) {
		b.mu.Lock()
		b.received = append(b.received, req.Method)
		b.mu.Unlock()
		return next(ctx, req)
	}
}

// dispatch answers the methods the backend knows and hands the rest to the
// terminal stage, which reports them as not found.
func (b *Backend) dispatch(next engine.Handler) engine.Handler {
	return func(ctx context.Context, req *types.Request) (*types.Response, error) {
		result, handled, err := b.call(req)
		if !handled {
			return next(ctx, req)
		}
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, apperrors.Internal(err.Error())
		}
		return &types.Response{Result: raw}, nil
	}
}

func (b *Backend) call(req *types.Request) (any, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch req.Method {
	case types.MethodGetProviderState:
		return types.ProviderState{
			Accounts:       b.exposedLocked(),
			ChainID:        hexutil.EncodeUint64(b.chainID),
			IsUnlocked:     !b.locked,
			NetworkVersion: strconv.FormatUint(b.chainID, 10),
		}, true, nil

	case types.MethodAccounts:
		return b.exposedLocked(), true, nil

	case types.MethodRequestAccounts:
		if b.locked {
			return nil, true, apperrors.UserRejected("User rejected the request.")
		}
		return b.exposedLocked(), true, nil

	case types.MethodCoinbase:
		if exposed := b.exposedLocked(); len(exposed) > 0 {
			return exposed[0], true, nil
		}
		return nil, true, nil

	case types.MethodChainID:
		return hexutil.EncodeUint64(b.chainID), true, nil

	case types.MethodNetVersion:
		return strconv.FormatUint(b.chainID, 10), true, nil

	case types.MethodSendDomainMetadata:
		var meta types.SiteMetadata
		if err := json.Unmarshal(req.Params, &meta); err != nil {
			return nil, true, apperrors.InvalidParams("invalid site metadata")
		}
		b.metadata = &meta
		return true, true, nil

	case types.MethodUninstallFilter:
		return true, true, nil
	}

	return nil, false, nil
}

func (b *Backend) exposedLocked() []string {
	if b.locked {
		return []string{}
	}
	return append([]string{}, b.accounts...)
}

// SetChain switches the active chain and notifies every connection.
func (b *Backend) SetChain(chainID uint64) {
	b.mu.Lock()
	b.chainID = chainID
	b.mu.Unlock()

	b.broadcast(types.MethodChainChanged, types.ChainChangedParams{
		ChainID:        hexutil.EncodeUint64(chainID),
		NetworkVersion: strconv.FormatUint(chainID, 10),
	})
}

// BeginChainSwitch announces that the network is loading, which providers
// treat as a recoverable disconnect until the next SetChain.
func (b *Backend) BeginChainSwitch() {
	b.mu.Lock()
	chainID := b.chainID
	b.mu.Unlock()

	b.broadcast(types.MethodChainChanged, types.ChainChangedParams{
		ChainID:        hexutil.EncodeUint64(chainID),
		NetworkVersion: "loading",
	})
}

// SetAccounts replaces the accounts. Connections are notified unless the
// wallet is locked.
func (b *Backend) SetAccounts(accounts []string) error {
	if err := validateAccounts(accounts); err != nil {
		return err
	}

	b.mu.Lock()
	b.accounts = append([]string{}, accounts...)
	locked := b.locked
	exposed := b.exposedLocked()
	b.mu.Unlock()

	if !locked {
		b.broadcast(types.MethodAccountsChanged, exposed)
	}
	return nil
}

// SetLocked locks or unlocks the wallet and notifies every connection.
func (b *Backend) SetLocked(locked bool) {
	b.mu.Lock()
	b.locked = locked
	exposed := b.exposedLocked()
	b.mu.Unlock()

	b.broadcast(types.MethodUnlockStateChanged, types.UnlockStateChangedParams{
		Accounts:   exposed,
		IsUnlocked: !locked,
	})
}

// SignalRetry tells providers to re-send their outstanding requests.
func (b *Backend) SignalRetry() {
	b.broadcast(types.MethodConnectCanRetry, nil)
}

// Fail tells providers the backend stream has failed for good.
func (b *Backend) Fail() {
	b.broadcast(types.MethodStreamFailure, nil)
}

// Notify pushes an arbitrary notification, e.g. an eth_subscription event.
func (b *Backend) Notify(method string, params any) error {
	n, err := notification(method, params)
	if err != nil {
		return err
	}
	b.send(n)
	return nil
}

// Received returns the methods handled so far, in arrival order.
func (b *Backend) Received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string{}, b.received...)
}

// SiteMetadata returns the last metadata announced by a provider.
func (b *Backend) SiteMetadata() (types.SiteMetadata, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.metadata == nil {
		return types.SiteMetadata{}, false
	}
	return *b.metadata, true
}

// Connections returns the number of live provider connections.
func (b *Backend) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *Backend) broadcast(method string, params any) {
	n, err := notification(method, params)
	if err != nil {
		b.logger.Error("devbackend: failed to encode notification", "method", method, "error", err)
		return
	}
	b.send(n)
}

func (b *Backend) send(data []byte) {
	b.mu.Lock()
	channels := make([]*mux.Channel, 0, len(b.conns))
	for _, ch := range b.conns {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	for _, ch := range channels {
		if err := ch.Write(ctx, data); err != nil {
			b.logger.Warn("devbackend: failed to push notification", "error", err)
		}
	}
}

func notification(method string, params any) ([]byte, error) {
	n := types.Notification{JSONRPC: types.JSONRPCVersion, Method: method}
	if params != nil {
		raw, err := types.MarshalParams(params)
		if err != nil {
			return nil, err
		}
		n.Params = raw
	}
	return json.Marshal(n)
}

func validateAccounts(accounts []string) error {
	for _, a := range accounts {
		if err := validation.ValidateEthereumAddress(a); err != nil {
			return fmt.Errorf("devbackend: account %q: %w", a, err)
		}
	}
	return nil
}
