// Package provider implements the page-facing wallet provider: a cached
// state machine fed by backend notifications, and the facade page scripts
// call, including the deprecated send/sendAsync/enable shims.
package provider

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/better-wallet/inpage-provider/internal/engine"
	"github.com/better-wallet/inpage-provider/internal/events"
	"github.com/better-wallet/inpage-provider/internal/logger"
	"github.com/better-wallet/inpage-provider/internal/rpcstream"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

// Event names emitted by the provider.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventClose           = "close"
	EventChainChanged    = "chainChanged"
	EventNetworkChanged  = "networkChanged"
	EventAccountsChanged = "accountsChanged"
	EventMessage         = "message"
	EventData            = "data"
	EventNotification    = "notification"
	EventError           = "error"
	EventInitialized     = "_initialized"
)

var (
	// ErrAlreadyInitialized is returned when the initial state is loaded twice.
	ErrAlreadyInitialized = errors.New("provider: already initialized")
	// ErrUnsupportedSync is returned by SendSync for methods it cannot answer
	// from cached state.
	ErrUnsupportedSync = errors.New("unsupported synchronous method")
	// ErrPermanentlyDisconnected tears the transport down when the backend
	// reports a stream failure.
	ErrPermanentlyDisconnected = errors.New("disconnected from the wallet backend, page reload required")
)

// Pipeline is the request path the provider drives. *engine.Engine
// implements it.
type Pipeline interface {
	Handle(ctx context.Context, req *types.Request) (*types.Response, error)
	HandleBatch(ctx context.Context, reqs []*types.Request) ([]*types.Response, error)
	HandleAsync(ctx context.Context, req *types.Request, cb engine.Callback)
	HandleBatchAsync(ctx context.Context, reqs []*types.Request, cb engine.BatchCallback)
}

// NotificationSource delivers backend notifications in arrival order.
// *rpcstream.Stream implements it.
type NotificationSource interface {
	OnNotification(handler rpcstream.NotificationHandler) func()
}

// Options configures a Provider.
type Options struct {
	Logger *slog.Logger
	// MaxEventListeners is the per-event listener count past which a leak
	// warning is logged. Defaults to events.DefaultMaxListeners.
	MaxEventListeners int
	// EmittedNotifications are the notification methods re-emitted as
	// "message" events. Defaults to eth_subscription.
	EmittedNotifications []string
	// Teardown destroys the underlying transport. It is called when the
	// backend reports a stream failure.
	Teardown func(err error)
}

// ConnectInfo is the payload of the connect event.
type ConnectInfo struct {
	ChainID string `json:"chainId"`
}

// Message is the payload of the message event.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// State is a snapshot of the cached provider state. Empty strings stand for
// null; a nil Accounts slice means the accounts are not known yet.
type State struct {
	Accounts                  []string
	IsConnected               bool
	IsUnlocked                bool
	Initialized               bool
	IsPermanentlyDisconnected bool
	ChainID                   string
	NetworkVersion            string
	SelectedAddress           string
}

// Provider is the object installed on the page.
type Provider struct {
	pipeline  Pipeline
	emitter   *events.Emitter
	queue     *events.Queue
	logger    *slog.Logger
	sessionID string
	teardown  func(error)
	emitted   map[string]bool

	mu          sync.Mutex
	state       State
	initStarted bool
	ready       chan struct{}

	warnMu sync.Mutex
	warned map[string]bool

	experimentalOnce sync.Once
	experimental     *Experimental
}

// New builds a provider on top of pipeline and notifications and starts
// loading the initial state from the backend.
func New(pipeline Pipeline, notifications NotificationSource, opts Options) (*Provider, error) {
	if pipeline == nil {
		return nil, errors.New("provider: pipeline is required")
	}
	if notifications == nil {
		return nil, errors.New("provider: notification source is required")
	}

	p := newProvider(pipeline, opts)

	// Both handlers see every notification, in this order.
	notifications.OnNotification(p.handleNotification)
	notifications.OnNotification(p.handleLegacyNotification)

	go func() {
		_ = p.initializeState(context.Background())
	}()
	return p, nil
}

func newProvider(pipeline Pipeline, opts Options) *Provider {
	sessionID := uuid.NewString()

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("session_id", sessionID)

	maxListeners := opts.MaxEventListeners
	if maxListeners == 0 {
		maxListeners = events.DefaultMaxListeners
	}
	emitter := events.NewEmitter(log)
	emitter.SetMaxListeners(maxListeners)

	notifications := opts.EmittedNotifications
	if notifications == nil {
		notifications = []string{types.MethodSubscription}
	}
	emitted := make(map[string]bool, len(notifications))
	for _, method := range notifications {
		emitted[method] = true
	}

	teardown := opts.Teardown
	if teardown == nil {
		teardown = func(error) {}
	}

	return &Provider{
		pipeline:  pipeline,
		emitter:   emitter,
		queue:     events.NewQueue(),
		logger:    log,
		sessionID: sessionID,
		teardown:  teardown,
		emitted:   emitted,
		ready:     make(chan struct{}),
		warned:    make(map[string]bool),
	}
}

// SessionID identifies this provider instance in logs.
func (p *Provider) SessionID() string {
	return p.sessionID
}

// IsConnected reports whether the provider can reach the current chain.
func (p *Provider) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.IsConnected
}

// ChainID returns the cached hex chain id, or "" when unknown.
func (p *Provider) ChainID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.ChainID
}

// NetworkVersion returns the cached decimal network id, or "" when unknown.
func (p *Provider) NetworkVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.NetworkVersion
}

// SelectedAddress returns the first exposed account, or "" when none.
func (p *Provider) SelectedAddress() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.SelectedAddress
}

// IsIron is a feature-detection flag.
func (p *Provider) IsIron() bool { return true }

// IsMetaMask is a feature-detection flag kept for page compatibility.
func (p *Provider) IsMetaMask() bool { return true }

// State returns a copy of the cached state.
func (p *Provider) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state
	if p.state.Accounts != nil {
		st.Accounts = append([]string{}, p.state.Accounts...)
	}
	return st
}

// Ready is closed once the initial state has been loaded.
func (p *Provider) Ready() <-chan struct{} {
	return p.ready
}

// Flush blocks until every event emitted so far has reached its listeners.
// It must not be called from a listener.
func (p *Provider) Flush() {
	p.queue.Sync()
}

// Done is closed after the transport ended and the final events were delivered.
func (p *Provider) Done() <-chan struct{} {
	return p.queue.Done()
}

// ctx tags ctx with the provider session for the pipeline's log lines.
func (p *Provider) ctx(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return logger.WithSessionID(ctx, p.sessionID)
}

// emitLocked schedules an event for the listeners registered at the time of
// the transition. Callers hold p.mu, so events are queued in the order the
// state transitions happened.
func (p *Provider) emitLocked(event string, args ...any) {
	if deliver, ok := p.emitter.Prepare(event, args...); ok {
		p.queue.Push(deliver)
	}
}

func (p *Provider) warnOnce(key, msg string) {
	p.warnMu.Lock()
	sent := p.warned[key]
	p.warned[key] = true
	p.warnMu.Unlock()

	if !sent {
		p.logger.Warn(msg)
	}
}
