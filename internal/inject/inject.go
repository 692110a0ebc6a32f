// Package inject wires a transport into a ready provider: multiplexer,
// correlation layer, middleware pipeline and state machine, optionally
// installed on a Window as its global wallet handle.
package inject

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/better-wallet/inpage-provider/internal/engine"
	"github.com/better-wallet/inpage-provider/internal/events"
	"github.com/better-wallet/inpage-provider/internal/middleware"
	"github.com/better-wallet/inpage-provider/internal/mux"
	"github.com/better-wallet/inpage-provider/internal/provider"
	"github.com/better-wallet/inpage-provider/internal/rpcstream"
	"github.com/better-wallet/inpage-provider/internal/transport"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

const (
	// DefaultJSONRPCStreamName is the channel carrying JSON-RPC traffic.
	DefaultJSONRPCStreamName = "metamask-provider"
	// GlobalName is the window global the provider is installed under.
	GlobalName = "ethereum"
	// InitializedEvent fires on the window once the provider is installed.
	InitializedEvent = "ethereum#initialized"
)

// ErrNilTransport is returned when Inject is given no transport.
var ErrNilTransport = errors.New("inject: transport is required")

// RateLimitOptions configures the per-method rate limiting stage.
type RateLimitOptions struct {
	RPS   int
	Burst int
}

// Options configures Inject. Start from DefaultOptions: the zero value
// neither installs the provider on a window nor sends site metadata.
type Options struct {
	Logger *slog.Logger

	// JSONRPCStreamName names the multiplexed JSON-RPC channel.
	JSONRPCStreamName string
	// MaxEventListeners is the per-event listener warning threshold.
	MaxEventListeners int
	// EmittedNotifications are re-emitted as "message" events.
	EmittedNotifications []string
	// IgnoredChannels are channels whose traffic is dropped silently.
	IgnoredChannels []string

	// ShouldSetOnWindow installs the provider on Window.
	ShouldSetOnWindow bool
	Window            *Window

	// ShouldSendMetadata announces SiteMetadata to the backend.
	ShouldSendMetadata bool
	SiteMetadata       types.SiteMetadata

	// RateLimit adds a rate limiting stage when set with a positive RPS.
	RateLimit *RateLimitOptions
	// MetricsRegisterer receives the correlation layer metrics when set.
	MetricsRegisterer prometheus.Registerer
}

// DefaultOptions returns the options a page bootstrap uses.
func DefaultOptions() Options {
	return Options{
		JSONRPCStreamName: DefaultJSONRPCStreamName,
		MaxEventListeners: events.DefaultMaxListeners,
		IgnoredChannels:   []string{"phishing"},
		ShouldSetOnWindow: true,
		Window:            NewWindow(),
	}
}

// Inject builds a provider on top of t. The transport is owned by the
// provider from here on: when it ends the provider is permanently
// disconnected.
func Inject(ctx context.Context, t transport.Transport, opts Options) (*provider.Provider, error) {
	if t == nil {
		return nil, ErrNilTransport
	}
	if opts.ShouldSetOnWindow && opts.Window == nil {
		return nil, errors.New("inject: a window is required to install the provider")
	}
	if opts.JSONRPCStreamName == "" {
		opts.JSONRPCStreamName = DefaultJSONRPCStreamName
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	m := mux.New(log)
	for _, name := range opts.IgnoredChannels {
		m.Ignore(name)
	}
	ch, err := m.CreateChannel(opts.JSONRPCStreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s channel: %w", opts.JSONRPCStreamName, err)
	}

	var metrics *rpcstream.Metrics
	if opts.MetricsRegisterer != nil {
		metrics = rpcstream.NewMetrics(opts.MetricsRegisterer)
	}
	stream := rpcstream.New(ch, rpcstream.Options{Logger: log, Metrics: metrics})

	eng := engine.New(middleware.RequestID(log), middleware.Validate())
	if opts.RateLimit != nil && opts.RateLimit.RPS > 0 {
		limiter := middleware.NewRateLimiter(opts.RateLimit.RPS, opts.RateLimit.Burst, true)
		if err := eng.Push(limiter.Limit); err != nil {
			return nil, err
		}
	}
	if err := eng.Push(stream.Middleware()); err != nil {
		return nil, err
	}

	p, err := provider.New(eng, stream, provider.Options{
		Logger:               log,
		MaxEventListeners:    opts.MaxEventListeners,
		EmittedNotifications: opts.EmittedNotifications,
		Teardown:             m.Close,
	})
	if err != nil {
		m.Close(err)
		return nil, err
	}

	if err := m.Attach(ctx, t); err != nil {
		m.Close(err)
		return nil, fmt.Errorf("failed to attach transport: %w", err)
	}

	go func() {
		<-m.Done()
		p.HandleStreamDisconnect(opts.JSONRPCStreamName, m.Err())
	}()

	if opts.ShouldSendMetadata {
		sendSiteMetadata(ctx, eng, opts.SiteMetadata, log)
	}

	if opts.ShouldSetOnWindow {
		opts.Window.SetGlobal(GlobalName, p)
		opts.Window.DispatchEvent(InitializedEvent)
	}

	return p, nil
}

// sendSiteMetadata announces the page to the backend. The result is not
// awaited; failures are only logged.
func sendSiteMetadata(ctx context.Context, eng *engine.Engine, meta types.SiteMetadata, log *slog.Logger) {
	req, err := types.NewRequest(types.MethodSendDomainMetadata, meta)
	if err != nil {
		log.Error("failed to encode site metadata", "error", err)
		return
	}
	req.ID = types.NumericID(1)

	eng.HandleAsync(context.WithoutCancel(ctx), req, func(resp *types.Response, err error) {
		if err == nil && resp.Error != nil {
			err = resp.Error
		}
		if err != nil {
			log.Error("failed to send site metadata", "error", err)
		}
	})
}

// ProviderFrom returns the provider installed on w, if any.
func ProviderFrom(w *Window) (*provider.Provider, bool) {
	v, ok := w.Global(GlobalName)
	if !ok {
		return nil, false
	}
	p, ok := v.(*provider.Provider)
	return p, ok
}
