package provider

import (
	"context"
	"encoding/json"

	apperrors "github.com/better-wallet/inpage-provider/pkg/errors"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

// Experimental holds non-standard methods. Using any of them logs a
// warning once per provider.
type Experimental struct {
	p *Provider
}

// Experimental returns the experimental API, creating it on first use.
func (p *Provider) Experimental() *Experimental {
	p.experimentalOnce.Do(func() {
		p.experimental = &Experimental{p: p}
	})
	return p.experimental
}

// IsUnlocked waits for the initial state and returns the cached lock state.
func (x *Experimental) IsUnlocked(ctx context.Context) (bool, error) {
	x.p.warnOnce("experimental", warnExperimentalMethods)

	select {
	case <-x.p.ready:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	x.p.mu.Lock()
	defer x.p.mu.Unlock()
	return x.p.state.IsUnlocked, nil
}

// RequestBatch sends requests as one batch and returns the responses in
// request order. requests must be a slice of *types.Request, types.Request
// or types.RequestArguments; anything else fails before any network call.
func (x *Experimental) RequestBatch(ctx context.Context, requests any) ([]*types.Response, error) {
	x.p.warnOnce("experimental", warnExperimentalMethods)

	reqs, err := batchFrom(requests)
	if err != nil {
		return nil, err
	}
	return x.p.pipeline.HandleBatch(x.p.ctx(ctx), withVersions(reqs))
}

func batchFrom(requests any) ([]*types.Request, error) {
	invalid := func() error {
		var data any
		if raw, err := json.Marshal(requests); err == nil {
			data = json.RawMessage(raw)
		}
		return apperrors.InvalidRequest(msgInvalidBatch, data)
	}

	switch batch := requests.(type) {
	case []*types.Request:
		for _, req := range batch {
			if req == nil {
				return nil, invalid()
			}
		}
		return batch, nil

	case []types.Request:
		reqs := make([]*types.Request, len(batch))
		for i := range batch {
			reqs[i] = &batch[i]
		}
		return reqs, nil

	case []types.RequestArguments:
		reqs := make([]*types.Request, len(batch))
		for i, args := range batch {
			req, err := requestFromArgs(args)
			if err != nil {
				return nil, err
			}
			reqs[i] = req
		}
		return reqs, nil
	}

	return nil, invalid()
}
