package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/better-wallet/inpage-provider/internal/validation"
	apperrors "github.com/better-wallet/inpage-provider/pkg/errors"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

// initializeState loads the backend state once. On failure the provider
// stays uninitialized and keeps serving requests with empty state.
func (p *Provider) initializeState(ctx context.Context) error {
	p.mu.Lock()
	if p.initStarted {
		p.mu.Unlock()
		return ErrAlreadyInitialized
	}
	p.initStarted = true
	p.mu.Unlock()

	req, err := types.NewRequest(types.MethodGetProviderState, nil)
	if err != nil {
		return err
	}

	resp, err := p.pipeline.Handle(p.ctx(ctx), req)
	if err == nil && resp.Error != nil {
		err = resp.Error
	}
	var st struct {
		Accounts       json.RawMessage `json:"accounts"`
		ChainID        json.RawMessage `json:"chainId"`
		IsUnlocked     json.RawMessage `json:"isUnlocked"`
		NetworkVersion json.RawMessage `json:"networkVersion"`
	}
	if err == nil {
		if uerr := json.Unmarshal(resp.Result, &st); uerr != nil {
			err = fmt.Errorf("failed to decode provider state: %w", uerr)
		}
	}
	if err != nil {
		p.logger.Error("failed to get initial provider state, page requests may not behave as expected", "error", err)
		return err
	}

	var chainID string
	if json.Unmarshal(st.ChainID, &chainID) == nil && validChainID(chainID) {
		p.handleConnect(chainID)
	}
	p.handleChainChanged(st.ChainID, st.NetworkVersion)
	p.handleUnlockStateChanged(st.Accounts, st.IsUnlocked)
	p.handleAccountsChanged(st.Accounts, false)

	p.mu.Lock()
	p.state.Initialized = true
	close(p.ready)
	p.emitLocked(EventInitialized)
	p.mu.Unlock()
	return nil
}

// handleNotification dispatches backend notifications by method.
func (p *Provider) handleNotification(n *types.Notification) {
	switch n.Method {
	case types.MethodAccountsChanged:
		p.handleAccountsChanged(n.Params, false)

	case types.MethodUnlockStateChanged:
		var params struct {
			Accounts   json.RawMessage `json:"accounts"`
			IsUnlocked json.RawMessage `json:"isUnlocked"`
		}
		if err := json.Unmarshal(n.Params, &params); err != nil {
			p.logger.Error("received invalid unlock state parameters", "params", string(n.Params))
			return
		}
		p.handleUnlockStateChanged(params.Accounts, params.IsUnlocked)

	case types.MethodChainChanged:
		var params struct {
			ChainID        json.RawMessage `json:"chainId"`
			NetworkVersion json.RawMessage `json:"networkVersion"`
		}
		if err := json.Unmarshal(n.Params, &params); err != nil {
			p.logger.Error("received invalid network parameters", "params", string(n.Params))
			return
		}
		p.handleChainChanged(params.ChainID, params.NetworkVersion)

	case types.MethodStreamFailure:
		p.teardown(ErrPermanentlyDisconnected)

	default:
		if p.emitted[n.Method] {
			p.mu.Lock()
			p.emitLocked(EventMessage, Message{Type: n.Method, Data: n.Params})
			p.mu.Unlock()
		}
	}
}

// handleLegacyNotification re-emits every notification as the deprecated
// "data" event and subscription results as "notification".
func (p *Provider) handleLegacyNotification(n *types.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.emitLocked(EventData, n)

	if n.Method != types.MethodSubscription {
		return
	}
	var params struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(n.Params, &params); err != nil {
		return
	}
	p.emitLocked(EventNotification, params.Result)
}

// handleConnect marks the provider connected, emitting connect when it was not.
func (p *Provider) handleConnect(chainID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectLocked(chainID)
}

func (p *Provider) connectLocked(chainID string) {
	if p.state.IsConnected {
		return
	}
	p.state.IsConnected = true
	p.emitLocked(EventConnect, ConnectInfo{ChainID: chainID})
	p.logger.Debug("connected to chain", "chain_id", chainID)
}

// handleDisconnect marks the provider disconnected. A recoverable disconnect
// (chain switch in progress) keeps the cached state; a permanent one clears
// it. Repeated calls emit nothing once disconnected.
func (p *Provider) handleDisconnect(recoverable bool, message string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state.IsConnected || (!p.state.IsPermanentlyDisconnected && !recoverable) {
		p.state.IsConnected = false

		var rpcErr *apperrors.RPCError
		if recoverable {
			if message == "" {
				message = msgDisconnected
			}
			rpcErr = apperrors.New(apperrors.CodeCloseRecoverable, message)
			p.logger.Debug("provider disconnected", "error", rpcErr)
		} else {
			if message == "" {
				message = msgPermanentlyDisconnected
			}
			rpcErr = apperrors.New(apperrors.CodeClosePermanent, message)
			p.logger.Error("provider permanently disconnected", "error", rpcErr)

			p.state.ChainID = ""
			p.state.Accounts = nil
			p.state.SelectedAddress = ""
			p.state.IsUnlocked = false
			p.state.IsPermanentlyDisconnected = true
		}

		p.emitLocked(EventDisconnect, rpcErr)
		p.emitLocked(EventClose, rpcErr)
	}

	if !recoverable {
		p.state.NetworkVersion = ""
	}
}

// handleAccountsChanged validates and applies a new account list. When the
// list comes from an eth_accounts response, a change of already known
// accounts is unexpected and logged.
func (p *Provider) handleAccountsChanged(raw json.RawMessage, fromEthAccounts bool) {
	accounts := p.parseAccounts(raw)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.accountsChangedLocked(accounts, fromEthAccounts)
}

func (p *Provider) accountsChangedLocked(accounts []string, fromEthAccounts bool) {
	if equalAccounts(p.state.Accounts, accounts) {
		return
	}

	if fromEthAccounts && p.state.Accounts != nil {
		p.logger.Error("eth_accounts unexpectedly updated accounts", "accounts", accounts)
	}

	p.state.Accounts = accounts
	selected := ""
	if len(accounts) > 0 {
		selected = accounts[0]
	}
	p.state.SelectedAddress = selected

	if p.state.Initialized {
		p.emitLocked(EventAccountsChanged, append([]string{}, accounts...))
	}
}

// parseAccounts decodes raw as a list of strings. Anything else is logged
// and treated as an empty list.
func (p *Provider) parseAccounts(raw json.RawMessage) []string {
	if !types.IsArray(raw) {
		p.logger.Error("received invalid accounts parameter", "accounts", string(raw))
		return []string{}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		p.logger.Error("received invalid accounts parameter", "accounts", string(raw))
		return []string{}
	}

	accounts := make([]string, 0, len(items))
	for _, item := range items {
		var account string
		if err := json.Unmarshal(item, &account); err != nil {
			p.logger.Error("received non-string account", "account", string(item))
			return []string{}
		}
		accounts = append(accounts, account)
	}
	return accounts
}

// handleChainChanged applies a chain change. A network version of
// "loading" means the wallet is switching chains and is treated as a
// recoverable disconnect.
func (p *Provider) handleChainChanged(rawChainID, rawNetworkVersion json.RawMessage) {
	var chainID, networkVersion string
	errChain := json.Unmarshal(rawChainID, &chainID)
	errNetwork := json.Unmarshal(rawNetworkVersion, &networkVersion)
	if errChain != nil || errNetwork != nil || !validChainID(chainID) || !validNetworkVersion(networkVersion) {
		p.logger.Error("received invalid network parameters",
			"chain_id", string(rawChainID),
			"network_version", string(rawNetworkVersion),
		)
		return
	}

	if networkVersion == validation.NetworkLoading {
		p.handleDisconnect(true, "")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.connectLocked(chainID)

	if chainID != p.state.ChainID {
		p.state.ChainID = chainID
		p.emitLocked(EventChainChanged, chainID)
	}

	if p.state.IsConnected && networkVersion != p.state.NetworkVersion {
		p.state.NetworkVersion = networkVersion
		if p.state.Initialized {
			p.emitLocked(EventNetworkChanged, networkVersion)
		}
	}
}

// handleUnlockStateChanged applies a lock state change together with the
// accounts exposed in the new state.
func (p *Provider) handleUnlockStateChanged(rawAccounts, rawIsUnlocked json.RawMessage) {
	var isUnlocked bool
	if err := json.Unmarshal(rawIsUnlocked, &isUnlocked); err != nil {
		p.logger.Error("received invalid isUnlocked parameter", "is_unlocked", string(rawIsUnlocked))
		return
	}

	if len(rawAccounts) == 0 || string(rawAccounts) == "null" {
		rawAccounts = json.RawMessage(`[]`)
	}
	accounts := p.parseAccounts(rawAccounts)

	p.mu.Lock()
	defer p.mu.Unlock()

	if isUnlocked == p.state.IsUnlocked {
		return
	}
	p.state.IsUnlocked = isUnlocked
	p.accountsChangedLocked(accounts, false)
}

// HandleStreamDisconnect reacts to the end of the named stream: the loss is
// logged, reported to "error" listeners if there are any, and the provider
// is permanently disconnected. No events are emitted afterwards.
func (p *Provider) HandleStreamDisconnect(streamName string, err error) {
	lost := fmt.Errorf("lost connection to %q", streamName)
	if err != nil {
		lost = fmt.Errorf("lost connection to %q: %w", streamName, err)
	}
	p.logger.Warn(lost.Error())

	if p.emitter.ListenerCount(EventError) > 0 {
		p.mu.Lock()
		p.emitLocked(EventError, lost)
		p.mu.Unlock()
	}

	message := ""
	if err != nil {
		message = err.Error()
	}
	p.handleDisconnect(false, message)
	p.queue.Close()
}

func validChainID(chainID string) bool {
	return validation.ValidateChainID(chainID) == nil
}

func validNetworkVersion(networkVersion string) bool {
	return validation.ValidateNetworkVersion(networkVersion) == nil
}

func equalAccounts(a, b []string) bool {
	if (a == nil) != (b == nil) || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
