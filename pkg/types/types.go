package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	apperrors "github.com/better-wallet/inpage-provider/pkg/errors"
)

// JSONRPCVersion is the only protocol version the provider speaks
const JSONRPCVersion = "2.0"

// Well-known provider methods
const (
	MethodAccounts           = "eth_accounts"
	MethodRequestAccounts    = "eth_requestAccounts"
	MethodCoinbase           = "eth_coinbase"
	MethodChainID            = "eth_chainId"
	MethodNetVersion         = "net_version"
	MethodUninstallFilter    = "eth_uninstallFilter"
	MethodGetProviderState   = "metamask_getProviderState"
	MethodSendDomainMetadata = "metamask_sendDomainMetadata"
	MethodSubscription       = "eth_subscription"
	MethodAccountsChanged    = "accountsChanged"
	MethodChainChanged       = "chainChanged"
	MethodUnlockStateChanged = "metamask_unlockStateChanged"
	MethodStreamFailure      = "METAMASK_STREAM_FAILURE"
	MethodConnectCanRetry    = "METAMASK_EXTENSION_CONNECT_CAN_RETRY"
)

// Request is a JSON-RPC request. Params are kept raw: the provider treats
// payloads as opaque JSON values.
type Request struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC response carrying either Result or Error.
type Response struct {
	JSONRPC string              `json:"jsonrpc,omitempty"`
	ID      json.RawMessage     `json:"id,omitempty"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *apperrors.RPCError `json:"error,omitempty"`
}

// Notification is an unsolicited server-to-client message (no id).
type Notification struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RequestArguments is the argument of the canonical request method.
type RequestArguments struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// ProviderState is the result of metamask_getProviderState.
type ProviderState struct {
	Accounts       []string `json:"accounts"`
	ChainID        string   `json:"chainId"`
	IsUnlocked     bool     `json:"isUnlocked"`
	NetworkVersion string   `json:"networkVersion"`
}

// ChainChangedParams is the payload of the chainChanged notification.
type ChainChangedParams struct {
	ChainID        string `json:"chainId"`
	NetworkVersion string `json:"networkVersion"`
}

// UnlockStateChangedParams is the payload of metamask_unlockStateChanged.
type UnlockStateChangedParams struct {
	Accounts   []string `json:"accounts"`
	IsUnlocked bool     `json:"isUnlocked"`
}

// SiteMetadata describes the page to the wallet backend.
type SiteMetadata struct {
	Name string  `json:"name"`
	Icon *string `json:"icon"`
}

// NewRequest builds a request with marshalled params. A nil params value
// leaves Params empty.
func NewRequest(method string, params any) (*Request, error) {
	req := &Request{JSONRPC: JSONRPCVersion, Method: method}
	if params == nil {
		return req, nil
	}
	raw, err := MarshalParams(params)
	if err != nil {
		return nil, err
	}
	req.Params = raw
	return req, nil
}

// MarshalParams encodes params, passing json.RawMessage through untouched.
func MarshalParams(params any) (json.RawMessage, error) {
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return b, nil
}

// NumericID encodes n as a JSON number id.
func NumericID(n uint64) json.RawMessage {
	return json.RawMessage(strconv.FormatUint(n, 10))
}

// IDKey returns a comparable key for a raw id, or "" when absent or null.
func IDKey(id json.RawMessage) string {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	return string(trimmed)
}

// IsArrayOrObject reports whether raw holds a JSON array or object.
func IsArrayOrObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return false
	}
	return trimmed[0] == '[' || trimmed[0] == '{'
}

// IsArray reports whether raw holds a JSON array.
func IsArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

// Clone returns a shallow copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	return &c
}
