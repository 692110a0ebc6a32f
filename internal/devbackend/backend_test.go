package devbackend

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/better-wallet/inpage-provider/internal/mux"
	"github.com/better-wallet/inpage-provider/internal/rpcstream"
	"github.com/better-wallet/inpage-provider/internal/transport"
	apperrors "github.com/better-wallet/inpage-provider/pkg/errors"
	"github.com/better-wallet/inpage-provider/pkg/types"
)

const (
	alice = "0x00000000000000000000000000000000000000a1"
	bob   = "0x00000000000000000000000000000000000000b2"
)

func newBackend(t *testing.T, opts Options) *Backend {
	t.Helper()
	b, err := New(opts)
	require.NoError(t, err)
	return b
}

// connect serves one in-memory connection and returns the client stream.
func connect(t *testing.T, b *Backend) *rpcstream.Stream {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client, server := transport.Pipe()
	go func() { _ = b.Serve(ctx, server) }()

	m := mux.New(nil)
	t.Cleanup(func() { m.Close(nil) })
	ch, err := m.CreateChannel(DefaultChannelName)
	require.NoError(t, err)
	require.NoError(t, m.Attach(ctx, client))

	require.Eventually(t, func() bool { return b.Connections() == 1 }, time.Second, 5*time.Millisecond)
	return rpcstream.New(ch, rpcstream.Options{})
}

func call(t *testing.T, s *rpcstream.Stream, method string, params any) *types.Response {
	t.Helper()
	req, err := types.NewRequest(method, params)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := s.Call(ctx, req)
	require.NoError(t, err)
	return resp
}

func TestNewRejectsInvalidAccounts(t *testing.T) {
	tests := []struct {
		name     string
		accounts []string
		wantErr  bool
	}{
		{"valid", []string{alice, bob}, false},
		{"none", nil, false},
		{"not hex", []string{"0xnothex"}, true},
		{"missing prefix", []string{strings.TrimPrefix(alice, "0x")}, true},
		{"short", []string{"0x1234"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Options{Accounts: tt.accounts})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBackendMethods(t *testing.T) {
	b := newBackend(t, Options{ChainID: 5, Accounts: []string{alice}})
	s := connect(t, b)

	tests := []struct {
		method   string
		params   any
		want     string
		wantCode int
	}{
		{types.MethodGetProviderState, nil, `{"accounts":["` + alice + `"],"chainId":"0x5","isUnlocked":true,"networkVersion":"5"}`, 0},
		{types.MethodAccounts, nil, `["` + alice + `"]`, 0},
		{types.MethodRequestAccounts, nil, `["` + alice + `"]`, 0},
		{types.MethodCoinbase, nil, `"` + alice + `"`, 0},
		{types.MethodChainID, nil, `"0x5"`, 0},
		{types.MethodNetVersion, nil, `"5"`, 0},
		{types.MethodUninstallFilter, []string{"0x1"}, `true`, 0},
		{"eth_sendTransaction", nil, "", apperrors.CodeMethodNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method, func(t *testing.T) {
			resp := call(t, s, tt.method, tt.params)
			if tt.wantCode != 0 {
				require.NotNil(t, resp.Error)
				assert.Equal(t, tt.wantCode, resp.Error.Code)
				return
			}
			require.Nil(t, resp.Error)
			assert.JSONEq(t, tt.want, string(resp.Result))
		})
	}
}

func TestBackendLocked(t *testing.T) {
	b := newBackend(t, Options{Accounts: []string{alice}, Locked: true})
	s := connect(t, b)

	resp := call(t, s, types.MethodRequestAccounts, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperrors.CodeUserRejected, resp.Error.Code)

	resp = call(t, s, types.MethodAccounts, nil)
	assert.JSONEq(t, `[]`, string(resp.Result))

	resp = call(t, s, types.MethodCoinbase, nil)
	assert.JSONEq(t, `null`, string(resp.Result))
}

func TestBackendBatch(t *testing.T) {
	b := newBackend(t, Options{ChainID: 137})
	s := connect(t, b)

	reqs := make([]*types.Request, 0, 3)
	for _, method := range []string{types.MethodNetVersion, "eth_unknown", types.MethodChainID} {
		req, err := types.NewRequest(method, nil)
		require.NoError(t, err)
		reqs = append(reqs, req)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resps, err := s.CallBatch(ctx, reqs)
	require.NoError(t, err)
	require.Len(t, resps, 3)

	assert.JSONEq(t, `"137"`, string(resps[0].Result))
	require.NotNil(t, resps[1].Error)
	assert.Equal(t, apperrors.CodeMethodNotFound, resps[1].Error.Code)
	assert.JSONEq(t, `"0x89"`, string(resps[2].Result))
}

func TestBackendRecordsMetadata(t *testing.T) {
	b := newBackend(t, Options{})
	s := connect(t, b)

	_, ok := b.SiteMetadata()
	assert.False(t, ok)

	resp := call(t, s, types.MethodSendDomainMetadata, types.SiteMetadata{Name: "Example"})
	require.Nil(t, resp.Error)

	meta, ok := b.SiteMetadata()
	require.True(t, ok)
	assert.Equal(t, "Example", meta.Name)
	assert.Nil(t, meta.Icon)

	resp = call(t, s, types.MethodSendDomainMetadata, nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperrors.CodeInvalidParams, resp.Error.Code)

	assert.Equal(t, []string{types.MethodSendDomainMetadata, types.MethodSendDomainMetadata}, b.Received())
}

func TestBackendNotifications(t *testing.T) {
	b := newBackend(t, Options{Accounts: []string{alice}})
	s := connect(t, b)

	got := make(chan *types.Notification, 16)
	s.OnNotification(func(n *types.Notification) { got <- n })

	next := func() *types.Notification {
		t.Helper()
		select {
		case n := <-got:
			return n
		case <-time.After(2 * time.Second):
			t.Fatal("no notification")
			return nil
		}
	}

	b.SetChain(10)
	n := next()
	assert.Equal(t, types.MethodChainChanged, n.Method)
	assert.JSONEq(t, `{"chainId":"0xa","networkVersion":"10"}`, string(n.Params))

	b.BeginChainSwitch()
	n = next()
	assert.JSONEq(t, `{"chainId":"0xa","networkVersion":"loading"}`, string(n.Params))

	require.NoError(t, b.SetAccounts([]string{bob}))
	n = next()
	assert.Equal(t, types.MethodAccountsChanged, n.Method)
	assert.JSONEq(t, `["`+bob+`"]`, string(n.Params))

	assert.Error(t, b.SetAccounts([]string{"nope"}))

	b.SetLocked(true)
	n = next()
	assert.Equal(t, types.MethodUnlockStateChanged, n.Method)
	assert.JSONEq(t, `{"accounts":[],"isUnlocked":false}`, string(n.Params))

	// Locked wallets do not announce account changes.
	require.NoError(t, b.SetAccounts([]string{alice}))

	require.NoError(t, b.Notify(types.MethodSubscription, map[string]any{"subscription": "0x1", "result": 7}))
	n = next()
	assert.Equal(t, types.MethodSubscription, n.Method)

	b.Fail()
	n = next()
	assert.Equal(t, types.MethodStreamFailure, n.Method)
	assert.Empty(t, n.Params)
}

func TestBackendParseError(t *testing.T) {
	b := newBackend(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, server := transport.Pipe()
	go func() { _ = b.Serve(ctx, server) }()

	m := mux.New(nil)
	defer m.Close(nil)
	ch, err := m.CreateChannel(DefaultChannelName)
	require.NoError(t, err)
	require.NoError(t, m.Attach(ctx, client))

	require.NoError(t, ch.Write(ctx, json.RawMessage(`"not a request"`)))

	raw, err := ch.Read(ctx)
	require.NoError(t, err)
	var resp types.Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, apperrors.CodeParseError, resp.Error.Code)
}

func TestServerWebSocket(t *testing.T) {
	b := newBackend(t, Options{ChainID: 1, Accounts: []string{alice}})
	srv := NewServer("127.0.0.1:0", b, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := transport.DialWebSocket(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)

	m := mux.New(nil)
	defer m.Close(nil)
	ch, err := m.CreateChannel(DefaultChannelName)
	require.NoError(t, err)
	require.NoError(t, m.Attach(ctx, ws))

	s := rpcstream.New(ch, rpcstream.Options{})
	req, err := types.NewRequest(types.MethodChainID, nil)
	require.NoError(t, err)
	resp, err := s.Call(ctx, req)
	require.NoError(t, err)
	assert.JSONEq(t, `"0x1"`, string(resp.Result))
}
