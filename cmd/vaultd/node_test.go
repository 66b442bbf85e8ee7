package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/vaults/pkg/config"
	"github.com/luxfi/vaults/pkg/store"
)

func testLogger() log.Logger {
	level, _ := log.ToLevel("debug")
	return log.NewTestLogger(level)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Store.Backend = store.BackendMemory
	cfg.Queue.Enabled = true
	cfg.Queue.Ceiling = "0.02"
	return cfg
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: t.TempDir(), Backend: store.BackendMemory}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

type rpcResult struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func call(t *testing.T, url, method string, params interface{}) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      1,
	})
	require.NoError(t, err)
	resp, err := http.Post(url+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out rpcResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Nil(t, out.Error, "%s failed", method)
	return out.Result
}

func TestNodeServes(t *testing.T) {
	n, err := NewNode(testConfig(), openStore(t), testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(n.Handler())
	defer srv.Close()

	call(t, srv.URL, "ping", nil)
	call(t, srv.URL, "bank_faucet", map[string]string{"asset": "WBTC", "account": "alice", "amount": "100000000"})
	call(t, srv.URL, "vault_deposit", map[string]string{"account": "alice", "amount": "100000000"})

	var account struct {
		PendingAmount string `json:"pendingAmount"`
	}
	require.NoError(t, json.Unmarshal(call(t, srv.URL, "vault_account", map[string]string{"account": "alice"}), &account))
	assert.Equal(t, "100000000", account.PendingAmount)

	t.Run("Metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), "vault_deposited_total")
	})

	t.Run("QueueListed", func(t *testing.T) {
		var info struct {
			Ceiling string `json:"ceiling"`
		}
		require.NoError(t, json.Unmarshal(call(t, srv.URL, "queue_info", map[string]string{}), &info))
		assert.Equal(t, "2000000", info.Ceiling)
	})
}

func TestNodeRestores(t *testing.T) {
	ctx := context.Background()
	st := openStore(t)
	cfg := testConfig()

	first, err := NewNode(cfg, st, testLogger())
	require.NoError(t, err)
	require.NoError(t, first.bank.Mint("WBTC", "alice", big.NewInt(200_000_000)))
	require.NoError(t, first.vault.Deposit(ctx, "alice", big.NewInt(150_000_000)))
	_, _ = first.keeper.Step(ctx)

	second, err := NewNode(cfg, st, testLogger())
	require.NoError(t, err)

	assert.JSONEq(t, toJSON(t, first.vault.State()), toJSON(t, second.vault.State()))
	assert.Equal(t, first.vault.Option().NextOption, second.vault.Option().NextOption)
	assert.Equal(t, big.NewInt(50_000_000), second.bank.BalanceOf("WBTC", "alice"))
	assert.Equal(t, first.vault.TotalBalance(), second.vault.TotalBalance())

	if next := second.vault.Option().NextOption; next != "" {
		_, err := second.proto.Spec(next)
		assert.NoError(t, err)
	}
	require.NotNil(t, second.queue)
	assert.JSONEq(t, toJSON(t, first.queue.Snapshot()), toJSON(t, second.queue.Snapshot()))
}

func toJSON(t *testing.T, v interface{}) string {
	t.Helper()
	blob, err := json.Marshal(v)
	require.NoError(t, err)
	return string(blob)
}

func TestConfigCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "wbtc-covered-call")

	t.Run("MissingFile", func(t *testing.T) {
		configFile = filepath.Join(t.TempDir(), "missing.yaml")
		defer func() { configFile = "" }()
		_, err := loadConfig()
		assert.ErrorContains(t, err, "failed to read config file")
	})

	t.Run("LogLevelOverride", func(t *testing.T) {
		logLevel = "debug"
		defer func() { logLevel = "" }()
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
	})
}

func TestStatusCommand(t *testing.T) {
	n, err := NewNode(testConfig(), openStore(t), testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(n.Handler())
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"status", "--rpc", srv.URL})
	require.NoError(t, rootCmd.Execute())

	var status struct {
		Vault struct {
			ID    string `json:"id"`
			Round uint64 `json:"round"`
		} `json:"vault"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &status))
	assert.Equal(t, n.cfg.Vault.ID, status.Vault.ID)
	assert.Equal(t, uint64(1), status.Vault.Round)
}
