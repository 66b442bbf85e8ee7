// Package client talks to a vault daemon over JSON-RPC and its websocket
// event feed.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/vaults/pkg/api"
	"github.com/luxfi/vaults/pkg/keeper"
	feed "github.com/luxfi/vaults/pkg/websocket"
)

var (
	ErrNotConnected = errors.New("websocket not connected")
	ErrBadAmount    = errors.New("malformed amount in response")
)

// Client is safe for concurrent use.
type Client struct {
	rpcURL     string
	wsURL      string
	httpClient *http.Client
	logger     log.Logger
	idCounter  uint64

	wsConn    *websocket.Conn
	wsDone    chan struct{}
	callbacks map[string]func(feed.Message)
	cbMu      sync.RWMutex
	mu        sync.Mutex
}

// Option configures a Client.
type Option func(*Client)

// WithRPCURL sets the JSON-RPC base URL.
func WithRPCURL(url string) Option {
	return func(c *Client) { c.rpcURL = url }
}

// WithWebSocketURL sets the feed URL.
func WithWebSocketURL(url string) Option {
	return func(c *Client) { c.wsURL = url }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a client for a daemon on localhost:8080 unless overridden.
func New(opts ...Option) *Client {
	c := &Client{
		rpcURL:     "http://localhost:8080",
		wsURL:      "ws://localhost:8080/ws",
		httpClient: &http.Client{Timeout: 30 * time.Second},
		callbacks:  make(map[string]func(feed.Message)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.Root().New("module", "client")
	}
	return c
}

// Call invokes method and decodes the result into result, which may be nil.
// Server errors are returned as *api.RPCError.
func (c *Client) Call(ctx context.Context, method string, params, result interface{}) error {
	id := atomic.AddUint64(&c.idCounter, 1)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
		"id":      id,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var response struct {
		Result json.RawMessage `json:"result"`
		Error  *api.RPCError   `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return fmt.Errorf("%s: decode response (status %d): %w", method, resp.StatusCode, err)
	}
	if response.Error != nil {
		return response.Error
	}
	if result != nil {
		return json.Unmarshal(response.Result, result)
	}
	return nil
}

// Ping checks that the daemon answers.
func (c *Client) Ping(ctx context.Context) error {
	var pong string
	return c.Call(ctx, "ping", nil, &pong)
}

// Vaults lists the vault ids the daemon serves.
func (c *Client) Vaults(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.Call(ctx, "vault_list", nil, &ids)
	return ids, err
}

// VaultInfo returns a vault's parameters and state. An empty id selects the
// only vault.
func (c *Client) VaultInfo(ctx context.Context, vaultID string) (api.VaultInfo, error) {
	var info api.VaultInfo
	err := c.Call(ctx, "vault_info", map[string]string{"vault": vaultID}, &info)
	return info, err
}

// Account returns a depositor's position.
func (c *Client) Account(ctx context.Context, vaultID, account string) (api.AccountView, error) {
	var view api.AccountView
	err := c.Call(ctx, "vault_account", map[string]string{"vault": vaultID, "account": account}, &view)
	return view, err
}

// Deposit deposits amount for account into the open round.
func (c *Client) Deposit(ctx context.Context, vaultID, account string, amount *big.Int) error {
	return c.amountCall(ctx, "vault_deposit", vaultID, account, amount)
}

// WithdrawInstantly returns part of a deposit made this round.
func (c *Client) WithdrawInstantly(ctx context.Context, vaultID, account string, amount *big.Int) error {
	return c.amountCall(ctx, "vault_withdrawInstantly", vaultID, account, amount)
}

// InitiateWithdraw queues shares for withdrawal at the next round close.
func (c *Client) InitiateWithdraw(ctx context.Context, vaultID, account string, shares *big.Int) error {
	return c.amountCall(ctx, "vault_initiateWithdraw", vaultID, account, shares)
}

// CompleteWithdraw pays out a queued withdrawal and returns the amount.
func (c *Client) CompleteWithdraw(ctx context.Context, vaultID, account string) (*big.Int, error) {
	var out struct {
		Amount string `json:"amount"`
	}
	if err := c.Call(ctx, "vault_completeWithdraw", map[string]string{"vault": vaultID, "account": account}, &out); err != nil {
		return nil, err
	}
	return parseAmount(out.Amount)
}

// RoundPrice returns the price per share a closed round settled at.
func (c *Client) RoundPrice(ctx context.Context, vaultID string, round uint64) (*big.Int, error) {
	var out struct {
		PricePerShare string `json:"pricePerShare"`
	}
	params := map[string]interface{}{"vault": vaultID, "round": round}
	if err := c.Call(ctx, "vault_roundPrice", params, &out); err != nil {
		return nil, err
	}
	return parseAmount(out.PricePerShare)
}

// KeeperStatus returns the outcome of the keeper's last step.
func (c *Client) KeeperStatus(ctx context.Context, vaultID string) (keeper.Status, error) {
	var st keeper.Status
	err := c.Call(ctx, "keeper_status", map[string]string{"vault": vaultID}, &st)
	return st, err
}

// KeeperStep runs one keeper step now.
func (c *Client) KeeperStep(ctx context.Context, vaultID string) (keeper.Status, error) {
	var st keeper.Status
	err := c.Call(ctx, "keeper_step", map[string]string{"vault": vaultID}, &st)
	return st, err
}

// Faucet mints test funds when the daemon allows it.
func (c *Client) Faucet(ctx context.Context, asset, account string, amount *big.Int) error {
	return c.Call(ctx, "bank_faucet", map[string]string{
		"asset":   asset,
		"account": account,
		"amount":  amount.String(),
	}, nil)
}

func (c *Client) amountCall(ctx context.Context, method, vaultID, account string, amount *big.Int) error {
	if amount == nil {
		return fmt.Errorf("%s: %w", method, ErrBadAmount)
	}
	return c.Call(ctx, method, map[string]string{
		"vault":   vaultID,
		"account": account,
		"amount":  amount.String(),
	}, nil)
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBadAmount, s)
	}
	return v, nil
}

// ConnectWebSocket dials the event feed. Messages for subscribed channels
// are delivered to their callbacks from a single reader goroutine.
func (c *Client) ConnectWebSocket(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wsConn != nil {
		return nil
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	c.wsConn = conn
	c.wsDone = make(chan struct{})
	go c.readLoop(conn, c.wsDone)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		var msg feed.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if msg.Type == "error" {
			c.logger.Warn("feed error", "data", msg.Data)
		}

		c.cbMu.RLock()
		cb, ok := c.callbacks[msg.Channel]
		c.cbMu.RUnlock()
		if ok {
			cb(msg)
		}
	}
}

// Subscribe registers cb for a feed channel, e.g. feed.VaultChannel(id).
func (c *Client) Subscribe(channel string, cb func(feed.Message)) error {
	c.cbMu.Lock()
	c.callbacks[channel] = cb
	c.cbMu.Unlock()
	return c.write(feed.SubscribeRequest{Type: "subscribe", Channels: []string{channel}})
}

// Unsubscribe drops a channel.
func (c *Client) Unsubscribe(channel string) error {
	c.cbMu.Lock()
	delete(c.callbacks, channel)
	c.cbMu.Unlock()
	err := c.write(feed.SubscribeRequest{Type: "unsubscribe", Channels: []string{channel}})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

func (c *Client) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wsConn == nil {
		return ErrNotConnected
	}
	return c.wsConn.WriteJSON(v)
}

// Close closes the feed connection and waits for the reader to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	conn, done := c.wsConn, c.wsDone
	c.wsConn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	err := conn.Close()
	<-done
	return err
}
