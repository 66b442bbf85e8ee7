package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/vaults/pkg/bank"
	"github.com/luxfi/vaults/pkg/keeper"
	"github.com/luxfi/vaults/pkg/paper"
	"github.com/luxfi/vaults/pkg/purchasequeue"
	"github.com/luxfi/vaults/pkg/vault"
)

// Version is reported by vault_info and ping.
const Version = "1.0.0"

// Backend is what the server exposes. Only Vaults is required.
type Backend struct {
	Vaults  []*vault.Vault
	Keepers []*keeper.Keeper
	Queue   *purchasequeue.Queue
	Bank    *bank.Bank
	Oracle  *paper.Oracle
	Auction *paper.Auction
	// Faucet enables bank_faucet, which mints test funds.
	Faucet bool
}

type handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// JSONRPCServer handles JSON-RPC 2.0 requests. Accounts are passed as
// plain parameters; the server performs no authentication of its own.
type JSONRPCServer struct {
	vaults  map[string]*vault.Vault
	keepers map[string]*keeper.Keeper
	backend Backend
	methods map[string]handler
	logger  log.Logger
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(backend Backend, logger log.Logger) *JSONRPCServer {
	if logger == nil {
		logger = log.Root().New("module", "jsonrpc")
	}
	s := &JSONRPCServer{
		vaults:  make(map[string]*vault.Vault),
		keepers: make(map[string]*keeper.Keeper),
		backend: backend,
		logger:  logger,
	}
	for _, v := range backend.Vaults {
		s.vaults[v.ID()] = v
	}
	for _, k := range backend.Keepers {
		s.keepers[k.Status().Vault] = k
	}
	s.methods = map[string]handler{
		"ping":       func(context.Context, json.RawMessage) (interface{}, error) { return "pong", nil },
		"vault_list": s.listVaults,
		"vault_info": s.vaultInfo,

		"vault_deposit":           s.deposit,
		"vault_withdrawInstantly": s.withdrawInstantly,
		"vault_initiateWithdraw":  s.initiateWithdraw,
		"vault_completeWithdraw":  s.completeWithdraw,
		"vault_redeem":            s.redeem,
		"vault_maxRedeem":         s.maxRedeem,
		"vault_account":           s.account,
		"vault_roundPrice":        s.roundPrice,

		"vault_setStrikePrice":   s.setStrikePrice,
		"vault_setAllocationPct": s.setAllocationPct,
		"vault_commitAndClose":   s.commitAndClose,
		"vault_rollToNextOption": s.rollToNextOption,
		"vault_claimSettled":     s.claimSettled,

		"keeper_status": s.keeperStatus,
		"keeper_step":   s.keeperStep,
	}
	if backend.Queue != nil {
		s.methods["queue_requestPurchase"] = s.requestPurchase
		s.methods["queue_cancelAll"] = s.cancelAllPurchases
		s.methods["queue_setCeilingPrice"] = s.setCeilingPrice
		s.methods["queue_setWhitelist"] = s.setWhitelist
		s.methods["queue_info"] = s.queueInfo
	}
	if backend.Bank != nil {
		s.methods["bank_balance"] = s.balance
		if backend.Faucet {
			s.methods["bank_faucet"] = s.faucet
		}
	}
	if backend.Oracle != nil {
		s.methods["oracle_setPrice"] = s.setPrice
		s.methods["oracle_setExpiryPrice"] = s.setExpiryPrice
	}
	if backend.Auction != nil {
		s.methods["auction_placeBid"] = s.placeBid
		s.methods["auction_claim"] = s.claimOrder
		s.methods["auction_orders"] = s.orders
	}
	return s
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes, then server-defined ones.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	ServerError  = -32000
	Unauthorized = -32001
	NotFound     = -32004
)

const maxBodyBytes = 1 << 20

func invalidParams(format string, args ...interface{}) *RPCError {
	return &RPCError{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}

// toRPCError maps domain errors onto error codes. The message keeps the
// wrapped error text.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	code := ServerError
	switch {
	case errors.Is(err, vault.ErrUnauthorized), errors.Is(err, purchasequeue.ErrUnauthorized),
		errors.Is(err, paper.ErrNotOwner):
		code = Unauthorized
	case errors.Is(err, vault.ErrInvalidAmount), errors.Is(err, vault.ErrInvalidPremium),
		errors.Is(err, purchasequeue.ErrInvalidAmount), errors.Is(err, bank.ErrInvalidAmount):
		code = InvalidParams
	case errors.Is(err, vault.ErrRoundPriceNotFound), errors.Is(err, purchasequeue.ErrUnknownVault),
		errors.Is(err, paper.ErrUnknownOrder):
		code = NotFound
	}
	return &RPCError{Code: code, Message: err.Error()}
}

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	h, ok := s.methods[req.Method]
	if !ok {
		s.sendError(w, req.ID, &RPCError{Code: MethodNotFound, Message: "Method not found"})
		return
	}
	start := time.Now()
	result, err := h(r.Context(), req.Params)
	if err != nil {
		rpcErr := toRPCError(err)
		s.logger.Debug("rpc failed", "method", req.Method, "code", rpcErr.Code, "error", err)
		s.sendError(w, req.ID, rpcErr)
		return
	}
	s.logger.Debug("rpc", "method", req.Method, "duration", time.Since(start))

	s.send(w, JSONRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	s.send(w, JSONRPCResponse{JSONRPC: "2.0", Error: rpcErr, ID: id})
}

func (s *JSONRPCServer) send(w http.ResponseWriter, resp JSONRPCResponse) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to write rpc response", "error", err)
	}
}

// decode unmarshals params into p. Missing params decode as an empty object.
func decode(params json.RawMessage, p interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return nil
	}
	if err := json.Unmarshal(params, p); err != nil {
		return invalidParams("Invalid params: %v", err)
	}
	return nil
}

// parseAmount reads a base-unit integer given as a decimal string.
func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, invalidParams("%s required", field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, invalidParams("%s: invalid amount %q", field, s)
	}
	if v.Sign() < 0 {
		return nil, invalidParams("%s: negative amount", field)
	}
	return v, nil
}

func str(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func required(field, v string) error {
	if v == "" {
		return invalidParams("%s required", field)
	}
	return nil
}

func (s *JSONRPCServer) vault(id string) (*vault.Vault, error) {
	if id == "" && len(s.vaults) == 1 {
		for _, v := range s.vaults {
			return v, nil
		}
	}
	v, ok := s.vaults[id]
	if !ok {
		return nil, &RPCError{Code: NotFound, Message: fmt.Sprintf("unknown vault %q", id)}
	}
	return v, nil
}

// VaultInfo is the vault_info result.
type VaultInfo struct {
	ID            string            `json:"id"`
	Account       string            `json:"account"`
	Version       string            `json:"version"`
	Phase         string            `json:"phase"`
	Params        ParamsView        `json:"params"`
	Round         uint64            `json:"round"`
	State         map[string]string `json:"state"`
	TotalBalance  string            `json:"totalBalance"`
	TotalSupply   string            `json:"totalSupply"`
	PricePerShare string            `json:"pricePerShare"`
	AllocationPct uint64            `json:"allocationPct"`
	Option        OptionView        `json:"option"`
}

// ParamsView renders vault.Params.
type ParamsView struct {
	Asset          string `json:"asset"`
	Underlying     string `json:"underlying"`
	Decimals       uint8  `json:"decimals"`
	OptionDecimals uint8  `json:"optionDecimals"`
	IsPut          bool   `json:"isPut"`
	Strategy       string `json:"strategy"`
	Cap            string `json:"cap"`
	MinimumSupply  string `json:"minimumSupply"`
}

// OptionView renders the current and the committed option.
type OptionView struct {
	Current       string    `json:"current,omitempty"`
	CurrentExpiry time.Time `json:"currentExpiry,omitempty"`
	CurrentStrike string    `json:"currentStrike,omitempty"`
	Next          string    `json:"next,omitempty"`
	NextStrike    string    `json:"nextStrike,omitempty"`
	NextReadyAt   time.Time `json:"nextReadyAt,omitempty"`
	SalePending   bool      `json:"salePending"`
	AuctionID     string    `json:"auctionId,omitempty"`
	Premium       string    `json:"premium,omitempty"`
}

// NewVaultInfo renders a vault for vault_info and the websocket snapshot.
func NewVaultInfo(v *vault.Vault) VaultInfo {
	p := v.Params()
	st := v.State()
	opt := v.Option()
	info := VaultInfo{
		ID:      v.ID(),
		Account: v.Account(),
		Version: Version,
		Phase:   string(v.Phase()),
		Params: ParamsView{
			Asset:          p.Asset,
			Underlying:     p.Underlying,
			Decimals:       p.Decimals,
			OptionDecimals: p.OptionDecimals,
			IsPut:          p.IsPut,
			Strategy:       string(p.Strategy),
			Cap:            str(p.Cap),
			MinimumSupply:  str(p.MinimumSupply),
		},
		Round: st.Round,
		State: map[string]string{
			"totalPending":                str(st.TotalPending),
			"lockedAmount":                str(st.LockedAmount),
			"lastLockedAmount":            str(st.LastLockedAmount),
			"queuedWithdrawShares":        str(st.QueuedWithdrawShares),
			"currentQueuedWithdrawShares": str(st.CurrentQueuedWithdrawShares),
			"lastQueuedWithdrawAmount":    str(st.LastQueuedWithdrawAmount),
		},
		TotalBalance:  str(v.TotalBalance()),
		TotalSupply:   str(v.TotalSupply()),
		PricePerShare: str(v.PricePerShare()),
		AllocationPct: v.AllocationPct(),
		Option: OptionView{
			Current:     opt.CurrentOption,
			Next:        opt.NextOption,
			NextReadyAt: opt.NextOptionReadyAt,
			SalePending: opt.SalePending,
			AuctionID:   opt.AuctionID,
		},
	}
	if opt.CurrentOption != "" {
		info.Option.CurrentExpiry = opt.Current.Expiry
		info.Option.CurrentStrike = str(opt.Current.Strike)
		info.Option.Premium = str(opt.Premium)
	}
	if opt.NextOption != "" {
		info.Option.NextStrike = str(opt.Next.Strike)
	}
	return info
}

type vaultParams struct {
	Vault string `json:"vault"`
}

func (s *JSONRPCServer) listVaults(context.Context, json.RawMessage) (interface{}, error) {
	ids := make([]string, 0, len(s.vaults))
	for id := range s.vaults {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *JSONRPCServer) vaultInfo(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p vaultParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	v, err := s.vault(p.Vault)
	if err != nil {
		return nil, err
	}
	return NewVaultInfo(v), nil
}

type amountParams struct {
	Vault    string `json:"vault"`
	Account  string `json:"account"`
	Creditor string `json:"creditor"`
	Amount   string `json:"amount"`
}

func (s *JSONRPCServer) amountCall(params json.RawMessage, field string) (*vault.Vault, amountParams, *big.Int, error) {
	var p amountParams
	if err := decode(params, &p); err != nil {
		return nil, p, nil, err
	}
	if err := required("account", p.Account); err != nil {
		return nil, p, nil, err
	}
	v, err := s.vault(p.Vault)
	if err != nil {
		return nil, p, nil, err
	}
	amount, err := parseAmount(field, p.Amount)
	if err != nil {
		return nil, p, nil, err
	}
	return v, p, amount, nil
}

func (s *JSONRPCServer) deposit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	v, p, amount, err := s.amountCall(params, "amount")
	if err != nil {
		return nil, err
	}
	creditor := p.Account
	if p.Creditor != "" {
		creditor = p.Creditor
	}
	if err := v.DepositFor(ctx, p.Account, creditor, amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"account": creditor, "amount": amount.String(), "round": v.State().Round}, nil
}

func (s *JSONRPCServer) withdrawInstantly(ctx context.Context, params json.RawMessage) (interface{}, error) {
	v, p, amount, err := s.amountCall(params, "amount")
	if err != nil {
		return nil, err
	}
	if err := v.WithdrawInstantly(ctx, p.Account, amount); err != nil {
		return nil, err
	}
	return map[string]interface{}{"amount": amount.String()}, nil
}

func (s *JSONRPCServer) initiateWithdraw(ctx context.Context, params json.RawMessage) (interface{}, error) {
	v, p, shares, err := s.amountCall(params, "amount")
	if err != nil {
		return nil, err
	}
	if err := v.InitiateWithdraw(ctx, p.Account, shares); err != nil {
		return nil, err
	}
	w, _ := v.Withdrawal(p.Account)
	return map[string]interface{}{"round": w.Round, "shares": str(w.Shares)}, nil
}

func (s *JSONRPCServer) accountCall(params json.RawMessage) (*vault.Vault, string, error) {
	var p amountParams
	if err := decode(params, &p); err != nil {
		return nil, "", err
	}
	if err := required("account", p.Account); err != nil {
		return nil, "", err
	}
	v, err := s.vault(p.Vault)
	if err != nil {
		return nil, "", err
	}
	return v, p.Account, nil
}

func (s *JSONRPCServer) completeWithdraw(ctx context.Context, params json.RawMessage) (interface{}, error) {
	v, account, err := s.accountCall(params)
	if err != nil {
		return nil, err
	}
	amount, err := v.CompleteWithdraw(ctx, account)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"amount": amount.String()}, nil
}

func (s *JSONRPCServer) redeem(ctx context.Context, params json.RawMessage) (interface{}, error) {
	v, p, shares, err := s.amountCall(params, "amount")
	if err != nil {
		return nil, err
	}
	redeemed, err := v.Redeem(ctx, p.Account, shares)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"shares": redeemed.String()}, nil
}

func (s *JSONRPCServer) maxRedeem(ctx context.Context, params json.RawMessage) (interface{}, error) {
	v, account, err := s.accountCall(params)
	if err != nil {
		return nil, err
	}
	redeemed, err := v.MaxRedeem(ctx, account)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"shares": redeemed.String()}, nil
}

// AccountView is the vault_account result.
type AccountView struct {
	Account          string `json:"account"`
	HeldShares       string `json:"heldShares"`
	UnredeemedShares string `json:"unredeemedShares"`
	Balance          string `json:"balance"`
	PendingRound     uint64 `json:"pendingRound,omitempty"`
	PendingAmount    string `json:"pendingAmount,omitempty"`
	WithdrawRound    uint64 `json:"withdrawRound,omitempty"`
	WithdrawShares   string `json:"withdrawShares,omitempty"`
}

func (s *JSONRPCServer) account(_ context.Context, params json.RawMessage) (interface{}, error) {
	v, account, err := s.accountCall(params)
	if err != nil {
		return nil, err
	}
	held, unredeemed, err := v.ShareBalances(account)
	if err != nil {
		return nil, err
	}
	balance, err := v.AccountVaultBalance(account)
	if err != nil {
		return nil, err
	}
	out := AccountView{
		Account:          account,
		HeldShares:       held.String(),
		UnredeemedShares: unredeemed.String(),
		Balance:          balance.String(),
	}
	if r, ok := v.Receipt(account); ok && r.Round == v.State().Round && r.Amount != nil && r.Amount.Sign() > 0 {
		out.PendingRound = r.Round
		out.PendingAmount = r.Amount.String()
	}
	if w, ok := v.Withdrawal(account); ok && w.Shares != nil && w.Shares.Sign() > 0 {
		out.WithdrawRound = w.Round
		out.WithdrawShares = w.Shares.String()
	}
	return out, nil
}

func (s *JSONRPCServer) roundPrice(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Vault string `json:"vault"`
		Round uint64 `json:"round"`
	}
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	v, err := s.vault(p.Vault)
	if err != nil {
		return nil, err
	}
	pps, err := v.RoundPricePerShare(p.Round)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"round": p.Round, "pricePerShare": pps.String()}, nil
}

type operatorParams struct {
	Vault   string `json:"vault"`
	Caller  string `json:"caller"`
	Amount  string `json:"amount"`
	Premium string `json:"premium"`
	Bps     uint64 `json:"bps"`
}

func (s *JSONRPCServer) operatorCall(params json.RawMessage) (*vault.Vault, operatorParams, error) {
	var p operatorParams
	if err := decode(params, &p); err != nil {
		return nil, p, err
	}
	if err := required("caller", p.Caller); err != nil {
		return nil, p, err
	}
	v, err := s.vault(p.Vault)
	return v, p, err
}

func (s *JSONRPCServer) setStrikePrice(ctx context.Context, params json.RawMessage) (interface{}, error) {
	v, p, err := s.operatorCall(params)
	if err != nil {
		return nil, err
	}
	strike, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	if err := v.SetStrikePrice(ctx, p.Caller, strike); err != nil {
		return nil, err
	}
	return map[string]interface{}{"strike": strike.String(), "round": v.State().Round}, nil
}

func (s *JSONRPCServer) setAllocationPct(ctx context.Context, params json.RawMessage) (interface{}, error) {
	v, p, err := s.operatorCall(params)
	if err != nil {
		return nil, err
	}
	if err := v.SetAllocationPct(ctx, p.Caller, p.Bps); err != nil {
		return nil, err
	}
	return map[string]interface{}{"allocationPct": v.AllocationPct()}, nil
}

func (s *JSONRPCServer) commitAndClose(ctx context.Context, params json.RawMessage) (interface{}, error) {
	v, p, err := s.operatorCall(params)
	if err != nil {
		return nil, err
	}
	if err := v.CommitAndClose(ctx, p.Caller); err != nil {
		return nil, err
	}
	return NewVaultInfo(v), nil
}

func (s *JSONRPCServer) rollToNextOption(ctx context.Context, params json.RawMessage) (interface{}, error) {
	v, p, err := s.operatorCall(params)
	if err != nil {
		return nil, err
	}
	premium, err := parseAmount("premium", p.Premium)
	if err != nil {
		return nil, err
	}
	if err := v.RollToNextOption(ctx, p.Caller, premium); err != nil {
		return nil, err
	}
	return NewVaultInfo(v), nil
}

func (s *JSONRPCServer) claimSettled(ctx context.Context, params json.RawMessage) (interface{}, error) {
	v, p, err := s.operatorCall(params)
	if err != nil {
		return nil, err
	}
	if err := v.ClaimSettledOptions(ctx, p.Caller); err != nil {
		return nil, err
	}
	return NewVaultInfo(v), nil
}

func (s *JSONRPCServer) keeperFor(params json.RawMessage) (*keeper.Keeper, error) {
	var p vaultParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	v, err := s.vault(p.Vault)
	if err != nil {
		return nil, err
	}
	k, ok := s.keepers[v.ID()]
	if !ok {
		return nil, &RPCError{Code: NotFound, Message: fmt.Sprintf("no keeper for vault %q", v.ID())}
	}
	return k, nil
}

func (s *JSONRPCServer) keeperStatus(_ context.Context, params json.RawMessage) (interface{}, error) {
	k, err := s.keeperFor(params)
	if err != nil {
		return nil, err
	}
	return k.Status(), nil
}

func (s *JSONRPCServer) keeperStep(ctx context.Context, params json.RawMessage) (interface{}, error) {
	k, err := s.keeperFor(params)
	if err != nil {
		return nil, err
	}
	if _, err := k.Step(ctx); err != nil {
		return nil, err
	}
	return k.Status(), nil
}

type queueParams struct {
	Vault   string `json:"vault"`
	Caller  string `json:"caller"`
	Buyer   string `json:"buyer"`
	Amount  string `json:"amount"`
	Enabled bool   `json:"enabled"`
}

// queueCall resolves the vault account the queue keys its books by.
func (s *JSONRPCServer) queueCall(params json.RawMessage) (queueParams, string, error) {
	var p queueParams
	if err := decode(params, &p); err != nil {
		return p, "", err
	}
	v, err := s.vault(p.Vault)
	if err != nil {
		return p, "", err
	}
	return p, v.Account(), nil
}

func (s *JSONRPCServer) requestPurchase(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, account, err := s.queueCall(params)
	if err != nil {
		return nil, err
	}
	if err := required("buyer", p.Buyer); err != nil {
		return nil, err
	}
	options, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	premiums, err := s.backend.Queue.RequestPurchase(ctx, p.Buyer, account, options)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"options": options.String(), "premiums": premiums.String()}, nil
}

func (s *JSONRPCServer) cancelAllPurchases(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, account, err := s.queueCall(params)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Queue.CancelAllPurchases(ctx, p.Caller, account); err != nil {
		return nil, err
	}
	return map[string]interface{}{"cancelled": true}, nil
}

func (s *JSONRPCServer) setCeilingPrice(ctx context.Context, params json.RawMessage) (interface{}, error) {
	p, account, err := s.queueCall(params)
	if err != nil {
		return nil, err
	}
	price, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Queue.SetCeilingPrice(ctx, p.Caller, account, price); err != nil {
		return nil, err
	}
	return map[string]interface{}{"ceiling": price.String()}, nil
}

func (s *JSONRPCServer) setWhitelist(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p queueParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("buyer", p.Buyer); err != nil {
		return nil, err
	}
	q := s.backend.Queue
	if p.Enabled {
		err := q.AddWhitelist(ctx, p.Caller, p.Buyer)
		if err != nil {
			return nil, err
		}
	} else if err := q.RemoveWhitelist(ctx, p.Caller, p.Buyer); err != nil {
		return nil, err
	}
	return map[string]interface{}{"buyer": p.Buyer, "whitelisted": q.Whitelisted(p.Buyer)}, nil
}

// PurchaseView renders a queued purchase.
type PurchaseView struct {
	Buyer    string `json:"buyer"`
	Options  string `json:"options"`
	Premiums string `json:"premiums"`
}

func (s *JSONRPCServer) queueInfo(_ context.Context, params json.RawMessage) (interface{}, error) {
	_, account, err := s.queueCall(params)
	if err != nil {
		return nil, err
	}
	q := s.backend.Queue
	purchases := q.Purchases(account)
	views := make([]PurchaseView, 0, len(purchases))
	for _, p := range purchases {
		views = append(views, PurchaseView{Buyer: p.Buyer, Options: str(p.OptionsAmount), Premiums: str(p.Premiums)})
	}
	return map[string]interface{}{
		"vault":             account,
		"ceiling":           str(q.CeilingPrice(account)),
		"minPurchaseAmount": str(q.MinPurchaseAmount()),
		"totalOptions":      str(q.TotalOptionsAmount(account)),
		"allocated":         str(q.VaultAllocatedOptions(account)),
		"purchases":         views,
	}, nil
}

type bankParams struct {
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

func (s *JSONRPCServer) balance(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p bankParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("asset", p.Asset); err != nil {
		return nil, err
	}
	if err := required("account", p.Account); err != nil {
		return nil, err
	}
	return map[string]interface{}{"balance": str(s.backend.Bank.BalanceOf(p.Asset, p.Account))}, nil
}

func (s *JSONRPCServer) faucet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p bankParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("asset", p.Asset); err != nil {
		return nil, err
	}
	if err := required("account", p.Account); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Bank.Mint(p.Asset, p.Account, amount); err != nil {
		return nil, err
	}
	s.logger.Info("faucet", "asset", p.Asset, "account", p.Account, "amount", amount)
	return s.balance(ctx, params)
}

type priceParams struct {
	Asset  string `json:"asset"`
	Price  string `json:"price"`
	Expiry int64  `json:"expiry"`
}

func (s *JSONRPCServer) setPrice(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p priceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	price, err := parseAmount("price", p.Price)
	if err != nil {
		return nil, err
	}
	if err := s.backend.Oracle.SetPrice(p.Asset, price); err != nil {
		return nil, err
	}
	return map[string]interface{}{"asset": p.Asset, "price": price.String()}, nil
}

func (s *JSONRPCServer) setExpiryPrice(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p priceParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Expiry <= 0 {
		return nil, invalidParams("expiry required")
	}
	price, err := parseAmount("price", p.Price)
	if err != nil {
		return nil, err
	}
	expiry := time.Unix(p.Expiry, 0).UTC()
	if err := s.backend.Oracle.SetExpiryPrice(p.Asset, expiry, price); err != nil {
		return nil, err
	}
	return map[string]interface{}{"asset": p.Asset, "expiry": expiry, "price": price.String()}, nil
}

type auctionParams struct {
	Account string `json:"account"`
	Option  string `json:"option"`
	Amount  string `json:"amount"`
	Premium string `json:"premium"`
	OrderID string `json:"orderId"`
}

func (s *JSONRPCServer) placeBid(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p auctionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("account", p.Account); err != nil {
		return nil, err
	}
	if err := required("option", p.Option); err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return nil, err
	}
	premium, err := parseAmount("premium", p.Premium)
	if err != nil {
		return nil, err
	}
	id, err := s.backend.Auction.PlaceBid(ctx, p.Account, p.Option, amount, premium)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"orderId": id, "status": "accepted"}, nil
}

func (s *JSONRPCServer) claimOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p auctionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("orderId", p.OrderID); err != nil {
		return nil, err
	}
	res, err := s.backend.Auction.Claim(ctx, p.Account, p.OrderID)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"options":       str(res.Options),
		"proceeds":      str(res.Proceeds),
		"unsold":        str(res.Unsold),
		"clearingPrice": str(res.ClearingPrice),
	}, nil
}

// OrderView renders an auction order.
type OrderView struct {
	ID     string `json:"id"`
	Owner  string `json:"owner"`
	Side   string `json:"side"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
	Filled string `json:"filled"`
}

func (s *JSONRPCServer) orders(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p auctionParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := required("option", p.Option); err != nil {
		return nil, err
	}
	orders := s.backend.Auction.Orders(p.Option)
	out := make([]OrderView, 0, len(orders))
	for _, o := range orders {
		side := "buy"
		if o.Side == paper.Sell {
			side = "sell"
		}
		out = append(out, OrderView{
			ID:     o.ID,
			Owner:  o.Owner,
			Side:   side,
			Amount: str(o.Amount),
			Price:  str(o.Price),
			Filled: str(o.Filled),
		})
	}
	return out, nil
}
