package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/vaults/pkg/api"
	"github.com/luxfi/vaults/pkg/bank"
	"github.com/luxfi/vaults/pkg/config"
	"github.com/luxfi/vaults/pkg/events"
	"github.com/luxfi/vaults/pkg/keeper"
	"github.com/luxfi/vaults/pkg/metrics"
	"github.com/luxfi/vaults/pkg/paper"
	"github.com/luxfi/vaults/pkg/purchasequeue"
	"github.com/luxfi/vaults/pkg/store"
	"github.com/luxfi/vaults/pkg/vault"
	"github.com/luxfi/vaults/pkg/websocket"
)

const (
	checkpointInterval = 30 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// Node wires one vault to its collaborators and endpoints.
type Node struct {
	cfg    *config.Config
	logger log.Logger

	store   *store.Store
	bank    *bank.Bank
	oracle  *paper.Oracle
	proto   *paper.Protocol
	auction *paper.Auction
	queue   *purchasequeue.Queue
	vault   *vault.Vault
	keeper  *keeper.Keeper

	metrics *metrics.Metrics
	hub     *websocket.Server
	nc      *nats.Conn
	rpc     *api.JSONRPCServer
}

// NewNode builds the node and restores any saved state. st may be nil, in
// which case the store is opened from cfg.
func NewNode(cfg *config.Config, st *store.Store, logger log.Logger) (*Node, error) {
	if logger == nil {
		logger = log.Root().New("module", "vaultd")
	}
	vc, err := cfg.VaultConfig()
	if err != nil {
		return nil, err
	}
	if st == nil {
		if st, err = store.Open(cfg.Store, logger.New("module", "store")); err != nil {
			return nil, err
		}
	}
	n := &Node{cfg: cfg, logger: logger, store: st}
	fresh, err := n.restorePaper(vc)
	if err != nil {
		return nil, err
	}

	n.metrics = metrics.New(cfg.Metrics.Namespace, logger.New("module", "metrics"))
	n.hub = websocket.NewServer(websocket.DefaultConfig(), logger.New("module", "websocket"), n.vaultSnapshot)
	fanout := events.NewFanout(logger.New("module", "events"), n.metrics, n.hub)
	if cfg.NATS.URL != "" {
		pub, nc, err := events.ConnectNATS(cfg.NATS.URL, "vaultd", cfg.NATS.SubjectPrefix)
		if err != nil {
			return nil, err
		}
		n.nc = nc
		fanout.Add(pub)
		logger.Info("publishing events to nats", "url", cfg.NATS.URL, "prefix", cfg.NATS.SubjectPrefix)
	}
	j := &journal{store: st, node: n}

	deps := vault.Deps{
		Bank:     n.bank,
		Protocol: n.proto,
		Auction:  n.auction,
		Events:   fanout,
		Journal:  j,
		Logger:   logger.New("module", "vault", "vault", vc.ID),
	}
	step, err := cfg.StrikeStep()
	if err != nil {
		return nil, err
	}
	deps.Strike = paper.NewPercentStrike(n.oracle, vc.Params.Underlying, cfg.Paper.StrikeOTMBps, step, nil)

	if cfg.Queue.Enabled {
		if err := n.openQueue(vc, fanout, j, fresh); err != nil {
			return nil, err
		}
		deps.Queue = n.queue
	}

	if n.vault, err = vault.New(vc, deps); err != nil {
		return nil, err
	}
	if !fresh {
		snap, err := st.LoadVault(vc.ID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			logger.Warn("no saved vault state, starting a new vault", "vault", vc.ID)
		case err != nil:
			return nil, err
		default:
			if err := n.vault.Restore(snap); err != nil {
				return nil, fmt.Errorf("restore vault %s: %w", vc.ID, err)
			}
			logger.Info("vault restored", "vault", vc.ID, "round", snap.State.Round)
		}
	}

	if cfg.Keeper.Enabled {
		premium, err := cfg.Premium()
		if err != nil {
			return nil, err
		}
		n.keeper, err = keeper.New(keeper.Config{
			Caller:   vc.Keeper,
			Schedule: cfg.Keeper.Schedule,
			Premium:  premium,
		}, n.vault, n.auction, n.metrics, logger.New("module", "keeper", "vault", vc.ID), nil)
		if err != nil {
			return nil, err
		}
	}

	backend := api.Backend{
		Vaults:  []*vault.Vault{n.vault},
		Queue:   n.queue,
		Bank:    n.bank,
		Oracle:  n.oracle,
		Auction: n.auction,
		Faucet:  true,
	}
	if n.keeper != nil {
		backend.Keepers = []*keeper.Keeper{n.keeper}
	}
	n.rpc = api.NewJSONRPCServer(backend, logger.New("module", "jsonrpc"))
	return n, nil
}

// restorePaper creates the bank and paper collaborators, loading saved
// balances and positions when the store has them.
func (n *Node) restorePaper(vc vault.Config) (bool, error) {
	fresh := false
	n.bank = bank.New()
	if vc.Params.NativeAsset != "" {
		n.bank.RegisterWrapped(vc.Params.Asset, vc.Params.NativeAsset)
	}
	n.oracle = paper.NewOracle(nil)
	n.oracle.StaleThreshold = n.cfg.Paper.StaleAfter
	n.proto = paper.NewProtocol(n.bank, n.oracle, n.logger.New("module", "paper-protocol"), nil)
	n.proto.RegisterAsset(vc.Params.Asset, vc.Params.Decimals)
	n.auction = paper.NewAuction(n.bank, vc.Params.Asset, n.logger.New("module", "paper-auction"))

	balances, err := n.store.LoadBank()
	switch {
	case errors.Is(err, store.ErrNotFound):
		fresh = true
	case err != nil:
		return false, err
	default:
		if err := n.bank.Restore(balances); err != nil {
			return false, fmt.Errorf("restore bank: %w", err)
		}
	}

	if !fresh {
		snap, err := n.store.LoadPaper()
		switch {
		case errors.Is(err, store.ErrNotFound):
			n.logger.Warn("no saved paper state")
		case err != nil:
			return false, err
		default:
			if err := n.oracle.Restore(snap.Oracle); err != nil {
				return false, fmt.Errorf("restore oracle: %w", err)
			}
			if err := n.proto.Restore(snap.Protocol); err != nil {
				return false, fmt.Errorf("restore protocol: %w", err)
			}
			if err := n.auction.Restore(snap.Auction); err != nil {
				return false, fmt.Errorf("restore auction: %w", err)
			}
			// Assets come from config, not from the snapshot.
			n.proto.RegisterAsset(vc.Params.Asset, vc.Params.Decimals)
		}
	}

	if _, _, err := n.oracle.SpotPrice(context.Background(), vc.Params.Underlying); err != nil {
		spot, perr := n.cfg.SpotPrice()
		if perr != nil {
			return false, perr
		}
		if spot.Sign() > 0 {
			if err := n.oracle.SetPrice(vc.Params.Underlying, spot); err != nil {
				return false, err
			}
		}
	}
	n.logger.Info("paper collaborators ready", "fresh", fresh, "asset", vc.Params.Asset, "underlying", vc.Params.Underlying)
	return fresh, nil
}

func (n *Node) openQueue(vc vault.Config, publisher events.Publisher, j *journal, fresh bool) error {
	minPurchase, err := n.cfg.QueueMinPurchase()
	if err != nil {
		return err
	}
	n.queue, err = purchasequeue.New(purchasequeue.Config{
		Owner:             n.cfg.Queue.Owner,
		MinPurchaseAmount: minPurchase,
	}, n.bank, publisher, j, n.logger.New("module", "purchasequeue"))
	if err != nil {
		return err
	}

	if !fresh {
		snap, err := n.store.LoadQueue()
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		default:
			n.queue.Restore(snap)
			n.logger.Info("purchase queue restored", "vaults", len(snap.Vaults))
			return nil
		}
	}

	ctx := context.Background()
	account := "vault:" + vc.ID
	if vc.Account != "" {
		account = vc.Account
	}
	if err := n.queue.RegisterVault(ctx, n.cfg.Queue.Owner, purchasequeue.VaultConfig{
		Vault:          account,
		Asset:          vc.Params.Asset,
		OptionDecimals: paper.OptionDecimals,
	}); err != nil {
		return err
	}
	ceiling, err := n.cfg.QueueCeiling()
	if err != nil {
		return err
	}
	if ceiling.Sign() > 0 {
		return n.queue.SetCeilingPrice(ctx, n.cfg.Queue.Owner, account, ceiling)
	}
	return nil
}

func (n *Node) vaultSnapshot(id string) (interface{}, bool) {
	if n.vault == nil || id != n.vault.ID() {
		return nil, false
	}
	return api.NewVaultInfo(n.vault), true
}

// Handler routes JSON-RPC, metrics and websocket traffic.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", n.rpc)
	mux.Handle("/rpc", n.rpc)
	mux.Handle("/metrics", n.metrics.Handler())
	mux.Handle("/ws", n.hub)
	return mux
}

// Checkpoint saves the bank and paper state. Vault and queue state is saved
// on every change through the journal.
func (n *Node) Checkpoint() error {
	if err := n.store.SaveBank(n.bank.Snapshot()); err != nil {
		return fmt.Errorf("save bank: %w", err)
	}
	snap := paper.Snapshot{
		Oracle:   n.oracle.Snapshot(),
		Protocol: n.proto.Snapshot(),
		Auction:  n.auction.Snapshot(),
	}
	if err := n.store.SavePaper(snap); err != nil {
		return fmt.Errorf("save paper: %w", err)
	}
	return nil
}

// Run serves until ctx is done, then shuts down and closes the store.
func (n *Node) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:         n.cfg.Server.Addr,
		Handler:      n.Handler(),
		ReadTimeout:  n.cfg.Server.ReadTimeout,
		WriteTimeout: n.cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n.logger.Info("serving", "addr", server.Addr, "vault", n.vault.ID())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return n.hub.Run(ctx)
	})
	if n.cfg.Metrics.Interval > 0 {
		g.Go(func() error {
			n.metrics.Collect(ctx, n.cfg.Metrics.Interval, n.vault)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(checkpointInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := n.Checkpoint(); err != nil {
					n.logger.Error("checkpoint failed", "error", err)
				}
			}
		}
	})
	if n.keeper != nil {
		n.keeper.Start()
	}
	g.Go(func() error {
		<-ctx.Done()
		if n.keeper != nil {
			n.keeper.Stop()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if cerr := n.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Close checkpoints and releases the store and the NATS connection.
func (n *Node) Close() error {
	err := n.Checkpoint()
	if n.nc != nil {
		n.nc.Close()
	}
	if cerr := n.store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	n.logger.Info("node stopped")
	return err
}

// journal persists vault and queue snapshots together with the balances
// they moved.
type journal struct {
	store *store.Store
	node  *Node
}

func (j *journal) SaveVault(s vault.Snapshot) error {
	if err := j.store.SaveVault(s); err != nil {
		return err
	}
	return j.node.Checkpoint()
}

func (j *journal) SaveQueue(s purchasequeue.Snapshot) error {
	if err := j.store.SaveQueue(s); err != nil {
		return err
	}
	return j.node.Checkpoint()
}
