// Package store persists vault, purchase-queue, bank and paper snapshots in a
// luxfi/database key-value store. Closed-round prices are written once under
// their own keys and never rewritten.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"

	"github.com/luxfi/vaults/pkg/bank"
	"github.com/luxfi/vaults/pkg/paper"
	"github.com/luxfi/vaults/pkg/purchasequeue"
	"github.com/luxfi/vaults/pkg/vault"
)

const (
	BackendBadger = "badgerdb"
	BackendMemory = "memory"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrCorruptPrice = errors.New("corrupt round price")
)

var (
	vaultPrefix = []byte("vault/")
	pricePrefix = []byte("pps/")
	queueKey    = []byte("queue")
	bankKey     = []byte("bank")
	paperKey    = []byte("paper")
)

// Config selects the database backend.
type Config struct {
	Path      string `yaml:"path"`
	Backend   string `yaml:"backend"`
	Namespace string `yaml:"namespace"`
}

// Store reads and writes snapshots. It implements vault.Journal and
// purchasequeue.Journal.
type Store struct {
	db     database.Database
	logger log.Logger
	mu     sync.Mutex
}

// Open creates the database through the luxfi/database manager. BadgerDB is
// the default; if it cannot be opened the store falls back to memory.
func Open(cfg Config, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.Root().New("module", "store")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "vaultd"
	}
	dbManager := manager.NewManager(cfg.Path, nil)

	if cfg.Backend == BackendMemory {
		db, err := dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("open memory database: %w", err)
		}
		logger.Info("using in-memory database")
		return New(db, logger), nil
	}

	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	dbConfig := manager.DefaultBadgerDBConfig(BackendBadger)
	dbConfig.Namespace = cfg.Namespace
	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("failed to open badgerdb, falling back to memory", "path", cfg.Path, "error", err)
		db, err = dbManager.New(manager.DefaultMemoryConfig())
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	} else {
		logger.Info("badgerdb opened", "path", cfg.Path, "namespace", cfg.Namespace)
	}
	return New(db, logger), nil
}

// New wraps an open database.
func New(db database.Database, logger log.Logger) *Store {
	if logger == nil {
		logger = log.Root().New("module", "store")
	}
	return &Store{db: db, logger: logger}
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// HealthCheck reports the database health.
func (s *Store) HealthCheck(ctx context.Context) (interface{}, error) {
	return s.db.HealthCheck(ctx)
}

func vaultKey(id string) []byte {
	return append(append([]byte{}, vaultPrefix...), id...)
}

func pricesPrefix(id string) []byte {
	key := append(append([]byte{}, pricePrefix...), id...)
	return append(key, '/')
}

func priceKey(id string, round uint64) []byte {
	return binary.BigEndian.AppendUint64(pricesPrefix(id), round)
}

// SaveVault implements vault.Journal.
func (s *Store) SaveVault(snap vault.Snapshot) error {
	prices := snap.RoundPricePerShare
	snap.RoundPricePerShare = nil
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode vault %s: %w", snap.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Reset()

	if err := batch.Put(vaultKey(snap.ID), blob); err != nil {
		return err
	}
	written := 0
	for round, pps := range prices {
		key := priceKey(snap.ID, round)
		has, err := s.db.Has(key)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		if err := batch.Put(key, []byte(pps.String())); err != nil {
			return err
		}
		written++
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("write vault %s: %w", snap.ID, err)
	}
	if written > 0 {
		s.logger.Debug("round prices stored", "vault", snap.ID, "count", written)
	}
	return nil
}

// LoadVault returns the last saved snapshot of vault id.
func (s *Store) LoadVault(id string) (vault.Snapshot, error) {
	var snap vault.Snapshot
	if err := s.get(vaultKey(id), &snap); err != nil {
		return vault.Snapshot{}, fmt.Errorf("vault %s: %w", id, err)
	}
	prices, err := s.RoundPrices(id)
	if err != nil {
		return vault.Snapshot{}, err
	}
	snap.RoundPricePerShare = prices
	return snap, nil
}

// RoundPrices returns every stored closed-round price of vault id.
func (s *Store) RoundPrices(id string) (map[uint64]*big.Int, error) {
	prefix := pricesPrefix(id)
	it := s.db.NewIteratorWithPrefix(prefix)
	defer it.Release()

	out := make(map[uint64]*big.Int)
	for it.Next() {
		key := it.Key()
		if len(key) != len(prefix)+8 {
			return nil, fmt.Errorf("%w: key %q", ErrCorruptPrice, key)
		}
		round := binary.BigEndian.Uint64(key[len(prefix):])
		pps, ok := new(big.Int).SetString(string(it.Value()), 10)
		if !ok || pps.Sign() <= 0 {
			return nil, fmt.Errorf("%w: vault %s round %d", ErrCorruptPrice, id, round)
		}
		out[round] = pps
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

// Vaults lists the ids of every saved vault.
func (s *Store) Vaults() ([]string, error) {
	it := s.db.NewIteratorWithPrefix(vaultPrefix)
	defer it.Release()

	var ids []string
	for it.Next() {
		ids = append(ids, string(it.Key()[len(vaultPrefix):]))
	}
	return ids, it.Error()
}

// SaveQueue implements purchasequeue.Journal.
func (s *Store) SaveQueue(snap purchasequeue.Snapshot) error {
	return s.put(queueKey, snap)
}

// LoadQueue returns the last saved purchase queue.
func (s *Store) LoadQueue() (purchasequeue.Snapshot, error) {
	var snap purchasequeue.Snapshot
	if err := s.get(queueKey, &snap); err != nil {
		return purchasequeue.Snapshot{}, fmt.Errorf("queue: %w", err)
	}
	return snap, nil
}

// SaveBank stores the custody balances.
func (s *Store) SaveBank(snap bank.Snapshot) error {
	return s.put(bankKey, snap)
}

// LoadBank returns the last saved custody balances.
func (s *Store) LoadBank() (bank.Snapshot, error) {
	var snap bank.Snapshot
	if err := s.get(bankKey, &snap); err != nil {
		return bank.Snapshot{}, fmt.Errorf("bank: %w", err)
	}
	return snap, nil
}

// SavePaper stores the oracle, options protocol and auction state.
func (s *Store) SavePaper(snap paper.Snapshot) error {
	return s.put(paperKey, snap)
}

// LoadPaper returns the last saved paper collaborator state.
func (s *Store) LoadPaper() (paper.Snapshot, error) {
	var snap paper.Snapshot
	if err := s.get(paperKey, &snap); err != nil {
		return paper.Snapshot{}, fmt.Errorf("paper: %w", err)
	}
	return snap, nil
}

func (s *Store) put(key []byte, v any) error {
	blob, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Put(key, blob)
}

func (s *Store) get(key []byte, v any) error {
	blob, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if err := json.Unmarshal(blob, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}
