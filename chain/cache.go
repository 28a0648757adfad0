package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	bolt "go.etcd.io/bbolt"

	"liquidatord/fixedpoint"
	"liquidatord/liquidator"
)

const maxLogWindow = 50_000

var (
	bucketMeta         = []byte("meta")
	bucketSponsors     = []byte("sponsors")
	bucketLiquidations = []byte("liquidations")
	keyLastBlock       = []byte("last_block")
)

type trackedLiquidation struct {
	liquidation liquidator.Liquidation
	expiry      uint64
}

// Cache maintains a local view of the financial contract: the sponsor
// set and liquidation index are discovered from event logs, and each
// refresh re-reads the live position and liquidation state for the
// tracked entries. The log checkpoint and discovered keys persist in a
// bbolt database so a restart resumes from the last scanned block
// instead of the configured start block.
type Cache struct {
	backend    Backend
	contract   *ContractCaller
	db         *bolt.DB
	startBlock uint64
	logger     *slog.Logger

	mu           sync.RWMutex
	positions    map[common.Address]liquidator.Position
	liquidations map[string]trackedLiquidation
	lastUpdate   uint64
}

// NewCache opens (or creates) the checkpoint database at path and
// returns an empty cache. The first Refresh scans logs from startBlock
// unless a newer checkpoint is already persisted.
func NewCache(backend Backend, contract *ContractCaller, path string, startBlock uint64, logger *slog.Logger) (*Cache, error) {
	if backend == nil || contract == nil {
		return nil, fmt.Errorf("chain: backend and contract required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketMeta, bucketSponsors, bucketLiquidations} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("chain: init checkpoint db: %w", err)
	}
	cache := &Cache{
		backend:      backend,
		contract:     contract,
		db:           db,
		startBlock:   startBlock,
		logger:       logger.With("component", "cache"),
		positions:    make(map[common.Address]liquidator.Position),
		liquidations: make(map[string]trackedLiquidation),
	}
	return cache, nil
}

// Close releases the checkpoint database.
func (c *Cache) Close() error { return c.db.Close() }

// Contract exposes the bound financial contract caller.
func (c *Cache) Contract() liquidator.FinancialContract { return c.contract }

// Refresh advances the log checkpoint to the current head, folds new
// sponsor and liquidation events into the tracked sets, and re-reads
// the live state for every tracked entry.
func (c *Cache) Refresh(ctx context.Context) error {
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return fmt.Errorf("chain: fetch head: %w", err)
	}
	headNumber := head.Number.Uint64()

	sponsors, liquidationKeys, err := c.loadTracked()
	if err != nil {
		return err
	}
	from := c.startBlock
	if checkpoint, ok, err := c.checkpoint(); err != nil {
		return err
	} else if ok && checkpoint+1 > from {
		from = checkpoint + 1
	}
	if from <= headNumber {
		if err := c.scanLogs(ctx, from, headNumber, sponsors, liquidationKeys); err != nil {
			return err
		}
	}

	positions := make(map[common.Address]liquidator.Position, len(sponsors))
	for sponsor := range sponsors {
		tokens, collateral, err := c.contract.Position(ctx, sponsor)
		if err != nil {
			return fmt.Errorf("chain: read position %s: %w", sponsor.Hex(), err)
		}
		if tokens.Sign() == 0 {
			continue
		}
		positions[sponsor] = liquidator.Position{
			Sponsor:           sponsor,
			TokensOutstanding: tokens,
			Collateral:        collateral,
		}
	}

	liquidations := make(map[string]trackedLiquidation, len(liquidationKeys))
	for key := range liquidationKeys {
		sponsor, id := splitLiquidationKey(key)
		liq, expiry, err := c.contract.LiquidationAt(ctx, sponsor, id)
		if err != nil {
			return fmt.Errorf("chain: read liquidation %s/%s: %w", sponsor.Hex(), id, err)
		}
		if liq.Status == liquidator.StatusUninitialized {
			continue
		}
		liquidations[key] = trackedLiquidation{liquidation: liq, expiry: expiry}
	}

	if err := c.persist(headNumber, sponsors, liquidationKeys); err != nil {
		return err
	}

	c.mu.Lock()
	c.positions = positions
	c.liquidations = liquidations
	c.lastUpdate = head.Time
	c.mu.Unlock()

	c.logger.Debug("cache refreshed",
		"head", headNumber,
		"positions", len(positions),
		"liquidations", len(liquidations))
	return nil
}

func (c *Cache) scanLogs(ctx context.Context, from, to uint64, sponsors map[common.Address]struct{}, liquidationKeys map[string]struct{}) error {
	newSponsorID := c.contract.EventID("NewSponsor")
	endedID := c.contract.EventID("EndedSponsorPosition")
	createdID := c.contract.EventID("LiquidationCreated")
	for start := from; start <= to; start += maxLogWindow {
		end := start + maxLogWindow - 1
		if end > to {
			end = to
		}
		logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(start),
			ToBlock:   new(big.Int).SetUint64(end),
			Addresses: []common.Address{c.contract.Address()},
			Topics:    [][]common.Hash{{newSponsorID, endedID, createdID}},
		})
		if err != nil {
			return fmt.Errorf("chain: filter logs [%d,%d]: %w", start, end, err)
		}
		for _, lg := range logs {
			switch lg.Topics[0] {
			case newSponsorID:
				if len(lg.Topics) == 2 {
					sponsors[common.BytesToAddress(lg.Topics[1].Bytes())] = struct{}{}
				}
			case endedID:
				if len(lg.Topics) == 2 {
					delete(sponsors, common.BytesToAddress(lg.Topics[1].Bytes()))
				}
			case createdID:
				if len(lg.Topics) == 4 {
					sponsor := common.BytesToAddress(lg.Topics[1].Bytes())
					id := new(big.Int).SetBytes(lg.Topics[3].Bytes())
					liquidationKeys[liquidationKey(sponsor, id)] = struct{}{}
				}
			}
		}
	}
	return nil
}

// UndercollateralizedPositions returns the cached positions whose
// locked collateral is below tokensOutstanding scaled by the price
// boundary.
func (c *Cache) UndercollateralizedPositions(priceBoundary *big.Int) []liquidator.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []liquidator.Position
	for _, position := range c.positions {
		required := fixedpoint.Mul(position.TokensOutstanding, priceBoundary)
		if position.Collateral.Cmp(required) < 0 {
			out = append(out, position)
		}
	}
	return out
}

// ExpiredLiquidations returns pre-dispute liquidations whose liveness
// window has elapsed as of the cache's last update time.
func (c *Cache) ExpiredLiquidations() []liquidator.Liquidation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []liquidator.Liquidation
	for _, tracked := range c.liquidations {
		if tracked.liquidation.Status == liquidator.StatusPreDispute && tracked.expiry <= c.lastUpdate {
			out = append(out, tracked.liquidation)
		}
	}
	return out
}

// DisputedLiquidations returns liquidations whose dispute has resolved
// in either direction.
func (c *Cache) DisputedLiquidations() []liquidator.Liquidation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []liquidator.Liquidation
	for _, tracked := range c.liquidations {
		switch tracked.liquidation.Status {
		case liquidator.StatusDisputeSucceeded, liquidator.StatusDisputeFailed:
			out = append(out, tracked.liquidation)
		}
	}
	return out
}

// LastUpdateTime reports the block timestamp of the last refresh.
func (c *Cache) LastUpdateTime() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

func (c *Cache) checkpoint() (uint64, bool, error) {
	var value uint64
	var found bool
	err := c.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyLastBlock)
		if len(raw) == 8 {
			value = binary.BigEndian.Uint64(raw)
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, false, fmt.Errorf("chain: read checkpoint: %w", err)
	}
	return value, found, nil
}

func (c *Cache) loadTracked() (map[common.Address]struct{}, map[string]struct{}, error) {
	sponsors := make(map[common.Address]struct{})
	liquidationKeys := make(map[string]struct{})
	err := c.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSponsors).ForEach(func(k, _ []byte) error {
			sponsors[common.BytesToAddress(k)] = struct{}{}
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketLiquidations).ForEach(func(k, _ []byte) error {
			liquidationKeys[string(k)] = struct{}{}
			return nil
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("chain: load tracked keys: %w", err)
	}
	return sponsors, liquidationKeys, nil
}

func (c *Cache) persist(head uint64, sponsors map[common.Address]struct{}, liquidationKeys map[string]struct{}) error {
	err := c.db.Update(func(tx *bolt.Tx) error {
		var headBuf [8]byte
		binary.BigEndian.PutUint64(headBuf[:], head)
		if err := tx.Bucket(bucketMeta).Put(keyLastBlock, headBuf[:]); err != nil {
			return err
		}
		if err := tx.DeleteBucket(bucketSponsors); err != nil {
			return err
		}
		sponsorBucket, err := tx.CreateBucket(bucketSponsors)
		if err != nil {
			return err
		}
		for sponsor := range sponsors {
			if err := sponsorBucket.Put(sponsor.Bytes(), nil); err != nil {
				return err
			}
		}
		liquidationBucket := tx.Bucket(bucketLiquidations)
		for key := range liquidationKeys {
			if err := liquidationBucket.Put([]byte(key), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("chain: persist checkpoint: %w", err)
	}
	return nil
}

func liquidationKey(sponsor common.Address, id *big.Int) string {
	key := make([]byte, common.AddressLength+32)
	copy(key, sponsor.Bytes())
	id.FillBytes(key[common.AddressLength:])
	return string(key)
}

func splitLiquidationKey(key string) (common.Address, *big.Int) {
	raw := []byte(key)
	sponsor := common.BytesToAddress(raw[:common.AddressLength])
	id := new(big.Int).SetBytes(raw[common.AddressLength:])
	return sponsor, id
}
