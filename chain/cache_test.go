package chain

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"liquidatord/liquidator"
)

type fakePosition struct {
	tokens     *big.Int
	collateral *big.Int
}

type fakeLiquidation struct {
	liquidator common.Address
	status     uint8
	tokens     *big.Int
	collateral *big.Int
	expiry     uint64
}

// routeContractCalls answers positions(), liquidations() and
// collateralRequirement() view calls from the supplied tables.
func routeContractCalls(t *testing.T, a abi.ABI, positions map[common.Address]fakePosition, liquidations map[string]fakeLiquidation) func(ethereum.CallMsg) ([]byte, error) {
	t.Helper()
	zero := big.NewInt(0)
	return func(msg ethereum.CallMsg) ([]byte, error) {
		switch selectorOf(msg.Data) {
		case methodSelector(a, "positions"):
			args, err := a.Methods["positions"].Inputs.Unpack(msg.Data[4:])
			require.NoError(t, err)
			sponsor := args[0].(common.Address)
			position, ok := positions[sponsor]
			if !ok {
				position = fakePosition{tokens: zero, collateral: zero}
			}
			return packOutputs(t, a, "positions", position.tokens, position.collateral), nil
		case methodSelector(a, "liquidations"):
			args, err := a.Methods["liquidations"].Inputs.Unpack(msg.Data[4:])
			require.NoError(t, err)
			key := liquidationKey(args[0].(common.Address), args[1].(*big.Int))
			liq, ok := liquidations[key]
			if !ok {
				liq = fakeLiquidation{tokens: zero, collateral: zero}
			}
			return packOutputs(t, a, "liquidations",
				liq.liquidator, liq.status, liq.tokens, liq.collateral, new(big.Int).SetUint64(liq.expiry)), nil
		case methodSelector(a, "collateralRequirement"):
			return packOutputs(t, a, "collateralRequirement", scaled(t, "1.2")), nil
		default:
			return nil, ethereum.NotFound
		}
	}
}

func sponsorLog(caller *ContractCaller, event string, sponsor common.Address) gethtypes.Log {
	return gethtypes.Log{
		Address: contractAddr,
		Topics:  []common.Hash{caller.EventID(event), common.BytesToHash(sponsor.Bytes())},
	}
}

func liquidationLog(caller *ContractCaller, sponsor common.Address, id int64) gethtypes.Log {
	return gethtypes.Log{
		Address: contractAddr,
		Topics: []common.Hash{
			caller.EventID("LiquidationCreated"),
			common.BytesToHash(sponsor.Bytes()),
			common.BytesToHash(operatorAddr.Bytes()),
			common.BigToHash(big.NewInt(id)),
		},
	}
}

func newTestCache(t *testing.T, backend *fakeBackend) *Cache {
	t.Helper()
	caller := newTestCaller(t, backend)
	cache, err := NewCache(backend, caller, filepath.Join(t.TempDir(), "cache.db"), 100, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func TestRefreshDiscoversSponsorsAndScreensCollateral(t *testing.T) {
	sponsorA := common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	sponsorB := common.HexToAddress("0xaaaa000000000000000000000000000000000002")

	backend := &fakeBackend{
		head: &gethtypes.Header{Number: big.NewInt(500), Time: 1_700_000_000},
	}
	cache := newTestCache(t, backend)
	caller := cache.contract
	backend.logs = []gethtypes.Log{
		sponsorLog(caller, "NewSponsor", sponsorA),
		sponsorLog(caller, "NewSponsor", sponsorB),
	}
	backend.callFn = routeContractCalls(t, caller.abi, map[common.Address]fakePosition{
		sponsorA: {tokens: scaled(t, "100"), collateral: scaled(t, "95")},
		sponsorB: {tokens: scaled(t, "100"), collateral: scaled(t, "120")},
	}, nil)

	require.NoError(t, cache.Refresh(context.Background()))
	require.Equal(t, uint64(1_700_000_000), cache.LastUpdateTime())

	// Boundary 0.98 requires 98 units of collateral per 100 tokens.
	under := cache.UndercollateralizedPositions(scaled(t, "0.98"))
	require.Len(t, under, 1)
	require.Equal(t, sponsorA, under[0].Sponsor)

	require.Len(t, backend.filterCalls, 1)
	require.Equal(t, uint64(100), backend.filterCalls[0].FromBlock.Uint64())
	require.Equal(t, uint64(500), backend.filterCalls[0].ToBlock.Uint64())
}

func TestRefreshResumesFromCheckpointAndKeepsSponsors(t *testing.T) {
	sponsor := common.HexToAddress("0xaaaa000000000000000000000000000000000003")
	backend := &fakeBackend{
		head: &gethtypes.Header{Number: big.NewInt(500), Time: 1_700_000_000},
	}
	cache := newTestCache(t, backend)
	caller := cache.contract
	backend.logs = []gethtypes.Log{sponsorLog(caller, "NewSponsor", sponsor)}
	backend.callFn = routeContractCalls(t, caller.abi, map[common.Address]fakePosition{
		sponsor: {tokens: scaled(t, "50"), collateral: scaled(t, "10")},
	}, nil)
	require.NoError(t, cache.Refresh(context.Background()))

	// Second refresh sees no new logs; the sponsor persists through the
	// checkpoint store and the scan resumes past the previous head.
	backend.head = &gethtypes.Header{Number: big.NewInt(600), Time: 1_700_000_060}
	require.NoError(t, cache.Refresh(context.Background()))

	require.Len(t, backend.filterCalls, 2)
	require.Equal(t, uint64(501), backend.filterCalls[1].FromBlock.Uint64())
	require.Len(t, cache.UndercollateralizedPositions(scaled(t, "1")), 1)
}

func TestRefreshDropsEndedAndRepaidPositions(t *testing.T) {
	ended := common.HexToAddress("0xaaaa000000000000000000000000000000000004")
	repaid := common.HexToAddress("0xaaaa000000000000000000000000000000000005")
	backend := &fakeBackend{
		head: &gethtypes.Header{Number: big.NewInt(500), Time: 1_700_000_000},
	}
	cache := newTestCache(t, backend)
	caller := cache.contract
	backend.logs = []gethtypes.Log{
		sponsorLog(caller, "NewSponsor", ended),
		sponsorLog(caller, "NewSponsor", repaid),
		sponsorLog(caller, "EndedSponsorPosition", ended),
	}
	backend.callFn = routeContractCalls(t, caller.abi, map[common.Address]fakePosition{
		ended:  {tokens: scaled(t, "100"), collateral: scaled(t, "1")},
		repaid: {tokens: big.NewInt(0), collateral: scaled(t, "5")},
	}, nil)

	require.NoError(t, cache.Refresh(context.Background()))
	require.Empty(t, cache.UndercollateralizedPositions(scaled(t, "1000")))
}

func TestExpiredAndDisputedLiquidations(t *testing.T) {
	sponsor := common.HexToAddress("0xaaaa000000000000000000000000000000000006")
	backend := &fakeBackend{
		head: &gethtypes.Header{Number: big.NewInt(500), Time: 1_700_000_000},
	}
	cache := newTestCache(t, backend)
	caller := cache.contract
	backend.logs = []gethtypes.Log{
		liquidationLog(caller, sponsor, 0),
		liquidationLog(caller, sponsor, 1),
		liquidationLog(caller, sponsor, 2),
	}
	liquidations := map[string]fakeLiquidation{
		liquidationKey(sponsor, big.NewInt(0)): {
			liquidator: operatorAddr,
			status:     uint8(liquidator.StatusPreDispute),
			tokens:     scaled(t, "100"),
			collateral: scaled(t, "115"),
			expiry:     1_699_999_000, // liveness elapsed
		},
		liquidationKey(sponsor, big.NewInt(1)): {
			liquidator: operatorAddr,
			status:     uint8(liquidator.StatusPreDispute),
			tokens:     scaled(t, "100"),
			collateral: scaled(t, "115"),
			expiry:     1_700_000_900, // still live
		},
		liquidationKey(sponsor, big.NewInt(2)): {
			liquidator: operatorAddr,
			status:     uint8(liquidator.StatusDisputeFailed),
			tokens:     scaled(t, "100"),
			collateral: scaled(t, "115"),
			expiry:     1_699_999_000,
		},
	}
	backend.callFn = routeContractCalls(t, caller.abi, nil, liquidations)

	require.NoError(t, cache.Refresh(context.Background()))

	expired := cache.ExpiredLiquidations()
	require.Len(t, expired, 1)
	require.Zero(t, expired[0].ID.Cmp(big.NewInt(0)))

	disputed := cache.DisputedLiquidations()
	require.Len(t, disputed, 1)
	require.Zero(t, disputed[0].ID.Cmp(big.NewInt(2)))
	require.Equal(t, liquidator.StatusDisputeFailed, disputed[0].Status)
}
