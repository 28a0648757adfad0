package liquidator

import (
	"context"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type fakeContract struct {
	collateralRequirement *big.Int
	crCalls               int

	simulateLiquidationErr map[common.Address]error
	createLiquidationErr   map[common.Address]error
	simulateWithdrawErr    map[string]error
	withdrawErr            map[string]error

	simulatedProposals []LiquidationProposal
	submittedProposals []LiquidationProposal
	submittedOptions   []TxnOptions
	simulatedWithdraws []string
	submittedWithdraws []string
	withdrawOptions    []TxnOptions
	nextLiquidationID  int64
	withdrawStatus     LiquidationStatus
	withdrawAmount     *big.Int
}

func newFakeContract() *fakeContract {
	cr, _ := new(big.Int).SetString("1200000000000000000", 10) // 1.2
	return &fakeContract{
		collateralRequirement:  cr,
		simulateLiquidationErr: map[common.Address]error{},
		createLiquidationErr:   map[common.Address]error{},
		simulateWithdrawErr:    map[string]error{},
		withdrawErr:            map[string]error{},
		withdrawStatus:         StatusUninitialized,
		withdrawAmount:         big.NewInt(100),
	}
}

func withdrawKey(id *big.Int, sponsor common.Address) string {
	key := sponsor.Hex()
	if id != nil {
		key += ":" + id.String()
	}
	return key
}

func (c *fakeContract) CollateralRequirement(context.Context) (*big.Int, error) {
	c.crCalls++
	return c.collateralRequirement, nil
}

func (c *fakeContract) SimulateCreateLiquidation(_ context.Context, _ common.Address, proposal LiquidationProposal) error {
	c.simulatedProposals = append(c.simulatedProposals, proposal)
	return c.simulateLiquidationErr[proposal.Sponsor]
}

func (c *fakeContract) CreateLiquidation(_ context.Context, proposal LiquidationProposal, opts TxnOptions) (*LiquidationReceipt, error) {
	c.submittedProposals = append(c.submittedProposals, proposal)
	c.submittedOptions = append(c.submittedOptions, opts)
	if err := c.createLiquidationErr[proposal.Sponsor]; err != nil {
		return nil, err
	}
	c.nextLiquidationID++
	return &LiquidationReceipt{
		TxHash:            common.BigToHash(big.NewInt(c.nextLiquidationID)),
		Sponsor:           proposal.Sponsor,
		Liquidator:        opts.From,
		ID:                big.NewInt(c.nextLiquidationID),
		TokensOutstanding: proposal.TokensToLiquidate,
		LockedCollateral:  proposal.MaxCollateralPerToken,
	}, nil
}

func (c *fakeContract) SimulateWithdrawLiquidation(_ context.Context, _ common.Address, id *big.Int, sponsor common.Address) error {
	key := withdrawKey(id, sponsor)
	c.simulatedWithdraws = append(c.simulatedWithdraws, key)
	return c.simulateWithdrawErr[key]
}

func (c *fakeContract) WithdrawLiquidation(_ context.Context, id *big.Int, sponsor common.Address, opts TxnOptions) (*WithdrawalReceipt, error) {
	key := withdrawKey(id, sponsor)
	c.submittedWithdraws = append(c.submittedWithdraws, key)
	c.withdrawOptions = append(c.withdrawOptions, opts)
	if err := c.withdrawErr[key]; err != nil {
		return nil, err
	}
	return &WithdrawalReceipt{
		TxHash: common.BigToHash(big.NewInt(int64(len(c.submittedWithdraws)))),
		Caller: opts.From,
		Amount: c.withdrawAmount,
		Status: c.withdrawStatus,
	}, nil
}

type fakeCache struct {
	contract  *fakeContract
	positions []Position
	expired   []Liquidation
	disputed  []Liquidation

	refreshCalls int
	timeCalls    int
	baseTime     uint64
	// tickPerRead advances the reported timestamp on every read so tests
	// can observe per-position deadline recomputation.
	tickPerRead bool

	scanBoundaries []*big.Int
}

func newFakeCache() *fakeCache {
	return &fakeCache{contract: newFakeContract(), baseTime: 1_700_000_000}
}

func (c *fakeCache) Refresh(context.Context) error {
	c.refreshCalls++
	return nil
}

func (c *fakeCache) UndercollateralizedPositions(priceBoundary *big.Int) []Position {
	c.scanBoundaries = append(c.scanBoundaries, new(big.Int).Set(priceBoundary))
	return c.positions
}

func (c *fakeCache) ExpiredLiquidations() []Liquidation  { return c.expired }
func (c *fakeCache) DisputedLiquidations() []Liquidation { return c.disputed }

func (c *fakeCache) LastUpdateTime() uint64 {
	c.timeCalls++
	if c.tickPerRead {
		return c.baseTime + uint64(c.timeCalls)
	}
	return c.baseTime
}

func (c *fakeCache) Contract() FinancialContract { return c.contract }

type fakeGas struct {
	refreshCalls int
	fastPrice    *big.Int
}

func newFakeGas() *fakeGas {
	return &fakeGas{fastPrice: big.NewInt(40_000_000_000)}
}

func (g *fakeGas) Refresh(context.Context) error { g.refreshCalls++; return nil }
func (g *fakeGas) CurrentFastPrice() *big.Int    { return g.fastPrice }

type fakeFeed struct {
	refreshCalls int
	price        *big.Int
	hasPrice     bool
}

func newFakeFeed(price string) *fakeFeed {
	v, ok := new(big.Int).SetString(price, 10)
	if !ok {
		panic("bad price literal")
	}
	return &fakeFeed{price: v, hasPrice: true}
}

func (f *fakeFeed) Refresh(context.Context) error { f.refreshCalls++; return nil }

func (f *fakeFeed) CurrentPrice() (*big.Int, bool) {
	if !f.hasPrice {
		return nil, false
	}
	return f.price, true
}

// recordingHandler captures slog records so tests can assert on the
// number and severity of emitted log lines.
type recordingHandler struct {
	mu      sync.Mutex
	records []slog.Record
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *recordingHandler) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record.Clone())
	return nil
}

func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler      { return h }

func (h *recordingHandler) countLevel(level slog.Level) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	count := 0
	for _, record := range h.records {
		if record.Level == level {
			count++
		}
	}
	return count
}

func (h *recordingHandler) total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}
