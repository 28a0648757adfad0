// Package chain implements the on-chain collaborators consumed by the
// liquidation engine: the financial contract caller, the contract state
// cache, the gas estimator, and the price feed.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Backend is the subset of the Ethereum RPC surface this package
// depends on. *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]gethtypes.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial initialises an Ethereum RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// throttledBackend applies a shared request budget to every RPC call so
// a large sponsor set cannot exhaust the node's rate limits mid-pass.
type throttledBackend struct {
	inner   Backend
	limiter *rate.Limiter
}

// Throttle wraps a backend with a requests-per-second budget. A
// non-positive budget returns the backend unchanged.
func Throttle(inner Backend, requestsPerSecond int) Backend {
	if requestsPerSecond <= 0 {
		return inner
	}
	return &throttledBackend{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond),
	}
}

func (b *throttledBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b.inner.CallContract(ctx, msg, blockNumber)
}

func (b *throttledBackend) FilterLogs(ctx context.Context, query ethereum.FilterQuery) ([]gethtypes.Log, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b.inner.FilterLogs(ctx, query)
}

func (b *throttledBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b.inner.HeaderByNumber(ctx, number)
}

func (b *throttledBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b.inner.SuggestGasPrice(ctx)
}

func (b *throttledBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return b.inner.PendingNonceAt(ctx, account)
}

func (b *throttledBackend) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	return b.inner.SendTransaction(ctx, tx)
}

func (b *throttledBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return b.inner.TransactionReceipt(ctx, txHash)
}
