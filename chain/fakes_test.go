package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"liquidatord/fixedpoint"
)

// fakeBackend scripts the RPC surface. View calls route through callFn
// so each test can dispatch on the packed calldata.
type fakeBackend struct {
	head        *gethtypes.Header
	logs        []gethtypes.Log
	filterErr   error
	filterCalls []ethereum.FilterQuery

	callFn    func(msg ethereum.CallMsg) ([]byte, error)
	callMsgs  []ethereum.CallMsg
	suggested *big.Int
	nonce     uint64

	sent     []*gethtypes.Transaction
	sendErr  error
	onSend   func(tx *gethtypes.Transaction)
	receipts map[common.Hash]*gethtypes.Receipt
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.callMsgs = append(b.callMsgs, msg)
	if b.callFn == nil {
		return nil, ethereum.NotFound
	}
	return b.callFn(msg)
}

func (b *fakeBackend) FilterLogs(_ context.Context, query ethereum.FilterQuery) ([]gethtypes.Log, error) {
	b.filterCalls = append(b.filterCalls, query)
	if b.filterErr != nil {
		return nil, b.filterErr
	}
	logs := b.logs
	b.logs = nil
	return logs, nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return b.head, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return b.suggested, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	if b.onSend != nil {
		b.onSend(tx)
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

// passthroughSigner leaves the transaction unsigned; receipt lookups in
// tests key off the unsigned hash.
func passthroughSigner(_ common.Address, tx *gethtypes.Transaction) (*gethtypes.Transaction, error) {
	return tx, nil
}

func packOutputs(t *testing.T, a abi.ABI, method string, values ...interface{}) []byte {
	t.Helper()
	out, err := a.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatalf("pack %s outputs: %v", method, err)
	}
	return out
}

// methodSelector returns the 4-byte dispatch prefix for a method.
func methodSelector(a abi.ABI, method string) [4]byte {
	var sel [4]byte
	copy(sel[:], a.Methods[method].ID)
	return sel
}

func selectorOf(data []byte) [4]byte {
	var sel [4]byte
	copy(sel[:], data)
	return sel
}

func scaled(t *testing.T, decimal string) *big.Int {
	t.Helper()
	value, err := fixedpoint.FromDecimal(decimal)
	if err != nil {
		t.Fatalf("parse %q: %v", decimal, err)
	}
	return value
}
