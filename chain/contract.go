package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"liquidatord/liquidator"
)

// financialContractABI describes the subset of the financial contract
// the daemon interacts with: position and liquidation views plus the
// liquidation lifecycle transactions and their events.
const financialContractABI = `[
  {"type":"function","name":"collateralRequirement","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"positions","stateMutability":"view","inputs":[{"name":"sponsor","type":"address"}],"outputs":[{"name":"tokensOutstanding","type":"uint256"},{"name":"collateral","type":"uint256"}]},
  {"type":"function","name":"liquidations","stateMutability":"view","inputs":[{"name":"sponsor","type":"address"},{"name":"id","type":"uint256"}],"outputs":[{"name":"liquidator","type":"address"},{"name":"status","type":"uint8"},{"name":"tokensOutstanding","type":"uint256"},{"name":"lockedCollateral","type":"uint256"},{"name":"expiry","type":"uint256"}]},
  {"type":"function","name":"createLiquidation","stateMutability":"nonpayable","inputs":[{"name":"sponsor","type":"address"},{"name":"minPrice","type":"uint256"},{"name":"maxCollateralPerToken","type":"uint256"},{"name":"tokensToLiquidate","type":"uint256"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"liquidationId","type":"uint256"}]},
  {"type":"function","name":"withdrawLiquidation","stateMutability":"nonpayable","inputs":[{"name":"liquidationId","type":"uint256"},{"name":"sponsor","type":"address"}],"outputs":[{"name":"amountWithdrawn","type":"uint256"}]},
  {"type":"event","name":"NewSponsor","anonymous":false,"inputs":[{"name":"sponsor","type":"address","indexed":true}]},
  {"type":"event","name":"EndedSponsorPosition","anonymous":false,"inputs":[{"name":"sponsor","type":"address","indexed":true}]},
  {"type":"event","name":"LiquidationCreated","anonymous":false,"inputs":[{"name":"sponsor","type":"address","indexed":true},{"name":"liquidator","type":"address","indexed":true},{"name":"liquidationId","type":"uint256","indexed":true},{"name":"tokensOutstanding","type":"uint256","indexed":false},{"name":"lockedCollateral","type":"uint256","indexed":false}]},
  {"type":"event","name":"LiquidationWithdrawn","anonymous":false,"inputs":[{"name":"caller","type":"address","indexed":true},{"name":"paidToLiquidator","type":"uint256","indexed":false},{"name":"liquidationStatus","type":"uint8","indexed":false}]}
]`

const (
	defaultConfirmTimeout = 2 * time.Minute
	receiptPollInterval   = 2 * time.Second
)

var errTxReverted = errors.New("chain: transaction reverted")

// ContractCaller binds the financial contract ABI to a backend. View
// methods go through eth_call; lifecycle transactions are signed with
// the configured signer and confirmed by polling for a receipt.
type ContractCaller struct {
	backend        Backend
	address        common.Address
	abi            abi.ABI
	signer         bind.SignerFn
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// NewContractCaller parses the financial contract ABI and returns a
// caller bound to the given contract address.
func NewContractCaller(backend Backend, address common.Address, signer bind.SignerFn, logger *slog.Logger) (*ContractCaller, error) {
	if backend == nil {
		return nil, fmt.Errorf("chain: backend required")
	}
	if signer == nil {
		return nil, fmt.Errorf("chain: transaction signer required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	parsed, err := abi.JSON(strings.NewReader(financialContractABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse contract abi: %w", err)
	}
	return &ContractCaller{
		backend:        backend,
		address:        address,
		abi:            parsed,
		signer:         signer,
		confirmTimeout: defaultConfirmTimeout,
		logger:         logger.With("component", "contract"),
	}, nil
}

// Address returns the bound contract address.
func (c *ContractCaller) Address() common.Address { return c.address }

// EventID resolves an event name to its topic hash.
func (c *ContractCaller) EventID(name string) common.Hash {
	return c.abi.Events[name].ID
}

func (c *ContractCaller) call(ctx context.Context, from common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: from, To: &c.address, Data: data}
	out, err := c.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, err
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	return values, nil
}

// CollateralRequirement reads the contract's scaled collateralization
// requirement.
func (c *ContractCaller) CollateralRequirement(ctx context.Context) (*big.Int, error) {
	values, err := c.call(ctx, common.Address{}, "collateralRequirement")
	if err != nil {
		return nil, err
	}
	requirement, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: collateralRequirement returned unexpected type %T", values[0])
	}
	return requirement, nil
}

// Position reads a sponsor's outstanding token debt and locked
// collateral.
func (c *ContractCaller) Position(ctx context.Context, sponsor common.Address) (tokensOutstanding, collateral *big.Int, err error) {
	values, err := c.call(ctx, common.Address{}, "positions", sponsor)
	if err != nil {
		return nil, nil, err
	}
	tokensOutstanding, _ = values[0].(*big.Int)
	collateral, _ = values[1].(*big.Int)
	if tokensOutstanding == nil || collateral == nil {
		return nil, nil, fmt.Errorf("chain: positions returned unexpected shape for %s", sponsor.Hex())
	}
	return tokensOutstanding, collateral, nil
}

// LiquidationAt reads the liquidation stored at (sponsor, id).
func (c *ContractCaller) LiquidationAt(ctx context.Context, sponsor common.Address, id *big.Int) (liquidator.Liquidation, uint64, error) {
	values, err := c.call(ctx, common.Address{}, "liquidations", sponsor, id)
	if err != nil {
		return liquidator.Liquidation{}, 0, err
	}
	addr, _ := values[0].(common.Address)
	status, _ := values[1].(uint8)
	tokens, _ := values[2].(*big.Int)
	collateral, _ := values[3].(*big.Int)
	expiry, _ := values[4].(*big.Int)
	if tokens == nil || collateral == nil || expiry == nil {
		return liquidator.Liquidation{}, 0, fmt.Errorf("chain: liquidations returned unexpected shape for %s", sponsor.Hex())
	}
	liq := liquidator.Liquidation{
		ID:         new(big.Int).Set(id),
		Sponsor:    sponsor,
		Liquidator: addr,
		Status:     liquidator.LiquidationStatus(status),
		Tokens:     tokens,
		Collateral: collateral,
	}
	return liq, expiry.Uint64(), nil
}

// SimulateCreateLiquidation dry-runs createLiquidation via eth_call
// from the prospective liquidator's address.
func (c *ContractCaller) SimulateCreateLiquidation(ctx context.Context, from common.Address, proposal liquidator.LiquidationProposal) error {
	data, err := c.abi.Pack("createLiquidation",
		proposal.Sponsor,
		proposal.MinPrice,
		proposal.MaxCollateralPerToken,
		proposal.TokensToLiquidate,
		new(big.Int).SetUint64(proposal.Deadline),
	)
	if err != nil {
		return fmt.Errorf("chain: pack createLiquidation: %w", err)
	}
	msg := ethereum.CallMsg{From: from, To: &c.address, Data: data}
	_, err = c.backend.CallContract(ctx, msg, nil)
	return err
}

// CreateLiquidation submits createLiquidation and waits for the mined
// receipt, returning the summary carried by the LiquidationCreated
// event.
func (c *ContractCaller) CreateLiquidation(ctx context.Context, proposal liquidator.LiquidationProposal, opts liquidator.TxnOptions) (*liquidator.LiquidationReceipt, error) {
	data, err := c.abi.Pack("createLiquidation",
		proposal.Sponsor,
		proposal.MinPrice,
		proposal.MaxCollateralPerToken,
		proposal.TokensToLiquidate,
		new(big.Int).SetUint64(proposal.Deadline),
	)
	if err != nil {
		return nil, fmt.Errorf("chain: pack createLiquidation: %w", err)
	}
	receipt, err := c.transact(ctx, opts, data)
	if err != nil {
		return nil, err
	}
	summary, err := c.parseLiquidationCreated(receipt)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

// SimulateWithdrawLiquidation dry-runs withdrawLiquidation. A revert
// here means the liquidation has no claimable rewards for the caller.
func (c *ContractCaller) SimulateWithdrawLiquidation(ctx context.Context, from common.Address, id *big.Int, sponsor common.Address) error {
	data, err := c.abi.Pack("withdrawLiquidation", id, sponsor)
	if err != nil {
		return fmt.Errorf("chain: pack withdrawLiquidation: %w", err)
	}
	msg := ethereum.CallMsg{From: from, To: &c.address, Data: data}
	_, err = c.backend.CallContract(ctx, msg, nil)
	return err
}

// WithdrawLiquidation submits withdrawLiquidation and waits for the
// mined receipt, returning the summary carried by the
// LiquidationWithdrawn event.
func (c *ContractCaller) WithdrawLiquidation(ctx context.Context, id *big.Int, sponsor common.Address, opts liquidator.TxnOptions) (*liquidator.WithdrawalReceipt, error) {
	data, err := c.abi.Pack("withdrawLiquidation", id, sponsor)
	if err != nil {
		return nil, fmt.Errorf("chain: pack withdrawLiquidation: %w", err)
	}
	receipt, err := c.transact(ctx, opts, data)
	if err != nil {
		return nil, err
	}
	summary, err := c.parseLiquidationWithdrawn(receipt)
	if err != nil {
		return nil, err
	}
	return summary, nil
}

func (c *ContractCaller) transact(ctx context.Context, opts liquidator.TxnOptions, data []byte) (*gethtypes.Receipt, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, opts.From)
	if err != nil {
		return nil, fmt.Errorf("chain: pending nonce for %s: %w", opts.From.Hex(), err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.address,
		Gas:      opts.GasLimit,
		GasPrice: opts.GasPrice,
		Data:     data,
	})
	signed, err := c.signer(opts.From, tx)
	if err != nil {
		return nil, fmt.Errorf("chain: sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("chain: send transaction: %w", err)
	}
	c.logger.Debug("transaction submitted", "tx_hash", signed.Hash().Hex(), "nonce", nonce)
	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", errTxReverted, signed.Hash().Hex())
	}
	return receipt, nil
}

func (c *ContractCaller) waitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	deadline := time.NewTimer(c.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("chain: fetch receipt %s: %w", txHash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("chain: transaction %s not mined within %s", txHash.Hex(), c.confirmTimeout)
		case <-ticker.C:
		}
	}
}

func (c *ContractCaller) parseLiquidationCreated(receipt *gethtypes.Receipt) (*liquidator.LiquidationReceipt, error) {
	eventID := c.abi.Events["LiquidationCreated"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != c.address || len(lg.Topics) != 4 || lg.Topics[0] != eventID {
			continue
		}
		values, err := c.abi.Unpack("LiquidationCreated", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("chain: decode LiquidationCreated: %w", err)
		}
		tokens, _ := values[0].(*big.Int)
		collateral, _ := values[1].(*big.Int)
		return &liquidator.LiquidationReceipt{
			TxHash:            receipt.TxHash,
			Sponsor:           common.BytesToAddress(lg.Topics[1].Bytes()),
			Liquidator:        common.BytesToAddress(lg.Topics[2].Bytes()),
			ID:                new(big.Int).SetBytes(lg.Topics[3].Bytes()),
			TokensOutstanding: tokens,
			LockedCollateral:  collateral,
		}, nil
	}
	return nil, fmt.Errorf("chain: receipt %s missing LiquidationCreated event", receipt.TxHash.Hex())
}

func (c *ContractCaller) parseLiquidationWithdrawn(receipt *gethtypes.Receipt) (*liquidator.WithdrawalReceipt, error) {
	eventID := c.abi.Events["LiquidationWithdrawn"].ID
	for _, lg := range receipt.Logs {
		if lg.Address != c.address || len(lg.Topics) != 2 || lg.Topics[0] != eventID {
			continue
		}
		values, err := c.abi.Unpack("LiquidationWithdrawn", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("chain: decode LiquidationWithdrawn: %w", err)
		}
		amount, _ := values[0].(*big.Int)
		status, _ := values[1].(uint8)
		return &liquidator.WithdrawalReceipt{
			TxHash: receipt.TxHash,
			Caller: common.BytesToAddress(lg.Topics[1].Bytes()),
			Amount: amount,
			Status: liquidator.LiquidationStatus(status),
		}, nil
	}
	return nil, fmt.Errorf("chain: receipt %s missing LiquidationWithdrawn event", receipt.TxHash.Hex())
}
