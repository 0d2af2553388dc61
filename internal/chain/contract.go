package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// contractABI covers the two entry points the distributor needs: the payable
// batch transfer and the per-address scheduled amount view.
const contractABI = `[
	{"type":"function","name":"addBalances","stateMutability":"payable",
	 "inputs":[{"name":"addresses","type":"address[]"},{"name":"amounts","type":"uint256[]"}],
	 "outputs":[]},
	{"type":"function","name":"rewardsScheduledFor","stateMutability":"view",
	 "inputs":[{"name":"participant","type":"address"}],
	 "outputs":[{"name":"","type":"uint256"}]}
]`

// TxHandle is an in-flight on-chain transfer that can be awaited.
type TxHandle interface {
	Hash() common.Hash

	// Wait blocks until the transaction is confirmed, returning an error
	// if it was reverted. There is no cancelling a submitted transfer;
	// ctx only bounds the wait itself.
	Wait(ctx context.Context) error
}

// Releaser submits one on-chain transfer carrying a whole batch of rewards.
type Releaser interface {
	Release(ctx context.Context, addrs []common.Address, amounts []*big.Int) (TxHandle, error)
}

// InFlightReader reports the amount already scheduled on-chain for an
// address, used by the payable-threshold filter.
type InFlightReader interface {
	RewardsScheduledFor(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Contract talks to the reward contract through an RPC endpoint. It
// implements Releaser and InFlightReader.
type Contract struct {
	eth     *ethclient.Client
	address common.Address
	abi     abi.ABI
	signer  Signer
	chainID *big.Int
	logger  *zap.Logger
}

// Dial connects to the RPC endpoint and binds the contract at address.
func Dial(ctx context.Context, rpcURL string, address common.Address, signer Signer, logger *zap.Logger) (*Contract, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chainID, err := eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract ABI: %w", err)
	}
	return &Contract{
		eth:     eth,
		address: address,
		abi:     parsed,
		signer:  signer,
		chainID: chainID,
		logger:  logger,
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Contract) Close() {
	c.eth.Close()
}

// Release implements Releaser. The transaction value equals the sum of the
// batch amounts; signing goes through the contract's Signer, so with a
// SerialSigner the device is held only while the approval is pending, not
// while the transfer confirms.
func (c *Contract) Release(ctx context.Context, addrs []common.Address, amounts []*big.Int) (TxHandle, error) {
	if len(addrs) != len(amounts) {
		return nil, fmt.Errorf("addresses and amounts must have the same length (%d != %d)", len(addrs), len(amounts))
	}

	data, err := c.abi.Pack("addBalances", addrs, amounts)
	if err != nil {
		return nil, fmt.Errorf("pack addBalances: %w", err)
	}

	total := new(big.Int)
	for _, a := range amounts {
		total.Add(total, a)
	}

	from := c.signer.Address()
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("query nonce: %w", err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	gasLimit, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &c.address,
		Value: total,
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &c.address,
		Value:    total,
		Data:     data,
	})

	signed, err := c.signer.SignTx(tx, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("sign transfer: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send transfer: %w", err)
	}

	c.logger.Info("release transaction submitted",
		zap.String("tx", signed.Hash().Hex()),
		zap.Int("addresses", len(addrs)),
		zap.String("value", total.String()),
	)
	return &ethTxHandle{eth: c.eth, tx: signed}, nil
}

// RewardsScheduledFor implements InFlightReader.
func (c *Contract) RewardsScheduledFor(ctx context.Context, addr common.Address) (*big.Int, error) {
	data, err := c.abi.Pack("rewardsScheduledFor", addr)
	if err != nil {
		return nil, fmt.Errorf("pack rewardsScheduledFor: %w", err)
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call rewardsScheduledFor: %w", err)
	}

	results, err := c.abi.Unpack("rewardsScheduledFor", out)
	if err != nil {
		return nil, fmt.Errorf("unpack rewardsScheduledFor: %w", err)
	}
	amount, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected rewardsScheduledFor result type %T", results[0])
	}
	return amount, nil
}

type ethTxHandle struct {
	eth *ethclient.Client
	tx  *types.Transaction
}

func (h *ethTxHandle) Hash() common.Hash {
	return h.tx.Hash()
}

func (h *ethTxHandle) Wait(ctx context.Context) error {
	receipt, err := bind.WaitMined(ctx, h.eth, h.tx)
	if err != nil {
		return fmt.Errorf("await %s: %w", h.tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("transaction %s reverted", h.tx.Hash().Hex())
	}
	return nil
}
