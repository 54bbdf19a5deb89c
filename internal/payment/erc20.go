package payment

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"raffle/internal/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/google/logger"
)

const erc20ABIJSON = `[
{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"},
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

var erc20ABI = mustParseABI(erc20ABIJSON)

func mustParseABI(s string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return a
}

// ErrTxFailed is returned when a transfer transaction is mined with a failed status.
var ErrTxFailed = errors.New("payment: transaction reverted")

// Backend is the slice of an Ethereum client the adapter needs. *ethclient.Client implements it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ERC20 pays through an ERC-20 token contract. The pool account is the
// signing key's address: payouts use transfer, collections use transferFrom
// against an allowance the participant granted the pool beforehand.
type ERC20 struct {
	backend Backend
	token   common.Address
	key     *ecdsa.PrivateKey
	pool    common.Address
	chainID *big.Int

	// PollInterval is how often receipts are polled while waiting for a transfer to be mined.
	PollInterval time.Duration
}

// NewERC20 builds an adapter over an existing backend.
func NewERC20(backend Backend, token models.Address, key *ecdsa.PrivateKey, chainID *big.Int) *ERC20 {
	return &ERC20{
		backend:      backend,
		token:        token.Common(),
		key:          key,
		pool:         crypto.PubkeyToAddress(key.PublicKey),
		chainID:      chainID,
		PollInterval: 2 * time.Second,
	}
}

// DialERC20 connects to rpcURL and reads the chain id from the node.
func DialERC20(ctx context.Context, rpcURL string, token models.Address, key *ecdsa.PrivateKey) (*ERC20, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	return NewERC20(client, token, key, chainID), nil
}

func (e *ERC20) ChainID() *big.Int {
	return new(big.Int).Set(e.chainID)
}

// Pool is the account holding the prize pools.
func (e *ERC20) Pool() models.Address {
	return models.Address(e.pool.Hex())
}

func (e *ERC20) Transfer(ctx context.Context, from, to models.Address, amount uint64) error {
	value := new(big.Int).SetUint64(amount)
	var (
		data []byte
		err  error
	)
	switch {
	case from.Common() == e.pool:
		data, err = erc20ABI.Pack("transfer", to.Common(), value)
	case to.Common() == e.pool:
		data, err = erc20ABI.Pack("transferFrom", from.Common(), e.pool, value)
	default:
		return fmt.Errorf("payment: transfer %s -> %s does not involve the pool", from, to)
	}
	if err != nil {
		return err
	}
	return e.send(ctx, data)
}

func (e *ERC20) Balance(ctx context.Context, addr models.Address) (uint64, error) {
	data, err := erc20ABI.Pack("balanceOf", addr.Common())
	if err != nil {
		return 0, err
	}
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: data}, nil)
	if err != nil {
		return 0, err
	}
	res, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil {
		return 0, fmt.Errorf("unpack balanceOf: %w", err)
	}
	bal, ok := res[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected balanceOf result %T", res[0])
	}
	if !bal.IsUint64() {
		return ^uint64(0), nil
	}
	return bal.Uint64(), nil
}

func (e *ERC20) send(ctx context.Context, data []byte) error {
	nonce, err := e.backend.PendingNonceAt(ctx, e.pool)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("gas price: %w", err)
	}
	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: e.pool, To: &e.token, Data: data})
	if err != nil {
		return fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTransaction(nonce, e.token, big.NewInt(0), gas, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return fmt.Errorf("sign: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	logger.Infof("payment: sent %s", signed.Hash().Hex())

	receipt, err := e.waitMined(ctx, signed.Hash())
	if err != nil {
		return err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%s: %w", signed.Hash().Hex(), ErrTxFailed)
	}
	return nil
}

func (e *ERC20) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	t := time.NewTicker(e.PollInterval)
	defer t.Stop()
	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
