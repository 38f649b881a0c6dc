package bridge

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const routerABI = `[
  {"inputs":[{"name":"intentId","type":"uint256"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"},{"name":"destinationChain","type":"uint64"},{"name":"recipient","type":"address"}],"name":"ccipSend","outputs":[{"name":"messageId","type":"bytes32"}],"stateMutability":"nonpayable","type":"function"},
  {"inputs":[{"name":"intentId","type":"uint256"},{"name":"user","type":"address"},{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"name":"refund","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"messageId","type":"bytes32"},{"indexed":true,"name":"intentId","type":"uint256"}],"name":"MessageSent","type":"event"}
]`

const swapRouterABI = `[
  {"inputs":[{"name":"intentId","type":"uint256"},{"name":"tokenIn","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"data","type":"bytes"}],"name":"swapExactIn","outputs":[{"name":"amountOut","type":"uint256"}],"stateMutability":"nonpayable","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"name":"intentId","type":"uint256"},{"indexed":false,"name":"tokenOut","type":"address"},{"indexed":false,"name":"amountOut","type":"uint256"}],"name":"Swapped","type":"event"}
]`

// EthClient drives the bridge router and, when configured, a swap router.
type EthClient struct {
	client     *ethclient.Client
	router     *bind.BoundContract
	routerABI  abi.ABI
	swap       *bind.BoundContract
	swapABI    abi.ABI
	chainID    *big.Int
	transacts  *bind.TransactOpts
	receiptTTL time.Duration
}

type EthClientConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	ContractRouter string
	ContractSwap   string
	ReceiptTimeout time.Duration
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ContractRouter == "" {
		return nil, fmt.Errorf("bridge router address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for bridge transactions")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedRouter, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	parsedSwap, err := abi.JSON(strings.NewReader(swapRouterABI))
	if err != nil {
		return nil, fmt.Errorf("parse swap abi: %w", err)
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	c := &EthClient{
		client:     cli,
		router:     bind.NewBoundContract(common.HexToAddress(cfg.ContractRouter), parsedRouter, cli, cli, cli),
		routerABI:  parsedRouter,
		swapABI:    parsedSwap,
		chainID:    chainID,
		transacts:  txOpts,
		receiptTTL: cfg.ReceiptTimeout,
	}
	if c.receiptTTL <= 0 {
		c.receiptTTL = 2 * time.Minute
	}
	if cfg.ContractSwap != "" {
		c.swap = bind.NewBoundContract(common.HexToAddress(cfg.ContractSwap), parsedSwap, cli, cli, cli)
	}
	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// HasSwapRouter reports whether swaps go on-chain rather than pass through.
func (c *EthClient) HasSwapRouter() bool {
	return c.swap != nil
}

func (c *EthClient) Initiate(ctx context.Context, req Request) (Receipt, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return Receipt{}, fmt.Errorf("invalid amount")
	}

	tx, err := c.router.Transact(c.opts(ctx), "ccipSend",
		new(big.Int).SetUint64(req.IntentID), req.Token, req.Amount, req.DestinationChain, req.Recipient)
	if err != nil {
		return Receipt{}, fmt.Errorf("ccip send tx: %w", err)
	}

	receipt, err := c.wait(ctx, tx)
	if err != nil {
		return Receipt{}, err
	}

	event := c.routerABI.Events["MessageSent"]
	for _, lg := range receipt.Logs {
		if len(lg.Topics) >= 2 && lg.Topics[0] == event.ID {
			return Receipt{MessageID: lg.Topics[1], TxHash: tx.Hash().Hex()}, nil
		}
	}
	return Receipt{}, fmt.Errorf("ccip send %s: MessageSent log missing", tx.Hash().Hex())
}

func (c *EthClient) Swap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	if c.swap == nil {
		return PassThrough{}.Swap(ctx, req)
	}

	tx, err := c.swap.Transact(c.opts(ctx), "swapExactIn",
		new(big.Int).SetUint64(req.IntentID), req.TokenIn, req.Amount, req.Payload)
	if err != nil {
		return SwapResult{}, fmt.Errorf("swap tx: %w", err)
	}

	receipt, err := c.wait(ctx, tx)
	if err != nil {
		return SwapResult{}, err
	}

	event := c.swapABI.Events["Swapped"]
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != event.ID {
			continue
		}
		var out struct {
			TokenOut  common.Address
			AmountOut *big.Int
		}
		if err := c.swapABI.UnpackIntoInterface(&out, "Swapped", lg.Data); err != nil {
			return SwapResult{}, fmt.Errorf("decode Swapped: %w", err)
		}
		return SwapResult{TokenOut: out.TokenOut, AmountOut: out.AmountOut}, nil
	}
	return SwapResult{}, fmt.Errorf("swap %s: Swapped log missing", tx.Hash().Hex())
}

func (c *EthClient) Refund(ctx context.Context, req RefundRequest) (string, error) {
	tx, err := c.router.Transact(c.opts(ctx), "refund",
		new(big.Int).SetUint64(req.IntentID), req.User, req.Token, req.Amount)
	if err != nil {
		return "", fmt.Errorf("refund tx: %w", err)
	}
	if _, err := c.wait(ctx, tx); err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthClient) opts(ctx context.Context) *bind.TransactOpts {
	opts := *c.transacts
	opts.Context = ctx
	return &opts
}

func (c *EthClient) wait(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTTL)
	defer cancel()

	receipt, err := WaitForReceipt(waitCtx, c.client, tx)
	if err != nil {
		return nil, fmt.Errorf("wait for %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("tx %s reverted", tx.Hash().Hex())
	}
	return receipt, nil
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
