// Package evm is the signing chain client behind every live on-chain backend:
// lending pools, liquid staking, swap routers and wallet transfers.
package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/venuerouter/internal/config"
	"github.com/alanyoungcy/venuerouter/internal/crypto"
	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// Node is the subset of an Ethereum JSON-RPC client the Client uses.
// *ethclient.Client satisfies it.
type Node interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Signer signs transactions for the wallet. *crypto.TxSigner satisfies it.
type Signer interface {
	Address() common.Address
	ChainID() *big.Int
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

const (
	nativeDecimals        = 18
	variableRateMode      = 2
	defaultPollInterval   = 2 * time.Second
	defaultReceiptTimeout = 3 * time.Minute
	defaultDeadline       = 5 * time.Minute
	gasHeadroomPct        = 20
)

// Client is the live chain client. Writes are serialized so nonces stay
// sequential.
type Client struct {
	node   Node
	signer Signer
	chain  config.OnChainConfig
	dex    config.DEXConfig
	logger *slog.Logger

	sendMu         sync.Mutex
	pollInterval   time.Duration
	receiptTimeout time.Duration
	now            func() time.Time
}

// New creates a Client over an existing node connection.
func New(node Node, signer Signer, chain config.OnChainConfig, dex config.DEXConfig, logger *slog.Logger) *Client {
	c := &Client{
		node:           node,
		signer:         signer,
		chain:          chain,
		dex:            dex,
		logger:         logger.With(slog.String("component", "evm"), slog.String("address", signer.Address().Hex())),
		pollInterval:   chain.ReceiptPollInterval.Duration,
		receiptTimeout: chain.ReceiptTimeout.Duration,
		now:            time.Now,
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.receiptTimeout <= 0 {
		c.receiptTimeout = defaultReceiptTimeout
	}
	return c
}

// Dial connects to the configured RPC endpoint and loads the signing key.
func Dial(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Client, error) {
	oc := cfg.OnChain
	signer, err := crypto.NewTxSignerFromConfig(crypto.KeyConfig{
		RawPrivateKey:    oc.PrivateKey,
		EncryptedKeyPath: oc.EncryptedKeyPath,
		KeyPassword:      oc.KeyPassword,
	}, oc.ChainID)
	if err != nil {
		return nil, fmt.Errorf("evm: signer: %w", err)
	}
	node, err := ethclient.DialContext(ctx, oc.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("evm: dial %s: %w", oc.RPCURL, err)
	}
	return New(node, signer, oc, cfg.DEX, logger), nil
}

// Address returns the wallet address.
func (c *Client) Address() string { return c.signer.Address().Hex() }

// token resolves a configured ERC-20. Native ETH resolves to WETH where a
// contract address is required.
func (c *Client) token(symbol string) (common.Address, int, error) {
	if symbol == "ETH" {
		symbol = "WETH"
	}
	t, ok := c.chain.Tokens[symbol]
	if !ok || !common.IsHexAddress(t.Address) {
		return common.Address{}, 0, fmt.Errorf("evm: token %s not configured: %w", symbol, domain.ErrUnknownInstrument)
	}
	dec := t.Decimals
	if dec == 0 {
		dec = nativeDecimals
	}
	return common.HexToAddress(t.Address), dec, nil
}

func (c *Client) protocol(name string) (common.Address, error) {
	addr, ok := c.chain.Protocols[name]
	if !ok || !common.IsHexAddress(addr) {
		return common.Address{}, fmt.Errorf("evm: protocol %s not configured: %w", name, domain.ErrBackendUnavailable)
	}
	return common.HexToAddress(addr), nil
}

// Balance returns the wallet's balance of token in token units.
func (c *Client) Balance(ctx context.Context, token string) (float64, error) {
	if token == "ETH" {
		wei, err := c.node.BalanceAt(ctx, c.signer.Address(), nil)
		if err != nil {
			return 0, fmt.Errorf("evm: eth balance: %w", err)
		}
		return FromUnits(wei, nativeDecimals), nil
	}
	return c.erc20Balance(ctx, token)
}

// PositionBalance reads a protocol position token held by the wallet.
// aTokens, debt tokens and LSTs are all plain ERC-20 balances.
func (c *Client) PositionBalance(ctx context.Context, venue string, pt domain.PositionType, symbol string) (float64, error) {
	v, err := c.erc20Balance(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("evm: %s %s %s: %w", venue, pt, symbol, err)
	}
	return v, nil
}

func (c *Client) erc20Balance(ctx context.Context, symbol string) (float64, error) {
	addr, dec, err := c.token(symbol)
	if err != nil {
		return 0, err
	}
	out, err := c.call(ctx, addr, erc20ABI, "balanceOf", c.signer.Address())
	if err != nil {
		return 0, fmt.Errorf("evm: balanceOf %s: %w", symbol, err)
	}
	return FromUnits(out[0].(*big.Int), dec), nil
}

// Lend runs supply, withdraw, borrow or repay on the venue's pool. Supply and
// repay approve the pool first when the allowance is short.
func (c *Client) Lend(ctx context.Context, venue string, op domain.Operation, token string, amount float64) (domain.TxReceipt, error) {
	pool, err := c.protocol(venue)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	asset, dec, err := c.token(token)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	units := ToUnits(amount, dec)
	me := c.signer.Address()
	rate := big.NewInt(variableRateMode)

	var data []byte
	var approval domain.TxReceipt
	switch op {
	case domain.OpSupply, domain.OpRepay:
		if approval, err = c.ensureAllowance(ctx, asset, pool, units); err != nil {
			return domain.TxReceipt{}, err
		}
		if op == domain.OpSupply {
			data, err = lendingPoolABI.Pack("supply", asset, units, me, uint16(0))
		} else {
			data, err = lendingPoolABI.Pack("repay", asset, units, rate, me)
		}
	case domain.OpWithdraw:
		data, err = lendingPoolABI.Pack("withdraw", asset, units, me)
	case domain.OpBorrow:
		data, err = lendingPoolABI.Pack("borrow", asset, units, rate, uint16(0), me)
	default:
		return domain.TxReceipt{}, fmt.Errorf("evm: lend %s: %w", op, domain.ErrUnsupportedOperation)
	}
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("evm: pack %s: %w", op, err)
	}
	rcpt, err := c.send(ctx, pool, nil, data)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("evm: %s %s on %s: %w", op, token, venue, err)
	}
	return withApproval(rcpt, approval), nil
}

// Stake deposits native ETH: Lido's submit, or deposit on any other venue.
func (c *Client) Stake(ctx context.Context, venue string, amountETH float64) (domain.TxReceipt, error) {
	target, err := c.protocol(venue)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	var data []byte
	if venue == "lido" {
		data, err = stakingABI.Pack("submit", common.Address{})
	} else {
		data, err = stakingABI.Pack("deposit")
	}
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("evm: pack stake: %w", err)
	}
	rcpt, err := c.send(ctx, target, ToUnits(amountETH, nativeDecimals), data)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("evm: stake on %s: %w", venue, err)
	}
	return rcpt, nil
}

// RequestUnstake queues an LST withdrawal. Lido goes through its withdrawal
// queue ("lido_withdrawal_queue") and reports the queue's request id; other
// venues call requestWithdraw on the protocol and report the tx hash.
func (c *Client) RequestUnstake(ctx context.Context, venue string, amount float64) (domain.TxReceipt, string, error) {
	lst, err := c.lstFor(venue)
	if err != nil {
		return domain.TxReceipt{}, "", err
	}
	lstAddr, dec, err := c.token(lst)
	if err != nil {
		return domain.TxReceipt{}, "", err
	}
	units := ToUnits(amount, dec)
	me := c.signer.Address()

	var target common.Address
	var data []byte
	if venue == "lido" {
		if target, err = c.protocol("lido_withdrawal_queue"); err != nil {
			return domain.TxReceipt{}, "", err
		}
		data, err = withdrawalQueueABI.Pack("requestWithdrawals", []*big.Int{units}, me)
	} else {
		if target, err = c.protocol(venue); err != nil {
			return domain.TxReceipt{}, "", err
		}
		data, err = stakingABI.Pack("requestWithdraw", me, units)
	}
	if err != nil {
		return domain.TxReceipt{}, "", fmt.Errorf("evm: pack unstake: %w", err)
	}
	approval, err := c.ensureAllowance(ctx, lstAddr, target, units)
	if err != nil {
		return domain.TxReceipt{}, "", err
	}
	rcpt, raw, err := c.sendRaw(ctx, target, nil, data)
	if err != nil {
		return domain.TxReceipt{}, "", fmt.Errorf("evm: unstake on %s: %w", venue, err)
	}
	id := rcpt.Hash
	if reqID, ok := withdrawalRequestID(raw, target); ok {
		id = reqID
	}
	return withApproval(rcpt, approval), id, nil
}

func (c *Client) lstFor(venue string) (string, error) {
	switch venue {
	case "lido":
		return "stETH", nil
	case "etherfi":
		return "weETH", nil
	}
	return "", fmt.Errorf("evm: unstake on %s: %w", venue, domain.ErrUnsupportedOperation)
}

// withdrawalRequestID pulls the queue's request id from a WithdrawalRequested log.
func withdrawalRequestID(r *types.Receipt, queue common.Address) (string, bool) {
	if r == nil {
		return "", false
	}
	topic := withdrawalQueueABI.Events["WithdrawalRequested"].ID
	for _, lg := range r.Logs {
		if lg.Address == queue && len(lg.Topics) > 1 && lg.Topics[0] == topic {
			return new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(), true
		}
	}
	return "", false
}

// Quote returns the expected output of swapping amountIn of src for dst.
func (c *Client) Quote(ctx context.Context, venue, src, dst string, amountIn float64) (float64, error) {
	srcAddr, srcDec, err := c.token(src)
	if err != nil {
		return 0, err
	}
	dstAddr, dstDec, err := c.token(dst)
	if err != nil {
		return 0, err
	}
	in := ToUnits(amountIn, srcDec)

	switch venue {
	case "uniswap_v2":
		router, err := c.router()
		if err != nil {
			return 0, err
		}
		out, err := c.call(ctx, router, uniswapV2ABI, "getAmountsOut", in, []common.Address{srcAddr, dstAddr})
		if err != nil {
			return 0, fmt.Errorf("evm: getAmountsOut: %w", err)
		}
		amounts := out[0].([]*big.Int)
		return FromUnits(amounts[len(amounts)-1], dstDec), nil
	case "curve":
		pool, i, j, err := c.curvePool(src, dst)
		if err != nil {
			return 0, err
		}
		out, err := c.call(ctx, pool, curvePoolABI, "get_dy", i, j, in)
		if err != nil {
			return 0, fmt.Errorf("evm: get_dy: %w", err)
		}
		return FromUnits(out[0].(*big.Int), dstDec), nil
	}
	return 0, fmt.Errorf("evm: quote on %s: %w", venue, domain.ErrUnsupportedOperation)
}

// Swap sells amountIn of src for at least minOut of dst.
func (c *Client) Swap(ctx context.Context, venue, src, dst string, amountIn, minOut float64) (domain.TxReceipt, error) {
	srcAddr, srcDec, err := c.token(src)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	dstAddr, dstDec, err := c.token(dst)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	in, minUnits := ToUnits(amountIn, srcDec), ToUnits(minOut, dstDec)

	var target common.Address
	var data []byte
	switch venue {
	case "uniswap_v2":
		if target, err = c.router(); err != nil {
			return domain.TxReceipt{}, err
		}
		deadline := big.NewInt(c.now().Add(c.deadline()).Unix())
		data, err = uniswapV2ABI.Pack("swapExactTokensForTokens", in, minUnits, []common.Address{srcAddr, dstAddr}, c.signer.Address(), deadline)
	case "curve":
		var i, j *big.Int
		if target, i, j, err = c.curvePool(src, dst); err != nil {
			return domain.TxReceipt{}, err
		}
		data, err = curvePoolABI.Pack("exchange", i, j, in, minUnits)
	default:
		return domain.TxReceipt{}, fmt.Errorf("evm: swap on %s: %w", venue, domain.ErrUnsupportedOperation)
	}
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("evm: pack swap: %w", err)
	}
	approval, err := c.ensureAllowance(ctx, srcAddr, target, in)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	rcpt, err := c.send(ctx, target, nil, data)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("evm: swap %s->%s on %s: %w", src, dst, venue, err)
	}
	return withApproval(rcpt, approval), nil
}

func (c *Client) router() (common.Address, error) {
	if !common.IsHexAddress(c.dex.UniswapV2Router) {
		return common.Address{}, fmt.Errorf("evm: uniswap_v2 router not configured: %w", domain.ErrBackendUnavailable)
	}
	return common.HexToAddress(c.dex.UniswapV2Router), nil
}

func (c *Client) deadline() time.Duration {
	if c.dex.DeadlineSec > 0 {
		return time.Duration(c.dex.DeadlineSec) * time.Second
	}
	return defaultDeadline
}

// curvePool finds a configured pool holding both coins and their indices.
// Pools are searched in name order so the choice is stable.
func (c *Client) curvePool(src, dst string) (common.Address, *big.Int, *big.Int, error) {
	names := make([]string, 0, len(c.dex.CurvePools))
	for name := range c.dex.CurvePools {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		p := c.dex.CurvePools[name]
		i := slices.IndexFunc(p.Coins, func(s string) bool { return strings.EqualFold(s, src) })
		j := slices.IndexFunc(p.Coins, func(s string) bool { return strings.EqualFold(s, dst) })
		if i >= 0 && j >= 0 && common.IsHexAddress(p.Address) {
			return common.HexToAddress(p.Address), big.NewInt(int64(i)), big.NewInt(int64(j)), nil
		}
	}
	return common.Address{}, nil, nil, fmt.Errorf("evm: no curve pool for %s/%s: %w", src, dst, domain.ErrUnsupportedOperation)
}

// Transfer sends token from the wallet to another address.
func (c *Client) Transfer(ctx context.Context, token, to string, amount float64) (domain.TxReceipt, error) {
	if !common.IsHexAddress(to) {
		return domain.TxReceipt{}, fmt.Errorf("evm: invalid recipient %q: %w", to, domain.ErrInvalidOrder)
	}
	dest := common.HexToAddress(to)
	if token == "ETH" {
		rcpt, err := c.send(ctx, dest, ToUnits(amount, nativeDecimals), nil)
		if err != nil {
			return domain.TxReceipt{}, fmt.Errorf("evm: transfer ETH: %w", err)
		}
		return rcpt, nil
	}
	addr, dec, err := c.token(token)
	if err != nil {
		return domain.TxReceipt{}, err
	}
	data, err := erc20ABI.Pack("transfer", dest, ToUnits(amount, dec))
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("evm: pack transfer: %w", err)
	}
	rcpt, err := c.send(ctx, addr, nil, data)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("evm: transfer %s: %w", token, err)
	}
	return rcpt, nil
}

// ensureAllowance approves spender for exactly amount when the current
// allowance is short. The zero receipt means no approval was needed.
func (c *Client) ensureAllowance(ctx context.Context, token, spender common.Address, amount *big.Int) (domain.TxReceipt, error) {
	out, err := c.call(ctx, token, erc20ABI, "allowance", c.signer.Address(), spender)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("evm: allowance: %w", err)
	}
	if out[0].(*big.Int).Cmp(amount) >= 0 {
		return domain.TxReceipt{}, nil
	}
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("evm: pack approve: %w", err)
	}
	rcpt, err := c.send(ctx, token, nil, data)
	if err != nil {
		return domain.TxReceipt{}, fmt.Errorf("evm: approve %s: %w", spender.Hex(), err)
	}
	c.logger.Info("allowance approved", slog.String("token", token.Hex()), slog.String("spender", spender.Hex()))
	return rcpt, nil
}

// ToUnits converts a token amount to its integer base units.
func ToUnits(amount float64, decimals int) *big.Int {
	return decimal.NewFromFloat(amount).Shift(int32(decimals)).Truncate(0).BigInt()
}

// FromUnits converts integer base units to a token amount.
func FromUnits(v *big.Int, decimals int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).InexactFloat64()
}
