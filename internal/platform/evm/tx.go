package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// call runs a read-only contract method and unpacks its outputs.
func (c *Client) call(ctx context.Context, to common.Address, a abi.ABI, method string, args ...any) ([]any, error) {
	data, err := a.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	raw, err := c.node.CallContract(ctx, ethereum.CallMsg{From: c.signer.Address(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, err
	}
	out, err := a.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return out, nil
}

func (c *Client) send(ctx context.Context, to common.Address, value *big.Int, data []byte) (domain.TxReceipt, error) {
	rcpt, _, err := c.sendRaw(ctx, to, value, data)
	return rcpt, err
}

// sendRaw signs and submits an EIP-1559 transaction, then waits for it to be
// mined. A reverted transaction is an error carrying its hash.
func (c *Client) sendRaw(ctx context.Context, to common.Address, value *big.Int, data []byte) (domain.TxReceipt, *types.Receipt, error) {
	if value == nil {
		value = new(big.Int)
	}
	from := c.signer.Address()

	c.sendMu.Lock()
	tx, err := c.buildTx(ctx, from, to, value, data)
	if err == nil {
		tx, err = c.signer.SignTx(tx)
	}
	if err == nil {
		err = c.node.SendTransaction(ctx, tx)
	}
	c.sendMu.Unlock()
	if err != nil {
		return domain.TxReceipt{}, nil, fmt.Errorf("submit: %w", err)
	}
	c.logger.Debug("transaction submitted", slog.String("tx_hash", tx.Hash().Hex()), slog.String("to", to.Hex()))

	r, err := c.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return domain.TxReceipt{}, nil, err
	}
	out := domain.TxReceipt{
		Hash:      tx.Hash().Hex(),
		GasUsed:   r.GasUsed,
		FeeNative: gasFee(r),
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	if r.Status != types.ReceiptStatusSuccessful {
		return out, r, &domain.VenueError{Venue: "chain", Code: "REVERTED", Message: "transaction " + out.Hash + " reverted"}
	}
	return out, r, nil
}

func (c *Client) buildTx(ctx context.Context, from, to common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	nonce, err := c.node.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	tip, err := c.node.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas tip: %w", err)
	}
	head, err := c.node.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas := c.chain.GasLimit
	if gas == 0 {
		est, err := c.node.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: data})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		gas = est + est*gasHeadroomPct/100
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      data,
	}), nil
}

// waitReceipt polls until the transaction is mined or the receipt timeout
// passes.
func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		r, err := c.node.TransactionReceipt(ctx, hash)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt %s: %w", hash.Hex(), domain.ErrTimeout)
		case <-ticker.C:
		}
	}
}

func gasFee(r *types.Receipt) float64 {
	if r.EffectiveGasPrice == nil {
		return 0
	}
	wei := new(big.Int).Mul(r.EffectiveGasPrice, new(big.Int).SetUint64(r.GasUsed))
	return FromUnits(wei, nativeDecimals)
}

// withApproval folds an approval's gas into the main receipt.
func withApproval(main, approval domain.TxReceipt) domain.TxReceipt {
	main.GasUsed += approval.GasUsed
	main.FeeNative += approval.FeeNative
	return main
}
