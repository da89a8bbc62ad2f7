package backend

import (
	"context"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// ChainClient is the signed on-chain surface the live protocol, swap and
// transfer backends need. Amounts are in token units; the client handles
// decimals. Every write waits for the receipt before returning.
type ChainClient interface {
	Address() string
	// Balance returns the wallet's balance of token; "ETH" is the native coin.
	Balance(ctx context.Context, token string) (float64, error)
	// PositionBalance returns a protocol position: aToken, debtToken or LST.
	PositionBalance(ctx context.Context, venue string, pt domain.PositionType, symbol string) (float64, error)
	Lend(ctx context.Context, venue string, op domain.Operation, token string, amount float64) (domain.TxReceipt, error)
	Stake(ctx context.Context, venue string, amountETH float64) (domain.TxReceipt, error)
	// RequestUnstake queues a withdrawal and returns the protocol request id.
	RequestUnstake(ctx context.Context, venue string, amount float64) (domain.TxReceipt, string, error)
	Quote(ctx context.Context, venue, src, dst string, amountIn float64) (float64, error)
	Swap(ctx context.Context, venue, src, dst string, amountIn, minOut float64) (domain.TxReceipt, error)
	Transfer(ctx context.Context, token, to string, amount float64) (domain.TxReceipt, error)
}

// balanceProbe reads one instrument balance through a ChainClient.
type balanceProbe struct {
	key   string
	venue string
	pt    domain.PositionType
	sym   string
}

func walletProbe(token string) balanceProbe {
	return balanceProbe{key: domain.NewKey("wallet", domain.PositionBaseToken, token).String(), venue: "wallet", pt: domain.PositionBaseToken, sym: token}
}

func positionProbe(venue string, pt domain.PositionType, sym string) balanceProbe {
	return balanceProbe{key: domain.NewKey(venue, pt, sym).String(), venue: venue, pt: pt, sym: sym}
}

func readBalances(ctx context.Context, c ChainClient, probes []balanceProbe) (map[string]float64, error) {
	out := make(map[string]float64, len(probes))
	for _, p := range probes {
		var (
			v   float64
			err error
		)
		if p.venue == "wallet" {
			v, err = c.Balance(ctx, p.sym)
		} else {
			v, err = c.PositionBalance(ctx, p.venue, p.pt, p.sym)
		}
		if err != nil {
			return nil, err
		}
		out[p.key] = v
	}
	return out, nil
}

// balanceDeltas returns after - before, dropping unchanged keys.
func balanceDeltas(before, after map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(after))
	for k, v := range after {
		if d := v - before[k]; d != 0 {
			out[k] = d
		}
	}
	return out
}

// settleDiff runs write between two balance reads and returns the realised
// deltas. The native-coin gas spend is added back so deltas carry only the
// operation itself; gas is reported as the fee.
func settleDiff(ctx context.Context, c ChainClient, probes []balanceProbe, write func() (domain.TxReceipt, error)) (map[string]float64, domain.TxReceipt, error) {
	before, err := readBalances(ctx, c, probes)
	if err != nil {
		return nil, domain.TxReceipt{}, err
	}
	rcpt, err := write()
	if err != nil {
		return nil, domain.TxReceipt{}, err
	}
	after, err := readBalances(ctx, c, probes)
	if err != nil {
		return nil, rcpt, err
	}
	if eth := walletProbe("ETH").key; rcpt.FeeNative > 0 {
		if _, ok := after[eth]; ok {
			after[eth] += rcpt.FeeNative
		}
	}
	return balanceDeltas(before, after), rcpt, nil
}
