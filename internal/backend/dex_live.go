package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// DEXLive swaps through an on-chain pool. The client dispatches per protocol
// (constant-product router or stable-swap pool); this backend quotes, sets
// the minimum output from the slippage tolerance and settles on balance diffs.
type DEXLive struct {
	base
	chain       ChainClient
	throttle    Throttle
	slippageBps float64
	logger      *slog.Logger
}

// NewDEXLive creates a live swap backend for venue.
func NewDEXLive(venue string, reg *domain.Registry, chain ChainClient, throttle Throttle, slippageBps float64, logger *slog.Logger) *DEXLive {
	if throttle == nil {
		throttle = noThrottle{}
	}
	return &DEXLive{
		base:        base{family: FamilyDEX, venue: venue, reg: reg},
		chain:       chain,
		throttle:    throttle,
		slippageBps: slippageBps,
		logger:      logger.With(slog.String("component", "backend"), slog.String("backend", Key(FamilyDEX, venue))),
	}
}

func (b *DEXLive) Supports(op domain.Operation) bool { return op == domain.OpSwap }

func (b *DEXLive) CancelAll(context.Context) error { return nil }

// Execute implements Backend.
func (b *DEXLive) Execute(ctx context.Context, o domain.Order) (domain.Handshake, error) {
	submitted := b.clock(o)
	if !b.Supports(o.Operation) {
		return b.unsupported(o, submitted), nil
	}
	release, err := b.throttle.Acquire(ctx, "chain")
	if err != nil {
		return domain.Handshake{}, err
	}
	defer release()

	quote, err := b.chain.Quote(ctx, b.venue, o.SourceToken, o.TargetToken, o.Amount)
	if err != nil {
		return domain.Handshake{}, fmt.Errorf("backend %s: quote %s: %w", b.Key(), o.OperationID, err)
	}
	minOut := quote * (1 - b.slippageBps/10_000)
	if p := o.PriceOr(0); p > 0 && o.Amount/p > minOut {
		minOut = o.Amount / p
	}
	if minOut > quote {
		h := b.reject(o, SuffixRejected, fmt.Sprintf("quote %.8g below limit %.8g", quote, minOut), submitted)
		b.emit(ctx, o, h)
		return h, nil
	}

	probes := []balanceProbe{walletProbe(o.SourceToken), walletProbe(o.TargetToken)}
	deltas, rcpt, err := settleDiff(ctx, b.chain, probes, func() (domain.TxReceipt, error) {
		return b.chain.Swap(ctx, b.venue, o.SourceToken, o.TargetToken, o.Amount, minOut)
	})
	if err != nil {
		return domain.Handshake{}, fmt.Errorf("backend %s: swap %s: %w", b.Key(), o.OperationID, err)
	}

	h := domain.Confirmed(o, deltas, submitted, time.Now().UTC(), false).
		WithFee(rcpt.FeeNative, "ETH").
		WithDetail("tx_hash", rcpt.Hash).
		WithDetail("quoted_out", quote).
		WithDetail("min_out", minOut)
	b.logger.Info("swap confirmed",
		slog.String("operation_id", o.OperationID),
		slog.String("pair", o.SourceToken+"/"+o.TargetToken),
		slog.String("tx_hash", rcpt.Hash),
	)
	b.emit(ctx, o, h)
	return h, nil
}

var _ Backend = (*DEXLive)(nil)
