package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// OnChainLive submits signed lending and staking transactions. Realised
// deltas are the wallet and position balance changes across the transaction.
type OnChainLive struct {
	base
	kind     domain.VenueKind
	chain    ChainClient
	throttle Throttle
	logger   *slog.Logger
}

// NewOnChainLive creates a live protocol backend for a lending or staking venue.
func NewOnChainLive(venue string, reg *domain.Registry, chain ChainClient, throttle Throttle, logger *slog.Logger) *OnChainLive {
	if throttle == nil {
		throttle = noThrottle{}
	}
	info, _ := reg.Venue(venue)
	return &OnChainLive{
		base:     base{family: FamilyOnChain, venue: venue, reg: reg},
		kind:     info.Kind,
		chain:    chain,
		throttle: throttle,
		logger:   logger.With(slog.String("component", "backend"), slog.String("backend", Key(FamilyOnChain, venue))),
	}
}

// Supports excludes flash loans, which need an atomic callback contract.
func (b *OnChainLive) Supports(op domain.Operation) bool {
	if op == domain.OpFlashBorrow || op == domain.OpFlashRepay {
		return false
	}
	return supportsOnChain(b.reg, b.venue, b.kind, op)
}

// CancelAll is a no-op: mined transactions cannot be cancelled.
func (b *OnChainLive) CancelAll(context.Context) error { return nil }

// Execute implements Backend.
func (b *OnChainLive) Execute(ctx context.Context, o domain.Order) (domain.Handshake, error) {
	submitted := b.clock(o)
	if !b.Supports(o.Operation) {
		return b.unsupported(o, submitted), nil
	}

	// Every transaction from the wallet shares one nonce sequence.
	release, err := b.throttle.Acquire(ctx, "chain")
	if err != nil {
		return domain.Handshake{}, err
	}
	defer release()

	if o.Operation == domain.OpUnstake {
		return b.unstake(ctx, o, submitted)
	}

	var probes []balanceProbe
	var write func() (domain.TxReceipt, error)
	switch o.Operation {
	case domain.OpStake:
		lst, err := b.lst()
		if err != nil {
			return domain.Handshake{}, err
		}
		probes = []balanceProbe{walletProbe("ETH"), positionProbe(b.venue, domain.PositionLST, lst)}
		write = func() (domain.TxReceipt, error) { return b.chain.Stake(ctx, b.venue, o.Amount) }
	default:
		underlying := o.Token()
		token := lendingToken(underlying)
		pos := positionProbe(b.venue, domain.PositionAToken, domain.ATokenSymbol(token))
		if o.Operation == domain.OpBorrow || o.Operation == domain.OpRepay {
			pos = positionProbe(b.venue, domain.PositionDebtToken, domain.DebtTokenSymbol(token))
		}
		probes = []balanceProbe{walletProbe(underlying), pos}
		write = func() (domain.TxReceipt, error) {
			return b.chain.Lend(ctx, b.venue, o.Operation, token, o.Amount)
		}
	}

	deltas, rcpt, err := settleDiff(ctx, b.chain, probes, write)
	if err != nil {
		return domain.Handshake{}, fmt.Errorf("backend %s: %s %s: %w", b.Key(), o.Operation, o.OperationID, err)
	}
	h := domain.Confirmed(o, deltas, submitted, b.clock(o), false).
		WithFee(rcpt.FeeNative, "ETH").
		WithDetail("tx_hash", rcpt.Hash).
		WithDetail("block_number", rcpt.BlockNumber).
		WithDetail("gas_used", rcpt.GasUsed)
	b.logger.Info("transaction confirmed",
		slog.String("operation_id", o.OperationID),
		slog.String("operation", string(o.Operation)),
		slog.String("tx_hash", rcpt.Hash),
	)
	b.emit(ctx, o, h)
	return h, nil
}

// unstake queues a protocol withdrawal. The ETH arrives after the queue
// clears, so the handshake stays PENDING.
func (b *OnChainLive) unstake(ctx context.Context, o domain.Order, submitted time.Time) (domain.Handshake, error) {
	rcpt, requestID, err := b.chain.RequestUnstake(ctx, b.venue, o.Amount)
	if err != nil {
		return domain.Handshake{}, fmt.Errorf("backend %s: unstake %s: %w", b.Key(), o.OperationID, err)
	}
	h := domain.Pending(o, submitted, false).
		WithFee(rcpt.FeeNative, "ETH").
		WithDetail("tx_hash", rcpt.Hash).
		WithDetail("withdrawal_request_id", requestID)
	b.emit(ctx, o, h)
	return h, nil
}

func (b *OnChainLive) lst() (string, error) {
	syms := b.reg.Symbols(b.venue, domain.PositionLST)
	if len(syms) == 0 {
		return "", fmt.Errorf("backend %s: no staking token registered: %w", b.Key(), domain.ErrUnknownInstrument)
	}
	return syms[0], nil
}

var _ Backend = (*OnChainLive)(nil)
