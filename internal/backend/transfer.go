package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
	"github.com/alanyoungcy/venuerouter/internal/notify"
	"github.com/alanyoungcy/venuerouter/internal/transfer"
)

// TransferBackend moves capital between venues. A USD-sized transfer is
// planned into legs, and each leg runs through the sibling backend that owns
// its venue; the token movement between holding venues is executed here. A
// failed leg undoes the earlier legs in reverse order.
type TransferBackend struct {
	base
	planner  *transfer.Planner
	notifier domain.Notifier
	logger   *slog.Logger

	// live rail
	chain    ChainClient
	wallet   string
	deposits map[string]string
	throttle Throttle

	mu       sync.RWMutex
	siblings map[string]Backend
}

// TransferOptions configures the live rail. Zero values give a simulated rail.
type TransferOptions struct {
	Chain            ChainClient
	WalletAddress    string
	DepositAddresses map[string]string // CEX venue -> deposit address
	Throttle         Throttle
	Notifier         domain.Notifier
}

// NewTransferBackend creates the transfer backend for rail.
func NewTransferBackend(rail string, reg *domain.Registry, planner *transfer.Planner, simulated bool, opts TransferOptions, logger *slog.Logger) *TransferBackend {
	if opts.Throttle == nil {
		opts.Throttle = noThrottle{}
	}
	return &TransferBackend{
		base:     base{family: FamilyTransfer, venue: rail, simulated: simulated, reg: reg},
		planner:  planner,
		notifier: opts.Notifier,
		logger:   logger.With(slog.String("component", "backend"), slog.String("backend", Key(FamilyTransfer, rail))),
		chain:    opts.Chain,
		wallet:   opts.WalletAddress,
		deposits: opts.DepositAddresses,
		throttle: opts.Throttle,
		siblings: map[string]Backend{},
	}
}

func (b *TransferBackend) Supports(op domain.Operation) bool { return op == domain.OpTransfer }

func (b *TransferBackend) CancelAll(context.Context) error { return nil }

// Link implements Linker. The transfer backend never delegates to itself.
func (b *TransferBackend) Link(siblings map[string]Backend) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.siblings = make(map[string]Backend, len(siblings))
	for k, s := range siblings {
		if s.Family() == FamilyTransfer {
			continue
		}
		b.siblings[k] = s
	}
}

func (b *TransferBackend) sibling(key string) (Backend, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.siblings[key]
	return s, ok
}

// Execute implements Backend.
func (b *TransferBackend) Execute(ctx context.Context, o domain.Order) (domain.Handshake, error) {
	at := b.clock(o)
	if !b.Supports(o.Operation) {
		return b.unsupported(o, at), nil
	}
	if o.MetaString(transfer.MetaAmountUnit) == transfer.AmountUnitToken {
		return b.move(ctx, o)
	}
	return b.planned(ctx, o, at)
}

// planned executes a USD-sized transfer as a sequence of legs.
func (b *TransferBackend) planned(ctx context.Context, o domain.Order, at time.Time) (domain.Handshake, error) {
	snapper, ok := b.deps.Positions.(domain.SnapshotSource)
	if !ok {
		return domain.Handshake{}, fmt.Errorf("backend %s: no venue snapshot source wired: %w", b.Key(), domain.ErrMissingMarketData)
	}
	snap, err := snapper.Snapshot(ctx, at)
	if err != nil {
		return domain.Handshake{}, fmt.Errorf("backend %s: snapshot: %w", b.Key(), err)
	}

	purpose := o.MetaString("purpose")
	if purpose == "" {
		purpose = o.StrategyIntent
	}
	legs, err := b.planner.Plan(o.SourceVenue, o.TargetVenue, o.Amount, snap, purpose)
	switch {
	case errors.Is(err, domain.ErrSafetyViolation):
		h := b.reject(o, "SAFETY_VIOLATION", err.Error(), at)
		b.emit(ctx, o, h)
		return h, nil
	case errors.Is(err, domain.ErrNoRoute):
		h := b.reject(o, "NO_ROUTE", err.Error(), at)
		b.emit(ctx, o, h)
		return h, nil
	case err != nil:
		return domain.Handshake{}, err
	}
	orders, err := transfer.LegOrders(o, legs, at)
	if err != nil {
		return domain.Handshake{}, err
	}

	var done []legRun
	var fee float64
	merged := map[string]float64{}
	records := make([]map[string]any, 0, len(orders))
	for i, lo := range orders {
		h := b.runLeg(ctx, lo)
		records = append(records, legRecord(lo, h))

		switch h.Status {
		case domain.StatusConfirmed:
			done = append(done, legRun{order: lo, handshake: h})
			domain.MergeDeltas(merged, h.ActualDeltas)
			fee += legs[i].ExpectedFee
			continue
		case domain.StatusPending:
			out := domain.Pending(o, at, b.simulated).
				WithDetail("legs", records).
				WithDetail("settled_deltas", merged).
				WithDetail("remaining_legs", legs[i+1:]).
				WithDetail("pending_leg", lo.OperationID)
			b.emit(ctx, o, out)
			return out, nil
		}

		out := b.unwind(ctx, o, at, done, h, records)
		b.emit(ctx, o, out)
		return out, nil
	}

	out := domain.Confirmed(o, merged, at, b.clock(o), b.simulated).
		WithFee(fee, "USD").
		WithDetail("legs", records).
		WithDetail("route_legs", len(legs))
	b.emit(ctx, o, out)
	return out, nil
}

type legRun struct {
	order     domain.Order
	handshake domain.Handshake
}

func legRecord(o domain.Order, h domain.Handshake) map[string]any {
	return map[string]any{
		"operation_id": o.OperationID,
		"operation":    string(o.Operation),
		"venue":        o.Venue,
		"status":       string(h.Status),
		"deltas":       h.ActualDeltas,
		"error_code":   h.ErrorCode,
	}
}

// runLeg executes one leg through its owner and always returns a handshake.
func (b *TransferBackend) runLeg(ctx context.Context, lo domain.Order) domain.Handshake {
	if lo.Operation == domain.OpTransfer {
		h, err := b.move(ctx, lo)
		if err != nil {
			return FailureFromError(b, lo, err, b.clock(lo))
		}
		return h
	}
	fam, _ := FamilyFor(lo.Operation)
	owner, ok := b.sibling(Key(fam, lo.Venue))
	if !ok || !owner.Supports(lo.Operation) {
		return b.reject(lo, SuffixUnavailable, fmt.Sprintf("no backend %s for leg %s", Key(fam, lo.Venue), lo.OperationID), b.clock(lo))
	}
	h, err := owner.Execute(ctx, lo)
	if err != nil {
		return FailureFromError(owner, lo, err, b.clock(lo))
	}
	h.OperationID = lo.OperationID
	h, _ = h.Sanitize(b.clock(lo))
	return h
}

// unwind reverses confirmed legs newest first after a leg fails. If every
// reversal confirms, the transfer is a clean failure; otherwise the deltas
// that could not be reversed are reported as stranded and operators alerted.
func (b *TransferBackend) unwind(ctx context.Context, o domain.Order, at time.Time, done []legRun, failed domain.Handshake, records []map[string]any) domain.Handshake {
	stranded := map[string]float64{}
	var undo []map[string]any
	for i := len(done) - 1; i >= 0; i-- {
		run := done[i]
		inv, ok := Inverse(run.order, run.handshake)
		if !ok {
			domain.MergeDeltas(stranded, run.handshake.ActualDeltas)
			continue
		}
		h := b.runLeg(ctx, inv)
		undo = append(undo, legRecord(inv, h))
		if h.Status != domain.StatusConfirmed {
			domain.MergeDeltas(stranded, run.handshake.ActualDeltas)
		}
	}

	msg := fmt.Sprintf("leg %s failed: %s: %s", failed.OperationID, failed.ErrorCode, failed.ErrorMessage)
	if len(stranded) == 0 {
		out := b.reject(o, "LEG_FAILED", msg, at).
			WithDetail("legs", records).
			WithDetail("compensations", undo)
		out.Retryable = failed.Retryable
		return out
	}

	keys := make([]string, 0, len(stranded))
	for k := range stranded {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	b.logger.Error("transfer stranded after failed compensation",
		slog.String("operation_id", o.OperationID),
		slog.String("failed_leg", failed.OperationID),
		slog.Any("stranded_keys", keys),
	)
	if b.notifier != nil {
		title := fmt.Sprintf("Transfer %s stranded", o.OperationID)
		body := fmt.Sprintf("%s -> %s: %s; unreconciled positions: %v", o.SourceVenue, o.TargetVenue, msg, keys)
		if err := b.notifier.Notify(ctx, notify.EventTransferStranded, title, body); err != nil {
			b.logger.Warn("stranded transfer alert failed", slog.String("error", err.Error()))
		}
	}
	return b.reject(o, "PARTIAL_STRANDED", msg, at).
		WithDetail("legs", records).
		WithDetail("compensations", undo).
		WithDetail("stranded_deltas", stranded)
}

// move executes a token-sized transfer between two holding venues.
func (b *TransferBackend) move(ctx context.Context, o domain.Order) (domain.Handshake, error) {
	at := b.clock(o)
	token := o.Token()
	from := b.key(o.SourceVenue, domain.PositionBaseToken, token)
	to := b.key(o.TargetVenue, domain.PositionBaseToken, token)

	if b.simulated {
		h := domain.Confirmed(o, map[string]float64{from: -o.Amount, to: o.Amount}, at, at, true)
		b.emit(ctx, o, h)
		return h, nil
	}

	if info, ok := b.reg.Venue(o.SourceVenue); ok && info.Kind == domain.VenueKindCEX {
		return b.withdrawFromCEX(ctx, o)
	}
	if b.chain == nil {
		return domain.Handshake{}, fmt.Errorf("backend %s: no chain client: %w", b.Key(), domain.ErrBackendUnavailable)
	}
	address, ok := b.deposits[o.TargetVenue]
	if !ok {
		return b.reject(o, "NO_DEPOSIT_ADDRESS", "no deposit address configured for "+o.TargetVenue, at), nil
	}

	release, err := b.throttle.Acquire(ctx, "chain")
	if err != nil {
		return domain.Handshake{}, err
	}
	defer release()
	rcpt, err := b.chain.Transfer(ctx, token, address, o.Amount)
	if err != nil {
		return domain.Handshake{}, fmt.Errorf("backend %s: transfer %s: %w", b.Key(), o.OperationID, err)
	}
	// Exchanges credit deposits after their own confirmation count; the
	// mined transfer is treated as settled.
	h := domain.Confirmed(o, map[string]float64{from: -o.Amount, to: o.Amount}, at, b.clock(o), false).
		WithFee(rcpt.FeeNative, "ETH").
		WithDetail("tx_hash", rcpt.Hash).
		WithDetail("address", address)
	b.emit(ctx, o, h)
	return h, nil
}

func (b *TransferBackend) withdrawFromCEX(ctx context.Context, o domain.Order) (domain.Handshake, error) {
	owner, ok := b.sibling(Key(FamilyCEX, o.SourceVenue))
	if !ok {
		return domain.Handshake{}, fmt.Errorf("backend %s: %s: %w", b.Key(), Key(FamilyCEX, o.SourceVenue), domain.ErrBackendUnavailable)
	}
	w, ok := owner.(Withdrawer)
	if !ok {
		return domain.Handshake{}, fmt.Errorf("backend %s: %s cannot withdraw: %w", b.Key(), owner.Key(), domain.ErrUnsupportedOperation)
	}
	address := b.wallet
	if o.TargetVenue != "wallet" {
		address = b.deposits[o.TargetVenue]
	}
	if address == "" {
		return b.reject(o, "NO_DEPOSIT_ADDRESS", "no destination address for "+o.TargetVenue, b.clock(o)), nil
	}
	return w.Withdraw(ctx, o, address)
}

var (
	_ Backend = (*TransferBackend)(nil)
	_ Linker  = (*TransferBackend)(nil)
)
