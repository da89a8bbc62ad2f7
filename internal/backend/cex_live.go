package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// CEXLive places real orders through an exchange REST client. Calls for one
// venue are paced and serialized by the throttle because they share one API
// key.
type CEXLive struct {
	base
	client   domain.ExchangeClient
	throttle Throttle
	logger   *slog.Logger
}

// NewCEXLive creates a live exchange backend around client.
func NewCEXLive(client domain.ExchangeClient, reg *domain.Registry, throttle Throttle, logger *slog.Logger) *CEXLive {
	if throttle == nil {
		throttle = noThrottle{}
	}
	venue := client.Venue()
	return &CEXLive{
		base:     base{family: FamilyCEX, venue: venue, reg: reg},
		client:   client,
		throttle: throttle,
		logger:   logger.With(slog.String("component", "backend"), slog.String("backend", Key(FamilyCEX, venue))),
	}
}

func (b *CEXLive) Supports(op domain.Operation) bool {
	return op == domain.OpSpotTrade || op == domain.OpPerpTrade
}

// Execute implements Backend.
func (b *CEXLive) Execute(ctx context.Context, o domain.Order) (domain.Handshake, error) {
	submitted := b.clock(o)
	if !b.Supports(o.Operation) {
		return b.unsupported(o, submitted), nil
	}
	quote := o.SourceToken
	if quote == "" {
		quote = settlementToken(b.reg, b.venue)
	}
	req := domain.ExchangeOrder{
		ClientOrderID: o.OperationID,
		Market:        domain.MarketSpot,
		Base:          o.TargetToken,
		Quote:         quote,
		Side:          o.Side,
		Quantity:      o.Amount,
		Price:         o.Price,
	}
	if o.Operation == domain.OpPerpTrade {
		req.Market = domain.MarketPerp
		req.ReduceOnly, _ = o.Metadata["reduce_only"].(bool)
	}

	release, err := b.throttle.Acquire(ctx, b.venue)
	if err != nil {
		return domain.Handshake{}, err
	}
	fill, err := b.client.PlaceOrder(ctx, req)
	release()
	if err != nil {
		return domain.Handshake{}, fmt.Errorf("backend %s: place order %s: %w", b.Key(), o.OperationID, err)
	}

	if fill.FilledQty <= 0 {
		h := b.reject(o, SuffixRejected, fmt.Sprintf("order %s not filled (status %s)", fill.VenueOrderID, fill.Status), submitted).
			WithDetail("venue_order_id", fill.VenueOrderID)
		b.emit(ctx, o, h)
		return h, nil
	}

	sign := 1.0
	if o.Side == domain.OrderSideSell {
		sign = -1
	}
	deltas := make(map[string]float64, 2)
	if req.Market == domain.MarketPerp {
		deltas[b.key(b.venue, domain.PositionPerp, req.Base)] = sign * fill.FilledQty
	} else {
		deltas[b.key(b.venue, domain.PositionBaseToken, req.Base)] = sign * fill.FilledQty
		deltas[b.key(b.venue, domain.PositionBaseToken, quote)] = -sign * fill.FilledQty * fill.AvgPrice
	}
	executed := fill.TransactTime
	if executed.IsZero() {
		executed = time.Now().UTC()
	}

	h := domain.Confirmed(o, deltas, submitted, executed, false).
		WithFee(fill.Fee, fill.FeeAsset).
		WithDetail("fill_price", fill.AvgPrice).
		WithDetail("filled_qty", fill.FilledQty).
		WithDetail("venue_order_id", fill.VenueOrderID).
		WithDetail("venue_status", fill.Status)
	if fill.FilledQty < o.Amount {
		h = h.WithDetail("partial_fill", true)
	}
	b.logger.Info("order filled",
		slog.String("operation_id", o.OperationID),
		slog.String("symbol", req.Symbol()),
		slog.Float64("qty", fill.FilledQty),
		slog.Float64("price", fill.AvgPrice),
	)
	b.emit(ctx, o, h)
	return h, nil
}

// Withdraw sends token off the exchange to address. An accepted withdrawal is
// PENDING until the chain credits the destination.
func (b *CEXLive) Withdraw(ctx context.Context, o domain.Order, address string) (domain.Handshake, error) {
	submitted := b.clock(o)
	release, err := b.throttle.Acquire(ctx, b.venue)
	if err != nil {
		return domain.Handshake{}, err
	}
	id, err := b.client.Withdraw(ctx, domain.WithdrawRequest{
		ClientID: o.OperationID,
		Asset:    o.Token(),
		Address:  address,
		Amount:   o.Amount,
	})
	release()
	if err != nil {
		return domain.Handshake{}, fmt.Errorf("backend %s: withdraw %s: %w", b.Key(), o.OperationID, err)
	}
	h := domain.Pending(o, submitted, false).
		WithDetail("withdraw_id", id).
		WithDetail("address", address)
	b.emit(ctx, o, h)
	return h, nil
}

// CancelAll cancels open orders on every registered market of the venue.
func (b *CEXLive) CancelAll(ctx context.Context) error {
	release, err := b.throttle.Acquire(ctx, b.venue)
	if err != nil {
		return err
	}
	defer release()
	return b.client.CancelAll(ctx, b.symbols())
}

func (b *CEXLive) symbols() []string {
	quote := settlementToken(b.reg, b.venue)
	seen := map[string]bool{}
	var out []string
	for _, pt := range []domain.PositionType{domain.PositionBaseToken, domain.PositionPerp} {
		for _, s := range b.reg.Symbols(b.venue, pt) {
			if s == quote || isStable(s) || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s+quote)
		}
	}
	return out
}

// Withdrawer is implemented by backends that can move funds off a venue.
type Withdrawer interface {
	Withdraw(ctx context.Context, o domain.Order, address string) (domain.Handshake, error)
}

var (
	_ Backend    = (*CEXLive)(nil)
	_ Withdrawer = (*CEXLive)(nil)
)
