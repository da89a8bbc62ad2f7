package transfer

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// MetaAmountUnit marks a transfer Order whose Amount is in token units rather
// than USD. Leg orders always carry it.
const (
	MetaAmountUnit  = "amount_unit"
	AmountUnitToken = "token"
	MetaLegIndex    = "leg_index"
	MetaParentID    = "parent_operation_id"
	MetaReduceOnly  = "reduce_only"
)

// LegOrder converts one planned leg into the Order that executes it. The id is
// derived from the parent so simulated runs stay reproducible.
func LegOrder(parent domain.Order, idx int, leg domain.TransferLeg, ts time.Time) (domain.Order, error) {
	strategyID := parent.StrategyID
	if strategyID == "" {
		strategyID = parent.OperationID
	}
	o := domain.Order{
		OperationID:    fmt.Sprintf("%s-leg-%d", parent.OperationID, idx),
		Amount:         leg.Amount,
		ExecutionMode:  domain.ExecutionSequential,
		StrategyIntent: string(leg.TradeType),
		StrategyID:     strategyID,
		Timestamp:      ts,
		Metadata: map[string]any{
			MetaLegIndex: idx,
			MetaParentID: parent.OperationID,
			"purpose":    leg.Purpose,
		},
	}

	switch leg.TradeType {
	case domain.TradeVenueTransfer:
		o.Operation = domain.OpTransfer
		o.Venue = leg.Venue
		o.SourceVenue = leg.FromVenue
		o.TargetVenue = leg.ToVenue
		o.SourceToken = leg.Token
		o.TargetToken = leg.OutputToken
		o.Metadata[MetaAmountUnit] = AmountUnitToken
	case domain.TradeLendingWithdrawal:
		o.Operation = domain.OpWithdraw
		o.Venue = leg.Venue
		o.TargetToken = leg.Token
	case domain.TradeLendingDeposit:
		o.Operation = domain.OpSupply
		o.Venue = leg.Venue
		o.TargetToken = leg.Token
	case domain.TradeUnstaking:
		o.Operation = domain.OpUnstake
		o.Venue = leg.Venue
		o.SourceToken = leg.Token
		o.TargetToken = leg.OutputToken
	case domain.TradeStaking:
		o.Operation = domain.OpStake
		o.Venue = leg.Venue
		o.SourceToken = leg.Token
		o.TargetToken = leg.OutputToken
	case domain.TradeSwap:
		o.Operation = domain.OpSwap
		o.Venue = leg.Venue
		o.SourceToken = leg.Token
		o.TargetToken = leg.OutputToken
	case domain.TradeDebtRepayment:
		o.Operation = domain.OpRepay
		o.Venue = leg.Venue
		o.TargetToken = leg.Token
	case domain.TradePositionReduction:
		o.Operation = domain.OpPerpTrade
		o.Venue = leg.Venue
		o.TargetToken = leg.Token
		o.Side = leg.Side
		o.Metadata[MetaReduceOnly] = true
	default:
		return domain.Order{}, fmt.Errorf("transfer: leg %d: unknown trade type %q", idx, leg.TradeType)
	}
	return o, nil
}

// LegOrders converts a whole plan, preserving leg order.
func LegOrders(parent domain.Order, legs []domain.TransferLeg, ts time.Time) ([]domain.Order, error) {
	out := make([]domain.Order, 0, len(legs))
	for i, leg := range legs {
		o, err := LegOrder(parent, i, leg, ts)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}
