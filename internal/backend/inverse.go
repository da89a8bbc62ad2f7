package backend

import (
	"strings"

	"github.com/alanyoungcy/venuerouter/internal/domain"
)

// MetaCompensates tags an order that undoes another, holding the original id.
const MetaCompensates = "compensates"

// Inverse builds the order that undoes a confirmed one, sized from its
// realised deltas where the units differ from the request. It reports false
// for operations that cannot be reversed: flash loans and USD-sized transfers.
func Inverse(o domain.Order, h domain.Handshake) (domain.Order, bool) {
	inv := o
	inv.OperationID = o.OperationID + "-undo"
	inv.ExpectedDeltas = domain.NegateDeltas(o.ExpectedDeltas)
	inv.Metadata = map[string]any{MetaCompensates: o.OperationID}
	if unit := o.MetaString("amount_unit"); unit != "" {
		inv.Metadata["amount_unit"] = unit
	}
	if len(o.ExpectedDeltas) == 0 {
		inv.ExpectedDeltas = nil
	}

	switch o.Operation {
	case domain.OpSupply:
		inv.Operation = domain.OpWithdraw
	case domain.OpWithdraw:
		inv.Operation = domain.OpSupply
	case domain.OpBorrow:
		inv.Operation = domain.OpRepay
	case domain.OpRepay:
		inv.Operation = domain.OpBorrow
	case domain.OpStake:
		amt, ok := positive(h.ActualDeltas, ":"+string(domain.PositionLST)+":")
		if !ok {
			return domain.Order{}, false
		}
		inv.Operation = domain.OpUnstake
		inv.SourceToken, inv.TargetToken = o.TargetToken, o.SourceToken
		inv.Amount = amt
	case domain.OpUnstake:
		amt, ok := positive(h.ActualDeltas, "wallet:BaseToken:ETH")
		if !ok {
			return domain.Order{}, false
		}
		inv.Operation = domain.OpStake
		inv.SourceToken, inv.TargetToken = o.TargetToken, o.SourceToken
		inv.Amount = amt
	case domain.OpSpotTrade, domain.OpPerpTrade:
		inv.Side = domain.OrderSideSell
		if o.Side == domain.OrderSideSell {
			inv.Side = domain.OrderSideBuy
		}
		inv.Price = nil
	case domain.OpSwap:
		amt, ok := positive(h.ActualDeltas, "wallet:BaseToken:"+o.TargetToken)
		if !ok {
			return domain.Order{}, false
		}
		inv.SourceToken, inv.TargetToken = o.TargetToken, o.SourceToken
		inv.Amount = amt
		inv.Price = nil
	case domain.OpTransfer:
		if o.MetaString("amount_unit") != "token" {
			return domain.Order{}, false
		}
		inv.SourceVenue, inv.TargetVenue = o.TargetVenue, o.SourceVenue
		inv.Venue = o.TargetVenue
	default:
		return domain.Order{}, false
	}
	return inv, true
}

// positive returns the first positive delta whose key contains fragment.
func positive(deltas map[string]float64, fragment string) (float64, bool) {
	for k, v := range deltas {
		if strings.Contains(k, fragment) && v > 0 {
			return v, true
		}
	}
	return 0, false
}
