package domain

import (
	"fmt"
	"time"
)

// Operation is the action an Order instructs.
type Operation string

const (
	OpSpotTrade   Operation = "spot_trade"
	OpPerpTrade   Operation = "perp_trade"
	OpSupply      Operation = "supply"
	OpBorrow      Operation = "borrow"
	OpRepay       Operation = "repay"
	OpWithdraw    Operation = "withdraw"
	OpStake       Operation = "stake"
	OpUnstake     Operation = "unstake"
	OpSwap        Operation = "swap"
	OpTransfer    Operation = "transfer"
	OpFlashBorrow Operation = "flash_borrow"
	OpFlashRepay  Operation = "flash_repay"
)

// OrderSide indicates whether a trade buys or sells the target token.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// ExecutionMode describes how legs of one logical group are executed.
type ExecutionMode string

// ExecutionSequential runs legs one after another, never interleaved.
const ExecutionSequential ExecutionMode = "sequential"

// Order is a single venue-agnostic action. It is created by the strategy
// layer, consumed exactly once by the router and never mutated afterwards.
//
// For trades, TargetToken is the base asset, SourceToken the quote asset and
// Amount is denominated in the base asset. For swaps, Amount is the input
// quantity of SourceToken. For lending operations and stakes, Amount is in
// units of the underlying token; unstakes are sized in the liquid staking
// token. For transfers, Amount is in USD unless
// Metadata["amount_unit"] is "token".
type Order struct {
	OperationID    string             `json:"operation_id"`
	Operation      Operation          `json:"operation"`
	Venue          string             `json:"venue"`
	SourceVenue    string             `json:"source_venue,omitempty"`
	TargetVenue    string             `json:"target_venue,omitempty"`
	SourceToken    string             `json:"source_token,omitempty"`
	TargetToken    string             `json:"target_token,omitempty"`
	Side           OrderSide          `json:"side,omitempty"`
	Amount         float64            `json:"amount"`
	Price          *float64           `json:"price,omitempty"`
	ExpectedDeltas map[string]float64 `json:"expected_deltas,omitempty"`
	ExecutionMode  ExecutionMode      `json:"execution_mode,omitempty"`
	StrategyIntent string             `json:"strategy_intent,omitempty"`
	StrategyID     string             `json:"strategy_id,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
	Metadata       map[string]any     `json:"metadata,omitempty"`
}

// PriceOr returns the order's limit price, or fallback when none was given.
func (o Order) PriceOr(fallback float64) float64 {
	if o.Price != nil && *o.Price > 0 {
		return *o.Price
	}
	return fallback
}

// Token returns the token a protocol operation acts on.
func (o Order) Token() string {
	if o.TargetToken != "" {
		return o.TargetToken
	}
	return o.SourceToken
}

// MetaString returns a string metadata value or "".
func (o Order) MetaString(key string) string {
	if o.Metadata == nil {
		return ""
	}
	if v, ok := o.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// Validate checks the shape of the order and that every expected delta key
// resolves against reg.
func (o Order) Validate(reg *Registry) error {
	if o.OperationID == "" {
		return fmt.Errorf("%w: operation_id is required", ErrInvalidOrder)
	}
	if o.Operation == "" {
		return fmt.Errorf("%w: operation is required", ErrInvalidOrder)
	}
	if o.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %v", ErrInvalidOrder, o.Amount)
	}
	if o.ExecutionMode != "" && o.ExecutionMode != ExecutionSequential {
		return fmt.Errorf("%w: unsupported execution_mode %q", ErrInvalidOrder, o.ExecutionMode)
	}
	switch o.Operation {
	case OpSpotTrade, OpPerpTrade:
		if o.Side != OrderSideBuy && o.Side != OrderSideSell {
			return fmt.Errorf("%w: side must be buy or sell for %s", ErrInvalidOrder, o.Operation)
		}
		if o.TargetToken == "" {
			return fmt.Errorf("%w: target_token is required for %s", ErrInvalidOrder, o.Operation)
		}
	case OpSwap:
		if o.SourceToken == "" || o.TargetToken == "" {
			return fmt.Errorf("%w: swap needs source_token and target_token", ErrInvalidOrder)
		}
	case OpTransfer:
		if o.SourceVenue == "" || o.TargetVenue == "" {
			return fmt.Errorf("%w: transfer needs source_venue and target_venue", ErrInvalidOrder)
		}
	}
	if reg != nil {
		if err := reg.ValidateDeltas(o.ExpectedDeltas); err != nil {
			return fmt.Errorf("%w: expected_deltas: %v", ErrInvalidOrder, err)
		}
	}
	return nil
}
